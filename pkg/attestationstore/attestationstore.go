// Package attestationstore defines the Replicated Attestation Store
// interface the transaction engine consults to resolve INCONCLUSIVE
// transactions (a four-packet exchange that was interrupted after
// Commitment but before Finalization). Real DHT backends with S2-cell
// sharding are out of scope for this module — it only consumes this
// interface — so this package ships the contract plus one reference
// in-memory implementation, grounded on main.go's MemoryKV pattern and
// pkg/attestation/service.go's bundle/collection shape.
package attestationstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ShardID is kept deliberately opaque: the core never computes S2 cells
// itself, it only forwards whatever shard id a caller supplies, so no
// geometry library is wired in (see DESIGN.md).
type ShardID uint64

// Record is one published attestation: a statement by validatorID that
// transactionID reached a given outcome, with a replication TTL.
type Record struct {
	TransactionID string
	ValidatorID   string
	Outcome       string // "COMMITTED", "ABORTED", "INCONCLUSIVE"
	Shard         ShardID
	PublishedAt   time.Time
	ExpiresAt     time.Time
	Signature     []byte
}

// QueryResult is a page of matching Records plus a continuation token for
// paging through larger result sets.
type QueryResult struct {
	Records    []Record
	Continuation string
}

// Store is the Replicated Attestation Store contract: publish a record, and
// query by transaction id or shard, leaving out records whose ExpiresAt has
// passed; continuation is the paging token. The contract carries no
// replication factor.
type Store interface {
	Publish(ctx context.Context, rec Record) error
	Query(ctx context.Context, transactionID string, continuation string) (QueryResult, error)
	QueryShard(ctx context.Context, shard ShardID, continuation string) (QueryResult, error)
}

// InMemoryStore is the reference Store implementation for single-node and
// offline mode, and for txengine's unit tests. Grounded on main.go's
// MemoryKV pattern. Its queries return every live match in one page: the
// continuation argument is ignored and Continuation is always empty.
type InMemoryStore struct {
	mu      sync.RWMutex
	byTx    map[string][]Record
	byShard map[ShardID][]Record
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byTx:    make(map[string][]Record),
		byShard: make(map[ShardID][]Record),
	}
}

func (s *InMemoryStore) Publish(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTx[rec.TransactionID] = append(s.byTx[rec.TransactionID], rec)
	s.byShard[rec.Shard] = append(s.byShard[rec.Shard], rec)
	return nil
}

func (s *InMemoryStore) Query(ctx context.Context, transactionID string, continuation string) (QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now().UTC()
	var live []Record
	for _, r := range s.byTx[transactionID] {
		if r.ExpiresAt.IsZero() || r.ExpiresAt.After(now) {
			live = append(live, r)
		}
	}
	return QueryResult{Records: live}, nil
}

func (s *InMemoryStore) QueryShard(ctx context.Context, shard ShardID, continuation string) (QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now().UTC()
	var live []Record
	for _, r := range s.byShard[shard] {
		if r.ExpiresAt.IsZero() || r.ExpiresAt.After(now) {
			live = append(live, r)
		}
	}
	return QueryResult{Records: live}, nil
}

// NewRequestID generates a uuid-based identifier for a publish/query round,
// used by callers that need to correlate retries (same convention as
// pkg/attestation/service.go's use of uuid.UUID for bundle ids).
func NewRequestID() string {
	return uuid.NewString()
}
