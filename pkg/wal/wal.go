// Package wal implements a write-ahead journal over pkg/kv.KV: every
// state-mutating operation (Telomeer transfer, Personal Chain append,
// WisselToken adjustment) is recorded here before it is applied, so a
// crash between journaling and application can be recovered by Replay
// without corrupting state or double-applying a record.
//
// Key layout and persist-then-apply shape grounded on
// pkg/ledger/store.go's systemBlockKey big-endian prefix convention and
// its SaveABCIState/LoadABCIState recovery pair.
package wal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/juicetokens/core/pkg/juiceerr"
	"github.com/juicetokens/core/pkg/kv"
)

// OpKind names the class of state mutation a Record represents.
type OpKind string

const (
	OpTokenTransfer      OpKind = "TOKEN_TRANSFER"
	OpPersonalChainEntry OpKind = "PERSONAL_CHAIN_ENTRY"
	OpWisselAdjustment   OpKind = "WISSEL_ADJUSTMENT"
	OpEggLifecycle       OpKind = "EGG_LIFECYCLE"
)

// Record is one write-ahead entry: enough to replay or verify that an
// operation was applied.
type Record struct {
	Sequence  uint64          `json:"sequence"`
	Kind      OpKind          `json:"kind"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	WrittenAt time.Time       `json:"written_at"`
	Applied   bool            `json:"applied"`
}

var (
	keyMetaLatestSeq = []byte("wal/meta/latest_seq")
	keyRecordPrefix  = []byte("wal/record/")
)

func recordKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return append(append([]byte{}, keyRecordPrefix...), b...)
}

// Journal is a write-ahead log with one sequence counter. Grounded on
// pkg/ledger.LedgerStore's single-writer design note: Append, MarkApplied
// and Replay serialize on the Journal's own mutex.
type Journal struct {
	mu        sync.Mutex
	store     kv.KV
	latestSeq uint64
	hasMeta   bool
	loaded    bool
}

// New constructs a Journal backed by store.
func New(store kv.KV) *Journal {
	return &Journal{store: store}
}

func (j *Journal) ensureLoaded() error {
	if j.loaded {
		return nil
	}
	raw, err := j.store.Get(keyMetaLatestSeq)
	if err == kv.ErrNotFound {
		j.loaded = true
		return nil
	}
	if err != nil {
		return err
	}
	j.latestSeq = binary.BigEndian.Uint64(raw)
	j.hasMeta = true
	j.loaded = true
	return nil
}

// Append writes a new unapplied record for the given operation and
// returns it. Callers must call MarkApplied once the mutation has taken
// effect.
func (j *Journal) Append(kind OpKind, key string, payload interface{}) (Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.ensureLoaded(); err != nil {
		return Record{}, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Record{}, err
	}

	seq := uint64(0)
	if j.hasMeta {
		seq = j.latestSeq + 1
	}

	rec := Record{
		Sequence:  seq,
		Kind:      kind,
		Key:       key,
		Payload:   raw,
		WrittenAt: time.Now().UTC(),
		Applied:   false,
	}
	if err := j.persist(rec); err != nil {
		return Record{}, err
	}

	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)
	if err := j.store.Set(keyMetaLatestSeq, seqBytes); err != nil {
		return Record{}, err
	}
	j.latestSeq = seq
	j.hasMeta = true
	return rec, nil
}

// MarkApplied flags rec as applied, so Replay will skip it.
func (j *Journal) MarkApplied(rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec.Applied = true
	return j.persist(rec)
}

func (j *Journal) persist(rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return j.store.Set(recordKey(rec.Sequence), raw)
}

// Get loads the record at seq, or juiceerr.KindUnknownTransaction if absent.
func (j *Journal) Get(seq uint64) (Record, error) {
	raw, err := j.store.Get(recordKey(seq))
	if err == kv.ErrNotFound {
		return Record{}, juiceerr.Newf(juiceerr.KindUnknownTransaction, "wal: no record at sequence %d", seq)
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("wal: corrupt record at sequence %d: %w", seq, err)
	}
	return rec, nil
}

// Replay calls apply for every record from sequence 0 through the latest
// that has not yet been marked Applied, in order, marking each applied on
// success. apply must be idempotent: a record already fully applied
// before a crash but not yet marked Applied will be re-delivered.
func (j *Journal) Replay(apply func(Record) error) (int, error) {
	j.mu.Lock()
	if err := j.ensureLoaded(); err != nil {
		j.mu.Unlock()
		return 0, err
	}
	latest := j.latestSeq
	hasAny := j.hasMeta
	j.mu.Unlock()

	if !hasAny {
		return 0, nil
	}

	replayed := 0
	for seq := uint64(0); seq <= latest; seq++ {
		rec, err := j.Get(seq)
		if err != nil {
			return replayed, err
		}
		if rec.Applied {
			continue
		}
		if err := apply(rec); err != nil {
			return replayed, fmt.Errorf("wal: replaying sequence %d: %w", seq, err)
		}
		if err := j.MarkApplied(rec); err != nil {
			return replayed, err
		}
		replayed++
	}
	return replayed, nil
}
