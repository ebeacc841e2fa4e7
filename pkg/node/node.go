// Package node wires together every consumed interface and domain package
// (C1-C8) into a running participant: its own Personal Chain, a
// denomination-aware token store, the four-packet engine, the write-ahead
// journal, and a lifecycle manager for eggs and renewals. It is the
// integration layer cmd/juicetokensd bootstraps, grounded on main.go's
// BatchComponents-style component bundling and validatorNode.Start(ctx)
// orchestration shape.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/juicetokens/core/pkg/attestationstore"
	"github.com/juicetokens/core/pkg/config"
	"github.com/juicetokens/core/pkg/cryptoprim"
	"github.com/juicetokens/core/pkg/denomclock"
	"github.com/juicetokens/core/pkg/juiceerr"
	"github.com/juicetokens/core/pkg/kv"
	"github.com/juicetokens/core/pkg/lifecycle"
	"github.com/juicetokens/core/pkg/personalchain"
	"github.com/juicetokens/core/pkg/tee"
	"github.com/juicetokens/core/pkg/timeattest"
	"github.com/juicetokens/core/pkg/token"
	"github.com/juicetokens/core/pkg/transport"
	"github.com/juicetokens/core/pkg/txengine"
	"github.com/juicetokens/core/pkg/wal"
)

var tokenKeyPrefix = []byte("node/token/")

func tokenKey(id string) []byte {
	return append(append([]byte{}, tokenKeyPrefix...), []byte(id)...)
}

// TokenStore persists a user's Token set in the backing KV, keeping
// denomclock informed as tokens arrive and leave. Grounded on
// pkg/ledger.LedgerStore's thin KV-wrapping style.
type TokenStore struct {
	mu    sync.RWMutex
	store kv.KV
	clock *denomclock.Clock
}

// NewTokenStore constructs a TokenStore backed by store, reporting holdings
// into clock.
func NewTokenStore(store kv.KV, clock *denomclock.Clock) *TokenStore {
	return &TokenStore{store: store, clock: clock}
}

// Put persists tok and updates the denomination clock's count for its
// denomination.
func (s *TokenStore) Put(tok token.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	if err := s.store.Set(tokenKey(tok.ID), raw); err != nil {
		return err
	}
	return s.observeLocked(tok.Denom)
}

// Delete removes a token (it has been spent or folded away) and updates
// the denomination clock.
func (s *TokenStore) Delete(id string, denom float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Delete(tokenKey(id)); err != nil {
		return err
	}
	return s.observeLocked(denom)
}

func (s *TokenStore) observeLocked(denom float64) error {
	if s.clock == nil {
		return nil
	}
	all, err := s.listLocked()
	if err != nil {
		return err
	}
	count := 0
	for _, t := range all {
		if t.Denom == denom {
			count++
		}
	}
	s.clock.Observe(denom, count)
	return nil
}

// Get loads a single token by id.
func (s *TokenStore) Get(id string) (token.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := s.store.Get(tokenKey(id))
	if err == kv.ErrNotFound {
		return token.Token{}, juiceerr.New(juiceerr.KindUnknownTransaction, "no such token")
	}
	if err != nil {
		return token.Token{}, err
	}
	var tok token.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return token.Token{}, err
	}
	return tok, nil
}

// List returns every token currently held, ordered by id for determinism.
func (s *TokenStore) List() ([]token.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked()
}

func (s *TokenStore) listLocked() ([]token.Token, error) {
	raws, err := s.store.List(tokenKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]token.Token, 0, len(raws))
	for _, raw := range raws {
		var tok token.Token
		if err := json.Unmarshal(raw, &tok); err != nil {
			return nil, fmt.Errorf("node: corrupt token record: %w", err)
		}
		out = append(out, tok)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Spendable returns every held token that is not revoked, not expired, and
// not the protected WisselToken reserve.
func (s *TokenStore) Spendable(now time.Time) ([]token.Token, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, tok := range all {
		if tok.Revoked || tok.IsWisselTok {
			continue
		}
		if !tok.ExpiresAt.IsZero() && now.After(tok.ExpiresAt) {
			continue
		}
		out = append(out, tok)
	}
	return out, nil
}

// Node bundles one participant's full stack: identity, persistence,
// the four-packet engine, lifecycle management, and the consumed
// collaborator interfaces (transport, attestation store, TEE).
type Node struct {
	cfg    *config.Config
	logger *log.Logger

	store   kv.KV
	journal *wal.Journal
	signer  *cryptoprim.Ed25519Signer
	teeCap  tee.Capability

	Chain     *personalchain.Chain
	Clock     *denomclock.Clock
	Tokens    *TokenStore
	Engine    *txengine.Engine
	Lifecycle *lifecycle.Manager
	Attest    attestationstore.Store
	TimeAttestor *timeattest.Attestor
}

// New bootstraps a Node from cfg over the caller-supplied backing store:
// it loads or generates the node's signing key, and wires every
// domain package together. attestStore is a Store collaborator (an
// InMemoryStore for single-node/offline mode, or a real DHT-backed
// implementation supplied by the caller).
func New(ctx context.Context, cfg *config.Config, store kv.KV, attestStore attestationstore.Store, logger *log.Logger) (*Node, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[Node] ", log.LstdFlags)
	}
	if cfg.UserID == "" {
		return nil, juiceerr.New(juiceerr.KindInvalidDenomination, "node: UserID must be set")
	}

	teeCap, err := tee.NewSoftwareCapability(cfg.KeyPath, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("node: loading signing key: %w", err)
	}

	signer := teeCap.Signer()
	chain := personalchain.NewChain(cfg.UserID, store, signer)
	clock := denomclock.NewClock(cfg.Denominations, len(cfg.Denominations))
	tokens := NewTokenStore(store, clock)
	journal := wal.New(store)

	if attestStore == nil {
		attestStore = attestationstore.NewInMemoryStore()
	}

	engineCfg := txengine.Config{
		TxTimeout:        cfg.TxTimeout,
		MaxRetries:       cfg.MaxRetries,
		BaseRetryBackoff: cfg.BaseRetryBackoff,
		ResolutionWindow: cfg.ResolutionWindow,
		IssuanceMin:      cfg.IssuanceMin,
	}
	engine := txengine.NewEngine(ctx, engineCfg, signer, attestStore, log.New(log.Writer(), "[TxEngine] ", log.LstdFlags))

	timeCfg := timeattest.DefaultConfig()
	timeCfg.MaxClockSkew = cfg.MaxClockSkew
	for k, w := range cfg.TimeSourceWeight {
		timeCfg.SourceWeight[timeattest.SourceType(k)] = w
	}
	attestor := timeattest.NewAttestor(timeCfg, timeattest.SystemSource{}, timeattest.NewNTPSource("pool.ntp.org"))

	lifecycleMgr := lifecycle.NewManager(log.New(log.Writer(), "[Lifecycle] ", log.LstdFlags))

	return &Node{
		cfg:          cfg,
		logger:       logger,
		store:        store,
		journal:      journal,
		signer:       signer,
		teeCap:       teeCap,
		Chain:        chain,
		Clock:        clock,
		Tokens:       tokens,
		Engine:       engine,
		Lifecycle:    lifecycleMgr,
		Attest:       attestStore,
		TimeAttestor: attestor,
	}, nil
}

// Replay drives the write-ahead journal's recovery pass: any record
// written before a crash but never marked applied is re-applied now. Safe
// to call unconditionally at startup, including when the journal is empty
// or every record is already applied.
func (n *Node) Replay() (int, error) {
	return n.journal.Replay(n.applyWALRecord)
}

// walTransferPayload is the JSON shape journaled for OpTokenTransfer.
// PairedID/PairedToken are set only when rec.Key's token is a WisselToken
// moved together with a same-issuance token via TransferWisselPaired: the
// paired token's pre-transfer snapshot travels with the record so a single
// replayed entry is self-sufficient, since Transfer alone refuses a solo
// WisselToken move.
type walTransferPayload struct {
	To          string          `json:"to"`
	PairedID    string          `json:"paired_id,omitempty"`
	PairedToken json.RawMessage `json:"paired_token,omitempty"`
}

func (n *Node) applyWALRecord(rec wal.Record) error {
	switch rec.Kind {
	case wal.OpTokenTransfer:
		var payload walTransferPayload
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return err
		}
		tok, err := n.Tokens.Get(rec.Key)
		if err != nil {
			if kind, ok := juiceerr.KindOf(err); ok && kind == juiceerr.KindUnknownTransaction {
				return nil
			}
			return err
		}
		if tok.Telomeer.CurrentOwner == payload.To {
			return nil
		}

		if payload.PairedID != "" {
			var other token.Token
			if err := json.Unmarshal(payload.PairedToken, &other); err != nil {
				return err
			}
			wissel, paired := tok, other
			if !wissel.IsWisselTok {
				wissel, paired = other, tok
			}
			newWissel, newPaired, err := token.TransferWisselPaired(wissel, paired, payload.To, n.cfg.MaxHistory)
			if err != nil {
				return err
			}
			if payload.To == n.cfg.UserID {
				if err := n.Tokens.Put(newWissel); err != nil {
					return err
				}
				return n.Tokens.Put(newPaired)
			}
			if err := n.Tokens.Delete(newWissel.ID, newWissel.Denom); err != nil {
				return err
			}
			return n.Tokens.Delete(newPaired.ID, newPaired.Denom)
		}

		if payload.To == n.cfg.UserID {
			accepted, err := token.Transfer(tok, payload.To, n.cfg.MaxHistory)
			if err != nil {
				return err
			}
			return n.Tokens.Put(accepted)
		}
		if _, err := token.Transfer(tok, payload.To, n.cfg.MaxHistory); err != nil {
			return err
		}
		return n.Tokens.Delete(tok.ID, tok.Denom)
	default:
		return nil
	}
}

// Close releases the node's resources (stops the engine's deadline
// scheduler and closes the backing store).
func (n *Node) Close() error {
	n.Engine.Stop()
	return n.store.Close()
}

// Send drives an outgoing four-packet transfer of amount to remoteUser over
// d, then applies the resulting ownership changes: tokens in the finalized
// SenderExo leave this node for remoteUser, and any change tokens returned
// in the ReceiverExo are accepted into this node's TokenStore. Every
// mutation is write-ahead-journaled before it is applied, and a
// Transaction entry is appended to the local Personal Chain.
func (n *Node) Send(ctx context.Context, d transport.Duplex, remoteUser string, amount float64) (*txengine.Transaction, error) {
	available, err := n.Tokens.Spendable(time.Now().UTC())
	if err != nil {
		return nil, err
	}

	tx, err := n.Engine.InitiateTransfer(ctx, d, n.cfg.UserID, remoteUser, amount, available, n.Clock)
	if err != nil {
		return tx, err
	}
	if tx.State != txengine.StateFinalized {
		return tx, juiceerr.Newf(juiceerr.KindTransactionAborted, "transfer ended in state %s", tx.State)
	}

	if err := n.applyOutgoingBatch(tx.SenderExo.Tokens, remoteUser); err != nil {
		return tx, err
	}
	if err := n.applyIncomingBatch(tx.ReceiverExo.Tokens); err != nil {
		return tx, err
	}

	if _, err := n.Chain.Append("Transaction", map[string]interface{}{
		"transaction_id": tx.ID,
		"role":           string(tx.Role),
		"remote_user":    remoteUser,
		"amount":         amount,
	}); err != nil {
		return tx, fmt.Errorf("node: recording transaction on personal chain: %w", err)
	}
	return tx, nil
}

// Listen accepts one incoming four-packet transfer from remoteUser over d,
// offering change from this node's spendable tokens via denomclock, then
// applies the resulting ownership changes symmetrically to Send.
func (n *Node) Listen(ctx context.Context, d transport.Duplex, remoteUser string) (*txengine.Transaction, error) {
	available, err := n.Tokens.Spendable(time.Now().UTC())
	if err != nil {
		return nil, err
	}

	buildChange := func(senderExo txengine.Pak, senderClock *denomclock.Clock) ([]token.Token, error) {
		var incoming float64
		for _, t := range senderExo.Tokens {
			incoming += t.Denom
		}
		sel, err := n.Clock.SelectTokens(available, incoming, int(n.cfg.IssuanceMin), senderClock)
		if err != nil {
			if kind, ok := juiceerr.KindOf(err); ok && kind == juiceerr.KindInsufficientBalance {
				return nil, nil
			}
			return nil, err
		}
		if sel.OvershootFor <= 0 {
			return nil, nil
		}
		return sel.Chosen, nil
	}

	tx, err := n.Engine.HandleIncoming(ctx, d, n.cfg.UserID, available, n.Clock, buildChange)
	if err != nil {
		return tx, err
	}
	if tx.State != txengine.StateFinalized {
		return tx, juiceerr.Newf(juiceerr.KindTransactionAborted, "transfer ended in state %s", tx.State)
	}

	if err := n.applyIncomingBatch(tx.SenderExo.Tokens); err != nil {
		return tx, err
	}
	if err := n.applyOutgoingBatch(tx.ReceiverExo.Tokens, remoteUser); err != nil {
		return tx, err
	}

	if _, err := n.Chain.Append("Transaction", map[string]interface{}{
		"transaction_id": tx.ID,
		"role":           string(tx.Role),
		"remote_user":    remoteUser,
	}); err != nil {
		return tx, fmt.Errorf("node: recording transaction on personal chain: %w", err)
	}
	return tx, nil
}

// partitionWisselPairs splits tokens into WisselToken/same-issuance pairs
// that must move together via token.TransferWisselPaired, and the rest,
// which move individually via token.Transfer. Only the first non-Wissel
// token found in a WisselToken's issuance is paired with it; any further
// non-Wissel tokens of that issuance are returned in rest.
func partitionWisselPairs(tokens []token.Token) (pairs [][2]token.Token, rest []token.Token) {
	byIssuance := make(map[token.IssuanceID][]token.Token)
	for _, tok := range tokens {
		byIssuance[tok.IssuanceID] = append(byIssuance[tok.IssuanceID], tok)
	}

	paired := make(map[string]bool)
	for _, group := range byIssuance {
		var wissel *token.Token
		var nonWissel []token.Token
		for i := range group {
			if group[i].IsWisselTok {
				w := group[i]
				wissel = &w
			} else {
				nonWissel = append(nonWissel, group[i])
			}
		}
		if wissel == nil || len(nonWissel) == 0 {
			continue
		}
		pairs = append(pairs, [2]token.Token{*wissel, nonWissel[0]})
		paired[wissel.ID] = true
		paired[nonWissel[0].ID] = true
	}

	for _, tok := range tokens {
		if !paired[tok.ID] {
			rest = append(rest, tok)
		}
	}
	return pairs, rest
}

// applyOutgoingBatch journals and applies the transfer of tokens away from
// this node to newOwner, moving any WisselToken together with its paired
// same-issuance token via token.TransferWisselPaired.
func (n *Node) applyOutgoingBatch(tokens []token.Token, newOwner string) error {
	pairs, rest := partitionWisselPairs(tokens)
	for _, p := range pairs {
		if err := n.applyOutgoingPaired(p[0], p[1], newOwner); err != nil {
			return err
		}
	}
	for _, tok := range rest {
		if err := n.applyOutgoing(tok, newOwner); err != nil {
			return err
		}
	}
	return nil
}

// applyIncomingBatch journals and applies acceptance of tokens into this
// node's TokenStore, moving any WisselToken together with its paired
// same-issuance token via token.TransferWisselPaired.
func (n *Node) applyIncomingBatch(tokens []token.Token) error {
	pairs, rest := partitionWisselPairs(tokens)
	for _, p := range pairs {
		if err := n.applyIncomingPaired(p[0], p[1]); err != nil {
			return err
		}
	}
	for _, tok := range rest {
		if err := n.applyIncoming(tok); err != nil {
			return err
		}
	}
	return nil
}

// applyOutgoing journals and applies the transfer of tok away from this
// node to newOwner.
func (n *Node) applyOutgoing(tok token.Token, newOwner string) error {
	rec, err := n.journal.Append(wal.OpTokenTransfer, tok.ID, walTransferPayload{To: newOwner})
	if err != nil {
		return err
	}
	if _, err := token.Transfer(tok, newOwner, n.cfg.MaxHistory); err != nil {
		return err
	}
	if err := n.Tokens.Delete(tok.ID, tok.Denom); err != nil {
		return err
	}
	return n.journal.MarkApplied(rec)
}

// applyOutgoingPaired journals and applies the joint transfer of a
// WisselToken and its paired token away from this node to newOwner.
func (n *Node) applyOutgoingPaired(wissel, paired token.Token, newOwner string) error {
	pairedRaw, err := json.Marshal(paired)
	if err != nil {
		return err
	}
	wisselRaw, err := json.Marshal(wissel)
	if err != nil {
		return err
	}
	recW, err := n.journal.Append(wal.OpTokenTransfer, wissel.ID, walTransferPayload{To: newOwner, PairedID: paired.ID, PairedToken: pairedRaw})
	if err != nil {
		return err
	}
	recP, err := n.journal.Append(wal.OpTokenTransfer, paired.ID, walTransferPayload{To: newOwner, PairedID: wissel.ID, PairedToken: wisselRaw})
	if err != nil {
		return err
	}

	newWissel, newPaired, err := token.TransferWisselPaired(wissel, paired, newOwner, n.cfg.MaxHistory)
	if err != nil {
		return err
	}
	if err := n.Tokens.Delete(newWissel.ID, newWissel.Denom); err != nil {
		return err
	}
	if err := n.Tokens.Delete(newPaired.ID, newPaired.Denom); err != nil {
		return err
	}
	if err := n.journal.MarkApplied(recW); err != nil {
		return err
	}
	return n.journal.MarkApplied(recP)
}

// applyIncoming journals and applies acceptance of tok (already owned by
// the remote peer per its Telomeer) into this node's TokenStore.
func (n *Node) applyIncoming(tok token.Token) error {
	rec, err := n.journal.Append(wal.OpTokenTransfer, tok.ID, walTransferPayload{To: n.cfg.UserID})
	if err != nil {
		return err
	}
	accepted := tok
	if tok.Telomeer.CurrentOwner != n.cfg.UserID {
		accepted, err = token.Transfer(tok, n.cfg.UserID, n.cfg.MaxHistory)
		if err != nil {
			return err
		}
	}
	if err := n.Tokens.Put(accepted); err != nil {
		return err
	}
	return n.journal.MarkApplied(rec)
}

// applyIncomingPaired journals and applies joint acceptance of a
// WisselToken and its paired token (already owned by the remote peer per
// their Telomeers) into this node's TokenStore.
func (n *Node) applyIncomingPaired(wissel, paired token.Token) error {
	pairedRaw, err := json.Marshal(paired)
	if err != nil {
		return err
	}
	wisselRaw, err := json.Marshal(wissel)
	if err != nil {
		return err
	}
	recW, err := n.journal.Append(wal.OpTokenTransfer, wissel.ID, walTransferPayload{To: n.cfg.UserID, PairedID: paired.ID, PairedToken: pairedRaw})
	if err != nil {
		return err
	}
	recP, err := n.journal.Append(wal.OpTokenTransfer, paired.ID, walTransferPayload{To: n.cfg.UserID, PairedID: wissel.ID, PairedToken: wisselRaw})
	if err != nil {
		return err
	}

	newWissel, newPaired := wissel, paired
	if wissel.Telomeer.CurrentOwner != n.cfg.UserID {
		newWissel, newPaired, err = token.TransferWisselPaired(wissel, paired, n.cfg.UserID, n.cfg.MaxHistory)
		if err != nil {
			return err
		}
	}
	if err := n.Tokens.Put(newWissel); err != nil {
		return err
	}
	if err := n.Tokens.Put(newPaired); err != nil {
		return err
	}
	if err := n.journal.MarkApplied(recW); err != nil {
		return err
	}
	return n.journal.MarkApplied(recP)
}
