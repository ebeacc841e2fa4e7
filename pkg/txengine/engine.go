package txengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/juicetokens/core/pkg/attestationstore"
	"github.com/juicetokens/core/pkg/cryptoprim"
	"github.com/juicetokens/core/pkg/denomclock"
	"github.com/juicetokens/core/pkg/juiceerr"
	"github.com/juicetokens/core/pkg/token"
	"github.com/juicetokens/core/pkg/transport"
	"github.com/juicetokens/core/pkg/wire"
)

// Role distinguishes the two parties in a four-packet exchange.
type Role string

const (
	RoleInitiator Role = "INITIATOR"
	RoleResponder Role = "RESPONDER"
)

// Transaction is this node's view of one four-packet exchange.
type Transaction struct {
	ID         string
	Role       Role
	State      State
	LocalUser  string
	RemoteUser string
	Amount     float64

	SeedSecret     []byte
	SeedCommitment [32]byte

	SenderExo     Pak
	ReceiverExo   Pak
	SenderRetro   Pak
	ReceiverRetro Pak

	Retries   int
	CreatedAt time.Time
	Deadline  time.Time
}

func (t *Transaction) snapshot() *Transaction {
	cp := *t
	return &cp
}

// Config controls retry/backoff and timeout behavior. Values are normally
// sourced from pkg/config.Config.
type Config struct {
	TxTimeout        time.Duration
	MaxRetries       int
	BaseRetryBackoff time.Duration
	ResolutionWindow time.Duration
	IssuanceMin      float64
	CheckInterval    time.Duration
}

// Engine drives both sides of the four-packet protocol over a
// transport.Duplex, using a Signer for pak signatures and an
// attestationstore.Store to resolve transactions left INCONCLUSIVE by an
// interrupted exchange.
type Engine struct {
	mu        sync.RWMutex
	cfg       Config
	signer    cryptoprim.Signer
	store     attestationstore.Store
	txs       map[string]*Transaction
	txLocks   *token.Locker
	listeners []StateChangeListener
	logger    *log.Logger
	scheduler *DeadlineScheduler
}

// NewEngine constructs an Engine and starts its deadline scheduler.
func NewEngine(ctx context.Context, cfg Config, signer cryptoprim.Signer, store attestationstore.Store, logger *log.Logger) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseRetryBackoff <= 0 {
		cfg.BaseRetryBackoff = 500 * time.Millisecond
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 30 * time.Second
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[TxEngine] ", log.LstdFlags)
	}

	e := &Engine{
		cfg:     cfg,
		signer:  signer,
		store:   store,
		txs:     make(map[string]*Transaction),
		txLocks: token.NewLocker(),
		logger:  logger,
	}
	e.scheduler = NewDeadlineScheduler(cfg.CheckInterval, e.sweepExpired, logger)
	e.scheduler.Start(ctx)
	return e
}

// Stop halts the deadline scheduler.
func (e *Engine) Stop() {
	e.scheduler.Stop()
}

// AddStateChangeListener registers a callback invoked on every transition.
func (e *Engine) AddStateChangeListener(l StateChangeListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

func (e *Engine) notify(transactionID string, from, to State, details map[string]interface{}) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, l := range e.listeners {
		go l(transactionID, from, to, details)
	}
}

func (e *Engine) register(tx *Transaction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.txs[tx.ID] = tx
}

// Get returns a point-in-time snapshot of a transaction.
func (e *Engine) Get(transactionID string) (*Transaction, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tx, ok := e.txs[transactionID]
	if !ok {
		return nil, false
	}
	return tx.snapshot(), true
}

// transition validates and applies a state change, notifying listeners.
// Caller must hold the per-transaction lock via e.txLocks.
func (e *Engine) transition(tx *Transaction, to State, details map[string]interface{}) error {
	if !isValidTransition(tx.State, to) {
		return juiceerr.Newf(juiceerr.KindTransactionAborted, "invalid transition %s -> %s", tx.State, to).WithTransaction(tx.ID)
	}
	from := tx.State
	tx.State = to
	e.notify(tx.ID, from, to, details)
	return nil
}

func (e *Engine) encodeAndSend(ctx context.Context, d transport.Duplex, tag wire.Tag, transactionID string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := wire.Encode(wire.TransactionEnvelope{Tag: tag, TransactionID: transactionID, Body: body})
	if err := d.Send(ctx, transport.Frame{Payload: env}); err != nil {
		return juiceerr.Wrap(juiceerr.KindTransportFailed, err, "sending envelope").WithTransaction(transactionID)
	}
	return nil
}

func (e *Engine) receiveEnvelope(ctx context.Context, d transport.Duplex) (wire.TransactionEnvelope, error) {
	f, err := d.Receive(ctx)
	if err != nil {
		return wire.TransactionEnvelope{}, juiceerr.Wrap(juiceerr.KindTransportFailed, err, "receiving envelope")
	}
	return wire.Decode(f.Payload)
}

// --- wire payloads exchanged by the five protocol steps ---

type seedPayload struct {
	Commitment [32]byte `json:"commitment"`
	Amount     float64  `json:"amount"`
}

type initiationPayload struct {
	Secret    []byte `json:"secret"`
	SenderExo Pak    `json:"sender_exo"`
	// SenderClockCounts is a snapshot of the initiator's Denomination Vector
	// Clock counts, carried so the responder's change selection can prefer
	// denominations the initiator is LACK/SLIGHTLY_WANTING in. The initiator
	// cannot make the symmetric request: Seed/Initiation go out before any
	// reply arrives, so its own first SelectTokens call has no counterparty
	// clock to consult (see DESIGN.md).
	SenderClockCounts map[float64]int `json:"sender_clock_counts"`
}

type preparationPayload struct {
	ReceiverExo Pak `json:"receiver_exo"`
}

type commitmentPayload struct {
	SenderRetro Pak `json:"sender_retro"`
}

type finalizationPayload struct {
	ReceiverRetro Pak `json:"receiver_retro"`
}

// InitiateTransfer runs the initiator's side of the four-packet protocol
// over d: Seed, Initiation, then waits for Preparation, sends Commitment,
// then waits for Finalization (retrying Commitment with backoff, and
// falling back to attestation-store resolution if Finalization never
// arrives).
func (e *Engine) InitiateTransfer(
	ctx context.Context,
	d transport.Duplex,
	localUser, remoteUser string,
	amount float64,
	available []token.Token,
	clock *denomclock.Clock,
) (*Transaction, error) {
	secret, err := cryptoprim.Random(16)
	if err != nil {
		return nil, err
	}
	commitment := cryptoprim.DeriveCommitment(secret)

	tx := &Transaction{
		ID:             uuid.NewString(),
		Role:           RoleInitiator,
		State:          StateInitiated,
		LocalUser:      localUser,
		RemoteUser:     remoteUser,
		Amount:         amount,
		SeedSecret:     secret,
		SeedCommitment: commitment,
		CreatedAt:      time.Now().UTC(),
		Deadline:       time.Now().UTC().Add(e.cfg.TxTimeout),
	}
	e.register(tx)

	unlock := e.txLocks.Lock(tx.ID)
	defer unlock()

	if err := e.encodeAndSend(ctx, d, wire.TagSeed, tx.ID, seedPayload{Commitment: commitment, Amount: amount}); err != nil {
		e.fail(tx, err)
		return tx.snapshot(), err
	}
	if err := e.transition(tx, StateSeeded, map[string]interface{}{"amount": amount}); err != nil {
		return tx.snapshot(), err
	}

	selection, err := clock.SelectTokens(available, amount, int(e.cfg.IssuanceMin), nil)
	if err != nil {
		e.fail(tx, err)
		return tx.snapshot(), err
	}
	senderExo, err := BuildPak(PakSenderExo, selection.Chosen, e.signer)
	if err != nil {
		e.fail(tx, err)
		return tx.snapshot(), err
	}
	tx.SenderExo = senderExo

	initPayload := initiationPayload{Secret: secret, SenderExo: senderExo, SenderClockCounts: clock.Counts}
	if err := e.encodeAndSend(ctx, d, wire.TagInitiation, tx.ID, initPayload); err != nil {
		e.fail(tx, err)
		return tx.snapshot(), err
	}

	prepCtx, cancelPrep := context.WithTimeout(ctx, e.cfg.TxTimeout)
	env, err := e.receiveEnvelope(prepCtx, d)
	cancelPrep()
	if err != nil || env.Tag != wire.TagPreparation {
		e.abort(tx, "missing preparation response")
		return tx.snapshot(), juiceerr.New(juiceerr.KindTransactionTimeout, "no preparation response").WithTransaction(tx.ID)
	}
	var prep preparationPayload
	if err := json.Unmarshal(env.Body, &prep); err != nil {
		e.abort(tx, "malformed preparation payload")
		return tx.snapshot(), err
	}
	tx.ReceiverExo = prep.ReceiverExo
	if err := e.transition(tx, StatePrepared, nil); err != nil {
		return tx.snapshot(), err
	}

	senderRetro, err := BuildPak(PakSenderRetro, prep.ReceiverExo.Tokens, e.signer)
	if err != nil {
		e.fail(tx, err)
		return tx.snapshot(), err
	}
	tx.SenderRetro = senderRetro

	if err := e.commitWithRetry(ctx, d, tx, senderRetro); err != nil {
		return tx.snapshot(), err
	}

	return tx.snapshot(), nil
}

// commitWithRetry sends Commitment and waits for Finalization, retrying
// with exponential backoff up to cfg.MaxRetries times before marking the
// transaction INCONCLUSIVE and attempting attestation-store resolution.
func (e *Engine) commitWithRetry(ctx context.Context, d transport.Duplex, tx *Transaction, senderRetro Pak) error {
	if err := e.transition(tx, StateCommitted, nil); err != nil {
		return err
	}

	backoff := e.cfg.BaseRetryBackoff
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if err := e.encodeAndSend(ctx, d, wire.TagCommitment, tx.ID, commitmentPayload{SenderRetro: senderRetro}); err != nil {
			return err
		}

		recvCtx, cancel := context.WithTimeout(ctx, backoff)
		env, err := e.receiveEnvelope(recvCtx, d)
		cancel()
		if err == nil && env.Tag == wire.TagFinalization {
			var fin finalizationPayload
			if err := json.Unmarshal(env.Body, &fin); err != nil {
				return err
			}
			tx.ReceiverRetro = fin.ReceiverRetro
			return e.transition(tx, StateFinalized, nil)
		}

		tx.Retries++
		backoff *= 2
	}

	if err := e.transition(tx, StateInconclusive, map[string]interface{}{"retries": tx.Retries}); err != nil {
		return err
	}
	return e.resolveInconclusive(ctx, tx)
}

// resolveInconclusive consults the attestation store for a record of how
// the remote peer (or a witness) believes this transaction resolved.
// Grounded on pkg/proof/lifecycle.go's custody-chain-style resolution, and
// uses github.com/pkg/errors to preserve a stack trace through the
// resolution path since this is the one place a silent failure would
// otherwise strand a transaction in INCONCLUSIVE indefinitely.
func (e *Engine) resolveInconclusive(ctx context.Context, tx *Transaction) error {
	if e.store == nil {
		return e.transition(tx, StateAborted, map[string]interface{}{"reason": "no attestation store configured"})
	}

	rec := attestationstore.Record{
		TransactionID: tx.ID,
		ValidatorID:   tx.LocalUser,
		Outcome:       "INCONCLUSIVE",
		PublishedAt:   time.Now().UTC(),
		ExpiresAt:     time.Now().UTC().Add(e.cfg.ResolutionWindow),
	}
	if err := e.store.Publish(ctx, rec); err != nil {
		return pkgerrors.Wrap(err, "txengine: publishing inconclusive attestation")
	}

	result, err := e.store.Query(ctx, tx.ID, "")
	if err != nil {
		return pkgerrors.Wrap(err, "txengine: querying attestation store")
	}

	for _, r := range result.Records {
		if r.Outcome == "COMMITTED" {
			return e.transition(tx, StateFinalized, map[string]interface{}{"resolved_via": "attestation_store"})
		}
	}
	return e.transition(tx, StateAborted, map[string]interface{}{"resolved_via": "attestation_store", "reason": "no committed witness found"})
}

func (e *Engine) fail(tx *Transaction, cause error) {
	_ = e.transition(tx, StateFailed, map[string]interface{}{"error": cause.Error()})
}

func (e *Engine) abort(tx *Transaction, reason string) {
	if isValidTransition(tx.State, StateAborting) {
		_ = e.transition(tx, StateAborting, map[string]interface{}{"reason": reason})
	}
	if isValidTransition(tx.State, StateAborted) {
		_ = e.transition(tx, StateAborted, map[string]interface{}{"reason": reason})
	}
}

// sweepExpired is invoked periodically by the deadline scheduler: any
// transaction past its deadline that is still short of COMMITTED, or left
// INCONCLUSIVE, is aborted; a COMMITTED one is left as it is.
func (e *Engine) sweepExpired(ctx context.Context) {
	e.mu.RLock()
	var expired []*Transaction
	now := time.Now().UTC()
	for _, tx := range e.txs {
		if now.After(tx.Deadline) {
			switch tx.State {
			case StateFinalized, StateAborted, StateFailed:
				// already terminal
			default:
				expired = append(expired, tx)
			}
		}
	}
	e.mu.RUnlock()

	for _, tx := range expired {
		unlock := e.txLocks.Lock(tx.ID)
		e.abort(tx, "deadline exceeded")
		unlock()
	}
}

// HandleIncoming runs the responder's side of the four-packet protocol
// over d, reading the initiator's Seed/Initiation/Commitment steps and
// replying with Preparation/Finalization.
func (e *Engine) HandleIncoming(
	ctx context.Context,
	d transport.Duplex,
	localUser string,
	available []token.Token,
	clock *denomclock.Clock,
	buildReceiverExo func(senderExo Pak, senderClock *denomclock.Clock) ([]token.Token, error),
) (*Transaction, error) {
	seedCtx, cancelSeed := context.WithTimeout(ctx, e.cfg.TxTimeout)
	seedEnv, err := e.receiveEnvelope(seedCtx, d)
	cancelSeed()
	if err != nil || seedEnv.Tag != wire.TagSeed {
		return nil, juiceerr.New(juiceerr.KindUnknownTransaction, "expected seed envelope")
	}
	var seed seedPayload
	if err := json.Unmarshal(seedEnv.Body, &seed); err != nil {
		return nil, err
	}

	tx := &Transaction{
		ID:             seedEnv.TransactionID,
		Role:           RoleResponder,
		State:          StateInitiated,
		LocalUser:      localUser,
		Amount:         seed.Amount,
		SeedCommitment: seed.Commitment,
		CreatedAt:      time.Now().UTC(),
		Deadline:       time.Now().UTC().Add(e.cfg.TxTimeout),
	}
	e.register(tx)
	unlock := e.txLocks.Lock(tx.ID)
	defer unlock()

	if err := e.transition(tx, StateSeeded, nil); err != nil {
		return tx.snapshot(), err
	}

	initCtx, cancelInit := context.WithTimeout(ctx, e.cfg.TxTimeout)
	initEnv, err := e.receiveEnvelope(initCtx, d)
	cancelInit()
	if err != nil || initEnv.Tag != wire.TagInitiation {
		e.abort(tx, "missing initiation")
		return tx.snapshot(), fmt.Errorf("txengine: missing initiation envelope")
	}
	var init initiationPayload
	if err := json.Unmarshal(initEnv.Body, &init); err != nil {
		e.abort(tx, "malformed initiation")
		return tx.snapshot(), err
	}
	if !cryptoprim.ConstantTimeEqual(cryptoprim.DeriveCommitment(init.Secret)[:], tx.SeedCommitment[:]) {
		e.abort(tx, "seed commitment mismatch")
		return tx.snapshot(), juiceerr.New(juiceerr.KindBadSignature, "seed reveal does not match commitment").WithTransaction(tx.ID)
	}
	tx.SenderExo = init.SenderExo

	var senderClock *denomclock.Clock
	if len(init.SenderClockCounts) > 0 {
		senderClock = &denomclock.Clock{TargetCount: clock.TargetCount, Counts: init.SenderClockCounts}
	}
	changeTokens, err := buildReceiverExo(init.SenderExo, senderClock)
	if err != nil {
		e.fail(tx, err)
		return tx.snapshot(), err
	}
	receiverExo, err := BuildPak(PakReceiverExo, changeTokens, e.signer)
	if err != nil {
		e.fail(tx, err)
		return tx.snapshot(), err
	}
	tx.ReceiverExo = receiverExo

	if err := e.encodeAndSend(ctx, d, wire.TagPreparation, tx.ID, preparationPayload{ReceiverExo: receiverExo}); err != nil {
		e.fail(tx, err)
		return tx.snapshot(), err
	}
	if err := e.transition(tx, StatePrepared, nil); err != nil {
		return tx.snapshot(), err
	}

	commitCtx, cancelCommit := context.WithTimeout(ctx, e.cfg.TxTimeout)
	commitEnv, err := e.receiveEnvelope(commitCtx, d)
	cancelCommit()
	if err != nil || commitEnv.Tag != wire.TagCommitment {
		e.abort(tx, "missing commitment")
		return tx.snapshot(), fmt.Errorf("txengine: missing commitment envelope")
	}
	var commit commitmentPayload
	if err := json.Unmarshal(commitEnv.Body, &commit); err != nil {
		e.abort(tx, "malformed commitment")
		return tx.snapshot(), err
	}
	tx.SenderRetro = commit.SenderRetro
	if err := e.transition(tx, StateCommitted, nil); err != nil {
		return tx.snapshot(), err
	}

	receiverRetro, err := BuildPak(PakReceiverRetro, init.SenderExo.Tokens, e.signer)
	if err != nil {
		e.fail(tx, err)
		return tx.snapshot(), err
	}
	tx.ReceiverRetro = receiverRetro

	if err := e.encodeAndSend(ctx, d, wire.TagFinalization, tx.ID, finalizationPayload{ReceiverRetro: receiverRetro}); err != nil {
		e.fail(tx, err)
		return tx.snapshot(), err
	}
	if err := e.transition(tx, StateFinalized, nil); err != nil {
		return tx.snapshot(), err
	}

	return tx.snapshot(), nil
}
