// Package lifecycle implements the dormant-egg maturation state machine
// (DORMANT -> FERTILIZED -> INCUBATING -> HATCHING -> ACTIVE) and the
// Telomeer renewal transformation that replaces an expiring Token with a
// fresh one while preserving its denomination and issuance lineage.
//
// State-transition table and listener-callback shape grounded on
// pkg/proof/lifecycle.go's ValidTransitions/StateChangeListener; scheduled
// expiry sweeps grounded on pkg/anchor/scheduler.go's timer-driven loop.
package lifecycle

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/juicetokens/core/pkg/juiceerr"
	"github.com/juicetokens/core/pkg/personalchain"
	"github.com/juicetokens/core/pkg/tee"
	"github.com/juicetokens/core/pkg/token"
)

// Stage is an egg's position in its maturation toward an active Token.
type Stage string

const (
	StageDormant    Stage = "DORMANT"
	StageFertilized Stage = "FERTILIZED"
	StageIncubating Stage = "INCUBATING"
	StageHatching   Stage = "HATCHING"
	StageActive     Stage = "ACTIVE"
)

// StageTransition is one allowed (From, To) edge in the egg state machine.
type StageTransition struct {
	From Stage
	To   Stage
}

// ValidTransitions enumerates every allowed egg-stage edge, grounded on
// pkg/proof/lifecycle.go's ValidTransitions table.
var ValidTransitions = []StageTransition{
	{StageDormant, StageFertilized},
	{StageFertilized, StageIncubating},
	{StageIncubating, StageHatching},
	{StageHatching, StageActive},
}

func isValidTransition(from, to Stage) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// StageChangeListener is notified whenever an egg advances stage, grounded
// on pkg/proof/lifecycle.go's StateChangeListener.
type StageChangeListener func(eggID string, from, to Stage, details map[string]interface{})

// HatchingCondition names what a FertilizationTrigger must satisfy before
// an egg is allowed to fertilize.
type HatchingCondition string

const (
	ConditionAttestationThreshold HatchingCondition = "ATTESTATION_THRESHOLD"
	ConditionActivityCompletion   HatchingCondition = "ACTIVITY_COMPLETION"
	ConditionTemporalTrigger      HatchingCondition = "TEMPORAL_TRIGGER"
	ConditionMultiPartyAgreement  HatchingCondition = "MULTI_PARTY_AGREEMENT"
)

// FertilizationTrigger carries proof that a DormantEgg's HatchingCondition
// has been satisfied: a signed reference to a qualifying external event.
type FertilizationTrigger struct {
	Condition   HatchingCondition
	ProofRef    string
	OccurredAt  time.Time
	Signature   []byte
	SignerPubKey []byte
}

// DormantEgg is a denomination-carrying object whose maturation into an
// active Token is gated by a HatchingCondition.
type DormantEgg struct {
	ID        string
	OwnerID   string
	Denom     float64
	Condition HatchingCondition

	Stage          Stage
	StageEnteredAt time.Time
	StageDuration  time.Duration

	Trigger *FertilizationTrigger
}

// NewDormantEgg constructs an egg in DORMANT awaiting fertilization.
func NewDormantEgg(id, ownerID string, denom float64, condition HatchingCondition) (*DormantEgg, error) {
	if !token.IsAllowedDenomination(denom) {
		return nil, juiceerr.Newf(juiceerr.KindInvalidDenomination, "egg denomination %v is not in the allowed set %v", denom, token.AllowedDenominations)
	}
	return &DormantEgg{
		ID:             id,
		OwnerID:        ownerID,
		Denom:          denom,
		Condition:      condition,
		Stage:          StageDormant,
		StageEnteredAt: time.Now().UTC(),
	}, nil
}

// Manager drives eggs through their maturation and fires StageChangeListeners
// on every transition. Grounded on pkg/proof/lifecycle.go's
// ProofLifecycleManager (transition validation + listener notification).
type Manager struct {
	mu        sync.RWMutex
	listeners []StageChangeListener
	logger    *log.Logger
}

// NewManager constructs a Manager. A nil logger gets a default
// "[Lifecycle] "-prefixed one.
func NewManager(logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(log.Writer(), "[Lifecycle] ", log.LstdFlags)
	}
	return &Manager{logger: logger}
}

// AddStageChangeListener registers l to be called on every stage transition.
func (m *Manager) AddStageChangeListener(l StageChangeListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) notify(eggID string, from, to Stage, details map[string]interface{}) {
	m.mu.RLock()
	listeners := append([]StageChangeListener{}, m.listeners...)
	m.mu.RUnlock()
	for _, l := range listeners {
		go l(eggID, from, to, details)
	}
}

func (m *Manager) transition(e *DormantEgg, to Stage, details map[string]interface{}) error {
	if !isValidTransition(e.Stage, to) {
		return juiceerr.Newf(juiceerr.KindTransactionAborted, "lifecycle: invalid stage transition %s -> %s", e.Stage, to)
	}
	from := e.Stage
	e.Stage = to
	e.StageEnteredAt = time.Now().UTC()
	m.logger.Printf("egg %s: %s -> %s", e.ID, from, to)
	m.notify(e.ID, from, to, details)
	return nil
}

// Fertilize validates trigger against e.Condition and advances e from
// DORMANT through FERTILIZED into INCUBATING, with stageDuration as the
// incubation stage duration.
func (m *Manager) Fertilize(e *DormantEgg, trigger FertilizationTrigger, stageDuration time.Duration) error {
	if e.Stage != StageDormant {
		return juiceerr.Newf(juiceerr.KindTransactionAborted, "lifecycle: egg %s is not dormant", e.ID)
	}
	if trigger.Condition != e.Condition {
		return juiceerr.Newf(juiceerr.KindTransactionAborted, "lifecycle: trigger condition %s does not satisfy required %s", trigger.Condition, e.Condition)
	}
	if len(trigger.Signature) == 0 || len(trigger.SignerPubKey) == 0 {
		return juiceerr.New(juiceerr.KindBadSignature, "lifecycle: fertilization trigger is unsigned")
	}

	e.Trigger = &trigger
	if err := m.transition(e, StageFertilized, map[string]interface{}{"condition": string(trigger.Condition)}); err != nil {
		return err
	}
	e.StageDuration = stageDuration
	return m.transition(e, StageIncubating, map[string]interface{}{"stage_duration_ms": stageDuration.Milliseconds()})
}

// Incubate is a pure function: the egg's maturation progress toward
// HATCHING as a percentage of e.StageDuration elapsed since
// StageEnteredAt, clamped to [0, 100].
func Incubate(e *DormantEgg, now time.Time) float64 {
	if e.Stage != StageIncubating {
		if e.Stage == StageDormant || e.Stage == StageFertilized {
			return 0
		}
		return 100
	}
	if e.StageDuration <= 0 {
		return 100
	}
	elapsed := now.Sub(e.StageEnteredAt)
	pct := 100 * float64(elapsed) / float64(e.StageDuration)
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// AdvanceIncubation moves e from INCUBATING to HATCHING once Incubate
// reaches 100 at the given time. A no-op (returns false, nil) if the egg
// isn't done incubating yet.
func (m *Manager) AdvanceIncubation(e *DormantEgg, now time.Time) (bool, error) {
	if e.Stage != StageIncubating {
		return false, nil
	}
	if Incubate(e, now) < 100 {
		return false, nil
	}
	if err := m.transition(e, StageHatching, map[string]interface{}{"completion_percentage": 100.0}); err != nil {
		return false, err
	}
	return true, nil
}

// Hatch mints a new Token of the egg's denomination owned by e.OwnerID,
// appends a Personal Chain entry recording the hatching, and advances e
// to ACTIVE.
func (m *Manager) Hatch(e *DormantEgg, chain *personalchain.Chain, issuance token.IssuanceID, expiresAt time.Time) (token.Token, error) {
	if e.Stage != StageHatching {
		return token.Token{}, juiceerr.Newf(juiceerr.KindTransactionAborted, "lifecycle: egg %s is not ready to hatch", e.ID)
	}

	tok, err := token.CreateToken(e.Denom, issuance, e.OwnerID, expiresAt)
	if err != nil {
		return token.Token{}, err
	}

	if chain != nil {
		if _, err := chain.Append("EggLifecycle", struct {
			EggID   string `json:"egg_id"`
			TokenID string `json:"token_id"`
			Stage   string `json:"stage"`
		}{EggID: e.ID, TokenID: tok.ID, Stage: string(StageActive)}); err != nil {
			return token.Token{}, fmt.Errorf("lifecycle: recording hatch on personal chain: %w", err)
		}
	}

	if err := m.transition(e, StageActive, map[string]interface{}{"token_id": tok.ID}); err != nil {
		return token.Token{}, err
	}
	return tok, nil
}

// ExpiryNotification signals that a token is within its expiry warning
// window and may be renewed.
type ExpiryNotification struct {
	TokenID   string
	ExpiresAt time.Time
	Remaining time.Duration
}

// CheckExpiry returns a notification and true when tok.ExpiresAt is within
// warningWindow of now (and not already past).
func CheckExpiry(tok token.Token, now time.Time, warningWindow time.Duration) (ExpiryNotification, bool) {
	if tok.ExpiresAt.IsZero() {
		return ExpiryNotification{}, false
	}
	remaining := tok.ExpiresAt.Sub(now)
	if remaining <= 0 || remaining > warningWindow {
		return ExpiryNotification{}, false
	}
	return ExpiryNotification{TokenID: tok.ID, ExpiresAt: tok.ExpiresAt, Remaining: remaining}, true
}

// FacilitationRewardFunc computes a third party's reward for shepherding a
// RenewalTransformation, as an integer fraction of the expiring token's
// value. Left injectable per the Open Question in DESIGN.md.
type FacilitationRewardFunc func(expiredValue float64) int64

// DefaultFacilitationReward rounds down 0.2 of expiredValue, matching the
// one known test path (see DESIGN.md Open Questions resolved).
func DefaultFacilitationReward(expiredValue float64) int64 {
	return int64(math.Floor(0.2 * expiredValue))
}

// RenewalResult is the outcome of a successful RenewalTransformation.
type RenewalResult struct {
	Renewed token.Token
	Reward  int64
}

// RenewalTransformation mints a replacement for an expiring token (same
// denomination and issuance lineage, fresh expiry), records the
// transformation on the owner's Personal Chain (signed by the chain's own
// signer), and
// — when a non-nil facilitator capability is supplied — countersigns it
// with that TEE and computes the facilitator's reward via rewardFn
// (DefaultFacilitationReward if rewardFn is nil).
func RenewalTransformation(
	expiring token.Token,
	newExpiresAt time.Time,
	chain *personalchain.Chain,
	facilitator tee.Capability,
	rewardFn FacilitationRewardFunc,
) (RenewalResult, error) {
	renewed, err := token.Renew(expiring, newExpiresAt)
	if err != nil {
		return RenewalResult{}, err
	}

	if rewardFn == nil {
		rewardFn = DefaultFacilitationReward
	}
	var reward int64
	var countersignature []byte
	if facilitator != nil {
		reward = rewardFn(expiring.Denom)
		digest := token.OwnershipDigest(renewed)
		countersignature, err = facilitator.Attest(digest[:])
		if err != nil {
			return RenewalResult{}, fmt.Errorf("lifecycle: facilitator attestation: %w", err)
		}
	}

	if chain != nil {
		payload := struct {
			PredecessorID    string `json:"predecessor_id"`
			RenewedTokenID   string `json:"renewed_token_id"`
			FacilitatorAttested bool `json:"facilitator_attested"`
			Reward           int64  `json:"reward"`
		}{
			PredecessorID:       expiring.ID,
			RenewedTokenID:      renewed.ID,
			FacilitatorAttested: len(countersignature) > 0,
			Reward:              reward,
		}
		if _, err := chain.Append("TelomeerUpdate", payload); err != nil {
			return RenewalResult{}, fmt.Errorf("lifecycle: recording renewal on personal chain: %w", err)
		}
	}

	return RenewalResult{Renewed: renewed, Reward: reward}, nil
}
