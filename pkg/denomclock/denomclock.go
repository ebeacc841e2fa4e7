// Package denomclock implements the Denomination Vector Clock: a 2-bit
// per-denomination status used to drive token selection during a transfer,
// so a spender replenishes denominations its counterparty is running low
// on instead of always reaching for its largest tokens. New domain logic
// with no direct teacher analogue; its pure-function, no-I/O style follows
// pkg/attestation/strategy/interface.go's plain-config-struct-plus-pure-
// calculation-methods shape (ThresholdConfig).
package denomclock

import (
	"math"
	"sort"

	"github.com/juicetokens/core/pkg/juiceerr"
	"github.com/juicetokens/core/pkg/token"
)

// Status is the 2-bit per-denomination need signal.
type Status uint8

const (
	StatusLack            Status = iota // held count under half the target reserve
	StatusSlightlyWanting               // at least half the target but short of it
	StatusGood                          // at or within 1.5x the target reserve
	StatusAbundance                     // more than 1.5x the target reserve
)

// Clock tracks, per denomination, how many tokens of that denomination the
// holder currently has, derived into a Status against a target count.
type Clock struct {
	TargetCount int
	Counts      map[float64]int
}

// NewClock builds a Clock for the given denomination set, all counts zero.
func NewClock(denominations []float64, targetCount int) *Clock {
	counts := make(map[float64]int, len(denominations))
	for _, d := range denominations {
		counts[d] = 0
	}
	return &Clock{TargetCount: targetCount, Counts: counts}
}

// Observe updates the held count for a denomination, e.g. after a token is
// received or spent.
func (c *Clock) Observe(denom float64, count int) {
	c.Counts[denom] = count
}

// DeriveStatus maps a held count against the target into a 2-bit Status:
// LACK below half the target, SLIGHTLY_WANTING from half up to the target,
// GOOD from the target up to 1.5x it, ABUNDANCE beyond that.
func (c *Clock) DeriveStatus(denom float64) Status {
	count := float64(c.Counts[denom])
	target := float64(c.TargetCount)
	if target <= 0 {
		target = 1
	}
	switch {
	case count < 0.5*target:
		return StatusLack
	case count < target:
		return StatusSlightlyWanting
	case count <= 1.5*target:
		return StatusGood
	default:
		return StatusAbundance
	}
}

// Selection is the outcome of SelectTokens: the tokens to spend and any
// change that must be returned because the selected set overshot amount.
// Chosen may include a WisselToken only paired alongside another token of
// the same issuance, per the ISSUANCE_MIN tail rule; callers must move such
// a pair with token.TransferWisselPaired rather than token.Transfer.
type Selection struct {
	Chosen       []token.Token
	OvershootFor float64 // positive amount the receiver must return as change
}

// issuanceGroup tracks the candidates belonging to one issuance, so the
// ISSUANCE_MIN tail rule and WisselToken pairing can be applied once the
// denomination-priority pass has made its picks.
type issuanceGroup struct {
	nonWissel []token.Token
	wissel    *token.Token
}

// SelectTokens implements the spec's two-phase selection: a receiver-need
// phase that prefers denominations receiverClock is LACK/SLIGHTLY_WANTING
// of (capped per denomination once this holder, c, is itself ABUNDANCE in
// it, so giving away abundance doesn't strip it bare), a residual phase
// that closes any remainder with the single smallest available token that
// covers it, and a final ISSUANCE_MIN tail pass that refuses to strand an
// issuance below issuanceMin tokens unless the whole issuance is spent —
// pairing in its WisselToken where that is the only way to clear it. Pure
// and synchronous — this must never suspend while the caller holds the
// token lock (see pkg/txengine).
//
// receiverClock is the counterparty's Denomination Vector Clock, used only
// to order which denominations are preferred first; when the counterparty's
// clock is not available (the four-packet protocol's Seed/Initiation steps
// precede any reply from the receiver, so the initiator's own first
// selection has nothing to consult yet — see DESIGN.md), pass nil and
// selection falls back to prioritizing by this holder's own status.
func (c *Clock) SelectTokens(available []token.Token, amount float64, issuanceMin int, receiverClock *Clock) (Selection, error) {
	if amount <= 0 {
		return Selection{}, juiceerr.New(juiceerr.KindInvalidDenomination, "selection amount must be positive")
	}
	if issuanceMin <= 0 {
		issuanceMin = 1
	}

	groups := make(map[token.IssuanceID]*issuanceGroup)
	denomAvailable := make(map[float64][]token.Token)
	for _, tok := range available {
		if tok.Revoked {
			continue
		}
		g, ok := groups[tok.IssuanceID]
		if !ok {
			g = &issuanceGroup{}
			groups[tok.IssuanceID] = g
		}
		if tok.IsWisselTok {
			t := tok
			g.wissel = &t
			continue
		}
		g.nonWissel = append(g.nonWissel, tok)
		denomAvailable[tok.Denom] = append(denomAvailable[tok.Denom], tok)
	}

	priority := rankDenominations(c, receiverClock, denomAvailable)

	chosen := make([]token.Token, 0)
	chosenIDs := make(map[string]bool)
	remaining := amount

	for _, denom := range priority {
		if remaining <= 0 {
			break
		}
		pool := denomAvailable[denom]
		capLimit := denominationCap(c, denom, len(pool))
		want := int(math.Min(math.Floor(remaining/denom), math.Min(float64(len(pool)), float64(capLimit))))
		for i := 0; i < want; i++ {
			tok := pool[i]
			chosen = append(chosen, tok)
			chosenIDs[tok.ID] = true
			remaining -= denom
		}
	}

	if remaining > 1e-9 {
		if tok, ok := smallestCovering(available, chosenIDs, remaining); ok {
			chosen = append(chosen, tok)
			chosenIDs[tok.ID] = true
			remaining -= tok.Denom
		}
	}

	if remaining > 1e-9 {
		return Selection{}, juiceerr.New(juiceerr.KindInsufficientBalance, "insufficient funds to cover amount")
	}

	chosen = applyIssuanceMinTailRule(chosen, chosenIDs, groups, issuanceMin)

	total := 0.0
	for _, tok := range chosen {
		total += tok.Denom
	}

	return Selection{Chosen: chosen, OvershootFor: total - amount}, nil
}

// rankDenominations orders the denominations present in denomAvailable by
// need priority: LACK first, then SLIGHTLY_WANTING, GOOD, ABUNDANCE last,
// largest denomination first within a tie. It ranks by receiverClock's
// status when supplied (the spec's receiver-need phase), falling back to
// this holder's own status otherwise.
func rankDenominations(c, receiverClock *Clock, denomAvailable map[float64][]token.Token) []float64 {
	denoms := make([]float64, 0, len(denomAvailable))
	for d := range denomAvailable {
		denoms = append(denoms, d)
	}
	statusFor := c.DeriveStatus
	if receiverClock != nil {
		statusFor = receiverClock.DeriveStatus
	}
	sort.SliceStable(denoms, func(i, j int) bool {
		si, sj := statusFor(denoms[i]), statusFor(denoms[j])
		if si != sj {
			return si < sj
		}
		return denoms[i] > denoms[j]
	})
	return denoms
}

// denominationCap bounds how many tokens of denom this holder will give up
// in one selection, gated on its own ABUNDANCE in that denomination: above
// 3x the target reserve the cap is ceil(available/4), above 2x it is
// ceil(available/3), otherwise ceil(available/2). Below ABUNDANCE there is
// no cap.
func denominationCap(c *Clock, denom float64, available int) int {
	status := c.DeriveStatus(denom)
	if status != StatusAbundance {
		return available
	}
	target := c.TargetCount
	if target <= 0 {
		target = 1
	}
	count := c.Counts[denom]
	switch {
	case count > target*3:
		return ceilDiv(available, 4)
	case count > target*2:
		return ceilDiv(available, 3)
	default:
		return ceilDiv(available, 2)
	}
}

func ceilDiv(n, d int) int {
	if d <= 0 {
		return n
	}
	return (n + d - 1) / d
}

// smallestCovering returns the smallest not-yet-chosen available token
// whose denomination is at least residual, implementing the residual rule:
// once the capped greedy pass leaves an uncovered remainder, take a single
// token large enough to close it rather than keep hunting for an exact sum.
func smallestCovering(available []token.Token, chosenIDs map[string]bool, residual float64) (token.Token, bool) {
	var best token.Token
	found := false
	for _, tok := range available {
		if tok.Revoked || tok.IsWisselTok || chosenIDs[tok.ID] {
			continue
		}
		if tok.Denom < residual-1e-9 {
			continue
		}
		if !found || tok.Denom < best.Denom {
			best = tok
			found = true
		}
	}
	return best, found
}

// applyIssuanceMinTailRule enforces that no issuance is left holding fewer
// than issuanceMin tokens unless every one of its tokens is spent, pulling
// in the rest of an issuance's tokens (and, if that is the only way to
// clear it, its paired WisselToken) rather than stranding a sub-floor
// remainder.
func applyIssuanceMinTailRule(chosen []token.Token, chosenIDs map[string]bool, groups map[token.IssuanceID]*issuanceGroup, issuanceMin int) []token.Token {
	for _, g := range groups {
		chosenCount := 0
		for _, tok := range g.nonWissel {
			if chosenIDs[tok.ID] {
				chosenCount++
			}
		}
		if chosenCount == 0 {
			continue
		}
		remainingCount := len(g.nonWissel) - chosenCount
		if remainingCount == 0 || remainingCount >= issuanceMin {
			continue
		}

		// Spending down past the floor without taking everything: pull in
		// the rest of this issuance's non-wissel tokens.
		for _, tok := range g.nonWissel {
			if !chosenIDs[tok.ID] {
				chosen = append(chosen, tok)
				chosenIDs[tok.ID] = true
			}
		}

		if g.wissel != nil && !chosenIDs[g.wissel.ID] {
			chosen = append(chosen, *g.wissel)
			chosenIDs[g.wissel.ID] = true
		}
	}

	// An issuance fully drained of its non-wissel tokens must also release
	// its paired WisselToken in the same step — it cannot be left behind
	// unpaired.
	for _, g := range groups {
		if g.wissel == nil || chosenIDs[g.wissel.ID] {
			continue
		}
		allSpent := len(g.nonWissel) > 0
		for _, tok := range g.nonWissel {
			if !chosenIDs[tok.ID] {
				allSpent = false
				break
			}
		}
		if allSpent {
			chosen = append(chosen, *g.wissel)
			chosenIDs[g.wissel.ID] = true
		}
	}

	return chosen
}
