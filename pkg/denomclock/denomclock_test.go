package denomclock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juicetokens/core/pkg/juiceerr"
	"github.com/juicetokens/core/pkg/token"
)

func mustToken(t *testing.T, denom float64, issuance, owner string) token.Token {
	t.Helper()
	tok, err := token.CreateToken(denom, token.IssuanceID(issuance), owner, time.Time{})
	require.NoError(t, err)
	return tok
}

func TestDeriveStatusTransitions(t *testing.T) {
	c := NewClock([]float64{1, 10}, 4)
	assert.Equal(t, StatusLack, c.DeriveStatus(1))

	c.Observe(1, 2)
	assert.Equal(t, StatusSlightlyWanting, c.DeriveStatus(1))

	c.Observe(1, 4)
	assert.Equal(t, StatusGood, c.DeriveStatus(1))

	c.Observe(1, 6)
	assert.Equal(t, StatusGood, c.DeriveStatus(1))

	c.Observe(1, 7)
	assert.Equal(t, StatusAbundance, c.DeriveStatus(1))
}

func TestDeriveStatusBoundaryBelowHalfIdealIsLack(t *testing.T) {
	// ideal 5, count 2: 2 < 0.5*5=2.5, so LACK, not SLIGHTLY_WANTING.
	c := NewClock([]float64{1}, 5)
	c.Observe(1, 2)
	assert.Equal(t, StatusLack, c.DeriveStatus(1))
}

func TestSelectTokensCoversAmountAndComputesOvershoot(t *testing.T) {
	c := NewClock([]float64{1, 10, 100}, 4)
	available := []token.Token{
		mustToken(t, 100, "iss-1", "alice"),
		mustToken(t, 10, "iss-2", "alice"),
		mustToken(t, 1, "iss-3", "alice"),
	}

	sel, err := c.SelectTokens(available, 15, 2, nil)
	require.NoError(t, err)
	var total float64
	for _, tok := range sel.Chosen {
		total += tok.Denom
	}
	assert.GreaterOrEqual(t, total, 15.0)
	assert.InDelta(t, total-15, sel.OvershootFor, 1e-9)
}

func TestSelectTokensPrefersReceiverLackingDenominations(t *testing.T) {
	sender := NewClock([]float64{10, 20}, 4)
	sender.Observe(10, 4)
	sender.Observe(20, 4)

	receiver := NewClock([]float64{10, 20}, 4)
	receiver.Observe(10, 0) // receiver is LACK in 10s
	receiver.Observe(20, 4) // receiver is GOOD in 20s

	available := []token.Token{
		mustToken(t, 10, "iss-1", "alice"),
		mustToken(t, 20, "iss-2", "alice"),
	}

	sel, err := sender.SelectTokens(available, 10, 2, receiver)
	require.NoError(t, err)
	require.Len(t, sel.Chosen, 1)
	assert.Equal(t, float64(10), sel.Chosen[0].Denom, "should prefer the denomination the receiver is LACK in")
}

func TestSelectTokensCapsAbundantDenominationGivenAway(t *testing.T) {
	c := NewClock([]float64{10}, 2)
	c.Observe(10, 10) // 10 > 3*target(2): cap is ceil(available/4)

	available := make([]token.Token, 0, 10)
	for i := 0; i < 10; i++ {
		available = append(available, mustToken(t, 10, "iss-same", "alice"))
	}

	sel, err := c.SelectTokens(available, 25, 2, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(sel.Chosen), 3, "ceil(10/4)=3 tokens of an abundant denomination at most")
}

func TestSelectTokensResidualRuleTakesSmallestCoveringToken(t *testing.T) {
	c := NewClock([]float64{2, 5}, 4)
	available := []token.Token{
		mustToken(t, 2, "iss-1", "alice"),
		mustToken(t, 5, "iss-2", "alice"),
	}

	// The priority pass takes the 2 (floor(3/2)=1), leaving a residual of 1
	// that the smallest covering token, the 5, closes: 2+5=7.
	sel, err := c.SelectTokens(available, 3, 1, nil)
	require.NoError(t, err)
	var total float64
	for _, tok := range sel.Chosen {
		total += tok.Denom
	}
	assert.Equal(t, 7.0, total)
}

func TestSelectTokensInsufficientBalance(t *testing.T) {
	c := NewClock([]float64{1}, 4)
	available := []token.Token{mustToken(t, 1, "iss-1", "alice")}

	_, err := c.SelectTokens(available, 100, 1, nil)
	kind, ok := juiceerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, juiceerr.KindInsufficientBalance, kind)
}

func TestSelectTokensExcludesRevoked(t *testing.T) {
	c := NewClock([]float64{10}, 4)
	revoked := mustToken(t, 10, "iss-1", "alice")
	revoked.Revoked = true
	good := mustToken(t, 10, "iss-2", "alice")

	sel, err := c.SelectTokens([]token.Token{revoked, good}, 10, 1, nil)
	require.NoError(t, err)
	require.Len(t, sel.Chosen, 1)
	assert.Equal(t, good.ID, sel.Chosen[0].ID)
}

func TestSelectTokensIssuanceMinTailRuleSpendsWholeIssuanceRatherThanStrandOne(t *testing.T) {
	c := NewClock([]float64{1}, 4)
	tok1 := mustToken(t, 1, "iss-floor", "alice")
	tok2 := mustToken(t, 1, "iss-floor", "alice")
	tok3 := mustToken(t, 1, "iss-floor", "alice")

	sel, err := c.SelectTokens([]token.Token{tok1, tok2, tok3}, 2, 2, nil)
	require.NoError(t, err)
	assert.Len(t, sel.Chosen, 3, "spending 2 of 3 would strand 1 below the floor of 2, so all 3 are taken")
}

func TestSelectTokensPairsWisselTokenWhenDrainingItsIssuance(t *testing.T) {
	c := NewClock([]float64{1, 2}, 4)
	paired := mustToken(t, 2, "iss-last2", "alice")
	wisselTok := mustToken(t, 1, "iss-last2", "alice")
	wissel := token.NewWisselToken(wisselTok, 2)

	sel, err := c.SelectTokens([]token.Token{paired, wissel.Token}, 2, 2, nil)
	require.NoError(t, err)

	var sawWissel bool
	for _, tok := range sel.Chosen {
		if tok.IsWisselTok {
			sawWissel = true
		}
	}
	assert.True(t, sawWissel, "spending the last non-wissel token of an issuance must pull its wissel token along")
}
