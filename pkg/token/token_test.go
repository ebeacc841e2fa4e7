package token

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juicetokens/core/pkg/cryptoprim"
	"github.com/juicetokens/core/pkg/juiceerr"
)

func TestCreateTokenRejectsNonPositiveDenomination(t *testing.T) {
	_, err := CreateToken(0, "iss-1", "alice", time.Time{})
	require.Error(t, err)
	kind, ok := juiceerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, juiceerr.KindInvalidDenomination, kind)
}

func TestCreateTokenRejectsDenominationOutsideAllowedSet(t *testing.T) {
	for _, bad := range []float64{3, 7.5, 15, 1000} {
		_, err := CreateToken(bad, "iss-1", "alice", time.Time{})
		require.Error(t, err, "denom %v should be rejected", bad)
		kind, ok := juiceerr.KindOf(err)
		require.True(t, ok)
		assert.Equal(t, juiceerr.KindInvalidDenomination, kind)
	}
}

func TestCreateTokenAcceptsEveryAllowedDenomination(t *testing.T) {
	for _, good := range AllowedDenominations {
		_, err := CreateToken(good, "iss-1", "alice", time.Time{})
		require.NoError(t, err, "denom %v should be accepted", good)
	}
}

func TestTransferMovesOwnershipAndAppendsHistory(t *testing.T) {
	tok, err := CreateToken(10, "iss-1", "alice", time.Time{})
	require.NoError(t, err)

	tok2, err := Transfer(tok, "bob", 32)
	require.NoError(t, err)
	assert.Equal(t, "bob", tok2.Telomeer.CurrentOwner)
	assert.Len(t, tok2.Telomeer.HashHistory, 1)
	assert.Equal(t, uint64(1), tok2.Telomeer.Sequence)
	assert.True(t, VerifyPreviousOwnership(tok2, "alice"))
}

func TestTransferRejectsSameOwner(t *testing.T) {
	tok, _ := CreateToken(10, "iss-1", "alice", time.Time{})
	_, err := Transfer(tok, "alice", 32)
	kind, _ := juiceerr.KindOf(err)
	assert.Equal(t, juiceerr.KindSameOwnerTransfer, kind)
}

func TestTransferRejectsRevokedToken(t *testing.T) {
	tok, _ := CreateToken(10, "iss-1", "alice", time.Time{})
	tok.Revoked = true
	_, err := Transfer(tok, "bob", 32)
	kind, _ := juiceerr.KindOf(err)
	assert.Equal(t, juiceerr.KindTokenRevoked, kind)
}

func TestTransferRejectsExpiredToken(t *testing.T) {
	tok, _ := CreateToken(10, "iss-1", "alice", time.Now().Add(-time.Hour))
	_, err := Transfer(tok, "bob", 32)
	kind, _ := juiceerr.KindOf(err)
	assert.Equal(t, juiceerr.KindTokenExpired, kind)
}

func TestTransferRejectsWisselToken(t *testing.T) {
	tok, _ := CreateToken(1, "iss-1", "alice", time.Time{})
	wissel := NewWisselToken(tok, 1.0)
	_, err := Transfer(wissel.Token, "bob", 32)
	kind, _ := juiceerr.KindOf(err)
	assert.Equal(t, juiceerr.KindWisselTokenProtected, kind)
}

func TestTransferWisselPairedMovesBothTokensOfTheSameIssuance(t *testing.T) {
	paired, _ := CreateToken(2, "iss-last2", "alice", time.Time{})
	wisselTok, _ := CreateToken(1, "iss-last2", "alice", time.Time{})
	wissel := NewWisselToken(wisselTok, 2.0)

	newWissel, newPaired, err := TransferWisselPaired(wissel.Token, paired, "bob", 32)
	require.NoError(t, err)
	assert.Equal(t, "bob", newWissel.Telomeer.CurrentOwner)
	assert.Equal(t, "bob", newPaired.Telomeer.CurrentOwner)
	assert.True(t, newWissel.IsWisselTok)
}

func TestTransferWisselPairedRejectsMismatchedIssuance(t *testing.T) {
	paired, _ := CreateToken(2, "iss-a", "alice", time.Time{})
	wisselTok, _ := CreateToken(1, "iss-b", "alice", time.Time{})
	wissel := NewWisselToken(wisselTok, 2.0)

	_, _, err := TransferWisselPaired(wissel.Token, paired, "bob", 32)
	kind, _ := juiceerr.KindOf(err)
	assert.Equal(t, juiceerr.KindWisselTokenProtected, kind)
}

func TestAfrondingsbufferOverflowMintsAWholeToken(t *testing.T) {
	tok, _ := CreateToken(1, "iss-1", "alice", time.Time{})
	wissel := NewWisselToken(tok, 2.0)

	overflow, overflowed, err := wissel.AddToBuffer(0.6, "iss-1", "alice")
	require.NoError(t, err)
	assert.False(t, overflowed)
	assert.InDelta(t, 0.6, wissel.Buffer, 1e-9)

	overflow, overflowed, err = wissel.AddToBuffer(0.5, "iss-1", "alice")
	require.NoError(t, err)
	require.True(t, overflowed)
	assert.Equal(t, float64(1), overflow.Denom)
	assert.InDelta(t, 0.1, wissel.Buffer, 1e-9)
	assert.GreaterOrEqual(t, wissel.Buffer, 0.0)
	assert.Less(t, wissel.Buffer, 1.0)
}

func TestVerifyPreviousOwnershipReconstructsFoldedCompositeSegment(t *testing.T) {
	tok, _ := CreateToken(10, "iss-1", "owner0", time.Time{})
	maxHistory := 10

	var err error
	owners := []string{"owner0"}
	for i := 1; i <= 11; i++ {
		next := fmt.Sprintf("owner%d", i)
		tok, err = Transfer(tok, next, maxHistory)
		require.NoError(t, err)
		owners = append(owners, next)
	}

	// 11 transfers into MAX_HISTORY=10 folds exactly the two oldest raw
	// owners (owner0, owner1) into one composite entry.
	require.Len(t, tok.Telomeer.HashHistory, maxHistory)
	assert.True(t, VerifyPreviousOwnership(tok, owners[0], owners[1]))
	assert.False(t, VerifyPreviousOwnership(tok, owners[0]))
	assert.True(t, VerifyPreviousOwnership(tok, owners[2]))
}

func TestHistoryFoldsWhenExceedingMaxHistory(t *testing.T) {
	tok, _ := CreateToken(10, "iss-1", "owner0", time.Time{})
	owners := []string{"owner1", "owner2", "owner3", "owner4"}
	maxHistory := 2

	var err error
	for _, o := range owners {
		tok, err = Transfer(tok, o, maxHistory)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(tok.Telomeer.HashHistory), maxHistory)
	}
}

func TestLockerSerializesPerToken(t *testing.T) {
	l := NewLocker()
	unlockA := l.Lock("token-a")
	unlockB := l.Lock("token-b")
	unlockA()
	unlockB()
}

func TestRenewPreservesDenominationAndIssuanceLineage(t *testing.T) {
	expiring, _ := CreateToken(5, "iss-7", "alice", time.Now().Add(time.Hour))
	newExpiry := time.Now().Add(30 * 24 * time.Hour)

	fresh, err := Renew(expiring, newExpiry)
	require.NoError(t, err)
	assert.NotEqual(t, expiring.ID, fresh.ID)
	assert.Equal(t, expiring.Denom, fresh.Denom)
	assert.Equal(t, expiring.IssuanceID, fresh.IssuanceID)
	assert.Equal(t, expiring.Telomeer.CurrentOwner, fresh.Telomeer.CurrentOwner)
	assert.Equal(t, expiring.ID, fresh.PredecessorID)
	assert.WithinDuration(t, newExpiry, fresh.ExpiresAt, time.Second)
}

func TestRenewRejectsRevokedToken(t *testing.T) {
	expiring, _ := CreateToken(5, "iss-7", "alice", time.Now().Add(time.Hour))
	expiring.Revoked = true
	_, err := Renew(expiring, time.Now().Add(time.Hour))
	kind, _ := juiceerr.KindOf(err)
	assert.Equal(t, juiceerr.KindTokenRevoked, kind)
}

func TestGenerateOwnershipProofVerifiesWithSigner(t *testing.T) {
	signer := cryptoprim.NewHMACSigner([]byte("k"))
	tok, _ := CreateToken(5, "iss-1", "alice", time.Time{})

	sig, err := GenerateOwnershipProof(signer, tok)
	require.NoError(t, err)

	digest := OwnershipDigest(tok)
	assert.True(t, signer.Verify(signer.PublicKey(), digest[:], sig))
}
