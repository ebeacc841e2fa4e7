package cryptoprim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEd25519SignerRoundTrip(t *testing.T) {
	signer, err := NewEd25519Signer()
	require.NoError(t, err)

	msg := []byte("transfer:alice->bob:10.0")
	sig, err := signer.Sign(msg)
	require.NoError(t, err)

	assert.True(t, signer.Verify(signer.PublicKey(), msg, sig))
	assert.False(t, signer.Verify(signer.PublicKey(), []byte("tampered"), sig))
}

func TestLoadEd25519SignerRejectsShortKey(t *testing.T) {
	_, err := LoadEd25519Signer([]byte("too short"))
	assert.Error(t, err)
}

func TestHMACSignerRoundTrip(t *testing.T) {
	signer := NewHMACSigner([]byte("shared-secret"))
	msg := []byte("seed-commitment")
	sig, err := signer.Sign(msg)
	require.NoError(t, err)

	assert.True(t, signer.Verify(signer.PublicKey(), msg, sig))
	assert.False(t, signer.Verify([]byte("wrong-key"), msg, sig))
}

func TestHashStackDeterministicAndOrderSensitive(t *testing.T) {
	a := Hash([]byte("a"))
	b := Hash([]byte("b"))

	fwd := HashStack(a[:], b[:])
	rev := HashStack(b[:], a[:])
	again := HashStack(a[:], b[:])

	assert.Equal(t, fwd, again)
	assert.NotEqual(t, fwd, rev)
}

func TestRandomProducesRequestedLength(t *testing.T) {
	b, err := Random(16)
	require.NoError(t, err)
	assert.Len(t, b, 16)
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual([]byte("abc"), []byte("abc")))
	assert.False(t, ConstantTimeEqual([]byte("abc"), []byte("abd")))
	assert.False(t, ConstantTimeEqual([]byte("abc"), []byte("ab")))
}

func TestDeriveCommitmentMatchesHash(t *testing.T) {
	secret := []byte("nonce-123")
	assert.Equal(t, Hash(secret), DeriveCommitment(secret))
}
