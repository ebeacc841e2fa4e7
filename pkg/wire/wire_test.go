package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juicetokens/core/pkg/cryptoprim"
	"github.com/juicetokens/core/pkg/token"
)

func TestEnvelopeEncodeDecodeRoundTrip(t *testing.T) {
	env := TransactionEnvelope{
		Tag:           TagPreparation,
		TransactionID: "tx-123",
		Body:          []byte("some preparation body"),
	}

	decoded, err := Decode(Encode(env))
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	_, err := Decode([]byte{1, 2})
	assert.Error(t, err)
}

func TestTagString(t *testing.T) {
	assert.Equal(t, "SEED", TagSeed.String())
	assert.Equal(t, "ABORT", TagAbort.String())
}

func TestTelomeerRoundTrip(t *testing.T) {
	telomeer := token.Telomeer{
		CurrentOwner:      "bob",
		HashPreviousOwner: cryptoprim.Hash([]byte("alice")),
		HashHistory: []token.HistoryEntry{
			{Hash: cryptoprim.Hash([]byte("alice")), FoldedOwners: 1},
			{Hash: cryptoprim.Hash([]byte("carol-dave-composite")), FoldedOwners: 2},
		},
		Sequence: 3,
	}

	decoded, err := DecodeTelomeer(EncodeTelomeer(telomeer))
	require.NoError(t, err)
	assert.Equal(t, telomeer, decoded)
}

func TestTelomeerEmptyHistoryRoundTrip(t *testing.T) {
	telomeer := token.Telomeer{CurrentOwner: "alice"}

	decoded, err := DecodeTelomeer(EncodeTelomeer(telomeer))
	require.NoError(t, err)
	assert.Equal(t, "alice", decoded.CurrentOwner)
	assert.Empty(t, decoded.HashHistory)
}

func TestCanonicalizeJSONIsOrderIndependent(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": 2}
	b := map[string]interface{}{"a": 2, "b": 1}

	hashA, err := HashCanonical(a)
	require.NoError(t, err)
	hashB, err := HashCanonical(b)
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB)
}

func TestCanonicalizeJSONDiffersOnValueChange(t *testing.T) {
	a := map[string]interface{}{"amount": 10}
	b := map[string]interface{}{"amount": 11}

	hashA, _ := HashCanonical(a)
	hashB, _ := HashCanonical(b)
	assert.NotEqual(t, hashA, hashB)
}
