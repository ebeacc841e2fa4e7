package personalchain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juicetokens/core/pkg/cryptoprim"
	"github.com/juicetokens/core/pkg/juiceerr"
	"github.com/juicetokens/core/pkg/kv"
)

func TestAppendProducesGapFreeHashChain(t *testing.T) {
	store := kv.NewMemKV()
	signer, err := cryptoprim.NewEd25519Signer()
	require.NoError(t, err)

	chain := NewChain("alice", store, signer)

	e0, err := chain.Append("transfer_in", map[string]string{"token_id": "t1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), e0.Sequence)

	e1, err := chain.Append("transfer_out", map[string]string{"token_id": "t1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, e0.Hash(), e1.PrevHash)

	require.NoError(t, chain.Verify(signer.PublicKey()))
}

func TestVerifyFailsOnTamperedEntry(t *testing.T) {
	store := kv.NewMemKV()
	signer, err := cryptoprim.NewEd25519Signer()
	require.NoError(t, err)

	chain := NewChain("bob", store, signer)
	_, err = chain.Append("transfer_in", map[string]string{"token_id": "t1"})
	require.NoError(t, err)

	raw, err := store.Get(keyChainEntry("bob", 0))
	require.NoError(t, err)
	tampered, err := Deserialize(raw)
	require.NoError(t, err)
	tampered.Payload = []byte(`{"token_id":"t2"}`)
	tamperedBytes, err := Serialize(tampered)
	require.NoError(t, err)
	require.NoError(t, store.Set(keyChainEntry("bob", 0), tamperedBytes))

	err = chain.Verify(signer.PublicKey())
	require.Error(t, err)
	kind, ok := juiceerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, juiceerr.KindBadSignature, kind)
}

func TestVerifyEmptyChainSucceeds(t *testing.T) {
	store := kv.NewMemKV()
	signer, err := cryptoprim.NewEd25519Signer()
	require.NoError(t, err)
	chain := NewChain("nobody", store, signer)
	assert.NoError(t, chain.Verify(signer.PublicKey()))
}
