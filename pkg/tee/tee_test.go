package tee

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSoftwareCapabilityGeneratesAndReloadsKey(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "node.key")

	cap1, err := NewSoftwareCapability(keyPath, dir)
	require.NoError(t, err)
	assert.True(t, cap1.IsAvailable())
	pub1 := cap1.PublicKey()

	cap2, err := NewSoftwareCapability(keyPath, dir)
	require.NoError(t, err)
	assert.Equal(t, pub1, cap2.PublicKey())
}

func TestAttestProducesVerifiableSignature(t *testing.T) {
	dir := t.TempDir()
	cap, err := NewSoftwareCapability(filepath.Join(dir, "node.key"), dir)
	require.NoError(t, err)

	challenge := []byte("prove-liveness")
	sig, err := cap.Attest(challenge)
	require.NoError(t, err)
	assert.True(t, cap.Signer().Verify(cap.PublicKey(), challenge, sig))
}

func TestStoreAndRetrieveSecure(t *testing.T) {
	dir := t.TempDir()
	cap, err := NewSoftwareCapability(filepath.Join(dir, "node.key"), dir)
	require.NoError(t, err)

	require.NoError(t, cap.StoreSecure("wissel-buffer", []byte("secret-state")))
	got, err := cap.RetrieveSecure("wissel-buffer")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret-state"), got)
}

func TestExecuteSecureRunsFunction(t *testing.T) {
	dir := t.TempDir()
	cap, err := NewSoftwareCapability(filepath.Join(dir, "node.key"), dir)
	require.NoError(t, err)

	out, err := cap.ExecuteSecure(func() ([]byte, error) { return []byte("result"), nil })
	require.NoError(t, err)
	assert.Equal(t, []byte("result"), out)
}
