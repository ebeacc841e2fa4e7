// Package tee defines the hardware security capability consumed by the
// transaction engine for key custody and secure execution (is_available,
// attest, execute_secure, store_secure, retrieve_secure). No TEE hardware
// binding exists in this deployment's corpus, so this package ships only a
// software fallback: a file-backed key store using the load-or-generate
// pattern from pkg/crypto/bls/key_manager.go.
package tee

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/juicetokens/core/pkg/cryptoprim"
)

// Capability is the hardware-backed security interface the transaction
// engine consumes for signing keys and attestation. Real hardware bindings
// (secure enclave, TPM) are out of scope; SoftwareCapability satisfies the
// interface without one.
type Capability interface {
	IsAvailable() bool
	Attest(challenge []byte) ([]byte, error)
	ExecuteSecure(fn func() ([]byte, error)) ([]byte, error)
	StoreSecure(key string, value []byte) error
	RetrieveSecure(key string) ([]byte, error)
}

// SoftwareCapability is a non-hardware-backed Capability: keys live in a
// plain file under KeyPath, and StoreSecure/RetrieveSecure use a directory
// of files. Grounded on pkg/crypto/bls/key_manager.go's LoadOrGenerateKey.
type SoftwareCapability struct {
	KeyPath string
	DataDir string
	signer  *cryptoprim.Ed25519Signer
}

// NewSoftwareCapability loads the signer at keyPath, generating and
// persisting a fresh one if it does not exist yet.
func NewSoftwareCapability(keyPath, dataDir string) (*SoftwareCapability, error) {
	c := &SoftwareCapability{KeyPath: keyPath, DataDir: dataDir}
	if err := c.loadOrGenerateKey(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *SoftwareCapability) loadOrGenerateKey() error {
	if _, err := os.Stat(c.KeyPath); err == nil {
		return c.loadKey()
	}
	return c.generateNewKey()
}

func (c *SoftwareCapability) loadKey() error {
	data, err := os.ReadFile(c.KeyPath)
	if err != nil {
		return fmt.Errorf("tee: reading key file %s: %w", c.KeyPath, err)
	}
	signer, err := cryptoprim.LoadEd25519Signer(data)
	if err != nil {
		return fmt.Errorf("tee: parsing key file %s: %w", c.KeyPath, err)
	}
	c.signer = signer
	return nil
}

func (c *SoftwareCapability) generateNewKey() error {
	signer, err := cryptoprim.NewEd25519Signer()
	if err != nil {
		return fmt.Errorf("tee: generating key: %w", err)
	}
	if dir := filepath.Dir(c.KeyPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("tee: creating key directory: %w", err)
		}
	}
	if err := os.WriteFile(c.KeyPath, signer.PrivateKeyBytes(), 0o600); err != nil {
		return fmt.Errorf("tee: writing key file: %w", err)
	}
	c.signer = signer
	return nil
}

// IsAvailable always reports true for the software fallback: it has no
// hardware dependency that could be absent.
func (c *SoftwareCapability) IsAvailable() bool { return c.signer != nil }

// Attest signs challenge with the node's key, standing in for a hardware
// attestation quote.
func (c *SoftwareCapability) Attest(challenge []byte) ([]byte, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("tee: capability not initialized")
	}
	return c.signer.Sign(challenge)
}

// ExecuteSecure runs fn in-process. A hardware TEE would run it inside an
// enclave; the software fallback offers no isolation guarantee beyond what
// the host process already has.
func (c *SoftwareCapability) ExecuteSecure(fn func() ([]byte, error)) ([]byte, error) {
	return fn()
}

func (c *SoftwareCapability) secureFilePath(key string) string {
	return filepath.Join(c.DataDir, "secure", key)
}

// StoreSecure persists value under key in DataDir/secure.
func (c *SoftwareCapability) StoreSecure(key string, value []byte) error {
	path := c.secureFilePath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("tee: creating secure storage directory: %w", err)
	}
	return os.WriteFile(path, value, 0o600)
}

// RetrieveSecure reads back a value stored by StoreSecure.
func (c *SoftwareCapability) RetrieveSecure(key string) ([]byte, error) {
	data, err := os.ReadFile(c.secureFilePath(key))
	if err != nil {
		return nil, fmt.Errorf("tee: retrieving %s: %w", key, err)
	}
	return data, nil
}

// PublicKey exposes the node's public key for inclusion in attestations.
func (c *SoftwareCapability) PublicKey() []byte {
	if c.signer == nil {
		return nil
	}
	return c.signer.PublicKey()
}

// Signer exposes the underlying signer for components (txengine,
// personalchain) that need to sign rather than merely attest.
func (c *SoftwareCapability) Signer() *cryptoprim.Ed25519Signer {
	return c.signer
}
