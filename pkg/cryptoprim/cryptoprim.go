// Package cryptoprim provides the cryptographic primitives everything else
// in this module builds on: signing, hashing, randomness, and commitment
// derivation. The Signer interface is fixed so production code runs on
// Ed25519 while tests can substitute an HMAC double without touching
// callers, grounded on pkg/attestation/strategy's pluggable-scheme design.
package cryptoprim

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"io"
)

// ErrVerificationFailed is returned by Verify when a signature does not
// match, distinguished from I/O or malformed-input errors.
var ErrVerificationFailed = errors.New("cryptoprim: signature verification failed")

// Signer signs and verifies messages under a fixed keypair. Production code
// uses Ed25519Signer; tests may substitute HMACSigner.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	Verify(publicKey, message, signature []byte) bool
	PublicKey() []byte
}

// Ed25519Signer is the production Signer, grounded on
// pkg/attestation/strategy/ed25519_strategy.go's key handling.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519Signer generates a fresh keypair using crypto/rand.
func NewEd25519Signer() (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Ed25519Signer{priv: priv, pub: pub}, nil
}

// LoadEd25519Signer reconstructs a signer from a 64-byte seed-expanded
// private key, as produced by PrivateKeyBytes.
func LoadEd25519Signer(privateKey []byte) (*Ed25519Signer, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, errors.New("cryptoprim: private key must be 64 bytes")
	}
	priv := ed25519.PrivateKey(privateKey)
	pub := priv.Public().(ed25519.PublicKey)
	return &Ed25519Signer{priv: priv, pub: pub}, nil
}

func (s *Ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, message), nil
}

func (s *Ed25519Signer) Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

func (s *Ed25519Signer) PublicKey() []byte { return append([]byte(nil), s.pub...) }

// PrivateKeyBytes exposes the raw private key for persistence by pkg/tee.
func (s *Ed25519Signer) PrivateKeyBytes() []byte { return append([]byte(nil), s.priv...) }

// HMACSigner is a symmetric test double satisfying the Signer interface,
// for scenarios where a full keypair is unnecessary scaffolding.
type HMACSigner struct {
	key []byte
}

// NewHMACSigner constructs a test double keyed by key.
func NewHMACSigner(key []byte) *HMACSigner {
	return &HMACSigner{key: append([]byte(nil), key...)}
}

func (s *HMACSigner) Sign(message []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(message)
	return mac.Sum(nil), nil
}

func (s *HMACSigner) Verify(publicKey, message, signature []byte) bool {
	mac := hmac.New(sha256.New, publicKey)
	mac.Write(message)
	expected := mac.Sum(nil)
	return subtle.ConstantTimeCompare(expected, signature) == 1
}

func (s *HMACSigner) PublicKey() []byte { return append([]byte(nil), s.key...) }

// Hash returns the SHA-256 digest of data.
func Hash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HashStack folds a sequence of hashes into one by concatenating each new
// hash onto the running accumulator and re-hashing, the same
// concatenate-then-SHA256 convention as pkg/merkle.hashPair/CombineHashes.
// Used by pkg/token to fold a Telomeer's bounded hash_history.
func HashStack(hashes ...[]byte) [32]byte {
	var acc [32]byte
	for _, h := range hashes {
		buf := make([]byte, 0, len(acc)+len(h))
		buf = append(buf, acc[:]...)
		buf = append(buf, h...)
		acc = sha256.Sum256(buf)
	}
	return acc
}

// Random returns n cryptographically random bytes.
func Random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// DeriveCommitment hashes secret into a commitment value for the
// four-packet protocol's seed step.
func DeriveCommitment(secret []byte) [32]byte {
	return Hash(secret)
}

// ConstantTimeEqual compares two byte slices without leaking timing
// information, grounded on pkg/merkle.VerifyProof's use of
// crypto/subtle.ConstantTimeCompare for root comparison.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
