package txengine

import (
	"github.com/juicetokens/core/pkg/cryptoprim"
	"github.com/juicetokens/core/pkg/token"
	"github.com/juicetokens/core/pkg/wire"
)

// PakKind identifies which of the four packets a Pak represents.
type PakKind string

const (
	// PakSenderExo is the sender's outgoing offer: the tokens it proposes
	// to transfer to the receiver.
	PakSenderExo PakKind = "S_EXO"
	// PakReceiverExo is the receiver's outgoing offer: change returned to
	// the sender when the selected tokens overshoot the agreed amount.
	PakReceiverExo PakKind = "R_EXO"
	// PakSenderRetro is the sender's signed acknowledgment that it
	// received and accepted the receiver's exo pak.
	PakSenderRetro PakKind = "S_RETRO"
	// PakReceiverRetro is the receiver's signed acknowledgment that it
	// received and accepted the sender's exo pak, finalizing the
	// exchange from its side.
	PakReceiverRetro PakKind = "R_RETRO"
)

// Pak is one packet of the four-packet atomic commitment protocol: a set
// of tokens (possibly empty, for a pure acknowledgment retro pak) plus a
// canonical-hash digest and a signature over that digest.
type Pak struct {
	Kind      PakKind  `json:"kind"`
	Tokens    []token.Token `json:"tokens,omitempty"`
	Digest    [32]byte `json:"digest"`
	Signature []byte   `json:"signature"`
}

// BuildPak hashes tokens canonically and signs the digest, producing a Pak
// ready to send over the wire.
func BuildPak(kind PakKind, tokens []token.Token, signer cryptoprim.Signer) (Pak, error) {
	digest, err := wire.HashCanonical(tokens)
	if err != nil {
		return Pak{}, err
	}
	sig, err := signer.Sign(digest[:])
	if err != nil {
		return Pak{}, err
	}
	return Pak{Kind: kind, Tokens: tokens, Digest: digest, Signature: sig}, nil
}

// VerifyPak recomputes the digest over pak.Tokens and checks it matches
// pak.Digest, then verifies pak.Signature against publicKey.
func VerifyPak(pak Pak, publicKey []byte) bool {
	digest, err := wire.HashCanonical(pak.Tokens)
	if err != nil {
		return false
	}
	if !cryptoprim.ConstantTimeEqual(digest[:], pak.Digest[:]) {
		return false
	}
	var verifier cryptoprim.Ed25519Signer
	return verifier.Verify(publicKey, pak.Digest[:], pak.Signature)
}
