// Package token implements denominated Token ownership and its
// self-compacting Telomeer history, plus the WisselToken rounding buffer.
// Folding uses cryptoprim.HashStack, the same concatenate-then-SHA256
// convention pkg/merkle uses for Merkle node combination. Locker is a keyed
// mutex table grounded on pkg/batch/collector.go's per-key locking idiom;
// Transfer and the other functions here take no lock themselves.
package token

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/juicetokens/core/pkg/cryptoprim"
	"github.com/juicetokens/core/pkg/juiceerr"
)

// IssuanceID is an opaque, interned identifier for the issuance event that
// minted a token. Per the Open Question resolution in DESIGN.md, no
// structure beyond non-emptiness is assumed.
type IssuanceID string

// AllowedDenominations is the normative denomination set: any token minted
// outside this set is a hard parse error.
var AllowedDenominations = []float64{1, 2, 5, 10, 20, 50, 100, 200, 500}

var allowedDenominationSet = func() map[float64]struct{} {
	m := make(map[float64]struct{}, len(AllowedDenominations))
	for _, d := range AllowedDenominations {
		m[d] = struct{}{}
	}
	return m
}()

// IsAllowedDenomination reports whether d is a member of the normative
// denomination set.
func IsAllowedDenomination(d float64) bool {
	_, ok := allowedDenominationSet[d]
	return ok
}

// HistoryEntry is one slot of a Telomeer's bounded hash history. FoldedOwners
// counts how many raw owners this entry's Hash represents: 1 for an
// unfolded entry (a direct hash of a single previous owner), or more once
// self-compaction has folded several owners together via
// cryptoprim.HashStack.
type HistoryEntry struct {
	Hash         [32]byte
	FoldedOwners int
}

// Telomeer is the self-compacting ownership history attached to a Token.
// CurrentOwner is the present holder; HashPreviousOwner is always the raw
// hash of the immediately preceding owner, kept even once HashHistory has
// folded it into a composite entry; HashHistory is a bounded list of
// (possibly folded) owner-hash entries, oldest-compacted-first, capped at
// MaxHistory entries (older entries are folded into the head via
// cryptoprim.HashStack rather than dropped, so the chain can still be
// checked against a previously-seen prefix).
type Telomeer struct {
	CurrentOwner      string
	HashPreviousOwner [32]byte
	HashHistory       []HistoryEntry
	Sequence          uint64
}

// Token is a denominated unit of value with its ownership chain.
type Token struct {
	ID          string
	Denom       float64
	IssuanceID  IssuanceID
	Telomeer    Telomeer
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Revoked     bool
	IsWisselTok bool

	// PredecessorID is non-empty only for a token minted by a renewal
	// transformation: the id of the expiring token it replaced. Same
	// denomination and issuance lineage as the predecessor, fresh
	// ExpiresAt.
	PredecessorID string
}

// WisselToken wraps a Token as the afrondingsbuffer (rounding buffer): a
// per-issuance protected reserve that accumulates sub-unit remainders left
// over by SelectTokens's ISSUANCE_MIN tail rule. Buffer is always in
// [0.00, 1.00); once a deposit pushes it to or past 1.00, the whole-unit
// part overflows as a freshly minted denom-1 token for the caller to place
// into rExoPak, and Buffer keeps only the new fractional remainder.
type WisselToken struct {
	Token       Token
	IssuanceMin float64
	Buffer      float64
}

// Locker serializes mutation per token id, grounded on
// pkg/batch/collector.go's per-key locking idiom: a sync.Map of *sync.Mutex
// so unrelated tokens never contend.
type Locker struct {
	locks sync.Map // map[string]*sync.Mutex
}

// NewLocker constructs an empty per-token lock table.
func NewLocker() *Locker { return &Locker{} }

// Lock blocks until the mutex for tokenID is acquired and returns an
// unlock function.
func (l *Locker) Lock(tokenID string) (unlock func()) {
	v, _ := l.locks.LoadOrStore(tokenID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// CreateToken mints a fresh Token owned by ownerID, with an empty history.
// denom must belong to AllowedDenominations; any other value (including a
// fractional one) is a hard InvalidDenomination error.
func CreateToken(denom float64, issuance IssuanceID, ownerID string, expiresAt time.Time) (Token, error) {
	if !IsAllowedDenomination(denom) {
		return Token{}, juiceerr.Newf(juiceerr.KindInvalidDenomination, "denomination %v is not in the allowed set %v", denom, AllowedDenominations)
	}
	if issuance == "" {
		return Token{}, juiceerr.New(juiceerr.KindInvalidDenomination, "issuance id must not be empty")
	}
	id := uuid.NewString()
	return Token{
		ID:         id,
		Denom:      denom,
		IssuanceID: issuance,
		Telomeer: Telomeer{
			CurrentOwner: ownerID,
			HashHistory:  nil,
			Sequence:     0,
		},
		IssuedAt:  time.Now().UTC(),
		ExpiresAt: expiresAt,
	}, nil
}

// defaultMaxHistory is the Telomeer.HashHistory bound used when a caller
// passes maxHistory <= 0; callers normally pass pkg/config.Config.MaxHistory
// to Transfer/TransferWisselPaired.
const defaultMaxHistory = 32

// Transfer moves ownership of tok from its current owner to newOwner,
// appending (and, once history exceeds maxHistory, folding) the outgoing
// owner's record. newOwner must differ from the current owner (spec
// disallows same-owner transfers as a no-op that would corrupt sequence
// continuity). A WisselToken can never move through Transfer alone — it is
// only ever relinquished together with its paired token in the same
// issuance, via TransferWisselPaired.
func Transfer(tok Token, newOwner string, maxHistory int) (Token, error) {
	if tok.IsWisselTok {
		return Token{}, juiceerr.New(juiceerr.KindWisselTokenProtected, "wissel token cannot be transferred on its own; use TransferWisselPaired")
	}
	return transferUnchecked(tok, newOwner, maxHistory)
}

// TransferWisselPaired moves ownership of a WisselToken together with
// paired, a non-Wissel token of the same issuance, in the same step. This
// is the only path by which a WisselToken's ownership ever changes:
// spending the last two tokens of an issuance where one is the WisselToken
// requires spending both together.
func TransferWisselPaired(wissel, paired Token, newOwner string, maxHistory int) (Token, Token, error) {
	if !wissel.IsWisselTok {
		return Token{}, Token{}, juiceerr.New(juiceerr.KindWisselTokenProtected, "wissel argument is not a wissel token")
	}
	if paired.IsWisselTok {
		return Token{}, Token{}, juiceerr.New(juiceerr.KindWisselTokenProtected, "paired argument must not itself be a wissel token")
	}
	if wissel.IssuanceID != paired.IssuanceID {
		return Token{}, Token{}, juiceerr.New(juiceerr.KindWisselTokenProtected, "wissel token can only move together with a token from the same issuance")
	}
	newWissel, err := transferUnchecked(wissel, newOwner, maxHistory)
	if err != nil {
		return Token{}, Token{}, err
	}
	newPaired, err := transferUnchecked(paired, newOwner, maxHistory)
	if err != nil {
		return Token{}, Token{}, err
	}
	return newWissel, newPaired, nil
}

func transferUnchecked(tok Token, newOwner string, maxHistory int) (Token, error) {
	if tok.Revoked {
		return Token{}, juiceerr.New(juiceerr.KindTokenRevoked, "token has been revoked")
	}
	if !tok.ExpiresAt.IsZero() && time.Now().After(tok.ExpiresAt) {
		return Token{}, juiceerr.New(juiceerr.KindTokenExpired, "token has expired")
	}
	if tok.Telomeer.CurrentOwner == newOwner {
		return Token{}, juiceerr.New(juiceerr.KindSameOwnerTransfer, "cannot transfer a token to its current owner")
	}
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}

	outgoing := cryptoprim.Hash([]byte(tok.Telomeer.CurrentOwner))
	history := append(append([]HistoryEntry{}, tok.Telomeer.HashHistory...), HistoryEntry{Hash: outgoing, FoldedOwners: 1})

	if len(history) > maxHistory {
		cut := len(history) - maxHistory + 1
		folded := foldHistoryEntries(history[:cut])
		history = append([]HistoryEntry{folded}, history[cut:]...)
	}

	tok.Telomeer = Telomeer{
		CurrentOwner:      newOwner,
		HashPreviousOwner: outgoing,
		HashHistory:       history,
		Sequence:          tok.Telomeer.Sequence + 1,
	}
	return tok, nil
}

// foldHistoryEntries combines consecutive history entries into one,
// left-accumulating via cryptoprim.HashStack so the result stays
// reconstructible from the ordered list of raw owners the entries
// represent (see foldOwnerHashes).
func foldHistoryEntries(entries []HistoryEntry) HistoryEntry {
	acc := entries[0].Hash
	total := entries[0].FoldedOwners
	for _, e := range entries[1:] {
		acc = cryptoprim.HashStack(acc[:], e.Hash[:])
		total += e.FoldedOwners
	}
	return HistoryEntry{Hash: acc, FoldedOwners: total}
}

// foldOwnerHashes reproduces the hash a HistoryEntry would carry for the
// given owners, presented oldest-to-newest in the order Transfer folded
// them. A single owner reproduces the plain per-owner hash; more than one
// reproduces the same left-accumulation foldHistoryEntries performs.
func foldOwnerHashes(owners []string) [32]byte {
	acc := cryptoprim.Hash([]byte(owners[0]))
	for _, o := range owners[1:] {
		h := cryptoprim.Hash([]byte(o))
		acc = cryptoprim.HashStack(acc[:], h[:])
	}
	return acc
}

// VerifyPreviousOwnership checks that owners, presented together and in
// the same oldest-to-newest order Transfer folded them, reproduce one of
// tok's HashHistory entries. A single owner verifies membership of an
// unfolded entry exactly as before; presenting a folded segment's
// constituent owners together lets a composite entry be reconstructed and
// verified even though its individual owners are no longer separately
// recoverable from the Telomeer alone.
func VerifyPreviousOwnership(tok Token, owners ...string) bool {
	if len(owners) == 0 {
		return false
	}
	want := foldOwnerHashes(owners)
	for _, entry := range tok.Telomeer.HashHistory {
		if entry.FoldedOwners != len(owners) {
			continue
		}
		if cryptoprim.ConstantTimeEqual(entry.Hash[:], want[:]) {
			return true
		}
	}
	return false
}

// GenerateOwnershipProof returns a signature over the token's current
// ownership state, to be attached to a Personal Chain entry or a
// four-packet transaction leg.
func GenerateOwnershipProof(signer cryptoprim.Signer, tok Token) ([]byte, error) {
	digest := OwnershipDigest(tok)
	return signer.Sign(digest[:])
}

// OwnershipDigest hashes the fields of tok that matter for ownership
// verification: id, current owner, and sequence number.
func OwnershipDigest(tok Token) [32]byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, []byte(tok.ID)...)
	buf = append(buf, []byte(tok.Telomeer.CurrentOwner)...)
	seq := make([]byte, 8)
	for i := 0; i < 8; i++ {
		seq[i] = byte(tok.Telomeer.Sequence >> (8 * (7 - i)))
	}
	buf = append(buf, seq...)
	return cryptoprim.Hash(buf)
}

// NewWisselToken wraps tok as a protected rounding buffer for denom-sized
// remainders below issuanceMin, with an empty afrondingsbuffer.
func NewWisselToken(tok Token, issuanceMin float64) WisselToken {
	tok.IsWisselTok = true
	return WisselToken{Token: tok, IssuanceMin: issuanceMin}
}

// AddToBuffer deposits amount into the afrondingsbuffer. amount must itself
// be a sub-unit remainder in [0, 1.00); the buffer invariant 0 <= Buffer <
// 1.00 is maintained by carrying any whole-unit overflow out as overflow,
// minting it as a fresh denom-1 Token owned by ownerID for the caller to
// place into rExoPak. overflowed reports whether an overflow token was
// produced.
func (w *WisselToken) AddToBuffer(amount float64, issuance IssuanceID, ownerID string) (overflow Token, overflowed bool, err error) {
	if amount < 0 || amount >= 1.0 {
		return Token{}, false, juiceerr.Newf(juiceerr.KindInvalidDenomination, "afrondingsbuffer deposit %v must be in [0, 1.00)", amount)
	}
	sum := w.Buffer + amount
	whole := math.Floor(sum)
	w.Buffer = sum - whole
	if whole <= 0 {
		return Token{}, false, nil
	}
	minted, err := CreateToken(whole, issuance, ownerID, time.Time{})
	if err != nil {
		return Token{}, false, err
	}
	return minted, true, nil
}

// Renew mints a replacement for an expiring token: same denomination and
// issuance lineage, a fresh id and expiry, and PredecessorID recording the
// token it replaces. The predecessor itself is left untouched — callers
// mark it consumed/expired separately once the renewal is recorded.
func Renew(expiring Token, newExpiresAt time.Time) (Token, error) {
	if expiring.Revoked {
		return Token{}, juiceerr.New(juiceerr.KindTokenRevoked, "cannot renew a revoked token")
	}
	fresh, err := CreateToken(expiring.Denom, expiring.IssuanceID, expiring.Telomeer.CurrentOwner, newExpiresAt)
	if err != nil {
		return Token{}, err
	}
	fresh.PredecessorID = expiring.ID
	return fresh, nil
}
