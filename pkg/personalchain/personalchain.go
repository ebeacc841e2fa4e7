// Package personalchain implements the append-only, hash-chained,
// per-user signed log of token events. Backed by pkg/kv.KV exactly the way
// pkg/ledger.LedgerStore backs onto ledger.KV: big-endian sequence-number
// key suffixes and a documented single-writer concurrency assumption.
package personalchain

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/juicetokens/core/pkg/cryptoprim"
	"github.com/juicetokens/core/pkg/juiceerr"
	"github.com/juicetokens/core/pkg/kv"
)

// Entry is one gap-free, hash-chained, signed record in a user's chain.
type Entry struct {
	UserID    string          `json:"user_id"`
	Sequence  uint64          `json:"sequence"`
	PrevHash  [32]byte        `json:"prev_hash"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Signature []byte          `json:"signature"`
}

// Hash returns the content hash of e excluding its own signature, which is
// what PrevHash on the following entry references.
func (e Entry) Hash() [32]byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, []byte(e.UserID)...)
	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, e.Sequence)
	buf = append(buf, seq...)
	buf = append(buf, e.PrevHash[:]...)
	buf = append(buf, []byte(e.Kind)...)
	buf = append(buf, e.Payload...)
	return cryptoprim.Hash(buf)
}

// key layout, grounded on pkg/ledger/store.go's systemBlockKey/keySysMeta
// big-endian prefix-plus-sequence convention.
var (
	keyChainHeadPrefix  = []byte("pc/head/")
	keyChainEntryPrefix = []byte("pc/entry/")
)

func keyChainHead(userID string) []byte {
	return append(append([]byte{}, keyChainHeadPrefix...), []byte(userID)...)
}

func keyChainEntry(userID string, seq uint64) []byte {
	buf := append(append([]byte{}, keyChainEntryPrefix...), []byte(userID+"/")...)
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)
	return append(buf, seqBytes...)
}

// Chain is a single user's append-only log. One Chain instance must own
// exclusive write access to its userID's key range in the backing KV —
// the same single-writer design note pkg/ledger.LedgerStore documents.
type Chain struct {
	mu      sync.Mutex
	userID  string
	store   kv.KV
	signer  cryptoprim.Signer
	headSeq uint64
	head    [32]byte
	loaded  bool
}

// NewChain constructs a Chain for userID backed by store, signing new
// entries with signer.
func NewChain(userID string, store kv.KV, signer cryptoprim.Signer) *Chain {
	return &Chain{userID: userID, store: store, signer: signer}
}

func (c *Chain) ensureLoaded() error {
	if c.loaded {
		return nil
	}
	raw, err := c.store.Get(keyChainHead(c.userID))
	if err == kv.ErrNotFound {
		c.loaded = true
		return nil
	}
	if err != nil {
		return err
	}
	var head struct {
		Sequence uint64   `json:"sequence"`
		Hash     [32]byte `json:"hash"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return fmt.Errorf("personalchain: corrupt head record for %s: %w", c.userID, err)
	}
	c.headSeq = head.Sequence
	c.head = head.Hash
	c.loaded = true
	return nil
}

// Append signs and writes a new entry of kind with the given payload,
// enforcing gap-free sequencing and hash-chain continuity.
func (c *Chain) Append(kind string, payload interface{}) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoaded(); err != nil {
		return Entry{}, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, err
	}

	nextSeq := c.headSeq
	if c.headSeq > 0 || c.head != ([32]byte{}) {
		nextSeq = c.headSeq + 1
	}

	entry := Entry{
		UserID:   c.userID,
		Sequence: nextSeq,
		PrevHash: c.head,
		Kind:     kind,
		Payload:  raw,
	}
	digest := entry.Hash()
	sig, err := c.signer.Sign(digest[:])
	if err != nil {
		return Entry{}, err
	}
	entry.Signature = sig

	entryBytes, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, err
	}
	if err := c.store.Set(keyChainEntry(c.userID, nextSeq), entryBytes); err != nil {
		return Entry{}, err
	}

	newHead := entry.Hash()
	headRecord, err := json.Marshal(struct {
		Sequence uint64   `json:"sequence"`
		Hash     [32]byte `json:"hash"`
	}{Sequence: nextSeq, Hash: newHead})
	if err != nil {
		return Entry{}, err
	}
	if err := c.store.Set(keyChainHead(c.userID), headRecord); err != nil {
		return Entry{}, err
	}

	c.headSeq = nextSeq
	c.head = newHead
	return entry, nil
}

// Verify replays every entry from seq 0 through the head, checking
// gap-free sequencing, hash-chain continuity, and signature validity
// against publicKey.
func (c *Chain) Verify(publicKey []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoaded(); err != nil {
		return err
	}
	if c.headSeq == 0 && c.head == ([32]byte{}) {
		return nil
	}

	var prevHash [32]byte
	for seq := uint64(0); seq <= c.headSeq; seq++ {
		raw, err := c.store.Get(keyChainEntry(c.userID, seq))
		if err != nil {
			return juiceerr.Wrap(juiceerr.KindOutOfOrderSequence, err, fmt.Sprintf("missing sequence %d", seq))
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return juiceerr.Wrap(juiceerr.KindHistoryTampered, err, "corrupt entry")
		}
		if entry.Sequence != seq {
			return juiceerr.New(juiceerr.KindOutOfOrderSequence, fmt.Sprintf("expected sequence %d, got %d", seq, entry.Sequence))
		}
		if !bytes.Equal(entry.PrevHash[:], prevHash[:]) {
			return juiceerr.New(juiceerr.KindHistoryTampered, fmt.Sprintf("prev hash mismatch at sequence %d", seq))
		}
		digest := entry.Hash()
		if !verifySignature(publicKey, digest[:], entry.Signature) {
			return juiceerr.New(juiceerr.KindBadSignature, fmt.Sprintf("bad signature at sequence %d", seq))
		}
		prevHash = digest
	}
	return nil
}

// verifySignature is an ed25519-only check used by Verify, which receives
// a raw public key rather than a full Signer (a Chain only signs with its
// own signer but may need to verify entries produced by another user's
// signer when exchanging chains during a transaction).
func verifySignature(publicKey, message, signature []byte) bool {
	s := cryptoprim.Ed25519Signer{}
	return s.Verify(publicKey, message, signature)
}

// Head returns the current head sequence and hash.
func (c *Chain) Head() (uint64, [32]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(); err != nil {
		return 0, [32]byte{}, err
	}
	return c.headSeq, c.head, nil
}

// Serialize returns the entry as its canonical JSON wire form.
func Serialize(e Entry) ([]byte, error) {
	return json.Marshal(e)
}

// Deserialize parses an entry from its canonical JSON wire form.
func Deserialize(data []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, juiceerr.Wrap(juiceerr.KindHistoryTampered, err, "malformed entry")
	}
	return e, nil
}
