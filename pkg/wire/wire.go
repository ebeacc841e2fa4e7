// Package wire implements the stable on-the-wire transaction envelope and
// Telomeer encodings, plus canonical-hash helpers for commitments.
// Grounded on pkg/commitment/commitment.go's canonicalize-then-hash
// convention, adapted here to a fixed binary frame layout instead of JSON
// since the four-packet protocol exchanges bytes directly over
// pkg/transport.Duplex rather than an HTTP/JSON boundary.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/juicetokens/core/pkg/cryptoprim"
	"github.com/juicetokens/core/pkg/token"
)

// Tag identifies the kind of body carried by a TransactionEnvelope,
// matching the five wire steps of the four-packet protocol plus an abort
// notification.
type Tag uint8

const (
	TagSeed Tag = iota + 1
	TagInitiation
	TagPreparation
	TagCommitment
	TagFinalization
	TagAbort
)

func (t Tag) String() string {
	switch t {
	case TagSeed:
		return "SEED"
	case TagInitiation:
		return "INITIATION"
	case TagPreparation:
		return "PREPARATION"
	case TagCommitment:
		return "COMMITMENT"
	case TagFinalization:
		return "FINALIZATION"
	case TagAbort:
		return "ABORT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// TransactionEnvelope is the framed unit exchanged over pkg/transport.Duplex:
// little-endian multi-byte integers, a length-prefixed body, and a tag in
// 1..6 identifying how to interpret the body.
type TransactionEnvelope struct {
	Tag           Tag
	TransactionID string
	Body          []byte
}

// Encode serializes e into its wire form:
//
//	[1 byte tag][4 bytes LE transaction id length][transaction id bytes]
//	[4 bytes LE body length][body bytes]
func Encode(e TransactionEnvelope) []byte {
	idBytes := []byte(e.TransactionID)
	buf := make([]byte, 0, 1+4+len(idBytes)+4+len(e.Body))

	buf = append(buf, byte(e.Tag))

	idLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(idLen, uint32(len(idBytes)))
	buf = append(buf, idLen...)
	buf = append(buf, idBytes...)

	bodyLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(bodyLen, uint32(len(e.Body)))
	buf = append(buf, bodyLen...)
	buf = append(buf, e.Body...)

	return buf
}

// Decode parses a TransactionEnvelope from its wire form, as produced by Encode.
func Decode(data []byte) (TransactionEnvelope, error) {
	if len(data) < 1+4 {
		return TransactionEnvelope{}, fmt.Errorf("wire: envelope too short")
	}
	tag := Tag(data[0])
	offset := 1

	idLen := binary.LittleEndian.Uint32(data[offset : offset+4])
	offset += 4
	if offset+int(idLen) > len(data) {
		return TransactionEnvelope{}, fmt.Errorf("wire: truncated transaction id")
	}
	txID := string(data[offset : offset+int(idLen)])
	offset += int(idLen)

	if offset+4 > len(data) {
		return TransactionEnvelope{}, fmt.Errorf("wire: missing body length")
	}
	bodyLen := binary.LittleEndian.Uint32(data[offset : offset+4])
	offset += 4
	if offset+int(bodyLen) > len(data) {
		return TransactionEnvelope{}, fmt.Errorf("wire: truncated body")
	}
	body := data[offset : offset+int(bodyLen)]

	return TransactionEnvelope{Tag: tag, TransactionID: txID, Body: append([]byte{}, body...)}, nil
}

// EncodeTelomeer encodes a full token.Telomeer:
//
//	[4 bytes LE current-owner length][current-owner bytes]
//	[32 bytes hash_previous_owner]
//	[varint history count]{[32 bytes hash][varint folded_owners]}...
//	[varint sequence]
//
// hash_previous_owner travels alongside HashHistory because it is the one
// piece of the chain a composite (folded) HashHistory entry can no longer
// expose on its own: it always names the immediately preceding owner, even
// once that owner's hash has been folded into a multi-owner entry.
func EncodeTelomeer(t token.Telomeer) []byte {
	var buf bytes.Buffer

	ownerBytes := []byte(t.CurrentOwner)
	ownerLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(ownerLen, uint32(len(ownerBytes)))
	buf.Write(ownerLen)
	buf.Write(ownerBytes)

	buf.Write(t.HashPreviousOwner[:])

	var varintBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(varintBuf[:], uint64(len(t.HashHistory)))
	buf.Write(varintBuf[:n])
	for _, entry := range t.HashHistory {
		buf.Write(entry.Hash[:])
		n := binary.PutUvarint(varintBuf[:], uint64(entry.FoldedOwners))
		buf.Write(varintBuf[:n])
	}

	n = binary.PutUvarint(varintBuf[:], t.Sequence)
	buf.Write(varintBuf[:n])

	return buf.Bytes()
}

// DecodeTelomeer parses the encoding produced by EncodeTelomeer.
func DecodeTelomeer(data []byte) (token.Telomeer, error) {
	r := bytes.NewReader(data)

	var ownerLenBuf [4]byte
	if _, err := io.ReadFull(r, ownerLenBuf[:]); err != nil {
		return token.Telomeer{}, fmt.Errorf("wire: reading current owner length: %w", err)
	}
	ownerLen := binary.LittleEndian.Uint32(ownerLenBuf[:])
	ownerBytes := make([]byte, ownerLen)
	if _, err := io.ReadFull(r, ownerBytes); err != nil {
		return token.Telomeer{}, fmt.Errorf("wire: reading current owner: %w", err)
	}

	var prevOwner [32]byte
	if _, err := io.ReadFull(r, prevOwner[:]); err != nil {
		return token.Telomeer{}, fmt.Errorf("wire: reading hash_previous_owner: %w", err)
	}

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return token.Telomeer{}, fmt.Errorf("wire: reading history count: %w", err)
	}
	history := make([]token.HistoryEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		var h [32]byte
		if _, err := io.ReadFull(r, h[:]); err != nil {
			return token.Telomeer{}, fmt.Errorf("wire: reading history entry %d hash: %w", i, err)
		}
		folded, err := binary.ReadUvarint(r)
		if err != nil {
			return token.Telomeer{}, fmt.Errorf("wire: reading history entry %d folded_owners: %w", i, err)
		}
		history = append(history, token.HistoryEntry{Hash: h, FoldedOwners: int(folded)})
	}

	sequence, err := binary.ReadUvarint(r)
	if err != nil {
		return token.Telomeer{}, fmt.Errorf("wire: reading sequence: %w", err)
	}

	return token.Telomeer{
		CurrentOwner:      string(ownerBytes),
		HashPreviousOwner: prevOwner,
		HashHistory:       history,
		Sequence:          sequence,
	}, nil
}

// CanonicalizeJSON re-marshals v with map keys sorted recursively, so the
// resulting bytes hash identically regardless of original field order.
// Grounded on pkg/commitment.CanonicalizeJSON.
func CanonicalizeJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(canonicalizeValue(generic))
}

func canonicalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, kvPair{k, canonicalizeValue(val[k])})
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = canonicalizeValue(item)
		}
		return out
	default:
		return val
	}
}

// kvPair/orderedMap implement json.Marshaler to emit object keys in a fixed
// (already-sorted) order, since encoding/json otherwise re-sorts map[string]
// keys itself but offers no hook to control arbitrary nested ordering
// explicitly — making the intent visible here rather than relying on that
// implicit behavior.
type kvPair struct {
	Key   string
	Value interface{}
}

type orderedMap []kvPair

func (m orderedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(p.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := json.Marshal(p.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// HashCanonical returns the SHA-256 hash of v's canonical JSON form.
func HashCanonical(v interface{}) ([32]byte, error) {
	data, err := CanonicalizeJSON(v)
	if err != nil {
		return [32]byte{}, err
	}
	return cryptoprim.Hash(data), nil
}
