package wal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juicetokens/core/pkg/kv"
)

func TestAppendAssignsGapFreeSequence(t *testing.T) {
	j := New(kv.NewMemKV())

	r0, err := j.Append(OpTokenTransfer, "token-1", map[string]string{"to": "bob"})
	require.NoError(t, err)
	r1, err := j.Append(OpTokenTransfer, "token-1", map[string]string{"to": "carol"})
	require.NoError(t, err)

	assert.Equal(t, uint64(0), r0.Sequence)
	assert.Equal(t, uint64(1), r1.Sequence)
	assert.False(t, r0.Applied)
}

func TestMarkAppliedPersists(t *testing.T) {
	j := New(kv.NewMemKV())
	rec, err := j.Append(OpPersonalChainEntry, "alice", map[string]string{"kind": "Transaction"})
	require.NoError(t, err)

	require.NoError(t, j.MarkApplied(rec))

	loaded, err := j.Get(rec.Sequence)
	require.NoError(t, err)
	assert.True(t, loaded.Applied)
}

func TestReplayAppliesOnlyUnappliedRecordsInOrder(t *testing.T) {
	j := New(kv.NewMemKV())

	r0, err := j.Append(OpTokenTransfer, "token-1", map[string]string{"step": "0"})
	require.NoError(t, err)
	_, err = j.Append(OpTokenTransfer, "token-1", map[string]string{"step": "1"})
	require.NoError(t, err)

	require.NoError(t, j.MarkApplied(r0))

	var order []uint64
	n, err := j.Replay(func(rec Record) error {
		order = append(order, rec.Sequence)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint64{1}, order)
}

func TestReplayOnEmptyJournalIsNoop(t *testing.T) {
	j := New(kv.NewMemKV())
	n, err := j.Replay(func(rec Record) error {
		t.Fatal("apply should not be called on an empty journal")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestGetUnknownSequenceReturnsError(t *testing.T) {
	j := New(kv.NewMemKV())
	_, err := j.Get(42)
	require.Error(t, err)
}
