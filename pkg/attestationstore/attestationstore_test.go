package attestationstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAndQueryByTransaction(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	rec := Record{
		TransactionID: "tx-1",
		ValidatorID:   "validator-a",
		Outcome:       "COMMITTED",
		Shard:         ShardID(42),
		PublishedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.Publish(ctx, rec))

	result, err := store.Query(ctx, "tx-1", "")
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "COMMITTED", result.Records[0].Outcome)
}

func TestQueryFiltersExpiredRecords(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	rec := Record{
		TransactionID: "tx-2",
		Outcome:       "INCONCLUSIVE",
		ExpiresAt:     time.Now().Add(-time.Minute),
	}
	require.NoError(t, store.Publish(ctx, rec))

	result, err := store.Query(ctx, "tx-2", "")
	require.NoError(t, err)
	assert.Empty(t, result.Records)
}

func TestQueryShard(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Publish(ctx, Record{TransactionID: "tx-3", Shard: ShardID(7)}))
	require.NoError(t, store.Publish(ctx, Record{TransactionID: "tx-4", Shard: ShardID(7)}))
	require.NoError(t, store.Publish(ctx, Record{TransactionID: "tx-5", Shard: ShardID(9)}))

	result, err := store.QueryShard(ctx, ShardID(7), "")
	require.NoError(t, err)
	assert.Len(t, result.Records, 2)
}

func TestNewRequestIDIsUnique(t *testing.T) {
	a := NewRequestID()
	b := NewRequestID()
	assert.NotEqual(t, a, b)
}
