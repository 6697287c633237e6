package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mosaicapps/outbox/internal/schema"
)

func TestListReturnsIsolatedCopies(t *testing.T) {
	memory := NewMemoryCache()
	ctx := context.Background()
	key := schema.PartitionKey{OwnerID: "user-1", Scope: "records"}

	require.NoError(t, memory.Replace(ctx, key, []schema.Record{{ID: "srv_1", Name: "original"}}))

	records, err := memory.List(ctx, key)
	require.NoError(t, err)
	records[0].Name = "mutated"

	again, err := memory.List(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "original", again[0].Name)
}

func TestMutateStoresFunctionResult(t *testing.T) {
	memory := NewMemoryCache()
	ctx := context.Background()
	key := schema.PartitionKey{OwnerID: "user-1", Scope: "records"}

	require.NoError(t, memory.Replace(ctx, key, []schema.Record{{ID: "srv_1"}}))
	require.NoError(t, memory.Mutate(ctx, key, func(records []schema.Record) []schema.Record {
		return append(records, schema.Record{ID: "srv_2"})
	}))

	records, err := memory.List(ctx, key)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestPartitionsFiltersByOwner(t *testing.T) {
	memory := NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, memory.Replace(ctx, schema.PartitionKey{OwnerID: "user-1", Scope: "a"}, nil))
	require.NoError(t, memory.Replace(ctx, schema.PartitionKey{OwnerID: "user-1", Scope: "b"}, nil))
	require.NoError(t, memory.Replace(ctx, schema.PartitionKey{OwnerID: "user-2", Scope: "a"}, nil))

	keys, err := memory.Partitions(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestEnforceMembershipPrunesFilteredViews(t *testing.T) {
	memory := NewMemoryCache()
	ctx := context.Background()
	key := schema.PartitionKey{OwnerID: "user-1", Scope: "active"}

	memory.SetMembership("active", func(record schema.Record) bool {
		return record.Status == "active"
	})
	require.NoError(t, memory.Replace(ctx, key, []schema.Record{
		{ID: "srv_1", Status: "active"},
		{ID: "srv_2", Status: "archived"},
	}))

	require.NoError(t, memory.EnforceMembership(ctx, key))
	records, err := memory.List(ctx, key)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "srv_1", records[0].ID)

	// Scopes without a criterion are untouched.
	plain := schema.PartitionKey{OwnerID: "user-1", Scope: "all"}
	require.NoError(t, memory.Replace(ctx, plain, []schema.Record{{ID: "srv_2"}}))
	require.NoError(t, memory.EnforceMembership(ctx, plain))
	records, err = memory.List(ctx, plain)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestInvalidateNeverBlocks(t *testing.T) {
	memory := NewMemoryCache()
	ctx := context.Background()

	// Nothing reads the channel; sends beyond the buffer are dropped.
	for i := 0; i < 200; i++ {
		require.NoError(t, memory.Invalidate(ctx, "user-1"))
	}

	select {
	case owner := <-memory.Invalidations():
		require.Equal(t, "user-1", owner)
	default:
		t.Fatal("expected buffered invalidation signals")
	}
}
