package processor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mosaicapps/outbox/internal/cache"
	"github.com/mosaicapps/outbox/internal/schema"
)

func TestReconcileCreateAppendsWhenPlaceholderMissing(t *testing.T) {
	memory := cache.NewMemoryCache()
	rec := NewReconciler(memory)
	ctx := context.Background()

	entry := createEntry("a1", "user-1")
	created := schema.Record{ID: "srv_a1", OwnerID: "user-1", Scope: "records"}
	require.NoError(t, rec.ReconcileCreate(ctx, entry, created))

	records, err := memory.List(ctx, schema.PartitionKey{OwnerID: "user-1", Scope: "records"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "srv_a1", records[0].ID)
	require.Equal(t, "a1", records[0].LocalKey)
	require.True(t, records[0].Synced)

	select {
	case owner := <-memory.Invalidations():
		require.Equal(t, "user-1", owner)
	default:
		t.Fatal("expected an invalidation signal")
	}
}

func TestReconcileUpdateEnforcesViewMembership(t *testing.T) {
	memory := cache.NewMemoryCache()
	memory.SetMembership("active-records", func(record schema.Record) bool {
		return record.Status == "active"
	})
	rec := NewReconciler(memory)
	ctx := context.Background()

	key := schema.PartitionKey{OwnerID: "user-1", Scope: "active-records"}
	require.NoError(t, memory.Replace(ctx, key, []schema.Record{
		{ID: "srv_1", LocalKey: "a1", Status: "active"},
		{ID: "srv_2", Status: "active"},
	}))

	entry := updateEntry("a1", "", "user-1")
	entry.Scope = "active-records"
	updated := schema.Record{ID: "srv_1", Status: "archived"}
	require.NoError(t, rec.ReconcileUpdate(ctx, entry, updated))

	records, err := memory.List(ctx, key)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "srv_2", records[0].ID)
}

func TestReconcileDeleteSweepsAllOwnerPartitions(t *testing.T) {
	memory := cache.NewMemoryCache()
	rec := NewReconciler(memory)
	ctx := context.Background()

	first := schema.PartitionKey{OwnerID: "user-1", Scope: "records"}
	second := schema.PartitionKey{OwnerID: "user-1", Scope: "recent"}
	other := schema.PartitionKey{OwnerID: "user-2", Scope: "records"}
	require.NoError(t, memory.Replace(ctx, first, []schema.Record{
		{ID: "srv_1", LocalKey: "a1"}, {ID: "srv_2"},
	}))
	require.NoError(t, memory.Replace(ctx, second, []schema.Record{{ID: "srv_1", LocalKey: "a1"}}))
	require.NoError(t, memory.Replace(ctx, other, []schema.Record{{ID: "srv_1"}}))

	entry := schema.Entry{Kind: schema.KindDelete, LocalKey: "a1", OwnerID: "user-1", Scope: "records",
		Delete: &schema.DeletePayload{}}
	require.NoError(t, rec.ReconcileDelete(ctx, entry, "srv_1"))

	records, err := memory.List(ctx, first)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "srv_2", records[0].ID)

	records, err = memory.List(ctx, second)
	require.NoError(t, err)
	require.Empty(t, records)

	// Other owners are untouched.
	records, err = memory.List(ctx, other)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestRebuildMappingSweepsTombstonesAndDuplicates(t *testing.T) {
	memory := cache.NewMemoryCache()
	rec := NewReconciler(memory)
	ctx := context.Background()

	key := schema.PartitionKey{OwnerID: "user-1", Scope: "records"}
	require.NoError(t, memory.Replace(ctx, key, []schema.Record{
		{ID: "srv_1", LocalKey: "a1"},
		{ID: "srv_1", LocalKey: "a1"},
		{ID: "srv_2", LocalKey: "a2", Deleted: true},
		{ID: schema.TempIDPrefix + "a3", LocalKey: "a3"},
	}))

	require.NoError(t, rec.RebuildMapping(ctx, "user-1"))

	records, err := memory.List(ctx, key)
	require.NoError(t, err)
	require.Len(t, records, 2)

	id, ok := rec.ResolveID("a1")
	require.True(t, ok)
	require.Equal(t, "srv_1", id)

	_, ok = rec.ResolveID("a2")
	require.False(t, ok)

	// Placeholder ids never enter the mapping.
	_, ok = rec.ResolveID("a3")
	require.False(t, ok)
}
