// Package cache defines the queryable local view of records the outbox
// reconciles optimistic state into.
package cache

import (
	"context"

	"github.com/mosaicapps/outbox/internal/schema"
)

// Cache is a mutable, partitioned view of records keyed by (owner, scope).
//
// The reconciler is the only outbox component that mutates it; UI layers
// read from it and watch invalidation signals to refresh derived views such
// as counts.
type Cache interface {
	// List returns a copy of the partition's records.
	List(ctx context.Context, key schema.PartitionKey) ([]schema.Record, error)
	// Replace swaps the partition's contents wholesale.
	Replace(ctx context.Context, key schema.PartitionKey, records []schema.Record) error
	// Mutate applies fn to the partition's records and stores the result.
	// fn receives a copy and returns the records to keep.
	Mutate(ctx context.Context, key schema.PartitionKey, fn func([]schema.Record) []schema.Record) error
	// Partitions lists every partition currently cached for the owner.
	Partitions(ctx context.Context, ownerID string) ([]schema.PartitionKey, error)
	// EnforceMembership removes records that no longer satisfy the
	// partition's view criterion, if the partition represents a filtered view.
	EnforceMembership(ctx context.Context, key schema.PartitionKey) error
	// Invalidate signals consumers that derived views for the owner are
	// stale and should be refetched.
	Invalidate(ctx context.Context, ownerID string) error
}
