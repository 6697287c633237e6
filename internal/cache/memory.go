package cache

import (
	"context"
	"sync"

	"github.com/mosaicapps/outbox/internal/schema"
)

// Membership is a filtered view's criterion: records for which it returns
// false do not belong in partitions of that scope.
type Membership func(schema.Record) bool

// MemoryCache is an in-memory Cache with optional per-scope membership
// criteria and a buffered invalidation signal channel.
type MemoryCache struct {
	mu         sync.RWMutex
	partitions map[schema.PartitionKey][]schema.Record
	membership map[string]Membership

	invalidations chan string
}

// NewMemoryCache constructs an empty memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		partitions:    make(map[schema.PartitionKey][]schema.Record),
		membership:    make(map[string]Membership),
		invalidations: make(chan string, 64),
	}
}

// SetMembership registers the view criterion for a scope. Partitions of that
// scope drop records failing the criterion on EnforceMembership.
func (c *MemoryCache) SetMembership(scope string, fn Membership) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		delete(c.membership, scope)
		return
	}
	c.membership[scope] = fn
}

// Invalidations exposes the signal channel consumers watch to refetch
// derived views. Signals carry the owner id and are dropped when the buffer
// is full rather than blocking the reconciler.
func (c *MemoryCache) Invalidations() <-chan string {
	return c.invalidations
}

// List implements Cache.
func (c *MemoryCache) List(_ context.Context, key schema.PartitionKey) ([]schema.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	records := c.partitions[key]
	out := make([]schema.Record, len(records))
	copy(out, records)
	return out, nil
}

// Replace implements Cache.
func (c *MemoryCache) Replace(_ context.Context, key schema.PartitionKey, records []schema.Record) error {
	stored := make([]schema.Record, len(records))
	copy(stored, records)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partitions[key] = stored
	return nil
}

// Mutate implements Cache.
func (c *MemoryCache) Mutate(_ context.Context, key schema.PartitionKey, fn func([]schema.Record) []schema.Record) error {
	if fn == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.partitions[key]
	working := make([]schema.Record, len(current))
	copy(working, current)
	c.partitions[key] = fn(working)
	return nil
}

// Partitions implements Cache.
func (c *MemoryCache) Partitions(_ context.Context, ownerID string) ([]schema.PartitionKey, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var keys []schema.PartitionKey
	for key := range c.partitions {
		if key.OwnerID == ownerID {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// EnforceMembership implements Cache.
func (c *MemoryCache) EnforceMembership(_ context.Context, key schema.PartitionKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	criterion, ok := c.membership[key.Scope]
	if !ok {
		return nil
	}
	records := c.partitions[key]
	kept := records[:0]
	for _, record := range records {
		if criterion(record) {
			kept = append(kept, record)
		}
	}
	c.partitions[key] = kept
	return nil
}

// Invalidate implements Cache.
func (c *MemoryCache) Invalidate(_ context.Context, ownerID string) error {
	select {
	case c.invalidations <- ownerID:
	default:
	}
	return nil
}

var _ Cache = (*MemoryCache)(nil)
