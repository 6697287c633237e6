package processor

import (
	"context"

	"github.com/mosaicapps/outbox/internal/cache"
	"github.com/mosaicapps/outbox/internal/observability"
	"github.com/mosaicapps/outbox/internal/schema"
)

// Reconciler folds confirmed remote results back into the local record cache
// so optimistic state converges on server truth. It also maintains the
// local-key to server-id mapping used to resolve later mutations of records
// that were created offline.
type Reconciler struct {
	cache cache.Cache
	ids   *idMap
}

// NewReconciler constructs a reconciler over the given cache.
func NewReconciler(recordCache cache.Cache) *Reconciler {
	return &Reconciler{cache: recordCache, ids: newIDMap()}
}

// ResolveID returns the server id recorded for the local key, if any.
func (r *Reconciler) ResolveID(localKey string) (string, bool) {
	return r.ids.lookup(localKey)
}

// ReconcileCreate swaps the optimistic placeholder for the server-returned
// record and records the local-key mapping. When the placeholder is gone the
// server record is appended so the confirmed state is never lost.
func (r *Reconciler) ReconcileCreate(ctx context.Context, entry schema.Entry, created schema.Record) error {
	created.LocalKey = entry.LocalKey
	created.Synced = true

	key := schema.PartitionKey{OwnerID: entry.OwnerID, Scope: entry.Scope}
	err := r.cache.Mutate(ctx, key, func(records []schema.Record) []schema.Record {
		replaced := false
		for i := range records {
			if records[i].ID == entry.TempID {
				records[i] = created
				replaced = true
				break
			}
		}
		if !replaced {
			records = append(records, created)
		}
		return dedupeByID(records)
	})
	if err != nil {
		return err
	}

	r.ids.record(entry.LocalKey, created.ID)
	observability.Log().Debug("reconciled create",
		observability.F("temp_id", entry.TempID),
		observability.F("server_id", created.ID))
	return r.cache.Invalidate(ctx, entry.OwnerID)
}

// ReconcileUpdate replaces the cached record with the authoritative result
// and re-applies the partition's membership criterion, so a record patched
// out of a filtered view disappears from it.
func (r *Reconciler) ReconcileUpdate(ctx context.Context, entry schema.Entry, updated schema.Record) error {
	if entry.LocalKey != "" {
		updated.LocalKey = entry.LocalKey
	}
	updated.Synced = true

	key := schema.PartitionKey{OwnerID: entry.OwnerID, Scope: entry.Scope}
	err := r.cache.Mutate(ctx, key, func(records []schema.Record) []schema.Record {
		for i := range records {
			if sameRecord(records[i], entry, updated.ID) {
				records[i] = updated
			}
		}
		return dedupeByID(records)
	})
	if err != nil {
		return err
	}
	if err := r.cache.EnforceMembership(ctx, key); err != nil {
		return err
	}

	r.ids.record(entry.LocalKey, updated.ID)
	return r.cache.Invalidate(ctx, entry.OwnerID)
}

// ReconcileDelete removes every cached copy of the record across all of the
// owner's partitions. Deletions sweep wide because the record may appear in
// several scoped views at once.
func (r *Reconciler) ReconcileDelete(ctx context.Context, entry schema.Entry, serverID string) error {
	keys, err := r.cache.Partitions(ctx, entry.OwnerID)
	if err != nil {
		return err
	}
	for _, key := range keys {
		err := r.cache.Mutate(ctx, key, func(records []schema.Record) []schema.Record {
			kept := records[:0]
			for _, record := range records {
				if sameRecord(record, entry, serverID) {
					continue
				}
				kept = append(kept, record)
			}
			return dedupeByID(kept)
		})
		if err != nil {
			return err
		}
	}

	r.ids.forget(entry.LocalKey)
	return r.cache.Invalidate(ctx, entry.OwnerID)
}

// RebuildMapping reconstructs the local-key index from the owner's cached
// records after a process restart. Stale soft-delete tombstones are swept out
// and duplicate server ids collapse to their first occurrence.
func (r *Reconciler) RebuildMapping(ctx context.Context, ownerID string) error {
	keys, err := r.cache.Partitions(ctx, ownerID)
	if err != nil {
		return err
	}
	for _, key := range keys {
		err := r.cache.Mutate(ctx, key, func(records []schema.Record) []schema.Record {
			kept := records[:0]
			for _, record := range records {
				if record.Deleted {
					continue
				}
				kept = append(kept, record)
			}
			return dedupeByID(kept)
		})
		if err != nil {
			return err
		}

		records, err := r.cache.List(ctx, key)
		if err != nil {
			return err
		}
		for _, record := range records {
			if record.LocalKey == "" || schema.IsTempID(record.ID) {
				continue
			}
			r.ids.record(record.LocalKey, record.ID)
		}
	}
	observability.Log().Debug("rebuilt id mapping", observability.F("owner_id", ownerID))
	return nil
}

// sameRecord matches a cached record against an entry's target by server id
// or, when the entry carries one, by local key.
func sameRecord(record schema.Record, entry schema.Entry, serverID string) bool {
	if serverID != "" && record.ID == serverID {
		return true
	}
	return entry.LocalKey != "" && record.LocalKey == entry.LocalKey
}

// dedupeByID keeps the first occurrence of each record id.
func dedupeByID(records []schema.Record) []schema.Record {
	seen := make(map[string]struct{}, len(records))
	kept := records[:0]
	for _, record := range records {
		if _, dup := seen[record.ID]; dup {
			continue
		}
		seen[record.ID] = struct{}{}
		kept = append(kept, record)
	}
	return kept
}
