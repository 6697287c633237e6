// Package outbox provides the durable, versioned queue of pending mutations.
//
// Entries live as one serialized list in a key-value blob store, alongside a
// schema-version marker. Every mutating method performs a full
// read-modify-write of the list; an in-process mutex serializes those cycles.
// Multi-process access to the same blob requires external locking and is out
// of scope here.
package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/mosaicapps/outbox/errs"
	"github.com/mosaicapps/outbox/internal/kv"
	"github.com/mosaicapps/outbox/internal/observability"
	"github.com/mosaicapps/outbox/internal/schema"
)

const (
	entriesKey = "outbox/entries"
	versionKey = "outbox/version"
)

// Stats counts entries by status for observability and UI badges.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Paused     int `json:"paused"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// EntryPatch describes a partial update of a stored entry. Nil fields are
// left untouched; pointed-to zero values clear the target field.
type EntryPatch struct {
	Status        *schema.Status
	Attempts      *int
	LastAttemptAt *int64
	LastError     *string
}

type versionMarker struct {
	Version int `json:"version"`
}

// Store is the durable queue store.
type Store struct {
	kv    kv.Store
	mu    sync.Mutex
	clock func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewStore constructs a queue store over the provided blob store.
func NewStore(blobs kv.Store, opts ...Option) *Store {
	s := &Store{kv: blobs, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Enqueue validates the entry, assigns identity and bookkeeping fields,
// appends it to the persisted list, and verifies the write with a read back.
// A verification failure returns a durability error; the caller must treat
// it as "not queued".
func (s *Store) Enqueue(ctx context.Context, entry schema.Entry) (schema.Entry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.GroupKey == "" {
		entry.GroupKey = entry.LocalKey
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = s.clock().UnixMilli()
	}
	if entry.Status == "" {
		entry.Status = schema.StatusPending
	}
	entry.SchemaVersion = schema.Version

	if err := entry.Validate(); err != nil {
		return schema.Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load(ctx)
	if err != nil {
		return schema.Entry{}, err
	}
	entries = append(entries, entry)
	if err := s.save(ctx, entries); err != nil {
		return schema.Entry{}, errs.New("outbox/enqueue", errs.CodeDurability,
			errs.WithMessage("persist queue entry"), errs.WithCause(err))
	}

	// Round-trip verification: the enqueue is complete only once the entry
	// is observable in a fresh read of the persisted list.
	verify, err := s.load(ctx)
	if err != nil {
		return schema.Entry{}, errs.New("outbox/enqueue", errs.CodeDurability,
			errs.WithMessage("verify queue write"), errs.WithCause(err))
	}
	for _, candidate := range verify {
		if candidate.ID == entry.ID {
			observability.Log().Debug("outbox entry enqueued",
				observability.F("entry_id", entry.ID),
				observability.F("kind", string(entry.Kind)),
				observability.F("group_key", entry.GroupKey))
			return entry, nil
		}
	}
	return schema.Entry{}, errs.New("outbox/enqueue", errs.CodeDurability,
		errs.WithMessage("queue write not visible after read back"))
}

// Pending returns all entries with status Pending or Processing, sorted
// ascending by creation time.
func (s *Store) Pending(ctx context.Context) ([]schema.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pendingLocked(ctx)
}

func (s *Store) pendingLocked(ctx context.Context) ([]schema.Entry, error) {
	entries, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	var pending []schema.Entry
	for _, entry := range entries {
		if entry.Status == schema.StatusPending || entry.Status == schema.StatusProcessing {
			pending = append(pending, entry)
		}
	}
	sortByCreation(pending)
	return pending, nil
}

// GroupedByEntity partitions pending entries by group key, each partition
// sorted ascending by creation time.
func (s *Store) GroupedByEntity(ctx context.Context) (map[string][]schema.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.pendingLocked(ctx)
	if err != nil {
		return nil, err
	}
	groups := make(map[string][]schema.Entry)
	for _, entry := range pending {
		groups[entry.GroupKey] = append(groups[entry.GroupKey], entry)
	}
	return groups, nil
}

// PausedByGroup partitions quarantined-paused entries by group key. The
// processor consults it so a paused entry keeps blocking later entries of
// its group until an operator resolves it.
func (s *Store) PausedByGroup(ctx context.Context) (map[string][]schema.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	groups := make(map[string][]schema.Entry)
	for _, entry := range entries {
		if entry.Status == schema.StatusPaused {
			groups[entry.GroupKey] = append(groups[entry.GroupKey], entry)
		}
	}
	for key := range groups {
		sortByCreation(groups[key])
	}
	return groups, nil
}

// GetByID returns the stored entry and whether it exists.
func (s *Store) GetByID(ctx context.Context, id string) (schema.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load(ctx)
	if err != nil {
		return schema.Entry{}, false, err
	}
	for _, entry := range entries {
		if entry.ID == id {
			return entry, true, nil
		}
	}
	return schema.Entry{}, false, nil
}

// Update merges the patch into the stored entry. A missing id is a warning,
// not an error: the entry may have been removed by a concurrent success.
func (s *Store) Update(ctx context.Context, id string, patch EntryPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load(ctx)
	if err != nil {
		return err
	}
	for i := range entries {
		if entries[i].ID != id {
			continue
		}
		applyPatch(&entries[i], patch)
		return s.save(ctx, entries)
	}
	observability.Log().Info("outbox update skipped, entry not found",
		observability.F("entry_id", id))
	return nil
}

// Remove deletes the entry. A missing id is a warning, not an error.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load(ctx)
	if err != nil {
		return err
	}
	for i := range entries {
		if entries[i].ID != id {
			continue
		}
		entries = append(entries[:i], entries[i+1:]...)
		return s.save(ctx, entries)
	}
	observability.Log().Info("outbox remove skipped, entry not found",
		observability.F("entry_id", id))
	return nil
}

// Stats returns entry counts by status and publishes them as gauges.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load(ctx)
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	for _, entry := range entries {
		stats.Total++
		switch entry.Status {
		case schema.StatusPending:
			stats.Pending++
		case schema.StatusProcessing:
			stats.Processing++
		case schema.StatusPaused:
			stats.Paused++
		case schema.StatusFailed:
			stats.Failed++
		}
	}
	telemetry := observability.Telemetry()
	telemetry.SetGauge("outbox_entries_pending", float64(stats.Pending), nil)
	telemetry.SetGauge("outbox_entries_processing", float64(stats.Processing), nil)
	telemetry.SetGauge("outbox_entries_paused", float64(stats.Paused), nil)
	telemetry.SetGauge("outbox_entries_failed", float64(stats.Failed), nil)
	telemetry.SetGauge("outbox_entries_total", float64(stats.Total), nil)
	return stats, nil
}

// Failed returns all quarantined entries sorted ascending by creation time.
func (s *Store) Failed(ctx context.Context) ([]schema.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	var failed []schema.Entry
	for _, entry := range entries {
		if entry.Status == schema.StatusFailed {
			failed = append(failed, entry)
		}
	}
	sortByCreation(failed)
	return failed, nil
}

// RetryFailed resets a quarantined entry to Pending with a fresh attempt
// budget. It is a no-op with a warning when the entry is missing or not in
// Failed status.
func (s *Store) RetryFailed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load(ctx)
	if err != nil {
		return err
	}
	for i := range entries {
		if entries[i].ID != id {
			continue
		}
		if entries[i].Status != schema.StatusFailed {
			observability.Log().Info("outbox retry skipped, entry not failed",
				observability.F("entry_id", id),
				observability.F("status", string(entries[i].Status)))
			return nil
		}
		resetForRetry(&entries[i])
		return s.save(ctx, entries)
	}
	observability.Log().Info("outbox retry skipped, entry not found",
		observability.F("entry_id", id))
	return nil
}

// DiscardFailed removes a quarantined entry. It is a no-op with a warning
// when the entry is missing or not in Failed status.
func (s *Store) DiscardFailed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load(ctx)
	if err != nil {
		return err
	}
	for i := range entries {
		if entries[i].ID != id {
			continue
		}
		if entries[i].Status != schema.StatusFailed {
			observability.Log().Info("outbox discard skipped, entry not failed",
				observability.F("entry_id", id),
				observability.F("status", string(entries[i].Status)))
			return nil
		}
		entries = append(entries[:i], entries[i+1:]...)
		return s.save(ctx, entries)
	}
	observability.Log().Info("outbox discard skipped, entry not found",
		observability.F("entry_id", id))
	return nil
}

// RetryAllFailed resets every quarantined entry to Pending and returns the
// number of entries reset.
func (s *Store) RetryAllFailed(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for i := range entries {
		if entries[i].Status != schema.StatusFailed {
			continue
		}
		resetForRetry(&entries[i])
		count++
	}
	if count == 0 {
		return 0, nil
	}
	if err := s.save(ctx, entries); err != nil {
		return 0, err
	}
	return count, nil
}

// DiscardAllFailed removes every quarantined entry and returns the number
// of entries removed.
func (s *Store) DiscardAllFailed(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	kept := entries[:0]
	count := 0
	for _, entry := range entries {
		if entry.Status == schema.StatusFailed {
			count++
			continue
		}
		kept = append(kept, entry)
	}
	if count == 0 {
		return 0, nil
	}
	if err := s.save(ctx, kept); err != nil {
		return 0, err
	}
	return count, nil
}

// Clear wipes all entries. Used by tests and forced resets.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, nil)
}

// load reads the persisted entry list, applying the schema-version policy:
// a missing marker is initialized; any version mismatch (older or newer)
// clears the queue, since entries are retryable intent rather than a source
// of truth; individual entries with a stale version are filtered out and the
// filtered list persisted back.
func (s *Store) load(ctx context.Context) ([]schema.Entry, error) {
	stored, err := s.loadVersion(ctx)
	if err != nil {
		return nil, err
	}
	if stored != schema.Version {
		if stored != 0 {
			observability.Log().Info("outbox schema version mismatch, clearing queue",
				observability.F("stored", stored),
				observability.F("current", schema.Version))
			if err := s.save(ctx, nil); err != nil {
				return nil, err
			}
		}
		if err := s.saveVersion(ctx); err != nil {
			return nil, err
		}
		if stored != 0 {
			return nil, nil
		}
	}

	raw, err := s.kv.Get(ctx, entriesKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var entries []schema.Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errs.New("outbox/load", errs.CodeInvalid,
			errs.WithMessage("decode queue blob"), errs.WithCause(err))
	}

	// Defense against partially migrated data: drop entries whose own tag
	// disagrees with the current version and persist the filtered list.
	kept := entries[:0]
	dropped := 0
	for _, entry := range entries {
		if entry.SchemaVersion != schema.Version {
			dropped++
			continue
		}
		kept = append(kept, entry)
	}
	if dropped > 0 {
		observability.Log().Info("outbox dropped stale-version entries",
			observability.F("dropped", dropped))
		if err := s.save(ctx, kept); err != nil {
			return nil, err
		}
	}
	return kept, nil
}

func (s *Store) save(ctx context.Context, entries []schema.Entry) error {
	if entries == nil {
		entries = []schema.Entry{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return errs.New("outbox/save", errs.CodeInvalid,
			errs.WithMessage("encode queue blob"), errs.WithCause(err))
	}
	return s.kv.Set(ctx, entriesKey, raw)
}

// loadVersion returns the stored schema version, or 0 when no marker exists.
func (s *Store) loadVersion(ctx context.Context) (int, error) {
	raw, err := s.kv.Get(ctx, versionKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var marker versionMarker
	if err := json.Unmarshal(raw, &marker); err != nil {
		return 0, errs.New("outbox/load", errs.CodeInvalid,
			errs.WithMessage("decode version marker"), errs.WithCause(err))
	}
	return marker.Version, nil
}

func (s *Store) saveVersion(ctx context.Context) error {
	raw, err := json.Marshal(versionMarker{Version: schema.Version})
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, versionKey, raw)
}

func applyPatch(entry *schema.Entry, patch EntryPatch) {
	if patch.Status != nil {
		entry.Status = *patch.Status
	}
	if patch.Attempts != nil {
		entry.Attempts = *patch.Attempts
	}
	if patch.LastAttemptAt != nil {
		entry.LastAttemptAt = *patch.LastAttemptAt
	}
	if patch.LastError != nil {
		entry.LastError = *patch.LastError
	}
}

func resetForRetry(entry *schema.Entry) {
	entry.Status = schema.StatusPending
	entry.Attempts = 0
	entry.LastAttemptAt = 0
	entry.LastError = ""
}

func sortByCreation(entries []schema.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt < entries[j].CreatedAt
	})
}
