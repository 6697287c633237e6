// Package processor drains the durable mutation queue against the remote
// record service and reconciles confirmed results into the local cache.
package processor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/mosaicapps/outbox/errs"
	"github.com/mosaicapps/outbox/internal/observability"
	"github.com/mosaicapps/outbox/internal/outbox"
	"github.com/mosaicapps/outbox/internal/remote"
	"github.com/mosaicapps/outbox/internal/schema"
)

// Config bounds the drain loop.
type Config struct {
	// MaxConcurrentGroups caps how many ordering groups drain in parallel.
	MaxConcurrentGroups int
	// MaxAttempts is the per-entry retry budget before quarantine.
	MaxAttempts int
	// BackoffBase is the delay after the first failed attempt.
	BackoffBase time.Duration
	// BackoffCap bounds the exponential growth of the retry delay.
	BackoffCap time.Duration
}

func (c Config) normalize() Config {
	if c.MaxConcurrentGroups <= 0 {
		c.MaxConcurrentGroups = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	return c
}

// Result summarizes one drain pass. A pass rejected by the single-flight
// guard reports all zeros.
type Result struct {
	Processed int
	Succeeded int
	Failed    int
	Skipped   int
}

func (r *Result) merge(other Result) {
	r.Processed += other.Processed
	r.Succeeded += other.Succeeded
	r.Failed += other.Failed
	r.Skipped += other.Skipped
}

// Processor replays queued mutations with per-group FIFO ordering, a global
// group-concurrency ceiling, exponential retry backoff, and permanent-failure
// quarantine.
type Processor struct {
	store      *outbox.Store
	remote     remote.Client
	reconciler *Reconciler
	cfg        Config

	notices    observability.NotificationBus
	deadLetter *observability.DeadLetterLog
	clock      func() time.Time
	owner      func() string

	busy    atomic.Bool
	aborted atomic.Bool
}

// ProcOption configures a Processor.
type ProcOption func(*Processor)

// WithConfig overrides the default drain limits.
func WithConfig(cfg Config) ProcOption {
	return func(p *Processor) { p.cfg = cfg }
}

// WithNotificationBus attaches the bus that receives permanent-failure
// notices.
func WithNotificationBus(bus observability.NotificationBus) ProcOption {
	return func(p *Processor) { p.notices = bus }
}

// WithDeadLetterLog attaches the polled retention log for failure notices.
func WithDeadLetterLog(log *observability.DeadLetterLog) ProcOption {
	return func(p *Processor) { p.deadLetter = log }
}

// WithOwnerResolver installs the routing-context lookup. When set, a drain
// pass covers only that owner's entries, and an empty owner means there is
// nothing safe to process.
func WithOwnerResolver(resolve func() string) ProcOption {
	return func(p *Processor) { p.owner = resolve }
}

// WithProcessorClock overrides the wall clock, used by tests.
func WithProcessorClock(clock func() time.Time) ProcOption {
	return func(p *Processor) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// New constructs a processor draining store against client, reconciling into
// rec.
func New(store *outbox.Store, client remote.Client, rec *Reconciler, opts ...ProcOption) *Processor {
	p := &Processor{
		store:      store,
		remote:     client,
		reconciler: rec,
		clock:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.cfg = p.cfg.normalize()
	return p
}

// Reconciler exposes the processor's reconciler.
func (p *Processor) Reconciler() *Reconciler {
	return p.reconciler
}

// RebuildMapping re-derives the local-key index from the owner's cached
// records. Call it once at process start, before the first drain.
func (p *Processor) RebuildMapping(ctx context.Context, ownerID string) error {
	return p.reconciler.RebuildMapping(ctx, ownerID)
}

// Abort requests a cooperative stop of the drain pass in flight. Entries not
// yet dispatched are counted as skipped; the in-flight remote call finishes.
func (p *Processor) Abort() {
	p.aborted.Store(true)
}

// Process runs one drain pass. Only one pass runs at a time: a call arriving
// while another is in flight returns a zero Result immediately.
func (p *Processor) Process(ctx context.Context) (Result, error) {
	if !p.busy.CompareAndSwap(false, true) {
		observability.Log().Debug("drain already in flight, skipping")
		return Result{}, nil
	}
	defer p.busy.Store(false)
	p.aborted.Store(false)

	owner := ""
	if p.owner != nil {
		owner = p.owner()
		if owner == "" {
			observability.Log().Debug("no routing context, skipping drain")
			return Result{}, nil
		}
	}

	groups, err := p.store.GroupedByEntity(ctx)
	if err != nil {
		return Result{}, err
	}
	if owner != "" {
		groups = filterByOwner(groups, owner)
	}
	if len(groups) == 0 {
		return Result{}, nil
	}
	pausedGroups, err := p.store.PausedByGroup(ctx)
	if err != nil {
		return Result{}, err
	}

	var (
		mu    sync.Mutex
		total Result
	)
	workers := pool.New().WithMaxGoroutines(p.cfg.MaxConcurrentGroups)
	for key, entries := range groups {
		key, entries := key, entries
		workers.Go(func() {
			partial := p.processGroup(ctx, entries, pausedGroups[key])
			mu.Lock()
			total.merge(partial)
			mu.Unlock()
		})
	}
	workers.Wait()

	telemetry := observability.Telemetry()
	telemetry.IncCounter("processor_entries_processed", float64(total.Processed), nil)
	telemetry.IncCounter("processor_entries_succeeded", float64(total.Succeeded), nil)
	telemetry.IncCounter("processor_entries_failed", float64(total.Failed), nil)
	telemetry.IncCounter("processor_entries_skipped", float64(total.Skipped), nil)
	observability.Log().Info("drain pass complete",
		observability.F("processed", total.Processed),
		observability.F("succeeded", total.Succeeded),
		observability.F("failed", total.Failed),
		observability.F("skipped", total.Skipped))
	return total, nil
}

func filterByOwner(groups map[string][]schema.Entry, owner string) map[string][]schema.Entry {
	filtered := make(map[string][]schema.Entry, len(groups))
	for key, entries := range groups {
		if len(entries) > 0 && entries[0].OwnerID == owner {
			filtered[key] = entries
		}
	}
	return filtered
}

// processGroup replays one ordering group sequentially. An entry that stays
// unresolved (backoff pending, transient failure, quarantine pause) blocks
// every later entry of the group; a quarantined-failed entry counts as
// resolved and unblocks the rest.
func (p *Processor) processGroup(ctx context.Context, entries []schema.Entry, paused []schema.Entry) Result {
	var result Result

	// A pre-existing paused entry blocks everything enqueued after it.
	blockedFrom := int64(-1)
	for _, entry := range paused {
		if blockedFrom < 0 || entry.CreatedAt < blockedFrom {
			blockedFrom = entry.CreatedAt
		}
	}

	blocked := false
	for _, entry := range entries {
		if p.aborted.Load() || ctx.Err() != nil {
			result.Skipped++
			continue
		}
		if blocked || (blockedFrom >= 0 && entry.CreatedAt >= blockedFrom) {
			result.Skipped++
			continue
		}
		if !p.eligible(entry) {
			result.Skipped++
			blocked = true
			continue
		}

		result.Processed++
		if err := p.attempt(ctx, entry); err != nil {
			result.Failed++
			if !p.recordFailure(ctx, entry, err) {
				blocked = true
			}
			continue
		}
		result.Succeeded++
	}
	return result
}

// eligible applies the retry gate: live status, attempt budget remaining, and
// the exponential backoff window elapsed since the last attempt.
func (p *Processor) eligible(entry schema.Entry) bool {
	if entry.Status.Terminal() {
		return false
	}
	if entry.Attempts >= p.cfg.MaxAttempts {
		return false
	}
	if entry.Attempts == 0 || entry.LastAttemptAt == 0 {
		return true
	}
	elapsed := p.clock().UnixMilli() - entry.LastAttemptAt
	return elapsed >= p.backoffDelay(entry.Attempts).Milliseconds()
}

// backoffDelay doubles per attempt from the base, bounded by the cap.
func (p *Processor) backoffDelay(attempts int) time.Duration {
	delay := p.cfg.BackoffBase
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= p.cfg.BackoffCap {
			return p.cfg.BackoffCap
		}
	}
	return delay
}

// attempt marks the entry in flight, dispatches it by kind, and removes it
// from the queue on success after reconciliation.
func (p *Processor) attempt(ctx context.Context, entry schema.Entry) error {
	processing := schema.StatusProcessing
	if err := p.store.Update(ctx, entry.ID, outbox.EntryPatch{Status: &processing}); err != nil {
		return err
	}

	if err := p.dispatch(ctx, entry); err != nil {
		return err
	}
	return p.store.Remove(ctx, entry.ID)
}

func (p *Processor) dispatch(ctx context.Context, entry schema.Entry) error {
	switch entry.Kind {
	case schema.KindCreate:
		record := entry.Create.Record
		record.LocalKey = entry.LocalKey
		record.OwnerID = entry.OwnerID
		record.Scope = entry.Scope
		created, err := p.remote.CreateRecord(ctx, record, entry.ClientRequestID)
		if err != nil {
			return err
		}
		return p.reconciler.ReconcileCreate(ctx, entry, created)

	case schema.KindUpdate:
		id, err := p.resolveTargetID(ctx, entry, entry.Update.TargetID)
		if err != nil {
			return err
		}
		updated, err := p.remote.UpdateRecord(ctx, id, entry.Update.Patch)
		if err != nil {
			return err
		}
		if updated == nil {
			// Target already gone server-side: success without reconciliation.
			observability.Log().Info("update target gone, dropping entry",
				observability.F("entry_id", entry.ID))
			return nil
		}
		return p.reconciler.ReconcileUpdate(ctx, entry, *updated)

	case schema.KindDelete:
		id, err := p.resolveTargetID(ctx, entry, entry.Delete.TargetID)
		if err != nil {
			return err
		}
		if err := p.remote.DeleteRecord(ctx, id); err != nil {
			return err
		}
		return p.reconciler.ReconcileDelete(ctx, entry, id)

	case schema.KindBulkCreate:
		return errs.NotImplemented("processor/dispatch", "bulk create is not implemented")

	default:
		return errs.New("processor/dispatch", errs.CodeInvalid,
			errs.WithMessage("unknown entry kind"))
	}
}

// resolveTargetID maps the entry to its server-side record id: an explicit
// target id wins, then the in-memory local-key index, then a scan of the
// entry's cache partition. Resolution failures go through the normal retry
// machinery since a pending create in the same group may supply the mapping
// on a later pass.
func (p *Processor) resolveTargetID(ctx context.Context, entry schema.Entry, targetID string) (string, error) {
	if targetID != "" && !schema.IsTempID(targetID) {
		return targetID, nil
	}
	if entry.LocalKey == "" {
		return "", errs.New("processor/resolve", errs.CodeIdentity,
			errs.WithMessage("entry has neither server id nor local key"))
	}
	if id, ok := p.reconciler.ResolveID(entry.LocalKey); ok {
		return id, nil
	}

	key := schema.PartitionKey{OwnerID: entry.OwnerID, Scope: entry.Scope}
	records, err := p.reconciler.cache.List(ctx, key)
	if err != nil {
		return "", err
	}
	for _, record := range records {
		if record.LocalKey == entry.LocalKey && !schema.IsTempID(record.ID) {
			p.reconciler.ids.record(entry.LocalKey, record.ID)
			return record.ID, nil
		}
	}
	return "", errs.New("processor/resolve", errs.CodeIdentity,
		errs.WithMessage("no server id known for local key "+entry.LocalKey))
}

// recordFailure applies the retry policy after a failed attempt and persists
// the transition. It returns true only when the entry reached Failed, which
// resolves it for ordering purposes and unblocks the rest of its group.
func (p *Processor) recordFailure(ctx context.Context, entry schema.Entry, cause error) bool {
	attempts := entry.Attempts + 1
	now := p.clock().UnixMilli()
	lastError := cause.Error()

	status := schema.StatusPending
	switch {
	case attempts >= p.cfg.MaxAttempts:
		status = schema.StatusFailed
	case !errs.Retryable(cause):
		status = schema.StatusPaused
	}

	patch := outbox.EntryPatch{
		Status:        &status,
		Attempts:      &attempts,
		LastAttemptAt: &now,
		LastError:     &lastError,
	}
	if err := p.store.Update(ctx, entry.ID, patch); err != nil {
		observability.Log().Error("persist failure state",
			observability.F("entry_id", entry.ID),
			observability.F("error", err.Error()))
		return false
	}

	observability.Log().Warn("entry attempt failed",
		observability.F("entry_id", entry.ID),
		observability.F("group_key", entry.GroupKey),
		observability.F("attempts", attempts),
		observability.F("status", string(status)),
		observability.F("error", lastError))

	if status != schema.StatusFailed {
		return false
	}

	notice := observability.FailureNotice{
		EntryID:    entry.ID,
		GroupKey:   entry.GroupKey,
		Kind:       string(entry.Kind),
		Message:    lastError,
		OccurredAt: p.clock(),
	}
	if p.deadLetter != nil {
		p.deadLetter.Offer(notice)
	}
	if p.notices != nil {
		if err := p.notices.Publish(ctx, notice); err != nil {
			observability.Log().Warn("publish failure notice",
				observability.F("entry_id", entry.ID),
				observability.F("error", err.Error()))
		}
	}
	observability.Telemetry().IncCounter("processor_entries_quarantined", 1, nil)
	return true
}
