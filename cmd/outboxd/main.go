// Command outboxd runs the offline mutation outbox daemon: it drains the
// durable queue against the record service on a schedule, on demand, and on
// connectivity regained.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/mosaicapps/outbox/config"
	"github.com/mosaicapps/outbox/internal/cache"
	"github.com/mosaicapps/outbox/internal/kv"
	kvpostgres "github.com/mosaicapps/outbox/internal/kv/postgres"
	"github.com/mosaicapps/outbox/internal/observability"
	"github.com/mosaicapps/outbox/internal/outbox"
	"github.com/mosaicapps/outbox/internal/processor"
	"github.com/mosaicapps/outbox/internal/remote"
	"github.com/mosaicapps/outbox/internal/trigger"
)

const (
	defaultConfigPath = "config/outbox.yaml"
	loggerPrefix      = "outboxd "
	deadLetterDepth   = 128
	noticeBuffer      = 32
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.StdLogger{Out: logger})
	observability.SetMetrics(observability.NewRuntimeMetrics())

	cfg, err := loadConfig(cfgPath, logger)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	blobs, pool, err := buildBlobStore(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatalf("initialise storage: %v", err)
	}
	if pool != nil {
		defer pool.Close()
	}

	store := outbox.NewStore(blobs)

	client, err := remote.NewHTTPClient(remote.HTTPConfig{
		BaseURL:           cfg.Remote.BaseURL,
		Timeout:           cfg.Remote.Timeout.Std(),
		RequestsPerSecond: cfg.Remote.RequestsPerSecond,
		Burst:             cfg.Remote.Burst,
	}, nil)
	if err != nil {
		logger.Fatalf("initialise remote client: %v", err)
	}

	records := cache.NewMemoryCache()
	notices := observability.NewInMemoryNotificationBus(noticeBuffer)
	defer notices.Close()
	deadLetter := observability.NewDeadLetterLog(deadLetterDepth)

	proc := processor.New(store, client, processor.NewReconciler(records),
		processor.WithConfig(processor.Config{
			MaxConcurrentGroups: cfg.Processor.MaxConcurrentGroups,
			MaxAttempts:         cfg.Processor.MaxAttempts,
			BackoffBase:         cfg.Processor.BackoffBase.Std(),
			BackoffCap:          cfg.Processor.BackoffCap.Std(),
		}),
		processor.WithNotificationBus(notices),
		processor.WithDeadLetterLog(deadLetter))

	drain := func(passCtx context.Context) {
		if _, err := proc.Process(passCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("drain pass: %v", err)
		}
	}

	var lifecycle conc.WaitGroup
	startTriggers(ctx, &lifecycle, cfg.Triggers, store, drain, logger)
	startNoticeLogger(ctx, &lifecycle, notices, logger)

	logger.Print("outboxd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received")

	proc.Abort()
	waitWithTimeout(&lifecycle, 10*time.Second, logger)
	logger.Print("shutdown completed")
}

func parseFlags() string {
	cfgPath := flag.String("config", defaultConfigPath, "Path to daemon configuration file")
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func loadConfig(path string, logger *log.Logger) (config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		logger.Printf("configuration loaded from %s", path)
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		logger.Print("configuration file not found, using defaults")
		cfg = config.Default()
		cfg.FromEnv()
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
		return cfg, nil
	}
	return config.Config{}, err
}

// buildBlobStore wires the configured queue backend. The returned pool is
// non-nil only for postgres and must be closed by the caller.
func buildBlobStore(ctx context.Context, cfg config.StorageConfig, logger *log.Logger) (kv.Store, *pgxpool.Pool, error) {
	switch cfg.Backend {
	case config.BackendFile:
		blobs, err := kv.NewFileStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		logger.Printf("queue storage: file backend at %s", cfg.Path)
		return blobs, nil, nil
	case config.BackendPostgres:
		if err := kvpostgres.Migrate(ctx, cfg.DSN, logger); err != nil {
			return nil, nil, err
		}
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		logger.Print("queue storage: postgres backend")
		return kvpostgres.NewStore(pool), pool, nil
	default:
		logger.Print("queue storage: memory backend")
		return kv.NewMemoryStore(), nil, nil
	}
}

func startTriggers(ctx context.Context, lifecycle *conc.WaitGroup, cfg config.TriggerConfig, store *outbox.Store, drain trigger.Func, logger *log.Logger) {
	if interval := cfg.DrainInterval.Std(); interval > 0 {
		ticker := trigger.NewTicker(interval, drain)
		lifecycle.Go(func() { ticker.Run(ctx) })
		logger.Printf("drain ticker every %v", interval)
	}
	if interval := cfg.StatsInterval.Std(); interval > 0 {
		stats := trigger.NewTicker(interval, func(passCtx context.Context) {
			if _, err := store.Stats(passCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("stats pass: %v", err)
			}
		})
		lifecycle.Go(func() { stats.Run(ctx) })
		logger.Printf("stats ticker every %v", interval)
	}
	if cfg.ConnectivityURL != "" {
		watcher := trigger.NewConnectivityWatcher(cfg.ConnectivityURL, cfg.Heartbeat.Std(), drain)
		lifecycle.Go(func() { watcher.Run(ctx) })
		logger.Printf("connectivity watcher on %s", cfg.ConnectivityURL)
	}
}

// startNoticeLogger surfaces quarantine notices in the daemon log, the
// daemon's stand-in for a user-facing alert.
func startNoticeLogger(ctx context.Context, lifecycle *conc.WaitGroup, bus observability.NotificationBus, logger *log.Logger) {
	notices, err := bus.Subscribe(ctx)
	if err != nil {
		logger.Printf("subscribe failure notices: %v", err)
		return
	}
	lifecycle.Go(func() {
		for notice := range notices {
			logger.Printf("mutation quarantined: entry=%s group=%s kind=%s: %s",
				notice.EntryID, notice.GroupKey, notice.Kind, notice.Message)
		}
	})
}

func waitWithTimeout(lifecycle *conc.WaitGroup, timeout time.Duration, logger *log.Logger) {
	done := make(chan struct{})
	go func() {
		lifecycle.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Print("timeout waiting for lifecycle goroutines")
	}
}
