package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"canvasledger/internal/app"
	"canvasledger/internal/cache"
	"canvasledger/internal/clock"
	"canvasledger/internal/config"
	"canvasledger/internal/ledger"
	"canvasledger/internal/logging"
	"canvasledger/internal/observability"
	"canvasledger/internal/recovery"
	"canvasledger/internal/sequencer"
	"canvasledger/internal/store"

	"github.com/prometheus/client_golang/prometheus"
)

// runtime is the wired service graph shared by every subcommand.
type runtime struct {
	cfg       config.Config
	logger    *slog.Logger
	store     store.Store
	queue     *ledger.RetryQueue
	committer ledger.Committer
	metrics   *observability.Metrics
	service   *app.Service

	closers []func() error
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openRuntime connects every backend. A nil reg leaves metrics disabled,
// which one-shot commands use.
func openRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger, reg prometheus.Registerer) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}
	if reg != nil {
		rt.metrics = observability.NewMetrics(reg)
	}
	if err := rt.open(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) open(ctx context.Context) error {
	s, err := openStore(ctx, rt.cfg, rt.logger, &rt.closers)
	if err != nil {
		return err
	}
	rt.store = s

	cacheClient, err := cache.Dial(ctx, rt.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("cache redis: %w", err)
	}
	rt.closers = append(rt.closers, cacheClient.Close)

	queueClient := cacheClient
	if rt.cfg.QueueRedisURL != rt.cfg.RedisURL {
		if queueClient, err = cache.Dial(ctx, rt.cfg.QueueRedisURL); err != nil {
			return fmt.Errorf("queue redis: %w", err)
		}
		rt.closers = append(rt.closers, queueClient.Close)
	}

	committer, err := openCommitter(rt.cfg, &rt.closers)
	if err != nil {
		return err
	}
	rt.committer = ledger.WithTimeout(committer, rt.cfg.LedgerTimeout)
	rt.queue = ledger.NewRetryQueue(queueClient, "", rt.cfg.RetryDedupTTL)

	clk := clock.System()
	c := cache.New(cacheClient, rt.logger)
	rt.service = app.New(app.Dependencies{
		Sequencer: sequencer.New(queueClient, rt.cfg.SequenceKey),
		Store:     rt.store,
		Cache:     c,
		Recovery:  recovery.NewEngine(rt.store, c, rt.logger, rt.metrics),
		Ledger:    ledger.NewDispatcher(rt.committer, rt.queue, clk, rt.logger, rt.metrics),
		Clock:     clk,
		Logger:    rt.logger,
		Metrics:   rt.metrics,
	})
	return nil
}

func (rt *runtime) worker() *ledger.RetryWorker {
	return ledger.NewRetryWorker(rt.queue, rt.committer, ledger.WorkerOptions{
		Interval:      rt.cfg.RetryInterval,
		MaxAttempts:   rt.cfg.RetryMaxAttempts,
		BatchSize:     rt.cfg.RetryBatchSize,
		RatePerSecond: rt.cfg.RetryRatePerSecond,
	}, rt.logger, rt.metrics)
}

// Close releases backends in reverse order of opening.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("close failed", "error", err)
		}
	}
	rt.closers = nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger, closers *[]func() error) (store.Store, error) {
	if cfg.StoreBackend == "memory" {
		logger.Warn("using in-memory store; records are lost on exit")
		return store.NewMemoryStore(logger), nil
	}
	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	*closers = append(*closers, db.Close)

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger)
	if err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("applied migrations", "versions", applied)
	}
	return store.NewPostgresStore(db, logger), nil
}

func openCommitter(cfg config.Config, closers *[]func() error) (ledger.Committer, error) {
	switch cfg.LedgerBackend {
	case "git":
		if err := os.MkdirAll(cfg.LedgerDir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
		return ledger.NewGitLedger(cfg.LedgerDir, cfg.LedgerAuthor), nil
	case "kafka":
		k, err := ledger.NewKafkaLedger(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, fmt.Errorf("kafka ledger: %w", err)
		}
		*closers = append(*closers, k.Close)
		return k, nil
	case "none":
		return ledger.NopCommitter{}, nil
	}
	return nil, errors.New("unknown ledger backend " + cfg.LedgerBackend)
}
