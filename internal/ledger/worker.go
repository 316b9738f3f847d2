package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"canvasledger/internal/observability"

	"golang.org/x/time/rate"
)

const DefaultMaxAttempts = 1000

type WorkerOptions struct {
	Interval      time.Duration
	MaxAttempts   int
	BatchSize     int
	RatePerSecond float64
}

// DrainStats counts what one pass over the queue did.
type DrainStats struct {
	Committed int
	Failed    int
	Dropped   int
}

// RetryWorker re-attempts queued commits on its own schedule. It talks to
// the queue only, so it survives restarts of the request path.
type RetryWorker struct {
	queue     *RetryQueue
	committer Committer
	opts      WorkerOptions
	limiter   *rate.Limiter
	logger    *slog.Logger
	metrics   *observability.Metrics
}

func NewRetryWorker(queue *RetryQueue, committer Committer, opts WorkerOptions, logger *slog.Logger, metrics *observability.Metrics) *RetryWorker {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	return &RetryWorker{
		queue:     queue,
		committer: committer,
		opts:      opts,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    logger,
		metrics:   metrics,
	}
}

// Run drains the queue every interval until ctx is cancelled.
func (w *RetryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats, err := w.ProcessOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.logger.Error("ledger retry pass failed", "error", err)
				continue
			}
			if stats != (DrainStats{}) {
				w.logger.Info("ledger retry pass",
					"committed", stats.Committed,
					"failed", stats.Failed,
					"dropped", stats.Dropped,
				)
			}
		}
	}
}

// ProcessOnce attempts each entry that was queued when the pass started,
// oldest first.
func (w *RetryWorker) ProcessOnce(ctx context.Context) (DrainStats, error) {
	var stats DrainStats
	pending, err := w.queue.Len(ctx)
	if err != nil {
		return stats, err
	}
	if w.opts.BatchSize > 0 && pending > int64(w.opts.BatchSize) {
		pending = int64(w.opts.BatchSize)
	}
	defer w.reportDepth(ctx)

	for i := int64(0); i < pending; i++ {
		if err := w.limiter.Wait(ctx); err != nil {
			return stats, err
		}
		entry, ok, err := w.queue.Oldest(ctx)
		if err != nil {
			return stats, err
		}
		if !ok {
			break
		}
		if err := w.attempt(ctx, entry, &stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (w *RetryWorker) attempt(ctx context.Context, entry RetryEntry, stats *DrainStats) error {
	if entry.StrokeID == "" || len(entry.Payload) == 0 {
		w.logger.Error("dropping unreadable ledger retry entry", "raw", entry.Raw())
		stats.Dropped++
		w.metrics.RetryAttempt("dropped")
		return w.queue.Remove(ctx, entry)
	}

	txnID, err := w.committer.Commit(ctx, entry.Payload)
	if err == nil {
		stats.Committed++
		w.metrics.RetryAttempt("ok")
		w.logger.Debug("ledger retry committed", "key", entry.StrokeID, "txn_id", txnID, "attempts", entry.Attempts+1)
		return w.queue.Remove(ctx, entry)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if entry.Attempts+1 >= w.opts.MaxAttempts {
		stats.Dropped++
		w.metrics.RetryAttempt("dropped")
		w.logger.Error("ledger commit unrecoverable",
			"key", entry.StrokeID,
			"attempts", entry.Attempts+1,
			"enqueued_at", entry.EnqueuedAt,
			"error", fmt.Errorf("%w: %w", ErrRetryExhausted, err),
		)
		return w.queue.Remove(ctx, entry)
	}

	stats.Failed++
	w.metrics.RetryAttempt("failed")
	if _, err := w.queue.Requeue(ctx, entry); err != nil {
		return err
	}
	return nil
}

func (w *RetryWorker) reportDepth(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	if n, err := w.queue.Len(context.WithoutCancel(ctx)); err == nil {
		w.metrics.SetRetryQueueDepth(n)
	}
}
