package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"canvasledger/internal/clock"
	"canvasledger/internal/observability"
	"canvasledger/internal/store"
)

// Dispatcher sends a durable record to the ledger after the write has
// already succeeded. Failures go to the retry queue and never reach the
// caller of the write.
type Dispatcher struct {
	committer Committer
	queue     *RetryQueue
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics
}

func NewDispatcher(committer Committer, queue *RetryQueue, clk clock.Clock, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	if committer == nil {
		committer = NopCommitter{}
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{committer: committer, queue: queue, clock: clk, logger: logger, metrics: metrics}
}

// Submit commits rec and returns the transaction id, or "" when the commit
// was queued. The error is non-nil only when the record could be neither
// committed nor queued.
func (d *Dispatcher) Submit(ctx context.Context, rec store.Record) (string, error) {
	payload, err := store.Encode(rec)
	if err != nil {
		return "", err
	}
	key := rec.LedgerKey()

	txnID, commitErr := d.committer.Commit(ctx, payload)
	if commitErr == nil {
		d.metrics.LedgerCommit("ok")
		return txnID, nil
	}

	if d.queue == nil {
		d.metrics.LedgerCommit("lost")
		return "", fmt.Errorf("ledger commit %s: %w", key, commitErr)
	}
	// The request context may be what timed out; queueing must still happen.
	added, err := d.queue.Enqueue(context.WithoutCancel(ctx), key, payload, d.clock.NowMs())
	if err != nil {
		d.metrics.LedgerCommit("lost")
		return "", fmt.Errorf("queue ledger retry %s after %v: %w", key, commitErr, err)
	}
	if added {
		d.metrics.LedgerCommit("queued")
		d.logger.Warn("ledger commit queued for retry", "key", key, "room_id", rec.RoomID, "error", commitErr)
	} else {
		d.metrics.LedgerCommit("deduplicated")
	}
	return "", nil
}

// SubmitAll forwards every record and logs the ones that were lost.
func (d *Dispatcher) SubmitAll(ctx context.Context, recs ...store.Record) {
	for _, rec := range recs {
		if _, err := d.Submit(ctx, rec); err != nil {
			d.logger.Error("ledger record lost", "key", rec.LedgerKey(), "error", err)
		}
	}
}
