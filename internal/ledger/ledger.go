// Package ledger forwards durable writes to an external append-only ledger
// and retries commits that fail.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrCommitFailure  = errors.New("ledger commit failed")
	ErrRetryExhausted = errors.New("ledger retry exhausted")
)

// Committer submits one serialized record and returns the ledger's
// transaction id.
type Committer interface {
	Commit(ctx context.Context, payload []byte) (string, error)
}

type CommitFunc func(ctx context.Context, payload []byte) (string, error)

func (f CommitFunc) Commit(ctx context.Context, payload []byte) (string, error) {
	return f(ctx, payload)
}

// NopCommitter accepts everything. It backs deployments without a ledger.
type NopCommitter struct{}

func (NopCommitter) Commit(context.Context, []byte) (string, error) {
	return "", nil
}

type timeoutCommitter struct {
	next    Committer
	timeout time.Duration
}

// WithTimeout bounds every commit. A commit that outlives timeout is
// reported as ErrCommitFailure and left to finish in the background.
func WithTimeout(next Committer, timeout time.Duration) Committer {
	if timeout <= 0 {
		return next
	}
	return &timeoutCommitter{next: next, timeout: timeout}
}

type commitResult struct {
	txnID string
	err   error
}

func (c *timeoutCommitter) Commit(ctx context.Context, payload []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan commitResult, 1)
	go func() {
		txnID, err := c.next.Commit(ctx, payload)
		done <- commitResult{txnID: txnID, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", failure(res.err)
		}
		return res.txnID, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrCommitFailure, ctx.Err())
	}
}

func failure(err error) error {
	if errors.Is(err, ErrCommitFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCommitFailure, err)
}
