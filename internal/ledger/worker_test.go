package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"canvasledger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakeCommitter struct {
	mu       sync.Mutex
	failures map[string]bool
	calls    []string
}

func (f *fakeCommitter) Commit(_ context.Context, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(payload)
	f.calls = append(f.calls, key)
	if f.failures[key] {
		return "", errors.New("ledger unavailable")
	}
	return "txn-" + key, nil
}

func (f *fakeCommitter) setFailing(key string, failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures == nil {
		f.failures = map[string]bool{}
	}
	f.failures[key] = failing
}

func TestProcessOnceCommitsAndRemoves(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	committer := &fakeCommitter{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	w := NewRetryWorker(q, committer, WorkerOptions{}, nil, metrics)

	_, err := q.Enqueue(ctx, "a", []byte(`"a"`), 1)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "b", []byte(`"b"`), 2)
	require.NoError(t, err)

	stats, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, DrainStats{Committed: 2}, stats)
	require.Equal(t, []string{`"a"`, `"b"`}, committer.calls)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.RetryAttemptsTotal.WithLabelValues("ok")))
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.RetryQueueDepth))
}

func TestProcessOnceKeepsFailedEntriesQueued(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	committer := &fakeCommitter{}
	committer.setFailing(`"a"`, true)
	w := NewRetryWorker(q, committer, WorkerOptions{MaxAttempts: 10}, nil, nil)

	_, err := q.Enqueue(ctx, "a", []byte(`"a"`), 1)
	require.NoError(t, err)

	stats, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, DrainStats{Failed: 1}, stats)

	head, ok, err := q.Oldest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, head.Attempts)

	committer.setFailing(`"a"`, false)
	stats, err = w.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, DrainStats{Committed: 1}, stats)
}

func TestProcessOnceDropsAfterMaxAttempts(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	committer := &fakeCommitter{}
	committer.setFailing(`"a"`, true)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	w := NewRetryWorker(q, committer, WorkerOptions{MaxAttempts: 3}, nil, metrics)

	_, err := q.Enqueue(ctx, "a", []byte(`"a"`), 1)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		stats, err := w.ProcessOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, stats.Failed)
	}
	stats, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, DrainStats{Dropped: 1}, stats)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.RetryAttemptsTotal.WithLabelValues("dropped")))
}

func TestProcessOnceHonoursBatchSize(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	w := NewRetryWorker(q, &fakeCommitter{}, WorkerOptions{BatchSize: 2}, nil, nil)

	for _, key := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, key, []byte(`"`+key+`"`), 1)
		require.NoError(t, err)
	}

	stats, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Committed)
	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestProcessOnceDropsUnreadableEntries(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.client.RPush(ctx, q.key, "not json").Err())

	w := NewRetryWorker(q, &fakeCommitter{}, WorkerOptions{}, nil, nil)
	stats, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, DrainStats{Dropped: 1}, stats)
}

func TestRunStopsOnCancel(t *testing.T) {
	q, _ := newTestQueue(t)
	committer := &fakeCommitter{}
	w := NewRetryWorker(q, committer, WorkerOptions{Interval: 5 * time.Millisecond}, nil, nil)

	_, err := q.Enqueue(context.Background(), "a", []byte(`"a"`), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := q.Len(context.Background())
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
