package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"canvasledger/internal/cache"
	"canvasledger/internal/clock"
	"canvasledger/internal/ledger"
	"canvasledger/internal/logging"
	"canvasledger/internal/observability"
	"canvasledger/internal/readpath"
	"canvasledger/internal/sequencer"
	"canvasledger/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

type fakeStore struct {
	*store.MemoryStore
	appendFn func(ctx context.Context, rec store.Record) (store.Record, error)
}

func (f *fakeStore) Append(ctx context.Context, rec store.Record) (store.Record, error) {
	if f.appendFn != nil {
		return f.appendFn(ctx, rec)
	}
	return f.MemoryStore.Append(ctx, rec)
}

type fakeCommitter struct {
	mu       sync.Mutex
	fail     bool
	payloads [][]byte
}

func (f *fakeCommitter) Commit(_ context.Context, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("ledger unreachable")
	}
	f.payloads = append(f.payloads, payload)
	return fmt.Sprintf("txn-%d", len(f.payloads)), nil
}

type testEnv struct {
	service   *Service
	store     *fakeStore
	cache     *cache.Cache
	queue     *ledger.RetryQueue
	committer *fakeCommitter
	clock     *clock.Manual
	redis     *miniredis.Miniredis
	registry  *prometheus.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	logger := logging.Discard()
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	clk := clock.NewManual(1_000)
	s := &fakeStore{MemoryStore: store.NewMemoryStore(logger)}
	c := cache.New(client, logger)
	committer := &fakeCommitter{}
	queue := ledger.NewRetryQueue(client, "", 0)

	svc := New(Dependencies{
		Sequencer: sequencer.New(client, ""),
		Store:     s,
		Cache:     c,
		Ledger:    ledger.NewDispatcher(committer, queue, clk, logger, metrics),
		Clock:     clk,
		Logger:    logger,
		Metrics:   metrics,
	})
	return &testEnv{
		service:   svc,
		store:     s,
		cache:     c,
		queue:     queue,
		committer: committer,
		clock:     clk,
		redis:     mr,
		registry:  registry,
	}
}

func (e *testEnv) submit(t *testing.T, room, user string, ts int64, payload string, skipUndo bool) string {
	t.Helper()
	res, err := e.service.SubmitStroke(context.Background(), SubmitInput{
		RoomID:        room,
		UserID:        user,
		Payload:       []byte(payload),
		Timestamp:     ts,
		SkipUndoStack: skipUndo,
	})
	if err != nil {
		t.Fatalf("SubmitStroke() error = %v", err)
	}
	return res.StrokeID
}

func (e *testEnv) visible(t *testing.T, q readpath.Query) []string {
	t.Helper()
	recs, err := e.service.GetVisibleStrokes(context.Background(), q)
	if err != nil {
		t.Fatalf("GetVisibleStrokes() error = %v", err)
	}
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids
}

func assertIDs(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(want) == 0 && len(got) == 0 {
		return
	}
	if len(got) != len(want) {
		t.Fatalf("visible = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("visible = %v, want %v", got, want)
		}
	}
}

func int64Ptr(v int64) *int64 { return &v }
