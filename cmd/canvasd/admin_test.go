package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"canvasledger/internal/ledger"
	"canvasledger/internal/logging"
	"canvasledger/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestImportRecordsSkipsMalformedLines(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(logging.Discard())
	input := strings.Join([]string{
		`{"type":"stroke","id":"res-canvas-draw-3","roomId":"r1","user":"alice","ts":100,"undone":false,"payload":{"color":"#000"}}`,
		``,
		`{"drawingId":"res-canvas-draw-7","room_id":"r1","userId":"bob","timestamp":{"$numberLong":"150"}}`,
		`{"id":`,
		`{"id":"res-canvas-draw-9","ts":1}`,
		`{"type":"clear_marker","roomId":"r1","ts":"200"}`,
	}, "\n")

	stats, err := importRecords(ctx, strings.NewReader(input), s, logging.Discard())
	require.NoError(t, err)
	require.Equal(t, importStats{Imported: 3, Malformed: 2}, stats)

	maxSeq, err := s.MaxSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(7), maxSeq)

	var clears []store.Record
	require.NoError(t, s.ScanClears(ctx, "r1", func(rec store.Record) error {
		clears = append(clears, rec)
		return nil
	}))
	require.Len(t, clears, 1)
	require.Equal(t, int64(200), clears[0].Timestamp)
}

func TestImportRecordsStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := store.NewMemoryStore(logging.Discard())

	_, err := importRecords(ctx, strings.NewReader(`{"id":"res-canvas-draw-1","roomId":"r","ts":1}`), s, logging.Discard())
	require.ErrorIs(t, err, store.ErrDurableWrite)
}

type flakyCommitter struct{ fail bool }

func (f *flakyCommitter) Commit(context.Context, []byte) (string, error) {
	if f.fail {
		return "", errors.New("ledger down")
	}
	return "txn", nil
}

func newQueue(t *testing.T) *ledger.RetryQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return ledger.NewRetryQueue(client, "", 0)
}

func TestDrainQueueRunsPassesUntilEmpty(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	for i, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, id, []byte(`"`+id+`"`), int64(i))
		require.NoError(t, err)
	}
	w := ledger.NewRetryWorker(q, &flakyCommitter{}, ledger.WorkerOptions{BatchSize: 1}, logging.Discard(), nil)

	total, remaining, err := drainQueue(ctx, w, q)
	require.NoError(t, err)
	require.Equal(t, ledger.DrainStats{Committed: 3}, total)
	require.Zero(t, remaining)
}

func TestDrainQueueStopsWithoutProgress(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	_, err := q.Enqueue(ctx, "a", []byte(`"a"`), 1)
	require.NoError(t, err)
	w := ledger.NewRetryWorker(q, &flakyCommitter{fail: true}, ledger.WorkerOptions{MaxAttempts: 100}, logging.Discard(), nil)

	total, remaining, err := drainQueue(ctx, w, q)
	require.NoError(t, err)
	require.Equal(t, ledger.DrainStats{Failed: 1}, total)
	require.Equal(t, int64(1), remaining)
}

func TestVerifyRoomsReportsEachRoom(t *testing.T) {
	ctx := context.Background()
	g := ledger.NewGitLedger(t.TempDir(), "tester")
	for _, rec := range []store.Record{
		{Kind: store.KindStroke, ID: "res-canvas-draw-1", RoomID: "r1", Timestamp: 1},
		{Kind: store.KindStroke, ID: "res-canvas-draw-2", RoomID: "r2", Timestamp: 2},
	} {
		raw, err := store.Encode(rec)
		require.NoError(t, err)
		_, err = g.Commit(ctx, raw)
		require.NoError(t, err)
	}
	rooms, err := g.Rooms()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"r1", "r2"}, rooms)

	var out strings.Builder
	bad, err := verifyRooms(&out, g, rooms)
	require.NoError(t, err)
	require.Zero(t, bad)
	require.Contains(t, out.String(), "r1: ok (1 commits)")

	_, err = verifyRooms(&out, g, []string{"missing"})
	require.Error(t, err)
}
