package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*RetryQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRetryQueue(client, "", time.Hour), mr
}

func TestEnqueueDeduplicatesByKey(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	added, err := q.Enqueue(ctx, "res-canvas-draw-1", []byte(`{"id":"res-canvas-draw-1"}`), 10)
	require.NoError(t, err)
	require.True(t, added)

	added, err = q.Enqueue(ctx, "res-canvas-draw-1", []byte(`{"id":"res-canvas-draw-1"}`), 20)
	require.NoError(t, err)
	require.False(t, added)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.Equal(t, time.Hour, mr.TTL(dedupMemberPrefix+"res-canvas-draw-1"))
}

func TestEnqueueAllowedAgainAfterMarkerExpires(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "k", []byte(`{}`), 1)
	require.NoError(t, err)
	mr.FastForward(2 * time.Hour)

	added, err := q.Enqueue(ctx, "k", []byte(`{}`), 2)
	require.NoError(t, err)
	require.True(t, added)
}

func TestOldestRemoveAndRequeue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, ok, err := q.Oldest(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	for _, key := range []string{"a", "b"} {
		_, err := q.Enqueue(ctx, key, []byte(`{"k":"`+key+`"}`), 1)
		require.NoError(t, err)
	}

	head, ok, err := q.Oldest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", head.StrokeID)
	require.Equal(t, 0, head.Attempts)

	next, err := q.Requeue(ctx, head)
	require.NoError(t, err)
	require.Equal(t, 1, next.Attempts)

	head, _, err = q.Oldest(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", head.StrokeID)
	require.NoError(t, q.Remove(ctx, head))

	head, _, err = q.Oldest(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", head.StrokeID)
	require.Equal(t, 1, head.Attempts)
	require.Equal(t, next.Raw(), head.Raw())

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	added, err := q.Enqueue(ctx, "b", []byte(`{}`), 3)
	require.NoError(t, err)
	require.True(t, added, "removing an entry releases its key")
}

func TestRemoveUsesExactSerializedForm(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "a", []byte(`{"v":1}`), 1)
	require.NoError(t, err)
	head, _, err := q.Oldest(ctx)
	require.NoError(t, err)

	stale := head
	stale.raw = head.raw + " "
	require.NoError(t, q.Remove(ctx, stale))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
