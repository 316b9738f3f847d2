package readpath

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"canvasledger/internal/cache"
	"canvasledger/internal/observability"
	"canvasledger/internal/recovery"
	"canvasledger/internal/store"
)

var ErrMissingRoom = errors.New("room id is required")

// Reader serves visible strokes from the cache and falls back to the
// recovery engine whenever the cache cannot answer.
type Reader struct {
	cache   *cache.Cache
	engine  *recovery.Engine
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewReader(c *cache.Cache, engine *recovery.Engine, logger *slog.Logger, metrics *observability.Metrics) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{cache: c, engine: engine, logger: logger, metrics: metrics}
}

func (r *Reader) GetVisibleStrokes(ctx context.Context, q Query) ([]store.Record, error) {
	if q.RoomID == "" {
		return nil, ErrMissingRoom
	}
	if q.History() {
		return r.fromDurable(ctx, q)
	}

	snap, err := r.snapshot(ctx, q.RoomID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("cache unavailable; reading durable store", "room_id", q.RoomID, "error", err)
		return r.fromDurable(ctx, q)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.filter(ViewFromSnapshot(snap), q), nil
}

// snapshot returns a hydrated, complete snapshot, rebuilding the room at
// most twice to get one.
func (r *Reader) snapshot(ctx context.Context, room string) (cache.Snapshot, error) {
	for attempt := 0; attempt < 2; attempt++ {
		snap, err := r.cache.Snapshot(ctx, room)
		if err != nil {
			return cache.Snapshot{}, err
		}
		switch {
		case snap.Hydrated && snap.Complete:
			r.metrics.CacheRead("hit")
			return snap, nil
		case snap.Hydrated:
			r.metrics.CacheRead("incomplete")
			r.logger.Warn("cached room lost entries; rebuilding", "room_id", room)
			if err := r.cache.Invalidate(ctx, room); err != nil {
				return cache.Snapshot{}, err
			}
		default:
			r.metrics.CacheRead("miss")
		}
		if err := r.engine.Rebuild(ctx, room); err != nil {
			return cache.Snapshot{}, err
		}
	}
	return cache.Snapshot{}, fmt.Errorf("room %s could not be hydrated", room)
}

func (r *Reader) fromDurable(ctx context.Context, q Query) ([]store.Record, error) {
	state, err := r.engine.Derive(ctx, q.RoomID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.filter(ViewFromState(state), q), nil
}

func (r *Reader) filter(view View, q Query) []store.Record {
	out, skipped := Filter(view, q, r.logger)
	for i := 0; i < skipped; i++ {
		r.metrics.MalformedRecord()
	}
	return out
}
