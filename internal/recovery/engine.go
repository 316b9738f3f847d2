// Package recovery rebuilds a room's cache entries from the durable store.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"canvasledger/internal/cache"
	"canvasledger/internal/observability"
	"canvasledger/internal/store"

	"golang.org/x/sync/singleflight"
)

// ErrRebuildConflict means live writes kept moving the room while it was
// being rebuilt. The cache is left unhydrated and the next read tries again.
var ErrRebuildConflict = errors.New("rebuild conflicted with live writes")

const defaultMaxAttempts = 3

type Engine struct {
	store       store.Store
	cache       *cache.Cache
	logger      *slog.Logger
	metrics     *observability.Metrics
	group       singleflight.Group
	maxAttempts int
}

func NewEngine(s store.Store, c *cache.Cache, logger *slog.Logger, metrics *observability.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:       s,
		cache:       c,
		logger:      logger,
		metrics:     metrics,
		maxAttempts: defaultMaxAttempts,
	}
}

func (e *Engine) Derive(ctx context.Context, room string) (State, error) {
	return Derive(ctx, e.store, room)
}

// Rebuild repopulates the cache for room, or for every room when room is
// empty. Concurrent calls for the same room share one rebuild.
func (e *Engine) Rebuild(ctx context.Context, room string) error {
	if room != "" {
		return e.rebuildShared(ctx, room)
	}

	rooms, err := e.store.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	var errs []error
	for _, r := range rooms {
		if err := e.rebuildShared(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) rebuildShared(ctx context.Context, room string) error {
	ch := e.group.DoChan(room, func() (any, error) {
		return nil, e.rebuildRoom(context.WithoutCancel(ctx), room)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) rebuildRoom(ctx context.Context, room string) error {
	start := time.Now()
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		gen, err := e.cache.Generation(ctx, room)
		if err != nil {
			e.metrics.Rebuild("error", 0)
			return err
		}
		state, err := Derive(ctx, e.store, room)
		if err != nil {
			e.metrics.Rebuild("error", 0)
			return err
		}
		filled, err := e.materialize(ctx, state)
		if err != nil {
			e.metrics.Rebuild("error", 0)
			return fmt.Errorf("rebuild room %s: %w", room, err)
		}
		ok, err := e.cache.CommitRebuild(ctx, room, gen, state.CutClaims)
		if err != nil {
			e.metrics.Rebuild("error", 0)
			return err
		}
		if ok {
			e.metrics.Rebuild("ok", time.Since(start))
			e.logger.Info("rebuilt room cache",
				"room_id", room,
				"records", len(state.Records),
				"filled", filled,
				"markers", len(state.Markers),
				"cut", len(state.CutClaims),
				"attempt", attempt,
				"duration", time.Since(start),
			)
			return nil
		}
		e.metrics.Rebuild("conflict", 0)
		e.logger.Debug("rebuild raced a live write; retrying", "room_id", room, "attempt", attempt)
	}
	return fmt.Errorf("rebuild room %s: %w", room, ErrRebuildConflict)
}

// materialize fills the cache from state without replacing anything newer.
// Every post-clear record is cached, undone and cut ones included, so later
// redo and cut undo only flip state.
func (e *Engine) materialize(ctx context.Context, state State) (int, error) {
	clearTS := state.ClearTS()
	filled := 0
	for _, rec := range state.Records {
		if rec.Timestamp <= clearTS {
			continue
		}
		ok, err := e.cache.FillStroke(ctx, rec)
		if err != nil {
			return filled, err
		}
		if ok {
			filled++
		}
	}
	for id, marker := range state.Markers {
		if _, err := e.cache.PutMarker(ctx, id, cache.MarkerFromRecord(marker)); err != nil {
			return filled, err
		}
	}
	if state.RoomClearTS >= 0 {
		if _, err := e.cache.SetClearTS(ctx, state.RoomID, state.RoomClearTS); err != nil {
			return filled, err
		}
	}
	if state.GlobalClearTS >= 0 {
		if _, err := e.cache.SetClearTS(ctx, store.GlobalRoom, state.GlobalClearTS); err != nil {
			return filled, err
		}
	}
	for cutID, ids := range state.Replacements {
		if err := e.cache.AddReplacements(ctx, cutID, ids...); err != nil {
			return filled, err
		}
	}
	return filled, nil
}
