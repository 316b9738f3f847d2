package recovery

import (
	"context"
	"fmt"
	"math"
	"sync"

	"canvasledger/internal/store"

	"golang.org/x/sync/errgroup"
)

// State is a room's visibility state computed from the durable store alone.
type State struct {
	RoomID string
	// Records holds the latest record of every stroke and cut in the room.
	Records       []store.Record
	Markers       map[string]store.Record
	RoomClearTS   int64
	GlobalClearTS int64
	// CutClaims maps each cut to the ids it suppresses: its originals while
	// active, its replacements while undone.
	CutClaims    map[string][]string
	Replacements map[string][]string
}

func (s State) ClearTS() int64 {
	return max(s.RoomClearTS, s.GlobalClearTS)
}

func (s State) CutSet() map[string]bool {
	out := map[string]bool{}
	for _, ids := range s.CutClaims {
		for _, id := range ids {
			out[id] = true
		}
	}
	return out
}

// Undone resolves a record's visibility: the latest marker wins, and the
// record's own flag applies when no marker exists.
func (s State) Undone(rec store.Record) bool {
	if m, ok := s.Markers[rec.ID]; ok {
		return m.Undone
	}
	return rec.Undone
}

// Derive scans markers, clears and strokes of room concurrently and folds
// them into a State.
func Derive(ctx context.Context, s store.Store, room string) (State, error) {
	var (
		mu      sync.Mutex
		markers []store.Record
		clears  []store.Record
		records []store.Record
	)
	collect := func(dst *[]store.Record) func(store.Record) error {
		return func(rec store.Record) error {
			mu.Lock()
			*dst = append(*dst, rec)
			mu.Unlock()
			return nil
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.FindMarkersByPrefix(gctx, room, store.UndoPrefix, collect(&markers))
	})
	g.Go(func() error {
		return s.FindMarkersByPrefix(gctx, room, store.RedoPrefix, collect(&markers))
	})
	g.Go(func() error {
		return s.ScanClears(gctx, room, collect(&clears))
	})
	g.Go(func() error {
		return s.ScanRange(gctx, room, math.MinInt64, math.MaxInt64, collect(&records))
	})
	if err := g.Wait(); err != nil {
		return State{}, fmt.Errorf("derive room %s: %w", room, err)
	}

	state := State{
		RoomID:        room,
		Markers:       store.LatestMarkers(markers),
		RoomClearTS:   -1,
		GlobalClearTS: -1,
		CutClaims:     map[string][]string{},
		Replacements:  map[string][]string{},
	}
	for _, c := range clears {
		if c.RoomID == store.GlobalRoom {
			state.GlobalClearTS = max(state.GlobalClearTS, c.Timestamp)
		} else {
			state.RoomClearTS = max(state.RoomClearTS, c.Timestamp)
		}
	}

	state.Records = latestByID(records)
	deriveCuts(&state)
	return state, nil
}

func latestByID(records []store.Record) []store.Record {
	latest := make(map[string]int, len(records))
	out := make([]store.Record, 0, len(records))
	for _, rec := range records {
		if i, ok := latest[rec.ID]; ok {
			if store.Newer(rec, out[i]) {
				out[i] = rec
			}
			continue
		}
		latest[rec.ID] = len(out)
		out = append(out, rec)
	}
	return out
}

// deriveCuts records, for every cut, its originals while the cut is active
// and its replacements while it is undone.
func deriveCuts(state *State) {
	children := map[string][]string{}
	var cuts []store.Record
	for _, rec := range state.Records {
		meta, err := rec.Meta()
		if err != nil {
			continue
		}
		if meta.ParentCutID != "" {
			children[meta.ParentCutID] = append(children[meta.ParentCutID], rec.ID)
		}
		if rec.Kind == store.KindCut {
			cuts = append(cuts, rec)
		}
	}

	for _, cut := range cuts {
		meta, err := cut.Meta()
		if err != nil {
			continue
		}
		replacements := store.UniqueIDs(append(append([]string(nil), meta.ReplacementSegmentIDs...), children[cut.ID]...))
		if len(replacements) > 0 {
			state.Replacements[cut.ID] = replacements
		}
		claimed := store.UniqueIDs(meta.OriginalStrokeIDs)
		if state.Undone(cut) {
			claimed = replacements
		}
		if len(claimed) > 0 {
			state.CutClaims[cut.ID] = claimed
		}
	}
}
