// Package readpath turns a room's records into the ordered list of strokes
// a client should draw.
package readpath

import (
	"encoding/json"
	"log/slog"
	"sort"

	"canvasledger/internal/cache"
	"canvasledger/internal/recovery"
	"canvasledger/internal/sequencer"
	"canvasledger/internal/store"
)

// Query selects a room's visible strokes. Supplying Start or End makes it a
// history query: the clear filter is bypassed and timestamps are bounded
// instead.
type Query struct {
	RoomID string
	Start  *int64
	End    *int64
}

func (q Query) History() bool {
	return q.Start != nil || q.End != nil
}

func (q Query) inRange(ts int64) bool {
	if q.Start != nil && ts < *q.Start {
		return false
	}
	if q.End != nil && ts > *q.End {
		return false
	}
	return true
}

// View is the input of Filter, built from either the cache or the durable
// store.
type View struct {
	Records []store.Record
	// Undone holds the latest marker state per stroke id.
	Undone  map[string]bool
	CutSet  map[string]bool
	ClearTS int64
}

func ViewFromSnapshot(snap cache.Snapshot) View {
	undone := make(map[string]bool, len(snap.Markers))
	for id, m := range snap.Markers {
		undone[id] = m.Undone
	}
	return View{Records: snap.Records, Undone: undone, CutSet: snap.CutSet, ClearTS: snap.ClearTS()}
}

func ViewFromState(state recovery.State) View {
	undone := make(map[string]bool, len(state.Markers))
	for id, m := range state.Markers {
		undone[id] = m.Undone
	}
	return View{Records: state.Records, Undone: undone, CutSet: state.CutSet(), ClearTS: state.ClearTS()}
}

// Filter applies, in order: undo state, cut suppression, the clear or
// history bound, dedup by id and sequence ordering. Unreadable records are
// skipped; the count of skipped records is returned.
func Filter(view View, q Query, logger *slog.Logger) ([]store.Record, int) {
	if logger == nil {
		logger = slog.Default()
	}
	skipped := 0
	latest := make(map[string]store.Record, len(view.Records))
	for _, rec := range view.Records {
		if err := check(rec); err != nil {
			skipped++
			logger.Warn("skipping malformed record", "room_id", q.RoomID, "stroke_id", rec.ID, "error", err)
			continue
		}
		if undone, ok := view.Undone[rec.ID]; ok {
			if undone {
				continue
			}
		} else if rec.Undone {
			continue
		}
		if view.CutSet[rec.ID] {
			continue
		}
		if q.History() {
			if !q.inRange(rec.Timestamp) {
				continue
			}
		} else if rec.Timestamp <= view.ClearTS {
			continue
		}
		if cur, ok := latest[rec.ID]; !ok || store.Newer(rec, cur) {
			latest[rec.ID] = rec
		}
	}

	out := make([]store.Record, 0, len(latest))
	for _, rec := range latest {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return less(out[i], out[j])
	})
	return out, skipped
}

// less orders legacy ids (imported before the sequencer existed) ahead of
// canonical ones. Canonical ids compare by sequence, legacy ids by timestamp.
func less(a, b store.Record) bool {
	an, aok := sequencer.ParseSequence(a.ID)
	bn, bok := sequencer.ParseSequence(b.ID)
	if aok != bok {
		return bok
	}
	if aok && an != bn {
		return an < bn
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ID < b.ID
}

type malformedError string

func (e malformedError) Error() string { return string(e) }

func check(rec store.Record) error {
	switch {
	case rec.ID == "":
		return malformedError("missing id")
	case !rec.IsDrawing():
		return malformedError("not a drawing record")
	case len(rec.Payload) > 0 && !json.Valid(rec.Payload):
		return malformedError("payload is not valid JSON")
	}
	if _, err := rec.Meta(); err != nil {
		return err
	}
	return nil
}
