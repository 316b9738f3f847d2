package readpath

import (
	"testing"

	"canvasledger/internal/store"

	"github.com/stretchr/testify/require"
)

func drawing(id string, ts int64) store.Record {
	return store.Record{Kind: store.KindStroke, ID: id, RoomID: "room", User: "alice", Timestamp: ts}
}

func ids(recs []store.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func ptr(v int64) *int64 { return &v }

func TestFilterOrdersBySequenceSuffix(t *testing.T) {
	view := View{
		Records: []store.Record{
			drawing("res-canvas-draw-10", 100),
			drawing("res-canvas-draw-9", 200),
			drawing("res-canvas-draw-2", 300),
		},
		ClearTS: -1,
	}
	out, skipped := Filter(view, Query{RoomID: "room"}, nil)
	require.Zero(t, skipped)
	require.Equal(t, []string{"res-canvas-draw-2", "res-canvas-draw-9", "res-canvas-draw-10"}, ids(out))
}

func TestFilterFallsBackToTimestampForLegacyIDs(t *testing.T) {
	view := View{
		Records: []store.Record{drawing("legacy-b", 300), drawing("legacy-a", 100), drawing("legacy-c", 200)},
		ClearTS: -1,
	}
	out, _ := Filter(view, Query{RoomID: "room"}, nil)
	require.Equal(t, []string{"legacy-a", "legacy-c", "legacy-b"}, ids(out))
}

func TestFilterOrdersMixedIDsConsistently(t *testing.T) {
	records := []store.Record{
		drawing("res-canvas-draw-1", 300),
		drawing("legacy-b", 200),
		drawing("res-canvas-draw-2", 100),
		drawing("legacy-a", 250),
	}
	want := []string{"legacy-b", "legacy-a", "res-canvas-draw-1", "res-canvas-draw-2"}
	for shift := range records {
		rotated := append(append([]store.Record(nil), records[shift:]...), records[:shift]...)
		out, _ := Filter(View{Records: rotated, ClearTS: -1}, Query{RoomID: "room"}, nil)
		require.Equal(t, want, ids(out), "input rotation %d", shift)
	}
	for _, a := range records {
		for _, b := range records {
			for _, c := range records {
				if less(a, b) && less(b, c) {
					require.True(t, less(a, c), "%s < %s < %s", a.ID, b.ID, c.ID)
				}
			}
		}
	}
}

func TestFilterAppliesLatestMarker(t *testing.T) {
	flagged := drawing("res-canvas-draw-3", 300)
	flagged.Undone = true
	restored := drawing("res-canvas-draw-4", 400)
	restored.Undone = true

	view := View{
		Records: []store.Record{drawing("res-canvas-draw-1", 100), drawing("res-canvas-draw-2", 200), flagged, restored},
		Undone:  map[string]bool{"res-canvas-draw-1": true, "res-canvas-draw-4": false},
		ClearTS: -1,
	}
	out, _ := Filter(view, Query{RoomID: "room"}, nil)
	require.Equal(t, []string{"res-canvas-draw-2", "res-canvas-draw-4"}, ids(out))
}

func TestFilterDropsCutSet(t *testing.T) {
	view := View{
		Records: []store.Record{drawing("res-canvas-draw-1", 100), drawing("res-canvas-draw-2", 200)},
		CutSet:  map[string]bool{"res-canvas-draw-1": true},
		ClearTS: -1,
	}
	out, _ := Filter(view, Query{RoomID: "room"}, nil)
	require.Equal(t, []string{"res-canvas-draw-2"}, ids(out))
}

func TestFilterClearAndHistoryBounds(t *testing.T) {
	view := View{
		Records: []store.Record{drawing("res-canvas-draw-1", 100), drawing("res-canvas-draw-2", 200), drawing("res-canvas-draw-3", 300)},
		ClearTS: 200,
	}

	out, _ := Filter(view, Query{RoomID: "room"}, nil)
	require.Equal(t, []string{"res-canvas-draw-3"}, ids(out))

	out, _ = Filter(view, Query{RoomID: "room", Start: ptr(100), End: ptr(200)}, nil)
	require.Equal(t, []string{"res-canvas-draw-1", "res-canvas-draw-2"}, ids(out))

	out, _ = Filter(view, Query{RoomID: "room", Start: ptr(150)}, nil)
	require.Equal(t, []string{"res-canvas-draw-2", "res-canvas-draw-3"}, ids(out))
}

func TestFilterDedupKeepsGreatestTimestamp(t *testing.T) {
	older := drawing("res-canvas-draw-1", 100)
	older.Payload = []byte(`{"color":"red"}`)
	newer := drawing("res-canvas-draw-1", 150)
	newer.Payload = []byte(`{"color":"blue"}`)

	out, _ := Filter(View{Records: []store.Record{newer, older}, ClearTS: -1}, Query{RoomID: "room"}, nil)
	require.Len(t, out, 1)
	require.JSONEq(t, `{"color":"blue"}`, string(out[0].Payload))
}

func TestFilterSkipsMalformedRecords(t *testing.T) {
	badPayload := drawing("res-canvas-draw-2", 200)
	badPayload.Payload = []byte(`{"tool":`)
	view := View{
		Records: []store.Record{
			drawing("", 100),
			badPayload,
			{Kind: store.KindClear, ID: "clear-1", RoomID: "room", Timestamp: 50},
			drawing("res-canvas-draw-3", 300),
		},
		ClearTS: -1,
	}
	out, skipped := Filter(view, Query{RoomID: "room"}, nil)
	require.Equal(t, 3, skipped)
	require.Equal(t, []string{"res-canvas-draw-3"}, ids(out))
}
