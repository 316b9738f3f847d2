package store

import (
	"encoding/json"
	"errors"
	"strconv"
)

// Kind tags the variant a Record carries.
type Kind string

const (
	KindStroke Kind = "stroke"
	KindUndo   Kind = "undo_marker"
	KindRedo   Kind = "redo_marker"
	KindClear  Kind = "clear_marker"
	KindCut    Kind = "cut_marker"
)

// GlobalRoom is the room id of clear markers that apply to every room.
const GlobalRoom = "__global__"

const (
	ToolCut   = "cut"
	ToolPaste = "paste"
)

var (
	ErrMalformedRecord = errors.New("malformed record")
	ErrDurableWrite    = errors.New("durable write failed")
)

// Record is one entry of the append-only stroke collection. Strokes and cut
// markers carry the drawing payload; undo, redo and clear markers only change
// visibility of what is already there.
type Record struct {
	Seq       int64           `json:"-"`
	Kind      Kind            `json:"type"`
	ID        string          `json:"id"`
	StrokeID  string          `json:"strokeId,omitempty"`
	RoomID    string          `json:"roomId"`
	User      string          `json:"user,omitempty"`
	Timestamp int64           `json:"ts"`
	Undone    bool            `json:"undone"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Meta is the structural subset of a stroke payload the engine reads. The
// rest of the payload (color, width, path, tool settings) is opaque.
type Meta struct {
	Tool                  string   `json:"tool,omitempty"`
	OriginalStrokeIDs     []string `json:"originalStrokeIds,omitempty"`
	ReplacementSegmentIDs []string `json:"replacementSegmentIds,omitempty"`
	PastedDrawingIDs      []string `json:"pastedDrawingIds,omitempty"`
	ParentCutID           string   `json:"parentCutId,omitempty"`
	ParentPasteID         string   `json:"parentPasteId,omitempty"`
}

func (r Record) IsDrawing() bool {
	return r.Kind == KindStroke || r.Kind == KindCut
}

func (r Record) IsMarker() bool {
	return r.Kind == KindUndo || r.Kind == KindRedo
}

// Meta decodes the structural fields of the payload.
func (r Record) Meta() (Meta, error) {
	var meta Meta
	if len(r.Payload) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(r.Payload, &meta); err != nil {
		return Meta{}, errors.Join(ErrMalformedRecord, err)
	}
	return meta, nil
}

// ParentID is the group a stroke was submitted under, if any.
func (m Meta) ParentID() string {
	if m.ParentCutID != "" {
		return m.ParentCutID
	}
	return m.ParentPasteID
}

// LedgerKey identifies the record for ledger commits and retry dedup. Marker
// ids repeat for the same stroke, so markers are keyed by id and timestamp.
func (r Record) LedgerKey() string {
	if r.IsMarker() {
		return r.ID + "@" + strconv.FormatInt(r.Timestamp, 10)
	}
	return r.ID
}

func UndoMarkerID(strokeID string) string { return "undo-" + strokeID }
func RedoMarkerID(strokeID string) string { return "redo-" + strokeID }

const (
	UndoPrefix = "undo-"
	RedoPrefix = "redo-"
)

// NewMarker builds an undo (undone=true) or redo (undone=false) marker.
func NewMarker(roomID, user, strokeID string, undone bool, ts int64) Record {
	rec := Record{
		StrokeID:  strokeID,
		RoomID:    roomID,
		User:      user,
		Timestamp: ts,
		Undone:    undone,
	}
	if undone {
		rec.Kind = KindUndo
		rec.ID = UndoMarkerID(strokeID)
	} else {
		rec.Kind = KindRedo
		rec.ID = RedoMarkerID(strokeID)
	}
	return rec
}

// Newer reports whether a supersedes b: greater timestamp wins and the store
// append order breaks ties.
func Newer(a, b Record) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.Seq > b.Seq
}

// LatestMarkers keeps the authoritative marker per stroke id.
func LatestMarkers(markers []Record) map[string]Record {
	latest := make(map[string]Record, len(markers))
	for _, m := range markers {
		if m.StrokeID == "" {
			continue
		}
		current, ok := latest[m.StrokeID]
		if !ok || Newer(m, current) {
			latest[m.StrokeID] = m
		}
	}
	return latest
}

// UniqueIDs drops empty and repeated ids, keeping first occurrence order.
func UniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
