package undo

import (
	"encoding/json"
	"fmt"

	"canvasledger/internal/store"
)

// Entry is the serialized form of one undoable write on a user's stack.
type Entry struct {
	StrokeID              string     `json:"strokeId"`
	RoomID                string     `json:"roomId"`
	Kind                  store.Kind `json:"type"`
	Tool                  string     `json:"tool,omitempty"`
	Timestamp             int64      `json:"ts"`
	OriginalStrokeIDs     []string   `json:"originalStrokeIds,omitempty"`
	ReplacementSegmentIDs []string   `json:"replacementSegmentIds,omitempty"`
	PastedDrawingIDs      []string   `json:"pastedDrawingIds,omitempty"`
}

func EntryFromRecord(rec store.Record) (Entry, error) {
	meta, err := rec.Meta()
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		StrokeID:              rec.ID,
		RoomID:                rec.RoomID,
		Kind:                  rec.Kind,
		Tool:                  meta.Tool,
		Timestamp:             rec.Timestamp,
		OriginalStrokeIDs:     meta.OriginalStrokeIDs,
		ReplacementSegmentIDs: meta.ReplacementSegmentIDs,
		PastedDrawingIDs:      meta.PastedDrawingIDs,
	}, nil
}

func (e Entry) IsCut() bool {
	return e.Kind == store.KindCut || e.Tool == store.ToolCut
}

func (e Entry) IsPaste() bool {
	return e.Tool == store.ToolPaste && len(e.PastedDrawingIDs) > 0
}

// StrokeIDs lists every stroke whose visibility the entry controls: the
// entry itself and, for a paste, its children.
func (e Entry) StrokeIDs() []string {
	ids := []string{e.StrokeID}
	if e.IsPaste() {
		ids = append(ids, e.PastedDrawingIDs...)
	}
	return store.UniqueIDs(ids)
}

func encodeEntry(e Entry) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode stack entry %s: %w", e.StrokeID, err)
	}
	return raw, nil
}

func decodeEntry(raw []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("decode stack entry: %w", err)
	}
	if e.StrokeID == "" {
		return Entry{}, fmt.Errorf("decode stack entry: missing stroke id")
	}
	return e, nil
}
