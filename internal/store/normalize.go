package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Encode returns the canonical on-disk form of a record: plain JSON integers
// for timestamps, string ids, boolean undone.
func Encode(rec Record) ([]byte, error) {
	if len(rec.Payload) > 0 && !json.Valid(rec.Payload) {
		return nil, fmt.Errorf("%w: payload of %s is not valid JSON", ErrMalformedRecord, rec.ID)
	}
	out, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	return out, nil
}

var (
	idFields       = []string{"id", "drawingId", "markerId"}
	strokeIDFields = []string{"strokeId", "stroke_id"}
	roomFields     = []string{"roomId", "room_id", "roomid"}
	userFields     = []string{"user", "userId", "user_id"}
	tsFields       = []string{"ts", "timestamp"}
	kindFields     = []string{"type", "kind"}
)

// Decode reads a stored document in any of the historical encodings and
// returns its canonical Record. Legacy documents may wrap numbers in strings
// or extended-JSON envelopes, use alternate field names, nest the record under
// asset.data, or carry the drawing as a JSON string in "value".
func Decode(raw []byte) (Record, error) {
	fields, err := objectFields(raw)
	if err != nil {
		return Record{}, err
	}
	if asset, ok := fields["asset"]; ok {
		if inner, err := objectFields(asset); err == nil {
			if data, ok := inner["data"]; ok {
				if unwrapped, err := objectFields(data); err == nil {
					fields = unwrapped
				}
			}
		}
	}

	var rec Record
	consumed := map[string]bool{"payload": true, "value": true, "undone": true}
	for _, names := range [][]string{idFields, strokeIDFields, roomFields, userFields, tsFields, kindFields} {
		for _, name := range names {
			consumed[name] = true
		}
	}
	pick := func(names []string) (json.RawMessage, bool) {
		for _, name := range names {
			if v, ok := fields[name]; ok && !isNull(v) {
				return v, true
			}
		}
		return nil, false
	}

	if v, ok := pick(idFields); ok {
		if rec.ID, err = flexString(v); err != nil {
			return Record{}, malformed("id", err)
		}
	}
	if v, ok := pick(strokeIDFields); ok {
		if rec.StrokeID, err = flexString(v); err != nil {
			return Record{}, malformed("strokeId", err)
		}
	}
	if v, ok := pick(roomFields); ok {
		if rec.RoomID, err = flexString(v); err != nil {
			return Record{}, malformed("roomId", err)
		}
	}
	if v, ok := pick(userFields); ok {
		if rec.User, err = flexString(v); err != nil {
			return Record{}, malformed("user", err)
		}
	}
	if v, ok := pick(tsFields); ok {
		if rec.Timestamp, err = flexInt(v); err != nil {
			return Record{}, malformed("ts", err)
		}
	}
	if v, ok := fields["undone"]; ok && !isNull(v) {
		if rec.Undone, err = flexBool(v); err != nil {
			return Record{}, malformed("undone", err)
		}
	}

	payload, err := decodePayload(fields, consumed)
	if err != nil {
		return Record{}, err
	}
	rec.Payload = payload

	kindRaw, hasKind := pick(kindFields)
	var kindName string
	if hasKind {
		if kindName, err = flexString(kindRaw); err != nil {
			return Record{}, malformed("type", err)
		}
	}
	rec.Kind = normalizeKind(kindName, rec)

	if rec.IsMarker() && rec.StrokeID == "" {
		rec.StrokeID = strings.TrimPrefix(strings.TrimPrefix(rec.ID, UndoPrefix), RedoPrefix)
	}
	if err := validate(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func validate(rec Record) error {
	switch {
	case rec.Kind == "":
		return fmt.Errorf("%w: unknown record type", ErrMalformedRecord)
	case rec.ID == "" && rec.Kind != KindClear:
		return fmt.Errorf("%w: missing id", ErrMalformedRecord)
	case rec.RoomID == "":
		return fmt.Errorf("%w: %s has no room", ErrMalformedRecord, rec.ID)
	case rec.IsMarker() && rec.StrokeID == "":
		return fmt.Errorf("%w: marker %s has no stroke id", ErrMalformedRecord, rec.ID)
	}
	return nil
}

func normalizeKind(name string, rec Record) Kind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "stroke", "draw", "drawing":
		if isCutPayload(rec.Payload) {
			return KindCut
		}
		return KindStroke
	case "undo_marker", "undomarker", "undo":
		return KindUndo
	case "redo_marker", "redomarker", "redo":
		return KindRedo
	case "clear_marker", "clearmarker", "clear":
		return KindClear
	case "cut_marker", "cutmarker", "cut":
		return KindCut
	case "":
	default:
		return ""
	}
	switch {
	case strings.HasPrefix(rec.ID, UndoPrefix):
		return KindUndo
	case strings.HasPrefix(rec.ID, RedoPrefix):
		return KindRedo
	case isCutPayload(rec.Payload):
		return KindCut
	default:
		return KindStroke
	}
}

func isCutPayload(payload json.RawMessage) bool {
	if len(payload) == 0 {
		return false
	}
	var head struct {
		Tool string `json:"tool"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return false
	}
	return head.Tool == ToolCut
}

// decodePayload prefers an explicit payload, then the legacy "value" field
// (an object or a JSON string), then any leftover top-level drawing fields.
func decodePayload(fields map[string]json.RawMessage, consumed map[string]bool) (json.RawMessage, error) {
	if v, ok := fields["payload"]; ok && !isNull(v) {
		return unwrapJSONString(v)
	}
	if v, ok := fields["value"]; ok && !isNull(v) {
		return unwrapJSONString(v)
	}
	rest := make(map[string]json.RawMessage)
	for k, v := range fields {
		if consumed[k] || k == "_id" || k == "asset" {
			continue
		}
		rest[k] = v
	}
	if len(rest) == 0 {
		return nil, nil
	}
	out, err := json.Marshal(rest)
	if err != nil {
		return nil, malformed("payload", err)
	}
	return out, nil
}

func unwrapJSONString(v json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, malformed("payload", err)
		}
		if !json.Valid([]byte(s)) {
			return nil, fmt.Errorf("%w: payload string is not JSON", ErrMalformedRecord)
		}
		return json.RawMessage(s), nil
	}
	return json.RawMessage(trimmed), nil
}

func objectFields(raw []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, malformed("document", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: document is not an object", ErrMalformedRecord)
	}
	return fields, nil
}

func isNull(v json.RawMessage) bool {
	return len(bytes.TrimSpace(v)) == 0 || string(bytes.TrimSpace(v)) == "null"
}

func flexString(v json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, nil
	}
	n, err := flexInt(v)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n, 10), nil
}

// flexInt accepts 123, 123.0, "123", {"$numberLong":"123"}, {"$numberInt":"1"},
// {"$numberDouble":"1.0"} and {"$date": ...} with either a number or RFC 3339.
func flexInt(v json.RawMessage) (int64, error) {
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) == 0 {
		return 0, errors.New("empty number")
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return 0, err
		}
		return parseNumericString(s)
	case '{':
		var env map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return 0, err
		}
		for _, key := range []string{"$numberLong", "$numberInt", "$numberDouble", "$numberDecimal", "$date"} {
			if inner, ok := env[key]; ok {
				return flexInt(inner)
			}
		}
		return 0, fmt.Errorf("unsupported number envelope %s", string(trimmed))
	default:
		var f float64
		if err := json.Unmarshal(trimmed, &f); err != nil {
			return 0, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("non-finite number %s", string(trimmed))
		}
		return int64(f), nil
	}
}

func parseNumericString(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return int64(f), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UnixMilli(), nil
	}
	return 0, fmt.Errorf("not a number: %q", s)
}

func flexBool(v json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(v, &b); err == nil {
		return b, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strconv.ParseBool(strings.TrimSpace(s))
	}
	n, err := flexInt(v)
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

func malformed(field string, err error) error {
	return fmt.Errorf("%w: field %s: %v", ErrMalformedRecord, field, err)
}
