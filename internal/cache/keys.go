package cache

import "strings"

const (
	strokeKeyPrefix       = "stroke:"
	roomStrokesKeyPrefix  = "room-strokes:"
	strokeStateKeyPrefix  = "stroke-state:"
	cutSetKeyPrefix       = "cut-stroke-ids:"
	cutReplacementsPrefix = "cut-replacements:"
	clearTSKeyPrefix      = "clear-ts:"
	hydratedKeyPrefix     = "room-hydrated:"
	generationKeyPrefix   = "room-gen:"
	undoStackPrefix       = "undo:"
	redoStackPrefix       = "redo:"
)

func strokeKey(id string) string          { return strokeKeyPrefix + id }
func roomStrokesKey(room string) string   { return roomStrokesKeyPrefix + room }
func strokeStateKey(id string) string     { return strokeStateKeyPrefix + id }
func cutSetKey(room string) string        { return cutSetKeyPrefix + room }
func cutReplacementsKey(id string) string { return cutReplacementsPrefix + id }
func clearTSKey(room string) string       { return clearTSKeyPrefix + room }
func hydratedKey(room string) string      { return hydratedKeyPrefix + room }
func generationKey(room string) string    { return generationKeyPrefix + room }

// claimField names one cut's claim on one id inside the room's cut set.
// The field's value is the claimed id.
func claimField(cutID, id string) string { return cutID + "\x1f" + id }

func undoStackKey(room, user string) string { return undoStackPrefix + room + ":" + user }
func redoStackKey(room, user string) string { return redoStackPrefix + room + ":" + user }

var globPattern = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(value string) string {
	return globPattern.Replace(value)
}
