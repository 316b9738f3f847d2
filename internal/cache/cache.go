// Package cache mirrors the visible state of each room in Redis. Everything
// stored here can be reproduced from the durable store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"canvasledger/internal/sequencer"
	"canvasledger/internal/store"

	"github.com/redis/go-redis/v9"
)

const mgetChunk = 500

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

func New(client *redis.Client, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{client: client, logger: logger}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Marker is the latest undo/redo state cached for a stroke.
type Marker struct {
	Timestamp int64
	Seq       int64
	Undone    bool
}

func MarkerFromRecord(rec store.Record) Marker {
	return Marker{Timestamp: rec.Timestamp, Seq: rec.Seq, Undone: rec.Undone}
}

func score(rec store.Record) float64 {
	if n, ok := sequencer.ParseSequence(rec.ID); ok {
		return float64(n)
	}
	return float64(rec.Timestamp)
}

// PutStroke caches a freshly written stroke or cut record. Records that
// change the room's cut set also bump its generation, so a rebuild that
// scanned before the write landed fails its commit and rescans.
func (c *Cache) PutStroke(ctx context.Context, rec store.Record) error {
	body, err := store.Encode(rec)
	if err != nil {
		return err
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, strokeKey(rec.ID), body, 0)
	pipe.ZAdd(ctx, roomStrokesKey(rec.RoomID), redis.Z{Score: score(rec), Member: rec.ID})
	initState(ctx, pipe, rec.ID)
	if affectsCutSet(rec) {
		pipe.Incr(ctx, generationKey(rec.RoomID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache stroke %s: %w", rec.ID, err)
	}
	return nil
}

func affectsCutSet(rec store.Record) bool {
	if rec.Kind == store.KindCut {
		return true
	}
	meta, err := rec.Meta()
	return err == nil && meta.ParentCutID != ""
}

// FillStroke caches a stroke only if it is absent. Recovery uses it so it
// never replaces an entry a live write produced.
func (c *Cache) FillStroke(ctx context.Context, rec store.Record) (bool, error) {
	body, err := store.Encode(rec)
	if err != nil {
		return false, err
	}
	pipe := c.client.TxPipeline()
	set := pipe.SetNX(ctx, strokeKey(rec.ID), body, 0)
	pipe.ZAddNX(ctx, roomStrokesKey(rec.RoomID), redis.Z{Score: score(rec), Member: rec.ID})
	initState(ctx, pipe, rec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("fill stroke %s: %w", rec.ID, err)
	}
	return set.Val(), nil
}

func initState(ctx context.Context, pipe redis.Pipeliner, id string) {
	key := strokeStateKey(id)
	pipe.HSetNX(ctx, key, "ts", -1)
	pipe.HSetNX(ctx, key, "seq", 0)
	pipe.HSetNX(ctx, key, "undone", 0)
}

// PutMarker applies a marker if it is newer than the cached one.
func (c *Cache) PutMarker(ctx context.Context, strokeID string, m Marker) (bool, error) {
	undone := "0"
	if m.Undone {
		undone = "1"
	}
	applied, err := putMarkerScript.Run(ctx, c.client, []string{strokeStateKey(strokeID)}, m.Timestamp, m.Seq, undone).Int()
	if err != nil {
		return false, fmt.Errorf("cache marker %s: %w", strokeID, err)
	}
	return applied == 1, nil
}

// Marker returns the cached marker for a stroke. ok is false when no marker
// has been recorded.
func (c *Cache) Marker(ctx context.Context, strokeID string) (Marker, bool, error) {
	values, err := c.client.HGetAll(ctx, strokeStateKey(strokeID)).Result()
	if err != nil {
		return Marker{}, false, fmt.Errorf("read marker %s: %w", strokeID, err)
	}
	m, ok := parseMarker(values)
	return m, ok, nil
}

func parseMarker(values map[string]string) (Marker, bool) {
	ts, err := strconv.ParseInt(values["ts"], 10, 64)
	if err != nil || ts < 0 {
		return Marker{}, false
	}
	seq, _ := strconv.ParseInt(values["seq"], 10, 64)
	return Marker{Timestamp: ts, Seq: seq, Undone: values["undone"] == "1"}, true
}

// MoveCut drops cutID's claims on remove and adds its claims on add,
// bumping the room generation in the same step. Claims are idempotent, so
// applying the same move twice leaves the set unchanged.
func (c *Cache) MoveCut(ctx context.Context, room, cutID string, remove, add []string) error {
	args := make([]any, 0, 1+len(remove)+2*len(add))
	args = append(args, len(remove))
	for _, id := range remove {
		args = append(args, claimField(cutID, id))
	}
	for _, id := range add {
		args = append(args, claimField(cutID, id), id)
	}
	if err := moveCutScript.Run(ctx, c.client, []string{cutSetKey(room), generationKey(room)}, args...).Err(); err != nil {
		return fmt.Errorf("move cut set %s: %w", room, err)
	}
	return nil
}

// CutSet returns the ids of room suppressed by at least one cut claim.
func (c *Cache) CutSet(ctx context.Context, room string) (map[string]bool, error) {
	claims, err := c.client.HGetAll(ctx, cutSetKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("read cut set %s: %w", room, err)
	}
	return claimedIDs(claims), nil
}

func claimedIDs(claims map[string]string) map[string]bool {
	out := make(map[string]bool, len(claims))
	for _, id := range claims {
		if id != "" {
			out[id] = true
		}
	}
	return out
}

func (c *Cache) AddReplacements(ctx context.Context, cutID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := c.client.SAdd(ctx, cutReplacementsKey(cutID), members...).Err(); err != nil {
		return fmt.Errorf("add replacements for %s: %w", cutID, err)
	}
	return nil
}

func (c *Cache) Replacements(ctx context.Context, cutID string) ([]string, error) {
	ids, err := c.client.SMembers(ctx, cutReplacementsKey(cutID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read replacements for %s: %w", cutID, err)
	}
	return ids, nil
}

// SetClearTS raises the clear timestamp of room and returns the stored value.
func (c *Cache) SetClearTS(ctx context.Context, room string, ts int64) (int64, error) {
	cur, err := setClearScript.Run(ctx, c.client, []string{clearTSKey(room)}, ts).Int64()
	if err != nil {
		return 0, fmt.Errorf("set clear timestamp %s: %w", room, err)
	}
	return cur, nil
}

// ClearTS returns the cached clear timestamp of room, or -1.
func (c *Cache) ClearTS(ctx context.Context, room string) (int64, error) {
	ts, err := c.client.Get(ctx, clearTSKey(room)).Int64()
	if errors.Is(err, redis.Nil) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read clear timestamp %s: %w", room, err)
	}
	return ts, nil
}

func (c *Cache) Hydrated(ctx context.Context, room string) (bool, error) {
	n, err := c.client.Exists(ctx, hydratedKey(room)).Result()
	if err != nil {
		return false, fmt.Errorf("check hydration %s: %w", room, err)
	}
	return n == 1, nil
}

// Generation returns the room's change counter as stored.
func (c *Cache) Generation(ctx context.Context, room string) (string, error) {
	gen, err := c.client.Get(ctx, generationKey(room)).Result()
	if errors.Is(err, redis.Nil) {
		return "0", nil
	}
	if err != nil {
		return "", fmt.Errorf("read generation %s: %w", room, err)
	}
	return gen, nil
}

// Invalidate forces the next read of room to rebuild it and aborts any
// rebuild in flight.
func (c *Cache) Invalidate(ctx context.Context, room string) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, hydratedKey(room))
	pipe.Incr(ctx, generationKey(room))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("invalidate %s: %w", room, err)
	}
	return nil
}

// CommitRebuild installs the rebuilt cut claims (cut id to the ids it
// suppresses) and marks room hydrated. It reports false when the generation
// moved since gen was read.
func (c *Cache) CommitRebuild(ctx context.Context, room, gen string, claims map[string][]string) (bool, error) {
	args := make([]any, 0, 1+2*len(claims))
	args = append(args, gen)
	for cutID, ids := range claims {
		for _, id := range ids {
			args = append(args, claimField(cutID, id), id)
		}
	}
	ok, err := commitRebuildScript.Run(ctx, c.client,
		[]string{generationKey(room), cutSetKey(room), hydratedKey(room)}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("commit rebuild %s: %w", room, err)
	}
	return ok == 1, nil
}

// Snapshot is one consistent-enough read of a room's cached state.
type Snapshot struct {
	Hydrated bool
	// Complete is false when an indexed stroke has lost its body or state.
	Complete      bool
	Records       []store.Record
	Markers       map[string]Marker
	CutSet        map[string]bool
	RoomClearTS   int64
	GlobalClearTS int64
}

func (s Snapshot) ClearTS() int64 {
	return max(s.RoomClearTS, s.GlobalClearTS)
}

// Snapshot reads every cached stroke of room with its marker state, the cut
// set and both clear timestamps. Bodies that fail to decode are skipped.
func (c *Cache) Snapshot(ctx context.Context, room string) (Snapshot, error) {
	snap := Snapshot{
		Markers:       map[string]Marker{},
		CutSet:        map[string]bool{},
		RoomClearTS:   -1,
		GlobalClearTS: -1,
	}

	pipe := c.client.Pipeline()
	hydrated := pipe.Exists(ctx, hydratedKey(room))
	ids := pipe.ZRange(ctx, roomStrokesKey(room), 0, -1)
	cut := pipe.HGetAll(ctx, cutSetKey(room))
	roomClear := pipe.Get(ctx, clearTSKey(room))
	globalClear := pipe.Get(ctx, clearTSKey(store.GlobalRoom))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Snapshot{}, fmt.Errorf("read room %s: %w", room, err)
	}
	for _, cmd := range []redis.Cmder{hydrated, ids, cut} {
		if err := cmd.Err(); err != nil {
			return Snapshot{}, fmt.Errorf("read room %s: %w", room, err)
		}
	}

	snap.Hydrated = hydrated.Val() == 1
	if !snap.Hydrated {
		return snap, nil
	}
	if ts, err := roomClear.Int64(); err == nil {
		snap.RoomClearTS = ts
	}
	if ts, err := globalClear.Int64(); err == nil {
		snap.GlobalClearTS = ts
	}
	snap.CutSet = claimedIDs(cut.Val())

	snap.Complete = true
	all := ids.Val()
	for start := 0; start < len(all); start += mgetChunk {
		end := min(start+mgetChunk, len(all))
		if err := c.readChunk(ctx, all[start:end], &snap); err != nil {
			return Snapshot{}, err
		}
	}
	return snap, nil
}

func (c *Cache) readChunk(ctx context.Context, ids []string, snap *Snapshot) error {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = strokeKey(id)
	}

	pipe := c.client.Pipeline()
	bodies := pipe.MGet(ctx, keys...)
	states := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		states[i] = pipe.HGetAll(ctx, strokeStateKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("read strokes: %w", err)
	}

	for i, value := range bodies.Val() {
		id := ids[i]
		body, ok := value.(string)
		state := states[i].Val()
		if !ok || len(state) == 0 {
			snap.Complete = false
			continue
		}
		rec, err := store.Decode([]byte(body))
		if err != nil {
			c.logger.Warn("skipping malformed cached stroke", "stroke_id", id, "error", err)
			continue
		}
		snap.Records = append(snap.Records, rec)
		if m, ok := parseMarker(state); ok {
			snap.Markers[id] = m
		}
	}
	return nil
}
