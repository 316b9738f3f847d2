package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultQueueKey   = "ledger-retry-queue"
	DefaultDedupTTL   = 7 * 24 * time.Hour
	dedupMemberPrefix = "ledger-retry-member:"
)

// RetryEntry is one failed commit waiting in the queue. StrokeID holds the
// record's ledger key.
type RetryEntry struct {
	StrokeID   string          `json:"strokeId"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt int64           `json:"enqueuedAt"`
	Attempts   int             `json:"attempts"`

	raw string
}

// Raw is the exact serialized form the entry was read with.
func (e RetryEntry) Raw() string {
	return e.raw
}

var enqueueScript = redis.NewScript(`
if redis.call('SET', KEYS[2], '1', 'NX', 'EX', ARGV[2]) then
	redis.call('RPUSH', KEYS[1], ARGV[1])
	return 1
end
return 0
`)

var requeueScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
if removed == 0 then
	return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

// RetryQueue is a Redis list of failed commits, oldest at the head. A
// per-key membership marker with a TTL keeps a record from being queued
// twice.
type RetryQueue struct {
	client   *redis.Client
	key      string
	dedupTTL time.Duration
}

func NewRetryQueue(client *redis.Client, key string, dedupTTL time.Duration) *RetryQueue {
	if key == "" {
		key = DefaultQueueKey
	}
	if dedupTTL <= 0 {
		dedupTTL = DefaultDedupTTL
	}
	return &RetryQueue{client: client, key: key, dedupTTL: dedupTTL}
}

func (q *RetryQueue) memberKey(strokeID string) string {
	return dedupMemberPrefix + strokeID
}

// Enqueue adds a failed commit. It reports false when the same key is
// already queued.
func (q *RetryQueue) Enqueue(ctx context.Context, strokeID string, payload []byte, enqueuedAt int64) (bool, error) {
	raw, err := json.Marshal(RetryEntry{
		StrokeID:   strokeID,
		Payload:    payload,
		EnqueuedAt: enqueuedAt,
	})
	if err != nil {
		return false, fmt.Errorf("marshal retry entry: %w", err)
	}
	ttl := int64(q.dedupTTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	added, err := enqueueScript.Run(ctx, q.client, []string{q.key, q.memberKey(strokeID)}, string(raw), ttl).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue retry %s: %w", strokeID, err)
	}
	return added == 1, nil
}

// Oldest returns the head of the queue without removing it.
func (q *RetryQueue) Oldest(ctx context.Context) (RetryEntry, bool, error) {
	raw, err := q.client.LIndex(ctx, q.key, 0).Result()
	if errors.Is(err, redis.Nil) {
		return RetryEntry{}, false, nil
	}
	if err != nil {
		return RetryEntry{}, false, fmt.Errorf("read retry head: %w", err)
	}
	var entry RetryEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		entry = RetryEntry{}
	}
	entry.raw = raw
	return entry, true, nil
}

// Remove deletes the entry by its exact serialized form and releases its
// membership marker.
func (q *RetryQueue) Remove(ctx context.Context, entry RetryEntry) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.key, 1, entry.raw)
	if entry.StrokeID != "" {
		pipe.Del(ctx, q.memberKey(entry.StrokeID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove retry %s: %w", entry.StrokeID, err)
	}
	return nil
}

// Requeue records a failed attempt and moves the entry to the tail.
func (q *RetryQueue) Requeue(ctx context.Context, entry RetryEntry) (RetryEntry, error) {
	next := entry
	next.Attempts++
	raw, err := json.Marshal(next)
	if err != nil {
		return entry, fmt.Errorf("marshal retry entry: %w", err)
	}
	next.raw = string(raw)
	if err := requeueScript.Run(ctx, q.client, []string{q.key}, entry.raw, next.raw).Err(); err != nil {
		return entry, fmt.Errorf("requeue retry %s: %w", entry.StrokeID, err)
	}
	return next, nil
}

func (q *RetryQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("retry queue length: %w", err)
	}
	return n, nil
}
