// Package sequencer issues stroke ids from a shared Redis counter.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultKey = "res-canvas-draw-count"
	IDPrefix   = "res-canvas-draw-"
)

// ErrUnavailable means the counter could not be advanced. Callers must
// reject the write; there is no local fallback.
var ErrUnavailable = errors.New("sequencer unavailable")

// ErrCounterMissing means the counter key is gone, typically after a flush or
// failover. Issuing from zero would reuse stored ids, so the counter must be
// floored from the durable store first. It wraps ErrUnavailable.
var ErrCounterMissing = fmt.Errorf("%w: counter missing", ErrUnavailable)

const missingReply = "NOCOUNTER"

type Sequencer struct {
	client *redis.Client
	key    string
}

func New(client *redis.Client, key string) *Sequencer {
	if strings.TrimSpace(key) == "" {
		key = DefaultKey
	}
	return &Sequencer{client: client, key: key}
}

var nextScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('` + missingReply + `')
end
return redis.call('INCR', KEYS[1])
`)

// Next advances the counter atomically and returns the new value. It refuses
// to create the counter: a missing key yields ErrCounterMissing.
func (s *Sequencer) Next(ctx context.Context) (int64, error) {
	n, err := nextScript.Run(ctx, s.client, []string{s.key}).Int64()
	if err != nil {
		if strings.Contains(err.Error(), missingReply) {
			return 0, fmt.Errorf("%w: %s", ErrCounterMissing, s.key)
		}
		return 0, fmt.Errorf("%w: incr %s: %w", ErrUnavailable, s.key, err)
	}
	return n, nil
}

func (s *Sequencer) NextStrokeID(ctx context.Context) (string, error) {
	n, err := s.Next(ctx)
	if err != nil {
		return "", err
	}
	return StrokeID(n), nil
}

func StrokeID(n int64) string {
	return IDPrefix + strconv.FormatInt(n, 10)
}

// ParseSequence extracts the numeric suffix of a canonical stroke id.
func ParseSequence(id string) (int64, bool) {
	if !strings.HasPrefix(id, IDPrefix) {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(id, IDPrefix), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

var floorScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
local floor = tonumber(ARGV[1])
if not raw or tonumber(raw) < floor then
  redis.call('SET', KEYS[1], ARGV[1])
  return floor
end
return tonumber(raw)
`)

// Floor raises the counter to at least n, creating it if absent, and returns
// its value. It never lowers the counter, so it is safe to run while writers
// are active.
func (s *Sequencer) Floor(ctx context.Context, n int64) (int64, error) {
	cur, err := floorScript.Run(ctx, s.client, []string{s.key}, n).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: raise %s: %w", ErrUnavailable, s.key, err)
	}
	return cur, nil
}
