package cache

import (
	"context"
	"errors"
	"fmt"

	"canvasledger/internal/store"

	"github.com/redis/go-redis/v9"
)

// Stack names one of a user's two history lists. The top of a stack is the
// right end of its list.
type Stack int

const (
	UndoStack Stack = iota
	RedoStack
)

func (s Stack) other() Stack {
	if s == UndoStack {
		return RedoStack
	}
	return UndoStack
}

func stackKey(s Stack, room, user string) string {
	if s == UndoStack {
		return undoStackKey(room, user)
	}
	return redoStackKey(room, user)
}

// PushUndo appends an entry to the user's undo stack and clears the redo
// stack in one transaction.
func (c *Cache) PushUndo(ctx context.Context, room, user string, entry []byte) error {
	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, undoStackKey(room, user), entry)
	pipe.Del(ctx, redoStackKey(room, user))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push undo %s/%s: %w", room, user, err)
	}
	return nil
}

// MoveTop atomically pops the top of from and pushes it onto the other
// stack. ok is false when from is empty.
func (c *Cache) MoveTop(ctx context.Context, room, user string, from Stack) ([]byte, bool, error) {
	src := stackKey(from, room, user)
	dst := stackKey(from.other(), room, user)
	value, err := c.client.LMove(ctx, src, dst, "RIGHT", "RIGHT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("move stack top %s/%s: %w", room, user, err)
	}
	return []byte(value), true, nil
}

func (c *Cache) StackLens(ctx context.Context, room, user string) (int64, int64, error) {
	pipe := c.client.Pipeline()
	undo := pipe.LLen(ctx, undoStackKey(room, user))
	redo := pipe.LLen(ctx, redoStackKey(room, user))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("read stack sizes %s/%s: %w", room, user, err)
	}
	return undo.Val(), redo.Val(), nil
}

// ClearStacks drops every user's stacks in room. The global room drops the
// stacks of every room.
func (c *Cache) ClearStacks(ctx context.Context, room string) (int, error) {
	patterns := []string{undoStackPrefix + "*", redoStackPrefix + "*"}
	if room != store.GlobalRoom {
		patterns = []string{
			undoStackPrefix + escapeGlob(room) + ":*",
			redoStackPrefix + escapeGlob(room) + ":*",
		}
	}

	removed := 0
	for _, pattern := range patterns {
		var cursor uint64
		for {
			keys, next, err := c.client.Scan(ctx, cursor, pattern, 200).Result()
			if err != nil {
				return removed, fmt.Errorf("scan stacks %s: %w", room, err)
			}
			if len(keys) > 0 {
				n, err := c.client.Del(ctx, keys...).Result()
				if err != nil {
					return removed, fmt.Errorf("delete stacks %s: %w", room, err)
				}
				removed += int(n)
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return removed, nil
}
