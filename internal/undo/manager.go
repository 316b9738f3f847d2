// Package undo keeps per-user undo and redo stacks and writes the markers
// that make each undo and redo durable.
package undo

import (
	"context"
	"fmt"
	"log/slog"

	"canvasledger/internal/cache"
	"canvasledger/internal/clock"
	"canvasledger/internal/store"
	"canvasledger/internal/util"
)

type Status string

const (
	StatusOK   Status = "ok"
	StatusNoop Status = "noop"
)

type Result struct {
	Status   Status
	StrokeID string
	Entry    *Entry
}

// LedgerSink receives the markers once they are durable.
type LedgerSink interface {
	SubmitAll(ctx context.Context, recs ...store.Record)
}

// Manager serializes history operations per (room, user). Different users
// never wait on each other.
type Manager struct {
	cache  *cache.Cache
	store  store.Store
	ledger LedgerSink
	clock  clock.Clock
	logger *slog.Logger

	locks util.KeyedMutex
}

func NewManager(c *cache.Cache, s store.Store, ledger LedgerSink, clk clock.Clock, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cache:  c,
		store:  s,
		ledger: ledger,
		clock:  clk,
		logger: logger,
	}
}

// Push records a write on the user's undo stack and clears their redo stack.
func (m *Manager) Push(ctx context.Context, rec store.Record) error {
	entry, err := EntryFromRecord(rec)
	if err != nil {
		return fmt.Errorf("push %s: %w", rec.ID, err)
	}
	raw, err := encodeEntry(entry)
	if err != nil {
		return err
	}

	defer m.stackLock(rec.RoomID, rec.User)()
	return m.cache.PushUndo(ctx, rec.RoomID, rec.User, raw)
}

func (m *Manager) Undo(ctx context.Context, room, user string) (Result, error) {
	return m.step(ctx, room, user, cache.UndoStack)
}

func (m *Manager) Redo(ctx context.Context, room, user string) (Result, error) {
	return m.step(ctx, room, user, cache.RedoStack)
}

func (m *Manager) Status(ctx context.Context, room, user string) (bool, bool, error) {
	undo, redo, err := m.cache.StackLens(ctx, room, user)
	if err != nil {
		return false, false, err
	}
	return undo > 0, redo > 0, nil
}

// ClearRoom drops every user's stacks in room.
func (m *Manager) ClearRoom(ctx context.Context, room string) error {
	removed, err := m.cache.ClearStacks(ctx, room)
	if err != nil {
		return err
	}
	m.logger.Debug("cleared history stacks", "room_id", room, "keys", removed)
	return nil
}

// step moves the top entry of from onto the other stack, then writes the
// markers. If the durable write fails the move is reversed.
func (m *Manager) step(ctx context.Context, room, user string, from cache.Stack) (Result, error) {
	undone := from == cache.UndoStack
	op := "redo"
	if undone {
		op = "undo"
	}

	defer m.stackLock(room, user)()

	raw, ok, err := m.cache.MoveTop(ctx, room, user, from)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return Result{Status: StatusNoop}, nil
	}

	entry, err := decodeEntry(raw)
	if err != nil {
		m.rollback(ctx, room, user, from)
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	ts := m.markerTimestamp(ctx, entry)
	markers := make([]store.Record, 0, 1+len(entry.PastedDrawingIDs))
	for _, id := range entry.StrokeIDs() {
		markers = append(markers, store.NewMarker(room, user, id, undone, ts))
	}

	written, err := m.store.AppendBatch(ctx, markers)
	if err != nil {
		m.rollback(ctx, room, user, from)
		return Result{}, fmt.Errorf("%s %s: %w", op, entry.StrokeID, err)
	}

	m.mirror(ctx, room, entry, written, undone)
	if m.ledger != nil {
		m.ledger.SubmitAll(ctx, written...)
	}
	return Result{Status: StatusOK, StrokeID: entry.StrokeID, Entry: &entry}, nil
}

func (m *Manager) rollback(ctx context.Context, room, user string, from cache.Stack) {
	to := cache.RedoStack
	if from == cache.RedoStack {
		to = cache.UndoStack
	}
	if _, _, err := m.cache.MoveTop(context.WithoutCancel(ctx), room, user, to); err != nil {
		m.logger.Error("history rollback failed", "room_id", room, "user", user, "error", err)
	}
}

// markerTimestamp keeps marker timestamps for one stroke strictly
// increasing even when server clocks disagree.
func (m *Manager) markerTimestamp(ctx context.Context, entry Entry) int64 {
	ts := m.clock.NowMs()
	prev, ok, err := m.cache.Marker(ctx, entry.StrokeID)
	if err == nil && ok && prev.Timestamp >= ts {
		ts = prev.Timestamp + 1
	}
	return ts
}

// mirror applies durable markers to the cache. A failure leaves the cache
// behind the store, so the room is invalidated and rebuilt on next read.
func (m *Manager) mirror(ctx context.Context, room string, entry Entry, written []store.Record, undone bool) {
	err := m.applyMarkers(ctx, written)
	if err == nil && entry.IsCut() {
		err = m.moveCut(ctx, room, entry, undone)
	}
	if err == nil {
		return
	}
	m.logger.Warn("cache update after history step failed; invalidating room",
		"room_id", room, "stroke_id", entry.StrokeID, "error", err)
	if err := m.cache.Invalidate(context.WithoutCancel(ctx), room); err != nil {
		m.logger.Error("cache invalidation failed", "room_id", room, "error", err)
	}
}

func (m *Manager) applyMarkers(ctx context.Context, written []store.Record) error {
	for _, rec := range written {
		if _, err := m.cache.PutMarker(ctx, rec.StrokeID, cache.MarkerFromRecord(rec)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) moveCut(ctx context.Context, room string, entry Entry, undone bool) error {
	replacements, err := m.replacements(ctx, room, entry)
	if err != nil {
		return err
	}
	originals := store.UniqueIDs(entry.OriginalStrokeIDs)
	if undone {
		return m.cache.MoveCut(ctx, room, entry.StrokeID, originals, replacements)
	}
	return m.cache.MoveCut(ctx, room, entry.StrokeID, replacements, originals)
}

// replacements merges the ids listed on the cut with those submitted later
// under it, from both the cache and the durable store.
func (m *Manager) replacements(ctx context.Context, room string, entry Entry) ([]string, error) {
	ids := append([]string(nil), entry.ReplacementSegmentIDs...)
	cached, err := m.cache.Replacements(ctx, entry.StrokeID)
	if err != nil {
		return nil, err
	}
	ids = append(ids, cached...)
	durable, err := m.store.FindReplacements(ctx, room, entry.StrokeID)
	if err != nil {
		return nil, err
	}
	ids = append(ids, durable...)
	return store.UniqueIDs(ids), nil
}

func (m *Manager) stackLock(room, user string) (unlock func()) {
	return m.locks.Lock(room + "\x00" + user)
}
