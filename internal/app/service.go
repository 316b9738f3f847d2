package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"canvasledger/internal/cache"
	"canvasledger/internal/clock"
	"canvasledger/internal/observability"
	"canvasledger/internal/readpath"
	"canvasledger/internal/recovery"
	"canvasledger/internal/sequencer"
	"canvasledger/internal/store"
	"canvasledger/internal/undo"
	"canvasledger/internal/util"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("canvasledger/app")

type SubmitInput struct {
	RoomID  string
	UserID  string
	Payload json.RawMessage
	// Timestamp is the client's ms epoch; zero means now.
	Timestamp     int64
	SkipUndoStack bool
}

type SubmitResult struct {
	StrokeID  string `json:"strokeId"`
	Timestamp int64  `json:"ts"`
	Kind      string `json:"type"`
	// LedgerTxnID is empty when the ledger commit was queued for retry.
	LedgerTxnID string `json:"ledgerTxnId,omitempty"`
}

type HistoryResult struct {
	Status   undo.Status   `json:"status"`
	StrokeID string        `json:"strokeId,omitempty"`
	Stroke   *store.Record `json:"stroke,omitempty"`
}

type UndoRedoStatus struct {
	UndoAvailable bool `json:"undoAvailable"`
	RedoAvailable bool `json:"redoAvailable"`
}

// ledgerSink is satisfied by *ledger.Dispatcher.
type ledgerSink interface {
	Submit(ctx context.Context, rec store.Record) (string, error)
	SubmitAll(ctx context.Context, recs ...store.Record)
}

type Dependencies struct {
	Sequencer *sequencer.Sequencer
	Store     store.Store
	Cache     *cache.Cache
	Recovery  *recovery.Engine
	Ledger    ledgerSink
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// Service is the facade the transport talks to. Every write goes
// sequencer, durable store, cache, history stack, ledger, in that order.
type Service struct {
	seq      *sequencer.Sequencer
	store    store.Store
	cache    *cache.Cache
	recovery *recovery.Engine
	history  *undo.Manager
	reader   *readpath.Reader
	ledger   ledgerSink
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
}

func New(deps Dependencies) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Recovery == nil {
		deps.Recovery = recovery.NewEngine(deps.Store, deps.Cache, deps.Logger, deps.Metrics)
	}
	var sink undo.LedgerSink
	if deps.Ledger != nil {
		sink = deps.Ledger
	}
	return &Service{
		seq:      deps.Sequencer,
		store:    deps.Store,
		cache:    deps.Cache,
		recovery: deps.Recovery,
		history:  undo.NewManager(deps.Cache, deps.Store, sink, deps.Clock, deps.Logger),
		reader:   readpath.NewReader(deps.Cache, deps.Recovery, deps.Logger, deps.Metrics),
		ledger:   deps.Ledger,
		clock:    deps.Clock,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
	}
}

func (s *Service) SubmitStroke(ctx context.Context, input SubmitInput) (_ SubmitResult, err error) {
	ctx, span := tracer.Start(ctx, "Service.SubmitStroke", trace.WithAttributes(
		attribute.String("room.id", input.RoomID),
		attribute.Bool("stroke.skip_undo", input.SkipUndoStack),
	))
	defer func() { endSpan(span, err) }()

	input.RoomID = strings.TrimSpace(input.RoomID)
	input.UserID = strings.TrimSpace(input.UserID)
	if err := validateSubmit(input); err != nil {
		s.metrics.StrokeSubmitted("invalid")
		return SubmitResult{}, err
	}
	rec := store.Record{
		Kind:      store.KindStroke,
		RoomID:    input.RoomID,
		User:      input.UserID,
		Timestamp: input.Timestamp,
		Payload:   input.Payload,
	}
	if rec.Timestamp <= 0 {
		rec.Timestamp = s.clock.NowMs()
	}
	meta, err := rec.Meta()
	if err != nil {
		s.metrics.StrokeSubmitted("invalid")
		return SubmitResult{}, validationError("payload is not a stroke object")
	}
	if meta.Tool == store.ToolCut {
		rec.Kind = store.KindCut
	}

	rec.ID, err = s.nextStrokeID(ctx)
	if err != nil {
		s.metrics.StrokeSubmitted("error")
		return SubmitResult{}, err
	}
	span.SetAttributes(attribute.String("stroke.id", rec.ID))

	written, err := s.store.Append(ctx, rec)
	if err != nil {
		s.metrics.StrokeSubmitted("error")
		return SubmitResult{}, fmt.Errorf("submit stroke %s: %w", rec.ID, err)
	}

	if err := s.cacheWrite(ctx, written, meta); err != nil {
		s.invalidate(ctx, written.RoomID, "stroke write", err)
	}
	if !input.SkipUndoStack {
		if err := s.history.Push(ctx, written); err != nil {
			s.logger.Warn("history push failed; stroke stays durable", "room_id", written.RoomID, "stroke_id", written.ID, "error", err)
		}
	}

	result := SubmitResult{StrokeID: written.ID, Timestamp: written.Timestamp, Kind: string(written.Kind)}
	result.LedgerTxnID = s.submitLedger(ctx, written)
	s.metrics.StrokeSubmitted("ok")
	return result, nil
}

// nextStrokeID reseeds a lost counter from the durable store and retries
// once, so a flushed Redis never reissues a stored id.
func (s *Service) nextStrokeID(ctx context.Context) (string, error) {
	id, err := s.seq.NextStrokeID(ctx)
	if !errors.Is(err, sequencer.ErrCounterMissing) {
		return id, err
	}
	s.logger.Warn("stroke id counter missing; reseeding from durable store")
	if _, err := s.ReseedSequencer(ctx); err != nil {
		return "", err
	}
	return s.seq.NextStrokeID(ctx)
}

func validateSubmit(input SubmitInput) error {
	switch {
	case input.RoomID == "":
		return validationError("roomId is required")
	case input.RoomID == store.GlobalRoom:
		return validationError("roomId is reserved")
	case input.UserID == "":
		return validationError("userId is required")
	case len(input.Payload) == 0:
		return validationError("payload is required")
	case !json.Valid(input.Payload):
		return validationError("payload is not valid JSON")
	}
	return nil
}

// cacheWrite mirrors a new stroke: the body, any cut it performs, and its
// membership of an earlier cut.
func (s *Service) cacheWrite(ctx context.Context, rec store.Record, meta store.Meta) error {
	if err := s.cache.PutStroke(ctx, rec); err != nil {
		return err
	}
	if rec.Kind == store.KindCut {
		if err := s.cache.AddReplacements(ctx, rec.ID, meta.ReplacementSegmentIDs...); err != nil {
			return err
		}
		if err := s.cache.MoveCut(ctx, rec.RoomID, rec.ID, nil, store.UniqueIDs(meta.OriginalStrokeIDs)); err != nil {
			return err
		}
	}
	if meta.ParentCutID == "" {
		return nil
	}
	if err := s.cache.AddReplacements(ctx, meta.ParentCutID, rec.ID); err != nil {
		return err
	}
	parent, ok, err := s.cache.Marker(ctx, meta.ParentCutID)
	if err != nil {
		return err
	}
	if ok && parent.Undone {
		return s.cache.MoveCut(ctx, rec.RoomID, meta.ParentCutID, nil, []string{rec.ID})
	}
	return nil
}

func (s *Service) Undo(ctx context.Context, roomID, userID string) (HistoryResult, error) {
	return s.historyStep(ctx, "undo", roomID, userID)
}

func (s *Service) Redo(ctx context.Context, roomID, userID string) (HistoryResult, error) {
	return s.historyStep(ctx, "redo", roomID, userID)
}

func (s *Service) historyStep(ctx context.Context, op, roomID, userID string) (_ HistoryResult, err error) {
	ctx, span := tracer.Start(ctx, "Service."+op, trace.WithAttributes(attribute.String("room.id", roomID)))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(roomID) == "" || strings.TrimSpace(userID) == "" {
		return HistoryResult{}, validationError("roomId and userId are required")
	}

	var res undo.Result
	if op == "undo" {
		res, err = s.history.Undo(ctx, roomID, userID)
	} else {
		res, err = s.history.Redo(ctx, roomID, userID)
	}
	if err != nil {
		s.metrics.HistoryOp(op, "error")
		return HistoryResult{}, err
	}
	s.metrics.HistoryOp(op, string(res.Status))

	out := HistoryResult{Status: res.Status, StrokeID: res.StrokeID}
	if op == "redo" && res.Status == undo.StatusOK {
		stroke, err := s.store.FindLatestByStrokeID(ctx, res.StrokeID)
		if err != nil {
			s.logger.Warn("redone stroke lookup failed", "stroke_id", res.StrokeID, "error", err)
		}
		out.Stroke = stroke
	}
	return out, nil
}

func (s *Service) GetVisibleStrokes(ctx context.Context, q readpath.Query) (_ []store.Record, err error) {
	ctx, span := tracer.Start(ctx, "Service.GetVisibleStrokes", trace.WithAttributes(
		attribute.String("room.id", q.RoomID),
		attribute.Bool("query.history", q.History()),
	))
	defer func() { endSpan(span, err) }()

	if q.Start != nil && q.End != nil && *q.Start > *q.End {
		return nil, validationError("start must not be after end")
	}
	strokes, err := s.reader.GetVisibleStrokes(ctx, q)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("strokes.visible", len(strokes)))
	return strokes, nil
}

// ClearRoom hides every stroke of roomID up to now and drops the room's
// history stacks. It returns the clear timestamp.
func (s *Service) ClearRoom(ctx context.Context, roomID, userID string) (int64, error) {
	if strings.TrimSpace(roomID) == "" || roomID == store.GlobalRoom {
		return 0, validationError("roomId is required")
	}
	return s.clear(ctx, roomID, userID)
}

// ClearAll writes a global clear that applies to every room.
func (s *Service) ClearAll(ctx context.Context, userID string) (int64, error) {
	return s.clear(ctx, store.GlobalRoom, userID)
}

func (s *Service) clear(ctx context.Context, roomID, userID string) (_ int64, err error) {
	ctx, span := tracer.Start(ctx, "Service.Clear", trace.WithAttributes(attribute.String("room.id", roomID)))
	defer func() { endSpan(span, err) }()

	rec := store.Record{
		Kind:      store.KindClear,
		ID:        util.NewID("clear"),
		RoomID:    roomID,
		User:      userID,
		Timestamp: s.clock.NowMs(),
	}
	written, err := s.store.Append(ctx, rec)
	if err != nil {
		return 0, fmt.Errorf("clear room %s: %w", roomID, err)
	}
	if _, err := s.cache.SetClearTS(ctx, roomID, written.Timestamp); err != nil {
		s.invalidate(ctx, roomID, "clear", err)
	}
	if err := s.history.ClearRoom(ctx, roomID); err != nil {
		s.logger.Warn("dropping history stacks failed", "room_id", roomID, "error", err)
	}
	s.submitLedger(ctx, written)
	s.logger.Info("room cleared", "room_id", roomID, "user", userID, "ts", written.Timestamp)
	return written.Timestamp, nil
}

func (s *Service) GetUndoRedoStatus(ctx context.Context, roomID, userID string) (UndoRedoStatus, error) {
	if strings.TrimSpace(roomID) == "" || strings.TrimSpace(userID) == "" {
		return UndoRedoStatus{}, validationError("roomId and userId are required")
	}
	undoAvail, redoAvail, err := s.history.Status(ctx, roomID, userID)
	if err != nil {
		return UndoRedoStatus{}, err
	}
	return UndoRedoStatus{UndoAvailable: undoAvail, RedoAvailable: redoAvail}, nil
}

// Rebuild repopulates the cache of roomID. An empty roomID rebuilds every
// room and reseeds the sequencer first.
func (s *Service) Rebuild(ctx context.Context, roomID string) (err error) {
	ctx, span := tracer.Start(ctx, "Service.Rebuild", trace.WithAttributes(attribute.String("room.id", roomID)))
	defer func() { endSpan(span, err) }()
	if roomID == "" {
		if _, err := s.ReseedSequencer(ctx); err != nil {
			return err
		}
	}
	return s.recovery.Rebuild(ctx, roomID)
}

// ReseedSequencer raises the id counter past every stroke id in the durable
// store. Run it after the counter's Redis may have lost data.
func (s *Service) ReseedSequencer(ctx context.Context) (int64, error) {
	maxSeq, err := s.store.MaxSequence(ctx)
	if err != nil {
		return 0, err
	}
	cur, err := s.seq.Floor(ctx, maxSeq)
	if err != nil {
		return 0, err
	}
	if cur == maxSeq {
		s.logger.Info("sequencer reseeded from durable store", "floor", maxSeq)
	}
	return cur, nil
}

// Ready reports the health of each backing service. A nil value is healthy.
func (s *Service) Ready(ctx context.Context) map[string]error {
	return map[string]error{
		"database": s.store.Ping(ctx),
		"cache":    s.cache.Ping(ctx),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	var errs []error
	for name, err := range s.Ready(ctx) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) submitLedger(ctx context.Context, rec store.Record) string {
	if s.ledger == nil {
		return ""
	}
	txnID, err := s.ledger.Submit(ctx, rec)
	if err != nil {
		s.logger.Error("ledger record lost", "key", rec.LedgerKey(), "room_id", rec.RoomID, "error", err)
	}
	return txnID
}

// invalidate forces the next read of roomID to rebuild from the durable
// store after a cache write was lost. A global clear invalidates every room.
func (s *Service) invalidate(ctx context.Context, roomID, during string, cause error) {
	s.logger.Warn("cache update failed; invalidating room", "room_id", roomID, "during", during, "error", cause)
	ctx = context.WithoutCancel(ctx)
	rooms := []string{roomID}
	if roomID == store.GlobalRoom {
		all, err := s.store.ListRooms(ctx)
		if err != nil {
			s.logger.Error("listing rooms to invalidate failed", "error", err)
		}
		rooms = all
	}
	for _, room := range rooms {
		if err := s.cache.Invalidate(ctx, room); err != nil {
			s.logger.Error("cache invalidation failed", "room_id", room, "error", err)
		}
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
