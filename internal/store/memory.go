package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"canvasledger/internal/sequencer"
)

// MemoryStore keeps the append-only collection in process. It stores encoded
// documents and decodes them on read exactly like PostgresStore, so legacy and
// malformed documents behave the same in both backends.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   []memoryDoc
	logger *slog.Logger
}

type memoryDoc struct {
	seq int64
	raw []byte
}

func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{logger: logger}
}

func (s *MemoryStore) Append(ctx context.Context, rec Record) (Record, error) {
	out, err := s.AppendBatch(ctx, []Record{rec})
	if err != nil {
		return Record{}, err
	}
	return out[0], nil
}

// AppendBatch writes every record or none.
func (s *MemoryStore) AppendBatch(ctx context.Context, recs []Record) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDurableWrite, err)
	}
	encoded := make([][]byte, len(recs))
	for i, rec := range recs {
		if err := validate(rec); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDurableWrite, err)
		}
		raw, err := Encode(rec)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDurableWrite, err)
		}
		encoded[i] = raw
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(recs))
	for i, raw := range encoded {
		seq := int64(len(s.docs) + 1)
		s.docs = append(s.docs, memoryDoc{seq: seq, raw: raw})
		out[i] = recs[i]
		out[i].Seq = seq
	}
	return out, nil
}

// AppendRaw stores a document as-is, bypassing validation. It exists for
// legacy imports and for exercising the malformed-record path.
func (s *MemoryStore) AppendRaw(ctx context.Context, raw []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := int64(len(s.docs) + 1)
	s.docs = append(s.docs, memoryDoc{seq: seq, raw: append([]byte(nil), raw...)})
	return seq, nil
}

func (s *MemoryStore) FindLatestByStrokeID(ctx context.Context, strokeID string) (*Record, error) {
	var latest *Record
	err := s.scan(ctx, func(rec Record) bool {
		return rec.IsDrawing() && rec.ID == strokeID
	}, func(rec Record) error {
		if latest == nil || Newer(rec, *latest) {
			found := rec
			latest = &found
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return latest, nil
}

func (s *MemoryStore) ScanRange(ctx context.Context, roomID string, from, to int64, fn func(Record) error) error {
	return s.scan(ctx, func(rec Record) bool {
		return rec.IsDrawing() && rec.RoomID == roomID && rec.Timestamp >= from && rec.Timestamp <= to
	}, fn)
}

func (s *MemoryStore) FindMarkersByPrefix(ctx context.Context, roomID, prefix string, fn func(Record) error) error {
	return s.scan(ctx, func(rec Record) bool {
		return rec.IsMarker() && (roomID == "" || rec.RoomID == roomID) && strings.HasPrefix(rec.ID, prefix)
	}, fn)
}

func (s *MemoryStore) ScanClears(ctx context.Context, roomID string, fn func(Record) error) error {
	return s.scan(ctx, func(rec Record) bool {
		return rec.Kind == KindClear && (rec.RoomID == roomID || rec.RoomID == GlobalRoom)
	}, fn)
}

func (s *MemoryStore) FindReplacements(ctx context.Context, roomID, cutID string) ([]string, error) {
	ids := make([]string, 0)
	err := s.scan(ctx, func(rec Record) bool {
		return rec.Kind == KindStroke && rec.RoomID == roomID
	}, func(rec Record) error {
		meta, err := rec.Meta()
		if err != nil {
			return nil
		}
		if meta.ParentCutID == cutID {
			ids = append(ids, rec.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *MemoryStore) ListRooms(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	err := s.scan(ctx, func(rec Record) bool {
		return rec.RoomID != GlobalRoom
	}, func(rec Record) error {
		seen[rec.RoomID] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	rooms := make([]string, 0, len(seen))
	for room := range seen {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms, nil
}

func (s *MemoryStore) MaxSequence(ctx context.Context) (int64, error) {
	var maxSeq int64
	err := s.scan(ctx, Record.IsDrawing, func(rec Record) error {
		if n, ok := sequencer.ParseSequence(rec.ID); ok && n > maxSeq {
			maxSeq = n
		}
		return nil
	})
	return maxSeq, err
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len reports the number of stored documents.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func (s *MemoryStore) scan(ctx context.Context, match func(Record) bool, fn func(Record) error) error {
	s.mu.RLock()
	docs := make([]memoryDoc, len(s.docs))
	copy(docs, s.docs)
	s.mu.RUnlock()

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := Decode(doc.raw)
		if err != nil {
			if errors.Is(err, ErrMalformedRecord) {
				s.logger.Warn("skipping malformed record", "seq", doc.seq, "error", err)
				continue
			}
			return err
		}
		rec.Seq = doc.seq
		if !match(rec) {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}
