package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const insertRecord = `
	INSERT INTO stroke_records (kind, record_id, stroke_id, room_id, user_id, ts, parent_id, doc)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
	RETURNING seq
`

func (s *PostgresStore) Append(ctx context.Context, rec Record) (Record, error) {
	out, err := s.AppendBatch(ctx, []Record{rec})
	if err != nil {
		return Record{}, err
	}
	return out[0], nil
}

// AppendBatch inserts all records in one transaction.
func (s *PostgresStore) AppendBatch(ctx context.Context, recs []Record) ([]Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %w", ErrDurableWrite, err)
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]Record, len(recs))
	for i, rec := range recs {
		if err := validate(rec); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDurableWrite, err)
		}
		doc, err := Encode(rec)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDurableWrite, err)
		}
		parentID := ""
		if rec.IsDrawing() {
			if meta, err := rec.Meta(); err == nil {
				parentID = meta.ParentID()
			}
		}
		var seq int64
		err = tx.QueryRowContext(ctx, insertRecord,
			string(rec.Kind), rec.ID, rec.StrokeID, rec.RoomID, rec.User, rec.Timestamp, parentID, string(doc),
		).Scan(&seq)
		if err != nil {
			return nil, fmt.Errorf("%w: insert %s: %w", ErrDurableWrite, rec.ID, err)
		}
		out[i] = rec
		out[i].Seq = seq
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %w", ErrDurableWrite, err)
	}
	return out, nil
}

func (s *PostgresStore) FindLatestByStrokeID(ctx context.Context, strokeID string) (*Record, error) {
	var latest *Record
	err := s.query(ctx, func(rec Record) error {
		if latest == nil || Newer(rec, *latest) {
			found := rec
			latest = &found
		}
		return nil
	}, `
		SELECT seq, doc FROM stroke_records
		WHERE record_id = $1 AND kind IN ('stroke', 'cut_marker')
		ORDER BY ts DESC, seq DESC
		LIMIT 1
	`, strokeID)
	if err != nil {
		return nil, err
	}
	return latest, nil
}

func (s *PostgresStore) ScanRange(ctx context.Context, roomID string, from, to int64, fn func(Record) error) error {
	return s.query(ctx, fn, `
		SELECT seq, doc FROM stroke_records
		WHERE room_id = $1 AND kind IN ('stroke', 'cut_marker') AND ts BETWEEN $2 AND $3
		ORDER BY seq
	`, roomID, from, to)
}

// FindMarkersByPrefix streams undo/redo markers whose id starts with prefix.
// An empty roomID scans every room.
func (s *PostgresStore) FindMarkersByPrefix(ctx context.Context, roomID, prefix string, fn func(Record) error) error {
	pattern := escapeLike(prefix) + "%"
	if roomID == "" {
		return s.query(ctx, fn, `
			SELECT seq, doc FROM stroke_records
			WHERE kind IN ('undo_marker', 'redo_marker') AND record_id LIKE $1
			ORDER BY seq
		`, pattern)
	}
	return s.query(ctx, fn, `
		SELECT seq, doc FROM stroke_records
		WHERE room_id = $1 AND kind IN ('undo_marker', 'redo_marker') AND record_id LIKE $2
		ORDER BY seq
	`, roomID, pattern)
}

func (s *PostgresStore) ScanClears(ctx context.Context, roomID string, fn func(Record) error) error {
	return s.query(ctx, fn, `
		SELECT seq, doc FROM stroke_records
		WHERE kind = 'clear_marker' AND room_id IN ($1, $2)
		ORDER BY seq
	`, roomID, GlobalRoom)
}

func (s *PostgresStore) FindReplacements(ctx context.Context, roomID, cutID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id FROM stroke_records
		WHERE room_id = $1 AND kind = 'stroke' AND parent_id = $2
		ORDER BY seq
	`, roomID, cutID)
	if err != nil {
		return nil, fmt.Errorf("find replacements: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan replacement: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replacements: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) ListRooms(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT room_id FROM stroke_records WHERE room_id <> $1 ORDER BY room_id
	`, GlobalRoom)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms := make([]string, 0)
	for rows.Next() {
		var room string
		if err := rows.Scan(&room); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return rooms, nil
}

func (s *PostgresStore) MaxSequence(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(substring(record_id FROM '^res-canvas-draw-([0-9]{1,18})$')::bigint), 0)
		FROM stroke_records
		WHERE kind IN ('stroke', 'cut_marker')
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("max sequence: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// query decodes every returned document. Documents that fail normalization
// are logged and skipped so one bad row never fails a scan.
func (s *PostgresStore) query(ctx context.Context, fn func(Record) error, query string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq int64
			doc []byte
		)
		if err := rows.Scan(&seq, &doc); err != nil {
			return fmt.Errorf("scan record: %w", err)
		}
		rec, err := Decode(doc)
		if err != nil {
			if errors.Is(err, ErrMalformedRecord) {
				s.logger.Warn("skipping malformed record", "seq", seq, "error", err)
				continue
			}
			return err
		}
		rec.Seq = seq
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate records: %w", err)
	}
	return nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
