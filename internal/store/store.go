package store

import "context"

// Store is the append-only record collection. PostgresStore is the
// production backend and MemoryStore its in-process twin.
type Store interface {
	Append(ctx context.Context, rec Record) (Record, error)
	AppendBatch(ctx context.Context, recs []Record) ([]Record, error)
	FindLatestByStrokeID(ctx context.Context, strokeID string) (*Record, error)
	ScanRange(ctx context.Context, roomID string, from, to int64, fn func(Record) error) error
	FindMarkersByPrefix(ctx context.Context, roomID, prefix string, fn func(Record) error) error
	ScanClears(ctx context.Context, roomID string, fn func(Record) error) error
	FindReplacements(ctx context.Context, roomID, cutID string) ([]string, error)
	ListRooms(ctx context.Context) ([]string, error)
	// MaxSequence returns the largest numeric suffix among canonical stroke
	// ids, or 0.
	MaxSequence(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
