package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("CANVAS_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("CANVAS_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := Open(ctx, dsn, DefaultPoolOptions())
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	return db
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	applied, err := ApplyMigrations(ctx, db, testMigrationsDir, nil)
	if err != nil {
		t.Fatalf("apply up migrations (pass 1): %v", err)
	}
	if len(applied) == 0 {
		t.Fatal("expected migrations to be applied")
	}

	if err := applyDownMigrations(ctx, db, testMigrationsDir); err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}

	if _, err := ApplyMigrations(ctx, db, testMigrationsDir, nil); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
	again, err := ApplyMigrations(ctx, db, testMigrationsDir, nil)
	if err != nil {
		t.Fatalf("apply up migrations (pass 3): %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no pending migrations, got %v", again)
	}
}

func TestPostgresStoreAppendAndScan(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := ApplyMigrations(ctx, db, testMigrationsDir, nil); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	s := NewPostgresStore(db, nil)

	first, err := s.Append(ctx, Record{Kind: KindStroke, ID: "res-canvas-draw-1", RoomID: "r1", User: "alice", Timestamp: 100, Payload: []byte(`{"color":"#000"}`)})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.Seq == 0 {
		t.Fatal("expected store-assigned seq")
	}
	if _, err := s.Append(ctx, Record{Kind: KindStroke, ID: "res-canvas-draw-2", RoomID: "r1", Timestamp: 200, Payload: []byte(`{"parentCutId":"res-canvas-draw-9"}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.AppendBatch(ctx, []Record{
		NewMarker("r1", "alice", "res-canvas-draw-1", true, 300),
		NewMarker("r1", "alice", "res-canvas-draw-1", false, 400),
	}); err != nil {
		t.Fatalf("append batch: %v", err)
	}

	var strokes []Record
	if err := s.ScanRange(ctx, "r1", 0, 150, func(rec Record) error {
		strokes = append(strokes, rec)
		return nil
	}); err != nil {
		t.Fatalf("scan range: %v", err)
	}
	if len(strokes) != 1 || strokes[0].ID != "res-canvas-draw-1" || strokes[0].User != "alice" {
		t.Fatalf("unexpected strokes: %+v", strokes)
	}

	var markers []Record
	if err := s.FindMarkersByPrefix(ctx, "r1", UndoPrefix, func(rec Record) error {
		markers = append(markers, rec)
		return nil
	}); err != nil {
		t.Fatalf("find markers: %v", err)
	}
	if len(markers) != 1 || !markers[0].Undone {
		t.Fatalf("unexpected undo markers: %+v", markers)
	}

	replacements, err := s.FindReplacements(ctx, "r1", "res-canvas-draw-9")
	if err != nil {
		t.Fatalf("find replacements: %v", err)
	}
	if len(replacements) != 1 || replacements[0] != "res-canvas-draw-2" {
		t.Fatalf("unexpected replacements: %v", replacements)
	}

	latest, err := s.FindLatestByStrokeID(ctx, "res-canvas-draw-1")
	if err != nil || latest == nil {
		t.Fatalf("find latest: %v %v", latest, err)
	}
}

func TestPostgresStoreRejectsUpdate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := ApplyMigrations(ctx, db, testMigrationsDir, nil); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	s := NewPostgresStore(db, nil)
	if _, err := s.Append(ctx, Record{Kind: KindStroke, ID: "res-canvas-draw-1", RoomID: "r1", Timestamp: 100}); err != nil {
		t.Fatalf("append: %v", err)
	}

	_, err := db.ExecContext(ctx, `UPDATE stroke_records SET ts = 1`)
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected postgres error, got %v", err)
	}
	if pgErr.Code != "55000" || !strings.Contains(pgErr.Message, "stroke_records is append-only; UPDATE is not allowed") {
		t.Fatalf("unexpected error: %s %s", pgErr.Code, pgErr.Message)
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM stroke_records`); err == nil {
		t.Fatal("expected delete to be rejected")
	}
}

func applyDownMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return err
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.down\.sql$`)
	type migration struct {
		version string
		path    string
	}
	downs := make([]migration, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		downs = append(downs, migration{version: match[1], path: filepath.Join(migrationsDir, entry.Name())})
	}

	sort.Slice(downs, func(i, j int) bool {
		return downs[i].version > downs[j].version
	})

	for _, down := range downs {
		sqlBytes, err := os.ReadFile(down.path)
		if err != nil {
			return err
		}
		sqlText := strings.TrimSpace(string(sqlBytes))
		if sqlText == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, sqlText); err != nil {
			return err
		}
	}
	return nil
}
