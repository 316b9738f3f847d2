package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

const testMigrationsDir = "../../db/migrations"

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := os.ReadDir(testMigrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, direction := match[1], match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestAppendOnlyMigrationBlocksUpdateAndDelete(t *testing.T) {
	contents, err := os.ReadFile(filepath.Join(testMigrationsDir, "0002_stroke_records_append_only.up.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sql := strings.ToUpper(string(contents))
	for _, want := range []string{
		"BEFORE UPDATE ON STROKE_RECORDS",
		"BEFORE DELETE ON STROKE_RECORDS",
		"ERRCODE = '55000'",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("expected migration to contain %q", want)
		}
	}
}

func TestStrokeRecordsMigrationConstrainsKinds(t *testing.T) {
	contents, err := os.ReadFile(filepath.Join(testMigrationsDir, "0001_stroke_records.up.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	for _, kind := range []Kind{KindStroke, KindUndo, KindRedo, KindClear, KindCut} {
		if !strings.Contains(string(contents), "'"+string(kind)+"'") {
			t.Fatalf("kind %s missing from CHECK constraint", kind)
		}
	}
}
