package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestMigrateLegacyEvents(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	legacy := `CREATE TABLE events (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  kind TEXT NOT NULL,
  channel_id TEXT NOT NULL,
  user_id TEXT NOT NULL DEFAULT '',
  posted_at INTEGER NOT NULL,
  body TEXT NOT NULL DEFAULT '',
  pending INTEGER NOT NULL DEFAULT 0,
  deleted INTEGER NOT NULL DEFAULT 0,
  author_username TEXT NOT NULL DEFAULT '',
  author_display_name TEXT NOT NULL DEFAULT '',
  badges_json TEXT,
  emotes_json TEXT
);`
	if _, err := db.Exec(legacy); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	seed := `INSERT INTO events (id, kind, channel_id, user_id, posted_at, body, pending, badges_json, emotes_json)
VALUES
  ('m1', 'message', 'c1', 'u1', 1, 'hello', 1, NULL, NULL),
  ('local-abc', 'message', 'c1', 'u1', 2, 'mine', 0, '[]', NULL);`
	if _, err := db.Exec(seed); err != nil {
		t.Fatalf("seed rows: %v", err)
	}

	ctx := context.Background()
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// second run is a no-op
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate again: %v", err)
	}

	cols, err := sqliteTableInfo(ctx, db, "events")
	if err != nil {
		t.Fatalf("inspect columns: %v", err)
	}
	for _, name := range []string{"colour", "flags_json", "reply_json", "sub_json"} {
		col, ok := cols[name]
		if !ok {
			t.Fatalf("expected %s column to exist", name)
		}
		if !col.NotNull {
			t.Fatalf("expected %s column to be NOT NULL, got %+v", name, col)
		}
	}

	var nulls int
	if err := db.QueryRow(`SELECT COUNT(*) FROM events WHERE emotes_json IS NULL OR badges_json IS NULL;`).Scan(&nulls); err != nil {
		t.Fatalf("count nulls: %v", err)
	}
	if nulls != 0 {
		t.Fatalf("expected no NULL json columns, got %d", nulls)
	}

	var pending int
	if err := db.QueryRow(`SELECT pending FROM events WHERE id='m1';`).Scan(&pending); err != nil {
		t.Fatalf("read m1: %v", err)
	}
	if pending != 0 {
		t.Fatalf("canonical row should not be pending")
	}
	if err := db.QueryRow(`SELECT pending FROM events WHERE id='local-abc';`).Scan(&pending); err != nil {
		t.Fatalf("read local row: %v", err)
	}
	if pending != 1 {
		t.Fatalf("local row should be pending")
	}

	version, err := sqliteUserVersion(ctx, db)
	if err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if version != schemaVersion {
		t.Fatalf("expected user_version %d, got %d", schemaVersion, version)
	}

	ok, err := sqliteHasIndex(ctx, db, "events", "events_pending")
	if err != nil || !ok {
		t.Fatalf("expected events_pending index, ok=%v err=%v", ok, err)
	}
}

func TestMigrateWithoutEventsTable(t *testing.T) {
	t.Parallel()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "empty.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate empty db: %v", err)
	}
}
