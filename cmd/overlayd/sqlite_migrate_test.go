package main

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestMigrateSQLite(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	schema := `CREATE TABLE settings (
  key TEXT NOT NULL PRIMARY KEY,
  value TEXT
);`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	seed := `INSERT INTO settings (key, value) VALUES
  ('timerSettings', '{"mode":"hype"}'),
  ('timerState', '{"seconds":12}'),
  ('timer/raid/settings', '{"mode":"countup"}'),
  ('broken', NULL),
  ('blank', '  ');
`
	if _, err := db.Exec(seed); err != nil {
		t.Fatalf("seed rows: %v", err)
	}

	ctx := context.Background()
	if err := migrateSQLite(ctx, db); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}

	cols, err := sqliteTableInfo(ctx, db, "settings")
	if err != nil {
		t.Fatalf("inspect columns: %v", err)
	}
	updated, ok := cols["updated_at"]
	if !ok {
		t.Fatalf("expected updated_at column to exist")
	}
	if !updated.NotNull || updated.DefaultText == "" {
		t.Fatalf("expected updated_at to be NOT NULL with default, got %+v", updated)
	}

	var value string
	if err := db.QueryRow(`SELECT value FROM settings WHERE key = 'timer/default/settings';`).Scan(&value); err != nil {
		t.Fatalf("legacy settings not moved: %v", err)
	}
	if value != `{"mode":"hype"}` {
		t.Fatalf("unexpected moved value %q", value)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM settings;`).Scan(&count); err != nil {
		t.Fatalf("count settings: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 settings after migration, got %d", count)
	}

	version, err := sqliteUserVersion(ctx, db)
	if err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if version != settingsSchemaVersion {
		t.Fatalf("user_version = %d, want %d", version, settingsSchemaVersion)
	}

	// A second run is a no-op.
	if err := migrateSQLite(ctx, db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM settings;`).Scan(&count); err != nil || count != 3 {
		t.Fatalf("second run changed rows: count=%d err=%v", count, err)
	}
}

func TestMigrateSQLiteWithoutTable(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "empty.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	if err := migrateSQLite(context.Background(), db); err != nil {
		t.Fatalf("migrate empty db: %v", err)
	}
}
