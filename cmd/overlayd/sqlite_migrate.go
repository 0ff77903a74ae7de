package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/you/overlaykit/internal/store"
)

const settingsSchemaVersion = 2

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// legacyKeys maps single-timer keys from the first settings layout to the
// per-timer layout.
var legacyKeys = map[string]string{
	"timerSettings": store.TimerSettingsKey(""),
	"timerState":    store.TimerStateKey(""),
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	path := sqlitePath(ctx, db)
	userVersion, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: user_version: %w", err)
	}

	log.Info().Str("path", path).Int("user_version", userVersion).Msg("overlayd: sqlite")

	columns, err := sqliteTableInfo(ctx, db, "settings")
	if err != nil {
		return fmt.Errorf("sqlite: describe settings: %w", err)
	}
	if len(columns) == 0 {
		log.Info().Msg("overlayd: sqlite: settings table missing; skipping migration")
		return nil
	}

	if _, ok := columns["updated_at"]; !ok {
		if _, err := db.ExecContext(ctx, `ALTER TABLE settings ADD COLUMN updated_at TEXT NOT NULL DEFAULT '';`); err != nil {
			return fmt.Errorf("sqlite: ensure updated_at column: %w", err)
		}
		log.Info().Msg("overlayd: sqlite: added updated_at column to settings")
	}

	normalize := []struct {
		query string
		label string
	}{
		{`DELETE FROM settings WHERE value IS NULL OR TRIM(value) = '';`, "empty values"},
		{`UPDATE settings SET updated_at='' WHERE updated_at IS NULL;`, "updated_at"},
	}
	for _, step := range normalize {
		res, execErr := db.ExecContext(ctx, step.query)
		if execErr != nil {
			return fmt.Errorf("sqlite: normalize %s: %w", step.label, execErr)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			log.Info().Str("step", step.label).Int64("rows", n).Msg("overlayd: sqlite: normalized")
		}
	}

	for from, to := range legacyKeys {
		res, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO settings (key, value, updated_at)
SELECT ?, value, updated_at FROM settings WHERE key = ?;`, to, from)
		if err != nil {
			return fmt.Errorf("sqlite: move %s: %w", from, err)
		}
		if _, err := db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?;`, from); err != nil {
			return fmt.Errorf("sqlite: drop %s: %w", from, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			log.Info().Str("from", from).Str("to", to).Msg("overlayd: sqlite: moved legacy key")
		}
	}

	if userVersion < settingsSchemaVersion {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, settingsSchemaVersion)); err != nil {
			return fmt.Errorf("sqlite: set user_version: %w", err)
		}
	}

	var count int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM settings;`).Scan(&count); err != nil {
		return fmt.Errorf("sqlite: count settings: %w", err)
	}
	hasIndex, err := sqliteHasIndex(ctx, db, "settings", "sqlite_autoindex_settings_1")
	if err != nil {
		return fmt.Errorf("sqlite: inspect indices: %w", err)
	}
	log.Info().
		Int64("settings", count).
		Bool("key_index", hasIndex).
		Int("user_version", max(userVersion, settingsSchemaVersion)).
		Msg("overlayd: sqlite: migration complete")

	return nil
}

func sqlitePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var userVersion int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&userVersion); err != nil {
		return 0, err
	}
	return userVersion, nil
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		out[strings.ToLower(strings.TrimSpace(name))] = sqliteColumn{
			Name:        name,
			Type:        strings.TrimSpace(colType),
			NotNull:     notNull == 1,
			DefaultText: strings.TrimSpace(defaultVal.String),
		}
	}
	return out, rows.Err()
}

func sqliteHasIndex(ctx context.Context, db *sql.DB, table, index string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list('%s');`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), index) {
			return true, nil
		}
	}
	return false, rows.Err()
}
