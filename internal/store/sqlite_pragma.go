package store

import (
	"context"
	"database/sql"
	"errors"
	"os"

	"github.com/rs/zerolog/log"
)

// ApplySQLitePragmas applies optional SQLite tuning statements when enabled via
// OVERLAY_SQLITE_TUNING=1. Each pragma result is logged.
func ApplySQLitePragmas(ctx context.Context, db *sql.DB) {
	if os.Getenv("OVERLAY_SQLITE_TUNING") != "1" {
		return
	}

	pragmas := []string{
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA wal_autocheckpoint=1000;",
		"PRAGMA temp_store=MEMORY;",
	}

	for _, pragma := range pragmas {
		if value, err := applyPragma(ctx, db, pragma); err != nil {
			log.Warn().Err(err).Str("pragma", pragma).Msg("store: sqlite pragma failed")
		} else {
			log.Info().Str("pragma", pragma).Interface("value", value).Msg("store: sqlite pragma applied")
		}
	}
}

func applyPragma(ctx context.Context, db *sql.DB, pragma string) (any, error) {
	var value any
	if err := db.QueryRowContext(ctx, pragma).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
				return nil, execErr
			}
			return "ok", nil
		}
		return nil, err
	}
	return value, nil
}
