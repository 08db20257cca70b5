package store

import (
	"context"
	"database/sql"
	"errors"
	"log"
)

// tuningPragmas trade a little durability for write throughput; WAL keeps the
// database consistent across crashes either way.
var tuningPragmas = []string{
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA wal_autocheckpoint=1000;",
	"PRAGMA temp_store=MEMORY;",
	"PRAGMA mmap_size=268435456;",
}

// Tune applies the tuning pragmas and reports how many took effect. A failed
// pragma is logged and skipped.
func (s *SQLiteStore) Tune(ctx context.Context) int {
	applied := 0
	for _, pragma := range tuningPragmas {
		value, err := applyPragma(ctx, s.db, pragma)
		if err != nil {
			log.Printf("store: sqlite: pragma %s failed: %v", pragma, err)
			continue
		}
		applied++
		log.Printf("store: sqlite: pragma %s => %v", pragma, value)
	}
	return applied
}

// applyPragma reads the pragma's result row when it has one and falls back
// to Exec for pragmas that return nothing.
func applyPragma(ctx context.Context, db *sql.DB, pragma string) (any, error) {
	var value any
	err := db.QueryRowContext(ctx, pragma).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return nil, err
		}
		return "ok", nil
	}
	return value, err
}
