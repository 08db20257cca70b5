package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
)

// schemaVersion is written to PRAGMA user_version once Migrate succeeds.
const schemaVersion = 2

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// Migrate brings a database created by an older build up to the current
// events schema. It is idempotent and runs on every open.
func Migrate(ctx context.Context, db *sql.DB) error {
	path := sqlitePath(ctx, db)
	userVersion, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: user_version: %w", err)
	}

	log.Printf("store: sqlite: path=%s user_version=%d", path, userVersion)

	columns, err := sqliteTableInfo(ctx, db, "events")
	if err != nil {
		return fmt.Errorf("sqlite: describe events: %w", err)
	}
	if len(columns) == 0 {
		log.Printf("store: sqlite: events table missing; skipping migration")
		return nil
	}

	added := []struct {
		name string
		ddl  string
	}{
		{"colour", `ALTER TABLE events ADD COLUMN colour TEXT NOT NULL DEFAULT '';`},
		{"flags_json", `ALTER TABLE events ADD COLUMN flags_json TEXT NOT NULL DEFAULT '{}';`},
		{"reply_json", `ALTER TABLE events ADD COLUMN reply_json TEXT NOT NULL DEFAULT '';`},
		{"sub_json", `ALTER TABLE events ADD COLUMN sub_json TEXT NOT NULL DEFAULT '';`},
	}
	for _, col := range added {
		if _, ok := columns[col.name]; ok {
			continue
		}
		if _, err := db.ExecContext(ctx, col.ddl); err != nil {
			return fmt.Errorf("sqlite: ensure %s column: %w", col.name, err)
		}
		log.Printf("store: sqlite: added %s column to events", col.name)
	}

	normalize := []struct {
		query string
		label string
	}{
		{`UPDATE events SET emotes_json='[]' WHERE emotes_json IS NULL OR emotes_json='';`, "emotes_json"},
		{`UPDATE events SET badges_json='[]' WHERE badges_json IS NULL OR badges_json='';`, "badges_json"},
		{`UPDATE events SET flags_json='{}' WHERE flags_json IS NULL OR flags_json='';`, "flags_json"},
		{`UPDATE events SET pending=0 WHERE pending=1 AND id NOT LIKE 'local-%';`, "pending"},
		{`UPDATE events SET pending=1 WHERE pending=0 AND id LIKE 'local-%';`, "pending"},
	}
	for _, step := range normalize {
		res, execErr := db.ExecContext(ctx, step.query)
		if execErr != nil {
			return fmt.Errorf("sqlite: normalize %s: %w", step.label, execErr)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			log.Printf("store: sqlite: normalized %s rows=%d", step.label, n)
		}
	}

	hasPending, err := sqliteHasIndex(ctx, db, "events", "events_pending")
	if err != nil {
		return fmt.Errorf("sqlite: inspect indices: %w", err)
	}
	if !hasPending {
		if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS events_pending ON events(user_id, channel_id, posted_at) WHERE pending = 1;`); err != nil {
			return fmt.Errorf("sqlite: ensure events_pending: %w", err)
		}
	}

	if userVersion != schemaVersion {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, schemaVersion)); err != nil {
			return fmt.Errorf("sqlite: set user_version: %w", err)
		}
		log.Printf("store: sqlite: user_version %d -> %d", userVersion, schemaVersion)
	}
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
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
