package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"
)

const schema = `CREATE TABLE IF NOT EXISTS identities (
  id TEXT PRIMARY KEY,
  username TEXT NOT NULL,
  display_name TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
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
  colour TEXT NOT NULL DEFAULT '',
  badges_json TEXT NOT NULL DEFAULT '[]',
  emotes_json TEXT NOT NULL DEFAULT '[]',
  flags_json TEXT NOT NULL DEFAULT '{}',
  reply_json TEXT NOT NULL DEFAULT '',
  sub_json TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS events_channel_time ON events(channel_id, posted_at, seq);
CREATE INDEX IF NOT EXISTS events_user_channel_time ON events(user_id, channel_id, posted_at, seq);
CREATE INDEX IF NOT EXISTS events_pending ON events(user_id, channel_id, posted_at) WHERE pending = 1;
CREATE TABLE IF NOT EXISTS read_state (
  channel_id TEXT PRIMARY KEY,
  event_id TEXT NOT NULL,
  posted_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);`

const defaultListLimit = 100

// SQLiteStore is the durable Message Store. Every mutating call runs in a
// single transaction.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. All access goes through one connection so writes are serialized.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if err := Migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func dsn(path string) string {
	path = strings.TrimSpace(path)
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_txlock=immediate"
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

// RawDB exposes the handle for migrations and inspection tooling.
func (s *SQLiteStore) RawDB() *sql.DB { return s.db }

// SetClock replaces the time source used for merge-window queries and
// bookkeeping columns.
func (s *SQLiteStore) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *SQLiteStore) String() string {
	return fmt.Sprintf("SQLiteStore{%p}", s.db)
}

func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fail(op, errors.Wrap(err, "begin"))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || IsStorageFailure(err) {
			return err
		}
		return fail(op, err)
	}
	if err := tx.Commit(); err != nil {
		return fail(op, errors.Wrap(err, "commit"))
	}
	return nil
}
