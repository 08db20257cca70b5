package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/you/chatledger/internal/core"
)

const searchLimit = 20

func ensureIdentityTx(ctx context.Context, tx *sql.Tx, ident core.Identity, now time.Time) error {
	if ident.ID == "" {
		return nil
	}
	const q = `INSERT INTO identities (id, username, display_name, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;`
	if _, err := tx.ExecContext(ctx, q, ident.ID, ident.Username, ident.DisplayName, now.UTC().UnixNano()); err != nil {
		return errors.Wrap(err, "ensure identity")
	}
	return nil
}

// UpsertIdentity records ident, replacing any previous names for the id.
func (s *SQLiteStore) UpsertIdentity(ctx context.Context, ident core.Identity) error {
	if ident.ID == "" {
		return core.ErrInvalidEvent
	}
	ident = core.NewIdentity(ident.ID, ident.Username, ident.DisplayName)
	return s.withTx(ctx, "upsert identity", func(tx *sql.Tx) error {
		const q = `INSERT INTO identities (id, username, display_name, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  username = excluded.username,
  display_name = excluded.display_name,
  updated_at = excluded.updated_at;`
		_, err := tx.ExecContext(ctx, q, ident.ID, ident.Username, ident.DisplayName, s.now().UTC().UnixNano())
		return errors.Wrap(err, "upsert identity")
	})
}

// LookupIdentity loads one identity. It returns ErrNotFound for unknown ids.
func (s *SQLiteStore) LookupIdentity(ctx context.Context, id string) (core.Identity, error) {
	var ident core.Identity
	err := s.db.QueryRowContext(ctx, `SELECT id, username, display_name FROM identities WHERE id = ?;`, id).
		Scan(&ident.ID, &ident.Username, &ident.DisplayName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Identity{}, ErrNotFound
		}
		return core.Identity{}, fail("lookup identity", err)
	}
	return ident, nil
}

// SearchIdentities returns identities whose username starts with prefix,
// case-insensitively, ordered by username.
func (s *SQLiteStore) SearchIdentities(ctx context.Context, prefix string, limit int) ([]core.Identity, error) {
	if limit <= 0 {
		limit = searchLimit
	}
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)

	rows, err := s.db.QueryContext(ctx, `SELECT id, username, display_name FROM identities
WHERE username LIKE ? ESCAPE '\'
ORDER BY username
LIMIT ?;`, escaped+"%", limit)
	if err != nil {
		return nil, fail("search identities", err)
	}
	defer rows.Close()

	var out []core.Identity
	for rows.Next() {
		var ident core.Identity
		if err := rows.Scan(&ident.ID, &ident.Username, &ident.DisplayName); err != nil {
			return nil, fail("search identities", err)
		}
		out = append(out, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("search identities", err)
	}
	return out, nil
}

// AllIdentities loads the whole directory, used to warm caches at startup.
func (s *SQLiteStore) AllIdentities(ctx context.Context) ([]core.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, username, display_name FROM identities ORDER BY id;`)
	if err != nil {
		return nil, fail("all identities", err)
	}
	defer rows.Close()

	var out []core.Identity
	for rows.Next() {
		var ident core.Identity
		if err := rows.Scan(&ident.ID, &ident.Username, &ident.DisplayName); err != nil {
			return nil, fail("all identities", err)
		}
		out = append(out, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("all identities", err)
	}
	return out, nil
}
