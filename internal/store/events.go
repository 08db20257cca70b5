package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/you/chatledger/internal/core"
)

const eventColumns = `seq, id, kind, channel_id, user_id, posted_at, body, pending, deleted,
  author_username, author_display_name, colour, badges_json, emotes_json, flags_json, reply_json, sub_json`

// StoredEvent pairs an event with its storage sequence number, which is the
// insertion order used as the ordering tiebreak.
type StoredEvent struct {
	Seq   int64
	Event core.ChatEvent
}

type eventRow struct {
	kind       string
	channelID  string
	userID     string
	postedAt   int64
	body       string
	pending    int
	deleted    int
	username   string
	display    string
	colour     string
	badgesJSON string
	emotesJSON string
	flagsJSON  string
	replyJSON  string
	subJSON    string
}

func encodeEvent(ev core.ChatEvent) (eventRow, error) {
	row := eventRow{
		kind:       string(ev.Kind),
		channelID:  ev.ChannelID(),
		userID:     ev.UserID(),
		postedAt:   ev.Time().UTC().UnixNano(),
		body:       ev.Body(),
		badgesJSON: "[]",
		emotesJSON: "[]",
		flagsJSON:  "{}",
	}
	if ev.IsPending() {
		row.pending = 1
	}
	if ev.Deleted() {
		row.deleted = 1
	}

	switch ev.Kind {
	case core.KindMessage:
		m := ev.Message
		row.username = m.AuthorUsername
		row.display = m.AuthorDisplayName
		row.colour = m.Color
		if err := encodeMessageFields(m, &row); err != nil {
			return eventRow{}, err
		}
	case core.KindSubscription:
		data, err := json.Marshal(ev.Subscription)
		if err != nil {
			return eventRow{}, errors.Wrap(err, "encode subscription")
		}
		row.subJSON = string(data)
		row.username = ev.Subscription.Username
		row.display = ev.Subscription.DisplayName
	}
	return row, nil
}

func encodeMessageFields(m *core.Message, row *eventRow) error {
	if len(m.BadgeRefs) > 0 {
		data, err := json.Marshal(m.BadgeRefs)
		if err != nil {
			return errors.Wrap(err, "encode badges")
		}
		row.badgesJSON = string(data)
	}
	if len(m.Emotes) > 0 {
		data, err := json.Marshal(m.Emotes)
		if err != nil {
			return errors.Wrap(err, "encode emotes")
		}
		row.emotesJSON = string(data)
	}
	flags, err := json.Marshal(m.Flags)
	if err != nil {
		return errors.Wrap(err, "encode flags")
	}
	row.flagsJSON = string(flags)
	if m.Reply != nil {
		data, err := json.Marshal(m.Reply)
		if err != nil {
			return errors.Wrap(err, "encode reply")
		}
		row.replyJSON = string(data)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc rowScanner) (StoredEvent, error) {
	var (
		out StoredEvent
		id  string
		r   eventRow
	)
	if err := sc.Scan(&out.Seq, &id, &r.kind, &r.channelID, &r.userID, &r.postedAt, &r.body, &r.pending, &r.deleted,
		&r.username, &r.display, &r.colour, &r.badgesJSON, &r.emotesJSON, &r.flagsJSON, &r.replyJSON, &r.subJSON); err != nil {
		return StoredEvent{}, err
	}
	ts := time.Unix(0, r.postedAt).UTC()

	switch core.Kind(r.kind) {
	case core.KindMessage:
		m := core.Message{
			ID:                id,
			UserID:            r.userID,
			ChannelID:         r.channelID,
			AuthorUsername:    r.username,
			AuthorDisplayName: r.display,
			Body:              r.body,
			PostedAt:          ts,
			Color:             r.colour,
			Deleted:           r.deleted != 0,
		}
		if r.badgesJSON != "" && r.badgesJSON != "[]" {
			if err := json.Unmarshal([]byte(r.badgesJSON), &m.BadgeRefs); err != nil {
				return StoredEvent{}, errors.Wrap(err, "decode badges")
			}
		}
		if r.emotesJSON != "" && r.emotesJSON != "[]" {
			if err := json.Unmarshal([]byte(r.emotesJSON), &m.Emotes); err != nil {
				return StoredEvent{}, errors.Wrap(err, "decode emotes")
			}
		}
		if r.flagsJSON != "" {
			if err := json.Unmarshal([]byte(r.flagsJSON), &m.Flags); err != nil {
				return StoredEvent{}, errors.Wrap(err, "decode flags")
			}
		}
		if r.replyJSON != "" {
			var reply core.ReplyInfo
			if err := json.Unmarshal([]byte(r.replyJSON), &reply); err != nil {
				return StoredEvent{}, errors.Wrap(err, "decode reply")
			}
			m.Reply = &reply
		}
		out.Event = core.MessageEvent(m)
	case core.KindSubscription:
		var sub core.Subscription
		if err := json.Unmarshal([]byte(r.subJSON), &sub); err != nil {
			return StoredEvent{}, errors.Wrap(err, "decode subscription")
		}
		sub.ID = id
		sub.ChannelID = r.channelID
		sub.UserID = r.userID
		sub.OccurredAt = ts
		sub.Deleted = r.deleted != 0
		out.Event = core.SubscriptionEvent(sub)
	default:
		return StoredEvent{}, errors.Errorf("unknown event kind %q", r.kind)
	}
	return out, nil
}

// InsertEvent stores ev unless its id is already present. The author identity
// is created in the same transaction when missing. The boolean reports whether
// a row was written; a duplicate id is not an error.
func (s *SQLiteStore) InsertEvent(ctx context.Context, ev core.ChatEvent) (bool, error) {
	if err := ev.Validate(); err != nil {
		return false, err
	}
	row, err := encodeEvent(ev)
	if err != nil {
		return false, fail("insert event", err)
	}

	inserted := false
	err = s.withTx(ctx, "insert event", func(tx *sql.Tx) error {
		if ident, ok := ev.AuthorIdentity(); ok {
			if err := ensureIdentityTx(ctx, tx, ident, s.now()); err != nil {
				return err
			}
		}
		const q = `INSERT INTO events (id, kind, channel_id, user_id, posted_at, body, pending, deleted,
  author_username, author_display_name, colour, badges_json, emotes_json, flags_json, reply_json, sub_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;`
		res, err := tx.ExecContext(ctx, q, ev.ID(), row.kind, row.channelID, row.userID, row.postedAt, row.body,
			row.pending, row.deleted, row.username, row.display, row.colour, row.badgesJSON, row.emotesJSON,
			row.flagsJSON, row.replyJSON, row.subJSON)
		if err != nil {
			return errors.Wrap(err, "insert event")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "rows affected")
		}
		inserted = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// HasEvent reports whether a row with id exists.
func (s *SQLiteStore) HasEvent(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE id = ?;`, id).Scan(&n)
	if err != nil {
		return false, fail("has event", err)
	}
	return n > 0, nil
}

// GetEvent loads one event by id.
func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (StoredEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?;`, id)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StoredEvent{}, ErrNotFound
		}
		return StoredEvent{}, fail("get event", err)
	}
	return ev, nil
}

// FindPendingSelfEvent returns the most recent local-pending message from
// userID in channelID with exactly body, posted no earlier than within before
// now.
func (s *SQLiteStore) FindPendingSelfEvent(ctx context.Context, userID, channelID, body string, within time.Duration) (StoredEvent, bool, error) {
	cutoff := s.now().Add(-within).UTC().UnixNano()
	const q = `SELECT ` + eventColumns + ` FROM events
WHERE user_id = ? AND channel_id = ? AND pending = 1 AND body = ? AND posted_at >= ?
ORDER BY posted_at DESC, seq DESC
LIMIT 1;`
	ev, err := scanEvent(s.db.QueryRowContext(ctx, q, userID, channelID, body, cutoff))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StoredEvent{}, false, nil
		}
		return StoredEvent{}, false, fail("find pending", err)
	}
	return ev, true, nil
}

// ReconcileEvent rewrites the local-pending row pendingID in place with the
// canonical id and server-confirmed fields. The row keeps its seq and
// posted_at, so its position is unchanged. The deleted flag is never cleared,
// and a read watermark pointing at pendingID follows the row.
func (s *SQLiteStore) ReconcileEvent(ctx context.Context, pendingID string, canonical core.Message) error {
	if !core.IsLocalPendingID(pendingID) || core.IsLocalPendingID(canonical.ID) || canonical.ID == "" {
		return core.ErrInvalidEvent
	}
	var row eventRow
	if err := encodeMessageFields(&canonical, &row); err != nil {
		return fail("reconcile event", err)
	}
	deleted := 0
	if canonical.Deleted {
		deleted = 1
	}

	return s.withTx(ctx, "reconcile event", func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE id = ?;`, canonical.ID).Scan(&exists); err != nil {
			return errors.Wrap(err, "check canonical")
		}
		if exists > 0 {
			return ErrConflict
		}
		if ident, ok := core.MessageEvent(canonical).AuthorIdentity(); ok {
			if err := ensureIdentityTx(ctx, tx, ident, s.now()); err != nil {
				return err
			}
		}
		const q = `UPDATE events SET
  id = ?, pending = 0, deleted = MAX(deleted, ?),
  author_username = ?, author_display_name = ?, colour = ?,
  badges_json = ?, emotes_json = ?, flags_json = ?, reply_json = ?
WHERE id = ? AND pending = 1;`
		res, err := tx.ExecContext(ctx, q, canonical.ID, deleted,
			canonical.AuthorUsername, canonical.AuthorDisplayName, canonical.Color,
			row.badgesJSON, row.emotesJSON, row.flagsJSON, row.replyJSON, pendingID)
		if err != nil {
			return errors.Wrap(err, "rewrite pending")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "rows affected")
		}
		if n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `UPDATE read_state SET event_id = ? WHERE event_id = ?;`, canonical.ID, pendingID); err != nil {
			return errors.Wrap(err, "move watermark")
		}
		return nil
	})
}

// MarkDeleted sets the deleted flag. It reports whether the row exists;
// flagging an already deleted row succeeds.
func (s *SQLiteStore) MarkDeleted(ctx context.Context, id string) (bool, error) {
	found := false
	err := s.withTx(ctx, "mark deleted", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE events SET deleted = 1 WHERE id = ?;`, id)
		if err != nil {
			return errors.Wrap(err, "flag deleted")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "rows affected")
		}
		found = n > 0
		return nil
	})
	return found, err
}

// MarkUserDeleted flags every event of userID in channelID as deleted.
func (s *SQLiteStore) MarkUserDeleted(ctx context.Context, channelID, userID string) (int64, error) {
	var n int64
	err := s.withTx(ctx, "mark user deleted", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE events SET deleted = 1 WHERE channel_id = ? AND user_id = ? AND deleted = 0;`, channelID, userID)
		if err != nil {
			return errors.Wrap(err, "flag user events")
		}
		n, err = res.RowsAffected()
		return errors.Wrap(err, "rows affected")
	})
	return n, err
}

// RecentEvents returns the newest limit events of a channel, oldest first.
func (s *SQLiteStore) RecentEvents(ctx context.Context, channelID string, limit int) ([]core.ChatEvent, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	const q = `SELECT ` + eventColumns + ` FROM events
WHERE channel_id = ?
ORDER BY posted_at DESC, seq DESC
LIMIT ?;`
	return s.listNewestFirst(ctx, "recent events", q, channelID, limit)
}

// EventsByUser is RecentEvents filtered to one user.
func (s *SQLiteStore) EventsByUser(ctx context.Context, userID, channelID string, limit int) ([]core.ChatEvent, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	const q = `SELECT ` + eventColumns + ` FROM events
WHERE user_id = ? AND channel_id = ?
ORDER BY posted_at DESC, seq DESC
LIMIT ?;`
	return s.listNewestFirst(ctx, "events by user", q, userID, channelID, limit)
}

func (s *SQLiteStore) listNewestFirst(ctx context.Context, op, query string, args ...any) ([]core.ChatEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fail(op, err)
	}
	defer rows.Close()

	var out []core.ChatEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fail(op, errors.Wrap(err, "scan event"))
		}
		out = append(out, ev.Event)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(op, errors.Wrap(err, "iterate events"))
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountByUser counts every event of userID in channelID, deleted ones included.
func (s *SQLiteStore) CountByUser(ctx context.Context, userID, channelID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE user_id = ? AND channel_id = ?;`, userID, channelID).Scan(&n)
	if err != nil {
		return 0, fail("count by user", err)
	}
	return n, nil
}

// CountSince counts events in channelID posted strictly after at. The zero
// time counts the whole channel.
func (s *SQLiteStore) CountSince(ctx context.Context, channelID string, at time.Time) (int64, error) {
	cutoff := int64(math.MinInt64)
	if !at.IsZero() {
		cutoff = at.UTC().UnixNano()
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE channel_id = ? AND posted_at > ?;`,
		channelID, cutoff).Scan(&n)
	if err != nil {
		return 0, fail("count since", err)
	}
	return n, nil
}

// ReplayEvents returns a channel's events in storage order. A positive limit
// keeps only the last limit rows.
func (s *SQLiteStore) ReplayEvents(ctx context.Context, channelID string, limit int) ([]StoredEvent, error) {
	var (
		q    string
		args []any
	)
	if limit > 0 {
		q = `SELECT ` + eventColumns + ` FROM (
  SELECT ` + eventColumns + ` FROM events WHERE channel_id = ? ORDER BY seq DESC LIMIT ?
) ORDER BY seq ASC;`
		args = []any{channelID, limit}
	} else {
		q = `SELECT ` + eventColumns + ` FROM events WHERE channel_id = ? ORDER BY seq ASC;`
		args = []any{channelID}
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fail("replay events", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fail("replay events", errors.Wrap(err, "scan event"))
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("replay events", errors.Wrap(err, "iterate events"))
	}
	return out, nil
}
