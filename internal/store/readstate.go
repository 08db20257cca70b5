package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// Watermark is the last event a channel has been read up to.
type Watermark struct {
	ChannelID string
	EventID   string
	PostedAt  time.Time
	UpdatedAt time.Time
}

// SetReadWatermark overwrites the channel's watermark.
func (s *SQLiteStore) SetReadWatermark(ctx context.Context, channelID, eventID string, postedAt time.Time) error {
	return s.withTx(ctx, "set watermark", func(tx *sql.Tx) error {
		const q = `INSERT INTO read_state (channel_id, event_id, posted_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(channel_id) DO UPDATE SET
  event_id = excluded.event_id,
  posted_at = excluded.posted_at,
  updated_at = excluded.updated_at;`
		_, err := tx.ExecContext(ctx, q, channelID, eventID, postedAt.UTC().UnixNano(), s.now().UTC().UnixNano())
		return errors.Wrap(err, "write watermark")
	})
}

// ReadWatermark returns the stored watermark, or ErrNotFound when the channel
// has never been marked read.
func (s *SQLiteStore) ReadWatermark(ctx context.Context, channelID string) (Watermark, error) {
	var (
		wm        = Watermark{ChannelID: channelID}
		posted    int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT event_id, posted_at, updated_at FROM read_state WHERE channel_id = ?;`, channelID).
		Scan(&wm.EventID, &posted, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Watermark{}, ErrNotFound
		}
		return Watermark{}, fail("read watermark", err)
	}
	wm.PostedAt = time.Unix(0, posted).UTC()
	wm.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return wm, nil
}
