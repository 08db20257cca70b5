package store

import "context"

// Counters reports row totals for metric exporters. Errors yield an empty map
// so a scrape never fails on a busy database.
func (s *SQLiteStore) Counters(ctx context.Context) map[string]float64 {
	var events, deleted, pending, identities int64
	err := s.db.QueryRowContext(ctx, `SELECT
  COUNT(*),
  COALESCE(SUM(deleted), 0),
  COALESCE(SUM(pending), 0),
  (SELECT COUNT(*) FROM identities)
FROM events;`).Scan(&events, &deleted, &pending, &identities)
	if err != nil {
		return map[string]float64{}
	}
	return map[string]float64{
		"events":         float64(events),
		"deleted_events": float64(deleted),
		"pending_events": float64(pending),
		"identities":     float64(identities),
	}
}
