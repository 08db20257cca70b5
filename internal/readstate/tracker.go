// Package readstate tracks one "last read" watermark per channel over the
// engine's ordered view.
package readstate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/you/chatledger/internal/core"
	"github.com/you/chatledger/internal/reconcile"
	"github.com/you/chatledger/internal/store"
)

var ErrUnknownEvent = errors.New("readstate: event not in view")

// renameMemory bounds how many reconciled pending ids the tracker remembers.
const renameMemory = 64

type Store interface {
	SetReadWatermark(ctx context.Context, channelID, eventID string, postedAt time.Time) error
	ReadWatermark(ctx context.Context, channelID string) (store.Watermark, error)
}

// View is the read side of the reconciliation engine.
type View interface {
	Position(id string) (int, bool)
	Lookup(id string) (core.ChatEvent, bool)
	Last(channelID string) (core.ChatEvent, int, bool)
	Len(channelID string) int
	CountAfter(channelID string, at time.Time) int
	Subscribe(fn reconcile.Listener) func()
}

type Mark struct {
	EventID  string    `json:"event_id"`
	PostedAt time.Time `json:"posted_at"`
}

type Tracker struct {
	store Store
	view  View
	log   *slog.Logger

	mu    sync.Mutex
	marks map[string]Mark
	// renamed maps recently reconciled pending ids to their canonical ids.
	renamed     map[string]string
	renameOrder []string

	unsubscribe func()
}

// New builds a tracker that follows reconciled ids so a watermark on a
// local-pending message survives its replacement.
func New(st Store, view View, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		store:   st,
		view:    view,
		log:     logger,
		marks:   make(map[string]Mark),
		renamed: make(map[string]string),
	}
	t.unsubscribe = view.Subscribe(t.onChange)
	return t
}

func (t *Tracker) onChange(n reconcile.Notification) {
	if n.Type != reconcile.NotifyReconciled || n.PreviousID == "" {
		return
	}
	t.mu.Lock()
	t.rememberRenameLocked(n.PreviousID, n.EventID)
	m, ok := t.marks[n.ChannelID]
	if !ok || m.EventID != n.PreviousID {
		t.mu.Unlock()
		return
	}
	m.EventID = n.EventID
	t.marks[n.ChannelID] = m
	t.mu.Unlock()

	if err := t.store.SetReadWatermark(context.Background(), n.ChannelID, m.EventID, m.PostedAt); err != nil {
		t.log.Warn("readstate: persist reconciled watermark failed", "channel_id", n.ChannelID, "err", err)
	}
}

func (t *Tracker) rememberRenameLocked(prev, next string) {
	if _, ok := t.renamed[prev]; !ok {
		if len(t.renameOrder) >= renameMemory {
			delete(t.renamed, t.renameOrder[0])
			t.renameOrder = t.renameOrder[1:]
		}
		t.renameOrder = append(t.renameOrder, prev)
	}
	t.renamed[prev] = next
}

// Load restores a channel's persisted watermark.
func (t *Tracker) Load(ctx context.Context, channelID string) (Mark, bool, error) {
	wm, err := t.store.ReadWatermark(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return Mark{}, false, nil
	}
	if err != nil {
		return Mark{}, false, err
	}
	m := Mark{EventID: wm.EventID, PostedAt: wm.PostedAt}
	t.mu.Lock()
	t.marks[channelID] = m
	t.mu.Unlock()
	return m, true, nil
}

// MarkRead moves the watermark to eventID, forwards or backwards. The
// in-memory mark changes even when persisting fails.
func (t *Tracker) MarkRead(ctx context.Context, eventID string) error {
	ev, ok := t.view.Lookup(eventID)
	if !ok {
		return ErrUnknownEvent
	}
	return t.set(ctx, ev)
}

// MarkAllRead moves the watermark to the newest event of the channel.
func (t *Tracker) MarkAllRead(ctx context.Context, channelID string) error {
	ev, _, ok := t.view.Last(channelID)
	if !ok {
		return nil
	}
	return t.set(ctx, ev)
}

// set stores ev as the channel's mark. A pending event reconciled since it was
// looked up is stored under its canonical id, and a reconcile that lands
// while the write is in flight is written again.
func (t *Tracker) set(ctx context.Context, ev core.ChatEvent) error {
	channelID := ev.ChannelID()
	t.mu.Lock()
	id := ev.ID()
	if next, ok := t.renamed[id]; ok {
		id = next
	}
	m := Mark{EventID: id, PostedAt: ev.Time()}
	t.marks[channelID] = m
	t.mu.Unlock()

	if err := t.store.SetReadWatermark(ctx, channelID, m.EventID, m.PostedAt); err != nil {
		t.log.Warn("readstate: persist watermark failed", "channel_id", channelID, "err", err)
		return err
	}

	t.mu.Lock()
	cur := t.marks[channelID]
	t.mu.Unlock()
	if cur == m {
		return nil
	}
	if err := t.store.SetReadWatermark(ctx, channelID, cur.EventID, cur.PostedAt); err != nil {
		t.log.Warn("readstate: persist watermark failed", "channel_id", channelID, "err", err)
		return err
	}
	return nil
}

func (t *Tracker) Watermark(channelID string) (Mark, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.marks[channelID]
	return m, ok
}

// IsRead reports whether eventID sits at or before its channel's watermark.
func (t *Tracker) IsRead(eventID string) bool {
	ev, ok := t.view.Lookup(eventID)
	if !ok {
		return false
	}
	mark, ok := t.Watermark(ev.ChannelID())
	if !ok {
		return false
	}
	evPos, evOK := t.view.Position(eventID)
	markPos, markOK := t.view.Position(mark.EventID)
	if evOK && markOK {
		return evPos <= markPos
	}
	return !ev.Time().After(mark.PostedAt)
}

// UnreadCount counts events after the watermark.
func (t *Tracker) UnreadCount(channelID string) int {
	mark, ok := t.Watermark(channelID)
	if !ok {
		return t.view.Len(channelID)
	}
	if pos, ok := t.view.Position(mark.EventID); ok {
		return t.view.Len(channelID) - pos - 1
	}
	return t.view.CountAfter(channelID, mark.PostedAt)
}

func (t *Tracker) Close() {
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
}
