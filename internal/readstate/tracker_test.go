package readstate

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/you/chatledger/internal/core"
	"github.com/you/chatledger/internal/reconcile"
	"github.com/you/chatledger/internal/session"
	"github.com/you/chatledger/internal/store"
)

var base = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*reconcile.Engine, *store.SQLiteStore, reconcile.Options) {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "read.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	now := base
	clock := func() time.Time { return now }
	st.SetClock(clock)
	opts := reconcile.Options{
		Session: session.NewContext(session.ContextParams{UserID: "me", Username: "me", ChannelID: "c1"}),
		Clock:   clock,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	e := reconcile.New(st, opts)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e, st, opts
}

func observe(t *testing.T, e *reconcile.Engine, id string, offset time.Duration) {
	t.Helper()
	res := e.Observe(context.Background(), core.MessageEvent(core.Message{
		ID: id, UserID: "u-" + id, ChannelID: "c1", AuthorUsername: "u" + id,
		Body: "line " + id, PostedAt: base.Add(offset),
	}))
	if res.Err != nil {
		t.Fatalf("observe %s: %+v", id, res)
	}
}

func TestMarkReadAndIsRead(t *testing.T) {
	e, st, _ := setup(t)
	tr := New(st, e, nil)
	defer tr.Close()
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c", "d"} {
		observe(t, e, id, time.Duration(i)*time.Second)
	}
	if n := tr.UnreadCount("c1"); n != 4 {
		t.Fatalf("expected 4 unread before any mark, got %d", n)
	}
	if err := tr.MarkRead(ctx, "b"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	for id, want := range map[string]bool{"a": true, "b": true, "c": false, "d": false} {
		if got := tr.IsRead(id); got != want {
			t.Fatalf("IsRead(%s) = %v want %v", id, got, want)
		}
	}
	if n := tr.UnreadCount("c1"); n != 2 {
		t.Fatalf("expected 2 unread, got %d", n)
	}

	// moving backwards is allowed
	if err := tr.MarkRead(ctx, "a"); err != nil {
		t.Fatalf("mark back: %v", err)
	}
	if tr.IsRead("b") {
		t.Fatalf("watermark should be overwritten, not maxed")
	}

	if err := tr.MarkAllRead(ctx, "c1"); err != nil {
		t.Fatalf("mark all: %v", err)
	}
	if n := tr.UnreadCount("c1"); n != 0 || !tr.IsRead("d") {
		t.Fatalf("expected everything read, unread=%d", n)
	}
	if err := tr.MarkRead(ctx, "missing"); err != ErrUnknownEvent {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestWatermarkSurvivesRestart(t *testing.T) {
	e, st, opts := setup(t)
	tr := New(st, e, nil)
	ctx := context.Background()

	observe(t, e, "a", 0)
	observe(t, e, "b", time.Second)
	if err := tr.MarkRead(ctx, "a"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	tr.Close()

	fresh := reconcile.New(st, opts)
	defer fresh.Close(ctx)
	if _, err := fresh.Replay(ctx, "c1"); err != nil {
		t.Fatalf("replay: %v", err)
	}
	tr2 := New(st, fresh, nil)
	defer tr2.Close()
	mark, ok, err := tr2.Load(ctx, "c1")
	if err != nil || !ok || mark.EventID != "a" {
		t.Fatalf("load: %+v ok=%v err=%v", mark, ok, err)
	}
	if !tr2.IsRead("a") || tr2.IsRead("b") || tr2.UnreadCount("c1") != 1 {
		t.Fatalf("restored watermark not applied")
	}

	if _, ok, err := tr2.Load(ctx, "other"); ok || err != nil {
		t.Fatalf("unknown channel: ok=%v err=%v", ok, err)
	}
}

func TestWatermarkFollowsReconciledID(t *testing.T) {
	e, st, _ := setup(t)
	tr := New(st, e, nil)
	defer tr.Close()
	ctx := context.Background()

	sent := e.SendLocal(ctx, "my line")
	if err := tr.MarkRead(ctx, sent.EventID); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	res := e.Observe(ctx, core.MessageEvent(core.Message{
		ID: "tw-1", UserID: "me", ChannelID: "c1", AuthorUsername: "me",
		Body: "my line", PostedAt: base,
	}))
	if res.Outcome != reconcile.OutcomeReconciled {
		t.Fatalf("expected reconcile, got %+v", res)
	}

	mark, _ := tr.Watermark("c1")
	if mark.EventID != "tw-1" || !tr.IsRead("tw-1") {
		t.Fatalf("watermark stuck on pending id: %+v", mark)
	}
	wm, err := st.ReadWatermark(ctx, "c1")
	if err != nil || wm.EventID != "tw-1" {
		t.Fatalf("stored watermark stuck on pending id: %+v err=%v", wm, err)
	}
}

func TestUnreadFallsBackToTimeWhenMarkNotInView(t *testing.T) {
	e, st, _ := setup(t)
	ctx := context.Background()
	if err := st.SetReadWatermark(ctx, "c1", "trimmed", base.Add(time.Second)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	tr := New(st, e, nil)
	defer tr.Close()
	if _, _, err := tr.Load(ctx, "c1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	observe(t, e, "a", 0)
	observe(t, e, "b", 2*time.Second)
	if n := tr.UnreadCount("c1"); n != 1 {
		t.Fatalf("expected 1 unread, got %d", n)
	}
	if !tr.IsRead("a") || tr.IsRead("b") {
		t.Fatalf("time fallback misapplied")
	}
}

// lateReconcileView runs hook once, right after the first Lookup, so a
// reconcile lands between MarkRead's lookup and its write.
type lateReconcileView struct {
	*reconcile.Engine
	hook func()
}

func (v *lateReconcileView) Lookup(id string) (core.ChatEvent, bool) {
	ev, ok := v.Engine.Lookup(id)
	if v.hook != nil {
		hook := v.hook
		v.hook = nil
		hook()
	}
	return ev, ok
}

func TestMarkReadOnPendingReconciledMidway(t *testing.T) {
	e, st, _ := setup(t)
	ctx := context.Background()
	view := &lateReconcileView{Engine: e}
	tr := New(st, view, nil)
	defer tr.Close()

	sent := e.SendLocal(ctx, "my line")
	view.hook = func() {
		res := e.Observe(ctx, core.MessageEvent(core.Message{
			ID: "tw-7", UserID: "me", ChannelID: "c1", AuthorUsername: "me",
			Body: "my line", PostedAt: base,
		}))
		if res.Outcome != reconcile.OutcomeReconciled {
			t.Errorf("expected reconcile, got %+v", res)
		}
	}
	if err := tr.MarkRead(ctx, sent.EventID); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	if mark, _ := tr.Watermark("c1"); mark.EventID != "tw-7" {
		t.Fatalf("watermark kept the pending id: %+v", mark)
	}
	wm, err := st.ReadWatermark(ctx, "c1")
	if err != nil || wm.EventID != "tw-7" {
		t.Fatalf("stored watermark kept the pending id: %+v err=%v", wm, err)
	}
	if !tr.IsRead("tw-7") {
		t.Fatalf("reconciled event should read as read")
	}
}
