package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/you/chatledger/internal/core"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	st.SetClock(func() time.Time { return base.Add(time.Minute) })
	return st
}

func msg(id, user, body string, at time.Time) core.ChatEvent {
	return core.MessageEvent(core.Message{
		ID: id, UserID: user, ChannelID: "c1",
		AuthorUsername: user + "_name", AuthorDisplayName: user + "_Name",
		Body: body, PostedAt: at,
	})
}

func TestInsertEventIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	ev := msg("m1", "u1", "hello", base)
	ev.Message.BadgeRefs = []string{"moderator/1", "subscriber/12"}
	ev.Message.Emotes = []core.EmotePosition{{EmoteID: "25", Start: 0, End: 5}}
	ev.Message.Reply = &core.ReplyInfo{ParentID: "p1", ParentAuthorDisplayName: "Parent", ParentBodySnapshot: "orig"}
	ev.Message.Flags = core.MessageFlags{IsCheer: true, BitsAmount: 100}

	inserted, err := st.InsertEvent(ctx, ev)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	inserted, err = st.InsertEvent(ctx, ev)
	if err != nil || inserted {
		t.Fatalf("duplicate insert: inserted=%v err=%v", inserted, err)
	}

	got, err := st.GetEvent(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	m := got.Event.Message
	if m == nil || m.Body != "hello" || !m.PostedAt.Equal(base) {
		t.Fatalf("unexpected message: %+v", m)
	}
	if len(m.BadgeRefs) != 2 || m.BadgeRefs[0] != "moderator/1" {
		t.Fatalf("badge order lost: %v", m.BadgeRefs)
	}
	if len(m.Emotes) != 1 || m.Emotes[0].End != 5 {
		t.Fatalf("emotes lost: %v", m.Emotes)
	}
	if m.Reply == nil || m.Reply.ParentID != "p1" {
		t.Fatalf("reply lost: %+v", m.Reply)
	}
	if !m.Flags.IsCheer || m.Flags.BitsAmount != 100 {
		t.Fatalf("flags lost: %+v", m.Flags)
	}

	ident, err := st.LookupIdentity(ctx, "u1")
	if err != nil {
		t.Fatalf("identity not created with event: %v", err)
	}
	if ident.Username != "u1_name" || ident.DisplayName != "u1_Name" {
		t.Fatalf("unexpected identity: %+v", ident)
	}
}

func TestInsertEventRejectsInvalid(t *testing.T) {
	st := openTestStore(t)
	_, err := st.InsertEvent(context.Background(), core.MessageEvent(core.Message{ID: "x"}))
	if !errors.Is(err, core.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestSubscriptionRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sub := core.SubscriptionEvent(core.Subscription{
		ID: "s1", Kind: core.SubResub, UserID: "u2", ChannelID: "c1",
		Username: "viewer", DisplayName: "Viewer", OccurredAt: base,
		Tier: "2000", CumulativeMonths: 14, StreakMonths: 3, Body: "still here",
	})
	if _, err := st.InsertEvent(ctx, sub); err != nil {
		t.Fatalf("insert sub: %v", err)
	}
	got, err := st.GetEvent(ctx, "s1")
	if err != nil {
		t.Fatalf("get sub: %v", err)
	}
	s := got.Event.Subscription
	if got.Event.Kind != core.KindSubscription || s == nil {
		t.Fatalf("expected subscription, got %+v", got.Event)
	}
	if s.Tier != "2000" || s.CumulativeMonths != 14 || s.StreakMonths != 3 || !s.OccurredAt.Equal(base) {
		t.Fatalf("unexpected subscription: %+v", s)
	}
}

func TestFindPendingAndReconcile(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	pendingID := core.NewLocalPendingID()
	if _, err := st.InsertEvent(ctx, msg(pendingID, "me", "gg", base.Add(59*time.Second))); err != nil {
		t.Fatalf("insert pending: %v", err)
	}
	if _, err := st.InsertEvent(ctx, msg("m-later", "u1", "after", base.Add(59500*time.Millisecond))); err != nil {
		t.Fatalf("insert later: %v", err)
	}
	if err := st.SetReadWatermark(ctx, "c1", pendingID, base.Add(59*time.Second)); err != nil {
		t.Fatalf("set watermark: %v", err)
	}

	found, ok, err := st.FindPendingSelfEvent(ctx, "me", "c1", "gg", 2*time.Second)
	if err != nil || !ok || found.Event.ID() != pendingID {
		t.Fatalf("find pending: found=%v ok=%v err=%v", found.Event.ID(), ok, err)
	}
	if _, ok, _ := st.FindPendingSelfEvent(ctx, "me", "c1", "other", 2*time.Second); ok {
		t.Fatalf("body mismatch should not match")
	}
	if _, ok, _ := st.FindPendingSelfEvent(ctx, "me", "c1", "gg", 500*time.Millisecond); ok {
		t.Fatalf("entry outside window should not match")
	}

	canonical := *msg("tw-1", "me", "gg", base.Add(time.Minute)).Message
	canonical.BadgeRefs = []string{"broadcaster/1"}
	canonical.Color = "#FF0000"
	if err := st.ReconcileEvent(ctx, pendingID, canonical); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if ok, _ := st.HasEvent(ctx, pendingID); ok {
		t.Fatalf("pending id still present")
	}
	got, err := st.GetEvent(ctx, "tw-1")
	if err != nil {
		t.Fatalf("get reconciled: %v", err)
	}
	if got.Seq != found.Seq {
		t.Fatalf("reconcile moved row: seq %d -> %d", found.Seq, got.Seq)
	}
	if !got.Event.Time().Equal(base.Add(59 * time.Second)) {
		t.Fatalf("posted_at changed: %v", got.Event.Time())
	}
	if got.Event.Message.Color != "#FF0000" || got.Event.IsPending() {
		t.Fatalf("server fields not applied: %+v", got.Event.Message)
	}

	recent, err := st.RecentEvents(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].ID() != "tw-1" || recent[1].ID() != "m-later" {
		t.Fatalf("unexpected order after reconcile: %v", ids(recent))
	}

	wm, err := st.ReadWatermark(ctx, "c1")
	if err != nil || wm.EventID != "tw-1" {
		t.Fatalf("watermark did not follow reconcile: %+v err=%v", wm, err)
	}

	if err := st.ReconcileEvent(ctx, pendingID, canonical); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on replayed reconcile, got %v", err)
	}
	canonical.ID = "tw-2"
	if err := st.ReconcileEvent(ctx, "local-missing", canonical); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReconcileKeepsDeletedFlag(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	pendingID := core.NewLocalPendingID()
	if _, err := st.InsertEvent(ctx, msg(pendingID, "me", "oops", base)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if found, err := st.MarkDeleted(ctx, pendingID); err != nil || !found {
		t.Fatalf("mark deleted: found=%v err=%v", found, err)
	}
	if err := st.ReconcileEvent(ctx, pendingID, *msg("tw-9", "me", "oops", base).Message); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got, err := st.GetEvent(ctx, "tw-9")
	if err != nil || !got.Event.Deleted() {
		t.Fatalf("deleted flag cleared by reconcile: %+v err=%v", got.Event, err)
	}
}

func TestMarkDeleted(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.InsertEvent(ctx, msg("m1", "u1", "bad", base)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	for i := 0; i < 2; i++ {
		found, err := st.MarkDeleted(ctx, "m1")
		if err != nil || !found {
			t.Fatalf("mark deleted pass %d: found=%v err=%v", i, found, err)
		}
	}
	if found, err := st.MarkDeleted(ctx, "nope"); err != nil || found {
		t.Fatalf("unknown id: found=%v err=%v", found, err)
	}

	n, err := st.CountByUser(ctx, "u1", "c1")
	if err != nil || n != 1 {
		t.Fatalf("deleted rows must still count: n=%d err=%v", n, err)
	}
}

func TestMarkUserDeleted(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		user := "u1"
		if id == "c" {
			user = "u2"
		}
		if _, err := st.InsertEvent(ctx, msg(id, user, "x", base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	n, err := st.MarkUserDeleted(ctx, "c1", "u1")
	if err != nil || n != 2 {
		t.Fatalf("mark user deleted: n=%d err=%v", n, err)
	}
	evs, err := st.EventsByUser(ctx, "u2", "c1", 0)
	if err != nil || len(evs) != 1 || evs[0].Deleted() {
		t.Fatalf("other user affected: %+v err=%v", evs, err)
	}
}

func TestListingAndReplay(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	// inserted out of timestamp order
	for _, ev := range []core.ChatEvent{
		msg("m2", "u1", "two", base.Add(2*time.Second)),
		msg("m1", "u1", "one", base.Add(1*time.Second)),
		msg("m3", "u2", "three", base.Add(3*time.Second)),
	} {
		if _, err := st.InsertEvent(ctx, ev); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	recent, err := st.RecentEvents(ctx, "c1", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if got := ids(recent); len(got) != 2 || got[0] != "m2" || got[1] != "m3" {
		t.Fatalf("recent: %v", got)
	}

	byUser, err := st.EventsByUser(ctx, "u1", "c1", 10)
	if err != nil {
		t.Fatalf("by user: %v", err)
	}
	if got := ids(byUser); len(got) != 2 || got[0] != "m1" || got[1] != "m2" {
		t.Fatalf("by user: %v", got)
	}

	replay, err := st.ReplayEvents(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(replay) != 3 || replay[0].Event.ID() != "m2" || replay[0].Seq >= replay[1].Seq {
		t.Fatalf("replay must follow storage order: %+v", replay)
	}
	tail, err := st.ReplayEvents(ctx, "c1", 2)
	if err != nil || len(tail) != 2 || tail[0].Event.ID() != "m1" {
		t.Fatalf("replay tail: %+v err=%v", tail, err)
	}
}

func TestIdentities(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.UpsertIdentity(ctx, core.Identity{ID: "1", Username: "Alice", DisplayName: "Alice"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.UpsertIdentity(ctx, core.Identity{ID: "1", Username: "alice2", DisplayName: "Alice2"}); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := st.UpsertIdentity(ctx, core.Identity{ID: "2", Username: "al_b", DisplayName: "Al"}); err != nil {
		t.Fatalf("upsert 2: %v", err)
	}

	got, err := st.LookupIdentity(ctx, "1")
	if err != nil || got.DisplayName != "Alice2" || got.Username != "alice2" {
		t.Fatalf("last write should win: %+v err=%v", got, err)
	}
	if _, err := st.LookupIdentity(ctx, "404"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// event insert must not clobber a known identity
	if _, err := st.InsertEvent(ctx, msg("m1", "1", "hi", base)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, _ = st.LookupIdentity(ctx, "1")
	if got.DisplayName != "Alice2" {
		t.Fatalf("insert overwrote identity: %+v", got)
	}

	matches, err := st.SearchIdentities(ctx, "AL_", 10)
	if err != nil || len(matches) != 1 || matches[0].ID != "2" {
		t.Fatalf("search should treat _ literally: %+v err=%v", matches, err)
	}
	all, err := st.AllIdentities(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("all identities: %+v err=%v", all, err)
	}
}

func TestReadWatermark(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.ReadWatermark(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := st.SetReadWatermark(ctx, "c1", "m5", base.Add(5*time.Second)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := st.SetReadWatermark(ctx, "c1", "m2", base.Add(2*time.Second)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	wm, err := st.ReadWatermark(ctx, "c1")
	if err != nil || wm.EventID != "m2" || !wm.PostedAt.Equal(base.Add(2*time.Second)) {
		t.Fatalf("watermark: %+v err=%v", wm, err)
	}
}

func TestCountSince(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"m1", "m2", "m3"} {
		if _, err := st.InsertEvent(ctx, msg(id, "u1", "hi", base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	n, err := st.CountSince(ctx, "c1", base)
	if err != nil || n != 2 {
		t.Fatalf("count since base: n=%d err=%v", n, err)
	}
	n, err = st.CountSince(ctx, "c1", time.Time{})
	if err != nil || n != 3 {
		t.Fatalf("count since zero: n=%d err=%v", n, err)
	}
}

func TestClosedStoreReportsStorageFailure(t *testing.T) {
	st := openTestStore(t)
	_ = st.Close()
	_, err := st.InsertEvent(context.Background(), msg("m1", "u1", "hi", base))
	if !IsStorageFailure(err) {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func ids(evs []core.ChatEvent) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.ID())
	}
	return out
}

func TestTuneAppliesPragmas(t *testing.T) {
	st := openTestStore(t)
	if n := st.Tune(context.Background()); n != len(tuningPragmas) {
		t.Fatalf("applied %d of %d pragmas", n, len(tuningPragmas))
	}
	var sync int
	if err := st.RawDB().QueryRow(`PRAGMA synchronous;`).Scan(&sync); err != nil || sync != 1 {
		t.Fatalf("synchronous = %d err=%v, want 1 (NORMAL)", sync, err)
	}
}

func TestCounters(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.InsertEvent(ctx, msg("m1", "u1", "a", base)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	pending := msg(core.NewLocalPendingID(), "u2", "b", base.Add(time.Second))
	if _, err := st.InsertEvent(ctx, pending); err != nil {
		t.Fatalf("insert pending: %v", err)
	}
	if _, err := st.MarkDeleted(ctx, "m1"); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}

	got := st.Counters(ctx)
	want := map[string]float64{"events": 2, "deleted_events": 1, "pending_events": 1, "identities": 2}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s = %v, want %v (all: %v)", k, got[k], v, got)
		}
	}

	_ = st.Close()
	if got := st.Counters(ctx); len(got) != 0 {
		t.Fatalf("closed store should report nothing, got %v", got)
	}
}
