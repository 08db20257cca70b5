package moderation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/you/chatledger/internal/reconcile"
	"github.com/you/chatledger/internal/session"
)

type recordedCall struct {
	method string
	path   string
	query  map[string]string
	auth   string
	client string
	body   map[string]any
}

type fakeTimeline struct {
	mu      sync.Mutex
	deleted []string
	cleared [][2]string
}

func (f *fakeTimeline) ObserveDeletion(_ context.Context, id string) reconcile.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return reconcile.Result{Outcome: reconcile.OutcomeDeleted, EventID: id}
}

func (f *fakeTimeline) ObserveUserClear(_ context.Context, channelID, userID string) reconcile.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, [2]string{channelID, userID})
	return reconcile.Result{Outcome: reconcile.OutcomeDeleted, Count: 2}
}

func newHelix(t *testing.T, status int) (*httptest.Server, func() []recordedCall) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []recordedCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := recordedCall{
			method: r.Method,
			path:   r.URL.Path,
			query:  map[string]string{},
			auth:   r.Header.Get("Authorization"),
			client: r.Header.Get("Client-Id"),
		}
		for k := range r.URL.Query() {
			rc.query[k] = r.URL.Query().Get(k)
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rc.body)
		}
		mu.Lock()
		calls = append(calls, rc)
		mu.Unlock()

		if status/100 != 2 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"Bad Request","status":400,"message":"user is already banned"}`))
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recordedCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedCall(nil), calls...)
	}
}

func testSession() session.Context {
	return session.NewContext(session.ContextParams{UserID: "mod-1", Username: "mod", ChannelID: "chan-1", ChannelLogin: "chan"})
}

func TestBanClearsHistoryWhenEnabled(t *testing.T) {
	srv, calls := newHelix(t, http.StatusOK)
	tl := &fakeTimeline{}
	c := New(testSession(), Options{
		BaseURL:    srv.URL,
		ClientID:   "cid",
		Token:      func() string { return "oauth:tok" },
		ClearOnBan: func() bool { return true },
		Timeline:   tl,
	})

	rep := c.Ban(context.Background(), "u-9", " spam ")
	if !rep.OK || rep.Local != reconcile.OutcomeDeleted {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if len(tl.cleared) != 1 || tl.cleared[0] != [2]string{"chan-1", "u-9"} {
		t.Fatalf("cleared = %v", tl.cleared)
	}

	got := calls()[0]
	if got.method != http.MethodPost || got.path != "/moderation/bans" {
		t.Fatalf("call = %s %s", got.method, got.path)
	}
	if got.query["broadcaster_id"] != "chan-1" || got.query["moderator_id"] != "mod-1" {
		t.Fatalf("query = %v", got.query)
	}
	if got.auth != "Bearer tok" || got.client != "cid" {
		t.Fatalf("headers auth=%q client=%q", got.auth, got.client)
	}
	data, _ := got.body["data"].(map[string]any)
	if data["user_id"] != "u-9" || data["reason"] != "spam" {
		t.Fatalf("body = %v", got.body)
	}
	if _, ok := data["duration"]; ok {
		t.Fatalf("ban must not send a duration")
	}
}

func TestTimeoutWithoutClearOnBan(t *testing.T) {
	srv, calls := newHelix(t, http.StatusOK)
	tl := &fakeTimeline{}
	c := New(testSession(), Options{BaseURL: srv.URL, Token: func() string { return "tok" }, Timeline: tl})

	rep := c.Timeout(context.Background(), "u-9", 1500*time.Millisecond, "")
	if !rep.OK || rep.Local != "" {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if len(tl.cleared) != 0 {
		t.Fatalf("history should be kept when clear_on_ban is off")
	}
	data, _ := calls()[0].body["data"].(map[string]any)
	if data["duration"] != float64(2) {
		t.Fatalf("duration = %v", data["duration"])
	}
}

func TestDeleteMessageFlagsLocally(t *testing.T) {
	srv, calls := newHelix(t, http.StatusNoContent)
	tl := &fakeTimeline{}
	c := New(testSession(), Options{BaseURL: srv.URL, Token: func() string { return "tok" }, Timeline: tl})

	rep := c.DeleteMessage(context.Background(), "msg-1")
	if !rep.OK || rep.Local != reconcile.OutcomeDeleted {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if len(tl.deleted) != 1 || tl.deleted[0] != "msg-1" {
		t.Fatalf("deleted = %v", tl.deleted)
	}
	got := calls()[0]
	if got.method != http.MethodDelete || got.path != "/moderation/chat" || got.query["message_id"] != "msg-1" {
		t.Fatalf("call = %+v", got)
	}
}

func TestRejectedCallLeavesLocalState(t *testing.T) {
	srv, _ := newHelix(t, http.StatusBadRequest)
	tl := &fakeTimeline{}
	c := New(testSession(), Options{
		BaseURL:    srv.URL,
		Token:      func() string { return "tok" },
		ClearOnBan: func() bool { return true },
		Timeline:   tl,
	})

	rep := c.Ban(context.Background(), "u-9", "")
	if rep.OK || rep.Status != http.StatusBadRequest || rep.Message != "user is already banned" {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if len(tl.cleared) != 0 {
		t.Fatalf("failed ban must not touch local history")
	}
}

func TestRoleCommands(t *testing.T) {
	srv, calls := newHelix(t, http.StatusNoContent)
	c := New(testSession(), Options{BaseURL: srv.URL, Token: func() string { return "tok" }})
	ctx := context.Background()

	tests := []struct {
		run    func() Report
		method string
		path   string
	}{
		{func() Report { return c.AddVIP(ctx, "u") }, http.MethodPost, "/channels/vips"},
		{func() Report { return c.RemoveVIP(ctx, "u") }, http.MethodDelete, "/channels/vips"},
		{func() Report { return c.AddModerator(ctx, "u") }, http.MethodPost, "/moderation/moderators"},
		{func() Report { return c.RemoveModerator(ctx, "u") }, http.MethodDelete, "/moderation/moderators"},
		{func() Report { return c.Unban(ctx, "u") }, http.MethodDelete, "/moderation/bans"},
	}
	for i, tc := range tests {
		if rep := tc.run(); !rep.OK {
			t.Fatalf("call %d failed: %+v", i, rep)
		}
		got := calls()[i]
		if got.method != tc.method || got.path != tc.path || got.query["user_id"] != "u" {
			t.Fatalf("call %d = %+v", i, got)
		}
	}
}

func TestMissingTargetOrToken(t *testing.T) {
	srv, calls := newHelix(t, http.StatusOK)
	c := New(testSession(), Options{BaseURL: srv.URL, Token: func() string { return "" }})

	if rep := c.AddVIP(context.Background(), " "); rep.OK || rep.Message == "" {
		t.Fatalf("blank target should fail: %+v", rep)
	}
	if rep := c.AddVIP(context.Background(), "u"); rep.OK {
		t.Fatalf("missing token should fail: %+v", rep)
	}
	if len(calls()) != 0 {
		t.Fatalf("no request should reach the server, got %d", len(calls()))
	}
}
