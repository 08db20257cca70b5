package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestContextNormalizes(t *testing.T) {
	ctx := NewContext(ContextParams{
		UserID:       " 42 ",
		Username:     "Alice",
		ChannelID:    "c1",
		ChannelLogin: "#SomeChannel",
		Badges:       []string{"moderator/1"},
	})
	if ctx.UserID() != "42" {
		t.Fatalf("user id = %q", ctx.UserID())
	}
	if ctx.ChannelLogin() != "somechannel" {
		t.Fatalf("channel login = %q", ctx.ChannelLogin())
	}
	if !ctx.Valid() {
		t.Fatalf("expected valid context")
	}

	badges := ctx.Badges()
	badges[0] = "mutated"
	if ctx.Badges()[0] != "moderator/1" {
		t.Fatalf("badges should be copied on read")
	}

	msg := ctx.LocalMessage("local-1", "hi")
	if msg.UserID != "42" || msg.ChannelID != "c1" || msg.Body != "hi" {
		t.Fatalf("unexpected local message: %+v", msg)
	}

	if (Context{}).Valid() {
		t.Fatalf("zero context must not be valid")
	}
}

func TestNormalizeToken(t *testing.T) {
	cases := map[string]string{
		"":              "",
		"  abc ":        "oauth:abc",
		"oauth:abc":     "oauth:abc",
		"\noauth:xyz\n": "oauth:xyz",
	}
	for in, want := range cases {
		if got := NormalizeToken(in); got != want {
			t.Fatalf("NormalizeToken(%q) = %q, want %q", in, got, want)
		}
	}
	if got := BearerToken("oauth:abc"); got != "abc" {
		t.Fatalf("BearerToken = %q", got)
	}
}

func TestFileTokenLoader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	writeFile(t, path, "first\n")

	l := NewFileTokenLoader(path)
	tok, changed, err := l.Load()
	if err != nil || !changed || tok != "oauth:first" {
		t.Fatalf("first load: tok=%q changed=%v err=%v", tok, changed, err)
	}
	if _, changed, _ := l.Load(); changed {
		t.Fatalf("unchanged file reported as changed")
	}

	writeFile(t, path, "   ")
	if _, _, err := l.Load(); err != ErrEmptyToken {
		t.Fatalf("expected ErrEmptyToken, got %v", err)
	}
}

func TestPreferencesOverlay(t *testing.T) {
	zero := time.Duration(0)
	base := Preferences{MergeWindow: 2 * time.Second, HighlightKeywords: []string{"base"}}
	out := base.Overlay(Preferences{DedupTolerance: &zero})

	if out.MergeWindow != 2*time.Second {
		t.Fatalf("merge window should be kept, got %v", out.MergeWindow)
	}
	if out.Tolerance(time.Second) != 0 {
		t.Fatalf("explicit zero tolerance should win")
	}
	if base.Tolerance(time.Second) != time.Second {
		t.Fatalf("unset tolerance should use default")
	}
	if len(out.HighlightKeywords) != 1 || out.HighlightKeywords[0] != "base" {
		t.Fatalf("keywords should be kept: %v", out.HighlightKeywords)
	}
}

func TestLoadPreferencesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	writeFile(t, path, "merge_window: 3s\ndedup_tolerance: 500ms\nhighlight_keywords: [golang, sqlite]\nclear_on_ban: true\n")

	p, err := LoadPreferences(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.MergeWindow != 3*time.Second {
		t.Fatalf("merge window = %v", p.MergeWindow)
	}
	if p.Tolerance(0) != 500*time.Millisecond {
		t.Fatalf("tolerance = %v", p.Tolerance(0))
	}
	if len(p.HighlightKeywords) != 2 || !p.ClearOnBan {
		t.Fatalf("unexpected prefs: %+v", p)
	}

	missing, err := LoadPreferences(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if missing.MergeWindow != 0 || missing.DedupTolerance != nil {
		t.Fatalf("missing file should yield empty prefs: %+v", missing)
	}

	writeFile(t, path, "merge_window: [not, a, duration]\n")
	if _, err := LoadPreferences(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestSessionReloadNotifies(t *testing.T) {
	dir := t.TempDir()
	settings := filepath.Join(dir, "settings.yaml")
	writeFile(t, settings, "highlight_keywords: [one]\n")

	s, err := Open(Options{
		Context:      NewContext(ContextParams{UserID: "1", Username: "me", ChannelID: "c1"}),
		SettingsFile: settings,
		Defaults:     Preferences{MergeWindow: time.Second},
		StaticToken:  "abc",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if s.Token() != "oauth:abc" {
		t.Fatalf("token = %q", s.Token())
	}
	if got := s.Settings(); got.MergeWindow != time.Second || len(got.HighlightKeywords) != 1 {
		t.Fatalf("initial settings = %+v", got)
	}

	seen := make(chan Preferences, 4)
	s.OnChange(func(p Preferences) { seen <- p })

	writeFile(t, settings, "highlight_keywords: [one, two]\n")
	if _, err := s.ReloadSettings(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	select {
	case p := <-seen:
		if len(p.HighlightKeywords) != 2 {
			t.Fatalf("listener got %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("listener not called")
	}
}

func TestSessionWatchesTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	writeFile(t, path, "first")

	s, err := Open(Options{TokenFile: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	rotated := make(chan string, 4)
	s.OnTokenChange(func(tok string) { rotated <- tok })

	writeFile(t, path, "second")

	select {
	case tok := <-rotated:
		if tok != "oauth:second" {
			t.Fatalf("rotated to %q", tok)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("token rotation not observed")
	}
	if s.Token() != "oauth:second" {
		t.Fatalf("token = %q", s.Token())
	}
}

func TestOpenFailsWithoutToken(t *testing.T) {
	if _, err := Open(Options{TokenFile: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Fatalf("expected error for unreadable token file without fallback")
	}
}

func TestRefresherRewritesTokenFiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "r-old" {
			http.Error(w, "bad grant", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"a-new","refresh_token":"r-new","token_type":"bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	dir := t.TempDir()
	refreshFile := filepath.Join(dir, "refresh")
	tokenFile := filepath.Join(dir, "token")
	writeFile(t, refreshFile, "r-old\n")

	r := &Refresher{ClientID: "cid", ClientSecret: "secret", RefreshFile: refreshFile, TokenFile: tokenFile, TokenURL: srv.URL}
	tok, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if tok != "oauth:a-new" {
		t.Fatalf("token = %q", tok)
	}
	if data, _ := os.ReadFile(tokenFile); string(data) != "oauth:a-new" {
		t.Fatalf("token file = %q", data)
	}
	if data, _ := os.ReadFile(refreshFile); string(data) != "r-new" {
		t.Fatalf("refresh file = %q", data)
	}
}

func TestRefreshInterval(t *testing.T) {
	cases := []struct {
		in, want time.Duration
	}{
		{0, time.Minute},
		{30 * time.Second, time.Minute},
		{4 * time.Hour, 204 * time.Minute},
	}
	for _, tc := range cases {
		if got := refreshInterval(tc.in); got != tc.want {
			t.Fatalf("refreshInterval(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestValidatorReportsIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "OAuth abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"client_id":"cid","login":"SomeUser","user_id":"42","expires_in":5000}`)
	}))
	defer srv.Close()

	v := Validator{URL: srv.URL, HTTP: srv.Client()}
	got, err := v.Validate(context.Background(), "oauth:abc")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.Login != "someuser" || got.UserID != "42" || got.ExpiresIn != 5000*time.Second {
		t.Fatalf("unexpected validation %+v", got)
	}

	if _, err := v.Validate(context.Background(), "oauth:wrong"); err == nil {
		t.Fatalf("expected rejected token to fail")
	}
	if _, err := v.Validate(context.Background(), ""); err != ErrEmptyToken {
		t.Fatalf("expected ErrEmptyToken, got %v", err)
	}
}

func TestValidationChannelIDFor(t *testing.T) {
	v := Validation{Login: "streamer", UserID: "42"}
	if got := v.ChannelIDFor("#Streamer"); got != "42" {
		t.Fatalf("own channel should resolve to the token owner, got %q", got)
	}
	if got := v.ChannelIDFor("someoneelse"); got != "" {
		t.Fatalf("foreign channel must not resolve, got %q", got)
	}
	if got := v.ChannelIDFor(""); got != "" {
		t.Fatalf("empty channel must not resolve, got %q", got)
	}
}
