package twitchbadges

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type tokenResponder struct {
	count *atomic.Int64
}

func (t tokenResponder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.count.Add(1)
	_ = r.ParseForm()
	if r.Form.Get("grant_type") != "client_credentials" || r.Form.Get("client_id") != "client" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": "token-123",
		"token_type":   "bearer",
		"expires_in":   3600,
	})
}

func badgeServer(t *testing.T, tokenCalls, helixCalls *atomic.Int64, globalStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/oauth2/token", tokenResponder{count: tokenCalls})
	mux.HandleFunc("/helix/chat/badges/global", func(w http.ResponseWriter, r *http.Request) {
		helixCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer token-123" || r.Header.Get("Client-Id") != "client" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if globalStatus != http.StatusOK {
			w.WriteHeader(globalStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"set_id": "partner", "versions": []map[string]any{{"id": "1", "image_url_1x": "https://cdn/partner/1x.png"}}},
				{"set_id": "subscriber", "versions": []map[string]any{{"id": "17", "image_url_1x": "https://cdn/global-sub/1x.png"}}},
			},
		})
	})
	mux.HandleFunc("/helix/chat/badges", func(w http.ResponseWriter, r *http.Request) {
		helixCalls.Add(1)
		if r.URL.Query().Get("broadcaster_id") != "1234" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{
					"set_id": "subscriber",
					"versions": []map[string]any{
						{"id": "17", "image_url_1x": "https://cdn/sub/17/1x.png", "image_url_2x": "https://cdn/sub/17/2x.png"},
					},
				},
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newResolver(srv *httptest.Server, ttl time.Duration) *Resolver {
	return New(Options{
		ClientID:     "client",
		ClientSecret: "secret",
		BaseURL:      srv.URL + "/helix",
		TokenURL:     srv.URL + "/oauth2/token",
		TTL:          ttl,
		HTTP:         srv.Client(),
	})
}

func TestResolverMergesChannelOverGlobal(t *testing.T) {
	tokenCalls, helixCalls := &atomic.Int64{}, &atomic.Int64{}
	srv := badgeServer(t, tokenCalls, helixCalls, http.StatusOK)
	r := newResolver(srv, time.Minute)

	refs := []string{"subscriber/17", "partner/1", "vip/1"}
	got := r.Resolve(context.Background(), "1234", refs)

	if len(got) != 2 {
		t.Fatalf("expected 2 resolved refs, got %#v", got)
	}
	sub := got["subscriber/17"]
	if len(sub) != 2 || sub[0].URL != "https://cdn/sub/17/1x.png" || sub[1].Scale != 2 {
		t.Fatalf("channel badge should override global: %#v", sub)
	}
	if got["partner/1"][0].URL != "https://cdn/partner/1x.png" {
		t.Fatalf("unexpected partner images: %#v", got["partner/1"])
	}
	if tokenCalls.Load() != 1 || helixCalls.Load() != 2 {
		t.Fatalf("expected 1 token and 2 helix calls, got %d and %d", tokenCalls.Load(), helixCalls.Load())
	}

	// second call is served from cache
	got = r.Resolve(context.Background(), "1234", refs)
	if len(got) != 2 {
		t.Fatalf("expected cached results, got %#v", got)
	}
	if tokenCalls.Load() != 1 || helixCalls.Load() != 2 {
		t.Fatalf("expected no new calls, got %d token and %d helix", tokenCalls.Load(), helixCalls.Load())
	}
}

func TestResolverGracefulFailure(t *testing.T) {
	tokenCalls, helixCalls := &atomic.Int64{}, &atomic.Int64{}
	srv := badgeServer(t, tokenCalls, helixCalls, http.StatusBadGateway)
	r := newResolver(srv, time.Millisecond)

	got := r.Resolve(context.Background(), "", []string{"partner/1"})
	if len(got) != 0 {
		t.Fatalf("expected nothing on failure, got %#v", got)
	}
}

func TestResolverDisabledWithoutCredentials(t *testing.T) {
	r := New(Options{ClientID: "client"})
	if r != nil {
		t.Fatalf("expected nil resolver without a secret")
	}
	if got := r.Resolve(context.Background(), "1234", []string{"partner/1"}); len(got) != 0 {
		t.Fatalf("nil resolver should resolve nothing, got %#v", got)
	}
}
