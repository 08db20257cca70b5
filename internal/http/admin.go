// Package httpadmin serves operator endpoints: moderation commands and
// settings or token reloads.
package httpadmin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/you/chatledger/internal/moderation"
	"github.com/you/chatledger/internal/session"
)

type Moderator interface {
	Timeout(ctx context.Context, userID string, d time.Duration, reason string) moderation.Report
	Ban(ctx context.Context, userID, reason string) moderation.Report
	Unban(ctx context.Context, userID string) moderation.Report
	DeleteMessage(ctx context.Context, messageID string) moderation.Report
	AddVIP(ctx context.Context, userID string) moderation.Report
	RemoveVIP(ctx context.Context, userID string) moderation.Report
	AddModerator(ctx context.Context, userID string) moderation.Report
	RemoveModerator(ctx context.Context, userID string) moderation.Report
}

type Reloader interface {
	ReloadSettings() (session.Preferences, error)
	ReloadToken() (string, bool, error)
}

// Names resolves user ids for display in moderation responses.
type Names interface {
	DisplayName(ctx context.Context, id string) string
}

type Server struct {
	mod   Moderator
	rel   Reloader
	names Names
	token string
}

// New builds the admin server. mod, rel and names may be nil; a non-empty
// token requires "Authorization: Bearer <token>" on every route.
func New(mod Moderator, rel Reloader, names Names, token string) *Server {
	return &Server{mod: mod, rel: rel, names: names, token: strings.TrimSpace(token)}
}

// Handler returns a mux serving every /admin/ route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /admin/settings/reload", s.auth(s.handleSettingsReload))
	mux.HandleFunc("POST /admin/token/reload", s.auth(s.handleTokenReload))

	mux.HandleFunc("POST /admin/moderation/timeout", s.auth(s.moderate(func(ctx context.Context, req modRequest) moderation.Report {
		return s.mod.Timeout(ctx, req.UserID, time.Duration(req.Seconds)*time.Second, req.Reason)
	})))
	mux.HandleFunc("POST /admin/moderation/ban", s.auth(s.moderate(func(ctx context.Context, req modRequest) moderation.Report {
		return s.mod.Ban(ctx, req.UserID, req.Reason)
	})))
	mux.HandleFunc("POST /admin/moderation/unban", s.auth(s.moderate(func(ctx context.Context, req modRequest) moderation.Report {
		return s.mod.Unban(ctx, req.UserID)
	})))
	mux.HandleFunc("POST /admin/moderation/delete", s.auth(s.moderate(func(ctx context.Context, req modRequest) moderation.Report {
		return s.mod.DeleteMessage(ctx, req.MessageID)
	})))
	mux.HandleFunc("POST /admin/moderation/vip", s.auth(s.moderate(func(ctx context.Context, req modRequest) moderation.Report {
		return s.mod.AddVIP(ctx, req.UserID)
	})))
	mux.HandleFunc("DELETE /admin/moderation/vip", s.auth(s.moderate(func(ctx context.Context, req modRequest) moderation.Report {
		return s.mod.RemoveVIP(ctx, req.UserID)
	})))
	mux.HandleFunc("POST /admin/moderation/mod", s.auth(s.moderate(func(ctx context.Context, req modRequest) moderation.Report {
		return s.mod.AddModerator(ctx, req.UserID)
	})))
	mux.HandleFunc("DELETE /admin/moderation/mod", s.auth(s.moderate(func(ctx context.Context, req modRequest) moderation.Report {
		return s.mod.RemoveModerator(ctx, req.UserID)
	})))
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleSettingsReload(w http.ResponseWriter, _ *http.Request) {
	if s.rel == nil {
		http.Error(w, "reload unavailable", http.StatusServiceUnavailable)
		return
	}
	prefs, err := s.rel.ReloadSettings()
	if err != nil {
		http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "reloaded": true, "settings": prefs})
}

func (s *Server) handleTokenReload(w http.ResponseWriter, _ *http.Request) {
	if s.rel == nil {
		http.Error(w, "reload unavailable", http.StatusServiceUnavailable)
		return
	}
	_, rotated, err := s.rel.ReloadToken()
	if err != nil {
		http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "reloaded": rotated})
}

type modRequest struct {
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id"`
	Seconds   int    `json:"seconds"`
	Reason    string `json:"reason"`
}

type modResponse struct {
	moderation.Report
	DisplayName string `json:"display_name,omitempty"`
}

func (s *Server) moderate(run func(context.Context, modRequest) moderation.Report) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.mod == nil {
			http.Error(w, "moderation unavailable", http.StatusServiceUnavailable)
			return
		}
		var req modRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		rep := run(r.Context(), req)
		resp := modResponse{Report: rep}
		if s.names != nil && req.UserID != "" {
			resp.DisplayName = s.names.DisplayName(r.Context(), req.UserID)
		}
		status := http.StatusOK
		if !rep.OK {
			status = http.StatusBadGateway
			if rep.Status == 0 {
				status = http.StatusBadRequest
			}
		}
		writeJSON(w, status, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
