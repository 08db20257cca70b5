package httpapi

import (
	"net/http"
	"runtime"
	"time"
)

// BuildInfo describes the compiled binary.
type BuildInfo struct {
	Version  string
	Revision string
	BuiltAt  time.Time
}

type infoResponse struct {
	Version     string `json:"version"`
	Revision    string `json:"rev"`
	BuiltAt     string `json:"built_at,omitempty"`
	Go          string `json:"go"`
	UserID      string `json:"user_id,omitempty"`
	Username    string `json:"username,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	Subscribers int    `json:"subscribers"`
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	sess := s.engine.Session()
	resp := infoResponse{
		Version:     s.opts.Build.Version,
		Revision:    s.opts.Build.Revision,
		Go:          runtime.Version(),
		UserID:      sess.UserID(),
		Username:    sess.Username(),
		ChannelID:   sess.ChannelID(),
		Subscribers: s.engine.Subscribers(),
	}
	if !s.opts.Build.BuiltAt.IsZero() {
		resp.BuiltAt = s.opts.Build.BuiltAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}
