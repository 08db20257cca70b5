// Package httpapi exposes the ordered timeline, read state and live view
// notifications over HTTP, SSE and WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/you/chatledger/internal/core"
	"github.com/you/chatledger/internal/readstate"
	"github.com/you/chatledger/internal/reconcile"
	"github.com/you/chatledger/internal/session"
	"github.com/you/chatledger/internal/twitchbadges"
)

// Engine is the live timeline.
type Engine interface {
	Session() session.Context
	OrderedView(channelID string) []core.ChatEvent
	Len(channelID string) int
	Subscribe(fn reconcile.Listener) func()
	Subscribers() int
}

// History answers queries that go beyond the in-memory view.
type History interface {
	EventsByUser(ctx context.Context, userID, channelID string, limit int) ([]core.ChatEvent, error)
	CountByUser(ctx context.Context, userID, channelID string) (int64, error)
}

// Reads is the read-state tracker surface.
type Reads interface {
	MarkRead(ctx context.Context, eventID string) error
	MarkAllRead(ctx context.Context, channelID string) error
	Watermark(channelID string) (readstate.Mark, bool)
	IsRead(eventID string) bool
	UnreadCount(channelID string) int
}

// Badges resolves "set/version" badge references to images.
type Badges interface {
	Resolve(ctx context.Context, broadcasterID string, refs []string) map[string][]twitchbadges.Image
}

// Sender posts a chat line as the session user.
type Sender interface {
	Send(ctx context.Context, body string) (reconcile.Result, error)
}

type Options struct {
	Addr        string
	CORSOrigins []string
	RateRPS     float64
	RateBurst   int
	Build       BuildInfo
	// Badges backs GET /badges; nil answers 503.
	Badges Badges
	// Collectors are registered on the /metrics registry.
	Collectors []prometheus.Collector
	// Extra mounts additional handlers, such as the admin routes.
	Extra  map[string]http.Handler
	Logger *slog.Logger
}

type Server struct {
	opts       Options
	httpServer *http.Server
	mux        *http.ServeMux
	engine     Engine
	history    History
	reads      Reads
	sender     Sender
	metrics    *Metrics
	limiter    *ipRateLimiter
	cors       *corsPolicy
	log        *slog.Logger

	unsubscribe func()

	mu      sync.Mutex
	clients map[*pushClient]struct{}
	closed  bool
}

// New builds the server and subscribes it to engine notifications. history,
// reads and sender may be nil; their routes then answer 503.
func New(engine Engine, history History, reads Reads, sender Sender, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		opts:    opts,
		engine:  engine,
		history: history,
		reads:   reads,
		sender:  sender,
		metrics: newMetrics(),
		limiter: newIPRateLimiter(opts.RateRPS, opts.RateBurst),
		cors:    newCORSPolicy(opts.CORSOrigins),
		log:     logger,
		clients: make(map[*pushClient]struct{}),
	}
	if err := srv.metrics.Register(opts.Collectors...); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", srv.instrument("/healthz", false, srv.handleHealthz))
	mux.Handle("GET /info", srv.instrument("/info", true, srv.handleInfo))
	mux.Handle("GET /metrics", srv.metrics.Handler())
	mux.Handle("GET /view", srv.instrument("/view", true, srv.handleView))
	mux.Handle("GET /users/{id}/events", srv.instrument("/users/{id}/events", true, srv.handleUserEvents))
	mux.Handle("GET /count", srv.instrument("/count", true, srv.handleCount))
	mux.Handle("GET /badges", srv.instrument("/badges", true, srv.handleBadges))
	mux.Handle("POST /send", srv.instrument("/send", false, srv.handleSend))
	mux.Handle("POST /read", srv.instrument("/read", false, srv.handleRead))
	mux.Handle("POST /read/all", srv.instrument("/read/all", false, srv.handleReadAll))
	mux.Handle("GET /read/state", srv.instrument("/read/state", true, srv.handleReadState))
	mux.Handle("GET /stream", srv.instrument("/stream", false, srv.handleStream))
	mux.Handle("GET /ws", srv.instrument("/ws", false, srv.handleWS))
	for pattern, h := range opts.Extra {
		mux.Handle(pattern, h)
	}
	srv.mux = mux

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv.unsubscribe = engine.Subscribe(srv.broadcast)
	return srv, nil
}

// Handler exposes the routing table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) Metrics() *Metrics { return s.metrics }

func (s *Server) channel(r *http.Request) string {
	if ch := strings.TrimSpace(r.URL.Query().Get("channel")); ch != "" {
		return ch
	}
	return s.engine.Session().ChannelID()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	f, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if f.Channel == "" {
		f.Channel = s.engine.Session().ChannelID()
	}
	writeJSON(w, http.StatusOK, f.Apply(s.engine.OrderedView(f.Channel)))
}

func (s *Server) handleUserEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}
	f, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	userID := strings.TrimSpace(r.PathValue("id"))
	events, err := s.history.EventsByUser(r.Context(), userID, s.channel(r), f.Limit)
	if err != nil {
		s.log.Error("httpapi: user events", "user_id", userID, "err", err)
		http.Error(w, "history error", http.StatusInternalServerError)
		return
	}
	f.Channel = ""
	f.Limit = 0
	writeJSON(w, http.StatusOK, f.Apply(events))
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	channel := s.channel(r)
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	if userID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"channel_id": channel, "count": s.engine.Len(channel)})
		return
	}
	if s.history == nil {
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}
	n, err := s.history.CountByUser(r.Context(), userID, channel)
	if err != nil {
		http.Error(w, "count error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel_id": channel, "user_id": userID, "count": n})
}

// handleBadges resolves the refs query list, or every badge seen in the
// channel's view when refs is absent.
func (s *Server) handleBadges(w http.ResponseWriter, r *http.Request) {
	if s.opts.Badges == nil {
		http.Error(w, "badges unavailable", http.StatusServiceUnavailable)
		return
	}
	channel := s.channel(r)
	refs := splitValues(r.URL.Query()["refs"])
	if len(refs) == 0 {
		seen := make(map[string]struct{})
		for _, ev := range s.engine.OrderedView(channel) {
			if ev.Message == nil {
				continue
			}
			for _, ref := range ev.Message.BadgeRefs {
				if _, ok := seen[ref]; !ok {
					seen[ref] = struct{}{}
					refs = append(refs, ref)
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, s.opts.Badges.Resolve(r.Context(), channel, refs))
}

type sendRequest struct {
	Body string `json:"body"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if s.sender == nil {
		http.Error(w, "sending unavailable", http.StatusServiceUnavailable)
		return
	}
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Body) == "" {
		http.Error(w, "body is required", http.StatusBadRequest)
		return
	}
	res, err := s.sender.Send(r.Context(), req.Body)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, res)
	case res.Outcome == reconcile.OutcomeInvalid:
		http.Error(w, err.Error(), http.StatusBadRequest)
	case res.Outcome == reconcile.OutcomeAppended:
		// the local copy exists; only the durable write or the wire send failed
		s.metrics.IncSendFailures()
		writeJSON(w, http.StatusAccepted, map[string]any{"result": res, "warning": err.Error()})
	default:
		s.metrics.IncSendFailures()
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	}
}

type readRequest struct {
	EventID   string `json:"event_id"`
	ChannelID string `json:"channel_id"`
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if s.reads == nil {
		http.Error(w, "read state unavailable", http.StatusServiceUnavailable)
		return
	}
	var req readRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.EventID) == "" {
		http.Error(w, "event_id is required", http.StatusBadRequest)
		return
	}
	if err := s.reads.MarkRead(r.Context(), req.EventID); err != nil {
		s.readError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReadAll(w http.ResponseWriter, r *http.Request) {
	if s.reads == nil {
		http.Error(w, "read state unavailable", http.StatusServiceUnavailable)
		return
	}
	var req readRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	channel := strings.TrimSpace(req.ChannelID)
	if channel == "" {
		channel = s.channel(r)
	}
	if err := s.reads.MarkAllRead(r.Context(), channel); err != nil {
		s.readError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) readError(w http.ResponseWriter, err error) {
	if errors.Is(err, readstate.ErrUnknownEvent) {
		http.Error(w, "unknown event", http.StatusNotFound)
		return
	}
	s.log.Error("httpapi: read state", "err", err)
	http.Error(w, "read state error", http.StatusInternalServerError)
}

type readStateResponse struct {
	ChannelID string     `json:"channel_id"`
	EventID   string     `json:"event_id,omitempty"`
	PostedAt  *time.Time `json:"posted_at,omitempty"`
	Unread    int        `json:"unread"`
}

func (s *Server) handleReadState(w http.ResponseWriter, r *http.Request) {
	if s.reads == nil {
		http.Error(w, "read state unavailable", http.StatusServiceUnavailable)
		return
	}
	channel := s.channel(r)
	resp := readStateResponse{ChannelID: channel, Unread: s.reads.UnreadCount(channel)}
	if mark, ok := s.reads.Watermark(channel); ok {
		resp.EventID = mark.EventID
		at := mark.PostedAt.UTC()
		resp.PostedAt = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) Start() error {
	s.log.Info("httpapi: listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.clients {
		close(c.ch)
	}
	clear(s.clients)
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
