package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/you/chatledger/internal/reconcile"
)

const (
	transportSSE = "sse"
	transportWS  = "ws"

	pushBuffer   = 256
	pingInterval = 20 * time.Second
)

type pushClient struct {
	transport string
	filter    Filters
	ch        chan reconcile.Notification
}

// wants reports whether n should reach the client. Warnings always do.
func (c *pushClient) wants(n reconcile.Notification) bool {
	if n.Type == reconcile.NotifyWarning {
		return true
	}
	if c.filter.Channel != "" && n.ChannelID != c.filter.Channel {
		return false
	}
	if n.Event == nil || n.Type == reconcile.NotifyDeleted {
		return true
	}
	return c.filter.Matches(*n.Event)
}

// broadcast runs inside the engine's delivery lock, so it never blocks: a
// client that cannot keep up loses notifications and is counted as a drop.
func (s *Server) broadcast(n reconcile.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for c := range s.clients {
		if !c.wants(n) {
			continue
		}
		select {
		case c.ch <- n:
		default:
			s.metrics.IncBroadcastDrops(c.transport)
		}
	}
}

func (s *Server) register(r *http.Request, transport string) (*pushClient, error) {
	f, err := FiltersFromRequest(r)
	if err != nil {
		return nil, err
	}
	if f.Channel == "" {
		f.Channel = s.engine.Session().ChannelID()
	}
	c := &pushClient{transport: transport, filter: f.CloneForStream(), ch: make(chan reconcile.Notification, pushBuffer)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, http.ErrServerClosed
	}
	s.clients[c] = struct{}{}
	s.metrics.IncClients(transport, 1)
	return c, nil
}

func (s *Server) unregister(c *pushClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		s.metrics.IncClients(c.transport, -1)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	c, err := s.register(r, transportSSE)
	if err != nil {
		if err == http.ErrServerClosed {
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer s.unregister(c)

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case n, ok := <-c.ch:
			if !ok {
				return
			}
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Type, data)
			flusher.Flush()
			s.metrics.IncNotificationsSent(transportSSE)
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := s.register(r, transportWS)
	if err != nil {
		if err == http.ErrServerClosed {
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer s.unregister(c)

	conn, err := websocket.Accept(baseWriter(w), r, &websocket.AcceptOptions{
		OriginPatterns: s.cors.patterns(),
	})
	if err != nil {
		s.log.Warn("httpapi: websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead handles control frames and reports the
	// peer going away through ctx.
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case n, ok := <-c.ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
			s.metrics.IncNotificationsSent(transportWS)
		}
	}
}

// baseWriter peels off the recorder so the upgrade can hijack the connection.
func baseWriter(w http.ResponseWriter) http.ResponseWriter {
	if rr, ok := w.(*responseRecorder); ok && rr.ResponseWriter != nil {
		return rr.ResponseWriter
	}
	return w
}
