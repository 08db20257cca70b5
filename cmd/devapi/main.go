package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/you/chatledger/internal/core"
	"github.com/you/chatledger/internal/directory"
	"github.com/you/chatledger/internal/httpapi"
	"github.com/you/chatledger/internal/readstate"
	"github.com/you/chatledger/internal/reconcile"
	"github.com/you/chatledger/internal/session"
	"github.com/you/chatledger/internal/store"
	"github.com/you/chatledger/internal/telemetry"
)

// emitReq injects a canonical message. An empty user_id posts as the session
// user, which reconciles a matching pending send.
type emitReq struct {
	ID          string               `json:"id,omitempty"`
	UserID      string               `json:"user_id,omitempty"`
	Username    string               `json:"username,omitempty"`
	DisplayName string               `json:"display_name,omitempty"`
	Body        string               `json:"body"`
	PostedAt    time.Time            `json:"posted_at,omitempty"`
	Color       string               `json:"color,omitempty"`
	Badges      []string             `json:"badges,omitempty"`
	Emotes      []core.EmotePosition `json:"emote_positions,omitempty"`
	Reply       *core.ReplyInfo      `json:"reply,omitempty"`
	Flags       core.MessageFlags    `json:"flags"`
}

type clearReq struct {
	UserID string `json:"user_id"`
}

type localSender struct{ eng *reconcile.Engine }

func (s localSender) Send(ctx context.Context, body string) (reconcile.Result, error) {
	res := s.eng.SendLocal(ctx, body)
	return res, res.Err
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		addr      string
		sqlite    string
		channelID string
		userID    string
		nick      string
	)

	flag.StringVar(&addr, "addr", ":8765", "HTTP listen address")
	flag.StringVar(&sqlite, "db", "devapi.db", "SQLite database path")
	flag.StringVar(&channelID, "channel-id", "dev-channel", "Channel id of the synthetic session")
	flag.StringVar(&userID, "user-id", "dev-user", "User id of the synthetic session")
	flag.StringVar(&nick, "nick", "devuser", "Username of the synthetic session")
	flag.Parse()

	st, err := store.OpenSQLite(sqlite)
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	defer st.Close()
	if err := st.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dir := directory.New(st, nil)
	dir.Warm(ctx)
	sess := session.NewContext(session.ContextParams{
		UserID: userID, Username: nick, DisplayName: nick, ChannelID: channelID, ChannelLogin: nick,
	})
	engine := reconcile.New(st, reconcile.Options{Session: sess, Directory: dir})
	if n, err := engine.Replay(ctx, channelID); err != nil {
		log.Fatalf("replay: %v", err)
	} else {
		log.Printf("devapi: replayed %d events", n)
	}
	tracker := readstate.New(st, engine, nil)
	if _, _, err := tracker.Load(ctx, channelID); err != nil {
		log.Printf("devapi: load watermark: %v", err)
	}

	dev := http.NewServeMux()

	dev.HandleFunc("POST /dev/emit", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req emitReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Body == "" {
			http.Error(w, "body required", http.StatusBadRequest)
			return
		}
		if req.UserID == "" {
			req.UserID, req.Username, req.DisplayName = sess.UserID(), sess.Username(), sess.DisplayName()
		}
		if req.Username == "" {
			http.Error(w, "username required", http.StatusBadRequest)
			return
		}
		if req.PostedAt.IsZero() {
			req.PostedAt = time.Now().UTC()
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		msg := core.Message{
			ID:                req.ID,
			UserID:            req.UserID,
			ChannelID:         channelID,
			AuthorUsername:    req.Username,
			AuthorDisplayName: req.DisplayName,
			Body:              req.Body,
			PostedAt:          req.PostedAt,
			Color:             req.Color,
			BadgeRefs:         req.Badges,
			Flags:             req.Flags,
			Reply:             req.Reply,
			Emotes:            core.NormalizeEmotes(req.Body, req.Emotes),
		}
		respond(w, engine.Observe(telemetry.WithCorrelation(r.Context(), r.Header.Get("X-Request-Id")), core.MessageEvent(msg)))
	})

	dev.HandleFunc("POST /dev/sub", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var sub core.Subscription
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		sub.ChannelID = channelID
		if sub.ID == "" {
			sub.ID = uuid.NewString()
		}
		if sub.OccurredAt.IsZero() {
			sub.OccurredAt = time.Now().UTC()
		}
		respond(w, engine.ObserveSubscription(r.Context(), sub))
	})

	dev.HandleFunc("POST /dev/delete/{id}", func(w http.ResponseWriter, r *http.Request) {
		respond(w, engine.ObserveDeletion(r.Context(), r.PathValue("id")))
	})

	dev.HandleFunc("POST /dev/clear", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req clearReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			http.Error(w, "user_id required", http.StatusBadRequest)
			return
		}
		respond(w, engine.ObserveUserClear(r.Context(), channelID, req.UserID))
	})

	api, err := httpapi.New(engine, st, tracker, localSender{eng: engine}, httpapi.Options{
		Addr:        addr,
		CORSOrigins: []string{"*"},
		Extra:       map[string]http.Handler{"/dev/": dev},
	})
	if err != nil {
		log.Fatalf("http api: %v", err)
	}

	log.Printf("devapi listening on %s (db=%s channel=%s user=%s)", addr, sqlite, channelID, userID)
	go func() {
		if err := api.Start(); err != nil {
			log.Printf("devapi: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Printf("devapi: shutdown: %v", err)
	}
	tracker.Close()
	if err := engine.Close(shutdownCtx); err != nil {
		log.Printf("devapi: engine close: %v", err)
	}
}

func respond(w http.ResponseWriter, res reconcile.Result) {
	w.Header().Set("Content-Type", "application/json")
	status := http.StatusOK
	body := map[string]any{"outcome": res.Outcome, "event_id": res.EventID}
	if res.Count > 0 {
		body["count"] = res.Count
	}
	if res.Err != nil {
		body["error"] = res.Err.Error()
		if res.Outcome == reconcile.OutcomeInvalid {
			status = http.StatusBadRequest
		}
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
