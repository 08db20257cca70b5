// Package moderation issues Twitch Helix moderation calls and mirrors their
// successful outcome into the local timeline.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/you/chatledger/internal/reconcile"
	"github.com/you/chatledger/internal/session"
)

const defaultBaseURL = "https://api.twitch.tv/helix"

// Action names one moderation command.
type Action string

const (
	ActionTimeout         Action = "timeout"
	ActionBan             Action = "ban"
	ActionUnban           Action = "unban"
	ActionDeleteMessage   Action = "delete_message"
	ActionAddVIP          Action = "add_vip"
	ActionRemoveVIP       Action = "remove_vip"
	ActionAddModerator    Action = "add_moderator"
	ActionRemoveModerator Action = "remove_moderator"
)

// Report is the outcome of one remote command. Only OK drives local state.
type Report struct {
	Action   Action `json:"action"`
	TargetID string `json:"target_id"`
	OK       bool   `json:"ok"`
	Status   int    `json:"status,omitempty"`
	Message  string `json:"message,omitempty"`
	// Local is the engine outcome applied after a successful call, if any.
	Local reconcile.Outcome `json:"local,omitempty"`
}

// Timeline is the engine surface the commander mirrors into.
type Timeline interface {
	ObserveDeletion(ctx context.Context, id string) reconcile.Result
	ObserveUserClear(ctx context.Context, channelID, userID string) reconcile.Result
}

type Options struct {
	BaseURL  string
	ClientID string
	// Token returns the current access token; the "oauth:" prefix is stripped.
	Token func() string
	// ClearOnBan reports whether ban and timeout also flag the user's history.
	ClearOnBan func() bool
	Timeline   Timeline
	// Rate and Burst pace outgoing calls; zero uses 800 per minute.
	Rate   rate.Limit
	Burst  int
	HTTP   *http.Client
	Logger *slog.Logger
}

// Commander runs moderation commands as the session user in the session
// channel.
type Commander struct {
	sess     session.Context
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	timeline Timeline
	clear    func() bool
	log      *slog.Logger
}

type tokenFunc func() string

func (f tokenFunc) Token() (*oauth2.Token, error) {
	access := session.BearerToken(f())
	if access == "" {
		return nil, fmt.Errorf("moderation: no access token")
	}
	return &oauth2.Token{AccessToken: access, TokenType: "Bearer"}, nil
}

type clientIDTransport struct {
	clientID string
	base     http.RoundTripper
}

func (t clientIDTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Client-Id", t.clientID)
	return t.base.RoundTrip(req)
}

func New(sess session.Context, opts Options) *Commander {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	limit := opts.Rate
	if limit <= 0 {
		limit = rate.Every(time.Minute / 800)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 10
	}
	token := opts.Token
	if token == nil {
		token = func() string { return "" }
	}

	inner := opts.HTTP
	if inner == nil {
		inner = &http.Client{Timeout: 10 * time.Second}
	}
	base := inner.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	// The source is consulted per request so token rotations apply at once.
	client := &http.Client{
		Timeout: inner.Timeout,
		Transport: &oauth2.Transport{
			Source: tokenFunc(token),
			Base:   clientIDTransport{clientID: opts.ClientID, base: base},
		},
	}

	clearOnBan := opts.ClearOnBan
	if clearOnBan == nil {
		clearOnBan = func() bool { return false }
	}
	return &Commander{
		sess:     sess,
		baseURL:  baseURL,
		client:   client,
		limiter:  rate.NewLimiter(limit, burst),
		timeline: opts.Timeline,
		clear:    clearOnBan,
		log:      logger,
	}
}

// Timeout bans userID for d, rounded up to whole seconds.
func (c *Commander) Timeout(ctx context.Context, userID string, d time.Duration, reason string) Report {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	rep := c.ban(ctx, ActionTimeout, userID, secs, reason)
	return c.mirrorBan(ctx, rep)
}

func (c *Commander) Ban(ctx context.Context, userID, reason string) Report {
	rep := c.ban(ctx, ActionBan, userID, 0, reason)
	return c.mirrorBan(ctx, rep)
}

func (c *Commander) Unban(ctx context.Context, userID string) Report {
	return c.call(ctx, ActionUnban, userID, http.MethodDelete, "/moderation/bans", url.Values{
		"moderator_id": {c.sess.UserID()},
		"user_id":      {userID},
	}, nil)
}

// DeleteMessage removes one message and flags it locally on success.
func (c *Commander) DeleteMessage(ctx context.Context, messageID string) Report {
	rep := c.call(ctx, ActionDeleteMessage, messageID, http.MethodDelete, "/moderation/chat", url.Values{
		"moderator_id": {c.sess.UserID()},
		"message_id":   {messageID},
	}, nil)
	if rep.OK && c.timeline != nil {
		rep.Local = c.timeline.ObserveDeletion(ctx, messageID).Outcome
	}
	return rep
}

func (c *Commander) AddVIP(ctx context.Context, userID string) Report {
	return c.call(ctx, ActionAddVIP, userID, http.MethodPost, "/channels/vips", url.Values{"user_id": {userID}}, nil)
}

func (c *Commander) RemoveVIP(ctx context.Context, userID string) Report {
	return c.call(ctx, ActionRemoveVIP, userID, http.MethodDelete, "/channels/vips", url.Values{"user_id": {userID}}, nil)
}

func (c *Commander) AddModerator(ctx context.Context, userID string) Report {
	return c.call(ctx, ActionAddModerator, userID, http.MethodPost, "/moderation/moderators", url.Values{"user_id": {userID}}, nil)
}

func (c *Commander) RemoveModerator(ctx context.Context, userID string) Report {
	return c.call(ctx, ActionRemoveModerator, userID, http.MethodDelete, "/moderation/moderators", url.Values{"user_id": {userID}}, nil)
}

func (c *Commander) ban(ctx context.Context, action Action, userID string, secs int, reason string) Report {
	data := map[string]any{"user_id": userID}
	if secs > 0 {
		data["duration"] = secs
	}
	if reason = strings.TrimSpace(reason); reason != "" {
		data["reason"] = reason
	}
	return c.call(ctx, action, userID, http.MethodPost, "/moderation/bans", url.Values{
		"moderator_id": {c.sess.UserID()},
	}, map[string]any{"data": data})
}

func (c *Commander) mirrorBan(ctx context.Context, rep Report) Report {
	if rep.OK && c.timeline != nil && c.clear() {
		rep.Local = c.timeline.ObserveUserClear(ctx, c.sess.ChannelID(), rep.TargetID).Outcome
	}
	return rep
}

type helixError struct {
	Error   string `json:"error"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (c *Commander) call(ctx context.Context, action Action, target, method, path string, q url.Values, body any) Report {
	rep := Report{Action: action, TargetID: strings.TrimSpace(target)}
	if rep.TargetID == "" {
		rep.Message = "target id is required"
		return rep
	}
	if !c.sess.Valid() {
		rep.Message = "no authenticated session"
		return rep
	}
	if err := c.limiter.Wait(ctx); err != nil {
		rep.Message = err.Error()
		return rep
	}

	q.Set("broadcaster_id", c.sess.ChannelID())
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			rep.Message = err.Error()
			return rep
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+q.Encode(), reader)
	if err != nil {
		rep.Message = err.Error()
		return rep
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		rep.Message = err.Error()
		c.log.Warn("moderation: request failed", "action", action, "target", rep.TargetID, "err", err)
		return rep
	}
	defer resp.Body.Close()
	rep.Status = resp.StatusCode

	if resp.StatusCode/100 == 2 {
		rep.OK = true
		_, _ = io.Copy(io.Discard, resp.Body)
		c.log.Info("moderation: applied", "action", action, "target", rep.TargetID)
		return rep
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var he helixError
	if json.Unmarshal(raw, &he) == nil && he.Message != "" {
		rep.Message = he.Message
	} else {
		rep.Message = strings.TrimSpace(string(raw))
	}
	c.log.Warn("moderation: rejected", "action", action, "target", rep.TargetID, "status", resp.StatusCode, "message", rep.Message)
	return rep
}
