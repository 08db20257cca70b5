// Package twitchirc connects to Twitch chat over IRC and feeds what it reads
// into the reconciliation engine.
package twitchirc

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"golang.org/x/time/rate"

	"github.com/you/chatledger/internal/core"
	"github.com/you/chatledger/internal/ingesttrace"
	"github.com/you/chatledger/internal/reconcile"
	"github.com/you/chatledger/internal/session"
)

const (
	maxBackoff     = 60 * time.Second
	maxEchoBacklog = 32
)

var (
	errAuthFailed   = errors.New("twitchirc: authentication failed")
	ErrNotConnected = errors.New("twitchirc: not connected")
)

// Engine is what the adapter drives.
type Engine interface {
	Session() session.Context
	ObserveTraced(ctx context.Context, ev core.ChatEvent, tr *ingesttrace.MessageTrace) reconcile.Result
	ObserveSubscription(ctx context.Context, sub core.Subscription) reconcile.Result
	ObserveDeletion(ctx context.Context, id string) reconcile.Result
	ObserveUserClear(ctx context.Context, channelID, userID string) reconcile.Result
	SendLocal(ctx context.Context, body string) reconcile.Result
}

type Config struct {
	Channel       string
	Nick          string
	Token         string
	UseTLS        bool
	TokenProvider func() string
	RefreshNow    func(context.Context) (string, error)
	Addr          string
	// SendInterval paces outgoing PRIVMSGs; zero uses Twitch's 20 per 30s.
	SendInterval time.Duration
	SendBurst    int
	// EchoWindow is how long a sent line waits for its USERSTATE before it is
	// no longer paired; zero uses the engine's default merge window.
	EchoWindow time.Duration
	DebugDrops bool
	Clock      func() time.Time
	Logger     *slog.Logger
}

// sentLine is a PRIVMSG we wrote and have not seen acknowledged or rejected.
type sentLine struct {
	body   string
	sentAt time.Time
}

type Client struct {
	cfg     Config
	eng     Engine
	log     *slog.Logger
	limiter *rate.Limiter
	metrics *ingestMetrics
	now     func() time.Time

	mu     sync.Mutex
	out    func(string) error
	echoes []sentLine
}

func New(cfg Config, eng Engine) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.SendInterval
	if interval <= 0 {
		interval = 1500 * time.Millisecond
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 20
	}
	if cfg.EchoWindow <= 0 {
		cfg.EchoWindow = reconcile.DefaultMergeWindow
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	cfg.Channel = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(cfg.Channel), "#"))
	return &Client{
		cfg:     cfg,
		eng:     eng,
		log:     logger,
		limiter: rate.NewLimiter(rate.Every(interval), burst),
		metrics: newIngestMetrics(),
		now:     now,
	}
}

// Counters exposes ingest counters for the metrics collector.
func (c *Client) Counters() map[string]float64 { return c.metrics.snapshot() }

// Connected reports whether a session is currently joined.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out != nil
}

// Send records body as a local-pending message and writes it to chat. The
// pending entry is reconciled when Twitch acknowledges it with a USERSTATE.
func (c *Client) Send(ctx context.Context, body string) (reconcile.Result, error) {
	body = strings.TrimSpace(body)
	if strings.ContainsAny(body, "\r\n") {
		body = strings.Join(strings.Fields(body), " ")
	}
	if !c.Connected() {
		return reconcile.Result{}, ErrNotConnected
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return reconcile.Result{}, err
	}

	res := c.eng.SendLocal(ctx, body)
	if res.Outcome != reconcile.OutcomeAppended {
		return res, res.Err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		return res, ErrNotConnected
	}
	if err := c.out("PRIVMSG #" + c.cfg.Channel + " :" + body); err != nil {
		return res, fmt.Errorf("send PRIVMSG: %w", err)
	}
	c.echoes = append(c.echoes, sentLine{body: body, sentAt: c.now()})
	if len(c.echoes) > maxEchoBacklog {
		c.echoes = c.echoes[len(c.echoes)-maxEchoBacklog:]
	}
	return res, nil
}

func (c *Client) Run(ctx context.Context) error {
	if c.cfg.Channel == "" || strings.TrimSpace(c.cfg.Nick) == "" {
		return errors.New("twitchirc: channel and nick are required")
	}

	backoff := time.Second
	refreshBackoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.runOnce(ctx)
		if err == nil {
			backoff = time.Second
			refreshBackoff = time.Second
			continue
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ctx.Err()
		}

		if errors.Is(err, errAuthFailed) && c.cfg.RefreshNow != nil {
			c.log.Warn("twitchirc: authentication failed; refreshing token")
			for {
				_, refreshErr := c.cfg.RefreshNow(ctx)
				if refreshErr == nil {
					refreshBackoff = time.Second
					backoff = time.Second
					break
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.log.Warn("twitchirc: refresh failed", "err", refreshErr, "retry_in", refreshBackoff)
				if !sleep(ctx, &refreshBackoff) {
					return ctx.Err()
				}
			}
			continue
		}

		c.log.Warn("twitchirc: disconnected", "err", err, "retry_in", backoff)
		if !sleep(ctx, &backoff) {
			return ctx.Err()
		}
	}
}

// sleep waits *d and doubles it up to maxBackoff. It returns false when ctx
// ends first.
func sleep(ctx context.Context, d *time.Duration) bool {
	timer := time.NewTimer(*d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}
	if *d < maxBackoff {
		*d *= 2
		if *d > maxBackoff {
			*d = maxBackoff
		}
	}
	return true
}

func (c *Client) token() string {
	token := strings.TrimSpace(c.cfg.Token)
	if c.cfg.TokenProvider != nil {
		if provided := strings.TrimSpace(c.cfg.TokenProvider()); provided != "" {
			token = provided
		}
	}
	return session.NormalizeToken(token)
}

func (c *Client) runOnce(ctx context.Context) error {
	token := c.token()
	if token == "" {
		return errors.New("twitchirc: token is required")
	}

	host := "irc.chat.twitch.tv"
	addr := host + ":6667"
	if c.cfg.UseTLS {
		addr = host + ":6697"
	}
	if strings.TrimSpace(c.cfg.Addr) != "" {
		addr = strings.TrimSpace(c.cfg.Addr)
	}

	c.log.Info("twitchirc: connecting", "addr", addr, "tls", c.cfg.UseTLS)

	d := &net.Dialer{Timeout: 10 * time.Second}
	var conn net.Conn
	var err error
	if c.cfg.UseTLS {
		conn, err = tls.DialWithDialer(d, "tcp", addr, &tls.Config{ServerName: host})
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	var writeMu sync.Mutex
	send := func(s string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := rw.WriteString(s + "\r\n"); err != nil {
			return err
		}
		return rw.Flush()
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for _, line := range []string{
		"PASS " + token,
		"NICK " + c.cfg.Nick,
		"CAP REQ :twitch.tv/tags twitch.tv/commands twitch.tv/membership",
		"JOIN #" + c.cfg.Channel,
	} {
		if err := send(line); err != nil {
			cmd, _, _ := strings.Cut(line, " ")
			return fmt.Errorf("send %s: %w", cmd, err)
		}
	}
	c.log.Info("twitchirc: joined", "channel", c.cfg.Channel, "nick", c.cfg.Nick)

	c.mu.Lock()
	c.out = send
	c.echoes = nil
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.out = nil
		c.mu.Unlock()
	}()

	drops := newDropLogger(c.log, time.Now(), c.cfg.DebugDrops || readDropDebugEnv(), dropSummaryInterval)
	defer drops.flush(time.Now())

	reader := rw.Reader
	readDeadline := 2 * time.Minute
	nextPing := time.Now().Add(4 * time.Minute)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return fmt.Errorf("set deadline: %w", err)
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				now := time.Now()
				if !now.Before(nextPing) {
					if err := send("PING :keepalive"); err != nil {
						return fmt.Errorf("send PING: %w", err)
					}
					nextPing = now.Add(4 * time.Minute)
				}
				drops.tick(now)
				continue
			}
			return fmt.Errorf("read: %w", err)
		}
		nextPing = time.Now().Add(4 * time.Minute)

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		if authFailure(line) {
			c.log.Error("twitchirc: authentication failed per server NOTICE")
			return errAuthFailed
		}
		if strings.HasPrefix(line, "PING ") {
			if err := send("PONG " + strings.TrimPrefix(line, "PING ")); err != nil {
				return fmt.Errorf("send PONG: %w", err)
			}
			continue
		}

		if reconnect := c.dispatch(ctx, line, drops); reconnect {
			return errors.New("server requested reconnect")
		}
	}
}

// dispatch routes one raw IRC line. It reports whether the server asked us to
// reconnect.
func (c *Client) dispatch(ctx context.Context, line string, drops *dropLogger) bool {
	now := c.now()
	switch msg := twitch.ParseMessage(line).(type) {
	case *twitch.PrivateMessage:
		if !c.ownChannel(msg.Channel) {
			c.drop(drops, now, "other_channel", line)
			return false
		}
		m := translatePrivmsg(msg, now)
		c.observeMessage(ctx, m)

	case *twitch.UserStateMessage:
		id := msg.Tags["id"]
		if id == "" || !c.ownChannel(msg.Channel) {
			return false
		}
		body, ok := c.popEcho(now)
		if !ok {
			c.drop(drops, now, "unmatched_echo", line)
			return false
		}
		c.observeMessage(ctx, selfEcho(c.eng.Session(), msg, id, body, now))

	case *twitch.UserNoticeMessage:
		if !c.ownChannel(msg.Channel) {
			c.drop(drops, now, "other_channel", line)
			return false
		}
		sub, ok := translateUserNotice(msg, now)
		if !ok {
			c.drop(drops, now, "unsupported_notice", line)
			return false
		}
		c.metrics.incSeen("subscription")
		res := c.eng.ObserveSubscription(ctx, sub)
		c.noteResult(drops, now, res, line)

	case *twitch.ClearMessage:
		if msg.TargetMsgID == "" {
			c.drop(drops, now, "invalid", line)
			return false
		}
		c.metrics.incSeen("deletion")
		c.eng.ObserveDeletion(ctx, msg.TargetMsgID)

	case *twitch.ClearChatMessage:
		if msg.TargetUserID == "" {
			// a full chat clear is a UI concern; history keeps every row
			c.drop(drops, now, "clear_all", line)
			return false
		}
		c.metrics.incSeen("user_clear")
		c.eng.ObserveUserClear(ctx, msg.RoomID, msg.TargetUserID)

	case *twitch.NoticeMessage:
		if !sendRejected(msg.MsgID) || !c.ownChannel(msg.Channel) {
			c.drop(drops, now, "unhandled", line)
			return false
		}
		// Twitch answers a rejected PRIVMSG with this NOTICE and no USERSTATE.
		body, ok := c.popEcho(now)
		if !ok {
			c.drop(drops, now, "unmatched_rejection", line)
			return false
		}
		c.metrics.incDropped("send_rejected")
		c.log.Warn("twitchirc: message rejected by server", "msg_id", msg.MsgID, "body_len", len(body), "notice", msg.Message)

	case *twitch.ReconnectMessage:
		return true

	default:
		c.drop(drops, now, "unhandled", line)
	}
	return false
}

func (c *Client) observeMessage(ctx context.Context, m core.Message) {
	c.metrics.incSeen("message")
	tr := ingesttrace.NewTraceFromStream(m.ChannelID, m.ID, m.AuthorUsername, m.Body)
	tr.IncCounter(ingesttrace.StageSeenFromStream)
	res := c.eng.ObserveTraced(ctx, core.MessageEvent(m), tr)
	if res.Outcome == reconcile.OutcomeInvalid {
		c.metrics.incDropped("invalid")
	}
	tr.LogTrace(c.log, "twitchirc: trace")
}

func (c *Client) noteResult(drops *dropLogger, now time.Time, res reconcile.Result, line string) {
	if res.Outcome == reconcile.OutcomeInvalid {
		c.drop(drops, now, "invalid", line)
	}
}

func (c *Client) drop(drops *dropLogger, now time.Time, reason, line string) {
	c.metrics.incDropped(reason)
	drops.note(now, reason, line)
}

func (c *Client) ownChannel(name string) bool {
	return strings.EqualFold(strings.TrimPrefix(name, "#"), c.cfg.Channel)
}

// popEcho takes the oldest sent line still inside the echo window. Older
// lines were never acknowledged and are discarded.
func (c *Client) popEcho(now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := now.Add(-c.cfg.EchoWindow)
	for len(c.echoes) > 0 && c.echoes[0].sentAt.Before(cutoff) {
		c.echoes = c.echoes[1:]
		c.metrics.incDropped("echo_expired")
	}
	if len(c.echoes) == 0 {
		return "", false
	}
	body := c.echoes[0].body
	c.echoes = c.echoes[1:]
	return body, true
}

// sendRejected reports whether a NOTICE msg-id answers a PRIVMSG that was not
// delivered. Every msg_* id is a delivery refusal (duplicate, rate limit, slow
// mode, followers-only, banned, and so on).
func sendRejected(msgID string) bool {
	return strings.HasPrefix(msgID, "msg_")
}

func authFailure(line string) bool {
	if !strings.Contains(line, "NOTICE") {
		return false
	}
	lower := strings.ToLower(line)
	return strings.Contains(lower, "authentication failed") ||
		strings.Contains(lower, "improperly formatted auth")
}
