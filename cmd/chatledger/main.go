package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/you/chatledger/internal/config"
	"github.com/you/chatledger/internal/directory"
	httpadmin "github.com/you/chatledger/internal/http"
	"github.com/you/chatledger/internal/httpapi"
	"github.com/you/chatledger/internal/moderation"
	"github.com/you/chatledger/internal/readstate"
	"github.com/you/chatledger/internal/reconcile"
	"github.com/you/chatledger/internal/session"
	"github.com/you/chatledger/internal/store"
	"github.com/you/chatledger/internal/telemetry"
	"github.com/you/chatledger/internal/twitchbadges"
	"github.com/you/chatledger/internal/twitchirc"
	"github.com/you/chatledger/internal/version"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	_ = godotenv.Load()

	var (
		versionFlag   bool
		dbPath        string
		settingsFile  string
		twChannel     string
		twChannelID   string
		twNick        string
		twUserID      string
		twToken       string
		twTokenFile   string
		twClientID    string
		twSecret      string
		twRefreshFile string
		twTLS         bool
		httpAddr      string
		corsOrigins   string
		rateRPS       float64
		rateBurst     int
		adminToken    string
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&dbPath, "sqlite", "chatledger.db", "Path to SQLite database file")
	flag.StringVar(&settingsFile, "settings", "", "Path to YAML preferences file")
	flag.StringVar(&twChannel, "twitch-channel", "", "Twitch channel to join (without #)")
	flag.StringVar(&twChannelID, "twitch-channel-id", "", "Twitch broadcaster id of the channel")
	flag.StringVar(&twNick, "twitch-nick", "", "Twitch nickname to login as")
	flag.StringVar(&twUserID, "twitch-user-id", "", "Twitch user id of the session user")
	flag.StringVar(&twToken, "twitch-token", "", "Twitch OAuth token (format: oauth:xxxxx)")
	flag.StringVar(&twTokenFile, "twitch-token-file", "", "Path to file containing the Twitch OAuth token")
	flag.StringVar(&twClientID, "twitch-client-id", "", "Twitch application client ID")
	flag.StringVar(&twSecret, "twitch-client-secret", "", "Twitch application client secret")
	flag.StringVar(&twRefreshFile, "twitch-refresh-token-file", "", "Path to file containing the Twitch refresh token")
	flag.BoolVar(&twTLS, "twitch-tls", true, "Use TLS (port 6697) for Twitch IRC connection")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP API address (e.g., :8765)")
	flag.StringVar(&corsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.Float64Var(&rateRPS, "http-rate-rps", 20, "Maximum HTTP requests per second per client")
	flag.IntVar(&rateBurst, "http-rate-burst", 40, "Burst size for HTTP rate limiter")
	flag.StringVar(&adminToken, "admin-token", "", "Bearer token required on /admin routes")
	flag.Parse()

	if versionFlag {
		fmt.Printf("chatledger version: %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildTime)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()
	if overrides["sqlite"] {
		cfg.Store.Path = strings.TrimSpace(dbPath)
	}
	if overrides["settings"] {
		cfg.SettingsFile = strings.TrimSpace(settingsFile)
	}
	if overrides["twitch-channel"] {
		cfg.Twitch.Channel = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(twChannel), "#"))
		cfg.Twitch.Enabled = cfg.Twitch.Channel != ""
	}
	if overrides["twitch-channel-id"] {
		cfg.Twitch.ChannelID = strings.TrimSpace(twChannelID)
	}
	if overrides["twitch-nick"] {
		cfg.Twitch.Nick = strings.TrimSpace(twNick)
	}
	if overrides["twitch-user-id"] {
		cfg.Twitch.UserID = strings.TrimSpace(twUserID)
	}
	if overrides["twitch-token"] {
		cfg.Twitch.Token = strings.TrimSpace(twToken)
	}
	if overrides["twitch-token-file"] {
		cfg.Twitch.TokenFile = strings.TrimSpace(twTokenFile)
	}
	if overrides["twitch-client-id"] {
		cfg.Twitch.ClientID = strings.TrimSpace(twClientID)
	}
	if overrides["twitch-client-secret"] {
		cfg.Twitch.ClientSecret = strings.TrimSpace(twSecret)
	}
	if overrides["twitch-refresh-token-file"] {
		cfg.Twitch.RefreshTokenFile = strings.TrimSpace(twRefreshFile)
	}
	if overrides["twitch-tls"] {
		cfg.Twitch.TLS = twTLS
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["http-cors-origins"] {
		cfg.HTTP.CORSOrigins = splitOrigins(corsOrigins)
	}
	if overrides["http-rate-rps"] {
		cfg.HTTP.RateRPS = rateRPS
	}
	if overrides["http-rate-burst"] {
		cfg.HTTP.RateBurst = rateBurst
	}
	if overrides["admin-token"] {
		cfg.HTTP.AdminToken = strings.TrimSpace(adminToken)
	}

	logger := newLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	log.Printf("%s", cfg.SummaryJSON())

	shutdownTracing, err := telemetry.InitTracing("chatledger", version.Version)
	if err != nil {
		log.Printf("chatledger: tracing: %v", err)
		shutdownTracing = func() {}
	}
	defer shutdownTracing()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("chatledger: received %s, shutting down", sig)
		cancel()
	}()

	st, err := store.OpenSQLite(cfg.Store.Path)
	if err != nil {
		log.Fatalf("chatledger: open sqlite: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("chatledger: closing store: %v", err)
		}
	}()
	if err := st.Ping(); err != nil {
		log.Fatalf("chatledger: ping sqlite: %v", err)
	}
	if cfg.Store.Tuning {
		st.Tune(ctx)
	}

	dir := directory.New(st, logger)
	log.Printf("chatledger: directory warmed with %d identities", dir.Warm(ctx))

	var tokenLifetime time.Duration
	if cfg.Twitch.Enabled {
		tokenLifetime = resolveIdentity(ctx, &cfg)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("chatledger: %v", err)
	}

	tolerance := cfg.DedupTolerance()
	sess, err := session.Open(session.Options{
		Context: session.NewContext(session.ContextParams{
			UserID:       cfg.Twitch.UserID,
			Username:     cfg.Twitch.Nick,
			ChannelID:    cfg.Twitch.ChannelID,
			ChannelLogin: cfg.Twitch.Channel,
		}),
		SettingsFile: cfg.SettingsFile,
		Defaults: session.Preferences{
			MergeWindow:    cfg.MergeWindow(),
			DedupTolerance: &tolerance,
		},
		TokenFile:   cfg.Twitch.TokenFile,
		StaticToken: cfg.Twitch.Token,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("chatledger: open session: %v", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Printf("chatledger: closing session: %v", err)
		}
	}()

	settings := engineSettings(sess.Settings())
	engine := reconcile.New(st, reconcile.Options{
		Session:          sess.Context(),
		Directory:        dir,
		Settings:         &settings,
		ReplayLimit:      cfg.Engine.ReplayLimit,
		FailureWarnAfter: cfg.Engine.FailureWarnAfter,
		RetryFlush:       cfg.RetryFlush(),
		Logger:           logger,
	})
	sess.OnChange(func(p session.Preferences) {
		engine.ApplySettings(engineSettings(p))
		log.Printf("chatledger: preferences applied")
	})

	channelID := sess.Context().ChannelID()
	replayed, err := engine.Replay(ctx, channelID)
	if err != nil {
		log.Fatalf("chatledger: replay %s: %v", channelID, err)
	}
	log.Printf("chatledger: replayed %d events for channel %q", replayed, channelID)

	tracker := readstate.New(st, engine, logger)
	if _, _, err := tracker.Load(ctx, channelID); err != nil {
		log.Printf("chatledger: load read watermark: %v", err)
	}

	var (
		irc     *twitchirc.Client
		sender  httpapi.Sender
		ircDone = make(chan struct{})
		rotated = make(chan struct{}, 1)
	)

	if cfg.Twitch.Enabled {
		if cfg.Twitch.Nick == "" {
			log.Fatal("chatledger: twitch-nick is required when twitch-channel is set")
		}
		var refreshNow func(context.Context) (string, error)
		if cfg.Twitch.ClientID != "" && cfg.Twitch.ClientSecret != "" && cfg.Twitch.RefreshTokenFile != "" {
			if cfg.Twitch.TokenFile == "" {
				log.Fatal("chatledger: twitch-token-file is required when refresh inputs provided")
			}
			refresher := &session.Refresher{
				ClientID:     cfg.Twitch.ClientID,
				ClientSecret: cfg.Twitch.ClientSecret,
				RefreshFile:  cfg.Twitch.RefreshTokenFile,
				TokenFile:    cfg.Twitch.TokenFile,
				Logger:       logger,
			}
			refreshNow = func(ctx context.Context) (string, error) {
				if _, err := refresher.Refresh(ctx); err != nil {
					return "", err
				}
				tok, _, err := sess.ReloadToken()
				return tok, err
			}
			refresher.StartAuto(ctx, tokenLifetime, func(string) {
				if _, _, err := sess.ReloadToken(); err != nil {
					log.Printf("chatledger: reload refreshed token: %v", err)
				}
			})
		}
		irc = twitchirc.New(twitchirc.Config{
			Channel:       cfg.Twitch.Channel,
			Nick:          cfg.Twitch.Nick,
			UseTLS:        cfg.Twitch.TLS,
			TokenProvider: sess.Token,
			RefreshNow:    refreshNow,
			EchoWindow:    cfg.MergeWindow(),
			Logger:        logger,
		}, engine)
		sender = irc

		sess.OnTokenChange(func(string) {
			select {
			case rotated <- struct{}{}:
			default:
			}
		})
		go func() {
			defer close(ircDone)
			runIRC(ctx, irc, rotated)
		}()
	} else {
		close(ircDone)
		log.Printf("chatledger: twitch disabled; running from stored history only")
	}

	var api *httpapi.Server
	if cfg.HTTP.Addr != "" {
		var mod httpadmin.Moderator
		if cfg.Twitch.ClientID != "" && sess.Context().ChannelID() != "" {
			mod = moderation.New(sess.Context(), moderation.Options{
				ClientID:   cfg.Twitch.ClientID,
				Token:      sess.Token,
				ClearOnBan: func() bool { return sess.Settings().ClearOnBan },
				Timeline:   engine,
				Logger:     logger,
			})
		} else {
			log.Printf("chatledger: moderation disabled; client id and channel id required")
		}
		admin := httpadmin.New(mod, sess, dir, cfg.HTTP.AdminToken)

		collectors := []prometheus.Collector{
			telemetry.NewSnapshotCollector("chatledger", "engine", func() map[string]float64 {
				return engine.Stats().Counters()
			}),
			telemetry.NewSnapshotCollector("chatledger", "store", func() map[string]float64 {
				return st.Counters(context.Background())
			}),
		}
		if irc != nil {
			collectors = append(collectors, telemetry.NewSnapshotCollector("chatledger", "irc", irc.Counters))
		}

		var badges httpapi.Badges
		if r := twitchbadges.New(twitchbadges.Options{
			ClientID:     cfg.Twitch.ClientID,
			ClientSecret: cfg.Twitch.ClientSecret,
			Logger:       logger,
		}); r != nil {
			badges = r
		}

		api, err = httpapi.New(engine, st, tracker, sender, httpapi.Options{
			Addr:        cfg.HTTP.Addr,
			CORSOrigins: cfg.HTTP.CORSOrigins,
			RateRPS:     cfg.HTTP.RateRPS,
			RateBurst:   cfg.HTTP.RateBurst,
			Build: httpapi.BuildInfo{
				Version:  version.Version,
				Revision: version.Commit,
				BuiltAt:  version.BuiltAt(),
			},
			Badges:     badges,
			Collectors: collectors,
			Extra:      map[string]http.Handler{"/admin/": admin.Handler()},
			Logger:     logger,
		})
		if err != nil {
			log.Fatalf("chatledger: http api: %v", err)
		}
		go func() {
			if err := api.Start(); err != nil {
				log.Printf("chatledger: http api: %v", err)
				cancel()
			}
		}()
		log.Printf("chatledger: http api ready on %s", cfg.HTTP.Addr)
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if api != nil {
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Printf("chatledger: http shutdown: %v", err)
		}
	}
	select {
	case <-ircDone:
	case <-shutdownCtx.Done():
		log.Printf("chatledger: twitch client did not stop before deadline")
	}
	tracker.Close()
	if err := engine.Close(shutdownCtx); err != nil {
		log.Printf("chatledger: engine close: %v", err)
	}
	log.Printf("chatledger: shutdown complete")
}

// runIRC keeps the client connected, restarting it when the token rotates so
// the new credentials are used for the next login.
func runIRC(ctx context.Context, client *twitchirc.Client, rotated <-chan struct{}) {
	for {
		runCtx, stop := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- client.Run(runCtx) }()

		select {
		case <-ctx.Done():
			stop()
			<-done
			return
		case <-rotated:
			log.Printf("chatledger: twitch token rotated; reconnecting")
			stop()
			<-done
		case err := <-done:
			stop()
			if err != nil && ctx.Err() == nil {
				log.Printf("chatledger: twitch client stopped: %v", err)
			}
			return
		}
	}
}

// resolveIdentity fills a missing nick or user id from the token's validation
// and returns the token's remaining lifetime, zero when unknown.
func resolveIdentity(ctx context.Context, cfg *config.Config) time.Duration {
	token := cfg.Twitch.Token
	if cfg.Twitch.TokenFile != "" {
		if loaded, _, err := session.NewFileTokenLoader(cfg.Twitch.TokenFile).Load(); err == nil {
			token = loaded
		}
	}
	if token == "" {
		return 0
	}
	v, err := session.Validator{}.Validate(ctx, token)
	if err != nil {
		log.Printf("chatledger: twitch token validation: %v", err)
		return 0
	}
	if cfg.Twitch.Nick == "" {
		cfg.Twitch.Nick = v.Login
	}
	if cfg.Twitch.UserID == "" {
		cfg.Twitch.UserID = v.UserID
	}
	if cfg.Twitch.ClientID == "" {
		cfg.Twitch.ClientID = v.ClientID
	}
	if cfg.Twitch.ChannelID == "" {
		cfg.Twitch.ChannelID = v.ChannelIDFor(cfg.Twitch.Channel)
	}
	log.Printf("chatledger: twitch token valid for %s (user_id=%s expires_in=%s)", v.Login, v.UserID, v.ExpiresIn)
	return v.ExpiresIn
}

func engineSettings(p session.Preferences) reconcile.Settings {
	s := reconcile.DefaultSettings()
	if p.MergeWindow > 0 {
		s.MergeWindow = p.MergeWindow
	}
	s.DedupTolerance = p.Tolerance(reconcile.DefaultDedupTolerance)
	s.HighlightKeywords = append([]string(nil), p.HighlightKeywords...)
	return s
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func splitOrigins(raw string) []string {
	var out []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}
