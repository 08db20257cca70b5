package config

import (
	"encoding/json"
	"errors"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Store        StoreConfig
	Engine       EngineConfig
	Twitch       TwitchConfig
	HTTP         HTTPConfig
	Log          LogConfig
	SettingsFile string
}

type StoreConfig struct {
	Path   string
	Tuning bool
}

type EngineConfig struct {
	MergeWindowMS    int
	DedupToleranceMS int
	ReplayLimit      int
	RetryFlushMS     int
	FailureWarnAfter int
}

type TwitchConfig struct {
	Enabled   bool
	Channel   string
	ChannelID string
	Nick      string
	UserID    string
	Token     string
	TokenFile string
	ClientID  string
	TLS       bool

	// ClientSecret and RefreshTokenFile enable token refresh on auth failure.
	ClientSecret     string
	RefreshTokenFile string
}

type HTTPConfig struct {
	Addr        string
	CORSOrigins []string
	RateRPS     float64
	RateBurst   int
	AdminToken  string
}

type LogConfig struct {
	Level  string
	Format string
}

const (
	defaultSQLitePath       = "chatledger.db"
	defaultMergeWindowMS    = 2000
	defaultDedupToleranceMS = 2000
	defaultRetryFlushMS     = 5000
	defaultFailureWarnAfter = 3
	defaultRateRPS          = 20
	defaultRateBurst        = 40
)

func Load() Config {
	cfg := Config{}

	cfg.Store.Path = strings.TrimSpace(os.Getenv("CHATLEDGER_DB_PATH"))
	if cfg.Store.Path == "" {
		cfg.Store.Path = defaultSQLitePath
	}
	cfg.Store.Tuning = readBool("CHATLEDGER_SQLITE_TUNING", false)

	cfg.Engine.MergeWindowMS = readInt("CHATLEDGER_MERGE_WINDOW_MS", defaultMergeWindowMS)
	cfg.Engine.DedupToleranceMS = readIntAllowZero("CHATLEDGER_DEDUP_TOLERANCE_MS", defaultDedupToleranceMS)
	cfg.Engine.ReplayLimit = readIntAllowZero("CHATLEDGER_REPLAY_LIMIT", 0)
	cfg.Engine.RetryFlushMS = readInt("CHATLEDGER_RETRY_FLUSH_MS", defaultRetryFlushMS)
	cfg.Engine.FailureWarnAfter = readInt("CHATLEDGER_FAILURE_WARN_AFTER", defaultFailureWarnAfter)
	cfg.SettingsFile = strings.TrimSpace(os.Getenv("CHATLEDGER_SETTINGS_FILE"))

	cfg.Twitch.Channel = strings.ToLower(strings.TrimPrefix(firstEnv("CHATLEDGER_TWITCH_CHANNEL", "TWITCH_CHANNEL"), "#"))
	cfg.Twitch.ChannelID = firstEnv("CHATLEDGER_TWITCH_CHANNEL_ID", "TWITCH_CHANNEL_ID")
	cfg.Twitch.Nick = firstEnv("CHATLEDGER_TWITCH_NICK", "TWITCH_NICK")
	cfg.Twitch.UserID = firstEnv("CHATLEDGER_TWITCH_USER_ID", "TWITCH_USER_ID")
	cfg.Twitch.Token = firstEnv("CHATLEDGER_TWITCH_TOKEN", "TWITCH_TOKEN")
	cfg.Twitch.TokenFile = firstEnv("CHATLEDGER_TWITCH_TOKEN_FILE", "TWITCH_TOKEN_FILE")
	cfg.Twitch.ClientID = firstEnv("CHATLEDGER_TWITCH_CLIENT_ID", "TWITCH_CLIENT_ID")
	cfg.Twitch.ClientSecret = firstEnv("CHATLEDGER_TWITCH_CLIENT_SECRET", "TWITCH_CLIENT_SECRET")
	cfg.Twitch.RefreshTokenFile = firstEnv("CHATLEDGER_TWITCH_REFRESH_TOKEN_FILE", "TWITCH_REFRESH_TOKEN_FILE")
	cfg.Twitch.TLS = readBool("CHATLEDGER_TWITCH_TLS", true)
	cfg.Twitch.Enabled = readBool("CHATLEDGER_TWITCH_ENABLED", cfg.Twitch.Channel != "")

	cfg.HTTP.Addr = strings.TrimSpace(os.Getenv("CHATLEDGER_HTTP_ADDR"))
	cfg.HTTP.CORSOrigins = splitList(os.Getenv("CHATLEDGER_HTTP_CORS_ORIGINS"))
	cfg.HTTP.RateRPS = readFloat("CHATLEDGER_HTTP_RATE_RPS", defaultRateRPS)
	cfg.HTTP.RateBurst = readInt("CHATLEDGER_HTTP_RATE_BURST", defaultRateBurst)
	cfg.HTTP.AdminToken = strings.TrimSpace(os.Getenv("CHATLEDGER_ADMIN_TOKEN"))

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(os.Getenv("LOG_FORMAT")))
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	return cfg
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return dedupe(out)
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(v))
	}
	sort.Strings(out)
	return out
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// readIntAllowZero accepts zero as an explicit value; negatives fall back.
func readIntAllowZero(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func readFloat(name string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func (c Config) MergeWindow() time.Duration {
	return time.Duration(c.Engine.MergeWindowMS) * time.Millisecond
}

// DedupTolerance is zero when the near-duplicate check is disabled.
func (c Config) DedupTolerance() time.Duration {
	return time.Duration(c.Engine.DedupToleranceMS) * time.Millisecond
}

var (
	ErrChannelIDRequired = errors.New("config: twitch channel id is required (set CHATLEDGER_TWITCH_CHANNEL_ID unless the token belongs to the channel owner)")
	ErrUserIDRequired    = errors.New("config: twitch user id is required (set CHATLEDGER_TWITCH_USER_ID or supply a token that validates)")
)

// Validate checks that an enabled Twitch connection knows which channel and
// user it speaks for. Everything keyed by channel depends on the id.
func (c Config) Validate() error {
	if !c.Twitch.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Twitch.ChannelID) == "" {
		return ErrChannelIDRequired
	}
	if strings.TrimSpace(c.Twitch.UserID) == "" {
		return ErrUserIDRequired
	}
	return nil
}

func (c Config) RetryFlush() time.Duration {
	return time.Duration(c.Engine.RetryFlushMS) * time.Millisecond
}

type Summary struct {
	SQLitePath       string        `json:"sqlite_path"`
	MergeWindowMS    int           `json:"merge_window_ms"`
	DedupToleranceMS int           `json:"dedup_tolerance_ms"`
	ReplayLimit      int           `json:"replay_limit"`
	SettingsFile     string        `json:"settings_file,omitempty"`
	Twitch           TwitchSummary `json:"twitch"`
	HTTPAddr         string        `json:"http_addr,omitempty"`
}

type TwitchSummary struct {
	Enabled   bool   `json:"enabled"`
	Channel   string `json:"channel,omitempty"`
	Nick      string `json:"nick,omitempty"`
	Token     string `json:"token,omitempty"`
	TokenFile string `json:"token_file,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
}

func (c Config) Summary() Summary {
	return Summary{
		SQLitePath:       c.Store.Path,
		MergeWindowMS:    c.Engine.MergeWindowMS,
		DedupToleranceMS: c.Engine.DedupToleranceMS,
		ReplayLimit:      c.Engine.ReplayLimit,
		SettingsFile:     c.SettingsFile,
		Twitch: TwitchSummary{
			Enabled:   c.Twitch.Enabled,
			Channel:   c.Twitch.Channel,
			Nick:      c.Twitch.Nick,
			Token:     redactString(c.Twitch.Token),
			TokenFile: c.Twitch.TokenFile,
			ClientID:  redactString(c.Twitch.ClientID),
		},
		HTTPAddr: c.HTTP.Addr,
	}
}

func (c Config) Redacted() map[string]any {
	return map[string]any{
		"store": map[string]any{
			"sqlite_path": c.Store.Path,
			"tuning":      c.Store.Tuning,
		},
		"engine": map[string]any{
			"merge_window_ms":    c.Engine.MergeWindowMS,
			"dedup_tolerance_ms": c.Engine.DedupToleranceMS,
			"replay_limit":       c.Engine.ReplayLimit,
			"retry_flush_ms":     c.Engine.RetryFlushMS,
			"failure_warn_after": c.Engine.FailureWarnAfter,
		},
		"settings_file": c.SettingsFile,
		"twitch": map[string]any{
			"enabled":            c.Twitch.Enabled,
			"channel":            c.Twitch.Channel,
			"channel_id":         c.Twitch.ChannelID,
			"nick":               c.Twitch.Nick,
			"user_id":            c.Twitch.UserID,
			"token":              redactString(c.Twitch.Token),
			"token_file":         c.Twitch.TokenFile,
			"client_id":          redactString(c.Twitch.ClientID),
			"client_secret":      redactString(c.Twitch.ClientSecret),
			"refresh_token_file": c.Twitch.RefreshTokenFile,
			"tls":                c.Twitch.TLS,
		},
		"http": map[string]any{
			"addr":         c.HTTP.Addr,
			"cors_origins": append([]string(nil), c.HTTP.CORSOrigins...),
			"rate_rps":     c.HTTP.RateRPS,
			"rate_burst":   c.HTTP.RateBurst,
			"admin_token":  redactString(c.HTTP.AdminToken),
		},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}
