package session

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

const (
	twitchTokenURL        = "https://id.twitch.tv/oauth2/token"
	defaultRefreshTimeout = 15 * time.Second
)

// Refresher exchanges a stored refresh token for a new access token and
// rewrites both token files, which the session watcher then picks up.
type Refresher struct {
	ClientID     string
	ClientSecret string
	RefreshFile  string
	TokenFile    string
	// TokenURL overrides the Twitch endpoint in tests.
	TokenURL string
	HTTP     *http.Client
	Logger   *slog.Logger

	mu        sync.Mutex
	expiresIn time.Duration
}

// Refresh performs one refresh grant and returns the IRC-form access token.
func (r *Refresher) Refresh(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.TrimSpace(r.RefreshFile) == "" || strings.TrimSpace(r.TokenFile) == "" {
		return "", errors.New("session: refresh and token file paths are required")
	}
	raw, err := os.ReadFile(r.RefreshFile)
	if err != nil {
		return "", errors.Wrap(err, "session: read refresh token")
	}
	refresh := strings.TrimSpace(string(raw))
	if refresh == "" {
		return "", errors.New("session: empty refresh token")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRefreshTimeout)
		defer cancel()
	}
	if r.HTTP != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTP)
	}

	tokenURL := r.TokenURL
	if tokenURL == "" {
		tokenURL = twitchTokenURL
	}
	conf := &oauth2.Config{
		ClientID:     strings.TrimSpace(r.ClientID),
		ClientSecret: strings.TrimSpace(r.ClientSecret),
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
	// An already-expired token forces the source to run the refresh grant.
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh, Expiry: time.Unix(1, 0)}).Token()
	if err != nil {
		return "", errors.Wrap(err, "session: refresh grant")
	}
	if tok.AccessToken == "" {
		return "", errors.New("session: refresh returned empty access token")
	}

	if !tok.Expiry.IsZero() {
		r.expiresIn = time.Until(tok.Expiry)
	}
	access := NormalizeToken(tok.AccessToken)
	if err := atomicWrite(r.TokenFile, []byte(access), 0o600); err != nil {
		return "", errors.Wrap(err, "session: write token file")
	}
	if tok.RefreshToken != "" && tok.RefreshToken != refresh {
		if err := atomicWrite(r.RefreshFile, []byte(tok.RefreshToken), 0o600); err != nil {
			return "", errors.Wrap(err, "session: write refresh file")
		}
	}
	return access, nil
}

// StartAuto refreshes ahead of expiry until ctx ends. first is the remaining
// lifetime of the current token; zero refreshes after a minute. Failures
// retry with backoff capped at a minute.
func (r *Refresher) StartAuto(ctx context.Context, first time.Duration, onUpdate func(token string)) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	go func() {
		timer := time.NewTimer(refreshInterval(first))
		defer timer.Stop()
		backoff := time.Second

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}

			token, err := r.Refresh(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("session: auto-refresh failed", "err", err, "retry_in", backoff)
				timer.Reset(backoff)
				backoff = min(backoff*2, time.Minute)
				continue
			}
			backoff = time.Second
			if onUpdate != nil {
				onUpdate(token)
			}

			r.mu.Lock()
			next := r.expiresIn
			r.mu.Unlock()
			timer.Reset(refreshInterval(next))
		}
	}()
}

// refreshInterval schedules the next refresh at 85% of the token lifetime,
// never sooner than a minute.
func refreshInterval(expiresIn time.Duration) time.Duration {
	next := expiresIn / 100 * 85
	if next < time.Minute {
		return time.Minute
	}
	return next
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Chmod(path, mode)
}
