package session

import (
	"errors"
	"os"
	"strings"
	"sync"
)

var ErrEmptyToken = errors.New("session: empty token")

// NormalizeToken trims the token and ensures the "oauth:" prefix IRC expects.
func NormalizeToken(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "oauth:") {
		return trimmed
	}
	return "oauth:" + trimmed
}

// BearerToken strips the IRC prefix for REST calls.
func BearerToken(s string) string {
	return strings.TrimPrefix(NormalizeToken(s), "oauth:")
}

// FileTokenLoader reads a token from disk and caches the last normalized value.
type FileTokenLoader struct {
	path   string
	mu     sync.Mutex
	cached string
}

func NewFileTokenLoader(path string) *FileTokenLoader {
	return &FileTokenLoader{path: path}
}

// Load reads and normalizes the token. The boolean reports whether it differs
// from the cached value.
func (l *FileTokenLoader) Load() (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		return "", false, err
	}

	token := NormalizeToken(string(data))
	if token == "" {
		l.cached = ""
		return "", false, ErrEmptyToken
	}
	if token == l.cached {
		return l.cached, false, nil
	}
	l.cached = token
	return token, true, nil
}

// SetCached pre-populates the cache, used when a static token is configured
// alongside a watched file.
func (l *FileTokenLoader) SetCached(token string) {
	l.mu.Lock()
	l.cached = NormalizeToken(token)
	l.mu.Unlock()
}
