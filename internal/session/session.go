package session

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

type Options struct {
	Context      Context
	SettingsFile string
	// Defaults are the env-derived preferences the file overlays.
	Defaults    Preferences
	TokenFile   string
	StaticToken string
	Logger      *slog.Logger
}

// Session is the process-wide authentication and preference state. It is
// created by Open and released by Close; nothing reaches it implicitly.
type Session struct {
	ctx          Context
	settingsFile string
	defaults     Preferences
	loader       *FileTokenLoader
	log          *slog.Logger

	mu     sync.RWMutex
	prefs  Preferences
	token  string
	closed bool

	listenersMu   sync.Mutex
	prefListeners []func(Preferences)
	tokListeners  []func(string)

	stopWatch func()
}

func Open(opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		ctx:          opts.Context,
		settingsFile: strings.TrimSpace(opts.SettingsFile),
		defaults:     opts.Defaults.clone(),
		log:          logger,
		token:        NormalizeToken(opts.StaticToken),
	}

	filePrefs, err := LoadPreferences(s.settingsFile)
	if err != nil {
		return nil, errors.Wrap(err, "load settings")
	}
	s.prefs = s.defaults.Overlay(filePrefs)

	if path := strings.TrimSpace(opts.TokenFile); path != "" {
		s.loader = NewFileTokenLoader(path)
		if s.token != "" {
			s.loader.SetCached(s.token)
		}
		tok, _, err := s.loader.Load()
		switch {
		case err == nil:
			s.token = tok
		case s.token == "":
			return nil, errors.Wrap(err, "load token file")
		default:
			logger.Warn("session: token file unreadable; using static token", "path", path, "err", err)
		}
	}

	stop, err := s.watch(s.settingsFile, strings.TrimSpace(opts.TokenFile))
	if err != nil {
		logger.Warn("session: file watch unavailable", "err", err)
	}
	s.stopWatch = stop
	return s, nil
}

func (s *Session) Context() Context { return s.ctx }

func (s *Session) Settings() Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs.clone()
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// OnChange registers fn for every successful preferences reload.
func (s *Session) OnChange(fn func(Preferences)) {
	s.listenersMu.Lock()
	s.prefListeners = append(s.prefListeners, fn)
	s.listenersMu.Unlock()
}

// OnTokenChange registers fn for token rotations picked up from disk.
func (s *Session) OnTokenChange(fn func(string)) {
	s.listenersMu.Lock()
	s.tokListeners = append(s.tokListeners, fn)
	s.listenersMu.Unlock()
}

// ReloadSettings re-reads the preferences file and notifies listeners.
func (s *Session) ReloadSettings() (Preferences, error) {
	filePrefs, err := LoadPreferences(s.settingsFile)
	if err != nil {
		return s.Settings(), err
	}
	prefs := s.defaults.Overlay(filePrefs)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return prefs, nil
	}
	s.prefs = prefs
	s.mu.Unlock()

	s.listenersMu.Lock()
	fns := append([]func(Preferences){}, s.prefListeners...)
	s.listenersMu.Unlock()
	for _, fn := range fns {
		fn(prefs.clone())
	}
	s.log.Info("session: settings reloaded", "path", s.settingsFile)
	return prefs, nil
}

// ReloadToken re-reads the token file. The boolean reports a rotation.
func (s *Session) ReloadToken() (string, bool, error) {
	if s.loader == nil {
		return s.Token(), false, nil
	}
	tok, changed, err := s.loader.Load()
	if err != nil || !changed {
		return s.Token(), false, err
	}
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()

	s.listenersMu.Lock()
	fns := append([]func(string){}, s.tokListeners...)
	s.listenersMu.Unlock()
	for _, fn := range fns {
		fn(tok)
	}
	s.log.Info("session: token rotated")
	return tok, true, nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.stopWatch != nil {
		s.stopWatch()
	}
	return nil
}
