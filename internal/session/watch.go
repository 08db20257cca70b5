package session

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// watch reloads settings and token when their files change. It returns a stop
// func, which is a no-op when nothing could be watched.
func (s *Session) watch(settingsPath, tokenPath string) (func(), error) {
	if settingsPath == "" && tokenPath == "" {
		return func() {}, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return func() {}, err
	}

	added := false
	for _, p := range []string{settingsPath, tokenPath} {
		if p == "" {
			continue
		}
		if err := w.Add(p); err != nil {
			s.log.Error("session: watch add", "path", p, "err", err)
			continue
		}
		added = true
	}
	if !added {
		w.Close()
		return func() {}, nil
	}

	done := make(chan struct{})
	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-done:
				debounce.Stop()
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						s.log.Error("session: watch re-add", "path", ev.Name, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(watchDebounce)
				}
			case <-debounce.C:
				if settingsPath != "" {
					if _, err := s.ReloadSettings(); err != nil {
						s.log.Error("session: settings reload failed", "err", err)
					}
				}
				if tokenPath != "" {
					if _, _, err := s.ReloadToken(); err != nil {
						s.log.Error("session: token reload failed", "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Error("session: watch error", "err", err)
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}
