// Package directory is the Viewer Directory: a user id to name cache backed by
// the identities table. Writes are best-effort.
package directory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/you/chatledger/internal/core"
)

// Store is the durable side of the directory.
type Store interface {
	UpsertIdentity(ctx context.Context, ident core.Identity) error
	LookupIdentity(ctx context.Context, id string) (core.Identity, error)
}

// Searcher is implemented by stores that can list identities by prefix.
type Searcher interface {
	SearchIdentities(ctx context.Context, prefix string, limit int) ([]core.Identity, error)
}

type warmer interface {
	AllIdentities(ctx context.Context) ([]core.Identity, error)
}

type Directory struct {
	store Store
	log   *slog.Logger

	mu    sync.RWMutex
	cache map[string]core.Identity
	// dirty holds ids whose cached entry never reached the store.
	dirty map[string]struct{}
}

func New(store Store, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		store: store,
		log:   logger,
		cache: make(map[string]core.Identity),
		dirty: make(map[string]struct{}),
	}
}

// Warm fills the cache from the store when it supports a full listing.
func (d *Directory) Warm(ctx context.Context) int {
	w, ok := d.store.(warmer)
	if !ok {
		return 0
	}
	all, err := w.AllIdentities(ctx)
	if err != nil {
		d.log.Warn("directory: warm failed", "err", err)
		return 0
	}
	d.mu.Lock()
	for _, ident := range all {
		d.cache[ident.ID] = ident
	}
	d.mu.Unlock()
	return len(all)
}

// Observe records a sighting. Unchanged identities skip the store unless an
// earlier write of them failed; failures are logged and never returned.
func (d *Directory) Observe(ctx context.Context, ident core.Identity) {
	if ident.ID == "" {
		return
	}
	ident = core.NewIdentity(ident.ID, ident.Username, ident.DisplayName)

	d.mu.RLock()
	prev, ok := d.cache[ident.ID]
	_, dirty := d.dirty[ident.ID]
	d.mu.RUnlock()
	if ok && prev == ident && !dirty {
		return
	}
	if err := d.Upsert(ctx, ident); err != nil {
		d.log.Warn("directory: upsert failed", "user_id", ident.ID, "err", err)
	}
}

// Upsert writes through to the store. The cache is updated even when the store
// write fails so rendering still sees the newest name; the id stays dirty and
// the next sighting writes it again.
func (d *Directory) Upsert(ctx context.Context, ident core.Identity) error {
	if ident.ID == "" {
		return core.ErrInvalidEvent
	}
	ident = core.NewIdentity(ident.ID, ident.Username, ident.DisplayName)
	var err error
	if d.store != nil {
		err = d.store.UpsertIdentity(ctx, ident)
	}
	d.mu.Lock()
	d.cache[ident.ID] = ident
	if err != nil {
		d.dirty[ident.ID] = struct{}{}
	} else {
		delete(d.dirty, ident.ID)
	}
	d.mu.Unlock()
	return err
}

// Lookup resolves an id from the cache, then the store.
func (d *Directory) Lookup(ctx context.Context, id string) (core.Identity, bool) {
	d.mu.RLock()
	ident, ok := d.cache[id]
	d.mu.RUnlock()
	if ok {
		return ident, true
	}
	if d.store == nil || id == "" {
		return core.Identity{}, false
	}
	ident, err := d.store.LookupIdentity(ctx, id)
	if err != nil {
		return core.Identity{}, false
	}
	d.mu.Lock()
	d.cache[id] = ident
	d.mu.Unlock()
	return ident, true
}

// DisplayName returns the cased name for id, or id itself when unknown.
func (d *Directory) DisplayName(ctx context.Context, id string) string {
	if ident, ok := d.Lookup(ctx, id); ok && ident.DisplayName != "" {
		return ident.DisplayName
	}
	return id
}

// Search lists identities whose username starts with prefix.
func (d *Directory) Search(ctx context.Context, prefix string, limit int) ([]core.Identity, error) {
	s, ok := d.store.(Searcher)
	if !ok {
		return nil, nil
	}
	return s.SearchIdentities(ctx, prefix, limit)
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.cache)
}
