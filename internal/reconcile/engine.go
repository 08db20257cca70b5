// Package reconcile turns live and optimistic chat events into one ordered,
// deduplicated, durable timeline per channel.
package reconcile

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/you/chatledger/internal/core"
	"github.com/you/chatledger/internal/ingesttrace"
	"github.com/you/chatledger/internal/session"
	"github.com/you/chatledger/internal/store"
	"github.com/you/chatledger/internal/telemetry"
)

const (
	DefaultMergeWindow      = 2 * time.Second
	DefaultDedupTolerance   = 2 * time.Second
	DefaultRetryFlush       = 5 * time.Second
	defaultFailureWarnAfter = 3

	tracerName = "chatledger/reconcile"
)

var (
	ErrClosed    = errors.New("reconcile: engine closed")
	ErrNoSession = errors.New("reconcile: no authenticated session")
)

// Store is the subset of the Message Store the engine writes through.
type Store interface {
	InsertEvent(ctx context.Context, ev core.ChatEvent) (bool, error)
	HasEvent(ctx context.Context, id string) (bool, error)
	FindPendingSelfEvent(ctx context.Context, userID, channelID, body string, within time.Duration) (store.StoredEvent, bool, error)
	ReconcileEvent(ctx context.Context, pendingID string, canonical core.Message) error
	MarkDeleted(ctx context.Context, id string) (bool, error)
	MarkUserDeleted(ctx context.Context, channelID, userID string) (int64, error)
	ReplayEvents(ctx context.Context, channelID string, limit int) ([]store.StoredEvent, error)
}

// Directory receives identity sightings. Implementations must not fail the
// caller.
type Directory interface {
	Observe(ctx context.Context, ident core.Identity)
}

// Settings are the tunables that may change while running.
type Settings struct {
	// MergeWindow bounds how old a local-pending message may be and still be
	// matched by its echo.
	MergeWindow time.Duration
	// DedupTolerance is the near-duplicate window; zero disables the check.
	DedupTolerance    time.Duration
	HighlightKeywords []string
}

func DefaultSettings() Settings {
	return Settings{MergeWindow: DefaultMergeWindow, DedupTolerance: DefaultDedupTolerance}
}

type Options struct {
	Session   session.Context
	Directory Directory
	// Settings defaults to DefaultSettings when nil.
	Settings *Settings
	// ReplayLimit caps how many stored events Replay loads; zero loads all.
	ReplayLimit      int
	FailureWarnAfter int
	RetryFlush       time.Duration
	TombstoneCap     int
	Clock            func() time.Time
	Logger           *slog.Logger
}

type Outcome string

const (
	OutcomeAppended         Outcome = "appended"
	OutcomeReconciled       Outcome = "reconciled"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeNearDuplicate    Outcome = "near_duplicate"
	OutcomeDeleted          Outcome = "deleted"
	OutcomeDeletionDeferred Outcome = "deletion_deferred"
	OutcomeInvalid          Outcome = "invalid"
	OutcomeClosed           Outcome = "closed"
)

// Result reports what an operation did. Err is set when the input was
// rejected or when the view changed but the store write failed; in the
// latter case the write is queued for retry.
type Result struct {
	Outcome Outcome `json:"outcome"`
	EventID string  `json:"event_id,omitempty"`
	Count   int     `json:"count,omitempty"`
	Err     error   `json:"-"`
}

// Engine is safe for concurrent use. Lock order is mu, then writes.mu, then
// hub.deliver; each is acquired before the previous one is released so store
// writes and notifications keep decision order.
type Engine struct {
	sess        session.Context
	store       Store
	dir         Directory
	log         *slog.Logger
	now         func() time.Time
	replayLimit int

	mu       sync.Mutex
	settings Settings
	views    map[string]*channelView
	index    map[string]*entry
	seq      int64
	tombs    *tombstones
	closed   bool

	writes *backlog
	hub    *hub
	stats  engineStats
}

func New(st Store, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	settings := DefaultSettings()
	if opts.Settings != nil {
		settings = normalizeSettings(*opts.Settings)
	}
	flush := opts.RetryFlush
	if flush == 0 {
		flush = DefaultRetryFlush
	}

	e := &Engine{
		sess:        opts.Session,
		store:       st,
		dir:         opts.Directory,
		log:         logger,
		now:         now,
		replayLimit: opts.ReplayLimit,
		settings:    settings,
		views:       make(map[string]*channelView),
		index:       make(map[string]*entry),
		tombs:       newTombstones(opts.TombstoneCap),
		hub:         newHub(),
	}
	e.writes = newBacklog(st, flush, opts.FailureWarnAfter, logger, &e.stats)
	e.writes.onWarn = e.storageWarning
	return e
}

func normalizeSettings(s Settings) Settings {
	if s.MergeWindow <= 0 {
		s.MergeWindow = DefaultMergeWindow
	}
	if s.DedupTolerance < 0 {
		s.DedupTolerance = 0
	}
	kw := make([]string, 0, len(s.HighlightKeywords))
	for _, k := range s.HighlightKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			kw = append(kw, k)
		}
	}
	s.HighlightKeywords = kw
	return s
}

func (e *Engine) Session() session.Context { return e.sess }

func (e *Engine) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.settings
	s.HighlightKeywords = append([]string(nil), s.HighlightKeywords...)
	return s
}

// ApplySettings swaps the tunables. Events already placed are not revisited.
func (e *Engine) ApplySettings(s Settings) {
	s = normalizeSettings(s)
	e.mu.Lock()
	e.settings = s
	e.mu.Unlock()
	e.log.Info("reconcile: settings applied",
		"merge_window", s.MergeWindow,
		"dedup_tolerance", s.DedupTolerance,
		"highlight_keywords", len(s.HighlightKeywords),
	)
}

// Replay rebuilds a channel's view from the store in storage order.
func (e *Engine) Replay(ctx context.Context, channelID string) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "reconcile.Replay", attribute.String("channel_id", channelID))
	defer span.End()

	stored, err := e.store.ReplayEvents(ctx, channelID, e.replayLimit)
	if err != nil {
		telemetry.RecordError(span, err)
		return 0, err
	}

	e.mu.Lock()
	if old := e.views[channelID]; old != nil {
		for _, ent := range old.entries {
			delete(e.index, ent.ev.ID())
		}
	}
	v := &channelView{entries: make([]*entry, 0, len(stored))}
	for _, se := range stored {
		ent := &entry{seq: se.Seq, at: se.Event.Time(), ev: se.Event}
		v.insert(ent)
		e.index[se.Event.ID()] = ent
		if se.Seq > e.seq {
			e.seq = se.Seq
		}
	}
	e.views[channelID] = v
	e.mu.Unlock()

	e.log.Info("reconcile: replayed channel", "channel_id", channelID, "events", len(stored))
	return len(stored), nil
}

// Observe ingests one event from the live stream.
func (e *Engine) Observe(ctx context.Context, ev core.ChatEvent) Result {
	return e.ObserveTraced(ctx, ev, nil)
}

// ObserveTraced is Observe with per-stage counters recorded on tr.
func (e *Engine) ObserveTraced(ctx context.Context, ev core.ChatEvent, tr *ingesttrace.MessageTrace) Result {
	if ev.Kind == core.KindSubscription && ev.Subscription != nil && ev.Message == nil {
		return e.observeSubscription(ctx, *ev.Subscription, tr)
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "reconcile.Observe", attribute.String("event_id", ev.ID()))
	defer span.End()
	e.stats.observed.Add(1)

	if ev.Kind != core.KindMessage || ev.Message == nil || ev.Subscription != nil {
		return e.invalid(tr, ev.ID())
	}
	m := *ev.Clone().Message
	m.Emotes = core.NormalizeEmotes(m.Body, m.Emotes)
	if err := core.MessageEvent(m).Validate(); err != nil || m.IsPending() {
		return e.invalid(tr, m.ID)
	}
	if ident, ok := core.MessageEvent(m).AuthorIdentity(); ok {
		e.observeIdentity(ctx, ident)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Result{Outcome: OutcomeClosed, EventID: m.ID, Err: ErrClosed}
	}
	if e.knownLocked(ctx, m.ID) {
		e.mu.Unlock()
		return e.duplicate(tr, m.ID)
	}
	tr.IncCounter(ingesttrace.StageDeduplicated)
	if e.tombs.take(m.ID) {
		m.Deleted = true
	}
	e.highlightLocked(&m)

	self := e.sess.UserID() != "" && m.UserID == e.sess.UserID()
	if self {
		if target := e.matchPendingLocked(m); target != nil {
			return e.reconcileLocked(ctx, target, m, tr)
		}
	}
	if tol := e.settings.DedupTolerance; tol > 0 {
		if twin := e.nearDuplicateLocked(m, tol); twin != nil {
			e.mu.Unlock()
			e.stats.nearDuplicates.Add(1)
			tr.IncCounter(ingesttrace.StageDropped("near_duplicate"))
			e.log.Debug("reconcile: near duplicate ignored", "event_id", m.ID, "twin_id", twin.ev.ID())
			return Result{Outcome: OutcomeNearDuplicate, EventID: twin.ev.ID()}
		}
	}
	if self {
		if se, ok := e.storedPendingLocked(ctx, m); ok {
			return e.reconcileStoredLocked(ctx, se, m, tr)
		}
	}
	return e.appendLocked(ctx, core.MessageEvent(m), tr)
}

// SendLocal records a message the local user just sent. It is visible at once
// under a local-pending id until its echo arrives.
func (e *Engine) SendLocal(ctx context.Context, body string) Result {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "reconcile.SendLocal")
	defer span.End()

	body = strings.TrimSpace(body)
	if body == "" {
		e.stats.invalid.Add(1)
		return Result{Outcome: OutcomeInvalid, Err: core.ErrInvalidEvent}
	}
	if !e.sess.Valid() {
		return Result{Outcome: OutcomeInvalid, Err: ErrNoSession}
	}
	m := e.sess.LocalMessage(core.NewLocalPendingID(), body)
	m.PostedAt = e.now()
	e.observeIdentity(ctx, e.sess.Identity())

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Result{Outcome: OutcomeClosed, Err: ErrClosed}
	}
	e.stats.localSent.Add(1)
	res := e.appendLocked(ctx, core.MessageEvent(m), nil)
	telemetry.RecordError(span, res.Err)
	return res
}

// ObserveSubscription ingests a subscription notice.
func (e *Engine) ObserveSubscription(ctx context.Context, sub core.Subscription) Result {
	return e.observeSubscription(ctx, sub, nil)
}

func (e *Engine) observeSubscription(ctx context.Context, sub core.Subscription, tr *ingesttrace.MessageTrace) Result {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "reconcile.ObserveSubscription", attribute.String("event_id", sub.ID))
	defer span.End()
	e.stats.observed.Add(1)

	ev := core.SubscriptionEvent(sub)
	if err := ev.Validate(); err != nil {
		return e.invalid(tr, sub.ID)
	}
	if ident, ok := ev.AuthorIdentity(); ok {
		e.observeIdentity(ctx, ident)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Result{Outcome: OutcomeClosed, EventID: sub.ID, Err: ErrClosed}
	}
	if e.knownLocked(ctx, sub.ID) {
		e.mu.Unlock()
		return e.duplicate(tr, sub.ID)
	}
	tr.IncCounter(ingesttrace.StageDeduplicated)
	if e.tombs.take(sub.ID) {
		ev.SetDeleted()
	}
	return e.appendLocked(ctx, ev, tr)
}

// ObserveDeletion flags an event deleted. Unknown ids are remembered so a
// late-arriving event is stored already deleted.
func (e *Engine) ObserveDeletion(ctx context.Context, id string) Result {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "reconcile.ObserveDeletion", attribute.String("event_id", id))
	defer span.End()

	id = strings.TrimSpace(id)
	if id == "" {
		return Result{Outcome: OutcomeInvalid, Err: core.ErrInvalidEvent}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Result{Outcome: OutcomeClosed, EventID: id, Err: ErrClosed}
	}
	op := &writeOp{kind: opDelete, id: id}

	if ent, ok := e.index[id]; ok {
		if ent.ev.Deleted() {
			e.mu.Unlock()
			return Result{Outcome: OutcomeDeleted, EventID: id}
		}
		ent.ev.SetDeleted()
		e.stats.deletions.Add(1)
		note := e.noteLocked(NotifyDeleted, ent, "")
		res, _ := e.commitLocked(ctx, op, Result{Outcome: OutcomeDeleted, EventID: id}, note)
		telemetry.RecordError(span, res.Err)
		return res
	}

	e.tombs.add(id)
	res, opRes := e.commitLocked(ctx, op, Result{Outcome: OutcomeDeletionDeferred, EventID: id})
	if res.Err == nil && opRes.found {
		e.mu.Lock()
		e.tombs.take(id)
		e.mu.Unlock()
		e.stats.deletions.Add(1)
		res.Outcome = OutcomeDeleted
		return res
	}
	e.stats.deferred.Add(1)
	e.log.Debug("reconcile: deletion deferred", "event_id", id)
	return res
}

// ObserveUserClear flags every event of userID in channelID as deleted, the
// way a ban or timeout clears a user's lines.
func (e *Engine) ObserveUserClear(ctx context.Context, channelID, userID string) Result {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "reconcile.ObserveUserClear",
		attribute.String("channel_id", channelID), attribute.String("user_id", userID))
	defer span.End()

	if channelID == "" || userID == "" {
		return Result{Outcome: OutcomeInvalid, Err: core.ErrInvalidEvent}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Result{Outcome: OutcomeClosed, Err: ErrClosed}
	}
	var notes []Notification
	if v := e.views[channelID]; v != nil {
		for i, ent := range v.entries {
			if ent.ev.UserID() != userID || ent.ev.Deleted() {
				continue
			}
			ent.ev.SetDeleted()
			n := e.noteLocked(NotifyDeleted, ent, "")
			n.Position = i
			notes = append(notes, n)
		}
	}
	e.stats.deletions.Add(int64(len(notes)))
	op := &writeOp{kind: opUserClear, channelID: channelID, userID: userID}
	res, _ := e.commitLocked(ctx, op, Result{Outcome: OutcomeDeleted, Count: len(notes)}, notes...)
	telemetry.RecordError(span, res.Err)
	return res
}

// OrderedView returns a copy of the channel's timeline, oldest first,
// deleted events included.
func (e *Engine) OrderedView(channelID string) []core.ChatEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.views[channelID]
	if v == nil {
		return nil
	}
	return v.snapshot()
}

// Position returns the index of id within its channel view.
func (e *Engine) Position(id string) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.index[id]
	if !ok {
		return 0, false
	}
	v := e.views[ent.ev.ChannelID()]
	if v == nil {
		return 0, false
	}
	pos := v.position(ent)
	return pos, pos >= 0
}

func (e *Engine) Lookup(id string) (core.ChatEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.index[id]
	if !ok {
		return core.ChatEvent{}, false
	}
	return ent.ev.Clone(), true
}

// Last returns the newest event of a channel.
func (e *Engine) Last(channelID string) (core.ChatEvent, int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.views[channelID]
	if v == nil || len(v.entries) == 0 {
		return core.ChatEvent{}, 0, false
	}
	return v.last().ev.Clone(), len(v.entries) - 1, true
}

func (e *Engine) Len(channelID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v := e.views[channelID]; v != nil {
		return len(v.entries)
	}
	return 0
}

// CountAfter counts events in the channel view positioned after at.
func (e *Engine) CountAfter(channelID string, at time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.views[channelID]
	if v == nil {
		return 0
	}
	n := 0
	for i := len(v.entries) - 1; i >= 0 && v.entries[i].at.After(at); i-- {
		n++
	}
	return n
}

// Subscribe registers fn for every future change. The returned func
// unregisters it.
func (e *Engine) Subscribe(fn Listener) func() {
	return e.hub.subscribe(fn)
}

func (e *Engine) Subscribers() int { return e.hub.count() }

func (e *Engine) Stats() Stats { return e.stats.snapshot() }

// Flush retries queued store writes now.
func (e *Engine) Flush(ctx context.Context) error {
	return e.writes.flush(ctx)
}

// Close stops accepting events and makes a final attempt at queued writes.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.writes.close(ctx)
}

func (e *Engine) observeIdentity(ctx context.Context, ident core.Identity) {
	if e.dir == nil || ident.ID == "" {
		return
	}
	e.dir.Observe(ctx, ident)
}

// knownLocked checks the view, then the store for events outside it.
func (e *Engine) knownLocked(ctx context.Context, id string) bool {
	if _, ok := e.index[id]; ok {
		return true
	}
	ok, err := e.store.HasEvent(ctx, id)
	if err != nil {
		e.log.Debug("reconcile: store lookup failed", "event_id", id, "err", err)
		return false
	}
	return ok
}

func (e *Engine) matchPendingLocked(m core.Message) *entry {
	v := e.views[m.ChannelID]
	if v == nil {
		return nil
	}
	now := e.now()
	candidates := v.window(now.Add(-e.settings.MergeWindow), now.Add(e.settings.MergeWindow))
	for i := len(candidates) - 1; i >= 0; i-- {
		c := candidates[i]
		if !c.ev.IsPending() {
			continue
		}
		if c.ev.Message.UserID == m.UserID && c.ev.Message.Body == m.Body {
			return c
		}
	}
	return nil
}

func (e *Engine) nearDuplicateLocked(m core.Message, tol time.Duration) *entry {
	v := e.views[m.ChannelID]
	if v == nil {
		return nil
	}
	for _, c := range v.window(m.PostedAt.Add(-tol), m.PostedAt.Add(tol)) {
		if c.ev.Kind != core.KindMessage || c.ev.IsPending() || c.ev.ID() == m.ID {
			continue
		}
		if c.ev.Message.UserID == m.UserID && c.ev.Message.Body == m.Body {
			return c
		}
	}
	return nil
}

// storedPendingLocked finds a pending row that exists in the store but not in
// the view, such as one trimmed by a replay limit.
func (e *Engine) storedPendingLocked(ctx context.Context, m core.Message) (store.StoredEvent, bool) {
	se, ok, err := e.store.FindPendingSelfEvent(ctx, m.UserID, m.ChannelID, m.Body, e.settings.MergeWindow)
	if err != nil {
		e.log.Debug("reconcile: pending lookup failed", "err", err)
		return store.StoredEvent{}, false
	}
	if !ok {
		return store.StoredEvent{}, false
	}
	if _, inView := e.index[se.Event.ID()]; inView {
		return store.StoredEvent{}, false
	}
	return se, true
}

func (e *Engine) highlightLocked(m *core.Message) {
	if m.Flags.IsHighlighted || m.UserID == e.sess.UserID() {
		return
	}
	body := strings.ToLower(m.Body)
	if u := e.sess.Username(); u != "" && strings.Contains(body, "@"+u) {
		m.Flags.IsHighlighted = true
		return
	}
	for _, kw := range e.settings.HighlightKeywords {
		if strings.Contains(body, kw) {
			m.Flags.IsHighlighted = true
			return
		}
	}
}

func (e *Engine) reconcileLocked(ctx context.Context, target *entry, m core.Message, tr *ingesttrace.MessageTrace) Result {
	pending := target.ev.Message
	prevID := pending.ID

	canonical := m
	canonical.PostedAt = pending.PostedAt
	canonical.Deleted = pending.Deleted || m.Deleted

	target.ev = core.MessageEvent(canonical)
	delete(e.index, prevID)
	e.index[canonical.ID] = target
	e.stats.reconciled.Add(1)
	tr.IncCounter(ingesttrace.StageReconciled)

	note := e.noteLocked(NotifyReconciled, target, prevID)
	op := &writeOp{kind: opReconcile, pendingID: prevID, canonical: canonical}
	res, _ := e.commitLocked(ctx, op, Result{Outcome: OutcomeReconciled, EventID: canonical.ID}, note)
	e.written(tr, res)
	return res
}

func (e *Engine) reconcileStoredLocked(ctx context.Context, se store.StoredEvent, m core.Message, tr *ingesttrace.MessageTrace) Result {
	pending := se.Event.Message
	canonical := m
	canonical.PostedAt = pending.PostedAt
	canonical.Deleted = pending.Deleted || m.Deleted

	ent := &entry{seq: se.Seq, at: canonical.PostedAt, ev: core.MessageEvent(canonical)}
	e.viewLocked(canonical.ChannelID).insert(ent)
	e.index[canonical.ID] = ent
	e.stats.reconciled.Add(1)
	tr.IncCounter(ingesttrace.StageReconciled)

	note := e.noteLocked(NotifyReconciled, ent, pending.ID)
	op := &writeOp{kind: opReconcile, pendingID: pending.ID, canonical: canonical}
	res, _ := e.commitLocked(ctx, op, Result{Outcome: OutcomeReconciled, EventID: canonical.ID}, note)
	e.written(tr, res)
	return res
}

func (e *Engine) appendLocked(ctx context.Context, ev core.ChatEvent, tr *ingesttrace.MessageTrace) Result {
	e.seq++
	ent := &entry{seq: e.seq, at: ev.Time(), ev: ev}
	e.viewLocked(ev.ChannelID()).insert(ent)
	e.index[ev.ID()] = ent
	e.stats.appended.Add(1)

	note := e.noteLocked(NotifyAppended, ent, "")
	op := &writeOp{kind: opInsert, event: ev.Clone()}
	res, _ := e.commitLocked(ctx, op, Result{Outcome: OutcomeAppended, EventID: ev.ID()}, note)
	e.written(tr, res)
	return res
}

// commitLocked is entered with e.mu held and releases it. The store write and
// the notification fan-out happen in the order decisions were taken.
func (e *Engine) commitLocked(ctx context.Context, op *writeOp, res Result, notes ...Notification) (Result, opResult) {
	e.writes.mu.Lock()
	e.mu.Unlock()

	var opRes opResult
	if op != nil {
		var err error
		opRes, err = e.writes.submitLocked(context.WithoutCancel(ctx), *op)
		if err != nil {
			res.Err = err
		}
	}

	e.hub.deliver.Lock()
	e.writes.mu.Unlock()
	e.hub.sendLocked(notes)
	e.hub.deliver.Unlock()
	return res, opRes
}

func (e *Engine) noteLocked(typ NotificationType, ent *entry, prevID string) Notification {
	ev := ent.ev.Clone()
	pos := -1
	if v := e.views[ev.ChannelID()]; v != nil {
		pos = v.position(ent)
	}
	return Notification{
		Type:       typ,
		ChannelID:  ev.ChannelID(),
		EventID:    ev.ID(),
		PreviousID: prevID,
		Position:   pos,
		Event:      &ev,
	}
}

func (e *Engine) viewLocked(channelID string) *channelView {
	v := e.views[channelID]
	if v == nil {
		v = &channelView{}
		e.views[channelID] = v
	}
	return v
}

// storageWarning runs with writes.mu held and hub.deliver free.
func (e *Engine) storageWarning(failures int, err error) {
	e.log.Error("reconcile: storage keeps failing; history may have gaps", "failures", failures, "err", err)
	e.hub.deliver.Lock()
	e.hub.sendLocked([]Notification{{
		Type:     NotifyWarning,
		Position: -1,
		Message:  "chat history could not be saved; retrying in the background",
	}})
	e.hub.deliver.Unlock()
}

func (e *Engine) invalid(tr *ingesttrace.MessageTrace, id string) Result {
	e.stats.invalid.Add(1)
	tr.IncCounter(ingesttrace.StageDropped("invalid"))
	e.log.Debug("reconcile: invalid event dropped", "event_id", id)
	return Result{Outcome: OutcomeInvalid, EventID: id, Err: core.ErrInvalidEvent}
}

func (e *Engine) duplicate(tr *ingesttrace.MessageTrace, id string) Result {
	e.stats.duplicates.Add(1)
	tr.IncCounter(ingesttrace.StageDropped("duplicate"))
	e.log.Debug("reconcile: duplicate ignored", "event_id", id)
	return Result{Outcome: OutcomeDuplicate, EventID: id}
}

func (e *Engine) written(tr *ingesttrace.MessageTrace, res Result) {
	if res.Err == nil {
		tr.IncCounter(ingesttrace.StageWrittenToStore)
	}
}
