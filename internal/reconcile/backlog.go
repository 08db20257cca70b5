package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/you/chatledger/internal/core"
	"github.com/you/chatledger/internal/store"
)

type opKind int

const (
	opInsert opKind = iota
	opReconcile
	opDelete
	opUserClear
)

func (k opKind) String() string {
	switch k {
	case opInsert:
		return "insert"
	case opReconcile:
		return "reconcile"
	case opDelete:
		return "delete"
	case opUserClear:
		return "user_clear"
	}
	return "unknown"
}

// writeOp is one store mutation. Failed ops are retried in submission order.
type writeOp struct {
	kind      opKind
	event     core.ChatEvent
	pendingID string
	canonical core.Message
	id        string
	channelID string
	userID    string
}

type opResult struct {
	inserted bool
	found    bool
	affected int64
}

// backlog owns every store write. Its mutex is held for the whole write so
// store order matches decision order.
type backlog struct {
	store         Store
	flushInterval time.Duration
	warnAfter     int
	log           *slog.Logger
	stats         *engineStats
	onWarn        func(failures int, err error)

	mu       sync.Mutex
	queue    []writeOp
	timer    *time.Timer
	closed   bool
	failures int
	warned   bool
}

func newBacklog(st Store, flushInterval time.Duration, warnAfter int, logger *slog.Logger, stats *engineStats) *backlog {
	if warnAfter <= 0 {
		warnAfter = defaultFailureWarnAfter
	}
	return &backlog{
		store:         st,
		flushInterval: flushInterval,
		warnAfter:     warnAfter,
		log:           logger,
		stats:         stats,
	}
}

// submitLocked drains older failures first, then applies op. A storage
// failure queues op behind anything still pending.
func (b *backlog) submitLocked(ctx context.Context, op writeOp) (opResult, error) {
	if err := b.drainLocked(ctx); err != nil {
		b.enqueueLocked(op)
		b.noteFailureLocked(err)
		return opResult{}, err
	}

	res, err := b.apply(ctx, op)
	if err != nil {
		if store.IsStorageFailure(err) {
			b.enqueueLocked(op)
			b.noteFailureLocked(err)
			return res, err
		}
		b.log.Warn("reconcile: write rejected", "op", op.kind.String(), "err", err)
		return res, err
	}
	b.failures = 0
	b.warned = false
	return res, nil
}

func (b *backlog) drainLocked(ctx context.Context) error {
	for len(b.queue) > 0 {
		op := b.queue[0]
		if _, err := b.apply(ctx, op); err != nil {
			if store.IsStorageFailure(err) {
				return err
			}
			b.log.Warn("reconcile: dropping queued write", "op", op.kind.String(), "err", err)
		}
		b.queue = b.queue[1:]
		b.stats.backlogDepth.Store(int64(len(b.queue)))
	}
	b.queue = nil
	b.stopTimerLocked()
	return nil
}

func (b *backlog) enqueueLocked(op writeOp) {
	b.queue = append(b.queue, op)
	b.stats.backlogDepth.Store(int64(len(b.queue)))
	if b.timer == nil && !b.closed {
		b.startTimerLocked()
	}
}

func (b *backlog) noteFailureLocked(err error) {
	b.failures++
	b.stats.storageFailures.Add(1)
	b.log.Warn("reconcile: storage write failed",
		"consecutive", b.failures,
		"queued", len(b.queue),
		"err", err,
	)
	if b.failures >= b.warnAfter && !b.warned {
		b.warned = true
		if b.onWarn != nil {
			b.onWarn(b.failures, err)
		}
	}
}

func (b *backlog) apply(ctx context.Context, op writeOp) (opResult, error) {
	switch op.kind {
	case opInsert:
		ok, err := b.store.InsertEvent(ctx, op.event)
		return opResult{inserted: ok}, err
	case opReconcile:
		err := b.store.ReconcileEvent(ctx, op.pendingID, op.canonical)
		if errors.Is(err, store.ErrConflict) {
			b.log.Warn("reconcile: canonical id already stored", "pending_id", op.pendingID, "id", op.canonical.ID)
		}
		return opResult{}, err
	case opDelete:
		found, err := b.store.MarkDeleted(ctx, op.id)
		return opResult{found: found}, err
	case opUserClear:
		n, err := b.store.MarkUserDeleted(ctx, op.channelID, op.userID)
		return opResult{affected: n, found: n > 0}, err
	}
	return opResult{}, errors.Errorf("unknown write op %d", op.kind)
}

func (b *backlog) onTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timer = nil
	if b.closed || len(b.queue) == 0 {
		return
	}
	if err := b.drainLocked(context.Background()); err != nil {
		b.noteFailureLocked(err)
		b.startTimerLocked()
		return
	}
	b.failures = 0
	b.warned = false
	b.log.Info("reconcile: storage backlog drained")
}

func (b *backlog) startTimerLocked() {
	if b.flushInterval <= 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.flushInterval, b.onTimer)
}

func (b *backlog) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// flush retries queued writes now.
func (b *backlog) flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.drainLocked(ctx); err != nil {
		b.noteFailureLocked(err)
		if !b.closed {
			b.startTimerLocked()
		}
		return err
	}
	b.failures = 0
	b.warned = false
	return nil
}

func (b *backlog) close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.stopTimerLocked()
	if err := b.drainLocked(ctx); err != nil {
		b.log.Error("reconcile: writes lost at close", "queued", len(b.queue), "err", err)
		return err
	}
	return nil
}
