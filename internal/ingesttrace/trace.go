// Package ingesttrace follows one chat event through the ingest pipeline:
// seen on the stream, deduplicated, reconciled, written to the store.
package ingesttrace

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
)

// Stage names a pipeline step.
type Stage string

const (
	StageSeenFromStream Stage = "seen_from_stream"
	StageDeduplicated   Stage = "deduplicated"
	StageReconciled     Stage = "reconciled"
	StageWrittenToStore Stage = "written_to_store"

	StageDroppedPrefix = "dropped_"
)

// StageDropped names the stage for an event discarded for reason.
func StageDropped(reason string) Stage {
	return Stage(StageDroppedPrefix + reason)
}

// MessageTrace carries identifying metadata and per-stage counters. A nil
// trace ignores every call.
type MessageTrace struct {
	Channel string
	EventID string
	User    string
	Snippet string
	TraceID string

	mu       sync.Mutex
	counters map[Stage]int64
}

// NewTraceFromStream seeds a trace for an event delivered by the chat stream.
func NewTraceFromStream(channel, eventID, user, snippet string) *MessageTrace {
	trace := &MessageTrace{
		Channel:  channel,
		EventID:  eventID,
		User:     user,
		Snippet:  snippet,
		TraceID:  computeTraceID(channel, eventID, user, snippet),
		counters: make(map[Stage]int64),
	}
	trace.counters[StageSeenFromStream] = 1
	return trace
}

// IncCounter increments stage and returns its new value.
func (t *MessageTrace) IncCounter(stage Stage) int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counters[stage]++
	return t.counters[stage]
}

func (t *MessageTrace) Count(stage Stage) int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[stage]
}

// LogTrace writes the trace and its counters at debug level.
func (t *MessageTrace) LogTrace(logger *slog.Logger, msg string) {
	if t == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	logger.Debug(msg,
		"trace_id", t.TraceID,
		"channel", t.Channel,
		"event_id", t.EventID,
		"user", t.User,
		"snippet", t.Snippet,
		"counters", t.snapshotCounters(),
	)
}

func (t *MessageTrace) snapshotCounters() map[Stage]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[Stage]int64, len(t.counters))
	for stage, count := range t.counters {
		out[stage] = count
	}
	return out
}

func computeTraceID(channel, eventID, user, snippet string) string {
	digest := sha256.Sum256([]byte(channel + "\x1f" + eventID + "\x1f" + user + "\x1f" + snippet))
	return hex.EncodeToString(digest[:16])
}
