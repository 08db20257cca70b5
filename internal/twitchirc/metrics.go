package twitchirc

import (
	"sync"
	"sync/atomic"
)

type ingestMetrics struct {
	seen    sync.Map // kind -> *atomic.Int64
	dropped sync.Map // reason -> *atomic.Int64
}

func newIngestMetrics() *ingestMetrics { return &ingestMetrics{} }

func bump(m *sync.Map, key string) int64 {
	v, _ := m.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64).Add(1)
}

func (m *ingestMetrics) incSeen(kind string) int64 {
	if m == nil {
		return 0
	}
	return bump(&m.seen, kind)
}

func (m *ingestMetrics) incDropped(reason string) int64 {
	if m == nil {
		return 0
	}
	return bump(&m.dropped, reason)
}

// snapshot names follow the collector's "_total means counter" rule.
func (m *ingestMetrics) snapshot() map[string]float64 {
	out := make(map[string]float64)
	if m == nil {
		return out
	}
	m.seen.Range(func(k, v any) bool {
		out["seen_"+k.(string)+"_total"] = float64(v.(*atomic.Int64).Load())
		return true
	})
	m.dropped.Range(func(k, v any) bool {
		out["dropped_"+k.(string)+"_total"] = float64(v.(*atomic.Int64).Load())
		return true
	})
	return out
}
