package reconcile

import (
	"sort"
	"time"

	"github.com/you/chatledger/internal/core"
)

type entry struct {
	seq int64
	at  time.Time
	ev  core.ChatEvent
}

func (e *entry) before(at time.Time, seq int64) bool {
	if e.at.Equal(at) {
		return e.seq < seq
	}
	return e.at.Before(at)
}

// channelView keeps one channel's events sorted by (time, seq). Entries are
// placed once; reconciliation rewrites an entry without moving it.
type channelView struct {
	entries []*entry
}

func (v *channelView) insert(e *entry) int {
	i := sort.Search(len(v.entries), func(i int) bool { return !v.entries[i].before(e.at, e.seq) })
	v.entries = append(v.entries, nil)
	copy(v.entries[i+1:], v.entries[i:])
	v.entries[i] = e
	return i
}

func (v *channelView) position(e *entry) int {
	i := sort.Search(len(v.entries), func(i int) bool { return !v.entries[i].before(e.at, e.seq) })
	if i < len(v.entries) && v.entries[i] == e {
		return i
	}
	return -1
}

// window returns the entries whose time lies within [from, to].
func (v *channelView) window(from, to time.Time) []*entry {
	lo := sort.Search(len(v.entries), func(i int) bool { return !v.entries[i].at.Before(from) })
	var out []*entry
	for i := lo; i < len(v.entries) && !v.entries[i].at.After(to); i++ {
		out = append(out, v.entries[i])
	}
	return out
}

func (v *channelView) last() *entry {
	if len(v.entries) == 0 {
		return nil
	}
	return v.entries[len(v.entries)-1]
}

func (v *channelView) snapshot() []core.ChatEvent {
	out := make([]core.ChatEvent, len(v.entries))
	for i, e := range v.entries {
		out[i] = e.ev.Clone()
	}
	return out
}
