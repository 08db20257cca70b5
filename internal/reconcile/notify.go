package reconcile

import (
	"sync"

	"github.com/you/chatledger/internal/core"
)

type NotificationType string

const (
	NotifyAppended   NotificationType = "appended"
	NotifyReconciled NotificationType = "reconciled"
	NotifyDeleted    NotificationType = "deleted"
	NotifyWarning    NotificationType = "storage_warning"
)

// Notification describes one change to an ordered view. Position is the
// event's index in its channel view at the time of the change.
type Notification struct {
	Type       NotificationType `json:"type"`
	ChannelID  string           `json:"channel_id,omitempty"`
	EventID    string           `json:"event_id,omitempty"`
	PreviousID string           `json:"previous_id,omitempty"`
	Position   int              `json:"position"`
	Event      *core.ChatEvent  `json:"event,omitempty"`
	Message    string           `json:"message,omitempty"`
}

// Listener receives notifications synchronously and in order. It must not
// call back into the engine's mutating operations.
type Listener func(Notification)

type hub struct {
	// deliver serializes fan-out so listeners see changes in commit order.
	deliver sync.Mutex

	mu        sync.RWMutex
	next      int
	listeners map[int]Listener
}

func newHub() *hub {
	return &hub{listeners: make(map[int]Listener)}
}

func (h *hub) subscribe(fn Listener) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.listeners[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
		})
	}
}

// sendLocked fans out while the caller holds h.deliver.
func (h *hub) sendLocked(notes []Notification) {
	if len(notes) == 0 {
		return
	}
	h.mu.RLock()
	fns := make([]Listener, 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, n := range notes {
		for _, fn := range fns {
			fn(n)
		}
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}
