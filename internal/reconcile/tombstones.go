package reconcile

const defaultTombstoneCap = 1024

// tombstones remembers deletions for ids not seen yet. Oldest ids fall off
// first once the capacity is reached.
type tombstones struct {
	limit int
	order []string
	set   map[string]struct{}
}

func newTombstones(limit int) *tombstones {
	if limit <= 0 {
		limit = defaultTombstoneCap
	}
	return &tombstones{limit: limit, set: make(map[string]struct{})}
}

func (t *tombstones) add(id string) {
	if _, ok := t.set[id]; ok {
		return
	}
	if len(t.order) >= t.limit {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.set, oldest)
	}
	t.order = append(t.order, id)
	t.set[id] = struct{}{}
}

// take reports whether id was tombstoned and forgets it.
func (t *tombstones) take(id string) bool {
	if _, ok := t.set[id]; !ok {
		return false
	}
	delete(t.set, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

func (t *tombstones) len() int { return len(t.order) }
