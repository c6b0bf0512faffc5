package ledger

import (
	"sync"

	"ghostwall/internal/event"
)

// ring keeps the most recent actions in a fixed-size circular buffer.
type ring struct {
	mu    sync.RWMutex
	items []event.Action
	head  int
	count int
}

func newRing(size int) *ring {
	return &ring{items: make([]event.Action, size)}
}

func (r *ring) add(a event.Action) {
	r.mu.Lock()
	r.items[r.head] = a
	r.head = (r.head + 1) % len(r.items)
	if r.count < len(r.items) {
		r.count++
	}
	r.mu.Unlock()
}

// last returns up to limit items, newest first.
func (r *ring) last(limit int) []event.Action {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > r.count {
		limit = r.count
	}
	out := make([]event.Action, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.head - i + len(r.items)) % len(r.items)
		out = append(out, r.items[idx])
	}
	return out
}
