package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"ghostwall/internal/event"
)

// MemoryStore keeps the most recent events in a fixed-size ring.
type MemoryStore struct {
	mu       sync.RWMutex
	events   []event.Event
	head     int
	count    int
	sessions map[string]*Session
	closed   bool
}

// NewMemoryStore creates a store holding up to capacity events.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryStore{
		events:   make([]event.Event, capacity),
		sessions: make(map[string]*Session),
	}
}

func (m *MemoryStore) SaveEvent(_ context.Context, ev event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDatabaseClosed
	}

	m.events[(m.head+m.count)%len(m.events)] = ev
	if m.count < len(m.events) {
		m.count++
	} else {
		m.head = (m.head + 1) % len(m.events)
	}

	if ev.Type.IsSession() {
		meta, _ := ev.Session()
		s, ok := m.sessions[meta.Session]
		if !ok {
			s = &Session{}
		}
		if s.fold(ev) && !ok {
			m.sessions[meta.Session] = s
		}
	}
	return nil
}

func (m *MemoryStore) Events(_ context.Context, q EventQuery) ([]event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrDatabaseClosed
	}

	limit := q.limit()
	out := make([]event.Event, 0, min(limit, m.count))
	for i := m.count - 1; i >= 0 && len(out) < limit; i-- {
		ev := m.events[(m.head+i)%len(m.events)]
		if q.match(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryStore) Sessions(_ context.Context, q SessionQuery) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrDatabaseClosed
	}

	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if !q.Since.IsZero() && s.LastSeen.Before(q.Since) {
			continue
		}
		cp := *s
		cp.Commands = append([]string(nil), s.Commands...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].ID < out[j].ID
	})
	if limit := q.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// the ring is in arrival order, which is close enough to time order
	dropped := 0
	for m.count > 0 && m.events[m.head].Timestamp.Before(cutoff) {
		m.events[m.head] = event.Event{}
		m.head = (m.head + 1) % len(m.events)
		m.count--
		dropped++
	}
	for id, s := range m.sessions {
		if s.LastSeen.Before(cutoff) {
			delete(m.sessions, id)
		}
	}
	return dropped, nil
}

func (m *MemoryStore) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.events)
	m.head, m.count = 0, 0
	m.sessions = make(map[string]*Session)
	return nil
}

// Len returns the number of stored events.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
