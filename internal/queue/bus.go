package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Bus fans items out to a fixed set of named subscriber queues. Publish
// never blocks; a slow subscriber only loses its own copy.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[string]*RingBuffer[T]
	order  []string
	size   int
	closed bool
}

// NewBus creates a bus whose subscriber queues hold size items each.
func NewBus[T any](size int) *Bus[T] {
	return &Bus[T]{
		subs: make(map[string]*RingBuffer[T]),
		size: size,
	}
}

// Subscribe registers a named consumer and returns its queue. Subscribing
// twice with the same name returns the existing queue.
func (b *Bus[T]) Subscribe(name string) *RingBuffer[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.subs[name]; ok {
		return q
	}
	q := NewRingBuffer[T](b.size)
	if b.closed {
		q.Close()
	}
	b.subs[name] = q
	b.order = append(b.order, name)
	return q
}

// Publish offers item to every subscriber. It returns the number of
// subscribers that dropped it.
func (b *Bus[T]) Publish(item T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dropped := 0
	for _, name := range b.order {
		if err := b.subs[name].Push(item); err != nil {
			dropped++
		}
	}
	return dropped
}

// Metrics returns per-subscriber queue statistics.
func (b *Bus[T]) Metrics() map[string]QueueMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]QueueMetrics, len(b.subs))
	for name, q := range b.subs {
		out[name] = q.Metrics()
	}
	return out
}

// Close closes every subscriber queue. Buffered items remain poppable.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, q := range b.subs {
		q.Close()
	}
}

// Consume pops items from q and hands them to fn until ctx is done or q is
// closed and drained. A panic in fn is logged and the loop continues.
func Consume[T any](ctx context.Context, q *RingBuffer[T], logger *slog.Logger, name string, fn func(T)) {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		if ctx.Err() != nil {
			return
		}
		item, err := q.PopWithTimeout(100 * time.Millisecond)
		if errors.Is(err, ErrQueueClosed) {
			return
		}
		if err != nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("consumer panic recovered", "consumer", name, "panic", r)
				}
			}()
			fn(item)
		}()
	}
}
