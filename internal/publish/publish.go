// Package publish streams defense actions and normalized events to external
// brokers. Producers never block: messages are queued and a single worker
// hands them to every configured sink.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"ghostwall/internal/event"
	"ghostwall/internal/logging"
	"ghostwall/internal/queue"
)

// Kind separates the two streams.
type Kind string

const (
	KindAction Kind = "action"
	KindEvent  Kind = "event"
)

// Message is one serialized record bound for the brokers.
type Message struct {
	Kind Kind
	// Key partitions the stream; it is the source address.
	Key string
	// Type is the event type, used to build per-type subjects.
	Type  string
	Value []byte
	Time  time.Time
}

// Sink delivers batches to one broker.
type Sink interface {
	Name() string
	Send(ctx context.Context, msgs []Message) error
	Close() error
}

const (
	maxBatch     = 100
	sendTimeout  = 5 * time.Second
	drainTimeout = 5 * time.Second
)

// Metrics holds dispatcher counters.
type Metrics struct {
	Enqueued int64 `json:"enqueued"`
	Dropped  int64 `json:"dropped"`
	Sent     int64 `json:"sent"`
	Failed   int64 `json:"failed"`
}

// Dispatcher queues messages and fans them out to sinks.
type Dispatcher struct {
	queue  *queue.RingBuffer[Message]
	sinks  []Sink
	logger *slog.Logger
	done   chan struct{}

	enqueued atomic.Int64
	dropped  atomic.Int64
	sent     atomic.Int64
	failed   atomic.Int64
}

// NewDispatcher creates a dispatcher with a queue of size messages.
func NewDispatcher(size int, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:  queue.NewRingBuffer[Message](size),
		sinks:  sinks,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Action queues a defense action. Its signature matches ledger hooks.
func (d *Dispatcher) Action(a event.Action) {
	data, err := json.Marshal(a)
	if err != nil {
		d.logger.Error("failed to marshal action for publish", "error", err)
		return
	}
	d.enqueue(Message{Kind: KindAction, Key: a.SrcIP, Type: string(a.EventType), Value: data, Time: a.CreatedAt})
}

// Event queues an event. Captured credentials are masked first.
func (d *Dispatcher) Event(ev event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("failed to marshal event for publish", "error", err)
		return
	}
	masked := logging.MaskSensitiveString(string(data))
	d.enqueue(Message{Kind: KindEvent, Key: ev.SrcIP, Type: string(ev.Type), Value: []byte(masked), Time: ev.Timestamp})
}

func (d *Dispatcher) enqueue(m Message) {
	if err := d.queue.Push(m); err != nil {
		d.dropped.Add(1)
		return
	}
	d.enqueued.Add(1)
}

// Run delivers queued messages until ctx is done or the dispatcher is
// closed and drained.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		if ctx.Err() != nil {
			return
		}
		first, err := d.queue.PopWithTimeout(100 * time.Millisecond)
		if errors.Is(err, queue.ErrQueueClosed) {
			return
		}
		if err != nil {
			continue
		}
		batch := []Message{first}
		for len(batch) < maxBatch {
			m, err := d.queue.Pop()
			if err != nil {
				break
			}
			batch = append(batch, m)
		}
		d.send(ctx, batch)
	}
}

func (d *Dispatcher) send(ctx context.Context, batch []Message) {
	for _, s := range d.sinks {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		err := s.Send(sendCtx, batch)
		cancel()
		if err != nil {
			d.failed.Add(int64(len(batch)))
			d.logger.Warn("publish failed", "sink", s.Name(), "count", len(batch), "error", err)
			continue
		}
		d.sent.Add(int64(len(batch)))
	}
}

// Close stops accepting messages, waits briefly for the worker to drain
// and closes the sinks.
func (d *Dispatcher) Close() error {
	d.queue.Close()
	select {
	case <-d.done:
	case <-time.After(drainTimeout):
		d.logger.Warn("publish queue not drained before close", "pending", d.queue.Len())
	}
	var errs []error
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Metrics returns dispatcher counters.
func (d *Dispatcher) Metrics() Metrics {
	return Metrics{
		Enqueued: d.enqueued.Load(),
		Dropped:  d.dropped.Load(),
		Sent:     d.sent.Load(),
		Failed:   d.failed.Load(),
	}
}
