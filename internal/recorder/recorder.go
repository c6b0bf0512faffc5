// Package recorder admits events into the pipeline and writes every
// admitted event to the store, the archive and the publishers.
package recorder

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"ghostwall/internal/event"
	"ghostwall/internal/queue"
	"ghostwall/internal/storage"
)

// Archive receives events for long-term retention.
type Archive interface {
	Write(ev event.Event) error
}

// Quarantine keeps events that failed validation.
type Quarantine interface {
	Write(ctx context.Context, ev event.Event, verr error) error
}

// Publisher streams events outward.
type Publisher interface {
	Event(ev event.Event)
}

// Options holds the optional outputs. Nil fields are skipped.
type Options struct {
	Archive    Archive
	Quarantine Quarantine
	Publisher  Publisher
	// MaxFuture rejects events stamped further ahead than this.
	MaxFuture time.Duration
}

const (
	defaultMaxFuture = 5 * time.Minute
	writeTimeout     = 5 * time.Second
)

// Recorder validates and persists events.
type Recorder struct {
	store     storage.Store
	opts      Options
	validator *event.Validator
	logger    *slog.Logger

	admitted    atomic.Uint64
	rejected    atomic.Uint64
	recorded    atomic.Uint64
	errors      atomic.Uint64
	quarantined atomic.Uint64
}

// New creates a Recorder writing to store.
func New(store storage.Store, opts Options, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxFuture <= 0 {
		opts.MaxFuture = defaultMaxFuture
	}
	return &Recorder{
		store:     store,
		opts:      opts,
		validator: event.NewValidator(opts.MaxFuture),
		logger:    logger,
	}
}

// Admit validates ev before it is put on the bus. A rejected event is
// counted, quarantined when an archive is configured, and the validation
// error is returned.
func (r *Recorder) Admit(ctx context.Context, ev event.Event) error {
	verr := r.validator.Validate(ev)
	if verr == nil {
		r.admitted.Add(1)
		return nil
	}

	r.rejected.Add(1)
	r.logger.Debug("event rejected", "type", ev.Type, "src_ip", ev.SrcIP, "error", verr)
	if r.opts.Quarantine != nil {
		qctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		if err := r.opts.Quarantine.Write(qctx, ev, verr); err != nil {
			r.logger.Warn("failed to quarantine event", "error", err)
		} else {
			r.quarantined.Add(1)
		}
	}
	return verr
}

// Record writes ev to the store, then the archive and publishers. Store
// failures are counted and do not stop the other outputs.
func (r *Recorder) Record(ctx context.Context, ev event.Event) {
	sctx, cancel := context.WithTimeout(ctx, writeTimeout)
	err := r.store.SaveEvent(sctx, ev)
	cancel()
	if err != nil {
		r.errors.Add(1)
		r.logger.Error("failed to store event", "event_id", ev.ID, "type", ev.Type, "error", err)
	} else {
		r.recorded.Add(1)
	}

	if r.opts.Archive != nil {
		if err := r.opts.Archive.Write(ev); err != nil {
			r.errors.Add(1)
			r.logger.Warn("failed to archive event", "event_id", ev.ID, "error", err)
		}
	}
	if r.opts.Publisher != nil {
		r.opts.Publisher.Event(ev)
	}
}

// Run consumes q until ctx is done or q is closed and drained.
func (r *Recorder) Run(ctx context.Context, q *queue.RingBuffer[event.Event]) {
	r.logger.Info("recorder started")
	queue.Consume(ctx, q, r.logger, "recorder", func(ev event.Event) {
		r.Record(ctx, ev)
	})
	r.logger.Info("recorder stopped", "recorded", r.recorded.Load(), "errors", r.errors.Load())
}

// Metrics holds recorder statistics.
type Metrics struct {
	Admitted    uint64 `json:"admitted"`
	Rejected    uint64 `json:"rejected"`
	Quarantined uint64 `json:"quarantined"`
	Recorded    uint64 `json:"recorded"`
	Errors      uint64 `json:"errors"`
}

// Metrics returns recorder statistics.
func (r *Recorder) Metrics() Metrics {
	return Metrics{
		Admitted:    r.admitted.Load(),
		Rejected:    r.rejected.Load(),
		Quarantined: r.quarantined.Load(),
		Recorded:    r.recorded.Load(),
		Errors:      r.errors.Load(),
	}
}
