package detect

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ghostwall/internal/config"
	"ghostwall/internal/cooldown"
	"ghostwall/internal/event"
	"ghostwall/internal/sensor"
)

// Stats holds runner counters.
type Stats struct {
	Observations uint64            `json:"observations"`
	Emitted      map[string]uint64 `json:"emitted"`
	Panics       uint64            `json:"panics"`
	Tracked      int               `json:"tracked"`
	Cooldown     cooldown.Stats    `json:"cooldown"`
}

// Runner is the single consumer of the observation stream. It feeds every
// detector in order and hands emitted events to the sink.
type Runner struct {
	detectors []Detector
	gate      *cooldown.Gate
	sink      func(event.Event)
	gcEvery   time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	emitted map[string]uint64
	tracked int

	observations atomic.Uint64
	panics       atomic.Uint64
}

// NewRunner builds the default detector set from cfg.
func NewRunner(cfg config.DetectorsConfig, sink func(event.Event), logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	gate := cooldown.New(cfg.Cooldown, cfg.CooldownCapacity)
	detectors := []Detector{
		NewARPScan(cfg.ARP, gate),
		NewPortSweep(cfg.Sweep, gate),
		NewBrute(cfg.Brute, cfg.HTTP.Ports, gate),
		NewHTTPProbe(cfg.HTTP, gate),
	}
	return NewRunnerWith(detectors, gate, sink, logger)
}

// NewRunnerWith builds a runner around an explicit detector set.
func NewRunnerWith(detectors []Detector, gate *cooldown.Gate, sink func(event.Event), logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		detectors: detectors,
		gate:      gate,
		sink:      sink,
		gcEvery:   30 * time.Second,
		logger:    logger,
		emitted:   make(map[string]uint64),
	}
}

// Run consumes observations until ctx is done or in is closed.
func (r *Runner) Run(ctx context.Context, in <-chan sensor.Observation) {
	ticker := time.NewTicker(r.gcEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-in:
			if !ok {
				return
			}
			r.Process(o)
		case now := <-ticker.C:
			r.GC(now)
		}
	}
}

// Process feeds one observation to every detector.
func (r *Runner) Process(o sensor.Observation) {
	r.observations.Add(1)
	if o.At.IsZero() {
		o.At = time.Now().UTC()
	}
	for _, d := range r.detectors {
		for _, ev := range r.observe(d, o) {
			r.mu.Lock()
			r.emitted[d.Name()]++
			r.mu.Unlock()
			r.logger.Info("detector fired",
				"detector", d.Name(),
				"event_type", ev.Type,
				"src_ip", ev.SrcIP,
				"count", ev.Magnitude())
			if r.sink != nil {
				r.sink(ev)
			}
		}
	}
}

func (r *Runner) observe(d Detector, o sensor.Observation) (events []event.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.panics.Add(1)
			r.logger.Error("detector panic recovered", "detector", d.Name(), "panic", rec)
			events = nil
		}
	}()
	return d.Observe(o)
}

// GC drops idle per-source state from every detector.
func (r *Runner) GC(now time.Time) {
	removed := 0
	for _, d := range r.detectors {
		removed += d.GC(now)
	}
	if removed > 0 {
		r.logger.Debug("detector state collected", "keys", removed)
	}
	r.mu.Lock()
	r.tracked = 0
	for _, d := range r.detectors {
		if t, ok := d.(interface{ tracked() int }); ok {
			r.tracked += t.tracked()
		}
	}
	r.mu.Unlock()
}

// Stats returns a snapshot of the runner counters.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	emitted := make(map[string]uint64, len(r.emitted))
	for k, v := range r.emitted {
		emitted[k] = v
	}
	tracked := r.tracked
	r.mu.Unlock()

	s := Stats{
		Observations: r.observations.Load(),
		Emitted:      emitted,
		Panics:       r.panics.Load(),
		Tracked:      tracked,
	}
	if r.gate != nil {
		s.Cooldown = r.gate.Stats()
	}
	return s
}

func (d *ARPScan) tracked() int   { return d.track.len() }
func (d *PortSweep) tracked() int { return d.track.len() }
func (d *Brute) tracked() int     { return d.track.len() }
func (d *HTTPProbe) tracked() int { return d.track.len() }
