package scoring

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"ghostwall/internal/config"
	"ghostwall/internal/event"
	"ghostwall/internal/queue"
)

// TransitionHandler is called on the engine goroutine for every level
// change. Handlers must not block.
type TransitionHandler func(Transition)

// userWindow is how long a failed login's username counts toward TopUsers.
const userWindow = time.Hour

// topUsers is the length of Status.TopUsers.
const topUsers = 10

// Status is the read model of the engine.
type Status struct {
	Score     float64        `json:"score"`
	Level     Level          `json:"level"`
	Why       string         `json:"why"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metrics   []MetricStatus `json:"metrics"`
	TopUsers  []UserCount    `json:"top_users"`
	Ingested  uint64         `json:"events_ingested"`
}

// UserCount is the number of failed logins that tried a username.
type UserCount struct {
	Username string `json:"username"`
	Count    int    `json:"count"`
}

// Engine owns the metric windows and the threat score. Only the engine's
// own goroutine mutates them; Status is safe from any goroutine.
type Engine struct {
	tick     time.Duration
	halfLife time.Duration
	logger   *slog.Logger
	now      func() time.Time

	windows map[MetricName]*window
	users   *window

	handlersMu sync.RWMutex
	handlers   []TransitionHandler

	mu            sync.RWMutex
	score         float64
	level         Level
	updatedAt     time.Time
	lastRecompute time.Time
	snapshot      []MetricStatus
	topUsers      []UserCount
	timeline      *timeline

	ingested atomic.Uint64
}

// NewEngine creates a scoring engine.
func NewEngine(cfg config.ScoringConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	m := cfg.Metrics
	e := &Engine{
		tick:     cfg.Tick,
		halfLife: cfg.HalfLife,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		level:    LevelGreen,
		windows: map[MetricName]*window{
			FailRate:        newWindow(FailRate, kindSum, m.FailRate, 0),
			ConnRate:        newWindow(ConnRate, kindSum, m.ConnRate, 0),
			UniqueIPs:       newWindow(UniqueIPs, kindDistinct, m.UniqueIPs, 0),
			RepeatOffenders: newWindow(RepeatOffenders, kindRepeat, m.RepeatOffenders, cfg.RepeatThreshold),
			BanEvents:       newWindow(BanEvents, kindSum, m.BanEvents, 0),
		},
		users:    &window{kind: kindSum, span: userWindow},
		timeline: newTimeline(cfg.Timeline),
	}
	e.snapshot = e.metricStatus()
	return e
}

// OnTransition registers a level-change handler.
func (e *Engine) OnTransition(h TransitionHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Run consumes q and recomputes on every tick until ctx is done or q is
// closed and drained.
func (e *Engine) Run(ctx context.Context, q *queue.RingBuffer[event.Event]) {
	wait := min(e.tick, 100*time.Millisecond)
	next := e.now().Add(e.tick)

	for ctx.Err() == nil {
		ev, err := q.PopWithTimeout(wait)
		switch {
		case err == nil:
			e.ingestSafe(ev)
		case errors.Is(err, queue.ErrQueueClosed):
			e.Recompute()
			return
		}
		if now := e.now(); !now.Before(next) {
			e.Recompute()
			next = now.Add(e.tick)
		}
	}
}

func (e *Engine) ingestSafe(ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("scoring ingest panic recovered", "event_type", ev.Type, "panic", r)
		}
	}()
	e.Ingest(ev)
}

// Ingest routes one event to the metrics it affects.
func (e *Engine) Ingest(ev event.Event) {
	e.ingested.Add(1)
	at := ev.Timestamp
	if now := e.now(); at.IsZero() || at.After(now) {
		at = now
	}

	switch ev.Type {
	case event.TypeBan:
		e.Record(BanEvents, at, ev.SrcIP, 1)
		return
	case event.TypeEscalation:
		return
	case event.TypeConnectAttempt:
		e.Record(ConnRate, at, ev.SrcIP, 1)
	case event.TypeBruteForce:
		e.Record(FailRate, at, ev.SrcIP, float64(ev.Magnitude()))
	case event.TypePortSweep, event.TypeHTTPProbe, event.TypeARPScan:
		e.Record(ConnRate, at, ev.SrcIP, float64(ev.Magnitude()))
	case event.TypeCowrieSession, event.TypeFTPSession:
		if meta, ok := ev.Session(); ok {
			switch meta.Action {
			case event.ActionConnect:
				e.Record(ConnRate, at, ev.SrcIP, 1)
			case event.ActionLoginFailed:
				e.Record(FailRate, at, ev.SrcIP, 1)
				if meta.Username != "" {
					e.users.add(at, meta.Username, 1)
				}
			}
		}
	}
	e.Record(UniqueIPs, at, ev.SrcIP, 1)
	e.Record(RepeatOffenders, at, ev.SrcIP, 1)
}

// Record adds n to a metric for key at time at.
func (e *Engine) Record(name MetricName, at time.Time, key string, n float64) {
	if w, ok := e.windows[name]; ok && n > 0 {
		w.add(at, key, n)
	}
}

// Recompute purges the windows, derives the new score and signals a level
// change to the registered handlers.
func (e *Engine) Recompute() Status {
	now := e.now()

	raw := 0.0
	metrics := make([]MetricStatus, 0, len(MetricNames))
	for _, name := range MetricNames {
		w := e.windows[name]
		w.purge(now)
		v := w.value()
		c := w.contribution(v)
		raw += c
		metrics = append(metrics, MetricStatus{
			Name: name, Value: v, Cap: w.cap, Weight: w.weight,
			WindowSecs: w.span.Seconds(), Contribution: round2(c),
		})
	}
	e.users.purge(now)
	users := e.users.top(topUsers)

	e.mu.Lock()
	floor := 0.0
	if !e.lastRecompute.IsZero() {
		floor = e.score * e.decay(now.Sub(e.lastRecompute))
	}
	score := round2(math.Min(math.Max(raw, floor), 100))
	prev := e.level
	e.score = score
	e.level = LevelFor(score)
	e.updatedAt = now
	e.lastRecompute = now
	e.snapshot = metrics
	e.topUsers = users
	e.timeline.add(Point{At: now, Score: score, Raw: round2(raw), Level: e.level})
	st := e.statusLocked()
	e.mu.Unlock()

	if st.Level != prev {
		t := Transition{From: prev, To: st.Level, Score: score, At: now}
		e.logger.Info("threat level changed", "from", prev, "to", st.Level, "score", score)
		e.signal(t)
	}
	return st
}

// decay returns the multiplier for elapsed time given the half-life.
func (e *Engine) decay(elapsed time.Duration) float64 {
	if elapsed <= 0 || e.halfLife <= 0 {
		return 1
	}
	return math.Pow(0.5, elapsed.Seconds()/e.halfLife.Seconds())
}

func (e *Engine) signal(t Transition) {
	e.handlersMu.RLock()
	handlers := append([]TransitionHandler(nil), e.handlers...)
	e.handlersMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("transition handler panic recovered", "panic", r)
				}
			}()
			h(t)
		}()
	}
}

// Status returns the current score, level and metric breakdown.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() Status {
	users := make([]UserCount, len(e.topUsers))
	copy(users, e.topUsers)
	return Status{
		Score:     e.score,
		Level:     e.level,
		Why:       explain(e.snapshot),
		UpdatedAt: e.updatedAt,
		Metrics:   append([]MetricStatus(nil), e.snapshot...),
		TopUsers:  users,
		Ingested:  e.ingested.Load(),
	}
}

// Timeline returns up to limit recent score points, oldest first. A
// non-positive limit returns every retained point.
func (e *Engine) Timeline(limit int) []Point {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.timeline.last(limit)
}

// Reset zeroes the score and its decay history. Metric windows are kept,
// so the next recompute reflects activity still inside them.
func (e *Engine) Reset() Status {
	e.mu.Lock()
	prev := e.level
	e.score = 0
	e.level = LevelGreen
	e.lastRecompute = time.Time{}
	e.updatedAt = e.now()
	e.timeline.add(Point{At: e.updatedAt, Level: LevelGreen})
	st := e.statusLocked()
	e.mu.Unlock()

	e.logger.Warn("threat score reset", "audit", true, "previous_level", prev)
	if prev != LevelGreen {
		e.signal(Transition{From: prev, To: LevelGreen, Score: 0, At: st.UpdatedAt})
	}
	return st
}

func (e *Engine) metricStatus() []MetricStatus {
	out := make([]MetricStatus, 0, len(MetricNames))
	for _, name := range MetricNames {
		w := e.windows[name]
		out = append(out, MetricStatus{Name: name, Cap: w.cap, Weight: w.weight, WindowSecs: w.span.Seconds()})
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
