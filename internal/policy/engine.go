// Package policy turns events and threat-level transitions into defense
// actions, enforces them through the firewall in auto-block mode, and is
// the only writer of the block-list.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ghostwall/internal/blocklist"
	"ghostwall/internal/config"
	"ghostwall/internal/event"
	"ghostwall/internal/queue"
	"ghostwall/internal/scoring"
	"ghostwall/internal/security/firewall"
)

// ErrNotFound is returned by Unblock for an address that is not listed.
var ErrNotFound = errors.New("address not in block-list")

// Recorder persists actions.
type Recorder interface {
	Append(event.Action) error
}

// Stats holds policy counters.
type Stats struct {
	Mode               string                 `json:"mode"`
	Firewall           string                 `json:"firewall"`
	FirewallAvailable  bool                   `json:"firewall_available"`
	Level              scoring.Level          `json:"level"`
	Evaluated          uint64                 `json:"evaluated"`
	Actions            uint64                 `json:"actions"`
	Applied            uint64                 `json:"applied"`
	EnforceFailures    uint64                 `json:"enforce_failures"`
	RecordFailures     uint64                 `json:"record_failures"`
	Escalations        uint64                 `json:"escalations"`
	Expired            uint64                 `json:"expired"`
	TransitionsDropped uint64                 `json:"transitions_dropped"`
	RateLimits         int                    `json:"rate_limits"`
	Modules            map[string]ModuleStats `json:"modules"`
}

// Engine is the defense policy engine.
type Engine struct {
	cfg       config.PolicyConfig
	modules   []Module
	fw        firewall.Backend
	blocklist *blocklist.List
	recorder  Recorder
	sink      func(event.Event)
	logger    *slog.Logger
	now       func() time.Time

	offenders *offenders
	locks     [64]sync.Mutex

	hintMu sync.Mutex
	hints  map[netip.Addr]hint
	level  scoring.Level

	transitions chan scoring.Transition

	evaluated          atomic.Uint64
	actions            atomic.Uint64
	applied            atomic.Uint64
	enforceFailures    atomic.Uint64
	recordFailures     atomic.Uint64
	escalations        atomic.Uint64
	expired            atomic.Uint64
	transitionsDropped atomic.Uint64
	fwDown             atomic.Bool
}

// NewEngine builds the engine and its modules in configuration order. sink
// receives the ban events produced by applied blocks; it may be nil.
func NewEngine(cfg config.PolicyConfig, fw firewall.Backend, bl *blocklist.List, rec Recorder, sink func(event.Event), logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = func(event.Event) {}
	}
	backlog := cfg.TransitionBacklog
	if backlog <= 0 {
		backlog = 16
	}

	e := &Engine{
		cfg:         cfg,
		fw:          fw,
		blocklist:   bl,
		recorder:    rec,
		sink:        sink,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		offenders:   newOffenders(cfg.OffenderWindow),
		hints:       make(map[netip.Addr]hint),
		level:       scoring.LevelGreen,
		transitions: make(chan scoring.Transition, backlog),
	}
	for _, mc := range cfg.Modules {
		m, err := NewModule(mc)
		if err != nil {
			return nil, err
		}
		e.modules = append(e.modules, m)
	}
	logger.Info("policy engine initialized", "mode", cfg.Mode, "modules", len(e.modules), "firewall", fw.Name())
	return e, nil
}

// Mode returns the policy mode.
func (e *Engine) Mode() string { return e.cfg.Mode }

// Run consumes events from q, handles queued transitions, and sweeps
// expired blocks until ctx is done.
func (e *Engine) Run(ctx context.Context, q *queue.RingBuffer[event.Event]) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.control(ctx)
	}()

	queue.Consume(ctx, q, e.logger, "policy", func(ev event.Event) {
		e.Handle(ctx, ev)
	})
	cancel()
	wg.Wait()
}

func (e *Engine) control(ctx context.Context) {
	sweep := e.cfg.ExpirySweep
	if sweep <= 0 {
		sweep = 5 * time.Second
	}
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-e.transitions:
			e.safely("transition", func() { e.HandleTransition(ctx, t) })
		case <-ticker.C:
			e.safely("sweep", func() { e.Sweep(ctx) })
		}
	}
}

func (e *Engine) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("policy panic recovered", "in", what, "panic", r)
		}
	}()
	fn()
}

// OnTransition queues a level transition for the control loop. It never
// blocks: when the backlog is full the oldest queued transition is
// dropped.
func (e *Engine) OnTransition(t scoring.Transition) {
	for {
		select {
		case e.transitions <- t:
			return
		default:
		}
		select {
		case <-e.transitions:
			e.transitionsDropped.Add(1)
		default:
		}
	}
}

// Handle evaluates ev against the first module that handles it and
// returns the resulting actions. Ban and escalation events are the
// engine's own output and are ignored, as are connections the redirector
// passed to the real service.
func (e *Engine) Handle(ctx context.Context, ev event.Event) []event.Action {
	if ev.Type == event.TypeBan || ev.Type == event.TypeEscalation || ev.PassedThrough() {
		return nil
	}
	e.evaluated.Add(1)

	now := e.now()
	at := ev.Timestamp
	if at.IsZero() || at.After(now) {
		at = now
	}
	e.offenders.observe(ev, at)

	for _, m := range e.modules {
		if !m.Handles(ev) {
			continue
		}
		f, ok := m.Evaluate(ev, now)
		if !ok {
			return nil
		}
		a := e.newAction(ev.Type, ev.Source, ev.SrcIP, f.Summary, f.Severity, f.Confidence, f.Tags, f.Commands)
		a.Enforcement = e.enforce(ctx, ev.SrcIP, ev.Source, ev.DstPort(), f.Mitigation, f.Module+"."+f.RuleID)
		e.record(a, "module", f.Module, "rule", f.RuleID, "count", f.Count)
		return []event.Action{a}
	}
	return nil
}

// HandleTransition applies the escalation policy for a level change and
// returns the escalation actions it produced.
func (e *Engine) HandleTransition(ctx context.Context, t scoring.Transition) []event.Action {
	e.hintMu.Lock()
	e.level = t.To
	e.hintMu.Unlock()

	e.logger.Info("threat level transition", "from", t.From, "to", t.To, "score", t.Score)

	var esc config.EscalationConfig
	switch t.To {
	case scoring.LevelGreen:
		e.clearRateLimits(ctx)
		return nil
	case scoring.LevelOrange:
		esc = e.cfg.Orange
	case scoring.LevelRed:
		esc = e.cfg.Red
	}
	if esc.TopOffenders == 0 || !t.Escalating() {
		e.reapplyRateLimits(ctx, false)
		return nil
	}

	now := e.now()
	top := e.offenders.top(esc.TopOffenders, now)
	if len(top) == 0 {
		e.logger.Warn("escalation with no recent offenders", "level", t.To)
		e.reapplyRateLimits(ctx, false)
		return nil
	}
	e.escalations.Add(1)

	red := t.To == scoring.LevelRed
	secs := int(esc.BlockDuration.Seconds())
	severity, confidence := event.SeverityMedium, 0.8
	if red {
		severity, confidence = event.SeverityHigh, 0.9
	}

	out := make([]event.Action, 0, len(top))
	for _, off := range top {
		port := off.DstPort
		if port == 0 {
			port = servicePort(off.Source)
		}
		tags := []string{"escalation", strings.ToLower(string(t.To)), "block"}
		commands := []string{fmt.Sprintf("Block %s at the edge for %ds", off.SrcIP, secs)}
		if red {
			tags = append(tags, "rate-limit")
			commands = append(commands, fmt.Sprintf("Limit %s to %d new connections per minute on port %d", off.SrcIP, e.cfg.RedRateLimit, port))
		}
		summary := fmt.Sprintf("Threat level %s (score %.2f): blocking top offender %s for %ds after %d events within %s",
			t.To, t.Score, off.SrcIP, secs, off.Events, formatWindow(e.cfg.OffenderWindow))

		a := e.newAction(event.TypeEscalation, off.Source, off.SrcIP, summary, severity, confidence, event.TagSet(tags...), commands)
		a.Enforcement = e.enforce(ctx, off.SrcIP, off.Source, port,
			config.MitigationConfig{Action: "block_ip", Duration: esc.BlockDuration},
			"escalation:"+strings.ToLower(string(t.To)))
		e.record(a, "level", t.To, "events", off.Events)
		out = append(out, a)

		if red && e.cfg.Mode == config.ModeAutoBlock {
			if addr, err := parseAddr(off.SrcIP); err == nil {
				e.setHint(addr, port, e.cfg.RedRateLimit, time.Time{})
			}
		}
	}
	e.reapplyRateLimits(ctx, false)
	return out
}

func (e *Engine) newAction(t event.Type, src event.Source, ip, summary string, sev event.Severity, conf float64, tags, commands []string) event.Action {
	if !src.IsValid() {
		src = event.SourceNet
	}
	if tags == nil {
		tags = []string{}
	}
	if commands == nil {
		commands = []string{}
	}
	return event.Action{
		EventType:   t,
		Source:      src,
		SrcIP:       ip,
		Summary:     summary,
		Severity:    sev,
		Confidence:  event.ClampConfidence(conf),
		Tags:        tags,
		Commands:    commands,
		PolicyMode:  e.cfg.Mode,
		Recommended: true,
		CreatedAt:   e.now(),
	}
}

func (e *Engine) record(a event.Action, attrs ...any) {
	e.actions.Add(1)
	if e.recorder != nil {
		if err := e.recorder.Append(a); err != nil {
			e.recordFailures.Add(1)
			e.logger.Error("failed to record defense action", "src_ip", a.SrcIP, "error", err)
		}
	}
	attrs = append(attrs,
		"event_type", a.EventType,
		"src_ip", a.SrcIP,
		"severity", a.Severity,
		"applied", a.Enforcement.Applied,
		"reason", a.Enforcement.Reason,
	)
	e.logger.Info("defense action", attrs...)
}

// Offenders returns the top n sources by recent event volume.
func (e *Engine) Offenders(n int) []Offender {
	return e.offenders.top(n, e.now())
}

// Sweep removes expired block-list entries, unblocks them at the firewall,
// drops expired rate-limit hints, and trims module windows.
func (e *Engine) Sweep(ctx context.Context) {
	now := e.now()
	e.checkFirewall(ctx)
	for _, m := range e.modules {
		m.GC(now)
	}
	e.offenders.gc(now)

	if e.pruneHints(now) {
		e.reapplyRateLimits(ctx, true)
	}

	for _, addr := range e.blocklist.Expired() {
		e.expire(ctx, addr)
	}
}

// expire removes an expired ban and its firewall rule under the address
// lock, so a ban renewed by enforce in the meantime is not undone.
func (e *Engine) expire(ctx context.Context, addr netip.Addr) {
	mu := e.lockFor(addr)
	mu.Lock()
	defer mu.Unlock()

	entry, removed, err := e.blocklist.Expire(ctx, addr)
	if err != nil {
		e.logger.Warn("block-list expiry persisted with error", "src_ip", addr, "error", err)
	}
	if !removed {
		return
	}
	e.expired.Add(1)
	if err := e.fw.Unblock(ctx, addr); err != nil {
		e.logger.Warn("failed to unblock expired address", "src_ip", entry.SrcIP, "error", err)
		return
	}
	e.logger.Info("block expired", "src_ip", entry.SrcIP, "reason", entry.Reason)
}

// checkFirewall logs backend availability changes.
func (e *Engine) checkFirewall(ctx context.Context) {
	err := e.fw.Available(ctx)
	down := err != nil
	if e.fwDown.Swap(down) == down {
		return
	}
	if down {
		e.logger.Error("firewall backend unavailable", "backend", e.fw.Name(), "error", err)
		return
	}
	e.logger.Info("firewall backend available again", "backend", e.fw.Name())
}

// Unblock removes addr from the block-list and the firewall. It is the
// administrative path and is audit-logged.
func (e *Engine) Unblock(ctx context.Context, addr netip.Addr, actor string) error {
	addr = addr.Unmap()
	mu := e.lockFor(addr)
	mu.Lock()
	defer mu.Unlock()

	before, listed := e.blocklist.Lookup(addr)
	removed, err := e.blocklist.Remove(ctx, addr)
	if err != nil {
		e.logger.Warn("block-list removal persisted with error", "src_ip", addr, "error", err)
	}
	if !removed {
		return ErrNotFound
	}
	fwErr := e.fw.Unblock(ctx, addr)

	if e.dropHint(addr) {
		e.reapplyRateLimits(ctx, true)
	}

	e.logger.Warn("address unblocked",
		"audit", true,
		"actor", actor,
		"src_ip", addr.String(),
		"was_active", listed,
		"reason", before.Reason,
		"firewall_error", errString(fwErr),
	)
	if fwErr != nil {
		return fmt.Errorf("firewall unblock: %w", fwErr)
	}
	return nil
}

// Stats returns policy counters.
func (e *Engine) Stats() Stats {
	e.hintMu.Lock()
	level := e.level
	limits := len(e.hints)
	e.hintMu.Unlock()

	modules := make(map[string]ModuleStats, len(e.modules))
	for _, m := range e.modules {
		modules[m.Name()] = m.Stats()
	}
	return Stats{
		Mode:               e.cfg.Mode,
		Firewall:           e.fw.Name(),
		FirewallAvailable:  !e.fwDown.Load(),
		Level:              level,
		Evaluated:          e.evaluated.Load(),
		Actions:            e.actions.Load(),
		Applied:            e.applied.Load(),
		EnforceFailures:    e.enforceFailures.Load(),
		RecordFailures:     e.recordFailures.Load(),
		Escalations:        e.escalations.Load(),
		Expired:            e.expired.Load(),
		TransitionsDropped: e.transitionsDropped.Load(),
		RateLimits:         limits,
		Modules:            modules,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// servicePort is the default port of a service when the event did not
// carry one.
func servicePort(src event.Source) int {
	switch src {
	case event.SourceSSH, event.SourceCowrie:
		return 22
	case event.SourceHTTP:
		return 80
	case event.SourceFTP:
		return 21
	case event.SourceTelnet:
		return 23
	case event.SourceSMTP:
		return 25
	}
	return 0
}
