package policy

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"ghostwall/internal/config"
	"ghostwall/internal/cooldown"
	"ghostwall/internal/event"
)

// Finding is a module's decision for one event, before enforcement.
type Finding struct {
	Module     string
	RuleID     string
	Count      int
	Severity   event.Severity
	Confidence float64
	Summary    string
	Tags       []string
	Commands   []string
	Mitigation config.MitigationConfig
}

// Module evaluates events for one protected service.
type Module interface {
	Name() string
	// Handles reports whether ev belongs to this service.
	Handles(ev event.Event) bool
	// Evaluate updates the module's windows with ev and returns the
	// finding of the first matching rule. ok is false when no rule matches
	// or the matching rule is cooling down.
	Evaluate(ev event.Event, now time.Time) (f Finding, ok bool)
	// GC drops window state older than the module window.
	GC(now time.Time) int
	Stats() ModuleStats
}

// ModuleStats holds per-module counters.
type ModuleStats struct {
	Evaluated  uint64 `json:"evaluated"`
	Findings   uint64 `json:"findings"`
	Suppressed uint64 `json:"suppressed"`
}

type rule struct {
	cfg      config.RuleConfig
	types    []event.Type
	actions  []string
	severity event.Severity
	counts   *counter
}

func (r *rule) matches(ev event.Event) bool {
	if !slices.Contains(r.types, ev.Type) {
		return false
	}
	if len(r.actions) == 0 || !ev.Type.IsSession() {
		return true
	}
	s, ok := ev.Session()
	return ok && slices.Contains(r.actions, s.Action)
}

// tableModule is a Module driven by a rule table. SSH, HTTP and FTP are
// all instances with different tables, sources and ports.
type tableModule struct {
	name    string
	sources []event.Source
	ports   []int
	window  time.Duration
	rules   []*rule
	gate    *cooldown.Gate

	mu    sync.Mutex
	stats ModuleStats
}

// NewModule builds a module from its configuration.
func NewModule(cfg config.ModuleConfig) (Module, error) {
	m := &tableModule{
		name:   cfg.Name,
		ports:  slices.Clone(cfg.Ports),
		window: cfg.Window,
		gate:   cooldown.New(cfg.Cooldown, 65536),
	}
	for _, s := range cfg.Sources {
		src := event.Source(s)
		if !src.IsValid() {
			return nil, fmt.Errorf("module %s: unknown source %q", cfg.Name, s)
		}
		m.sources = append(m.sources, src)
	}
	for _, rc := range cfg.Rules {
		r := &rule{
			cfg:      rc,
			actions:  rc.SessionActions,
			severity: event.Severity(rc.Severity),
			counts:   newCounter(cfg.Window),
		}
		if r.severity.Rank() == 0 {
			return nil, fmt.Errorf("module %s rule %s: unknown severity %q", cfg.Name, rc.ID, rc.Severity)
		}
		for _, t := range rc.EventTypes {
			et := event.Type(t)
			if !et.IsValid() {
				return nil, fmt.Errorf("module %s rule %s: unknown event type %q", cfg.Name, rc.ID, t)
			}
			r.types = append(r.types, et)
		}
		m.rules = append(m.rules, r)
	}
	return m, nil
}

func (m *tableModule) Name() string { return m.name }

func (m *tableModule) Handles(ev event.Event) bool {
	if slices.Contains(m.sources, ev.Source) {
		return true
	}
	if p := ev.DstPort(); p != 0 {
		return slices.Contains(m.ports, p)
	}
	if sw, ok := ev.Meta.(event.SweepMeta); ok {
		for _, p := range strings.Split(sw.Ports, ",") {
			if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil && slices.Contains(m.ports, n) {
				return true
			}
		}
	}
	return false
}

func (m *tableModule) Evaluate(ev event.Event, now time.Time) (Finding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Evaluated++

	at := ev.Timestamp
	if at.IsZero() || at.After(now) {
		at = now
	}

	// Every matching rule counts the event, so a lower-priority rule's
	// window is current even while a higher one fires.
	var hit *rule
	hitCount := 0
	for _, r := range m.rules {
		if !r.matches(ev) {
			continue
		}
		n := r.counts.add(ev.SrcIP, at, ev.Magnitude())
		if hit == nil && n >= r.cfg.MinCount {
			hit, hitCount = r, n
		}
	}
	if hit == nil {
		return Finding{}, false
	}

	if !m.gate.Allow(ev.SrcIP, m.name+"."+hit.cfg.ID, at) {
		m.stats.Suppressed++
		return Finding{}, false
	}
	m.stats.Findings++

	vars := m.placeholders(ev, hitCount)
	commands := make([]string, 0, len(hit.cfg.Commands))
	for _, c := range hit.cfg.Commands {
		commands = append(commands, render(c, vars))
	}
	return Finding{
		Module:     m.name,
		RuleID:     hit.cfg.ID,
		Count:      hitCount,
		Severity:   hit.severity,
		Confidence: event.ClampConfidence(hit.cfg.Confidence),
		Summary:    render(hit.cfg.Summary, vars),
		Tags:       event.TagSet(append(slices.Clone(hit.cfg.Tags), m.name)...),
		Commands:   commands,
		Mitigation: hit.cfg.Mitigation,
	}, true
}

func (m *tableModule) placeholders(ev event.Event, count int) map[string]string {
	port := ev.DstPort()
	if port == 0 && len(m.ports) > 0 {
		port = m.ports[0]
	}
	user, command := "unknown", "unknown"
	if s, ok := ev.Session(); ok {
		if s.Username != "" {
			user = s.Username
		}
		switch {
		case s.Command != "":
			command = s.Command
		case s.URL != "":
			command = s.URL
		}
	}
	return map[string]string{
		"ip":      ev.SrcIP,
		"count":   strconv.Itoa(count),
		"window":  formatWindow(m.window),
		"port":    strconv.Itoa(port),
		"user":    user,
		"command": command,
	}
}

func (m *tableModule) GC(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rules {
		n += r.counts.gc(now)
	}
	return n
}

func (m *tableModule) Stats() ModuleStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// render substitutes {name} placeholders from vars. Unknown placeholders
// are left as written.
func render(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

func formatWindow(d time.Duration) string {
	if d%time.Minute == 0 && d >= time.Minute {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}
