// Package firewall applies address bans and per-service rate limits through
// nftables or iptables, with a no-op backend for detect-only deployments.
package firewall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"ghostwall/internal/config"
)

// Backend names.
const (
	BackendAuto     = "auto"
	BackendNftables = "nftables"
	BackendIptables = "iptables"
	BackendNoop     = "noop"
)

var (
	// ErrInvalidAddress is returned for addresses that must never be banned.
	ErrInvalidAddress = errors.New("invalid address for firewall rule")
	// ErrTimeout is returned when a firewall command exceeds its deadline.
	ErrTimeout = errors.New("firewall command timed out")
	// ErrNoBackend is returned by auto-detection when no tool is usable.
	ErrNoBackend = errors.New("no firewall backend available")
)

// Backend bans and unbans single addresses. Available reports whether the
// host tool still answers.
type Backend interface {
	Name() string
	Available(ctx context.Context) error
	Block(ctx context.Context, addr netip.Addr, d time.Duration) error
	Unblock(ctx context.Context, addr netip.Addr) error
}

// RateLimit caps new connections from one address to one service port.
type RateLimit struct {
	Addr      netip.Addr `json:"src_ip"`
	Port      int        `json:"port"`
	PerMinute int        `json:"per_minute"`
}

// RateLimiter is implemented by backends that can throttle instead of ban.
// ApplyRateLimits replaces the whole active set; an empty set clears it.
type RateLimiter interface {
	ApplyRateLimits(ctx context.Context, limits []RateLimit) error
}

// ValidateAddr rejects addresses that must never be banned.
func ValidateAddr(addr netip.Addr) error {
	if !addr.IsValid() || addr.IsLoopback() || addr.IsUnspecified() || addr.IsMulticast() {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	return nil
}

var validName = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,32}$`)

// ValidateName checks a table, set or chain name before it reaches a
// command line.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid firewall object name %q", name)
	}
	return nil
}

// runFunc executes a firewall tool and returns its combined output.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// commander serializes tool invocations and applies the per-call timeout.
type commander struct {
	mu      sync.Mutex
	run     runFunc
	timeout time.Duration
}

func (c *commander) exec(ctx context.Context, name string, args ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.run(ctx, name, args...)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s %s", ErrTimeout, name, strings.Join(args, " "))
	}
	if err != nil {
		return fmt.Errorf("%s %s: %s: %w", name, args[0], strings.TrimSpace(string(out)), err)
	}
	return nil
}

// New builds the configured backend. "auto" prefers nftables and falls
// back to iptables; when neither responds it returns ErrNoBackend.
func New(ctx context.Context, cfg config.FirewallConfig, logger *slog.Logger) (Backend, error) {
	return newBackend(ctx, cfg, execRun, exec.LookPath, logger)
}

// managed is a host backend that can be prepared.
type managed interface {
	Backend
	setup(ctx context.Context) error
}

func newBackend(ctx context.Context, cfg config.FirewallConfig, run runFunc, lookPath func(string) (string, error), logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Backend == BackendNoop {
		return NewNoop(), nil
	}
	if err := ValidateName(cfg.Table); err != nil {
		return nil, err
	}
	if err := ValidateName(cfg.Set); err != nil {
		return nil, err
	}
	cmd := &commander{run: run, timeout: cfg.CommandTimeout}

	var candidates []managed
	switch cfg.Backend {
	case BackendNftables:
		candidates = []managed{newNftables(cfg, cmd, lookPath)}
	case BackendIptables:
		candidates = []managed{newIptables(cfg, cmd, lookPath)}
	default:
		candidates = []managed{newNftables(cfg, cmd, lookPath), newIptables(cfg, cmd, lookPath)}
	}

	var (
		b       managed
		lastErr error
	)
	for _, c := range candidates {
		if lastErr = c.Available(ctx); lastErr == nil {
			b = c
			break
		}
		logger.Debug("firewall backend unavailable", "backend", c.Name(), "error", lastErr)
	}
	if b == nil {
		return nil, fmt.Errorf("%w: %v", ErrNoBackend, lastErr)
	}

	if cfg.Setup {
		if err := b.setup(ctx); err != nil {
			return nil, fmt.Errorf("firewall setup %s: %w", b.Name(), err)
		}
	}
	logger.Info("firewall backend initialized", "backend", b.Name(), "setup", cfg.Setup)
	return b, nil
}

// Noop records bans and limits in memory without touching the host. A
// zero expiry is a permanent ban.
type Noop struct {
	mu      sync.Mutex
	blocked map[netip.Addr]time.Time
	limits  []RateLimit
	now     func() time.Time
}

// NewNoop creates a no-op backend.
func NewNoop() *Noop {
	return &Noop{blocked: make(map[netip.Addr]time.Time), now: time.Now}
}

func (n *Noop) Name() string { return BackendNoop }

func (n *Noop) Available(context.Context) error { return nil }

func (n *Noop) Block(_ context.Context, addr netip.Addr, d time.Duration) error {
	if err := ValidateAddr(addr); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	var until time.Time
	if d > 0 {
		until = n.now().Add(d)
	}
	n.blocked[addr] = until
	return nil
}

func (n *Noop) Unblock(_ context.Context, addr netip.Addr) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blocked, addr)
	return nil
}

func (n *Noop) ApplyRateLimits(_ context.Context, limits []RateLimit) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.limits = append([]RateLimit(nil), limits...)
	return nil
}

// Blocked reports whether addr is currently banned.
func (n *Noop) Blocked(addr netip.Addr) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	until, ok := n.blocked[addr]
	return ok && (until.IsZero() || n.now().Before(until))
}

// RateLimits returns the active rate limits.
func (n *Noop) RateLimits() []RateLimit {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]RateLimit(nil), n.limits...)
}
