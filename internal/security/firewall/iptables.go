package firewall

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"ghostwall/internal/config"
)

const (
	iptablesPath  = "iptables"
	ip6tablesPath = "ip6tables"
)

// Iptables bans with DROP rules in a dedicated chain jumped to from INPUT.
// iptables has no element timeouts; expiry relies on the caller's Unblock.
type Iptables struct {
	chain    string
	rlChain  string
	comment  string
	cmd      *commander
	lookPath func(string) (string, error)
}

func newIptables(cfg config.FirewallConfig, cmd *commander, lookPath func(string) (string, error)) *Iptables {
	name := strings.ToUpper(cfg.Table)
	return &Iptables{
		chain:    name + "_BAN",
		rlChain:  name + "_RL",
		comment:  cfg.Table + "-" + cfg.Set,
		cmd:      cmd,
		lookPath: lookPath,
	}
}

func (t *Iptables) Name() string { return BackendIptables }

func tool(addr netip.Addr) string {
	if addr.Is4() {
		return iptablesPath
	}
	return ip6tablesPath
}

// Available checks that iptables is installed and can list rules.
func (t *Iptables) Available(ctx context.Context) error {
	if _, err := t.lookPath(iptablesPath); err != nil {
		return err
	}
	return t.cmd.exec(ctx, iptablesPath, "-L", "-n")
}

func (t *Iptables) setup(ctx context.Context) error {
	for _, bin := range []string{iptablesPath, ip6tablesPath} {
		if _, err := t.lookPath(bin); err != nil {
			continue
		}
		for _, chain := range []string{t.chain, t.rlChain} {
			if err := t.cmd.exec(ctx, bin, "-N", chain); err != nil && !isExists(err) {
				return err
			}
			if err := t.cmd.exec(ctx, bin, "-C", "INPUT", "-j", chain); err != nil {
				if err := t.cmd.exec(ctx, bin, "-I", "INPUT", "1", "-j", chain); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (t *Iptables) rule(addr netip.Addr) []string {
	return []string{"-s", addr.String(), "-j", "DROP", "-m", "comment", "--comment", t.comment}
}

// Block inserts a DROP rule unless one already exists for addr.
func (t *Iptables) Block(ctx context.Context, addr netip.Addr, _ time.Duration) error {
	if err := ValidateAddr(addr); err != nil {
		return err
	}
	addr = addr.Unmap()
	bin := tool(addr)
	if err := t.cmd.exec(ctx, bin, append([]string{"-C", t.chain}, t.rule(addr)...)...); err == nil {
		return nil
	} else if errors.Is(err, ErrTimeout) {
		return err
	}
	return t.cmd.exec(ctx, bin, append([]string{"-I", t.chain, "1"}, t.rule(addr)...)...)
}

// Unblock deletes every DROP rule for addr.
func (t *Iptables) Unblock(ctx context.Context, addr netip.Addr) error {
	addr = addr.Unmap()
	bin := tool(addr)
	for i := 0; i < 16; i++ {
		err := t.cmd.exec(ctx, bin, append([]string{"-D", t.chain}, t.rule(addr)...)...)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				return err
			}
			return nil
		}
	}
	return nil
}

func (t *Iptables) ApplyRateLimits(ctx context.Context, limits []RateLimit) error {
	for _, bin := range []string{iptablesPath, ip6tablesPath} {
		if _, err := t.lookPath(bin); err != nil {
			continue
		}
		if err := t.cmd.exec(ctx, bin, "-F", t.rlChain); err != nil {
			return err
		}
	}
	for i, l := range limits {
		if ValidateAddr(l.Addr) != nil || l.PerMinute <= 0 {
			continue
		}
		addr := l.Addr.Unmap()
		args := []string{"-A", t.rlChain, "-s", addr.String(), "-p", "tcp"}
		if l.Port > 0 {
			args = append(args, "--dport", strconv.Itoa(l.Port))
		}
		args = append(args,
			"-m", "conntrack", "--ctstate", "NEW",
			"-m", "hashlimit",
			"--hashlimit-above", fmt.Sprintf("%d/minute", l.PerMinute),
			"--hashlimit-mode", "srcip",
			"--hashlimit-name", fmt.Sprintf("gw_rl_%d", i),
			"-j", "DROP")
		if err := t.cmd.exec(ctx, tool(addr), args...); err != nil {
			return err
		}
	}
	return nil
}

func isExists(err error) bool {
	return strings.Contains(err.Error(), "exists")
}

func isMissing(err error) bool {
	s := err.Error()
	return strings.Contains(s, "does not exist") || strings.Contains(s, "No such file")
}
