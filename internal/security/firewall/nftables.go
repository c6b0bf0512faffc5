package firewall

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"ghostwall/internal/config"
)

const nftPath = "nft"

// Nftables keeps bans in two timeout sets (v4 and v6) of an inet table and
// rate limits in a dedicated chain that is rebuilt on every update.
type Nftables struct {
	table    string
	set      string
	cmd      *commander
	lookPath func(string) (string, error)
}

func newNftables(cfg config.FirewallConfig, cmd *commander, lookPath func(string) (string, error)) *Nftables {
	return &Nftables{table: cfg.Table, set: cfg.Set, cmd: cmd, lookPath: lookPath}
}

func (n *Nftables) Name() string { return BackendNftables }

func (n *Nftables) setFor(addr netip.Addr) string {
	if addr.Is4() {
		return n.set
	}
	return n.set + "_v6"
}

// Available checks that nft is installed and can list tables.
func (n *Nftables) Available(ctx context.Context) error {
	if _, err := n.lookPath(nftPath); err != nil {
		return err
	}
	return n.cmd.exec(ctx, nftPath, "list", "tables")
}

func (n *Nftables) setup(ctx context.Context) error {
	steps := [][]string{
		{"add", "table", "inet", n.table},
		{"add", "set", "inet", n.table, n.set, "{ type ipv4_addr; flags timeout; }"},
		{"add", "set", "inet", n.table, n.set + "_v6", "{ type ipv6_addr; flags timeout; }"},
		{"add", "chain", "inet", n.table, "input", "{ type filter hook input priority -10; policy accept; }"},
		{"flush", "chain", "inet", n.table, "input"},
		{"add", "rule", "inet", n.table, "input", "ip", "saddr", "@" + n.set, "drop"},
		{"add", "rule", "inet", n.table, "input", "ip6", "saddr", "@" + n.set + "_v6", "drop"},
		{"add", "chain", "inet", n.table, "ratelimit", "{ type filter hook input priority -5; policy accept; }"},
	}
	for _, args := range steps {
		if err := n.cmd.exec(ctx, nftPath, args...); err != nil {
			return err
		}
	}
	return nil
}

// Block adds addr to the ban set with an element timeout. Re-adding an
// element that is already present refreshes nothing, so it is deleted
// first.
func (n *Nftables) Block(ctx context.Context, addr netip.Addr, d time.Duration) error {
	if err := ValidateAddr(addr); err != nil {
		return err
	}
	addr = addr.Unmap()
	_ = n.cmd.exec(ctx, nftPath, "delete", "element", "inet", n.table, n.setFor(addr), fmt.Sprintf("{ %s }", addr))

	element := fmt.Sprintf("{ %s timeout %ds }", addr, max(int(d.Seconds()), 1))
	return n.cmd.exec(ctx, nftPath, "add", "element", "inet", n.table, n.setFor(addr), element)
}

func (n *Nftables) Unblock(ctx context.Context, addr netip.Addr) error {
	addr = addr.Unmap()
	err := n.cmd.exec(ctx, nftPath, "delete", "element", "inet", n.table, n.setFor(addr), fmt.Sprintf("{ %s }", addr))
	if err != nil && isMissing(err) {
		return nil
	}
	return err
}

func (n *Nftables) ApplyRateLimits(ctx context.Context, limits []RateLimit) error {
	if err := n.cmd.exec(ctx, nftPath, "flush", "chain", "inet", n.table, "ratelimit"); err != nil {
		return err
	}
	for _, l := range limits {
		if ValidateAddr(l.Addr) != nil || l.PerMinute <= 0 {
			continue
		}
		addr := l.Addr.Unmap()
		family := "ip"
		if addr.Is6() {
			family = "ip6"
		}
		args := []string{"add", "rule", "inet", n.table, "ratelimit", family, "saddr", addr.String()}
		if l.Port > 0 {
			args = append(args, "tcp", "dport", strconv.Itoa(l.Port))
		}
		args = append(args, "ct", "state", "new", "limit", "rate", "over", strconv.Itoa(l.PerMinute)+"/minute", "drop")
		if err := n.cmd.exec(ctx, nftPath, args...); err != nil {
			return err
		}
	}
	return nil
}
