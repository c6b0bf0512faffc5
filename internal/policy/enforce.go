package policy

import (
	"context"
	"hash/fnv"
	"net/netip"
	"sort"
	"sync"
	"time"

	"ghostwall/internal/blocklist"
	"ghostwall/internal/config"
	"ghostwall/internal/event"
	"ghostwall/internal/security/firewall"
)

// Enforcement reasons beyond the ones shared with the event package.
const (
	reasonRateLimitUnsupported = "rate_limit_unsupported"
	reasonUnknownMitigation    = "unknown_mitigation"
	reasonAlreadyBlocked       = "already_blocked"
)

// hint is an active rate-limit request. A zero expires lasts until the
// threat level returns to GREEN.
type hint struct {
	limit   firewall.RateLimit
	expires time.Time
}

func parseAddr(ip string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.Addr{}, err
	}
	addr = addr.Unmap()
	return addr, firewall.ValidateAddr(addr)
}

func (e *Engine) lockFor(addr netip.Addr) *sync.Mutex {
	h := fnv.New32a()
	h.Write(addr.AsSlice())
	return &e.locks[h.Sum32()%uint32(len(e.locks))]
}

// enforce applies m for ip and reports the outcome. Calls for the same
// address are serialized.
func (e *Engine) enforce(ctx context.Context, ip string, src event.Source, port int, m config.MitigationConfig, reason string) event.Enforcement {
	if e.cfg.Mode != config.ModeAutoBlock {
		return event.Enforcement{Applied: false, Reason: event.ReasonDetectMode}
	}
	if m.Action == "" {
		return event.Enforcement{Applied: false, Reason: event.ReasonNoMitigation}
	}
	addr, err := parseAddr(ip)
	if err != nil {
		return event.Enforcement{Applied: false, Reason: event.ReasonInvalidIP}
	}

	mu := e.lockFor(addr)
	mu.Lock()
	defer mu.Unlock()

	var out event.Enforcement
	switch m.Action {
	case "block_ip":
		out = e.block(ctx, addr, src, m.Duration, reason)
	case "rate_limit":
		if port == 0 {
			port = servicePort(src)
		}
		var expires time.Time
		if m.Duration > 0 {
			expires = e.now().Add(m.Duration)
		}
		e.setHint(addr, port, m.LimitPerMinute, expires)
		out = e.applyRateLimits(ctx)
	default:
		out = event.Enforcement{Applied: false, Reason: reasonUnknownMitigation}
	}

	if out.Applied {
		e.applied.Add(1)
	} else {
		e.enforceFailures.Add(1)
	}
	return out
}

// block calls the firewall and, on success, records the ban. A live ban
// that already outlasts the request is left alone, so the firewall timeout
// never drops below the block-list expiry. A block-list persist failure
// does not undo an applied firewall block.
func (e *Engine) block(ctx context.Context, addr netip.Addr, src event.Source, d time.Duration, reason string) event.Enforcement {
	if cur, ok := e.blocklist.Lookup(addr); ok && !extends(cur, e.now(), d) {
		e.logger.Debug("address already blocked", "src_ip", cur.SrcIP, "expires_at", cur.ExpiresAt)
		return event.Enforcement{Applied: true, Reason: reasonAlreadyBlocked}
	}

	if err := e.fw.Block(ctx, addr, d); err != nil {
		e.logger.Warn("firewall block failed", "src_ip", addr.String(), "backend", e.fw.Name(), "error", err)
		return event.Enforcement{Applied: false, Reason: err.Error()}
	}

	entry, created, err := e.blocklist.Ban(ctx, addr, reason, d)
	if err != nil {
		e.logger.Error("block-list persist failed", "src_ip", addr.String(), "error", err)
	}
	e.logger.Debug("block-list updated", "src_ip", entry.SrcIP, "created", created, "expires_at", entry.ExpiresAt)

	if !src.IsValid() {
		src = event.SourceNet
	}
	e.sink(event.New(event.TypeBan, src, addr.String(), e.now(), event.BanMeta{Reason: reason, Duration: d}))
	return event.Enforcement{Applied: true, Reason: "applied:" + e.fw.Name()}
}

// extends reports whether a ban of d starting at now ends after cur.
// d <= 0 is permanent.
func extends(cur blocklist.Entry, now time.Time, d time.Duration) bool {
	if cur.Permanent() {
		return false
	}
	if d <= 0 {
		return true
	}
	return now.Add(d).After(*cur.ExpiresAt)
}

func (e *Engine) setHint(addr netip.Addr, port, perMinute int, expires time.Time) {
	e.hintMu.Lock()
	defer e.hintMu.Unlock()

	cur, ok := e.hints[addr]
	if ok {
		// an open-ended hint outlives a timed one
		if cur.expires.IsZero() || (!expires.IsZero() && expires.Before(cur.expires)) {
			expires = cur.expires
		}
		if cur.limit.PerMinute < perMinute {
			perMinute = cur.limit.PerMinute
		}
	}
	e.hints[addr] = hint{
		limit:   firewall.RateLimit{Addr: addr, Port: port, PerMinute: perMinute},
		expires: expires,
	}
}

func (e *Engine) dropHint(addr netip.Addr) bool {
	e.hintMu.Lock()
	defer e.hintMu.Unlock()
	_, ok := e.hints[addr]
	delete(e.hints, addr)
	return ok
}

func (e *Engine) pruneHints(now time.Time) bool {
	e.hintMu.Lock()
	defer e.hintMu.Unlock()
	changed := false
	for addr, h := range e.hints {
		if !h.expires.IsZero() && !now.Before(h.expires) {
			delete(e.hints, addr)
			changed = true
		}
	}
	return changed
}

// RateLimits returns the active rate-limit hints ordered by address.
func (e *Engine) RateLimits() []firewall.RateLimit {
	e.hintMu.Lock()
	defer e.hintMu.Unlock()
	out := make([]firewall.RateLimit, 0, len(e.hints))
	for _, h := range e.hints {
		out = append(out, h.limit)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr.Less(out[j].Addr) })
	return out
}

// applyRateLimits pushes the whole active hint set to the firewall.
func (e *Engine) applyRateLimits(ctx context.Context) event.Enforcement {
	rl, ok := e.fw.(firewall.RateLimiter)
	if !ok {
		return event.Enforcement{Applied: false, Reason: reasonRateLimitUnsupported}
	}
	if err := rl.ApplyRateLimits(ctx, e.RateLimits()); err != nil {
		e.logger.Warn("failed to apply rate limits", "backend", e.fw.Name(), "error", err)
		return event.Enforcement{Applied: false, Reason: err.Error()}
	}
	return event.Enforcement{Applied: true, Reason: "applied:" + e.fw.Name()}
}

// reapplyRateLimits pushes the hint set again. With force unset an empty
// set is not pushed.
func (e *Engine) reapplyRateLimits(ctx context.Context, force bool) {
	if e.cfg.Mode != config.ModeAutoBlock {
		return
	}
	e.hintMu.Lock()
	n := len(e.hints)
	e.hintMu.Unlock()
	if n == 0 && !force {
		return
	}
	if out := e.applyRateLimits(ctx); out.Applied {
		e.logger.Info("rate limits applied", "count", n)
	}
}

// clearRateLimits drops every hint. Blocks are left alone.
func (e *Engine) clearRateLimits(ctx context.Context) {
	e.hintMu.Lock()
	n := len(e.hints)
	e.hints = make(map[netip.Addr]hint)
	e.hintMu.Unlock()

	if n == 0 || e.cfg.Mode != config.ModeAutoBlock {
		return
	}
	if out := e.applyRateLimits(ctx); out.Applied {
		e.logger.Info("rate limits cleared", "count", n)
	}
}
