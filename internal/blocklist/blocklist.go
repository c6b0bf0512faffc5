// Package blocklist holds the persistent set of banned source addresses.
// Reads are lock-free snapshots; writes go through one mutex and are
// persisted before they are published.
package blocklist

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Entry is one banned address. A nil ExpiresAt means permanent.
type Entry struct {
	SrcIP     string     `json:"src_ip"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Permanent reports whether the entry never expires.
func (e Entry) Permanent() bool { return e.ExpiresAt == nil }

// Active reports whether the entry is in force at now.
func (e Entry) Active(now time.Time) bool {
	return e.ExpiresAt == nil || now.Before(*e.ExpiresAt)
}

// Store persists the whole entry set.
type Store interface {
	Load(ctx context.Context) ([]Entry, error)
	Save(ctx context.Context, entries []Entry) error
	Close() error
}

type snapshot map[netip.Addr]Entry

// List is the in-memory block-list backed by a Store.
type List struct {
	mu     sync.Mutex
	snap   atomic.Pointer[snapshot]
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Open loads the list from store. An unreadable store is not fatal: the
// list starts empty and a warning is logged. Seed addresses are added as
// permanent entries.
func Open(ctx context.Context, store Store, seed []string, logger *slog.Logger) (*List, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &List{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}

	snap := make(snapshot)
	entries, err := store.Load(ctx)
	if err != nil {
		logger.Warn("block-list unreadable, starting empty", "error", err)
		entries = nil
	}
	for _, e := range entries {
		addr, err := netip.ParseAddr(e.SrcIP)
		if err != nil {
			logger.Warn("dropping block-list entry with invalid address", "src_ip", e.SrcIP)
			continue
		}
		addr = addr.Unmap()
		e.SrcIP = addr.String()
		snap[addr] = e
	}

	seeded := 0
	for _, s := range seed {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("block-list seed %q: %w", s, err)
		}
		addr = addr.Unmap()
		if cur, ok := snap[addr]; ok && cur.Permanent() {
			continue
		}
		snap[addr] = Entry{SrcIP: addr.String(), Reason: "seed", CreatedAt: l.now()}
		seeded++
	}
	l.snap.Store(&snap)

	if seeded > 0 {
		if err := store.Save(ctx, snap.entries()); err != nil {
			logger.Warn("failed to persist block-list seed", "error", err)
		}
	}
	logger.Info("block-list loaded", "entries", len(snap), "seeded", seeded)
	return l, nil
}

func (s snapshot) entries() []Entry {
	out := make([]Entry, 0, len(s))
	for _, e := range s {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SrcIP < out[j].SrcIP })
	return out
}

func (s snapshot) clone() snapshot {
	out := make(snapshot, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	return out
}

// SetClock replaces the time source used for expiry. Call it before the
// list is shared.
func (l *List) SetClock(now func() time.Time) {
	l.now = now
}

// Lookup returns the entry for addr if it is in force now. Expiry is
// checked at read time, so an expired entry never refuses a connection
// even before the sweeper removes it.
func (l *List) Lookup(addr netip.Addr) (Entry, bool) {
	e, ok := (*l.snap.Load())[addr.Unmap()]
	if !ok || !e.Active(l.now()) {
		return Entry{}, false
	}
	return e, true
}

// Blocked reports whether addr is banned now.
func (l *List) Blocked(addr netip.Addr) bool {
	_, ok := l.Lookup(addr)
	return ok
}

// Ban adds or extends a ban. d <= 0 makes the ban permanent. Banning an
// address with a live ban never duplicates it: expires_at moves to the
// later of the two and a permanent ban stays permanent. created reports
// whether a new entry was written.
func (l *List) Ban(ctx context.Context, addr netip.Addr, reason string, d time.Duration) (entry Entry, created bool, err error) {
	addr = addr.Unmap()
	if !addr.IsValid() {
		return Entry{}, false, fmt.Errorf("ban: invalid address")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var expires *time.Time
	if d > 0 {
		t := now.Add(d)
		expires = &t
	}

	next := (*l.snap.Load()).clone()
	cur, ok := next[addr]
	switch {
	case ok && cur.Active(now):
		if cur.Permanent() {
			return cur, false, nil
		}
		if expires == nil || expires.After(*cur.ExpiresAt) {
			cur.ExpiresAt = expires
		} else {
			return cur, false, nil
		}
		entry = cur
	default:
		entry = Entry{SrcIP: addr.String(), Reason: reason, CreatedAt: now, ExpiresAt: expires}
		created = true
	}
	next[addr] = entry

	if err := l.store.Save(ctx, next.entries()); err != nil {
		l.snap.Store(&next)
		return entry, created, fmt.Errorf("persist block-list: %w", err)
	}
	l.snap.Store(&next)
	return entry, created, nil
}

// Remove deletes the entry for addr. It reports whether one existed.
func (l *List) Remove(ctx context.Context, addr netip.Addr) (bool, error) {
	addr = addr.Unmap()

	l.mu.Lock()
	defer l.mu.Unlock()

	next := (*l.snap.Load()).clone()
	if _, ok := next[addr]; !ok {
		return false, nil
	}
	delete(next, addr)
	l.snap.Store(&next)
	if err := l.store.Save(ctx, next.entries()); err != nil {
		return true, fmt.Errorf("persist block-list: %w", err)
	}
	return true, nil
}

// Expired returns the addresses whose entries have expired but are still
// stored.
func (l *List) Expired() []netip.Addr {
	now := l.now()
	var out []netip.Addr
	for addr, e := range *l.snap.Load() {
		if !e.Active(now) {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Expire removes the entry for addr only if it is expired now. A ban that
// was renewed since Expired was read is kept and removed reports false.
func (l *List) Expire(ctx context.Context, addr netip.Addr) (entry Entry, removed bool, err error) {
	addr = addr.Unmap()

	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := (*l.snap.Load())[addr]
	if !ok || cur.Active(l.now()) {
		return Entry{}, false, nil
	}
	next := (*l.snap.Load()).clone()
	delete(next, addr)
	l.snap.Store(&next)
	if err := l.store.Save(ctx, next.entries()); err != nil {
		return cur, true, fmt.Errorf("persist block-list: %w", err)
	}
	return cur, true, nil
}

// Entries returns the entries in force now, ordered by address.
func (l *List) Entries() []Entry {
	now := l.now()
	all := l.snap.Load().entries()
	out := all[:0]
	for _, e := range all {
		if e.Active(now) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of stored entries, expired or not.
func (l *List) Len() int {
	return len(*l.snap.Load())
}

// Close closes the backing store.
func (l *List) Close() error {
	return l.store.Close()
}
