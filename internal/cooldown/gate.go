// Package cooldown suppresses repeated alerts for the same source and
// detector within a configured interval.
package cooldown

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Key identifies an alerting pair.
type Key struct {
	SrcIP    string
	Detector string
}

// Gate remembers the last alert time per Key. Memory is bounded by an LRU;
// an evicted key behaves as if it never alerted.
type Gate struct {
	mu       sync.Mutex
	interval time.Duration
	last     *lru.Cache[Key, time.Time]

	allowed    atomic.Uint64
	suppressed atomic.Uint64
}

// New creates a Gate. capacity bounds the number of remembered keys.
func New(interval time.Duration, capacity int) *Gate {
	if capacity <= 0 {
		capacity = 65536
	}
	cache, _ := lru.New[Key, time.Time](capacity)
	return &Gate{interval: interval, last: cache}
}

// Allow reports whether an alert for (srcIP, detector) at time at may be
// emitted, and records it when it may. An alert dated before the last
// recorded one is always suppressed.
func (g *Gate) Allow(srcIP, detector string, at time.Time) bool {
	key := Key{SrcIP: srcIP, Detector: detector}

	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.last.Get(key); ok && at.Sub(prev) < g.interval {
		g.suppressed.Add(1)
		return false
	}
	g.last.Add(key, at)
	g.allowed.Add(1)
	return true
}

// Reset forgets every remembered alert.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last.Purge()
}

// Interval returns the suppression interval.
func (g *Gate) Interval() time.Duration {
	return g.interval
}

// Stats holds gate counters.
type Stats struct {
	Allowed    uint64 `json:"allowed"`
	Suppressed uint64 `json:"suppressed"`
	Tracked    int    `json:"tracked"`
}

// Stats returns gate counters.
func (g *Gate) Stats() Stats {
	return Stats{
		Allowed:    g.allowed.Load(),
		Suppressed: g.suppressed.Load(),
		Tracked:    g.last.Len(),
	}
}
