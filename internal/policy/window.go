package policy

import (
	"sort"
	"sync"
	"time"

	"ghostwall/internal/event"
)

type sample struct {
	at time.Time
	n  int
}

// counter sums per-key samples over a sliding window. Not safe for
// concurrent use.
type counter struct {
	window time.Duration
	keys   map[string][]sample
}

func newCounter(window time.Duration) *counter {
	return &counter{window: window, keys: make(map[string][]sample)}
}

// add appends a sample and returns the key's sum within the window ending
// at the newest sample.
func (c *counter) add(key string, at time.Time, n int) int {
	s := append(c.keys[key], sample{at: at, n: n})
	// keep order under out-of-order arrival
	for i := len(s) - 1; i > 0 && s[i].at.Before(s[i-1].at); i-- {
		s[i], s[i-1] = s[i-1], s[i]
	}
	s = trim(s, s[len(s)-1].at.Add(-c.window))
	c.keys[key] = s
	return sum(s)
}

func (c *counter) gc(now time.Time) int {
	cutoff := now.Add(-c.window)
	dropped := 0
	for k, s := range c.keys {
		if s = trim(s, cutoff); len(s) == 0 {
			delete(c.keys, k)
			dropped++
		} else {
			c.keys[k] = s
		}
	}
	return dropped
}

func trim(s []sample, cutoff time.Time) []sample {
	i := 0
	for i < len(s) && !s[i].at.After(cutoff) {
		i++
	}
	return s[i:]
}

func sum(s []sample) int {
	total := 0
	for _, x := range s {
		total += x.n
	}
	return total
}

// Offender is a source ranked by recent event volume.
type Offender struct {
	SrcIP    string       `json:"src_ip"`
	Events   int          `json:"events"`
	Source   event.Source `json:"source"`
	DstPort  int          `json:"dst_port,omitempty"`
	LastSeen time.Time    `json:"last_seen"`
}

// offenders tracks event volume per source address for escalation.
type offenders struct {
	mu     sync.Mutex
	counts *counter
	last   map[string]Offender
}

func newOffenders(window time.Duration) *offenders {
	return &offenders{counts: newCounter(window), last: make(map[string]Offender)}
}

func (o *offenders) observe(ev event.Event, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.counts.add(ev.SrcIP, at, ev.Magnitude())
	cur := o.last[ev.SrcIP]
	if at.Before(cur.LastSeen) {
		return
	}
	cur.SrcIP = ev.SrcIP
	cur.Source = ev.Source
	cur.LastSeen = at
	if p := ev.DstPort(); p != 0 {
		cur.DstPort = p
	}
	o.last[ev.SrcIP] = cur
}

// top returns up to n sources with the most events in the window ending at
// now, ties broken by address.
func (o *offenders) top(n int, now time.Time) []Offender {
	o.mu.Lock()
	defer o.mu.Unlock()

	cutoff := now.Add(-o.counts.window)
	out := make([]Offender, 0, len(o.counts.keys))
	for ip, s := range o.counts.keys {
		total := sum(trim(s, cutoff))
		if total == 0 {
			continue
		}
		off := o.last[ip]
		off.Events = total
		out = append(out, off)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Events != out[j].Events {
			return out[i].Events > out[j].Events
		}
		return out[i].SrcIP < out[j].SrcIP
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func (o *offenders) gc(now time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.counts.gc(now)
	for ip := range o.last {
		if _, ok := o.counts.keys[ip]; !ok {
			delete(o.last, ip)
		}
	}
	return n
}
