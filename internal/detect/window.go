package detect

import "time"

type sample struct {
	at    time.Time
	value int
}

// series is a per-key list of recent samples. Samples are appended first
// and trimmed against the newest timestamp seen, so late or bursty
// arrivals inside the window are never lost.
type series struct {
	samples []sample
	latest  time.Time
}

func (s *series) add(at time.Time, value int, window time.Duration) {
	if at.After(s.latest) {
		s.latest = at
	}
	s.samples = append(s.samples, sample{at: at, value: value})
	s.trim(window)
}

func (s *series) trim(window time.Duration) {
	cutoff := s.latest.Add(-window)
	kept := s.samples[:0]
	for _, smp := range s.samples {
		if !smp.at.Before(cutoff) {
			kept = append(kept, smp)
		}
	}
	s.samples = kept
}

func (s *series) count() int {
	return len(s.samples)
}

// distinct returns the number of distinct values and up to limit of them
// in first-seen order.
func (s *series) distinct(limit int) (int, []int) {
	seen := make(map[int]struct{}, len(s.samples))
	var firstSeen []int
	for _, smp := range s.samples {
		if _, ok := seen[smp.value]; ok {
			continue
		}
		seen[smp.value] = struct{}{}
		if len(firstSeen) < limit {
			firstSeen = append(firstSeen, smp.value)
		}
	}
	return len(seen), firstSeen
}

// tracker keeps one series per key.
type tracker struct {
	window time.Duration
	keys   map[string]*series
}

func newTracker(window time.Duration) *tracker {
	return &tracker{window: window, keys: make(map[string]*series)}
}

func (t *tracker) add(key string, at time.Time, value int) *series {
	s, ok := t.keys[key]
	if !ok {
		s = &series{}
		t.keys[key] = s
	}
	s.add(at, value, t.window)
	return s
}

// gc drops keys whose newest sample is older than the window.
func (t *tracker) gc(now time.Time) int {
	removed := 0
	for k, s := range t.keys {
		if now.Sub(s.latest) > t.window {
			delete(t.keys, k)
			removed++
		}
	}
	return removed
}

func (t *tracker) len() int {
	return len(t.keys)
}
