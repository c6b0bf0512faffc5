package scoring

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"ghostwall/internal/config"
)

// MetricName identifies one of the score inputs.
type MetricName string

const (
	FailRate        MetricName = "fail_rate"
	ConnRate        MetricName = "conn_rate"
	UniqueIPs       MetricName = "unique_ips"
	RepeatOffenders MetricName = "repeat_offenders"
	BanEvents       MetricName = "ban_events"
)

// MetricNames lists the metrics in reporting order.
var MetricNames = []MetricName{FailRate, ConnRate, UniqueIPs, RepeatOffenders, BanEvents}

type metricKind int

const (
	kindSum metricKind = iota
	kindDistinct
	kindRepeat
)

type point struct {
	at  time.Time
	key string
	n   float64
}

// window is the sliding sample store behind one metric. Samples arriving
// in the same second for the same key are coalesced.
type window struct {
	name   MetricName
	kind   metricKind
	weight float64
	cap    float64
	span   time.Duration
	repeat int

	points []point
}

func newWindow(name MetricName, kind metricKind, cfg config.MetricConfig, repeat int) *window {
	return &window{
		name:   name,
		kind:   kind,
		weight: cfg.Weight,
		cap:    cfg.Cap,
		span:   cfg.Window,
		repeat: repeat,
	}
}

func (w *window) add(at time.Time, key string, n float64) {
	if last := len(w.points) - 1; last >= 0 {
		p := &w.points[last]
		if p.key == key && p.at.Unix() == at.Unix() {
			p.n += n
			return
		}
	}
	w.points = append(w.points, point{at: at, key: key, n: n})
}

// purge drops samples older than now-span. Order is not assumed.
func (w *window) purge(now time.Time) {
	cutoff := now.Add(-w.span)
	kept := w.points[:0]
	for _, p := range w.points {
		if !p.at.Before(cutoff) {
			kept = append(kept, p)
		}
	}
	for i := len(kept); i < len(w.points); i++ {
		w.points[i] = point{}
	}
	w.points = kept
}

func (w *window) value() float64 {
	switch w.kind {
	case kindDistinct:
		seen := make(map[string]struct{})
		for _, p := range w.points {
			seen[p.key] = struct{}{}
		}
		return float64(len(seen))
	case kindRepeat:
		per := make(map[string]float64)
		for _, p := range w.points {
			per[p.key] += p.n
		}
		repeat := 0
		for _, n := range per {
			if n >= float64(w.repeat) {
				repeat++
			}
		}
		return float64(repeat)
	default:
		var sum float64
		for _, p := range w.points {
			sum += p.n
		}
		return sum
	}
}

// top returns the n keys with the largest totals, ties broken by key.
func (w *window) top(n int) []UserCount {
	per := make(map[string]float64)
	for _, p := range w.points {
		per[p.key] += p.n
	}
	out := make([]UserCount, 0, len(per))
	for k, v := range per {
		out = append(out, UserCount{Username: k, Count: int(v)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Username < out[j].Username
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// contribution is min(value/cap, 1) * weight * 100.
func (w *window) contribution(value float64) float64 {
	if w.cap <= 0 {
		return 0
	}
	return min(value/w.cap, 1.0) * w.weight * 100
}

// MetricStatus is the read model of one metric.
type MetricStatus struct {
	Name         MetricName `json:"name"`
	Value        float64    `json:"value"`
	Cap          float64    `json:"cap"`
	Weight       float64    `json:"weight"`
	WindowSecs   float64    `json:"window_s"`
	Contribution float64    `json:"contribution"`
}

var whyLabels = map[MetricName]string{
	FailRate:        "fail",
	ConnRate:        "conn",
	UniqueIPs:       "uniq IPs",
	RepeatOffenders: "repeat",
	BanEvents:       "bans",
}

// explain renders the metric values as one line, e.g.
// "fail 12/1m, conn 3/1m, uniq IPs 4/10m, repeat 1/1h, bans 0/10m".
func explain(metrics []MetricStatus) string {
	parts := make([]string, 0, len(metrics))
	for _, m := range metrics {
		value := strconv.FormatFloat(m.Value, 'f', -1, 64)
		parts = append(parts, fmt.Sprintf("%s %s/%s", whyLabels[m.Name], value, span(m.WindowSecs)))
	}
	return strings.Join(parts, ", ")
}

func span(secs float64) string {
	d := time.Duration(secs * float64(time.Second))
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return strconv.Itoa(int(d/time.Hour)) + "h"
	case d >= time.Minute && d%time.Minute == 0:
		return strconv.Itoa(int(d/time.Minute)) + "m"
	}
	return strconv.Itoa(int(d/time.Second)) + "s"
}
