// Package detect holds the window-based signal detectors that turn raw
// traffic observations into security events.
package detect

import (
	"net"
	"strconv"
	"strings"
	"time"

	"ghostwall/internal/config"
	"ghostwall/internal/cooldown"
	"ghostwall/internal/event"
	"ghostwall/internal/sensor"
)

// Detector IDs used as cooldown keys.
const (
	IDARPScan   = "arp_scan"
	IDPortSweep = "port_sweep"
	IDBrute     = "brute_force"
	IDHTTPProbe = "http_probe"
	IDHTTPBrute = "http_brute"
)

// Detector analyzes one observation stream. Implementations are not safe
// for concurrent use; a Runner is their single consumer.
type Detector interface {
	Name() string
	Observe(o sensor.Observation) []event.Event
	GC(now time.Time) int
}

type gated struct {
	gate *cooldown.Gate
}

func (g gated) emit(id string, ev event.Event) []event.Event {
	if g.gate != nil && !g.gate.Allow(ev.SrcIP, id, ev.Timestamp) {
		return nil
	}
	return []event.Event{ev}
}

// ARPScan counts ARP requests per sender.
type ARPScan struct {
	gated
	cfg   config.WindowThreshold
	track *tracker
	macs  map[string]string
}

// NewARPScan creates an ARP-scan detector.
func NewARPScan(cfg config.WindowThreshold, gate *cooldown.Gate) *ARPScan {
	return &ARPScan{
		gated: gated{gate},
		cfg:   cfg,
		track: newTracker(cfg.Window),
		macs:  make(map[string]string),
	}
}

func (d *ARPScan) Name() string { return IDARPScan }

func (d *ARPScan) Observe(o sensor.Observation) []event.Event {
	if !o.IsARPRequest() || o.SrcIP == "" || o.SrcIP == "0.0.0.0" {
		return nil
	}
	s := d.track.add(o.SrcIP, o.At, 0)
	if o.SrcMAC != "" {
		d.macs[o.SrcIP] = o.SrcMAC
	}
	if s.count() < d.cfg.Threshold {
		return nil
	}
	ev := event.New(event.TypeARPScan, event.SourceARP, o.SrcIP, o.At, event.ARPMeta{
		SrcMAC: d.macs[o.SrcIP],
		Count:  s.count(),
		Window: d.cfg.Window,
	})
	return d.emit(IDARPScan, ev)
}

func (d *ARPScan) GC(now time.Time) int {
	n := d.track.gc(now)
	for ip := range d.macs {
		if _, ok := d.track.keys[ip]; !ok {
			delete(d.macs, ip)
		}
	}
	return n
}

// PortSweep counts distinct destination ports per source.
type PortSweep struct {
	gated
	cfg   config.WindowThreshold
	track *tracker
}

// NewPortSweep creates a port-sweep detector.
func NewPortSweep(cfg config.WindowThreshold, gate *cooldown.Gate) *PortSweep {
	return &PortSweep{gated: gated{gate}, cfg: cfg, track: newTracker(cfg.Window)}
}

func (d *PortSweep) Name() string { return IDPortSweep }

func (d *PortSweep) Observe(o sensor.Observation) []event.Event {
	switch {
	case o.IsConnectionAttempt():
	case o.Proto == sensor.ProtoUDP:
	default:
		return nil
	}
	s := d.track.add(o.SrcIP, o.At, o.DstPort)
	n, ports := s.distinct(10)
	if n < d.cfg.Threshold {
		return nil
	}
	sample := make([]string, len(ports))
	for i, p := range ports {
		sample[i] = strconv.Itoa(p)
	}
	ev := event.New(event.TypePortSweep, event.SourceNet, o.SrcIP, o.At, event.SweepMeta{
		Distinct: n,
		Ports:    strings.Join(sample, ","),
		Window:   d.cfg.Window,
	})
	return d.emit(IDPortSweep, ev)
}

func (d *PortSweep) GC(now time.Time) int { return d.track.gc(now) }

// Brute counts connection attempts per (source, destination port). Ports
// owned by the HTTP probe detector are skipped.
type Brute struct {
	gated
	cfg   config.WindowThreshold
	skip  map[int]bool
	track *tracker
}

// NewBrute creates a SYN/brute-force detector.
func NewBrute(cfg config.WindowThreshold, skipPorts []int, gate *cooldown.Gate) *Brute {
	skip := make(map[int]bool, len(skipPorts))
	for _, p := range skipPorts {
		skip[p] = true
	}
	return &Brute{gated: gated{gate}, cfg: cfg, skip: skip, track: newTracker(cfg.Window)}
}

func (d *Brute) Name() string { return IDBrute }

func (d *Brute) Observe(o sensor.Observation) []event.Event {
	if !o.IsConnectionAttempt() || d.skip[o.DstPort] {
		return nil
	}
	key := net.JoinHostPort(o.SrcIP, strconv.Itoa(o.DstPort))
	s := d.track.add(key, o.At, o.DstPort)
	if s.count() < d.cfg.Threshold {
		return nil
	}
	ev := event.New(event.TypeBruteForce, event.SourceForPort(o.DstPort), o.SrcIP, o.At, event.BruteForceMeta{
		DstPort: o.DstPort,
		Count:   s.count(),
		Window:  d.cfg.Window,
	})
	return d.emit(IDBrute, ev)
}

func (d *Brute) GC(now time.Time) int { return d.track.gc(now) }

// HTTPProbe counts connections to web ports per source and escalates to a
// brute-force classification at a higher rate.
type HTTPProbe struct {
	gated
	cfg   config.HTTPProbeConfig
	ports map[int]bool
	track *tracker
}

// NewHTTPProbe creates an HTTP-probe detector.
func NewHTTPProbe(cfg config.HTTPProbeConfig, gate *cooldown.Gate) *HTTPProbe {
	ports := make(map[int]bool, len(cfg.Ports))
	for _, p := range cfg.Ports {
		ports[p] = true
	}
	return &HTTPProbe{gated: gated{gate}, cfg: cfg, ports: ports, track: newTracker(cfg.Window)}
}

func (d *HTTPProbe) Name() string { return IDHTTPProbe }

func (d *HTTPProbe) Observe(o sensor.Observation) []event.Event {
	if !o.IsConnectionAttempt() || !d.ports[o.DstPort] {
		return nil
	}
	s := d.track.add(o.SrcIP, o.At, o.DstPort)
	n := s.count()
	switch {
	case n >= d.cfg.BruteThreshold:
		ev := event.New(event.TypeBruteForce, event.SourceHTTP, o.SrcIP, o.At, event.BruteForceMeta{
			DstPort: o.DstPort,
			Count:   n,
			Window:  d.cfg.Window,
		})
		return d.emit(IDHTTPBrute, ev)
	case n >= d.cfg.Threshold:
		ev := event.New(event.TypeHTTPProbe, event.SourceHTTP, o.SrcIP, o.At, event.ProbeMeta{
			DstPort: o.DstPort,
			Count:   n,
			Window:  d.cfg.Window,
		})
		return d.emit(IDHTTPProbe, ev)
	}
	return nil
}

func (d *HTTPProbe) GC(now time.Time) int { return d.track.gc(now) }
