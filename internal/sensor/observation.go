// Package sensor turns raw traffic records (netfilter LOG lines, conntrack
// entries) into observations for the signal detectors.
package sensor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrUnsupported is returned by sources that need a Linux kernel.
var ErrUnsupported = errors.New("sensor source not supported on this platform")

// Protocol is the layer the observation was captured at.
type Protocol string

const (
	ProtoTCP  Protocol = "tcp"
	ProtoUDP  Protocol = "udp"
	ProtoICMP Protocol = "icmp"
	ProtoARP  Protocol = "arp"
)

// ARP opcodes.
const (
	ARPRequest = 1
	ARPReply   = 2
)

// Observation is one packet or flow summary.
type Observation struct {
	At      time.Time
	Proto   Protocol
	SrcIP   string
	DstIP   string
	SrcMAC  string
	SrcPort int
	DstPort int
	SYN     bool
	ACK     bool
	FIN     bool
	RST     bool
	ARPOp   int
	Prefix  string
}

// IsConnectionAttempt reports whether the observation opens a TCP connection.
func (o Observation) IsConnectionAttempt() bool {
	return o.Proto == ProtoTCP && o.SYN && !o.ACK
}

// IsARPRequest reports whether the observation is an ARP who-has.
func (o Observation) IsARPRequest() bool {
	return o.Proto == ProtoARP && o.ARPOp == ARPRequest
}

// Source produces observations until its context is done.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- Observation) error
	Stats() Stats
}

// Stats holds per-source counters.
type Stats struct {
	Observed    uint64 `json:"observed"`
	InputErrors uint64 `json:"input_errors"`
	Dropped     uint64 `json:"dropped"`
}

type counters struct {
	observed    atomic.Uint64
	inputErrors atomic.Uint64
	dropped     atomic.Uint64
}

func (c *counters) stats() Stats {
	return Stats{
		Observed:    c.observed.Load(),
		InputErrors: c.inputErrors.Load(),
		Dropped:     c.dropped.Load(),
	}
}

// offer sends o without blocking; a full channel drops it.
func (c *counters) offer(ctx context.Context, out chan<- Observation, o Observation) {
	select {
	case out <- o:
		c.observed.Add(1)
	case <-ctx.Done():
	default:
		c.dropped.Add(1)
	}
}
