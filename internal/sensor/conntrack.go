package sensor

import (
	"context"
	"log/slog"
	"time"
)

// Flow is the original-direction tuple of a tracked connection.
type Flow struct {
	Proto   Protocol
	SrcIP   string
	DstIP   string
	SrcPort int
	DstPort int
}

// flowLister dumps the kernel connection tracking table.
type flowLister func() ([]Flow, error)

// ConntrackSource polls the connection tracking table and reports every
// flow it has not seen before as a connection attempt.
type ConntrackSource struct {
	interval time.Duration
	list     flowLister
	logger   *slog.Logger
	now      func() time.Time

	seen     map[Flow]struct{}
	baseline bool
	counters
}

func newConntrackSource(interval time.Duration, list flowLister, logger *slog.Logger) *ConntrackSource {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &ConntrackSource{
		interval: interval,
		list:     list,
		logger:   logger,
		now:      time.Now,
		seen:     make(map[Flow]struct{}),
	}
}

func (s *ConntrackSource) Name() string { return "conntrack" }

func (s *ConntrackSource) Stats() Stats { return s.stats() }

// Run polls until ctx is done.
func (s *ConntrackSource) Run(ctx context.Context, out chan<- Observation) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.poll(ctx, out)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *ConntrackSource) poll(ctx context.Context, out chan<- Observation) {
	flows, err := s.list()
	if err != nil {
		s.inputErrors.Add(1)
		s.logger.Warn("conntrack dump failed", "error", err)
		return
	}
	for _, obs := range s.diff(flows) {
		s.offer(ctx, out, obs)
	}
}

// diff returns observations for flows absent from the previous dump. The
// first dump only establishes the baseline.
func (s *ConntrackSource) diff(flows []Flow) []Observation {
	now := s.now()
	current := make(map[Flow]struct{}, len(flows))
	var fresh []Observation

	for _, f := range flows {
		if f.Proto != ProtoTCP && f.Proto != ProtoUDP {
			continue
		}
		current[f] = struct{}{}
		if _, ok := s.seen[f]; ok || !s.baseline {
			continue
		}
		fresh = append(fresh, Observation{
			At:      now,
			Proto:   f.Proto,
			SrcIP:   f.SrcIP,
			DstIP:   f.DstIP,
			SrcPort: f.SrcPort,
			DstPort: f.DstPort,
			SYN:     f.Proto == ProtoTCP,
		})
	}

	s.seen = current
	s.baseline = true
	return fresh
}
