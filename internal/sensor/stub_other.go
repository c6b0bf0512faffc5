//go:build !linux

package sensor

import (
	"context"
	"log/slog"
	"time"
)

// JournalSource is unavailable off Linux.
type JournalSource struct{ counters }

// NewJournalSource returns a source whose Run fails with ErrUnsupported.
func NewJournalSource(prefix string, logger *slog.Logger) *JournalSource {
	return &JournalSource{}
}

func (s *JournalSource) Name() string { return "journal" }

func (s *JournalSource) Stats() Stats { return s.stats() }

func (s *JournalSource) Run(ctx context.Context, out chan<- Observation) error {
	return ErrUnsupported
}

// NewConntrackSource returns a source whose dumps fail with ErrUnsupported.
func NewConntrackSource(interval time.Duration, logger *slog.Logger) *ConntrackSource {
	return newConntrackSource(interval, func() ([]Flow, error) { return nil, ErrUnsupported }, logger)
}
