package decoy

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"ghostwall/internal/event"
	"ghostwall/internal/logging"
	"ghostwall/internal/tail"
)

// Format selects the line parser for a decoy log.
type Format string

const (
	FormatCowrie Format = "cowrie"
	FormatFTP    Format = "ftp"
)

// Stats holds tailer counters.
type Stats struct {
	Lines       uint64 `json:"lines"`
	Events      uint64 `json:"events"`
	InputErrors uint64 `json:"input_errors"`
}

// Tailer follows one decoy log and emits an event per session line.
type Tailer struct {
	path       string
	format     Format
	startAtEnd bool
	norm       *Normalizer
	sink       func(event.Event)
	logger     *slog.Logger

	lines       atomic.Uint64
	events      atomic.Uint64
	inputErrors atomic.Uint64
}

// NewTailer creates a tailer for path.
func NewTailer(path string, format Format, startAtEnd bool, sink func(event.Event), logger *slog.Logger) *Tailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tailer{
		path:       path,
		format:     format,
		startAtEnd: startAtEnd,
		norm:       NewNormalizer(),
		sink:       sink,
		logger:     logger.With("decoy_log", path, "format", string(format)),
	}
}

// Run follows the log until ctx is done.
func (t *Tailer) Run(ctx context.Context) error {
	follower := tail.NewFollower(t.path, t.startAtEnd, t.logger)
	return follower.Run(ctx, t.HandleLine)
}

// HandleLine normalizes one line. Malformed lines are counted and skipped.
func (t *Tailer) HandleLine(line string) {
	t.lines.Add(1)

	var (
		ev  event.Event
		err error
	)
	switch t.format {
	case FormatFTP:
		ev, err = t.norm.NormalizeFTP(line)
	default:
		ev, err = t.norm.NormalizeCowrie(line)
	}
	if errors.Is(err, ErrSkip) {
		return
	}
	if err != nil {
		t.inputErrors.Add(1)
		t.logger.Debug("skipping malformed decoy line",
			"error", err,
			"line", logging.MaskSensitiveString(truncate(line, 256)))
		return
	}

	t.events.Add(1)
	if t.sink != nil {
		t.sink(ev)
	}
}

// Stats returns the tailer counters.
func (t *Tailer) Stats() Stats {
	return Stats{
		Lines:       t.lines.Load(),
		Events:      t.events.Load(),
		InputErrors: t.inputErrors.Load(),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
