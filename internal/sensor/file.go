package sensor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ghostwall/internal/tail"
)

// FileSource follows a kernel log file written by syslog.
type FileSource struct {
	path   string
	prefix string
	logger *slog.Logger
	now    func() time.Time
	counters
}

// NewFileSource creates a FileSource reading new lines appended to path.
func NewFileSource(path, prefix string, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{path: path, prefix: prefix, logger: logger, now: time.Now}
}

func (s *FileSource) Name() string { return "file:" + s.path }

// Run follows the file until ctx is done.
func (s *FileSource) Run(ctx context.Context, out chan<- Observation) error {
	follower := tail.NewFollower(s.path, true, s.logger)
	return follower.Run(ctx, func(line string) {
		s.handleLine(ctx, line, out)
	})
}

func (s *FileSource) handleLine(ctx context.Context, line string, out chan<- Observation) {
	obs, err := ParseKernelLog(line, s.prefix, s.now())
	if errors.Is(err, ErrNotNetfilter) {
		return
	}
	if err != nil {
		s.inputErrors.Add(1)
		s.logger.Debug("skipping malformed kernel log line", "error", err)
		return
	}
	s.offer(ctx, out, obs)
}

func (s *FileSource) Stats() Stats { return s.stats() }
