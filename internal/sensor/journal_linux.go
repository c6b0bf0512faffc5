//go:build linux

package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/sdjournal"
)

// journalOpenTimeout bounds sd_journal_open, which can hang when the
// journal directory is inaccessible.
const journalOpenTimeout = 5 * time.Second

// JournalSource streams kernel netfilter LOG records from the systemd journal.
type JournalSource struct {
	prefix string
	logger *slog.Logger
	counters
}

// NewJournalSource creates a JournalSource accepting records with prefix.
func NewJournalSource(prefix string, logger *slog.Logger) *JournalSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &JournalSource{prefix: prefix, logger: logger}
}

func (s *JournalSource) Name() string { return "journal" }

func (s *JournalSource) Stats() Stats { return s.stats() }

func openKernelJournal() (*sdjournal.Journal, error) {
	type result struct {
		j   *sdjournal.Journal
		err error
	}
	ch := make(chan result, 1)
	go func() {
		j, err := sdjournal.NewJournal()
		if err != nil {
			ch <- result{nil, fmt.Errorf("open systemd journal: %w", err)}
			return
		}
		if err := j.AddMatch("_TRANSPORT=kernel"); err != nil {
			j.Close()
			ch <- result{nil, fmt.Errorf("add kernel match: %w", err)}
			return
		}
		// SeekTail lands past the last entry; step back so Next yields new ones.
		if err := j.SeekTail(); err != nil {
			j.Close()
			ch <- result{nil, fmt.Errorf("seek journal tail: %w", err)}
			return
		}
		j.Previous()
		ch <- result{j, nil}
	}()

	select {
	case r := <-ch:
		return r.j, r.err
	case <-time.After(journalOpenTimeout):
		return nil, fmt.Errorf("timeout opening systemd journal after %v", journalOpenTimeout)
	}
}

// Run reads the journal until ctx is done.
func (s *JournalSource) Run(ctx context.Context, out chan<- Observation) error {
	j, err := openKernelJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	for {
		if ctx.Err() != nil {
			return nil
		}
		j.Wait(time.Second)

		for {
			n, err := j.Next()
			if err != nil {
				return fmt.Errorf("read journal entry: %w", err)
			}
			if n == 0 {
				break
			}
			msg, err := j.GetData("MESSAGE")
			if err != nil {
				continue
			}
			msg = strings.TrimPrefix(msg, "MESSAGE=")

			at := time.Now()
			if usec, err := j.GetRealtimeUsec(); err == nil {
				at = time.UnixMicro(int64(usec))
			}

			obs, err := ParseKernelLog(msg, s.prefix, at)
			if errors.Is(err, ErrNotNetfilter) {
				continue
			}
			if err != nil {
				s.inputErrors.Add(1)
				s.logger.Debug("skipping malformed kernel log record", "error", err)
				continue
			}
			s.offer(ctx, out, obs)
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}
