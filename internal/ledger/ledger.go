// Package ledger provides the append-only action ledger. Every defense
// action is written as one JSON object per line by a single writer, synced
// to disk on a timer, and rotated into archived segments by size.
package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ghostwall/internal/config"
	"ghostwall/internal/event"
)

// ErrLedgerClosed is returned by Append after Close.
var ErrLedgerClosed = errors.New("action ledger is closed")

// Archiver takes ownership of a rotated segment.
type Archiver interface {
	Archive(ctx context.Context, path string) error
}

// Hook observes every appended action.
type Hook func(event.Action)

// Ledger writes actions to a JSONL file.
type Ledger struct {
	mu sync.Mutex

	path     string
	flush    time.Duration
	maxSize  int64
	archiver Archiver
	logger   *slog.Logger
	now      func() time.Time

	file *os.File
	w    *bufio.Writer
	size int64

	ring *ring

	hookMu sync.RWMutex
	hooks  []Hook

	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	written   atomic.Uint64
	errors    atomic.Uint64
	rotations atomic.Uint64
	archived  atomic.Uint64
}

// Metrics contains ledger statistics.
type Metrics struct {
	Written   uint64 `json:"written"`
	Errors    uint64 `json:"errors"`
	Rotations uint64 `json:"rotations"`
	Archived  uint64 `json:"archived"`
	SizeBytes int64  `json:"size_bytes"`
}

// Open opens or creates the ledger at cfg.Path and warms the recent-action
// ring from its tail. archiver may be nil, in which case rotated segments
// stay on disk.
func Open(cfg config.LedgerConfig, archiver Archiver, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	recent := cfg.Recent
	if recent <= 0 {
		recent = 200
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Ledger{
		path:     cfg.Path,
		flush:    flush,
		maxSize:  int64(cfg.MaxSizeMB) * 1024 * 1024,
		archiver: archiver,
		logger:   logger,
		now:      time.Now,
		ring:     newRing(recent),
		ctx:      ctx,
		cancel:   cancel,
	}

	warm, err := readTail(cfg.Path, recent)
	if err != nil {
		logger.Warn("failed to warm recent actions from ledger", "error", err)
	}
	for _, a := range warm {
		l.ring.add(a)
	}

	if err := l.openFile(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open ledger file: %w", err)
	}
	if torn, err := endsMidLine(cfg.Path); err == nil && torn {
		logger.Warn("ledger ends with a partial line, terminating it", "path", cfg.Path)
		n, _ := l.file.Write([]byte("\n"))
		l.size += int64(n)
	}

	l.wg.Add(1)
	go l.flushWorker()

	logger.Info("action ledger opened", "path", cfg.Path, "size", l.size, "recent", len(warm))
	return l, nil
}

func (l *Ledger) openFile() error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	l.file = f
	l.w = bufio.NewWriterSize(f, 64*1024)
	l.size = stat.Size()
	return nil
}

// OnAppend registers a hook called after each successful append. Hooks run
// on the appending goroutine; a panicking hook is logged and skipped.
func (l *Ledger) OnAppend(h Hook) {
	l.hookMu.Lock()
	l.hooks = append(l.hooks, h)
	l.hookMu.Unlock()
}

// Append writes a to the ledger.
func (l *Ledger) Append(a event.Action) error {
	if l.closed.Load() {
		return ErrLedgerClosed
	}

	data, err := json.Marshal(a)
	if err != nil {
		l.errors.Add(1)
		return fmt.Errorf("failed to marshal action: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	if l.file == nil {
		l.mu.Unlock()
		return ErrLedgerClosed
	}
	if l.maxSize > 0 && l.size > 0 && l.size+int64(len(data)) > l.maxSize {
		if err := l.rotateLocked(); err != nil {
			l.logger.Error("failed to rotate action ledger", "error", err)
		}
	}
	n, err := l.w.Write(data)
	l.size += int64(n)
	if err == nil {
		l.ring.add(a)
	}
	l.mu.Unlock()

	if err != nil {
		l.errors.Add(1)
		return fmt.Errorf("failed to write action: %w", err)
	}
	l.written.Add(1)
	l.runHooks(a)
	return nil
}

func (l *Ledger) runHooks(a event.Action) {
	l.hookMu.RLock()
	hooks := l.hooks
	l.hookMu.RUnlock()

	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("ledger hook panic recovered", "panic", r)
				}
			}()
			h(a)
		}()
	}
}

// rotateLocked closes the current segment, renames it with a timestamp and
// starts a fresh file at the ledger path. The caller must hold l.mu.
func (l *Ledger) rotateLocked() error {
	if err := l.syncLocked(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		return err
	}
	l.file = nil

	rotated := segmentPath(l.path, l.now())
	if err := os.Rename(l.path, rotated); err != nil {
		if openErr := l.openFile(); openErr != nil {
			return errors.Join(err, openErr)
		}
		return err
	}
	if err := l.openFile(); err != nil {
		return err
	}
	l.rotations.Add(1)
	l.logger.Info("action ledger rotated", "segment", rotated)

	if l.archiver != nil {
		l.wg.Add(1)
		go l.archive(rotated)
	}
	return nil
}

func (l *Ledger) archive(path string) {
	defer l.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := l.archiver.Archive(ctx, path); err != nil {
		l.errors.Add(1)
		l.logger.Error("failed to archive ledger segment", "segment", path, "error", err)
		return
	}
	l.archived.Add(1)
}

// segmentPath names a rotated segment: actions.jsonl becomes
// actions-20260501T090000.000.jsonl.
func segmentPath(path string, at time.Time) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s-%s%s", base, at.UTC().Format("20060102T150405.000"), ext)
}

func (l *Ledger) syncLocked() error {
	if l.file == nil {
		return nil
	}
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.file.Sync()
}

// Flush writes buffered actions and fsyncs the file.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncLocked()
}

func (l *Ledger) flushWorker() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flush)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.Flush(); err != nil {
				l.errors.Add(1)
				l.logger.Warn("ledger flush failed", "error", err)
			}
		}
	}
}

// Recent returns up to limit actions, newest first. limit <= 0 returns all
// retained actions.
func (l *Ledger) Recent(limit int) []event.Action {
	return l.ring.last(limit)
}

// Path returns the active segment path.
func (l *Ledger) Path() string { return l.path }

// Metrics returns ledger statistics.
func (l *Ledger) Metrics() Metrics {
	l.mu.Lock()
	size := l.size
	l.mu.Unlock()
	return Metrics{
		Written:   l.written.Load(),
		Errors:    l.errors.Load(),
		Rotations: l.rotations.Load(),
		Archived:  l.archived.Load(),
		SizeBytes: size,
	}
}

// Close flushes and closes the ledger, then waits for pending archive
// uploads.
func (l *Ledger) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.cancel()

	l.mu.Lock()
	err := l.syncLocked()
	if l.file != nil {
		if cerr := l.file.Close(); err == nil {
			err = cerr
		}
		l.file = nil
	}
	l.mu.Unlock()

	l.wg.Wait()

	l.logger.Info("action ledger closed",
		"written", l.written.Load(),
		"errors", l.errors.Load())
	return err
}

func endsMidLine(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil || stat.Size() == 0 {
		return false, err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, stat.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

// readTail decodes up to n actions from the end of the file at path.
// Undecodable lines are skipped.
func readTail(path string, n int) ([]event.Action, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	// Actions are well under 4KiB each.
	window := int64(n) * 4096
	offset := stat.Size() - window
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	first := offset > 0

	var out []event.Action
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var a event.Action
		if err := json.Unmarshal(line, &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	if err := scanner.Err(); err != nil {
		return out, err
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}
