// Package tail follows append-only log files across rotation and truncation.
package tail

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// maxLineLength bounds a single line; longer lines are skipped.
const maxLineLength = 1 << 20

// Follower hands each complete line appended to a file to a callback.
// The parent directory is watched so that the file may be created late,
// rotated away, or recreated.
type Follower struct {
	path       string
	startAtEnd bool
	poll       time.Duration
	logger     *slog.Logger

	offset  int64
	current os.FileInfo

	lines     atomic.Uint64
	oversized atomic.Uint64
}

// NewFollower creates a Follower. With startAtEnd set, content already in
// the file when Run starts is skipped.
func NewFollower(path string, startAtEnd bool, logger *slog.Logger) *Follower {
	if logger == nil {
		logger = slog.Default()
	}
	return &Follower{
		path:       filepath.Clean(path),
		startAtEnd: startAtEnd,
		poll:       time.Second,
		logger:     logger.With("file", path),
	}
}

// Run follows the file until ctx is done.
func (f *Follower) Run(ctx context.Context, handle func(line string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
	}

	if info, err := os.Stat(f.path); err == nil {
		f.current = info
		if f.startAtEnd {
			f.offset = info.Size()
		}
	}
	f.readNew(handle)

	// Some filesystems (network mounts, overlay) miss inotify events.
	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				f.readNew(handle)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("file watcher error", "error", err)
		case <-ticker.C:
			f.readNew(handle)
		}
	}
}

// readNew reads complete lines past the current offset. A trailing line
// without a newline is left for the next read. A replaced file (rotation)
// or a shrunken one (truncation) is read from the start.
func (f *Follower) readNew(handle func(line string)) {
	file, err := os.Open(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("failed to open followed file", "error", err)
		}
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return
	}
	if f.current != nil && !os.SameFile(f.current, info) {
		f.logger.Info("followed file replaced, reading from start")
		f.offset = 0
	}
	f.current = info
	if info.Size() < f.offset {
		f.logger.Info("followed file truncated, rewinding")
		f.offset = 0
	}
	if info.Size() == f.offset {
		return
	}
	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		f.logger.Warn("seek failed", "error", err)
		return
	}

	reader := bufio.NewReaderSize(file, 64*1024)
	for {
		chunk, err := reader.ReadBytes('\n')
		if len(chunk) > 0 && chunk[len(chunk)-1] == '\n' {
			f.offset += int64(len(chunk))
			line := bytes.TrimRight(chunk, "\r\n")
			if len(line) > maxLineLength {
				f.oversized.Add(1)
				continue
			}
			if len(line) > 0 {
				f.lines.Add(1)
				handle(string(line))
			}
			continue
		}
		if len(chunk) > maxLineLength {
			// unterminated and already too long; skip past it
			f.offset += int64(len(chunk))
			f.oversized.Add(1)
		}
		if err != nil {
			return
		}
	}
}

// Lines returns the number of lines handed to the callback.
func (f *Follower) Lines() uint64 {
	return f.lines.Load()
}

// Oversized returns the number of lines skipped for exceeding the limit.
func (f *Follower) Oversized() uint64 {
	return f.oversized.Load()
}
