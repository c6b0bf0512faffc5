package blocklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrCorrupt is returned by FileStore.Load when the file cannot be decoded.
var ErrCorrupt = errors.New("block-list file corrupt")

const fileVersion = 1

type fileDoc struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// FileStore keeps the list in a JSON document replaced atomically on save.
type FileStore struct {
	path string
}

// NewFileStore creates a store at path. The parent directory is created.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create block-list directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Load reads the document. A missing file is an empty list. A corrupt one
// is moved aside so the next save does not destroy it.
func (s *FileStore) Load(_ context.Context) ([]Entry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read block-list: %w", err)
	}

	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil || doc.Version != fileVersion {
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
		_ = os.Rename(s.path, aside)
		if err == nil {
			err = fmt.Errorf("unsupported version %d", doc.Version)
		}
		return nil, fmt.Errorf("%w (moved to %s): %v", ErrCorrupt, aside, err)
	}
	return doc.Entries, nil
}

// Save writes to a temp file, syncs it and renames it over the old one.
func (s *FileStore) Save(_ context.Context, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(fileDoc{Version: fileVersion, Entries: entries}, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".blocklist-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o640); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }
