// Package snapshotstore persists the allocation Snapshot to disk: the
// temp-file + fsync + rename idiom the teacher uses for its service state
// file (internal/daemon/state.go), generalized to model.Snapshot and to a
// distinct "malformed" error so startup recovery (internal/recovery) can
// tell "missing" apart from "corrupt" per spec.md §4.8 step 1.
package snapshotstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/styxy-dev/styxy/internal/model"
)

// ErrMalformed is returned by Load when the snapshot file exists but does
// not decode into the required shape.
var ErrMalformed = errors.New("snapshot file is malformed")

// Store owns the snapshot file at Path.
type Store struct {
	Path string
}

// New creates a Store for the snapshot file at path.
func New(path string) *Store {
	return &Store{Path: path}
}

// Load reads and decodes the snapshot. A missing file returns a well-formed
// empty Snapshot and no error. A present-but-malformed file returns
// ErrMalformed wrapped with context; the raw bytes are still recoverable by
// the caller via Backup.
func (s *Store) Load() (model.Snapshot, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.Empty(), nil
		}
		return model.Empty(), fmt.Errorf("reading snapshot: %w", err)
	}

	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return model.Empty(), fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if snap.Allocations == nil || snap.Singletons == nil {
		return model.Empty(), fmt.Errorf("%w: missing allocations or singletons", ErrMalformed)
	}
	return snap, nil
}

// Backup copies the current (presumably corrupt) snapshot file aside to
// "<path>.corrupt.<timestamp>" and returns the backup path. A missing
// source file is not an error — there is nothing to back up.
func (s *Store) Backup() (string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("reading snapshot for backup: %w", err)
	}

	dst := fmt.Sprintf("%s.corrupt.%d", s.Path, time.Now().UTC().UnixNano())
	if err := os.WriteFile(dst, data, 0600); err != nil {
		return "", fmt.Errorf("writing corrupt snapshot backup: %w", err)
	}
	return dst, nil
}

// Save writes snap atomically: temp file, fsync, rename over Path.
func (s *Store) Save(snap model.Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0700); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	tmpPath := s.Path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening temp snapshot file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing temp snapshot file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsyncing temp snapshot file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp snapshot file: %w", err)
	}

	return os.Rename(tmpPath, s.Path)
}
