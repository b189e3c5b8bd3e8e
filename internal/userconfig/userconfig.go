// Package userconfig is the mutable, cross-process-shared user
// configuration file: service type overrides, auto-allocation knobs, and
// recovery policy. Every write goes through Store.Atomic, which holds an
// advisory file lock (github.com/gofrs/flock, the same library and
// TryLockContext-retry pattern giantswarm-k8senv uses for its CRD cache
// lock), writes a timestamped backup, then rewrites the file via
// temp-file + rename (the teacher's internal/daemon/state.go idiom).
package userconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/styxy-dev/styxy/internal/model"
)

// Document is the on-disk shape of the user config file.
type Document struct {
	ServiceTypes       []model.ServiceType        `json:"service_types"`
	AutoAllocation     model.AutoAllocationConfig `json:"auto_allocation"`
	AutoAllocationRule []model.AutoAllocationRule `json:"auto_allocation_rules"`
	Recovery           model.RecoveryConfig       `json:"recovery"`
}

// lockRetryInterval is how often TryLockContext polls for the advisory
// lock, mirroring giantswarm-k8senv's crdcache lock.
const lockRetryInterval = 50 * time.Millisecond

// lockWaitBound is the bounded wait for acquiring the config lock before
// failing with allocerr.ConfigLockTimeout.
const lockWaitBound = 5 * time.Second

// backupKeepCount is the number of rotated backups retained.
const backupKeepCount = 10

// ErrLockTimeout is returned by acquireLock (and so by Atomic) when the
// advisory lock cannot be acquired within lockWaitBound. Callers that need
// to distinguish a lock timeout from any other write failure — the HTTP
// surface's configLockTimeout vs configWriteFailed error kinds — should
// check for it with errors.Is.
var ErrLockTimeout = errors.New("acquiring config lock: timed out")

// Store owns the user config file: reading it, and atomically mutating it
// under the advisory lock.
type Store struct {
	path       string
	backupDir  string
	mu         sync.Mutex // serializes in-process writers; flock serializes cross-process
	logger     *slog.Logger
	cachedDoc  Document
	haveCached bool
}

// New creates a Store for the user config file at path. backupDir defaults
// to "config-backups" alongside path if empty.
func New(path, backupDir string) *Store {
	if backupDir == "" {
		backupDir = filepath.Join(filepath.Dir(path), "config-backups")
	}
	return &Store{
		path:      path,
		backupDir: backupDir,
		logger:    slog.With("component", "userconfig"),
	}
}

// Path returns the user config file path.
func (s *Store) Path() string { return s.path }

// Load reads and decodes the document. A missing file yields a
// well-formed Document with defaultRecoveryConfig() filled in and no
// error — the same "missing file ⇒ zero value" convention as the
// teacher's internal/config/config.go, except the recovery policy
// defaults to sane values instead of all-disabled so a daemon with no
// user config yet still recovers on startup and probes for conflicts.
// A present-but-partial file is decoded as-is: fields the user omits
// from an existing file are Go zero values, not backfilled.
func (s *Store) Load() (Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Document{Recovery: defaultRecoveryConfig()}, nil
		}
		return Document{}, fmt.Errorf("reading user config: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parsing user config: %w", err)
	}
	return doc, nil
}

// defaultRecoveryConfig is the built-in recovery policy used until a user
// config file exists: startup recovery and conflict probing are on
// (matching what a first boot needs to behave correctly), while health
// monitoring's stale-allocation reaper stays opt-in, per spec.md §4.7's
// "Reaper configured with..." framing.
func defaultRecoveryConfig() model.RecoveryConfig {
	return model.RecoveryConfig{
		PortConflict: model.PortConflictPolicy{
			Enabled:           true,
			CheckAvailability: true,
			MaxRetries:        3,
			BackoffMs:         100,
			BackoffMultiplier: 2,
		},
		HealthMonitoring: model.HealthMonitoringPolicy{
			Enabled:                 false,
			CheckIntervalMs:         30000,
			MaxFailures:             3,
			CleanupStaleAllocations: false,
		},
		SystemRecovery: model.SystemRecoveryPolicy{
			Enabled:              true,
			RunOnStartup:         true,
			BackupCorruptedState: false,
			MaxRecoveryAttempts:  3,
		},
	}
}

// ServiceTypes implements catalogue.UserConfigReader: it returns just the
// service_types slice of the current document, tolerating a missing file.
func (s *Store) ServiceTypes() ([]model.ServiceType, error) {
	doc, err := s.Load()
	if err != nil {
		return nil, err
	}
	return doc.ServiceTypes, nil
}

// acquireLock blocks (bounded by lockWaitBound) until the advisory file
// lock is acquired, or returns an error if the bound is exceeded.
func (s *Store) acquireLock(ctx context.Context) (*flock.Flock, error) {
	lockPath := s.path + ".lock"
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return nil, fmt.Errorf("creating config dir: %w", err)
	}

	fl := flock.New(lockPath)
	ctx, cancel := context.WithTimeout(ctx, lockWaitBound)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLockTimeout
		}
		return nil, fmt.Errorf("acquiring config lock: %w", err)
	}
	if !locked {
		return nil, ErrLockTimeout
	}
	return fl, nil
}

func (s *Store) releaseLock(fl *flock.Flock) {
	if fl == nil {
		return
	}
	if err := fl.Close(); err != nil {
		s.logger.Debug("failed to release config lock", "error", err)
	}
}

// Atomic runs mutate against the current document while holding the
// advisory lock, then writes the result atomically with a rotating backup.
// mutate may return an error to abort without writing (e.g. "type already
// exists", handled by the caller).
func (s *Store) Atomic(ctx context.Context, mutate func(*Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fl, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer s.releaseLock(fl)

	doc, err := s.Load()
	if err != nil {
		return err
	}

	if err := mutate(&doc); err != nil {
		return err
	}

	if err := s.backup(); err != nil {
		s.logger.Warn("failed to create config backup before write", "error", err)
	}

	return s.writeAtomic(doc)
}

// AddServiceType appends or replaces a service type under the config lock.
func (s *Store) AddServiceType(ctx context.Context, st model.ServiceType) error {
	return s.Atomic(ctx, func(doc *Document) error {
		for i, existing := range doc.ServiceTypes {
			if existing.Name == st.Name {
				doc.ServiceTypes[i] = st
				return nil
			}
		}
		doc.ServiceTypes = append(doc.ServiceTypes, st)
		return nil
	})
}

// RemoveServiceType deletes a service type under the config lock. Fails if
// the name is not present. It does not check whether live allocations still
// reference the service type, and no HTTP endpoint calls it.
func (s *Store) RemoveServiceType(ctx context.Context, name string) error {
	return s.Atomic(ctx, func(doc *Document) error {
		idx := -1
		for i, existing := range doc.ServiceTypes {
			if existing.Name == name {
				idx = i
				break
			}
		}
		if idx == -1 {
			return fmt.Errorf("service type %q not found in user config", name)
		}
		doc.ServiceTypes = append(doc.ServiceTypes[:idx], doc.ServiceTypes[idx+1:]...)
		return nil
	})
}

func (s *Store) writeAtomic(doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling user config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening temp config file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing temp config file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsyncing temp config file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp config file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming config file: %w", err)
	}
	return nil
}

// backup copies the current config file into the rotating backup
// directory with an ISO-timestamped name, then trims to backupKeepCount.
// A missing source file (first run) is not an error.
func (s *Store) backup() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	if err := os.MkdirAll(s.backupDir, 0700); err != nil {
		return err
	}

	name := fmt.Sprintf("config-%s.json", time.Now().UTC().Format("20060102T150405.000000000Z"))
	dst := filepath.Join(s.backupDir, name)
	if err := os.WriteFile(dst, data, 0600); err != nil {
		return err
	}

	return s.rotate()
}

// rotate keeps only the newest backupKeepCount backup files.
func (s *Store) rotate() error {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // ISO-timestamped names sort chronologically

	if len(names) <= backupKeepCount {
		return nil
	}
	for _, old := range names[:len(names)-backupKeepCount] {
		if err := os.Remove(filepath.Join(s.backupDir, old)); err != nil {
			s.logger.Debug("failed to remove old config backup", "file", old, "error", err)
		}
	}
	return nil
}
