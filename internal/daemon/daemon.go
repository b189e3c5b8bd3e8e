// Package daemon is the top-level process container: it owns every
// component (catalogue, registry, allocator, auto-allocation, user
// config, reaper, recovery, the HTTP surface, audit log, event ring,
// instance registry, observation surface) and their Start/Stop lifecycle.
// Grounded on the teacher's Daemon struct shape and functional-options
// constructor, and its state.go/watcher.go debounced-save and
// fsnotify-watch idioms, retargeted from a service supervisor to a
// port-coordination daemon.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/styxy-dev/styxy/internal/allocator"
	"github.com/styxy-dev/styxy/internal/audit"
	"github.com/styxy-dev/styxy/internal/autoalloc"
	"github.com/styxy-dev/styxy/internal/catalogue"
	"github.com/styxy-dev/styxy/internal/eventring"
	"github.com/styxy-dev/styxy/internal/httpapi"
	"github.com/styxy-dev/styxy/internal/instance"
	"github.com/styxy-dev/styxy/internal/model"
	"github.com/styxy-dev/styxy/internal/observeq"
	"github.com/styxy-dev/styxy/internal/prober"
	"github.com/styxy-dev/styxy/internal/reaper"
	"github.com/styxy-dev/styxy/internal/recovery"
	"github.com/styxy-dev/styxy/internal/registry"
	"github.com/styxy-dev/styxy/internal/snapshotstore"
	"github.com/styxy-dev/styxy/internal/userconfig"
)

// saveDebounce mirrors the teacher's watcherDebounce: mutations are
// coalesced into one snapshot write per quiet period rather than one
// write per request.
const saveDebounce = 500 * time.Millisecond

// instanceTTL is how long an instance may go without a heartbeat before
// it is dropped from the instance registry.
const instanceTTL = 2 * time.Minute

// Config is everything needed to construct a Daemon.
type Config struct {
	// StateDir holds snapshot.json, config.json, audit.log, and
	// config-backups/.
	StateDir string
	// ListenAddr is the HTTP surface's bind address, e.g. "127.0.0.1:9876".
	ListenAddr string
	// AuthToken, if non-empty, is required as a bearer token on every
	// endpoint except /status and /health.
	AuthToken string
}

// Daemon owns every Styxy component and its lifecycle.
type Daemon struct {
	cfg Config

	userConfig *userconfig.Store
	catalogue  *catalogue.Catalogue
	registry   *registry.Registry
	prober     *prober.Prober
	autoAlloc  *autoalloc.AutoAllocator
	allocator  *allocator.Allocator
	reaper     *reaper.Reaper
	recovery   *recovery.Recovery
	snapStore  *snapshotstore.Store
	auditLog   *audit.Logger
	events     *eventring.Ring
	instances  *instance.Registry
	observer   *observeq.Observer
	api        *httpapi.Server

	logger *slog.Logger

	mu            sync.Mutex
	saveTimer     *time.Timer
	watcherCancel context.CancelFunc
	watcherDone   chan struct{}
}

// New wires every component together. It does not start anything.
func New(cfg Config) (*Daemon, error) {
	if cfg.StateDir == "" {
		return nil, errors.New("daemon: StateDir is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:9876"
	}
	if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	auditLog, err := audit.NewLogger(filepath.Join(cfg.StateDir, "audit.log"))
	if err != nil {
		return nil, fmt.Errorf("creating audit log: %w", err)
	}

	uc := userconfig.New(filepath.Join(cfg.StateDir, "config.json"), filepath.Join(cfg.StateDir, "config-backups"))
	cat := catalogue.New(uc)
	if err := cat.Load(); err != nil {
		return nil, fmt.Errorf("loading catalogue: %w", err)
	}

	reg := registry.New()
	p := prober.New()

	cfgLookup := func() model.AutoAllocationConfig {
		doc, err := uc.Load()
		if err != nil {
			return model.AutoAllocationConfig{}
		}
		return doc.AutoAllocation
	}
	auto := autoalloc.New(uc, cat, cfgLookup, auditLog)

	d := &Daemon{
		cfg:        cfg,
		userConfig: uc,
		catalogue:  cat,
		registry:   reg,
		prober:     p,
		autoAlloc:  auto,
		auditLog:   auditLog,
		events:     eventring.New(200),
		instances:  instance.New(instanceTTL),
		logger:     slog.With("component", "daemon"),
	}

	recoveryDoc, _ := uc.Load()

	d.allocator = allocator.New(cat, reg, p, auto,
		allocator.WithSaveNotifier(d),
		allocator.WithAvailabilityCheck(recoveryDoc.Recovery.PortConflict.CheckAvailability))
	d.observer = observeq.New(cat, reg, p)

	reaperCfg := reaperConfigFrom(uc)
	d.reaper = reaper.New(reaperCfg, reg, p, auditLog)

	d.snapStore = snapshotstore.New(filepath.Join(cfg.StateDir, "snapshot.json"))
	d.recovery = recovery.New(d.snapStore, uc, reg, cat, p, auditLog, recoveryDoc.Recovery.SystemRecovery.BackupCorruptedState)

	auditLog.OnEntry(d.events.Add)

	d.api = httpapi.New(httpapi.Deps{
		Allocator:  d.allocator,
		Registry:   reg,
		Prober:     p,
		Catalogue:  cat,
		UserConfig: uc,
		Instances:  d.instances,
		Observer:   d.observer,
		Reaper:     d.reaper,
		Events:     d.events,
		Token:      cfg.AuthToken,
	})

	return d, nil
}

func reaperConfigFrom(uc *userconfig.Store) reaper.Config {
	doc, err := uc.Load()
	if err != nil {
		return reaper.Config{}
	}
	hm := doc.Recovery.HealthMonitoring
	cfg := reaper.Config{
		Enabled:      hm.Enabled,
		CleanupStale: hm.CleanupStaleAllocations,
		MaxFailures:  hm.MaxFailures,
	}
	if hm.CheckIntervalMs > 0 {
		cfg.Interval = time.Duration(hm.CheckIntervalMs) * time.Millisecond
	}
	return cfg
}

// Start opens the HTTP surface and starts the reaper and the config-file
// watcher. Recovery runs first, before the HTTP surface opens, but only if
// systemRecovery.enabled && runOnStartup, per spec.md §4.8's precondition.
func (d *Daemon) Start(ctx context.Context) error {
	doc, err := d.userConfig.Load()
	if err != nil {
		return fmt.Errorf("loading user config: %w", err)
	}

	sr := doc.Recovery.SystemRecovery
	if sr.Enabled && sr.RunOnStartup {
		report := d.recovery.Run(ctx)
		d.logger.Info("startup recovery complete",
			"success", report.Success, "failed", report.Failed, "warnings", report.Warnings)
	} else {
		d.logger.Info("startup recovery skipped", "enabled", sr.Enabled, "run_on_startup", sr.RunOnStartup)
	}

	d.reaper.Start(ctx)

	watchCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.watcherCancel = cancel
	d.watcherDone = make(chan struct{})
	d.mu.Unlock()
	go d.watchUserConfig(watchCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := d.api.ListenAndServe(d.cfg.ListenAddr); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("starting HTTP surface: %w", err)
	case <-time.After(50 * time.Millisecond):
		d.logger.Info("daemon ready", "addr", d.cfg.ListenAddr)
		return nil
	}
}

// Stop tears down the daemon: cancels the watcher, stops the reaper,
// flushes any pending debounced save, and shuts down the HTTP surface.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel := d.watcherCancel
	done := d.watcherDone
	timer := d.saveTimer
	d.saveTimer = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	d.reaper.Stop()

	if timer != nil {
		timer.Stop()
	}
	if err := d.saveSnapshot(); err != nil {
		d.logger.Warn("final snapshot save failed", "error", err)
	}

	if err := d.api.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down HTTP surface: %w", err)
	}
	return d.auditLog.Close()
}

// NotifyMutation satisfies allocator.SaveNotifier. It schedules a
// debounced snapshot save rather than writing synchronously on every
// mutation, the same coalescing behavior as the teacher's watcher.go
// debounceTimer.
func (d *Daemon) NotifyMutation() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.saveTimer != nil {
		d.saveTimer.Stop()
	}
	d.saveTimer = time.AfterFunc(saveDebounce, func() {
		if err := d.saveSnapshot(); err != nil {
			d.logger.Warn("debounced snapshot save failed", "error", err)
		}
	})
}

func (d *Daemon) saveSnapshot() error {
	allocations, singletons := d.registry.Snapshot()
	return d.snapStore.Save(model.Snapshot{
		Allocations: allocations,
		Singletons:  singletons,
		Version:     model.CurrentSnapshotVersion,
	})
}

// watchUserConfig reloads the catalogue whenever the user config file
// changes on disk, debounced exactly like the teacher's StartWatcher.
// Unlike the teacher (which watches a directory of spec files), Styxy
// watches the config file's parent directory and filters to just that
// file, since a create event on the file itself can race the watch.
func (d *Daemon) watchUserConfig(ctx context.Context) {
	defer close(d.watcherDone)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Error("config watcher unavailable", "error", err)
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(d.userConfig.Path())
	if err := watcher.Add(dir); err != nil {
		d.logger.Error("watching config dir failed", "dir", dir, "error", err)
		return
	}

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(d.userConfig.Path()) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(saveDebounce, func() {
				if err := d.catalogue.Reload(); err != nil {
					d.logger.Warn("catalogue reload after config change failed", "error", err)
				} else {
					d.logger.Info("catalogue reloaded after external config change")
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Error("config watcher error", "error", err)
		}
	}
}

// Handler exposes the HTTP surface's handler for tests that want to drive
// requests directly rather than binding a real listener.
func (d *Daemon) Handler() http.Handler {
	return d.api.Handler()
}

// Registry exposes the allocation registry for integration tests that
// need to assert on live state directly.
func (d *Daemon) Registry() *registry.Registry { return d.registry }

// Catalogue exposes the catalogue for integration tests.
func (d *Daemon) Catalogue() *catalogue.Catalogue { return d.catalogue }

// UserConfigStore exposes the user config store for integration tests.
func (d *Daemon) UserConfigStore() *userconfig.Store { return d.userConfig }

// AuditLog exposes the audit logger for integration tests asserting on
// emitted events.
func (d *Daemon) AuditLog() *audit.Logger { return d.auditLog }

// Reaper exposes the reaper for integration tests that need a synchronous
// sweep.
func (d *Daemon) Reaper() *reaper.Reaper { return d.reaper }
