// Package reaper implements the health reaper (spec.md §4.7): a background
// sweep over every live allocation that releases ports whose owning process
// is gone or whose port has stopped answering, after maxFailures
// consecutive bad checks. It is the same ticker/grace-period/threshold
// shape as the teacher's internal/health.Monitor, retargeted from a single
// watched service to a sweep over the whole registry.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/styxy-dev/styxy/internal/audit"
	"github.com/styxy-dev/styxy/internal/model"
	"github.com/styxy-dev/styxy/internal/prober"
)

// Registry is the subset of registry.Registry the reaper needs.
type Registry interface {
	ListAll() []model.Allocation
	ReleaseByPort(port int) (model.Allocation, bool)
}

// Config controls sweep cadence and failure tolerance, sourced from
// model.HealthMonitoringPolicy. Enabled and CleanupStale are independent
// knobs: Enabled gates whether the ticker runs at all (health monitoring —
// ticks, failure counters, logging); CleanupStale gates whether a sweep
// that finds an allocation past MaxFailures actually releases it, so a
// user can run observe-only health monitoring with CleanupStale false.
type Config struct {
	Enabled      bool
	Interval     time.Duration
	GracePeriod  time.Duration
	MaxFailures  int
	CleanupStale bool
}

// Reaper periodically sweeps the registry for dead allocations.
type Reaper struct {
	cfg      Config
	registry Registry
	prober   *prober.Prober
	audit    *audit.Logger
	logger   *slog.Logger

	isAlive func(pid int) bool

	mu       sync.Mutex
	failures map[string]int // lockId -> consecutive failure count
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Reaper. cfg.MaxFailures defaults to 3 if unset.
func New(cfg Config, reg Registry, p *prober.Prober, auditLog *audit.Logger) *Reaper {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Reaper{
		cfg:      cfg,
		registry: reg,
		prober:   p,
		audit:    auditLog,
		logger:   slog.With("component", "reaper"),
		isAlive:  processAlive,
		failures: make(map[string]int),
	}
}

// Start begins the periodic sweep in a background goroutine.
func (r *Reaper) Start(ctx context.Context) {
	if !r.cfg.Enabled {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.run(ctx)
}

// Stop halts the sweep and waits for the current pass to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (r *Reaper) run(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.cancel = nil
		close(r.done)
		r.mu.Unlock()
	}()

	if r.cfg.GracePeriod > 0 {
		select {
		case <-time.After(r.cfg.GracePeriod):
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one health-check pass synchronously, regardless of whether the
// periodic ticker is running. Used by the HTTP surface's POST /cleanup.
func (r *Reaper) Sweep() {
	r.sweep()
}

// ForceSweep releases every live allocation older than maxAge, bypassing
// the consecutive-failure counter entirely. Used by POST /cleanup {force}.
func (r *Reaper) ForceSweep(maxAge time.Duration) int {
	released := 0
	now := time.Now()
	for _, alloc := range r.registry.ListAll() {
		if now.Sub(alloc.AllocatedAt) < maxAge {
			continue
		}
		if _, ok := r.registry.ReleaseByPort(alloc.Port); ok {
			released++
			r.mu.Lock()
			delete(r.failures, alloc.LockID)
			r.mu.Unlock()
			if r.audit != nil {
				r.audit.Log(audit.Entry{
					Action:      audit.ActionStaleAllocationCleaned,
					Port:        alloc.Port,
					LockID:      alloc.LockID,
					ServiceType: alloc.ServiceType,
				})
			}
		}
	}
	return released
}

// sweep checks every live allocation once and releases any that have
// accumulated cfg.MaxFailures consecutive bad checks.
func (r *Reaper) sweep() {
	allocations := r.registry.ListAll()
	live := make(map[string]bool, len(allocations))

	for _, alloc := range allocations {
		live[alloc.LockID] = true

		if r.checkHealthy(alloc) {
			r.mu.Lock()
			delete(r.failures, alloc.LockID)
			r.mu.Unlock()
			continue
		}

		r.mu.Lock()
		r.failures[alloc.LockID]++
		fails := r.failures[alloc.LockID]
		r.mu.Unlock()

		r.logger.Warn("allocation failed health check", "port", alloc.Port, "lock_id", alloc.LockID, "service_type", alloc.ServiceType, "consecutive_fails", fails)

		if fails >= r.cfg.MaxFailures {
			if r.cfg.CleanupStale {
				r.reap(alloc, fails)
			} else {
				r.logger.Info("allocation exceeded failure threshold but cleanup_stale_allocations is disabled; leaving it reserved", "port", alloc.Port, "lock_id", alloc.LockID, "failures", fails)
			}
		}
	}

	// Drop failure counters for allocations that are no longer live (they
	// were released through some other path).
	r.mu.Lock()
	for lockID := range r.failures {
		if !live[lockID] {
			delete(r.failures, lockID)
		}
	}
	r.mu.Unlock()
}

// checkHealthy reports whether alloc's owning process and port both still
// look alive. A zero ProcessID skips the PID check (the allocating client
// may not have supplied one); the port probe is always run.
func (r *Reaper) checkHealthy(alloc model.Allocation) bool {
	if alloc.ProcessID != 0 && !r.isAlive(alloc.ProcessID) {
		return false
	}
	// A healthy owner is still listening: the port must NOT be bindable by
	// us, since that would mean nothing is holding it anymore.
	return !r.prober.Probe(alloc.Port)
}

func (r *Reaper) reap(alloc model.Allocation, failures int) {
	if _, ok := r.registry.ReleaseByPort(alloc.Port); !ok {
		return
	}

	r.mu.Lock()
	delete(r.failures, alloc.LockID)
	r.mu.Unlock()

	r.logger.Info("released stale allocation", "port", alloc.Port, "lock_id", alloc.LockID, "service_type", alloc.ServiceType, "failures", failures)

	if r.audit != nil {
		r.audit.Log(audit.Entry{
			Action:      audit.ActionStaleAllocationCleaned,
			Port:        alloc.Port,
			LockID:      alloc.LockID,
			ServiceType: alloc.ServiceType,
			Failures:    failures,
		})
	}
}
