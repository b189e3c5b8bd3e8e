// Package allocator implements the core allocation state machine:
// candidate enumeration (preferred port, catalogue preferred ports, range
// fallback), conflict detection via the prober, reservation in the
// registry, and delegation to auto-allocation for unknown service types.
package allocator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/styxy-dev/styxy/internal/allocerr"
	"github.com/styxy-dev/styxy/internal/model"
	"github.com/styxy-dev/styxy/internal/prober"
	"github.com/styxy-dev/styxy/internal/registry"
)

// Catalogue is the subset of catalogue.Catalogue the allocator needs.
type Catalogue interface {
	Get(name string) (model.ServiceType, bool)
}

// AutoAllocator is the subset of autoalloc.AutoAllocator the allocator
// delegates to for unknown service types. A nil return means the catalogue
// now has the service type, so the caller can look it up again and re-enter
// the candidate-list step.
type AutoAllocator interface {
	AutoAllocate(ctx context.Context, serviceType string) error
}

// MetricsSink receives allocator-observed counters. Kept as a narrow
// interface (rather than a concrete metrics client) because metrics
// emission mechanics are out of scope per spec.md §1 — only the event set
// is specified.
type MetricsSink interface {
	IncPortConflict(serviceType string)
}

// NopMetrics discards every counter.
type NopMetrics struct{}

func (NopMetrics) IncPortConflict(string) {}

// SaveNotifier is notified after every successful mutation so the daemon
// can enqueue a debounced snapshot save (C10). Kept minimal and
// non-blocking by contract: implementations must not block the caller.
type SaveNotifier interface {
	NotifyMutation()
}

// Request is the input to Allocate.
type Request struct {
	ServiceType   string
	ServiceName   string
	InstanceID    string
	PreferredPort int // 0 means "none supplied"
	ProjectPath   string
	ProcessID     int
	DryRun        bool
}

// Result is the output of a successful, non-dry-run Allocate call.
type Result struct {
	Port          int
	LockID        string
	Existing      bool
	AutoAllocated bool
}

// Allocator is the allocation state machine.
type Allocator struct {
	catalogue Catalogue
	registry  *registry.Registry
	prober    *prober.Prober
	auto      AutoAllocator
	metrics   MetricsSink
	saver     SaveNotifier
	clock     func() time.Time

	checkAvailability bool
	logger            *slog.Logger
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithMetrics sets the metrics sink.
func WithMetrics(m MetricsSink) Option { return func(a *Allocator) { a.metrics = m } }

// WithSaveNotifier sets the mutation notifier used to trigger debounced
// snapshot saves.
func WithSaveNotifier(s SaveNotifier) Option { return func(a *Allocator) { a.saver = s } }

// WithAvailabilityCheck toggles probing each candidate via the prober
// before reserving it (recovery.portConflict.checkAvailability in
// spec.md §3).
func WithAvailabilityCheck(on bool) Option {
	return func(a *Allocator) { a.checkAvailability = on }
}

// WithClock overrides the clock used to stamp AllocatedAt (tests only).
func WithClock(clock func() time.Time) Option {
	return func(a *Allocator) { a.clock = clock }
}

// New creates an Allocator.
func New(cat Catalogue, reg *registry.Registry, p *prober.Prober, auto AutoAllocator, opts ...Option) *Allocator {
	a := &Allocator{
		catalogue:         cat,
		registry:          reg,
		prober:            p,
		auto:              auto,
		metrics:           NopMetrics{},
		clock:             time.Now,
		checkAvailability: true,
		logger:            slog.With("component", "allocator"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate runs the state machine described in spec.md §4.4.
func (a *Allocator) Allocate(ctx context.Context, req Request) (Result, error) {
	if req.PreferredPort != 0 && (req.PreferredPort < 1 || req.PreferredPort > 65535) {
		return Result{}, allocerr.New(allocerr.InvalidRequest, fmt.Sprintf("preferred_port %d out of range", req.PreferredPort)).
			WithHint("use a port between 1 and 65535")
	}
	if req.ServiceType == "" {
		return Result{}, allocerr.New(allocerr.InvalidRequest, "service_type is required")
	}

	st, ok := a.catalogue.Get(req.ServiceType)
	autoAllocated := false
	if !ok {
		if a.auto == nil {
			return Result{}, allocerr.New(allocerr.UnknownServiceType, fmt.Sprintf("unknown service type %q", req.ServiceType)).
				WithHint("try a different service_type")
		}
		if err := a.auto.AutoAllocate(ctx, req.ServiceType); err != nil {
			if ae, ok := allocerr.As(err); ok {
				return Result{}, ae
			}
			return Result{}, allocerr.New(allocerr.UnknownServiceType, err.Error()).
				WithHint("try a different service_type")
		}
		st, ok = a.catalogue.Get(req.ServiceType)
		if !ok {
			return Result{}, allocerr.New(allocerr.Internal, "auto-allocation reported success but service type still unknown")
		}
		autoAllocated = true
	}

	if st.IsSingleton() {
		if ref, exists := a.registry.SingletonRef(req.ServiceType); exists {
			return Result{Port: ref.Port, LockID: ref.LockID, Existing: true}, nil
		}
	}

	candidates := buildCandidates(req.PreferredPort, st)

	for _, p := range candidates {
		if _, live := a.registry.LookupByPort(p); live {
			continue
		}

		if a.checkAvailability {
			if !a.prober.Probe(p) {
				a.metrics.IncPortConflict(req.ServiceType)
				a.logger.Warn("candidate port unavailable", "service_type", req.ServiceType, "port", p)
				continue
			}
		}

		if req.DryRun {
			return Result{Port: p}, nil
		}

		alloc := model.Allocation{
			Port:        p,
			LockID:      registry.NewLockID(),
			ServiceType: req.ServiceType,
			ServiceName: req.ServiceName,
			InstanceID:  req.InstanceID,
			ProjectPath: req.ProjectPath,
			ProcessID:   req.ProcessID,
			AllocatedAt: a.clock(),
		}

		if err := a.registry.Reserve(alloc, st.IsSingleton()); err != nil {
			// Another writer won this port since LookupByPort; try the next
			// candidate rather than failing outright.
			continue
		}

		if a.saver != nil {
			a.saver.NotifyMutation()
		}

		return Result{Port: p, LockID: alloc.LockID, AutoAllocated: autoAllocated}, nil
	}

	return Result{}, allocerr.New(allocerr.NoPortsAvailable, fmt.Sprintf("no ports available for service type %q", req.ServiceType)).
		WithHint("free an existing allocation or widen the service type's range")
}

// Release frees the allocation held by lockId. Idempotent: releasing an
// unknown lockId returns allocerr.LockNotFound.
func (a *Allocator) Release(lockID string) (model.Allocation, error) {
	alloc, ok := a.registry.Release(lockID)
	if !ok {
		return model.Allocation{}, allocerr.New(allocerr.LockNotFound, fmt.Sprintf("no allocation for lock %q", lockID))
	}
	if a.saver != nil {
		a.saver.NotifyMutation()
	}
	return alloc, nil
}

// buildCandidates constructs the ordered, de-duplicated candidate list:
// preferredPort, then catalogue.preferred in order, then the range
// ascending. First occurrence wins on duplicates.
func buildCandidates(preferredPort int, st model.ServiceType) []int {
	seen := make(map[int]bool)
	var out []int

	add := func(p int) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	if preferredPort != 0 {
		add(preferredPort)
	}
	for _, p := range st.Preferred {
		add(p)
	}
	for p := st.Range.Lo; p <= st.Range.Hi; p++ {
		add(p)
	}
	return out
}
