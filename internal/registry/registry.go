// Package registry is the authoritative in-memory allocation table: a
// port → Allocation map, a lockId → port index, and a serviceType →
// SingletonRef index, all guarded by one mutex. That mutex is the
// linearization point for every reservation (spec.md §5): two concurrent
// reservations for the same port will see exactly one succeed.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/styxy-dev/styxy/internal/model"
)

// Registry is the allocation table.
type Registry struct {
	mu          sync.Mutex
	byPort      map[int]model.Allocation
	byLockID    map[string]int // lockId -> port
	singletons  map[string]model.SingletonRef
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byPort:     make(map[int]model.Allocation),
		byLockID:   make(map[string]int),
		singletons: make(map[string]model.SingletonRef),
	}
}

// Conflict is returned by Reserve when the port is already allocated.
type Conflict struct {
	Port int
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("port %d is already allocated", c.Port)
}

// NewLockID generates a fresh opaque lock identifier.
func NewLockID() string {
	return uuid.NewString()
}

// Reserve atomically allocates port for the given Allocation (which must
// already have Port and LockID set). Returns a *Conflict if the port is
// already live. If singleton is true, the SingletonRef for alloc.ServiceType
// is created or overwritten to point at this allocation.
func (r *Registry) Reserve(alloc model.Allocation, singleton bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byPort[alloc.Port]; exists {
		return &Conflict{Port: alloc.Port}
	}

	r.byPort[alloc.Port] = alloc
	r.byLockID[alloc.LockID] = alloc.Port

	if singleton {
		r.singletons[alloc.ServiceType] = model.SingletonRef{
			ServiceType: alloc.ServiceType,
			Port:        alloc.Port,
			LockID:      alloc.LockID,
			InstanceID:  alloc.InstanceID,
			ProcessID:   alloc.ProcessID,
			AllocatedAt: alloc.AllocatedAt,
		}
	}
	return nil
}

// Release removes the allocation for lockId and returns it. If the
// allocation was the sole reference for a singleton service type, the
// SingletonRef is removed too. Returns (Allocation{}, false) if lockId is
// unknown — callers map this to allocerr.LockNotFound.
func (r *Registry) Release(lockID string) (model.Allocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseLocked(lockID)
}

func (r *Registry) releaseLocked(lockID string) (model.Allocation, bool) {
	port, ok := r.byLockID[lockID]
	if !ok {
		return model.Allocation{}, false
	}
	alloc, ok := r.byPort[port]
	if !ok {
		// Index disagreement: a fatal invariant violation. The caller (the
		// daemon process) should save-and-crash per spec.md §4.3; we panic
		// here so that behavior is uniform regardless of caller.
		panic(fmt.Sprintf("registry invariant violation: lockId %q indexes port %d with no allocation", lockID, port))
	}

	delete(r.byLockID, lockID)
	delete(r.byPort, port)

	if ref, exists := r.singletons[alloc.ServiceType]; exists && ref.LockID == lockID {
		delete(r.singletons, alloc.ServiceType)
	}

	return alloc, true
}

// LookupByPort returns the live allocation for port, if any.
func (r *Registry) LookupByPort(port int) (model.Allocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byPort[port]
	return a, ok
}

// LookupByLockID returns the live allocation for lockId, if any.
func (r *Registry) LookupByLockID(lockID string) (model.Allocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	port, ok := r.byLockID[lockID]
	if !ok {
		return model.Allocation{}, false
	}
	a, ok := r.byPort[port]
	return a, ok
}

// SingletonRef returns the singleton reference for a service type, if one
// is live.
func (r *Registry) SingletonRef(serviceType string) (model.SingletonRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.singletons[serviceType]
	return ref, ok
}

// ListForServiceType returns all live allocations for a service type,
// sorted by port.
func (r *Registry) ListForServiceType(serviceType string) []model.Allocation {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.Allocation
	for _, a := range r.byPort {
		if a.ServiceType == serviceType {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// ListAll returns every live allocation, sorted by port.
func (r *Registry) ListAll() []model.Allocation {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Allocation, 0, len(r.byPort))
	for _, a := range r.byPort {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Count returns the number of live allocations.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPort)
}

// RestoreFromSnapshot replaces the registry's contents wholesale with the
// given allocations and singleton refs. Used only by startup recovery
// (internal/recovery), which has already validated and repaired the data —
// RestoreFromSnapshot does not re-check invariants.
func (r *Registry) RestoreFromSnapshot(allocations []model.Allocation, singletons map[string]model.SingletonRef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byPort = make(map[int]model.Allocation, len(allocations))
	r.byLockID = make(map[string]int, len(allocations))
	for _, a := range allocations {
		r.byPort[a.Port] = a
		r.byLockID[a.LockID] = a.Port
	}

	r.singletons = make(map[string]model.SingletonRef, len(singletons))
	for k, v := range singletons {
		r.singletons[k] = v
	}
}

// Snapshot returns the current allocations and singleton refs for
// persistence. The returned slices/maps are copies safe to use after the
// registry mutates further.
func (r *Registry) Snapshot() ([]model.Allocation, map[string]model.SingletonRef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	allocations := make([]model.Allocation, 0, len(r.byPort))
	for _, a := range r.byPort {
		allocations = append(allocations, a)
	}
	sort.Slice(allocations, func(i, j int) bool { return allocations[i].Port < allocations[j].Port })

	singletons := make(map[string]model.SingletonRef, len(r.singletons))
	for k, v := range r.singletons {
		singletons[k] = v
	}
	return allocations, singletons
}

// ReleaseByPort is a convenience used by the reaper, which operates on ports
// rather than lockIds.
func (r *Registry) ReleaseByPort(port int) (model.Allocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byPort[port]
	if !ok {
		return model.Allocation{}, false
	}
	return r.releaseLocked(a.LockID)
}
