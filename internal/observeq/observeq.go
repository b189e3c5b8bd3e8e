// Package observeq is the passive port-observation surface used by the
// interception layer (spec.md §4.9): a client can ask "what's going on with
// this port" or "suggest me some free ports for this service type" without
// ever reserving anything. Shaped after internal/registry's map+mutex
// table; suggest's fallback-to-a-default-type-on-unknown-name rule mirrors
// internal/catalogue.Get's "unknown type" handling.
package observeq

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/styxy-dev/styxy/internal/model"
	"github.com/styxy-dev/styxy/internal/prober"
)

// Catalogue is the subset of catalogue.Catalogue observeq needs.
type Catalogue interface {
	Get(name string) (model.ServiceType, bool)
}

// Registry is the subset of registry.Registry observeq needs.
type Registry interface {
	LookupByPort(port int) (model.Allocation, bool)
}

// defaultFallbackType is the service type suggest() falls back to when the
// requested one is unknown, per spec.md §4.9.
const defaultFallbackType = "dev"

// Observation is the point-in-time view returned by Observe.
type Observation struct {
	Port        int        `json:"port"`
	Allocated   bool       `json:"allocated"`
	Allocation  *model.Allocation `json:"allocation,omitempty"`
	Available   bool       `json:"available"`
	ObservedAt  time.Time  `json:"observed_at"`
	ObserveCount int       `json:"observe_count"`
}

type record struct {
	port            int
	count           int
	firstObservedAt time.Time
	lastObservedAt  time.Time
	lastAllocated   bool
	lastServiceType string
}

// Stats summarizes everything observeq has seen.
type Stats struct {
	TotalObservations int `json:"total_observations"`
	DistinctPorts     int `json:"distinct_ports"`
	AllocatedObserved int `json:"allocated_observed"`
}

// Observer answers observe/observeAll/suggest/observation-stats.
type Observer struct {
	cat      Catalogue
	registry Registry
	prober   *prober.Prober
	clock    func() time.Time

	mu      sync.Mutex
	records map[int]*record
}

// New creates an Observer.
func New(cat Catalogue, reg Registry, p *prober.Prober) *Observer {
	return &Observer{
		cat:      cat,
		registry: reg,
		prober:   p,
		clock:    time.Now,
		records:  make(map[int]*record),
	}
}

// Observe checks port's current state, records the observation, and
// returns the combined view.
func (o *Observer) Observe(port int) Observation {
	now := o.clock()
	alloc, allocated := o.registry.LookupByPort(port)
	available := !allocated && o.prober.Probe(port)

	o.mu.Lock()
	rec, ok := o.records[port]
	if !ok {
		rec = &record{port: port, firstObservedAt: now}
		o.records[port] = rec
	}
	rec.count++
	rec.lastObservedAt = now
	rec.lastAllocated = allocated
	if allocated {
		rec.lastServiceType = alloc.ServiceType
	}
	count := rec.count
	o.mu.Unlock()

	obs := Observation{
		Port:         port,
		Allocated:    allocated,
		Available:    available,
		ObservedAt:   now,
		ObserveCount: count,
	}
	if allocated {
		a := alloc
		obs.Allocation = &a
	}
	return obs
}

// ObserveAll returns the current view for every port that has ever been
// observed, sorted by port.
func (o *Observer) ObserveAll() []Observation {
	o.mu.Lock()
	ports := make([]int, 0, len(o.records))
	for p := range o.records {
		ports = append(ports, p)
	}
	o.mu.Unlock()

	sort.Ints(ports)
	out := make([]Observation, 0, len(ports))
	for _, p := range ports {
		out = append(out, o.Observe(p))
	}
	return out
}

// Suggest returns up to count currently-available candidate ports for
// serviceType without reserving any of them. If serviceType is unknown, it
// falls back to defaultFallbackType rather than returning empty.
func (o *Observer) Suggest(serviceType string, count int) ([]int, error) {
	if count <= 0 {
		count = 1
	}

	st, ok := o.cat.Get(serviceType)
	if !ok {
		st, ok = o.cat.Get(defaultFallbackType)
		if !ok {
			return nil, fmt.Errorf("unknown service type %q and no fallback %q configured", serviceType, defaultFallbackType)
		}
	}

	var out []int
	add := func(p int) bool {
		if _, allocated := o.registry.LookupByPort(p); allocated {
			return false
		}
		if !o.prober.Probe(p) {
			return false
		}
		out = append(out, p)
		return len(out) >= count
	}

	for _, p := range st.Preferred {
		if add(p) {
			return out, nil
		}
	}
	for p := st.Range.Lo; p <= st.Range.Hi; p++ {
		if add(p) {
			return out, nil
		}
	}
	return out, nil
}

// Stats summarizes all observations recorded so far.
func (o *Observer) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	var s Stats
	s.DistinctPorts = len(o.records)
	for _, r := range o.records {
		s.TotalObservations += r.count
		if r.lastAllocated {
			s.AllocatedObserved++
		}
	}
	return s
}
