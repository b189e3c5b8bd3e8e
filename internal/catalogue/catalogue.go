// Package catalogue is the in-memory map of service-type → allocation
// policy (preferred ports, range, instance mode). It is read-mostly: the
// only writer is reload, which swaps the whole map under the catalogue's own
// mutex. Reload does not take the lock that guards the user config file
// (internal/userconfig): auto-allocation reloads after that lock is
// released, and the daemon's file watcher reloads without it.
package catalogue

import (
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/styxy-dev/styxy/internal/model"
)

//go:embed defaults.json
var embedded embed.FS

// defaultServiceTypes is decoded once from the embedded shipped config.
func defaultServiceTypes() ([]model.ServiceType, error) {
	data, err := embedded.ReadFile("defaults.json")
	if err != nil {
		return nil, fmt.Errorf("reading embedded defaults: %w", err)
	}
	var types []model.ServiceType
	if err := json.Unmarshal(data, &types); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}
	return types, nil
}

// UserConfigReader is the subset of userconfig.Store that catalogue needs
// to merge shipped defaults with user overrides. Defined here (rather than
// imported directly) to keep catalogue from depending on userconfig's
// locking machinery — it only needs the decoded document.
type UserConfigReader interface {
	ServiceTypes() ([]model.ServiceType, error)
}

// Catalogue is the merged, validated set of service types.
type Catalogue struct {
	mu     sync.RWMutex
	byName map[string]model.ServiceType
	logger *slog.Logger
	source UserConfigReader
}

// New creates a Catalogue backed by the given user config reader. Call
// Load before using it.
func New(source UserConfigReader) *Catalogue {
	return &Catalogue{
		byName: make(map[string]model.ServiceType),
		logger: slog.With("component", "catalogue"),
		source: source,
	}
}

// Load reads shipped defaults, overlays user config, validates the result,
// and installs it as the current catalogue. On validation failure the
// previous valid catalogue (if any) is kept and the error is returned as a
// warning to the caller — it is the caller's job to log it; Load never
// discards good state for bad.
func (c *Catalogue) Load() error {
	return c.loadOrReload()
}

// Reload re-reads shipped defaults and user config and re-validates, exactly
// like Load. It exists as a distinct name because callers (C5 after writing
// a new service type, or an external-edit file watcher) reload for a
// different reason than first boot, and the distinction is useful in logs.
func (c *Catalogue) Reload() error {
	return c.loadOrReload()
}

func (c *Catalogue) loadOrReload() error {
	shipped, err := defaultServiceTypes()
	if err != nil {
		return fmt.Errorf("loading shipped defaults: %w", err)
	}

	var userTypes []model.ServiceType
	if c.source != nil {
		userTypes, err = c.source.ServiceTypes()
		if err != nil {
			return fmt.Errorf("loading user config: %w", err)
		}
	}

	merged := make(map[string]model.ServiceType, len(shipped)+len(userTypes))
	for _, st := range shipped {
		merged[st.Name] = st
	}
	for _, st := range userTypes {
		merged[st.Name] = st // user config overrides shipped entries of the same name
	}

	if err := validate(merged); err != nil {
		return fmt.Errorf("validating catalogue: %w", err)
	}

	c.mu.Lock()
	c.byName = merged
	c.mu.Unlock()
	return nil
}

// validate checks that ranges are well-formed and pairwise disjoint, warns
// (but does not fail) when a preferred port lies outside its own range.
func validate(types map[string]model.ServiceType) error {
	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	sort.Strings(names)

	for i, a := range names {
		ra := types[a].Range
		if ra.Lo <= 0 || ra.Hi > 65535 || ra.Lo > ra.Hi {
			return fmt.Errorf("service type %q has an invalid range [%d,%d]", a, ra.Lo, ra.Hi)
		}
		for _, p := range types[a].Preferred {
			if !ra.Contains(p) {
				slog.Warn("preferred port outside service type range",
					"service_type", a, "port", p, "range_lo", ra.Lo, "range_hi", ra.Hi)
			}
		}
		for _, b := range names[i+1:] {
			rb := types[b].Range
			if ra.Overlaps(rb) {
				return fmt.Errorf("service types %q and %q have overlapping ranges", a, b)
			}
		}
	}
	return nil
}

// Get returns the named service type and whether it exists.
func (c *Catalogue) Get(name string) (model.ServiceType, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.byName[name]
	return st, ok
}

// All returns every service type, sorted by name for deterministic output.
func (c *Catalogue) All() []model.ServiceType {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]model.ServiceType, 0, len(c.byName))
	for _, st := range c.byName {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Ranges returns the sorted list of [lo,hi] ranges across all entries.
func (c *Catalogue) Ranges() []model.Range {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]model.Range, 0, len(c.byName))
	for _, st := range c.byName {
		out = append(out, st.Range)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lo < out[j].Lo })
	return out
}
