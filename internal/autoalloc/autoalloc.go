// Package autoalloc computes and persists a new, non-overlapping
// service-type range when the allocator encounters an unknown service
// type. The range computation happens entirely inside the user config's
// advisory lock (both the re-check and the gap computation), which is the
// fix spec.md §4.5 mandates for the reference implementation's
// gap-spacing race: serializing range selection under one lock makes
// gapSize spacing exact, not merely "never overlapping".
package autoalloc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"

	"github.com/styxy-dev/styxy/internal/allocerr"
	"github.com/styxy-dev/styxy/internal/audit"
	"github.com/styxy-dev/styxy/internal/model"
	"github.com/styxy-dev/styxy/internal/userconfig"
)

// Catalogue is the subset of catalogue.Catalogue autoalloc needs.
type Catalogue interface {
	Get(name string) (model.ServiceType, bool)
	Ranges() []model.Range
	Reload() error
}

// AutoAllocator computes and commits new service-type ranges.
type AutoAllocator struct {
	store   *userconfig.Store
	cat     Catalogue
	cfg     func() model.AutoAllocationConfig
	audit   *audit.Logger
	logger  *slog.Logger
}

// New creates an AutoAllocator. cfg is called fresh on every invocation so
// that a reloaded AutoAllocationConfig (itself part of the user config) is
// always honored.
func New(store *userconfig.Store, cat Catalogue, cfg func() model.AutoAllocationConfig, auditLog *audit.Logger) *AutoAllocator {
	return &AutoAllocator{
		store:  store,
		cat:    cat,
		cfg:    cfg,
		audit:  auditLog,
		logger: slog.With("component", "autoalloc"),
	}
}

// AutoAllocate runs the algorithm of spec.md §4.5 for serviceType. On
// success the catalogue has been reloaded and now contains serviceType.
func (a *AutoAllocator) AutoAllocate(ctx context.Context, serviceType string) error {
	cfg := a.cfg()
	if !cfg.Enabled {
		return allocerr.New(allocerr.UnknownServiceType, "auto-allocation is disabled").
			WithHint("add the service type to the user config, or enable auto_allocation")
	}

	chunkSize := matchChunkSize(cfg, serviceType)
	var chosen model.Range
	errExists := errors.New("service type already exists")

	err := a.store.Atomic(ctx, func(doc *userconfig.Document) error {
		// Step 2: re-check inside the lock — another writer may have won
		// the race since the allocator's precondition check.
		for _, st := range doc.ServiceTypes {
			if st.Name == serviceType {
				return errExists // already exists; nothing to write
			}
		}
		if _, ok := a.cat.Get(serviceType); ok {
			return errExists
		}

		ranges := append([]model.Range{}, a.cat.Ranges()...)
		for _, st := range doc.ServiceTypes {
			ranges = append(ranges, st.Range)
		}
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].Lo < ranges[j].Lo })

		r, err := computeRange(ranges, cfg, chunkSize)
		if err != nil {
			return err
		}

		// Step 5: verify no overlap (concurrent catalogue mutation would
		// already be excluded by the lock, but re-derive defensively and
		// retry once).
		if overlapsAny(r, ranges) {
			r, err = computeRange(ranges, cfg, chunkSize)
			if err != nil {
				return err
			}
			if overlapsAny(r, ranges) {
				return allocerr.New(allocerr.NoRangeAvailable, fmt.Sprintf("could not find a non-overlapping range for %q", serviceType))
			}
		}

		doc.ServiceTypes = append(doc.ServiceTypes, model.ServiceType{
			Name:          serviceType,
			Range:         r,
			InstanceMode:  model.InstanceModeMulti,
			AutoAllocated: true,
		})
		chosen = r
		return nil
	})
	if errors.Is(err, errExists) {
		err = nil
	}
	if err != nil {
		if ae, ok := allocerr.As(err); ok {
			return ae
		}
		if errors.Is(err, userconfig.ErrLockTimeout) {
			return allocerr.New(allocerr.ConfigLockTimeout, err.Error())
		}
		return allocerr.New(allocerr.ConfigWriteFailed, err.Error())
	}

	if err := a.cat.Reload(); err != nil {
		return allocerr.New(allocerr.Internal, fmt.Sprintf("reload after auto-allocation: %v", err))
	}

	if chosen != (model.Range{}) && a.audit != nil {
		a.audit.Log(audit.Entry{
			Action:      audit.ActionAutoAllocation,
			ServiceType: serviceType,
			RangeLo:     chosen.Lo,
			RangeHi:     chosen.Hi,
			Placement:   string(cfg.Placement),
			ChunkSize:   chunkSize,
		})
	}

	a.logger.Info("auto-allocated service type", "service_type", serviceType, "range_lo", chosen.Lo, "range_hi", chosen.Hi, "placement", cfg.Placement)
	return nil
}

// matchChunkSize returns the first matching glob rule's chunk size, else
// the default.
func matchChunkSize(cfg model.AutoAllocationConfig, serviceType string) int {
	for _, rule := range cfg.Rules {
		if ok, err := path.Match(rule.Pattern, serviceType); err == nil && ok && rule.ChunkSize > 0 {
			return rule.ChunkSize
		}
	}
	if cfg.DefaultChunkSize > 0 {
		return cfg.DefaultChunkSize
	}
	return 10
}

func overlapsAny(r model.Range, ranges []model.Range) bool {
	for _, other := range ranges {
		if r.Overlaps(other) {
			return true
		}
	}
	return false
}

// computeRange implements the after/before/smart placement strategies of
// spec.md §4.5 step 4.
func computeRange(ranges []model.Range, cfg model.AutoAllocationConfig, chunk int) (model.Range, error) {
	switch cfg.Placement {
	case model.PlacementBefore:
		return computeBefore(ranges, cfg, chunk)
	case model.PlacementSmart:
		if r, ok := computeSmart(ranges, cfg, chunk); ok {
			return r, nil
		}
		return computeAfter(ranges, cfg, chunk)
	default:
		return computeAfter(ranges, cfg, chunk)
	}
}

func computeAfter(ranges []model.Range, cfg model.AutoAllocationConfig, chunk int) (model.Range, error) {
	maxHi := cfg.MinPort - 1
	for _, r := range ranges {
		if r.Hi > maxHi {
			maxHi = r.Hi
		}
	}
	start := maxHi + cfg.GapSize + 1
	end := start + chunk - 1
	if end > cfg.MaxPort {
		return model.Range{}, allocerr.New(allocerr.NoRangeAvailable, "no range available after existing ranges within max_port")
	}
	return model.Range{Lo: start, Hi: end}, nil
}

func computeBefore(ranges []model.Range, cfg model.AutoAllocationConfig, chunk int) (model.Range, error) {
	minLo := cfg.MaxPort + 1
	for _, r := range ranges {
		if r.Lo < minLo {
			minLo = r.Lo
		}
	}
	start := minLo - cfg.GapSize - chunk
	if start < cfg.MinPort {
		return model.Range{}, allocerr.New(allocerr.NoRangeAvailable, "no range available before existing ranges within min_port")
	}
	return model.Range{Lo: start, Hi: start + chunk - 1}, nil
}

// computeSmart searches for a gap between consecutive existing ranges big
// enough to fit chunk plus padding on both sides.
func computeSmart(ranges []model.Range, cfg model.AutoAllocationConfig, chunk int) (model.Range, bool) {
	if len(ranges) == 0 {
		return model.Range{}, false
	}
	needed := chunk + 2*cfg.GapSize

	for i := 0; i < len(ranges)-1; i++ {
		gapStart := ranges[i].Hi + 1
		gapEnd := ranges[i+1].Lo - 1
		if gapEnd-gapStart+1 >= needed {
			start := gapStart + cfg.GapSize
			return model.Range{Lo: start, Hi: start + chunk - 1}, true
		}
	}
	return model.Range{}, false
}
