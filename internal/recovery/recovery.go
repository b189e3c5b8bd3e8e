// Package recovery implements the five-step startup recovery pipeline
// (spec.md §4.8): validate the persisted snapshot, validate the user
// config, clean orphaned allocations, fix singleton duplicates, and
// rebuild the registry's indexes. It runs once per daemon start, before
// the HTTP surface opens, and is grounded on the teacher's
// internal/daemon/state.go atomic-file idiom (via internal/snapshotstore)
// generalized to a five-step, independently-reportable pipeline.
package recovery

import (
	"context"
	"log/slog"
	"sort"

	"github.com/styxy-dev/styxy/internal/audit"
	"github.com/styxy-dev/styxy/internal/model"
	"github.com/styxy-dev/styxy/internal/prober"
	"github.com/styxy-dev/styxy/internal/registry"
	"github.com/styxy-dev/styxy/internal/snapshotstore"
	"github.com/styxy-dev/styxy/internal/userconfig"
)

// Catalogue is the subset of catalogue.Catalogue recovery needs to decide
// singleton integrity.
type Catalogue interface {
	Get(name string) (model.ServiceType, bool)
}

// Report is the outcome of a Run, independently tracking each of the five
// steps.
type Report struct {
	Success  []string
	Failed   []string
	Warnings []string
}

func (r *Report) ok(step string)   { r.Success = append(r.Success, step) }
func (r *Report) fail(step string) { r.Failed = append(r.Failed, step) }
func (r *Report) warn(msg string)  { r.Warnings = append(r.Warnings, msg) }

// Recovery runs the startup recovery pipeline.
type Recovery struct {
	snapStore  *snapshotstore.Store
	userConfig *userconfig.Store
	registry   *registry.Registry
	catalogue  Catalogue
	prober     *prober.Prober
	audit      *audit.Logger
	logger     *slog.Logger

	backupCorrupted bool
	isAlive         func(pid int) bool
}

// New creates a Recovery pipeline. backupCorrupted mirrors
// model.SystemRecoveryPolicy.BackupCorruptedState.
func New(snapStore *snapshotstore.Store, userConfig *userconfig.Store, reg *registry.Registry, cat Catalogue, p *prober.Prober, auditLog *audit.Logger, backupCorrupted bool) *Recovery {
	return &Recovery{
		snapStore:       snapStore,
		userConfig:      userConfig,
		registry:        reg,
		catalogue:       cat,
		prober:          p,
		audit:           auditLog,
		logger:          slog.With("component", "recovery"),
		backupCorrupted: backupCorrupted,
		isAlive:         processAlive,
	}
}

// Run executes all five steps, restores the repaired state into the
// registry, persists it, and emits a single SYSTEM_RECOVERY_COMPLETE audit
// event. It never returns an error: a failure in any step is recorded in
// the Report rather than aborting the remaining steps.
func (r *Recovery) Run(ctx context.Context) Report {
	var report Report

	snap := r.validateSnapshot(&report)
	r.validateUserConfig(&report)
	allocations := r.cleanOrphans(&report, snap.Allocations)
	allocations = r.enforceSingletonIntegrity(&report, allocations)
	singletons := r.rebuildIndexes(&report, allocations)

	r.registry.RestoreFromSnapshot(allocations, singletons)

	final := model.Snapshot{
		Allocations: allocations,
		Singletons:  singletons,
		Instances:   snap.Instances,
		Version:     model.CurrentSnapshotVersion,
	}
	if final.Instances == nil {
		final.Instances = []model.Instance{}
	}
	if err := r.snapStore.Save(final); err != nil {
		report.fail("persist_repaired_snapshot")
		r.logger.Error("failed to persist repaired snapshot", "error", err)
	}

	if r.audit != nil {
		r.audit.Log(audit.Entry{
			Action:   audit.ActionSystemRecoveryComplete,
			Success:  report.Success,
			Failed:   report.Failed,
			Warnings: report.Warnings,
		})
	}
	r.logger.Info("startup recovery complete", "success", report.Success, "failed", report.Failed, "warnings", len(report.Warnings))
	return report
}

// validateSnapshot implements step 1.
func (r *Recovery) validateSnapshot(report *Report) model.Snapshot {
	snap, err := r.snapStore.Load()
	if err == nil {
		report.ok("validate_snapshot")
		return snap
	}

	report.warn("snapshot file was malformed: " + err.Error())
	if r.backupCorrupted {
		if backupPath, backupErr := r.snapStore.Backup(); backupErr != nil {
			r.logger.Error("failed to back up corrupted snapshot", "error", backupErr)
			report.fail("validate_snapshot")
			return model.Empty()
		} else if backupPath != "" {
			r.logger.Warn("backed up corrupted snapshot", "path", backupPath)
		}
	}
	report.ok("validate_snapshot") // auto-repaired: empty snapshot initialized
	return model.Empty()
}

// validateUserConfig implements step 2: failures are reported but never
// auto-repaired.
func (r *Recovery) validateUserConfig(report *Report) {
	if _, err := r.userConfig.Load(); err != nil {
		report.warn("user config is invalid, continuing with previous catalogue: " + err.Error())
		report.fail("validate_user_config")
		return
	}
	report.ok("validate_user_config")
}

// cleanOrphans implements step 3: an allocation is orphaned if its process
// is absent or dead, or if the port it claims is actually free.
func (r *Recovery) cleanOrphans(report *Report, allocations []model.Allocation) []model.Allocation {
	kept := make([]model.Allocation, 0, len(allocations))
	for _, a := range allocations {
		if a.ProcessID == 0 || !r.isAlive(a.ProcessID) {
			continue
		}
		if r.prober.Probe(a.Port) {
			// Probe succeeded binding the port, meaning nothing holds it.
			continue
		}
		kept = append(kept, a)
	}
	report.ok("clean_orphans")
	return kept
}

// enforceSingletonIntegrity implements step 4: for each singleton service
// type with more than one surviving allocation, keep the most recent and
// drop the rest.
func (r *Recovery) enforceSingletonIntegrity(report *Report, allocations []model.Allocation) []model.Allocation {
	byType := make(map[string][]model.Allocation)
	for _, a := range allocations {
		byType[a.ServiceType] = append(byType[a.ServiceType], a)
	}

	var kept []model.Allocation
	for serviceType, group := range byType {
		st, known := r.catalogue.Get(serviceType)
		if !known || !st.IsSingleton() || len(group) <= 1 {
			kept = append(kept, group...)
			continue
		}

		sort.Slice(group, func(i, j int) bool { return group[i].AllocatedAt.After(group[j].AllocatedAt) })
		kept = append(kept, group[0])
	}

	report.ok("singleton_integrity")
	return kept
}

// rebuildIndexes implements step 5: derive the SingletonRef map fresh from
// the canonical allocation set.
func (r *Recovery) rebuildIndexes(report *Report, allocations []model.Allocation) map[string]model.SingletonRef {
	singletons := make(map[string]model.SingletonRef)
	for _, a := range allocations {
		st, known := r.catalogue.Get(a.ServiceType)
		if !known || !st.IsSingleton() {
			continue
		}
		singletons[a.ServiceType] = model.SingletonRef{
			ServiceType: a.ServiceType,
			Port:        a.Port,
			LockID:      a.LockID,
			InstanceID:  a.InstanceID,
			ProcessID:   a.ProcessID,
			AllocatedAt: a.AllocatedAt,
		}
	}
	report.ok("rebuild_indexes")
	return singletons
}
