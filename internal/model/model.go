// Package model holds the data shapes shared by every component of the
// daemon: the Allocation and ServiceType records, the singleton reference,
// the persisted Snapshot, and the mutable runtime configs. Keeping these in
// one leaf package (rather than scattering them across catalogue/registry)
// avoids import cycles between the components that all need to agree on
// what an Allocation looks like.
package model

import "time"

// InstanceMode controls how many live allocations a service type may have
// at once.
type InstanceMode string

const (
	InstanceModeMulti  InstanceMode = "multi"
	InstanceModeSingle InstanceMode = "single"
)

// Placement is the strategy auto-allocation uses to pick a new range.
type Placement string

const (
	PlacementAfter  Placement = "after"
	PlacementBefore Placement = "before"
	PlacementSmart  Placement = "smart"
)

// Allocation is the unit of assignment: a live binding from a port to a
// lockId, serviceType, and requesting instance.
type Allocation struct {
	Port        int       `json:"port"`
	LockID      string    `json:"lock_id"`
	ServiceType string    `json:"service_type"`
	ServiceName string    `json:"service_name,omitempty"`
	InstanceID  string    `json:"instance_id,omitempty"`
	ProjectPath string    `json:"project_path,omitempty"`
	ProcessID   int       `json:"process_id,omitempty"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// Range is an inclusive [Lo, Hi] port interval.
type Range struct {
	Lo int `json:"lo"`
	Hi int `json:"hi"`
}

// Contains reports whether port lies within the range, inclusive.
func (r Range) Contains(port int) bool {
	return port >= r.Lo && port <= r.Hi
}

// Overlaps reports whether r and other share any port.
func (r Range) Overlaps(other Range) bool {
	return r.Lo <= other.Hi && other.Lo <= r.Hi
}

// ServiceType is a row of the catalogue: a named category with a port
// range, preferred ports tried first, and an instance mode.
type ServiceType struct {
	Name          string       `json:"name"`
	Preferred     []int        `json:"preferred,omitempty"`
	Range         Range        `json:"range"`
	InstanceMode  InstanceMode `json:"instance_mode,omitempty"`
	AutoAllocated bool         `json:"auto_allocated,omitempty"`
}

// IsSingleton reports whether this service type allows only one live
// allocation at a time.
func (s ServiceType) IsSingleton() bool {
	return s.InstanceMode == InstanceModeSingle
}

// SingletonRef records the single live allocation for a singleton service
// type. It duplicates a subset of Allocation fields (rather than pointing
// at one) so that the registry's two maps stay independently indexable by
// primitive keys, per spec.md §9's "no parent/child pointers" guidance.
type SingletonRef struct {
	ServiceType string    `json:"service_type"`
	Port        int       `json:"port"`
	LockID      string    `json:"lock_id"`
	InstanceID  string    `json:"instance_id,omitempty"`
	ProcessID   int       `json:"process_id,omitempty"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// Instance is a client session (CLI, editor, AI agent) that may hold
// allocations and send heartbeats.
type Instance struct {
	InstanceID       string            `json:"instance_id"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	RegisteredAt     time.Time         `json:"registered_at"`
	LastHeartbeatAt  time.Time         `json:"last_heartbeat_at"`
}

// AutoAllocationRule overrides the default chunk size for service-type names
// matching Pattern, a glob-style pattern (matched with path.Match semantics).
// PreferredRangeStart is decoded but internal/autoalloc does not read it; the
// start of a new range always comes from the configured placement.
type AutoAllocationRule struct {
	Pattern             string `json:"pattern"`
	ChunkSize           int    `json:"chunk_size,omitempty"`
	PreferredRangeStart int    `json:"preferred_range_start,omitempty"`
}

// AutoAllocationConfig holds the process-wide auto-allocation knobs.
type AutoAllocationConfig struct {
	Enabled          bool                 `json:"enabled"`
	DefaultChunkSize int                  `json:"default_chunk_size"`
	Placement        Placement            `json:"placement"`
	MinPort          int                  `json:"min_port"`
	MaxPort          int                  `json:"max_port"`
	PreserveGaps     bool                 `json:"preserve_gaps"`
	GapSize          int                  `json:"gap_size"`
	Rules            []AutoAllocationRule `json:"rules,omitempty"`
}

// PortConflictPolicy controls allocation retry/probe behavior.
type PortConflictPolicy struct {
	Enabled           bool    `json:"enabled"`
	CheckAvailability bool    `json:"check_availability"`
	MaxRetries        int     `json:"max_retries"`
	BackoffMs         int     `json:"backoff_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

// HealthMonitoringPolicy controls the reaper.
type HealthMonitoringPolicy struct {
	Enabled                bool `json:"enabled"`
	CheckIntervalMs        int  `json:"check_interval_ms"`
	MaxFailures            int  `json:"max_failures"`
	CleanupStaleAllocations bool `json:"cleanup_stale_allocations"`
}

// SystemRecoveryPolicy controls startup recovery.
type SystemRecoveryPolicy struct {
	Enabled              bool `json:"enabled"`
	RunOnStartup         bool `json:"run_on_startup"`
	BackupCorruptedState bool `json:"backup_corrupted_state"`
	MaxRecoveryAttempts  int  `json:"max_recovery_attempts"`
}

// RecoveryConfig bundles the three recovery sub-policies.
type RecoveryConfig struct {
	PortConflict      PortConflictPolicy     `json:"port_conflict"`
	HealthMonitoring  HealthMonitoringPolicy `json:"health_monitoring"`
	SystemRecovery    SystemRecoveryPolicy   `json:"system_recovery"`
}

// Snapshot is the durable shape of the registry on disk — the only
// persisted state.
type Snapshot struct {
	Allocations []Allocation            `json:"allocations"`
	Singletons  map[string]SingletonRef `json:"singletonServices"`
	Instances   []Instance               `json:"instances"`
	Version     string                   `json:"version"`
}

// CurrentSnapshotVersion is stamped onto every Snapshot this daemon writes.
const CurrentSnapshotVersion = "1"

// Empty returns a zero-value, well-formed Snapshot.
func Empty() Snapshot {
	return Snapshot{
		Allocations: []Allocation{},
		Singletons:  map[string]SingletonRef{},
		Instances:   []Instance{},
		Version:     CurrentSnapshotVersion,
	}
}
