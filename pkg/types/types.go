package types

import "time"

// WorkloadSpec is the configuration for one pool's workload. It is not
// mutated at runtime; reconfiguring a pool means destroying and
// recreating it.
type WorkloadSpec struct {
	ID          string
	DisplayName string
	Image       string
	Command     []string
	Volumes     WorkloadVolumes
	Env         map[string]string
	User        string // numeric uid or username; empty means image default
	ReadOnlyRoot bool
	Networks    []string
	DNS         []string
	HealthCheck *HealthCheck
	Pool        *PoolDefaults
	Sync        *SyncSpec
	Hooks       *HookSpec
}

// WorkloadVolumes names the well-known volumes every container gets plus
// any operator-declared custom ones.
type WorkloadVolumes struct {
	State   VolumeSpec
	Secrets VolumeSpec
	Comm    VolumeSpec
	Custom  []VolumeSpec
}

// VolumeSpec describes one volume. Seed, if set, is copied into the
// volume directory on creation and after every wipe.
type VolumeSpec struct {
	Name string
	Seed string
}

// PoolDefaults carries the pool-sizing and timeout knobs a workload may
// declare. The Workload Registry validates them; a Pool is not filled in
// from them and carries its own sizing and timeouts.
type PoolDefaults struct {
	MinIdle           int
	MaxSize           int
	IdleTimeoutMs     int64
	AcquireTimeoutMs  int64
	FileIdleTTLMs     int64
}

// HealthCheck describes the container's readiness probe.
type HealthCheck struct {
	Command     []string
	IntervalMs  int64
	TimeoutMs   int64
	Retries     int
	StartPeriodMs int64
}

// SyncSpec configures the Sync Coordinator for a workload.
type SyncSpec struct {
	Sink     SinkConfig
	Mappings []SyncMapping
	Policy   SyncPolicy
}

// SinkConfig names a remote object store and its connection details. Type
// selects the SinkAdapter from the registry; the remaining fields are
// adapter-specific (an S3 adapter reads Bucket/Region/Endpoint/Prefix/
// AccessKey/SecretKey).
type SinkConfig struct {
	Type      string
	Bucket    string
	Region    string
	Endpoint  string
	Prefix    string
	AccessKey string
	SecretKey string
	Extra     map[string]string
}

// SyncMapping associates one container-side path with a sink-relative
// path and a transfer direction.
type SyncMapping struct {
	ContainerPath string
	SinkPath      string
	Direction     SyncDirection
	Pattern       string // optional include/exclude glob
}

// SyncDirection is the direction of one sync mapping.
type SyncDirection string

const (
	SyncDirectionUpload   SyncDirection = "upload"
	SyncDirectionDownload SyncDirection = "download"
	SyncDirectionBisync   SyncDirection = "bisync"
)

// SyncPolicy controls when syncs happen automatically.
type SyncPolicy struct {
	OnClaim     bool
	OnRelease   bool
	Manual      bool
	IntervalMs  int64 // 0 disables periodic sync
	Pattern     string
}

// HookSpec is the set of lifecycle hooks a workload declares.
type HookSpec struct {
	PostClaim  []HookCommand
	PreRelease []HookCommand
}

// HookCommand is one lifecycle hook step.
type HookCommand struct {
	Command   []string
	TimeoutMs int64
	OnError   HookErrorPolicy
	Retries   int
}

// HookErrorPolicy controls what happens when a hook step fails.
type HookErrorPolicy string

const (
	HookErrorFail     HookErrorPolicy = "fail"
	HookErrorContinue HookErrorPolicy = "continue"
	HookErrorRetry    HookErrorPolicy = "retry"
)

// PoolContainerStatus is the FSM state of a PoolContainer row.
type PoolContainerStatus string

const (
	ContainerStatusIdle     PoolContainerStatus = "idle"
	ContainerStatusClaimed  PoolContainerStatus = "claimed"
	ContainerStatusStopping PoolContainerStatus = "stopping"
)

// PoolContainer is a row owned exclusively by one Pool's Scheduler. The
// Store row is canonical; in-memory copies are snapshots.
type PoolContainer struct {
	ContainerID   string
	PoolID        string
	WorkloadID    string
	Status        PoolContainerStatus
	TenantID      string // non-empty iff Status == claimed
	LastTenantID  string // preserved across release, for affinity
	LastActivity  time.Time
	ClaimedAt     time.Time
	IdleExpiresAt time.Time // zero means "no reaper watch"
	CreatedAt     time.Time
}

// SyncState is the current state of one tenant's sync status row.
type SyncState string

const (
	SyncStateIdle    SyncState = "idle"
	SyncStateSyncing SyncState = "syncing"
	SyncStateError   SyncState = "error"
)

// SyncError is one entry in a SyncStatus error ring.
type SyncError struct {
	Message     string
	MappingPath string
	Timestamp   time.Time
}

// SyncStatus tracks sync progress for one (tenantId, syncId) pair. The
// invariant State == syncing iff PendingCount > 0 is maintained by the
// Coordinator, not by the Store.
type SyncStatus struct {
	TenantID     string
	SyncID       string
	State        SyncState
	PendingCount int
	Errors       []SyncError
	LastSyncAt   time.Time
}

// ActivityEventType enumerates the lifecycle events the Activity Log
// records.
type ActivityEventType string

const (
	EventContainerClaimed  ActivityEventType = "container.claimed"
	EventContainerReleased ActivityEventType = "container.released"
	EventSyncStarted       ActivityEventType = "sync.started"
	EventSyncCompleted     ActivityEventType = "sync.completed"
	EventSyncFailed        ActivityEventType = "sync.failed"
	EventHookStarted       ActivityEventType = "hook.started"
	EventHookCompleted     ActivityEventType = "hook.completed"
	EventHookFailed        ActivityEventType = "hook.failed"
	EventPoolCreated       ActivityEventType = "pool.created"
	EventPoolDestroyed     ActivityEventType = "pool.destroyed"
	EventWorkloadAdded     ActivityEventType = "workload.added"
	EventWorkloadUpdated   ActivityEventType = "workload.updated"
	EventWorkloadRemoved   ActivityEventType = "workload.removed"
	EventReaperExpired     ActivityEventType = "reaper.expired"
	EventRecoveryCompleted ActivityEventType = "recovery.completed"
)

// ActivityEvent is one append-only row in the Activity Log.
type ActivityEvent struct {
	ID          uint64
	Type        ActivityEventType
	PoolID      string
	ContainerID string
	TenantID    string
	Message     string
	Metadata    map[string]string
	Timestamp   time.Time
}

// Pool is the persisted configuration for one running Scheduler. At
// startup each row is re-attached to a new Scheduler via
// Registry.RestorePool, which succeeds only when the pool's workload
// spec is already registered in the Workload Registry.
type Pool struct {
	ID                 string
	WorkloadID         string
	MinIdle            int
	MaxSize            int
	IdleTimeoutMs      int64
	EvictionIntervalMs int64
	AcquireTimeoutMs   int64
	Networks           []string
	FileIdleTTLMs      int64
	CreatedAt          time.Time
}

// HookResult is the outcome of one hook attempt; a retried hook
// contributes one entry per attempt.
type HookResult struct {
	Command    []string
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMs int64
	TimedOut   bool
	ExecError  bool
}

// HookRunResult is the outcome of running a full hook list.
type HookRunResult struct {
	Aborted   bool
	AbortedAt int
	Results   []HookResult
}

// SyncResult is the outcome of one sync subprocess invocation.
type SyncResult struct {
	Success          bool
	BytesTransferred int64
	FilesTransferred int
	Errors           []string
	DurationMs       int64
	ErrorClass       SyncErrorClass
}

// SyncErrorClass is a label-only classification of a sync failure, used
// for observability rather than control flow.
type SyncErrorClass string

const (
	SyncErrorNone             SyncErrorClass = ""
	SyncErrorTimeout          SyncErrorClass = "timeout"
	SyncErrorPermissionDenied SyncErrorClass = "permission_denied"
	SyncErrorNetwork          SyncErrorClass = "network_error"
	SyncErrorTool             SyncErrorClass = "tool_error"
	SyncErrorUnknown          SyncErrorClass = "unknown"
)

// RecoveryReport summarizes one Recovery Reconciler pass.
type RecoveryReport struct {
	RuntimeCount        int
	StaleRows           int
	ForeignDestroyed    int
	ExpiredReservations int
}

// PoolStats are the aggregate numbers the Pool Registry exposes.
type PoolStats struct {
	TotalPools      int
	TotalContainers int
	ActiveContainers int
	IdleContainers  int
	TotalTenants    int
}
