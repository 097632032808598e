package sync

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ferrohost/poolkeeper/pkg/log"
	"github.com/ferrohost/poolkeeper/pkg/metrics"
	"github.com/ferrohost/poolkeeper/pkg/poolerr"
	"github.com/ferrohost/poolkeeper/pkg/runtime"
	"github.com/ferrohost/poolkeeper/pkg/store"
	"github.com/ferrohost/poolkeeper/pkg/types"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ActivityRecorder is the subset of the Activity Log the Coordinator
// publishes to.
type ActivityRecorder interface {
	Record(eventType types.ActivityEventType, poolID, containerID, tenantID, message string, metadata map[string]string)
}

// Direction is the direction requested by a manual triggerSync call.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
	DirectionBoth     Direction = "both"
)

// Coordinator mediates syncing between claimed containers' volumes and
// their configured remote sinks.
type Coordinator struct {
	st       store.Store
	driver   runtime.Driver
	executor *Executor
	activity ActivityRecorder
	logger   zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]bool // key: tenantID + "/" + sinkPath
	cronJobs map[string]*cron.Cron
	c        *cron.Cron
}

func New(st store.Store, driver runtime.Driver, activity ActivityRecorder) *Coordinator {
	c := cron.New()
	c.Start()
	return &Coordinator{
		st:       st,
		driver:   driver,
		executor: NewExecutor(),
		activity: activity,
		logger:   log.WithComponent("sync"),
		inFlight: make(map[string]bool),
		cronJobs: make(map[string]*cron.Cron),
		c:        c,
	}
}

func inFlightKey(tenantID, sinkPath string) string { return tenantID + "/" + sinkPath }

// tryAcquire returns true if the (tenantID, sinkPath) pair was free
// and is now marked running; false means an attempt is already in
// flight and this one is coalesced (skipped).
func (c *Coordinator) tryAcquire(tenantID, sinkPath string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := inFlightKey(tenantID, sinkPath)
	if c.inFlight[key] {
		return false
	}
	c.inFlight[key] = true
	return true
}

func (c *Coordinator) release(tenantID, sinkPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, inFlightKey(tenantID, sinkPath))
}

// OnClaim runs the initial materialization for every mapping: download
// or bisync per mapping.direction, passing resync=initial so
// bidirectional state is established from scratch.
func (c *Coordinator) OnClaim(ctx context.Context, tenantID, containerID, poolID string, sync *types.SyncSpec, initial bool) {
	if sync == nil {
		return
	}
	for _, m := range sync.Mappings {
		mode := ModeSync
		if m.Direction == types.SyncDirectionBisync {
			mode = ModeBisync
		}
		c.runMapping(ctx, tenantID, containerID, poolID, sync.Sink, m, mode, true, initial)
	}
}

// OnRelease flushes every mapping back to its sink: upload, or a
// bidirectional flush for bisync mappings.
func (c *Coordinator) OnRelease(ctx context.Context, tenantID, containerID, poolID string, sync *types.SyncSpec) {
	if sync == nil {
		return
	}
	for _, m := range sync.Mappings {
		mode := ModeSync
		if m.Direction == types.SyncDirectionBisync {
			mode = ModeBisync
		}
		c.runMapping(ctx, tenantID, containerID, poolID, sync.Sink, m, mode, false, false)
	}
}

// TriggerSync is the manual invocation entry point.
func (c *Coordinator) TriggerSync(ctx context.Context, tenantID, containerID, poolID string, spec *types.SyncSpec, direction Direction) {
	if spec == nil {
		return
	}
	for _, m := range spec.Mappings {
		mode := ModeSync
		toContainer := direction == DirectionDownload
		if direction == DirectionBoth {
			mode = ModeBisync
		}
		c.runMapping(ctx, tenantID, containerID, poolID, spec.Sink, m, mode, toContainer, false)
	}
}

// StartPeriodic schedules a recurring "both" resync per tenantID for
// the lifetime of the claim, per policy.IntervalMs. Jobs are keyed by
// tenantID alone: while one is scheduled for a tenant, a further call
// for the same tenant (even for another workload) schedules nothing.
// The caller must call StopPeriodic on release.
func (c *Coordinator) StartPeriodic(tenantID, containerID, poolID string, spec *types.SyncSpec) {
	if spec == nil || spec.Policy.IntervalMs <= 0 {
		return
	}

	key := tenantID
	c.mu.Lock()
	if _, exists := c.cronJobs[key]; exists {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	interval := time.Duration(spec.Policy.IntervalMs) * time.Millisecond
	schedule := cron.ConstantDelaySchedule{Delay: interval}

	jobCron := cron.New()
	jobCron.Schedule(schedule, cron.FuncJob(func() {
		c.TriggerSync(context.Background(), tenantID, containerID, poolID, spec, DirectionBoth)
	}))
	jobCron.Start()

	c.mu.Lock()
	c.cronJobs[key] = jobCron
	c.mu.Unlock()
}

// StopPeriodic cancels the periodic resync started for tenantID, if any.
func (c *Coordinator) StopPeriodic(tenantID string) {
	c.mu.Lock()
	job, ok := c.cronJobs[tenantID]
	if ok {
		delete(c.cronJobs, tenantID)
	}
	c.mu.Unlock()
	if ok {
		job.Stop()
	}
}

func (c *Coordinator) runMapping(ctx context.Context, tenantID, containerID, poolID string, sink types.SinkConfig, m types.SyncMapping, mode Mode, toContainer, resync bool) {
	if !c.tryAcquire(tenantID, m.SinkPath) {
		c.logger.Debug().Str("tenant_id", tenantID).Str("sink_path", m.SinkPath).Msg("sync coalesced: already in flight")
		metrics.SyncCoalescedTotal.Inc()
		return
	}
	defer c.release(tenantID, m.SinkPath)

	adapter, ok := AdapterFor(sink.Type)
	if !ok {
		c.logger.Error().Str("sink_type", sink.Type).Msg("no sink adapter registered")
		return
	}
	remote := adapter.BuildRemotePath(sink, tenantID, m.SinkPath)
	args := adapter.Args(sink)

	src, dst := m.ContainerPath, remote
	if toContainer {
		src, dst = remote, m.ContainerPath
	}

	status, err := c.st.GetSyncStatus(tenantID, m.SinkPath)
	if err != nil || status == nil {
		status = &types.SyncStatus{TenantID: tenantID, SyncID: m.SinkPath}
	}
	status.State = types.SyncStateSyncing
	status.PendingCount++
	status.LastSyncAt = time.Now()
	_ = c.st.UpsertSyncStatus(status)

	if c.activity != nil {
		c.activity.Record(types.EventSyncStarted, poolID, containerID, tenantID, "sync started for "+m.SinkPath, map[string]string{"mode": string(mode)})
	}

	timer := metrics.NewTimer()
	result := c.executor.Run(ctx, mode, src, dst, args, m.Pattern, resync)
	timer.ObserveDurationVec(metrics.SyncDuration, string(mode))

	status.PendingCount = 0
	status.LastSyncAt = time.Now()
	if result.Success {
		status.State = types.SyncStateIdle
		status.Errors = nil
		if c.activity != nil {
			c.activity.Record(types.EventSyncCompleted, poolID, containerID, tenantID, "sync completed for "+m.SinkPath, map[string]string{
				"bytes": strconv.FormatInt(result.BytesTransferred, 10),
				"files": strconv.Itoa(result.FilesTransferred),
			})
		}
	} else {
		status.State = types.SyncStateError
		metrics.SyncFailuresTotal.WithLabelValues(string(result.ErrorClass)).Inc()
		msg := "sync failed"
		if len(result.Errors) > 0 {
			msg = result.Errors[0]
		}
		status.Errors = appendBounded(status.Errors, types.SyncError{Message: msg, MappingPath: m.SinkPath, Timestamp: time.Now()}, 20)
		if c.activity != nil {
			c.activity.Record(types.EventSyncFailed, poolID, containerID, tenantID, "sync failed for "+m.SinkPath+": "+msg, map[string]string{"error_class": string(result.ErrorClass)})
		}

		// sync.failed does not abort a claim: runMapping returns
		// nothing, so the failure is only recorded in SyncStatus and
		// the Activity Log, including for an initial download.
	}
	_ = c.st.UpsertSyncStatus(status)
}

// SyncErr builds a SyncFailed error for a caller that inspects
// SyncStatus itself and decides to abort a claim. The Claim pipeline
// does not call it.
func SyncErr(tenantID, sinkPath, reason string) error {
	return &poolerr.SyncFailed{TenantID: tenantID, SinkPath: sinkPath, Reason: reason}
}

func appendBounded(errs []types.SyncError, e types.SyncError, max int) []types.SyncError {
	errs = append(errs, e)
	if len(errs) > max {
		errs = errs[len(errs)-max:]
	}
	return errs
}

// Close stops the periodic-sync cron scheduler.
func (c *Coordinator) Close() {
	c.mu.Lock()
	for _, job := range c.cronJobs {
		job.Stop()
	}
	c.mu.Unlock()
	c.c.Stop()
}
