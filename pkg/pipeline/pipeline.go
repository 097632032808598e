// Package pipeline implements the Claim/Release Pipeline (spec §4.4):
// the fixed step ordering that drives the Scheduler, Sync Coordinator,
// Lifecycle Hooks, and Idle Reaper for one tenant's lease of a pool
// container.
package pipeline

import (
	"context"
	"time"

	"github.com/ferrohost/poolkeeper/pkg/containermgr"
	"github.com/ferrohost/poolkeeper/pkg/hooks"
	"github.com/ferrohost/poolkeeper/pkg/log"
	"github.com/ferrohost/poolkeeper/pkg/poolerr"
	"github.com/ferrohost/poolkeeper/pkg/scheduler"
	"github.com/ferrohost/poolkeeper/pkg/store"
	"github.com/ferrohost/poolkeeper/pkg/sync"
	"github.com/ferrohost/poolkeeper/pkg/types"
	"github.com/rs/zerolog"
)

// PoolLookup resolves a poolID to the running Scheduler and Pool
// configuration that owns it. The Pool Registry satisfies this.
type PoolLookup interface {
	SchedulerFor(poolID string) (*scheduler.Scheduler, *types.Pool, error)
}

// WorkloadLookup resolves a workloadID to its validated spec. The
// Workload Registry satisfies this.
type WorkloadLookup interface {
	Get(id string) (*types.WorkloadSpec, error)
}

// ActivityRecorder is the subset of the Activity Log the pipeline
// publishes to.
type ActivityRecorder interface {
	Record(eventType types.ActivityEventType, poolID, containerID, tenantID, message string, metadata map[string]string)
}

// ReaperWatcher is the subset of the Idle Reaper the pipeline drives.
// Defined here (rather than importing pkg/reaper's concrete type
// directly) because the Reaper's own onExpiry callback calls back into
// Release, and a direct import cycle would result otherwise.
type ReaperWatcher interface {
	Watch(containerID, tenantID, poolID, stateDir string, ttlMs int64)
	Unwatch(containerID string)
}

// ClaimResult is returned to the caller on a successful claim.
type ClaimResult struct {
	Container *types.PoolContainer
	Hostname  string
}

// ReleaseOpts controls optional release behavior.
type ReleaseOpts struct {
	SkipSync bool
}

// Pipeline wires the collaborators the claim/release steps drive.
type Pipeline struct {
	pools     PoolLookup
	workloads WorkloadLookup
	mgr       *containermgr.Manager
	syncCoord *sync.Coordinator
	hookRunner *hooks.Runner
	reaper    ReaperWatcher
	activity  ActivityRecorder
	st        store.Store
	logger    zerolog.Logger
}

func New(pools PoolLookup, workloads WorkloadLookup, mgr *containermgr.Manager, syncCoord *sync.Coordinator, hookRunner *hooks.Runner, reaper ReaperWatcher, activity ActivityRecorder, st store.Store) *Pipeline {
	return &Pipeline{
		pools:      pools,
		workloads:  workloads,
		mgr:        mgr,
		syncCoord:  syncCoord,
		hookRunner: hookRunner,
		reaper:     reaper,
		activity:   activity,
		st:         st,
		logger:     log.WithComponent("pipeline"),
	}
}

// Claim runs the eight-step admission sequence from spec §4.4.
func (p *Pipeline) Claim(ctx context.Context, tenantID, poolID string) (*ClaimResult, error) {
	sched, pool, err := p.pools.SchedulerFor(poolID)
	if err != nil {
		return nil, err
	}
	workload, err := p.workloads.Get(pool.WorkloadID)
	if err != nil {
		return nil, err
	}

	// 1. Acquire.
	acquired, err := sched.Acquire(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	container := acquired.Container
	containerID := container.ContainerID

	// 2. Emit container.claimed.
	if p.activity != nil {
		p.activity.Record(types.EventContainerClaimed, poolID, containerID, tenantID, "container claimed", map[string]string{"affinity": boolStr(acquired.Affinity)})
	}

	// 3. Sync onClaim, best-effort.
	if workload.Sync != nil {
		direction := "download"
		if acquired.Affinity {
			direction = "bisync"
		}
		if p.activity != nil {
			p.activity.Record(types.EventSyncStarted, poolID, containerID, tenantID, "initial sync ("+direction+")", nil)
		}
		p.syncCoord.OnClaim(ctx, tenantID, containerID, poolID, workload.Sync, !acquired.Affinity)
		p.syncCoord.StartPeriodic(tenantID, containerID, poolID, workload.Sync)
	}

	// 4. Restart.
	if err := p.mgr.Restart(ctx, containerID, 2*time.Second); err != nil {
		return nil, &poolerr.RuntimeError{Op: "restart", Err: err}
	}

	// 5. Wait for healthy.
	intervalMs, timeoutMs := int64(1000), int64(30000)
	if workload.HealthCheck != nil {
		if workload.HealthCheck.IntervalMs > 0 {
			intervalMs = workload.HealthCheck.IntervalMs
		}
		if workload.HealthCheck.TimeoutMs > 0 {
			timeoutMs = workload.HealthCheck.TimeoutMs
		}
	}
	if err := p.mgr.WaitForHealthy(ctx, containerID, intervalMs, timeoutMs); err != nil {
		return nil, err
	}

	// 6. Post-claim hooks.
	if workload.Hooks != nil && len(workload.Hooks.PostClaim) > 0 {
		result := p.hookRunner.Run(ctx, hooks.PostClaim, containerID, poolID, tenantID, workload.Hooks.PostClaim)
		if result.Aborted {
			_, _ = p.Release(ctx, tenantID, ReleaseOpts{SkipSync: true})
			return nil, hooks.HookAbortedError(hooks.PostClaim, result)
		}
	}

	// 7. Reaper watch.
	if pool.FileIdleTTLMs > 0 && p.reaper != nil {
		paths := p.mgr.HostPaths(containerID)
		p.reaper.Watch(containerID, tenantID, poolID, paths.StateDir, pool.FileIdleTTLMs)
	}

	// 8. Return.
	return &ClaimResult{Container: container, Hostname: "container-" + containerID}, nil
}

// Release runs the five-step release sequence from spec §4.4. It is
// idempotent: releasing a tenant with no claimed container succeeds.
func (p *Pipeline) Release(ctx context.Context, tenantID string, opts ReleaseOpts) (*types.PoolContainer, error) {
	// Search every known pool for this tenant's claim. The caller
	// usually already knows poolID; when it doesn't (e.g. reaper
	// expiry), this still resolves correctly since a tenant holds at
	// most one claim pool-wide in this design's intended usage.
	container, sched, pool, err := p.findClaim(tenantID)
	if err != nil {
		return nil, err
	}
	if container == nil {
		return nil, nil // 1. absent: idempotent success.
	}
	containerID := container.ContainerID

	// 2. Reaper unwatch.
	if p.reaper != nil {
		p.reaper.Unwatch(containerID)
	}

	workload, err := p.workloads.Get(pool.WorkloadID)
	if err != nil {
		return nil, err
	}

	// 3. Pre-release hooks: abort is logged as a warning, never blocks
	// release — a partially hooked container must not be left
	// half-released.
	if workload.Hooks != nil && len(workload.Hooks.PreRelease) > 0 {
		result := p.hookRunner.Run(ctx, hooks.PreRelease, containerID, pool.ID, tenantID, workload.Hooks.PreRelease)
		if result.Aborted {
			p.logger.Warn().Str("container_id", containerID).Msg("pre_release hooks aborted; continuing release anyway")
		}
	}

	// 4. Sync onRelease.
	if !opts.SkipSync && workload.Sync != nil {
		if p.activity != nil {
			p.activity.Record(types.EventSyncStarted, pool.ID, containerID, tenantID, "release sync (upload)", nil)
		}
		p.syncCoord.OnRelease(ctx, tenantID, containerID, pool.ID, workload.Sync)
	}
	p.syncCoord.StopPeriodic(tenantID)

	// 5. Emit container.released and scheduler.release.
	if p.activity != nil {
		p.activity.Record(types.EventContainerReleased, pool.ID, containerID, tenantID, "container released", nil)
	}
	return sched.Release(tenantID)
}

func (p *Pipeline) findClaim(tenantID string) (*types.PoolContainer, *scheduler.Scheduler, *types.Pool, error) {
	pools, err := p.st.ListPools()
	if err != nil {
		return nil, nil, nil, err
	}
	for _, pool := range pools {
		sched, poolCfg, err := p.pools.SchedulerFor(pool.ID)
		if err != nil {
			continue
		}
		row, err := p.st.ClaimedByTenant(pool.ID, tenantID)
		if err != nil {
			return nil, nil, nil, err
		}
		if row != nil {
			return row, sched, poolCfg, nil
		}
	}
	return nil, nil, nil, nil
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
