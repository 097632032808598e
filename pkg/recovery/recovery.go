// Package recovery implements the Recovery Reconciler (spec §4.8): a
// one-shot pass at startup, before any pool fill loop resumes, that
// reconciles the Store's container rows against what the Runtime
// Driver actually has running. The node is the unit of failure, so
// this is what lets a restart resume pools without destroying live
// containers.
package recovery

import (
	"context"
	"time"

	"github.com/ferrohost/poolkeeper/pkg/log"
	"github.com/ferrohost/poolkeeper/pkg/metrics"
	"github.com/ferrohost/poolkeeper/pkg/runtime"
	"github.com/ferrohost/poolkeeper/pkg/store"
	"github.com/ferrohost/poolkeeper/pkg/types"
)

// Reconciler runs the five-step recovery pass.
type Reconciler struct {
	st     store.Store
	driver runtime.Driver
}

func New(st store.Store, driver runtime.Driver) *Reconciler {
	return &Reconciler{st: st, driver: driver}
}

// Run executes the reconciliation pass once.
func (r *Reconciler) Run(ctx context.Context) (*types.RecoveryReport, error) {
	timer := metrics.NewTimer()
	defer func() { timer.ObserveDuration(metrics.RecoveryDuration) }()

	logger := log.WithComponent("recovery")
	report := &types.RecoveryReport{}

	// 1. List runtime containers labeled managed=true.
	managed, err := r.driver.ListContainers(ctx, map[string]string{"managed": "true"})
	if err != nil {
		return nil, err
	}
	report.RuntimeCount = len(managed)

	running := make(map[string]*runtime.ContainerInfo, len(managed))
	for _, info := range managed {
		containerID := info.Labels["container-id"]
		if containerID == "" {
			continue
		}

		// 2. Remove non-running runtime containers.
		if info.Status != runtime.StatusRunning {
			if err := r.driver.RemoveContainer(ctx, containerID); err != nil {
				logger.Warn().Err(err).Str("container_id", containerID).Msg("failed to remove non-running container")
			}
			continue
		}
		running[containerID] = info
	}

	// 3. Delete Store rows whose containerId is absent from the
	// running set (stale claims/idle rows), and any side state.
	pools, err := r.st.ListPools()
	if err != nil {
		return nil, err
	}
	for _, pool := range pools {
		rows, err := r.st.ListContainersInPool(pool.ID)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if _, ok := running[row.ContainerID]; ok {
				delete(running, row.ContainerID) // remaining entries are "foreign"
				continue
			}
			if err := r.st.DeleteContainer(row.ContainerID); err != nil {
				logger.Error().Err(err).Str("container_id", row.ContainerID).Msg("failed to delete stale row")
				continue
			}
			report.StaleRows++
			// Sync status is keyed by tenantId, not containerId, and is
			// superseded the next time that tenant claims a container.
			// Reaper watches live only in memory and are restored after
			// this pass from the remaining rows; nothing further to
			// delete here.
		}
	}

	// 4. Destroy foreign running containers not present in the Store
	// (whatever remains in `running` after step 3 consumed matches).
	for containerID := range running {
		if err := r.driver.DestroyContainer(ctx, containerID, 5*time.Second); err != nil {
			logger.Warn().Err(err).Str("container_id", containerID).Msg("failed to destroy foreign container")
			continue
		}
		report.ForeignDestroyed++
	}

	// 5. This design favors "idle with lastTenantId" affinity rather
	// than a reservation table, so there is no separate reservation
	// store to expire; ExpiredReservations is always 0.
	report.ExpiredReservations = 0

	if report.StaleRows > 0 {
		metrics.RecoveryStaleRows.Add(float64(report.StaleRows))
	}
	if report.ForeignDestroyed > 0 {
		metrics.RecoveryForeignDestroyed.Add(float64(report.ForeignDestroyed))
	}

	logger.Info().
		Int("runtime_count", report.RuntimeCount).
		Int("stale_rows", report.StaleRows).
		Int("foreign_destroyed", report.ForeignDestroyed).
		Msg("recovery pass complete")

	return report, nil
}

