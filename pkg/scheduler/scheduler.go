// Package scheduler implements one pool's Scheduler: admission,
// affinity, wipe-on-entry, capacity, and the optimistic-concurrency
// acquire/release protocol from spec §4.3. One Scheduler instance
// exists per pool; the Store row is the single source of truth, the
// same "no authoritative in-memory queue" design the teacher's own
// pkg/scheduler uses for service placement.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ferrohost/poolkeeper/pkg/containermgr"
	"github.com/ferrohost/poolkeeper/pkg/log"
	"github.com/ferrohost/poolkeeper/pkg/metrics"
	"github.com/ferrohost/poolkeeper/pkg/poolerr"
	"github.com/ferrohost/poolkeeper/pkg/runtime"
	"github.com/ferrohost/poolkeeper/pkg/store"
	"github.com/ferrohost/poolkeeper/pkg/types"
	"github.com/rs/zerolog"
)

// Config is the per-pool configuration the Scheduler is built from,
// mirroring the Pool row and the workload's pool defaults.
type Config struct {
	Workload           *types.WorkloadSpec
	PoolID             string
	MinIdle            int
	MaxSize            int
	IdleTimeoutMs      int64
	EvictionIntervalMs int64
	AcquireTimeoutMs   int64
	Networks           []string
	FileIdleTTLMs      int64
}

// AcquireResult is what Acquire returns: the claimed row plus whether
// it was won through the no-wipe affinity path.
type AcquireResult struct {
	Container *types.PoolContainer
	Affinity  bool
}

// Stats are the per-pool numbers the Pool Registry aggregates.
type Stats struct {
	Total   int
	Idle    int
	Claimed int
}

// Scheduler owns one pool's fill loop and acquire/release protocol.
type Scheduler struct {
	cfg     Config
	st      store.Store
	mgr     *containermgr.Manager
	driver  runtime.Driver
	logger  zerolog.Logger
	pool    *types.Pool

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
}

func New(cfg Config, st store.Store, mgr *containermgr.Manager, driver runtime.Driver, pool *types.Pool) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		st:     st,
		mgr:    mgr,
		driver: driver,
		pool:   pool,
		logger: log.WithPoolID(cfg.PoolID),
		stopCh: make(chan struct{}),
	}
}

// Start begins the fill loop, with the first tick scheduled
// immediately rather than after the first interval elapses.
func (s *Scheduler) Start() {
	go s.fillLoop()
}

// Stop halts the fill loop only, leaving rows and runtime containers
// intact (the "Stop (preserve)" operation from §4.3).
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)
}

func (s *Scheduler) fillLoop() {
	s.fillOnce()

	interval := time.Duration(s.cfg.EvictionIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.fillOnce()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) fillOnce() {
	counts, err := s.st.CountByStatus(s.cfg.PoolID)
	if err != nil {
		s.logger.Error().Err(err).Msg("fill loop: failed to count containers")
		return
	}
	idle := counts[types.ContainerStatusIdle]
	total := counts[types.ContainerStatusIdle] + counts[types.ContainerStatusClaimed] + counts[types.ContainerStatusStopping]

	if s.cfg.MinIdle <= idle || total >= s.cfg.MaxSize {
		return
	}

	deficit := s.cfg.MinIdle - idle
	capacityLeft := s.cfg.MaxSize - total
	toCreate := deficit
	if capacityLeft < toCreate {
		toCreate = capacityLeft
	}

	for i := 0; i < toCreate; i++ {
		if _, err := s.createIdle(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("fill loop: create failed, stopping this cycle")
			return
		}
		metrics.FillLoopCreated.Inc()
	}
}

func (s *Scheduler) createIdle(ctx context.Context) (*types.PoolContainer, error) {
	containerID := containermgr.NewContainerID()
	if _, err := s.mgr.Create(ctx, containerID, s.cfg.Workload, s.pool); err != nil {
		return nil, err
	}
	if err := s.mgr.ApplySeed(containerID, s.cfg.Workload); err != nil {
		return nil, err
	}

	row := &types.PoolContainer{
		ContainerID:  containerID,
		PoolID:       s.cfg.PoolID,
		WorkloadID:   s.cfg.Workload.ID,
		Status:       types.ContainerStatusIdle,
		LastActivity: time.Now(),
		CreatedAt:    time.Now(),
	}
	if err := s.st.CreateContainer(row); err != nil {
		return nil, err
	}
	return row, nil
}

// Acquire runs the four-step admission protocol for tenantID. See spec
// §4.3 for the ordering of tie-breaks; they are numbered in comments
// below to keep the code traceable to the prose.
func (s *Scheduler) Acquire(ctx context.Context, tenantID string) (*AcquireResult, error) {
	timer := metrics.NewTimer()
	result, err := s.acquire(ctx, tenantID)
	timer.ObserveDuration(metrics.AcquireLatency)

	outcome := "error"
	if err == nil {
		if result.Affinity {
			outcome = "affinity"
		} else {
			outcome = "created"
		}
	} else if err == poolerr.ErrPoolCapacity {
		outcome = "capacity"
	}
	metrics.AcquiresTotal.WithLabelValues(outcome).Inc()
	return result, err
}

func (s *Scheduler) acquire(ctx context.Context, tenantID string) (*AcquireResult, error) {
	// 1. Existing claim short-circuit.
	if existing, err := s.st.ClaimedByTenant(s.cfg.PoolID, tenantID); err != nil {
		return nil, err
	} else if existing != nil {
		updated, err := s.st.ConditionalUpdate(existing.ContainerID, types.ContainerStatusClaimed, func(c *types.PoolContainer) {
			c.LastActivity = time.Now()
		})
		if err != nil {
			return nil, err
		}
		if updated {
			row, err := s.st.GetContainer(existing.ContainerID)
			if err != nil {
				return nil, err
			}
			return &AcquireResult{Container: row, Affinity: true}, nil
		}
	}

	// 2. No-wipe affinity.
	if candidate, err := s.st.IdleWithLastTenant(s.cfg.PoolID, tenantID); err != nil {
		return nil, err
	} else if candidate != nil {
		healthy, err := s.driver.IsHealthy(ctx, candidate.ContainerID)
		if err != nil || !healthy {
			s.destroyRow(ctx, candidate)
		} else {
			updated, err := s.st.ConditionalUpdate(candidate.ContainerID, types.ContainerStatusIdle, func(c *types.PoolContainer) {
				c.Status = types.ContainerStatusClaimed
				c.TenantID = tenantID
				c.LastActivity = time.Now()
				c.ClaimedAt = time.Now()
			})
			if err != nil {
				return nil, err
			}
			if updated {
				row, err := s.st.GetContainer(candidate.ContainerID)
				if err != nil {
					return nil, err
				}
				return &AcquireResult{Container: row, Affinity: true}, nil
			}
			// Another claimer won the race: fall through to step 3.
		}
	}

	// 3. General idle, wiped for the new tenant.
	for {
		candidate, err := s.st.FirstIdleInPool(s.cfg.PoolID)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			break
		}

		healthy, err := s.driver.IsHealthy(ctx, candidate.ContainerID)
		if err != nil || !healthy {
			s.destroyRow(ctx, candidate)
			continue
		}

		if err := s.mgr.WipeForNewTenant(candidate.ContainerID, s.cfg.Workload); err != nil {
			return nil, err
		}
		if err := s.mgr.ApplySeed(candidate.ContainerID, s.cfg.Workload); err != nil {
			return nil, err
		}

		updated, err := s.st.ConditionalUpdate(candidate.ContainerID, types.ContainerStatusIdle, func(c *types.PoolContainer) {
			c.Status = types.ContainerStatusClaimed
			c.TenantID = tenantID
			c.LastActivity = time.Now()
			c.ClaimedAt = time.Now()
		})
		if err != nil {
			return nil, err
		}
		if updated {
			row, err := s.st.GetContainer(candidate.ContainerID)
			if err != nil {
				return nil, err
			}
			return &AcquireResult{Container: row, Affinity: false}, nil
		}
		// Lost the race; retry with the next candidate.
	}

	// 4. On-demand creation.
	counts, err := s.st.CountByStatus(s.cfg.PoolID)
	if err != nil {
		return nil, err
	}
	total := counts[types.ContainerStatusIdle] + counts[types.ContainerStatusClaimed] + counts[types.ContainerStatusStopping]
	if total >= s.cfg.MaxSize {
		return nil, poolerr.ErrPoolCapacity
	}

	containerID := containermgr.NewContainerID()
	if _, err := s.mgr.Create(ctx, containerID, s.cfg.Workload, s.pool); err != nil {
		return nil, err
	}
	if err := s.mgr.ApplySeed(containerID, s.cfg.Workload); err != nil {
		return nil, err
	}

	row := &types.PoolContainer{
		ContainerID:  containerID,
		PoolID:       s.cfg.PoolID,
		WorkloadID:   s.cfg.Workload.ID,
		Status:       types.ContainerStatusClaimed,
		TenantID:     tenantID,
		LastActivity: time.Now(),
		ClaimedAt:    time.Now(),
		CreatedAt:    time.Now(),
	}
	if err := s.st.CreateContainer(row); err != nil {
		return nil, err
	}
	return &AcquireResult{Container: row, Affinity: false}, nil
}

// Release transitions tenantID's claimed container back to idle,
// preserving LastTenantID for a future affinity match. No wipe occurs
// here; wipe is deferred to the next non-affinity acquire.
func (s *Scheduler) Release(tenantID string) (*types.PoolContainer, error) {
	row, err := s.st.ClaimedByTenant(s.cfg.PoolID, tenantID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, poolerr.ErrTenantNotFound
	}

	_, err = s.st.ConditionalUpdate(row.ContainerID, types.ContainerStatusClaimed, func(c *types.PoolContainer) {
		c.Status = types.ContainerStatusIdle
		c.LastTenantID = tenantID
		c.TenantID = ""
		c.ClaimedAt = time.Time{}
		c.LastActivity = time.Now()
	})
	if err != nil {
		return nil, err
	}
	return s.st.GetContainer(row.ContainerID)
}

// RecordActivity bumps LastActivity on tenantID's claimed row.
func (s *Scheduler) RecordActivity(tenantID string) error {
	row, err := s.st.ClaimedByTenant(s.cfg.PoolID, tenantID)
	if err != nil {
		return err
	}
	if row == nil {
		return poolerr.ErrTenantNotFound
	}
	_, err = s.st.ConditionalUpdate(row.ContainerID, types.ContainerStatusClaimed, func(c *types.PoolContainer) {
		c.LastActivity = time.Now()
	})
	return err
}

// DestroyContainer looks up containerID, destroys it via the Container
// Manager, and deletes its row even if the runtime destroy failed.
func (s *Scheduler) DestroyContainer(ctx context.Context, containerID string) error {
	row, err := s.st.GetContainer(containerID)
	if err != nil {
		return poolerr.ErrContainerNotFound
	}
	s.destroyRow(ctx, row)
	return nil
}

func (s *Scheduler) destroyRow(ctx context.Context, row *types.PoolContainer) {
	if err := s.mgr.Destroy(ctx, row.ContainerID, 5*time.Second); err != nil {
		s.logger.Warn().Err(err).Str("container_id", row.ContainerID).Msg("destroy failed, deleting row anyway")
	}
	if err := s.st.DeleteContainer(row.ContainerID); err != nil {
		s.logger.Error().Err(err).Str("container_id", row.ContainerID).Msg("failed to delete container row")
	}
}

// ScaleTo idempotently grows or shrinks the pool to exactly n idle+
// claimed containers, refusing to shrink below the number currently
// claimed.
func (s *Scheduler) ScaleTo(ctx context.Context, n int) error {
	counts, err := s.st.CountByStatus(s.cfg.PoolID)
	if err != nil {
		return err
	}
	idle := counts[types.ContainerStatusIdle]
	claimed := counts[types.ContainerStatusClaimed]
	current := idle + claimed

	if n == current {
		return nil
	}

	if n > current {
		for i := 0; i < n-current; i++ {
			if _, err := s.createIdle(ctx); err != nil {
				return err
			}
		}
		return nil
	}

	target := current - n
	if current-target < claimed {
		return fmt.Errorf("scale to %d would go below %d borrowed containers", n, claimed)
	}

	rows, err := s.st.ListContainersInPool(s.cfg.PoolID)
	if err != nil {
		return err
	}
	removed := 0
	for _, row := range rows {
		if removed >= target {
			break
		}
		if row.Status != types.ContainerStatusIdle {
			continue
		}
		s.destroyRow(ctx, row)
		removed++
	}
	return nil
}

// Drain stops the fill loop and destroys every container in the pool,
// including claimed ones.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.Stop()

	rows, err := s.st.ListContainersInPool(s.cfg.PoolID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		s.destroyRow(ctx, row)
	}
	return nil
}

// Stats returns the pool's current container counts.
func (s *Scheduler) Stats() (Stats, error) {
	counts, err := s.st.CountByStatus(s.cfg.PoolID)
	if err != nil {
		return Stats{}, err
	}
	idle := counts[types.ContainerStatusIdle]
	claimed := counts[types.ContainerStatusClaimed]
	return Stats{Total: idle + claimed + counts[types.ContainerStatusStopping], Idle: idle, Claimed: claimed}, nil
}
