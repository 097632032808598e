// Package registry is the Pool Registry (spec §4.10): the top-level
// owner of every running Scheduler on this node, keyed by pool ID.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/ferrohost/poolkeeper/pkg/containermgr"
	"github.com/ferrohost/poolkeeper/pkg/log"
	"github.com/ferrohost/poolkeeper/pkg/poolerr"
	"github.com/ferrohost/poolkeeper/pkg/runtime"
	"github.com/ferrohost/poolkeeper/pkg/scheduler"
	"github.com/ferrohost/poolkeeper/pkg/store"
	"github.com/ferrohost/poolkeeper/pkg/types"
	"github.com/rs/zerolog"
)

// WorkloadLookup resolves a workloadID to its validated spec.
type WorkloadLookup interface {
	Get(id string) (*types.WorkloadSpec, error)
}

type entry struct {
	sched *scheduler.Scheduler
	pool  *types.Pool
}

// Registry owns every pool's Scheduler on this node.
type Registry struct {
	st        store.Store
	mgr       *containermgr.Manager
	driver    runtime.Driver
	workloads WorkloadLookup
	logger    zerolog.Logger

	mu    sync.RWMutex
	pools map[string]*entry
}

func New(st store.Store, mgr *containermgr.Manager, driver runtime.Driver, workloads WorkloadLookup) *Registry {
	return &Registry{
		st:        st,
		mgr:       mgr,
		driver:    driver,
		workloads: workloads,
		logger:    log.WithComponent("pool-registry"),
		pools:     make(map[string]*entry),
	}
}

// CreatePool refuses duplicates and requires a known workload.
// It persists the Pool row, starts its Scheduler, and begins the fill
// loop.
func (r *Registry) CreatePool(pool *types.Pool) error {
	r.mu.Lock()
	if _, exists := r.pools[pool.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("pool %s already exists", pool.ID)
	}
	r.mu.Unlock()

	workload, err := r.workloads.Get(pool.WorkloadID)
	if err != nil {
		return err
	}

	if err := r.st.CreatePool(pool); err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Config{
		Workload:           workload,
		PoolID:             pool.ID,
		MinIdle:            pool.MinIdle,
		MaxSize:            pool.MaxSize,
		IdleTimeoutMs:      pool.IdleTimeoutMs,
		EvictionIntervalMs: pool.EvictionIntervalMs,
		AcquireTimeoutMs:   pool.AcquireTimeoutMs,
		Networks:           pool.Networks,
		FileIdleTTLMs:      pool.FileIdleTTLMs,
	}, r.st, r.mgr, r.driver, pool)

	r.mu.Lock()
	r.pools[pool.ID] = &entry{sched: sched, pool: pool}
	r.mu.Unlock()

	sched.Start()
	r.logger.Info().Str("pool_id", pool.ID).Str("workload_id", pool.WorkloadID).Msg("pool created")
	return nil
}

// RestorePool re-attaches a Scheduler to a Pool row the Recovery
// Reconciler found at startup, without re-persisting it or requiring
// the caller to supply it again.
func (r *Registry) RestorePool(pool *types.Pool) error {
	workload, err := r.workloads.Get(pool.WorkloadID)
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Config{
		Workload:           workload,
		PoolID:             pool.ID,
		MinIdle:            pool.MinIdle,
		MaxSize:            pool.MaxSize,
		IdleTimeoutMs:      pool.IdleTimeoutMs,
		EvictionIntervalMs: pool.EvictionIntervalMs,
		AcquireTimeoutMs:   pool.AcquireTimeoutMs,
		Networks:           pool.Networks,
		FileIdleTTLMs:      pool.FileIdleTTLMs,
	}, r.st, r.mgr, r.driver, pool)

	r.mu.Lock()
	r.pools[pool.ID] = &entry{sched: sched, pool: pool}
	r.mu.Unlock()

	sched.Start()
	return nil
}

// DestroyPool drains (destroys every container, including claimed
// ones) and removes the pool.
func (r *Registry) DestroyPool(ctx context.Context, poolID string) error {
	r.mu.Lock()
	e, ok := r.pools[poolID]
	if ok {
		delete(r.pools, poolID)
	}
	r.mu.Unlock()
	if !ok {
		return poolerr.ErrPoolNotFound
	}

	if err := e.sched.Drain(ctx); err != nil {
		return err
	}
	if err := r.st.DeletePool(poolID); err != nil {
		return err
	}
	r.logger.Info().Str("pool_id", poolID).Msg("pool destroyed")
	return nil
}

// Shutdown stops every scheduler's fill loop without draining,
// preserving every container for the next startup's Recovery pass.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.pools {
		e.sched.Stop()
	}
}

// SchedulerFor satisfies pipeline.PoolLookup.
func (r *Registry) SchedulerFor(poolID string) (*scheduler.Scheduler, *types.Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.pools[poolID]
	if !ok {
		return nil, nil, poolerr.ErrPoolNotFound
	}
	return e.sched, e.pool, nil
}

// Stats aggregates PoolStats across every registered pool.
func (r *Registry) Stats() (types.PoolStats, error) {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.pools))
	for _, e := range r.pools {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	stats := types.PoolStats{TotalPools: len(entries)}
	tenants := make(map[string]struct{})
	for _, e := range entries {
		s, err := e.sched.Stats()
		if err != nil {
			return types.PoolStats{}, err
		}
		stats.TotalContainers += s.Total
		stats.IdleContainers += s.Idle
		stats.ActiveContainers += s.Claimed

		rows, err := r.st.ListContainersInPool(e.pool.ID)
		if err != nil {
			return types.PoolStats{}, err
		}
		for _, row := range rows {
			if row.TenantID != "" {
				tenants[row.TenantID] = struct{}{}
			}
		}
	}
	stats.TotalTenants = len(tenants)
	return stats, nil
}

// ScaleTo resizes one pool.
func (r *Registry) ScaleTo(ctx context.Context, poolID string, n int) error {
	sched, _, err := r.SchedulerFor(poolID)
	if err != nil {
		return err
	}
	return sched.ScaleTo(ctx, n)
}

// ListPools returns the persisted configuration for every registered pool.
func (r *Registry) ListPools() []*types.Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Pool, 0, len(r.pools))
	for _, e := range r.pools {
		out = append(out, e.pool)
	}
	return out
}
