// Package store is the single source of truth for tenant-facing state:
// pools, pool containers, sync status, and the activity log. It is
// backed by an embedded, crash-consistent, single-writer engine; the
// Runtime Driver remains the source of truth for container existence.
package store

import "github.com/ferrohost/poolkeeper/pkg/types"

// ActivityFilter narrows a ListActivityEvents read. Zero values mean
// "no filter on this field".
type ActivityFilter struct {
	Type        types.ActivityEventType
	TenantID    string
	PoolID      string
}

// Store defines the operations the core consumes. ConditionalUpdate is
// the concurrency primitive the Scheduler relies on: mutate only runs,
// and the row is only persisted, if the row's current status matches
// expectedStatus at the moment of the write.
type Store interface {
	// Containers
	CreateContainer(c *types.PoolContainer) error
	GetContainer(id string) (*types.PoolContainer, error)
	FirstIdleInPool(poolID string) (*types.PoolContainer, error)
	IdleWithLastTenant(poolID, tenantID string) (*types.PoolContainer, error)
	ClaimedByTenant(poolID, tenantID string) (*types.PoolContainer, error)
	ListContainersInPool(poolID string) ([]*types.PoolContainer, error)
	CountByStatus(poolID string) (map[types.PoolContainerStatus]int, error)
	ConditionalUpdate(id string, expectedStatus types.PoolContainerStatus, mutate func(*types.PoolContainer)) (bool, error)
	UpdateContainer(c *types.PoolContainer) error
	DeleteContainer(id string) error

	// Sync status
	UpsertSyncStatus(s *types.SyncStatus) error
	GetSyncStatus(tenantID, syncID string) (*types.SyncStatus, error)
	ListSyncStatusForTenant(tenantID string) ([]*types.SyncStatus, error)
	ListSyncStatusByState(state types.SyncState) ([]*types.SyncStatus, error)

	// Activity log
	InsertActivityEvent(e *types.ActivityEvent) (uint64, error)
	ListActivityEvents(limit, offset int, filter ActivityFilter) ([]*types.ActivityEvent, error)
	TrimActivityEvents(maxEvents int) error

	// Pools (persisted configuration, for recovery)
	CreatePool(p *types.Pool) error
	GetPool(id string) (*types.Pool, error)
	ListPools() ([]*types.Pool, error)
	DeletePool(id string) error

	Close() error
}
