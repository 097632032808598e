package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ferrohost/poolkeeper/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketContainers  = []byte("containers")
	bucketSyncStatus  = []byte("sync_status")
	bucketActivity    = []byte("activity")
	bucketPools       = []byte("pools")
)

// BoltStore implements Store using go.etcd.io/bbolt, a pure-Go
// embedded key-value engine with its own write-ahead log and a single
// writer per process — exactly the durability model §4.1 calls for.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketContainers, bucketSyncStatus, bucketActivity, bucketPools} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Containers ---

func (s *BoltStore) CreateContainer(c *types.PoolContainer) error {
	return s.putContainer(c)
}

func (s *BoltStore) UpdateContainer(c *types.PoolContainer) error {
	return s.putContainer(c)
}

func (s *BoltStore) putContainer(c *types.PoolContainer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return b.Put([]byte(c.ContainerID), data)
	})
}

func (s *BoltStore) GetContainer(id string) (*types.PoolContainer, error) {
	var c types.PoolContainer
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("container not found: %s", id)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListContainersInPool(poolID string) ([]*types.PoolContainer, error) {
	var out []*types.PoolContainer
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		return b.ForEach(func(k, v []byte) error {
			var c types.PoolContainer
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.PoolID == poolID {
				out = append(out, &c)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) FirstIdleInPool(poolID string) (*types.PoolContainer, error) {
	containers, err := s.ListContainersInPool(poolID)
	if err != nil {
		return nil, err
	}
	// Deterministic order: oldest idle row first, so repeated calls
	// under contention tend to converge on the same candidate.
	sort.Slice(containers, func(i, j int) bool {
		return containers[i].CreatedAt.Before(containers[j].CreatedAt)
	})
	for _, c := range containers {
		if c.Status == types.ContainerStatusIdle {
			return c, nil
		}
	}
	return nil, nil
}

func (s *BoltStore) IdleWithLastTenant(poolID, tenantID string) (*types.PoolContainer, error) {
	containers, err := s.ListContainersInPool(poolID)
	if err != nil {
		return nil, err
	}
	for _, c := range containers {
		if c.Status == types.ContainerStatusIdle && c.LastTenantID == tenantID {
			return c, nil
		}
	}
	return nil, nil
}

func (s *BoltStore) ClaimedByTenant(poolID, tenantID string) (*types.PoolContainer, error) {
	containers, err := s.ListContainersInPool(poolID)
	if err != nil {
		return nil, err
	}
	for _, c := range containers {
		if c.Status == types.ContainerStatusClaimed && c.TenantID == tenantID {
			return c, nil
		}
	}
	return nil, nil
}

func (s *BoltStore) CountByStatus(poolID string) (map[types.PoolContainerStatus]int, error) {
	containers, err := s.ListContainersInPool(poolID)
	if err != nil {
		return nil, err
	}
	counts := make(map[types.PoolContainerStatus]int)
	for _, c := range containers {
		counts[c.Status]++
	}
	return counts, nil
}

// ConditionalUpdate is the Store's concurrency primitive: the whole
// read-check-write happens inside one bbolt writer transaction, and
// bbolt serializes all writers, so this is race-free without any
// row-level locking of its own.
func (s *BoltStore) ConditionalUpdate(id string, expectedStatus types.PoolContainerStatus, mutate func(*types.PoolContainer)) (bool, error) {
	updated := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var c types.PoolContainer
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		if c.Status != expectedStatus {
			return nil
		}
		mutate(&c)
		out, err := json.Marshal(&c)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), out); err != nil {
			return err
		}
		updated = true
		return nil
	})
	return updated, err
}

func (s *BoltStore) DeleteContainer(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).Delete([]byte(id))
	})
}

// --- Sync status ---

func syncStatusKey(tenantID, syncID string) []byte {
	return []byte(tenantID + "/" + syncID)
}

func (s *BoltStore) UpsertSyncStatus(status *types.SyncStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncStatus)
		data, err := json.Marshal(status)
		if err != nil {
			return err
		}
		return b.Put(syncStatusKey(status.TenantID, status.SyncID), data)
	})
}

func (s *BoltStore) GetSyncStatus(tenantID, syncID string) (*types.SyncStatus, error) {
	var status types.SyncStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncStatus)
		data := b.Get(syncStatusKey(tenantID, syncID))
		if data == nil {
			return fmt.Errorf("sync status not found: %s/%s", tenantID, syncID)
		}
		return json.Unmarshal(data, &status)
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (s *BoltStore) ListSyncStatusForTenant(tenantID string) ([]*types.SyncStatus, error) {
	var out []*types.SyncStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncStatus)
		return b.ForEach(func(k, v []byte) error {
			var st types.SyncStatus
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			if st.TenantID == tenantID {
				out = append(out, &st)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListSyncStatusByState(state types.SyncState) ([]*types.SyncStatus, error) {
	var out []*types.SyncStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncStatus)
		return b.ForEach(func(k, v []byte) error {
			var st types.SyncStatus
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			if st.State == state {
				out = append(out, &st)
			}
			return nil
		})
	})
	return out, err
}

// --- Activity log ---

func (s *BoltStore) InsertActivityEvent(e *types.ActivityEvent) (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActivity)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = seq
		e.ID = id
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(activityKey(id), data)
	})
	return id, err
}

func activityKey(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

func (s *BoltStore) ListActivityEvents(limit, offset int, filter ActivityFilter) ([]*types.ActivityEvent, error) {
	var all []*types.ActivityEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActivity)
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e types.ActivityEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if filter.Type != "" && e.Type != filter.Type {
				continue
			}
			if filter.TenantID != "" && e.TenantID != filter.TenantID {
				continue
			}
			if filter.PoolID != "" && e.PoolID != filter.PoolID {
				continue
			}
			all = append(all, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end], nil
}

// TrimActivityEvents deletes all but the maxEvents most recent rows by
// insertion order (which, since ids are monotonic, is also timestamp
// order).
func (s *BoltStore) TrimActivityEvents(maxEvents int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActivity)
		total := b.Stats().KeyN
		if total <= maxEvents {
			return nil
		}
		toDelete := total - maxEvents
		c := b.Cursor()
		k, _ := c.First()
		for i := 0; i < toDelete && k != nil; i++ {
			next, _ := c.Next()
			if err := b.Delete(k); err != nil {
				return err
			}
			k = next
		}
		return nil
	})
}

// --- Pools ---

func (s *BoltStore) CreatePool(p *types.Pool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPools)
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.ID), data)
	})
}

func (s *BoltStore) GetPool(id string) (*types.Pool, error) {
	var p types.Pool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPools)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("pool not found: %s", id)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ListPools() ([]*types.Pool, error) {
	var out []*types.Pool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPools)
		return b.ForEach(func(k, v []byte) error {
			var p types.Pool
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeletePool(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPools).Delete([]byte(id))
	})
}
