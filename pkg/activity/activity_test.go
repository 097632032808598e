package activity

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ferrohost/poolkeeper/pkg/store"
	"github.com/ferrohost/poolkeeper/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRecordPersistsAndAssignsID(t *testing.T) {
	st := newTestStore(t)
	log := New(st, 100, 0)
	t.Cleanup(log.Close)

	log.Record(types.EventContainerClaimed, "p1", "c1", "t1", "claimed", nil)

	events, err := log.List(10, 0, store.ActivityFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotZero(t, events[0].ID)
	require.Equal(t, "claimed", events[0].Message)
}

func TestRecordFansOutToSubscribers(t *testing.T) {
	st := newTestStore(t)
	log := New(st, 100, 0)
	t.Cleanup(log.Close)

	sub := log.Subscribe()
	defer log.Unsubscribe(sub)

	log.Record(types.EventContainerReleased, "p1", "c1", "t1", "released", nil)

	select {
	case evt := <-sub:
		require.Equal(t, types.EventContainerReleased, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fanned-out event")
	}
}

func TestTrimEveryKthInsertCapsCount(t *testing.T) {
	st := newTestStore(t)
	log := New(st, 3, 2) // trim every 2 inserts, keep at most 3
	t.Cleanup(log.Close)

	for i := 0; i < 10; i++ {
		log.Record(types.EventContainerClaimed, "p1", "c1", "t1", "event", nil)
	}

	events, err := log.List(100, 0, store.ActivityFilter{})
	require.NoError(t, err)
	require.LessOrEqual(t, len(events), 3)
}

func TestListFiltersByTenant(t *testing.T) {
	st := newTestStore(t)
	log := New(st, 100, 0)
	t.Cleanup(log.Close)

	log.Record(types.EventContainerClaimed, "p1", "c1", "tenant-a", "a", nil)
	log.Record(types.EventContainerClaimed, "p1", "c2", "tenant-b", "b", nil)

	events, err := log.List(10, 0, store.ActivityFilter{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "tenant-a", events[0].TenantID)
}
