package recovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ferrohost/poolkeeper/pkg/runtime"
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

func TestRecoveryDeletesStaleRows(t *testing.T) {
	st := newTestStore(t)
	driver := runtime.NewMockDriver()

	require.NoError(t, st.CreatePool(&types.Pool{ID: "p1", WorkloadID: "w1"}))
	require.NoError(t, st.CreateContainer(&types.PoolContainer{
		ContainerID: "gone", PoolID: "p1", Status: types.ContainerStatusIdle, CreatedAt: time.Now(),
	}))

	r := New(st, driver)
	report, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.StaleRows)

	_, err = st.GetContainer("gone")
	require.Error(t, err)
}

func TestRecoveryDestroysForeignContainers(t *testing.T) {
	st := newTestStore(t)
	driver := runtime.NewMockDriver()

	_, err := driver.CreateContainer(context.Background(), runtime.ContainerSpec{
		ContainerID: "foreign",
		Labels:      map[string]string{"managed": "true", "container-id": "foreign"},
	})
	require.NoError(t, err)
	require.NoError(t, driver.RestartContainer(context.Background(), "foreign", time.Second))

	r := New(st, driver)
	report, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.ForeignDestroyed)
}

func TestRecoveryKeepsMatchingRunningContainer(t *testing.T) {
	st := newTestStore(t)
	driver := runtime.NewMockDriver()

	require.NoError(t, st.CreatePool(&types.Pool{ID: "p1", WorkloadID: "w1"}))
	require.NoError(t, st.CreateContainer(&types.PoolContainer{
		ContainerID: "c1", PoolID: "p1", Status: types.ContainerStatusIdle, CreatedAt: time.Now(),
	}))

	_, err := driver.CreateContainer(context.Background(), runtime.ContainerSpec{
		ContainerID: "c1",
		Labels:      map[string]string{"managed": "true", "container-id": "c1"},
	})
	require.NoError(t, err)
	require.NoError(t, driver.RestartContainer(context.Background(), "c1", time.Second))

	r := New(st, driver)
	report, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, report.StaleRows)
	require.Equal(t, 0, report.ForeignDestroyed)

	_, err = st.GetContainer("c1")
	require.NoError(t, err)
}

// TestRecoveryReconcilesMixedFleetOnRestart exercises the full restart
// scenario in one pass: a claimed row whose runtime container is no
// longer running, an idle row whose container is healthy, and a
// foreign running container the Store never created.
func TestRecoveryReconcilesMixedFleetOnRestart(t *testing.T) {
	st := newTestStore(t)
	driver := runtime.NewMockDriver()

	require.NoError(t, st.CreatePool(&types.Pool{ID: "p1", WorkloadID: "w1"}))
	require.NoError(t, st.CreateContainer(&types.PoolContainer{
		ContainerID: "claimed-gone", PoolID: "p1", Status: types.ContainerStatusClaimed,
		TenantID: "tenant-a", CreatedAt: time.Now(),
	}))
	require.NoError(t, st.CreateContainer(&types.PoolContainer{
		ContainerID: "idle-ok", PoolID: "p1", Status: types.ContainerStatusIdle, CreatedAt: time.Now(),
	}))

	_, err := driver.CreateContainer(context.Background(), runtime.ContainerSpec{
		ContainerID: "idle-ok",
		Labels:      map[string]string{"managed": "true", "container-id": "idle-ok"},
	})
	require.NoError(t, err)
	require.NoError(t, driver.RestartContainer(context.Background(), "idle-ok", time.Second))

	_, err = driver.CreateContainer(context.Background(), runtime.ContainerSpec{
		ContainerID: "foreign",
		Labels:      map[string]string{"managed": "true", "container-id": "foreign"},
	})
	require.NoError(t, err)
	require.NoError(t, driver.RestartContainer(context.Background(), "foreign", time.Second))

	r := New(st, driver)
	report, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.StaleRows)
	require.Equal(t, 1, report.ForeignDestroyed)

	_, err = st.GetContainer("claimed-gone")
	require.Error(t, err)

	_, err = st.GetContainer("idle-ok")
	require.NoError(t, err)

	_, err = driver.GetContainer(context.Background(), "foreign")
	require.Error(t, err)
}
