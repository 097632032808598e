package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ferrohost/poolkeeper/pkg/activity"
	"github.com/ferrohost/poolkeeper/pkg/config"
	"github.com/ferrohost/poolkeeper/pkg/containermgr"
	"github.com/ferrohost/poolkeeper/pkg/hooks"
	"github.com/ferrohost/poolkeeper/pkg/poolerr"
	"github.com/ferrohost/poolkeeper/pkg/registry"
	"github.com/ferrohost/poolkeeper/pkg/runtime"
	"github.com/ferrohost/poolkeeper/pkg/store"
	"github.com/ferrohost/poolkeeper/pkg/sync"
	"github.com/ferrohost/poolkeeper/pkg/types"
	"github.com/ferrohost/poolkeeper/pkg/workload"
	"github.com/stretchr/testify/require"
)

// fakeReaper records Watch/Unwatch calls without running a real poll
// loop, so tests don't leak background goroutines or wait on real TTLs.
type fakeReaper struct {
	watched   []string
	unwatched []string
}

func (f *fakeReaper) Watch(containerID, tenantID, poolID, stateDir string, ttlMs int64) {
	f.watched = append(f.watched, containerID)
}

func (f *fakeReaper) Unwatch(containerID string) {
	f.unwatched = append(f.unwatched, containerID)
}

type testHarness struct {
	pipe      *Pipeline
	pools     *registry.Registry
	workloads *workload.Registry
	st        *store.BoltStore
	driver    *runtime.MockDriver
	reaper    *fakeReaper
	activity  *activity.Log
	mgr       *containermgr.Manager
}

func newHarness(t *testing.T, w *types.WorkloadSpec, pool *types.Pool) *testHarness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "store.db")
	st, err := store.NewBoltStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	cfg.StateBaseDir = filepath.Join(t.TempDir(), "state")
	cfg.SecretsBaseDir = filepath.Join(t.TempDir(), "secrets")
	cfg.SocketBaseDir = filepath.Join(t.TempDir(), "sockets")

	driver := runtime.NewMockDriver()
	mgr := containermgr.New(driver, cfg)

	act := activity.New(st, 1000, 0)
	t.Cleanup(act.Close)

	workloads := workload.New(act)
	require.NoError(t, workloads.Upsert(w))

	pools := registry.New(st, mgr, driver, workloads)
	require.NoError(t, pools.CreatePool(pool))
	t.Cleanup(pools.Shutdown)

	syncCoord := sync.New(st, driver, act)
	t.Cleanup(syncCoord.Close)

	hookRunner := hooks.New(driver, act)
	reaper := &fakeReaper{}

	pipe := New(pools, workloads, mgr, syncCoord, hookRunner, reaper, act, st)

	return &testHarness{
		pipe:      pipe,
		pools:     pools,
		workloads: workloads,
		st:        st,
		driver:    driver,
		reaper:    reaper,
		activity:  act,
		mgr:       mgr,
	}
}

func basicWorkload(id string) *types.WorkloadSpec {
	return &types.WorkloadSpec{ID: id, Image: "example/image:latest"}
}

func TestClaimReturnsContainerAndWatchesReaper(t *testing.T) {
	pool := &types.Pool{ID: "p1", WorkloadID: "w1", MaxSize: 5, FileIdleTTLMs: 60000}
	h := newHarness(t, basicWorkload("w1"), pool)

	result, err := h.pipe.Claim(context.Background(), "tenant-a", "p1")
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, "tenant-a", result.Container.TenantID)
	require.Contains(t, h.reaper.watched, result.Container.ContainerID)

	events, err := h.activity.List(10, 0, store.ActivityFilter{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.NotEmpty(t, events)
}

func TestClaimSkipsReaperWatchWhenNoFileIdleTTL(t *testing.T) {
	pool := &types.Pool{ID: "p1", WorkloadID: "w1", MaxSize: 5}
	h := newHarness(t, basicWorkload("w1"), pool)

	_, err := h.pipe.Claim(context.Background(), "tenant-a", "p1")
	require.NoError(t, err)
	require.Empty(t, h.reaper.watched)
}

func TestReleaseIsIdempotentWithNoClaim(t *testing.T) {
	pool := &types.Pool{ID: "p1", WorkloadID: "w1", MaxSize: 5}
	h := newHarness(t, basicWorkload("w1"), pool)

	row, err := h.pipe.Release(context.Background(), "never-claimed", ReleaseOpts{})
	require.NoError(t, err)
	require.Nil(t, row)
}

func TestClaimThenReleaseUnwatchesAndFreesSlot(t *testing.T) {
	pool := &types.Pool{ID: "p1", WorkloadID: "w1", MaxSize: 1, FileIdleTTLMs: 60000}
	h := newHarness(t, basicWorkload("w1"), pool)

	claimed, err := h.pipe.Claim(context.Background(), "tenant-a", "p1")
	require.NoError(t, err)

	_, err = h.pipe.Claim(context.Background(), "tenant-b", "p1")
	require.ErrorIs(t, err, poolerr.ErrPoolCapacity)

	row, err := h.pipe.Release(context.Background(), "tenant-a", ReleaseOpts{})
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Contains(t, h.reaper.unwatched, claimed.Container.ContainerID)

	second, err := h.pipe.Claim(context.Background(), "tenant-b", "p1")
	require.NoError(t, err)
	require.Equal(t, claimed.Container.ContainerID, second.Container.ContainerID)
}

func TestClaimReacquireByOriginalTenantGetsAffinity(t *testing.T) {
	pool := &types.Pool{ID: "p1", WorkloadID: "w1", MaxSize: 5}
	h := newHarness(t, basicWorkload("w1"), pool)

	first, err := h.pipe.Claim(context.Background(), "tenant-a", "p1")
	require.NoError(t, err)

	_, err = h.pipe.Release(context.Background(), "tenant-a", ReleaseOpts{})
	require.NoError(t, err)

	second, err := h.pipe.Claim(context.Background(), "tenant-a", "p1")
	require.NoError(t, err)
	require.Equal(t, first.Container.ContainerID, second.Container.ContainerID)
}

func TestClaimAbortsOnPostClaimHookFailureAndRollsBackSlot(t *testing.T) {
	w := basicWorkload("w1")
	w.Hooks = &types.HookSpec{
		PostClaim: []types.HookCommand{
			{Command: []string{"bad"}, TimeoutMs: 1000, OnError: types.HookErrorFail},
		},
	}
	pool := &types.Pool{ID: "p1", WorkloadID: "w1", MaxSize: 1}
	h := newHarness(t, w, pool)

	h.driver.ExecFunc = func(id string, argv []string) (*runtime.ExecResult, error) {
		return &runtime.ExecResult{ExitCode: 1, Stderr: "boom"}, nil
	}

	_, err := h.pipe.Claim(context.Background(), "tenant-a", "p1")
	require.Error(t, err)

	counts, err := h.st.CountByStatus("p1")
	require.NoError(t, err)
	require.Equal(t, 0, counts[types.ContainerStatusClaimed])

	_, err = h.pipe.Claim(context.Background(), "tenant-b", "p1")
	require.Error(t, err)
}

func TestClaimWithUnknownPoolReturnsPoolNotFound(t *testing.T) {
	pool := &types.Pool{ID: "p1", WorkloadID: "w1", MaxSize: 5}
	h := newHarness(t, basicWorkload("w1"), pool)

	_, err := h.pipe.Claim(context.Background(), "tenant-a", "missing-pool")
	require.ErrorIs(t, err, poolerr.ErrPoolNotFound)
}

// TestAffinityReacquirePreservesStateOnDisk is the claim/write/release/
// reclaim round trip: the same tenant reclaiming its prior container
// must see its own state untouched.
func TestAffinityReacquirePreservesStateOnDisk(t *testing.T) {
	pool := &types.Pool{ID: "p1", WorkloadID: "w1", MaxSize: 3}
	h := newHarness(t, basicWorkload("w1"), pool)

	first, err := h.pipe.Claim(context.Background(), "tenant-a", "p1")
	require.NoError(t, err)

	stateFile := filepath.Join(h.mgr.HostPaths(first.Container.ContainerID).StateDir, "data.txt")
	require.NoError(t, os.WriteFile(stateFile, []byte("hello"), 0644))

	_, err = h.pipe.Release(context.Background(), "tenant-a", ReleaseOpts{})
	require.NoError(t, err)

	second, err := h.pipe.Claim(context.Background(), "tenant-a", "p1")
	require.NoError(t, err)
	require.Equal(t, first.Container.ContainerID, second.Container.ContainerID)

	content, err := os.ReadFile(stateFile)
	require.NoError(t, err)
	require.Equal(t, "hello", string(content))
}

// TestForeignTenantClaimWipesPriorTenantState is the single-slot wipe
// round trip: a second tenant claiming a released container must never
// see the first tenant's leftover state.
func TestForeignTenantClaimWipesPriorTenantState(t *testing.T) {
	pool := &types.Pool{ID: "p1", WorkloadID: "w1", MaxSize: 1}
	h := newHarness(t, basicWorkload("w1"), pool)

	first, err := h.pipe.Claim(context.Background(), "tenant-a", "p1")
	require.NoError(t, err)

	stateDir := h.mgr.HostPaths(first.Container.ContainerID).StateDir
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "secret.txt"), []byte("shh"), 0644))

	_, err = h.pipe.Release(context.Background(), "tenant-a", ReleaseOpts{})
	require.NoError(t, err)

	second, err := h.pipe.Claim(context.Background(), "tenant-b", "p1")
	require.NoError(t, err)
	require.Equal(t, first.Container.ContainerID, second.Container.ContainerID)

	entries, err := os.ReadDir(stateDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

// TestCapacityExhaustedTracksBorrowedCount is the bound-pool admission
// scenario: the fourth concurrent tenant is refused once three are
// already borrowed.
func TestCapacityExhaustedTracksBorrowedCount(t *testing.T) {
	pool := &types.Pool{ID: "p1", WorkloadID: "w1", MaxSize: 3}
	h := newHarness(t, basicWorkload("w1"), pool)

	for _, tenant := range []string{"t1", "t2", "t3"} {
		_, err := h.pipe.Claim(context.Background(), tenant, "p1")
		require.NoError(t, err)
	}

	_, err := h.pipe.Claim(context.Background(), "t4", "p1")
	require.ErrorIs(t, err, poolerr.ErrPoolCapacity)

	stats, err := h.pools.Stats()
	require.NoError(t, err)
	require.Equal(t, 3, stats.ActiveContainers)
}
