package sync

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ferrohost/poolkeeper/pkg/runtime"
	"github.com/ferrohost/poolkeeper/pkg/store"
	"github.com/ferrohost/poolkeeper/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestParseStatsLine(t *testing.T) {
	line := "Transferred:   	   12.345 MiB / 12.345 MiB, 100%, 1.2 MiB/s, ETA 0s, 3 / 3, 100%\n"
	b, f := parseStats(line)
	require.Equal(t, int64(12944670), b) // 12.345 MiB, truncated to whole bytes
	require.Equal(t, 3, f)
}

func TestParseStatsNoMatch(t *testing.T) {
	b, f := parseStats("no stats here")
	require.Equal(t, int64(0), b)
	require.Equal(t, 0, f)
}

func TestS3AdapterBuildRemotePath(t *testing.T) {
	a := NewS3Adapter()
	sink := types.SinkConfig{Bucket: "my-bucket", Prefix: "tenants/${tenantId}/"}
	remote := a.BuildRemotePath(sink, "tenant-a", "/data/")
	require.Equal(t, "my-bucket:tenants/tenant-a/data", remote)
}

func TestS3AdapterArgsUsesExplicitCredentials(t *testing.T) {
	a := NewS3Adapter()
	sink := types.SinkConfig{Region: "us-east-1", AccessKey: "AKIA", SecretKey: "shh"}
	args := a.Args(sink)
	require.Contains(t, args, "--s3-access-key-id")
	require.Contains(t, args, "AKIA")
}

func TestCoordinatorCoalescesConcurrentSync(t *testing.T) {
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	driver := runtime.NewMockDriver()
	c := New(st, driver, nil)
	t.Cleanup(c.Close)

	require.True(t, c.tryAcquire("tenant-a", "/data"))
	require.False(t, c.tryAcquire("tenant-a", "/data"))

	c.release("tenant-a", "/data")
	require.True(t, c.tryAcquire("tenant-a", "/data"))
}

func TestRunMappingAccumulatesErrorsAcrossFailures(t *testing.T) {
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	driver := runtime.NewMockDriver()
	c := New(st, driver, nil)
	t.Cleanup(c.Close)
	c.executor.Binary = "false" // always exits 1

	sink := types.SinkConfig{Type: "s3", Bucket: "bucket"}
	mapping := types.SyncMapping{ContainerPath: "/data", SinkPath: "/tenant/data"}

	c.runMapping(context.Background(), "tenant-a", "c1", "p1", sink, mapping, ModeSync, false, false)
	status, err := c.st.GetSyncStatus("tenant-a", mapping.SinkPath)
	require.NoError(t, err)
	require.Equal(t, types.SyncStateError, status.State)
	require.Len(t, status.Errors, 1)

	c.runMapping(context.Background(), "tenant-a", "c1", "p1", sink, mapping, ModeSync, false, false)
	status, err = c.st.GetSyncStatus("tenant-a", mapping.SinkPath)
	require.NoError(t, err)
	require.Len(t, status.Errors, 2)

	c.executor.Binary = "true" // succeeds, clearing the ring
	c.runMapping(context.Background(), "tenant-a", "c1", "p1", sink, mapping, ModeSync, false, false)
	status, err = c.st.GetSyncStatus("tenant-a", mapping.SinkPath)
	require.NoError(t, err)
	require.Equal(t, types.SyncStateIdle, status.State)
	require.Empty(t, status.Errors)
}

func TestAdapterRegistryHasS3(t *testing.T) {
	_, ok := AdapterFor("s3")
	require.True(t, ok)

	_, ok = AdapterFor("unknown-type")
	require.False(t, ok)
}
