package reaper

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWalkMaxMtimeFindsLatest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0644))

	mtime, err := walkMaxMtime(dir, MaxWalkEntries)
	require.NoError(t, err)

	bInfo, err := os.Stat(filepath.Join(dir, "b.txt"))
	require.NoError(t, err)
	require.Equal(t, bInfo.ModTime(), mtime)
}

func TestWalkMaxMtimeReportsMissingDir(t *testing.T) {
	_, err := walkMaxMtime(filepath.Join(t.TempDir(), "does-not-exist"), MaxWalkEntries)
	require.Error(t, err)
}

func TestExpiryFiresWhenStale(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644))

	var mu sync.Mutex
	var expired bool
	r := New(func(ctx context.Context, containerID, tenantID, poolID string) {
		mu.Lock()
		expired = true
		mu.Unlock()
	}, nil)

	w := &watch{containerID: "c1", tenantID: "t1", poolID: "p1", stateDir: dir, ttlMs: 1, lastModified: time.Now().Add(-time.Hour)}
	r.mu.Lock()
	r.watches["c1"] = w
	r.mu.Unlock()

	r.pollOne(w)

	mu.Lock()
	defer mu.Unlock()
	require.True(t, expired)
}

func TestRestoreAfterRestartStartsFreshWatchForMissingStateDir(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")

	var mu sync.Mutex
	var expired bool
	r := New(func(ctx context.Context, containerID, tenantID, poolID string) {
		mu.Lock()
		expired = true
		mu.Unlock()
	}, nil)

	r.RestoreAfterRestart(context.Background(), []RestoreCandidate{
		{ContainerID: "c1", TenantID: "t1", PoolID: "p1", StateDir: missing, TTLMs: 3600000},
	})

	mu.Lock()
	defer mu.Unlock()
	require.False(t, expired, "a missing state dir should start a fresh watch, not fire immediate expiry")

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Contains(t, r.watches, "c1")
}

func TestResetWhenFileTouched(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("a"), 0644))

	r := New(func(ctx context.Context, containerID, tenantID, poolID string) {
		t.Fatal("expiry should not fire when file was recently touched")
	}, nil)

	before := time.Now().Add(-time.Hour)
	w := &watch{containerID: "c1", tenantID: "t1", poolID: "p1", stateDir: dir, ttlMs: 3600000, lastModified: before}
	r.mu.Lock()
	r.watches["c1"] = w
	r.mu.Unlock()

	require.NoError(t, os.WriteFile(file, []byte("updated"), 0644))
	r.pollOne(w)

	r.mu.Lock()
	defer r.mu.Unlock()
	require.True(t, r.watches["c1"].lastModified.After(before))
}
