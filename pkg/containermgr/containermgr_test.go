package containermgr

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ferrohost/poolkeeper/pkg/config"
	"github.com/ferrohost/poolkeeper/pkg/runtime"
	"github.com/ferrohost/poolkeeper/pkg/types"
)

func testManager(t *testing.T) (*Manager, config.Config, *runtime.MockDriver) {
	t.Helper()
	base := t.TempDir()
	cfg := config.Default()
	cfg.StateBaseDir = filepath.Join(base, "state")
	cfg.SecretsBaseDir = filepath.Join(base, "secrets")
	cfg.SocketBaseDir = filepath.Join(base, "sockets")

	driver := runtime.NewMockDriver()
	return New(driver, cfg), cfg, driver
}

func testWorkload() *types.WorkloadSpec {
	return &types.WorkloadSpec{
		ID:    "w1",
		Image: "example/image:latest",
	}
}

func TestHostPathsAreDeterministic(t *testing.T) {
	m, _, _ := testManager(t)

	p1 := m.HostPaths("abc")
	p2 := m.HostPaths("abc")
	if p1 != p2 {
		t.Fatalf("HostPaths() not deterministic: %+v vs %+v", p1, p2)
	}
	if filepath.Base(p1.SocketPath) != "app.sock" {
		t.Errorf("SocketPath = %v, want basename app.sock", p1.SocketPath)
	}
}

func TestCreateMakesHostDirectories(t *testing.T) {
	m, _, _ := testManager(t)
	workload := testWorkload()

	containerID := "c1"
	if _, err := m.Create(context.Background(), containerID, workload, nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	paths := m.HostPaths(containerID)
	for _, dir := range []string{paths.StateDir, paths.SecretsDir, paths.SocketDir} {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			t.Errorf("expected directory %s to exist", dir)
		}
	}
}

func TestWipeForNewTenantRecreatesEmptyDirs(t *testing.T) {
	m, _, _ := testManager(t)
	workload := testWorkload()
	containerID := "c1"

	if _, err := m.Create(context.Background(), containerID, workload, nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	paths := m.HostPaths(containerID)
	marker := filepath.Join(paths.StateDir, "secret.txt")
	if err := os.WriteFile(marker, []byte("leftover"), 0640); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if err := m.WipeForNewTenant(containerID, workload); err != nil {
		t.Fatalf("WipeForNewTenant() error = %v", err)
	}

	entries, err := os.ReadDir(paths.StateDir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty stateDir after wipe, found %d entries", len(entries))
	}
}

func TestApplySeedCopiesContent(t *testing.T) {
	m, _, _ := testManager(t)
	workload := testWorkload()

	seedDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(seedDir, "hello.txt"), []byte("hi"), 0640); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	workload.Volumes.State = types.VolumeSpec{Name: "state", Seed: seedDir}

	containerID := "c1"
	if _, err := m.Create(context.Background(), containerID, workload, nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := m.ApplySeed(containerID, workload); err != nil {
		t.Fatalf("ApplySeed() error = %v", err)
	}

	paths := m.HostPaths(containerID)
	data, err := os.ReadFile(filepath.Join(paths.StateDir, "hello.txt"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "hi" {
		t.Errorf("seeded content = %q, want %q", string(data), "hi")
	}
}

func TestDestroyRemovesHostDirectories(t *testing.T) {
	m, _, _ := testManager(t)
	workload := testWorkload()
	containerID := "c1"

	if _, err := m.Create(context.Background(), containerID, workload, nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := m.Destroy(context.Background(), containerID, 0); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}

	paths := m.HostPaths(containerID)
	if _, err := os.Stat(paths.StateDir); !os.IsNotExist(err) {
		t.Errorf("expected stateDir to be removed")
	}
}

func TestWaitForHealthyTimesOut(t *testing.T) {
	m, _, driver := testManager(t)
	containerID := "c1"
	driver.Healthy[containerID] = false
	driver.CreateContainer(context.Background(), runtime.ContainerSpec{ContainerID: containerID})
	driver.Healthy[containerID] = false

	err := m.WaitForHealthy(context.Background(), containerID, 5, 20)
	if err == nil {
		t.Fatal("expected WaitForHealthy to time out")
	}
}

func TestWaitForHealthySucceeds(t *testing.T) {
	m, _, driver := testManager(t)
	containerID := "c1"
	driver.CreateContainer(context.Background(), runtime.ContainerSpec{ContainerID: containerID})

	if err := m.WaitForHealthy(context.Background(), containerID, 5, 200); err != nil {
		t.Fatalf("WaitForHealthy() error = %v", err)
	}
}
