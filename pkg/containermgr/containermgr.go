// Package containermgr computes deterministic host layout for pool
// containers and wraps the Runtime Driver with the filesystem
// operations (seeding, wiping, chowning) that accompany every
// lifecycle transition. It holds no state of its own beyond its
// Driver and Config.
package containermgr

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ferrohost/poolkeeper/pkg/config"
	"github.com/ferrohost/poolkeeper/pkg/log"
	"github.com/ferrohost/poolkeeper/pkg/poolerr"
	"github.com/ferrohost/poolkeeper/pkg/runtime"
	"github.com/ferrohost/poolkeeper/pkg/types"
)

// HostPaths are the three directories and one socket path owned 1:1
// with a container, keyed by containerId.
type HostPaths struct {
	StateDir   string
	SecretsDir string
	SocketDir  string
	SocketPath string
}

// Manager is a stateless wrapper over a runtime.Driver plus the host
// filesystem.
type Manager struct {
	driver runtime.Driver
	cfg    config.Config
}

func New(driver runtime.Driver, cfg config.Config) *Manager {
	return &Manager{driver: driver, cfg: cfg}
}

// NewContainerID returns a monotonic-prefix, random-suffix identifier.
// Collisions are astronomically unlikely and, if one somehow occurs,
// the runtime driver's create call fails loudly rather than silently
// colliding two tenants onto one container.
func NewContainerID() string {
	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), hex.EncodeToString(suffix))
}

func (m *Manager) HostPaths(containerID string) HostPaths {
	return HostPaths{
		StateDir:   filepath.Join(m.cfg.StateBaseDir, containerID),
		SecretsDir: filepath.Join(m.cfg.SecretsBaseDir, containerID),
		SocketDir:  filepath.Join(m.cfg.SocketBaseDir, containerID),
		SocketPath: filepath.Join(m.cfg.SocketBaseDir, containerID, "app.sock"),
	}
}

func resolveUID(user string) *int64 {
	if user == "" {
		return nil
	}
	uid, err := strconv.ParseInt(user, 10, 64)
	if err != nil {
		return nil
	}
	return &uid
}

// Create builds host directories and the runtime spec for a fresh
// container and returns its runtime id. The container is left
// stopped; a subsequent Restart starts it.
func (m *Manager) Create(ctx context.Context, containerID string, workload *types.WorkloadSpec, pool *types.Pool) (string, error) {
	paths := m.HostPaths(containerID)

	uid := resolveUID(workload.User)

	for _, dir := range []string{paths.StateDir, paths.SecretsDir, paths.SocketDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return "", &poolerr.RuntimeError{Op: "mkdir " + dir, Err: err}
		}
	}
	for _, v := range workload.Volumes.Custom {
		if err := os.MkdirAll(filepath.Join(paths.StateDir, "custom", v.Name), 0750); err != nil {
			return "", &poolerr.RuntimeError{Op: "mkdir custom volume " + v.Name, Err: err}
		}
	}
	if uid != nil {
		if err := chownRecursive(paths.StateDir, int(*uid)); err != nil {
			return "", &poolerr.RuntimeError{Op: "chown " + paths.StateDir, Err: err}
		}
		if err := chownRecursive(paths.SecretsDir, int(*uid)); err != nil {
			return "", &poolerr.RuntimeError{Op: "chown " + paths.SecretsDir, Err: err}
		}
	}

	spec := m.buildSpec(containerID, paths, workload, pool, uid)

	runtimeID, err := m.driver.CreateContainer(ctx, spec)
	if err != nil {
		return "", &poolerr.RuntimeError{Op: "createContainer", Err: err}
	}
	return runtimeID, nil
}

func (m *Manager) buildSpec(containerID string, paths HostPaths, workload *types.WorkloadSpec, pool *types.Pool, uid *int64) runtime.ContainerSpec {
	mounts := []runtime.Mount{
		{Source: paths.StateDir, Destination: "/state", Type: "bind", ReadOnly: false},
		{Source: paths.SecretsDir, Destination: "/secrets", Type: "bind", ReadOnly: true},
		{Source: paths.SocketDir, Destination: "/run/comm", Type: "bind", ReadOnly: false},
		{Destination: "/tmp", Type: "tmpfs", SizeBytes: 64 * 1024 * 1024},
		{Destination: "/var/tmp", Type: "tmpfs", SizeBytes: 64 * 1024 * 1024},
		{Destination: "/run", Type: "tmpfs", SizeBytes: 16 * 1024 * 1024},
	}
	for _, v := range workload.Volumes.Custom {
		mounts = append(mounts, runtime.Mount{
			Source:      filepath.Join(paths.StateDir, "custom", v.Name),
			Destination: "/mnt/" + v.Name,
			Type:        "bind",
		})
	}

	networks := workload.Networks
	if len(networks) == 0 {
		networks = []string{"bridge"}
	}
	if pool != nil && len(pool.Networks) > 0 {
		networks = pool.Networks
	}

	dns := workload.DNS
	if len(dns) == 0 {
		dns = []string{"8.8.8.8", "1.1.1.1"}
	}

	cpuShares := uint64(m.cfg.DefaultCPUShares)
	memBytes := uint64(m.cfg.DefaultMemoryBytes)

	labels := map[string]string{
		"managed":      "true",
		"container-id": containerID,
		"pool-id":      "",
		"workload-id":  workload.ID,
		"created-at":   time.Now().UTC().Format(time.RFC3339),
	}
	if pool != nil {
		labels["pool-id"] = pool.ID
	}

	var healthCheck []string
	if workload.HealthCheck != nil {
		healthCheck = stripHealthCheckPrefix(workload.HealthCheck.Command)
	}

	return runtime.ContainerSpec{
		ContainerID:     containerID,
		Name:            "container-" + containerID,
		Image:           workload.Image,
		Command:         workload.Command,
		Mounts:          mounts,
		CPUShares:       cpuShares,
		MemoryBytes:     memBytes,
		ReadOnlyRootFS:  workload.ReadOnlyRoot,
		RunAsUID:        uid,
		DropAllCaps:     true,
		NoNewPrivileges: true,
		Networks:        networks,
		DNS:             dns,
		Labels:          labels,
		HealthCheck:     healthCheck,
	}
}

func stripHealthCheckPrefix(argv []string) []string {
	if len(argv) == 0 {
		return argv
	}
	switch argv[0] {
	case "CMD", "CMD-SHELL":
		return argv[1:]
	default:
		return argv
	}
}

// ApplySeed copies every volume's seed directory into its host-side
// location, overwriting existing content, then chowns to uid if set.
func (m *Manager) ApplySeed(containerID string, workload *types.WorkloadSpec) error {
	paths := m.HostPaths(containerID)
	uid := resolveUID(workload.User)

	seeds := []struct {
		vol  types.VolumeSpec
		dest string
	}{
		{workload.Volumes.State, paths.StateDir},
		{workload.Volumes.Secrets, paths.SecretsDir},
		{workload.Volumes.Comm, paths.SocketDir},
	}
	for _, cv := range workload.Volumes.Custom {
		seeds = append(seeds, struct {
			vol  types.VolumeSpec
			dest string
		}{cv, filepath.Join(paths.StateDir, "custom", cv.Name)})
	}

	for _, s := range seeds {
		if s.vol.Seed == "" {
			continue
		}
		if err := copyTree(s.vol.Seed, s.dest); err != nil {
			return &poolerr.RuntimeError{Op: "seed " + s.vol.Name, Err: err}
		}
		if uid != nil {
			if err := chownRecursive(s.dest, int(*uid)); err != nil {
				return &poolerr.RuntimeError{Op: "chown seeded " + s.vol.Name, Err: err}
			}
		}
	}
	return nil
}

// WipeForNewTenant clears stateDir and secretsDir and recreates them
// empty, chowned to uid if set. Idempotent: missing directories are
// simply recreated.
func (m *Manager) WipeForNewTenant(containerID string, workload *types.WorkloadSpec) error {
	paths := m.HostPaths(containerID)
	uid := resolveUID(workload.User)

	for _, dir := range []string{paths.StateDir, paths.SecretsDir} {
		if err := os.RemoveAll(dir); err != nil {
			return &poolerr.RuntimeError{Op: "wipe " + dir, Err: err}
		}
		if err := os.MkdirAll(dir, 0750); err != nil {
			return &poolerr.RuntimeError{Op: "recreate " + dir, Err: err}
		}
		if uid != nil {
			if err := os.Chown(dir, int(*uid), int(*uid)); err != nil {
				log.Logger.Warn().Err(err).Str("dir", dir).Msg("chown after wipe failed")
			}
		}
	}
	return nil
}

// Restart delegates to the driver with a grace timeout.
func (m *Manager) Restart(ctx context.Context, containerID string, grace time.Duration) error {
	if err := m.driver.RestartContainer(ctx, containerID, grace); err != nil {
		return &poolerr.RuntimeError{Op: "restartContainer", Err: err}
	}
	return nil
}

// Destroy stops and removes the runtime container, then removes its
// three host directories. Best-effort: filesystem cleanup tolerates
// directories that are already absent.
func (m *Manager) Destroy(ctx context.Context, containerID string, grace time.Duration) error {
	if err := m.driver.DestroyContainer(ctx, containerID, grace); err != nil {
		log.Logger.Warn().Err(err).Str("container_id", containerID).Msg("runtime destroy failed, continuing with row/fs cleanup")
	}

	paths := m.HostPaths(containerID)
	for _, dir := range []string{paths.StateDir, paths.SecretsDir, paths.SocketDir} {
		if err := os.RemoveAll(dir); err != nil {
			return &poolerr.RuntimeError{Op: "rm " + dir, Err: err}
		}
	}
	return nil
}

// WaitForHealthy polls isHealthy until true or deadline.
func (m *Manager) WaitForHealthy(ctx context.Context, containerID string, intervalMs, timeoutMs int64) error {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	interval := time.Duration(intervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		healthy, err := m.driver.IsHealthy(ctx, containerID)
		if err == nil && healthy {
			return nil
		}
		if time.Now().After(deadline) {
			return poolerr.ErrHealthTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func chownRecursive(root string, uid int) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return os.Chown(path, uid, uid)
	})
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
