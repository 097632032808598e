package runtime

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/ferrohost/poolkeeper/pkg/health"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// Namespace isolates pool containers from anything else running
	// against the same containerd socket.
	Namespace = "poolkeeper"

	// ManagedLabel marks every container this driver creates so the
	// Recovery Reconciler can distinguish ours from foreign ones.
	ManagedLabel = "managed"
)

// ContainerdDriver implements Driver against a containerd socket.
type ContainerdDriver struct {
	client *containerd.Client

	mu           sync.Mutex
	healthChecks map[string][]string // containerID -> probe argv, set at create time
}

// NewContainerdDriver connects to the containerd socket at socketPath.
func NewContainerdDriver(socketPath string) (*ContainerdDriver, error) {
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}
	return &ContainerdDriver{client: client, healthChecks: make(map[string][]string)}, nil
}

func (d *ContainerdDriver) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

func (d *ContainerdDriver) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, Namespace)
}

func (d *ContainerdDriver) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	ctx = d.ctx(ctx)

	image, err := d.client.GetImage(ctx, spec.Image)
	if err != nil {
		image, err = d.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return "", fmt.Errorf("failed to resolve image %s: %w", spec.Image, err)
		}
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithHostname(spec.Name),
	}

	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}

	if spec.CPUShares > 0 {
		quota := int64(spec.CPUShares) * 100
		opts = append(opts, oci.WithCPUShares(spec.CPUShares), oci.WithCPUCFS(quota, 100000))
	}
	if spec.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(spec.MemoryBytes))
	}

	if spec.ReadOnlyRootFS {
		opts = append(opts, oci.WithRootFSReadonly())
	}
	if spec.DropAllCaps {
		opts = append(opts, oci.WithCapabilities(nil))
	}
	if spec.NoNewPrivileges {
		opts = append(opts, oci.WithNoNewPrivileges)
	}
	if spec.RunAsUID != nil {
		opts = append(opts, oci.WithUIDGID(uint32(*spec.RunAsUID), uint32(*spec.RunAsUID)))
	}

	var mounts []specs.Mount
	for _, m := range spec.Mounts {
		sm := specs.Mount{
			Destination: m.Destination,
			Type:        m.Type,
		}
		if m.Type == "tmpfs" {
			sm.Source = "tmpfs"
			opts_ := []string{"nosuid", "noexec", "nodev"}
			if m.SizeBytes > 0 {
				opts_ = append(opts_, "size="+strconv.FormatInt(m.SizeBytes, 10))
			}
			sm.Options = opts_
		} else {
			sm.Source = m.Source
			sm.Options = []string{"rbind"}
			if m.ReadOnly {
				sm.Options = append(sm.Options, "ro")
			} else {
				sm.Options = append(sm.Options, "rw")
			}
		}
		mounts = append(mounts, sm)
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	labels := map[string]string{ManagedLabel: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	ctrdContainer, err := d.client.NewContainer(
		ctx,
		spec.ContainerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ContainerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if len(spec.HealthCheck) > 0 {
		d.mu.Lock()
		d.healthChecks[spec.ContainerID] = spec.HealthCheck
		d.mu.Unlock()
	}

	return ctrdContainer.ID(), nil
}

func (d *ContainerdDriver) startTask(ctx context.Context, id string) error {
	ctx = d.ctx(ctx)
	c, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}
	task, err := c.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}
	return nil
}

func (d *ContainerdDriver) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	ctx = d.ctx(ctx)

	c, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

func (d *ContainerdDriver) RemoveContainer(ctx context.Context, id string) error {
	ctx = d.ctx(ctx)
	c, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		return nil
	}
	return c.Delete(ctx, containerd.WithSnapshotCleanup)
}

func (d *ContainerdDriver) DestroyContainer(ctx context.Context, id string, grace time.Duration) error {
	if err := d.StopContainer(ctx, id, grace); err != nil {
		return err
	}
	return d.RemoveContainer(ctx, id)
}

func (d *ContainerdDriver) RestartContainer(ctx context.Context, id string, grace time.Duration) error {
	if err := d.StopContainer(ctx, id, grace); err != nil {
		return fmt.Errorf("restart: stop failed: %w", err)
	}
	if err := d.startTask(ctx, id); err != nil {
		return fmt.Errorf("restart: start failed: %w", err)
	}
	return nil
}

func (d *ContainerdDriver) GetContainer(ctx context.Context, id string) (*ContainerInfo, error) {
	ctx = d.ctx(ctx)
	c, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load container %s: %w", id, err)
	}

	info, err := c.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container info: %w", err)
	}

	status := StatusExited
	var startedAt *time.Time
	if task, err := c.Task(ctx, nil); err == nil {
		ts, err := task.Status(ctx)
		if err == nil && ts.Status == containerd.Running {
			status = StatusRunning
			t := info.CreatedAt
			startedAt = &t
		}
	}

	return &ContainerInfo{
		RuntimeID: id,
		Labels:    info.Labels,
		Status:    status,
		StartedAt: startedAt,
	}, nil
}

// IsHealthy reports the task as running when the container declared no
// health check. When one was declared at create time, readiness also
// requires the probe argv to exit zero inside the container, matching
// the Docker-style HEALTHCHECK semantics the workload spec describes.
func (d *ContainerdDriver) IsHealthy(ctx context.Context, id string) (bool, error) {
	info, err := d.GetContainer(ctx, id)
	if err != nil {
		return false, err
	}
	if info.Status != StatusRunning {
		return false, nil
	}

	d.mu.Lock()
	probe := d.healthChecks[id]
	d.mu.Unlock()
	if len(probe) == 0 {
		return true, nil
	}

	checker := health.NewExecChecker(execRunner{d}, id, probe, 10*time.Second)
	result := checker.Check(ctx)
	return result.Healthy, nil
}

// execRunner adapts ContainerdDriver.Exec to health.ExecRunner so the
// health package never needs to import runtime.
type execRunner struct{ d *ContainerdDriver }

func (r execRunner) Exec(ctx context.Context, containerID string, argv []string) (*health.ExecOutcome, error) {
	res, err := r.d.Exec(ctx, containerID, argv)
	if err != nil {
		return nil, err
	}
	return &health.ExecOutcome{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, nil
}

func (d *ContainerdDriver) ListContainers(ctx context.Context, labels map[string]string) ([]*ContainerInfo, error) {
	ctx = d.ctx(ctx)
	containers, err := d.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var out []*ContainerInfo
	for _, c := range containers {
		info, err := c.Info(ctx)
		if err != nil {
			continue
		}
		if !labelsMatch(info.Labels, labels) {
			continue
		}
		status := StatusExited
		if task, err := c.Task(ctx, nil); err == nil {
			if ts, err := task.Status(ctx); err == nil && ts.Status == containerd.Running {
				status = StatusRunning
			}
		}
		out = append(out, &ContainerInfo{
			RuntimeID: c.ID(),
			Labels:    info.Labels,
			Status:    status,
		})
	}
	return out, nil
}

func labelsMatch(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func (d *ContainerdDriver) Exec(ctx context.Context, id string, argv []string) (*ExecResult, error) {
	ctx = d.ctx(ctx)
	c, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load container %s: %w", id, err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("container has no running task: %w", err)
	}

	spec, err := c.Spec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load spec: %w", err)
	}
	pspec := *spec.Process
	pspec.Args = argv

	var stdout, stderr bytes.Buffer
	process, err := task.Exec(ctx, "exec-"+strconv.FormatInt(time.Now().UnixNano(), 10), &pspec, cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)))
	if err != nil {
		return nil, fmt.Errorf("failed to start exec: %w", err)
	}
	defer process.Delete(ctx)

	statusC, err := process.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for exec: %w", err)
	}
	if err := process.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start exec process: %w", err)
	}

	status := <-statusC
	return &ExecResult{
		ExitCode: int(status.ExitCode()),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}
