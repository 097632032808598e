// Package runtime abstracts the container backend. The core depends
// only on the Driver interface; ContainerdDriver is the production
// implementation and MockDriver exists for tests, matching the "mock
// for tests; a local container runtime; a cluster runtime" contract.
package runtime

import (
	"context"
	"time"
)

// Mount is one bind or tmpfs mount in a ContainerSpec.
type Mount struct {
	Source      string // empty for tmpfs
	Destination string
	Type        string // "bind" or "tmpfs"
	ReadOnly    bool
	SizeBytes   int64 // tmpfs only, 0 means unbounded
}

// ContainerSpec is the fully-resolved description the Container
// Manager hands to the Driver. Every field here corresponds to a
// responsibility enumerated for the Container Manager.
type ContainerSpec struct {
	ContainerID string
	Name        string // "container-<containerId>"
	Image       string
	Command     []string

	Mounts []Mount

	CPUShares   uint64
	MemoryBytes uint64

	ReadOnlyRootFS  bool
	RunAsUID        *int64
	DropAllCaps     bool
	NoNewPrivileges bool

	Networks []string
	DNS      []string

	Labels map[string]string

	// HealthCheck is the probe argv with a CMD/CMD-SHELL prefix
	// already stripped; empty means no health check.
	HealthCheck []string
}

// ContainerStatus is the coarse lifecycle state the Driver reports.
type ContainerStatus string

const (
	StatusRunning ContainerStatus = "running"
	StatusExited  ContainerStatus = "exited"
	StatusUnknown ContainerStatus = "unknown"
)

// ContainerInfo is what listContainers/getContainer return.
type ContainerInfo struct {
	RuntimeID string
	Labels    map[string]string
	Status    ContainerStatus
	StartedAt *time.Time
}

// ExecResult is the outcome of a blocking in-container exec.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Driver is the capability set required of any runtime backend.
// Implementations must be drop-in replaceable.
type Driver interface {
	CreateContainer(ctx context.Context, spec ContainerSpec) (runtimeID string, err error)
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	DestroyContainer(ctx context.Context, id string, grace time.Duration) error
	RestartContainer(ctx context.Context, id string, grace time.Duration) error
	GetContainer(ctx context.Context, id string) (*ContainerInfo, error)
	IsHealthy(ctx context.Context, id string) (bool, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]*ContainerInfo, error)
	Exec(ctx context.Context, id string, argv []string) (*ExecResult, error)
	Close() error
}
