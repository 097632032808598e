package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockDriver is an in-memory Driver for tests. It never touches a real
// container runtime; IsHealthy reflects whatever Healthy map entry the
// test set, defaulting to true once a container is created.
type MockDriver struct {
	mu         sync.Mutex
	containers map[string]*ContainerInfo
	Healthy    map[string]bool
	ExecFunc   func(id string, argv []string) (*ExecResult, error)

	CreateErr error
}

func NewMockDriver() *MockDriver {
	return &MockDriver{
		containers: make(map[string]*ContainerInfo),
		Healthy:    make(map[string]bool),
	}
}

func (m *MockDriver) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateErr != nil {
		return "", m.CreateErr
	}

	now := time.Now()
	m.containers[spec.ContainerID] = &ContainerInfo{
		RuntimeID: spec.ContainerID,
		Labels:    spec.Labels,
		Status:    StatusExited,
		StartedAt: &now,
	}
	m.Healthy[spec.ContainerID] = true
	return spec.ContainerID, nil
}

func (m *MockDriver) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.containers[id]; ok {
		info.Status = StatusExited
	}
	return nil
}

func (m *MockDriver) RemoveContainer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, id)
	delete(m.Healthy, id)
	return nil
}

func (m *MockDriver) DestroyContainer(ctx context.Context, id string, grace time.Duration) error {
	if err := m.StopContainer(ctx, id, grace); err != nil {
		return err
	}
	return m.RemoveContainer(ctx, id)
}

func (m *MockDriver) RestartContainer(ctx context.Context, id string, grace time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.containers[id]
	if !ok {
		return fmt.Errorf("container not found: %s", id)
	}
	info.Status = StatusRunning
	return nil
}

func (m *MockDriver) GetContainer(ctx context.Context, id string) (*ContainerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.containers[id]
	if !ok {
		return nil, fmt.Errorf("container not found: %s", id)
	}
	clone := *info
	return &clone, nil
}

func (m *MockDriver) IsHealthy(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	healthy, ok := m.Healthy[id]
	if !ok {
		return false, fmt.Errorf("container not found: %s", id)
	}
	return healthy, nil
}

func (m *MockDriver) ListContainers(ctx context.Context, labels map[string]string) ([]*ContainerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ContainerInfo
	for _, info := range m.containers {
		if labelsMatch(info.Labels, labels) {
			clone := *info
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *MockDriver) Exec(ctx context.Context, id string, argv []string) (*ExecResult, error) {
	if m.ExecFunc != nil {
		return m.ExecFunc(id, argv)
	}
	return &ExecResult{ExitCode: 0}, nil
}

func (m *MockDriver) Close() error {
	return nil
}
