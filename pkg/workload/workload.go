// Package workload is the in-memory Workload Registry: a validated
// view of operator-declared WorkloadSpec values. It does not parse
// YAML or interpolate environment variables — that remains an
// external collaborator per the core's scope — it only accepts
// already-built WorkloadSpec values, validates them, and publishes
// change events to the Activity Log.
package workload

import (
	"strconv"
	"sync"

	"github.com/ferrohost/poolkeeper/pkg/log"
	"github.com/ferrohost/poolkeeper/pkg/poolerr"
	"github.com/ferrohost/poolkeeper/pkg/types"
	"github.com/rs/zerolog"
)

// ActivityRecorder is the subset of the Activity Log the registry
// publishes change events to.
type ActivityRecorder interface {
	Record(eventType types.ActivityEventType, poolID, containerID, tenantID, message string, metadata map[string]string)
}

// Registry is the in-memory, validated view of every workload this
// node knows about.
type Registry struct {
	mu       sync.RWMutex
	specs    map[string]*types.WorkloadSpec
	activity ActivityRecorder
	logger   zerolog.Logger
}

func New(activity ActivityRecorder) *Registry {
	return &Registry{
		specs:    make(map[string]*types.WorkloadSpec),
		activity: activity,
		logger:   log.WithComponent("workload-registry"),
	}
}

// Get returns the workload by id, or ErrWorkloadNotFound.
func (r *Registry) Get(id string) (*types.WorkloadSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.specs[id]
	if !ok {
		return nil, poolerr.ErrWorkloadNotFound
	}
	return spec, nil
}

// List returns every validated workload currently registered.
func (r *Registry) List() []*types.WorkloadSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.WorkloadSpec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	return out
}

// Upsert validates spec and inserts or replaces it by ID. Reconfiguring
// a workload whose pool is already running does not itself alter the
// pool; the caller is expected to destroy and recreate the pool, per
// the core's treatment of workloads as immutable within a pool's
// lifetime.
func (r *Registry) Upsert(spec *types.WorkloadSpec) error {
	if err := Validate(spec); err != nil {
		return err
	}

	r.mu.Lock()
	_, existed := r.specs[spec.ID]
	r.specs[spec.ID] = spec
	r.mu.Unlock()

	eventType := types.EventWorkloadAdded
	verb := "added"
	if existed {
		eventType = types.EventWorkloadUpdated
		verb = "updated"
	}
	r.logger.Info().Str("workload_id", spec.ID).Msg("workload " + verb)
	if r.activity != nil {
		r.activity.Record(eventType, "", "", "", "workload "+spec.ID+" "+verb, nil)
	}
	return nil
}

// Remove deletes a workload by id. It does not touch any pool built
// against it; draining or destroying that pool is the caller's
// responsibility.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	_, ok := r.specs[id]
	if ok {
		delete(r.specs, id)
	}
	r.mu.Unlock()

	if !ok {
		return poolerr.ErrWorkloadNotFound
	}
	r.logger.Info().Str("workload_id", id).Msg("workload removed")
	if r.activity != nil {
		r.activity.Record(types.EventWorkloadRemoved, "", "", "", "workload "+id+" removed", nil)
	}
	return nil
}

// Validate checks the struct-level invariants the spec imposes on a
// WorkloadSpec, returning every violation at once so an operator sees
// the full picture in one round trip.
func Validate(spec *types.WorkloadSpec) error {
	var fields []poolerr.FieldError

	if spec.ID == "" {
		fields = append(fields, poolerr.FieldError{Path: "id", Message: "must not be empty"})
	}
	if spec.Image == "" {
		fields = append(fields, poolerr.FieldError{Path: "image", Message: "must not be empty"})
	}
	if spec.Pool != nil {
		if spec.Pool.MinIdle < 0 {
			fields = append(fields, poolerr.FieldError{Path: "pool.minIdle", Message: "must be >= 0"})
		}
		if spec.Pool.MaxSize <= 0 {
			fields = append(fields, poolerr.FieldError{Path: "pool.maxSize", Message: "must be > 0"})
		}
		if spec.Pool.MaxSize > 0 && spec.Pool.MinIdle > spec.Pool.MaxSize {
			fields = append(fields, poolerr.FieldError{Path: "pool.minIdle", Message: "must not exceed pool.maxSize"})
		}
	}
	if spec.HealthCheck != nil {
		if len(spec.HealthCheck.Command) == 0 {
			fields = append(fields, poolerr.FieldError{Path: "healthCheck.command", Message: "must not be empty"})
		}
		if spec.HealthCheck.IntervalMs <= 0 {
			fields = append(fields, poolerr.FieldError{Path: "healthCheck.intervalMs", Message: "must be > 0"})
		}
		if spec.HealthCheck.TimeoutMs <= 0 {
			fields = append(fields, poolerr.FieldError{Path: "healthCheck.timeoutMs", Message: "must be > 0"})
		}
	}
	if spec.Hooks != nil {
		validateHooks("hooks.postClaim", spec.Hooks.PostClaim, &fields)
		validateHooks("hooks.preRelease", spec.Hooks.PreRelease, &fields)
	}
	if spec.Sync != nil {
		if spec.Sync.Sink.Type == "" {
			fields = append(fields, poolerr.FieldError{Path: "sync.sink.type", Message: "must not be empty"})
		}
		for i, m := range spec.Sync.Mappings {
			if m.ContainerPath == "" {
				fields = append(fields, poolerr.FieldError{Path: pathIndex("sync.mappings", i) + ".containerPath", Message: "must not be empty"})
			}
			if m.SinkPath == "" {
				fields = append(fields, poolerr.FieldError{Path: pathIndex("sync.mappings", i) + ".sinkPath", Message: "must not be empty"})
			}
		}
	}

	if len(fields) > 0 {
		return &poolerr.WorkloadValidation{WorkloadID: spec.ID, Fields: fields}
	}
	return nil
}

func validateHooks(prefix string, hooks []types.HookCommand, fields *[]poolerr.FieldError) {
	for i, h := range hooks {
		if len(h.Command) == 0 {
			*fields = append(*fields, poolerr.FieldError{Path: pathIndex(prefix, i) + ".command", Message: "must not be empty"})
		}
		if h.TimeoutMs <= 0 {
			*fields = append(*fields, poolerr.FieldError{Path: pathIndex(prefix, i) + ".timeoutMs", Message: "must be > 0"})
		}
		if h.OnError == types.HookErrorRetry && h.Retries < 1 {
			*fields = append(*fields, poolerr.FieldError{Path: pathIndex(prefix, i) + ".retries", Message: "must be >= 1 when onError is retry"})
		}
	}
}

func pathIndex(prefix string, i int) string {
	return prefix + "[" + strconv.Itoa(i) + "]"
}
