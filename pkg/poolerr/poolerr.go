// Package poolerr defines the enumerated failure kinds the orchestrator
// surfaces to its callers, following the teacher's habit of plain
// sentinel errors wrapped with fmt.Errorf rather than a custom error
// code framework.
package poolerr

import (
	"errors"
	"strconv"
)

var (
	ErrPoolNotFound      = errors.New("pool not found")
	ErrPoolCapacity      = errors.New("pool at capacity")
	ErrTenantNotFound    = errors.New("tenant not found")
	ErrContainerNotFound = errors.New("container not found")
	ErrHealthTimeout     = errors.New("readiness wait exceeded timeout")
	ErrStoreConflict     = errors.New("conditional update affected zero rows")
	ErrWorkloadNotFound  = errors.New("workload not found")
)

// HookAbortReason is why a hook's execution stopped.
type HookAbortReason string

const (
	ReasonNonzeroExit HookAbortReason = "nonzero-exit"
	ReasonTimeout     HookAbortReason = "timeout"
	ReasonExecError   HookAbortReason = "exec-error"
)

// HookAborted reports that a lifecycle hook sequence aborted.
type HookAborted struct {
	HookPoint string
	Index     int
	Reason    HookAbortReason
}

func (e *HookAborted) Error() string {
	return "hook aborted at " + e.HookPoint + "[" + strconv.Itoa(e.Index) + "]: " + string(e.Reason)
}

// FieldError is one field-level validation failure.
type FieldError struct {
	Path    string
	Message string
}

// WorkloadValidation is surfaced verbatim from the Workload Registry,
// one entry per invalid field.
type WorkloadValidation struct {
	WorkloadID string
	Fields     []FieldError
}

func (e *WorkloadValidation) Error() string {
	msg := "workload validation failed for " + e.WorkloadID + ":"
	for _, f := range e.Fields {
		msg += " " + f.Path + ": " + f.Message + ";"
	}
	return msg
}

// SyncFailed is informational: no step of the claim pipeline returns it,
// so a sync failure never aborts a claim.
type SyncFailed struct {
	TenantID string
	SinkPath string
	Reason   string
}

func (e *SyncFailed) Error() string {
	return "sync failed for tenant " + e.TenantID + " at " + e.SinkPath + ": " + e.Reason
}

// RuntimeError is an opaque passthrough from the Runtime Driver.
type RuntimeError struct {
	Op  string
	Err error
}

func (e *RuntimeError) Error() string {
	return "runtime " + e.Op + ": " + e.Err.Error()
}

func (e *RuntimeError) Unwrap() error { return e.Err }
