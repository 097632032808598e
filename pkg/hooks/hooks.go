// Package hooks runs a WorkloadSpec's lifecycle hook commands
// sequentially inside a claimed container, implementing the exact
// attempt/timeout/onError pseudocode from spec §4.6.
package hooks

import (
	"context"
	"strconv"
	"time"

	"github.com/ferrohost/poolkeeper/pkg/log"
	"github.com/ferrohost/poolkeeper/pkg/poolerr"
	"github.com/ferrohost/poolkeeper/pkg/runtime"
	"github.com/ferrohost/poolkeeper/pkg/types"
)

// HookPoint names where in the claim/release pipeline a hook list runs.
type HookPoint string

const (
	PostClaim  HookPoint = "post_claim"
	PreRelease HookPoint = "pre_release"
)

// ActivityRecorder is the subset of the Activity Log hooks publish to.
type ActivityRecorder interface {
	Record(eventType types.ActivityEventType, poolID, containerID, tenantID, message string, metadata map[string]string)
}

// Runner executes hook lists against a Runtime Driver.
type Runner struct {
	driver   runtime.Driver
	activity ActivityRecorder
}

func New(driver runtime.Driver, activity ActivityRecorder) *Runner {
	return &Runner{driver: driver, activity: activity}
}

// Run executes hooks sequentially inside containerID, stopping at the
// first one whose final attempt still fails with onError=fail (or
// onError=retry with every attempt exhausted).
func (r *Runner) Run(ctx context.Context, point HookPoint, containerID, poolID, tenantID string, hooks []types.HookCommand) types.HookRunResult {
	var results []types.HookResult

	for i, h := range hooks {
		if r.activity != nil {
			r.activity.Record(types.EventHookStarted, poolID, containerID, tenantID, string(point)+" hook started", map[string]string{"index": strconv.Itoa(i)})
		}

		attempts := 1
		if h.OnError == types.HookErrorRetry {
			attempts = h.Retries
			if attempts < 1 {
				attempts = 1
			}
		}

		var result types.HookResult
		for attempt := 0; attempt < attempts; attempt++ {
			result = r.execOne(ctx, containerID, h)
			results = append(results, result)
			if result.ExitCode == 0 {
				break
			}
		}

		if result.ExitCode == 0 {
			if r.activity != nil {
				r.activity.Record(types.EventHookCompleted, poolID, containerID, tenantID, string(point)+" hook completed", map[string]string{"index": strconv.Itoa(i)})
			}
			continue
		}

		reason := "exited " + strconv.Itoa(result.ExitCode)
		switch {
		case result.TimedOut:
			reason = "timed out"
		case result.ExecError:
			reason = "exec error: " + result.Stderr
		}
		if r.activity != nil {
			r.activity.Record(types.EventHookFailed, poolID, containerID, tenantID, string(point)+" hook failed: "+reason, map[string]string{"index": strconv.Itoa(i)})
		}

		if h.OnError == types.HookErrorContinue {
			continue
		}

		// onError == fail, or onError == retry with every attempt
		// exhausted: the sequence aborts here.
		return types.HookRunResult{Aborted: true, AbortedAt: i, Results: results}
	}

	return types.HookRunResult{Aborted: false, Results: results}
}

func (r *Runner) execOne(ctx context.Context, containerID string, h types.HookCommand) types.HookResult {
	start := time.Now()
	timeout := time.Duration(h.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := r.driver.Exec(execCtx, containerID, h.Command)
	duration := time.Since(start).Milliseconds()

	if execCtx.Err() == context.DeadlineExceeded {
		return types.HookResult{
			Command:    h.Command,
			ExitCode:   -1,
			Stderr:     "Hook timed out after " + strconv.FormatInt(timeout.Milliseconds(), 10) + "ms",
			DurationMs: duration,
			TimedOut:   true,
		}
	}
	if err != nil {
		log.Logger.Warn().Err(err).Strs("command", h.Command).Msg("hook exec failed")
		return types.HookResult{
			Command:    h.Command,
			ExitCode:   -1,
			Stderr:     err.Error(),
			DurationMs: duration,
			ExecError:  true,
		}
	}

	return types.HookResult{
		Command:    h.Command,
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		DurationMs: duration,
	}
}

// HookAbortedError wraps a HookRunResult into the enumerated error kind
// from §7, for callers that expect an error return rather than the
// richer result struct.
func HookAbortedError(point HookPoint, result types.HookRunResult) error {
	if !result.Aborted {
		return nil
	}
	reason := poolerr.ReasonNonzeroExit
	// Results holds one entry per attempt; Run stops at the aborting
	// hook, so its final attempt is the last entry.
	if len(result.Results) > 0 {
		last := result.Results[len(result.Results)-1]
		switch {
		case last.TimedOut:
			reason = poolerr.ReasonTimeout
		case last.ExecError:
			reason = poolerr.ReasonExecError
		}
	}
	return &poolerr.HookAborted{HookPoint: string(point), Index: result.AbortedAt, Reason: reason}
}

