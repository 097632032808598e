package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/ferrohost/poolkeeper/pkg/poolerr"
	"github.com/ferrohost/poolkeeper/pkg/runtime"
	"github.com/ferrohost/poolkeeper/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestRunAllSucceed(t *testing.T) {
	driver := runtime.NewMockDriver()
	r := New(driver, nil)

	result := r.Run(context.Background(), PostClaim, "c1", "p1", "t1", []types.HookCommand{
		{Command: []string{"true"}, TimeoutMs: 1000, OnError: types.HookErrorFail},
		{Command: []string{"true"}, TimeoutMs: 1000, OnError: types.HookErrorFail},
	})

	require.False(t, result.Aborted)
	require.Len(t, result.Results, 2)
}

func TestRunAbortsOnFailFast(t *testing.T) {
	driver := runtime.NewMockDriver()
	driver.ExecFunc = func(id string, argv []string) (*runtime.ExecResult, error) {
		return &runtime.ExecResult{ExitCode: 1, Stderr: "boom"}, nil
	}
	r := New(driver, nil)

	result := r.Run(context.Background(), PostClaim, "c1", "p1", "t1", []types.HookCommand{
		{Command: []string{"bad"}, TimeoutMs: 1000, OnError: types.HookErrorFail},
		{Command: []string{"never-reached"}, TimeoutMs: 1000, OnError: types.HookErrorFail},
	})

	require.True(t, result.Aborted)
	require.Equal(t, 0, result.AbortedAt)
	require.Len(t, result.Results, 1)
}

func TestRunContinuesPastFailureWhenOnErrorContinue(t *testing.T) {
	driver := runtime.NewMockDriver()
	driver.ExecFunc = func(id string, argv []string) (*runtime.ExecResult, error) {
		return &runtime.ExecResult{ExitCode: 1}, nil
	}
	r := New(driver, nil)

	result := r.Run(context.Background(), PostClaim, "c1", "p1", "t1", []types.HookCommand{
		{Command: []string{"bad"}, TimeoutMs: 1000, OnError: types.HookErrorContinue},
		{Command: []string{"also-bad"}, TimeoutMs: 1000, OnError: types.HookErrorContinue},
	})

	require.False(t, result.Aborted)
	require.Len(t, result.Results, 2)
}

func TestRunRetriesExhaustAttempts(t *testing.T) {
	calls := 0
	driver := runtime.NewMockDriver()
	driver.ExecFunc = func(id string, argv []string) (*runtime.ExecResult, error) {
		calls++
		return &runtime.ExecResult{ExitCode: 1}, nil
	}
	r := New(driver, nil)

	result := r.Run(context.Background(), PostClaim, "c1", "p1", "t1", []types.HookCommand{
		{Command: []string{"flaky"}, TimeoutMs: 1000, OnError: types.HookErrorRetry, Retries: 3},
	})

	require.True(t, result.Aborted)
	require.Equal(t, 3, calls)
}

func TestRunRetrySucceedsBeforeExhaustingAttempts(t *testing.T) {
	calls := 0
	driver := runtime.NewMockDriver()
	driver.ExecFunc = func(id string, argv []string) (*runtime.ExecResult, error) {
		calls++
		if calls < 2 {
			return &runtime.ExecResult{ExitCode: 1}, nil
		}
		return &runtime.ExecResult{ExitCode: 0}, nil
	}
	r := New(driver, nil)

	result := r.Run(context.Background(), PostClaim, "c1", "p1", "t1", []types.HookCommand{
		{Command: []string{"flaky"}, TimeoutMs: 1000, OnError: types.HookErrorRetry, Retries: 3},
	})

	require.False(t, result.Aborted)
	require.Equal(t, 2, calls)
}

func TestHookAbortedErrorWrapsReason(t *testing.T) {
	require.Nil(t, HookAbortedError(PostClaim, types.HookRunResult{Aborted: false}))

	err := HookAbortedError(PostClaim, types.HookRunResult{
		Aborted:   true,
		AbortedAt: 0,
		Results:   []types.HookResult{{TimedOut: true}},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "post_claim")
}

func TestRunClassifiesExecError(t *testing.T) {
	driver := runtime.NewMockDriver()
	driver.ExecFunc = func(id string, argv []string) (*runtime.ExecResult, error) {
		return nil, errors.New("driver unreachable")
	}
	r := New(driver, nil)

	result := r.Run(context.Background(), PostClaim, "c1", "p1", "t1", []types.HookCommand{
		{Command: []string{"bad"}, TimeoutMs: 1000, OnError: types.HookErrorFail},
	})

	require.True(t, result.Aborted)
	require.Len(t, result.Results, 1)
	require.True(t, result.Results[0].ExecError)
	require.False(t, result.Results[0].TimedOut)

	err := HookAbortedError(PostClaim, result)
	require.Error(t, err)
	var aborted *poolerr.HookAborted
	require.ErrorAs(t, err, &aborted)
	require.Equal(t, poolerr.ReasonExecError, aborted.Reason)
}
