package workload

import (
	"testing"

	"github.com/ferrohost/poolkeeper/pkg/poolerr"
	"github.com/ferrohost/poolkeeper/pkg/types"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	eventType types.ActivityEventType
	message   string
}

type fakeActivity struct {
	events []recordedEvent
}

func (f *fakeActivity) Record(eventType types.ActivityEventType, poolID, containerID, tenantID, message string, metadata map[string]string) {
	f.events = append(f.events, recordedEvent{eventType: eventType, message: message})
}

func validSpec(id string) *types.WorkloadSpec {
	return &types.WorkloadSpec{ID: id, Image: "example/image:latest"}
}

func TestUpsertValidSpecSucceeds(t *testing.T) {
	act := &fakeActivity{}
	r := New(act)

	require.NoError(t, r.Upsert(validSpec("w1")))

	got, err := r.Get("w1")
	require.NoError(t, err)
	require.Equal(t, "example/image:latest", got.Image)
	require.Len(t, act.events, 1)
	require.Equal(t, types.EventWorkloadAdded, act.events[0].eventType)
}

func TestUpsertTwiceEmitsUpdatedEvent(t *testing.T) {
	act := &fakeActivity{}
	r := New(act)

	require.NoError(t, r.Upsert(validSpec("w1")))
	require.NoError(t, r.Upsert(validSpec("w1")))

	require.Len(t, act.events, 2)
	require.Equal(t, types.EventWorkloadUpdated, act.events[1].eventType)
}

func TestGetMissingReturnsErrWorkloadNotFound(t *testing.T) {
	r := New(nil)
	_, err := r.Get("missing")
	require.ErrorIs(t, err, poolerr.ErrWorkloadNotFound)
}

func TestRemoveMissingReturnsErrWorkloadNotFound(t *testing.T) {
	r := New(nil)
	err := r.Remove("missing")
	require.ErrorIs(t, err, poolerr.ErrWorkloadNotFound)
}

func TestRemoveDeletesAndEmitsEvent(t *testing.T) {
	act := &fakeActivity{}
	r := New(act)
	require.NoError(t, r.Upsert(validSpec("w1")))

	require.NoError(t, r.Remove("w1"))
	_, err := r.Get("w1")
	require.ErrorIs(t, err, poolerr.ErrWorkloadNotFound)
	require.Equal(t, types.EventWorkloadRemoved, act.events[len(act.events)-1].eventType)
}

func TestValidateRejectsEmptyImage(t *testing.T) {
	err := Validate(&types.WorkloadSpec{ID: "w1"})
	require.Error(t, err)
	var verr *poolerr.WorkloadValidation
	require.ErrorAs(t, err, &verr)
	require.NotEmpty(t, verr.Fields)
}

func TestValidateRejectsMinIdleAboveMaxSize(t *testing.T) {
	spec := validSpec("w1")
	spec.Pool = &types.PoolDefaults{MinIdle: 5, MaxSize: 2}
	err := Validate(spec)
	require.Error(t, err)
}

func TestValidateRejectsRetryWithoutRetries(t *testing.T) {
	spec := validSpec("w1")
	spec.Hooks = &types.HookSpec{
		PostClaim: []types.HookCommand{
			{Command: []string{"x"}, TimeoutMs: 100, OnError: types.HookErrorRetry, Retries: 0},
		},
	}
	err := Validate(spec)
	require.Error(t, err)
}

func TestValidateRejectsSyncMappingMissingPaths(t *testing.T) {
	spec := validSpec("w1")
	spec.Sync = &types.SyncSpec{
		Sink:     types.SinkConfig{Type: "s3"},
		Mappings: []types.SyncMapping{{}},
	}
	err := Validate(spec)
	require.Error(t, err)
	var verr *poolerr.WorkloadValidation
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Fields, 2)
}

func TestListReturnsAllRegistered(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Upsert(validSpec("w1")))
	require.NoError(t, r.Upsert(validSpec("w2")))
	require.Len(t, r.List(), 2)
}
