package devices_test

import (
	"context"
	"testing"
	"time"

	"github.com/ignatij/stepflow/internal/devices"
	"github.com/ignatij/stepflow/pkg/locking"
	"github.com/ignatij/stepflow/pkg/models"
	"github.com/ignatij/stepflow/pkg/service"
	"github.com/ignatij/stepflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

func newEngine(t *testing.T, array *devices.Array) (*service.Engine, storage.Store) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	store := storage.NewMemoryStore()
	engine := service.NewEngine(ctx, store, locking.NewMemoryLocker(), logger{}, service.WithWorkers(2))
	engine.RegisterTarget(devices.ArrayTarget, array)
	t.Cleanup(func() {
		array.Wait()
		cancel()
		engine.Stop()
	})
	return engine, store
}

func provision(t *testing.T, engine *service.Engine, store storage.Store, req devices.VolumeRequest, taskID string) models.Workflow {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	plan, err := devices.VolumeCreatePlan(ctx, req, taskID)
	require.NoError(t, err)
	completer := service.NewTaskCompleter(store, logger{}, taskID)
	completer.MarkCreated(req.Volume)
	require.NoError(t, engine.ExecutePlan(ctx, plan, completer, "volume "+req.Volume+" ready"))
	wf, err := engine.Wait(ctx, plan.ID())
	require.NoError(t, err)
	return wf
}

func TestVolumeCreatePlan(t *testing.T) {

	t.Run("ContributesOnlyRequestedSteps", func(t *testing.T) {
		plan, err := devices.VolumeCreatePlan(context.Background(), devices.VolumeRequest{System: "array-1", Volume: "vol-1", SizeGiB: 10}, "task-1")
		require.NoError(t, err)
		steps := plan.Steps()
		require.Len(t, steps, 1)
		assert.Equal(t, "create-volume", steps[0].Name)
		assert.Equal(t, []string{"array-1/vol-1"}, plan.LockKeys())
	})

	t.Run("ExportsFanOutAfterSnapshot", func(t *testing.T) {
		plan, err := devices.VolumeCreatePlan(context.Background(), devices.VolumeRequest{
			System: "array-1", Volume: "vol-1", SizeGiB: 10, Snapshot: "snap-1", Hosts: []string{"h1", "h2"},
		}, "task-1")
		require.NoError(t, err)
		steps := plan.Steps()
		require.Len(t, steps, 4)
		snapshot := steps[1]
		assert.Equal(t, []string{steps[0].ID}, snapshot.WaitFor)
		assert.Equal(t, []string{snapshot.ID}, steps[2].WaitFor)
		assert.Equal(t, []string{snapshot.ID}, steps[3].WaitFor)
	})
}

func TestArray_Workflows(t *testing.T) {
	req := devices.VolumeRequest{System: "array-1", Volume: "vol-1", SizeGiB: 10, Snapshot: "snap-1", Hosts: []string{"h1", "h2"}}

	t.Run("Provisions", func(t *testing.T) {
		array := devices.NewArray()
		engine, store := newEngine(t, array)
		wf := provision(t, engine, store, req, "task-1")
		assert.Equal(t, models.SucceededWorkflowStatus, wf.Status)
		assert.Equal(t, "volume vol-1 ready", wf.Message)
		assert.Equal(t, []string{"vol-1"}, array.Volumes())
		assert.Equal(t, []string{"snap-1"}, array.Snapshots())
		assert.Equal(t, []string{"h1", "h2"}, array.Exports("vol-1"))

		rec, err := store.GetTaskRecord("vol-1", "task-1")
		require.NoError(t, err)
		assert.Equal(t, models.ReadyTaskRecordStatus, rec.Status)
	})

	t.Run("FailedExportRollsBack", func(t *testing.T) {
		array := devices.NewArray()
		array.FailOn(devices.ExportVolume, errors.New("host unreachable"))
		engine, store := newEngine(t, array)
		wf := provision(t, engine, store, req, "task-2")
		assert.Equal(t, models.FailedWorkflowStatus, wf.Status)
		assert.Equal(t, "host unreachable", wf.ErrorMsg)
		assert.Empty(t, array.Volumes())
		assert.Empty(t, array.Snapshots())

		rec, err := store.GetTaskRecord("vol-1", "task-2")
		require.NoError(t, err)
		assert.Equal(t, models.ErrorTaskRecordStatus, rec.Status)
		assert.True(t, rec.Inactive)
	})

	t.Run("CompletesAsynchronously", func(t *testing.T) {
		array := devices.NewArray(devices.WithAsyncCompletion())
		engine, store := newEngine(t, array)
		wf := provision(t, engine, store, req, "task-3")
		assert.Equal(t, models.SucceededWorkflowStatus, wf.Status)
		assert.Equal(t, []string{"h1", "h2"}, array.Exports("vol-1"))
	})

	t.Run("AsyncFailureRollsBack", func(t *testing.T) {
		array := devices.NewArray(devices.WithAsyncCompletion())
		array.FailOn(devices.CreateSnapshot, errors.New("pool full"))
		engine, store := newEngine(t, array)
		wf := provision(t, engine, store, req, "task-4")
		assert.Equal(t, models.FailedWorkflowStatus, wf.Status)
		assert.Empty(t, array.Volumes())
		for _, s := range wf.Steps {
			if s.Name == "export-h1" || s.Name == "export-h2" {
				assert.Equal(t, models.SkippedStepStatus, s.Status)
			}
		}
	})
}

func TestArray_Invoke(t *testing.T) {
	array := devices.NewArray()
	call := func(method string, args ...interface{}) error {
		_, err := array.Invoke(context.Background(), service.ActionCall{
			Descriptor: models.ActionDescriptor{Target: devices.ArrayTarget, Method: method, Args: args},
		})
		return err
	}

	require.NoError(t, call(devices.CreateVolume, "vol-1", float64(5)))
	assert.Error(t, call(devices.CreateVolume, "vol-1", 5))
	assert.Error(t, call(devices.CreateVolume, "vol-2"))
	assert.Error(t, call(devices.CreateVolume, 7, 5))
	assert.True(t, errors.Is(call(devices.CreateSnapshot, "vol-9", "snap"), devices.ErrNotFound))
	assert.Error(t, call("resize_volume", "vol-1"))
	require.NoError(t, call(devices.DeleteVolume, "vol-1"))
	assert.Empty(t, array.Volumes())
}
