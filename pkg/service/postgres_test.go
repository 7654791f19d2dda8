package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/ignatij/stepflow/internal/testutil"
	"github.com/ignatij/stepflow/pkg/locking"
	"github.com/ignatij/stepflow/pkg/models"
	"github.com/ignatij/stepflow/pkg/service"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnginePostgres_Workflows(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	newPostgresHarness := func(t *testing.T) *harness {
		store := testDB.Store(t)
		ctx, cancel := context.WithCancel(context.Background())
		locker := locking.NewMemoryLocker()
		engine := service.NewEngine(ctx, store, locker, logger{}, service.WithWorkers(2))
		rec := newRecorder()
		engine.RegisterTarget("array", rec)
		t.Cleanup(func() {
			cancel()
			engine.Stop()
		})
		return &harness{engine: engine, store: store, locker: locker, target: rec, cancel: cancel}
	}

	t.Run("Succeeds", func(t *testing.T) {
		h := newPostgresHarness(t)
		plan := h.engine.NewWorkflow("array", "pg-chain", true, "task-1")
		a := mustStep(t, plan, "A", service.NoWait, action("A"))
		mustStep(t, plan, "B", a, action("B"))

		wf := h.run(t, plan, h.completer("task-1", "vol-1"))
		assert.Equal(t, models.SucceededWorkflowStatus, wf.Status)
		assert.Equal(t, "done", wf.Message)
		require.Len(t, wf.Steps, 2)
		assert.Equal(t, a.StepIDs(), wf.Steps[1].WaitFor)
		assert.Equal(t, 2, wf.Steps[1].CompletionSeq)

		rec, err := h.store.GetTaskRecord("vol-1", "task-1")
		require.NoError(t, err)
		assert.Equal(t, models.ReadyTaskRecordStatus, rec.Status)
	})

	t.Run("RollsBack", func(t *testing.T) {
		h := newPostgresHarness(t)
		h.target.failOn("create-C", errors.New("array offline"))
		plan := h.engine.NewWorkflow("array", "pg-rollback", true, "task-2")
		a := mustStep(t, plan, "A", service.NoWait, action("A"))
		b := mustStep(t, plan, "B", a, action("B"))
		mustStep(t, plan, "C", b, action("C"))

		wf := h.run(t, plan, h.completer("task-2", "vol-1"))
		assert.Equal(t, models.FailedWorkflowStatus, wf.Status)
		assert.Equal(t, "array offline", wf.ErrorMsg)
		assert.Equal(t, []string{"delete-B", "delete-A"}, h.target.Compensated())

		logs, err := h.engine.ExecutionLogs(plan.ID())
		require.NoError(t, err)
		assert.NotEmpty(t, logs)
	})

	t.Run("RecoversOrphan", func(t *testing.T) {
		h := newPostgresHarness(t)
		h.target.pendOn("create-A")
		plan := h.engine.NewWorkflow("array", "pg-orphan", false, "task-3")
		a := mustStep(t, plan, "A", service.NoWait, action("A"))
		require.NoError(t, h.engine.ExecutePlan(context.Background(), plan, h.completer("task-3", "vol-1"), "done"))
		h.eventuallyStatus(t, a.StepIDs()[0], models.ExecutingStepStatus)

		// The owning process goes away; a second engine on the same database
		// sees the workflow as orphaned.
		h.cancel()
		assert.Eventually(t, func() bool { return !h.engine.IsRunning(plan.ID()) }, 5*time.Second, 5*time.Millisecond)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		other := service.NewEngine(ctx, h.store, locking.NewMemoryLocker(), logger{})
		defer other.Stop()
		n, err := other.RecoverOrphans(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		assert.Equal(t, models.FailedStepStatus, h.stepStatus(t, a.StepIDs()[0]))
		rec, err := h.store.GetTaskRecord("vol-1", "task-3")
		require.NoError(t, err)
		assert.Equal(t, models.ErrorTaskRecordStatus, rec.Status)

		// The late completion is accepted as a no-op on the settled step.
		assert.NoError(t, h.engine.StepSucceeded(context.Background(), a.StepIDs()[0]))
	})
}
