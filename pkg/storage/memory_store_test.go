package storage_test

import (
	"errors"
	"testing"
	"time"

	"github.com/ignatij/stepflow/pkg/models"
	"github.com/ignatij/stepflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	newWorkflow := func(id string, created time.Time) models.Workflow {
		return models.Workflow{
			ID:        id,
			Name:      "volume-create",
			TaskID:    "task-" + id,
			Status:    models.CreatedWorkflowStatus,
			RootID:    id,
			LockKeys:  []string{"vol-1"},
			CreatedAt: created,
			UpdatedAt: created,
		}
	}

	t.Run("WorkflowWithSteps", func(t *testing.T) {
		store := storage.NewMemoryStore()
		require.NoError(t, store.SaveWorkflow(newWorkflow("wf-1", time.Now())))
		assert.True(t, errors.Is(store.SaveWorkflow(newWorkflow("wf-1", time.Now())), storage.ErrAlreadyExists))

		require.NoError(t, store.SaveStep(models.Step{ID: "s1", WorkflowID: "wf-1", Name: "a", Sequence: 1}))
		require.NoError(t, store.SaveStep(models.Step{ID: "s2", WorkflowID: "wf-1", Name: "b", Sequence: 2, WaitFor: []string{"ignored"}}))
		require.NoError(t, store.SaveDependency(models.Dependency{StepID: "s2", DependsOn: "s1", WorkflowID: "wf-1"}))
		assert.True(t, errors.Is(store.SaveDependency(models.Dependency{StepID: "s2", DependsOn: "s1", WorkflowID: "wf-1"}), storage.ErrAlreadyExists))
		assert.True(t, errors.Is(store.SaveStep(models.Step{ID: "s3", WorkflowID: "missing"}), storage.ErrNotFound))

		wf, err := store.GetWorkflow("wf-1")
		require.NoError(t, err)
		require.Len(t, wf.Steps, 2)
		assert.Equal(t, "s1", wf.Steps[0].ID)
		assert.Empty(t, wf.Steps[0].WaitFor)
		assert.Equal(t, []string{"s1"}, wf.Steps[1].WaitFor)

		step, err := store.GetStep("s2")
		require.NoError(t, err)
		assert.Equal(t, []string{"s1"}, step.WaitFor)
	})

	t.Run("UpdatesOnlyMutableStepFields", func(t *testing.T) {
		store := storage.NewMemoryStore()
		require.NoError(t, store.SaveWorkflow(newWorkflow("wf-1", time.Now())))
		require.NoError(t, store.SaveStep(models.Step{ID: "s1", WorkflowID: "wf-1", Name: "a", Status: models.PendingStepStatus}))

		require.NoError(t, store.UpdateStep(models.Step{ID: "s1", Name: "renamed", Status: models.SucceededStepStatus, CompletionSeq: 1}))
		s, err := store.GetStep("s1")
		require.NoError(t, err)
		assert.Equal(t, "a", s.Name)
		assert.Equal(t, models.SucceededStepStatus, s.Status)
		assert.Equal(t, 1, s.CompletionSeq)

		assert.Equal(t, storage.ErrNotFound, store.UpdateStep(models.Step{ID: "missing"}))
	})

	t.Run("WorkflowStatusAndListing", func(t *testing.T) {
		store := storage.NewMemoryStore()
		now := time.Now()
		require.NoError(t, store.SaveWorkflow(newWorkflow("old", now.Add(-time.Minute))))
		require.NoError(t, store.SaveWorkflow(newWorkflow("new", now)))

		require.NoError(t, store.UpdateWorkflowStatus("old", models.FailedWorkflowStatus, "boom"))
		require.NoError(t, store.UpdateWorkflowStatus("new", models.SucceededWorkflowStatus, "done"))

		all, err := store.ListWorkflows()
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "new", all[0].ID)
		assert.Equal(t, "done", all[0].Message)
		assert.Equal(t, "boom", all[1].ErrorMsg)

		failed, err := store.ListWorkflows(models.FailedWorkflowStatus)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "old", failed[0].ID)

		byTask, err := store.ListWorkflowsByTask("task-new")
		require.NoError(t, err)
		assert.Len(t, byTask, 1)

		assert.Equal(t, storage.ErrNotFound, store.UpdateWorkflowStatus("missing", models.FailedWorkflowStatus, ""))
	})

	t.Run("Transactions", func(t *testing.T) {
		store := storage.NewMemoryStore()
		assert.Equal(t, storage.ErrNotATransaction, store.Commit())
		assert.Equal(t, storage.ErrNotATransaction, store.Rollback())

		tx, err := store.Begin()
		require.NoError(t, err)
		require.NoError(t, tx.SaveWorkflow(newWorkflow("wf-1", time.Now())))
		require.NoError(t, tx.Commit())
		assert.Equal(t, storage.ErrTxFinished, tx.Commit())
		assert.Equal(t, storage.ErrTxFinished, tx.SaveWorkflow(newWorkflow("wf-2", time.Now())))

		_, err = store.GetWorkflow("wf-1")
		assert.NoError(t, err)
	})

	t.Run("ExecutionLogs", func(t *testing.T) {
		store := storage.NewMemoryStore()
		require.NoError(t, store.SaveExecutionLog(models.ExecutionLog{WorkflowID: "wf-1", Status: "CREATED"}))
		require.NoError(t, store.SaveExecutionLog(models.ExecutionLog{WorkflowID: "wf-2", Status: "CREATED"}))
		require.NoError(t, store.SaveExecutionLog(models.ExecutionLog{WorkflowID: "wf-1", StepID: "s1", Status: "QUEUED"}))

		logs, err := store.ListExecutionLogs("wf-1")
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Less(t, logs[0].ID, logs[1].ID)
		assert.False(t, logs[0].LoggedAt.IsZero())
	})

	t.Run("InactiveIsSticky", func(t *testing.T) {
		store := storage.NewMemoryStore()
		require.NoError(t, store.SetResourceInactive("vol-1", "task-1"))
		require.NoError(t, store.SetTaskRecordStatus(models.TaskRecord{ResourceID: "vol-1", TaskID: "task-1", Status: models.ErrorTaskRecordStatus, Message: "boom"}))
		require.NoError(t, store.SetTaskRecordStatus(models.TaskRecord{ResourceID: "snap-1", TaskID: "task-1", Status: models.ErrorTaskRecordStatus}))

		rec, err := store.GetTaskRecord("vol-1", "task-1")
		require.NoError(t, err)
		assert.True(t, rec.Inactive)
		assert.Equal(t, "boom", rec.Message)

		records, err := store.ListTaskRecords("task-1")
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "snap-1", records[0].ResourceID)

		_, err = store.GetTaskRecord("vol-1", "task-2")
		assert.Equal(t, storage.ErrNotFound, err)
	})
}
