package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/ignatij/stepflow/pkg/models"
	"github.com/ignatij/stepflow/pkg/service"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_NestedWorkflow(t *testing.T) {

	// expandInto makes create-<parent> run a child workflow with the given
	// step names as its action.
	expandInto := func(h *harness, parent string, childSteps ...string) chan string {
		children := make(chan string, 1)
		h.target.hook("create-"+parent, func(ctx context.Context, call service.ActionCall) (service.Outcome, error) {
			child := h.engine.NewWorkflow("array", "expand-"+parent, true, "")
			child.AddLockKeys("vol-1")
			token := service.NoWait
			for _, name := range childSteps {
				var err error
				token, err = child.CreateStep(name, "", token, "array-1", action(name))
				if err != nil {
					return service.Completed, err
				}
			}
			children <- child.ID()
			if err := h.engine.ExecuteNested(ctx, call.StepID, child, "expanded"); err != nil {
				return service.Completed, err
			}
			return service.Pending, nil
		})
		return children
	}

	t.Run("ChildOutcomeCompletesParentStep", func(t *testing.T) {
		h := newHarness(t)
		children := expandInto(h, "P", "X", "Y")
		plan := h.engine.NewWorkflow("array", "parent", true, "task-1")
		plan.AddLockKeys("vol-1")
		p := mustStep(t, plan, "P", service.NoWait, action("P"))
		mustStep(t, plan, "Q", p, action("Q"))

		wf := h.run(t, plan, h.completer("task-1", "vol-1"))
		assert.Equal(t, models.SucceededWorkflowStatus, wf.Status)
		assert.Equal(t, []string{"create-P", "create-X", "create-Y", "create-Q"}, h.target.Forward())

		childID := <-children
		child, err := h.engine.GetWorkflow(childID)
		require.NoError(t, err)
		assert.True(t, child.Nested)
		assert.Equal(t, plan.ID(), child.RootID)
		assert.Equal(t, p.StepIDs()[0], child.ParentStepID)
		assert.Equal(t, "task-1", child.TaskID)
		assert.Equal(t, models.SucceededWorkflowStatus, child.Status)

		records, err := h.engine.TaskRecords("task-1")
		assert.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, models.ReadyTaskRecordStatus, records[0].Status)
	})

	t.Run("ChildFailureRollsBackBothLevels", func(t *testing.T) {
		h := newHarness(t)
		children := expandInto(h, "P", "X", "Y")
		h.target.failOn("create-Y", errors.New("mirror target offline"))
		plan := h.engine.NewWorkflow("array", "parent", true, "task-2")
		root := mustStep(t, plan, "R", service.NoWait, action("R"))
		mustStep(t, plan, "P", root, action("P"))

		wf := h.run(t, plan, h.completer("task-2", "vol-1"))
		assert.Equal(t, models.FailedWorkflowStatus, wf.Status)
		assert.Contains(t, wf.ErrorMsg, "mirror target offline")
		assert.Equal(t, []string{"delete-X", "delete-R"}, h.target.Compensated())
		assert.Equal(t, models.FailedStepStatus, stepsByName(wf)["P"].Status)

		child, err := h.engine.GetWorkflow(<-children)
		require.NoError(t, err)
		assert.Equal(t, models.FailedWorkflowStatus, child.Status)

		// Nested workflows do not write task records of their own.
		rec, err := h.store.GetTaskRecord("vol-1", "task-2")
		assert.NoError(t, err)
		assert.Equal(t, models.ErrorTaskRecordStatus, rec.Status)
	})

	t.Run("ChildNeedsLockHeldElsewhere", func(t *testing.T) {
		h := newHarness(t)
		expandInto(h, "P", "X")
		ok, err := h.locker.TryAcquire(context.Background(), "vol-1", "someone-else", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		plan := h.engine.NewWorkflow("array", "parent", true, "task-3")
		mustStep(t, plan, "P", service.NoWait, action("P"))
		wf := h.run(t, plan, h.completer("task-3"))
		assert.Equal(t, models.FailedWorkflowStatus, wf.Status)
		assert.Contains(t, wf.ErrorMsg, "lock retry")
		assert.Equal(t, []string{"create-P"}, h.target.Forward())
	})

	t.Run("UnknownParentStep", func(t *testing.T) {
		h := newHarness(t)
		child := h.engine.NewWorkflow("array", "orphan", true, "task-4")
		err := h.engine.ExecuteNested(context.Background(), "no-such-step", child, "")
		assert.True(t, errors.Is(err, service.ErrWorkflowNotRunning))
	})
}

func TestEngine_RecoverOrphans(t *testing.T) {

	// newPeer starts a second engine over the same store and locker, as
	// another process sharing Postgres and Redis would.
	newPeer := func(t *testing.T, h *harness) (*service.Engine, *recorder) {
		ctx, cancel := context.WithCancel(context.Background())
		engine := service.NewEngine(ctx, h.store, h.locker, logger{}, service.WithWorkers(1))
		rec := newRecorder()
		engine.RegisterTarget("array", rec)
		t.Cleanup(func() {
			cancel()
			engine.Stop()
		})
		return engine, rec
	}

	t.Run("FailsRunningWorkflow", func(t *testing.T) {
		h := newHarness(t)

		wf := models.Workflow{
			ID:                "wf-orphan",
			Name:              "volume-create",
			Owner:             "array",
			TaskID:            "task-1",
			Status:            models.RunningWorkflowStatus,
			RollbackSupported: true,
			RootID:            "wf-orphan",
			LockKeys:          []string{"vol-1"},
			Resources:         []string{"vol-1"},
		}
		require.NoError(t, h.store.SaveWorkflow(wf))
		steps := []models.Step{
			{ID: "s1", WorkflowID: wf.ID, Name: "A", Action: action("A"), Status: models.SucceededStepStatus, Sequence: 1, CompletionSeq: 1},
			{ID: "s2", WorkflowID: wf.ID, Name: "B", Action: action("B"), Status: models.ExecutingStepStatus, Sequence: 2},
			{ID: "s3", WorkflowID: wf.ID, Name: "C", Action: action("C"), Status: models.PendingStepStatus, Sequence: 3},
		}
		for _, s := range steps {
			require.NoError(t, h.store.SaveStep(s))
		}
		require.NoError(t, h.store.SaveDependency(models.Dependency{StepID: "s2", DependsOn: "s1", WorkflowID: wf.ID}))
		require.NoError(t, h.store.SaveDependency(models.Dependency{StepID: "s3", DependsOn: "s2", WorkflowID: wf.ID}))
		ok, err := h.locker.TryAcquire(context.Background(), "vol-1", wf.RootID, time.Hour)
		require.NoError(t, err)
		require.True(t, ok)

		n, err := h.engine.RecoverOrphans(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := h.engine.GetWorkflow(wf.ID)
		require.NoError(t, err)
		assert.Equal(t, models.FailedWorkflowStatus, got.Status)
		assert.Contains(t, got.ErrorMsg, "orphaned")
		byName := stepsByName(got)
		assert.Equal(t, models.RolledBackStepStatus, byName["A"].Status)
		assert.Equal(t, models.FailedStepStatus, byName["B"].Status)
		assert.Equal(t, models.SkippedStepStatus, byName["C"].Status)
		assert.Equal(t, []string{"delete-A"}, h.target.Compensated())

		_, held, _ := h.locker.Holder(context.Background(), "vol-1")
		assert.False(t, held)
		rec, err := h.store.GetTaskRecord("vol-1", "task-1")
		assert.NoError(t, err)
		assert.Equal(t, models.ErrorTaskRecordStatus, rec.Status)

		// Recovery is idempotent.
		n, err = h.engine.RecoverOrphans(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("AbortsWorkflowThatNeverStarted", func(t *testing.T) {
		h := newHarness(t)
		wf := models.Workflow{ID: "wf-created", Name: "snapshot", TaskID: "task-2", Status: models.CreatedWorkflowStatus, RootID: "wf-created"}
		require.NoError(t, h.store.SaveWorkflow(wf))
		require.NoError(t, h.store.SaveStep(models.Step{ID: "s1", WorkflowID: wf.ID, Name: "A", Action: action("A"), Status: models.PendingStepStatus}))

		n, err := h.engine.RecoverOrphans(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 1, n)
		got, err := h.engine.GetWorkflow(wf.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AbortedWorkflowStatus, got.Status)
		assert.Equal(t, models.PendingStepStatus, got.Steps[0].Status)
		assert.Empty(t, h.target.Forward())
	})

	t.Run("LeavesOwnWorkflowsAlone", func(t *testing.T) {
		h := newHarness(t)
		h.target.pendOn("create-A")
		plan := h.engine.NewWorkflow("array", "live", true, "task-3")
		a := mustStep(t, plan, "A", service.NoWait, action("A"))
		require.NoError(t, h.engine.ExecutePlan(context.Background(), plan, h.completer("task-3"), "done"))

		n, err := h.engine.RecoverOrphans(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 0, n)

		h.eventuallyStatus(t, a.StepIDs()[0], models.ExecutingStepStatus)
		assert.NoError(t, h.engine.StepSucceeded(context.Background(), a.StepIDs()[0]))
		assert.Equal(t, models.SucceededWorkflowStatus, h.wait(t, plan.ID()).Status)
	})

	t.Run("SkipsWorkflowOfLiveProcess", func(t *testing.T) {
		h := newHarness(t)
		h.target.pendOn("create-A")
		plan := h.engine.NewWorkflow("array", "live-elsewhere", true, "task-5")
		plan.AddLockKeys("array-1/vol-1")
		a := mustStep(t, plan, "A", service.NoWait, action("A"))
		require.NoError(t, h.engine.ExecutePlan(context.Background(), plan, h.completer("task-5", "vol-1"), "done"))
		h.eventuallyStatus(t, a.StepIDs()[0], models.ExecutingStepStatus)

		peer, peerTarget := newPeer(t, h)
		n, err := peer.RecoverOrphans(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 0, n)

		wf, err := h.engine.GetWorkflow(plan.ID())
		require.NoError(t, err)
		assert.Equal(t, models.RunningWorkflowStatus, wf.Status)
		holder, held, _ := h.locker.Holder(context.Background(), "array-1/vol-1")
		assert.True(t, held)
		assert.Equal(t, plan.ID(), holder)
		rec, err := h.store.GetTaskRecord("vol-1", "task-5")
		require.NoError(t, err)
		assert.Equal(t, models.PendingTaskRecordStatus, rec.Status)
		assert.Empty(t, peerTarget.Compensated())

		assert.NoError(t, h.engine.StepSucceeded(context.Background(), a.StepIDs()[0]))
		assert.Equal(t, models.SucceededWorkflowStatus, h.wait(t, plan.ID()).Status)
	})

	t.Run("RecoversOnceOwnerLeaseLapses", func(t *testing.T) {
		h := newHarnessWith(t, 4, service.WithLockTTL(60*time.Millisecond))
		h.target.pendOn("create-B")
		plan := h.engine.NewWorkflow("array", "crashed", true, "task-6")
		plan.AddLockKeys("array-1/vol-1")
		a := mustStep(t, plan, "A", service.NoWait, action("A"))
		b := mustStep(t, plan, "B", a, action("B"))
		require.NoError(t, h.engine.ExecutePlan(context.Background(), plan, h.completer("task-6", "vol-1"), "done"))
		h.eventuallyStatus(t, b.StepIDs()[0], models.ExecutingStepStatus)

		// The owning process goes away without releasing anything.
		h.cancel()

		peer, peerTarget := newPeer(t, h)
		assert.Eventually(t, func() bool {
			n, err := peer.RecoverOrphans(context.Background())
			return err == nil && n == 1
		}, 2*time.Second, 10*time.Millisecond)

		wf, err := peer.GetWorkflow(plan.ID())
		require.NoError(t, err)
		assert.Equal(t, models.FailedWorkflowStatus, wf.Status)
		byName := stepsByName(wf)
		assert.Equal(t, models.RolledBackStepStatus, byName["A"].Status)
		assert.Equal(t, models.FailedStepStatus, byName["B"].Status)
		assert.Equal(t, []string{"delete-A"}, peerTarget.Compensated())
		_, held, _ := h.locker.Holder(context.Background(), "array-1/vol-1")
		assert.False(t, held)
		rec, err := h.store.GetTaskRecord("vol-1", "task-6")
		require.NoError(t, err)
		assert.Equal(t, models.ErrorTaskRecordStatus, rec.Status)
	})

	t.Run("FailsResourcesTrackedAfterStart", func(t *testing.T) {
		h := newHarness(t)
		wf := models.Workflow{
			ID:        "wf-late",
			Name:      "volume-create",
			TaskID:    "task-7",
			Status:    models.RunningWorkflowStatus,
			RootID:    "wf-late",
			Resources: []string{"vol-1"},
		}
		require.NoError(t, h.store.SaveWorkflow(wf))
		c := h.completer("task-7", "vol-1")
		require.NoError(t, c.OnStart(context.Background()))
		c.AddResourceGroup("cg-1")
		c.MarkCreated("snap-1")

		n, err := h.engine.RecoverOrphans(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 1, n)

		records, err := h.engine.TaskRecords("task-7")
		require.NoError(t, err)
		require.Len(t, records, 3)
		inactive := map[string]bool{}
		for _, rec := range records {
			assert.Equal(t, models.ErrorTaskRecordStatus, rec.Status)
			inactive[rec.ResourceID] = rec.Inactive
		}
		assert.Equal(t, map[string]bool{"cg-1": false, "snap-1": true, "vol-1": false}, inactive)
	})
}
