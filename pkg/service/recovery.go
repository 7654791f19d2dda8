package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/ignatij/stepflow/pkg/models"
	"github.com/pkg/errors"
)

// RecoverOrphans settles workflows left unfinished by a process that
// stopped. A workflow that never started is aborted. A running one is failed:
// in-flight steps fail, pending steps are skipped, succeeded steps are
// compensated if the workflow supports rollback and the targets are
// registered here, its task records are set to error and its locks are
// released. Workflows owned by this engine, or whose root lease is still
// renewed by another process, are left alone.
func (e *Engine) RecoverOrphans(ctx context.Context) (int, error) {
	workflows, err := e.store.ListWorkflows(
		models.CreatedWorkflowStatus,
		models.RunningWorkflowStatus,
		models.RollingBackWorkflowStatus,
	)
	if err != nil {
		return 0, errors.Wrap(err, "list unfinished workflows")
	}

	recovered := 0
	for _, wf := range workflows {
		if e.IsRunning(wf.ID) {
			continue
		}
		alive, err := e.locks.OwnerAlive(ctx, wf.RootID)
		if err != nil {
			e.logger.Errorf("Skipping recovery of workflow %s: %v", wf.ID, err)
			continue
		}
		if alive {
			e.logger.Infof("Workflow '%s' (%s) is still owned by a live process", wf.Name, wf.ID)
			continue
		}
		if err := e.recoverWorkflow(ctx, wf); err != nil {
			e.logger.Errorf("Failed to recover workflow %s: %v", wf.ID, err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		e.logger.Infof("Recovered %d orphaned workflows", recovered)
	}
	return recovered, nil
}

func (e *Engine) recoverWorkflow(ctx context.Context, wf models.Workflow) error {
	if wf.Status == models.CreatedWorkflowStatus {
		e.logger.Infof("Aborting workflow '%s' (%s) that never started", wf.Name, wf.ID)
		e.locks.ReleaseKeys(ctx, wf.RootID, ownedKeys(wf))
		return e.steps.UpdateWorkflowStatus(wf.ID, models.AbortedWorkflowStatus, "orphaned before start")
	}

	steps, err := e.store.ListSteps(wf.ID)
	if err != nil {
		return errors.Wrapf(err, "list steps of workflow %s", wf.ID)
	}
	deps, err := e.store.GetDependencies(wf.ID)
	if err != nil {
		return errors.Wrapf(err, "list dependencies of workflow %s", wf.ID)
	}
	byID := make(map[string]*models.Step, len(steps))
	ordered := make([]*models.Step, 0, len(steps))
	for i := range steps {
		steps[i].WaitFor = nil
		byID[steps[i].ID] = &steps[i]
		ordered = append(ordered, &steps[i])
	}
	for _, d := range deps {
		if s, ok := byID[d.StepID]; ok {
			s.WaitFor = append(s.WaitFor, d.DependsOn)
		}
	}

	cause := fmt.Sprintf("orphaned: owning process stopped while workflow was %s", wf.Status)
	persist := func(s *models.Step, message string) {
		if err := e.steps.UpdateStep(*s, message); err != nil {
			e.logger.Errorf("Failed to store status %s of step %s: %v", s.Status, s.ID, err)
		}
	}
	for _, s := range ordered {
		switch {
		case s.Status.IsInFlight():
			s.Status = models.FailedStepStatus
			s.ErrorMsg = cause
			persist(s, cause)
		case s.Status == models.PendingStepStatus:
			s.Status = models.SkippedStepStatus
			persist(s, "not dispatched: workflow orphaned")
		}
	}

	if wf.RollbackSupported {
		if err := e.steps.UpdateWorkflowStatus(wf.ID, models.RollingBackWorkflowStatus, ""); err != nil {
			return err
		}
		e.rollbackSteps(ctx, wf, ordered, persist)
	}
	if err := e.steps.UpdateWorkflowStatus(wf.ID, models.FailedWorkflowStatus, cause); err != nil {
		return err
	}

	if !wf.Nested {
		e.failTaskRecords(wf, cause)
	}
	e.locks.ReleaseKeys(ctx, wf.RootID, ownedKeys(wf))
	e.metrics.workflowsFinished.WithLabelValues(string(models.FailedWorkflowStatus)).Inc()
	return nil
}

// ownedKeys are the keys a dead owner of wf may still hold.
func ownedKeys(wf models.Workflow) []string {
	if wf.Nested {
		return wf.LockKeys
	}
	return append([]string{LeaseKey(wf.RootID)}, wf.LockKeys...)
}

// failTaskRecords sets the records of the orphaned task to error. Besides the
// resources known at submit time this covers pending records written for
// resources tracked later, and resources the task was creating are marked
// inactive.
func (e *Engine) failTaskRecords(wf models.Workflow, cause string) {
	created := make(map[string]bool)
	for _, id := range wf.Resources {
		created[id] = false
	}
	records, err := e.store.ListTaskRecords(wf.TaskID)
	if err != nil {
		e.logger.Errorf("Failed to list task records of %s: %v", wf.TaskID, err)
	}
	for _, rec := range records {
		if rec.Status == models.PendingTaskRecordStatus {
			created[rec.ResourceID] = rec.Created
		}
	}
	ids := make([]string, 0, len(created))
	for id := range created {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rec := models.TaskRecord{ResourceID: id, TaskID: wf.TaskID, Status: models.ErrorTaskRecordStatus, Message: cause}
		if err := e.store.SetTaskRecordStatus(rec); err != nil {
			e.logger.Errorf("Failed to set task record %s/%s to error: %v", wf.TaskID, id, err)
		}
		if created[id] {
			if err := e.store.SetResourceInactive(id, wf.TaskID); err != nil {
				e.logger.Errorf("Failed to mark resource %s inactive for task %s: %v", id, wf.TaskID, err)
			}
		}
	}
}
