package service

import (
	"fmt"
	"time"

	"github.com/ignatij/stepflow/pkg/models"
	"github.com/ignatij/stepflow/pkg/storage"
)

// StepService persists workflow and step transitions, each in its own
// transaction together with an execution log entry.
type StepService struct {
	store  storage.Store
	logger Logger
}

func NewStepService(store storage.Store, logger Logger) *StepService {
	return &StepService{
		store:  store,
		logger: logger,
	}
}

// SaveGraph stores a new workflow with its steps and dependency edges.
func (ss *StepService) SaveGraph(wf models.Workflow, steps []models.Step) (err error) {
	return ss.inTx("SaveGraph", func(tx storage.Store) error {
		if err := tx.SaveWorkflow(wf); err != nil {
			return fmt.Errorf("failed to save workflow %s: %w", wf.ID, err)
		}
		for _, s := range steps {
			if err := tx.SaveStep(s); err != nil {
				return fmt.Errorf("failed to save step %s: %w", s.ID, err)
			}
			for _, dep := range s.WaitFor {
				d := models.Dependency{StepID: s.ID, DependsOn: dep, WorkflowID: wf.ID}
				if err := tx.SaveDependency(d); err != nil {
					return fmt.Errorf("failed to save dependency %s -> %s: %w", s.ID, dep, err)
				}
			}
		}
		return tx.SaveExecutionLog(models.ExecutionLog{
			WorkflowID: wf.ID,
			Status:     string(wf.Status),
			Message:    fmt.Sprintf("workflow '%s' created with %d steps", wf.Name, len(steps)),
			LoggedAt:   time.Now(),
		})
	})
}

// UpdateStep stores the status of a step and logs the transition.
func (ss *StepService) UpdateStep(s models.Step, message string) error {
	return ss.inTx("UpdateStep", func(tx storage.Store) error {
		if err := tx.UpdateStep(s); err != nil {
			return fmt.Errorf("failed to update step %s status to %s: %w", s.ID, s.Status, err)
		}
		if message == "" {
			message = s.ErrorMsg
		}
		return tx.SaveExecutionLog(models.ExecutionLog{
			WorkflowID: s.WorkflowID,
			StepID:     s.ID,
			Status:     string(s.Status),
			Message:    message,
			LoggedAt:   time.Now(),
		})
	})
}

// UpdateWorkflowStatus stores the status of a workflow and logs the transition.
func (ss *StepService) UpdateWorkflowStatus(id string, status models.WorkflowStatus, message string) error {
	return ss.inTx("UpdateWorkflowStatus", func(tx storage.Store) error {
		if err := tx.UpdateWorkflowStatus(id, status, message); err != nil {
			return fmt.Errorf("failed to update workflow %s status to %s: %w", id, status, err)
		}
		return tx.SaveExecutionLog(models.ExecutionLog{
			WorkflowID: id,
			Status:     string(status),
			Message:    message,
			LoggedAt:   time.Now(),
		})
	})
}

func (ss *StepService) inTx(op string, fn func(tx storage.Store) error) (err error) {
	txStore, err := ss.store.Begin()
	if err != nil {
		ss.logger.Errorf("Failed to begin transaction for %s: %v", op, err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				ss.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				ss.logger.Errorf("Failed to commit: %v", commitErr)
				err = commitErr
			}
		}
	}()
	if err = fn(txStore); err != nil {
		ss.logger.Errorf("%s failed: %v", op, err)
	}
	return err
}
