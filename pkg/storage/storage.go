package storage

import (
	"github.com/ignatij/stepflow/pkg/models"
	"github.com/pkg/errors"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrTxFinished      = errors.New("transaction already finished")
	ErrNotATransaction = errors.New("not a transaction")
)

// TaskRecordStore is the surrounding system's store of client-visible task
// records. The engine only writes to it through a task completer.
type TaskRecordStore interface {
	SetTaskRecordStatus(rec models.TaskRecord) error
	SetResourceInactive(resourceID, taskID string) error
	GetTaskRecord(resourceID, taskID string) (models.TaskRecord, error)
	ListTaskRecords(taskID string) ([]models.TaskRecord, error)
}

// Store defines the storage operations for workflows and their steps.
type Store interface {
	TaskRecordStore

	// Transaction handling
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Workflow operations
	SaveWorkflow(wf models.Workflow) error
	GetWorkflow(id string) (models.Workflow, error)
	ListWorkflows(statuses ...models.WorkflowStatus) ([]models.Workflow, error)
	ListWorkflowsByTask(taskID string) ([]models.Workflow, error)
	UpdateWorkflowStatus(id string, status models.WorkflowStatus, message string) error

	// Step operations
	SaveStep(s models.Step) error
	GetStep(id string) (models.Step, error)
	ListSteps(workflowID string) ([]models.Step, error)
	UpdateStep(s models.Step) error

	// Dependency operations
	SaveDependency(d models.Dependency) error
	GetDependencies(workflowID string) ([]models.Dependency, error)

	// Audit
	SaveExecutionLog(l models.ExecutionLog) error
	ListExecutionLogs(workflowID string) ([]models.ExecutionLog, error)
}
