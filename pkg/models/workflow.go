package models

import (
	"time"

	"github.com/lib/pq"
)

type WorkflowStatus string

const (
	CreatedWorkflowStatus     WorkflowStatus = "CREATED"
	RunningWorkflowStatus     WorkflowStatus = "RUNNING"
	RollingBackWorkflowStatus WorkflowStatus = "ROLLING_BACK"
	SucceededWorkflowStatus   WorkflowStatus = "SUCCEEDED"
	FailedWorkflowStatus      WorkflowStatus = "FAILED"
	AbortedWorkflowStatus     WorkflowStatus = "COMPLETED_ABORTED"
)

// IsTerminal reports whether no further transition can happen from s.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case SucceededWorkflowStatus, FailedWorkflowStatus, AbortedWorkflowStatus:
		return true
	}
	return false
}

// Workflow is one instance of the step-graph orchestration for a single logical operation.
type Workflow struct {
	ID                string         `json:"id" db:"id"`                                 // UUID
	Name              string         `json:"name" db:"name"`                             // Descriptive name (e.g., "CreateVolume")
	Owner             string         `json:"owner" db:"owner"`                           // Capability that built the workflow
	TaskID            string         `json:"task_id" db:"task_id"`                       // Correlation id of the client-visible task
	Status            WorkflowStatus `json:"status" db:"status"`                         // See WorkflowStatus constants
	RollbackSupported bool           `json:"rollback_supported" db:"rollback_supported"` // Compensate on failure
	Nested            bool           `json:"nested" db:"nested"`                         // Runs as the action of a parent step
	ParentStepID      string         `json:"parent_step_id,omitempty" db:"parent_step_id"`
	RootID            string         `json:"root_id" db:"root_id"` // Lock owner, the outermost workflow
	ErrorMsg          string         `json:"error,omitempty" db:"error_msg"`
	Message           string         `json:"message,omitempty" db:"message"`
	LockKeys          pq.StringArray `json:"lock_keys,omitempty" db:"lock_keys"`
	Resources         pq.StringArray `json:"resources,omitempty" db:"resources"` // Resources tracked by the task completer
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at" db:"updated_at"`
	Steps             []Step         `json:"steps,omitempty" db:"-"` // Populated at read time
}
