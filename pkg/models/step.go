package models

import "time"

type StepStatus string

const (
	PendingStepStatus    StepStatus = "PENDING"
	QueuedStepStatus     StepStatus = "QUEUED"
	ExecutingStepStatus  StepStatus = "EXECUTING"
	SucceededStepStatus  StepStatus = "SUCCEEDED"
	FailedStepStatus     StepStatus = "FAILED"
	RolledBackStepStatus StepStatus = "ROLLED_BACK"
	SkippedStepStatus    StepStatus = "SKIPPED"
)

// IsTerminal reports whether a completion notification for a step in
// status s must be ignored.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case SucceededStepStatus, FailedStepStatus, RolledBackStepStatus, SkippedStepStatus:
		return true
	}
	return false
}

// IsInFlight reports whether the step was dispatched and has not settled yet.
func (s StepStatus) IsInFlight() bool {
	return s == QueuedStepStatus || s == ExecutingStepStatus
}

// Step is one unit of forward and optional compensating work inside a Workflow.
type Step struct {
	ID             string     `json:"id" db:"id"`
	WorkflowID     string     `json:"workflow_id" db:"workflow_id"`
	Name           string     `json:"name" db:"name"`
	Description    string     `json:"description,omitempty" db:"description"`
	WaitFor        []string   `json:"wait_for,omitempty" db:"-"` // Loaded from the dependencies table
	TargetSystemID string     `json:"target_system_id,omitempty" db:"target_system_id"`
	ResourceID     string     `json:"resource_id,omitempty" db:"resource_id"`
	Action         Action     `json:"action" db:"action"`
	Status         StepStatus `json:"status" db:"status"`
	ErrorMsg       string     `json:"error,omitempty" db:"error_msg"`
	Sequence       int        `json:"sequence" db:"sequence"`             // Creation order within the workflow
	CompletionSeq  int        `json:"completion_seq" db:"completion_seq"` // Order in which the step succeeded, 0 if it never did
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}
