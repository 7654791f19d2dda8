package models

import "time"

// ExecutionLog tracks the history of workflow and step transitions for auditing.
type ExecutionLog struct {
	ID         int64     `json:"id" db:"id"`                     // Auto-incremented log ID
	WorkflowID string    `json:"workflow_id" db:"workflow_id"`   // Parent workflow
	StepID     string    `json:"step_id,omitempty" db:"step_id"` // Empty for workflow-level entries
	Status     string    `json:"status" db:"status"`             // Status at this point
	Message    string    `json:"message,omitempty" db:"message"` // Details (e.g., error or success note)
	LoggedAt   time.Time `json:"logged_at" db:"logged_at"`       // Timestamp of log entry
}
