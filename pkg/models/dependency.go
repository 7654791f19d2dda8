package models

// Dependency records that a step waits for another step of the same workflow.
type Dependency struct {
	StepID     string `json:"step_id" db:"step_id"`         // Step that waits
	DependsOn  string `json:"depends_on" db:"depends_on"`   // Predecessor step
	WorkflowID string `json:"workflow_id" db:"workflow_id"` // Foreign key to Workflow
}
