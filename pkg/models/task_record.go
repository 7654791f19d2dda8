package models

import "time"

type TaskRecordStatus string

const (
	PendingTaskRecordStatus TaskRecordStatus = "pending"
	ReadyTaskRecordStatus   TaskRecordStatus = "ready"
	ErrorTaskRecordStatus   TaskRecordStatus = "error"
)

// TaskRecord is the client-visible status of one resource touched by a task.
type TaskRecord struct {
	ResourceID string           `json:"resource_id" db:"resource_id"`
	TaskID     string           `json:"task_id" db:"task_id"`
	Status     TaskRecordStatus `json:"status" db:"status"`
	Message    string           `json:"message,omitempty" db:"message"`
	Created    bool             `json:"created" db:"created"`   // Resource is being created by this task
	Inactive   bool             `json:"inactive" db:"inactive"` // Resource was created by a failed task and rolled back
	UpdatedAt  time.Time        `json:"updated_at" db:"updated_at"`
}
