package models

import "time"

// LockHandle is a held lock on one resource key.
type LockHandle struct {
	Key        string    `json:"key"`
	Owner      string    `json:"owner"` // Root workflow ID
	AcquiredAt time.Time `json:"acquired_at"`
	Attempts   int       `json:"attempts"` // Tries spent before the lock was granted
}
