package service

import (
	"github.com/pkg/errors"
)

// ErrLockRetry reports that the resource locks of a workflow could not be
// acquired within the retry budget. Nothing was dispatched; the caller may
// resubmit with the same task id.
var ErrLockRetry = errors.New("lock retry: resource locks not available")

// errStepSettled tells a worker that the step it was about to run already
// settled, so its forward action must not be invoked.
var errStepSettled = errors.New("step already settled")

// internalError marks a violated engine invariant. These point at a bug in a
// contributing module, not at an operational fault.
type internalError struct {
	msg string
}

func (e *internalError) Error() string {
	return e.msg
}

var (
	ErrInvalidGraph       error = &internalError{"invalid workflow graph"}
	ErrStepNotDispatched  error = &internalError{"step was never dispatched"}
	ErrAlreadyCompleted   error = &internalError{"task completer already completed"}
	ErrPlanSubmitted      error = &internalError{"plan already submitted"}
	ErrTaskInProgress     error = &internalError{"task already has a workflow in progress"}
	ErrUnknownStep        error = &internalError{"unknown step"}
	ErrWorkflowNotRunning error = &internalError{"workflow is not running in this process"}
)

// IsInternal reports whether err carries an internal invariant violation.
func IsInternal(err error) bool {
	var ie *internalError
	return errors.As(err, &ie)
}

// IsLockRetry reports whether err is the transient lock acquisition failure.
func IsLockRetry(err error) bool {
	return errors.Is(err, ErrLockRetry)
}
