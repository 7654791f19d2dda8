package service

import (
	"context"

	"github.com/ignatij/stepflow/pkg/models"
)

// Outcome is what an action target reports when Invoke returns.
type Outcome int

const (
	// Completed means the work is done; a nil error marks the step succeeded.
	Completed Outcome = iota
	// Pending means external work was started and the step stays EXECUTING
	// until someone reports through the StepCompleter.
	Pending
)

func (o Outcome) String() string {
	if o == Pending {
		return "pending"
	}
	return "completed"
}

// ActionCall is a single invocation of a forward or compensating action.
type ActionCall struct {
	WorkflowID   string
	StepID       string
	StepName     string
	Descriptor   models.ActionDescriptor
	Compensating bool
	// Completer is set for forward calls only. Compensation runs
	// synchronously and must not report through it.
	Completer StepCompleter
}

// ActionTarget executes the operations named by action descriptors, the
// device controller side of a step.
type ActionTarget interface {
	Invoke(ctx context.Context, call ActionCall) (Outcome, error)
}

// ActionTargetFunc adapts a function to ActionTarget.
type ActionTargetFunc func(ctx context.Context, call ActionCall) (Outcome, error)

func (f ActionTargetFunc) Invoke(ctx context.Context, call ActionCall) (Outcome, error) {
	return f(ctx, call)
}

// StepCompleter is the only way anything outside the scheduler reports the
// progress of a dispatched step.
type StepCompleter interface {
	StepExecuting(ctx context.Context, stepID string) error
	StepSucceeded(ctx context.Context, stepID string) error
	StepFailed(ctx context.Context, stepID string, cause error) error
}
