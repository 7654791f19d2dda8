package service

import (
	"context"

	"github.com/ignatij/stepflow/pkg/models"
	"github.com/ignatij/stepflow/pkg/storage"
	"github.com/pkg/errors"
)

// StepExecuting reports that the action of a dispatched step is underway.
func (e *Engine) StepExecuting(ctx context.Context, stepID string) error {
	return e.notify(ctx, runnerEvent{kind: stepExecutingEvent, stepID: stepID})
}

// StepSucceeded reports that the action of a dispatched step finished. It is
// a no-op for a step that already settled.
func (e *Engine) StepSucceeded(ctx context.Context, stepID string) error {
	return e.notify(ctx, runnerEvent{kind: stepSucceededEvent, stepID: stepID})
}

// StepFailed reports that the action of a dispatched step failed with cause.
// It is a no-op for a step that already settled.
func (e *Engine) StepFailed(ctx context.Context, stepID string, cause error) error {
	return e.notify(ctx, runnerEvent{kind: stepFailedEvent, stepID: stepID, cause: cause})
}

func (e *Engine) notify(ctx context.Context, ev runnerEvent) error {
	r := e.runnerForStep(ev.stepID)
	if r == nil {
		return e.settledStep(ev.stepID)
	}
	return e.deliver(ctx, r, ev)
}

// deliver hands ev to the runner and waits for its verdict. If the runner
// has already finished, the stored step decides.
func (e *Engine) deliver(ctx context.Context, r *workflowRunner, ev runnerEvent) error {
	ev.reply = make(chan error, 1)
	select {
	case r.mailbox <- ev:
		return <-ev.reply
	case <-r.done:
		if ev.kind == stepDispatchedEvent {
			return errors.Wrapf(errStepSettled, "workflow %s is no longer running", r.wf.ID)
		}
		return e.settledStep(ev.stepID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settledStep judges a notification for a step no runner owns.
func (e *Engine) settledStep(stepID string) error {
	s, err := e.store.GetStep(stepID)
	if errors.Is(err, storage.ErrNotFound) {
		return errors.Wrapf(ErrUnknownStep, "step %s", stepID)
	}
	if err != nil {
		return errors.Wrapf(err, "look up step %s", stepID)
	}
	switch {
	case s.Status == models.PendingStepStatus:
		err = errors.Wrapf(ErrStepNotDispatched, "step '%s' (%s)", s.Name, s.ID)
		e.logger.Errorf("Completion for undispatched step: %v", err)
		return err
	case s.Status.IsTerminal():
		return nil
	}
	return errors.Wrapf(ErrWorkflowNotRunning, "step '%s' (%s) is %s", s.Name, s.ID, s.Status)
}
