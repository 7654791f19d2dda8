package service

import (
	"fmt"
	"time"

	"github.com/ignatij/stepflow/pkg/models"
	"github.com/pkg/errors"
)

type eventKind int

const (
	stepExecutingEvent eventKind = iota
	stepDispatchedEvent // a worker is about to invoke the forward action
	stepSucceededEvent
	stepFailedEvent
)

// runnerEvent is a step notification handed to the owning runner. The
// runner answers on reply.
type runnerEvent struct {
	kind   eventKind
	stepID string
	cause  error
	reply  chan error
}

// workflowRunner owns the in-memory state of one executing workflow. Only
// its run goroutine reads or writes wf and steps.
type workflowRunner struct {
	engine         *Engine
	wf             models.Workflow
	steps          map[string]*models.Step
	order          []*models.Step
	completer      TaskCompleter
	successMessage string
	locks          []models.LockHandle
	stopKeepalive  func()

	mailbox chan runnerEvent
	done    chan struct{}

	failure      error
	completions  int
	dispatchedAt map[string]time.Time
}

func newWorkflowRunner(e *Engine, wf models.Workflow, steps []models.Step, completer TaskCompleter, successMessage string, locks []models.LockHandle) *workflowRunner {
	r := &workflowRunner{
		engine:         e,
		wf:             wf,
		steps:          make(map[string]*models.Step, len(steps)),
		order:          make([]*models.Step, 0, len(steps)),
		completer:      completer,
		successMessage: successMessage,
		locks:          locks,
		stopKeepalive:  func() {},
		mailbox:        make(chan runnerEvent),
		done:           make(chan struct{}),
		dispatchedAt:   make(map[string]time.Time),
	}
	for i := range steps {
		s := steps[i]
		r.steps[s.ID] = &s
		r.order = append(r.order, &s)
	}
	return r
}

func (r *workflowRunner) run() {
	defer close(r.done)
	r.schedule()
	for !r.settled() {
		select {
		case ev := <-r.mailbox:
			ev.reply <- r.handle(ev)
		case <-r.engine.ctx.Done():
			r.engine.logger.Errorf("Engine stopped while workflow '%s' (%s) was running; leaving it for orphan recovery", r.wf.Name, r.wf.ID)
			r.stopKeepalive()
			r.engine.metrics.workflowsActive.Dec()
			r.engine.unregister(r)
			return
		}
	}
	r.finish()
}

// settled reports whether the runner can make no further forward progress:
// every step succeeded, or a step failed and nothing is still in flight.
func (r *workflowRunner) settled() bool {
	if r.failure != nil {
		for _, s := range r.order {
			if s.Status.IsInFlight() {
				return false
			}
		}
		return true
	}
	for _, s := range r.order {
		if s.Status != models.SucceededStepStatus {
			return false
		}
	}
	return true
}

// ready reports whether every step s waits for has succeeded.
func (r *workflowRunner) ready(s *models.Step) bool {
	for _, dep := range s.WaitFor {
		if r.steps[dep].Status != models.SucceededStepStatus {
			return false
		}
	}
	return true
}

// schedule dispatches every pending step whose dependencies have succeeded.
// Nothing new is dispatched once the workflow has failed.
func (r *workflowRunner) schedule() {
	for _, s := range r.order {
		if r.failure != nil {
			return
		}
		if s.Status != models.PendingStepStatus || !r.ready(s) {
			continue
		}
		s.Status = models.QueuedStepStatus
		r.persist(s, "queued for dispatch")
		r.dispatchedAt[s.ID] = time.Now()
		job := dispatchJob{
			runner: r,
			step: stepRef{
				id:   s.ID,
				name: s.Name,
				action: ActionCall{
					WorkflowID: r.wf.ID,
					StepID:     s.ID,
					StepName:   s.Name,
					Descriptor: s.Action.Forward,
					Completer:  r.engine,
				},
			},
		}
		if !r.engine.pool.Submit(job) {
			r.fail(s, errors.New("worker pool stopped before the step could be dispatched"))
		}
	}
}

func (r *workflowRunner) handle(ev runnerEvent) error {
	s, ok := r.steps[ev.stepID]
	if !ok {
		return errors.Wrapf(ErrUnknownStep, "step %s in workflow %s", ev.stepID, r.wf.ID)
	}
	if s.Status == models.PendingStepStatus {
		err := errors.Wrapf(ErrStepNotDispatched, "step '%s' (%s) of workflow %s", s.Name, s.ID, r.wf.ID)
		r.engine.logger.Errorf("Completion for undispatched step: %v", err)
		return err
	}
	if s.Status.IsTerminal() {
		if ev.kind == stepDispatchedEvent {
			return errors.Wrapf(errStepSettled, "step '%s' (%s) is %s", s.Name, s.ID, s.Status)
		}
		return nil
	}

	switch ev.kind {
	case stepExecutingEvent, stepDispatchedEvent:
		if s.Status == models.QueuedStepStatus {
			now := time.Now()
			s.StartedAt = &now
			s.Status = models.ExecutingStepStatus
			r.persist(s, fmt.Sprintf("executing %s", s.Action.Forward))
		}
	case stepSucceededEvent:
		r.completions++
		now := time.Now()
		s.Status = models.SucceededStepStatus
		s.CompletionSeq = r.completions
		s.FinishedAt = &now
		s.ErrorMsg = ""
		r.persist(s, "step succeeded")
		r.observe(s)
		r.schedule()
	case stepFailedEvent:
		r.fail(s, ev.cause)
	}
	return nil
}

// fail marks s failed. The first failure becomes the workflow's failure.
func (r *workflowRunner) fail(s *models.Step, cause error) {
	if cause == nil {
		cause = errors.Errorf("step '%s' failed without a reported cause", s.Name)
	}
	now := time.Now()
	s.Status = models.FailedStepStatus
	s.ErrorMsg = cause.Error()
	s.FinishedAt = &now
	r.persist(s, "")
	r.observe(s)
	if r.failure == nil {
		r.failure = cause
		r.engine.logger.Errorf("Step '%s' of workflow '%s' (%s) failed: %v", s.Name, r.wf.Name, r.wf.ID, cause)
	}
}

func (r *workflowRunner) finish() {
	e := r.engine
	ctx := e.ctx
	var final models.WorkflowStatus

	if r.failure == nil {
		final = models.SucceededWorkflowStatus
		r.setStatus(final, r.successMessage)
		if err := r.completer.OnSuccess(ctx, r.successMessage); err != nil {
			e.logger.Errorf("Task completer of workflow %s rejected success: %v", r.wf.ID, err)
		}
	} else {
		r.skipPending()
		if r.wf.RollbackSupported {
			r.setStatus(models.RollingBackWorkflowStatus, "")
			e.rollbackSteps(ctx, r.wf, r.order, r.persist)
		} else {
			e.logger.Infof("Workflow '%s' (%s) does not support rollback; leaving completed steps in place", r.wf.Name, r.wf.ID)
		}
		final = models.FailedWorkflowStatus
		r.setStatus(final, r.failure.Error())
		if err := r.completer.OnError(ctx, r.failure); err != nil {
			e.logger.Errorf("Task completer of workflow %s rejected failure: %v", r.wf.ID, err)
		}
	}

	r.stopKeepalive()
	e.locks.Release(ctx, r.locks)
	e.unregister(r)
	e.metrics.workflowsActive.Dec()
	e.metrics.workflowsFinished.WithLabelValues(string(final)).Inc()
	e.logger.Infof("Workflow '%s' (%s) finished with status %s", r.wf.Name, r.wf.ID, final)
}

func (r *workflowRunner) skipPending() {
	for _, s := range r.order {
		if s.Status == models.PendingStepStatus {
			s.Status = models.SkippedStepStatus
			r.persist(s, "not dispatched: workflow failed")
		}
	}
}

func (r *workflowRunner) setStatus(status models.WorkflowStatus, message string) {
	r.wf.Status = status
	if err := r.engine.steps.UpdateWorkflowStatus(r.wf.ID, status, message); err != nil {
		r.engine.logger.Errorf("Failed to store status %s of workflow %s: %v", status, r.wf.ID, err)
	}
}

func (r *workflowRunner) persist(s *models.Step, message string) {
	r.engine.metrics.stepTransitions.WithLabelValues(string(s.Status)).Inc()
	if err := r.engine.steps.UpdateStep(*s, message); err != nil {
		r.engine.logger.Errorf("Failed to store status %s of step %s: %v", s.Status, s.ID, err)
	}
}

func (r *workflowRunner) observe(s *models.Step) {
	start, ok := r.dispatchedAt[s.ID]
	if !ok {
		return
	}
	delete(r.dispatchedAt, s.ID)
	r.engine.metrics.stepDuration.
		WithLabelValues(s.Action.Forward.Target, string(s.Status)).
		Observe(time.Since(start).Seconds())
}
