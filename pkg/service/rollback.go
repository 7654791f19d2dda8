package service

import (
	"context"
	"fmt"

	"github.com/ignatij/stepflow/pkg/models"
	"github.com/pkg/errors"
)

// rollbackSteps undoes the succeeded steps of wf in reverse dependency order.
// Compensations run one at a time on the calling goroutine. A failed
// compensation is logged and leaves its step SUCCEEDED; the remaining steps
// are still compensated.
func (e *Engine) rollbackSteps(ctx context.Context, wf models.Workflow, steps []*models.Step, persist func(*models.Step, string)) {
	order := compensationOrder(steps)
	e.logger.Infof("Rolling back workflow '%s' (%s): %d steps to undo", wf.Name, wf.ID, len(order))

	for _, s := range order {
		if !s.Action.HasCompensation() {
			reason := "rolled back: no compensating action"
			if s.Action.Compensate != nil {
				reason = "rolled back: null compensating action"
			}
			s.Status = models.RolledBackStepStatus
			persist(s, reason)
			e.metrics.compensations.WithLabelValues("noop").Inc()
			continue
		}

		call := ActionCall{
			WorkflowID:   wf.ID,
			StepID:       s.ID,
			StepName:     s.Name,
			Descriptor:   *s.Action.Compensate,
			Compensating: true,
		}
		outcome, err := e.invoke(ctx, call)
		if err == nil && outcome == Pending {
			err = errors.Errorf("compensation %s returned %s; compensating actions must complete synchronously", call.Descriptor, outcome)
		}
		if err != nil {
			e.logger.Errorf("Compensation of step '%s' (%s) failed: %v", s.Name, s.ID, err)
			s.ErrorMsg = fmt.Sprintf("compensation failed: %v", err)
			persist(s, s.ErrorMsg)
			e.metrics.compensations.WithLabelValues("error").Inc()
			continue
		}
		s.Status = models.RolledBackStepStatus
		persist(s, fmt.Sprintf("rolled back by %s", call.Descriptor))
		e.metrics.compensations.WithLabelValues("undone").Inc()
	}
}

// compensationOrder returns the succeeded steps ordered so that each comes
// after every succeeded step that waited for it. Among steps free to go, the
// one that completed last goes first.
func compensationOrder(steps []*models.Step) []*models.Step {
	succeeded := make(map[string]*models.Step)
	for _, s := range steps {
		if s.Status == models.SucceededStepStatus {
			succeeded[s.ID] = s
		}
	}
	dependents := make(map[string]int, len(succeeded))
	for _, s := range succeeded {
		for _, dep := range s.WaitFor {
			if _, ok := succeeded[dep]; ok {
				dependents[dep]++
			}
		}
	}
	var ready []*models.Step
	for _, s := range succeeded {
		if dependents[s.ID] == 0 {
			ready = append(ready, s)
		}
	}

	order := make([]*models.Step, 0, len(succeeded))
	for len(ready) > 0 {
		next := 0
		for i := range ready {
			if ready[i].CompletionSeq > ready[next].CompletionSeq {
				next = i
			}
		}
		s := ready[next]
		ready = append(ready[:next], ready[next+1:]...)
		order = append(order, s)
		for _, dep := range s.WaitFor {
			if p, ok := succeeded[dep]; ok {
				dependents[dep]--
				if dependents[dep] == 0 {
					ready = append(ready, p)
				}
			}
		}
	}
	return order
}
