package service

import (
	"context"

	"github.com/pkg/errors"
)

// StepContributor is a device module that appends its steps to a shared plan.
// It receives the token left by the previous contributor and returns the
// token of its own last step, or waitFor unchanged when the operation does
// not concern it.
type StepContributor interface {
	AddSteps(ctx context.Context, plan *Plan, waitFor StepHandle) (StepHandle, error)
}

// ContributorFunc adapts a function to StepContributor.
type ContributorFunc func(ctx context.Context, plan *Plan, waitFor StepHandle) (StepHandle, error)

func (f ContributorFunc) AddSteps(ctx context.Context, plan *Plan, waitFor StepHandle) (StepHandle, error) {
	return f(ctx, plan, waitFor)
}

// Chain runs contributors in order, threading the dependency token through
// them, and returns the token of the last contributed step.
func Chain(ctx context.Context, plan *Plan, waitFor StepHandle, contributors ...StepContributor) (StepHandle, error) {
	token := waitFor
	for i, c := range contributors {
		next, err := c.AddSteps(ctx, plan, token)
		if err != nil {
			return NoWait, errors.Wrapf(err, "contributor %d", i)
		}
		token = next
	}
	return token, nil
}
