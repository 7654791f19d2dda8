package service

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/stepflow/pkg/models"
	"github.com/pkg/errors"
)

// StepHandle is the opaque dependency token returned by CreateStep and
// threaded between contributors. The zero value, NoWait, creates root steps.
type StepHandle struct {
	ids []string
}

// NoWait makes a step a root of the graph.
var NoWait = StepHandle{}

// AllOf joins handles into a single fan-in token.
func AllOf(handles ...StepHandle) StepHandle {
	seen := make(map[string]struct{})
	var ids []string
	for _, h := range handles {
		for _, id := range h.ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return StepHandle{ids: ids}
}

// IsRoot reports whether the handle carries no predecessor.
func (h StepHandle) IsRoot() bool {
	return len(h.ids) == 0
}

// StepIDs returns the step ids the handle stands for.
func (h StepHandle) StepIDs() []string {
	return append([]string(nil), h.ids...)
}

func (h StepHandle) String() string {
	if h.IsRoot() {
		return "<none>"
	}
	return strings.Join(h.ids, ",")
}

type stepConfig struct {
	id         string
	resourceID string
	lockKeys   []string
}

// StepOption customises a step created by CreateStep.
type StepOption func(*stepConfig)

// WithStepID sets an explicit step id instead of a generated one.
func WithStepID(id string) StepOption {
	return func(c *stepConfig) {
		c.id = id
	}
}

// WithResourceID records the resource the step acts on.
func WithResourceID(id string) StepOption {
	return func(c *stepConfig) {
		c.resourceID = id
	}
}

// WithLockKeys adds keys the workflow must hold before anything is dispatched.
func WithLockKeys(keys ...string) StepOption {
	return func(c *stepConfig) {
		c.lockKeys = append(c.lockKeys, keys...)
	}
}

// Plan is a workflow under construction. Contributors append steps until it
// is handed to Engine.ExecutePlan, after which it can no longer change.
type Plan struct {
	mu        sync.Mutex
	wf        models.Workflow
	steps     []models.Step
	index     map[string]int
	lockKeys  map[string]struct{}
	submitted bool
}

// NewPlan starts an empty workflow graph.
func NewPlan(owner, name string, rollbackSupported bool, taskID string) *Plan {
	now := time.Now()
	id := uuid.NewString()
	return &Plan{
		wf: models.Workflow{
			ID:                id,
			Name:              name,
			Owner:             owner,
			TaskID:            taskID,
			Status:            models.CreatedWorkflowStatus,
			RollbackSupported: rollbackSupported,
			RootID:            id,
			CreatedAt:         now,
			UpdatedAt:         now,
		},
		index:    make(map[string]int),
		lockKeys: make(map[string]struct{}),
	}
}

// ID returns the workflow id.
func (p *Plan) ID() string {
	return p.wf.ID
}

// TaskID returns the correlation id of the client-visible task.
func (p *Plan) TaskID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wf.TaskID
}

// CreateStep appends a step that runs once every step behind waitFor has
// succeeded. waitFor may only name steps already in this plan.
func (p *Plan) CreateStep(name, description string, waitFor StepHandle, targetSystemID string, action models.Action, opts ...StepOption) (StepHandle, error) {
	cfg := &stepConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.submitted {
		return NoWait, errors.Wrapf(ErrPlanSubmitted, "cannot add step '%s'", name)
	}
	if name == "" {
		return NoWait, errors.Wrap(ErrInvalidGraph, "empty step name")
	}
	if action.Forward.Target == "" || action.Forward.Method == "" {
		return NoWait, errors.Wrapf(ErrInvalidGraph, "step '%s' has no forward action", name)
	}
	for _, dep := range waitFor.ids {
		if _, ok := p.index[dep]; !ok {
			return NoWait, errors.Wrapf(ErrInvalidGraph, "step '%s' waits for unknown step %s", name, dep)
		}
	}

	id := cfg.id
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := p.index[id]; ok {
		return NoWait, errors.Wrapf(ErrInvalidGraph, "duplicate step id %s", id)
	}

	p.steps = append(p.steps, models.Step{
		ID:             id,
		WorkflowID:     p.wf.ID,
		Name:           name,
		Description:    description,
		WaitFor:        waitFor.StepIDs(),
		TargetSystemID: targetSystemID,
		ResourceID:     cfg.resourceID,
		Action:         action,
		Status:         models.PendingStepStatus,
		Sequence:       len(p.steps) + 1,
	})
	p.index[id] = len(p.steps) - 1
	for _, key := range cfg.lockKeys {
		p.lockKeys[key] = struct{}{}
	}
	return StepHandle{ids: []string{id}}, nil
}

// AddLockKeys records resource keys the workflow must hold while it runs.
func (p *Plan) AddLockKeys(keys ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range keys {
		if key != "" {
			p.lockKeys[key] = struct{}{}
		}
	}
}

// LockKeys returns the sorted lock keys collected so far.
func (p *Plan) LockKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sortedLockKeysLocked()
}

// Steps returns a copy of the steps added so far, in creation order.
func (p *Plan) Steps() []models.Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	steps := make([]models.Step, len(p.steps))
	for i, s := range p.steps {
		s.WaitFor = append([]string(nil), s.WaitFor...)
		steps[i] = s
	}
	return steps
}

// seal freezes the plan and returns the workflow record and its steps.
func (p *Plan) seal() (models.Workflow, []models.Step, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.submitted {
		return models.Workflow{}, nil, errors.Wrapf(ErrPlanSubmitted, "workflow %s", p.wf.ID)
	}
	p.submitted = true
	wf := p.wf
	wf.LockKeys = p.sortedLockKeysLocked()
	steps := make([]models.Step, len(p.steps))
	copy(steps, p.steps)
	return wf, steps, nil
}

// nestUnder turns the plan into the action of a step of parent.
func (p *Plan) nestUnder(rootID, taskID, parentStepID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wf.Nested = true
	p.wf.ParentStepID = parentStepID
	p.wf.RootID = rootID
	if p.wf.TaskID == "" {
		p.wf.TaskID = taskID
	}
}

func (p *Plan) sortedLockKeysLocked() []string {
	keys := make([]string, 0, len(p.lockKeys))
	for key := range p.lockKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
