package service

import (
	"context"
	"sync"

	"github.com/ignatij/stepflow/pkg/locking"
	"github.com/ignatij/stepflow/pkg/models"
	"github.com/ignatij/stepflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Logger defines the logging interface for the Engine
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Engine builds, runs and rolls back step-graph workflows. Each running
// workflow is owned by a runner goroutine that serialises every state change;
// forward actions run on a shared worker pool.
type Engine struct {
	ctx     context.Context
	store   storage.Store
	steps   *StepService
	locks   *LockCoordinator
	logger  Logger
	metrics *engineMetrics
	pool    *WorkerPool
	workers int
	reg     prometheus.Registerer

	mu          sync.RWMutex
	targets     map[string]ActionTarget
	runners     map[string]*workflowRunner // by workflow id
	stepRunners map[string]*workflowRunner // by step id
	activeTasks map[string]string          // task id -> workflow id of top-level workflows
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithWorkers sets the number of goroutines dispatching forward actions.
// Zero or less means one per CPU.
func WithWorkers(n int) EngineOption {
	return func(e *Engine) {
		e.workers = n
	}
}

// WithRegisterer registers the engine metrics with reg.
func WithRegisterer(reg prometheus.Registerer) EngineOption {
	return func(e *Engine) {
		e.reg = reg
	}
}

// WithLockCoordinator replaces the default coordinator built over the locker.
func WithLockCoordinator(c *LockCoordinator) EngineOption {
	return func(e *Engine) {
		e.locks = c
	}
}

func NewEngine(ctx context.Context, store storage.Store, locker locking.Locker, logger Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		ctx:         ctx,
		store:       store,
		steps:       NewStepService(store, logger),
		logger:      logger,
		targets:     make(map[string]ActionTarget),
		runners:     make(map[string]*workflowRunner),
		stepRunners: make(map[string]*workflowRunner),
		activeTasks: make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.locks == nil {
		e.locks = NewLockCoordinator(locker, logger)
	}
	e.metrics = newEngineMetrics(e.reg)
	e.pool = NewWorkerPool(ctx, logger, e.dispatch)
	e.pool.Start(e.workers)
	return e
}

// Stop stops the worker pool. Workflows still running are left for orphan
// recovery.
func (e *Engine) Stop() {
	e.pool.Stop()
}

// Locks returns the engine's lock coordinator.
func (e *Engine) Locks() *LockCoordinator {
	return e.locks
}

// RegisterTarget makes target reachable from action descriptors naming it.
func (e *Engine) RegisterTarget(name string, target ActionTarget) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.targets[name] = target
	e.logger.Infof("Registered action target '%s'", name)
}

func (e *Engine) target(name string) (ActionTarget, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.targets[name]
	return t, ok
}

// NewWorkflow starts a plan owned by the given capability.
func (e *Engine) NewWorkflow(owner, name string, rollbackSupported bool, taskID string) *Plan {
	return NewPlan(owner, name, rollbackSupported, taskID)
}

// NewTaskCompleter returns a ResourceTaskCompleter writing to the engine's
// store.
func (e *Engine) NewTaskCompleter(taskID string, resourceIDs ...string) *ResourceTaskCompleter {
	return NewTaskCompleter(e.store, e.logger, taskID, resourceIDs...)
}

// ExecutePlan persists the plan, acquires its locks and starts executing it.
// It returns once execution has begun: from then on the outcome is reported
// only through completer. If the locks cannot be acquired the workflow is
// marked COMPLETED_ABORTED, nothing is dispatched and an error satisfying
// IsLockRetry is returned.
func (e *Engine) ExecutePlan(ctx context.Context, plan *Plan, completer TaskCompleter, successMessage string) error {
	if completer == nil {
		return errors.Wrap(ErrInvalidGraph, "no task completer")
	}
	return e.submit(ctx, plan, completer, successMessage)
}

// ExecuteNested runs plan as the action of the parent step. The parent step
// succeeds or fails with the child workflow; the target that calls this
// should return Pending.
func (e *Engine) ExecuteNested(ctx context.Context, parentStepID string, plan *Plan, successMessage string) error {
	parent := e.runnerForStep(parentStepID)
	if parent == nil {
		return errors.Wrapf(ErrWorkflowNotRunning, "parent step %s", parentStepID)
	}
	plan.nestUnder(parent.wf.RootID, parent.wf.TaskID, parentStepID)
	completer := &nestedCompleter{engine: e, taskID: plan.TaskID(), parentStepID: parentStepID}
	return e.submit(ctx, plan, completer, successMessage)
}

func (e *Engine) submit(ctx context.Context, plan *Plan, completer TaskCompleter, successMessage string) error {
	wf, steps, err := plan.seal()
	if err != nil {
		return err
	}
	if wf.TaskID == "" {
		wf.TaskID = completer.TaskID()
	} else if completer.TaskID() != "" && completer.TaskID() != wf.TaskID {
		return errors.Wrapf(ErrInvalidGraph, "workflow task %s does not match completer task %s", wf.TaskID, completer.TaskID())
	}
	wf.Resources = completer.Resources()

	if !wf.Nested {
		if err := e.reserveTask(wf); err != nil {
			e.logger.Errorf("Rejected workflow '%s': %v", wf.Name, err)
			return err
		}
	}
	started := false
	var lease []models.LockHandle
	defer func() {
		if !started && !wf.Nested {
			e.locks.Release(ctx, lease)
			e.releaseTask(wf)
		}
	}()

	// The lease is what tells other processes this workflow is not orphaned,
	// so it is taken before the workflow becomes visible in the store.
	if !wf.Nested {
		var err error
		if lease, err = e.locks.AcquireLease(ctx, wf.RootID); err != nil {
			return errors.Wrapf(err, "take lease of workflow '%s'", wf.Name)
		}
	}

	if err := e.steps.SaveGraph(wf, steps); err != nil {
		return errors.Wrapf(err, "persist workflow '%s'", wf.Name)
	}

	// Locks strictly precede any dispatch.
	handles, err := e.locks.Acquire(ctx, wf.RootID, wf.LockKeys)
	if err != nil {
		if IsLockRetry(err) {
			e.metrics.lockRetries.Inc()
		}
		e.logger.Infof("Workflow '%s' (%s) aborted before start: %v", wf.Name, wf.ID, err)
		if uerr := e.steps.UpdateWorkflowStatus(wf.ID, models.AbortedWorkflowStatus, err.Error()); uerr != nil {
			e.logger.Errorf("Failed to mark workflow %s aborted: %v", wf.ID, uerr)
		}
		e.metrics.workflowsFinished.WithLabelValues(string(models.AbortedWorkflowStatus)).Inc()
		return err
	}

	wf.Status = models.RunningWorkflowStatus
	r := newWorkflowRunner(e, wf, steps, completer, successMessage, append(lease, handles...))
	r.stopKeepalive = e.locks.Keepalive(e.ctx, r.locks)
	e.register(r)
	started = true

	if err := completer.OnStart(ctx); err != nil {
		e.logger.Errorf("Failed to mark task %s pending: %v", wf.TaskID, err)
	}
	if err := e.steps.UpdateWorkflowStatus(wf.ID, models.RunningWorkflowStatus, ""); err != nil {
		e.logger.Errorf("Failed to mark workflow %s running: %v", wf.ID, err)
	}
	e.metrics.workflowsStarted.Inc()
	e.metrics.workflowsActive.Inc()
	e.logger.Infof("Executing workflow '%s' (%s) for task %s with %d steps", wf.Name, wf.ID, wf.TaskID, len(steps))

	go r.run()
	return nil
}

// Wait blocks until the workflow reaches a terminal state in this process,
// then returns its stored record.
func (e *Engine) Wait(ctx context.Context, workflowID string) (models.Workflow, error) {
	e.mu.RLock()
	r := e.runners[workflowID]
	e.mu.RUnlock()
	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return models.Workflow{}, ctx.Err()
		}
	}
	return e.GetWorkflow(workflowID)
}

// GetWorkflow fetches a workflow with its steps
func (e *Engine) GetWorkflow(workflowID string) (models.Workflow, error) {
	wf, err := e.store.GetWorkflow(workflowID)
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "failed to get workflow %s", workflowID)
	}
	return wf, nil
}

func (e *Engine) ListWorkflows(statuses ...models.WorkflowStatus) ([]models.Workflow, error) {
	return e.store.ListWorkflows(statuses...)
}

func (e *Engine) ExecutionLogs(workflowID string) ([]models.ExecutionLog, error) {
	return e.store.ListExecutionLogs(workflowID)
}

func (e *Engine) TaskRecords(taskID string) ([]models.TaskRecord, error) {
	return e.store.ListTaskRecords(taskID)
}

// IsRunning reports whether the workflow is owned by a runner of this engine.
func (e *Engine) IsRunning(workflowID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.runners[workflowID]
	return ok
}

func (e *Engine) reserveTask(wf models.Workflow) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if other, ok := e.activeTasks[wf.TaskID]; ok {
		return errors.Wrapf(ErrTaskInProgress, "task %s is run by workflow %s", wf.TaskID, other)
	}
	existing, err := e.store.ListWorkflowsByTask(wf.TaskID)
	if err != nil {
		return errors.Wrapf(err, "look up workflows of task %s", wf.TaskID)
	}
	for _, other := range existing {
		if !other.Nested && !other.Status.IsTerminal() {
			return errors.Wrapf(ErrTaskInProgress, "task %s has workflow %s in status %s", wf.TaskID, other.ID, other.Status)
		}
	}
	e.activeTasks[wf.TaskID] = wf.ID
	return nil
}

func (e *Engine) releaseTask(wf models.Workflow) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.activeTasks[wf.TaskID] == wf.ID {
		delete(e.activeTasks, wf.TaskID)
	}
}

func (e *Engine) register(r *workflowRunner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runners[r.wf.ID] = r
	for id := range r.steps {
		e.stepRunners[id] = r
	}
}

func (e *Engine) unregister(r *workflowRunner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runners, r.wf.ID)
	for id := range r.steps {
		if e.stepRunners[id] == r {
			delete(e.stepRunners, id)
		}
	}
	if !r.wf.Nested && e.activeTasks[r.wf.TaskID] == r.wf.ID {
		delete(e.activeTasks, r.wf.TaskID)
	}
}

func (e *Engine) runnerForStep(stepID string) *workflowRunner {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stepRunners[stepID]
}

// dispatch runs on a pool worker: it reports the step executing, invokes the
// forward action and reports a synchronous outcome.
func (e *Engine) dispatch(ctx context.Context, job dispatchJob) {
	r, ref := job.runner, job.step
	err := e.deliver(ctx, r, runnerEvent{kind: stepDispatchedEvent, stepID: ref.id})
	if errors.Is(err, errStepSettled) {
		e.logger.Infof("Step '%s' (%s) settled before a worker picked it up; not invoking %s", ref.name, ref.id, ref.action.Descriptor)
		return
	}
	if err != nil {
		e.logger.Errorf("Failed to mark step '%s' (%s) executing: %v", ref.name, ref.id, err)
		return
	}

	outcome, err := e.invoke(ctx, ref.action)
	switch {
	case err != nil:
		err = e.deliver(ctx, r, runnerEvent{kind: stepFailedEvent, stepID: ref.id, cause: err})
	case outcome == Completed:
		err = e.deliver(ctx, r, runnerEvent{kind: stepSucceededEvent, stepID: ref.id})
	default:
		e.logger.Infof("Step '%s' (%s) is waiting for an asynchronous completion", ref.name, ref.id)
	}
	if err != nil {
		e.logger.Errorf("Failed to report outcome of step '%s' (%s): %v", ref.name, ref.id, err)
	}
}

// invoke calls the target named by the call, turning a panic into an error.
func (e *Engine) invoke(ctx context.Context, call ActionCall) (outcome Outcome, err error) {
	target, ok := e.target(call.Descriptor.Target)
	if !ok {
		return Completed, errors.Errorf("no action target registered for '%s'", call.Descriptor.Target)
	}
	defer func() {
		if p := recover(); p != nil {
			outcome, err = Completed, errors.Errorf("action %s panicked: %v", call.Descriptor, p)
		}
	}()
	return target.Invoke(ctx, call)
}
