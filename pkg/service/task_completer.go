package service

import (
	"context"
	"sort"
	"sync"

	"github.com/ignatij/stepflow/pkg/models"
	"github.com/ignatij/stepflow/pkg/storage"
	"github.com/pkg/errors"
)

// TaskCompleter maps the single outcome of a workflow onto the client
// visible task records of every resource the workflow touches.
type TaskCompleter interface {
	TaskID() string
	Resources() []string
	OnStart(ctx context.Context) error
	OnSuccess(ctx context.Context, message string) error
	OnError(ctx context.Context, cause error) error
}

// ResourceTaskCompleter writes workflow outcomes to a TaskRecordStore.
type ResourceTaskCompleter struct {
	records   storage.TaskRecordStore
	logger    Logger
	taskID    string
	mu        sync.Mutex
	resources map[string]struct{}
	created   map[string]struct{}
	started   bool
	completed bool
}

// NewTaskCompleter tracks resourceIDs under taskID.
func NewTaskCompleter(records storage.TaskRecordStore, logger Logger, taskID string, resourceIDs ...string) *ResourceTaskCompleter {
	c := &ResourceTaskCompleter{
		records:   records,
		logger:    logger,
		taskID:    taskID,
		resources: make(map[string]struct{}),
		created:   make(map[string]struct{}),
	}
	c.AddResourceGroup(resourceIDs...)
	return c
}

func (c *ResourceTaskCompleter) TaskID() string {
	return c.taskID
}

// AddResourceGroup extends the tracked set, e.g. with a consistency group
// discovered while the graph is being built. Once the task has started, the
// new records are written as pending right away so that orphan recovery
// can find them.
func (c *ResourceTaskCompleter) AddResourceGroup(resourceIDs ...string) {
	c.track(resourceIDs, false)
}

// MarkCreated tracks resources created by this task. They are marked
// inactive if the task fails, instead of being left behind as orphans.
func (c *ResourceTaskCompleter) MarkCreated(resourceIDs ...string) {
	c.track(resourceIDs, true)
}

func (c *ResourceTaskCompleter) track(resourceIDs []string, created bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var added []string
	for _, id := range resourceIDs {
		if id == "" {
			continue
		}
		_, known := c.resources[id]
		_, wasCreated := c.created[id]
		c.resources[id] = struct{}{}
		if created {
			c.created[id] = struct{}{}
		}
		if !known || (created && !wasCreated) {
			added = append(added, id)
		}
	}
	if !c.started || c.completed {
		return
	}
	for _, id := range added {
		if err := c.setLocked(id, models.PendingTaskRecordStatus, ""); err != nil {
			c.logger.Errorf("Failed to set task record %s/%s to %s: %v", c.taskID, id, models.PendingTaskRecordStatus, err)
		}
	}
}

// Resources returns the tracked resource ids, sorted.
func (c *ResourceTaskCompleter) Resources() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedSet(c.resources)
}

// OnStart marks every tracked record pending.
func (c *ResourceTaskCompleter) OnStart(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		return errors.Wrapf(ErrAlreadyCompleted, "task %s", c.taskID)
	}
	c.started = true
	return c.setAllLocked(models.PendingTaskRecordStatus, "")
}

func (c *ResourceTaskCompleter) OnSuccess(_ context.Context, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.completeLocked(); err != nil {
		return err
	}
	return c.setAllLocked(models.ReadyTaskRecordStatus, message)
}

func (c *ResourceTaskCompleter) OnError(_ context.Context, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.completeLocked(); err != nil {
		return err
	}
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	errs := c.setAllLocked(models.ErrorTaskRecordStatus, message)
	for _, id := range sortedSet(c.created) {
		if err := c.records.SetResourceInactive(id, c.taskID); err != nil {
			c.logger.Errorf("Failed to mark resource %s inactive for task %s: %v", id, c.taskID, err)
			if errs == nil {
				errs = errors.Wrapf(err, "mark resource %s inactive", id)
			}
		}
	}
	return errs
}

func (c *ResourceTaskCompleter) completeLocked() error {
	if c.completed {
		c.logger.Errorf("Task completer for task %s invoked more than once", c.taskID)
		return errors.Wrapf(ErrAlreadyCompleted, "task %s", c.taskID)
	}
	c.completed = true
	return nil
}

// setAllLocked updates every record and returns the first failure. Every
// record is attempted even when an earlier one fails.
func (c *ResourceTaskCompleter) setAllLocked(status models.TaskRecordStatus, message string) error {
	var first error
	for _, id := range sortedSet(c.resources) {
		if err := c.setLocked(id, status, message); err != nil {
			c.logger.Errorf("Failed to set task record %s/%s to %s: %v", c.taskID, id, status, err)
			if first == nil {
				first = errors.Wrapf(err, "set task record %s", id)
			}
		}
	}
	return first
}

func (c *ResourceTaskCompleter) setLocked(id string, status models.TaskRecordStatus, message string) error {
	_, created := c.created[id]
	return c.records.SetTaskRecordStatus(models.TaskRecord{
		ResourceID: id,
		TaskID:     c.taskID,
		Status:     status,
		Message:    message,
		Created:    created,
	})
}

// nestedCompleter reports the outcome of a child workflow as the outcome of
// the parent step that launched it.
type nestedCompleter struct {
	engine       *Engine
	taskID       string
	parentStepID string
	once         sync.Once
}

func (c *nestedCompleter) TaskID() string { return c.taskID }
func (c *nestedCompleter) Resources() []string { return nil }
func (c *nestedCompleter) OnStart(_ context.Context) error { return nil }

func (c *nestedCompleter) OnSuccess(ctx context.Context, _ string) error {
	err := errors.Wrapf(ErrAlreadyCompleted, "nested workflow of step %s", c.parentStepID)
	c.once.Do(func() {
		err = c.engine.StepSucceeded(ctx, c.parentStepID)
	})
	return err
}

func (c *nestedCompleter) OnError(ctx context.Context, cause error) error {
	err := errors.Wrapf(ErrAlreadyCompleted, "nested workflow of step %s", c.parentStepID)
	c.once.Do(func() {
		err = c.engine.StepFailed(ctx, c.parentStepID, errors.Wrap(cause, "nested workflow failed"))
	})
	return err
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
