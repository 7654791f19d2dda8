package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/ignatij/stepflow/pkg/models"
	"github.com/pkg/errors"
)

// memoryData is the state shared by a memory store and every transaction
// started from it.
type memoryData struct {
	mu           sync.RWMutex
	workflows    map[string]models.Workflow
	steps        map[string]models.Step
	dependencies []models.Dependency
	logs         []models.ExecutionLog
	records      map[recordKey]models.TaskRecord
	nextLogID    int64
}

type recordKey struct {
	resourceID string
	taskID     string
}

// memoryStore implements Store in memory. Writes are applied immediately, so
// Rollback only ends the transaction.
type memoryStore struct {
	data     *memoryData
	tx       bool
	finished bool
}

// NewMemoryStore returns an in-memory Store, safe for concurrent use.
func NewMemoryStore() Store {
	return &memoryStore{data: &memoryData{
		workflows: make(map[string]models.Workflow),
		steps:     make(map[string]models.Step),
		records:   make(map[recordKey]models.TaskRecord),
	}}
}

func (m *memoryStore) Begin() (Store, error) {
	return &memoryStore{data: m.data, tx: true}, nil
}

func (m *memoryStore) Commit() error {
	if !m.tx {
		return ErrNotATransaction
	}
	if m.finished {
		return ErrTxFinished
	}
	m.finished = true
	return nil
}

func (m *memoryStore) Rollback() error {
	if !m.tx {
		return ErrNotATransaction
	}
	if m.finished {
		return ErrTxFinished
	}
	m.finished = true
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func (m *memoryStore) writable() error {
	if m.finished {
		return ErrTxFinished
	}
	return nil
}

func (m *memoryStore) SaveWorkflow(wf models.Workflow) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if _, ok := m.data.workflows[wf.ID]; ok {
		return errors.Wrapf(ErrAlreadyExists, "workflow %s", wf.ID)
	}
	wf.Steps = nil
	wf.LockKeys = append([]string(nil), wf.LockKeys...)
	wf.Resources = append([]string(nil), wf.Resources...)
	m.data.workflows[wf.ID] = wf
	return nil
}

func (m *memoryStore) GetWorkflow(id string) (models.Workflow, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	wf, ok := m.data.workflows[id]
	if !ok {
		return models.Workflow{}, ErrNotFound
	}
	wf.Steps = m.stepsLocked(id)
	return wf, nil
}

func (m *memoryStore) ListWorkflows(statuses ...models.WorkflowStatus) ([]models.Workflow, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	workflows := []models.Workflow{}
	for _, wf := range m.data.workflows {
		if matchesStatus(wf.Status, statuses) {
			workflows = append(workflows, wf)
		}
	}
	sortWorkflows(workflows)
	return workflows, nil
}

func (m *memoryStore) ListWorkflowsByTask(taskID string) ([]models.Workflow, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	workflows := []models.Workflow{}
	for _, wf := range m.data.workflows {
		if wf.TaskID == taskID {
			workflows = append(workflows, wf)
		}
	}
	sortWorkflows(workflows)
	return workflows, nil
}

func (m *memoryStore) UpdateWorkflowStatus(id string, status models.WorkflowStatus, message string) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	wf, ok := m.data.workflows[id]
	if !ok {
		return ErrNotFound
	}
	wf.Status = status
	switch status {
	case models.SucceededWorkflowStatus:
		wf.Message = message
	case models.FailedWorkflowStatus, models.AbortedWorkflowStatus:
		wf.ErrorMsg = message
	}
	wf.UpdatedAt = time.Now()
	m.data.workflows[id] = wf
	return nil
}

func (m *memoryStore) SaveStep(s models.Step) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if _, ok := m.data.workflows[s.WorkflowID]; !ok {
		return errors.Wrapf(ErrNotFound, "workflow %s", s.WorkflowID)
	}
	if _, ok := m.data.steps[s.ID]; ok {
		return errors.Wrapf(ErrAlreadyExists, "step %s", s.ID)
	}
	s.WaitFor = nil
	m.data.steps[s.ID] = s
	return nil
}

func (m *memoryStore) GetStep(id string) (models.Step, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	s, ok := m.data.steps[id]
	if !ok {
		return models.Step{}, ErrNotFound
	}
	s.WaitFor = m.waitForLocked(s.WorkflowID, s.ID)
	return s, nil
}

func (m *memoryStore) ListSteps(workflowID string) ([]models.Step, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	return m.stepsLocked(workflowID), nil
}

func (m *memoryStore) UpdateStep(s models.Step) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	existing, ok := m.data.steps[s.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Status = s.Status
	existing.ErrorMsg = s.ErrorMsg
	existing.CompletionSeq = s.CompletionSeq
	existing.StartedAt = s.StartedAt
	existing.FinishedAt = s.FinishedAt
	m.data.steps[s.ID] = existing
	return nil
}

func (m *memoryStore) SaveDependency(d models.Dependency) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, existing := range m.data.dependencies {
		if existing == d {
			return errors.Wrapf(ErrAlreadyExists, "dependency %s -> %s", d.StepID, d.DependsOn)
		}
	}
	m.data.dependencies = append(m.data.dependencies, d)
	return nil
}

func (m *memoryStore) GetDependencies(workflowID string) ([]models.Dependency, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	var deps []models.Dependency
	for _, d := range m.data.dependencies {
		if d.WorkflowID == workflowID {
			deps = append(deps, d)
		}
	}
	return deps, nil
}

func (m *memoryStore) SaveExecutionLog(l models.ExecutionLog) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	m.data.nextLogID++
	l.ID = m.data.nextLogID
	if l.LoggedAt.IsZero() {
		l.LoggedAt = time.Now()
	}
	m.data.logs = append(m.data.logs, l)
	return nil
}

func (m *memoryStore) ListExecutionLogs(workflowID string) ([]models.ExecutionLog, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	logs := []models.ExecutionLog{}
	for _, l := range m.data.logs {
		if l.WorkflowID == workflowID {
			logs = append(logs, l)
		}
	}
	return logs, nil
}

func (m *memoryStore) SetTaskRecordStatus(rec models.TaskRecord) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	key := recordKey{resourceID: rec.ResourceID, taskID: rec.TaskID}
	if existing, ok := m.data.records[key]; ok {
		rec.Created = rec.Created || existing.Created
		rec.Inactive = rec.Inactive || existing.Inactive
	}
	rec.UpdatedAt = time.Now()
	m.data.records[key] = rec
	return nil
}

func (m *memoryStore) SetResourceInactive(resourceID, taskID string) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	key := recordKey{resourceID: resourceID, taskID: taskID}
	rec, ok := m.data.records[key]
	if !ok {
		rec = models.TaskRecord{ResourceID: resourceID, TaskID: taskID, Status: models.ErrorTaskRecordStatus}
	}
	rec.Inactive = true
	rec.UpdatedAt = time.Now()
	m.data.records[key] = rec
	return nil
}

func (m *memoryStore) GetTaskRecord(resourceID, taskID string) (models.TaskRecord, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	rec, ok := m.data.records[recordKey{resourceID: resourceID, taskID: taskID}]
	if !ok {
		return models.TaskRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *memoryStore) ListTaskRecords(taskID string) ([]models.TaskRecord, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	records := []models.TaskRecord{}
	for key, rec := range m.data.records {
		if key.taskID == taskID {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ResourceID < records[j].ResourceID })
	return records, nil
}

func (m *memoryStore) stepsLocked(workflowID string) []models.Step {
	steps := []models.Step{}
	for _, s := range m.data.steps {
		if s.WorkflowID == workflowID {
			s.WaitFor = m.waitForLocked(workflowID, s.ID)
			steps = append(steps, s)
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Sequence < steps[j].Sequence })
	return steps
}

func (m *memoryStore) waitForLocked(workflowID, stepID string) []string {
	var waitFor []string
	for _, d := range m.data.dependencies {
		if d.WorkflowID == workflowID && d.StepID == stepID {
			waitFor = append(waitFor, d.DependsOn)
		}
	}
	return waitFor
}

func matchesStatus(status models.WorkflowStatus, statuses []models.WorkflowStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// sortWorkflows orders newest first, matching the Postgres store.
func sortWorkflows(workflows []models.Workflow) {
	sort.SliceStable(workflows, func(i, j int) bool {
		if workflows[i].CreatedAt.Equal(workflows[j].CreatedAt) {
			return workflows[i].ID > workflows[j].ID
		}
		return workflows[i].CreatedAt.After(workflows[j].CreatedAt)
	})
}
