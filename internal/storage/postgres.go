package storage

import (
	"database/sql"
	"fmt"

	"github.com/ignatij/stepflow/pkg/models"
	"github.com/ignatij/stepflow/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}
type PostgresStore struct {
	db DBInterface
}

var _ storage.Store = (*PostgresStore)(nil)

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction: %w", storage.ErrNotATransaction)
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: %w", storage.ErrNotATransaction)
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: %w", storage.ErrNotATransaction)
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveWorkflow inserts a workflow record; its steps are saved separately
func (s *PostgresStore) SaveWorkflow(w models.Workflow) error {
	_, err := s.db.Exec(`
		INSERT INTO workflows (id, name, owner, task_id, status, rollback_supported, nested, parent_step_id,
			root_id, error_msg, message, lock_keys, resources, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		w.ID, w.Name, w.Owner, w.TaskID, w.Status, w.RollbackSupported, w.Nested, w.ParentStepID,
		w.RootID, w.ErrorMsg, w.Message, emptyArray(w.LockKeys), emptyArray(w.Resources), w.CreatedAt, w.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("save workflow %s: %w", w.ID, storage.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow by ID, including its steps and their dependencies
func (s *PostgresStore) GetWorkflow(id string) (models.Workflow, error) {
	var wf models.Workflow
	err := s.db.Get(&wf, "SELECT * FROM workflows WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Workflow{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, err
	}

	wf.Steps, err = s.ListSteps(id)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("get workflow %s: %w", id, err)
	}
	return wf, nil
}

// ListWorkflows returns workflows newest first, optionally only those in one of statuses
func (s *PostgresStore) ListWorkflows(statuses ...models.WorkflowStatus) ([]models.Workflow, error) {
	workflows := []models.Workflow{}
	if len(statuses) == 0 {
		err := s.db.Select(&workflows, "SELECT * FROM workflows ORDER BY created_at DESC")
		return workflows, err
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	err := s.db.Select(&workflows, "SELECT * FROM workflows WHERE status = ANY($1) ORDER BY created_at DESC", pq.Array(names))
	if err != nil {
		return nil, err
	}
	return workflows, nil
}

func (s *PostgresStore) ListWorkflowsByTask(taskID string) ([]models.Workflow, error) {
	workflows := []models.Workflow{}
	err := s.db.Select(&workflows, "SELECT * FROM workflows WHERE task_id = $1 ORDER BY created_at DESC", taskID)
	if err != nil {
		return nil, err
	}
	return workflows, nil
}

// UpdateWorkflowStatus updates the status of a workflow. The message is kept
// as the success message or the error, depending on the status.
func (s *PostgresStore) UpdateWorkflowStatus(id string, status models.WorkflowStatus, message string) error {
	res, err := s.db.Exec(`
		UPDATE workflows
		SET status = $1,
		message = CASE WHEN $1 = 'SUCCEEDED' THEN $2 ELSE message END,
		error_msg = CASE WHEN $1 IN ('FAILED', 'COMPLETED_ABORTED') THEN $2 ELSE error_msg END,
		updated_at = CURRENT_TIMESTAMP
		WHERE id = $3`, status, message, id)
	if err != nil {
		return err
	}
	return expectRow(res, "workflow", id)
}

// SaveStep creates a new step within a workflow
func (s *PostgresStore) SaveStep(st models.Step) error {
	_, err := s.db.Exec(`
		INSERT INTO steps (id, workflow_id, name, description, target_system_id, resource_id, action,
			status, error_msg, sequence, completion_seq, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		st.ID, st.WorkflowID, st.Name, st.Description, st.TargetSystemID, st.ResourceID, st.Action,
		st.Status, st.ErrorMsg, st.Sequence, st.CompletionSeq, st.StartedAt, st.FinishedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("save step %s: %w", st.ID, storage.ErrAlreadyExists)
	}
	return err
}

// GetStep retrieves a step by ID
func (s *PostgresStore) GetStep(id string) (models.Step, error) {
	var st models.Step
	err := s.db.Get(&st, "SELECT * FROM steps WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Step{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Step{}, err
	}
	err = s.db.Select(&st.WaitFor, "SELECT depends_on FROM dependencies WHERE step_id = $1 ORDER BY depends_on", id)
	if err != nil {
		return models.Step{}, fmt.Errorf("get step %s: %w", id, err)
	}
	return st, nil
}

func (s *PostgresStore) ListSteps(workflowID string) ([]models.Step, error) {
	steps := []models.Step{}
	err := s.db.Select(&steps, "SELECT * FROM steps WHERE workflow_id = $1 ORDER BY sequence", workflowID)
	if err != nil {
		return nil, err
	}
	deps, err := s.GetDependencies(workflowID)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(steps))
	for i, st := range steps {
		index[st.ID] = i
	}
	for _, dep := range deps {
		if i, ok := index[dep.StepID]; ok {
			steps[i].WaitFor = append(steps[i].WaitFor, dep.DependsOn)
		}
	}
	return steps, nil
}

// UpdateStep stores the mutable fields of a step
func (s *PostgresStore) UpdateStep(st models.Step) error {
	res, err := s.db.Exec(`
		UPDATE steps
		SET status = $1,
		error_msg = $2,
		completion_seq = $3,
		started_at = $4,
		finished_at = $5
		WHERE id = $6`,
		st.Status, st.ErrorMsg, st.CompletionSeq, st.StartedAt, st.FinishedAt, st.ID)
	if err != nil {
		return err
	}
	return expectRow(res, "step", st.ID)
}

// SaveDependency creates a dependency between steps
func (s *PostgresStore) SaveDependency(d models.Dependency) error {
	_, err := s.db.Exec("INSERT INTO dependencies (step_id, depends_on, workflow_id) VALUES ($1, $2, $3)",
		d.StepID, d.DependsOn, d.WorkflowID)
	if isUniqueViolation(err) {
		return fmt.Errorf("save dependency %s -> %s: %w", d.StepID, d.DependsOn, storage.ErrAlreadyExists)
	}
	return err
}

// GetDependencies retrieves all dependencies for a workflow
func (s *PostgresStore) GetDependencies(workflowID string) ([]models.Dependency, error) {
	var deps []models.Dependency
	err := s.db.Select(&deps, "SELECT step_id, depends_on, workflow_id FROM dependencies WHERE workflow_id = $1 ORDER BY step_id, depends_on", workflowID)
	if err != nil {
		return nil, err
	}
	return deps, nil
}

func (s *PostgresStore) SaveExecutionLog(l models.ExecutionLog) error {
	_, err := s.db.Exec("INSERT INTO execution_logs (workflow_id, step_id, status, message, logged_at) VALUES ($1, $2, $3, $4, $5)",
		l.WorkflowID, l.StepID, l.Status, l.Message, l.LoggedAt)
	return err
}

func (s *PostgresStore) ListExecutionLogs(workflowID string) ([]models.ExecutionLog, error) {
	logs := []models.ExecutionLog{}
	err := s.db.Select(&logs, "SELECT * FROM execution_logs WHERE workflow_id = $1 ORDER BY id", workflowID)
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// SetTaskRecordStatus upserts a task record. The created and inactive flags
// are sticky once set.
func (s *PostgresStore) SetTaskRecordStatus(rec models.TaskRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO task_records (resource_id, task_id, status, message, created, updated_at)
		VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP)
		ON CONFLICT (resource_id, task_id)
		DO UPDATE SET status = EXCLUDED.status, message = EXCLUDED.message,
			created = task_records.created OR EXCLUDED.created, updated_at = CURRENT_TIMESTAMP`,
		rec.ResourceID, rec.TaskID, rec.Status, rec.Message, rec.Created)
	return err
}

func (s *PostgresStore) SetResourceInactive(resourceID, taskID string) error {
	_, err := s.db.Exec(`
		INSERT INTO task_records (resource_id, task_id, status, inactive, updated_at)
		VALUES ($1, $2, $3, TRUE, CURRENT_TIMESTAMP)
		ON CONFLICT (resource_id, task_id)
		DO UPDATE SET inactive = TRUE, updated_at = CURRENT_TIMESTAMP`,
		resourceID, taskID, models.ErrorTaskRecordStatus)
	return err
}

func (s *PostgresStore) GetTaskRecord(resourceID, taskID string) (models.TaskRecord, error) {
	var rec models.TaskRecord
	err := s.db.Get(&rec, "SELECT * FROM task_records WHERE resource_id = $1 AND task_id = $2", resourceID, taskID)
	if err == sql.ErrNoRows {
		return models.TaskRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return models.TaskRecord{}, err
	}
	return rec, nil
}

func (s *PostgresStore) ListTaskRecords(taskID string) ([]models.TaskRecord, error) {
	records := []models.TaskRecord{}
	err := s.db.Select(&records, "SELECT * FROM task_records WHERE task_id = $1 ORDER BY resource_id", taskID)
	if err != nil {
		return nil, err
	}
	return records, nil
}
