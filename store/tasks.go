package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/calliopehq/calliope/errors"
)

// TaskStatus represents the current state of an execution task.
// Transitions only move pending → running → {completed, failed}; a terminal
// task never re-enters a non-terminal state.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// IsTerminal reports whether the status is completed or failed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// ExecutionTask is one queued prompt execution. A producer creates it; the
// single worker that claims it performs all further mutations.
type ExecutionTask struct {
	ID           string          `json:"id"`
	SceneID      string          `json:"scene"`
	Payload      json.RawMessage `json:"request_payload"`
	TeamID       string          `json:"team_scope_id"`
	Status       TaskStatus      `json:"status"`
	Result       string          `json:"result_content,omitempty"`
	Error        string          `json:"error_message,omitempty"`
	NotifyKind   string          `json:"notification_kind,omitempty"`
	NotifyConfig json.RawMessage `json:"notification_config,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// NewTask creates a pending task with a fresh id.
func NewTask(sceneID, teamID string, payload json.RawMessage) *ExecutionTask {
	return &ExecutionTask{
		ID:        uuid.NewString(),
		SceneID:   sceneID,
		Payload:   payload,
		TeamID:    teamID,
		Status:    TaskStatusPending,
		CreatedAt: time.Now(),
	}
}

// TaskStore persists execution tasks.
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore creates a task store.
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

// Create inserts a new pending task.
func (s *TaskStore) Create(ctx context.Context, t *ExecutionTask) error {
	payload := "{}"
	if len(t.Payload) > 0 {
		payload = string(t.Payload)
	}
	notifyConfig := "{}"
	if len(t.NotifyConfig) > 0 {
		notifyConfig = string(t.NotifyConfig)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_tasks
			(id, scene_id, payload, team_id, status, notify_kind, notify_config, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SceneID, payload, t.TeamID, t.Status, t.NotifyKind, notifyConfig, t.CreatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create task %s", t.ID)
	}
	return nil
}

// Get retrieves a task by id.
func (s *TaskStore) Get(ctx context.Context, id string) (*ExecutionTask, error) {
	var t ExecutionTask
	var payload, notifyConfig string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, scene_id, payload, team_id, status, result, error, notify_kind, notify_config, created_at, completed_at
		FROM execution_tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.SceneID, &payload, &t.TeamID, &t.Status, &t.Result, &t.Error,
		&t.NotifyKind, &notifyConfig, &t.CreatedAt, &t.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("task %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get task %s", id)
	}

	t.Payload = json.RawMessage(payload)
	t.NotifyConfig = json.RawMessage(notifyConfig)
	return &t, nil
}

// Claim atomically flips a task from pending to running. It is the
// idempotency guard against queue redelivery: of any number of workers
// racing on the same delivery, exactly one observes claimed == true.
func (s *TaskStore) Claim(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_tasks SET status = ?
		WHERE id = ? AND status = ?`,
		TaskStatusRunning, id, TaskStatusPending,
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim task %s", id)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows == 1, nil
}

// Complete records a successful result. Only a running task can complete;
// completing a task in any other state is an error.
func (s *TaskStore) Complete(ctx context.Context, id, result string) error {
	return s.finish(ctx, id, TaskStatusCompleted, result, "")
}

// Fail records a terminal failure with its message. The pipeline never
// retries a failed task.
func (s *TaskStore) Fail(ctx context.Context, id, errMsg string) error {
	return s.finish(ctx, id, TaskStatusFailed, "", errMsg)
}

func (s *TaskStore) finish(ctx context.Context, id string, status TaskStatus, result, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_tasks
		SET status = ?, result = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		status, result, errMsg, time.Now(), id, TaskStatusRunning,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to mark task %s %s", id, status)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Newf("task %s is not running, refusing %s transition", id, status)
	}
	return nil
}

// CountByStatus returns task counts keyed by status. Used by the status CLI.
func (s *TaskStore) CountByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM execution_tasks GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count tasks")
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan task count")
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating task counts")
	}
	return counts, nil
}
