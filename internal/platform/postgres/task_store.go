package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskrunner/internal/platform/logger"
	"github.com/phrazzld/taskrunner/internal/store"
	"github.com/phrazzld/taskrunner/internal/task"
)

// PostgresTaskStore implements the task.TaskStore interface using PostgreSQL.
type PostgresTaskStore struct {
	db store.DBTX
}

// NewPostgresTaskStore creates a new PostgresTaskStore.
func NewPostgresTaskStore(db store.DBTX) *PostgresTaskStore {
	return &PostgresTaskStore{
		db: db,
	}
}

const taskColumns = `id, type, status, input, output, error_message,
		progress, progress_message, owner_user_id, runner_id,
		last_heartbeat, created_at, started_at, completed_at`

// CreateTask persists a new pending task record.
func (s *PostgresTaskStore) CreateTask(ctx context.Context, t *task.Task) error {
	log := logger.FromContext(ctx)

	query := `
		INSERT INTO tasks (id, type, status, input, owner_user_id, runner_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.db.ExecContext(ctx, query,
		t.ID,
		t.Type,
		t.Status,
		[]byte(t.Input),
		nullString(t.OwnerUserID),
		t.RunnerID,
		t.CreatedAt,
	)
	if err != nil {
		log.Error("failed to save task",
			"task_id", t.ID,
			"task_type", t.Type,
			"error", err)
		return fmt.Errorf("failed to save task to database: %w", MapError(err))
	}

	return nil
}

// GetTask returns the task with the given id.
func (s *PostgresTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	row := s.db.QueryRowContext(ctx, query, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", MapError(err))
	}
	return t, nil
}

// MarkRunning promotes a pending task to running. The status guard in the
// WHERE clause makes a second promotion attempt a no-op.
func (s *PostgresTaskStore) MarkRunning(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE tasks
		SET status = $1, started_at = $2, last_heartbeat = $2
		WHERE id = $3 AND status = $4
	`
	return s.guardedUpdate(ctx, query, task.TaskStatusRunning, now, id, task.TaskStatusPending)
}

// MarkCompleted transitions a running task to completed, forcing progress
// to 100 so the completion invariant holds regardless of throttled writes.
func (s *PostgresTaskStore) MarkCompleted(ctx context.Context, id uuid.UUID, output json.RawMessage, now time.Time) (bool, error) {
	query := `
		UPDATE tasks
		SET status = $1, output = $2, progress = 100, completed_at = $3
		WHERE id = $4 AND status = $5
	`
	return s.guardedUpdate(ctx, query, task.TaskStatusCompleted, []byte(output), now, id, task.TaskStatusRunning)
}

// MarkFailed transitions a pending or running task to failed.
func (s *PostgresTaskStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) (bool, error) {
	query := `
		UPDATE tasks
		SET status = $1, error_message = $2, completed_at = $3
		WHERE id = $4 AND status IN ($5, $6)
	`
	return s.guardedUpdate(ctx, query,
		task.TaskStatusFailed, errMsg, now, id, task.TaskStatusPending, task.TaskStatusRunning)
}

// MarkCancelled transitions a pending or running task to cancelled.
func (s *PostgresTaskStore) MarkCancelled(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE tasks
		SET status = $1, completed_at = $2
		WHERE id = $3 AND status IN ($4, $5)
	`
	return s.guardedUpdate(ctx, query,
		task.TaskStatusCancelled, now, id, task.TaskStatusPending, task.TaskStatusRunning)
}

// UpdateProgress durably records progress for a running task.
func (s *PostgresTaskStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress int, message string) error {
	query := `
		UPDATE tasks
		SET progress = $1, progress_message = $2
		WHERE id = $3 AND status = $4
	`
	_, err := s.db.ExecContext(ctx, query, progress, message, id, task.TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to update task progress: %w", MapError(err))
	}
	return nil
}

// UpdateHeartbeat refreshes the liveness timestamp of a running task.
func (s *PostgresTaskStore) UpdateHeartbeat(ctx context.Context, id uuid.UUID, now time.Time) error {
	query := `
		UPDATE tasks
		SET last_heartbeat = $1
		WHERE id = $2 AND status = $3
	`
	_, err := s.db.ExecContext(ctx, query, now, id, task.TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to update task heartbeat: %w", MapError(err))
	}
	return nil
}

// GetTasksByStatus returns all tasks whose status is in the given set.
func (s *PostgresTaskStore) GetTasksByStatus(ctx context.Context, statuses ...task.TaskStatus) ([]*task.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = st
	}

	query := `SELECT ` + taskColumns + `
		FROM tasks
		WHERE status IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY created_at ASC`

	return s.queryTasks(ctx, query, args...)
}

// GetTasksByOwner returns up to limit tasks for an owner, newest first.
func (s *PostgresTaskStore) GetTasksByOwner(ctx context.Context, ownerUserID string, limit int) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + `
		FROM tasks
		WHERE owner_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	return s.queryTasks(ctx, query, ownerUserID, limit)
}

// AppendEvent appends one record to the task's event log. The id column is
// a bigserial, so insertion order and id order agree.
func (s *PostgresTaskStore) AppendEvent(ctx context.Context, taskID uuid.UUID, eventType string, payload json.RawMessage) error {
	query := `
		INSERT INTO task_events (task_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := s.db.ExecContext(ctx, query, taskID, eventType, []byte(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append task event: %w", MapError(err))
	}
	return nil
}

// GetTaskEvents returns the task's event log in insertion order.
func (s *PostgresTaskStore) GetTaskEvents(ctx context.Context, taskID uuid.UUID) ([]*task.TaskEvent, error) {
	query := `
		SELECT id, task_id, event_type, payload, created_at
		FROM task_events
		WHERE task_id = $1
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task events: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var events []*task.TaskEvent
	for rows.Next() {
		var e task.TaskEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.TaskID, &e.EventType, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task event row: %w", MapError(err))
		}
		e.Payload = payload
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task event rows: %w", MapError(err))
	}

	return events, nil
}

// guardedUpdate executes a status-guarded UPDATE and reports whether any
// row matched. Zero rows means the task was not in the expected prior
// status, which callers treat as a benign lost race, not an error.
func (s *PostgresTaskStore) guardedUpdate(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update task status: %w", MapError(err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", MapError(err))
	}
	return affected > 0, nil
}

func (s *PostgresTaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	log := logger.FromContext(ctx)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query tasks", "error", err)
		return nil, fmt.Errorf("failed to query tasks: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", MapError(err))
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", MapError(err))
	}

	return tasks, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var input, output []byte
	var errMsg, progressMsg, owner sql.NullString
	var lastHeartbeat, startedAt, completedAt sql.NullTime

	err := row.Scan(
		&t.ID,
		&t.Type,
		&t.Status,
		&input,
		&output,
		&errMsg,
		&t.Progress,
		&progressMsg,
		&owner,
		&t.RunnerID,
		&lastHeartbeat,
		&t.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Input = input
	t.Output = output
	t.Error = errMsg.String
	t.ProgressMessage = progressMsg.String
	t.OwnerUserID = owner.String
	if lastHeartbeat.Valid {
		t.LastHeartbeat = &lastHeartbeat.Time
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}

	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
