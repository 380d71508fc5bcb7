package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

// Possible task status values. A task is created pending, is promoted to
// running by exactly one process, and ends in exactly one terminal status.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal tasks are immutable;
// even the zombie reaper must never touch them.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskType identifies the kind of work a task performs. The set is closed:
// unknown types are rejected at creation, and each type maps to a timeout
// budget (with a default for types without an explicit entry).
type TaskType string

const (
	TaskTypeDocumentParse     TaskType = "document_parse"
	TaskTypeModelTraining     TaskType = "model_training"
	TaskTypeContentGeneration TaskType = "content_generation"
	TaskTypeDemo              TaskType = "demo"
)

// Valid reports whether t is a member of the closed task type set.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeDocumentParse, TaskTypeModelTraining, TaskTypeContentGeneration, TaskTypeDemo:
		return true
	}
	return false
}

// Event type tags recorded in the task event log and broadcast to
// subscribers.
const (
	EventStarted   = "started"
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventCancelled = "cancelled"
)

// Task is the durable record of a single unit of schedulable work.
type Task struct {
	// ID is the task's globally unique identifier, generated at creation.
	ID uuid.UUID

	// Type selects the handler routing and timeout policy.
	Type TaskType

	// Status is the task's position in the lifecycle state machine.
	Status TaskStatus

	// Input is the opaque payload supplied at creation, immutable afterwards.
	Input json.RawMessage

	// Output is set exactly once, on the transition into completed.
	Output json.RawMessage

	// Error is the human-readable failure reason, set exactly once on the
	// transition into failed.
	Error string

	// Progress is 0-100. Durable writes of progress are throttled; the
	// broadcast channel sees every update.
	Progress        int
	ProgressMessage string

	// OwnerUserID optionally associates the task with its requester for
	// listing. It is not used for authorization.
	OwnerUserID string

	// RunnerID identifies the process currently (or last) responsible for
	// the task. The zombie reaper uses it to classify abandoned work.
	RunnerID string

	// LastHeartbeat is refreshed periodically while running. Absence or
	// staleness signals possible abandonment.
	LastHeartbeat *time.Time

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// ClientView returns a copy of the task with the potentially large input
// payload omitted, suitable for returning to UI clients.
func (t *Task) ClientView() *Task {
	view := *t
	view.Input = nil
	return &view
}

// TaskEvent is one append-only record of a domain event emitted during a
// task's life, used for replay by late subscribers. Progress events may be
// broadcast-only and never reach this log.
type TaskEvent struct {
	ID        int64
	TaskID    uuid.UUID
	EventType string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// HandlerFunc is the body of a task: an opaque asynchronous function invoked
// with a Handle for progress reporting and termination. Any error or panic
// that escapes the handler force-fails the task; it never crashes the
// process. Well-behaved handlers poll handle.IsCancelled at bounded
// intervals.
type HandlerFunc func(ctx context.Context, handle *Handle, input json.RawMessage) error

// TaskStore is the durable record store consumed by the runner. Status
// transition writes are guarded by the expected prior status and report
// whether they applied, so terminal states are idempotent without
// distributed locking.
type TaskStore interface {
	// CreateTask persists a new pending task record.
	CreateTask(ctx context.Context, t *Task) error

	// GetTask returns the task with the given id, or store.ErrTaskNotFound.
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)

	// MarkRunning promotes a pending task to running, setting startedAt and
	// the initial heartbeat. Returns false if the task was not pending, which
	// makes a second promotion attempt a no-op.
	MarkRunning(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)

	// MarkCompleted transitions a running task to completed with its output,
	// forcing progress to 100. Returns false if the task was not running.
	MarkCompleted(ctx context.Context, id uuid.UUID, output json.RawMessage, now time.Time) (bool, error)

	// MarkFailed transitions a pending or running task to failed with a
	// human-readable reason. Returns false if the task was already terminal.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) (bool, error)

	// MarkCancelled transitions a pending or running task to cancelled.
	// Returns false if the task was already terminal.
	MarkCancelled(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)

	// UpdateProgress durably records progress for a running task.
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int, message string) error

	// UpdateHeartbeat refreshes the liveness timestamp of a running task.
	UpdateHeartbeat(ctx context.Context, id uuid.UUID, now time.Time) error

	// GetTasksByStatus returns all tasks whose status is in the given set.
	GetTasksByStatus(ctx context.Context, statuses ...TaskStatus) ([]*Task, error)

	// GetTasksByOwner returns up to limit tasks for an owner, newest first.
	GetTasksByOwner(ctx context.Context, ownerUserID string, limit int) ([]*Task, error)

	// AppendEvent appends one record to the task's event log.
	AppendEvent(ctx context.Context, taskID uuid.UUID, eventType string, payload json.RawMessage) error

	// GetTaskEvents returns the task's event log in insertion order.
	GetTaskEvents(ctx context.Context, taskID uuid.UUID) ([]*TaskEvent, error)
}

// Broadcaster is the real-time fan-out channel consumed by the runner.
// Delivery is best-effort; the event log is the system of record.
type Broadcaster interface {
	Broadcast(ctx context.Context, taskID uuid.UUID, eventType string, payload json.RawMessage) error
}

// Bus is the key-based publish/subscribe transport used for cross-process
// signaling. Delivery is at-most-once with no backlog; consumers that need
// guarantees must pair it with a durable fallback.
type Bus interface {
	// Publish sends a message on the named channel.
	Publish(ctx context.Context, channel, message string) error

	// SubscribePattern subscribes to all channels matching the glob pattern
	// and invokes onMessage for each delivery. The returned function closes
	// the subscription.
	SubscribePattern(ctx context.Context, pattern string, onMessage func(channel, message string)) (func() error, error)
}
