package task

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskrunner/internal/store"
)

// MockTaskStore is an in-memory implementation of TaskStore for testing.
// It enforces the same status-transition guards as the real store so
// lifecycle tests exercise identical semantics. Individual operations can
// be overridden through the *Fn fields to inject failures.
type MockTaskStore struct {
	mu          sync.Mutex
	tasks       map[uuid.UUID]*Task
	events      []*TaskEvent
	nextEventID int64

	// ProgressWrites counts durable progress writes per task, letting
	// throttling tests assert on write amplification.
	progressWrites map[uuid.UUID]int

	// Optional overrides for failure injection.
	CreateTaskFn      func(ctx context.Context, t *Task) error
	UpdateHeartbeatFn func(ctx context.Context, id uuid.UUID, now time.Time) error
}

// NewMockTaskStore creates an empty in-memory task store.
func NewMockTaskStore() *MockTaskStore {
	return &MockTaskStore{
		tasks:          make(map[uuid.UUID]*Task),
		progressWrites: make(map[uuid.UUID]int),
	}
}

func (s *MockTaskStore) CreateTask(ctx context.Context, t *Task) error {
	if s.CreateTaskFn != nil {
		return s.CreateTaskFn(ctx, t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[t.ID]; ok {
		return store.ErrDuplicate
	}
	clone := *t
	s.tasks[t.ID] = &clone
	return nil
}

func (s *MockTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	clone := *t
	return &clone, nil
}

func (s *MockTaskStore) MarkRunning(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status != TaskStatusPending {
		return false, nil
	}
	t.Status = TaskStatusRunning
	started := now
	beat := now
	t.StartedAt = &started
	t.LastHeartbeat = &beat
	return true, nil
}

func (s *MockTaskStore) MarkCompleted(ctx context.Context, id uuid.UUID, output json.RawMessage, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status != TaskStatusRunning {
		return false, nil
	}
	t.Status = TaskStatusCompleted
	t.Output = output
	t.Progress = 100
	completed := now
	t.CompletedAt = &completed
	return true, nil
}

func (s *MockTaskStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status.Terminal() {
		return false, nil
	}
	t.Status = TaskStatusFailed
	t.Error = errMsg
	completed := now
	t.CompletedAt = &completed
	return true, nil
}

func (s *MockTaskStore) MarkCancelled(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status.Terminal() {
		return false, nil
	}
	t.Status = TaskStatusCancelled
	completed := now
	t.CompletedAt = &completed
	return true, nil
}

func (s *MockTaskStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if t.Status != TaskStatusRunning {
		return nil
	}
	t.Progress = progress
	t.ProgressMessage = message
	s.progressWrites[id]++
	return nil
}

func (s *MockTaskStore) UpdateHeartbeat(ctx context.Context, id uuid.UUID, now time.Time) error {
	if s.UpdateHeartbeatFn != nil {
		return s.UpdateHeartbeatFn(ctx, id, now)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if t.Status != TaskStatusRunning {
		return nil
	}
	beat := now
	t.LastHeartbeat = &beat
	return nil
}

func (s *MockTaskStore) GetTasksByStatus(ctx context.Context, statuses ...TaskStatus) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[TaskStatus]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}

	var out []*Task
	for _, t := range s.tasks {
		if _, ok := want[t.Status]; ok {
			clone := *t
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *MockTaskStore) GetTasksByOwner(ctx context.Context, ownerUserID string, limit int) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Task
	for _, t := range s.tasks {
		if t.OwnerUserID == ownerUserID {
			clone := *t
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MockTaskStore) AppendEvent(ctx context.Context, taskID uuid.UUID, eventType string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextEventID++
	s.events = append(s.events, &TaskEvent{
		ID:        s.nextEventID,
		TaskID:    taskID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *MockTaskStore) GetTaskEvents(ctx context.Context, taskID uuid.UUID) ([]*TaskEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*TaskEvent
	for _, e := range s.events {
		if e.TaskID == taskID {
			clone := *e
			out = append(out, &clone)
		}
	}
	return out, nil
}

// ProgressWriteCount returns how many durable progress writes a task has
// received.
func (s *MockTaskStore) ProgressWriteCount(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressWrites[id]
}

// SeedTask inserts a task record directly, bypassing lifecycle guards.
// Tests use it to construct zombie and pre-cancelled scenarios.
func (s *MockTaskStore) SeedTask(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *t
	s.tasks[t.ID] = &clone
}
