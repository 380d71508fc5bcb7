package task

import (
	"context"
	"log/slog"
	"sync"
)

// Hooks receives lifecycle notifications for cross-cutting concerns owned
// by the embedding application (metrics, notifications). Implementations
// must tolerate concurrent invocation. A hook must never affect task
// outcome: panics are caught and logged at the call site.
type Hooks interface {
	// OnTaskCreated fires after a task record is durably created.
	OnTaskCreated(ctx context.Context, t *Task)

	// OnTaskCompleted fires after a task transitions into completed.
	OnTaskCompleted(ctx context.Context, t *Task)

	// OnTaskFailed fires after a task transitions into failed. The failure
	// reason is in t.Error.
	OnTaskFailed(ctx context.Context, t *Task)
}

// hookRegistry is the process-wide, optionally-empty set of lifecycle
// callbacks. It lives on the runner instance rather than as package state
// so multiple runners (e.g. in tests) do not share hooks.
type hookRegistry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	hooks []Hooks
}

func newHookRegistry(logger *slog.Logger) *hookRegistry {
	return &hookRegistry{
		logger: logger.With("component", "hooks"),
	}
}

func (r *hookRegistry) register(h Hooks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
	r.logger.Debug("registered lifecycle hooks", "hook_count", len(r.hooks))
}

func (r *hookRegistry) snapshot() []Hooks {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hooks := make([]Hooks, len(r.hooks))
	copy(hooks, r.hooks)
	return hooks
}

func (r *hookRegistry) fireCreated(ctx context.Context, t *Task) {
	for _, h := range r.snapshot() {
		r.fire(ctx, t, "created", func() { h.OnTaskCreated(ctx, t) })
	}
}

func (r *hookRegistry) fireCompleted(ctx context.Context, t *Task) {
	for _, h := range r.snapshot() {
		r.fire(ctx, t, "completed", func() { h.OnTaskCompleted(ctx, t) })
	}
}

func (r *hookRegistry) fireFailed(ctx context.Context, t *Task) {
	for _, h := range r.snapshot() {
		r.fire(ctx, t, "failed", func() { h.OnTaskFailed(ctx, t) })
	}
}

// fire invokes one hook callback, converting panics into log entries so a
// faulty hook cannot alter a task's outcome.
func (r *hookRegistry) fire(ctx context.Context, t *Task, event string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("lifecycle hook panicked",
				"hook_event", event,
				"task_id", t.ID,
				"task_type", t.Type,
				"panic", p)
		}
	}()
	fn()
}
