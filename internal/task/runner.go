package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskrunner/internal/platform/logger"
	"github.com/robfig/cron/v3"
)

// RunnerConfig holds the runner's identity and timing policy. The interval
// values are policy knobs, not invariants; see DefaultRunnerConfig for the
// values the system was tuned with.
type RunnerConfig struct {
	// RunnerID identifies this process in task records. Resolved once at
	// process start and injected here, never recomputed per call.
	RunnerID string

	// HeartbeatInterval is how often running tasks refresh their liveness
	// timestamp.
	HeartbeatInterval time.Duration

	// HeartbeatStaleAfter is how old a heartbeat may be before the zombie
	// reaper presumes the owning runner dead. Three missed beats by default,
	// tolerating transient scheduling jitter without false-reaping a
	// slow-but-alive task.
	HeartbeatStaleAfter time.Duration

	// ProgressWriteInterval is the minimum spacing between durable progress
	// writes per task.
	ProgressWriteInterval time.Duration

	// CancelSyncInterval is how often the cancellation set reconciles
	// against the durable store.
	CancelSyncInterval time.Duration

	// DefaultTimeout applies to task types without an entry in Timeouts.
	DefaultTimeout time.Duration

	// Timeouts maps each task type to its execution budget.
	Timeouts map[TaskType]time.Duration
}

// DefaultRunnerConfig returns a RunnerConfig with the standard policy values.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		RunnerID:              "runner-local",
		HeartbeatInterval:     10 * time.Second,
		HeartbeatStaleAfter:   30 * time.Second,
		ProgressWriteInterval: 3 * time.Second,
		CancelSyncInterval:    5 * time.Second,
		DefaultTimeout:        15 * time.Minute,
		Timeouts: map[TaskType]time.Duration{
			TaskTypeDocumentParse:     10 * time.Minute,
			TaskTypeModelTraining:     30 * time.Minute,
			TaskTypeContentGeneration: 5 * time.Minute,
			TaskTypeDemo:              2 * time.Minute,
		},
	}
}

func (c RunnerConfig) timeoutFor(t TaskType) time.Duration {
	if d, ok := c.Timeouts[t]; ok {
		return d
	}
	return c.DefaultTimeout
}

// Runner orchestrates the lifecycle of background tasks on this process:
// creation, promotion to running, handler execution, completion or failure,
// cancellation, and cleanup. Every pod runs one Runner; there is no central
// scheduler. All mutable tracking state (cancellation set, heartbeat and
// timeout timers, throttle timestamps) lives on the instance so multiple
// runners never share state.
type Runner struct {
	store       TaskStore
	broadcaster Broadcaster
	bus         Bus
	cfg         RunnerConfig
	logger      *slog.Logger

	hooks    *hookRegistry
	cancels  *cancellationPropagator
	beats    *heartbeatManager
	timeouts *timeoutSupervisor
	throttle *progressThrottle

	sweepCron *cron.Cron

	wg sync.WaitGroup
}

// NewRunner creates a Runner. The broadcaster and bus may be nil in
// single-process deployments; cancellation then converges through the store
// sync alone and no real-time events are fanned out.
func NewRunner(store TaskStore, broadcaster Broadcaster, bus Bus, cfg RunnerConfig, log *slog.Logger) *Runner {
	runnerLog := log.With("runner_id", cfg.RunnerID)
	return &Runner{
		store:       store,
		broadcaster: broadcaster,
		bus:         bus,
		cfg:         cfg,
		logger:      runnerLog,
		hooks:       newHookRegistry(runnerLog),
		cancels:     newCancellationPropagator(store, bus, cfg.CancelSyncInterval, runnerLog),
		beats:       newHeartbeatManager(store, cfg.HeartbeatInterval, runnerLog),
		timeouts:    newTimeoutSupervisor(),
		throttle:    newProgressThrottle(cfg.ProgressWriteInterval),
	}
}

// Start begins background work: the cancellation subscription and the
// periodic store reconciliation. Call once before accepting tasks.
func (r *Runner) Start(ctx context.Context) {
	r.cancels.start(ctx)
}

// Stop waits for in-flight tasks to finish and halts all background work.
func (r *Runner) Stop() {
	r.wg.Wait()
	r.stopSweeps()
	r.cancels.stop()
	r.beats.stopAll()
}

// RegisterHooks adds lifecycle callbacks fired on task creation, completion,
// and failure. Hook errors and panics are logged, never propagated.
func (r *Runner) RegisterHooks(h Hooks) {
	r.hooks.register(h)
}

// CreateTask persists a pending task record and schedules its execution
// without blocking the caller. The returned id is valid immediately for
// GetTaskState, CancelTask, and event subscription.
func (r *Runner) CreateTask(ctx context.Context, typ TaskType, input any, handler HandlerFunc, ownerUserID string) (uuid.UUID, error) {
	if !typ.Valid() {
		return uuid.Nil, fmt.Errorf("unknown task type %q", typ)
	}
	if handler == nil {
		return uuid.Nil, fmt.Errorf("task handler must not be nil")
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal task input: %w", err)
	}

	t := &Task{
		ID:          uuid.New(),
		Type:        typ,
		Status:      TaskStatusPending,
		Input:       raw,
		OwnerUserID: ownerUserID,
		RunnerID:    r.cfg.RunnerID,
		CreatedAt:   time.Now().UTC(),
	}

	if err := r.store.CreateTask(ctx, t); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create task record: %w", err)
	}

	r.hooks.fireCreated(ctx, t)

	r.wg.Add(1)
	go r.execute(t.ID, typ, raw, handler)

	return t.ID, nil
}

// execute is the scheduled execution step for one task. It owns the task's
// heartbeat, timeout timer, and write queue; the deferred teardown releases
// all three exactly once regardless of exit path.
func (r *Runner) execute(id uuid.UUID, typ TaskType, input json.RawMessage, handler HandlerFunc) {
	defer r.wg.Done()

	log := r.logger.With("task_id", id, "task_type", typ)
	ctx := logger.WithLogger(context.Background(), log)

	// A cancellation that raced task creation already wrote the terminal
	// status; abort silently without touching state.
	if r.cancels.isCancelled(id) {
		log.Info("task cancelled before start, skipping execution")
		return
	}

	promoted, err := r.store.MarkRunning(ctx, id, time.Now().UTC())
	if err != nil {
		log.Error("failed to promote task to running", "error", err)
		return
	}
	if !promoted {
		// Another promotion attempt or a concurrent cancellation got there
		// first; the idempotency guard makes this a no-op.
		log.Info("task no longer pending, skipping execution")
		return
	}

	r.recordEvent(ctx, id, EventStarted, nil)

	r.beats.start(id)
	r.timeouts.start(id, r.cfg.timeoutFor(typ), func() {
		r.handleTimeout(id, r.cfg.timeoutFor(typ))
	})

	writer := newTaskWriter(ctx)
	handle := &Handle{
		taskID: id,
		runner: r,
		writer: writer,
	}

	defer func() {
		writer.close()
		r.beats.stop(id)
		r.timeouts.stop(id)
		r.throttle.forget(id)
		r.cancels.forget(id)
	}()

	log.Info("task started")

	handlerErr := r.invoke(ctx, handle, input, handler)

	// Drain the write queue so a Complete/Fail issued by the handler lands
	// before the status check below.
	writer.close()

	if handlerErr != nil {
		cur, err := r.store.GetTask(ctx, id)
		if err != nil {
			log.Error("failed to read task after handler error", "error", err)
			return
		}
		if cur.Status == TaskStatusRunning {
			r.failTask(ctx, id, handlerErr.Error())
		}
	}
}

// invoke runs the handler, converting panics into errors so domain logic
// can never crash the process.
func (r *Runner) invoke(ctx context.Context, handle *Handle, input json.RawMessage, handler HandlerFunc) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return handler(ctx, handle, input)
}

// completeTask transitions a running task to completed. The timeout timer
// is disarmed first so it cannot fire against an already-finished task.
func (r *Runner) completeTask(ctx context.Context, id uuid.UUID, output json.RawMessage) {
	log := logger.FromContext(ctx)

	r.timeouts.stop(id)

	now := time.Now().UTC()
	ok, err := r.store.MarkCompleted(ctx, id, output, now)
	if err != nil {
		log.Error("failed to mark task completed", "task_id", id, "error", err)
		return
	}
	if !ok {
		log.Warn("task not running at completion, ignoring", "task_id", id)
		return
	}

	r.recordEvent(ctx, id, EventCompleted, output)
	log.Info("task completed", "task_id", id)

	if t, err := r.store.GetTask(ctx, id); err == nil {
		r.hooks.fireCompleted(ctx, t)
	}
}

// failTask transitions a pending or running task to failed with a
// human-readable, cause-specific reason. Shared by handler errors, timeouts,
// and the zombie reaper; the reason string distinguishes them.
func (r *Runner) failTask(ctx context.Context, id uuid.UUID, reason string) {
	log := logger.FromContext(ctx)

	r.timeouts.stop(id)

	now := time.Now().UTC()
	ok, err := r.store.MarkFailed(ctx, id, reason, now)
	if err != nil {
		log.Error("failed to mark task failed", "task_id", id, "error", err)
		return
	}
	if !ok {
		log.Warn("task already terminal, not overwriting with failure",
			"task_id", id,
			"reason", reason)
		return
	}

	payload, _ := json.Marshal(map[string]string{"error": reason})
	r.recordEvent(ctx, id, EventFailed, payload)
	log.Warn("task failed", "task_id", id, "reason", reason)

	if t, err := r.store.GetTask(ctx, id); err == nil {
		r.hooks.fireFailed(ctx, t)
	}
}

// handleTimeout fires when a task overruns its budget. The store status is
// the authority: if a legitimate terminal transition won the race, this is
// a no-op.
func (r *Runner) handleTimeout(id uuid.UUID, budget time.Duration) {
	log := r.logger.With("task_id", id)
	ctx := logger.WithLogger(context.Background(), log)

	cur, err := r.store.GetTask(ctx, id)
	if err != nil {
		log.Error("failed to read task on timeout", "error", err)
		return
	}
	if cur.Status != TaskStatusRunning {
		return
	}

	r.failTask(ctx, id, fmt.Sprintf("task timed out after %s", budget))
}

// CancelTask requests cancellation of a pending or running task. Returns
// false if the task is already terminal: cancellation is not retroactive.
//
// The durable status write is authoritative; the pub/sub publish is
// best-effort (every process also reconciles against the store, so a lost
// message only delays cancellation by one sync interval). The handler is
// not forcibly interrupted; it observes cancellation via IsCancelled at its
// own checkpoints.
func (r *Runner) CancelTask(ctx context.Context, id uuid.UUID) (bool, error) {
	log := logger.FromContext(ctx)

	t, err := r.store.GetTask(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to read task for cancellation: %w", err)
	}
	if t.Status.Terminal() {
		return false, nil
	}

	r.timeouts.stop(id)
	r.beats.stop(id)
	r.cancels.markCancelled(id)

	if r.bus != nil {
		if err := r.bus.Publish(ctx, cancelChannel(id), id.String()); err != nil {
			log.Warn("failed to publish cancellation, store sync will deliver it",
				"task_id", id,
				"error", err)
		}
	}

	ok, err := r.store.MarkCancelled(ctx, id, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to mark task cancelled: %w", err)
	}
	if !ok {
		// A terminal transition won the race between our read and write.
		return false, nil
	}

	r.recordEvent(ctx, id, EventCancelled, nil)
	log.Info("task cancelled", "task_id", id)

	return true, nil
}

// GetTaskState returns the full durable task record.
func (r *Runner) GetTaskState(ctx context.Context, id uuid.UUID) (*Task, error) {
	return r.store.GetTask(ctx, id)
}

// GetTaskStateForClient returns the task record with the potentially large
// input payload omitted.
func (r *Runner) GetTaskStateForClient(ctx context.Context, id uuid.UUID) (*Task, error) {
	t, err := r.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.ClientView(), nil
}

// GetTaskEvents returns the task's persisted event log in insertion order,
// for replay by late subscribers.
func (r *Runner) GetTaskEvents(ctx context.Context, id uuid.UUID) ([]*TaskEvent, error) {
	return r.store.GetTaskEvents(ctx, id)
}

// GetUserTasks lists up to limit tasks owned by the given user, newest
// first.
func (r *Runner) GetUserTasks(ctx context.Context, ownerUserID string, limit int) ([]*Task, error) {
	return r.store.GetTasksByOwner(ctx, ownerUserID, limit)
}

// recordEvent appends to the durable event log and broadcasts to real-time
// subscribers. Failures in either are logged and tolerated: auxiliary
// signaling must not affect the task's state transitions.
func (r *Runner) recordEvent(ctx context.Context, id uuid.UUID, eventType string, payload json.RawMessage) {
	log := logger.FromContext(ctx)

	if err := r.store.AppendEvent(ctx, id, eventType, payload); err != nil {
		log.Warn("failed to append task event",
			"task_id", id,
			"event_type", eventType,
			"error", err)
	}
	r.broadcast(ctx, id, eventType, payload)
}

// broadcast fans an event out to real-time subscribers without persisting it.
func (r *Runner) broadcast(ctx context.Context, id uuid.UUID, eventType string, payload json.RawMessage) {
	if r.broadcaster == nil {
		return
	}
	if err := r.broadcaster.Broadcast(ctx, id, eventType, payload); err != nil {
		logger.FromContext(ctx).Warn("failed to broadcast task event",
			"task_id", id,
			"event_type", eventType,
			"error", err)
	}
}
