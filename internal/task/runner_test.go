package task

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEnv bundles a runner with its in-memory collaborators.
type testEnv struct {
	runner      *Runner
	store       *MockTaskStore
	broadcaster *MockBroadcaster
	bus         *MockBus
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testRunnerConfig shrinks every interval so lifecycle tests finish in
// milliseconds.
func testRunnerConfig() RunnerConfig {
	cfg := DefaultRunnerConfig()
	cfg.RunnerID = "pod-A"
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatStaleAfter = 100 * time.Millisecond
	cfg.CancelSyncInterval = 25 * time.Millisecond
	cfg.Timeouts = map[TaskType]time.Duration{
		TaskTypeDemo: 2 * time.Second,
	}
	return cfg
}

func newTestEnv(t *testing.T, mutate func(*RunnerConfig)) *testEnv {
	t.Helper()

	cfg := testRunnerConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	store := NewMockTaskStore()
	broadcaster := NewMockBroadcaster()
	bus := NewMockBus()
	runner := NewRunner(store, broadcaster, bus, cfg, testLogger())
	runner.Start(context.Background())
	t.Cleanup(runner.Stop)

	return &testEnv{runner: runner, store: store, broadcaster: broadcaster, bus: bus}
}

func waitForStatus(t *testing.T, s *MockTaskStore, id uuid.UUID, want TaskStatus) *Task {
	t.Helper()

	var got *Task
	require.Eventually(t, func() bool {
		cur, err := s.GetTask(context.Background(), id)
		if err != nil {
			return false
		}
		got = cur
		return cur.Status == want
	}, 2*time.Second, 5*time.Millisecond, "task never reached status %s", want)
	return got
}

func TestRunner_CompleteLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	handler := func(ctx context.Context, handle *Handle, input json.RawMessage) error {
		handle.SetProgress(50, "half")
		handle.Complete(map[string]bool{"ok": true})
		return nil
	}

	id, err := env.runner.CreateTask(context.Background(), TaskTypeDemo, map[string]int{"n": 3}, handler, "")
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	final := waitForStatus(t, env.store, id, TaskStatusCompleted)

	assert.Equal(t, 100, final.Progress)
	assert.JSONEq(t, `{"ok":true}`, string(final.Output))
	assert.Empty(t, final.Error)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)
	assert.False(t, final.CompletedAt.Before(*final.StartedAt))

	events, err := env.store.GetTaskEvents(context.Background(), id)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{EventStarted, EventProgress, EventCompleted}, types)
}

func TestRunner_HandlerError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	handler := func(ctx context.Context, handle *Handle, input json.RawMessage) error {
		return errors.New("boom")
	}

	id, err := env.runner.CreateTask(context.Background(), TaskTypeDemo, nil, handler, "")
	require.NoError(t, err)

	final := waitForStatus(t, env.store, id, TaskStatusFailed)
	assert.Contains(t, final.Error, "boom")
	require.NotNil(t, final.CompletedAt)
}

func TestRunner_HandlerPanic(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	handler := func(ctx context.Context, handle *Handle, input json.RawMessage) error {
		panic("kaboom")
	}

	id, err := env.runner.CreateTask(context.Background(), TaskTypeDemo, nil, handler, "")
	require.NoError(t, err)

	final := waitForStatus(t, env.store, id, TaskStatusFailed)
	assert.Contains(t, final.Error, "handler panicked")
	assert.Contains(t, final.Error, "kaboom")
}

func TestRunner_ExplicitFail(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	handler := func(ctx context.Context, handle *Handle, input json.RawMessage) error {
		handle.Fail(errors.New("unusable input"))
		return nil
	}

	id, err := env.runner.CreateTask(context.Background(), TaskTypeDemo, nil, handler, "")
	require.NoError(t, err)

	final := waitForStatus(t, env.store, id, TaskStatusFailed)
	assert.Contains(t, final.Error, "unusable input")
}

func TestRunner_CreateTask_UnknownType(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	_, err := env.runner.CreateTask(context.Background(), TaskType("mystery"), nil,
		func(ctx context.Context, handle *Handle, input json.RawMessage) error { return nil }, "")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown task type")
}

func TestRunner_CreateTask_NilHandler(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	_, err := env.runner.CreateTask(context.Background(), TaskTypeDemo, nil, nil, "")
	require.Error(t, err)
}

func TestRunner_CancelRunningTask(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	started := make(chan struct{})
	handler := func(ctx context.Context, handle *Handle, input json.RawMessage) error {
		close(started)
		for !handle.IsCancelled() {
			time.Sleep(5 * time.Millisecond)
		}
		return nil
	}

	id, err := env.runner.CreateTask(context.Background(), TaskTypeDemo, nil, handler, "")
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	ok, err := env.runner.CancelTask(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)

	final := waitForStatus(t, env.store, id, TaskStatusCancelled)
	require.NotNil(t, final.CompletedAt)

	// A second cancellation sees the terminal status and declines.
	ok, err = env.runner.CancelTask(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunner_CancelTerminalTask(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	handler := func(ctx context.Context, handle *Handle, input json.RawMessage) error {
		handle.Complete("done")
		return nil
	}

	id, err := env.runner.CreateTask(context.Background(), TaskTypeDemo, nil, handler, "")
	require.NoError(t, err)
	waitForStatus(t, env.store, id, TaskStatusCompleted)

	ok, err := env.runner.CancelTask(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)

	// Cancellation of a terminal task performs no writes.
	final, err := env.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, final.Status)
}

func TestRunner_CancelPublishesOnBus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	received := make(chan string, 1)
	_, err := env.bus.SubscribePattern(context.Background(), cancelChannelPattern,
		func(channel, message string) { received <- message })
	require.NoError(t, err)

	blocker := make(chan struct{})
	handler := func(ctx context.Context, handle *Handle, input json.RawMessage) error {
		<-blocker
		return nil
	}
	defer close(blocker)

	id, err := env.runner.CreateTask(context.Background(), TaskTypeDemo, nil, handler, "")
	require.NoError(t, err)
	waitForStatus(t, env.store, id, TaskStatusRunning)

	ok, err := env.runner.CancelTask(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case msg := <-received:
		assert.Equal(t, id.String(), msg)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation was never published")
	}
}

func TestRunner_CancelPublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.bus.PublishFn = func(ctx context.Context, channel, message string) error {
		return errors.New("bus unavailable")
	}

	blocker := make(chan struct{})
	handler := func(ctx context.Context, handle *Handle, input json.RawMessage) error {
		<-blocker
		return nil
	}
	defer close(blocker)

	id, err := env.runner.CreateTask(context.Background(), TaskTypeDemo, nil, handler, "")
	require.NoError(t, err)
	waitForStatus(t, env.store, id, TaskStatusRunning)

	// The publish fails but the durable write still lands; the store sync
	// is the delivery fallback.
	ok, err := env.runner.CancelTask(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)
	waitForStatus(t, env.store, id, TaskStatusCancelled)
}

func TestRunner_CancelBeforeStart(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	// Simulate a cancellation that landed before the scheduler step ran.
	id := uuid.New()
	env.store.SeedTask(&Task{
		ID:        id,
		Type:      TaskTypeDemo,
		Status:    TaskStatusCancelled,
		RunnerID:  "pod-A",
		CreatedAt: time.Now().UTC(),
	})
	env.runner.cancels.markCancelled(id)

	executed := make(chan struct{})
	env.runner.wg.Add(1)
	go env.runner.execute(id, TaskTypeDemo, nil, func(ctx context.Context, handle *Handle, input json.RawMessage) error {
		close(executed)
		return nil
	})

	// The handler must never run and the status must stay cancelled.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-executed:
		t.Fatal("handler ran for a cancelled task")
	default:
	}

	cur, err := env.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCancelled, cur.Status)
}

func TestRunner_Timeout(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *RunnerConfig) {
		cfg.Timeouts = map[TaskType]time.Duration{TaskTypeDemo: 50 * time.Millisecond}
	})

	done := make(chan struct{})
	handler := func(ctx context.Context, handle *Handle, input json.RawMessage) error {
		<-done
		return nil
	}
	defer close(done)

	id, err := env.runner.CreateTask(context.Background(), TaskTypeDemo, nil, handler, "")
	require.NoError(t, err)

	final := waitForStatus(t, env.store, id, TaskStatusFailed)
	assert.Contains(t, final.Error, "timed out")
	assert.Contains(t, final.Error, "50ms")
}

func TestRunner_TimeoutDoesNotFireAfterCompletion(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *RunnerConfig) {
		cfg.Timeouts = map[TaskType]time.Duration{TaskTypeDemo: 60 * time.Millisecond}
	})

	handler := func(ctx context.Context, handle *Handle, input json.RawMessage) error {
		handle.Complete("fast")
		return nil
	}

	id, err := env.runner.CreateTask(context.Background(), TaskTypeDemo, nil, handler, "")
	require.NoError(t, err)
	waitForStatus(t, env.store, id, TaskStatusCompleted)

	// Wait out the timeout budget; the disarmed timer must not fire.
	time.Sleep(120 * time.Millisecond)
	final, err := env.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, final.Status)
	assert.Empty(t, final.Error)
}

func TestRunner_ProgressThrottlingBurst(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	handler := func(ctx context.Context, handle *Handle, input json.RawMessage) error {
		for i := 1; i <= 10; i++ {
			handle.SetProgress(i*5, "working")
		}
		handle.Complete("done")
		return nil
	}

	id, err := env.runner.CreateTask(context.Background(), TaskTypeDemo, nil, handler, "")
	require.NoError(t, err)
	waitForStatus(t, env.store, id, TaskStatusCompleted)

	// Ten rapid updates inside one throttle window: one durable write,
	// ten broadcasts.
	assert.Equal(t, 1, env.store.ProgressWriteCount(id))
	assert.Equal(t, 10, env.broadcaster.CountFor(id, EventProgress))
}

func TestRunner_ProgressHundredAlwaysPersists(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	handler := func(ctx context.Context, handle *Handle, input json.RawMessage) error {
		handle.SetProgress(10, "early")
		handle.SetProgress(100, "done")
		handle.Complete("done")
		return nil
	}

	id, err := env.runner.CreateTask(context.Background(), TaskTypeDemo, nil, handler, "")
	require.NoError(t, err)
	waitForStatus(t, env.store, id, TaskStatusCompleted)

	// The second write lands despite the throttle window because progress
	// reached 100.
	assert.Equal(t, 2, env.store.ProgressWriteCount(id))
}

func TestRunner_TransientEventsSkipTheLog(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	handler := func(ctx context.Context, handle *Handle, input json.RawMessage) error {
		handle.EmitTransient("token", map[string]string{"text": "hello"})
		handle.Emit("checkpoint", map[string]int{"step": 1})
		handle.Complete("done")
		return nil
	}

	id, err := env.runner.CreateTask(context.Background(), TaskTypeDemo, nil, handler, "")
	require.NoError(t, err)
	waitForStatus(t, env.store, id, TaskStatusCompleted)

	events, err := env.store.GetTaskEvents(context.Background(), id)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.NotContains(t, types, "token")
	assert.Contains(t, types, "checkpoint")

	assert.Equal(t, 1, env.broadcaster.CountFor(id, "token"))
	assert.Equal(t, 1, env.broadcaster.CountFor(id, "checkpoint"))
}

func TestRunner_GetTaskStateForClient_OmitsInput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	handler := func(ctx context.Context, handle *Handle, input json.RawMessage) error {
		handle.Complete("done")
		return nil
	}

	id, err := env.runner.CreateTask(context.Background(), TaskTypeDemo,
		map[string]string{"document": "a very large payload"}, handler, "user-1")
	require.NoError(t, err)
	waitForStatus(t, env.store, id, TaskStatusCompleted)

	full, err := env.runner.GetTaskState(context.Background(), id)
	require.NoError(t, err)
	assert.NotEmpty(t, full.Input)

	client, err := env.runner.GetTaskStateForClient(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, client.Input)
	assert.Equal(t, full.ID, client.ID)
	assert.Equal(t, full.Status, client.Status)
}

func TestRunner_GetUserTasks(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	handler := func(ctx context.Context, handle *Handle, input json.RawMessage) error {
		handle.Complete("done")
		return nil
	}

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		id, err := env.runner.CreateTask(context.Background(), TaskTypeDemo, i, handler, "user-7")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	otherID, err := env.runner.CreateTask(context.Background(), TaskTypeDemo, nil, handler, "user-8")
	require.NoError(t, err)

	for _, id := range append(ids, otherID) {
		waitForStatus(t, env.store, id, TaskStatusCompleted)
	}

	tasks, err := env.runner.GetUserTasks(context.Background(), "user-7", 10)
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
	for _, owned := range tasks {
		assert.Equal(t, "user-7", owned.OwnerUserID)
	}
}

func TestRunner_HeartbeatRefreshesWhileRunning(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	release := make(chan struct{})
	handler := func(ctx context.Context, handle *Handle, input json.RawMessage) error {
		<-release
		handle.Complete("done")
		return nil
	}

	id, err := env.runner.CreateTask(context.Background(), TaskTypeDemo, nil, handler, "")
	require.NoError(t, err)
	running := waitForStatus(t, env.store, id, TaskStatusRunning)
	require.NotNil(t, running.LastHeartbeat)
	first := *running.LastHeartbeat

	require.Eventually(t, func() bool {
		cur, err := env.store.GetTask(context.Background(), id)
		return err == nil && cur.LastHeartbeat != nil && cur.LastHeartbeat.After(first)
	}, 2*time.Second, 5*time.Millisecond, "heartbeat never advanced")

	close(release)
	waitForStatus(t, env.store, id, TaskStatusCompleted)
}
