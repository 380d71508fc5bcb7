package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRunning(s *MockTaskStore) uuid.UUID {
	now := time.Now().UTC()
	id := uuid.New()
	s.SeedTask(&Task{
		ID:            id,
		Type:          TaskTypeDemo,
		Status:        TaskStatusRunning,
		RunnerID:      "pod-A",
		LastHeartbeat: &now,
		CreatedAt:     now,
		StartedAt:     &now,
	})
	return id
}

func TestHeartbeatManager_RefreshesTimestamp(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	id := seedRunning(store)
	before, err := store.GetTask(context.Background(), id)
	require.NoError(t, err)

	m := newHeartbeatManager(store, 10*time.Millisecond, testLogger())
	m.start(id)
	defer m.stopAll()

	require.Eventually(t, func() bool {
		cur, err := store.GetTask(context.Background(), id)
		return err == nil && cur.LastHeartbeat.After(*before.LastHeartbeat)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHeartbeatManager_StopHaltsRefreshes(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	id := seedRunning(store)

	var writes atomic.Int32
	store.UpdateHeartbeatFn = func(ctx context.Context, id uuid.UUID, now time.Time) error {
		writes.Add(1)
		return nil
	}

	m := newHeartbeatManager(store, 10*time.Millisecond, testLogger())
	m.start(id)
	require.Eventually(t, func() bool { return writes.Load() > 0 }, 2*time.Second, 5*time.Millisecond)

	m.stop(id)
	settled := writes.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, writes.Load(), settled+1, "refreshes must stop after stop")
}

func TestHeartbeatManager_DoubleStartIsNoOp(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	id := seedRunning(store)

	m := newHeartbeatManager(store, time.Hour, testLogger())
	m.start(id)
	m.start(id)
	defer m.stopAll()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.stops, 1, "re-entrant start must not add a second timer")
}

func TestHeartbeatManager_WriteFailuresAreTolerated(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	id := seedRunning(store)

	var attempts atomic.Int32
	store.UpdateHeartbeatFn = func(ctx context.Context, id uuid.UUID, now time.Time) error {
		attempts.Add(1)
		return errors.New("store unavailable")
	}

	m := newHeartbeatManager(store, 10*time.Millisecond, testLogger())
	m.start(id)
	defer m.stopAll()

	// Failed writes are logged and retried on the next tick; the zombie
	// reaper is the backstop for a truly dead store.
	require.Eventually(t, func() bool { return attempts.Load() >= 2 },
		2*time.Second, 5*time.Millisecond)
}

func TestHeartbeatManager_StopUnknownIDIsNoOp(t *testing.T) {
	t.Parallel()

	m := newHeartbeatManager(NewMockTaskStore(), time.Hour, testLogger())
	m.stop(uuid.New())
}
