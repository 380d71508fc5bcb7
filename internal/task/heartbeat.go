package task

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// heartbeatManager refreshes the liveness timestamp of every task this
// process is actively running, one timer goroutine per task id. A failed
// heartbeat write is logged and skipped: a missed beat is exactly the
// condition the zombie reaper detects, so store outages degrade into
// eventual reclamation rather than a hard fault.
type heartbeatManager struct {
	store    TaskStore
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	stops map[uuid.UUID]chan struct{}
	wg    sync.WaitGroup
}

func newHeartbeatManager(store TaskStore, interval time.Duration, logger *slog.Logger) *heartbeatManager {
	return &heartbeatManager{
		store:    store,
		interval: interval,
		logger:   logger.With("component", "heartbeat"),
		stops:    make(map[uuid.UUID]chan struct{}),
	}
}

// start begins heartbeating for the given task id. Starting an id that
// already has a heartbeat is a no-op, guarding against double-start from
// re-entrant scheduling.
func (m *heartbeatManager) start(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.stops[id]; ok {
		return
	}

	stop := make(chan struct{})
	m.stops[id] = stop

	m.wg.Add(1)
	go m.beat(id, stop)
}

func (m *heartbeatManager) beat(id uuid.UUID, stop chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.store.UpdateHeartbeat(context.Background(), id, time.Now().UTC()); err != nil {
				m.logger.Warn("heartbeat write failed",
					"task_id", id,
					"error", err)
			}
		}
	}
}

// stop cancels the heartbeat for the given task id and removes it from
// tracking. Stopping an unknown id is a no-op.
func (m *heartbeatManager) stop(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stop, ok := m.stops[id]; ok {
		close(stop)
		delete(m.stops, id)
	}
}

// stopAll cancels every active heartbeat and waits for the timer goroutines
// to exit. Used during runner shutdown.
func (m *heartbeatManager) stopAll() {
	m.mu.Lock()
	for id, stop := range m.stops {
		close(stop)
		delete(m.stops, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
