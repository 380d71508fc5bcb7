package task

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// timeoutSupervisor arms one one-shot timer per running task, force-failing
// tasks that overrun their type-specific budget. A reference to an armed
// timer must never outlive the task's terminal state: every terminal
// transition cancels the timer before writing the new status, so a stale
// force-fail cannot fire after the task finished through a legitimate path.
type timeoutSupervisor struct {
	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
}

func newTimeoutSupervisor() *timeoutSupervisor {
	return &timeoutSupervisor{
		timers: make(map[uuid.UUID]*time.Timer),
	}
}

// start arms the timer for a task. onTimeout runs on the timer goroutine if
// the budget elapses before stop is called. Arming an id that already has a
// timer is a no-op.
func (s *timeoutSupervisor) start(id uuid.UUID, d time.Duration, onTimeout func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.timers[id]; ok {
		return
	}

	s.timers[id] = time.AfterFunc(d, func() {
		// Remove the entry before invoking the callback so the callback's
		// own terminal transition sees stop as a no-op.
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		onTimeout()
	})
}

// stop disarms the timer for a task. Idempotent: stopping an id with no
// armed timer is a no-op.
func (s *timeoutSupervisor) stop(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}
