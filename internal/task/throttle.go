package task

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// progressThrottle rate-limits durable progress writes per task. Every
// progress update is broadcast regardless; only the decision to hit the
// durable store goes through here. Progress at or above 100 always persists
// so completion progress is never lost to throttling.
//
// This is pure rate-limiting policy, not a queue: updates suppressed inside
// a throttle window are broadcast but never durably retained.
type progressThrottle struct {
	mu        sync.Mutex
	interval  time.Duration
	lastWrite map[uuid.UUID]time.Time
}

func newProgressThrottle(interval time.Duration) *progressThrottle {
	return &progressThrottle{
		interval:  interval,
		lastWrite: make(map[uuid.UUID]time.Time),
	}
}

// shouldPersist reports whether this update is worth a durable write, and
// records the write time when it is.
func (p *progressThrottle) shouldPersist(id uuid.UUID, progress int, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	last, seen := p.lastWrite[id]
	if progress < 100 && seen && now.Sub(last) < p.interval {
		return false
	}
	p.lastWrite[id] = now
	return true
}

// forget clears the tracking entry for a terminated task so the map does
// not grow without bound.
func (p *progressThrottle) forget(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.lastWrite, id)
}
