package task

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Cancellation channel naming convention on the pub/sub bus.
const (
	cancelChannelPrefix  = "task:cancel:"
	cancelChannelPattern = cancelChannelPrefix + "*"
)

func cancelChannel(id uuid.UUID) string {
	return cancelChannelPrefix + id.String()
}

// cancellationPropagator maintains the process-local set of task ids known
// to be cancelled. Two independent sources feed it: a pattern subscription
// on the pub/sub bus (fast, sub-second, but not guaranteed delivery) and a
// periodic reconciliation against the durable store (slow but eventually
// convergent). The set is always a superset of reliably-known cancellations
// once either path has fired, so IsCancelled never yields a false negative
// for a task cancelled more than one sync interval ago.
type cancellationPropagator struct {
	store        TaskStore
	bus          Bus
	syncInterval time.Duration
	logger       *slog.Logger

	mu  sync.RWMutex
	ids map[uuid.UUID]struct{}

	stopCh      chan struct{}
	stopOnce    sync.Once
	unsubscribe func() error
	wg          sync.WaitGroup
}

func newCancellationPropagator(store TaskStore, bus Bus, syncInterval time.Duration, logger *slog.Logger) *cancellationPropagator {
	return &cancellationPropagator{
		store:        store,
		bus:          bus,
		syncInterval: syncInterval,
		logger:       logger.With("component", "cancellation"),
		ids:          make(map[uuid.UUID]struct{}),
		stopCh:       make(chan struct{}),
	}
}

// start subscribes to the cancellation channel pattern and begins the
// periodic store reconciliation. A bus subscription failure is logged, not
// fatal: the store sync alone still guarantees eventual convergence.
func (c *cancellationPropagator) start(ctx context.Context) {
	if c.bus != nil {
		unsubscribe, err := c.bus.SubscribePattern(ctx, cancelChannelPattern, c.onMessage)
		if err != nil {
			c.logger.Warn("cancellation subscription unavailable, relying on store sync",
				"pattern", cancelChannelPattern,
				"error", err)
		} else {
			c.unsubscribe = unsubscribe
		}
	}

	c.wg.Add(1)
	go c.syncLoop()
}

// onMessage handles one delivery on a task:cancel:<id> channel. The task id
// travels in the message payload, with the channel suffix as a fallback.
func (c *cancellationPropagator) onMessage(channel, message string) {
	raw := message
	if raw == "" {
		raw = strings.TrimPrefix(channel, cancelChannelPrefix)
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		c.logger.Warn("ignoring malformed cancellation message",
			"channel", channel,
			"message", message)
		return
	}

	c.markCancelled(id)
}

// syncLoop is the pull-path fallback: on every tick it unions the durable
// store's cancelled task ids into the local set, so a dropped pub/sub
// message costs at most one interval of cancellation latency.
func (c *cancellationPropagator) syncLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.syncFromStore(context.Background())
		}
	}
}

func (c *cancellationPropagator) syncFromStore(ctx context.Context) {
	cancelled, err := c.store.GetTasksByStatus(ctx, TaskStatusCancelled)
	if err != nil {
		c.logger.Warn("cancellation store sync failed", "error", err)
		return
	}

	c.mu.Lock()
	for _, t := range cancelled {
		c.ids[t.ID] = struct{}{}
	}
	c.mu.Unlock()
}

func (c *cancellationPropagator) markCancelled(id uuid.UUID) {
	c.mu.Lock()
	c.ids[id] = struct{}{}
	c.mu.Unlock()
}

// isCancelled is the non-blocking poll exposed to handlers through the
// Handle.
func (c *cancellationPropagator) isCancelled(id uuid.UUID) bool {
	c.mu.RLock()
	_, ok := c.ids[id]
	c.mu.RUnlock()
	return ok
}

// forget drops a terminated task's entry. The store sync re-adds ids of
// cancelled tasks, which is harmless; forget only bounds growth from tasks
// that terminated through other paths.
func (c *cancellationPropagator) forget(id uuid.UUID) {
	c.mu.Lock()
	delete(c.ids, id)
	c.mu.Unlock()
}

// stop closes the subscription and halts the sync loop.
func (c *cancellationPropagator) stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()

	if c.unsubscribe != nil {
		if err := c.unsubscribe(); err != nil {
			c.logger.Warn("failed to close cancellation subscription", "error", err)
		}
	}
}
