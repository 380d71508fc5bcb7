package task

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// BroadcastRecord is one event captured by MockBroadcaster.
type BroadcastRecord struct {
	TaskID    uuid.UUID
	EventType string
	Payload   json.RawMessage
}

// MockBroadcaster records broadcast events in memory for assertions.
type MockBroadcaster struct {
	mu      sync.Mutex
	records []BroadcastRecord
}

func NewMockBroadcaster() *MockBroadcaster {
	return &MockBroadcaster{}
}

func (b *MockBroadcaster) Broadcast(ctx context.Context, taskID uuid.UUID, eventType string, payload json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, BroadcastRecord{TaskID: taskID, EventType: eventType, Payload: payload})
	return nil
}

// CountFor returns how many events of the given type were broadcast for a
// task.
func (b *MockBroadcaster) CountFor(taskID uuid.UUID, eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, rec := range b.records {
		if rec.TaskID == taskID && rec.EventType == eventType {
			n++
		}
	}
	return n
}

// MockBus is an in-memory Bus that dispatches published messages
// synchronously to matching pattern subscriptions. Patterns support a
// single trailing "*" wildcard, which covers the runner's channel naming.
type MockBus struct {
	mu   sync.Mutex
	subs []*mockSubscription

	// PublishFn optionally overrides Publish, e.g. to simulate a bus
	// outage.
	PublishFn func(ctx context.Context, channel, message string) error
}

type mockSubscription struct {
	pattern   string
	onMessage func(channel, message string)
	closed    bool
}

func NewMockBus() *MockBus {
	return &MockBus{}
}

func (b *MockBus) Publish(ctx context.Context, channel, message string) error {
	if b.PublishFn != nil {
		return b.PublishFn(ctx, channel, message)
	}

	b.mu.Lock()
	subs := make([]*mockSubscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if !sub.closed && patternMatches(sub.pattern, channel) {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.onMessage(channel, message)
	}
	return nil
}

func (b *MockBus) SubscribePattern(ctx context.Context, pattern string, onMessage func(channel, message string)) (func() error, error) {
	sub := &mockSubscription{pattern: pattern, onMessage: onMessage}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() error {
		b.mu.Lock()
		sub.closed = true
		b.mu.Unlock()
		return nil
	}, nil
}

func patternMatches(pattern, channel string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(channel, prefix)
	}
	return pattern == channel
}
