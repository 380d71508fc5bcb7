package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// eventChannelPrefix names the per-task rooms real-time subscribers listen
// on.
const eventChannelPrefix = "task:events:"

// EventChannel returns the fan-out channel name for a task's room.
func EventChannel(taskID uuid.UUID) string {
	return eventChannelPrefix + taskID.String()
}

// Broadcaster implements task.Broadcaster by publishing JSON event
// envelopes to a per-task Redis channel.
type Broadcaster struct {
	client *redis.Client
}

// NewBroadcaster creates a Broadcaster on an existing Redis client.
func NewBroadcaster(client *redis.Client) *Broadcaster {
	return &Broadcaster{client: client}
}

// eventEnvelope is the wire format pushed to subscribers of a task's room.
type eventEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Broadcast publishes one event to the task's room. A publish with no
// subscribers succeeds; late subscribers replay from the event log instead.
func (b *Broadcaster) Broadcast(ctx context.Context, taskID uuid.UUID, eventType string, payload json.RawMessage) error {
	data, err := json.Marshal(eventEnvelope{Type: eventType, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal event envelope: %w", err)
	}
	return b.client.Publish(ctx, EventChannel(taskID), data).Err()
}
