package redis

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Bus implements task.Bus over Redis pub/sub. Delivery is at-most-once:
// messages published while a subscriber is disconnected are lost, which is
// why the cancellation propagator pairs it with a durable-store sync.
type Bus struct {
	client *redis.Client
	logger *slog.Logger
}

// NewBus creates a Bus on an existing Redis client. The caller owns the
// client's lifecycle.
func NewBus(client *redis.Client, logger *slog.Logger) *Bus {
	return &Bus{
		client: client,
		logger: logger.With("component", "redis_bus"),
	}
}

// Publish sends a message on the named channel.
func (b *Bus) Publish(ctx context.Context, channel, message string) error {
	return b.client.Publish(ctx, channel, message).Err()
}

// SubscribePattern subscribes to all channels matching the glob pattern and
// invokes onMessage for each delivery on a dedicated goroutine. The
// returned function closes the subscription and stops the goroutine.
func (b *Bus) SubscribePattern(ctx context.Context, pattern string, onMessage func(channel, message string)) (func() error, error) {
	sub := b.client.PSubscribe(ctx, pattern)

	// Confirm the subscription before returning so callers know the fast
	// path is live (or fall back to their durable path immediately).
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	go func() {
		for msg := range sub.Channel() {
			onMessage(msg.Channel, msg.Payload)
		}
		b.logger.Debug("pattern subscription closed", "pattern", pattern)
	}()

	return sub.Close, nil
}
