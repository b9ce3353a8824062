package hitl

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DecisionEvent announces that a request left the pending state.
type DecisionEvent struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// Bus fans decision events out to every sequencer process so a waiter
// parked on another replica wakes up.
type Bus interface {
	Publish(ctx context.Context, ev DecisionEvent) error
	// Subscribe delivers events until ctx is cancelled.
	Subscribe(ctx context.Context) (<-chan DecisionEvent, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// RedisBus implements Bus with Redis pub/sub.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisBus creates a bus on the given Redis channel.
func NewRedisBus(client *redis.Client, channel string, logger *zap.Logger) *RedisBus {
	if channel == "" {
		channel = "sequencer:hitl:decisions"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{client: client, channel: channel, logger: logger}
}

// Publish sends ev to all subscribers.
func (b *RedisBus) Publish(ctx context.Context, ev DecisionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("hitl: marshal decision event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("hitl: publish decision: %w", err)
	}
	return nil
}

// Subscribe returns a channel of decoded events. The subscription is
// confirmed before returning so no event published afterwards is missed.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan DecisionEvent, error) {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("hitl: subscribe: %w", err)
	}

	out := make(chan DecisionEvent, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev DecisionEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("dropping malformed decision event", zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// HealthCheck pings Redis.
func (b *RedisBus) HealthCheck(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
