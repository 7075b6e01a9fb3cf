package livestate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Backend is the ephemeral-store surface the manager writes through:
// TTL-bound state records plus a publish channel per session.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error) // (nil, nil) when the key is absent
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Publish(ctx context.Context, channel string, payload []byte) error
}

// ChannelSubscriber opens a subscription on a session's event channel.
// The returned cancel stops the subscription.
type ChannelSubscriber interface {
	Subscribe(channel string, handler func(payload []byte)) (cancel func(), err error)
}

// RedisBackend implements Backend and ChannelSubscriber on a Redis client.
type RedisBackend struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBackend creates the Redis ephemeral-state backend.
func NewRedisBackend(client *redis.Client, logger *zap.Logger) *RedisBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBackend{client: client, logger: logger}
}

// Get returns the value at key, or (nil, nil) when absent.
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return val, nil
}

// SetEx stores value at key with the given TTL.
func (b *RedisBackend) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

// Publish sends payload on a channel.
func (b *RedisBackend) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a Redis subscription on channel and invokes handler per
// message until cancel is called.
func (b *RedisBackend) Subscribe(channel string, handler func(payload []byte)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
	return cancelCtx, nil
}
