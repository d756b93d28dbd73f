package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"shipment_worker/core/port/out"
)

// ChannelConfigInvalidation is the pub/sub channel carrying config cache
// invalidation scopes.
const ChannelConfigInvalidation = "config:invalidate"

// RedisInvalidationBus implements out.InvalidationBus using Redis pub/sub.
// Admin writers publish a scope after changing a rule table; every worker
// process drops the matching cached snapshot ahead of its TTL.
type RedisInvalidationBus struct {
	client *redis.Client

	mu  sync.Mutex
	sub *redis.PubSub
}

// NewRedisInvalidationBus creates a new RedisInvalidationBus.
func NewRedisInvalidationBus(client *redis.Client) *RedisInvalidationBus {
	return &RedisInvalidationBus{client: client}
}

// PublishInvalidation broadcasts one invalidation scope.
func (b *RedisInvalidationBus) PublishInvalidation(ctx context.Context, scope string) error {
	if err := b.client.Publish(ctx, ChannelConfigInvalidation, scope).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

// Subscribe delivers scopes to the handler until ctx is cancelled. Pub/sub
// is at-most-once; the cache TTL remains the fallback for missed messages.
func (b *RedisInvalidationBus) Subscribe(ctx context.Context, handler func(scope string)) error {
	sub := b.client.Subscribe(ctx, ChannelConfigInvalidation)

	// Fail fast when Redis is unreachable rather than looping on a dead
	// subscription.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", ChannelConfigInvalidation, err)
	}

	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handler(msg.Payload)
		}
	}
}

// Close tears down the active subscription.
func (b *RedisInvalidationBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sub != nil {
		err := b.sub.Close()
		b.sub = nil
		return err
	}
	return nil
}

// Ensure RedisInvalidationBus implements out.InvalidationBus
var _ out.InvalidationBus = (*RedisInvalidationBus)(nil)
