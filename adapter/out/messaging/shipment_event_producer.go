// Package messaging provides the Redis Streams / pub-sub adapters.
package messaging

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
)

// Stream names
const (
	// StreamPipelineEvents carries shipment lifecycle events for
	// downstream consumers (notifications, analytics).
	StreamPipelineEvents = "pipeline:events"

	// StreamEmailIngest carries email IDs pushed by the ingestion side so
	// workers pick them up without waiting for the next poll cycle.
	StreamEmailIngest = "email:ingest"
)

// eventStreamMaxLen caps the event stream; consumers that fall this far
// behind lose the oldest entries rather than growing Redis unbounded.
const eventStreamMaxLen = 10000

// RedisEventProducer implements out.EventProducer using Redis Streams.
type RedisEventProducer struct {
	client *redis.Client
}

// NewRedisEventProducer creates a new RedisEventProducer.
func NewRedisEventProducer(client *redis.Client) *RedisEventProducer {
	return &RedisEventProducer{client: client}
}

// Publish appends one event to the pipeline stream. Callers treat failures
// as log-and-continue; an unreachable Redis never blocks email processing.
func (p *RedisEventProducer) Publish(ctx context.Context, event *domain.PipelineEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamPipelineEvents,
		MaxLen: eventStreamMaxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", StreamPipelineEvents, err)
	}

	return nil
}

// Close is a no-op; the Redis client is owned by the bootstrap.
func (p *RedisEventProducer) Close() error {
	return nil
}

// Ensure RedisEventProducer implements out.EventProducer
var _ out.EventProducer = (*RedisEventProducer)(nil)
