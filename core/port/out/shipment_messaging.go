package out

import (
	"context"

	"shipment_worker/core/domain"
)

// =============================================================================
// Messaging (Redis Streams / PubSub)
// =============================================================================

// EventProducer emits pipeline lifecycle events for downstream consumers
// (notifications, analytics). Emission failures are logged, never fatal.
type EventProducer interface {
	Publish(ctx context.Context, event *domain.PipelineEvent) error
	Close() error
}

// InvalidationBus fans config invalidations out to every worker process so
// cached rule snapshots refresh before their TTL.
type InvalidationBus interface {
	PublishInvalidation(ctx context.Context, scope string) error
	// Subscribe delivers scopes until ctx is cancelled.
	Subscribe(ctx context.Context, handler func(scope string)) error
	Close() error
}
