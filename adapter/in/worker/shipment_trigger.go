package worker

import (
	"context"
	"fmt"

	"shipment_worker/adapter/out/messaging"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// =============================================================================
// StreamTrigger - ingest 스트림 트리거
// =============================================================================
//
// Optional fast path: the ingestion side pushes email IDs onto a stream and
// workers pick them up without waiting for the next poll. The poll sweep
// stays the source of truth; losing the trigger only adds latency.

// ingestEvent is the payload the mail source pushes onto the ingest stream.
type ingestEvent struct {
	EmailID  int64   `json:"email_id,omitempty"`
	EmailIDs []int64 `json:"email_ids,omitempty"`
}

type StreamTrigger struct {
	consumer *messaging.TriggerConsumer
	pool     *Pool
	log      zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewStreamTrigger creates a new stream trigger consuming the ingest stream
// through the given consumer group.
func NewStreamTrigger(client *redis.Client, group, consumerName string, pool *Pool, log zerolog.Logger) *StreamTrigger {
	ctx, cancel := context.WithCancel(context.Background())
	t := &StreamTrigger{
		pool:   pool,
		log:    log.With().Str("component", "stream_trigger").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	t.consumer = messaging.NewTriggerConsumer(client, &messaging.TriggerConsumerConfig{
		Group:    group,
		Consumer: consumerName,
		Stream:   messaging.StreamEmailIngest,
		Handler:  t,
		Logger:   t.log,
	})
	return t
}

// Start begins consuming the ingest stream.
func (t *StreamTrigger) Start() {
	go func() {
		if err := t.consumer.Run(t.ctx); err != nil && t.ctx.Err() == nil {
			t.log.Error().Err(err).Msg("trigger consumer stopped")
		}
	}()
}

// Stop stops the trigger.
func (t *StreamTrigger) Stop() {
	t.cancel()
}

// Handle enqueues the ingested email(s). A rejected submit returns an
// error so the entry stays pending and the reclaim loop redelivers it once
// the pool drains.
func (t *StreamTrigger) Handle(ctx context.Context, data []byte) error {
	var evt ingestEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return fmt.Errorf("malformed ingest event: %w", err)
	}

	switch {
	case len(evt.EmailIDs) > 0:
		// Multi-email ingests run as one sequential batch job, keeping
		// arrival order within the batch.
		msg := NewMessage(JobEmailBatch, map[string]any{"email_ids": evt.EmailIDs})
		if !t.pool.Submit(msg) {
			return fmt.Errorf("worker pool rejected batch of %d emails", len(evt.EmailIDs))
		}
	case evt.EmailID > 0:
		msg := NewPriorityMessage(JobEmailProcess, map[string]any{"email_id": evt.EmailID}, PriorityHigh)
		if !t.pool.SubmitPriority(msg) {
			return fmt.Errorf("worker pool rejected email %d", evt.EmailID)
		}
	default:
		t.log.Warn().Str("data", string(data)).Msg("ingest event carries no email ids, skipping")
	}

	return nil
}

var _ messaging.TriggerHandler = (*StreamTrigger)(nil)
