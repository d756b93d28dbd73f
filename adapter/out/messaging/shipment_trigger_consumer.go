package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// TriggerHandler processes ingest messages from the trigger stream.
type TriggerHandler interface {
	Handle(ctx context.Context, data []byte) error
}

// TriggerConsumer consumes the email ingest stream through a consumer
// group, so a fleet of workers shares the stream without double delivery.
// Poll-based pickup remains the source of truth; the trigger only shortens
// the wait.
type TriggerConsumer struct {
	client   *redis.Client
	group    string
	consumer string
	stream   string
	handler  TriggerHandler
	log      zerolog.Logger

	// Pending 메시지 재처리 설정
	pendingCheckInterval time.Duration // Pending 메시지 체크 간격
	pendingIdleTime      time.Duration // 이 시간 이상 pending이면 재처리
	maxRetries           int           // 최대 재시도 횟수
}

// TriggerConsumerConfig holds trigger consumer configuration.
type TriggerConsumerConfig struct {
	Group    string
	Consumer string
	Stream   string
	Handler  TriggerHandler
	Logger   zerolog.Logger

	// Optional: pending reclaim settings
	PendingCheckInterval time.Duration
	PendingIdleTime      time.Duration
	MaxRetries           int
}

// NewTriggerConsumer creates a new TriggerConsumer.
func NewTriggerConsumer(client *redis.Client, cfg *TriggerConsumerConfig) *TriggerConsumer {
	pendingCheckInterval := cfg.PendingCheckInterval
	if pendingCheckInterval == 0 {
		pendingCheckInterval = 30 * time.Second
	}

	pendingIdleTime := cfg.PendingIdleTime
	if pendingIdleTime == 0 {
		pendingIdleTime = 2 * time.Minute
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	stream := cfg.Stream
	if stream == "" {
		stream = StreamEmailIngest
	}

	return &TriggerConsumer{
		client:               client,
		group:                cfg.Group,
		consumer:             cfg.Consumer,
		stream:               stream,
		handler:              cfg.Handler,
		log:                  cfg.Logger,
		pendingCheckInterval: pendingCheckInterval,
		pendingIdleTime:      pendingIdleTime,
		maxRetries:           maxRetries,
	}
}

// Run starts consuming messages.
func (c *TriggerConsumer) Run(ctx context.Context) error {
	c.log.Info().
		Str("group", c.group).
		Str("consumer", c.consumer).
		Str("stream", c.stream).
		Msg("starting trigger consumer")

	c.createConsumerGroup(ctx)

	// Pending 메시지 재처리 고루틴 시작
	go c.processPendingMessages(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := c.readMessages(ctx)
		if err != nil {
			if err == redis.Nil {
				continue // No messages
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error().Err(err).Msg("error reading from trigger stream")
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range result {
			for _, msg := range stream.Messages {
				if err := c.processMessage(ctx, msg); err != nil {
					c.log.Error().
						Err(err).
						Str("id", msg.ID).
						Msg("error processing trigger message")
					continue
				}

				if err := c.client.XAck(ctx, c.stream, c.group, msg.ID).Err(); err != nil {
					c.log.Error().
						Err(err).
						Str("id", msg.ID).
						Msg("error acknowledging trigger message")
				}
			}
		}
	}
}

// processPendingMessages periodically checks and reprocesses stuck pending messages.
func (c *TriggerConsumer) processPendingMessages(ctx context.Context) {
	ticker := time.NewTicker(c.pendingCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.claimAndProcessPending(ctx)
		}
	}
}

// claimAndProcessPending claims stuck pending messages and reprocesses them.
func (c *TriggerConsumer) claimAndProcessPending(ctx context.Context) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Error().Err(err).Msg("error getting pending trigger messages")
		}
		return
	}

	for _, p := range pending {
		// Skip if not idle long enough
		if p.Idle < c.pendingIdleTime {
			continue
		}

		// Check retry count - move to DLQ if exceeded
		if int(p.RetryCount) >= c.maxRetries {
			c.log.Warn().
				Str("id", p.ID).
				Int64("retries", p.RetryCount).
				Msg("trigger message exceeded max retries, moving to DLQ")

			if err := c.moveToDeadLetterQueue(ctx, p.ID); err != nil {
				c.log.Error().Err(err).Str("id", p.ID).Msg("error moving trigger message to DLQ")
			}

			// Acknowledge to remove from pending
			c.client.XAck(ctx, c.stream, c.group, p.ID)
			continue
		}

		claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   c.stream,
			Group:    c.group,
			Consumer: c.consumer,
			MinIdle:  c.pendingIdleTime,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			c.log.Error().Err(err).Str("id", p.ID).Msg("error claiming trigger message")
			continue
		}

		for _, msg := range claimed {
			if err := c.processMessage(ctx, msg); err != nil {
				c.log.Error().
					Err(err).
					Str("id", msg.ID).
					Msg("error reprocessing pending trigger message")
				continue
			}

			if err := c.client.XAck(ctx, c.stream, c.group, msg.ID).Err(); err != nil {
				c.log.Error().Err(err).Str("id", msg.ID).Msg("error acknowledging reprocessed trigger message")
			}
		}
	}
}

// createConsumerGroup creates a consumer group if it doesn't exist.
func (c *TriggerConsumer) createConsumerGroup(ctx context.Context) {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		c.log.Warn().Err(err).Str("stream", c.stream).Msg("error creating consumer group")
	}
}

// readMessages reads new messages using XREADGROUP.
func (c *TriggerConsumer) readMessages(ctx context.Context) ([]redis.XStream, error) {
	return c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    10,
		Block:    5 * time.Second,
	}).Result()
}

// processMessage processes a single message.
func (c *TriggerConsumer) processMessage(ctx context.Context, msg redis.XMessage) error {
	data, ok := msg.Values["data"]
	if !ok {
		return fmt.Errorf("invalid message format: missing data field")
	}

	dataStr, ok := data.(string)
	if !ok {
		return fmt.Errorf("invalid message format: data is not a string")
	}

	return c.handler.Handle(ctx, []byte(dataStr))
}

// moveToDeadLetterQueue moves a failed message to a Dead Letter Queue stream.
// DLQ stream name format: dlq:{original_stream_name}
func (c *TriggerConsumer) moveToDeadLetterQueue(ctx context.Context, msgID string) error {
	messages, err := c.client.XRange(ctx, c.stream, msgID, msgID).Result()
	if err != nil {
		return fmt.Errorf("failed to read message for DLQ: %w", err)
	}

	if len(messages) == 0 {
		return fmt.Errorf("message %s not found in stream %s", msgID, c.stream)
	}

	msg := messages[0]
	dlqStream := "dlq:" + c.stream

	dlqData := map[string]interface{}{
		"original_stream": c.stream,
		"original_id":     msgID,
		"failed_at":       time.Now().UTC().Format(time.RFC3339),
		"consumer":        c.consumer,
		"group":           c.group,
	}

	// Copy original data
	for k, v := range msg.Values {
		dlqData["original_"+k] = v
	}

	_, err = c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqStream,
		Values: dlqData,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to add message to DLQ: %w", err)
	}

	c.log.Info().
		Str("dlq_stream", dlqStream).
		Str("original_id", msgID).
		Msg("trigger message moved to DLQ")

	return nil
}
