package worker

import (
	"context"
	"fmt"
	"time"

	"shipment_worker/core/service/insight"
	"shipment_worker/pkg/logger"
)

// DefaultInsightHorizon is how long an unacknowledged active insight stays
// relevant before the expiry sweep dismisses it.
const DefaultInsightHorizon = 7 * 24 * time.Hour

// InsightProcessor processes insight housekeeping jobs.
type InsightProcessor struct {
	insights *insight.Service
}

// NewInsightProcessor creates a new insight processor.
func NewInsightProcessor(insights *insight.Service) *InsightProcessor {
	return &InsightProcessor{
		insights: insights,
	}
}

// ProcessExpire handles the stale insight sweep.
func (p *InsightProcessor) ProcessExpire(ctx context.Context, msg *Message) error {
	payload, err := ParsePayload[InsightExpirePayload](msg)
	if err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}

	if p.insights == nil {
		return fmt.Errorf("insight service not initialized")
	}

	horizon := time.Duration(payload.HorizonHours) * time.Hour
	if horizon <= 0 {
		horizon = DefaultInsightHorizon
	}

	expired, err := p.insights.ExpireStale(ctx, horizon)
	if err != nil {
		return fmt.Errorf("failed to expire stale insights: %w", err)
	}
	if expired > 0 {
		logger.Info("[InsightProcessor] expired %d stale insights", expired)
	}
	return nil
}
