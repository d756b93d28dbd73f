package out

import (
	"context"
	"time"

	"shipment_worker/core/domain"
)

// =============================================================================
// Insight Repository (PostgreSQL)
// =============================================================================

type InsightRepository interface {
	CreateBatch(ctx context.Context, insights []*domain.Insight) error
	ListActive(ctx context.Context, shipmentID int64) ([]*domain.Insight, error)
	UpdateStatus(ctx context.Context, insightID string, status domain.InsightStatus) error

	// Same-day dedup gate: the latest generation run for the shipment, or
	// nil when it has never been analyzed.
	GetLatestGeneration(ctx context.Context, shipmentID int64) (*domain.InsightGenerationLog, error)
	LogGeneration(ctx context.Context, log *domain.InsightGenerationLog) error

	// Housekeeping: expire actives older than the given horizon.
	ExpireActiveBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
