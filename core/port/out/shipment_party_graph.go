package out

import (
	"context"

	"shipment_worker/core/domain"
)

// =============================================================================
// Party Graph (Neo4j)
// =============================================================================

// PartyGraph mirrors shipment party relationships into the graph so the
// insight engine can ask relationship-shaped questions.
type PartyGraph interface {
	EnsureIndexes(ctx context.Context) error
	RecordShipmentParties(ctx context.Context, shipment *domain.Shipment) error
	PartyPairStats(ctx context.Context, shipperName, consigneeName string) (*domain.StakeholderStats, error)
}
