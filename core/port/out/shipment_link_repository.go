package out

import (
	"context"
	"time"

	"shipment_worker/core/domain"
)

// =============================================================================
// Shipment-Document Link Repository (PostgreSQL)
// =============================================================================

type LinkRepository interface {
	Create(ctx context.Context, link *domain.ShipmentDocumentLink) error
	GetByEmailAndShipment(ctx context.Context, emailID, shipmentID int64) (*domain.ShipmentDocumentLink, error)
	ListByEmail(ctx context.Context, emailID int64) ([]*domain.ShipmentDocumentLink, error)
	ListByShipment(ctx context.Context, shipmentID int64) ([]*domain.ShipmentDocumentLink, error)

	// Orphans: links whose shipment_id is NULL, parked under an extracted
	// booking number until that shipment materializes.
	ListOrphans(ctx context.Context, filter *domain.OrphanFilter) ([]*domain.ShipmentDocumentLink, error)

	// PromoteOrphan attaches the orphan to the shipment. The update guards
	// WHERE shipment_id IS NULL so a second promotion is a no-op; returns
	// true only when this call performed the attach.
	PromoteOrphan(ctx context.Context, linkID, shipmentID int64, promotedAt time.Time) (bool, error)

	Delete(ctx context.Context, linkID int64) error

	// Dedupe sweep: emails holding more than one link to the same shipment.
	ListEmailsWithMultipleLinks(ctx context.Context, shipmentID int64) ([]int64, error)
}
