package out

import (
	"context"
	"time"

	"shipment_worker/core/domain"
)

// =============================================================================
// Shipment Repository (PostgreSQL)
// =============================================================================

// ShipmentRepository persists the root aggregate. Create surfaces unique
// booking collisions as conflicting-write errors so callers can re-read
// and treat the race as an update.
type ShipmentRepository interface {
	Create(ctx context.Context, shipment *domain.Shipment) error
	Update(ctx context.Context, shipment *domain.Shipment) error
	GetByID(ctx context.Context, id int64) (*domain.Shipment, error)

	// Lookup keys, in linking order. Absence is a normal outcome of the
	// lookup walk, so these return (nil, nil) when no shipment matches;
	// GetByID returns a not-found error instead.
	GetByBookingNumber(ctx context.Context, bookingNumber string) (*domain.Shipment, error)
	GetByMBLNumber(ctx context.Context, mblNumber string) (*domain.Shipment, error)
	GetByHBLNumber(ctx context.Context, hblNumber string) (*domain.Shipment, error)
	GetByContainerPrimary(ctx context.Context, containerNumber string) (*domain.Shipment, error)
	GetByContainerMember(ctx context.Context, containerNumber string) (*domain.Shipment, error)

	// Queries
	List(ctx context.Context, filter *domain.ShipmentFilter) ([]*domain.ShipmentListItem, error)
	CountActiveByParty(ctx context.Context, shipperName, consigneeName *string) (int, error)
	CountArrivalsBetween(ctx context.Context, from, to time.Time, excludeID int64) (int, error)

	// Revisions
	SaveRevision(ctx context.Context, revision *domain.ShipmentRevision) error
	ListRevisions(ctx context.Context, shipmentID int64) ([]*domain.ShipmentRevision, error)
	CountRevisionsSince(ctx context.Context, shipmentID int64, since time.Time) (int, error)
}
