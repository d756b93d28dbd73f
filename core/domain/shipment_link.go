package domain

import (
	"time"
)

// LinkMethod records which lookup resolved an email to a shipment
type LinkMethod string

const (
	LinkMethodBooking          LinkMethod = "booking_number"
	LinkMethodMBL              LinkMethod = "mbl_number"
	LinkMethodHBL              LinkMethod = "hbl_number"
	LinkMethodContainerPrimary LinkMethod = "container_primary"
	LinkMethodContainerMember  LinkMethod = "container_membership"
	LinkMethodCreation         LinkMethod = "shipment_creation" // The confirmation that created the shipment
	LinkMethodBackfill         LinkMethod = "backfill"          // Orphan promoted or swept in after creation
)

// Confidence returns the default link confidence for the method, following
// the lookup order: stronger keys rank higher.
func (m LinkMethod) Confidence() float64 {
	switch m {
	case LinkMethodCreation:
		return 100
	case LinkMethodBooking:
		return 98
	case LinkMethodMBL:
		return 95
	case LinkMethodHBL:
		return 90
	case LinkMethodContainerPrimary:
		return 85
	case LinkMethodContainerMember:
		return 80
	case LinkMethodBackfill:
		return 75
	default:
		return 50
	}
}

// ShipmentDocumentLink bridges an email to a shipment. A nil ShipmentID is
// an orphan: the document arrived before its shipment and waits for backfill.
type ShipmentDocumentLink struct {
	ID             int64        `json:"id"`
	ShipmentID     *int64       `json:"shipment_id,omitempty"`
	EmailID        int64        `json:"email_id"`
	DocumentType   DocumentType `json:"document_type"`
	IsPrimary      bool         `json:"is_primary"` // The document that created or defines the shipment
	LinkMethod     LinkMethod   `json:"link_method"`
	LinkConfidence float64      `json:"link_confidence"`

	// Orphan bookkeeping
	BookingNumberExtracted *string    `json:"booking_number_extracted,omitempty"`
	PromotedAt             *time.Time `json:"promoted_at,omitempty"` // Set exactly once when the orphan resolves

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsOrphan reports whether the link still awaits a shipment.
func (l *ShipmentDocumentLink) IsOrphan() bool {
	return l.ShipmentID == nil
}

// OrphanFilter selects orphan links for the backfill sweep.
type OrphanFilter struct {
	BookingNumbers []string
	DocumentTypes  []DocumentType
	CreatedFrom    *time.Time
	Limit          int
}
