package domain

import (
	"time"
)

// ShipmentStatus is the coarse lifecycle status, distinct from the
// fine-grained workflow state
type ShipmentStatus string

const (
	ShipmentStatusBooked    ShipmentStatus = "booked"
	ShipmentStatusInTransit ShipmentStatus = "in_transit"
	ShipmentStatusArrived   ShipmentStatus = "arrived"
	ShipmentStatusDelivered ShipmentStatus = "delivered"
	ShipmentStatusCancelled ShipmentStatus = "cancelled"
)

// IsTerminal reports whether no further status changes are expected.
func (s ShipmentStatus) IsTerminal() bool {
	return s == ShipmentStatusDelivered || s == ShipmentStatusCancelled
}

// Shipment is the root aggregate, keyed by the carrier booking number.
// It owns its container list, cutoffs, party snapshots, and workflow state.
type Shipment struct {
	ID            int64  `json:"id"`
	BookingNumber string `json:"booking_number"` // Unique natural key

	// Carrier
	CarrierCode      *string `json:"carrier_code,omitempty"`
	CarrierReference *string `json:"carrier_reference,omitempty"`

	// Bills of lading
	MBLNumber *string `json:"mbl_number,omitempty"`
	HBLNumber *string `json:"hbl_number,omitempty"`

	// Voyage
	VesselName          *string    `json:"vessel_name,omitempty"`
	VoyageNumber        *string    `json:"voyage_number,omitempty"`
	PortOfLoading       *string    `json:"port_of_loading,omitempty"`
	PortOfLoadingCode   *string    `json:"port_of_loading_code,omitempty"` // UN/LOCODE
	PortOfDischarge     *string    `json:"port_of_discharge,omitempty"`
	PortOfDischargeCode *string    `json:"port_of_discharge_code,omitempty"`
	ETD                 *time.Time `json:"etd,omitempty"`
	ETA                 *time.Time `json:"eta,omitempty"`

	// Cutoffs
	SICutoff    *time.Time `json:"si_cutoff,omitempty"`
	VGMCutoff   *time.Time `json:"vgm_cutoff,omitempty"`
	CargoCutoff *time.Time `json:"cargo_cutoff,omitempty"`
	GateCutoff  *time.Time `json:"gate_cutoff,omitempty"`
	DocCutoff   *time.Time `json:"doc_cutoff,omitempty"`

	// Party snapshots (overwritten only from SI drafts and HBLs)
	ShipperName        *string `json:"shipper_name,omitempty"`
	ShipperAddress     *string `json:"shipper_address,omitempty"`
	ConsigneeName      *string `json:"consignee_name,omitempty"`
	ConsigneeAddress   *string `json:"consignee_address,omitempty"`
	NotifyPartyName    *string `json:"notify_party_name,omitempty"`
	NotifyPartyAddress *string `json:"notify_party_address,omitempty"`

	// Containers (ordered set, first seen becomes primary)
	ContainerNumberPrimary *string  `json:"container_number_primary,omitempty"`
	ContainerNumbers       []string `json:"container_numbers,omitempty"`

	// Workflow
	WorkflowState string         `json:"workflow_state"`
	WorkflowPhase WorkflowPhase  `json:"workflow_phase"`
	Status        ShipmentStatus `json:"status"`

	// Provenance
	IsDirectCarrierConfirmed bool   `json:"is_direct_carrier_confirmed"`
	CreatedFromEmailID       *int64 `json:"created_from_email_id,omitempty"`
	BookingRevisionCount     int    `json:"booking_revision_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasContainer reports membership in the container set, separator-insensitive.
func (s *Shipment) HasContainer(containerNumber string) bool {
	want := NormalizeIdentifier(containerNumber)
	for _, c := range s.ContainerNumbers {
		if NormalizeIdentifier(c) == want {
			return true
		}
	}
	return false
}

// AddContainer appends to the ordered container set, deduplicating and
// promoting the first container to primary.
func (s *Shipment) AddContainer(containerNumber string) bool {
	containerNumber = NormalizeWhitespace(containerNumber)
	if containerNumber == "" || s.HasContainer(containerNumber) {
		return false
	}
	s.ContainerNumbers = append(s.ContainerNumbers, containerNumber)
	if s.ContainerNumberPrimary == nil || *s.ContainerNumberPrimary == "" {
		s.ContainerNumberPrimary = &containerNumber
	}
	return true
}

// FieldChange is one entry of a revision delta.
type FieldChange struct {
	Field string  `json:"field"`
	Old   *string `json:"old"`
	New   *string `json:"new"`
}

// ShipmentRevision records an amendment applied to a shipment, with the
// field-level old/new values retained for audit.
type ShipmentRevision struct {
	ID             int64         `json:"id"`
	ShipmentID     int64         `json:"shipment_id"`
	EmailID        *int64        `json:"email_id,omitempty"`
	RevisionNumber int           `json:"revision_number"`
	Changes        []FieldChange `json:"changes"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ShipmentListItem is a lightweight DTO for related-shipment queries and
// batch reporting.
type ShipmentListItem struct {
	ID                  int64          `json:"id"`
	BookingNumber       string         `json:"booking_number"`
	CarrierCode         *string        `json:"carrier_code,omitempty"`
	VesselName          *string        `json:"vessel_name,omitempty"`
	PortOfLoadingCode   *string        `json:"port_of_loading_code,omitempty"`
	PortOfDischargeCode *string        `json:"port_of_discharge_code,omitempty"`
	ETD                 *time.Time     `json:"etd,omitempty"`
	ETA                 *time.Time     `json:"eta,omitempty"`
	WorkflowState       string         `json:"workflow_state"`
	Status              ShipmentStatus `json:"status"`
	CreatedAt           time.Time      `json:"created_at"`
}

// ToListItem converts Shipment to its lightweight list form.
func (s *Shipment) ToListItem() *ShipmentListItem {
	return &ShipmentListItem{
		ID:                  s.ID,
		BookingNumber:       s.BookingNumber,
		CarrierCode:         s.CarrierCode,
		VesselName:          s.VesselName,
		PortOfLoadingCode:   s.PortOfLoadingCode,
		PortOfDischargeCode: s.PortOfDischargeCode,
		ETD:                 s.ETD,
		ETA:                 s.ETA,
		WorkflowState:       s.WorkflowState,
		Status:              s.Status,
		CreatedAt:           s.CreatedAt,
	}
}

// ShipmentFilter selects shipments for list queries and insight context.
type ShipmentFilter struct {
	Statuses       []ShipmentStatus
	WorkflowStates []string
	CarrierCode    *string
	ShipperName    *string
	ConsigneeName  *string
	ActiveOnly     bool // Excludes terminal statuses
	ETAFrom        *time.Time
	ETATo          *time.Time
	Limit          int
	Offset         int
}
