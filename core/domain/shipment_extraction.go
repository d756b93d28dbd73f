package domain

import (
	"strings"
	"time"
)

// EntityType is the closed set of extractable entities
type EntityType string

const (
	// === Identifiers ===
	EntityBookingNumber   EntityType = "booking_number"
	EntityMBLNumber       EntityType = "mbl_number"
	EntityHBLNumber       EntityType = "hbl_number"
	EntityContainerNumber EntityType = "container_number"

	// === Voyage ===
	EntityVesselName          EntityType = "vessel_name"
	EntityVoyageNumber        EntityType = "voyage_number"
	EntityPortOfLoading       EntityType = "port_of_loading"
	EntityPortOfLoadingCode   EntityType = "port_of_loading_code" // UN/LOCODE
	EntityPortOfDischarge     EntityType = "port_of_discharge"
	EntityPortOfDischargeCode EntityType = "port_of_discharge_code"
	EntityETD                 EntityType = "etd"
	EntityETA                 EntityType = "eta"

	// === Cutoffs ===
	EntitySICutoff    EntityType = "si_cutoff"
	EntityVGMCutoff   EntityType = "vgm_cutoff"
	EntityCargoCutoff EntityType = "cargo_cutoff"
	EntityGateCutoff  EntityType = "gate_cutoff"
	EntityDocCutoff   EntityType = "doc_cutoff"

	// === Parties ===
	EntityShipperName        EntityType = "shipper_name"
	EntityShipperAddress     EntityType = "shipper_address"
	EntityConsigneeName      EntityType = "consignee_name"
	EntityConsigneeAddress   EntityType = "consignee_address"
	EntityNotifyPartyName    EntityType = "notify_party_name"
	EntityNotifyPartyAddress EntityType = "notify_party_address"
)

// IsDateEntity reports whether values of this type normalize to ISO-8601.
func (t EntityType) IsDateEntity() bool {
	switch t {
	case EntityETD, EntityETA, EntitySICutoff, EntityVGMCutoff,
		EntityCargoCutoff, EntityGateCutoff, EntityDocCutoff:
		return true
	}
	return false
}

// IsPartyEntity reports whether the type belongs to the party block set.
func (t EntityType) IsPartyEntity() bool {
	switch t {
	case EntityShipperName, EntityShipperAddress,
		EntityConsigneeName, EntityConsigneeAddress,
		EntityNotifyPartyName, EntityNotifyPartyAddress:
		return true
	}
	return false
}

// ExtractionMethod records which sub-extractor produced a value
type ExtractionMethod string

const (
	ExtractionMethodSchema       ExtractionMethod = "schema"        // Carrier-aware field regex over full text
	ExtractionMethodRegexSubject ExtractionMethod = "regex_subject" // Subject-line fallback
	ExtractionMethodRegexBody    ExtractionMethod = "regex_body"    // Body keyword/key-value tables
	ExtractionMethodAI           ExtractionMethod = "ai"            // Deprecated, optional
)

// Per-method confidence floors on the 0-100 scale.
const (
	ConfidenceFloorSchema       = 85.0
	ConfidenceFloorRegexSubject = 75.0
	ConfidenceFloorRegexBody    = 75.0
)

// ExtractedEntity is one stored entity row. Entities are replaced
// atomically per (emailId, entityType) on re-processing.
type ExtractedEntity struct {
	ID           int64            `json:"id"`
	EmailID      int64            `json:"email_id"`
	AttachmentID *int64           `json:"attachment_id,omitempty"`
	EntityType   EntityType       `json:"entity_type"`
	Value        string           `json:"value"`
	Confidence   float64          `json:"confidence"` // 0-100
	Method       ExtractionMethod `json:"extraction_method"`
	SourceField  string           `json:"source_field"` // subject, body, attachment_text, or matched label
	CarrierCode  *string          `json:"carrier_code,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Party is an extracted shipper/consignee/notify block.
type Party struct {
	Name    string  `json:"name"`
	Address *string `json:"address,omitempty"`
}

// MatchesCompany reports whether the party name contains the given company
// name, case-insensitive. Used to skip the forwarder's own blocks.
func (p *Party) MatchesCompany(company string) bool {
	if p == nil || company == "" {
		return false
	}
	return strings.Contains(strings.ToLower(p.Name), strings.ToLower(company))
}

// ExtractedDocumentData is the structured extraction result for one email.
// Every field is optional; absent fields stay nil. Confidence and method
// are tracked per entity so storage can preserve provenance.
type ExtractedDocumentData struct {
	EmailID int64 `json:"email_id"`

	// Identifiers
	BookingNumber    *string  `json:"booking_number,omitempty"`
	MBLNumber        *string  `json:"mbl_number,omitempty"`
	HBLNumber        *string  `json:"hbl_number,omitempty"`
	ContainerNumbers []string `json:"container_numbers,omitempty"`

	// Voyage
	VesselName          *string    `json:"vessel_name,omitempty"`
	VoyageNumber        *string    `json:"voyage_number,omitempty"`
	PortOfLoading       *string    `json:"port_of_loading,omitempty"`
	PortOfLoadingCode   *string    `json:"port_of_loading_code,omitempty"`
	PortOfDischarge     *string    `json:"port_of_discharge,omitempty"`
	PortOfDischargeCode *string    `json:"port_of_discharge_code,omitempty"`
	ETD                 *time.Time `json:"etd,omitempty"`
	ETA                 *time.Time `json:"eta,omitempty"`

	// Cutoffs (time-of-day preserved when the source had one)
	SICutoff    *time.Time `json:"si_cutoff,omitempty"`
	VGMCutoff   *time.Time `json:"vgm_cutoff,omitempty"`
	CargoCutoff *time.Time `json:"cargo_cutoff,omitempty"`
	GateCutoff  *time.Time `json:"gate_cutoff,omitempty"`
	DocCutoff   *time.Time `json:"doc_cutoff,omitempty"`

	// Parties (populated only for si_draft / hbl_draft / hbl)
	Shipper     *Party `json:"shipper,omitempty"`
	Consignee   *Party `json:"consignee,omitempty"`
	NotifyParty *Party `json:"notify_party,omitempty"`

	// Provenance
	CarrierCode *string                         `json:"carrier_code,omitempty"`
	Confidences map[EntityType]float64          `json:"confidences,omitempty"`
	Methods     map[EntityType]ExtractionMethod `json:"methods,omitempty"`
	Sources     map[EntityType]string           `json:"sources,omitempty"` // Matched label or input field
}

// NewExtractedDocumentData returns an empty result with provenance maps
// ready for per-field recording.
func NewExtractedDocumentData(emailID int64) *ExtractedDocumentData {
	return &ExtractedDocumentData{
		EmailID:     emailID,
		Confidences: make(map[EntityType]float64),
		Methods:     make(map[EntityType]ExtractionMethod),
		Sources:     make(map[EntityType]string),
	}
}

// Record stores per-field provenance.
func (d *ExtractedDocumentData) Record(t EntityType, confidence float64, method ExtractionMethod) {
	if d.Confidences == nil {
		d.Confidences = make(map[EntityType]float64)
	}
	if d.Methods == nil {
		d.Methods = make(map[EntityType]ExtractionMethod)
	}
	d.Confidences[t] = confidence
	d.Methods[t] = method
}

// RecordSource notes the matched label or input field for an entity.
func (d *ExtractedDocumentData) RecordSource(t EntityType, source string) {
	if d.Sources == nil {
		d.Sources = make(map[EntityType]string)
	}
	d.Sources[t] = source
}

// Has reports whether a field of the given type was extracted.
func (d *ExtractedDocumentData) Has(t EntityType) bool {
	_, ok := d.Methods[t]
	return ok
}

// IsEmpty reports whether nothing was extracted.
func (d *ExtractedDocumentData) IsEmpty() bool {
	return len(d.Methods) == 0 && len(d.ContainerNumbers) == 0
}

// FieldCount returns the number of extracted fields, containers counted once.
func (d *ExtractedDocumentData) FieldCount() int {
	n := len(d.Methods)
	if len(d.ContainerNumbers) > 0 && !d.Has(EntityContainerNumber) {
		n++
	}
	return n
}

// HasIdentifiers reports whether any linkable identifier was extracted.
func (d *ExtractedDocumentData) HasIdentifiers() bool {
	return d.BookingNumber != nil || d.MBLNumber != nil || d.HBLNumber != nil ||
		len(d.ContainerNumbers) > 0
}

// Entities flattens the result into storable rows for the
// replace-by-(email, type) contract. Dates are stored in RFC 3339.
func (d *ExtractedDocumentData) Entities() []*ExtractedEntity {
	var out []*ExtractedEntity

	addStr := func(t EntityType, v *string) {
		if v == nil || *v == "" {
			return
		}
		out = append(out, d.entityRow(t, *v))
	}
	addTime := func(t EntityType, v *time.Time) {
		if v == nil {
			return
		}
		out = append(out, d.entityRow(t, v.Format(time.RFC3339)))
	}

	addStr(EntityBookingNumber, d.BookingNumber)
	addStr(EntityMBLNumber, d.MBLNumber)
	addStr(EntityHBLNumber, d.HBLNumber)
	for _, c := range d.ContainerNumbers {
		out = append(out, d.entityRow(EntityContainerNumber, c))
	}
	addStr(EntityVesselName, d.VesselName)
	addStr(EntityVoyageNumber, d.VoyageNumber)
	addStr(EntityPortOfLoading, d.PortOfLoading)
	addStr(EntityPortOfLoadingCode, d.PortOfLoadingCode)
	addStr(EntityPortOfDischarge, d.PortOfDischarge)
	addStr(EntityPortOfDischargeCode, d.PortOfDischargeCode)
	addTime(EntityETD, d.ETD)
	addTime(EntityETA, d.ETA)
	addTime(EntitySICutoff, d.SICutoff)
	addTime(EntityVGMCutoff, d.VGMCutoff)
	addTime(EntityCargoCutoff, d.CargoCutoff)
	addTime(EntityGateCutoff, d.GateCutoff)
	addTime(EntityDocCutoff, d.DocCutoff)

	addParty := func(nameType, addrType EntityType, p *Party) {
		if p == nil || p.Name == "" {
			return
		}
		out = append(out, d.entityRow(nameType, p.Name))
		if p.Address != nil && *p.Address != "" {
			out = append(out, d.entityRow(addrType, *p.Address))
		}
	}
	addParty(EntityShipperName, EntityShipperAddress, d.Shipper)
	addParty(EntityConsigneeName, EntityConsigneeAddress, d.Consignee)
	addParty(EntityNotifyPartyName, EntityNotifyPartyAddress, d.NotifyParty)

	return out
}

func (d *ExtractedDocumentData) entityRow(t EntityType, value string) *ExtractedEntity {
	row := &ExtractedEntity{
		EmailID:     d.EmailID,
		EntityType:  t,
		Value:       value,
		Confidence:  d.Confidences[t],
		Method:      d.Methods[t],
		SourceField: d.Sources[t],
		CarrierCode: d.CarrierCode,
	}
	if row.Method == "" {
		row.Method = ExtractionMethodRegexBody
		row.Confidence = ConfidenceFloorRegexBody
	}
	if row.SourceField == "" {
		switch row.Method {
		case ExtractionMethodRegexSubject:
			row.SourceField = "subject"
		case ExtractionMethodSchema:
			row.SourceField = "text"
		default:
			row.SourceField = "body"
		}
	}
	return row
}
