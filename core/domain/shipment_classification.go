package domain

import (
	"strings"
	"time"
)

// DocumentType is the single best document classification for an email
type DocumentType string

const (
	// === Booking Lifecycle ===
	DocTypeBookingConfirmation DocumentType = "booking_confirmation" // Carrier confirms space + equipment
	DocTypeBookingAmendment    DocumentType = "booking_amendment"    // Change to an existing booking
	DocTypeBookingCancellation DocumentType = "booking_cancellation" // Booking cancelled by either side

	// === Shipping Instructions ===
	DocTypeShippingInstruction DocumentType = "shipping_instruction" // SI document itself
	DocTypeSIDraft             DocumentType = "si_draft"             // Draft SI circulated for review
	DocTypeSISubmission        DocumentType = "si_submission"        // SI submitted to carrier
	DocTypeSIConfirmation      DocumentType = "si_confirmation"      // Carrier acknowledges SI

	// === VGM ===
	DocTypeVGMSubmission   DocumentType = "vgm_submission"   // VGM filed
	DocTypeVGMConfirmation DocumentType = "vgm_confirmation" // Carrier acknowledges VGM

	// === Bills of Lading ===
	DocTypeBillOfLading DocumentType = "bill_of_lading" // Master BL issued
	DocTypeBLDraft      DocumentType = "bl_draft"       // Draft MBL for check
	DocTypeHBL          DocumentType = "hbl"            // House BL issued
	DocTypeHBLDraft     DocumentType = "hbl_draft"      // Draft HBL for check

	// === Arrival & Customs ===
	DocTypeArrivalNotice DocumentType = "arrival_notice"
	DocTypeDeliveryOrder DocumentType = "delivery_order"
	DocTypeCustomsEntry  DocumentType = "customs_entry"
	DocTypeEntrySummary  DocumentType = "entry_summary" // US CBP 7501
	DocTypeDutyInvoice   DocumentType = "duty_invoice"

	// === Commercial & Exceptions ===
	DocTypeInvoice         DocumentType = "invoice"
	DocTypeExceptionNotice DocumentType = "exception_notice" // Rollover, delay, hold
	DocTypePOD             DocumentType = "pod"              // Proof of delivery

	// === Fallback ===
	DocTypeGeneralCorrespondence DocumentType = "general_correspondence"
	DocTypeUnknown               DocumentType = "unknown"
)

// IsWorkflowSignificant reports whether the type can advance a shipment's
// workflow. Correspondence and unknown never do.
func (d DocumentType) IsWorkflowSignificant() bool {
	switch d {
	case DocTypeGeneralCorrespondence, DocTypeUnknown, "":
		return false
	}
	return true
}

// CanCreateShipment reports whether the type is allowed to materialize a
// new shipment. Only carrier booking confirmations do.
func (d DocumentType) CanCreateShipment() bool {
	return d == DocTypeBookingConfirmation
}

// UpdatesParties reports whether shipper/consignee/notify fields may be
// overwritten from a document of this type.
func (d DocumentType) UpdatesParties() bool {
	switch d {
	case DocTypeSIDraft, DocTypeHBLDraft, DocTypeHBL:
		return true
	}
	return false
}

// Valid reports membership in the closed documentType set.
func (d DocumentType) Valid() bool {
	_, ok := documentTypeSet[d]
	return ok
}

var documentTypeSet = map[DocumentType]struct{}{
	DocTypeBookingConfirmation: {}, DocTypeBookingAmendment: {}, DocTypeBookingCancellation: {},
	DocTypeShippingInstruction: {}, DocTypeSIDraft: {}, DocTypeSISubmission: {}, DocTypeSIConfirmation: {},
	DocTypeVGMSubmission: {}, DocTypeVGMConfirmation: {},
	DocTypeBillOfLading: {}, DocTypeBLDraft: {}, DocTypeHBL: {}, DocTypeHBLDraft: {},
	DocTypeArrivalNotice: {}, DocTypeDeliveryOrder: {}, DocTypeCustomsEntry: {},
	DocTypeEntrySummary: {}, DocTypeDutyInvoice: {},
	DocTypeInvoice: {}, DocTypeExceptionNotice: {}, DocTypePOD: {},
	DocTypeGeneralCorrespondence: {}, DocTypeUnknown: {},
}

// documentTypeAliases maps legacy store values onto the closed set.
var documentTypeAliases = map[string]DocumentType{
	"booking":               DocTypeBookingConfirmation,
	"booking_confirmed":     DocTypeBookingConfirmation,
	"amendment":             DocTypeBookingAmendment,
	"cancellation":          DocTypeBookingCancellation,
	"si":                    DocTypeShippingInstruction,
	"bl":                    DocTypeBillOfLading,
	"mbl":                   DocTypeBillOfLading,
	"master_bl":             DocTypeBillOfLading,
	"house_bl":              DocTypeHBL,
	"proof_of_delivery":     DocTypePOD,
	"customs_entry_summary": DocTypeEntrySummary,
	"correspondence":        DocTypeGeneralCorrespondence,
	"other":                 DocTypeGeneralCorrespondence,
}

// ParseDocumentType maps a stored string to the enum, tolerating legacy
// values. Unrecognized input parses as unknown.
func ParseDocumentType(s string) DocumentType {
	d := DocumentType(strings.ToLower(strings.TrimSpace(s)))
	if d.Valid() {
		return d
	}
	if alias, ok := documentTypeAliases[string(d)]; ok {
		return alias
	}
	return DocTypeUnknown
}

// EmailType is the communicative intent of an email, classified in parallel
// with the documentType and independent of it
type EmailType string

const (
	EmailTypeConfirmation   EmailType = "confirmation"
	EmailTypeAmendment      EmailType = "amendment"
	EmailTypeCancellation   EmailType = "cancellation"
	EmailTypeRequest        EmailType = "request"
	EmailTypeSubmission     EmailType = "submission"
	EmailTypeCorrespondence EmailType = "correspondence"
	EmailTypeNotification   EmailType = "notification"
	EmailTypeException      EmailType = "exception"
	EmailTypeInstruction    EmailType = "instruction"
	EmailTypeDraftReview    EmailType = "draft_review"
)

var emailTypeSet = map[EmailType]struct{}{
	EmailTypeConfirmation: {}, EmailTypeAmendment: {}, EmailTypeCancellation: {},
	EmailTypeRequest: {}, EmailTypeSubmission: {}, EmailTypeCorrespondence: {},
	EmailTypeNotification: {}, EmailTypeException: {}, EmailTypeInstruction: {},
	EmailTypeDraftReview: {},
}

// Valid reports membership in the closed emailType set.
func (t EmailType) Valid() bool {
	_, ok := emailTypeSet[t]
	return ok
}

// ParseEmailType maps a stored string to the enum; unrecognized input
// parses as correspondence.
func ParseEmailType(s string) EmailType {
	t := EmailType(strings.ToLower(strings.TrimSpace(s)))
	if t.Valid() {
		return t
	}
	return EmailTypeCorrespondence
}

// ClassificationMethod records which cascade rule produced the result
type ClassificationMethod string

const (
	ClassificationMethodKeyword    ClassificationMethod = "keyword"
	ClassificationMethodPattern    ClassificationMethod = "pattern"
	ClassificationMethodFilename   ClassificationMethod = "attachment_filename"
	ClassificationMethodBodyText   ClassificationMethod = "body_text"
	ClassificationMethodSubject    ClassificationMethod = "subject"
	ClassificationMethodAIFallback ClassificationMethod = "ai_fallback"
)

// SenderCategory buckets the effective sender by domain
type SenderCategory string

const (
	SenderCarrier  SenderCategory = "carrier"
	SenderBroker   SenderCategory = "broker"
	SenderCustoms  SenderCategory = "customs"
	SenderCustomer SenderCategory = "customer"
	SenderInternal SenderCategory = "internal"
	SenderUnknown  SenderCategory = "unknown"
)

// Confidence thresholds for routing decisions. All confidences are on a
// 0-100 scale.
const (
	ConfidenceManualReview   = 50.0 // Below this the email goes to manual review
	ConfidenceShipmentCreate = 70.0 // Minimum for booking_confirmation to create a shipment
	ConfidenceAICap          = 80.0 // AI fallback results are capped here
)

// DocumentClassification is the 1:1 classification row for an email.
type DocumentClassification struct {
	ID      int64 `json:"id"`
	EmailID int64 `json:"email_id"`

	// Document classification
	DocumentType         DocumentType         `json:"document_type"`
	DocumentConfidence   float64              `json:"document_confidence"` // 0-100
	ClassificationMethod ClassificationMethod `json:"classification_method"`

	// Email type classification (parallel track)
	EmailType           EmailType `json:"email_type"`
	EmailTypeConfidence float64   `json:"email_type_confidence"`

	// Sender analysis
	Direction      Direction      `json:"direction"`
	SenderCategory SenderCategory `json:"sender_category"`

	// Signals
	Sentiment         float64 `json:"sentiment"` // -1.0 ~ 1.0
	IsUrgent          bool    `json:"is_urgent"`
	NeedsManualReview bool    `json:"needs_manual_review"`

	// AI fallback bookkeeping
	ModelUsed  *string `json:"model_used,omitempty"`
	TokensUsed int     `json:"tokens_used,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RequiresManualReview reports whether the document confidence routes the
// email out of automated processing.
func (c *DocumentClassification) RequiresManualReview() bool {
	return c.DocumentConfidence < ConfidenceManualReview
}

// EligibleForShipmentCreate checks the booking-confirmation gate:
// type, confidence floor, and inbound direction.
func (c *DocumentClassification) EligibleForShipmentCreate() bool {
	return c.DocumentType.CanCreateShipment() &&
		c.DocumentConfidence >= ConfidenceShipmentCreate &&
		c.Direction == DirectionInbound
}

// BorderlineBookingConfirmation reports the 50-69 band that skips shipment
// creation but still stores extractions.
func (c *DocumentClassification) BorderlineBookingConfirmation() bool {
	return c.DocumentType.CanCreateShipment() &&
		c.DocumentConfidence >= ConfidenceManualReview &&
		c.DocumentConfidence < ConfidenceShipmentCreate
}

// PatternKind distinguishes the four classification pattern tables
type PatternKind string

const (
	PatternFilename    PatternKind = "filename"     // Attachment filename regex, confidence 90-95
	PatternPDFMarker   PatternKind = "pdf_marker"   // Marker inside attachment text, confidence 85-90
	PatternSubject     PatternKind = "subject"      // Subject line regex, confidence 80-90
	PatternBodyKeyword PatternKind = "body_keyword" // Lowercased body phrase, confidence 70-80
)

// ClassificationPattern is one configured cascade rule. CarrierCode narrows
// the rule to a carrier; nil applies to every sender.
type ClassificationPattern struct {
	ID           int64        `json:"id"`
	Kind         PatternKind  `json:"kind"`
	CarrierCode  *string      `json:"carrier_code,omitempty"`
	Pattern      string       `json:"pattern"`
	DocumentType DocumentType `json:"document_type"`
	EmailType    *EmailType   `json:"email_type,omitempty"`
	Confidence   float64      `json:"confidence"`
	Priority     int          `json:"priority"` // Higher checked first within a kind
	Enabled      bool         `json:"enabled"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// EmailTypePattern is one configured marker for the parallel emailType
// classifier.
type EmailTypePattern struct {
	ID         int64     `json:"id"`
	EmailType  EmailType `json:"email_type"`
	Pattern    string    `json:"pattern"`
	InSubject  bool      `json:"in_subject"`
	InBody     bool      `json:"in_body"`
	Confidence float64   `json:"confidence"`
	Priority   int       `json:"priority"`
	Enabled    bool      `json:"enabled"`
}
