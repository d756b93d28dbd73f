package domain

import (
	"time"
)

// ProcessingStatus tracks an email's position in the pipeline
type ProcessingStatus string

const (
	ProcessingStatusPending      ProcessingStatus = "pending"       // Ingested, not yet picked up
	ProcessingStatusClassified   ProcessingStatus = "classified"    // Classified, downstream stages pending
	ProcessingStatusProcessed    ProcessingStatus = "processed"     // Completed all stages
	ProcessingStatusManualReview ProcessingStatus = "manual_review" // Classification confidence below 50
	ProcessingStatusNeedsReview  ProcessingStatus = "needs_review"  // Booking confirmation at 50-69 confidence
	ProcessingStatusFailed       ProcessingStatus = "failed"        // Unrecoverable failure for this run
)

// IsTerminal reports whether the status ends pipeline processing for the email.
func (s ProcessingStatus) IsTerminal() bool {
	switch s {
	case ProcessingStatusProcessed, ProcessingStatusManualReview,
		ProcessingStatusNeedsReview, ProcessingStatusFailed:
		return true
	}
	return false
}

// Direction of an email relative to the forwarder's own domains
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// RawEmail is an ingested email row. The mail source populates these with
// processingStatus = pending; the pipeline reads them and writes back only
// derived artefacts (flags, status).
type RawEmail struct {
	ID        int64               `json:"id"`
	MessageID string              `json:"message_id"`
	ThreadID  string              `json:"thread_id"`
	InReplyTo *string             `json:"in_reply_to,omitempty"`
	Headers   map[string][]string `json:"headers,omitempty"`

	// Envelope
	Subject           string   `json:"subject"`
	SenderEmail       string   `json:"sender_email"`
	SenderDisplayName *string  `json:"sender_display_name,omitempty"`
	Recipients        []string `json:"recipients"`
	CcEmails          []string `json:"cc_emails,omitempty"`
	Labels            []string `json:"labels,omitempty"`

	// Content
	BodyText string `json:"body_text"`
	Snippet  string `json:"snippet"`

	// Attachments
	HasAttachments          bool `json:"has_attachments"`
	BusinessAttachmentCount int  `json:"business_attachment_count"`

	// Flags (written back by the flagging stage)
	IsResponse        bool       `json:"is_response"`
	CleanSubject      string     `json:"clean_subject"`
	Direction         Direction  `json:"direction"`
	TrueSenderEmail   *string    `json:"true_sender_email,omitempty"`
	ThreadPosition    int        `json:"thread_position"`
	RespondsToEmailID *int64     `json:"responds_to_email_id,omitempty"`
	ContentHash       string     `json:"content_hash"`
	FlaggedAt         *time.Time `json:"flagged_at,omitempty"`

	// Pipeline
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	ProcessingError  *string          `json:"processing_error,omitempty"`
	ProcessedAt      *time.Time       `json:"processed_at,omitempty"`

	// Timestamps
	ReceivedAt time.Time `json:"received_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EffectiveSenderEmail returns the pre-forward sender when one was detected,
// else the transport sender.
func (e *RawEmail) EffectiveSenderEmail() string {
	if e.TrueSenderEmail != nil && *e.TrueSenderEmail != "" {
		return *e.TrueSenderEmail
	}
	return e.SenderEmail
}

// SenderDomain returns the lowercased domain of the effective sender.
func (e *RawEmail) SenderDomain() string {
	return EmailDomain(e.EffectiveSenderEmail())
}

// HeaderValue returns the first value of a header, case-sensitive key.
func (e *RawEmail) HeaderValue(name string) string {
	if vals, ok := e.Headers[name]; ok && len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// RawAttachment is attachment metadata plus the asynchronously populated
// text layer. ExtractedText may lag ingest by minutes; nil means the
// external PDF extractor has not run yet.
type RawAttachment struct {
	ID         int64   `json:"id"`
	EmailID    int64   `json:"email_id"`
	Filename   string  `json:"filename"`
	MimeType   string  `json:"mime_type"`
	SizeBytes  int64   `json:"size_bytes"`
	StorageRef *string `json:"storage_ref,omitempty"`

	ExtractedText *string `json:"extracted_text,omitempty"`

	// Flags (written back by the flagging stage)
	IsBusinessDocument bool       `json:"is_business_document"`
	IsSignatureImage   bool       `json:"is_signature_image"`
	FlaggedAt          *time.Time `json:"flagged_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Text returns the extracted text layer or "" when absent.
func (a *RawAttachment) Text() string {
	if a.ExtractedText == nil {
		return ""
	}
	return *a.ExtractedText
}

// FlaggedEmail is the flagging output overlayed on the raw email and carried
// through the remaining stages of one pipeline run.
type FlaggedEmail struct {
	Email             *RawEmail `json:"email"`
	IsResponse        bool      `json:"is_response"`
	CleanSubject      string    `json:"clean_subject"`
	Direction         Direction `json:"direction"`
	TrueSenderEmail   *string   `json:"true_sender_email,omitempty"`
	ThreadPosition    int       `json:"thread_position"`
	RespondsToEmailID *int64    `json:"responds_to_email_id,omitempty"`
	ContentHash       string    `json:"content_hash"`
}

// FlaggedAttachment is the per-attachment flagging output.
type FlaggedAttachment struct {
	Attachment         *RawAttachment `json:"attachment"`
	IsBusinessDocument bool           `json:"is_business_document"`
	IsSignatureImage   bool           `json:"is_signature_image"`
	FlaggedAt          time.Time      `json:"flagged_at"`
}

// PipelineStage identifies where in the per-email sequence a result or
// failure originated.
type PipelineStage string

const (
	StageFlagging       PipelineStage = "flagging"
	StageClassification PipelineStage = "classification"
	StageExtraction     PipelineStage = "extraction"
	StageLinking        PipelineStage = "linking"
	StageShipment       PipelineStage = "shipment"
	StageWorkflow       PipelineStage = "workflow"
	StageInsights       PipelineStage = "insights"
)

// ProcessingResult is the per-email outcome returned by the orchestrator.
// Failures never escape as panics or errors; they land here with the last
// entered stage preserved.
type ProcessingResult struct {
	EmailID         int64            `json:"email_id"`
	Success         bool             `json:"success"`
	Stage           PipelineStage    `json:"stage"`
	Status          ProcessingStatus `json:"status"`
	ShipmentID      *int64           `json:"shipment_id,omitempty"`
	FieldsExtracted int              `json:"fields_extracted"`
	Error           string           `json:"error,omitempty"`
	Duration        time.Duration    `json:"duration"`
}

// EmailListItem is a lightweight DTO for review queues and batch reporting.
type EmailListItem struct {
	ID               int64            `json:"id"`
	Subject          string           `json:"subject"`
	SenderEmail      string           `json:"sender_email"`
	Snippet          string           `json:"snippet"`
	HasAttachments   bool             `json:"has_attachments"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	ReceivedAt       time.Time        `json:"received_at"`
}

// ToListItem converts RawEmail to its lightweight list form.
func (e *RawEmail) ToListItem() *EmailListItem {
	return &EmailListItem{
		ID:               e.ID,
		Subject:          e.Subject,
		SenderEmail:      e.SenderEmail,
		Snippet:          e.Snippet,
		HasAttachments:   e.HasAttachments,
		ProcessingStatus: e.ProcessingStatus,
		ReceivedAt:       e.ReceivedAt,
	}
}

// EmailFilter selects emails for batch processing and review queues.
type EmailFilter struct {
	Statuses     []ProcessingStatus
	ThreadID     *string
	SenderDomain *string
	ReceivedFrom *time.Time
	ReceivedTo   *time.Time
	Limit        int
	Offset       int
}
