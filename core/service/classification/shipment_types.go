// Package classification decides the documentType and emailType for one
// email through a cascade of deterministic signal classifiers with an
// optional LLM fallback. First sufficient signal wins.
package classification

import (
	"context"

	"shipment_worker/core/domain"
)

// =============================================================================
// Cascade input / output
// =============================================================================

// Input carries everything one classification run may look at. Attachment
// text is the concatenated extracted text of business attachments; it may be
// empty when the PDF extractor has not caught up yet.
type Input struct {
	Email          *domain.RawEmail
	Flags          *domain.FlaggedEmail
	Attachments    []*domain.RawAttachment
	AttachmentText string
	Filenames      []string

	// Resolved before the cascade runs
	CarrierCode    string
	SenderCategory domain.SenderCategory
}

// CleanSubject returns the prefix-stripped subject, falling back to the raw
// subject when flagging has not run.
func (in *Input) CleanSubject() string {
	if in.Flags != nil && in.Flags.CleanSubject != "" {
		return in.Flags.CleanSubject
	}
	return in.Email.Subject
}

// IsResponse reports the flagging verdict; false when flags are absent.
func (in *Input) IsResponse() bool {
	return in.Flags != nil && in.Flags.IsResponse
}

// HasBusinessAttachment reports whether any attachment was flagged as a
// business document.
func (in *Input) HasBusinessAttachment() bool {
	for _, att := range in.Attachments {
		if att.IsBusinessDocument {
			return true
		}
	}
	return false
}

// Result is one classifier's verdict. Confidence is on the 0-100 scale.
type Result struct {
	DocumentType domain.DocumentType
	Confidence   float64
	Method       domain.ClassificationMethod
	Source       string // "stage:detail", e.g. "filename:arrival-notice"
	Signals      []string

	// AI fallback bookkeeping
	ModelUsed  *string
	TokensUsed int
	Sentiment  float64
	IsUrgent   bool
}

// documentClassifier is one cascade stage. A (nil, nil) return means the
// stage has no opinion; errors are logged and treated the same way.
type documentClassifier interface {
	Name() string
	Classify(ctx context.Context, in *Input) (*Result, error)
}

// =============================================================================
// Pipeline configuration
// =============================================================================

// PipelineConfig holds the cascade thresholds.
type PipelineConfig struct {
	// AIFallbackThreshold gates the LLM stage: it runs only when the best
	// deterministic confidence is below this value.
	AIFallbackThreshold float64

	// AIEnabled turns the LLM stage off regardless of client availability.
	AIEnabled bool
}

func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		AIFallbackThreshold: domain.ConfidenceShipmentCreate,
		AIEnabled:           true,
	}
}
