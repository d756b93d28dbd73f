package out

import (
	"context"

	"shipment_worker/core/domain"
)

// =============================================================================
// LLM Ports (optional; every port reports availability and callers degrade
// to rules-only behavior when a provider is not configured)
// =============================================================================

// EmailForAnalysis is the trimmed view handed to the model. Body text is
// truncated by the adapter before the prompt is built.
type EmailForAnalysis struct {
	EmailID        int64    `json:"email_id"`
	Subject        string   `json:"subject"`
	SenderEmail    string   `json:"sender_email"`
	SenderDomain   string   `json:"sender_domain"`
	Direction      string   `json:"direction"`
	BodyText       string   `json:"body_text"`
	AttachmentText string   `json:"attachment_text,omitempty"`
	Filenames      []string `json:"filenames,omitempty"`
}

// AIDocumentClassification is the model's verdict before the cascade caps
// and re-validates it.
type AIDocumentClassification struct {
	DocumentType string  `json:"document_type"`
	EmailType    string  `json:"email_type"`
	Confidence   float64 `json:"confidence"`
	Sentiment    float64 `json:"sentiment"`
	IsUrgent     bool    `json:"is_urgent"`
	Reasoning    string  `json:"reasoning,omitempty"`
	ModelUsed    string  `json:"model_used"`
	TokensUsed   int     `json:"tokens_used"`
}

type LLMClassifier interface {
	Available() bool
	ClassifyDocument(ctx context.Context, email *EmailForAnalysis) (*AIDocumentClassification, error)
}

// AIInsight is one model-proposed insight; the synthesizer clamps boosts
// and dedupes against rule output.
type AIInsight struct {
	Type          string         `json:"type"`
	Severity      string         `json:"severity"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	ActionTarget  string         `json:"action_target,omitempty"`
	ActionType    string         `json:"action_type,omitempty"`
	ActionUrgency string         `json:"action_urgency,omitempty"`
	Confidence    float64        `json:"confidence"`
	PriorityBoost int            `json:"priority_boost"`
	Supporting    map[string]any `json:"supporting,omitempty"`
}

// AIInsightBundle is the full response of one shipment analysis call.
type AIInsightBundle struct {
	Insights         []*AIInsight `json:"insights"`
	RecommendedBoost int          `json:"recommended_boost"`
	ModelUsed        string       `json:"model_used"`
	TokensUsed       int          `json:"tokens_used"`
}

type LLMInsightAnalyzer interface {
	Available() bool
	AnalyzeShipment(ctx context.Context, ic *domain.InsightContext) (*AIInsightBundle, error)
}

// EmbeddingProvider produces vectors for intent anchors and email bodies.
type EmbeddingProvider interface {
	Available() bool
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}
