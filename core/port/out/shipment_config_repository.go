package out

import (
	"context"

	"shipment_worker/core/domain"
)

// =============================================================================
// Config Repository (PostgreSQL, read-mostly tables behind the config cache)
// =============================================================================

// ConfigRepository loads the data-driven rule tables. Services never call
// it directly; reads go through the cached snapshot and these methods run
// only on cache miss or after invalidation.
type ConfigRepository interface {
	ListCarriers(ctx context.Context) ([]*domain.Carrier, error)
	ListClassificationPatterns(ctx context.Context) ([]*domain.ClassificationPattern, error)
	ListEmailTypePatterns(ctx context.Context) ([]*domain.EmailTypePattern, error)
	ListCarrierIDPatterns(ctx context.Context) ([]*domain.CarrierIDPattern, error)
	ListWorkflowStates(ctx context.Context) ([]*domain.WorkflowStateConfig, error)
	ListWorkflowTriggerRules(ctx context.Context) ([]*domain.WorkflowTriggerRule, error)
	ListInsightRules(ctx context.Context) ([]*domain.InsightRule, error)
	ListActionLookupRules(ctx context.Context) ([]*domain.ActionLookupRule, error)
	ListActionTypeRules(ctx context.Context) ([]*domain.ActionTypeRule, error)
	ListActionPhrases(ctx context.Context) ([]*domain.ActionPhrase, error)
	ListIntentAnchors(ctx context.Context) ([]*domain.IntentAnchor, error)

	// UpdateIntentAnchorEmbedding persists a recomputed anchor vector after
	// the anchor text changed.
	UpdateIntentAnchorEmbedding(ctx context.Context, anchorID int64, embedding []float32) error
}
