package out

import "context"

// =============================================================================
// Intent Vector Store (pgvector)
// =============================================================================

// EmailIntentMatch is a historical email whose embedding sits near the
// query vector, carrying the action verdict recorded back then.
type EmailIntentMatch struct {
	EmailID    int64   `json:"email_id"`
	Similarity float64 `json:"similarity"` // cosine, 0..1
	HasAction  bool    `json:"has_action"`
}

type IntentVectorStore interface {
	UpsertEmailEmbedding(ctx context.Context, emailID int64, embedding []float32, hasAction bool) error
	SearchSimilarEmails(ctx context.Context, embedding []float32, limit int) ([]*EmailIntentMatch, error)
}
