package persistence

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"shipment_worker/core/port/out"
)

// =============================================================================
// Intent Vector Adapter (PostgreSQL + pgvector)
// =============================================================================

// IntentVectorAdapter implements out.IntentVectorStore over
// email_intent_embeddings. Vectors bind as text literals cast with
// ::vector; similarity is cosine, via the <=> distance operator.
type IntentVectorAdapter struct {
	pool *pgxpool.Pool
}

// NewIntentVectorAdapter creates a new IntentVectorAdapter.
func NewIntentVectorAdapter(pool *pgxpool.Pool) *IntentVectorAdapter {
	return &IntentVectorAdapter{pool: pool}
}

// UpsertEmailEmbedding stores one email's intent vector with its action
// verdict. Reprocessing the email overwrites the previous row.
func (a *IntentVectorAdapter) UpsertEmailEmbedding(ctx context.Context, emailID int64, embedding []float32, hasAction bool) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO email_intent_embeddings (email_id, embedding, has_action)
		VALUES ($1, $2::vector, $3)
		ON CONFLICT (email_id) DO UPDATE
		SET embedding = EXCLUDED.embedding,
			has_action = EXCLUDED.has_action,
			updated_at = NOW()`,
		emailID, vecLiteral(embedding), hasAction)
	return err
}

// SearchSimilarEmails returns the nearest historical emails by cosine
// similarity, best match first.
func (a *IntentVectorAdapter) SearchSimilarEmails(ctx context.Context, embedding []float32, limit int) ([]*out.EmailIntentMatch, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := a.pool.Query(ctx, `
		SELECT email_id, 1 - (embedding <=> $1::vector) AS similarity, has_action
		FROM email_intent_embeddings
		ORDER BY embedding <=> $1::vector
		LIMIT $2`,
		vecLiteral(embedding), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []*out.EmailIntentMatch
	for rows.Next() {
		match := &out.EmailIntentMatch{}
		if err := rows.Scan(&match.EmailID, &match.Similarity, &match.HasAction); err != nil {
			return nil, err
		}
		matches = append(matches, match)
	}
	return matches, rows.Err()
}

var _ out.IntentVectorStore = (*IntentVectorAdapter)(nil)
