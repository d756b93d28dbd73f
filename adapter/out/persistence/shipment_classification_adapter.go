package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
)

// =============================================================================
// Classification Adapter (PostgreSQL)
// =============================================================================

// ClassificationAdapter implements out.ClassificationRepository over
// document_classifications, one row per email (re-processing upserts).
type ClassificationAdapter struct {
	db *sqlx.DB
}

// NewClassificationAdapter creates a new ClassificationAdapter.
func NewClassificationAdapter(db *sqlx.DB) *ClassificationAdapter {
	return &ClassificationAdapter{db: db}
}

const classificationSelectColumns = `
	id, email_id, document_type, document_confidence, classification_method,
	email_type, email_type_confidence, direction, sender_category,
	sentiment, is_urgent, needs_manual_review, model_used, tokens_used,
	created_at, updated_at`

type classificationRow struct {
	ID      int64 `db:"id"`
	EmailID int64 `db:"email_id"`

	DocumentType         string  `db:"document_type"`
	DocumentConfidence   float64 `db:"document_confidence"`
	ClassificationMethod string  `db:"classification_method"`

	EmailType           string  `db:"email_type"`
	EmailTypeConfidence float64 `db:"email_type_confidence"`

	Direction      string `db:"direction"`
	SenderCategory string `db:"sender_category"`

	Sentiment         float64 `db:"sentiment"`
	IsUrgent          bool    `db:"is_urgent"`
	NeedsManualReview bool    `db:"needs_manual_review"`

	ModelUsed  sql.NullString `db:"model_used"`
	TokensUsed int            `db:"tokens_used"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *classificationRow) toEntity() *domain.DocumentClassification {
	return &domain.DocumentClassification{
		ID:                   r.ID,
		EmailID:              r.EmailID,
		DocumentType:         domain.DocumentType(r.DocumentType),
		DocumentConfidence:   r.DocumentConfidence,
		ClassificationMethod: domain.ClassificationMethod(r.ClassificationMethod),
		EmailType:            domain.EmailType(r.EmailType),
		EmailTypeConfidence:  r.EmailTypeConfidence,
		Direction:            domain.Direction(r.Direction),
		SenderCategory:       domain.SenderCategory(r.SenderCategory),
		Sentiment:            r.Sentiment,
		IsUrgent:             r.IsUrgent,
		NeedsManualReview:    r.NeedsManualReview,
		ModelUsed:            strPtr(r.ModelUsed),
		TokensUsed:           r.TokensUsed,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

// GetByEmailID returns the email's classification, or nil when the email
// has not been classified yet.
func (a *ClassificationAdapter) GetByEmailID(ctx context.Context, emailID int64) (*domain.DocumentClassification, error) {
	query := fmt.Sprintf(`SELECT %s FROM document_classifications WHERE email_id = $1`, classificationSelectColumns)

	var row classificationRow
	if err := a.db.GetContext(ctx, &row, query, emailID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return row.toEntity(), nil
}

// Upsert inserts or replaces the email's classification row so that
// re-processing converges on one verdict per email.
func (a *ClassificationAdapter) Upsert(ctx context.Context, classification *domain.DocumentClassification) error {
	query := `
		INSERT INTO document_classifications (
			email_id, document_type, document_confidence, classification_method,
			email_type, email_type_confidence, direction, sender_category,
			sentiment, is_urgent, needs_manual_review, model_used, tokens_used
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (email_id) DO UPDATE SET
			document_type = EXCLUDED.document_type,
			document_confidence = EXCLUDED.document_confidence,
			classification_method = EXCLUDED.classification_method,
			email_type = EXCLUDED.email_type,
			email_type_confidence = EXCLUDED.email_type_confidence,
			direction = EXCLUDED.direction,
			sender_category = EXCLUDED.sender_category,
			sentiment = EXCLUDED.sentiment,
			is_urgent = EXCLUDED.is_urgent,
			needs_manual_review = EXCLUDED.needs_manual_review,
			model_used = EXCLUDED.model_used,
			tokens_used = EXCLUDED.tokens_used,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`

	return a.db.QueryRowxContext(ctx, query,
		classification.EmailID,
		string(classification.DocumentType),
		classification.DocumentConfidence,
		string(classification.ClassificationMethod),
		string(classification.EmailType),
		classification.EmailTypeConfidence,
		string(classification.Direction),
		string(classification.SenderCategory),
		classification.Sentiment,
		classification.IsUrgent,
		classification.NeedsManualReview,
		nullStr(classification.ModelUsed),
		classification.TokensUsed,
	).Scan(&classification.ID, &classification.CreatedAt, &classification.UpdatedAt)
}

// GetThreadAuthority returns the classification of the thread's earliest
// non-response email, or nil when no original has been classified yet.
func (a *ClassificationAdapter) GetThreadAuthority(ctx context.Context, threadID string) (*domain.DocumentClassification, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM document_classifications
		WHERE email_id = (
			SELECT id FROM raw_emails
			WHERE thread_id = $1 AND is_response = false
			ORDER BY received_at, id
			LIMIT 1
		)`, classificationSelectColumns)

	var row classificationRow
	if err := a.db.GetContext(ctx, &row, query, threadID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return row.toEntity(), nil
}

var _ out.ClassificationRepository = (*ClassificationAdapter)(nil)
