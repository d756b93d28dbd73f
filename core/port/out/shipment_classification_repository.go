package out

import (
	"context"

	"shipment_worker/core/domain"
)

// =============================================================================
// Classification Repository (PostgreSQL, 1:1 with email)
// =============================================================================

type ClassificationRepository interface {
	GetByEmailID(ctx context.Context, emailID int64) (*domain.DocumentClassification, error)
	Upsert(ctx context.Context, classification *domain.DocumentClassification) error

	// Thread authority: the earliest non-response email's classification in
	// a thread, nil when none exists yet.
	GetThreadAuthority(ctx context.Context, threadID string) (*domain.DocumentClassification, error)
}

// =============================================================================
// Extraction Repository (PostgreSQL, replace-by-(email, type))
// =============================================================================

type ExtractionRepository interface {
	// ReplaceEntities atomically swaps all rows for the email's entity
	// types present in the new set: delete-then-insert in one transaction.
	ReplaceEntities(ctx context.Context, emailID int64, entities []*domain.ExtractedEntity) error

	ListByEmail(ctx context.Context, emailID int64) ([]*domain.ExtractedEntity, error)
	ListByEmailAndTypes(ctx context.Context, emailID int64, types []domain.EntityType) ([]*domain.ExtractedEntity, error)

	// Backfill: email IDs whose stored entities match any of the given
	// values for the given types.
	FindEmailIDsByValues(ctx context.Context, types []domain.EntityType, values []string) ([]int64, error)
}
