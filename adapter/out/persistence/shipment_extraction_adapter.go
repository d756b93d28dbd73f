package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
	"shipment_worker/pkg/snowflake"
)

// =============================================================================
// Extraction Adapter (PostgreSQL)
// =============================================================================

// ExtractionAdapter implements out.ExtractionRepository over email_extractions.
type ExtractionAdapter struct {
	db *sqlx.DB
}

// NewExtractionAdapter creates a new ExtractionAdapter.
func NewExtractionAdapter(db *sqlx.DB) *ExtractionAdapter {
	return &ExtractionAdapter{db: db}
}

const extractionSelectColumns = `
	id, email_id, attachment_id, entity_type, value, confidence,
	extraction_method, source_field, carrier_code, created_at`

type extractionRow struct {
	ID           int64          `db:"id"`
	EmailID      int64          `db:"email_id"`
	AttachmentID sql.NullInt64  `db:"attachment_id"`
	EntityType   string         `db:"entity_type"`
	Value        string         `db:"value"`
	Confidence   float64        `db:"confidence"`
	Method       string         `db:"extraction_method"`
	SourceField  string         `db:"source_field"`
	CarrierCode  sql.NullString `db:"carrier_code"`
	CreatedAt    time.Time      `db:"created_at"`
}

func (r *extractionRow) toEntity() *domain.ExtractedEntity {
	return &domain.ExtractedEntity{
		ID:           r.ID,
		EmailID:      r.EmailID,
		AttachmentID: int64Ptr(r.AttachmentID),
		EntityType:   domain.EntityType(r.EntityType),
		Value:        r.Value,
		Confidence:   r.Confidence,
		Method:       domain.ExtractionMethod(r.Method),
		SourceField:  r.SourceField,
		CarrierCode:  strPtr(r.CarrierCode),
		CreatedAt:    r.CreatedAt,
	}
}

// ReplaceEntities swaps the email's rows for every entity type present in
// the incoming set, delete-then-insert in one transaction, so re-processing
// converges instead of accumulating duplicates. Types absent from the new
// set keep their existing rows.
func (a *ExtractionAdapter) ReplaceEntities(ctx context.Context, emailID int64, entities []*domain.ExtractedEntity) error {
	if len(entities) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(entities))
	types := make([]string, 0, len(entities))
	for _, e := range entities {
		t := string(e.EntityType)
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			types = append(types, t)
		}
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM email_extractions WHERE email_id = $1 AND entity_type = ANY($2)`,
		emailID, pq.Array(types)); err != nil {
		return err
	}

	insert := `
		INSERT INTO email_extractions (
			id, email_id, attachment_id, entity_type, value, confidence,
			extraction_method, source_field, carrier_code, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	now := time.Now().UTC()
	for _, e := range entities {
		if e.ID == 0 {
			e.ID = snowflake.ID()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if _, err := tx.ExecContext(ctx, insert,
			e.ID, emailID, nullInt64(e.AttachmentID), string(e.EntityType),
			e.Value, e.Confidence, string(e.Method), e.SourceField,
			nullStr(e.CarrierCode), e.CreatedAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListByEmail returns every stored entity for the email.
func (a *ExtractionAdapter) ListByEmail(ctx context.Context, emailID int64) ([]*domain.ExtractedEntity, error) {
	query := fmt.Sprintf(`SELECT %s FROM email_extractions WHERE email_id = $1 ORDER BY entity_type, id`, extractionSelectColumns)

	var rows []extractionRow
	if err := a.db.SelectContext(ctx, &rows, query, emailID); err != nil {
		return nil, err
	}
	return extractionEntities(rows), nil
}

// ListByEmailAndTypes returns the email's entities narrowed to the given types.
func (a *ExtractionAdapter) ListByEmailAndTypes(ctx context.Context, emailID int64, types []domain.EntityType) ([]*domain.ExtractedEntity, error) {
	if len(types) == 0 {
		return nil, nil
	}

	strs := make([]string, len(types))
	for i, t := range types {
		strs[i] = string(t)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM email_extractions
		WHERE email_id = $1 AND entity_type = ANY($2)
		ORDER BY entity_type, id`, extractionSelectColumns)

	var rows []extractionRow
	if err := a.db.SelectContext(ctx, &rows, query, emailID, pq.Array(strs)); err != nil {
		return nil, err
	}
	return extractionEntities(rows), nil
}

// FindEmailIDsByValues returns the emails whose stored entities match any
// of the given values for the given types. Used by the backfill sweep.
func (a *ExtractionAdapter) FindEmailIDsByValues(ctx context.Context, types []domain.EntityType, values []string) ([]int64, error) {
	if len(types) == 0 || len(values) == 0 {
		return nil, nil
	}

	strs := make([]string, len(types))
	for i, t := range types {
		strs[i] = string(t)
	}

	var ids []int64
	err := a.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT email_id FROM email_extractions
		WHERE entity_type = ANY($1) AND value = ANY($2)
		ORDER BY email_id`,
		pq.Array(strs), pq.Array(values))
	return ids, err
}

func extractionEntities(rows []extractionRow) []*domain.ExtractedEntity {
	entities := make([]*domain.ExtractedEntity, len(rows))
	for i := range rows {
		entities[i] = rows[i].toEntity()
	}
	return entities
}

var _ out.ExtractionRepository = (*ExtractionAdapter)(nil)
