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
	"shipment_worker/pkg/apperr"
	"shipment_worker/pkg/snowflake"
)

// =============================================================================
// Link Adapter (PostgreSQL)
// =============================================================================

// LinkAdapter implements out.LinkRepository over shipment_documents. A NULL
// shipment_id marks an orphan link waiting for its shipment to materialize.
type LinkAdapter struct {
	db *sqlx.DB
}

// NewLinkAdapter creates a new LinkAdapter.
func NewLinkAdapter(db *sqlx.DB) *LinkAdapter {
	return &LinkAdapter{db: db}
}

const linkSelectColumns = `
	id, shipment_id, email_id, document_type, is_primary, link_method,
	link_confidence, booking_number_extracted, promoted_at, created_at, updated_at`

type linkRow struct {
	ID                     int64          `db:"id"`
	ShipmentID             sql.NullInt64  `db:"shipment_id"`
	EmailID                int64          `db:"email_id"`
	DocumentType           string         `db:"document_type"`
	IsPrimary              bool           `db:"is_primary"`
	LinkMethod             string         `db:"link_method"`
	LinkConfidence         float64        `db:"link_confidence"`
	BookingNumberExtracted sql.NullString `db:"booking_number_extracted"`
	PromotedAt             sql.NullTime   `db:"promoted_at"`
	CreatedAt              time.Time      `db:"created_at"`
	UpdatedAt              time.Time      `db:"updated_at"`
}

func (r *linkRow) toEntity() *domain.ShipmentDocumentLink {
	return &domain.ShipmentDocumentLink{
		ID:                     r.ID,
		ShipmentID:             int64Ptr(r.ShipmentID),
		EmailID:                r.EmailID,
		DocumentType:           domain.DocumentType(r.DocumentType),
		IsPrimary:              r.IsPrimary,
		LinkMethod:             domain.LinkMethod(r.LinkMethod),
		LinkConfidence:         r.LinkConfidence,
		BookingNumberExtracted: strPtr(r.BookingNumberExtracted),
		PromotedAt:             timePtr(r.PromotedAt),
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
	}
}

// Create inserts one link row. (email_id, shipment_id) carries a partial
// unique constraint; a violation maps onto a conflicting-write error so the
// pipeline's re-run of an already linked email stays idempotent.
func (a *LinkAdapter) Create(ctx context.Context, link *domain.ShipmentDocumentLink) error {
	if link.ID == 0 {
		link.ID = snowflake.ID()
	}

	err := a.db.QueryRowxContext(ctx, `
		INSERT INTO shipment_documents (
			id, shipment_id, email_id, document_type, is_primary,
			link_method, link_confidence, booking_number_extracted, promoted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		link.ID, nullInt64(link.ShipmentID), link.EmailID, string(link.DocumentType),
		link.IsPrimary, string(link.LinkMethod), link.LinkConfidence,
		nullStr(link.BookingNumberExtracted), nullTime(link.PromotedAt),
	).Scan(&link.CreatedAt, &link.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.LinkConflict(link.EmailID, err)
		}
		return err
	}
	return nil
}

// GetByEmailAndShipment returns (nil, nil) when the pair is not linked.
func (a *LinkAdapter) GetByEmailAndShipment(ctx context.Context, emailID, shipmentID int64) (*domain.ShipmentDocumentLink, error) {
	query := fmt.Sprintf(`SELECT %s FROM shipment_documents WHERE email_id = $1 AND shipment_id = $2`, linkSelectColumns)

	var row linkRow
	if err := a.db.GetContext(ctx, &row, query, emailID, shipmentID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return row.toEntity(), nil
}

// ListByEmail returns every link carrying the email, orphans included.
func (a *LinkAdapter) ListByEmail(ctx context.Context, emailID int64) ([]*domain.ShipmentDocumentLink, error) {
	query := fmt.Sprintf(`SELECT %s FROM shipment_documents WHERE email_id = $1 ORDER BY created_at, id`, linkSelectColumns)
	return a.selectLinks(ctx, query, emailID)
}

// ListByShipment returns the shipment's document trail.
func (a *LinkAdapter) ListByShipment(ctx context.Context, shipmentID int64) ([]*domain.ShipmentDocumentLink, error) {
	query := fmt.Sprintf(`SELECT %s FROM shipment_documents WHERE shipment_id = $1 ORDER BY created_at, id`, linkSelectColumns)
	return a.selectLinks(ctx, query, shipmentID)
}

// ListOrphans returns unattached links matching the filter.
func (a *LinkAdapter) ListOrphans(ctx context.Context, filter *domain.OrphanFilter) ([]*domain.ShipmentDocumentLink, error) {
	query := fmt.Sprintf(`SELECT %s FROM shipment_documents WHERE shipment_id IS NULL`, linkSelectColumns)
	args := []any{}
	idx := 1

	if len(filter.BookingNumbers) > 0 {
		query += fmt.Sprintf(` AND booking_number_extracted = ANY($%d)`, idx)
		args = append(args, pq.Array(filter.BookingNumbers))
		idx++
	}
	if len(filter.DocumentTypes) > 0 {
		types := make([]string, len(filter.DocumentTypes))
		for i, t := range filter.DocumentTypes {
			types[i] = string(t)
		}
		query += fmt.Sprintf(` AND document_type = ANY($%d)`, idx)
		args = append(args, pq.Array(types))
		idx++
	}
	if filter.CreatedFrom != nil {
		query += fmt.Sprintf(` AND created_at >= $%d`, idx)
		args = append(args, *filter.CreatedFrom)
		idx++
	}

	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, idx)
		args = append(args, filter.Limit)
	}

	return a.selectLinks(ctx, query, args...)
}

// PromoteOrphan attaches an orphan link to a shipment. The shipment_id IS
// NULL guard keeps double promotion a no-op; the bool reports whether this
// call won.
func (a *LinkAdapter) PromoteOrphan(ctx context.Context, linkID, shipmentID int64, promotedAt time.Time) (bool, error) {
	result, err := a.db.ExecContext(ctx, `
		UPDATE shipment_documents
		SET shipment_id = $2, promoted_at = $3, updated_at = NOW()
		WHERE id = $1 AND shipment_id IS NULL`,
		linkID, shipmentID, promotedAt)
	if err != nil {
		return false, err
	}

	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// Delete removes one link row.
func (a *LinkAdapter) Delete(ctx context.Context, linkID int64) error {
	_, err := a.db.ExecContext(ctx, `DELETE FROM shipment_documents WHERE id = $1`, linkID)
	return err
}

// ListEmailsWithMultipleLinks returns email IDs linked to the shipment more
// than once. The linking service dedupes these during reconciliation.
func (a *LinkAdapter) ListEmailsWithMultipleLinks(ctx context.Context, shipmentID int64) ([]int64, error) {
	var emailIDs []int64
	err := a.db.SelectContext(ctx, &emailIDs, `
		SELECT email_id FROM shipment_documents
		WHERE shipment_id = $1
		GROUP BY email_id
		HAVING COUNT(*) > 1
		ORDER BY email_id`, shipmentID)
	if err != nil {
		return nil, err
	}
	return emailIDs, nil
}

func (a *LinkAdapter) selectLinks(ctx context.Context, query string, args ...any) ([]*domain.ShipmentDocumentLink, error) {
	var rows []linkRow
	if err := a.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	links := make([]*domain.ShipmentDocumentLink, len(rows))
	for i := range rows {
		links[i] = rows[i].toEntity()
	}
	return links, nil
}

var _ out.LinkRepository = (*LinkAdapter)(nil)
