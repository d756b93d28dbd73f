package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
	"shipment_worker/pkg/apperr"
)

// =============================================================================
// Attachment Adapter (PostgreSQL)
// =============================================================================

// AttachmentAdapter implements out.AttachmentRepository over raw_attachments.
type AttachmentAdapter struct {
	db *sqlx.DB
}

// NewAttachmentAdapter creates a new AttachmentAdapter.
func NewAttachmentAdapter(db *sqlx.DB) *AttachmentAdapter {
	return &AttachmentAdapter{db: db}
}

const attachmentSelectColumns = `
	id, email_id, filename, mime_type, size_bytes, storage_ref, extracted_text,
	is_business_document, is_signature_image, flagged_at, created_at`

type rawAttachmentRow struct {
	ID         int64          `db:"id"`
	EmailID    int64          `db:"email_id"`
	Filename   string         `db:"filename"`
	MimeType   string         `db:"mime_type"`
	SizeBytes  int64          `db:"size_bytes"`
	StorageRef sql.NullString `db:"storage_ref"`

	ExtractedText sql.NullString `db:"extracted_text"`

	IsBusinessDocument bool         `db:"is_business_document"`
	IsSignatureImage   bool         `db:"is_signature_image"`
	FlaggedAt          sql.NullTime `db:"flagged_at"`

	CreatedAt time.Time `db:"created_at"`
}

func (r *rawAttachmentRow) toEntity() *domain.RawAttachment {
	return &domain.RawAttachment{
		ID:                 r.ID,
		EmailID:            r.EmailID,
		Filename:           r.Filename,
		MimeType:           r.MimeType,
		SizeBytes:          r.SizeBytes,
		StorageRef:         strPtr(r.StorageRef),
		ExtractedText:      strPtr(r.ExtractedText),
		IsBusinessDocument: r.IsBusinessDocument,
		IsSignatureImage:   r.IsSignatureImage,
		FlaggedAt:          timePtr(r.FlaggedAt),
		CreatedAt:          r.CreatedAt,
	}
}

// GetByID loads one attachment row.
func (a *AttachmentAdapter) GetByID(ctx context.Context, id int64) (*domain.RawAttachment, error) {
	query := fmt.Sprintf(`SELECT %s FROM raw_attachments WHERE id = $1`, attachmentSelectColumns)

	var row rawAttachmentRow
	if err := a.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("attachment")
		}
		return nil, err
	}

	return row.toEntity(), nil
}

// UpdateFlags writes one attachment's flagging columns back.
func (a *AttachmentAdapter) UpdateFlags(ctx context.Context, att *domain.RawAttachment) error {
	_, err := a.db.ExecContext(ctx, `
		UPDATE raw_attachments SET
			is_business_document = $2,
			is_signature_image = $3,
			flagged_at = $4
		WHERE id = $1`,
		att.ID, att.IsBusinessDocument, att.IsSignatureImage, nullTime(att.FlaggedAt))
	return err
}

// UpdateFlagsBatch writes a chunk of flag updates in one transaction. The
// flagging sweep chunks the slice and pauses between chunks.
func (a *AttachmentAdapter) UpdateFlagsBatch(ctx context.Context, atts []*domain.RawAttachment) error {
	if len(atts) == 0 {
		return nil
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		UPDATE raw_attachments SET
			is_business_document = $2,
			is_signature_image = $3,
			flagged_at = $4
		WHERE id = $1`

	for _, att := range atts {
		if _, err := tx.ExecContext(ctx, query,
			att.ID, att.IsBusinessDocument, att.IsSignatureImage, nullTime(att.FlaggedAt)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

var _ out.AttachmentRepository = (*AttachmentAdapter)(nil)
