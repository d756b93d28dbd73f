// Package out defines outbound ports (driven ports) for the pipeline.
// These interfaces represent dependencies that the application needs.
package out

import (
	"context"
	"time"

	"shipment_worker/core/domain"
)

// =============================================================================
// Email Repository (PostgreSQL)
// =============================================================================

// EmailRepository reads the mail-source tables and writes back only derived
// artefacts: flags, business attachment counts, processing status.
type EmailRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.RawEmail, error)
	GetAttachments(ctx context.Context, emailID int64) ([]*domain.RawAttachment, error)

	// Thread queries
	ListByThread(ctx context.Context, threadID string) ([]*domain.RawEmail, error)
	CountPriorInThread(ctx context.Context, threadID string, before time.Time) (int, error)
	FirstNonResponseInThread(ctx context.Context, threadID string) (*domain.RawEmail, error)

	// Batch selection
	ListNeedingProcessing(ctx context.Context, limit int) ([]int64, error)
	List(ctx context.Context, filter *domain.EmailFilter) ([]*domain.RawEmail, error)

	// Flag write-back
	UpdateFlags(ctx context.Context, email *domain.RawEmail) error
	SetBusinessAttachmentCount(ctx context.Context, emailID int64, count int) error

	// Status
	UpdateProcessingStatus(ctx context.Context, emailID int64, status domain.ProcessingStatus, procErr *string) error
}

// AttachmentRepository writes flagging results back to attachment rows.
type AttachmentRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.RawAttachment, error)
	UpdateFlags(ctx context.Context, att *domain.RawAttachment) error

	// Batched write-back for the flagging sweep; callers chunk the slice.
	UpdateFlagsBatch(ctx context.Context, atts []*domain.RawAttachment) error
}
