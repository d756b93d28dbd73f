package out

import "context"

// =============================================================================
// Document Text Store (MongoDB)
// =============================================================================

// DocumentTextStore keeps full extracted attachment text out of Postgres.
// Values over the compression threshold are stored gzipped.
type DocumentTextStore interface {
	SaveText(ctx context.Context, attachmentID int64, text string) error
	GetText(ctx context.Context, attachmentID int64) (string, error)
	GetTexts(ctx context.Context, attachmentIDs []int64) (map[int64]string, error)
	DeleteText(ctx context.Context, attachmentID int64) error
}
