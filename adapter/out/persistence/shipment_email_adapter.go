package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
	"shipment_worker/pkg/apperr"
)

// =============================================================================
// Email Adapter (PostgreSQL)
// =============================================================================

// EmailAdapter implements out.EmailRepository over the raw_emails table.
// The mail source owns the rows; the pipeline writes back only flags,
// business attachment counts and processing status.
type EmailAdapter struct {
	db *sqlx.DB
}

// NewEmailAdapter creates a new EmailAdapter.
func NewEmailAdapter(db *sqlx.DB) *EmailAdapter {
	return &EmailAdapter{db: db}
}

// emailSelectColumns lists the raw_emails columns in rawEmailRow order.
const emailSelectColumns = `
	id, message_id, thread_id, in_reply_to, headers,
	subject, sender_email, sender_display_name, recipients, cc_emails, labels,
	body_text, snippet, has_attachments, business_attachment_count,
	is_response, clean_subject, direction, true_sender_email,
	thread_position, responds_to_email_id, content_hash, flagged_at,
	processing_status, processing_error, processed_at,
	received_at, created_at, updated_at`

type rawEmailRow struct {
	ID        int64          `db:"id"`
	MessageID string         `db:"message_id"`
	ThreadID  string         `db:"thread_id"`
	InReplyTo sql.NullString `db:"in_reply_to"`
	Headers   []byte         `db:"headers"`

	Subject           string         `db:"subject"`
	SenderEmail       string         `db:"sender_email"`
	SenderDisplayName sql.NullString `db:"sender_display_name"`
	Recipients        pq.StringArray `db:"recipients"`
	CcEmails          pq.StringArray `db:"cc_emails"`
	Labels            pq.StringArray `db:"labels"`

	BodyText string `db:"body_text"`
	Snippet  string `db:"snippet"`

	HasAttachments          bool `db:"has_attachments"`
	BusinessAttachmentCount int  `db:"business_attachment_count"`

	IsResponse        bool           `db:"is_response"`
	CleanSubject      string         `db:"clean_subject"`
	Direction         string         `db:"direction"`
	TrueSenderEmail   sql.NullString `db:"true_sender_email"`
	ThreadPosition    int            `db:"thread_position"`
	RespondsToEmailID sql.NullInt64  `db:"responds_to_email_id"`
	ContentHash       string         `db:"content_hash"`
	FlaggedAt         sql.NullTime   `db:"flagged_at"`

	ProcessingStatus string         `db:"processing_status"`
	ProcessingError  sql.NullString `db:"processing_error"`
	ProcessedAt      sql.NullTime   `db:"processed_at"`

	ReceivedAt time.Time `db:"received_at"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r *rawEmailRow) toEntity() *domain.RawEmail {
	email := &domain.RawEmail{
		ID:                      r.ID,
		MessageID:               r.MessageID,
		ThreadID:                r.ThreadID,
		InReplyTo:               strPtr(r.InReplyTo),
		Subject:                 r.Subject,
		SenderEmail:             r.SenderEmail,
		SenderDisplayName:       strPtr(r.SenderDisplayName),
		Recipients:              r.Recipients,
		CcEmails:                r.CcEmails,
		Labels:                  r.Labels,
		BodyText:                r.BodyText,
		Snippet:                 r.Snippet,
		HasAttachments:          r.HasAttachments,
		BusinessAttachmentCount: r.BusinessAttachmentCount,
		IsResponse:              r.IsResponse,
		CleanSubject:            r.CleanSubject,
		Direction:               domain.Direction(r.Direction),
		TrueSenderEmail:         strPtr(r.TrueSenderEmail),
		ThreadPosition:          r.ThreadPosition,
		RespondsToEmailID:       int64Ptr(r.RespondsToEmailID),
		ContentHash:             r.ContentHash,
		FlaggedAt:               timePtr(r.FlaggedAt),
		ProcessingStatus:        domain.ProcessingStatus(r.ProcessingStatus),
		ProcessingError:         strPtr(r.ProcessingError),
		ProcessedAt:             timePtr(r.ProcessedAt),
		ReceivedAt:              r.ReceivedAt,
		CreatedAt:               r.CreatedAt,
		UpdatedAt:               r.UpdatedAt,
	}

	if len(r.Headers) > 0 {
		json.Unmarshal(r.Headers, &email.Headers)
	}

	return email
}

// GetByID loads one email. Missing rows are a not-found error: callers
// asked for a specific row and cannot proceed without it.
func (a *EmailAdapter) GetByID(ctx context.Context, id int64) (*domain.RawEmail, error) {
	query := fmt.Sprintf(`SELECT %s FROM raw_emails WHERE id = $1`, emailSelectColumns)

	var row rawEmailRow
	if err := a.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.EmailNotFound(id)
		}
		return nil, err
	}

	return row.toEntity(), nil
}

// GetAttachments lists the email's attachments in ingest order.
func (a *EmailAdapter) GetAttachments(ctx context.Context, emailID int64) ([]*domain.RawAttachment, error) {
	query := fmt.Sprintf(`SELECT %s FROM raw_attachments WHERE email_id = $1 ORDER BY id`, attachmentSelectColumns)

	var rows []rawAttachmentRow
	if err := a.db.SelectContext(ctx, &rows, query, emailID); err != nil {
		return nil, err
	}

	attachments := make([]*domain.RawAttachment, len(rows))
	for i := range rows {
		attachments[i] = rows[i].toEntity()
	}
	return attachments, nil
}

// ListByThread returns every email of the thread, oldest first.
func (a *EmailAdapter) ListByThread(ctx context.Context, threadID string) ([]*domain.RawEmail, error) {
	query := fmt.Sprintf(`SELECT %s FROM raw_emails WHERE thread_id = $1 ORDER BY received_at, id`, emailSelectColumns)

	var rows []rawEmailRow
	if err := a.db.SelectContext(ctx, &rows, query, threadID); err != nil {
		return nil, err
	}

	emails := make([]*domain.RawEmail, len(rows))
	for i := range rows {
		emails[i] = rows[i].toEntity()
	}
	return emails, nil
}

// CountPriorInThread counts thread messages received before the given time.
func (a *EmailAdapter) CountPriorInThread(ctx context.Context, threadID string, before time.Time) (int, error) {
	var count int
	err := a.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM raw_emails WHERE thread_id = $1 AND received_at < $2`,
		threadID, before)
	return count, err
}

// FirstNonResponseInThread returns the thread's earliest original message,
// or nil when the thread holds only responses.
func (a *EmailAdapter) FirstNonResponseInThread(ctx context.Context, threadID string) (*domain.RawEmail, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM raw_emails
		WHERE thread_id = $1 AND is_response = false
		ORDER BY received_at, id
		LIMIT 1`, emailSelectColumns)

	var row rawEmailRow
	if err := a.db.GetContext(ctx, &row, query, threadID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return row.toEntity(), nil
}

// ListNeedingProcessing returns ids still owed a pipeline run: pending rows
// and classified rows whose downstream stages never completed. Oldest
// received first, so retried emails re-enter behind fresh arrivals from the
// same poll.
func (a *EmailAdapter) ListNeedingProcessing(ctx context.Context, limit int) ([]int64, error) {
	var ids []int64
	err := a.db.SelectContext(ctx, &ids,
		`SELECT id FROM raw_emails WHERE processing_status = ANY($1) ORDER BY received_at, id LIMIT $2`,
		pq.Array([]string{
			string(domain.ProcessingStatusPending),
			string(domain.ProcessingStatusClassified),
		}), limit)
	return ids, err
}

// List queries emails by filter for reporting and the insight context.
func (a *EmailAdapter) List(ctx context.Context, filter *domain.EmailFilter) ([]*domain.RawEmail, error) {
	query := fmt.Sprintf(`SELECT %s FROM raw_emails WHERE 1=1`, emailSelectColumns)
	args := []any{}
	idx := 1

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		query += fmt.Sprintf(` AND processing_status = ANY($%d)`, idx)
		args = append(args, pq.Array(statuses))
		idx++
	}
	if filter.ThreadID != nil {
		query += fmt.Sprintf(` AND thread_id = $%d`, idx)
		args = append(args, *filter.ThreadID)
		idx++
	}
	if filter.SenderDomain != nil {
		query += fmt.Sprintf(` AND sender_email LIKE $%d`, idx)
		args = append(args, "%@%"+*filter.SenderDomain)
		idx++
	}
	if filter.ReceivedFrom != nil {
		query += fmt.Sprintf(` AND received_at >= $%d`, idx)
		args = append(args, *filter.ReceivedFrom)
		idx++
	}
	if filter.ReceivedTo != nil {
		query += fmt.Sprintf(` AND received_at < $%d`, idx)
		args = append(args, *filter.ReceivedTo)
		idx++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(` ORDER BY received_at DESC, id DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, filter.Offset)

	var rows []rawEmailRow
	if err := a.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	emails := make([]*domain.RawEmail, len(rows))
	for i := range rows {
		emails[i] = rows[i].toEntity()
	}
	return emails, nil
}

// UpdateFlags writes the flagging stage's derived columns back to the row.
func (a *EmailAdapter) UpdateFlags(ctx context.Context, email *domain.RawEmail) error {
	query := `
		UPDATE raw_emails SET
			is_response = $2,
			clean_subject = $3,
			direction = $4,
			true_sender_email = $5,
			thread_position = $6,
			responds_to_email_id = $7,
			content_hash = $8,
			flagged_at = $9,
			updated_at = NOW()
		WHERE id = $1`

	result, err := a.db.ExecContext(ctx, query,
		email.ID,
		email.IsResponse,
		email.CleanSubject,
		string(email.Direction),
		nullStr(email.TrueSenderEmail),
		email.ThreadPosition,
		nullInt64(email.RespondsToEmailID),
		email.ContentHash,
		nullTime(email.FlaggedAt),
	)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.EmailNotFound(email.ID)
	}
	return nil
}

// SetBusinessAttachmentCount stores the flagging stage's attachment tally.
func (a *EmailAdapter) SetBusinessAttachmentCount(ctx context.Context, emailID int64, count int) error {
	_, err := a.db.ExecContext(ctx,
		`UPDATE raw_emails SET business_attachment_count = $2, updated_at = NOW() WHERE id = $1`,
		emailID, count)
	return err
}

// UpdateProcessingStatus records the pipeline outcome. processed_at is set
// only on terminal statuses; a retryable park back to pending clears it.
func (a *EmailAdapter) UpdateProcessingStatus(ctx context.Context, emailID int64, status domain.ProcessingStatus, procErr *string) error {
	var processedAt sql.NullTime
	if status.IsTerminal() {
		processedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}

	_, err := a.db.ExecContext(ctx, `
		UPDATE raw_emails SET
			processing_status = $2,
			processing_error = $3,
			processed_at = $4,
			updated_at = NOW()
		WHERE id = $1`,
		emailID, string(status), nullStr(procErr), processedAt)
	return err
}

var _ out.EmailRepository = (*EmailAdapter)(nil)
