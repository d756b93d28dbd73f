package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
	"shipment_worker/pkg/snowflake"
)

// =============================================================================
// Workflow Adapter (PostgreSQL)
// =============================================================================

// WorkflowAdapter implements out.WorkflowRepository over
// shipment_workflow_history plus the state columns on shipments.
type WorkflowAdapter struct {
	db *sqlx.DB
}

// NewWorkflowAdapter creates a new WorkflowAdapter.
func NewWorkflowAdapter(db *sqlx.DB) *WorkflowAdapter {
	return &WorkflowAdapter{db: db}
}

const transitionSelectColumns = `
	id, shipment_id, from_state, to_state, triggered_by, trigger_value,
	triggering_email_id, occurred_at, notes`

type transitionRow struct {
	ID                int64          `db:"id"`
	ShipmentID        int64          `db:"shipment_id"`
	FromState         sql.NullString `db:"from_state"`
	ToState           string         `db:"to_state"`
	TriggeredBy       string         `db:"triggered_by"`
	TriggerValue      sql.NullString `db:"trigger_value"`
	TriggeringEmailID sql.NullInt64  `db:"triggering_email_id"`
	OccurredAt        time.Time      `db:"occurred_at"`
	Notes             sql.NullString `db:"notes"`
}

func (r *transitionRow) toEntity() *domain.WorkflowTransition {
	return &domain.WorkflowTransition{
		ID:                r.ID,
		ShipmentID:        r.ShipmentID,
		FromState:         strPtr(r.FromState),
		ToState:           r.ToState,
		TriggeredBy:       domain.TriggerKind(r.TriggeredBy),
		TriggerValue:      strPtr(r.TriggerValue),
		TriggeringEmailID: int64Ptr(r.TriggeringEmailID),
		OccurredAt:        r.OccurredAt,
		Notes:             strPtr(r.Notes),
	}
}

// RecordTransition appends the history row and moves the shipment's state
// columns in one transaction. History goes first; a failed shipment update
// rolls both back, so no state change ever lands without its audit row.
func (a *WorkflowAdapter) RecordTransition(ctx context.Context, transition *domain.WorkflowTransition, phase domain.WorkflowPhase, status domain.ShipmentStatus) error {
	if transition.ID == 0 {
		transition.ID = snowflake.ID()
	}
	if transition.OccurredAt.IsZero() {
		transition.OccurredAt = time.Now().UTC()
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO shipment_workflow_history (
			id, shipment_id, from_state, to_state, triggered_by,
			trigger_value, triggering_email_id, occurred_at, notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		transition.ID, transition.ShipmentID,
		nullStr(transition.FromState), transition.ToState,
		string(transition.TriggeredBy), nullStr(transition.TriggerValue),
		nullInt64(transition.TriggeringEmailID), transition.OccurredAt,
		nullStr(transition.Notes))
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE shipments
		SET workflow_state = $2, workflow_phase = $3, status = $4, updated_at = NOW()
		WHERE id = $1`,
		transition.ShipmentID, transition.ToState, string(phase), string(status))
	if err != nil {
		return err
	}

	return tx.Commit()
}

// ListTransitions returns the shipment's history in occurrence order.
func (a *WorkflowAdapter) ListTransitions(ctx context.Context, shipmentID int64) ([]*domain.WorkflowTransition, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM shipment_workflow_history
		WHERE shipment_id = $1
		ORDER BY occurred_at, id`, transitionSelectColumns)

	var rows []transitionRow
	if err := a.db.SelectContext(ctx, &rows, query, shipmentID); err != nil {
		return nil, err
	}

	transitions := make([]*domain.WorkflowTransition, len(rows))
	for i := range rows {
		transitions[i] = rows[i].toEntity()
	}
	return transitions, nil
}

// GetLatestTransition returns (nil, nil) for a shipment with no history yet.
func (a *WorkflowAdapter) GetLatestTransition(ctx context.Context, shipmentID int64) (*domain.WorkflowTransition, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM shipment_workflow_history
		WHERE shipment_id = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT 1`, transitionSelectColumns)

	var row transitionRow
	if err := a.db.GetContext(ctx, &row, query, shipmentID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return row.toEntity(), nil
}

var _ out.WorkflowRepository = (*WorkflowAdapter)(nil)
