package out

import (
	"context"

	"shipment_worker/core/domain"
)

// =============================================================================
// Workflow Repository (PostgreSQL, append-only history)
// =============================================================================

type WorkflowRepository interface {
	// RecordTransition inserts the history row and then updates the
	// shipment's workflow_state, workflow_phase and status in one
	// transaction. The history insert commits first inside that
	// transaction so a failed shipment update never leaves a state
	// change without its audit row.
	RecordTransition(ctx context.Context, transition *domain.WorkflowTransition, phase domain.WorkflowPhase, status domain.ShipmentStatus) error

	ListTransitions(ctx context.Context, shipmentID int64) ([]*domain.WorkflowTransition, error)
	GetLatestTransition(ctx context.Context, shipmentID int64) (*domain.WorkflowTransition, error)
}
