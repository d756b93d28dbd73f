// Package workflow advances shipments through the configured state DAG.
// Transitions serialize per shipment, write their history row before the
// aggregate mutates, and refuse to move backward; the terminal cancellation
// is the one state reachable from anywhere forward of it.
package workflow

import (
	"context"
	"strconv"
	"time"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
	"shipment_worker/core/service/common"
	"shipment_worker/pkg/apperr"
	"shipment_worker/pkg/kmutex"
	"shipment_worker/pkg/logger"
)

// Deps wires the workflow engine.
type Deps struct {
	Workflow out.WorkflowRepository
	Config   *common.ConfigCache
}

type Service struct {
	workflow out.WorkflowRepository
	cfg      *common.ConfigCache
	locks    *kmutex.KMutex
	log      *logger.Logger

	defaults     *domain.WorkflowStateSet
	defaultRules []*domain.WorkflowTriggerRule
}

func NewService(deps Deps) *Service {
	return &Service{
		workflow:     deps.Workflow,
		cfg:          deps.Config,
		locks:        kmutex.New(),
		log:          logger.WithStage(string(domain.StageWorkflow)),
		defaults:     domain.NewWorkflowStateSet(defaultWorkflowStates()),
		defaultRules: defaultTriggerRules(),
	}
}

// =============================================================================
// Transitions
// =============================================================================

// TransitionTo moves the shipment into targetCode. Valid moves are the
// current state's nextStates, forward jumps across exclusively optional
// states, and anything under opts.SkipValidation (reserved for
// document-triggered moves). The history row commits with the aggregate
// update, history first. A transition to the current state is a no-op.
func (s *Service) TransitionTo(ctx context.Context, shipment *domain.Shipment, targetCode string, opts domain.TransitionOptions) error {
	key := strconv.FormatInt(shipment.ID, 10)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	states := s.states(ctx)
	target := states.ByCode(targetCode)
	if target == nil {
		return apperr.ValidationFailed("unknown workflow state").
			WithDetail("state", targetCode).
			WithStage(string(domain.StageWorkflow))
	}

	// The latest history row is the authoritative current state: other
	// workers may have advanced the shipment since this aggregate loaded.
	current := shipment.WorkflowState
	latest, err := s.workflow.GetLatestTransition(ctx, shipment.ID)
	if err != nil {
		return apperr.DatabaseError("load latest transition", err).WithStage(string(domain.StageWorkflow))
	}
	if latest != nil {
		current = latest.ToState
	}
	if current == targetCode {
		return nil
	}
	if err := validateMove(states, current, target, opts.SkipValidation); err != nil {
		return err
	}

	var fromState *string
	if current != "" {
		from := current
		fromState = &from
	}
	transition := &domain.WorkflowTransition{
		ShipmentID:        shipment.ID,
		FromState:         fromState,
		ToState:           targetCode,
		TriggeredBy:       triggerOrUser(opts.TriggeredBy),
		TriggeringEmailID: opts.EmailID,
		OccurredAt:        time.Now(),
		Notes:             opts.Notes,
	}
	if opts.TriggerValue != "" {
		v := opts.TriggerValue
		transition.TriggerValue = &v
	}

	phase := target.Phase
	if target.Code == domain.WorkflowStateCancelled && shipment.WorkflowPhase != "" {
		// Cancellation ends the workflow without advancing the lifecycle band.
		phase = shipment.WorkflowPhase
	}
	status := statusFor(target, phase)

	if err := s.workflow.RecordTransition(ctx, transition, phase, status); err != nil {
		return apperr.DatabaseError("record transition", err).WithStage(string(domain.StageWorkflow))
	}

	shipment.WorkflowState = targetCode
	shipment.WorkflowPhase = phase
	shipment.Status = status
	shipment.UpdatedAt = transition.OccurredAt

	s.log.WithFields(map[string]any{
		"shipment_id":  shipment.ID,
		"from_state":   current,
		"to_state":     targetCode,
		"triggered_by": string(transition.TriggeredBy),
	}).Info("workflow transition")
	return nil
}

// validateMove applies the DAG rules. An empty current state accepts any
// first transition; an unknown stored state accepts the move.
func validateMove(states *domain.WorkflowStateSet, current string, target *domain.WorkflowStateConfig, skipValidation bool) error {
	if current == "" {
		return nil
	}
	cur := states.ByCode(current)
	if cur == nil {
		return nil
	}
	if cur.IsTerminal() {
		return apperr.InvalidTransition(current, target.Code, nil).
			WithStage(string(domain.StageWorkflow))
	}
	if skipValidation {
		// Document triggers may jump required states but still never move
		// backward; the cancellation is the one backward-reachable target.
		if target.Code == domain.WorkflowStateCancelled || target.StateOrder >= cur.StateOrder {
			return nil
		}
		return apperr.InvalidTransition(current, target.Code, nil).
			WithStage(string(domain.StageWorkflow))
	}
	if cur.AllowsNext(target.Code) {
		return nil
	}
	if target.StateOrder > cur.StateOrder && allOptionalBetween(states, cur.StateOrder, target.StateOrder) {
		return nil
	}
	return apperr.InvalidTransition(current, target.Code, allowedFrom(states, cur)).
		WithStage(string(domain.StageWorkflow))
}

func allOptionalBetween(states *domain.WorkflowStateSet, lo, hi int) bool {
	for _, st := range states.Between(lo, hi) {
		if !st.IsOptional {
			return false
		}
	}
	return true
}

// allowedFrom lists the states a user could legally request, for the
// invalid-transition error payload.
func allowedFrom(states *domain.WorkflowStateSet, cur *domain.WorkflowStateConfig) []string {
	seen := make(map[string]bool, len(cur.NextStates))
	allowed := make([]string, 0, len(cur.NextStates))
	for _, code := range cur.NextStates {
		if !seen[code] {
			seen[code] = true
			allowed = append(allowed, code)
		}
	}
	for _, st := range states.Ordered() {
		if st.StateOrder <= cur.StateOrder || seen[st.Code] {
			continue
		}
		if allOptionalBetween(states, cur.StateOrder, st.StateOrder) {
			seen[st.Code] = true
			allowed = append(allowed, st.Code)
		}
	}
	return allowed
}

func triggerOrUser(kind domain.TriggerKind) domain.TriggerKind {
	if kind == "" {
		return domain.TriggerUser
	}
	return kind
}

// statusFor maps a workflow state onto the coarse shipment status.
func statusFor(target *domain.WorkflowStateConfig, phase domain.WorkflowPhase) domain.ShipmentStatus {
	switch target.Code {
	case domain.WorkflowStateCancelled:
		return domain.ShipmentStatusCancelled
	case domain.WorkflowStatePODReceived:
		return domain.ShipmentStatusDelivered
	}
	switch phase {
	case domain.PhaseInTransit:
		return domain.ShipmentStatusInTransit
	case domain.PhaseArrival, domain.PhaseDelivery:
		return domain.ShipmentStatusArrived
	default:
		return domain.ShipmentStatusBooked
	}
}

// =============================================================================
// Config access
// =============================================================================

// states returns the configured DAG, or the built-in one when configuration
// is absent or unreadable.
func (s *Service) states(ctx context.Context) *domain.WorkflowStateSet {
	if s.cfg == nil {
		return s.defaults
	}
	set, err := s.cfg.WorkflowStates(ctx)
	if err != nil {
		s.log.WithError(err).Warn("workflow states unavailable, using built-in DAG")
		return s.defaults
	}
	if set == nil || len(set.Ordered()) == 0 {
		return s.defaults
	}
	return set
}

func (s *Service) triggerRules(ctx context.Context) []*domain.WorkflowTriggerRule {
	if s.cfg == nil {
		return s.defaultRules
	}
	rules, err := s.cfg.TriggerRules(ctx)
	if err != nil {
		s.log.WithError(err).Warn("trigger rules unavailable, using built-ins")
		return s.defaultRules
	}
	if len(rules) == 0 {
		return s.defaultRules
	}
	return rules
}

// Progress reports the shipment's position on [0, 100] under the active DAG.
func (s *Service) Progress(ctx context.Context, stateCode string) int {
	return s.states(ctx).Progress(stateCode)
}

// History returns the shipment's transition rows, oldest first.
func (s *Service) History(ctx context.Context, shipmentID int64) ([]*domain.WorkflowTransition, error) {
	transitions, err := s.workflow.ListTransitions(ctx, shipmentID)
	if err != nil {
		return nil, apperr.DatabaseError("list transitions", err).WithStage(string(domain.StageWorkflow))
	}
	return transitions, nil
}
