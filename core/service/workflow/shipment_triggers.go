package workflow

import (
	"context"

	"shipment_worker/core/domain"
	"shipment_worker/pkg/apperr"
)

// =============================================================================
// Document-triggered transitions
// =============================================================================

// AutoTransitionFromDocument resolves the classified document and email
// types against the trigger table and advances the shipment when the
// winning target sits forward of the current state. Both types mapped
// means the higher stateOrder wins. Returns the state entered, "" when
// nothing fired. Stale documents never move the workflow backward; that
// outcome is silent, not an error.
func (s *Service) AutoTransitionFromDocument(ctx context.Context, shipment *domain.Shipment, classification *domain.DocumentClassification, emailID int64) (string, error) {
	states := s.states(ctx)
	rules := s.triggerRules(ctx)

	currentOrder := 0
	if cur := states.ByCode(shipment.WorkflowState); cur != nil {
		currentOrder = cur.StateOrder
	}

	docTarget, ruled := resolveDocumentTrigger(rules, states, classification.DocumentType, classification.Direction)
	if docTarget == nil && !ruled && classification.DocumentType.IsWorkflowSignificant() {
		// No rule covers the type at all; fall back to the DAG's own
		// document requirements.
		docTarget = states.FirstRequiring(classification.DocumentType, currentOrder)
	}
	emailTarget := resolveEmailTrigger(rules, states, classification.EmailType)

	target, kind, value := pickTrigger(docTarget, emailTarget, classification)
	if target == nil || target.Code == shipment.WorkflowState {
		return "", nil
	}
	if target.Code != domain.WorkflowStateCancelled && target.StateOrder <= currentOrder {
		return "", nil
	}

	err := s.TransitionTo(ctx, shipment, target.Code, domain.TransitionOptions{
		SkipValidation: true,
		TriggeredBy:    kind,
		TriggerValue:   value,
		EmailID:        &emailID,
	})
	if err != nil {
		// Lost a race to a further-along state, or the shipment is terminal.
		if apperr.IsKind(err, apperr.KindValidationFailure) {
			s.log.WithEmail(emailID).WithFields(map[string]any{
				"shipment_id": shipment.ID,
				"target":      target.Code,
			}).WithError(err).Debug("document trigger superseded")
			return "", nil
		}
		return "", err
	}
	return target.Code, nil
}

// resolveDocumentTrigger picks the rule for the document type, preferring
// an exact direction match over a direction-agnostic rule. Rules for the
// other direction never apply. The second return reports whether any rule
// covers the type, matched or not.
func resolveDocumentTrigger(rules []*domain.WorkflowTriggerRule, states *domain.WorkflowStateSet, docType domain.DocumentType, direction domain.Direction) (*domain.WorkflowStateConfig, bool) {
	var anyDirection *domain.WorkflowStateConfig
	ruled := false
	for _, rule := range rules {
		if !rule.Enabled || rule.DocumentType == nil || *rule.DocumentType != docType {
			continue
		}
		ruled = true
		target := states.ByCode(rule.TargetState)
		if target == nil {
			continue
		}
		if rule.Direction == nil {
			if anyDirection == nil {
				anyDirection = target
			}
			continue
		}
		if *rule.Direction == direction {
			return target, true
		}
	}
	return anyDirection, ruled
}

func resolveEmailTrigger(rules []*domain.WorkflowTriggerRule, states *domain.WorkflowStateSet, emailType domain.EmailType) *domain.WorkflowStateConfig {
	for _, rule := range rules {
		if !rule.Enabled || rule.EmailType == nil || *rule.EmailType != emailType {
			continue
		}
		if target := states.ByCode(rule.TargetState); target != nil {
			return target
		}
	}
	return nil
}

// pickTrigger applies the dual-trigger rule: when both the document type
// and the email type map to a state, the higher stateOrder wins and the
// winning trigger is recorded.
func pickTrigger(docTarget, emailTarget *domain.WorkflowStateConfig, classification *domain.DocumentClassification) (*domain.WorkflowStateConfig, domain.TriggerKind, string) {
	switch {
	case docTarget == nil && emailTarget == nil:
		return nil, "", ""
	case emailTarget == nil:
		return docTarget, domain.TriggerDocumentType, string(classification.DocumentType)
	case docTarget == nil:
		return emailTarget, domain.TriggerEmailType, string(classification.EmailType)
	case emailTarget.StateOrder > docTarget.StateOrder:
		return emailTarget, domain.TriggerEmailType, string(classification.EmailType)
	default:
		return docTarget, domain.TriggerDocumentType, string(classification.DocumentType)
	}
}
