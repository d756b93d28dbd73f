package workflow

import (
	"shipment_worker/core/domain"
)

// Built-in export-ocean DAG, used until operations configures its own
// states. Each state chains to its successor plus the terminal
// cancellation; optional states may be skipped on the way forward.
func defaultWorkflowStates() []*domain.WorkflowStateConfig {
	states := []*domain.WorkflowStateConfig{
		{
			Code: domain.WorkflowStateBookingConfirmed, Name: "Booking Confirmation Received",
			Phase: domain.PhasePreDeparture, StateOrder: 10, IsMilestone: true,
			RequiresDocumentTypes: []domain.DocumentType{domain.DocTypeBookingConfirmation},
		},
		{
			Code: "si_draft_review", Name: "SI Draft Under Review",
			Phase: domain.PhasePreDeparture, StateOrder: 20, IsOptional: true,
			RequiresDocumentTypes: []domain.DocumentType{domain.DocTypeSIDraft},
		},
		{
			Code: "si_submitted", Name: "SI Submitted",
			Phase: domain.PhasePreDeparture, StateOrder: 30,
			RequiresDocumentTypes: []domain.DocumentType{domain.DocTypeShippingInstruction, domain.DocTypeSISubmission},
		},
		{
			Code: "si_confirmed", Name: "SI Confirmed",
			Phase: domain.PhasePreDeparture, StateOrder: 40, IsOptional: true,
			RequiresDocumentTypes: []domain.DocumentType{domain.DocTypeSIConfirmation},
		},
		{
			Code: "vgm_submitted", Name: "VGM Submitted",
			Phase: domain.PhasePreDeparture, StateOrder: 50,
			RequiresDocumentTypes: []domain.DocumentType{domain.DocTypeVGMSubmission},
		},
		{
			Code: "vgm_confirmed", Name: "VGM Confirmed",
			Phase: domain.PhasePreDeparture, StateOrder: 55, IsOptional: true,
			RequiresDocumentTypes: []domain.DocumentType{domain.DocTypeVGMConfirmation},
		},
		{
			Code: "bl_draft_review", Name: "B/L Draft Under Review",
			Phase: domain.PhasePreDeparture, StateOrder: 60, IsOptional: true,
			RequiresDocumentTypes: []domain.DocumentType{domain.DocTypeBLDraft, domain.DocTypeHBLDraft},
		},
		{
			Code: "departed", Name: "Departed Origin Port",
			Phase: domain.PhaseInTransit, StateOrder: 70, IsMilestone: true,
			RequiresDocumentTypes: []domain.DocumentType{domain.DocTypeBillOfLading},
		},
		{
			Code: "hbl_issued", Name: "HBL Issued",
			Phase: domain.PhaseInTransit, StateOrder: 75, IsOptional: true,
			RequiresDocumentTypes: []domain.DocumentType{domain.DocTypeHBL},
		},
		{
			Code: "arrival_notice_received", Name: "Arrival Notice Received",
			Phase: domain.PhaseArrival, StateOrder: 80, IsMilestone: true,
			RequiresDocumentTypes: []domain.DocumentType{domain.DocTypeArrivalNotice},
		},
		{
			Code: "customs_cleared", Name: "Customs Cleared",
			Phase: domain.PhaseArrival, StateOrder: 90, IsOptional: true,
			RequiresDocumentTypes: []domain.DocumentType{domain.DocTypeCustomsEntry, domain.DocTypeEntrySummary},
		},
		{
			Code: "delivery_order_issued", Name: "Delivery Order Issued",
			Phase: domain.PhaseDelivery, StateOrder: 95, IsOptional: true,
			RequiresDocumentTypes: []domain.DocumentType{domain.DocTypeDeliveryOrder},
		},
		{
			Code: domain.WorkflowStatePODReceived, Name: "POD Received",
			Phase: domain.PhaseDelivery, StateOrder: 100, IsMilestone: true,
			RequiresDocumentTypes: []domain.DocumentType{domain.DocTypePOD},
		},
		{
			Code: domain.WorkflowStateCancelled, Name: "Booking Cancelled",
			Phase: domain.PhasePreDeparture, StateOrder: 999, IsMilestone: true,
			RequiresDocumentTypes: []domain.DocumentType{domain.DocTypeBookingCancellation},
		},
	}
	for i, st := range states {
		st.IsActive = true
		if st.Code == domain.WorkflowStateCancelled || st.Code == domain.WorkflowStatePODReceived {
			continue
		}
		if i+1 < len(states) {
			st.NextStates = []string{states[i+1].Code, domain.WorkflowStateCancelled}
		}
	}
	return states
}

func docTypePtr(t domain.DocumentType) *domain.DocumentType { return &t }
func emailTypePtr(t domain.EmailType) *domain.EmailType     { return &t }
func directionPtr(d domain.Direction) *domain.Direction     { return &d }

// Built-in trigger table. Direction narrows document triggers so an
// inbound shipping instruction from a customer does not count as our
// submission to the carrier.
func defaultTriggerRules() []*domain.WorkflowTriggerRule {
	return []*domain.WorkflowTriggerRule{
		{DocumentType: docTypePtr(domain.DocTypeBookingConfirmation), Direction: directionPtr(domain.DirectionInbound), TargetState: domain.WorkflowStateBookingConfirmed, Enabled: true},
		{DocumentType: docTypePtr(domain.DocTypeBookingCancellation), TargetState: domain.WorkflowStateCancelled, Enabled: true},
		{DocumentType: docTypePtr(domain.DocTypeSIDraft), TargetState: "si_draft_review", Enabled: true},
		{DocumentType: docTypePtr(domain.DocTypeShippingInstruction), Direction: directionPtr(domain.DirectionOutbound), TargetState: "si_submitted", Enabled: true},
		{DocumentType: docTypePtr(domain.DocTypeSISubmission), Direction: directionPtr(domain.DirectionOutbound), TargetState: "si_submitted", Enabled: true},
		{DocumentType: docTypePtr(domain.DocTypeSIConfirmation), Direction: directionPtr(domain.DirectionInbound), TargetState: "si_confirmed", Enabled: true},
		{DocumentType: docTypePtr(domain.DocTypeVGMSubmission), Direction: directionPtr(domain.DirectionOutbound), TargetState: "vgm_submitted", Enabled: true},
		{DocumentType: docTypePtr(domain.DocTypeVGMConfirmation), Direction: directionPtr(domain.DirectionInbound), TargetState: "vgm_confirmed", Enabled: true},
		{DocumentType: docTypePtr(domain.DocTypeBLDraft), TargetState: "bl_draft_review", Enabled: true},
		{DocumentType: docTypePtr(domain.DocTypeHBLDraft), TargetState: "bl_draft_review", Enabled: true},
		{DocumentType: docTypePtr(domain.DocTypeBillOfLading), Direction: directionPtr(domain.DirectionInbound), TargetState: "departed", Enabled: true},
		{DocumentType: docTypePtr(domain.DocTypeHBL), TargetState: "hbl_issued", Enabled: true},
		{DocumentType: docTypePtr(domain.DocTypeArrivalNotice), Direction: directionPtr(domain.DirectionInbound), TargetState: "arrival_notice_received", Enabled: true},
		{DocumentType: docTypePtr(domain.DocTypeCustomsEntry), TargetState: "customs_cleared", Enabled: true},
		{DocumentType: docTypePtr(domain.DocTypeEntrySummary), TargetState: "customs_cleared", Enabled: true},
		{DocumentType: docTypePtr(domain.DocTypeDeliveryOrder), TargetState: "delivery_order_issued", Enabled: true},
		{DocumentType: docTypePtr(domain.DocTypePOD), TargetState: domain.WorkflowStatePODReceived, Enabled: true},

		{EmailType: emailTypePtr(domain.EmailTypeCancellation), TargetState: domain.WorkflowStateCancelled, Enabled: true},
	}
}
