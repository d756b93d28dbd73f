package workflow

import (
	"context"
	"errors"
	"testing"

	"shipment_worker/core/domain"
	"shipment_worker/pkg/apperr"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeWorkflowStore struct {
	nextID      int64
	transitions []*domain.WorkflowTransition
	lastPhase   domain.WorkflowPhase
	lastStatus  domain.ShipmentStatus
	failNext    bool
}

func (f *fakeWorkflowStore) RecordTransition(ctx context.Context, transition *domain.WorkflowTransition, phase domain.WorkflowPhase, status domain.ShipmentStatus) error {
	if f.failNext {
		f.failNext = false
		return errors.New("store unavailable")
	}
	f.nextID++
	transition.ID = f.nextID
	f.transitions = append(f.transitions, transition)
	f.lastPhase = phase
	f.lastStatus = status
	return nil
}

func (f *fakeWorkflowStore) ListTransitions(ctx context.Context, shipmentID int64) ([]*domain.WorkflowTransition, error) {
	var out []*domain.WorkflowTransition
	for _, tr := range f.transitions {
		if tr.ShipmentID == shipmentID {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (f *fakeWorkflowStore) GetLatestTransition(ctx context.Context, shipmentID int64) (*domain.WorkflowTransition, error) {
	for i := len(f.transitions) - 1; i >= 0; i-- {
		if f.transitions[i].ShipmentID == shipmentID {
			return f.transitions[i], nil
		}
	}
	return nil, nil
}

func newEngine(store *fakeWorkflowStore) *Service {
	return NewService(Deps{Workflow: store})
}

func shipmentIn(state string) *domain.Shipment {
	sh := &domain.Shipment{ID: 1, BookingNumber: "22970937", Status: domain.ShipmentStatusBooked}
	sh.WorkflowState = state
	if state != "" {
		sh.WorkflowPhase = domain.PhasePreDeparture
	}
	return sh
}

// seed walks the shipment through states so history matches, bypassing
// validation concerns via document-style jumps.
func seed(t *testing.T, svc *Service, sh *domain.Shipment, states ...string) {
	t.Helper()
	for _, code := range states {
		if err := svc.TransitionTo(context.Background(), sh, code, domain.TransitionOptions{SkipValidation: true}); err != nil {
			t.Fatalf("seed transition to %s: %v", code, err)
		}
	}
}

// =============================================================================
// TransitionTo
// =============================================================================

func TestInitialTransitionHasNilFromState(t *testing.T) {
	store := &fakeWorkflowStore{}
	svc := newEngine(store)
	sh := shipmentIn("")

	err := svc.TransitionTo(context.Background(), sh, domain.WorkflowStateBookingConfirmed, domain.TransitionOptions{
		TriggeredBy:  domain.TriggerDocumentType,
		TriggerValue: string(domain.DocTypeBookingConfirmation),
	})
	if err != nil {
		t.Fatalf("TransitionTo: %v", err)
	}
	if len(store.transitions) != 1 {
		t.Fatalf("history rows = %d, want 1", len(store.transitions))
	}
	row := store.transitions[0]
	if row.FromState != nil {
		t.Errorf("from_state = %v, want nil on first transition", *row.FromState)
	}
	if row.ToState != domain.WorkflowStateBookingConfirmed {
		t.Errorf("to_state = %q", row.ToState)
	}
	if row.TriggerValue == nil || *row.TriggerValue != "booking_confirmation" {
		t.Errorf("trigger_value = %v", row.TriggerValue)
	}
	if sh.WorkflowState != domain.WorkflowStateBookingConfirmed {
		t.Errorf("shipment state = %q", sh.WorkflowState)
	}
	if sh.WorkflowPhase != domain.PhasePreDeparture {
		t.Errorf("phase = %q, want pre_departure", sh.WorkflowPhase)
	}
	if sh.Status != domain.ShipmentStatusBooked {
		t.Errorf("status = %q, want booked", sh.Status)
	}
}

func TestForwardAcrossOptionalStates(t *testing.T) {
	store := &fakeWorkflowStore{}
	svc := newEngine(store)
	sh := shipmentIn("")
	seed(t, svc, sh, domain.WorkflowStateBookingConfirmed)

	// si_draft_review (20) is optional, so 10 -> 30 is a legal user move.
	if err := svc.TransitionTo(context.Background(), sh, "si_submitted", domain.TransitionOptions{}); err != nil {
		t.Fatalf("optional skip rejected: %v", err)
	}
	if sh.WorkflowState != "si_submitted" {
		t.Errorf("state = %q, want si_submitted", sh.WorkflowState)
	}
}

func TestJumpOverRequiredStateRejected(t *testing.T) {
	store := &fakeWorkflowStore{}
	svc := newEngine(store)
	sh := shipmentIn("")
	seed(t, svc, sh, domain.WorkflowStateBookingConfirmed)

	// si_submitted (30) is required, so 10 -> 50 must fail for users.
	err := svc.TransitionTo(context.Background(), sh, "vgm_submitted", domain.TransitionOptions{})
	if err == nil {
		t.Fatal("expected invalid transition")
	}
	if !apperr.IsKind(err, apperr.KindValidationFailure) {
		t.Errorf("kind = %v, want validation_failure", apperr.KindOf(err))
	}
	if sh.WorkflowState != domain.WorkflowStateBookingConfirmed {
		t.Errorf("state mutated to %q on rejected transition", sh.WorkflowState)
	}
	if len(store.transitions) != 1 {
		t.Errorf("history rows = %d, want 1 (no row for rejected move)", len(store.transitions))
	}
}

func TestBackwardRejectedEvenWithSkipValidation(t *testing.T) {
	store := &fakeWorkflowStore{}
	svc := newEngine(store)
	sh := shipmentIn("")
	seed(t, svc, sh, domain.WorkflowStateBookingConfirmed, "si_submitted", "vgm_submitted")

	for _, skip := range []bool{false, true} {
		err := svc.TransitionTo(context.Background(), sh, "si_submitted", domain.TransitionOptions{SkipValidation: skip})
		if err == nil {
			t.Fatalf("backward move allowed (skip=%v)", skip)
		}
		if !apperr.IsKind(err, apperr.KindValidationFailure) {
			t.Errorf("kind = %v, want validation_failure", apperr.KindOf(err))
		}
	}
}

func TestCancellationReachableFromAnywhere(t *testing.T) {
	store := &fakeWorkflowStore{}
	svc := newEngine(store)
	sh := shipmentIn("")
	seed(t, svc, sh, domain.WorkflowStateBookingConfirmed, "si_submitted", "vgm_submitted")

	err := svc.TransitionTo(context.Background(), sh, domain.WorkflowStateCancelled, domain.TransitionOptions{
		SkipValidation: true,
		TriggeredBy:    domain.TriggerDocumentType,
	})
	if err != nil {
		t.Fatalf("cancellation rejected: %v", err)
	}
	if sh.Status != domain.ShipmentStatusCancelled {
		t.Errorf("status = %q, want cancelled", sh.Status)
	}
	if sh.WorkflowPhase != domain.PhasePreDeparture {
		t.Errorf("phase = %q, cancellation must not advance the phase", sh.WorkflowPhase)
	}
}

func TestTerminalStatesHaveNoExit(t *testing.T) {
	store := &fakeWorkflowStore{}
	svc := newEngine(store)
	sh := shipmentIn("")
	seed(t, svc, sh, domain.WorkflowStateBookingConfirmed)
	seed(t, svc, sh, domain.WorkflowStateCancelled)

	err := svc.TransitionTo(context.Background(), sh, "si_submitted", domain.TransitionOptions{SkipValidation: true})
	if err == nil {
		t.Fatal("transition out of terminal state allowed")
	}
	if !apperr.IsKind(err, apperr.KindValidationFailure) {
		t.Errorf("kind = %v, want validation_failure", apperr.KindOf(err))
	}
}

func TestHistoryWriteFailureLeavesShipmentUntouched(t *testing.T) {
	store := &fakeWorkflowStore{}
	svc := newEngine(store)
	sh := shipmentIn("")
	store.failNext = true

	err := svc.TransitionTo(context.Background(), sh, domain.WorkflowStateBookingConfirmed, domain.TransitionOptions{})
	if err == nil {
		t.Fatal("expected store error to propagate")
	}
	if sh.WorkflowState != "" {
		t.Errorf("state = %q, want unchanged on failed history write", sh.WorkflowState)
	}
	if len(store.transitions) != 0 {
		t.Error("no history row should exist")
	}
}

func TestLatestHistoryRowIsAuthoritative(t *testing.T) {
	store := &fakeWorkflowStore{}
	svc := newEngine(store)

	// Another worker already advanced the shipment to departed.
	fresh := shipmentIn("")
	seed(t, svc, fresh, domain.WorkflowStateBookingConfirmed, "si_submitted", "vgm_submitted", "departed")

	// This worker still holds a stale aggregate.
	stale := shipmentIn("si_submitted")
	err := svc.TransitionTo(context.Background(), stale, "arrival_notice_received", domain.TransitionOptions{})
	if err != nil {
		t.Fatalf("TransitionTo: %v", err)
	}
	last := store.transitions[len(store.transitions)-1]
	if last.FromState == nil || *last.FromState != "departed" {
		t.Errorf("from_state = %v, want departed (history, not the stale aggregate)", last.FromState)
	}

	// And a stale backward request loses.
	stale2 := shipmentIn("si_submitted")
	err = svc.TransitionTo(context.Background(), stale2, "vgm_submitted", domain.TransitionOptions{})
	if err == nil {
		t.Fatal("stale backward transition allowed")
	}
}

func TestTransitionToSameStateIsNoOp(t *testing.T) {
	store := &fakeWorkflowStore{}
	svc := newEngine(store)
	sh := shipmentIn("")
	seed(t, svc, sh, domain.WorkflowStateBookingConfirmed)

	if err := svc.TransitionTo(context.Background(), sh, domain.WorkflowStateBookingConfirmed, domain.TransitionOptions{}); err != nil {
		t.Fatalf("same-state transition errored: %v", err)
	}
	if len(store.transitions) != 1 {
		t.Errorf("history rows = %d, want 1", len(store.transitions))
	}
}

// =============================================================================
// Status and progress mapping
// =============================================================================

func TestStatusFollowsPhase(t *testing.T) {
	tests := []struct {
		state      string
		wantStatus domain.ShipmentStatus
		wantPhase  domain.WorkflowPhase
	}{
		{"si_submitted", domain.ShipmentStatusBooked, domain.PhasePreDeparture},
		{"departed", domain.ShipmentStatusInTransit, domain.PhaseInTransit},
		{"arrival_notice_received", domain.ShipmentStatusArrived, domain.PhaseArrival},
		{"delivery_order_issued", domain.ShipmentStatusArrived, domain.PhaseDelivery},
		{domain.WorkflowStatePODReceived, domain.ShipmentStatusDelivered, domain.PhaseDelivery},
	}
	store := &fakeWorkflowStore{}
	svc := newEngine(store)
	sh := shipmentIn("")
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			if err := svc.TransitionTo(context.Background(), sh, tt.state, domain.TransitionOptions{SkipValidation: true}); err != nil {
				t.Fatalf("TransitionTo(%s): %v", tt.state, err)
			}
			if sh.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", sh.Status, tt.wantStatus)
			}
			if sh.WorkflowPhase != tt.wantPhase {
				t.Errorf("phase = %q, want %q", sh.WorkflowPhase, tt.wantPhase)
			}
		})
	}
}

func TestProgress(t *testing.T) {
	svc := newEngine(&fakeWorkflowStore{})
	ctx := context.Background()

	if p := svc.Progress(ctx, domain.WorkflowStateBookingConfirmed); p != 10 {
		t.Errorf("progress(booking_confirmation_received) = %d, want 10", p)
	}
	if p := svc.Progress(ctx, domain.WorkflowStatePODReceived); p != 100 {
		t.Errorf("progress(pod_received) = %d, want 100", p)
	}
	if p := svc.Progress(ctx, domain.WorkflowStateCancelled); p != 100 {
		t.Errorf("progress(booking_cancelled) = %d, want 100", p)
	}
	if p := svc.Progress(ctx, "no_such_state"); p != 0 {
		t.Errorf("progress(unknown) = %d, want 0", p)
	}
}

// =============================================================================
// Document triggers
// =============================================================================

func classified(docType domain.DocumentType, emailType domain.EmailType, direction domain.Direction) *domain.DocumentClassification {
	return &domain.DocumentClassification{
		DocumentType: docType,
		EmailType:    emailType,
		Direction:    direction,
	}
}

func TestAutoTransitionFromArrivalNotice(t *testing.T) {
	store := &fakeWorkflowStore{}
	svc := newEngine(store)
	sh := shipmentIn("")
	seed(t, svc, sh, domain.WorkflowStateBookingConfirmed, "si_submitted", "vgm_submitted", "departed")

	entered, err := svc.AutoTransitionFromDocument(context.Background(), sh,
		classified(domain.DocTypeArrivalNotice, domain.EmailTypeNotification, domain.DirectionInbound), 42)
	if err != nil {
		t.Fatalf("AutoTransitionFromDocument: %v", err)
	}
	if entered != "arrival_notice_received" {
		t.Fatalf("entered = %q, want arrival_notice_received", entered)
	}
	last := store.transitions[len(store.transitions)-1]
	if last.TriggeredBy != domain.TriggerDocumentType {
		t.Errorf("triggered_by = %q, want document_type", last.TriggeredBy)
	}
	if last.TriggeringEmailID == nil || *last.TriggeringEmailID != 42 {
		t.Errorf("triggering_email_id = %v, want 42", last.TriggeringEmailID)
	}
	if sh.Status != domain.ShipmentStatusArrived {
		t.Errorf("status = %q, want arrived", sh.Status)
	}
}

func TestStaleDocumentDoesNotMoveBackward(t *testing.T) {
	store := &fakeWorkflowStore{}
	svc := newEngine(store)
	sh := shipmentIn("")
	seed(t, svc, sh, domain.WorkflowStateBookingConfirmed, "si_submitted", "vgm_submitted", "departed", "arrival_notice_received")
	rows := len(store.transitions)

	// A re-processed SI draft maps to si_draft_review (20), behind 80.
	entered, err := svc.AutoTransitionFromDocument(context.Background(), sh,
		classified(domain.DocTypeSIDraft, domain.EmailTypeDraftReview, domain.DirectionInbound), 43)
	if err != nil {
		t.Fatalf("AutoTransitionFromDocument: %v", err)
	}
	if entered != "" {
		t.Errorf("entered = %q, want no transition", entered)
	}
	if len(store.transitions) != rows {
		t.Error("stale document added a history row")
	}
}

func TestDualTriggerHigherOrderWins(t *testing.T) {
	store := &fakeWorkflowStore{}
	svc := newEngine(store)
	sh := shipmentIn("")
	seed(t, svc, sh, domain.WorkflowStateBookingConfirmed)

	// bill_of_lading maps to departed (70); cancellation email maps to
	// booking_cancelled (999). The email trigger outranks the document.
	entered, err := svc.AutoTransitionFromDocument(context.Background(), sh,
		classified(domain.DocTypeBillOfLading, domain.EmailTypeCancellation, domain.DirectionInbound), 44)
	if err != nil {
		t.Fatalf("AutoTransitionFromDocument: %v", err)
	}
	if entered != domain.WorkflowStateCancelled {
		t.Fatalf("entered = %q, want booking_cancelled", entered)
	}
	last := store.transitions[len(store.transitions)-1]
	if last.TriggeredBy != domain.TriggerEmailType {
		t.Errorf("triggered_by = %q, want email_type", last.TriggeredBy)
	}
	if last.TriggerValue == nil || *last.TriggerValue != "cancellation" {
		t.Errorf("trigger_value = %v, want cancellation", last.TriggerValue)
	}
}

func TestDirectionGatesSubmissionTriggers(t *testing.T) {
	store := &fakeWorkflowStore{}
	svc := newEngine(store)
	sh := shipmentIn("")
	seed(t, svc, sh, domain.WorkflowStateBookingConfirmed)

	// A customer's inbound shipping instruction is not our submission.
	entered, err := svc.AutoTransitionFromDocument(context.Background(), sh,
		classified(domain.DocTypeShippingInstruction, domain.EmailTypeInstruction, domain.DirectionInbound), 45)
	if err != nil {
		t.Fatalf("AutoTransitionFromDocument: %v", err)
	}
	if entered != "" {
		t.Errorf("entered = %q, inbound SI must not advance to si_submitted", entered)
	}

	// Our outbound submission does.
	entered, err = svc.AutoTransitionFromDocument(context.Background(), sh,
		classified(domain.DocTypeShippingInstruction, domain.EmailTypeSubmission, domain.DirectionOutbound), 46)
	if err != nil {
		t.Fatalf("AutoTransitionFromDocument: %v", err)
	}
	if entered != "si_submitted" {
		t.Errorf("entered = %q, want si_submitted", entered)
	}
}

func TestCorrespondenceNeverTriggers(t *testing.T) {
	store := &fakeWorkflowStore{}
	svc := newEngine(store)
	sh := shipmentIn("")
	seed(t, svc, sh, domain.WorkflowStateBookingConfirmed)
	rows := len(store.transitions)

	entered, err := svc.AutoTransitionFromDocument(context.Background(), sh,
		classified(domain.DocTypeGeneralCorrespondence, domain.EmailTypeCorrespondence, domain.DirectionInbound), 47)
	if err != nil {
		t.Fatalf("AutoTransitionFromDocument: %v", err)
	}
	if entered != "" || len(store.transitions) != rows {
		t.Error("correspondence advanced the workflow")
	}
}
