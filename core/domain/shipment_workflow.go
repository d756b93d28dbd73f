package domain

import (
	"sort"
	"time"
)

// WorkflowPhase groups workflow states into lifecycle bands
type WorkflowPhase string

const (
	PhasePreDeparture WorkflowPhase = "pre_departure"
	PhaseInTransit    WorkflowPhase = "in_transit"
	PhaseArrival      WorkflowPhase = "arrival"
	PhaseDelivery     WorkflowPhase = "delivery"
)

// Well-known state codes referenced by pipeline logic. The full state set
// is configuration; these three have hardcoded roles.
const (
	WorkflowStateBookingConfirmed = "booking_confirmation_received" // Initial state on creation
	WorkflowStatePODReceived      = "pod_received"                  // Terminal, delivered
	WorkflowStateCancelled        = "booking_cancelled"             // Terminal, reachable from any non-terminal state
)

// WorkflowStateConfig is one configured state in the DAG.
type WorkflowStateConfig struct {
	ID          int64         `json:"id"`
	Code        string        `json:"code"`
	Name        string        `json:"name"`
	Phase       WorkflowPhase `json:"phase"`
	StateOrder  int           `json:"state_order"` // Monotonic position in the DAG
	IsOptional  bool          `json:"is_optional"` // May be skipped on the way forward
	IsMilestone bool          `json:"is_milestone"`

	// Transitions
	NextStates            []string       `json:"next_states"`
	RequiresDocumentTypes []DocumentType `json:"requires_document_types,omitempty"`

	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal reports whether the state ends the workflow.
func (w *WorkflowStateConfig) IsTerminal() bool {
	return w.Code == WorkflowStatePODReceived || w.Code == WorkflowStateCancelled
}

// AllowsNext reports whether code is directly reachable from this state.
func (w *WorkflowStateConfig) AllowsNext(code string) bool {
	for _, next := range w.NextStates {
		if next == code {
			return true
		}
	}
	return false
}

// RequiresDocument reports whether a document of the given type lands the
// shipment in this state.
func (w *WorkflowStateConfig) RequiresDocument(t DocumentType) bool {
	for _, dt := range w.RequiresDocumentTypes {
		if dt == t {
			return true
		}
	}
	return false
}

// TriggerKind identifies what fired a workflow transition
type TriggerKind string

const (
	TriggerDocumentType TriggerKind = "document_type"
	TriggerEmailType    TriggerKind = "email_type"
	TriggerUser         TriggerKind = "user"
)

// WorkflowTransition is one append-only history row. The row is written
// before the shipment's current state mutates.
type WorkflowTransition struct {
	ID         int64   `json:"id"`
	ShipmentID int64   `json:"shipment_id"`
	FromState  *string `json:"from_state"` // nil on the first transition
	ToState    string  `json:"to_state"`

	TriggeredBy       TriggerKind `json:"triggered_by"`
	TriggerValue      *string     `json:"trigger_value,omitempty"` // The document/email type or user ref
	TriggeringEmailID *int64      `json:"triggering_email_id,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
	Notes      *string   `json:"notes,omitempty"`
}

// TransitionOptions parameterizes a workflow transition request.
type TransitionOptions struct {
	SkipValidation bool // Reserved for document-triggered moves to booking_cancelled
	TriggeredBy    TriggerKind
	TriggerValue   string
	EmailID        *int64
	Notes          *string
}

// WorkflowTriggerRule maps a classified document or email type onto a
// target state. Direction narrows document triggers; nil matches both.
type WorkflowTriggerRule struct {
	ID           int64         `json:"id"`
	DocumentType *DocumentType `json:"document_type,omitempty"`
	EmailType    *EmailType    `json:"email_type,omitempty"`
	Direction    *Direction    `json:"direction,omitempty"`
	TargetState  string        `json:"target_state"`
	Enabled      bool          `json:"enabled"`
}

// WorkflowStateSet is an indexed view over the configured states, built
// once per cache refresh.
type WorkflowStateSet struct {
	byCode  map[string]*WorkflowStateConfig
	ordered []*WorkflowStateConfig // Ascending stateOrder
}

// NewWorkflowStateSet indexes configuration rows. Inactive states are
// excluded from ordering but still resolvable by code.
func NewWorkflowStateSet(states []*WorkflowStateConfig) *WorkflowStateSet {
	set := &WorkflowStateSet{byCode: make(map[string]*WorkflowStateConfig, len(states))}
	for _, st := range states {
		set.byCode[st.Code] = st
		if st.IsActive {
			set.ordered = append(set.ordered, st)
		}
	}
	sort.Slice(set.ordered, func(i, j int) bool {
		return set.ordered[i].StateOrder < set.ordered[j].StateOrder
	})
	return set
}

// ByCode resolves a state; nil when unknown.
func (s *WorkflowStateSet) ByCode(code string) *WorkflowStateConfig {
	return s.byCode[code]
}

// Ordered returns active states in ascending stateOrder.
func (s *WorkflowStateSet) Ordered() []*WorkflowStateConfig {
	return s.ordered
}

// MaxOrder returns the highest active stateOrder, 0 when empty.
func (s *WorkflowStateSet) MaxOrder() int {
	if len(s.ordered) == 0 {
		return 0
	}
	return s.ordered[len(s.ordered)-1].StateOrder
}

// Between returns active states with stateOrder strictly inside (lo, hi).
func (s *WorkflowStateSet) Between(lo, hi int) []*WorkflowStateConfig {
	var out []*WorkflowStateConfig
	for _, st := range s.ordered {
		if st.StateOrder > lo && st.StateOrder < hi {
			out = append(out, st)
		}
	}
	return out
}

// FirstRequiring returns the lowest-order active state beyond afterOrder
// whose required documents include t, or nil.
func (s *WorkflowStateSet) FirstRequiring(t DocumentType, afterOrder int) *WorkflowStateConfig {
	for _, st := range s.ordered {
		if st.StateOrder > afterOrder && st.RequiresDocument(t) {
			return st
		}
	}
	return nil
}

// Progress maps a state's position onto [0, 100]. Terminal states always
// report 100; the scale runs over the non-terminal forward path, so the
// cancellation's out-of-band order does not stretch it.
func (s *WorkflowStateSet) Progress(code string) int {
	st := s.byCode[code]
	if st == nil {
		return 0
	}
	if st.IsTerminal() {
		return 100
	}
	max := 0
	for _, cand := range s.ordered {
		if !cand.IsTerminal() && cand.StateOrder > max {
			max = cand.StateOrder
		}
	}
	if max == 0 {
		return 0
	}
	p := st.StateOrder * 100 / max
	if p > 99 {
		p = 99
	}
	return p
}
