package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates pipeline events published to the event stream
type EventType string

const (
	EventEmailProcessed       EventType = "email_processed"
	EventShipmentCreated      EventType = "shipment_created"
	EventShipmentUpdated      EventType = "shipment_updated"
	EventOrphanPromoted       EventType = "orphan_promoted"
	EventWorkflowTransitioned EventType = "workflow_transitioned"
	EventInsightCreated       EventType = "insight_created"
	EventConfigInvalidated    EventType = "config_invalidated"
)

// PipelineEvent is the envelope published after notable pipeline outcomes.
// Consumers are downstream dashboards and the config invalidation bus.
type PipelineEvent struct {
	ID            string         `json:"id"`
	Type          EventType      `json:"type"`
	EmailID       *int64         `json:"email_id,omitempty"`
	ShipmentID    *int64         `json:"shipment_id,omitempty"`
	BookingNumber *string        `json:"booking_number,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// NewPipelineEvent stamps a fresh envelope.
func NewPipelineEvent(t EventType) *PipelineEvent {
	return &PipelineEvent{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
	}
}

// WithEmail attaches the email reference.
func (e *PipelineEvent) WithEmail(emailID int64) *PipelineEvent {
	e.EmailID = &emailID
	return e
}

// WithShipment attaches the shipment reference.
func (e *PipelineEvent) WithShipment(shipmentID int64, bookingNumber string) *PipelineEvent {
	e.ShipmentID = &shipmentID
	if bookingNumber != "" {
		e.BookingNumber = &bookingNumber
	}
	return e
}

// WithPayload merges extra fields into the payload.
func (e *PipelineEvent) WithPayload(key string, value any) *PipelineEvent {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}
