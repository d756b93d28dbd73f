package worker

import (
	"time"

	"github.com/google/uuid"
)

// Priority levels for job scheduling.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// JobType represents the type of a job.
type JobType = string

// Job types
const (
	// Email jobs
	JobEmailProcess JobType = "email.process" // one email through the pipeline
	JobEmailBatch           = "email.batch"   // an ingest batch, sequential on one worker

	// Insight housekeeping
	JobInsightExpire = "insight.expire"
)

type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Priority  Priority       `json:"priority"`
	CreatedAt time.Time      `json:"created_at"`
	Retries   int            `json:"retries"`
}

func NewMessage(jobType string, payload map[string]any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      jobType,
		Payload:   payload,
		Priority:  PriorityNormal,
		CreatedAt: time.Now(),
		Retries:   0,
	}
}

// NewPriorityMessage creates a message with specific priority.
func NewPriorityMessage(jobType string, payload map[string]any, priority Priority) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      jobType,
		Payload:   payload,
		Priority:  priority,
		CreatedAt: time.Now(),
		Retries:   0,
	}
}

// IsPriority checks if message should go to priority queue.
func (m *Message) IsPriority() bool {
	return m.Priority >= PriorityHigh
}

// Email payloads
type EmailProcessPayload struct {
	EmailID int64 `json:"email_id"`
}

// EmailBatchPayload carries a multi-email ingest. The whole batch runs on
// one worker in arrival order, so same-thread emails never race each other.
type EmailBatchPayload struct {
	EmailIDs []int64 `json:"email_ids"`
}

// Insight payloads
type InsightExpirePayload struct {
	HorizonHours int `json:"horizon_hours"` // 0 = default horizon
}
