package worker

import (
	"context"

	"shipment_worker/pkg/logger"

	"github.com/goccy/go-json"
)

type Handler struct {
	emailProcessor   *EmailProcessor
	insightProcessor *InsightProcessor
}

func NewHandler(
	emailProcessor *EmailProcessor,
	insightProcessor *InsightProcessor,
) *Handler {
	return &Handler{
		emailProcessor:   emailProcessor,
		insightProcessor: insightProcessor,
	}
}

func (h *Handler) Process(ctx context.Context, msg *Message) error {
	logger.Debug("Processing message: %s", msg.Type)

	switch msg.Type {
	// Email jobs
	case JobEmailProcess:
		return h.emailProcessor.ProcessOne(ctx, msg)
	case JobEmailBatch:
		return h.emailProcessor.ProcessBatch(ctx, msg)

	// Insight housekeeping
	case JobInsightExpire:
		return h.insightProcessor.ProcessExpire(ctx, msg)

	default:
		logger.Warn("Unknown job type: %s", msg.Type)
		return nil
	}
}

// DeadLetter leaves a persisted trace for jobs the pool gave up on, so
// their subject does not sit in a transient state with no worker coming
// back for it. Called from the pool's DLQ drain.
func (h *Handler) DeadLetter(ctx context.Context, msg *Message) {
	switch msg.Type {
	case JobEmailProcess:
		h.emailProcessor.MarkFailed(ctx, msg)
	}
}

func ParsePayload[T any](msg *Message) (*T, error) {
	var payload T
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
