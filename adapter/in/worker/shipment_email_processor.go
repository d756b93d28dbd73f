package worker

import (
	"context"
	"fmt"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
	"shipment_worker/core/service/pipeline"
	"shipment_worker/pkg/apperr"
	"shipment_worker/pkg/logger"
)

// EmailProcessor processes email pipeline jobs.
type EmailProcessor struct {
	pipeline *pipeline.Service
	emails   out.EmailRepository
}

// NewEmailProcessor creates a new email processor.
func NewEmailProcessor(pipelineService *pipeline.Service, emails out.EmailRepository) *EmailProcessor {
	return &EmailProcessor{
		pipeline: pipelineService,
		emails:   emails,
	}
}

// ProcessOne handles a single-email pipeline job.
func (p *EmailProcessor) ProcessOne(ctx context.Context, msg *Message) error {
	payload, err := ParsePayload[EmailProcessPayload](msg)
	if err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}
	if payload.EmailID == 0 {
		return fmt.Errorf("email.process payload missing email_id")
	}

	result := p.pipeline.ProcessEmail(ctx, payload.EmailID)
	if !result.Success && result.Status == domain.ProcessingStatusPending {
		// The run parked the email for another attempt. Surfacing a
		// retryable error lets the pool back off and resubmit instead of
		// waiting for the next poll sweep.
		return apperr.ProcessingParked(payload.EmailID, result.Error)
	}

	// Review and failed outcomes are already persisted with their reason;
	// there is nothing left for the job layer to do with them.
	return nil
}

// ProcessBatch handles a multi-email ingest batch. The batch driver paces
// the emails and continues past individual failures.
func (p *EmailProcessor) ProcessBatch(ctx context.Context, msg *Message) error {
	payload, err := ParsePayload[EmailBatchPayload](msg)
	if err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}
	if len(payload.EmailIDs) == 0 {
		return nil
	}

	results := p.pipeline.ProcessBatch(ctx, payload.EmailIDs, nil)

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	logger.Info("[EmailProcessor] batch of %d finished, %d failed", len(results), failed)
	return nil
}

// MarkFailed stamps the email failed after the pool exhausted its retries,
// so the row does not sit at pending with no worker coming back for it.
func (p *EmailProcessor) MarkFailed(ctx context.Context, msg *Message) {
	payload, err := ParsePayload[EmailProcessPayload](msg)
	if err != nil || payload.EmailID == 0 {
		return
	}

	reason := "worker retries exhausted"
	if err := p.emails.UpdateProcessingStatus(ctx, payload.EmailID, domain.ProcessingStatusFailed, &reason); err != nil {
		logger.Error("[EmailProcessor] failed to mark email %d as failed: %v", payload.EmailID, err)
	}
}
