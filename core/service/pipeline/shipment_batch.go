package pipeline

import (
	"context"
	"fmt"
	"time"

	"shipment_worker/core/domain"
	"shipment_worker/pkg/apperr"
)

// =============================================================================
// Batch driver
// =============================================================================

// ProgressFunc receives the running position after each email.
type ProgressFunc func(done, total int, last *domain.ProcessingResult)

// ProcessBatch runs the ids sequentially with the configured inter-email
// pause. A failing email never stops the batch; the summary logs with a
// bounded sample of errors. A cancelled context stops between emails and
// returns what completed.
func (s *Service) ProcessBatch(ctx context.Context, emailIDs []int64, onProgress ProgressFunc) []*domain.ProcessingResult {
	results := make([]*domain.ProcessingResult, 0, len(emailIDs))
	if len(emailIDs) == 0 {
		return results
	}

	started := time.Now()
	succeeded, failed := 0, 0
	var errs []string

	for i, emailID := range emailIDs {
		if i > 0 {
			select {
			case <-ctx.Done():
				s.log.WithField("remaining", len(emailIDs)-i).Warn("batch cancelled, stopping between emails")
				return results
			case <-time.After(s.interEmailDelay):
			}
		}

		result := s.ProcessEmail(ctx, emailID)
		results = append(results, result)
		if result.Success {
			succeeded++
		} else {
			failed++
			if len(errs) < batchErrorCap {
				errs = append(errs, fmt.Sprintf("email %d [%s]: %s", result.EmailID, result.Stage, result.Error))
			}
		}
		if onProgress != nil {
			onProgress(i+1, len(emailIDs), result)
		}
	}

	fields := map[string]any{
		"total":     len(emailIDs),
		"succeeded": succeeded,
		"failed":    failed,
	}
	if len(errs) > 0 {
		fields["errors"] = errs
	}
	s.log.WithDuration(time.Since(started)).WithFields(fields).Info("batch complete")
	return results
}

// GetEmailsNeedingProcessing returns ids still owed a pipeline run:
// pending rows and classified rows whose downstream stages have not
// completed yet.
func (s *Service) GetEmailsNeedingProcessing(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	ids, err := s.emails.ListNeedingProcessing(ctx, limit)
	if err != nil {
		return nil, apperr.DatabaseError("list emails needing processing", err)
	}
	return ids, nil
}
