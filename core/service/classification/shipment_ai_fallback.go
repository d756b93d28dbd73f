package classification

import (
	"context"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
	"shipment_worker/pkg/logger"
)

// aiFallbackClassifier asks the model only when the deterministic cascade
// came up short. Its verdict is capped so an AI guess can never outrank a
// configured pattern match.
type aiFallbackClassifier struct {
	llm out.LLMClassifier
}

func (c *aiFallbackClassifier) Name() string { return "ai_fallback" }

func (c *aiFallbackClassifier) Classify(ctx context.Context, in *Input) (*Result, error) {
	if c.llm == nil || !c.llm.Available() {
		return nil, nil
	}

	direction := string(domain.DirectionInbound)
	if in.Flags != nil {
		direction = string(in.Flags.Direction)
	}
	verdict, err := c.llm.ClassifyDocument(ctx, &out.EmailForAnalysis{
		EmailID:        in.Email.ID,
		Subject:        in.CleanSubject(),
		SenderEmail:    in.Email.EffectiveSenderEmail(),
		SenderDomain:   in.Email.SenderDomain(),
		Direction:      direction,
		BodyText:       in.Email.BodyText,
		AttachmentText: in.AttachmentText,
		Filenames:      in.Filenames,
	})
	if err != nil {
		logger.WithEmail(in.Email.ID).WithError(err).Warn("ai classification failed, keeping cascade result")
		return nil, nil
	}
	if verdict == nil {
		return nil, nil
	}

	confidence := verdict.Confidence
	if confidence > domain.ConfidenceAICap {
		confidence = domain.ConfidenceAICap
	}
	if confidence < 0 {
		confidence = 0
	}

	model := verdict.ModelUsed
	return &Result{
		DocumentType: domain.ParseDocumentType(verdict.DocumentType),
		Confidence:   confidence,
		Method:       domain.ClassificationMethodAIFallback,
		Source:       "ai_fallback:" + model,
		Signals:      []string{"model=" + model},
		ModelUsed:    &model,
		TokensUsed:   verdict.TokensUsed,
		Sentiment:    verdict.Sentiment,
		IsUrgent:     verdict.IsUrgent,
	}, nil
}
