package classification

import (
	"context"
	"time"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
	"shipment_worker/core/service/common"
	"shipment_worker/pkg/apperr"
	"shipment_worker/pkg/logger"
)

// Deps wires the classification service. LLM may be nil; the cascade then
// runs rules-only.
type Deps struct {
	Classifications out.ClassificationRepository
	Config          *common.ConfigCache
	LLM             out.LLMClassifier
	OwnDomains      []string
	Pipeline        *PipelineConfig
}

// Service decides documentType and emailType for one email. Classify never
// fails: every problem degrades to a weaker verdict, bottoming out at
// unknown with confidence 0.
type Service struct {
	classifications out.ClassificationRepository
	resolver        *senderResolver
	emailTypes      *emailTypeClassifier
	stages          []documentClassifier
	heuristic       *senderHeuristicClassifier
	ai              *aiFallbackClassifier
	cfg             *PipelineConfig
	log             *logger.Logger
}

func NewService(deps Deps) *Service {
	cfg := deps.Pipeline
	if cfg == nil {
		cfg = DefaultPipelineConfig()
	}
	registry := newPatternRegistry(deps.Config)
	return &Service{
		classifications: deps.Classifications,
		resolver:        newSenderResolver(deps.Config, deps.OwnDomains),
		emailTypes:      newEmailTypeClassifier(registry),
		stages: []documentClassifier{
			&filenameClassifier{registry: registry},
			&markerClassifier{registry: registry},
			&subjectClassifier{registry: registry},
			&bodyClassifier{registry: registry},
		},
		heuristic: &senderHeuristicClassifier{},
		ai:        &aiFallbackClassifier{llm: deps.LLM},
		cfg:       cfg,
		log:       logger.WithStage(string(domain.StageClassification)),
	}
}

// Classify runs the full cascade and returns the storable row. The returned
// row is not yet persisted; ClassifyAndStore handles that.
func (s *Service) Classify(ctx context.Context, in *Input) *domain.DocumentClassification {
	started := time.Now()
	s.resolver.resolve(ctx, in)

	result := s.classifyDocument(ctx, in)
	result = s.applyThreadAuthority(ctx, in, result)
	emailType := s.emailTypes.Classify(ctx, in)

	direction := domain.DirectionInbound
	if in.Flags != nil {
		direction = in.Flags.Direction
	}

	now := time.Now()
	row := &domain.DocumentClassification{
		EmailID:              in.Email.ID,
		DocumentType:         result.DocumentType,
		DocumentConfidence:   result.Confidence,
		ClassificationMethod: result.Method,
		EmailType:            emailType.EmailType,
		EmailTypeConfidence:  emailType.Confidence,
		Direction:            direction,
		SenderCategory:       in.SenderCategory,
		Sentiment:            result.Sentiment,
		IsUrgent:             result.IsUrgent || detectUrgency(in),
		ModelUsed:            result.ModelUsed,
		TokensUsed:           result.TokensUsed,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	row.NeedsManualReview = row.RequiresManualReview()

	s.log.WithEmail(in.Email.ID).WithDuration(time.Since(started)).WithFields(map[string]any{
		"document_type": string(row.DocumentType),
		"confidence":    row.DocumentConfidence,
		"method":        string(row.ClassificationMethod),
		"source":        result.Source,
		"email_type":    string(row.EmailType),
	}).Info("email classified")
	return row
}

// ClassifyAndStore classifies and upserts the 1:1 row for the email.
func (s *Service) ClassifyAndStore(ctx context.Context, in *Input) (*domain.DocumentClassification, error) {
	row := s.Classify(ctx, in)
	if err := s.classifications.Upsert(ctx, row); err != nil {
		return nil, apperr.DatabaseError("upsert classification", err).WithStage(string(domain.StageClassification))
	}
	return row, nil
}

// classifyDocument walks the deterministic stages in confidence order, takes
// the first opinion, and lets the capped AI fallback improve a weak one.
func (s *Service) classifyDocument(ctx context.Context, in *Input) *Result {
	var best *Result
	for _, stage := range s.stages {
		res, err := stage.Classify(ctx, in)
		if err != nil {
			s.log.WithEmail(in.Email.ID).WithField("stage", stage.Name()).WithError(err).Warn("classifier stage failed")
			continue
		}
		if res != nil {
			best = res
			break
		}
	}

	best = applySenderDownRank(best, in)

	if best == nil {
		if res, _ := s.heuristic.Classify(ctx, in); res != nil {
			best = res
		}
	}

	if s.cfg.AIEnabled && (best == nil || best.Confidence < s.cfg.AIFallbackThreshold) {
		if res, _ := s.ai.Classify(ctx, in); res != nil {
			if best == nil || res.Confidence > best.Confidence {
				best = res
			}
		}
	}

	if best == nil {
		best = &Result{
			DocumentType: domain.DocTypeUnknown,
			Confidence:   0,
			Method:       domain.ClassificationMethodKeyword,
			Source:       "default",
		}
	}
	return best
}

// applyThreadAuthority demotes workflow-significant verdicts on responses
// that disagree with the thread's established type. The authority is the
// thread's earliest classified non-response; a reply quoting it under a
// different verdict must not re-trigger the workflow. A response carrying a
// new business attachment keeps its type, and a response in a thread with
// no authority yet is itself the thread's first document — a forwarded
// confirmation arrives exactly that way.
func (s *Service) applyThreadAuthority(ctx context.Context, in *Input, res *Result) *Result {
	if !in.IsResponse() || !res.DocumentType.IsWorkflowSignificant() || in.HasBusinessAttachment() {
		return res
	}
	if s.classifications == nil || in.Email.ThreadID == "" {
		return res
	}

	authority, err := s.classifications.GetThreadAuthority(ctx, in.Email.ThreadID)
	if err != nil {
		s.log.WithEmail(in.Email.ID).WithError(err).Warn("thread authority lookup failed")
		return res
	}
	if authority == nil || authority.DocumentType == res.DocumentType {
		return res
	}

	s.log.WithEmail(in.Email.ID).WithFields(map[string]any{
		"demoted_type":   string(res.DocumentType),
		"authority_type": string(authority.DocumentType),
		"confidence":     res.Confidence,
	}).Debug("response demoted to general correspondence")

	res.DocumentType = domain.DocTypeGeneralCorrespondence
	res.Signals = append(res.Signals, "thread:authority-override")
	return res
}
