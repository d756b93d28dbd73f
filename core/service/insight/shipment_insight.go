// Package insight surfaces operational findings about shipments: a context
// gatherer joins documents, transitions and stakeholder history; a rule
// catalog detects risk patterns; an optional model pass adds findings when
// the shipment warrants the tokens; a synthesizer dedupes, ranks and caps
// the result. The package also owns per-document action determination.
package insight

import (
	"context"
	"time"

	"github.com/google/uuid"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
	"shipment_worker/core/service/common"
	"shipment_worker/pkg/apperr"
	"shipment_worker/pkg/logger"
)

// Deps wires the insight service. Analyzer and Graph may be nil; generation
// then runs rules-only with standard-tier stakeholder defaults.
type Deps struct {
	Shipments out.ShipmentRepository
	Links     out.LinkRepository
	Workflow  out.WorkflowRepository
	Emails    out.EmailRepository
	Insights  out.InsightRepository
	Config    *common.ConfigCache
	Analyzer  out.LLMInsightAnalyzer
	Graph     out.PartyGraph
}

type Service struct {
	insights out.InsightRepository
	gatherer *contextGatherer
	analyzer *aiAnalyzer
	cfg      *common.ConfigCache
	log      *logger.Logger

	defaultRules []*domain.InsightRule
}

func NewService(deps Deps) *Service {
	log := logger.WithStage(string(domain.StageInsights))
	return &Service{
		insights: deps.Insights,
		gatherer: &contextGatherer{
			shipments: deps.Shipments,
			links:     deps.Links,
			workflow:  deps.Workflow,
			emails:    deps.Emails,
			graph:     deps.Graph,
			log:       log,
		},
		analyzer:     &aiAnalyzer{llm: deps.Analyzer, log: log},
		cfg:          deps.Config,
		log:          log,
		defaultRules: defaultInsightRules(),
	}
}

// =============================================================================
// Generation
// =============================================================================

// GenerateForShipment runs the full chain for one shipment and persists the
// result. A shipment already analyzed today is skipped unless force is set;
// the skip returns the stored active insights.
func (s *Service) GenerateForShipment(ctx context.Context, shipment *domain.Shipment, force bool) ([]*domain.Insight, error) {
	latest, err := s.insights.GetLatestGeneration(ctx, shipment.ID)
	if err != nil {
		return nil, apperr.DatabaseError("load latest insight generation", err).WithStage(string(domain.StageInsights))
	}
	if !force && latest != nil && sameDay(latest.GeneratedAt, time.Now()) {
		s.log.WithField("shipment_id", shipment.ID).Debug("insights already generated today, serving stored set")
		return s.ListActive(ctx, shipment.ID)
	}

	started := time.Now()
	ic := s.gatherer.Gather(ctx, shipment)

	ruleInsights := s.runRules(ctx, ic)

	var aiInsights []*domain.Insight
	tokens := 0
	if s.analyzer.shouldAnalyze(ic, len(ruleInsights)) {
		aiInsights, tokens = s.analyzer.Analyze(ctx, ic)
	}

	final := synthesize(ruleInsights, aiInsights)
	for _, in := range final {
		in.ID = uuid.NewString()
	}

	if len(final) > 0 {
		if err := s.insights.CreateBatch(ctx, final); err != nil {
			return nil, apperr.DatabaseError("persist insights", err).WithStage(string(domain.StageInsights))
		}
	}

	genLog := &domain.InsightGenerationLog{
		ID:          uuid.NewString(),
		ShipmentID:  shipment.ID,
		RulesFired:  len(ruleInsights),
		AIInsights:  len(aiInsights),
		TotalBoost:  totalBoost(final),
		Forced:      force,
		TokensUsed:  tokens,
		DurationMS:  time.Since(started).Milliseconds(),
		GeneratedAt: started,
	}
	if err := s.insights.LogGeneration(ctx, genLog); err != nil {
		// The insights themselves landed; a missing audit row only delays
		// the next same-day skip.
		s.log.WithField("shipment_id", shipment.ID).WithError(err).Warn("insight generation log write failed")
	}

	s.log.WithFields(map[string]any{
		"shipment_id": shipment.ID,
		"rules_fired": len(ruleInsights),
		"ai_insights": len(aiInsights),
		"kept":        len(final),
	}).WithDuration(time.Since(started)).Info("insight generation complete")
	return final, nil
}

// runRules evaluates every enabled configured rule that has a detector.
func (s *Service) runRules(ctx context.Context, ic *domain.InsightContext) []*domain.Insight {
	var fired []*domain.Insight
	for _, rule := range s.rules(ctx) {
		if !rule.Enabled {
			continue
		}
		detect := detectors[rule.Code]
		if detect == nil {
			continue
		}
		if d := detect(rule, ic); d != nil {
			fired = append(fired, buildRuleInsight(rule, ic, d))
		}
	}
	return fired
}

// ListActive returns the stored active insights for a shipment.
func (s *Service) ListActive(ctx context.Context, shipmentID int64) ([]*domain.Insight, error) {
	insights, err := s.insights.ListActive(ctx, shipmentID)
	if err != nil {
		return nil, apperr.DatabaseError("list active insights", err).WithStage(string(domain.StageInsights))
	}
	return insights, nil
}

// UpdateStatus moves one insight through its review lifecycle.
func (s *Service) UpdateStatus(ctx context.Context, insightID string, status domain.InsightStatus) error {
	if err := s.insights.UpdateStatus(ctx, insightID, status); err != nil {
		return apperr.DatabaseError("update insight status", err).WithStage(string(domain.StageInsights))
	}
	return nil
}

// ExpireStale closes out active insights older than the horizon. Intended
// for the batch driver's housekeeping pass.
func (s *Service) ExpireStale(ctx context.Context, horizon time.Duration) (int64, error) {
	expired, err := s.insights.ExpireActiveBefore(ctx, time.Now().Add(-horizon))
	if err != nil {
		return 0, apperr.DatabaseError("expire stale insights", err).WithStage(string(domain.StageInsights))
	}
	if expired > 0 {
		s.log.WithField("expired", expired).Info("stale insights expired")
	}
	return expired, nil
}

// rules returns the configured catalog, or the built-ins when configuration
// is absent or unreadable.
func (s *Service) rules(ctx context.Context) []*domain.InsightRule {
	if s.cfg == nil {
		return s.defaultRules
	}
	rules, err := s.cfg.InsightRules(ctx)
	if err != nil {
		s.log.WithError(err).Warn("insight rules unavailable, using built-ins")
		return s.defaultRules
	}
	if len(rules) == 0 {
		return s.defaultRules
	}
	return rules
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
