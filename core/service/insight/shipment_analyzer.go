package insight

import (
	"context"
	"time"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
	"shipment_worker/pkg/logger"
)

const (
	relatedActiveGateMin = 5
	cutoffGateWindow     = 7 * 24 * time.Hour
)

// aiAnalyzer runs the model over the shipment digest. It only runs when the
// shipment looks interesting enough to justify the tokens, and its output
// is clamped before the synthesizer sees it.
type aiAnalyzer struct {
	llm out.LLMInsightAnalyzer
	log *logger.Logger
}

// shouldAnalyze gates the model call: rules fired, a high-tier shipper, a
// busy party pair, or a cutoff inside the week.
func (a *aiAnalyzer) shouldAnalyze(ic *domain.InsightContext, rulesFired int) bool {
	if a.llm == nil || !a.llm.Available() {
		return false
	}
	if rulesFired > 0 {
		return true
	}
	if ic.Stakeholders != nil && ic.Stakeholders.ShipperTier == "high" {
		return true
	}
	if ic.RelatedActiveShipments >= relatedActiveGateMin {
		return true
	}
	return cutoffWithin(ic, cutoffGateWindow)
}

func cutoffWithin(ic *domain.InsightContext, window time.Duration) bool {
	for _, cutoff := range []*time.Time{
		ic.Shipment.SICutoff, ic.Shipment.VGMCutoff, ic.Shipment.CargoCutoff,
		ic.Shipment.GateCutoff, ic.Shipment.DocCutoff,
	} {
		if cutoff == nil {
			continue
		}
		until := cutoff.Sub(ic.Now)
		if until > 0 && until <= window {
			return true
		}
	}
	return false
}

// Analyze returns the model's insights converted and clamped, plus the
// token count for the generation log. Model failures degrade to rules-only.
func (a *aiAnalyzer) Analyze(ctx context.Context, ic *domain.InsightContext) ([]*domain.Insight, int) {
	bundle, err := a.llm.AnalyzeShipment(ctx, ic)
	if err != nil {
		a.log.WithField("shipment_id", ic.Shipment.ID).WithError(err).Warn("ai insight analysis failed, keeping rule results")
		return nil, 0
	}
	if bundle == nil || len(bundle.Insights) == 0 {
		return nil, tokensOf(bundle)
	}

	proposals := bundle.Insights
	if len(proposals) > domain.MaxAIInsights {
		proposals = proposals[:domain.MaxAIInsights]
	}

	insights := make([]*domain.Insight, 0, len(proposals))
	for _, p := range proposals {
		if p == nil || p.Title == "" {
			continue
		}
		boost := p.PriorityBoost
		if boost > domain.MaxAIPriorityBoost {
			boost = domain.MaxAIPriorityBoost
		}
		if boost < 0 {
			boost = 0
		}
		confidence := p.Confidence
		if confidence > 100 {
			confidence = 100
		}
		if confidence < 0 {
			confidence = 0
		}

		insight := &domain.Insight{
			ShipmentID:     ic.Shipment.ID,
			Type:           domain.ParseInsightType(p.Type),
			Severity:       domain.ParseInsightSeverity(p.Severity),
			Title:          p.Title,
			Description:    p.Description,
			Source:         domain.InsightSourceAI,
			Confidence:     confidence,
			PriorityBoost:  boost,
			SupportingData: p.Supporting,
			Status:         domain.InsightStatusActive,
			CreatedAt:      ic.Now,
			UpdatedAt:      ic.Now,
		}
		if p.ActionType != "" {
			insight.Action = &domain.InsightAction{
				Target:      p.ActionTarget,
				Type:        p.ActionType,
				Urgency:     domain.ParseActionUrgency(p.ActionUrgency),
				Description: p.Description,
			}
		}
		insights = append(insights, insight)
	}
	return insights, tokensOf(bundle)
}

func tokensOf(bundle *out.AIInsightBundle) int {
	if bundle == nil {
		return 0
	}
	return bundle.TokensUsed
}
