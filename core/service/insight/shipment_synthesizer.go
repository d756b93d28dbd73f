package insight

import (
	"sort"

	"shipment_worker/core/domain"
)

// synthesize merges rule and AI findings into the final ranked set: dedupe
// by (severity, normalized title prefix) with agreements marked hybrid,
// rank, keep the top N, and cap the combined priority boost.
func synthesize(ruleInsights, aiInsights []*domain.Insight) []*domain.Insight {
	byKey := make(map[string]*domain.Insight, len(ruleInsights)+len(aiInsights))
	merged := make([]*domain.Insight, 0, len(ruleInsights)+len(aiInsights))

	for _, in := range ruleInsights {
		key := in.DedupKey()
		if byKey[key] != nil {
			continue
		}
		byKey[key] = in
		merged = append(merged, in)
	}
	for _, in := range aiInsights {
		key := in.DedupKey()
		if existing := byKey[key]; existing != nil {
			// The model agreed with a rule: one hybrid insight, the
			// stronger confidence of the two.
			existing.Source = domain.InsightSourceHybrid
			if in.Confidence > existing.Confidence {
				existing.Confidence = in.Confidence
			}
			continue
		}
		byKey[key] = in
		merged = append(merged, in)
	}

	rankInsights(merged)
	if len(merged) > domain.MaxRankedInsights {
		merged = merged[:domain.MaxRankedInsights]
	}
	capTotalBoost(merged)
	return merged
}

// rankInsights orders by severity weight, then confidence, then rule-backed
// before pure AI, then priority boost.
func rankInsights(insights []*domain.Insight) {
	sort.SliceStable(insights, func(i, j int) bool {
		a, b := insights[i], insights[j]
		if aw, bw := a.Severity.Weight(), b.Severity.Weight(); aw != bw {
			return aw > bw
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		aRuleBacked := a.Source != domain.InsightSourceAI
		bRuleBacked := b.Source != domain.InsightSourceAI
		if aRuleBacked != bRuleBacked {
			return aRuleBacked
		}
		return a.PriorityBoost > b.PriorityBoost
	})
}

// capTotalBoost spends the boost budget in rank order; lower-ranked
// insights absorb the trim.
func capTotalBoost(insights []*domain.Insight) {
	remaining := domain.MaxTotalInsightBoost
	for _, in := range insights {
		if in.PriorityBoost > remaining {
			in.PriorityBoost = remaining
		}
		remaining -= in.PriorityBoost
	}
}

func totalBoost(insights []*domain.Insight) int {
	total := 0
	for _, in := range insights {
		total += in.PriorityBoost
	}
	return total
}
