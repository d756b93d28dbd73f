package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"shipment_worker/pkg/apperr"
	"shipment_worker/pkg/cache"
	"shipment_worker/pkg/metrics"
)

var modelPricing = map[string]struct {
	InputPer1M  float64
	OutputPer1M float64
}{
	"gpt-4o-mini":            {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4o":                 {InputPer1M: 5.00, OutputPer1M: 15.00},
	"text-embedding-3-small": {InputPer1M: 0.02},
	"text-embedding-3-large": {InputPer1M: 0.13},
}

// CalculateCost estimates USD spend for one call.
func CalculateCost(model string, promptTokens, completionTokens int) float64 {
	pricing, ok := modelPricing[model]
	if !ok {
		return 0
	}

	inputCost := float64(promptTokens) / 1_000_000 * pricing.InputPer1M
	outputCost := float64(completionTokens) / 1_000_000 * pricing.OutputPer1M

	return inputCost + outputCost
}

// CostTracker accumulates token spend in process and mirrors a daily
// counter into Redis so the budget holds across worker instances.
type CostTracker struct {
	mu           sync.RWMutex
	totalCost    float64
	totalTokens  int64
	requestCount int64
	dailyCost    map[string]float64
	modelUsage   map[string]int64

	shared      *cache.RedisCache
	dailyBudget int64
}

func NewCostTracker(shared *cache.RedisCache, dailyBudget int64) *CostTracker {
	return &CostTracker{
		dailyCost:   make(map[string]float64),
		modelUsage:  make(map[string]int64),
		shared:      shared,
		dailyBudget: dailyBudget,
	}
}

// Track records one call's usage and returns its estimated cost.
func (t *CostTracker) Track(ctx context.Context, model string, inputTokens, outputTokens int) float64 {
	cost := CalculateCost(model, inputTokens, outputTokens)
	tokens := int64(inputTokens + outputTokens)

	t.mu.Lock()
	t.totalCost += cost
	t.totalTokens += tokens
	t.requestCount++

	today := time.Now().Format("2006-01-02")
	t.dailyCost[today] += cost
	t.modelUsage[model] += tokens
	t.mu.Unlock()

	metrics.GlobalCounters().RecordLLMCall(int(tokens))

	if t.shared != nil {
		key := cache.CostKey(model, time.Now())
		if _, err := t.shared.IncrementBy(ctx, key, tokens); err == nil {
			t.shared.Expire(ctx, key, 48*time.Hour)
		}
	}

	return cost
}

// CheckBudget returns ExternalUnavailable once today's shared token count
// exceeds the configured budget. Zero budget disables the check.
func (t *CostTracker) CheckBudget(ctx context.Context, model string) error {
	if t.dailyBudget <= 0 {
		return nil
	}

	var used int64
	if t.shared != nil {
		key := cache.CostKey(model, time.Now())
		if v, err := t.shared.Get(ctx, key); err == nil {
			fmt.Sscanf(v, "%d", &used)
		}
	} else {
		t.mu.RLock()
		used = t.modelUsage[model]
		t.mu.RUnlock()
	}

	if used >= t.dailyBudget {
		return apperr.LLMError("budget", fmt.Errorf("daily token budget exhausted: %d/%d", used, t.dailyBudget))
	}
	return nil
}

type CostStats struct {
	TotalCost         float64 `json:"total_cost"`
	TotalTokens       int64   `json:"total_tokens"`
	RequestCount      int64   `json:"request_count"`
	AvgCostPerRequest float64 `json:"avg_cost_per_request"`
}

func (t *CostTracker) GetStats() CostStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	avg := 0.0
	if t.requestCount > 0 {
		avg = t.totalCost / float64(t.requestCount)
	}
	return CostStats{
		TotalCost:         t.totalCost,
		TotalTokens:       t.totalTokens,
		RequestCount:      t.requestCount,
		AvgCostPerRequest: avg,
	}
}
