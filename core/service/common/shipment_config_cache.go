// Package common holds the shared configuration cache. Rule tables change
// rarely but drive every stage, so each worker keeps one parsed snapshot
// per table in memory behind a TTL, with invalidation fanned in over the
// bus when an admin writes.
package common

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
	"shipment_worker/pkg/logger"
)

// Config kinds. Invalidation scopes use these names; "all" clears everything.
const (
	KindCarriers               = "carriers"
	KindClassificationPatterns = "classification_patterns"
	KindEmailTypePatterns      = "email_type_patterns"
	KindCarrierIDPatterns      = "carrier_id_patterns"
	KindWorkflowStates         = "workflow_states"
	KindTriggerRules           = "workflow_trigger_rules"
	KindInsightRules           = "insight_rules"
	KindActionLookup           = "action_lookup"
	KindActionTypeRules        = "action_type_rules"
	KindActionPhrases          = "action_phrases"
	KindIntentAnchors          = "intent_anchors"
)

type cacheEntry struct {
	value    any
	loadedAt time.Time
}

// ConfigCache serves parsed rule tables with a process-wide TTL.
// Readers get the same slice pointers; nothing hands out copies, so
// callers must treat results as immutable.
type ConfigCache struct {
	repo out.ConfigRepository
	ttl  time.Duration

	mu      sync.RWMutex
	entries map[string]*cacheEntry

	// version bumps on every invalidation so services holding compiled
	// regex sets know when to rebuild.
	version atomic.Uint64
}

func NewConfigCache(repo out.ConfigRepository, ttl time.Duration) *ConfigCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ConfigCache{
		repo:    repo,
		ttl:     ttl,
		entries: make(map[string]*cacheEntry),
	}
}

// Version returns the current invalidation generation.
func (c *ConfigCache) Version() uint64 {
	return c.version.Load()
}

// Invalidate drops the snapshot for one kind, or all snapshots for scope
// "" or "all". Safe to call from the bus subscriber goroutine.
func (c *ConfigCache) Invalidate(scope string) {
	c.mu.Lock()
	if scope == "" || scope == "all" {
		c.entries = make(map[string]*cacheEntry)
	} else {
		delete(c.entries, scope)
	}
	c.mu.Unlock()

	c.version.Add(1)
	logger.WithField("scope", scope).Info("config cache invalidated")
}

func (c *ConfigCache) load(ctx context.Context, kind string, loader func(context.Context) (any, error)) (any, error) {
	c.mu.RLock()
	entry, ok := c.entries[kind]
	c.mu.RUnlock()

	if ok && time.Since(entry.loadedAt) < c.ttl {
		return entry.value, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have refreshed while we waited for the lock.
	if entry, ok := c.entries[kind]; ok && time.Since(entry.loadedAt) < c.ttl {
		return entry.value, nil
	}

	value, err := loader(ctx)
	if err != nil {
		// Serve the stale snapshot over failing the pipeline.
		if entry, ok := c.entries[kind]; ok {
			logger.WithError(err).WithField("kind", kind).Warn("config reload failed, serving stale snapshot")
			return entry.value, nil
		}
		return nil, err
	}

	c.entries[kind] = &cacheEntry{value: value, loadedAt: time.Now()}
	return value, nil
}

func (c *ConfigCache) Carriers(ctx context.Context) ([]*domain.Carrier, error) {
	v, err := c.load(ctx, KindCarriers, func(ctx context.Context) (any, error) {
		return c.repo.ListCarriers(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*domain.Carrier), nil
}

func (c *ConfigCache) ClassificationPatterns(ctx context.Context) ([]*domain.ClassificationPattern, error) {
	v, err := c.load(ctx, KindClassificationPatterns, func(ctx context.Context) (any, error) {
		return c.repo.ListClassificationPatterns(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*domain.ClassificationPattern), nil
}

func (c *ConfigCache) EmailTypePatterns(ctx context.Context) ([]*domain.EmailTypePattern, error) {
	v, err := c.load(ctx, KindEmailTypePatterns, func(ctx context.Context) (any, error) {
		return c.repo.ListEmailTypePatterns(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*domain.EmailTypePattern), nil
}

func (c *ConfigCache) CarrierIDPatterns(ctx context.Context) ([]*domain.CarrierIDPattern, error) {
	v, err := c.load(ctx, KindCarrierIDPatterns, func(ctx context.Context) (any, error) {
		return c.repo.ListCarrierIDPatterns(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*domain.CarrierIDPattern), nil
}

// WorkflowStates returns the parsed state machine. The set is rebuilt from
// rows on each reload so stateOrder indexes stay consistent.
func (c *ConfigCache) WorkflowStates(ctx context.Context) (*domain.WorkflowStateSet, error) {
	v, err := c.load(ctx, KindWorkflowStates, func(ctx context.Context) (any, error) {
		rows, err := c.repo.ListWorkflowStates(ctx)
		if err != nil {
			return nil, err
		}
		return domain.NewWorkflowStateSet(rows), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.WorkflowStateSet), nil
}

func (c *ConfigCache) TriggerRules(ctx context.Context) ([]*domain.WorkflowTriggerRule, error) {
	v, err := c.load(ctx, KindTriggerRules, func(ctx context.Context) (any, error) {
		return c.repo.ListWorkflowTriggerRules(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*domain.WorkflowTriggerRule), nil
}

func (c *ConfigCache) InsightRules(ctx context.Context) ([]*domain.InsightRule, error) {
	v, err := c.load(ctx, KindInsightRules, func(ctx context.Context) (any, error) {
		return c.repo.ListInsightRules(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*domain.InsightRule), nil
}

func (c *ConfigCache) ActionLookupRules(ctx context.Context) ([]*domain.ActionLookupRule, error) {
	v, err := c.load(ctx, KindActionLookup, func(ctx context.Context) (any, error) {
		return c.repo.ListActionLookupRules(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*domain.ActionLookupRule), nil
}

func (c *ConfigCache) ActionTypeRules(ctx context.Context) ([]*domain.ActionTypeRule, error) {
	v, err := c.load(ctx, KindActionTypeRules, func(ctx context.Context) (any, error) {
		return c.repo.ListActionTypeRules(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*domain.ActionTypeRule), nil
}

func (c *ConfigCache) ActionPhrases(ctx context.Context) ([]*domain.ActionPhrase, error) {
	v, err := c.load(ctx, KindActionPhrases, func(ctx context.Context) (any, error) {
		return c.repo.ListActionPhrases(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*domain.ActionPhrase), nil
}

func (c *ConfigCache) IntentAnchors(ctx context.Context) ([]*domain.IntentAnchor, error) {
	v, err := c.load(ctx, KindIntentAnchors, func(ctx context.Context) (any, error) {
		return c.repo.ListIntentAnchors(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*domain.IntentAnchor), nil
}
