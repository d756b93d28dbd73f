package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
)

// =============================================================================
// Config Adapter (PostgreSQL)
// =============================================================================

// ConfigAdapter implements out.ConfigRepository over the rule tables. Every
// read lands in the config cache; these queries run on cache miss or after
// an invalidation, never per email.
type ConfigAdapter struct {
	db *sqlx.DB
}

// NewConfigAdapter creates a new ConfigAdapter.
func NewConfigAdapter(db *sqlx.DB) *ConfigAdapter {
	return &ConfigAdapter{db: db}
}

// =============================================================================
// Carriers
// =============================================================================

func (a *ConfigAdapter) ListCarriers(ctx context.Context) ([]*domain.Carrier, error) {
	type row struct {
		ID            int64          `db:"id"`
		Code          string         `db:"code"`
		Name          string         `db:"name"`
		SenderDomains pq.StringArray `db:"sender_domains"`
		Active        bool           `db:"active"`
		CreatedAt     time.Time      `db:"created_at"`
		UpdatedAt     time.Time      `db:"updated_at"`
	}

	var rows []row
	err := a.db.SelectContext(ctx, &rows, `
		SELECT id, code, name, sender_domains, active, created_at, updated_at
		FROM carriers
		WHERE active = true
		ORDER BY code`)
	if err != nil {
		return nil, err
	}

	carriers := make([]*domain.Carrier, len(rows))
	for i, r := range rows {
		carriers[i] = &domain.Carrier{
			ID:            r.ID,
			Code:          r.Code,
			Name:          r.Name,
			SenderDomains: r.SenderDomains,
			Active:        r.Active,
			CreatedAt:     r.CreatedAt,
			UpdatedAt:     r.UpdatedAt,
		}
	}
	return carriers, nil
}

// =============================================================================
// Classification patterns
// =============================================================================

func (a *ConfigAdapter) ListClassificationPatterns(ctx context.Context) ([]*domain.ClassificationPattern, error) {
	type row struct {
		ID           int64          `db:"id"`
		Kind         string         `db:"kind"`
		CarrierCode  sql.NullString `db:"carrier_code"`
		Pattern      string         `db:"pattern"`
		DocumentType string         `db:"document_type"`
		EmailType    sql.NullString `db:"email_type"`
		Confidence   float64        `db:"confidence"`
		Priority     int            `db:"priority"`
		Enabled      bool           `db:"enabled"`
		CreatedAt    time.Time      `db:"created_at"`
		UpdatedAt    time.Time      `db:"updated_at"`
	}

	var rows []row
	err := a.db.SelectContext(ctx, &rows, `
		SELECT id, kind, carrier_code, pattern, document_type, email_type,
			confidence, priority, enabled, created_at, updated_at
		FROM classification_patterns
		WHERE enabled = true
		ORDER BY priority DESC, id`)
	if err != nil {
		return nil, err
	}

	patterns := make([]*domain.ClassificationPattern, len(rows))
	for i, r := range rows {
		p := &domain.ClassificationPattern{
			ID:           r.ID,
			Kind:         domain.PatternKind(r.Kind),
			CarrierCode:  strPtr(r.CarrierCode),
			Pattern:      r.Pattern,
			DocumentType: domain.DocumentType(r.DocumentType),
			Confidence:   r.Confidence,
			Priority:     r.Priority,
			Enabled:      r.Enabled,
			CreatedAt:    r.CreatedAt,
			UpdatedAt:    r.UpdatedAt,
		}
		if r.EmailType.Valid {
			et := domain.EmailType(r.EmailType.String)
			p.EmailType = &et
		}
		patterns[i] = p
	}
	return patterns, nil
}

func (a *ConfigAdapter) ListEmailTypePatterns(ctx context.Context) ([]*domain.EmailTypePattern, error) {
	type row struct {
		ID         int64   `db:"id"`
		EmailType  string  `db:"email_type"`
		Pattern    string  `db:"pattern"`
		InSubject  bool    `db:"in_subject"`
		InBody     bool    `db:"in_body"`
		Confidence float64 `db:"confidence"`
		Priority   int     `db:"priority"`
		Enabled    bool    `db:"enabled"`
	}

	var rows []row
	err := a.db.SelectContext(ctx, &rows, `
		SELECT id, email_type, pattern, in_subject, in_body, confidence, priority, enabled
		FROM email_type_patterns
		WHERE enabled = true
		ORDER BY priority DESC, id`)
	if err != nil {
		return nil, err
	}

	patterns := make([]*domain.EmailTypePattern, len(rows))
	for i, r := range rows {
		patterns[i] = &domain.EmailTypePattern{
			ID:         r.ID,
			EmailType:  domain.EmailType(r.EmailType),
			Pattern:    r.Pattern,
			InSubject:  r.InSubject,
			InBody:     r.InBody,
			Confidence: r.Confidence,
			Priority:   r.Priority,
			Enabled:    r.Enabled,
		}
	}
	return patterns, nil
}

func (a *ConfigAdapter) ListCarrierIDPatterns(ctx context.Context) ([]*domain.CarrierIDPattern, error) {
	type row struct {
		ID          int64          `db:"id"`
		CarrierCode sql.NullString `db:"carrier_code"`
		EntityType  string         `db:"entity_type"`
		Pattern     string         `db:"pattern"`
		Confidence  float64        `db:"confidence"`
		Priority    int            `db:"priority"`
		Enabled     bool           `db:"enabled"`
	}

	var rows []row
	err := a.db.SelectContext(ctx, &rows, `
		SELECT id, carrier_code, entity_type, pattern, confidence, priority, enabled
		FROM carrier_configs
		WHERE enabled = true
		ORDER BY priority DESC, id`)
	if err != nil {
		return nil, err
	}

	patterns := make([]*domain.CarrierIDPattern, len(rows))
	for i, r := range rows {
		patterns[i] = &domain.CarrierIDPattern{
			ID:          r.ID,
			CarrierCode: r.CarrierCode.String,
			EntityType:  domain.EntityType(r.EntityType),
			Pattern:     r.Pattern,
			Confidence:  r.Confidence,
			Priority:    r.Priority,
			Enabled:     r.Enabled,
		}
	}
	return patterns, nil
}

// =============================================================================
// Workflow configuration
// =============================================================================

// ListWorkflowStates returns every configured state, inactive included; the
// state set indexes inactive codes for lookups but keeps them out of the
// ordered walk.
func (a *ConfigAdapter) ListWorkflowStates(ctx context.Context) ([]*domain.WorkflowStateConfig, error) {
	type row struct {
		ID                    int64          `db:"id"`
		Code                  string         `db:"code"`
		Name                  string         `db:"name"`
		Phase                 string         `db:"phase"`
		StateOrder            int            `db:"state_order"`
		IsOptional            bool           `db:"is_optional"`
		IsMilestone           bool           `db:"is_milestone"`
		NextStates            pq.StringArray `db:"next_states"`
		RequiresDocumentTypes pq.StringArray `db:"requires_document_types"`
		IsActive              bool           `db:"is_active"`
		CreatedAt             time.Time      `db:"created_at"`
		UpdatedAt             time.Time      `db:"updated_at"`
	}

	var rows []row
	err := a.db.SelectContext(ctx, &rows, `
		SELECT id, code, name, phase, state_order, is_optional, is_milestone,
			next_states, requires_document_types, is_active, created_at, updated_at
		FROM shipment_workflow_states
		ORDER BY state_order, id`)
	if err != nil {
		return nil, err
	}

	states := make([]*domain.WorkflowStateConfig, len(rows))
	for i, r := range rows {
		requires := make([]domain.DocumentType, len(r.RequiresDocumentTypes))
		for j, dt := range r.RequiresDocumentTypes {
			requires[j] = domain.DocumentType(dt)
		}
		states[i] = &domain.WorkflowStateConfig{
			ID:                    r.ID,
			Code:                  r.Code,
			Name:                  r.Name,
			Phase:                 domain.WorkflowPhase(r.Phase),
			StateOrder:            r.StateOrder,
			IsOptional:            r.IsOptional,
			IsMilestone:           r.IsMilestone,
			NextStates:            r.NextStates,
			RequiresDocumentTypes: requires,
			IsActive:              r.IsActive,
			CreatedAt:             r.CreatedAt,
			UpdatedAt:             r.UpdatedAt,
		}
	}
	return states, nil
}

func (a *ConfigAdapter) ListWorkflowTriggerRules(ctx context.Context) ([]*domain.WorkflowTriggerRule, error) {
	type row struct {
		ID           int64          `db:"id"`
		DocumentType sql.NullString `db:"document_type"`
		EmailType    sql.NullString `db:"email_type"`
		Direction    sql.NullString `db:"direction"`
		TargetState  string         `db:"target_state"`
		Enabled      bool           `db:"enabled"`
	}

	var rows []row
	err := a.db.SelectContext(ctx, &rows, `
		SELECT id, document_type, email_type, direction, target_state, enabled
		FROM workflow_trigger_rules
		WHERE enabled = true
		ORDER BY id`)
	if err != nil {
		return nil, err
	}

	rules := make([]*domain.WorkflowTriggerRule, len(rows))
	for i, r := range rows {
		rule := &domain.WorkflowTriggerRule{
			ID:          r.ID,
			TargetState: r.TargetState,
			Enabled:     r.Enabled,
		}
		if r.DocumentType.Valid {
			dt := domain.DocumentType(r.DocumentType.String)
			rule.DocumentType = &dt
		}
		if r.EmailType.Valid {
			et := domain.EmailType(r.EmailType.String)
			rule.EmailType = &et
		}
		if r.Direction.Valid {
			d := domain.Direction(r.Direction.String)
			rule.Direction = &d
		}
		rules[i] = rule
	}
	return rules, nil
}

// =============================================================================
// Insight rules
// =============================================================================

func (a *ConfigAdapter) ListInsightRules(ctx context.Context) ([]*domain.InsightRule, error) {
	type row struct {
		ID                int64           `db:"id"`
		Code              string          `db:"code"`
		Category          string          `db:"category"`
		Severity          string          `db:"severity"`
		PriorityBoost     int             `db:"priority_boost"`
		Confidence        float64         `db:"confidence"`
		Title             string          `db:"title"`
		InsightText       string          `db:"insight_text"`
		ActionTarget      string          `db:"action_target"`
		ActionType        string          `db:"action_type"`
		ActionUrgency     string          `db:"action_urgency"`
		ActionDescription string          `db:"action_description"`
		ThresholdHrs      sql.NullFloat64 `db:"threshold_hours"`
		Enabled           bool            `db:"enabled"`
	}

	var rows []row
	err := a.db.SelectContext(ctx, &rows, `
		SELECT id, code, category, severity, priority_boost, confidence,
			title, insight_text, action_target, action_type, action_urgency,
			action_description, threshold_hours, enabled
		FROM insight_rules
		WHERE enabled = true
		ORDER BY code`)
	if err != nil {
		return nil, err
	}

	rules := make([]*domain.InsightRule, len(rows))
	for i, r := range rows {
		rule := &domain.InsightRule{
			ID:            r.ID,
			Code:          r.Code,
			Category:      domain.InsightType(r.Category),
			Severity:      domain.InsightSeverity(r.Severity),
			PriorityBoost: r.PriorityBoost,
			Confidence:    r.Confidence,
			Title:         r.Title,
			InsightText:   r.InsightText,
			Action: domain.InsightAction{
				Target:      r.ActionTarget,
				Type:        r.ActionType,
				Urgency:     domain.ActionUrgency(r.ActionUrgency),
				Description: r.ActionDescription,
			},
			Enabled: r.Enabled,
		}
		if r.ThresholdHrs.Valid {
			v := r.ThresholdHrs.Float64
			rule.ThresholdHrs = &v
		}
		rules[i] = rule
	}
	return rules, nil
}

// =============================================================================
// Action-required rules
// =============================================================================

func (a *ConfigAdapter) ListActionLookupRules(ctx context.Context) ([]*domain.ActionLookupRule, error) {
	type row struct {
		ID             int64   `db:"id"`
		DocumentType   string  `db:"document_type"`
		SenderCategory string  `db:"sender_category"`
		HasAction      bool    `db:"has_action"`
		Confidence     float64 `db:"confidence"`
		Enabled        bool    `db:"enabled"`
	}

	var rows []row
	err := a.db.SelectContext(ctx, &rows, `
		SELECT id, document_type, sender_category, has_action, confidence, enabled
		FROM action_lookup
		WHERE enabled = true
		ORDER BY id`)
	if err != nil {
		return nil, err
	}

	rules := make([]*domain.ActionLookupRule, len(rows))
	for i, r := range rows {
		rules[i] = &domain.ActionLookupRule{
			ID:             r.ID,
			DocumentType:   domain.DocumentType(r.DocumentType),
			SenderCategory: domain.SenderCategory(r.SenderCategory),
			HasAction:      r.HasAction,
			Confidence:     r.Confidence,
			Enabled:        r.Enabled,
		}
	}
	return rules, nil
}

func (a *ConfigAdapter) ListActionTypeRules(ctx context.Context) ([]*domain.ActionTypeRule, error) {
	type row struct {
		ID                     int64          `db:"id"`
		DocumentType           string         `db:"document_type"`
		DefaultHasAction       bool           `db:"default_has_action"`
		Confidence             float64        `db:"confidence"`
		FlipToActionKeywords   pq.StringArray `db:"flip_to_action_keywords"`
		FlipToNoActionKeywords pq.StringArray `db:"flip_to_no_action_keywords"`
		Enabled                bool           `db:"enabled"`
	}

	var rows []row
	err := a.db.SelectContext(ctx, &rows, `
		SELECT id, document_type, default_has_action, confidence,
			flip_to_action_keywords, flip_to_no_action_keywords, enabled
		FROM document_type_action_rules
		WHERE enabled = true
		ORDER BY id`)
	if err != nil {
		return nil, err
	}

	rules := make([]*domain.ActionTypeRule, len(rows))
	for i, r := range rows {
		rules[i] = &domain.ActionTypeRule{
			ID:                     r.ID,
			DocumentType:           domain.DocumentType(r.DocumentType),
			DefaultHasAction:       r.DefaultHasAction,
			Confidence:             r.Confidence,
			FlipToActionKeywords:   r.FlipToActionKeywords,
			FlipToNoActionKeywords: r.FlipToNoActionKeywords,
			Enabled:                r.Enabled,
		}
	}
	return rules, nil
}

func (a *ConfigAdapter) ListActionPhrases(ctx context.Context) ([]*domain.ActionPhrase, error) {
	type row struct {
		ID         int64   `db:"id"`
		Phrase     string  `db:"phrase"`
		HasAction  bool    `db:"has_action"`
		Confidence float64 `db:"confidence"`
		Enabled    bool    `db:"enabled"`
	}

	var rows []row
	err := a.db.SelectContext(ctx, &rows, `
		SELECT id, phrase, has_action, confidence, enabled
		FROM action_completion_keywords
		WHERE enabled = true
		ORDER BY id`)
	if err != nil {
		return nil, err
	}

	phrases := make([]*domain.ActionPhrase, len(rows))
	for i, r := range rows {
		phrases[i] = &domain.ActionPhrase{
			ID:         r.ID,
			Phrase:     r.Phrase,
			HasAction:  r.HasAction,
			Confidence: r.Confidence,
			Enabled:    r.Enabled,
		}
	}
	return phrases, nil
}

// =============================================================================
// Intent anchors (pgvector)
// =============================================================================

// ListIntentAnchors loads the anchors with their vectors. The embedding is
// selected as text; the driver has no vector codec under the simple
// protocol.
func (a *ConfigAdapter) ListIntentAnchors(ctx context.Context) ([]*domain.IntentAnchor, error) {
	type row struct {
		ID        int64          `db:"id"`
		Label     string         `db:"label"`
		Text      string         `db:"text"`
		Embedding sql.NullString `db:"embedding"`
		CreatedAt time.Time      `db:"created_at"`
	}

	var rows []row
	err := a.db.SelectContext(ctx, &rows, `
		SELECT id, label, text, embedding::text AS embedding, created_at
		FROM intent_anchors
		ORDER BY id`)
	if err != nil {
		return nil, err
	}

	anchors := make([]*domain.IntentAnchor, len(rows))
	for i, r := range rows {
		anchor := &domain.IntentAnchor{
			ID:        r.ID,
			Label:     r.Label,
			Text:      r.Text,
			CreatedAt: r.CreatedAt,
		}
		if r.Embedding.Valid {
			anchor.Embedding = parseVector(r.Embedding.String)
		}
		anchors[i] = anchor
	}
	return anchors, nil
}

// UpdateIntentAnchorEmbedding stores a freshly computed anchor vector.
func (a *ConfigAdapter) UpdateIntentAnchorEmbedding(ctx context.Context, anchorID int64, embedding []float32) error {
	_, err := a.db.ExecContext(ctx,
		`UPDATE intent_anchors SET embedding = $2::vector WHERE id = $1`,
		anchorID, vecLiteral(embedding))
	return err
}

var _ out.ConfigRepository = (*ConfigAdapter)(nil)
