package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
)

// =============================================================================
// Insight Adapter (PostgreSQL)
// =============================================================================

// InsightAdapter implements out.InsightRepository over shipment_insights and
// insight_generation_log. Insight IDs are UUIDs minted at synthesis time;
// the adapter fills them in only when the service left them empty.
type InsightAdapter struct {
	db *sqlx.DB
}

// NewInsightAdapter creates a new InsightAdapter.
func NewInsightAdapter(db *sqlx.DB) *InsightAdapter {
	return &InsightAdapter{db: db}
}

const insightSelectColumns = `
	id, shipment_id, type, severity, title, description,
	action_target, action_type, action_urgency, action_description,
	source, confidence, priority_boost, supporting_data,
	status, rule_code, acknowledged_at, created_at, updated_at`

type insightRow struct {
	ID         string `db:"id"`
	ShipmentID int64  `db:"shipment_id"`

	Type        string `db:"type"`
	Severity    string `db:"severity"`
	Title       string `db:"title"`
	Description string `db:"description"`

	ActionTarget      sql.NullString `db:"action_target"`
	ActionType        sql.NullString `db:"action_type"`
	ActionUrgency     sql.NullString `db:"action_urgency"`
	ActionDescription sql.NullString `db:"action_description"`

	Source         string  `db:"source"`
	Confidence     float64 `db:"confidence"`
	PriorityBoost  int     `db:"priority_boost"`
	SupportingData []byte  `db:"supporting_data"`

	Status         string         `db:"status"`
	RuleCode       sql.NullString `db:"rule_code"`
	AcknowledgedAt sql.NullTime   `db:"acknowledged_at"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r *insightRow) toEntity() *domain.Insight {
	insight := &domain.Insight{
		ID:             r.ID,
		ShipmentID:     r.ShipmentID,
		Type:           domain.InsightType(r.Type),
		Severity:       domain.InsightSeverity(r.Severity),
		Title:          r.Title,
		Description:    r.Description,
		Source:         domain.InsightSource(r.Source),
		Confidence:     r.Confidence,
		PriorityBoost:  r.PriorityBoost,
		Status:         domain.InsightStatus(r.Status),
		RuleCode:       strPtr(r.RuleCode),
		AcknowledgedAt: timePtr(r.AcknowledgedAt),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}

	if r.ActionTarget.Valid {
		insight.Action = &domain.InsightAction{
			Target:      r.ActionTarget.String,
			Type:        r.ActionType.String,
			Urgency:     domain.ActionUrgency(r.ActionUrgency.String),
			Description: r.ActionDescription.String,
		}
	}
	if len(r.SupportingData) > 0 {
		json.Unmarshal(r.SupportingData, &insight.SupportingData)
	}

	return insight
}

// CreateBatch inserts one generation run's insights in a single
// transaction.
func (a *InsightAdapter) CreateBatch(ctx context.Context, insights []*domain.Insight) error {
	if len(insights) == 0 {
		return nil
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO shipment_insights (
			id, shipment_id, type, severity, title, description,
			action_target, action_type, action_urgency, action_description,
			source, confidence, priority_boost, supporting_data, status, rule_code
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at, updated_at`

	for _, insight := range insights {
		if insight.ID == "" {
			insight.ID = uuid.NewString()
		}
		if insight.Status == "" {
			insight.Status = domain.InsightStatusActive
		}

		var actionTarget, actionType, actionUrgency, actionDescription sql.NullString
		if insight.Action != nil {
			actionTarget = sql.NullString{String: insight.Action.Target, Valid: true}
			actionType = sql.NullString{String: insight.Action.Type, Valid: true}
			actionUrgency = sql.NullString{String: string(insight.Action.Urgency), Valid: true}
			actionDescription = sql.NullString{String: insight.Action.Description, Valid: true}
		}

		var supporting []byte
		if len(insight.SupportingData) > 0 {
			supporting, err = json.Marshal(insight.SupportingData)
			if err != nil {
				return err
			}
		}

		err = tx.QueryRowxContext(ctx, query,
			insight.ID, insight.ShipmentID,
			string(insight.Type), string(insight.Severity), insight.Title, insight.Description,
			actionTarget, actionType, actionUrgency, actionDescription,
			string(insight.Source), insight.Confidence, insight.PriorityBoost,
			supporting, string(insight.Status), nullStr(insight.RuleCode),
		).Scan(&insight.CreatedAt, &insight.UpdatedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListActive returns the shipment's open insights, newest first.
func (a *InsightAdapter) ListActive(ctx context.Context, shipmentID int64) ([]*domain.Insight, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM shipment_insights
		WHERE shipment_id = $1 AND status = $2
		ORDER BY created_at DESC, id`, insightSelectColumns)

	var rows []insightRow
	err := a.db.SelectContext(ctx, &rows, query, shipmentID, string(domain.InsightStatusActive))
	if err != nil {
		return nil, err
	}

	insights := make([]*domain.Insight, len(rows))
	for i := range rows {
		insights[i] = rows[i].toEntity()
	}
	return insights, nil
}

// UpdateStatus moves one insight through its lifecycle. Acknowledging
// stamps acknowledged_at.
func (a *InsightAdapter) UpdateStatus(ctx context.Context, insightID string, status domain.InsightStatus) error {
	var err error
	if status == domain.InsightStatusAcknowledged {
		_, err = a.db.ExecContext(ctx, `
			UPDATE shipment_insights
			SET status = $2, acknowledged_at = NOW(), updated_at = NOW()
			WHERE id = $1`, insightID, string(status))
	} else {
		_, err = a.db.ExecContext(ctx, `
			UPDATE shipment_insights
			SET status = $2, updated_at = NOW()
			WHERE id = $1`, insightID, string(status))
	}
	return err
}

// =============================================================================
// Generation log
// =============================================================================

type generationRow struct {
	ID          string    `db:"id"`
	ShipmentID  int64     `db:"shipment_id"`
	RulesFired  int       `db:"rules_fired"`
	AIInsights  int       `db:"ai_insights"`
	TotalBoost  int       `db:"total_boost"`
	Forced      bool      `db:"forced"`
	TokensUsed  int       `db:"tokens_used"`
	DurationMS  int64     `db:"duration_ms"`
	GeneratedAt time.Time `db:"generated_at"`
}

// GetLatestGeneration returns (nil, nil) for a never-analyzed shipment.
func (a *InsightAdapter) GetLatestGeneration(ctx context.Context, shipmentID int64) (*domain.InsightGenerationLog, error) {
	var row generationRow
	err := a.db.GetContext(ctx, &row, `
		SELECT id, shipment_id, rules_fired, ai_insights, total_boost,
			forced, tokens_used, duration_ms, generated_at
		FROM insight_generation_log
		WHERE shipment_id = $1
		ORDER BY generated_at DESC, id DESC
		LIMIT 1`, shipmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return &domain.InsightGenerationLog{
		ID:          row.ID,
		ShipmentID:  row.ShipmentID,
		RulesFired:  row.RulesFired,
		AIInsights:  row.AIInsights,
		TotalBoost:  row.TotalBoost,
		Forced:      row.Forced,
		TokensUsed:  row.TokensUsed,
		DurationMS:  row.DurationMS,
		GeneratedAt: row.GeneratedAt,
	}, nil
}

// LogGeneration appends one generation-run record.
func (a *InsightAdapter) LogGeneration(ctx context.Context, log *domain.InsightGenerationLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.GeneratedAt.IsZero() {
		log.GeneratedAt = time.Now().UTC()
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO insight_generation_log (
			id, shipment_id, rules_fired, ai_insights, total_boost,
			forced, tokens_used, duration_ms, generated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		log.ID, log.ShipmentID, log.RulesFired, log.AIInsights, log.TotalBoost,
		log.Forced, log.TokensUsed, log.DurationMS, log.GeneratedAt)
	return err
}

// ExpireActiveBefore dismisses actives created before the cutoff and
// reports how many were swept.
func (a *InsightAdapter) ExpireActiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := a.db.ExecContext(ctx, `
		UPDATE shipment_insights
		SET status = $2, updated_at = NOW()
		WHERE status = $1 AND created_at < $3`,
		string(domain.InsightStatusActive), string(domain.InsightStatusDismissed), cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

var _ out.InsightRepository = (*InsightAdapter)(nil)
