package domain

import (
	"strings"
	"time"
)

// InsightType categorizes what an insight is about
type InsightType string

const (
	InsightRisk           InsightType = "risk"
	InsightPattern        InsightType = "pattern"
	InsightPrediction     InsightType = "prediction"
	InsightRecommendation InsightType = "recommendation"
)

// InsightSeverity ranks urgency
type InsightSeverity string

const (
	SeverityCritical InsightSeverity = "critical"
	SeverityHigh     InsightSeverity = "high"
	SeverityMedium   InsightSeverity = "medium"
	SeverityLow      InsightSeverity = "low"
)

// Weight returns the ranking weight; higher sorts first.
func (s InsightSeverity) Weight() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// InsightSource records which detector produced an insight
type InsightSource string

const (
	InsightSourceRules  InsightSource = "rules"
	InsightSourceAI     InsightSource = "ai"
	InsightSourceHybrid InsightSource = "hybrid" // Rule and AI agreed after dedup
)

// InsightStatus is the review lifecycle of a stored insight
type InsightStatus string

const (
	InsightStatusActive       InsightStatus = "active"
	InsightStatusAcknowledged InsightStatus = "acknowledged"
	InsightStatusResolved     InsightStatus = "resolved"
	InsightStatusDismissed    InsightStatus = "dismissed"
)

// ActionUrgency bounds when the recommended action should happen
type ActionUrgency string

const (
	UrgencyImmediate ActionUrgency = "immediate"
	UrgencyToday     ActionUrgency = "today"
	UrgencyThisWeek  ActionUrgency = "this_week"
	UrgencyMonitor   ActionUrgency = "monitor"
)

// ParseInsightType maps a free-form string onto the closed set; unknown
// input lands on recommendation, the mildest bucket.
func ParseInsightType(s string) InsightType {
	switch InsightType(strings.ToLower(strings.TrimSpace(s))) {
	case InsightRisk:
		return InsightRisk
	case InsightPattern:
		return InsightPattern
	case InsightPrediction:
		return InsightPrediction
	default:
		return InsightRecommendation
	}
}

// ParseInsightSeverity maps a free-form string onto the closed set; unknown
// input lands on low.
func ParseInsightSeverity(s string) InsightSeverity {
	switch InsightSeverity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityHigh:
		return SeverityHigh
	case SeverityMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ParseActionUrgency maps a free-form string onto the closed set; unknown
// input lands on monitor.
func ParseActionUrgency(s string) ActionUrgency {
	switch ActionUrgency(strings.ToLower(strings.TrimSpace(s))) {
	case UrgencyImmediate:
		return UrgencyImmediate
	case UrgencyToday:
		return UrgencyToday
	case UrgencyThisWeek:
		return UrgencyThisWeek
	default:
		return UrgencyMonitor
	}
}

// Synthesis limits.
const (
	MaxRankedInsights    = 5  // Top-N kept after ranking
	MaxAIInsights        = 5  // AI analyzer output cap per shipment
	MaxAIPriorityBoost   = 30 // AI-recommended boost cap
	MaxTotalInsightBoost = 50 // Combined boost cap per shipment
)

// InsightAction is the structured recommended action on an insight.
type InsightAction struct {
	Target      string        `json:"target"` // Who acts: ops_team, customer, carrier, broker
	Type        string        `json:"type"`   // What to do: follow_up, submit_si, escalate, ...
	Urgency     ActionUrgency `json:"urgency"`
	Description string        `json:"description"` // Human-readable action text
}

// Insight is one surfaced observation about a shipment. IDs are UUIDs
// assigned at synthesis time, not database sequences.
type Insight struct {
	ID         string `json:"id"`
	ShipmentID int64  `json:"shipment_id"`

	Type        InsightType     `json:"type"`
	Severity    InsightSeverity `json:"severity"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Action      *InsightAction  `json:"action,omitempty"`

	Source         InsightSource  `json:"source"`
	Confidence     float64        `json:"confidence"` // 0-100
	PriorityBoost  int            `json:"priority_boost"`
	SupportingData map[string]any `json:"supporting_data,omitempty"`

	Status         InsightStatus `json:"status"`
	RuleCode       *string       `json:"rule_code,omitempty"` // Set for rules/hybrid sources
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// DedupKey buckets insights by severity and normalized title prefix so rule
// and AI findings about the same condition collapse into one.
func (i *Insight) DedupKey() string {
	return string(i.Severity) + ":" + NormalizedTitlePrefix(i.Title)
}

// NormalizedTitlePrefix lowercases, strips non-alphanumerics, and keeps the
// first 24 characters.
func NormalizedTitlePrefix(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() >= 24 {
			break
		}
	}
	return b.String()
}

// InsightRule is one configured pattern-detector entry.
type InsightRule struct {
	ID            int64           `json:"id"`
	Code          string          `json:"code"` // Detector key, e.g. cutoff_approaching_si
	Category      InsightType     `json:"category"`
	Severity      InsightSeverity `json:"severity"`
	PriorityBoost int             `json:"priority_boost"`
	Confidence    float64         `json:"confidence"`
	Title         string          `json:"title"`
	InsightText   string          `json:"insight_text"` // Template, {placeholders} filled by the detector
	Action        InsightAction   `json:"action"`
	ThresholdHrs  *float64        `json:"threshold_hours,omitempty"` // Detector-specific window
	Enabled       bool            `json:"enabled"`
}

// StakeholderStats are the historical averages the context gatherer joins in.
type StakeholderStats struct {
	ShipperTier          string  `json:"shipper_tier"` // standard, high
	ShipperAvgSIDelayHrs float64 `json:"shipper_avg_si_delay_hours"`
	CarrierRolloverRate  float64 `json:"carrier_rollover_rate"` // 0.0 ~ 1.0
	RouteAvgDelayDays    float64 `json:"route_avg_delay_days"`
}

// InsightContext is everything the detectors and the optional AI analyzer
// see about one shipment.
type InsightContext struct {
	Shipment     *Shipment               `json:"shipment"`
	Links        []*ShipmentDocumentLink `json:"links,omitempty"`
	Transitions  []*WorkflowTransition   `json:"transitions,omitempty"`
	RecentEmails []*EmailListItem        `json:"recent_emails,omitempty"`

	Stakeholders *StakeholderStats `json:"stakeholders,omitempty"`

	// Aggregates
	RelatedActiveShipments int        `json:"related_active_shipments"` // Same shipper/consignee, non-terminal
	SameWeekArrivals       int        `json:"same_week_arrivals"`
	AmendmentCount         int        `json:"amendment_count"`
	LastInboundAt          *time.Time `json:"last_inbound_at,omitempty"`
	LastOutboundAt         *time.Time `json:"last_outbound_at,omitempty"`

	Now time.Time `json:"now"`
}

// HasDocument reports whether any link carries the given document type.
func (c *InsightContext) HasDocument(t DocumentType) bool {
	for _, l := range c.Links {
		if l.DocumentType == t {
			return true
		}
	}
	return false
}

// ActionSource records which determination path produced the verdict
type ActionSource string

const (
	ActionSourceLookup          ActionSource = "lookup"
	ActionSourceDefaultRule     ActionSource = "default_rule"
	ActionSourceKeywordFlip     ActionSource = "keyword_flip"
	ActionSourcePhrase          ActionSource = "phrase"
	ActionSourceVectorIntent    ActionSource = "vector_intent"
	ActionSourceNearestNeighbor ActionSource = "nearest_neighbor"
	ActionSourceFallback        ActionSource = "fallback"
)

// Action determination bounds. No path returns below the floor; the
// ultimate fallback is no-action at the floor.
const (
	ActionConfidenceFloor = 50.0
	ActionConfidenceCeil  = 100.0

	IntentSimilarityMin    = 0.75 // Cosine similarity an anchor must reach
	IntentSimilarityMargin = 0.05 // Required gap between best and runner-up
)

// ActionDetermination is the per-document verdict on whether the forwarder
// must act.
type ActionDetermination struct {
	HasAction   bool         `json:"has_action"`
	Confidence  float64      `json:"confidence"` // Bounded to [50, 100]
	Source      ActionSource `json:"source"`
	FlipKeyword *string      `json:"flip_keyword,omitempty"`
	Reason      string       `json:"reason"`
}

// ClampConfidence bounds a raw confidence into the action range.
func ClampConfidence(v float64) float64 {
	if v < ActionConfidenceFloor {
		return ActionConfidenceFloor
	}
	if v > ActionConfidenceCeil {
		return ActionConfidenceCeil
	}
	return v
}

// ActionLookupRule is one (documentType, senderCategory) exact-match row.
type ActionLookupRule struct {
	ID             int64          `json:"id"`
	DocumentType   DocumentType   `json:"document_type"`
	SenderCategory SenderCategory `json:"sender_category"`
	HasAction      bool           `json:"has_action"`
	Confidence     float64        `json:"confidence"`
	Enabled        bool           `json:"enabled"`
}

// ActionTypeRule is the per-documentType default with flip keyword lists.
type ActionTypeRule struct {
	ID                     int64        `json:"id"`
	DocumentType           DocumentType `json:"document_type"`
	DefaultHasAction       bool         `json:"default_has_action"`
	Confidence             float64      `json:"confidence"`
	FlipToActionKeywords   []string     `json:"flip_to_action_keywords,omitempty"`
	FlipToNoActionKeywords []string     `json:"flip_to_no_action_keywords,omitempty"`
	Enabled                bool         `json:"enabled"`
}

// ActionPhrase is one configured request/completion phrase.
type ActionPhrase struct {
	ID         int64   `json:"id"`
	Phrase     string  `json:"phrase"`
	HasAction  bool    `json:"has_action"` // true: "please respond"; false: "confirmed"
	Confidence float64 `json:"confidence"`
	Enabled    bool    `json:"enabled"`
}

// IntentAnchor is a pre-embedded reference text for vector intent checks.
type IntentAnchor struct {
	ID        int64     `json:"id"`
	Label     string    `json:"label"` // action_required or no_action
	Text      string    `json:"text"`
	Embedding []float32 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// RequiresAction interprets the anchor label.
func (a *IntentAnchor) RequiresAction() bool {
	return a.Label == "action_required"
}

// InsightGenerationLog records one generation run per shipment for the
// same-day dedup check and for cost accounting.
type InsightGenerationLog struct {
	ID          string    `json:"id"`
	ShipmentID  int64     `json:"shipment_id"`
	RulesFired  int       `json:"rules_fired"`
	AIInsights  int       `json:"ai_insights"`
	TotalBoost  int       `json:"total_boost"`
	Forced      bool      `json:"forced"`
	TokensUsed  int       `json:"tokens_used"`
	DurationMS  int64     `json:"duration_ms"`
	GeneratedAt time.Time `json:"generated_at"`
}
