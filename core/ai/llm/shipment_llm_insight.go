package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
)

const insightSystemPrompt = `You analyze ocean freight shipments for a forwarder's operations team. Given a shipment snapshot, find risks and recommendations the rule engine may have missed.

Insight types: risk, pattern, prediction, recommendation
Severities: critical, high, medium, low
Action urgencies: immediate, today, this_week, monitor

Rules:
- At most 5 insights. Fewer is better; only report what the data supports.
- Do not restate facts as insights ("shipment has an ETA").
- priority_boost is 0-30 and reflects how much this shipment should jump the team's queue.
- recommended_boost is your overall 0-30 urgency for the shipment.
- confidence is 0-100.

Respond with this exact JSON format:
{
  "insights": [
    {
      "type": "risk",
      "severity": "high",
      "title": "short title",
      "description": "what and why, 1-3 sentences",
      "action_target": "carrier|shipper|consignee|customs_broker|internal",
      "action_type": "follow_up|escalate|verify|notify",
      "action_urgency": "today",
      "confidence": 0-100,
      "priority_boost": 0-30,
      "supporting": {"key": "value"}
    }
  ],
  "recommended_boost": 0-30
}`

// shipmentDigest is the compact JSON view sent to the model. Party names and
// identifiers stay; free-form body text does not.
type shipmentDigest struct {
	BookingNumber   string     `json:"booking_number"`
	CarrierCode     *string    `json:"carrier_code,omitempty"`
	WorkflowState   string     `json:"workflow_state"`
	Status          string     `json:"status"`
	VesselName      *string    `json:"vessel_name,omitempty"`
	PolCode         *string    `json:"pol_code,omitempty"`
	PodCode         *string    `json:"pod_code,omitempty"`
	ETD             *time.Time `json:"etd,omitempty"`
	ETA             *time.Time `json:"eta,omitempty"`
	SICutoff        *time.Time `json:"si_cutoff,omitempty"`
	VGMCutoff       *time.Time `json:"vgm_cutoff,omitempty"`
	CargoCutoff     *time.Time `json:"cargo_cutoff,omitempty"`
	ShipperName     *string    `json:"shipper_name,omitempty"`
	ConsigneeName   *string    `json:"consignee_name,omitempty"`
	RevisionCount   int        `json:"booking_revision_count"`
	ContainerCount  int        `json:"container_count"`
	DocumentTypes   []string   `json:"document_types"`
	StateHistory    []string   `json:"state_history"`
	RecentSubjects  []string   `json:"recent_subjects"`
	AmendmentCount  int        `json:"amendment_count"`
	RelatedActive   int        `json:"related_active_shipments"`
	SameWeekArrival int        `json:"same_week_arrivals"`
	LastInboundAt   *time.Time `json:"last_inbound_at,omitempty"`
	LastOutboundAt  *time.Time `json:"last_outbound_at,omitempty"`
	Now             time.Time  `json:"now"`

	Stakeholders *domain.StakeholderStats `json:"stakeholder_stats,omitempty"`
}

// AnalyzeShipment asks the model for supplementary insights. The synthesizer
// clamps boosts, dedupes against rule output and enforces the final caps.
func (c *Client) AnalyzeShipment(ctx context.Context, ic *domain.InsightContext) (*out.AIInsightBundle, error) {
	digest := buildDigest(ic)
	payload, err := json.Marshal(digest)
	if err != nil {
		return nil, fmt.Errorf("marshal shipment digest: %w", err)
	}

	key := fmt.Sprintf("insight:%d", ic.Shipment.ID)
	resp, err := c.completeJSON(ctx, key, insightSystemPrompt, string(payload))
	if err != nil {
		return nil, err
	}

	var bundle out.AIInsightBundle
	if err := json.Unmarshal([]byte(resp.Content), &bundle); err != nil {
		return nil, fmt.Errorf("parse insight response: %w", err)
	}

	if len(bundle.Insights) > domain.MaxAIInsights {
		bundle.Insights = bundle.Insights[:domain.MaxAIInsights]
	}
	bundle.ModelUsed = resp.Model
	bundle.TokensUsed = resp.PromptTokens + resp.CompletionTokens
	return &bundle, nil
}

func buildDigest(ic *domain.InsightContext) *shipmentDigest {
	s := ic.Shipment

	d := &shipmentDigest{
		BookingNumber:   s.BookingNumber,
		CarrierCode:     s.CarrierCode,
		WorkflowState:   s.WorkflowState,
		Status:          string(s.Status),
		VesselName:      s.VesselName,
		PolCode:         s.PortOfLoadingCode,
		PodCode:         s.PortOfDischargeCode,
		ETD:             s.ETD,
		ETA:             s.ETA,
		SICutoff:        s.SICutoff,
		VGMCutoff:       s.VGMCutoff,
		CargoCutoff:     s.CargoCutoff,
		ShipperName:     s.ShipperName,
		ConsigneeName:   s.ConsigneeName,
		RevisionCount:   s.BookingRevisionCount,
		ContainerCount:  len(s.ContainerNumbers),
		AmendmentCount:  ic.AmendmentCount,
		RelatedActive:   ic.RelatedActiveShipments,
		SameWeekArrival: ic.SameWeekArrivals,
		LastInboundAt:   ic.LastInboundAt,
		LastOutboundAt:  ic.LastOutboundAt,
		Now:             ic.Now,
		Stakeholders:    ic.Stakeholders,
	}

	seen := make(map[string]struct{})
	for _, l := range ic.Links {
		t := string(l.DocumentType)
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		d.DocumentTypes = append(d.DocumentTypes, t)
	}

	for _, tr := range ic.Transitions {
		d.StateHistory = append(d.StateHistory, tr.ToState)
	}

	for i, e := range ic.RecentEmails {
		if i >= 10 {
			break
		}
		d.RecentSubjects = append(d.RecentSubjects, truncateBody(strings.TrimSpace(e.Subject), 120))
	}

	return d
}
