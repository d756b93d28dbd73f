package insight

import (
	"fmt"
	"strings"
	"time"

	"shipment_worker/core/domain"
)

const (
	defaultCutoffWarnHrs  = 48.0
	defaultEtdWarnHrs     = 7 * 24.0
	defaultNoResponseHrs  = 48.0
	repeatedAmendmentsMin = 3
	rolloverRateMin       = 0.2
)

var siDocuments = []domain.DocumentType{
	domain.DocTypeShippingInstruction, domain.DocTypeSISubmission, domain.DocTypeSIConfirmation,
}

var vgmDocuments = []domain.DocumentType{
	domain.DocTypeVGMSubmission, domain.DocTypeVGMConfirmation,
}

// detection carries the template fills and supporting data of one fired rule.
type detection struct {
	fills      map[string]string
	supporting map[string]any
}

type detectorFunc func(rule *domain.InsightRule, ic *domain.InsightContext) *detection

// detectors binds rule codes to their evaluation logic. Configured rules
// with codes outside this table are inert.
var detectors = map[string]detectorFunc{
	"si_cutoff_approaching":  detectSICutoffApproaching,
	"vgm_cutoff_approaching": detectVGMCutoffApproaching,
	"si_cutoff_overdue":      detectSICutoffOverdue,
	"vgm_cutoff_overdue":     detectVGMCutoffOverdue,
	"docs_missing_pre_etd":   detectDocsMissingPreETD,
	"stakeholder_silent":     detectStakeholderSilent,
	"repeated_amendments":    detectRepeatedAmendments,
	"customs_hold_risk":      detectCustomsHoldRisk,
	"carrier_rollover_risk":  detectCarrierRolloverRisk,
}

// buildRuleInsight materializes a fired rule into an insight, filling the
// {placeholder} slots of the configured title, text and action.
func buildRuleInsight(rule *domain.InsightRule, ic *domain.InsightContext, d *detection) *domain.Insight {
	fills := d.fills
	if fills == nil {
		fills = map[string]string{}
	}
	fills["booking_number"] = ic.Shipment.BookingNumber

	action := rule.Action
	action.Description = fillTemplate(action.Description, fills)

	code := rule.Code
	return &domain.Insight{
		ShipmentID:     ic.Shipment.ID,
		Type:           rule.Category,
		Severity:       rule.Severity,
		Title:          fillTemplate(rule.Title, fills),
		Description:    fillTemplate(rule.InsightText, fills),
		Action:         &action,
		Source:         domain.InsightSourceRules,
		Confidence:     rule.Confidence,
		PriorityBoost:  rule.PriorityBoost,
		SupportingData: d.supporting,
		Status:         domain.InsightStatusActive,
		RuleCode:       &code,
		CreatedAt:      ic.Now,
		UpdatedAt:      ic.Now,
	}
}

func fillTemplate(text string, fills map[string]string) string {
	for key, value := range fills {
		text = strings.ReplaceAll(text, "{"+key+"}", value)
	}
	return text
}

// =============================================================================
// Detectors
// =============================================================================

func detectSICutoffApproaching(rule *domain.InsightRule, ic *domain.InsightContext) *detection {
	return detectCutoffApproaching(rule, ic, ic.Shipment.SICutoff, "SI", siDocuments)
}

func detectVGMCutoffApproaching(rule *domain.InsightRule, ic *domain.InsightContext) *detection {
	return detectCutoffApproaching(rule, ic, ic.Shipment.VGMCutoff, "VGM", vgmDocuments)
}

func detectSICutoffOverdue(rule *domain.InsightRule, ic *domain.InsightContext) *detection {
	return detectCutoffOverdue(ic, ic.Shipment.SICutoff, "SI", siDocuments)
}

func detectVGMCutoffOverdue(rule *domain.InsightRule, ic *domain.InsightContext) *detection {
	return detectCutoffOverdue(ic, ic.Shipment.VGMCutoff, "VGM", vgmDocuments)
}

// detectCutoffApproaching fires when the cutoff sits inside the warning
// window and none of the satisfying documents have arrived.
func detectCutoffApproaching(rule *domain.InsightRule, ic *domain.InsightContext, cutoff *time.Time, label string, docs []domain.DocumentType) *detection {
	if cutoff == nil || ic.Shipment.Status.IsTerminal() {
		return nil
	}
	warnHrs := defaultCutoffWarnHrs
	if rule.ThresholdHrs != nil && *rule.ThresholdHrs > 0 {
		warnHrs = *rule.ThresholdHrs
	}
	remaining := cutoff.Sub(ic.Now)
	if remaining <= 0 || remaining > time.Duration(warnHrs*float64(time.Hour)) {
		return nil
	}
	if hasAnyDocument(ic, docs) {
		return nil
	}
	hours := int(remaining.Hours())
	return &detection{
		fills: map[string]string{
			"cutoff_type": label,
			"hours":       fmt.Sprintf("%d", hours),
			"cutoff_at":   cutoff.Format(time.RFC3339),
		},
		supporting: map[string]any{
			"cutoff_type":     label,
			"cutoff_at":       cutoff.Format(time.RFC3339),
			"hours_remaining": hours,
		},
	}
}

// detectCutoffOverdue fires once the cutoff has passed with the satisfying
// documents still absent.
func detectCutoffOverdue(ic *domain.InsightContext, cutoff *time.Time, label string, docs []domain.DocumentType) *detection {
	if cutoff == nil || ic.Shipment.Status.IsTerminal() {
		return nil
	}
	overdue := ic.Now.Sub(*cutoff)
	if overdue <= 0 {
		return nil
	}
	if hasAnyDocument(ic, docs) {
		return nil
	}
	hours := int(overdue.Hours())
	return &detection{
		fills: map[string]string{
			"cutoff_type": label,
			"hours":       fmt.Sprintf("%d", hours),
			"cutoff_at":   cutoff.Format(time.RFC3339),
		},
		supporting: map[string]any{
			"cutoff_type":   label,
			"cutoff_at":     cutoff.Format(time.RFC3339),
			"hours_overdue": hours,
		},
	}
}

// detectDocsMissingPreETD fires when departure is near and the pre-departure
// document set is incomplete.
func detectDocsMissingPreETD(rule *domain.InsightRule, ic *domain.InsightContext) *detection {
	etd := ic.Shipment.ETD
	if etd == nil || ic.Shipment.Status.IsTerminal() {
		return nil
	}
	warnHrs := defaultEtdWarnHrs
	if rule.ThresholdHrs != nil && *rule.ThresholdHrs > 0 {
		warnHrs = *rule.ThresholdHrs
	}
	remaining := etd.Sub(ic.Now)
	if remaining <= 0 || remaining > time.Duration(warnHrs*float64(time.Hour)) {
		return nil
	}

	var missing []string
	if !hasAnyDocument(ic, siDocuments) {
		missing = append(missing, "shipping instruction")
	}
	if !hasAnyDocument(ic, vgmDocuments) {
		missing = append(missing, "VGM")
	}
	if len(missing) == 0 {
		return nil
	}
	return &detection{
		fills: map[string]string{
			"missing": strings.Join(missing, ", "),
			"days":    fmt.Sprintf("%d", int(remaining.Hours()/24)),
		},
		supporting: map[string]any{
			"missing_documents": missing,
			"etd":               etd.Format(time.RFC3339),
		},
	}
}

// detectStakeholderSilent fires when our last outbound message has gone
// unanswered beyond the threshold.
func detectStakeholderSilent(rule *domain.InsightRule, ic *domain.InsightContext) *detection {
	if ic.LastOutboundAt == nil || ic.Shipment.Status.IsTerminal() {
		return nil
	}
	if ic.LastInboundAt != nil && ic.LastInboundAt.After(*ic.LastOutboundAt) {
		return nil
	}
	waitHrs := defaultNoResponseHrs
	if rule.ThresholdHrs != nil && *rule.ThresholdHrs > 0 {
		waitHrs = *rule.ThresholdHrs
	}
	waiting := ic.Now.Sub(*ic.LastOutboundAt)
	if waiting < time.Duration(waitHrs*float64(time.Hour)) {
		return nil
	}
	hours := int(waiting.Hours())
	return &detection{
		fills: map[string]string{"hours": fmt.Sprintf("%d", hours)},
		supporting: map[string]any{
			"last_outbound_at": ic.LastOutboundAt.Format(time.RFC3339),
			"hours_waiting":    hours,
		},
	}
}

func detectRepeatedAmendments(rule *domain.InsightRule, ic *domain.InsightContext) *detection {
	if ic.AmendmentCount < repeatedAmendmentsMin {
		return nil
	}
	return &detection{
		fills: map[string]string{"count": fmt.Sprintf("%d", ic.AmendmentCount)},
		supporting: map[string]any{
			"amendment_count": ic.AmendmentCount,
			"window_days":     int(amendmentWindow.Hours() / 24),
		},
	}
}

// detectCustomsHoldRisk fires on an exception notice, or on a customs entry
// that never cleared though the vessel arrived days ago.
func detectCustomsHoldRisk(rule *domain.InsightRule, ic *domain.InsightContext) *detection {
	if ic.Shipment.Status.IsTerminal() {
		return nil
	}
	if ic.HasDocument(domain.DocTypeExceptionNotice) {
		return &detection{
			fills:      map[string]string{"signal": "exception notice received"},
			supporting: map[string]any{"signal": "exception_notice"},
		}
	}
	eta := ic.Shipment.ETA
	if eta == nil || ic.Now.Sub(*eta) < 48*time.Hour {
		return nil
	}
	if ic.HasDocument(domain.DocTypeCustomsEntry) && !hasTransitionTo(ic, "customs_cleared") {
		return &detection{
			fills:      map[string]string{"signal": "customs entry filed but not cleared"},
			supporting: map[string]any{"signal": "entry_not_cleared", "eta": eta.Format(time.RFC3339)},
		}
	}
	return nil
}

// detectCarrierRolloverRisk fires on a high historical rollover rate with
// departure imminent.
func detectCarrierRolloverRisk(rule *domain.InsightRule, ic *domain.InsightContext) *detection {
	if ic.Stakeholders == nil || ic.Stakeholders.CarrierRolloverRate < rolloverRateMin {
		return nil
	}
	etd := ic.Shipment.ETD
	if etd == nil || ic.Shipment.Status != domain.ShipmentStatusBooked {
		return nil
	}
	remaining := etd.Sub(ic.Now)
	if remaining <= 0 || remaining > 7*24*time.Hour {
		return nil
	}
	carrier := ""
	if ic.Shipment.CarrierCode != nil {
		carrier = *ic.Shipment.CarrierCode
	}
	return &detection{
		fills: map[string]string{
			"carrier": carrier,
			"rate":    fmt.Sprintf("%.0f%%", ic.Stakeholders.CarrierRolloverRate*100),
		},
		supporting: map[string]any{
			"carrier_code":  carrier,
			"rollover_rate": ic.Stakeholders.CarrierRolloverRate,
		},
	}
}

func hasAnyDocument(ic *domain.InsightContext, docs []domain.DocumentType) bool {
	for _, t := range docs {
		if ic.HasDocument(t) {
			return true
		}
	}
	return false
}

func hasTransitionTo(ic *domain.InsightContext, codes ...string) bool {
	for _, tr := range ic.Transitions {
		for _, code := range codes {
			if tr.ToState == code {
				return true
			}
		}
	}
	return false
}

// =============================================================================
// Built-in rule catalog
// =============================================================================

func hrsPtr(h float64) *float64 { return &h }

// defaultInsightRules is the detector catalog used until operations curates
// its own table.
func defaultInsightRules() []*domain.InsightRule {
	return []*domain.InsightRule{
		{
			Code: "si_cutoff_approaching", Category: domain.InsightRisk, Severity: domain.SeverityHigh,
			PriorityBoost: 20, Confidence: 95, ThresholdHrs: hrsPtr(48),
			Title:       "{cutoff_type} cutoff in {hours}h without submission",
			InsightText: "Booking {booking_number}: the {cutoff_type} cutoff at {cutoff_at} is {hours} hours away and no shipping instruction has been filed.",
			Action: domain.InsightAction{
				Target: "ops_team", Type: "submit_si", Urgency: domain.UrgencyImmediate,
				Description: "Chase the shipper for SI details and submit before {cutoff_at}.",
			},
			Enabled: true,
		},
		{
			Code: "vgm_cutoff_approaching", Category: domain.InsightRisk, Severity: domain.SeverityHigh,
			PriorityBoost: 20, Confidence: 95, ThresholdHrs: hrsPtr(48),
			Title:       "{cutoff_type} declaration due in {hours}h",
			InsightText: "Booking {booking_number}: the VGM cutoff at {cutoff_at} is {hours} hours away with no VGM declaration on file.",
			Action: domain.InsightAction{
				Target: "ops_team", Type: "submit_vgm", Urgency: domain.UrgencyImmediate,
				Description: "Obtain verified weights and declare VGM before {cutoff_at}.",
			},
			Enabled: true,
		},
		{
			Code: "si_cutoff_overdue", Category: domain.InsightRisk, Severity: domain.SeverityCritical,
			PriorityBoost: 30, Confidence: 98,
			Title:       "{cutoff_type} cutoff missed {hours}h ago",
			InsightText: "Booking {booking_number}: the {cutoff_type} cutoff passed {hours} hours ago and no shipping instruction was filed. Rollover likely.",
			Action: domain.InsightAction{
				Target: "ops_team", Type: "escalate", Urgency: domain.UrgencyImmediate,
				Description: "Contact the carrier about late SI acceptance or rebooking.",
			},
			Enabled: true,
		},
		{
			Code: "vgm_cutoff_overdue", Category: domain.InsightRisk, Severity: domain.SeverityCritical,
			PriorityBoost: 30, Confidence: 98,
			Title:       "{cutoff_type} declaration missed, {hours}h overdue",
			InsightText: "Booking {booking_number}: the VGM cutoff passed {hours} hours ago without a declaration. Containers will not load.",
			Action: domain.InsightAction{
				Target: "ops_team", Type: "escalate", Urgency: domain.UrgencyImmediate,
				Description: "Declare VGM immediately and confirm load status with the carrier.",
			},
			Enabled: true,
		},
		{
			Code: "docs_missing_pre_etd", Category: domain.InsightRisk, Severity: domain.SeverityMedium,
			PriorityBoost: 15, Confidence: 90, ThresholdHrs: hrsPtr(7 * 24),
			Title:       "Departure in {days}d, missing {missing}",
			InsightText: "Booking {booking_number} departs in {days} days but the file is missing: {missing}.",
			Action: domain.InsightAction{
				Target: "ops_team", Type: "follow_up", Urgency: domain.UrgencyToday,
				Description: "Collect the outstanding documents: {missing}.",
			},
			Enabled: true,
		},
		{
			Code: "stakeholder_silent", Category: domain.InsightPattern, Severity: domain.SeverityMedium,
			PriorityBoost: 10, Confidence: 85, ThresholdHrs: hrsPtr(48),
			Title:       "No reply for {hours}h on booking thread",
			InsightText: "Booking {booking_number}: our last outbound message has waited {hours} hours without a reply.",
			Action: domain.InsightAction{
				Target: "ops_team", Type: "follow_up", Urgency: domain.UrgencyToday,
				Description: "Send a reminder or phone the counterparty.",
			},
			Enabled: true,
		},
		{
			Code: "repeated_amendments", Category: domain.InsightPattern, Severity: domain.SeverityMedium,
			PriorityBoost: 10, Confidence: 90,
			Title:       "Booking amended {count} times recently",
			InsightText: "Booking {booking_number} has been amended {count} times in the last two weeks; details may still be unstable.",
			Action: domain.InsightAction{
				Target: "ops_team", Type: "verify_details", Urgency: domain.UrgencyThisWeek,
				Description: "Confirm final schedule and equipment with the customer before cutoffs.",
			},
			Enabled: true,
		},
		{
			Code: "customs_hold_risk", Category: domain.InsightRisk, Severity: domain.SeverityHigh,
			PriorityBoost: 25, Confidence: 90,
			Title:       "Customs hold signal: {signal}",
			InsightText: "Booking {booking_number}: {signal}. Clearance is at risk of demurrage.",
			Action: domain.InsightAction{
				Target: "broker", Type: "escalate", Urgency: domain.UrgencyImmediate,
				Description: "Check entry status with the customs broker and resolve the hold.",
			},
			Enabled: true,
		},
		{
			Code: "carrier_rollover_risk", Category: domain.InsightPrediction, Severity: domain.SeverityMedium,
			PriorityBoost: 10, Confidence: 70,
			Title:       "Rollover risk: {carrier} rolls {rate} of bookings",
			InsightText: "Booking {booking_number}: carrier {carrier} historically rolls {rate} of bookings on this trade; departure is inside a week.",
			Action: domain.InsightAction{
				Target: "ops_team", Type: "confirm_loading", Urgency: domain.UrgencyThisWeek,
				Description: "Request loading confirmation from {carrier} ahead of the vessel closing.",
			},
			Enabled: true,
		},
	}
}
