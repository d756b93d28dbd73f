package classification

import (
	"context"
	"regexp"
	"sort"
	"sync"

	"shipment_worker/core/domain"
	"shipment_worker/core/service/common"
	"shipment_worker/pkg/logger"
)

// =============================================================================
// Compiled pattern registry
// =============================================================================

// compiledPattern is one ready-to-run cascade rule. CarrierCode narrows the
// rule to emails whose sender resolved to that carrier; empty matches all.
type compiledPattern struct {
	re           *regexp.Regexp
	carrierCode  string
	documentType domain.DocumentType
	confidence   float64
	priority     int
	source       string
}

// patternRegistry compiles the configured classification patterns once per
// config-cache version and serves them to the cascade stages. Configured
// rows are tried before the built-in tables, so operations can shadow a
// built-in rule by adding a higher-priority row.
type patternRegistry struct {
	cfg *common.ConfigCache

	mu       sync.RWMutex
	version  uint64
	compiled map[domain.PatternKind][]compiledPattern

	defaults map[domain.PatternKind][]compiledPattern
}

func newPatternRegistry(cfg *common.ConfigCache) *patternRegistry {
	return &patternRegistry{
		cfg:      cfg,
		compiled: map[domain.PatternKind][]compiledPattern{},
		defaults: map[domain.PatternKind][]compiledPattern{
			domain.PatternFilename:    defaultFilenamePatterns(),
			domain.PatternPDFMarker:   defaultMarkerPatterns(),
			domain.PatternSubject:     defaultSubjectPatterns(),
			domain.PatternBodyKeyword: defaultBodyPatterns(),
		},
	}
}

// kind returns the rules for one cascade stage: configured rows first
// (priority descending), then the built-ins.
func (r *patternRegistry) kind(ctx context.Context, k domain.PatternKind) []compiledPattern {
	if r.cfg == nil {
		return r.defaults[k]
	}

	version := r.cfg.Version()
	r.mu.RLock()
	if r.version == version {
		if rules, ok := r.compiled[k]; ok {
			r.mu.RUnlock()
			return rules
		}
	}
	r.mu.RUnlock()

	rows, err := r.cfg.ClassificationPatterns(ctx)
	if err != nil {
		logger.WithError(err).Warn("classification patterns unavailable, using built-ins")
		return r.defaults[k]
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.version != version {
		r.compiled = map[domain.PatternKind][]compiledPattern{}
		r.version = version
	}
	if rules, ok := r.compiled[k]; ok {
		return rules
	}

	configured := make([]compiledPattern, 0, len(rows))
	for _, row := range rows {
		if row.Kind != k || !row.Enabled {
			continue
		}
		re, err := regexp.Compile(row.Pattern)
		if err != nil {
			logger.WithField("pattern_id", row.ID).WithError(err).Warn("skipping unparsable classification pattern")
			continue
		}
		carrier := ""
		if row.CarrierCode != nil {
			carrier = *row.CarrierCode
		}
		configured = append(configured, compiledPattern{
			re:           re,
			carrierCode:  carrier,
			documentType: row.DocumentType,
			confidence:   row.Confidence,
			priority:     row.Priority,
			source:       string(k) + ":configured",
		})
	}
	sort.SliceStable(configured, func(i, j int) bool {
		return configured[i].priority > configured[j].priority
	})

	rules := append(configured, r.defaults[k]...)
	r.compiled[k] = rules
	return rules
}

// matchFirst returns the first rule whose regex matches the text, honoring
// carrier narrowing.
func matchFirst(rules []compiledPattern, text, carrierCode string) *compiledPattern {
	if text == "" {
		return nil
	}
	for i := range rules {
		rule := &rules[i]
		if rule.carrierCode != "" && rule.carrierCode != carrierCode {
			continue
		}
		if rule.re.MatchString(text) {
			return rule
		}
	}
	return nil
}

// =============================================================================
// Built-in tables
// =============================================================================
//
// Draft and amendment rules are listed before their issued-document
// counterparts: "DRAFT BILL OF LADING" must not match as bill_of_lading.

func defaultFilenamePatterns() []compiledPattern {
	return []compiledPattern{
		{re: regexp.MustCompile(`(?i)booking[_\s-]?amendment|bkg[_\s-]?amend`), documentType: domain.DocTypeBookingAmendment, confidence: 93, source: "filename:booking-amendment"},
		{re: regexp.MustCompile(`(?i)booking[_\s-]?cancel`), documentType: domain.DocTypeBookingCancellation, confidence: 93, source: "filename:booking-cancellation"},
		{re: regexp.MustCompile(`(?i)booking[_\s-]?confirmation|^bc[_-]?\d{6,}`), documentType: domain.DocTypeBookingConfirmation, confidence: 95, source: "filename:booking-confirmation"},
		{re: regexp.MustCompile(`(?i)si[_\s-]?draft|draft[_\s-]?si\b`), documentType: domain.DocTypeSIDraft, confidence: 93, source: "filename:si-draft"},
		{re: regexp.MustCompile(`(?i)shipping[_\s-]?instruction|^si[_-]\d`), documentType: domain.DocTypeShippingInstruction, confidence: 92, source: "filename:shipping-instruction"},
		{re: regexp.MustCompile(`(?i)vgm`), documentType: domain.DocTypeVGMSubmission, confidence: 90, source: "filename:vgm"},
		{re: regexp.MustCompile(`(?i)hbl[_\s-]?draft|draft[_\s-]?hbl`), documentType: domain.DocTypeHBLDraft, confidence: 94, source: "filename:hbl-draft"},
		{re: regexp.MustCompile(`(?i)^hbl[_\s.-]|house[_\s-]?bill`), documentType: domain.DocTypeHBL, confidence: 92, source: "filename:hbl"},
		{re: regexp.MustCompile(`(?i)bl[_\s-]?draft|draft[_\s-]?(m?bl)\b`), documentType: domain.DocTypeBLDraft, confidence: 93, source: "filename:bl-draft"},
		{re: regexp.MustCompile(`(?i)^mbl[_\s.-]|master[_\s-]?bill|bill[_\s-]?of[_\s-]?lading|^bl[_-]?\d{6,}`), documentType: domain.DocTypeBillOfLading, confidence: 92, source: "filename:bill-of-lading"},
		{re: regexp.MustCompile(`(?i)arrival[_\s-]?notice`), documentType: domain.DocTypeArrivalNotice, confidence: 95, source: "filename:arrival-notice"},
		{re: regexp.MustCompile(`(?i)delivery[_\s-]?order|^do[_-]?\d{5,}`), documentType: domain.DocTypeDeliveryOrder, confidence: 92, source: "filename:delivery-order"},
		{re: regexp.MustCompile(`(?i)7501|entry[_\s-]?summary`), documentType: domain.DocTypeEntrySummary, confidence: 94, source: "filename:entry-summary"},
		{re: regexp.MustCompile(`(?i)customs[_\s-]?entry`), documentType: domain.DocTypeCustomsEntry, confidence: 92, source: "filename:customs-entry"},
		{re: regexp.MustCompile(`(?i)duty[_\s-]?invoice`), documentType: domain.DocTypeDutyInvoice, confidence: 93, source: "filename:duty-invoice"},
		{re: regexp.MustCompile(`(?i)proof[_\s-]?of[_\s-]?delivery|^pod[_\s.-]`), documentType: domain.DocTypePOD, confidence: 91, source: "filename:pod"},
		{re: regexp.MustCompile(`(?i)invoice|^inv[_-]?\d{4,}`), documentType: domain.DocTypeInvoice, confidence: 90, source: "filename:invoice"},
	}
}

func defaultMarkerPatterns() []compiledPattern {
	return []compiledPattern{
		{re: regexp.MustCompile(`(?i)booking\s+amendment|amendment\s+to\s+booking`), documentType: domain.DocTypeBookingAmendment, confidence: 88, source: "pdf_marker:booking-amendment"},
		{re: regexp.MustCompile(`(?i)booking\s+cancell?ation|cancellation\s+(confirmation|notice)`), documentType: domain.DocTypeBookingCancellation, confidence: 88, source: "pdf_marker:booking-cancellation"},
		{re: regexp.MustCompile(`(?i)booking\s+confirmation`), documentType: domain.DocTypeBookingConfirmation, confidence: 90, source: "pdf_marker:booking-confirmation"},
		{re: regexp.MustCompile(`(?i)shipping\s+instruction`), documentType: domain.DocTypeShippingInstruction, confidence: 87, source: "pdf_marker:shipping-instruction"},
		{re: regexp.MustCompile(`(?i)verified\s+gross\s+mass`), documentType: domain.DocTypeVGMSubmission, confidence: 86, source: "pdf_marker:vgm"},
		{re: regexp.MustCompile(`(?i)draft\s+house\s+bill|house\s+bill\s+of\s+lading\s*[-–]?\s*draft`), documentType: domain.DocTypeHBLDraft, confidence: 88, source: "pdf_marker:hbl-draft"},
		{re: regexp.MustCompile(`(?i)house\s+bill\s+of\s+lading`), documentType: domain.DocTypeHBL, confidence: 88, source: "pdf_marker:hbl"},
		{re: regexp.MustCompile(`(?i)draft\s+bill\s+of\s+lading|bill\s+of\s+lading\s*[-–]?\s*draft`), documentType: domain.DocTypeBLDraft, confidence: 88, source: "pdf_marker:bl-draft"},
		{re: regexp.MustCompile(`(?i)bill\s+of\s+lading`), documentType: domain.DocTypeBillOfLading, confidence: 87, source: "pdf_marker:bill-of-lading"},
		{re: regexp.MustCompile(`(?i)arrival\s+notice`), documentType: domain.DocTypeArrivalNotice, confidence: 90, source: "pdf_marker:arrival-notice"},
		{re: regexp.MustCompile(`(?i)delivery\s+order`), documentType: domain.DocTypeDeliveryOrder, confidence: 87, source: "pdf_marker:delivery-order"},
		{re: regexp.MustCompile(`(?i)cbp\s+form\s+7501|entry\s+summary`), documentType: domain.DocTypeEntrySummary, confidence: 89, source: "pdf_marker:entry-summary"},
		{re: regexp.MustCompile(`(?i)customs\s+entry`), documentType: domain.DocTypeCustomsEntry, confidence: 86, source: "pdf_marker:customs-entry"},
		{re: regexp.MustCompile(`(?i)duty\s+invoice`), documentType: domain.DocTypeDutyInvoice, confidence: 87, source: "pdf_marker:duty-invoice"},
		{re: regexp.MustCompile(`(?i)proof\s+of\s+delivery`), documentType: domain.DocTypePOD, confidence: 87, source: "pdf_marker:pod"},
		{re: regexp.MustCompile(`(?i)commercial\s+invoice`), documentType: domain.DocTypeInvoice, confidence: 86, source: "pdf_marker:invoice"},
	}
}

func defaultSubjectPatterns() []compiledPattern {
	return []compiledPattern{
		// Change notices outrank confirmation formats
		{re: regexp.MustCompile(`(?i)booking\s+amendment|amendment\s+to\s+booking|revised\s+booking`), documentType: domain.DocTypeBookingAmendment, confidence: 84, source: "subject:booking-amendment"},
		{re: regexp.MustCompile(`(?i)booking\s+cancell|cancellation\s+of\s+booking`), documentType: domain.DocTypeBookingCancellation, confidence: 85, source: "subject:booking-cancellation"},

		// Carrier-keyed confirmation formats. A Hapag booking reference alone
		// in the subject ("HL-22970937 USSAV RESILIENT") identifies one.
		{re: regexp.MustCompile(`(?i)\b(?:hlcu\d{7,10}|hl-?\d{8})\b`), carrierCode: "HLCU", documentType: domain.DocTypeBookingConfirmation, confidence: 85, source: "subject:hlcu-booking-ref"},
		{re: regexp.MustCompile(`(?i)booking\s+confirmation.*\b26\d{7}\b`), carrierCode: "MAEU", documentType: domain.DocTypeBookingConfirmation, confidence: 88, source: "subject:maeu-booking"},
		{re: regexp.MustCompile(`(?i)cma\s*cgm.*booking\s+confirmation`), carrierCode: "CMDU", documentType: domain.DocTypeBookingConfirmation, confidence: 88, source: "subject:cmdu-booking"},

		{re: regexp.MustCompile(`(?i)^booking\s+confirmation\s*[:#]\s*\d{7,12}\b`), documentType: domain.DocTypeBookingConfirmation, confidence: 88, source: "subject:booking-ref"},
		{re: regexp.MustCompile(`(?i)booking\s+(confirmation|confirmed)`), documentType: domain.DocTypeBookingConfirmation, confidence: 84, source: "subject:booking-confirmation"},
		{re: regexp.MustCompile(`(?i)\bsi\s+draft|draft\s+si\b`), documentType: domain.DocTypeSIDraft, confidence: 82, source: "subject:si-draft"},
		{re: regexp.MustCompile(`(?i)si\s+submi|shipping\s+instruction.*submit`), documentType: domain.DocTypeSISubmission, confidence: 82, source: "subject:si-submission"},
		{re: regexp.MustCompile(`(?i)shipping\s+instruction`), documentType: domain.DocTypeShippingInstruction, confidence: 81, source: "subject:shipping-instruction"},
		{re: regexp.MustCompile(`(?i)vgm.*(confirm|receiv|accept)`), documentType: domain.DocTypeVGMConfirmation, confidence: 82, source: "subject:vgm-confirmation"},
		{re: regexp.MustCompile(`(?i)\bvgm\b`), documentType: domain.DocTypeVGMSubmission, confidence: 80, source: "subject:vgm"},
		{re: regexp.MustCompile(`(?i)draft\s+(hbl|house)|hbl\s+draft`), documentType: domain.DocTypeHBLDraft, confidence: 84, source: "subject:hbl-draft"},
		{re: regexp.MustCompile(`(?i)\bhbl\b`), documentType: domain.DocTypeHBL, confidence: 80, source: "subject:hbl"},
		{re: regexp.MustCompile(`(?i)draft\s+m?bl\b|m?bl\s+draft`), documentType: domain.DocTypeBLDraft, confidence: 83, source: "subject:bl-draft"},
		{re: regexp.MustCompile(`(?i)bill\s+of\s+lading|\bmbl\b`), documentType: domain.DocTypeBillOfLading, confidence: 81, source: "subject:bill-of-lading"},
		{re: regexp.MustCompile(`(?i)arrival\s+notice`), documentType: domain.DocTypeArrivalNotice, confidence: 86, source: "subject:arrival-notice"},
		{re: regexp.MustCompile(`(?i)delivery\s+order`), documentType: domain.DocTypeDeliveryOrder, confidence: 84, source: "subject:delivery-order"},
		{re: regexp.MustCompile(`(?i)entry\s+summary|\b7501\b`), documentType: domain.DocTypeEntrySummary, confidence: 85, source: "subject:entry-summary"},
		{re: regexp.MustCompile(`(?i)customs\s+entry`), documentType: domain.DocTypeCustomsEntry, confidence: 83, source: "subject:customs-entry"},
		{re: regexp.MustCompile(`(?i)roll(ed|over)|vessel\s+delay|schedule\s+change|cargo\s+hold`), documentType: domain.DocTypeExceptionNotice, confidence: 82, source: "subject:exception"},
		// "POD" alone is ambiguous (port of discharge), so only the spelled
		// out phrase is safe in subjects
		{re: regexp.MustCompile(`(?i)proof\s+of\s+delivery`), documentType: domain.DocTypePOD, confidence: 81, source: "subject:pod"},
		{re: regexp.MustCompile(`(?i)duty\s+invoice`), documentType: domain.DocTypeDutyInvoice, confidence: 83, source: "subject:duty-invoice"},
		{re: regexp.MustCompile(`(?i)\binvoice\b`), documentType: domain.DocTypeInvoice, confidence: 80, source: "subject:invoice"},
	}
}

func defaultBodyPatterns() []compiledPattern {
	return []compiledPattern{
		{re: regexp.MustCompile(`(?i)(your\s+booking\s+(has\s+been|is)\s+confirmed|pleased\s+to\s+confirm\s+your\s+booking)`), documentType: domain.DocTypeBookingConfirmation, confidence: 78, source: "body_text:booking-confirmation"},
		{re: regexp.MustCompile(`(?i)booking\s+has\s+been\s+(amended|updated|revised)`), documentType: domain.DocTypeBookingAmendment, confidence: 76, source: "body_text:booking-amendment"},
		{re: regexp.MustCompile(`(?i)booking\s+has\s+been\s+cancell?ed`), documentType: domain.DocTypeBookingCancellation, confidence: 77, source: "body_text:booking-cancellation"},
		{re: regexp.MustCompile(`(?i)attached\s+(is\s+)?the\s+shipping\s+instruction`), documentType: domain.DocTypeShippingInstruction, confidence: 74, source: "body_text:shipping-instruction"},
		{re: regexp.MustCompile(`(?i)si\s+draft\s+for\s+your\s+review|draft\s+si\s+attached`), documentType: domain.DocTypeSIDraft, confidence: 74, source: "body_text:si-draft"},
		{re: regexp.MustCompile(`(?i)vgm\s+has\s+been\s+(submitted|filed)`), documentType: domain.DocTypeVGMSubmission, confidence: 73, source: "body_text:vgm-submission"},
		{re: regexp.MustCompile(`(?i)vgm\s+(received|accepted|confirmed)`), documentType: domain.DocTypeVGMConfirmation, confidence: 73, source: "body_text:vgm-confirmation"},
		{re: regexp.MustCompile(`(?i)(vessel|cargo)\s+has\s+arrived|arrival\s+notice`), documentType: domain.DocTypeArrivalNotice, confidence: 76, source: "body_text:arrival-notice"},
		{re: regexp.MustCompile(`(?i)delivery\s+order\s+(is\s+)?(attached|enclosed|released)`), documentType: domain.DocTypeDeliveryOrder, confidence: 72, source: "body_text:delivery-order"},
		{re: regexp.MustCompile(`(?i)entry\s+has\s+been\s+filed|customs\s+entry\s+filed`), documentType: domain.DocTypeCustomsEntry, confidence: 74, source: "body_text:customs-entry"},
		{re: regexp.MustCompile(`(?i)(shipment|cargo|container)\s+has\s+been\s+rolled|vessel\s+(is\s+)?delayed`), documentType: domain.DocTypeExceptionNotice, confidence: 75, source: "body_text:exception"},
		{re: regexp.MustCompile(`(?i)delivered\s+in\s+good\s+(order|condition)|proof\s+of\s+delivery`), documentType: domain.DocTypePOD, confidence: 73, source: "body_text:pod"},
		{re: regexp.MustCompile(`(?i)invoice\s+(is\s+)?attached|payment\s+(is\s+)?due`), documentType: domain.DocTypeInvoice, confidence: 71, source: "body_text:invoice"},
	}
}

// =============================================================================
// Email type table
// =============================================================================

// emailTypeRule is the parallel-track counterpart of compiledPattern.
type emailTypeRule struct {
	re         *regexp.Regexp
	emailType  domain.EmailType
	inSubject  bool
	inBody     bool
	confidence float64
	priority   int
}

func defaultEmailTypeRules() []emailTypeRule {
	return []emailTypeRule{
		{re: regexp.MustCompile(`(?i)cancell`), emailType: domain.EmailTypeCancellation, inSubject: true, inBody: true, confidence: 86},
		{re: regexp.MustCompile(`(?i)amendment|amended|revised`), emailType: domain.EmailTypeAmendment, inSubject: true, inBody: true, confidence: 84},
		{re: regexp.MustCompile(`(?i)roll(ed|over)|delay|on\s+hold|customs\s+hold|exam\b`), emailType: domain.EmailTypeException, inSubject: true, inBody: true, confidence: 80},
		{re: regexp.MustCompile(`(?i)draft.*(review|approval)|for\s+your\s+review|please\s+review`), emailType: domain.EmailTypeDraftReview, inSubject: true, inBody: true, confidence: 79},
		{re: regexp.MustCompile(`(?i)confirmation|confirmed`), emailType: domain.EmailTypeConfirmation, inSubject: true, confidence: 85},
		{re: regexp.MustCompile(`(?i)submit(ted)?|submission`), emailType: domain.EmailTypeSubmission, inSubject: true, inBody: true, confidence: 76},
		{re: regexp.MustCompile(`(?i)instruction`), emailType: domain.EmailTypeInstruction, inSubject: true, confidence: 77},
		{re: regexp.MustCompile(`(?i)(arrival\s+)?notice|notification`), emailType: domain.EmailTypeNotification, inSubject: true, confidence: 78},
		{re: regexp.MustCompile(`(?i)please\s+(provide|advise|send|share)|kindly|could\s+you|request`), emailType: domain.EmailTypeRequest, inSubject: true, inBody: true, confidence: 75},
	}
}
