package extraction

import (
	"regexp"
	"strings"
	"time"

	"shipment_worker/core/domain"
)

// =============================================================================
// Key-value label extraction
// =============================================================================

// Cutoff and voyage fields rarely follow a machine format; carriers print
// them as "label: value" lines inside confirmations and BL drafts. The label
// table maps those lines onto entity types. Values are parsed per kind.

type valueKind int

const (
	kindDate valueKind = iota
	kindText
	kindPort
	kindIdentifier
	kindContainers
	kindVesselVoyage
)

// labelRule is one compiled "label: value" line matcher. CarrierCode narrows
// carrier-specific wording; empty matches all senders.
type labelRule struct {
	re          *regexp.Regexp
	entityType  domain.EntityType
	kind        valueKind
	carrierCode string
	confidence  float64
	label       string
}

// compileLabel builds the line matcher: the label expression, a separator,
// then the value to end-of-line.
func compileLabel(carrier, label string, expr string, t domain.EntityType, kind valueKind, confidence float64) labelRule {
	return labelRule{
		re:          regexp.MustCompile(`(?i)\b(?:` + expr + `)\s*[:\-\x{2013}]\s*(\S.*)`),
		entityType:  t,
		kind:        kind,
		carrierCode: carrier,
		confidence:  confidence,
		label:       label,
	}
}

// defaultLabelRules is the built-in label table. Order matters: the first
// rule that matches a line consumes it, so narrow labels ("SI closing")
// precede broad ones ("closing").
func defaultLabelRules() []labelRule {
	return []labelRule{
		// Cutoffs
		compileLabel("", "si-cutoff", `(?:si|shipping\s+instructions?)\s*(?:closing|cut[\s-]?off|deadline|submission\s+deadline)(?:\s*(?:date|time|\(.*?\)))?`, domain.EntitySICutoff, kindDate, 82),
		compileLabel("", "vgm-cutoff", `vgm\s*(?:closing|cut[\s-]?off|deadline|submission\s+deadline)?(?:\s*(?:date|time))?`, domain.EntityVGMCutoff, kindDate, 82),
		compileLabel("", "cargo-cutoff", `(?:fcl\s+delivery|cargo|cntr|container)\s*(?:closing|cut[\s-]?off|deadline)(?:\s*(?:date|time))?`, domain.EntityCargoCutoff, kindDate, 82),
		compileLabel("", "cy-cutoff", `cy\s*(?:closing|cut[\s-]?off|deadline)`, domain.EntityCargoCutoff, kindDate, 80),
		compileLabel("", "gate-cutoff", `gate(?:\s*-?\s*in)?\s*(?:closing|cut[\s-]?off|deadline)`, domain.EntityGateCutoff, kindDate, 80),
		compileLabel("", "doc-cutoff", `doc(?:umentation|s)?\s*(?:closing|cut[\s-]?off|deadline)`, domain.EntityDocCutoff, kindDate, 80),

		// Voyage dates
		compileLabel("", "etd", `etd|ets|estimated\s+(?:time\s+of\s+)?departure|sailing\s+date|departure\s+date`, domain.EntityETD, kindDate, 80),
		compileLabel("", "eta", `eta|estimated\s+(?:time\s+of\s+)?arrival|arrival\s+date`, domain.EntityETA, kindDate, 80),

		// Vessel and voyage
		compileLabel("", "vessel-voyage", `vessel\s*/\s*voyage|vsl\s*/\s*voy`, domain.EntityVesselName, kindVesselVoyage, 80),
		compileLabel("", "vessel", `(?:mother\s+|ocean\s+)?vessel(?:\s+name)?|vsl`, domain.EntityVesselName, kindText, 80),
		compileLabel("", "voyage", `voyage(?:\s*(?:no|number))?|voy`, domain.EntityVoyageNumber, kindText, 80),

		// Ports
		compileLabel("", "pol", `port\s+of\s+loading|pol|load(?:ing)?\s+port`, domain.EntityPortOfLoading, kindPort, 80),
		compileLabel("", "pod", `port\s+of\s+discharge|pod|discharge\s+port`, domain.EntityPortOfDischarge, kindPort, 80),

		// Identifiers by label, for formats the schema pass has no rule for.
		// House bill labels run before master bill labels so "House B/L No"
		// is not consumed by the bare B/L rule.
		compileLabel("", "booking", `booking\s*(?:no|number|ref(?:erence)?)?\.?|bkg\s*(?:no|number)?\.?|carrier\s+booking\s+reference`, domain.EntityBookingNumber, kindIdentifier, 80),
		compileLabel("", "hbl", `(?:house\s+(?:b[/.]?l|bill(?:\s+of\s+lading)?)|hbl)\s*(?:no|number)?\.?`, domain.EntityHBLNumber, kindIdentifier, 78),
		compileLabel("", "mbl", `(?:master\s+)?(?:b[/.]?l|bill\s+of\s+lading|mbl|obl)\s*(?:no|number)?\.?`, domain.EntityMBLNumber, kindIdentifier, 78),
		compileLabel("", "containers", `container\s*(?:no|number)?s?\.?|cntr\s*(?:no|number)?s?\.?`, domain.EntityContainerNumber, kindContainers, 80),
	}
}

// labelScanLimit caps the key-value pass. Attachment text dominates here,
// and carrier PDFs put the deadline table on the first pages.
const labelScanLimit = 32 * 1024

// scanLabels runs the label table over text line by line, filling entity
// gaps in data. First value per entity wins; later repeats of the same label
// (terms pages, footers) are ignored.
func scanLabels(rules []labelRule, text, sourceTag, carrierCode string, data *domain.ExtractedDocumentData) {
	if text == "" {
		return
	}
	if len(text) > labelScanLimit {
		text = text[:labelScanLimit]
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for i := range rules {
			rule := &rules[i]
			if rule.carrierCode != "" && rule.carrierCode != carrierCode {
				continue
			}
			m := rule.re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			if applyLabelValue(rule, m[1], sourceTag, data) {
				break
			}
		}
	}
}

// applyLabelValue parses one matched value and stores it when the field is
// still empty. Returns true when the line was consumed.
func applyLabelValue(rule *labelRule, value, sourceTag string, data *domain.ExtractedDocumentData) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	source := sourceTag + ":" + rule.label

	record := func(t domain.EntityType) {
		data.Record(t, rule.confidence, domain.ExtractionMethodRegexBody)
		data.RecordSource(t, source)
	}

	switch rule.kind {
	case kindDate:
		if data.Has(rule.entityType) {
			return true
		}
		t, ok := extractDate(value)
		if !ok {
			return false
		}
		setDateField(data, rule.entityType, t)
		record(rule.entityType)
		return true

	case kindText:
		if data.Has(rule.entityType) {
			return true
		}
		v := cleanTextValue(value)
		if v == "" {
			return false
		}
		setTextField(data, rule.entityType, v)
		record(rule.entityType)
		return true

	case kindPort:
		name, code := splitPortValue(value)
		if name == "" && code == "" {
			return false
		}
		nameType, codeType := portEntityTypes(rule.entityType)
		if name != "" && !data.Has(nameType) {
			setTextField(data, nameType, name)
			record(nameType)
		}
		if code != "" && !data.Has(codeType) {
			setTextField(data, codeType, code)
			record(codeType)
		}
		return true

	case kindIdentifier:
		if data.Has(rule.entityType) {
			return true
		}
		v := firstIdentifier(value)
		if v == "" {
			return false
		}
		setTextField(data, rule.entityType, v)
		record(rule.entityType)
		return true

	case kindContainers:
		added := false
		for _, c := range containerTokenRe.FindAllString(strings.ToUpper(value), -1) {
			if appendContainer(data, c) {
				added = true
			}
		}
		if added && !data.Has(domain.EntityContainerNumber) {
			record(domain.EntityContainerNumber)
		}
		return added

	case kindVesselVoyage:
		vessel, voyage := splitVesselVoyage(value)
		if vessel != "" && !data.Has(domain.EntityVesselName) {
			setTextField(data, domain.EntityVesselName, vessel)
			record(domain.EntityVesselName)
		}
		if voyage != "" && !data.Has(domain.EntityVoyageNumber) {
			setTextField(data, domain.EntityVoyageNumber, voyage)
			record(domain.EntityVoyageNumber)
		}
		return vessel != "" || voyage != ""
	}
	return false
}

// =============================================================================
// Value parsing helpers
// =============================================================================

var (
	identifierTokenRe = regexp.MustCompile(`[A-Za-z0-9][A-Za-z0-9/-]{3,24}`)
	containerTokenRe  = regexp.MustCompile(`\b[A-Z]{3}[UJZ]\d{7}\b`)
	locodeParenRe     = regexp.MustCompile(`\(([A-Z]{2}[A-Z0-9]{3})\)`)
	locodeBareRe      = regexp.MustCompile(`^[A-Z]{2}[A-Z0-9]{3}$`)
	voyageTokenRe     = regexp.MustCompile(`^[0-9]{2,4}[A-Z]{0,2}$|^[A-Z]{1,2}[0-9]{2,4}[A-Z]?$`)
)

// firstIdentifier pulls the leading identifier token out of a label value,
// dropping trailing prose ("263815227 (please quote on all docs)").
// Identifiers always carry digits; an all-letter token is prose.
func firstIdentifier(value string) string {
	tok := identifierTokenRe.FindString(value)
	if tok == "" || !strings.ContainsAny(tok, "0123456789") {
		return ""
	}
	if _, ok := parseDate(tok); ok {
		return ""
	}
	return strings.ToUpper(tok)
}

// cleanTextValue trims a free-text value down to a storable snippet.
func cleanTextValue(value string) string {
	v := domain.NormalizeWhitespace(value)
	v = strings.Trim(v, ".,;-")
	return domain.TruncateRunes(strings.TrimSpace(v), 80)
}

// splitPortValue separates a port name from its UN/LOCODE. Handles
// "SAVANNAH, GA (USSAV)", bare "USSAV", and plain names.
func splitPortValue(value string) (name, code string) {
	v := domain.NormalizeWhitespace(value)
	if m := locodeParenRe.FindStringSubmatch(v); m != nil {
		code = m[1]
		name = strings.TrimSpace(strings.Replace(v, m[0], "", 1))
	} else if locodeBareRe.MatchString(strings.ToUpper(v)) {
		code = strings.ToUpper(v)
	} else {
		name = v
	}
	name = domain.TruncateRunes(strings.Trim(name, ".,;-"), 80)
	return name, code
}

func portEntityTypes(t domain.EntityType) (nameType, codeType domain.EntityType) {
	if t == domain.EntityPortOfLoading {
		return domain.EntityPortOfLoading, domain.EntityPortOfLoadingCode
	}
	return domain.EntityPortOfDischarge, domain.EntityPortOfDischargeCode
}

// splitVesselVoyage separates "RESILIENT 042E" style combined values. The
// trailing token is a voyage only when it looks like one.
func splitVesselVoyage(value string) (vessel, voyage string) {
	v := cleanTextValue(value)
	if v == "" {
		return "", ""
	}
	fields := strings.Fields(v)
	if len(fields) >= 2 {
		last := strings.ToUpper(fields[len(fields)-1])
		if voyageTokenRe.MatchString(last) {
			return strings.Join(fields[:len(fields)-1], " "), last
		}
	}
	return v, ""
}

// =============================================================================
// Field setters
// =============================================================================

func setDateField(data *domain.ExtractedDocumentData, t domain.EntityType, v time.Time) {
	switch t {
	case domain.EntityETD:
		data.ETD = &v
	case domain.EntityETA:
		data.ETA = &v
	case domain.EntitySICutoff:
		data.SICutoff = &v
	case domain.EntityVGMCutoff:
		data.VGMCutoff = &v
	case domain.EntityCargoCutoff:
		data.CargoCutoff = &v
	case domain.EntityGateCutoff:
		data.GateCutoff = &v
	case domain.EntityDocCutoff:
		data.DocCutoff = &v
	}
}

func setTextField(data *domain.ExtractedDocumentData, t domain.EntityType, v string) {
	switch t {
	case domain.EntityBookingNumber:
		data.BookingNumber = &v
	case domain.EntityMBLNumber:
		data.MBLNumber = &v
	case domain.EntityHBLNumber:
		data.HBLNumber = &v
	case domain.EntityVesselName:
		data.VesselName = &v
	case domain.EntityVoyageNumber:
		data.VoyageNumber = &v
	case domain.EntityPortOfLoading:
		data.PortOfLoading = &v
	case domain.EntityPortOfLoadingCode:
		data.PortOfLoadingCode = &v
	case domain.EntityPortOfDischarge:
		data.PortOfDischarge = &v
	case domain.EntityPortOfDischargeCode:
		data.PortOfDischargeCode = &v
	}
}

func appendContainer(data *domain.ExtractedDocumentData, containerNumber string) bool {
	containerNumber = strings.ToUpper(strings.TrimSpace(containerNumber))
	if containerNumber == "" {
		return false
	}
	for _, existing := range data.ContainerNumbers {
		if existing == containerNumber {
			return false
		}
	}
	data.ContainerNumbers = append(data.ContainerNumbers, containerNumber)
	return true
}
