package extraction

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"shipment_worker/core/domain"
	"shipment_worker/core/service/common"
	"shipment_worker/pkg/logger"
)

// =============================================================================
// Compiled identifier registry
// =============================================================================

// compiledIDPattern is one ready-to-run identifier rule. When the expression
// has a capture group the group is the value; otherwise the whole match is.
// CarrierCode narrows bare-digit formats to their carrier; SCAC-prefixed
// formats self-identify and stay global.
type compiledIDPattern struct {
	re          *regexp.Regexp
	carrierCode string
	entityType  domain.EntityType
	confidence  float64
	priority    int
	source      string
}

// matchFirst returns the first captured value, uppercased.
func (p *compiledIDPattern) matchFirst(text string) string {
	m := p.re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.ToUpper(pick(m))
}

// matchAll returns every distinct captured value, uppercased, in order.
func (p *compiledIDPattern) matchAll(text string) []string {
	ms := p.re.FindAllStringSubmatch(text, -1)
	if ms == nil {
		return nil
	}
	seen := make(map[string]bool, len(ms))
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		v := strings.ToUpper(pick(m))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func pick(m []string) string {
	if len(m) > 1 && m[1] != "" {
		return m[1]
	}
	return m[0]
}

// idRegistry compiles the configured carrier identifier patterns once per
// config-cache version and serves them to the schema pass. Configured rows
// run before the built-in table, so operations can shadow a built-in format
// with a higher-priority row.
type idRegistry struct {
	cfg *common.ConfigCache

	mu       sync.RWMutex
	version  uint64
	compiled []compiledIDPattern

	defaults []compiledIDPattern
}

func newIDRegistry(cfg *common.ConfigCache) *idRegistry {
	return &idRegistry{cfg: cfg, defaults: defaultIDPatterns()}
}

// patterns returns the identifier rules: configured rows first (priority
// descending), then the built-ins.
func (r *idRegistry) patterns(ctx context.Context) []compiledIDPattern {
	if r.cfg == nil {
		return r.defaults
	}

	version := r.cfg.Version()
	r.mu.RLock()
	if r.version == version && r.compiled != nil {
		rules := r.compiled
		r.mu.RUnlock()
		return rules
	}
	r.mu.RUnlock()

	rows, err := r.cfg.CarrierIDPatterns(ctx)
	if err != nil {
		logger.WithError(err).Warn("carrier id patterns unavailable, using built-ins")
		return r.defaults
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.version == version && r.compiled != nil {
		return r.compiled
	}

	configured := make([]compiledIDPattern, 0, len(rows))
	for _, row := range rows {
		if !row.Enabled {
			continue
		}
		re, err := regexp.Compile("(?i)" + row.Pattern)
		if err != nil {
			logger.WithField("pattern_id", row.ID).WithError(err).Warn("skipping unparsable carrier id pattern")
			continue
		}
		configured = append(configured, compiledIDPattern{
			re:          re,
			carrierCode: row.CarrierCode,
			entityType:  row.EntityType,
			confidence:  row.Confidence,
			priority:    row.Priority,
			source:      "id:configured",
		})
	}
	sort.SliceStable(configured, func(i, j int) bool {
		return configured[i].priority > configured[j].priority
	})

	r.compiled = append(configured, r.defaults...)
	r.version = version
	return r.compiled
}

// =============================================================================
// Built-in identifier formats
// =============================================================================

// defaultIDPatterns is the hardcoded carrier format table. Bare-digit booking
// formats are narrowed to their carrier so phone numbers and invoice refs in
// unrelated mail cannot masquerade as bookings; SCAC-prefixed bill numbers
// carry their own carrier evidence and run everywhere.
func defaultIDPatterns() []compiledIDPattern {
	mk := func(carrier string, t domain.EntityType, expr string, confidence float64, source string) compiledIDPattern {
		return compiledIDPattern{
			re:          regexp.MustCompile("(?i)" + expr),
			carrierCode: carrier,
			entityType:  t,
			confidence:  confidence,
			source:      source,
		}
	}
	return []compiledIDPattern{
		// Booking numbers
		mk("MAEU", domain.EntityBookingNumber, `\b(26\d{7})\b`, 92, "maersk-booking"),
		mk("HLCU", domain.EntityBookingNumber, `\bHL-?(\d{8})\b`, 92, "hapag-booking"),
		mk("HLCU", domain.EntityBookingNumber, `\b(HLCU\d{7,10})\b`, 88, "hapag-booking-long"),
		mk("CMDU", domain.EntityBookingNumber, `\b((?:CEI|AMC|CAD)\d{7})\b`, 92, "cmacgm-booking"),
		mk("COSU", domain.EntityBookingNumber, `\b(COSU\d{10})\b`, 90, "cosco-booking"),

		// Master bills, SCAC-prefixed
		mk("", domain.EntityMBLNumber, `\b(MAEU\d{9})\b`, 90, "maersk-mbl"),
		mk("", domain.EntityMBLNumber, `\b(CMDU[A-Z0-9]{8,11})\b`, 88, "cmacgm-mbl"),
		mk("", domain.EntityMBLNumber, `\b(ONEY[A-Z0-9]{8,12})\b`, 88, "one-mbl"),
		mk("", domain.EntityMBLNumber, `\b(MEDU[A-Z0-9]{7,10})\b`, 88, "msc-mbl"),
		mk("", domain.EntityMBLNumber, `\b(EGLV\d{12})\b`, 88, "evergreen-mbl"),

		// House bills, forwarder-issued
		mk("", domain.EntityHBLNumber, `\b(SE\d{10})\b`, 88, "house-bill"),

		// Containers, ISO 6346 owner code + category identifier + serial
		mk("", domain.EntityContainerNumber, `\b([A-Z]{3}[UJZ]\d{7})\b`, 90, "iso6346"),
	}
}
