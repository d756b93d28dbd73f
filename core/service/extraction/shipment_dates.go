package extraction

import (
	"regexp"
	"strings"
	"time"
)

// =============================================================================
// Date normalization
// =============================================================================

// Layouts seen across carrier confirmations and BL drafts, tried in order.
// Layouts with a time component come first so "25-Dec-2025 10:00" keeps its
// time-of-day instead of matching the date-only prefix.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2-Jan-2006 15:04:05",
	"2-Jan-2006 15:04",
	"2-Jan-2006 3:04 PM",
	"2-Jan-2006",
	"2 Jan 2006 15:04",
	"2 Jan 2006",
	"Jan 2, 2006 15:04",
	"Jan 2, 2006",
	"January 2, 2006",
	"2.1.2006 15:04",
	"2.1.2006",
}

var (
	// Trailing decorations carriers append to deadline values.
	dateNoiseRe = regexp.MustCompile(`(?i)\s*(?:hrs?|hours|lt|local(?:\s+time)?)\.?\s*$`)
	slashDateRe = regexp.MustCompile(`^\d{1,2}/\d{1,2}/\d{2,4}(?:\s+\d{1,2}:\d{2})?$`)

	// embeddedDateRe matches a date token (with optional time) inside prose.
	embeddedDateRe = regexp.MustCompile(`(?i)\b(?:\d{4}-\d{2}-\d{2}(?:[T ]\d{1,2}:\d{2}(?::\d{2})?)?|\d{1,2}[-. ](?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*[-. ]\d{2,4}(?:\s+\d{1,2}:\d{2})?|\d{1,2}/\d{1,2}/\d{2,4}(?:\s+\d{1,2}:\d{2})?)\b`)
)

// parseDate normalizes one raw date string. Time-of-day survives when the
// source carried one; date-only values land on midnight UTC.
func parseDate(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, ".,;")
	s = dateNoiseRe.ReplaceAllString(s, "")
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return time.Time{}, false
	}

	if slashDateRe.MatchString(s) {
		return parseSlashDate(s)
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseSlashDate disambiguates d/m/y against m/d/y. Carrier documents are
// international, so day-first wins when both readings are valid.
func parseSlashDate(s string) (time.Time, bool) {
	layouts := [][2]string{
		{"2/1/2006 15:04", "1/2/2006 15:04"},
		{"2/1/2006", "1/2/2006"},
		{"2/1/06 15:04", "1/2/06 15:04"},
		{"2/1/06", "1/2/06"},
	}
	for _, l := range layouts {
		if t, err := time.Parse(l[0], s); err == nil {
			return t, true
		}
		if t, err := time.Parse(l[1], s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// extractDate finds and parses the first date inside a free-form value,
// tolerating prose around it ("on or before 25-Dec-2025 10:00 please").
func extractDate(value string) (time.Time, bool) {
	if t, ok := parseDate(value); ok {
		return t, true
	}
	m := embeddedDateRe.FindString(value)
	if m == "" {
		return time.Time{}, false
	}
	return parseDate(m)
}
