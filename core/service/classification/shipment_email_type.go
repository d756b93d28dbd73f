package classification

import (
	"context"
	"regexp"
	"sort"
	"sync"

	"shipment_worker/core/domain"
	"shipment_worker/pkg/logger"
)

// emailTypeOutcome is what the parallel track contributes to the stored row.
type emailTypeOutcome struct {
	EmailType  domain.EmailType
	Confidence float64
}

// emailTypeClassifier runs independently of the document cascade: an email
// whose document is a booking confirmation is usually emailType
// "confirmation", but the two tracks never consult each other.
type emailTypeClassifier struct {
	registry *patternRegistry

	mu       sync.Mutex
	version  uint64
	compiled []emailTypeRule

	defaults []emailTypeRule
}

func newEmailTypeClassifier(registry *patternRegistry) *emailTypeClassifier {
	return &emailTypeClassifier{
		registry: registry,
		defaults: defaultEmailTypeRules(),
	}
}

func (c *emailTypeClassifier) rules(ctx context.Context) []emailTypeRule {
	if c.registry == nil || c.registry.cfg == nil {
		return c.defaults
	}

	version := c.registry.cfg.Version()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.version == version && c.compiled != nil {
		return c.compiled
	}

	rows, err := c.registry.cfg.EmailTypePatterns(ctx)
	if err != nil {
		logger.WithError(err).Warn("email type patterns unavailable, using built-ins")
		return c.defaults
	}

	configured := make([]emailTypeRule, 0, len(rows))
	for _, row := range rows {
		if !row.Enabled {
			continue
		}
		re, err := regexp.Compile(row.Pattern)
		if err != nil {
			logger.WithField("pattern_id", row.ID).WithError(err).Warn("skipping unparsable email type pattern")
			continue
		}
		configured = append(configured, emailTypeRule{
			re:         re,
			emailType:  row.EmailType,
			inSubject:  row.InSubject,
			inBody:     row.InBody,
			confidence: row.Confidence,
			priority:   row.Priority,
		})
	}
	sort.SliceStable(configured, func(i, j int) bool {
		return configured[i].priority > configured[j].priority
	})

	c.version = version
	c.compiled = append(configured, c.defaults...)
	return c.compiled
}

// Classify always lands on a type; plain correspondence is the floor.
func (c *emailTypeClassifier) Classify(ctx context.Context, in *Input) emailTypeOutcome {
	subject := in.CleanSubject()
	body := truncateForScan(in.Email.BodyText)

	for _, rule := range c.rules(ctx) {
		if rule.inSubject && subject != "" && rule.re.MatchString(subject) {
			return emailTypeOutcome{EmailType: rule.emailType, Confidence: rule.confidence}
		}
		if rule.inBody && body != "" && rule.re.MatchString(body) {
			return emailTypeOutcome{EmailType: rule.emailType, Confidence: rule.confidence}
		}
	}
	return emailTypeOutcome{EmailType: domain.EmailTypeCorrespondence, Confidence: 50}
}

// =============================================================================
// Urgency
// =============================================================================

var urgencyRe = regexp.MustCompile(`(?i)\b(urgent|asap|immediate(ly)?|critical|time[\s-]sensitive|expedite)\b`)

// detectUrgency scans the subject and the leading body for explicit urgency
// wording. Legal boilerplate further down the body does not count.
func detectUrgency(in *Input) bool {
	if urgencyRe.MatchString(in.CleanSubject()) {
		return true
	}
	body := in.Email.BodyText
	if len(body) > 2048 {
		body = body[:2048]
	}
	return urgencyRe.MatchString(body)
}
