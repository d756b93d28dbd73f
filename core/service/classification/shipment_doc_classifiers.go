package classification

import (
	"context"

	"shipment_worker/core/domain"
)

// bodyScanLimit bounds how much body/attachment text the keyword stages scan.
const bodyScanLimit = 16 * 1024

func truncateForScan(s string) string {
	if len(s) > bodyScanLimit {
		return s[:bodyScanLimit]
	}
	return s
}

// =============================================================================
// Stage 1: attachment filenames (confidence 90-95)
// =============================================================================

type filenameClassifier struct {
	registry *patternRegistry
}

func (c *filenameClassifier) Name() string { return "filename" }

func (c *filenameClassifier) Classify(ctx context.Context, in *Input) (*Result, error) {
	names := in.Filenames
	for _, att := range in.Attachments {
		if att.IsSignatureImage || att.Filename == "" {
			continue
		}
		names = append(names, att.Filename)
	}
	if len(names) == 0 {
		return nil, nil
	}

	rules := c.registry.kind(ctx, domain.PatternFilename)
	for _, name := range names {
		if rule := matchFirst(rules, name, in.CarrierCode); rule != nil {
			return &Result{
				DocumentType: rule.documentType,
				Confidence:   rule.confidence,
				Method:       domain.ClassificationMethodFilename,
				Source:       rule.source,
				Signals:      []string{"filename=" + name},
			}, nil
		}
	}
	return nil, nil
}

// =============================================================================
// Stage 2: markers inside extracted attachment text (confidence 85-90)
// =============================================================================

type markerClassifier struct {
	registry *patternRegistry
}

func (c *markerClassifier) Name() string { return "pdf_marker" }

func (c *markerClassifier) Classify(ctx context.Context, in *Input) (*Result, error) {
	texts := make([]string, 0, 1+len(in.Attachments))
	if in.AttachmentText != "" {
		texts = append(texts, in.AttachmentText)
	}
	for _, att := range in.Attachments {
		if t := att.Text(); t != "" {
			texts = append(texts, t)
		}
	}
	if len(texts) == 0 {
		return nil, nil
	}

	rules := c.registry.kind(ctx, domain.PatternPDFMarker)
	for _, text := range texts {
		if rule := matchFirst(rules, truncateForScan(text), in.CarrierCode); rule != nil {
			return &Result{
				DocumentType: rule.documentType,
				Confidence:   rule.confidence,
				Method:       domain.ClassificationMethodPattern,
				Source:       rule.source,
				Signals:      []string{"marker=" + rule.re.String()},
			}, nil
		}
	}
	return nil, nil
}

// =============================================================================
// Stage 3: subject line, carrier-keyed (confidence 80-90)
// =============================================================================

type subjectClassifier struct {
	registry *patternRegistry
}

func (c *subjectClassifier) Name() string { return "subject" }

func (c *subjectClassifier) Classify(ctx context.Context, in *Input) (*Result, error) {
	subject := in.CleanSubject()
	if subject == "" {
		return nil, nil
	}

	rules := c.registry.kind(ctx, domain.PatternSubject)
	rule := matchFirst(rules, subject, in.CarrierCode)
	if rule == nil {
		return nil, nil
	}

	signals := []string{"subject=" + subject}
	if rule.carrierCode != "" {
		signals = append(signals, "carrier="+rule.carrierCode)
	}
	return &Result{
		DocumentType: rule.documentType,
		Confidence:   rule.confidence,
		Method:       domain.ClassificationMethodSubject,
		Source:       rule.source,
		Signals:      signals,
	}, nil
}

// =============================================================================
// Stage 4: body keywords (confidence 70-80)
// =============================================================================

type bodyClassifier struct {
	registry *patternRegistry
}

func (c *bodyClassifier) Name() string { return "body" }

func (c *bodyClassifier) Classify(ctx context.Context, in *Input) (*Result, error) {
	body := truncateForScan(in.Email.BodyText)
	if body == "" {
		return nil, nil
	}

	rules := c.registry.kind(ctx, domain.PatternBodyKeyword)
	rule := matchFirst(rules, body, in.CarrierCode)
	if rule == nil {
		return nil, nil
	}
	return &Result{
		DocumentType: rule.documentType,
		Confidence:   rule.confidence,
		Method:       domain.ClassificationMethodBodyText,
		Source:       rule.source,
		Signals:      []string{"keyword=" + rule.re.String()},
	}, nil
}
