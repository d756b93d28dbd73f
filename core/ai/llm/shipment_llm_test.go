package llm

import (
	"context"
	"testing"
	"time"

	"shipment_worker/core/domain"
)

func TestCleanJSONResponse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain json",
			input:    `{"document_type":"hbl"}`,
			expected: `{"document_type":"hbl"}`,
		},
		{
			name:     "fenced json",
			input:    "```json\n{\"document_type\":\"hbl\"}\n```",
			expected: `{"document_type":"hbl"}`,
		},
		{
			name:     "bare fence",
			input:    "```\n{}\n```",
			expected: "{}",
		},
		{
			name:     "surrounding whitespace",
			input:    "  {\"a\":1}  ",
			expected: `{"a":1}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := cleanJSONResponse(tt.input)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestTruncateBody(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		maxLen   int
		expected string
	}{
		{
			name:     "short body",
			body:     "Booking confirmed",
			maxLen:   100,
			expected: "Booking confirmed",
		},
		{
			name:     "exact length",
			body:     "Hello",
			maxLen:   5,
			expected: "Hello",
		},
		{
			name:     "truncated",
			body:     "SI closing: 25-Dec-2025 10:00 at terminal",
			maxLen:   10,
			expected: "SI closing...",
		},
		{
			name:     "empty body",
			body:     "",
			maxLen:   100,
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := truncateBody(tt.body, tt.maxLen)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestCalculateCost(t *testing.T) {
	tests := []struct {
		name       string
		model      string
		prompt     int
		completion int
		expected   float64
	}{
		{
			name:       "mini model",
			model:      "gpt-4o-mini",
			prompt:     1_000_000,
			completion: 1_000_000,
			expected:   0.75,
		},
		{
			name:       "embedding input only",
			model:      "text-embedding-3-small",
			prompt:     1_000_000,
			completion: 0,
			expected:   0.02,
		},
		{
			name:       "unknown model",
			model:      "some-future-model",
			prompt:     1000,
			completion: 1000,
			expected:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateCost(tt.model, tt.prompt, tt.completion)
			if diff := got - tt.expected; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("expected %.4f, got %.4f", tt.expected, got)
			}
		})
	}
}

func TestCostTrackerBudget(t *testing.T) {
	tracker := NewCostTracker(nil, 1000)
	ctx := context.Background()

	if err := tracker.CheckBudget(ctx, "gpt-4o-mini"); err != nil {
		t.Fatalf("fresh tracker should be under budget: %v", err)
	}

	tracker.Track(ctx, "gpt-4o-mini", 700, 400)

	if err := tracker.CheckBudget(ctx, "gpt-4o-mini"); err == nil {
		t.Error("expected budget exhaustion after 1100 tokens against a 1000 budget")
	}

	// Other models keep their own counters.
	if err := tracker.CheckBudget(ctx, "gpt-4o"); err != nil {
		t.Errorf("unrelated model should not be budget-blocked: %v", err)
	}
}

func TestCostTrackerStats(t *testing.T) {
	tracker := NewCostTracker(nil, 0)
	ctx := context.Background()

	tracker.Track(ctx, "gpt-4o-mini", 100, 50)
	tracker.Track(ctx, "gpt-4o-mini", 200, 100)

	stats := tracker.GetStats()
	if stats.RequestCount != 2 {
		t.Errorf("expected 2 requests, got %d", stats.RequestCount)
	}
	if stats.TotalTokens != 450 {
		t.Errorf("expected 450 tokens, got %d", stats.TotalTokens)
	}
}

func TestNilClientUnavailable(t *testing.T) {
	var c *Client
	if c.Available() {
		t.Error("nil client must report unavailable")
	}

	if got := NewClient(ClientConfig{}, nil, nil, nil); got != nil {
		t.Error("missing API key must yield a nil client")
	}
}

func TestNoopImplementations(t *testing.T) {
	ctx := context.Background()

	var cls NoopClassifier
	if cls.Available() {
		t.Error("noop classifier must be unavailable")
	}
	if _, err := cls.ClassifyDocument(ctx, nil); err == nil {
		t.Error("noop classifier must return an error")
	}

	var an NoopInsightAnalyzer
	if an.Available() {
		t.Error("noop analyzer must be unavailable")
	}
	if _, err := an.AnalyzeShipment(ctx, nil); err == nil {
		t.Error("noop analyzer must return an error")
	}

	var emb NoopEmbedder
	if emb.Available() {
		t.Error("noop embedder must be unavailable")
	}
	if _, err := emb.Embed(ctx, "text"); err == nil {
		t.Error("noop embedder must return an error")
	}
}

func TestBuildDigest(t *testing.T) {
	vessel := "RESILIENT"
	pod := "USSAV"
	now := time.Date(2025, 12, 20, 12, 0, 0, 0, time.UTC)
	eta := now.AddDate(0, 0, 14)

	ic := &domain.InsightContext{
		Shipment: &domain.Shipment{
			ID:                  41,
			BookingNumber:       "22970937",
			VesselName:          &vessel,
			PortOfDischargeCode: &pod,
			ETA:                 &eta,
			WorkflowState:       "booking_confirmation_received",
			Status:              domain.ShipmentStatusBooked,
			ContainerNumbers:    []string{"MSKU1234567", "MSKU7654321"},
		},
		Links: []*domain.ShipmentDocumentLink{
			{DocumentType: domain.DocTypeBookingConfirmation},
			{DocumentType: domain.DocTypeBookingConfirmation},
			{DocumentType: domain.DocTypeSIDraft},
		},
		Transitions: []*domain.WorkflowTransition{
			{ToState: "booking_confirmation_received"},
			{ToState: "si_submitted"},
		},
		RecentEmails: []*domain.EmailListItem{
			{Subject: "HL-22970937 USSAV RESILIENT"},
		},
		AmendmentCount: 2,
		Now:            now,
	}

	d := buildDigest(ic)

	if d.BookingNumber != "22970937" {
		t.Errorf("booking number: got %s", d.BookingNumber)
	}
	if d.ContainerCount != 2 {
		t.Errorf("container count: got %d", d.ContainerCount)
	}
	if len(d.DocumentTypes) != 2 {
		t.Errorf("document types should dedupe: got %v", d.DocumentTypes)
	}
	if len(d.StateHistory) != 2 || d.StateHistory[1] != "si_submitted" {
		t.Errorf("state history: got %v", d.StateHistory)
	}
	if len(d.RecentSubjects) != 1 {
		t.Errorf("recent subjects: got %v", d.RecentSubjects)
	}
	if d.AmendmentCount != 2 {
		t.Errorf("amendment count: got %d", d.AmendmentCount)
	}
}
