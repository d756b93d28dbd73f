package insight

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
	"shipment_worker/pkg/apperr"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeInsightStore struct {
	batches      [][]*domain.Insight
	saved        []*domain.Insight
	statuses     map[string]domain.InsightStatus
	gens         []*domain.InsightGenerationLog
	expireResult int64
	expireCutoff time.Time
	failLatest   bool
}

func newFakeInsightStore() *fakeInsightStore {
	return &fakeInsightStore{statuses: make(map[string]domain.InsightStatus)}
}

func (f *fakeInsightStore) CreateBatch(ctx context.Context, insights []*domain.Insight) error {
	f.batches = append(f.batches, insights)
	f.saved = append(f.saved, insights...)
	return nil
}

func (f *fakeInsightStore) ListActive(ctx context.Context, shipmentID int64) ([]*domain.Insight, error) {
	var active []*domain.Insight
	for _, in := range f.saved {
		if in.ShipmentID == shipmentID && in.Status == domain.InsightStatusActive {
			active = append(active, in)
		}
	}
	return active, nil
}

func (f *fakeInsightStore) UpdateStatus(ctx context.Context, insightID string, status domain.InsightStatus) error {
	f.statuses[insightID] = status
	return nil
}

func (f *fakeInsightStore) GetLatestGeneration(ctx context.Context, shipmentID int64) (*domain.InsightGenerationLog, error) {
	if f.failLatest {
		return nil, errors.New("connection reset by peer")
	}
	var latest *domain.InsightGenerationLog
	for _, g := range f.gens {
		if g.ShipmentID == shipmentID {
			latest = g
		}
	}
	return latest, nil
}

func (f *fakeInsightStore) LogGeneration(ctx context.Context, genLog *domain.InsightGenerationLog) error {
	f.gens = append(f.gens, genLog)
	return nil
}

func (f *fakeInsightStore) ExpireActiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.expireCutoff = cutoff
	return f.expireResult, nil
}

type fakeShipmentCounts struct {
	relatedActive int
	arrivals      int
	revisions     int
}

func (f *fakeShipmentCounts) Create(ctx context.Context, shipment *domain.Shipment) error { return nil }
func (f *fakeShipmentCounts) Update(ctx context.Context, shipment *domain.Shipment) error { return nil }

func (f *fakeShipmentCounts) GetByID(ctx context.Context, id int64) (*domain.Shipment, error) {
	return nil, apperr.ShipmentNotFound(id)
}

func (f *fakeShipmentCounts) GetByBookingNumber(ctx context.Context, bookingNumber string) (*domain.Shipment, error) {
	return nil, nil
}

func (f *fakeShipmentCounts) GetByMBLNumber(ctx context.Context, mblNumber string) (*domain.Shipment, error) {
	return nil, nil
}

func (f *fakeShipmentCounts) GetByHBLNumber(ctx context.Context, hblNumber string) (*domain.Shipment, error) {
	return nil, nil
}

func (f *fakeShipmentCounts) GetByContainerPrimary(ctx context.Context, containerNumber string) (*domain.Shipment, error) {
	return nil, nil
}

func (f *fakeShipmentCounts) GetByContainerMember(ctx context.Context, containerNumber string) (*domain.Shipment, error) {
	return nil, nil
}

func (f *fakeShipmentCounts) List(ctx context.Context, filter *domain.ShipmentFilter) ([]*domain.ShipmentListItem, error) {
	return nil, nil
}

func (f *fakeShipmentCounts) CountActiveByParty(ctx context.Context, shipperName, consigneeName *string) (int, error) {
	return f.relatedActive, nil
}

func (f *fakeShipmentCounts) CountArrivalsBetween(ctx context.Context, from, to time.Time, excludeID int64) (int, error) {
	return f.arrivals, nil
}

func (f *fakeShipmentCounts) SaveRevision(ctx context.Context, revision *domain.ShipmentRevision) error {
	return nil
}

func (f *fakeShipmentCounts) ListRevisions(ctx context.Context, shipmentID int64) ([]*domain.ShipmentRevision, error) {
	return nil, nil
}

func (f *fakeShipmentCounts) CountRevisionsSince(ctx context.Context, shipmentID int64, since time.Time) (int, error) {
	return f.revisions, nil
}

type fakeLinkReader struct {
	links []*domain.ShipmentDocumentLink
}

func (f *fakeLinkReader) Create(ctx context.Context, link *domain.ShipmentDocumentLink) error {
	return nil
}

func (f *fakeLinkReader) GetByEmailAndShipment(ctx context.Context, emailID, shipmentID int64) (*domain.ShipmentDocumentLink, error) {
	return nil, nil
}

func (f *fakeLinkReader) ListByEmail(ctx context.Context, emailID int64) ([]*domain.ShipmentDocumentLink, error) {
	return nil, nil
}

func (f *fakeLinkReader) ListByShipment(ctx context.Context, shipmentID int64) ([]*domain.ShipmentDocumentLink, error) {
	return f.links, nil
}

func (f *fakeLinkReader) ListOrphans(ctx context.Context, filter *domain.OrphanFilter) ([]*domain.ShipmentDocumentLink, error) {
	return nil, nil
}

func (f *fakeLinkReader) PromoteOrphan(ctx context.Context, linkID, shipmentID int64, promotedAt time.Time) (bool, error) {
	return false, nil
}

func (f *fakeLinkReader) Delete(ctx context.Context, linkID int64) error { return nil }

func (f *fakeLinkReader) ListEmailsWithMultipleLinks(ctx context.Context, shipmentID int64) ([]int64, error) {
	return nil, nil
}

type fakeTransitionLog struct {
	transitions []*domain.WorkflowTransition
}

func (f *fakeTransitionLog) RecordTransition(ctx context.Context, transition *domain.WorkflowTransition, phase domain.WorkflowPhase, status domain.ShipmentStatus) error {
	return nil
}

func (f *fakeTransitionLog) ListTransitions(ctx context.Context, shipmentID int64) ([]*domain.WorkflowTransition, error) {
	return f.transitions, nil
}

func (f *fakeTransitionLog) GetLatestTransition(ctx context.Context, shipmentID int64) (*domain.WorkflowTransition, error) {
	return nil, nil
}

type fakeEmailReader struct {
	emails map[int64]*domain.RawEmail
}

func (f *fakeEmailReader) GetByID(ctx context.Context, id int64) (*domain.RawEmail, error) {
	email, ok := f.emails[id]
	if !ok {
		return nil, apperr.EmailNotFound(id)
	}
	return email, nil
}

func (f *fakeEmailReader) GetAttachments(ctx context.Context, emailID int64) ([]*domain.RawAttachment, error) {
	return nil, nil
}

func (f *fakeEmailReader) ListByThread(ctx context.Context, threadID string) ([]*domain.RawEmail, error) {
	return nil, nil
}

func (f *fakeEmailReader) CountPriorInThread(ctx context.Context, threadID string, before time.Time) (int, error) {
	return 0, nil
}

func (f *fakeEmailReader) FirstNonResponseInThread(ctx context.Context, threadID string) (*domain.RawEmail, error) {
	return nil, nil
}

func (f *fakeEmailReader) ListNeedingProcessing(ctx context.Context, limit int) ([]int64, error) {
	return nil, nil
}

func (f *fakeEmailReader) List(ctx context.Context, filter *domain.EmailFilter) ([]*domain.RawEmail, error) {
	return nil, nil
}

func (f *fakeEmailReader) UpdateFlags(ctx context.Context, email *domain.RawEmail) error { return nil }

func (f *fakeEmailReader) SetBusinessAttachmentCount(ctx context.Context, emailID int64, count int) error {
	return nil
}

func (f *fakeEmailReader) UpdateProcessingStatus(ctx context.Context, emailID int64, status domain.ProcessingStatus, procErr *string) error {
	return nil
}

type fakeAnalyzer struct {
	available bool
	bundle    *out.AIInsightBundle
	err       error
	calls     int
}

func (f *fakeAnalyzer) Available() bool { return f.available }

func (f *fakeAnalyzer) AnalyzeShipment(ctx context.Context, ic *domain.InsightContext) (*out.AIInsightBundle, error) {
	f.calls++
	return f.bundle, f.err
}

type fakeGraph struct {
	stats *domain.StakeholderStats
	err   error
}

func (f *fakeGraph) EnsureIndexes(ctx context.Context) error { return nil }

func (f *fakeGraph) RecordShipmentParties(ctx context.Context, shipment *domain.Shipment) error {
	return nil
}

func (f *fakeGraph) PartyPairStats(ctx context.Context, shipperName, consigneeName string) (*domain.StakeholderStats, error) {
	return f.stats, f.err
}

// =============================================================================
// Helpers
// =============================================================================

type fixture struct {
	insights  *fakeInsightStore
	shipments *fakeShipmentCounts
	links     *fakeLinkReader
	workflow  *fakeTransitionLog
	emails    *fakeEmailReader
	analyzer  *fakeAnalyzer
	graph     *fakeGraph
}

func newFixture() *fixture {
	return &fixture{
		insights:  newFakeInsightStore(),
		shipments: &fakeShipmentCounts{},
		links:     &fakeLinkReader{},
		workflow:  &fakeTransitionLog{},
		emails:    &fakeEmailReader{emails: map[int64]*domain.RawEmail{}},
		analyzer:  &fakeAnalyzer{},
	}
}

func (f *fixture) service() *Service {
	deps := Deps{
		Shipments: f.shipments,
		Links:     f.links,
		Workflow:  f.workflow,
		Emails:    f.emails,
		Insights:  f.insights,
		Analyzer:  f.analyzer,
	}
	if f.graph != nil {
		deps.Graph = f.graph
	}
	return NewService(deps)
}

func bookedShipment() *domain.Shipment {
	return &domain.Shipment{
		ID:            7,
		BookingNumber: "22970937",
		Status:        domain.ShipmentStatusBooked,
		WorkflowState: "booking_confirmation_received",
	}
}

func insightCtx(sh *domain.Shipment, now time.Time) *domain.InsightContext {
	return &domain.InsightContext{
		Shipment:     sh,
		Now:          now,
		Stakeholders: &domain.StakeholderStats{ShipperTier: "standard"},
	}
}

func ruleFor(t *testing.T, code string) *domain.InsightRule {
	t.Helper()
	for _, r := range defaultInsightRules() {
		if r.Code == code {
			return r
		}
	}
	t.Fatalf("no built-in rule %q", code)
	return nil
}

func linked(docType domain.DocumentType, emailID int64, createdAt time.Time) *domain.ShipmentDocumentLink {
	sid := int64(7)
	return &domain.ShipmentDocumentLink{
		ID:             emailID,
		ShipmentID:     &sid,
		EmailID:        emailID,
		DocumentType:   docType,
		LinkMethod:     domain.LinkMethodBooking,
		LinkConfidence: 100,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func mailAt(id int64, direction domain.Direction, receivedAt time.Time) *domain.RawEmail {
	return &domain.RawEmail{
		ID:          id,
		Subject:     fmt.Sprintf("RE: Booking 22970937 (%d)", id),
		SenderEmail: "ops@expressline.example",
		Direction:   direction,
		ReceivedAt:  receivedAt,
	}
}

func str(s string) *string { return &s }

func at(t time.Time) *time.Time { return &t }

func mkInsight(severity domain.InsightSeverity, title string, source domain.InsightSource, confidence float64, boost int) *domain.Insight {
	return &domain.Insight{
		ShipmentID:    7,
		Type:          domain.InsightRisk,
		Severity:      severity,
		Title:         title,
		Source:        source,
		Confidence:    confidence,
		PriorityBoost: boost,
		Status:        domain.InsightStatusActive,
	}
}

// =============================================================================
// Detectors
// =============================================================================

func TestCutoffApproaching(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	rule := ruleFor(t, "si_cutoff_approaching")

	tests := []struct {
		name   string
		cutoff *time.Time
		status domain.ShipmentStatus
		links  []*domain.ShipmentDocumentLink
		want   bool
	}{
		{"inside window without documents", at(now.Add(18 * time.Hour)), domain.ShipmentStatusBooked, nil, true},
		{"si already on file", at(now.Add(18 * time.Hour)), domain.ShipmentStatusBooked,
			[]*domain.ShipmentDocumentLink{linked(domain.DocTypeSISubmission, 11, now)}, false},
		{"outside warning window", at(now.Add(72 * time.Hour)), domain.ShipmentStatusBooked, nil, false},
		{"cutoff already passed", at(now.Add(-2 * time.Hour)), domain.ShipmentStatusBooked, nil, false},
		{"no cutoff set", nil, domain.ShipmentStatusBooked, nil, false},
		{"terminal shipment", at(now.Add(18 * time.Hour)), domain.ShipmentStatusCancelled, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sh := bookedShipment()
			sh.SICutoff = tt.cutoff
			sh.Status = tt.status
			ic := insightCtx(sh, now)
			ic.Links = tt.links

			got := detectSICutoffApproaching(rule, ic)
			if (got != nil) != tt.want {
				t.Fatalf("fired = %v, want %v", got != nil, tt.want)
			}
		})
	}

	t.Run("fills carry the countdown", func(t *testing.T) {
		sh := bookedShipment()
		sh.SICutoff = at(now.Add(18 * time.Hour))
		d := detectSICutoffApproaching(rule, insightCtx(sh, now))
		if d == nil {
			t.Fatal("expected a detection")
		}
		if d.fills["cutoff_type"] != "SI" || d.fills["hours"] != "18" {
			t.Errorf("fills = %v", d.fills)
		}
	})

	t.Run("vgm variant reads the vgm cutoff", func(t *testing.T) {
		sh := bookedShipment()
		sh.VGMCutoff = at(now.Add(10 * time.Hour))
		vgmRule := ruleFor(t, "vgm_cutoff_approaching")
		if detectVGMCutoffApproaching(vgmRule, insightCtx(sh, now)) == nil {
			t.Error("expected the VGM detector to fire")
		}
		ic := insightCtx(sh, now)
		ic.Links = []*domain.ShipmentDocumentLink{linked(domain.DocTypeVGMConfirmation, 12, now)}
		if detectVGMCutoffApproaching(vgmRule, ic) != nil {
			t.Error("confirmed VGM should silence the detector")
		}
	})
}

func TestCutoffOverdue(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	rule := ruleFor(t, "si_cutoff_overdue")

	t.Run("fires once the cutoff passed", func(t *testing.T) {
		sh := bookedShipment()
		sh.SICutoff = at(now.Add(-6 * time.Hour))
		d := detectSICutoffOverdue(rule, insightCtx(sh, now))
		if d == nil {
			t.Fatal("expected a detection")
		}
		if d.fills["hours"] != "6" {
			t.Errorf("hours = %q, want 6", d.fills["hours"])
		}
	})

	t.Run("filed documents silence it", func(t *testing.T) {
		sh := bookedShipment()
		sh.SICutoff = at(now.Add(-6 * time.Hour))
		ic := insightCtx(sh, now)
		ic.Links = []*domain.ShipmentDocumentLink{linked(domain.DocTypeSIConfirmation, 11, now)}
		if detectSICutoffOverdue(rule, ic) != nil {
			t.Error("expected no detection with SI on file")
		}
	})

	t.Run("future cutoff is not overdue", func(t *testing.T) {
		sh := bookedShipment()
		sh.SICutoff = at(now.Add(6 * time.Hour))
		if detectSICutoffOverdue(rule, insightCtx(sh, now)) != nil {
			t.Error("expected no detection before the cutoff")
		}
	})
}

func TestDocsMissingBeforeDeparture(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	rule := ruleFor(t, "docs_missing_pre_etd")

	mk := func(etd *time.Time, links ...*domain.ShipmentDocumentLink) *domain.InsightContext {
		sh := bookedShipment()
		sh.ETD = etd
		ic := insightCtx(sh, now)
		ic.Links = links
		return ic
	}

	t.Run("both documents missing", func(t *testing.T) {
		d := detectDocsMissingPreETD(rule, mk(at(now.Add(72*time.Hour))))
		if d == nil {
			t.Fatal("expected a detection")
		}
		if d.fills["missing"] != "shipping instruction, VGM" {
			t.Errorf("missing = %q", d.fills["missing"])
		}
		if d.fills["days"] != "3" {
			t.Errorf("days = %q, want 3", d.fills["days"])
		}
	})

	t.Run("only vgm outstanding", func(t *testing.T) {
		d := detectDocsMissingPreETD(rule, mk(at(now.Add(72*time.Hour)),
			linked(domain.DocTypeSIConfirmation, 11, now)))
		if d == nil {
			t.Fatal("expected a detection")
		}
		if d.fills["missing"] != "VGM" {
			t.Errorf("missing = %q, want VGM", d.fills["missing"])
		}
	})

	t.Run("complete file stays quiet", func(t *testing.T) {
		d := detectDocsMissingPreETD(rule, mk(at(now.Add(72*time.Hour)),
			linked(domain.DocTypeSISubmission, 11, now),
			linked(domain.DocTypeVGMSubmission, 12, now)))
		if d != nil {
			t.Error("expected no detection with all documents present")
		}
	})

	t.Run("distant departure stays quiet", func(t *testing.T) {
		if detectDocsMissingPreETD(rule, mk(at(now.Add(10*24*time.Hour)))) != nil {
			t.Error("expected no detection ten days out")
		}
	})

	t.Run("departed vessel stays quiet", func(t *testing.T) {
		if detectDocsMissingPreETD(rule, mk(at(now.Add(-24*time.Hour)))) != nil {
			t.Error("expected no detection after departure")
		}
	})
}

func TestStakeholderSilence(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	rule := ruleFor(t, "stakeholder_silent")

	tests := []struct {
		name     string
		outbound *time.Time
		inbound  *time.Time
		want     bool
	}{
		{"unanswered beyond threshold", at(now.Add(-60 * time.Hour)), nil, true},
		{"reply arrived", at(now.Add(-60 * time.Hour)), at(now.Add(-10 * time.Hour)), false},
		{"still inside the window", at(now.Add(-10 * time.Hour)), nil, false},
		{"nothing sent yet", nil, nil, false},
		{"old reply does not reset the clock", at(now.Add(-60 * time.Hour)), at(now.Add(-80 * time.Hour)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ic := insightCtx(bookedShipment(), now)
			ic.LastOutboundAt = tt.outbound
			ic.LastInboundAt = tt.inbound

			got := detectStakeholderSilent(rule, ic)
			if (got != nil) != tt.want {
				t.Fatalf("fired = %v, want %v", got != nil, tt.want)
			}
			if got != nil && got.fills["hours"] != "60" {
				t.Errorf("hours = %q, want 60", got.fills["hours"])
			}
		})
	}
}

func TestRepeatedAmendments(t *testing.T) {
	now := time.Now()
	rule := ruleFor(t, "repeated_amendments")

	ic := insightCtx(bookedShipment(), now)
	ic.AmendmentCount = 2
	if detectRepeatedAmendments(rule, ic) != nil {
		t.Error("two amendments should not fire")
	}

	ic.AmendmentCount = 3
	d := detectRepeatedAmendments(rule, ic)
	if d == nil {
		t.Fatal("three amendments should fire")
	}
	if d.fills["count"] != "3" {
		t.Errorf("count = %q, want 3", d.fills["count"])
	}
}

func TestCustomsHoldSignals(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	rule := ruleFor(t, "customs_hold_risk")

	t.Run("exception notice fires immediately", func(t *testing.T) {
		ic := insightCtx(bookedShipment(), now)
		ic.Links = []*domain.ShipmentDocumentLink{linked(domain.DocTypeExceptionNotice, 11, now)}
		d := detectCustomsHoldRisk(rule, ic)
		if d == nil {
			t.Fatal("expected a detection")
		}
		if d.fills["signal"] != "exception notice received" {
			t.Errorf("signal = %q", d.fills["signal"])
		}
	})

	t.Run("entry uncleared days after arrival", func(t *testing.T) {
		sh := bookedShipment()
		sh.ETA = at(now.Add(-72 * time.Hour))
		ic := insightCtx(sh, now)
		ic.Links = []*domain.ShipmentDocumentLink{linked(domain.DocTypeCustomsEntry, 11, now)}
		if detectCustomsHoldRisk(rule, ic) == nil {
			t.Error("expected a detection for the stuck entry")
		}
	})

	t.Run("cleared entry stays quiet", func(t *testing.T) {
		sh := bookedShipment()
		sh.ETA = at(now.Add(-72 * time.Hour))
		ic := insightCtx(sh, now)
		ic.Links = []*domain.ShipmentDocumentLink{linked(domain.DocTypeCustomsEntry, 11, now)}
		ic.Transitions = []*domain.WorkflowTransition{{ShipmentID: 7, ToState: "customs_cleared", OccurredAt: now}}
		if detectCustomsHoldRisk(rule, ic) != nil {
			t.Error("expected no detection once customs cleared")
		}
	})

	t.Run("fresh arrival gets grace time", func(t *testing.T) {
		sh := bookedShipment()
		sh.ETA = at(now.Add(-24 * time.Hour))
		ic := insightCtx(sh, now)
		ic.Links = []*domain.ShipmentDocumentLink{linked(domain.DocTypeCustomsEntry, 11, now)}
		if detectCustomsHoldRisk(rule, ic) != nil {
			t.Error("expected no detection one day after arrival")
		}
	})

	t.Run("no signals no detection", func(t *testing.T) {
		if detectCustomsHoldRisk(rule, insightCtx(bookedShipment(), now)) != nil {
			t.Error("expected no detection without signals")
		}
	})
}

func TestCarrierRolloverRisk(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	rule := ruleFor(t, "carrier_rollover_risk")

	mk := func(rate float64, status domain.ShipmentStatus, etd *time.Time) *domain.InsightContext {
		sh := bookedShipment()
		sh.Status = status
		sh.ETD = etd
		sh.CarrierCode = str("HLCU")
		ic := insightCtx(sh, now)
		ic.Stakeholders.CarrierRolloverRate = rate
		return ic
	}

	t.Run("risky carrier near departure", func(t *testing.T) {
		d := detectCarrierRolloverRisk(rule, mk(0.35, domain.ShipmentStatusBooked, at(now.Add(72*time.Hour))))
		if d == nil {
			t.Fatal("expected a detection")
		}
		if d.fills["carrier"] != "HLCU" || d.fills["rate"] != "35%" {
			t.Errorf("fills = %v", d.fills)
		}
	})

	t.Run("reliable carrier stays quiet", func(t *testing.T) {
		if detectCarrierRolloverRisk(rule, mk(0.05, domain.ShipmentStatusBooked, at(now.Add(72*time.Hour)))) != nil {
			t.Error("expected no detection at a 5% rate")
		}
	})

	t.Run("already sailing stays quiet", func(t *testing.T) {
		if detectCarrierRolloverRisk(rule, mk(0.35, domain.ShipmentStatusInTransit, at(now.Add(72*time.Hour)))) != nil {
			t.Error("expected no detection once in transit")
		}
	})

	t.Run("distant departure stays quiet", func(t *testing.T) {
		if detectCarrierRolloverRisk(rule, mk(0.35, domain.ShipmentStatusBooked, at(now.Add(10*24*time.Hour)))) != nil {
			t.Error("expected no detection ten days out")
		}
	})
}

func TestRuleTemplateFills(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	rule := ruleFor(t, "si_cutoff_approaching")

	sh := bookedShipment()
	sh.SICutoff = at(now.Add(18 * time.Hour))
	ic := insightCtx(sh, now)

	d := detectSICutoffApproaching(rule, ic)
	if d == nil {
		t.Fatal("expected a detection")
	}
	in := buildRuleInsight(rule, ic, d)

	if in.Title != "SI cutoff in 18h without submission" {
		t.Errorf("title = %q", in.Title)
	}
	if want := "Booking 22970937"; !strings.HasPrefix(in.Description, want) {
		t.Errorf("description = %q, want prefix %q", in.Description, want)
	}
	if in.Action == nil || in.Action.Urgency != domain.UrgencyImmediate {
		t.Errorf("action = %+v", in.Action)
	}
	if in.Source != domain.InsightSourceRules || in.Status != domain.InsightStatusActive {
		t.Errorf("source/status = %s/%s", in.Source, in.Status)
	}
	if in.RuleCode == nil || *in.RuleCode != "si_cutoff_approaching" {
		t.Errorf("rule code = %v", in.RuleCode)
	}
	if in.Severity != domain.SeverityHigh || in.PriorityBoost != 20 || in.Confidence != 95 {
		t.Errorf("severity/boost/confidence = %s/%d/%.0f", in.Severity, in.PriorityBoost, in.Confidence)
	}
}

// =============================================================================
// Synthesizer
// =============================================================================

func TestSynthesizeMergesAgreement(t *testing.T) {
	rule := mkInsight(domain.SeverityHigh, "SI cutoff in 18h without submission", domain.InsightSourceRules, 95, 20)
	model := mkInsight(domain.SeverityHigh, "SI Cutoff in 18h, without submission pending", domain.InsightSourceAI, 99, 25)

	final := synthesize([]*domain.Insight{rule}, []*domain.Insight{model})
	if len(final) != 1 {
		t.Fatalf("got %d insights, want 1 merged", len(final))
	}
	got := final[0]
	if got.Source != domain.InsightSourceHybrid {
		t.Errorf("source = %s, want hybrid", got.Source)
	}
	if got.Confidence != 99 {
		t.Errorf("confidence = %.0f, want the stronger 99", got.Confidence)
	}
	if got.Title != rule.Title {
		t.Errorf("title = %q, the rule wording should survive", got.Title)
	}
	if got.PriorityBoost != 20 {
		t.Errorf("boost = %d, want the rule's 20", got.PriorityBoost)
	}
}

func TestSynthesizeRanking(t *testing.T) {
	rules := []*domain.Insight{
		mkInsight(domain.SeverityMedium, "Booking amended 4 times recently", domain.InsightSourceRules, 90, 10),
		mkInsight(domain.SeverityCritical, "VGM declaration missed, 6h overdue", domain.InsightSourceRules, 98, 30),
		mkInsight(domain.SeverityHigh, "SI cutoff in 18h without submission", domain.InsightSourceRules, 95, 20),
	}
	model := []*domain.Insight{
		mkInsight(domain.SeverityHigh, "Vessel rollover likely on this sailing", domain.InsightSourceAI, 99, 25),
	}

	final := synthesize(rules, model)
	want := []string{
		"VGM declaration missed, 6h overdue",
		"Vessel rollover likely on this sailing",
		"SI cutoff in 18h without submission",
		"Booking amended 4 times recently",
	}
	if len(final) != len(want) {
		t.Fatalf("got %d insights, want %d", len(final), len(want))
	}
	for i, title := range want {
		if final[i].Title != title {
			t.Errorf("rank %d = %q, want %q", i, final[i].Title, title)
		}
	}
}

func TestSynthesizeTieBreaksTowardRules(t *testing.T) {
	ruleBacked := mkInsight(domain.SeverityHigh, "Carrier silent on the booking thread", domain.InsightSourceRules, 95, 10)
	modelOnly := mkInsight(domain.SeverityHigh, "Customs exam likely at destination", domain.InsightSourceAI, 95, 10)

	final := synthesize([]*domain.Insight{ruleBacked}, []*domain.Insight{modelOnly})
	if len(final) != 2 {
		t.Fatalf("got %d insights, want 2", len(final))
	}
	if final[0] != ruleBacked {
		t.Errorf("rank 0 = %q, rule-backed should outrank pure model output", final[0].Title)
	}
}

func TestSynthesizeKeepsTopFive(t *testing.T) {
	rules := []*domain.Insight{
		mkInsight(domain.SeverityCritical, "SI cutoff missed 12h ago", domain.InsightSourceRules, 98, 5),
		mkInsight(domain.SeverityCritical, "VGM declaration missed, 4h overdue", domain.InsightSourceRules, 98, 5),
		mkInsight(domain.SeverityHigh, "Customs hold signal: exception notice", domain.InsightSourceRules, 90, 5),
		mkInsight(domain.SeverityHigh, "Departure in 2d, missing VGM", domain.InsightSourceRules, 90, 5),
		mkInsight(domain.SeverityMedium, "No reply for 72h on booking thread", domain.InsightSourceRules, 85, 5),
		mkInsight(domain.SeverityLow, "Routine schedule update received", domain.InsightSourceRules, 60, 5),
	}

	final := synthesize(rules, nil)
	if len(final) != domain.MaxRankedInsights {
		t.Fatalf("got %d insights, want %d", len(final), domain.MaxRankedInsights)
	}
	for _, in := range final {
		if in.Title == "Routine schedule update received" {
			t.Error("the lowest-ranked insight should have been cut")
		}
	}
}

func TestSynthesizeCapsTotalBoost(t *testing.T) {
	rules := []*domain.Insight{
		mkInsight(domain.SeverityCritical, "SI cutoff missed 12h ago", domain.InsightSourceRules, 98, 30),
		mkInsight(domain.SeverityHigh, "Customs hold signal: exception notice", domain.InsightSourceRules, 90, 30),
		mkInsight(domain.SeverityMedium, "Booking amended 5 times recently", domain.InsightSourceRules, 85, 20),
	}

	final := synthesize(rules, nil)
	if got := totalBoost(final); got != domain.MaxTotalInsightBoost {
		t.Fatalf("total boost = %d, want %d", got, domain.MaxTotalInsightBoost)
	}
	wantBoosts := []int{30, 20, 0}
	for i, want := range wantBoosts {
		if final[i].PriorityBoost != want {
			t.Errorf("rank %d boost = %d, want %d", i, final[i].PriorityBoost, want)
		}
	}
}

// =============================================================================
// Generation engine
// =============================================================================

func TestGenerateForShipmentRulesOnly(t *testing.T) {
	f := newFixture()
	sh := bookedShipment()
	sh.SICutoff = at(time.Now().Add(18 * time.Hour))

	got, err := f.service().GenerateForShipment(context.Background(), sh, false)
	if err != nil {
		t.Fatalf("GenerateForShipment: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d insights, want 1", len(got))
	}
	in := got[0]
	if in.ID == "" {
		t.Error("insight should carry a generated ID")
	}
	if in.RuleCode == nil || *in.RuleCode != "si_cutoff_approaching" {
		t.Errorf("rule code = %v", in.RuleCode)
	}
	if len(f.insights.batches) != 1 {
		t.Errorf("persisted batches = %d, want 1", len(f.insights.batches))
	}
	if f.analyzer.calls != 0 {
		t.Errorf("analyzer calls = %d, the model is not configured", f.analyzer.calls)
	}
	if len(f.insights.gens) != 1 {
		t.Fatalf("generation logs = %d, want 1", len(f.insights.gens))
	}
	gen := f.insights.gens[0]
	if gen.RulesFired != 1 || gen.AIInsights != 0 || gen.Forced {
		t.Errorf("generation log = %+v", gen)
	}
	if gen.ID == "" {
		t.Error("generation log should carry a generated ID")
	}
}

func TestGenerateSameDayGate(t *testing.T) {
	freshShipment := func() *domain.Shipment {
		sh := bookedShipment()
		sh.SICutoff = at(time.Now().Add(18 * time.Hour))
		return sh
	}

	t.Run("same-day run serves the stored set", func(t *testing.T) {
		f := newFixture()
		f.insights.gens = []*domain.InsightGenerationLog{{ID: "g-1", ShipmentID: 7, GeneratedAt: time.Now()}}
		f.insights.saved = []*domain.Insight{{
			ID: "a-1", ShipmentID: 7, Severity: domain.SeverityMedium,
			Title: "stored finding", Status: domain.InsightStatusActive,
		}}

		got, err := f.service().GenerateForShipment(context.Background(), freshShipment(), false)
		if err != nil {
			t.Fatalf("GenerateForShipment: %v", err)
		}
		if len(got) != 1 || got[0].ID != "a-1" {
			t.Fatalf("got %v, want the stored insight", got)
		}
		if len(f.insights.batches) != 0 {
			t.Error("a gated run must not write new insights")
		}
		if len(f.insights.gens) != 1 {
			t.Error("a gated run must not add a generation log")
		}
	})

	t.Run("yesterday's run does not gate", func(t *testing.T) {
		f := newFixture()
		f.insights.gens = []*domain.InsightGenerationLog{{ID: "g-1", ShipmentID: 7, GeneratedAt: time.Now().Add(-26 * time.Hour)}}

		if _, err := f.service().GenerateForShipment(context.Background(), freshShipment(), false); err != nil {
			t.Fatalf("GenerateForShipment: %v", err)
		}
		if len(f.insights.batches) != 1 {
			t.Error("a stale generation should not block a rerun")
		}
	})

	t.Run("force bypasses the gate", func(t *testing.T) {
		f := newFixture()
		f.insights.gens = []*domain.InsightGenerationLog{{ID: "g-1", ShipmentID: 7, GeneratedAt: time.Now()}}

		if _, err := f.service().GenerateForShipment(context.Background(), freshShipment(), true); err != nil {
			t.Fatalf("GenerateForShipment: %v", err)
		}
		if len(f.insights.batches) != 1 {
			t.Error("force should regenerate")
		}
		if last := f.insights.gens[len(f.insights.gens)-1]; !last.Forced {
			t.Error("the new generation log should record the force")
		}
	})

	t.Run("gate lookup failure surfaces", func(t *testing.T) {
		f := newFixture()
		f.insights.failLatest = true

		if _, err := f.service().GenerateForShipment(context.Background(), freshShipment(), false); err == nil {
			t.Fatal("expected an error when the generation log is unreadable")
		}
	})
}

func TestGenerateAnalyzerGating(t *testing.T) {
	tests := []struct {
		name      string
		prep      func(f *fixture, sh *domain.Shipment)
		wantCalls int
	}{
		{
			"model unavailable",
			func(f *fixture, sh *domain.Shipment) {
				sh.SICutoff = at(time.Now().Add(18 * time.Hour))
			},
			0,
		},
		{
			"fired rules warrant a pass",
			func(f *fixture, sh *domain.Shipment) {
				f.analyzer.available = true
				sh.SICutoff = at(time.Now().Add(18 * time.Hour))
			},
			1,
		},
		{
			"quiet shipment spends no tokens",
			func(f *fixture, sh *domain.Shipment) {
				f.analyzer.available = true
			},
			0,
		},
		{
			"high tier shipper forces a look",
			func(f *fixture, sh *domain.Shipment) {
				f.analyzer.available = true
				f.graph = &fakeGraph{stats: &domain.StakeholderStats{ShipperTier: "high"}}
				sh.ShipperName = str("ACME ELECTRONICS CO LTD")
				sh.ConsigneeName = str("ACME AMERICA INC")
			},
			1,
		},
		{
			"busy party pair forces a look",
			func(f *fixture, sh *domain.Shipment) {
				f.analyzer.available = true
				f.shipments.relatedActive = 5
				sh.ShipperName = str("ACME ELECTRONICS CO LTD")
			},
			1,
		},
		{
			"cutoff inside a week forces a look",
			func(f *fixture, sh *domain.Shipment) {
				f.analyzer.available = true
				sh.SICutoff = at(time.Now().Add(5 * 24 * time.Hour))
			},
			1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			sh := bookedShipment()
			tt.prep(f, sh)

			if _, err := f.service().GenerateForShipment(context.Background(), sh, false); err != nil {
				t.Fatalf("GenerateForShipment: %v", err)
			}
			if f.analyzer.calls != tt.wantCalls {
				t.Errorf("analyzer calls = %d, want %d", f.analyzer.calls, tt.wantCalls)
			}
		})
	}
}

func TestGenerateMergesModelFindings(t *testing.T) {
	f := newFixture()
	f.analyzer = &fakeAnalyzer{available: true, bundle: &out.AIInsightBundle{
		Insights: []*out.AIInsight{{
			Type: "risk", Severity: "high",
			Title:       "Rollover exposure on this sailing",
			Description: "Space on the nominated vessel is oversold.",
			Confidence:  88, PriorityBoost: 15,
			ActionTarget: "ops_team", ActionType: "confirm_loading", ActionUrgency: "today",
		}},
		TokensUsed: 640,
	}}
	sh := bookedShipment()
	sh.SICutoff = at(time.Now().Add(18 * time.Hour))

	got, err := f.service().GenerateForShipment(context.Background(), sh, false)
	if err != nil {
		t.Fatalf("GenerateForShipment: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d insights, want rule + model", len(got))
	}
	// Same severity; the rule's 95 confidence outranks the model's 88.
	if got[0].Source != domain.InsightSourceRules || got[1].Source != domain.InsightSourceAI {
		t.Errorf("order = %s, %s", got[0].Source, got[1].Source)
	}
	model := got[1]
	if model.ID == "" {
		t.Error("model insight should carry a generated ID")
	}
	if model.Action == nil || model.Action.Type != "confirm_loading" || model.Action.Urgency != domain.UrgencyToday {
		t.Errorf("model action = %+v", model.Action)
	}

	gen := f.insights.gens[0]
	if gen.RulesFired != 1 || gen.AIInsights != 1 || gen.TokensUsed != 640 {
		t.Errorf("generation log = %+v", gen)
	}
}

func TestGenerateModelFailureKeepsRules(t *testing.T) {
	f := newFixture()
	f.analyzer = &fakeAnalyzer{available: true, err: errors.New("model timeout")}
	sh := bookedShipment()
	sh.SICutoff = at(time.Now().Add(18 * time.Hour))

	got, err := f.service().GenerateForShipment(context.Background(), sh, false)
	if err != nil {
		t.Fatalf("GenerateForShipment: %v", err)
	}
	if len(got) != 1 || got[0].Source != domain.InsightSourceRules {
		t.Fatalf("got %v, want the rule finding alone", got)
	}
	if f.insights.gens[0].AIInsights != 0 {
		t.Error("a failed model pass should log zero model insights")
	}
}

func TestAnalyzeClampsModelOutput(t *testing.T) {
	f := newFixture()
	f.analyzer = &fakeAnalyzer{available: true, bundle: &out.AIInsightBundle{
		TokensUsed: 512,
		Insights: []*out.AIInsight{
			{Type: "Risk", Severity: "CRITICAL", Title: "Transshipment port congestion",
				Confidence: 140, PriorityBoost: 80, ActionType: "escalate", ActionUrgency: "asap"},
			{Title: ""},
			{Type: "nonsense", Severity: "whatever", Title: "Low water surcharge expected",
				Confidence: -3, PriorityBoost: -5},
			{Type: "pattern", Severity: "medium", Title: "Shipper files SI late on this lane",
				Confidence: 70, PriorityBoost: 10},
			{Type: "prediction", Severity: "low", Title: "ETA slip of two days likely",
				Confidence: 60, PriorityBoost: 5},
			{Type: "risk", Severity: "high", Title: "Sixth proposal beyond the cap",
				Confidence: 90, PriorityBoost: 10},
		},
	}}
	svc := f.service()

	got, tokens := svc.analyzer.Analyze(context.Background(), insightCtx(bookedShipment(), time.Now()))
	if tokens != 512 {
		t.Errorf("tokens = %d, want 512", tokens)
	}
	if len(got) != 4 {
		t.Fatalf("got %d insights, want 4 (cap at five, one untitled dropped)", len(got))
	}
	for _, in := range got {
		if in.Title == "Sixth proposal beyond the cap" {
			t.Error("the cap should trim before conversion")
		}
	}

	first := got[0]
	if first.Severity != domain.SeverityCritical || first.Type != domain.InsightRisk {
		t.Errorf("parsed severity/type = %s/%s", first.Severity, first.Type)
	}
	if first.PriorityBoost != domain.MaxAIPriorityBoost {
		t.Errorf("boost = %d, want clamped to %d", first.PriorityBoost, domain.MaxAIPriorityBoost)
	}
	if first.Confidence != 100 {
		t.Errorf("confidence = %.0f, want clamped to 100", first.Confidence)
	}
	if first.Action == nil || first.Action.Urgency != domain.UrgencyMonitor {
		t.Errorf("action = %+v, unknown urgency should parse to monitor", first.Action)
	}

	second := got[1]
	if second.Type != domain.InsightRecommendation || second.Severity != domain.SeverityLow {
		t.Errorf("unparseable labels = %s/%s, want recommendation/low", second.Type, second.Severity)
	}
	if second.Confidence != 0 || second.PriorityBoost != 0 {
		t.Errorf("negative confidence/boost = %.0f/%d, want floored at 0", second.Confidence, second.PriorityBoost)
	}
	if second.Action != nil {
		t.Error("no action type means no action")
	}
}

func TestModelGateBoundaries(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	mk := func(available bool) *Service {
		f := newFixture()
		f.analyzer.available = available
		return f.service()
	}

	ic := insightCtx(bookedShipment(), now)
	if mk(false).analyzer.shouldAnalyze(ic, 3) {
		t.Error("an unavailable model must never be called")
	}
	if mk(true).analyzer.shouldAnalyze(ic, 0) {
		t.Error("a quiet shipment should not spend tokens")
	}

	ic = insightCtx(bookedShipment(), now)
	ic.RelatedActiveShipments = 4
	if mk(true).analyzer.shouldAnalyze(ic, 0) {
		t.Error("four related shipments sit under the gate")
	}
	ic.RelatedActiveShipments = 5
	if !mk(true).analyzer.shouldAnalyze(ic, 0) {
		t.Error("five related shipments should open the gate")
	}

	sh := bookedShipment()
	sh.CargoCutoff = at(now.Add(8 * 24 * time.Hour))
	if mk(true).analyzer.shouldAnalyze(insightCtx(sh, now), 0) {
		t.Error("a cutoff beyond the week sits under the gate")
	}
	sh.CargoCutoff = at(now.Add(6 * 24 * time.Hour))
	if !mk(true).analyzer.shouldAnalyze(insightCtx(sh, now), 0) {
		t.Error("a cutoff inside the week should open the gate")
	}
	sh.CargoCutoff = at(now.Add(-time.Hour))
	if mk(true).analyzer.shouldAnalyze(insightCtx(sh, now), 0) {
		t.Error("a passed cutoff should not open the gate")
	}
}

// =============================================================================
// Context gatherer
// =============================================================================

func TestGatherBuildsContext(t *testing.T) {
	now := time.Now()
	f := newFixture()
	f.links.links = []*domain.ShipmentDocumentLink{
		linked(domain.DocTypeBookingConfirmation, 11, now.Add(-72*time.Hour)),
		linked(domain.DocTypeSIDraft, 12, now.Add(-48*time.Hour)),
		linked(domain.DocTypeVGMSubmission, 13, now.Add(-24*time.Hour)),
	}
	inboundAt := now.Add(-72 * time.Hour)
	outboundAt := now.Add(-48 * time.Hour)
	f.emails.emails[11] = mailAt(11, domain.DirectionInbound, inboundAt)
	f.emails.emails[12] = mailAt(12, domain.DirectionOutbound, outboundAt)
	// Email 13 is missing; the gatherer should skip it and keep going.
	f.shipments = &fakeShipmentCounts{relatedActive: 4, arrivals: 2, revisions: 3}
	f.graph = &fakeGraph{stats: &domain.StakeholderStats{ShipperTier: "high", CarrierRolloverRate: 0.31}}

	sh := bookedShipment()
	sh.ShipperName = str("ACME ELECTRONICS CO LTD")
	sh.ConsigneeName = str("ACME AMERICA INC")
	sh.ETA = at(now.Add(5 * 24 * time.Hour))

	ic := f.service().gatherer.Gather(context.Background(), sh)

	if len(ic.Links) != 3 {
		t.Errorf("links = %d, want 3", len(ic.Links))
	}
	if len(ic.RecentEmails) != 2 {
		t.Errorf("recent emails = %d, want 2 with the missing one skipped", len(ic.RecentEmails))
	}
	if ic.LastInboundAt == nil || !ic.LastInboundAt.Equal(inboundAt) {
		t.Errorf("last inbound = %v, want %v", ic.LastInboundAt, inboundAt)
	}
	if ic.LastOutboundAt == nil || !ic.LastOutboundAt.Equal(outboundAt) {
		t.Errorf("last outbound = %v, want %v", ic.LastOutboundAt, outboundAt)
	}
	if ic.RelatedActiveShipments != 4 || ic.SameWeekArrivals != 2 || ic.AmendmentCount != 3 {
		t.Errorf("counts = %d/%d/%d", ic.RelatedActiveShipments, ic.SameWeekArrivals, ic.AmendmentCount)
	}
	if ic.Stakeholders == nil || ic.Stakeholders.ShipperTier != "high" {
		t.Errorf("stakeholders = %+v", ic.Stakeholders)
	}
}

func TestGatherCapsRecentEmails(t *testing.T) {
	now := time.Now()
	f := newFixture()
	for i := 0; i < 14; i++ {
		id := int64(100 + i)
		f.links.links = append(f.links.links, linked(domain.DocTypeGeneralCorrespondence, id, now.Add(-time.Duration(i)*time.Hour)))
		f.emails.emails[id] = mailAt(id, domain.DirectionInbound, now.Add(-time.Duration(i)*time.Hour))
	}

	ic := f.service().gatherer.Gather(context.Background(), bookedShipment())
	if len(ic.RecentEmails) != recentEmailCap {
		t.Errorf("recent emails = %d, want the cap %d", len(ic.RecentEmails), recentEmailCap)
	}
}

func TestGatherWithoutGraphDefaultsTier(t *testing.T) {
	f := newFixture()
	sh := bookedShipment()
	sh.ShipperName = str("ACME ELECTRONICS CO LTD")
	sh.ConsigneeName = str("ACME AMERICA INC")

	ic := f.service().gatherer.Gather(context.Background(), sh)
	if ic.Stakeholders == nil || ic.Stakeholders.ShipperTier != "standard" {
		t.Errorf("stakeholders = %+v, want the standard tier", ic.Stakeholders)
	}
}

// =============================================================================
// Lifecycle operations
// =============================================================================

func TestUpdateStatusDelegates(t *testing.T) {
	f := newFixture()
	f.insights.saved = []*domain.Insight{{ID: "i-1", ShipmentID: 7, Status: domain.InsightStatusActive}}

	if err := f.service().UpdateStatus(context.Background(), "i-1", domain.InsightStatusAcknowledged); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if f.insights.statuses["i-1"] != domain.InsightStatusAcknowledged {
		t.Errorf("status = %s, want acknowledged", f.insights.statuses["i-1"])
	}
}

func TestExpireStale(t *testing.T) {
	f := newFixture()
	f.insights.expireResult = 3

	n, err := f.service().ExpireStale(context.Background(), 30*24*time.Hour)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if n != 3 {
		t.Errorf("expired = %d, want 3", n)
	}
	wantCutoff := time.Now().Add(-30 * 24 * time.Hour)
	if diff := f.insights.expireCutoff.Sub(wantCutoff); diff < -time.Minute || diff > time.Minute {
		t.Errorf("cutoff = %v, want about %v", f.insights.expireCutoff, wantCutoff)
	}
}
