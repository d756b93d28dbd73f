package extraction

import (
	"context"
	"testing"
	"time"

	"shipment_worker/core/domain"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeExtractionRepo struct {
	replaced map[int64][]*domain.ExtractedEntity
}

func newFakeExtractionRepo() *fakeExtractionRepo {
	return &fakeExtractionRepo{replaced: make(map[int64][]*domain.ExtractedEntity)}
}

func (f *fakeExtractionRepo) ReplaceEntities(ctx context.Context, emailID int64, entities []*domain.ExtractedEntity) error {
	f.replaced[emailID] = entities
	return nil
}

func (f *fakeExtractionRepo) ListByEmail(ctx context.Context, emailID int64) ([]*domain.ExtractedEntity, error) {
	return f.replaced[emailID], nil
}

func (f *fakeExtractionRepo) ListByEmailAndTypes(ctx context.Context, emailID int64, types []domain.EntityType) ([]*domain.ExtractedEntity, error) {
	var out []*domain.ExtractedEntity
	for _, e := range f.replaced[emailID] {
		for _, t := range types {
			if e.EntityType == t {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (f *fakeExtractionRepo) FindEmailIDsByValues(ctx context.Context, types []domain.EntityType, values []string) ([]int64, error) {
	return nil, nil
}

func newTestService() *Service {
	return NewService(Deps{
		Extractions:      newFakeExtractionRepo(),
		ForwarderCompany: "Intoglo",
	})
}

func emailInput(subject, body, carrier string, docType domain.DocumentType) *Input {
	email := &domain.RawEmail{
		ID:          101,
		Subject:     subject,
		BodyText:    body,
		SenderEmail: "digital-business@hlag.com",
		ReceivedAt:  time.Now(),
	}
	return &Input{
		Email:        email,
		CarrierCode:  carrier,
		DocumentType: docType,
	}
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// =============================================================================
// Hapag booking confirmation end to end
// =============================================================================

func TestExtractHapagBookingConfirmation(t *testing.T) {
	body := "Dear Customer,\n\n" +
		"We are pleased to confirm your booking.\n" +
		"SI closing: 25-Dec-2025 10:00\n" +
		"VGM cut-off: 26-Dec-2025\n" +
		"FCL delivery cut-off: 27-Dec-2025\n\n" +
		"Best regards,\nHapag-Lloyd"
	in := emailInput("HL-22970937 USSAV RESILIENT", body, "HLCU", domain.DocTypeBookingConfirmation)

	data := newTestService().Extract(context.Background(), in)

	if got := strOrEmpty(data.BookingNumber); got != "22970937" {
		t.Fatalf("booking number = %q, want 22970937", got)
	}
	if got := strOrEmpty(data.PortOfDischargeCode); got != "USSAV" {
		t.Errorf("pod code = %q, want USSAV", got)
	}
	if got := strOrEmpty(data.VesselName); got != "RESILIENT" {
		t.Errorf("vessel = %q, want RESILIENT", got)
	}

	wantSI := time.Date(2025, 12, 25, 10, 0, 0, 0, time.UTC)
	if data.SICutoff == nil || !data.SICutoff.Equal(wantSI) {
		t.Errorf("si cutoff = %v, want %v", data.SICutoff, wantSI)
	}
	wantVGM := time.Date(2025, 12, 26, 0, 0, 0, 0, time.UTC)
	if data.VGMCutoff == nil || !data.VGMCutoff.Equal(wantVGM) {
		t.Errorf("vgm cutoff = %v, want %v", data.VGMCutoff, wantVGM)
	}
	wantCargo := time.Date(2025, 12, 27, 0, 0, 0, 0, time.UTC)
	if data.CargoCutoff == nil || !data.CargoCutoff.Equal(wantCargo) {
		t.Errorf("cargo cutoff = %v, want %v", data.CargoCutoff, wantCargo)
	}

	if data.Methods[domain.EntitySICutoff] != domain.ExtractionMethodRegexBody {
		t.Errorf("si cutoff method = %s, want regex_body", data.Methods[domain.EntitySICutoff])
	}
	if data.Confidences[domain.EntitySICutoff] < domain.ConfidenceFloorRegexBody {
		t.Errorf("si cutoff confidence %v below floor", data.Confidences[domain.EntitySICutoff])
	}
}

// =============================================================================
// Identifier formats
// =============================================================================

func TestExtractIdentifierFormats(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		body    string
		carrier string
		check   func(t *testing.T, data *domain.ExtractedDocumentData)
	}{
		{
			name:    "maersk bare booking",
			body:    "Your booking 262223334 is confirmed for vessel MAERSK OHIO.",
			carrier: "MAEU",
			check: func(t *testing.T, data *domain.ExtractedDocumentData) {
				if got := strOrEmpty(data.BookingNumber); got != "262223334" {
					t.Fatalf("booking = %q, want 262223334", got)
				}
				if data.Methods[domain.EntityBookingNumber] != domain.ExtractionMethodSchema {
					t.Errorf("method = %s, want schema", data.Methods[domain.EntityBookingNumber])
				}
			},
		},
		{
			name:    "maersk booking ignored without carrier context",
			body:    "Please call 262223334 for support.",
			carrier: "",
			check: func(t *testing.T, data *domain.ExtractedDocumentData) {
				if data.BookingNumber != nil {
					t.Fatalf("booking = %q, want none", *data.BookingNumber)
				}
			},
		},
		{
			name:    "maersk mbl self identifies",
			body:    "B/L MAEU123456789 released.",
			carrier: "",
			check: func(t *testing.T, data *domain.ExtractedDocumentData) {
				if got := strOrEmpty(data.MBLNumber); got != "MAEU123456789" {
					t.Fatalf("mbl = %q, want MAEU123456789", got)
				}
			},
		},
		{
			name:    "cma cgm booking prefix",
			body:    "Booking reference CEI1234567 confirmed ex Nhava Sheva.",
			carrier: "CMDU",
			check: func(t *testing.T, data *domain.ExtractedDocumentData) {
				if got := strOrEmpty(data.BookingNumber); got != "CEI1234567" {
					t.Fatalf("booking = %q, want CEI1234567", got)
				}
			},
		},
		{
			name:    "house bill and containers",
			body:    "HBL No: SE1025002852\nContainers: MSKU1234567, TGHU7654321",
			carrier: "",
			check: func(t *testing.T, data *domain.ExtractedDocumentData) {
				if got := strOrEmpty(data.HBLNumber); got != "SE1025002852" {
					t.Fatalf("hbl = %q, want SE1025002852", got)
				}
				if len(data.ContainerNumbers) != 2 {
					t.Fatalf("containers = %v, want 2", data.ContainerNumbers)
				}
				if data.ContainerNumbers[0] != "MSKU1234567" || data.ContainerNumbers[1] != "TGHU7654321" {
					t.Errorf("containers = %v", data.ContainerNumbers)
				}
			},
		},
		{
			name:    "generic subject booking label",
			subject: "Booking Confirmation : 263815227",
			body:    "Please find the confirmation attached.",
			carrier: "HLCU",
			check: func(t *testing.T, data *domain.ExtractedDocumentData) {
				if got := strOrEmpty(data.BookingNumber); got != "263815227" {
					t.Fatalf("booking = %q, want 263815227", got)
				}
				if data.Methods[domain.EntityBookingNumber] != domain.ExtractionMethodRegexSubject {
					t.Errorf("method = %s, want regex_subject", data.Methods[domain.EntityBookingNumber])
				}
			},
		},
		{
			name:    "deal id is not a booking",
			subject: "GLOIN20250812001_I | Quote follow-up",
			body:    "No identifiers here.",
			carrier: "",
			check: func(t *testing.T, data *domain.ExtractedDocumentData) {
				if data.BookingNumber != nil {
					t.Fatalf("booking = %q, want none", *data.BookingNumber)
				}
			},
		},
		{
			name:    "container duplicates collapse",
			body:    "MSKU1234567 gated in. Container No: MSKU1234567",
			carrier: "",
			check: func(t *testing.T, data *domain.ExtractedDocumentData) {
				if len(data.ContainerNumbers) != 1 {
					t.Fatalf("containers = %v, want 1", data.ContainerNumbers)
				}
			},
		},
	}

	svc := newTestService()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := emailInput(tt.subject, tt.body, tt.carrier, domain.DocTypeBookingConfirmation)
			tt.check(t, svc.Extract(context.Background(), in))
		})
	}
}

func TestSubjectBookingWinsOverBody(t *testing.T) {
	svc := newTestService()
	in := emailInput(
		"Booking Confirmation : 263815227",
		"Internal ref follows. Booking No: 111222333",
		"",
		domain.DocTypeBookingConfirmation,
	)

	data := svc.Extract(context.Background(), in)
	if got := strOrEmpty(data.BookingNumber); got != "263815227" {
		t.Fatalf("booking = %q, want subject value 263815227", got)
	}
}

func TestSubjectBookingOverridesSchemaBooking(t *testing.T) {
	svc := newTestService()
	in := emailInput(
		"Amendment - Booking No: 999888777",
		"Original booking 262223334 has been replaced.",
		"MAEU",
		domain.DocTypeBookingAmendment,
	)

	data := svc.Extract(context.Background(), in)
	if got := strOrEmpty(data.BookingNumber); got != "999888777" {
		t.Fatalf("booking = %q, want subject value 999888777", got)
	}
	if data.Methods[domain.EntityBookingNumber] != domain.ExtractionMethodRegexSubject {
		t.Errorf("method = %s, want regex_subject", data.Methods[domain.EntityBookingNumber])
	}
}

// =============================================================================
// Key-value labels
// =============================================================================

func TestExtractVoyageAndPorts(t *testing.T) {
	body := "Vessel/Voyage: MAERSK OHIO 042E\n" +
		"Port of Loading: NHAVA SHEVA (INNSA)\n" +
		"Port of Discharge: SAVANNAH, GA (USSAV)\n" +
		"ETD: 2025-12-30\n" +
		"ETA: 24/01/2026\n"
	in := emailInput("Booking update", body, "MAEU", domain.DocTypeBookingConfirmation)

	data := newTestService().Extract(context.Background(), in)

	if got := strOrEmpty(data.VesselName); got != "MAERSK OHIO" {
		t.Errorf("vessel = %q, want MAERSK OHIO", got)
	}
	if got := strOrEmpty(data.VoyageNumber); got != "042E" {
		t.Errorf("voyage = %q, want 042E", got)
	}
	if got := strOrEmpty(data.PortOfLoading); got != "NHAVA SHEVA" {
		t.Errorf("pol = %q, want NHAVA SHEVA", got)
	}
	if got := strOrEmpty(data.PortOfLoadingCode); got != "INNSA" {
		t.Errorf("pol code = %q, want INNSA", got)
	}
	if got := strOrEmpty(data.PortOfDischarge); got != "SAVANNAH, GA" {
		t.Errorf("pod = %q, want SAVANNAH, GA", got)
	}
	if got := strOrEmpty(data.PortOfDischargeCode); got != "USSAV" {
		t.Errorf("pod code = %q, want USSAV", got)
	}

	wantETD := time.Date(2025, 12, 30, 0, 0, 0, 0, time.UTC)
	if data.ETD == nil || !data.ETD.Equal(wantETD) {
		t.Errorf("etd = %v, want %v", data.ETD, wantETD)
	}
	// 24/01/2026 is unambiguous day-first.
	wantETA := time.Date(2026, 1, 24, 0, 0, 0, 0, time.UTC)
	if data.ETA == nil || !data.ETA.Equal(wantETA) {
		t.Errorf("eta = %v, want %v", data.ETA, wantETA)
	}
}

func TestFirstLabelValueWins(t *testing.T) {
	body := "ETD: 2025-12-30\nETD: 2026-01-05\n"
	in := emailInput("Schedule", body, "", domain.DocTypeBookingConfirmation)

	data := newTestService().Extract(context.Background(), in)

	want := time.Date(2025, 12, 30, 0, 0, 0, 0, time.UTC)
	if data.ETD == nil || !data.ETD.Equal(want) {
		t.Fatalf("etd = %v, want first value %v", data.ETD, want)
	}
}

// =============================================================================
// Date parsing
// =============================================================================

func TestParseDate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want time.Time
		ok   bool
	}{
		{"dmy with time", "25-Dec-2025 10:00", time.Date(2025, 12, 25, 10, 0, 0, 0, time.UTC), true},
		{"dmy date only", "26-Dec-2025", time.Date(2025, 12, 26, 0, 0, 0, 0, time.UTC), true},
		{"iso", "2025-12-30", time.Date(2025, 12, 30, 0, 0, 0, 0, time.UTC), true},
		{"iso with time", "2025-12-30 14:30", time.Date(2025, 12, 30, 14, 30, 0, 0, time.UTC), true},
		{"spaced", "5 Jan 2026", time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), true},
		{"dotted", "27.12.2025", time.Date(2025, 12, 27, 0, 0, 0, 0, time.UTC), true},
		{"slash day first", "30/12/2025", time.Date(2025, 12, 30, 0, 0, 0, 0, time.UTC), true},
		{"slash month first only valid reading", "12/30/2025", time.Date(2025, 12, 30, 0, 0, 0, 0, time.UTC), true},
		{"slash ambiguous prefers day first", "05/01/2026", time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), true},
		{"hrs suffix stripped", "26-Dec-2025 16:00 hrs", time.Date(2025, 12, 26, 16, 0, 0, 0, time.UTC), true},
		{"garbage", "next tuesday-ish", time.Time{}, false},
		{"empty", "", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseDate(tt.in)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && !got.Equal(tt.want) {
				t.Errorf("parsed %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractDateInsideProse(t *testing.T) {
	got, ok := extractDate("latest on 25-Dec-2025 10:00 please")
	if !ok {
		t.Fatal("no date found")
	}
	want := time.Date(2025, 12, 25, 10, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("parsed %v, want %v", got, want)
	}
}

// =============================================================================
// Party blocks
// =============================================================================

func TestExtractParties(t *testing.T) {
	text := "SHIPPER\n" +
		"ACME EXPORTS PVT LTD\n" +
		"PLOT 12, MIDC INDUSTRIAL AREA\n" +
		"MUMBAI 400093, INDIA\n" +
		"\n" +
		"CONSIGNEE\n" +
		"GLOBE IMPORTS LLC\n" +
		"100 PEACHTREE ST, ATLANTA GA\n" +
		"\n" +
		"NOTIFY PARTY\n" +
		"SAME AS CONSIGNEE\n"

	in := emailInput("HBL draft for review", "Please review the attached draft.", "", domain.DocTypeHBLDraft)
	in.AttachmentText = text

	data := newTestService().Extract(context.Background(), in)

	if data.Shipper == nil || data.Shipper.Name != "ACME EXPORTS PVT LTD" {
		t.Fatalf("shipper = %+v", data.Shipper)
	}
	if data.Shipper.Address == nil || *data.Shipper.Address != "PLOT 12, MIDC INDUSTRIAL AREA, MUMBAI 400093, INDIA" {
		t.Errorf("shipper address = %v", data.Shipper.Address)
	}
	if data.Consignee == nil || data.Consignee.Name != "GLOBE IMPORTS LLC" {
		t.Errorf("consignee = %+v", data.Consignee)
	}
	if data.NotifyParty == nil || data.NotifyParty.Name != "SAME AS CONSIGNEE" {
		t.Errorf("notify = %+v", data.NotifyParty)
	}
}

func TestExtractPartiesSkipsForwarder(t *testing.T) {
	text := "Shipper: INTOGLO PRIVATE LIMITED\nConsignee: GLOBE IMPORTS LLC\n"
	in := emailInput("SI draft", "", "", domain.DocTypeSIDraft)
	in.AttachmentText = text

	data := newTestService().Extract(context.Background(), in)

	if data.Shipper != nil {
		t.Fatalf("shipper = %+v, want skipped forwarder block", data.Shipper)
	}
	if data.Consignee == nil || data.Consignee.Name != "GLOBE IMPORTS LLC" {
		t.Errorf("consignee = %+v", data.Consignee)
	}
}

func TestPartiesSkippedForNonPartyDocuments(t *testing.T) {
	text := "SHIPPER\nACME EXPORTS PVT LTD\n"
	in := emailInput("Booking confirmation", "", "", domain.DocTypeBookingConfirmation)
	in.AttachmentText = text

	data := newTestService().Extract(context.Background(), in)

	if data.Shipper != nil {
		t.Fatalf("shipper = %+v, want none for booking confirmation", data.Shipper)
	}
}

// =============================================================================
// Idempotence and storage
// =============================================================================

func TestExtractIsDeterministic(t *testing.T) {
	svc := newTestService()
	in := emailInput(
		"HL-22970937 USSAV RESILIENT",
		"SI closing: 25-Dec-2025 10:00\nContainers: MSKU1234567",
		"HLCU",
		domain.DocTypeBookingConfirmation,
	)

	first := svc.Extract(context.Background(), in)
	second := svc.Extract(context.Background(), in)

	if len(first.Entities()) != len(second.Entities()) {
		t.Fatalf("entity counts differ: %d vs %d", len(first.Entities()), len(second.Entities()))
	}
	if strOrEmpty(first.BookingNumber) != strOrEmpty(second.BookingNumber) {
		t.Errorf("booking differs between runs")
	}
}

func TestExtractAndStoreReplacesRows(t *testing.T) {
	repo := newFakeExtractionRepo()
	svc := NewService(Deps{Extractions: repo, ForwarderCompany: "Intoglo"})
	in := emailInput("HL-22970937 USSAV RESILIENT", "VGM cut-off: 26-Dec-2025", "HLCU", domain.DocTypeBookingConfirmation)

	data, err := svc.ExtractAndStore(context.Background(), in)
	if err != nil {
		t.Fatalf("ExtractAndStore: %v", err)
	}
	rows := repo.replaced[in.Email.ID]
	if len(rows) != len(data.Entities()) {
		t.Fatalf("stored %d rows, want %d", len(rows), len(data.Entities()))
	}

	// Dates are stored in RFC 3339.
	var vgm string
	for _, r := range rows {
		if r.EntityType == domain.EntityVGMCutoff {
			vgm = r.Value
		}
	}
	if vgm != "2025-12-26T00:00:00Z" {
		t.Errorf("stored vgm cutoff = %q, want 2025-12-26T00:00:00Z", vgm)
	}
}
