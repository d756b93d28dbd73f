package extraction

import (
	"context"
	"regexp"
	"strings"
	"time"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
	"shipment_worker/core/service/common"
	"shipment_worker/pkg/apperr"
	"shipment_worker/pkg/logger"
)

// Deps wires the extraction service.
type Deps struct {
	Extractions      out.ExtractionRepository
	Config           *common.ConfigCache
	ForwarderCompany string
}

// Service runs the schema-first extractor: carrier identifier regexes over
// the full text, a subject fallback, the key-value label tables, then party
// blocks for party-bearing document types. Extract never fails; fields that
// cannot be read stay nil.
type Service struct {
	extractions out.ExtractionRepository
	registry    *idRegistry
	labels      []labelRule
	forwarder   string
	log         *logger.Logger
}

func NewService(deps Deps) *Service {
	return &Service{
		extractions: deps.Extractions,
		registry:    newIDRegistry(deps.Config),
		labels:      defaultLabelRules(),
		forwarder:   deps.ForwarderCompany,
		log:         logger.WithStage(string(domain.StageExtraction)),
	}
}

// =============================================================================
// Extraction pipeline
// =============================================================================

// Extract runs every sub-extractor in order. First value per field wins,
// with one arbitration: a booking number read from the subject overrides a
// conflicting one read from body or attachment text, because carriers put
// the authoritative reference in the subject line.
func (s *Service) Extract(ctx context.Context, in *Input) *domain.ExtractedDocumentData {
	started := time.Now()
	data := domain.NewExtractedDocumentData(in.Email.ID)
	if in.CarrierCode != "" {
		carrier := in.CarrierCode
		data.CarrierCode = &carrier
	}

	patterns := s.registry.patterns(ctx)
	s.schemaPass(patterns, in, data)
	s.subjectPass(in, data)
	scanLabels(s.labels, in.Email.BodyText, "body", in.CarrierCode, data)
	scanLabels(s.labels, in.AttachmentText, "attachment_text", in.CarrierCode, data)

	if in.WantsParties() {
		extractParties(in.AttachmentText, s.forwarder, data)
		if data.Shipper == nil && data.Consignee == nil && data.NotifyParty == nil {
			extractParties(in.Email.BodyText, s.forwarder, data)
		}
	}

	s.log.WithEmail(in.Email.ID).WithDuration(time.Since(started)).WithFields(map[string]any{
		"fields":     data.FieldCount(),
		"containers": len(data.ContainerNumbers),
		"carrier":    in.CarrierCode,
	}).Info("entities extracted")
	return data
}

// ExtractAndStore extracts and atomically replaces the email's stored
// entity rows, keeping re-processing idempotent.
func (s *Service) ExtractAndStore(ctx context.Context, in *Input) (*domain.ExtractedDocumentData, error) {
	data := s.Extract(ctx, in)
	if err := s.extractions.ReplaceEntities(ctx, in.Email.ID, data.Entities()); err != nil {
		return nil, apperr.DatabaseError("replace extracted entities", err).WithStage(string(domain.StageExtraction))
	}
	return data, nil
}

// schemaPass applies the carrier identifier registry over the full text.
// Booking, MBL, and HBL take the first match; containers collect all.
func (s *Service) schemaPass(patterns []compiledIDPattern, in *Input, data *domain.ExtractedDocumentData) {
	text := in.FullText()
	for i := range patterns {
		p := &patterns[i]
		if p.carrierCode != "" && p.carrierCode != in.CarrierCode {
			continue
		}

		if p.entityType == domain.EntityContainerNumber {
			added := false
			for _, c := range p.matchAll(text) {
				if appendContainer(data, c) {
					added = true
				}
			}
			if added && !data.Has(domain.EntityContainerNumber) {
				data.Record(domain.EntityContainerNumber, p.confidence, domain.ExtractionMethodSchema)
				data.RecordSource(domain.EntityContainerNumber, p.source)
			}
			continue
		}

		if data.Has(p.entityType) {
			continue
		}
		v := p.matchFirst(text)
		if v == "" {
			continue
		}
		setTextField(data, p.entityType, v)
		data.Record(p.entityType, p.confidence, domain.ExtractionMethodSchema)
		data.RecordSource(p.entityType, p.source)
	}
}

// =============================================================================
// Subject fallback
// =============================================================================

var (
	// Hapag-Lloyd confirmation subjects follow "HL-<booking> <POD locode>
	// <vessel>". The schema pass already takes the booking; this recovers
	// the discharge port and vessel name riding along.
	hapagSubjectRe = regexp.MustCompile(`(?i)\bHL-?(\d{8})\s+([A-Z]{2}[A-Z0-9]{3})\b\s*(.*)$`)

	subjectBookingRe = regexp.MustCompile(`(?i)\bbooking\s*(?:confirmation|confirmed|amendment|cancellation|request)?\s*(?:no\.?|number|ref(?:erence)?)?\s*[:#]\s*([A-Z0-9][A-Z0-9/-]{4,19})\b`)
	subjectMBLRe     = regexp.MustCompile(`(?i)\b(?:m\.?b\.?/?l|bill\s+of\s+lading|obl)\s*(?:no\.?|number)?\s*[:#]\s*([A-Z0-9][A-Z0-9/-]{5,19})\b`)
	subjectHBLRe     = regexp.MustCompile(`(?i)\bh\.?b\.?/?l\s*(?:no\.?|number)?\s*[:#]\s*([A-Z0-9][A-Z0-9/-]{5,19})\b`)

	// References that ride along in subjects and must not be mistaken for
	// carrier identifiers: internal deal IDs and US customs entry numbers.
	dealIDRe       = regexp.MustCompile(`\b[A-Z]{5,7}\d{8,12}_I\b`)
	customsEntryRe = regexp.MustCompile(`\b[A-Z0-9]{3}-\d{7}-\d\b`)
)

// subjectPass fills identifier gaps from the subject line and arbitrates
// booking conflicts in the subject's favor.
func (s *Service) subjectPass(in *Input, data *domain.ExtractedDocumentData) {
	subject := stripReferenceNoise(in.CleanSubject())
	if subject == "" {
		return
	}

	if in.CarrierCode == "HLCU" || strings.Contains(strings.ToUpper(subject), "HL-") {
		if m := hapagSubjectRe.FindStringSubmatch(subject); m != nil {
			s.takeSubjectBooking(in, data, m[1])
			if !data.Has(domain.EntityPortOfDischargeCode) {
				code := strings.ToUpper(m[2])
				data.PortOfDischargeCode = &code
				data.Record(domain.EntityPortOfDischargeCode, 82, domain.ExtractionMethodRegexSubject)
				data.RecordSource(domain.EntityPortOfDischargeCode, "subject:hapag")
			}
			vessel, voyage := splitVesselVoyage(m[3])
			if vessel != "" && !data.Has(domain.EntityVesselName) {
				data.VesselName = &vessel
				data.Record(domain.EntityVesselName, 80, domain.ExtractionMethodRegexSubject)
				data.RecordSource(domain.EntityVesselName, "subject:hapag")
			}
			if voyage != "" && !data.Has(domain.EntityVoyageNumber) {
				data.VoyageNumber = &voyage
				data.Record(domain.EntityVoyageNumber, 80, domain.ExtractionMethodRegexSubject)
				data.RecordSource(domain.EntityVoyageNumber, "subject:hapag")
			}
		}
	}

	if m := subjectBookingRe.FindStringSubmatch(subject); m != nil {
		if v := strings.ToUpper(m[1]); strings.ContainsAny(v, "0123456789") {
			s.takeSubjectBooking(in, data, v)
		}
	}
	if !data.Has(domain.EntityMBLNumber) {
		if m := subjectMBLRe.FindStringSubmatch(subject); m != nil {
			v := strings.ToUpper(m[1])
			data.MBLNumber = &v
			data.Record(domain.EntityMBLNumber, domain.ConfidenceFloorRegexSubject, domain.ExtractionMethodRegexSubject)
			data.RecordSource(domain.EntityMBLNumber, "subject:label")
		}
	}
	if !data.Has(domain.EntityHBLNumber) {
		if m := subjectHBLRe.FindStringSubmatch(subject); m != nil {
			v := strings.ToUpper(m[1])
			data.HBLNumber = &v
			data.Record(domain.EntityHBLNumber, domain.ConfidenceFloorRegexSubject, domain.ExtractionMethodRegexSubject)
			data.RecordSource(domain.EntityHBLNumber, "subject:label")
		}
	}
}

// takeSubjectBooking records a subject-sourced booking number. A booking
// already found in body or attachment text is replaced when it disagrees.
func (s *Service) takeSubjectBooking(in *Input, data *domain.ExtractedDocumentData, v string) {
	if v == "" {
		return
	}
	if data.BookingNumber != nil {
		if domain.NormalizeIdentifier(*data.BookingNumber) == domain.NormalizeIdentifier(v) {
			return
		}
		s.log.WithEmail(in.Email.ID).WithFields(map[string]any{
			"body_booking":    *data.BookingNumber,
			"subject_booking": v,
		}).Warn("booking number conflict, subject wins")
	}
	data.BookingNumber = &v
	data.Record(domain.EntityBookingNumber, domain.ConfidenceFloorRegexSubject, domain.ExtractionMethodRegexSubject)
	data.RecordSource(domain.EntityBookingNumber, "subject")
}

// stripReferenceNoise removes deal IDs and customs entry numbers before
// identifier matching so they cannot be captured as bookings.
func stripReferenceNoise(s string) string {
	s = dealIDRe.ReplaceAllString(s, " ")
	s = customsEntryRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
