// Package booking materializes and amends shipments from carrier booking
// documents. Creation is gated on the confirmation type, the confidence
// floor, inbound direction, and carrier origin; writes serialize on a keyed
// mutex over the booking number with the unique constraint as backstop.
package booking

import (
	"context"
	"strings"
	"time"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
	"shipment_worker/core/service/common"
	"shipment_worker/pkg/apperr"
	"shipment_worker/pkg/kmutex"
	"shipment_worker/pkg/logger"
)

// attestationScanLimit caps the body prefix scanned for carrier mentions.
const attestationScanLimit = 8 * 1024

// Deps wires the booking service.
type Deps struct {
	Shipments out.ShipmentRepository
	Config    *common.ConfigCache

	// ForwarderCompany is our own company name; party blocks naming it
	// never overwrite shipper/consignee fields.
	ForwarderCompany string
}

type Service struct {
	shipments out.ShipmentRepository
	cfg       *common.ConfigCache
	forwarder string
	locks     *kmutex.KMutex
	log       *logger.Logger
}

func NewService(deps Deps) *Service {
	return &Service{
		shipments: deps.Shipments,
		cfg:       deps.Config,
		forwarder: deps.ForwarderCompany,
		locks:     kmutex.New(),
		log:       logger.WithStage(string(domain.StageShipment)),
	}
}

// =============================================================================
// Creation
// =============================================================================

// CreateFromConfirmation materializes a shipment from a booking confirmation.
// When the booking number already exists the confirmation is applied as an
// update instead, so re-sent confirmations upsert rather than conflict.
// Returns created=false on the update path.
func (s *Service) CreateFromConfirmation(ctx context.Context, email *domain.RawEmail, classification *domain.DocumentClassification, data *domain.ExtractedDocumentData) (*domain.Shipment, bool, error) {
	direct, carrier := s.carrierOrigin(ctx, email)
	if err := creationGate(email, classification, data, carrier); err != nil {
		return nil, false, err
	}

	bookingNumber := *data.BookingNumber
	s.locks.Lock(bookingNumber)
	defer s.locks.Unlock(bookingNumber)

	existing, err := s.shipments.GetByBookingNumber(ctx, bookingNumber)
	if err != nil {
		return nil, false, apperr.DatabaseError("booking lookup", err).WithStage(string(domain.StageShipment))
	}
	if existing != nil {
		if _, err := s.amendLocked(ctx, existing, email, data); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	shipment := s.newShipment(email, data, direct, carrier)
	if err := s.shipments.Create(ctx, shipment); err != nil {
		// Another process won the insert race; fold into its row.
		if apperr.IsKind(err, apperr.KindConflictingWrite) {
			winner, lerr := s.shipments.GetByBookingNumber(ctx, bookingNumber)
			if lerr == nil && winner != nil {
				if _, aerr := s.amendLocked(ctx, winner, email, data); aerr != nil {
					return nil, false, aerr
				}
				return winner, false, nil
			}
		}
		return nil, false, err
	}

	s.log.WithEmail(email.ID).WithFields(map[string]any{
		"shipment_id":    shipment.ID,
		"booking_number": shipment.BookingNumber,
		"carrier_code":   strOrEmpty(shipment.CarrierCode),
		"direct_carrier": direct,
	}).Info("shipment created from booking confirmation")
	return shipment, true, nil
}

// creationGate enforces the materialization preconditions: confirmation
// type, confidence floor, inbound direction, carrier origin, and a booking
// number to key the row on.
func creationGate(email *domain.RawEmail, classification *domain.DocumentClassification, data *domain.ExtractedDocumentData, carrier *domain.Carrier) error {
	if !classification.DocumentType.CanCreateShipment() {
		return apperr.ValidationFailed("only booking confirmations create shipments").
			WithDetail("document_type", string(classification.DocumentType)).
			WithStage(string(domain.StageShipment))
	}
	if classification.DocumentConfidence < domain.ConfidenceShipmentCreate {
		return apperr.LowConfidence(int(classification.DocumentConfidence), int(domain.ConfidenceShipmentCreate)).
			WithStage(string(domain.StageShipment))
	}
	if classification.Direction != domain.DirectionInbound {
		return apperr.ValidationFailed("shipment creation requires an inbound email").
			WithDetail("direction", string(classification.Direction)).
			WithStage(string(domain.StageShipment))
	}
	if carrier == nil {
		return apperr.ValidationFailed("sender is not attested as a carrier").
			WithDetail("sender_domain", email.SenderDomain()).
			WithStage(string(domain.StageShipment))
	}
	if data.BookingNumber == nil || *data.BookingNumber == "" {
		return apperr.MissingField("booking_number").WithStage(string(domain.StageShipment))
	}
	return nil
}

func (s *Service) newShipment(email *domain.RawEmail, data *domain.ExtractedDocumentData, direct bool, carrier *domain.Carrier) *domain.Shipment {
	now := time.Now()
	emailID := email.ID
	shipment := &domain.Shipment{
		BookingNumber:            *data.BookingNumber,
		Status:                   domain.ShipmentStatusBooked,
		IsDirectCarrierConfirmed: direct,
		CreatedFromEmailID:       &emailID,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if carrier != nil {
		code := carrier.Code
		shipment.CarrierCode = &code
	}
	applyExtraction(shipment, data)
	return shipment
}

// =============================================================================
// Carrier origin
// =============================================================================

// carrierOrigin resolves whether the email comes from an ocean carrier:
// direct when the effective sender domain matches a configured carrier,
// attested when the display name or message text names one. The forwarded
// true sender counts as the effective sender, so confirmations relayed by
// our own operators keep their carrier origin.
func (s *Service) carrierOrigin(ctx context.Context, email *domain.RawEmail) (bool, *domain.Carrier) {
	carriers := s.carriers(ctx)

	if c := domain.MatchCarrierDomain(email.SenderDomain(), carriers); c != nil {
		return true, c
	}

	var haystack strings.Builder
	if email.SenderDisplayName != nil {
		haystack.WriteString(strings.ToLower(*email.SenderDisplayName))
		haystack.WriteByte('\n')
	}
	haystack.WriteString(strings.ToLower(email.Subject))
	haystack.WriteByte('\n')
	body := email.BodyText
	if len(body) > attestationScanLimit {
		body = body[:attestationScanLimit]
	}
	haystack.WriteString(strings.ToLower(body))
	text := haystack.String()

	universe := carriers
	if len(universe) == 0 {
		universe = domain.FallbackCarriers()
	}
	for _, c := range universe {
		if c.Name != "" && containsName(text, c.Name) {
			return false, c
		}
	}
	return false, nil
}

// containsName reports a case-insensitive carrier mention. Short names like
// ONE or ZIM must stand alone as words so ordinary prose cannot attest a
// carrier. The haystack is already lowercased.
func containsName(text, name string) bool {
	name = strings.ToLower(name)
	if len(name) >= 4 {
		return strings.Contains(text, name)
	}
	idx := 0
	for {
		i := strings.Index(text[idx:], name)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(name)
		startsWord := start == 0 || !isWordByte(text[start-1])
		endsWord := end == len(text) || !isWordByte(text[end])
		if startsWord && endsWord {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

func (s *Service) carriers(ctx context.Context) []*domain.Carrier {
	if s.cfg == nil {
		return nil
	}
	carriers, err := s.cfg.Carriers(ctx)
	if err != nil {
		s.log.WithError(err).Warn("carrier config unavailable, using fallback list")
		return nil
	}
	return carriers
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
