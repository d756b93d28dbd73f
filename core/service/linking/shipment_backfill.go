package linking

import (
	"context"
	"time"

	"shipment_worker/core/domain"
	"shipment_worker/pkg/apperr"
)

var backfillEntityTypes = []domain.EntityType{
	domain.EntityBookingNumber,
	domain.EntityMBLNumber,
	domain.EntityHBLNumber,
	domain.EntityContainerNumber,
}

// LinkRelatedEmails sweeps earlier emails into a newly created shipment:
// orphans parked under one of its identifiers are promoted, and emails whose
// stored entities match an identifier get backfill links. Per-email failures
// are logged and skipped so one bad row never aborts the sweep.
func (s *Service) LinkRelatedEmails(ctx context.Context, shipment *domain.Shipment) (int, error) {
	values := shipmentKeyValues(shipment)
	if len(values) == 0 {
		return 0, nil
	}

	attached := 0
	seen := make(map[int64]bool)
	if shipment.CreatedFromEmailID != nil {
		seen[*shipment.CreatedFromEmailID] = true
	}

	// Orphans parked directly under one of the new shipment's keys.
	orphans, err := s.links.ListOrphans(ctx, &domain.OrphanFilter{BookingNumbers: values})
	if err != nil {
		return 0, apperr.DatabaseError("list orphans", err).WithStage(string(domain.StageLinking))
	}
	for _, orphan := range orphans {
		if seen[orphan.EmailID] {
			continue
		}
		if s.promote(ctx, orphan, shipment.ID) {
			seen[orphan.EmailID] = true
			attached++
		}
	}

	// Emails whose stored entities carry one of the keys but never parked
	// under it, typically because a different identifier was stronger.
	emailIDs, err := s.extractions.FindEmailIDsByValues(ctx, backfillEntityTypes, values)
	if err != nil {
		return attached, apperr.DatabaseError("find related emails", err).WithStage(string(domain.StageLinking))
	}
	for _, emailID := range emailIDs {
		if seen[emailID] {
			continue
		}
		seen[emailID] = true
		ok, err := s.attachEmail(ctx, emailID, shipment.ID)
		if err != nil {
			s.log.WithEmail(emailID).WithField("shipment_id", shipment.ID).WithError(err).Warn("backfill attach failed")
			continue
		}
		if ok {
			attached++
		}
	}

	s.sweepDuplicates(ctx, shipment.ID)

	if attached > 0 {
		s.log.WithFields(map[string]any{
			"shipment_id":    shipment.ID,
			"booking_number": shipment.BookingNumber,
			"attached":       attached,
		}).Info("related emails backfilled")
	}
	return attached, nil
}

// attachEmail links one candidate email to the shipment, preferring orphan
// promotion over a fresh backfill link. Returns false when the email was
// already linked.
func (s *Service) attachEmail(ctx context.Context, emailID, shipmentID int64) (bool, error) {
	existing, err := s.links.GetByEmailAndShipment(ctx, emailID, shipmentID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	all, err := s.links.ListByEmail(ctx, emailID)
	if err != nil {
		return false, err
	}
	for _, l := range all {
		if l.IsOrphan() {
			return s.promote(ctx, l, shipmentID), nil
		}
	}

	docType := domain.DocTypeUnknown
	if classification, err := s.classifications.GetByEmailID(ctx, emailID); err == nil && classification != nil {
		docType = classification.DocumentType
	}

	now := time.Now()
	link := &domain.ShipmentDocumentLink{
		ShipmentID:     &shipmentID,
		EmailID:        emailID,
		DocumentType:   docType,
		LinkMethod:     domain.LinkMethodBackfill,
		LinkConfidence: domain.LinkMethodBackfill.Confidence(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.links.Create(ctx, link); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) promote(ctx context.Context, orphan *domain.ShipmentDocumentLink, shipmentID int64) bool {
	promoted, err := s.links.PromoteOrphan(ctx, orphan.ID, shipmentID, time.Now())
	if err != nil {
		s.log.WithEmail(orphan.EmailID).WithField("link_id", orphan.ID).WithError(err).Warn("orphan promotion failed")
		return false
	}
	if promoted {
		s.log.WithEmail(orphan.EmailID).WithFields(map[string]any{
			"link_id":     orphan.ID,
			"shipment_id": shipmentID,
		}).Info("orphan promoted")
	}
	return promoted
}

// sweepDuplicates re-runs the dedupe rule for emails the backfill may have
// given a second shipment.
func (s *Service) sweepDuplicates(ctx context.Context, shipmentID int64) {
	emailIDs, err := s.links.ListEmailsWithMultipleLinks(ctx, shipmentID)
	if err != nil {
		s.log.WithField("shipment_id", shipmentID).WithError(err).Warn("dedupe listing failed")
		return
	}
	for _, emailID := range emailIDs {
		if _, err := s.DedupeEmailLinks(ctx, emailID); err != nil {
			s.log.WithEmail(emailID).WithError(err).Warn("dedupe failed")
		}
	}
}

func shipmentKeyValues(shipment *domain.Shipment) []string {
	var values []string
	if shipment.BookingNumber != "" {
		values = append(values, shipment.BookingNumber)
	}
	for _, v := range []*string{shipment.MBLNumber, shipment.HBLNumber} {
		if v != nil && *v != "" {
			values = append(values, *v)
		}
	}
	values = append(values, shipment.ContainerNumbers...)
	return values
}
