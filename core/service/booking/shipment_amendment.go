package booking

import (
	"context"
	"time"

	"shipment_worker/core/domain"
	"shipment_worker/pkg/apperr"
)

// =============================================================================
// Amendments
// =============================================================================

// ApplyAmendment folds extracted fields into an existing shipment. Fields
// are merged never-null-overwrite: an absent extraction leaves the current
// value alone. When anything changed, a revision row with the field-level
// old/new values is written before the aggregate mutates and the booking
// revision counter advances. A nil revision means the amendment carried
// nothing new.
func (s *Service) ApplyAmendment(ctx context.Context, shipment *domain.Shipment, email *domain.RawEmail, data *domain.ExtractedDocumentData) (*domain.Shipment, *domain.ShipmentRevision, error) {
	s.locks.Lock(shipment.BookingNumber)
	defer s.locks.Unlock(shipment.BookingNumber)

	fresh, err := s.shipments.GetByID(ctx, shipment.ID)
	if err != nil {
		return nil, nil, err
	}
	rev, err := s.amendLocked(ctx, fresh, email, data)
	if err != nil {
		return nil, nil, err
	}
	return fresh, rev, nil
}

// amendLocked is the shared update path; the caller holds the booking lock.
func (s *Service) amendLocked(ctx context.Context, shipment *domain.Shipment, email *domain.RawEmail, data *domain.ExtractedDocumentData) (*domain.ShipmentRevision, error) {
	changes := applyExtraction(shipment, data)
	if len(changes) == 0 {
		s.log.WithEmail(email.ID).WithField("booking_number", shipment.BookingNumber).Debug("amendment carried no field changes")
		return nil, nil
	}

	rev, err := s.saveChanges(ctx, shipment, email.ID, changes)
	if err != nil {
		return nil, err
	}
	s.log.WithEmail(email.ID).WithFields(map[string]any{
		"shipment_id":    shipment.ID,
		"booking_number": shipment.BookingNumber,
		"revision":       rev.RevisionNumber,
		"changes":        len(changes),
	}).Info("amendment applied")
	return rev, nil
}

// saveChanges writes the revision row, then the mutated aggregate.
func (s *Service) saveChanges(ctx context.Context, shipment *domain.Shipment, emailID int64, changes []domain.FieldChange) (*domain.ShipmentRevision, error) {
	now := time.Now()
	shipment.BookingRevisionCount++
	shipment.UpdatedAt = now

	rev := &domain.ShipmentRevision{
		ShipmentID:     shipment.ID,
		EmailID:        &emailID,
		RevisionNumber: shipment.BookingRevisionCount,
		Changes:        changes,
		CreatedAt:      now,
	}
	if err := s.shipments.SaveRevision(ctx, rev); err != nil {
		return nil, apperr.DatabaseError("save revision", err).WithStage(string(domain.StageShipment))
	}
	if err := s.shipments.Update(ctx, shipment); err != nil {
		return nil, apperr.DatabaseError("update shipment", err).WithStage(string(domain.StageShipment))
	}
	return rev, nil
}

// Cancel marks the shipment cancelled. The workflow engine owns the state
// transition; this only flips the coarse status.
func (s *Service) Cancel(ctx context.Context, shipment *domain.Shipment, email *domain.RawEmail) error {
	s.locks.Lock(shipment.BookingNumber)
	defer s.locks.Unlock(shipment.BookingNumber)

	fresh, err := s.shipments.GetByID(ctx, shipment.ID)
	if err != nil {
		return err
	}
	if fresh.Status == domain.ShipmentStatusCancelled {
		return nil
	}
	old := string(fresh.Status)
	newVal := string(domain.ShipmentStatusCancelled)
	fresh.Status = domain.ShipmentStatusCancelled
	_, err = s.saveChanges(ctx, fresh, email.ID, []domain.FieldChange{
		{Field: "status", Old: &old, New: &newVal},
	})
	if err != nil {
		return err
	}
	shipment.Status = fresh.Status
	shipment.BookingRevisionCount = fresh.BookingRevisionCount
	s.log.WithEmail(email.ID).WithField("booking_number", fresh.BookingNumber).Info("booking cancelled")
	return nil
}

// =============================================================================
// Party snapshots
// =============================================================================

// UpdateParties overwrites the shipper/consignee/notify snapshots from an
// SI draft, HBL draft, or issued HBL. The latest document wins; prior
// values survive in the revision trail. Blocks naming the forwarder's own
// company are ignored. Returns true when a snapshot changed.
func (s *Service) UpdateParties(ctx context.Context, shipment *domain.Shipment, email *domain.RawEmail, docType domain.DocumentType, data *domain.ExtractedDocumentData) (bool, error) {
	if !docType.UpdatesParties() {
		return false, nil
	}
	if data.Shipper == nil && data.Consignee == nil && data.NotifyParty == nil {
		return false, nil
	}

	s.locks.Lock(shipment.BookingNumber)
	defer s.locks.Unlock(shipment.BookingNumber)

	fresh, err := s.shipments.GetByID(ctx, shipment.ID)
	if err != nil {
		return false, err
	}

	var changes []domain.FieldChange
	s.mergeParty(&changes, fresh, data.Shipper, "shipper", &fresh.ShipperName, &fresh.ShipperAddress)
	s.mergeParty(&changes, fresh, data.Consignee, "consignee", &fresh.ConsigneeName, &fresh.ConsigneeAddress)
	s.mergeParty(&changes, fresh, data.NotifyParty, "notify_party", &fresh.NotifyPartyName, &fresh.NotifyPartyAddress)
	if len(changes) == 0 {
		return false, nil
	}

	if _, err := s.saveChanges(ctx, fresh, email.ID, changes); err != nil {
		return false, err
	}
	*shipment = *fresh
	s.log.WithEmail(email.ID).WithFields(map[string]any{
		"shipment_id":   fresh.ID,
		"document_type": string(docType),
		"changes":       len(changes),
	}).Info("party snapshots updated")
	return true, nil
}

func (s *Service) mergeParty(changes *[]domain.FieldChange, shipment *domain.Shipment, party *domain.Party, field string, name, address **string) {
	if party == nil || party.Name == "" {
		return
	}
	if party.MatchesCompany(s.forwarder) {
		s.log.WithField("booking_number", shipment.BookingNumber).Debug("skipping forwarder %s block", field)
		return
	}
	mergeString(changes, field+"_name", name, &party.Name, true)
	mergeString(changes, field+"_address", address, party.Address, true)
}

// =============================================================================
// Field merge
// =============================================================================

// applyExtraction folds non-empty extracted fields into the shipment and
// returns the delta. Extracted nulls never erase stored values. Carrier
// code is identity, set once; voyage fields and cutoffs follow the latest
// document.
func applyExtraction(shipment *domain.Shipment, data *domain.ExtractedDocumentData) []domain.FieldChange {
	var changes []domain.FieldChange

	mergeString(&changes, "carrier_code", &shipment.CarrierCode, data.CarrierCode, false)
	mergeString(&changes, "mbl_number", &shipment.MBLNumber, data.MBLNumber, true)
	mergeString(&changes, "hbl_number", &shipment.HBLNumber, data.HBLNumber, true)
	mergeString(&changes, "vessel_name", &shipment.VesselName, data.VesselName, true)
	mergeString(&changes, "voyage_number", &shipment.VoyageNumber, data.VoyageNumber, true)
	mergeString(&changes, "port_of_loading", &shipment.PortOfLoading, data.PortOfLoading, true)
	mergeString(&changes, "port_of_loading_code", &shipment.PortOfLoadingCode, data.PortOfLoadingCode, true)
	mergeString(&changes, "port_of_discharge", &shipment.PortOfDischarge, data.PortOfDischarge, true)
	mergeString(&changes, "port_of_discharge_code", &shipment.PortOfDischargeCode, data.PortOfDischargeCode, true)

	mergeTime(&changes, "etd", &shipment.ETD, data.ETD)
	mergeTime(&changes, "eta", &shipment.ETA, data.ETA)
	mergeTime(&changes, "si_cutoff", &shipment.SICutoff, data.SICutoff)
	mergeTime(&changes, "vgm_cutoff", &shipment.VGMCutoff, data.VGMCutoff)
	mergeTime(&changes, "cargo_cutoff", &shipment.CargoCutoff, data.CargoCutoff)
	mergeTime(&changes, "gate_cutoff", &shipment.GateCutoff, data.GateCutoff)
	mergeTime(&changes, "doc_cutoff", &shipment.DocCutoff, data.DocCutoff)

	for _, c := range data.ContainerNumbers {
		container := c
		if shipment.AddContainer(container) {
			changes = append(changes, domain.FieldChange{Field: "container_numbers", New: &container})
		}
	}
	return changes
}

// mergeString sets dst from src when src carries a value. overwrite=false
// restricts the merge to filling empty fields.
func mergeString(changes *[]domain.FieldChange, field string, dst **string, src *string, overwrite bool) {
	if src == nil || *src == "" {
		return
	}
	if *dst != nil {
		if !overwrite || **dst == *src {
			return
		}
	}
	old := *dst
	v := *src
	*dst = &v
	*changes = append(*changes, domain.FieldChange{Field: field, Old: old, New: &v})
}

func mergeTime(changes *[]domain.FieldChange, field string, dst **time.Time, src *time.Time) {
	if src == nil {
		return
	}
	if *dst != nil && (*dst).Equal(*src) {
		return
	}
	var old *string
	if *dst != nil {
		rendered := renderTime(**dst)
		old = &rendered
	}
	v := *src
	*dst = &v
	rendered := renderTime(v)
	*changes = append(*changes, domain.FieldChange{Field: field, Old: old, New: &rendered})
}

// renderTime writes date-only values as yyyy-mm-dd so revision deltas stay
// readable; anything with a time-of-day keeps the full RFC 3339 form.
func renderTime(t time.Time) string {
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format(time.RFC3339)
}
