// Package linking attaches classified emails to shipments. Resolution walks
// the extracted identifiers from strongest to weakest; documents that arrive
// before their shipment become orphan links and wait for the backfill sweep.
package linking

import (
	"context"

	"shipment_worker/core/domain"
	"shipment_worker/pkg/apperr"
)

// =============================================================================
// Shipment resolution
// =============================================================================

// resolution is one lookup outcome: the matched shipment plus the method
// that found it, which sets the link confidence.
type resolution struct {
	shipment *domain.Shipment
	method   domain.LinkMethod
}

// resolve walks the lookup order: booking number, then MBL, then HBL, then
// primary container, then container membership. The first hit wins; weaker
// keys are never consulted once a stronger one matched a shipment.
func (s *Service) resolve(ctx context.Context, data *domain.ExtractedDocumentData) (*resolution, error) {
	if data == nil {
		return nil, nil
	}

	type lookup struct {
		key    *string
		method domain.LinkMethod
		find   func(context.Context, string) (*domain.Shipment, error)
	}

	lookups := []lookup{
		{data.BookingNumber, domain.LinkMethodBooking, s.shipments.GetByBookingNumber},
		{data.MBLNumber, domain.LinkMethodMBL, s.shipments.GetByMBLNumber},
		{data.HBLNumber, domain.LinkMethodHBL, s.shipments.GetByHBLNumber},
	}

	for _, l := range lookups {
		if l.key == nil || *l.key == "" {
			continue
		}
		shipment, err := l.find(ctx, *l.key)
		if err != nil {
			return nil, apperr.DatabaseError("shipment lookup", err).WithStage(string(domain.StageLinking))
		}
		if shipment != nil {
			return &resolution{shipment: shipment, method: l.method}, nil
		}
	}

	for _, container := range data.ContainerNumbers {
		shipment, err := s.shipments.GetByContainerPrimary(ctx, container)
		if err != nil {
			return nil, apperr.DatabaseError("container primary lookup", err).WithStage(string(domain.StageLinking))
		}
		if shipment != nil {
			return &resolution{shipment: shipment, method: domain.LinkMethodContainerPrimary}, nil
		}
	}
	for _, container := range data.ContainerNumbers {
		shipment, err := s.shipments.GetByContainerMember(ctx, container)
		if err != nil {
			return nil, apperr.DatabaseError("container membership lookup", err).WithStage(string(domain.StageLinking))
		}
		if shipment != nil {
			return &resolution{shipment: shipment, method: domain.LinkMethodContainerMember}, nil
		}
	}

	return nil, nil
}

// strongestIdentifier returns the best extracted key for orphan bookkeeping,
// in the same order the lookups run.
func strongestIdentifier(data *domain.ExtractedDocumentData) *string {
	switch {
	case data == nil:
		return nil
	case data.BookingNumber != nil && *data.BookingNumber != "":
		return data.BookingNumber
	case data.MBLNumber != nil && *data.MBLNumber != "":
		return data.MBLNumber
	case data.HBLNumber != nil && *data.HBLNumber != "":
		return data.HBLNumber
	case len(data.ContainerNumbers) > 0:
		return &data.ContainerNumbers[0]
	}
	return nil
}
