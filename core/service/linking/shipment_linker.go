package linking

import (
	"context"
	"strings"
	"time"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
	"shipment_worker/pkg/apperr"
	"shipment_worker/pkg/logger"
)

// Deps wires the linking service.
type Deps struct {
	Links           out.LinkRepository
	Shipments       out.ShipmentRepository
	Emails          out.EmailRepository
	Extractions     out.ExtractionRepository
	Classifications out.ClassificationRepository
}

// Service resolves emails to shipments and maintains the one-link-per-email
// hygiene rule. Orphan links are created under the strongest extracted
// identifier and promoted later by the backfill sweep.
type Service struct {
	links           out.LinkRepository
	shipments       out.ShipmentRepository
	emails          out.EmailRepository
	extractions     out.ExtractionRepository
	classifications out.ClassificationRepository
	log             *logger.Logger
}

func NewService(deps Deps) *Service {
	return &Service{
		links:           deps.Links,
		shipments:       deps.Shipments,
		emails:          deps.Emails,
		extractions:     deps.Extractions,
		classifications: deps.Classifications,
		log:             logger.WithStage(string(domain.StageLinking)),
	}
}

// Outcome is one linking result. Shipment is nil when the document parked
// as an orphan; Link is nil when the email carried no linkable identifier.
type Outcome struct {
	Link     *domain.ShipmentDocumentLink
	Shipment *domain.Shipment
	Created  bool
}

// =============================================================================
// Link or orphan
// =============================================================================

// LinkDocument attaches the email to the shipment its identifiers resolve
// to, or parks it as an orphan when nothing matches yet. Re-running on the
// same email reuses the existing row, keeping re-processing idempotent.
func (s *Service) LinkDocument(ctx context.Context, email *domain.RawEmail, docType domain.DocumentType, data *domain.ExtractedDocumentData) (*Outcome, error) {
	res, err := s.resolve(ctx, data)
	if err != nil {
		return nil, err
	}

	if res != nil {
		link, created, err := s.ensureLink(ctx, email.ID, res.shipment, docType, res.method, false, strongestIdentifier(data))
		if err != nil {
			return nil, err
		}
		s.log.WithEmail(email.ID).WithFields(map[string]any{
			"shipment_id": res.shipment.ID,
			"method":      string(res.method),
			"created":     created,
		}).Info("document linked")
		return &Outcome{Link: link, Shipment: res.shipment, Created: created}, nil
	}

	key := strongestIdentifier(data)
	if key == nil {
		s.log.WithEmail(email.ID).Debug("no linkable identifiers extracted")
		return &Outcome{}, nil
	}

	link, created, err := s.ensureOrphan(ctx, email.ID, docType, key)
	if err != nil {
		return nil, err
	}
	if created {
		s.log.WithEmail(email.ID).WithFields(map[string]any{
			"document_type": string(docType),
			"parked_under":  *key,
		}).Info("document parked as orphan")
	}
	return &Outcome{Link: link, Created: created}, nil
}

// LinkCreation writes the primary link for the confirmation email that
// created the shipment.
func (s *Service) LinkCreation(ctx context.Context, emailID int64, shipment *domain.Shipment, docType domain.DocumentType, data *domain.ExtractedDocumentData) (*domain.ShipmentDocumentLink, error) {
	link, _, err := s.ensureLink(ctx, emailID, shipment, docType, domain.LinkMethodCreation, true, strongestIdentifier(data))
	return link, err
}

// ensureLink creates the email-to-shipment link unless one already exists.
func (s *Service) ensureLink(ctx context.Context, emailID int64, shipment *domain.Shipment, docType domain.DocumentType, method domain.LinkMethod, isPrimary bool, key *string) (*domain.ShipmentDocumentLink, bool, error) {
	existing, err := s.links.GetByEmailAndShipment(ctx, emailID, shipment.ID)
	if err != nil {
		return nil, false, apperr.DatabaseError("link lookup", err).WithStage(string(domain.StageLinking))
	}
	if existing != nil {
		return existing, false, nil
	}

	shipmentID := shipment.ID
	now := time.Now()
	link := &domain.ShipmentDocumentLink{
		ShipmentID:             &shipmentID,
		EmailID:                emailID,
		DocumentType:           docType,
		IsPrimary:              isPrimary,
		LinkMethod:             method,
		LinkConfidence:         method.Confidence(),
		BookingNumberExtracted: key,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.links.Create(ctx, link); err != nil {
		return nil, false, apperr.LinkConflict(emailID, err).WithStage(string(domain.StageLinking))
	}
	return link, true, nil
}

// ensureOrphan creates the parked link unless the email already holds one.
// Orphans carry the backfill method; promotion attaches the shipment later
// without rewriting the row.
func (s *Service) ensureOrphan(ctx context.Context, emailID int64, docType domain.DocumentType, key *string) (*domain.ShipmentDocumentLink, bool, error) {
	existing, err := s.links.ListByEmail(ctx, emailID)
	if err != nil {
		return nil, false, apperr.DatabaseError("orphan lookup", err).WithStage(string(domain.StageLinking))
	}
	for _, l := range existing {
		if l.IsOrphan() {
			return l, false, nil
		}
	}

	now := time.Now()
	link := &domain.ShipmentDocumentLink{
		EmailID:                emailID,
		DocumentType:           docType,
		LinkMethod:             domain.LinkMethodBackfill,
		LinkConfidence:         domain.LinkMethodBackfill.Confidence(),
		BookingNumberExtracted: key,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.links.Create(ctx, link); err != nil {
		return nil, false, apperr.LinkConflict(emailID, err).WithStage(string(domain.StageLinking))
	}
	return link, true, nil
}

// =============================================================================
// Cross-link hygiene
// =============================================================================

// DedupeEmailLinks enforces one shipment per email. The surviving link is
// picked by: shipment created from this email, then booking number present
// in the email subject, then highest link confidence, then earliest created.
func (s *Service) DedupeEmailLinks(ctx context.Context, emailID int64) (int, error) {
	all, err := s.links.ListByEmail(ctx, emailID)
	if err != nil {
		return 0, apperr.DatabaseError("list links", err).WithStage(string(domain.StageLinking))
	}

	var linked []*domain.ShipmentDocumentLink
	for _, l := range all {
		if !l.IsOrphan() {
			linked = append(linked, l)
		}
	}
	if len(linked) <= 1 {
		return 0, nil
	}

	winner := s.pickWinner(ctx, emailID, linked)
	removed := 0
	for _, l := range linked {
		if l.ID == winner.ID {
			continue
		}
		if err := s.links.Delete(ctx, l.ID); err != nil {
			s.log.WithEmail(emailID).WithField("link_id", l.ID).WithError(err).Warn("dedupe delete failed")
			continue
		}
		removed++
	}
	if removed > 0 {
		s.log.WithEmail(emailID).WithFields(map[string]any{
			"kept_link_id": winner.ID,
			"removed":      removed,
		}).Info("duplicate links removed")
	}
	return removed, nil
}

// pickWinner applies the tie-break ladder, narrowing the candidate set one
// criterion at a time.
func (s *Service) pickWinner(ctx context.Context, emailID int64, candidates []*domain.ShipmentDocumentLink) *domain.ShipmentDocumentLink {
	shipmentsByLink := make(map[int64]*domain.Shipment, len(candidates))
	for _, l := range candidates {
		if l.ShipmentID == nil {
			continue
		}
		shipment, err := s.shipments.GetByID(ctx, *l.ShipmentID)
		if err != nil {
			s.log.WithEmail(emailID).WithField("shipment_id", *l.ShipmentID).WithError(err).Warn("dedupe shipment load failed")
			continue
		}
		shipmentsByLink[l.ID] = shipment
	}

	// (a) the shipment this email created
	narrowed := filterLinks(candidates, func(l *domain.ShipmentDocumentLink) bool {
		sh := shipmentsByLink[l.ID]
		return sh != nil && sh.CreatedFromEmailID != nil && *sh.CreatedFromEmailID == emailID
	})
	if len(narrowed) == 1 {
		return narrowed[0]
	}
	candidates = coalesce(narrowed, candidates)

	// (b) booking number present in the email subject
	if email, err := s.emails.GetByID(ctx, emailID); err == nil && email != nil {
		subject := domain.NormalizeIdentifier(email.Subject)
		narrowed = filterLinks(candidates, func(l *domain.ShipmentDocumentLink) bool {
			sh := shipmentsByLink[l.ID]
			return sh != nil && sh.BookingNumber != "" &&
				strings.Contains(subject, domain.NormalizeIdentifier(sh.BookingNumber))
		})
		if len(narrowed) == 1 {
			return narrowed[0]
		}
		candidates = coalesce(narrowed, candidates)
	}

	// (c) highest link confidence
	best := candidates[0].LinkConfidence
	for _, l := range candidates[1:] {
		if l.LinkConfidence > best {
			best = l.LinkConfidence
		}
	}
	narrowed = filterLinks(candidates, func(l *domain.ShipmentDocumentLink) bool {
		return l.LinkConfidence == best
	})
	candidates = coalesce(narrowed, candidates)

	// (d) earliest created
	winner := candidates[0]
	for _, l := range candidates[1:] {
		if l.CreatedAt.Before(winner.CreatedAt) {
			winner = l
		}
	}
	return winner
}

func filterLinks(links []*domain.ShipmentDocumentLink, keep func(*domain.ShipmentDocumentLink) bool) []*domain.ShipmentDocumentLink {
	var out []*domain.ShipmentDocumentLink
	for _, l := range links {
		if keep(l) {
			out = append(out, l)
		}
	}
	return out
}

func coalesce(narrowed, fallback []*domain.ShipmentDocumentLink) []*domain.ShipmentDocumentLink {
	if len(narrowed) > 0 {
		return narrowed
	}
	return fallback
}
