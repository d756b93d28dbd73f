// Package pipeline sequences one email through the processing stages:
// flagging, classification, extraction, linking or shipment
// materialization, workflow advancement, and the insight and action
// follow-ups. One call owns one email end to end; stages run in order over
// shared run state, and concurrency exists only across emails. Failures
// never escape the orchestrator: stage errors and residual panics are
// folded into the ProcessingResult with the last entered stage preserved.
package pipeline

import (
	"context"
	"strings"
	"time"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
	"shipment_worker/core/service/booking"
	"shipment_worker/core/service/classification"
	"shipment_worker/core/service/extraction"
	"shipment_worker/core/service/flagging"
	"shipment_worker/core/service/insight"
	"shipment_worker/core/service/linking"
	"shipment_worker/core/service/workflow"
	"shipment_worker/pkg/apperr"
	"shipment_worker/pkg/logger"
	"shipment_worker/pkg/metrics"
)

// Pacing and safety knobs. Deps overrides apply when positive.
const (
	DefaultEmailDeadline   = 60 * time.Second
	DefaultInterEmailDelay = 200 * time.Millisecond
	DefaultBatchLimit      = 50

	statusWriteTimeout = 5 * time.Second
	batchErrorCap      = 25
)

// Deps wires the orchestrator. DocTexts, Events, Graph, Insights, Actions,
// and Counters are optional: each missing dependency disables its follow-up
// and nothing else.
type Deps struct {
	Emails      out.EmailRepository
	Links       out.LinkRepository
	Extractions out.ExtractionRepository
	DocTexts    out.DocumentTextStore
	Events      out.EventProducer
	Graph       out.PartyGraph

	Flagging       *flagging.Service
	Classification *classification.Service
	Extraction     *extraction.Service
	Linking        *linking.Service
	Booking        *booking.Service
	Workflow       *workflow.Service
	Insights       *insight.Service
	Actions        *insight.ActionResolver

	Counters *metrics.PipelineCounters

	EmailDeadline   time.Duration
	InterEmailDelay time.Duration
}

// Service is the per-email orchestrator.
type Service struct {
	emails      out.EmailRepository
	links       out.LinkRepository
	extractions out.ExtractionRepository
	docTexts    out.DocumentTextStore
	events      out.EventProducer
	graph       out.PartyGraph

	flagging       *flagging.Service
	classification *classification.Service
	extraction     *extraction.Service
	linking        *linking.Service
	booking        *booking.Service
	workflow       *workflow.Service
	insights       *insight.Service
	actions        *insight.ActionResolver

	counters *metrics.PipelineCounters

	emailDeadline   time.Duration
	interEmailDelay time.Duration
	log             *logger.Logger
}

func NewService(deps Deps) *Service {
	deadline := deps.EmailDeadline
	if deadline <= 0 {
		deadline = DefaultEmailDeadline
	}
	delay := deps.InterEmailDelay
	if delay <= 0 {
		delay = DefaultInterEmailDelay
	}
	return &Service{
		emails:          deps.Emails,
		links:           deps.Links,
		extractions:     deps.Extractions,
		docTexts:        deps.DocTexts,
		events:          deps.Events,
		graph:           deps.Graph,
		flagging:        deps.Flagging,
		classification:  deps.Classification,
		extraction:      deps.Extraction,
		linking:         deps.Linking,
		booking:         deps.Booking,
		workflow:        deps.Workflow,
		insights:        deps.Insights,
		actions:         deps.Actions,
		counters:        deps.Counters,
		emailDeadline:   deadline,
		interEmailDelay: delay,
		log:             logger.WithField("component", "pipeline"),
	}
}

// =============================================================================
// Single email
// =============================================================================

// run carries one email's cross-stage state.
type run struct {
	email          *domain.RawEmail
	attachments    []*domain.RawAttachment
	flags          *domain.FlaggedEmail
	classification *domain.DocumentClassification
	data           *domain.ExtractedDocumentData
	attachmentText string
	carrierCode    string

	shipment        *domain.Shipment
	shipmentCreated bool
	link            *domain.ShipmentDocumentLink
}

// ProcessEmail runs the full stage sequence for one email under the
// per-email deadline. The returned result always reflects the outcome;
// errors and panics are folded in, never propagated.
func (s *Service) ProcessEmail(ctx context.Context, emailID int64) (result *domain.ProcessingResult) {
	started := time.Now()
	result = &domain.ProcessingResult{EmailID: emailID, Stage: domain.StageFlagging}
	r := &run{}

	defer func() {
		if recovered := recover(); recovered != nil {
			perr := apperr.FromPanic(recovered, string(result.Stage))
			s.log.WithEmail(emailID).WithField("stage", string(result.Stage)).Error("pipeline panic recovered: %v", recovered)
			result.Success = false
			result.Status = domain.ProcessingStatusFailed
			result.Error = perr.Message
			s.writeStatus(ctx, emailID, domain.ProcessingStatusFailed, perr)
		}
		result.Duration = time.Since(started)
		s.account(result)
	}()

	ctx, cancel := context.WithTimeout(ctx, s.emailDeadline)
	defer cancel()

	if err := s.load(ctx, r, emailID); err != nil {
		return s.fail(ctx, result, err)
	}

	if err := s.stageFlagging(ctx, r); err != nil {
		return s.fail(ctx, result, err)
	}
	s.resolveAttachmentText(ctx, r)

	result.Stage = domain.StageClassification
	if err := s.stageClassification(ctx, r); err != nil {
		return s.fail(ctx, result, err)
	}
	if r.classification.DocumentConfidence < domain.ConfidenceManualReview {
		return s.finishReview(ctx, result, r, domain.ProcessingStatusManualReview)
	}

	result.Stage = domain.StageExtraction
	if err := s.stageExtraction(ctx, r); err != nil {
		return s.fail(ctx, result, err)
	}
	result.FieldsExtracted = r.data.FieldCount()

	// Booking confirmations in the 50-69 band keep their extractions but
	// never materialize; a human promotes or dismisses them.
	if r.classification.DocumentType.CanCreateShipment() &&
		r.classification.DocumentConfidence < domain.ConfidenceShipmentCreate {
		return s.finishReview(ctx, result, r, domain.ProcessingStatusNeedsReview)
	}

	result.Stage = domain.StageShipment
	if err := s.stageShipment(ctx, r); err != nil {
		return s.fail(ctx, result, err)
	}
	if r.shipment != nil {
		id := r.shipment.ID
		result.ShipmentID = &id
	}

	result.Stage = domain.StageWorkflow
	s.stageWorkflow(ctx, r)

	result.Stage = domain.StageInsights
	s.stageFollowUps(ctx, r)

	s.writeStatus(ctx, emailID, domain.ProcessingStatusProcessed, nil)
	result.Success = true
	result.Status = domain.ProcessingStatusProcessed
	s.publishProcessed(ctx, r, result)
	s.log.WithEmail(emailID).WithDuration(time.Since(started)).WithFields(map[string]any{
		"document_type":    string(r.classification.DocumentType),
		"fields_extracted": result.FieldsExtracted,
		"shipment_id":      result.ShipmentID,
	}).Info("email processed")
	return result
}

// load reads the email and its attachments once; every later stage works
// off this snapshot.
func (s *Service) load(ctx context.Context, r *run, emailID int64) error {
	email, err := s.emails.GetByID(ctx, emailID)
	if err != nil {
		return err
	}
	atts, err := s.emails.GetAttachments(ctx, emailID)
	if err != nil {
		return apperr.DatabaseError("load attachments", err).WithStage(string(domain.StageFlagging))
	}
	r.email = email
	r.attachments = atts
	return nil
}

// =============================================================================
// Stages
// =============================================================================

// stageFlagging computes and persists the flag overlay. A row flagged by an
// earlier run is not recomputed; the overlay rebuilds from the stored
// columns so thread positions recorded back then stay put.
func (s *Service) stageFlagging(ctx context.Context, r *run) error {
	defer track(domain.StageFlagging)()

	if r.email.FlaggedAt != nil {
		r.flags = flagsFromRow(r.email)
		return nil
	}
	flags, _, err := s.flagging.Run(ctx, r.email, r.attachments)
	if err != nil {
		return err
	}
	r.flags = flags
	return nil
}

// resolveAttachmentText assembles the text layer of the business
// attachments, pulling rows whose inline text is missing from the document
// text store. Resolution is best-effort: an unreachable store leaves the
// text absent, which the downstream stages tolerate.
func (s *Service) resolveAttachmentText(ctx context.Context, r *run) {
	if s.docTexts != nil {
		var missing []int64
		for _, att := range r.attachments {
			if att.IsBusinessDocument && att.ExtractedText == nil && att.StorageRef != nil {
				missing = append(missing, att.ID)
			}
		}
		if len(missing) > 0 {
			texts, err := s.docTexts.GetTexts(ctx, missing)
			if err != nil {
				s.log.WithEmail(r.email.ID).WithError(err).Warn("document text store unavailable")
			} else {
				for _, att := range r.attachments {
					if text, ok := texts[att.ID]; ok && text != "" {
						t := text
						att.ExtractedText = &t
					}
				}
			}
		}
	}

	var b strings.Builder
	for _, att := range r.attachments {
		if !att.IsBusinessDocument {
			continue
		}
		if text := att.Text(); text != "" {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(text)
		}
	}
	r.attachmentText = b.String()
}

func (s *Service) stageClassification(ctx context.Context, r *run) error {
	defer track(domain.StageClassification)()

	in := &classification.Input{
		Email:          r.email,
		Flags:          r.flags,
		Attachments:    r.attachments,
		AttachmentText: r.attachmentText,
	}
	cls, err := s.classification.ClassifyAndStore(ctx, in)
	if err != nil {
		return err
	}
	r.classification = cls
	r.carrierCode = in.CarrierCode
	return nil
}

func (s *Service) stageExtraction(ctx context.Context, r *run) error {
	defer track(domain.StageExtraction)()

	data, err := s.extraction.ExtractAndStore(ctx, &extraction.Input{
		Email:          r.email,
		Flags:          r.flags,
		AttachmentText: r.attachmentText,
		CarrierCode:    r.carrierCode,
		DocumentType:   r.classification.DocumentType,
	})
	if err != nil {
		return err
	}
	r.data = data
	return nil
}

// stageShipment routes the classified document: booking confirmations
// materialize or upsert a shipment, amendments and cancellations fold into
// the shipment their identifiers resolve to, and everything else links or
// parks as an orphan. The hygiene sweep and party snapshot update close
// the stage.
func (s *Service) stageShipment(ctx context.Context, r *run) error {
	defer track(domain.StageShipment)()
	docType := r.classification.DocumentType

	if docType.CanCreateShipment() {
		if err := s.materialize(ctx, r); err != nil {
			return err
		}
	} else {
		if err := s.linkDocument(ctx, r); err != nil {
			return err
		}
		switch docType {
		case domain.DocTypeBookingAmendment:
			if err := s.amend(ctx, r); err != nil {
				return err
			}
		case domain.DocTypeBookingCancellation:
			if err := s.cancelBooking(ctx, r); err != nil {
				return err
			}
		}
	}

	// One link per email; duplicate rows lose to the stronger claim.
	if _, err := s.linking.DedupeEmailLinks(ctx, r.email.ID); err != nil {
		s.log.WithEmail(r.email.ID).WithError(err).Warn("link dedupe failed")
	}

	if r.shipment != nil && docType.UpdatesParties() {
		if _, err := s.booking.UpdateParties(ctx, r.shipment, r.email, docType, r.data); err != nil {
			s.log.WithEmail(r.email.ID).WithField("shipment_id", r.shipment.ID).WithError(err).Warn("party update failed")
		}
	}
	return nil
}

// materialize creates or upserts the shipment for a booking confirmation.
// Gate rejections (outbound, unattested sender, missing booking number) are
// not failures; the email falls back to plain linking so it still reaches
// whatever shipment it references.
func (s *Service) materialize(ctx context.Context, r *run) error {
	shipment, created, err := s.booking.CreateFromConfirmation(ctx, r.email, r.classification, r.data)
	if err != nil {
		if apperr.IsKind(err, apperr.KindValidationFailure) || apperr.IsKind(err, apperr.KindLowConfidence) {
			s.log.WithEmail(r.email.ID).WithError(err).Info("creation gate closed, linking instead")
			return s.linkDocument(ctx, r)
		}
		return err
	}
	r.shipment = shipment
	r.shipmentCreated = created

	link, err := s.linking.LinkCreation(ctx, r.email.ID, shipment, r.classification.DocumentType, r.data)
	if err != nil {
		return err
	}
	r.link = link

	if created {
		if s.counters != nil {
			s.counters.IncShipmentsCreated()
		}
		s.publish(ctx, domain.NewPipelineEvent(domain.EventShipmentCreated).
			WithEmail(r.email.ID).
			WithShipment(shipment.ID, shipment.BookingNumber))
		return nil
	}
	if s.counters != nil {
		s.counters.IncShipmentsUpdated()
	}
	s.publish(ctx, domain.NewPipelineEvent(domain.EventShipmentUpdated).
		WithEmail(r.email.ID).
		WithShipment(shipment.ID, shipment.BookingNumber).
		WithPayload("reason", "confirmation_reapplied"))
	return nil
}

// linkDocument attaches the email to whatever shipment its identifiers
// resolve to, or parks it as an orphan under the strongest identifier.
func (s *Service) linkDocument(ctx context.Context, r *run) error {
	outcome, err := s.linking.LinkDocument(ctx, r.email, r.classification.DocumentType, r.data)
	if err != nil {
		return err
	}
	r.link = outcome.Link
	r.shipment = outcome.Shipment
	if s.counters != nil && outcome.Created {
		s.counters.IncLinksCreated()
		if outcome.Link != nil && outcome.Link.IsOrphan() {
			s.counters.IncOrphansStored()
		}
	}
	return nil
}

// amend folds the extracted fields into the resolved shipment. An
// amendment that resolved to nothing stays an orphan link until backfill
// finds its shipment.
func (s *Service) amend(ctx context.Context, r *run) error {
	if r.shipment == nil {
		return nil
	}
	fresh, rev, err := s.booking.ApplyAmendment(ctx, r.shipment, r.email, r.data)
	if err != nil {
		return err
	}
	r.shipment = fresh
	if rev == nil {
		return nil
	}
	if s.counters != nil {
		s.counters.IncShipmentsUpdated()
	}
	s.publish(ctx, domain.NewPipelineEvent(domain.EventShipmentUpdated).
		WithEmail(r.email.ID).
		WithShipment(fresh.ID, fresh.BookingNumber).
		WithPayload("revision", rev.RevisionNumber))
	return nil
}

func (s *Service) cancelBooking(ctx context.Context, r *run) error {
	if r.shipment == nil {
		return nil
	}
	if err := s.booking.Cancel(ctx, r.shipment, r.email); err != nil {
		return err
	}
	if s.counters != nil {
		s.counters.IncShipmentsUpdated()
	}
	s.publish(ctx, domain.NewPipelineEvent(domain.EventShipmentUpdated).
		WithEmail(r.email.ID).
		WithShipment(r.shipment.ID, r.shipment.BookingNumber).
		WithPayload("reason", "cancelled"))
	return nil
}

// stageWorkflow advances the DAG from the classified document. Transition
// failures never fail the email: the shipment and its links are already
// durable, and the next document retries the move.
func (s *Service) stageWorkflow(ctx context.Context, r *run) {
	defer track(domain.StageWorkflow)()

	if r.shipment == nil {
		return
	}
	entered, err := s.workflow.AutoTransitionFromDocument(ctx, r.shipment, r.classification, r.email.ID)
	if err != nil {
		s.log.WithEmail(r.email.ID).WithField("shipment_id", r.shipment.ID).WithError(err).Warn("workflow transition failed")
		return
	}
	if entered == "" {
		return
	}
	s.publish(ctx, domain.NewPipelineEvent(domain.EventWorkflowTransitioned).
		WithEmail(r.email.ID).
		WithShipment(r.shipment.ID, r.shipment.BookingNumber).
		WithPayload("state", entered))
}

// stageFollowUps runs the best-effort tail: orphan backfill for new
// shipments, insight refresh, the action verdict, and the party graph
// mirror. None of these may fail the email.
func (s *Service) stageFollowUps(ctx context.Context, r *run) {
	defer track(domain.StageInsights)()

	if r.shipment != nil && r.shipmentCreated {
		if n, err := s.linking.LinkRelatedEmails(ctx, r.shipment); err != nil {
			s.log.WithEmail(r.email.ID).WithField("shipment_id", r.shipment.ID).WithError(err).Warn("related email backfill failed")
		} else if n > 0 {
			s.log.WithEmail(r.email.ID).WithField("shipment_id", r.shipment.ID).Debug("backfill linked %d related emails", n)
			s.backfillParties(ctx, r)
		}
	}

	if r.shipment != nil && s.insights != nil {
		if _, err := s.insights.GenerateForShipment(ctx, r.shipment, false); err != nil {
			s.log.WithEmail(r.email.ID).WithField("shipment_id", r.shipment.ID).WithError(err).Warn("insight refresh failed")
		}
	}

	if s.actions != nil && r.flags != nil && r.flags.Direction == domain.DirectionInbound {
		verdict := s.actions.Determine(ctx, r.email, r.classification)
		s.log.WithEmail(r.email.ID).WithFields(map[string]any{
			"has_action": verdict.HasAction,
			"confidence": verdict.Confidence,
			"source":     string(verdict.Source),
		}).Info("action determined")
	}

	if s.graph != nil && r.shipment != nil && (r.shipmentCreated || r.classification.DocumentType.UpdatesParties()) {
		if err := s.graph.RecordShipmentParties(ctx, r.shipment); err != nil {
			s.log.WithEmail(r.email.ID).WithField("shipment_id", r.shipment.ID).WithError(err).Warn("party graph record failed")
		}
	}
}

// partyEntityTypes are the stored extraction rows the party backfill reads.
var partyEntityTypes = []domain.EntityType{
	domain.EntityShipperName, domain.EntityShipperAddress,
	domain.EntityConsigneeName, domain.EntityConsigneeAddress,
	domain.EntityNotifyPartyName, domain.EntityNotifyPartyAddress,
}

// backfillParties re-applies party snapshots from the HBL and SI documents
// the backfill just attached. The creating confirmation rarely carries
// party blocks; an earlier house bill parked as an orphan usually does.
func (s *Service) backfillParties(ctx context.Context, r *run) {
	if s.links == nil || s.extractions == nil {
		return
	}
	links, err := s.links.ListByShipment(ctx, r.shipment.ID)
	if err != nil {
		s.log.WithField("shipment_id", r.shipment.ID).WithError(err).Warn("party backfill listing failed")
		return
	}
	for _, link := range links {
		if link.EmailID == r.email.ID || !link.DocumentType.UpdatesParties() {
			continue
		}
		data := s.partiesFromStore(ctx, link.EmailID)
		if data == nil {
			continue
		}
		email, err := s.emails.GetByID(ctx, link.EmailID)
		if err != nil {
			s.log.WithEmail(link.EmailID).WithError(err).Warn("party backfill email load failed")
			continue
		}
		if _, err := s.booking.UpdateParties(ctx, r.shipment, email, link.DocumentType, data); err != nil {
			s.log.WithEmail(link.EmailID).WithField("shipment_id", r.shipment.ID).WithError(err).Warn("party backfill failed")
		}
	}
}

// partiesFromStore rebuilds the party blocks from the email's stored
// extraction rows. Nil when the email carried none.
func (s *Service) partiesFromStore(ctx context.Context, emailID int64) *domain.ExtractedDocumentData {
	entities, err := s.extractions.ListByEmailAndTypes(ctx, emailID, partyEntityTypes)
	if err != nil || len(entities) == 0 {
		return nil
	}
	var shipper, consignee, notify domain.Party
	for _, e := range entities {
		v := e.Value
		switch e.EntityType {
		case domain.EntityShipperName:
			shipper.Name = v
		case domain.EntityShipperAddress:
			shipper.Address = &v
		case domain.EntityConsigneeName:
			consignee.Name = v
		case domain.EntityConsigneeAddress:
			consignee.Address = &v
		case domain.EntityNotifyPartyName:
			notify.Name = v
		case domain.EntityNotifyPartyAddress:
			notify.Address = &v
		}
	}

	data := &domain.ExtractedDocumentData{}
	if shipper.Name != "" {
		data.Shipper = &shipper
	}
	if consignee.Name != "" {
		data.Consignee = &consignee
	}
	if notify.Name != "" {
		data.NotifyParty = &notify
	}
	if data.Shipper == nil && data.Consignee == nil && data.NotifyParty == nil {
		return nil
	}
	return data
}

// =============================================================================
// Outcomes
// =============================================================================

// finishReview parks the email in a review status. Review outcomes are
// successful runs: the pipeline did its job, a human owns the next move.
func (s *Service) finishReview(ctx context.Context, result *domain.ProcessingResult, r *run, status domain.ProcessingStatus) *domain.ProcessingResult {
	s.writeStatus(ctx, r.email.ID, status, nil)
	result.Success = true
	result.Status = status
	s.log.WithEmail(r.email.ID).WithFields(map[string]any{
		"document_type": string(r.classification.DocumentType),
		"confidence":    r.classification.DocumentConfidence,
		"status":        string(status),
	}).Info("email routed to review")
	s.publishProcessed(ctx, r, result)
	return result
}

// fail folds a stage error into the result. Retryable failures park the
// email back at pending so the next sweep picks it up; everything else
// lands in failed with the reason persisted.
func (s *Service) fail(ctx context.Context, result *domain.ProcessingResult, err error) *domain.ProcessingResult {
	status := domain.ProcessingStatusFailed
	if apperr.IsRetryable(err) {
		status = domain.ProcessingStatusPending
	}
	s.writeStatus(ctx, result.EmailID, status, err)
	result.Success = false
	result.Status = status
	result.Error = err.Error()
	s.log.WithEmail(result.EmailID).WithField("stage", string(result.Stage)).WithError(err).Error("email processing failed")
	return result
}

// writeStatus persists the processing status. The write runs on its own
// timeout so a deadline that killed the run cannot also strand the row in
// a stale status.
func (s *Service) writeStatus(ctx context.Context, emailID int64, status domain.ProcessingStatus, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()

	var msg *string
	if cause != nil {
		m := cause.Error()
		msg = &m
	}
	if err := s.emails.UpdateProcessingStatus(ctx, emailID, status, msg); err != nil {
		s.log.WithEmail(emailID).WithError(err).Error("status write failed")
	}
}

// publishProcessed emits the terminal per-email event. Fire and forget.
func (s *Service) publishProcessed(ctx context.Context, r *run, result *domain.ProcessingResult) {
	event := domain.NewPipelineEvent(domain.EventEmailProcessed).
		WithEmail(result.EmailID).
		WithPayload("status", string(result.Status)).
		WithPayload("stage", string(result.Stage))
	if r.classification != nil {
		event = event.WithPayload("document_type", string(r.classification.DocumentType))
	}
	if r.shipment != nil {
		event = event.WithShipment(r.shipment.ID, r.shipment.BookingNumber)
	}
	s.publish(ctx, event)
}

func (s *Service) publish(ctx context.Context, event *domain.PipelineEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.WithError(err).Debug("event publish failed")
	}
}

// account rolls the run into the outcome counters and the latency window.
func (s *Service) account(result *domain.ProcessingResult) {
	metrics.RecordStage("pipeline", result.Duration)
	if s.counters == nil {
		return
	}
	switch result.Status {
	case domain.ProcessingStatusProcessed:
		s.counters.IncProcessed()
	case domain.ProcessingStatusManualReview:
		s.counters.IncManualReview()
	case domain.ProcessingStatusNeedsReview:
		s.counters.IncNeedsReview()
	case domain.ProcessingStatusFailed:
		s.counters.IncFailed()
	}
}

// =============================================================================
// Helpers
// =============================================================================

// flagsFromRow rebuilds the flagging overlay from a previously flagged row.
func flagsFromRow(email *domain.RawEmail) *domain.FlaggedEmail {
	return &domain.FlaggedEmail{
		Email:             email,
		IsResponse:        email.IsResponse,
		CleanSubject:      email.CleanSubject,
		Direction:         email.Direction,
		TrueSenderEmail:   email.TrueSenderEmail,
		ThreadPosition:    email.ThreadPosition,
		RespondsToEmailID: email.RespondsToEmailID,
		ContentHash:       email.ContentHash,
	}
}

// track records the stage's wall time in the global latency registry.
func track(stage domain.PipelineStage) func() {
	started := time.Now()
	return func() { metrics.RecordStage(string(stage), time.Since(started)) }
}
