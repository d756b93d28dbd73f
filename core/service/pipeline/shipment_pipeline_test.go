package pipeline

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"shipment_worker/core/domain"
	"shipment_worker/core/service/booking"
	"shipment_worker/core/service/classification"
	"shipment_worker/core/service/extraction"
	"shipment_worker/core/service/flagging"
	"shipment_worker/core/service/linking"
	"shipment_worker/core/service/workflow"
	"shipment_worker/pkg/apperr"
	"shipment_worker/pkg/metrics"
)

// =============================================================================
// Fakes
// =============================================================================

type statusWrite struct {
	status domain.ProcessingStatus
	cause  *string
}

type fakeMailStore struct {
	emails      map[int64]*domain.RawEmail
	attachments map[int64][]*domain.RawAttachment
	statusLog   map[int64][]statusWrite
	flagWrites  int

	needing   []int64
	listLimit int
	listErr   error
}

func newFakeMailStore() *fakeMailStore {
	return &fakeMailStore{
		emails:      make(map[int64]*domain.RawEmail),
		attachments: make(map[int64][]*domain.RawAttachment),
		statusLog:   make(map[int64][]statusWrite),
	}
}

// add seeds an email row the way the ingest process would leave it:
// pending, unflagged, received at a deterministic offset.
func (f *fakeMailStore) add(email *domain.RawEmail, atts ...*domain.RawAttachment) *domain.RawEmail {
	if email.ProcessingStatus == "" {
		email.ProcessingStatus = domain.ProcessingStatusPending
	}
	if email.ReceivedAt.IsZero() {
		email.ReceivedAt = time.Date(2025, 12, 20, 8, 0, 0, 0, time.UTC).Add(time.Duration(email.ID) * time.Minute)
	}
	email.HasAttachments = len(atts) > 0
	f.emails[email.ID] = email
	for _, att := range atts {
		att.EmailID = email.ID
		f.attachments[email.ID] = append(f.attachments[email.ID], att)
	}
	return email
}

func (f *fakeMailStore) GetByID(ctx context.Context, id int64) (*domain.RawEmail, error) {
	email, ok := f.emails[id]
	if !ok {
		return nil, apperr.ErrEmailNotFound
	}
	return email, nil
}

func (f *fakeMailStore) GetAttachments(ctx context.Context, emailID int64) ([]*domain.RawAttachment, error) {
	return f.attachments[emailID], nil
}

func (f *fakeMailStore) ListByThread(ctx context.Context, threadID string) ([]*domain.RawEmail, error) {
	var out []*domain.RawEmail
	for _, e := range f.emails {
		if e.ThreadID == threadID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (f *fakeMailStore) CountPriorInThread(ctx context.Context, threadID string, before time.Time) (int, error) {
	n := 0
	for _, e := range f.emails {
		if e.ThreadID == threadID && e.ReceivedAt.Before(before) {
			n++
		}
	}
	return n, nil
}

func (f *fakeMailStore) FirstNonResponseInThread(ctx context.Context, threadID string) (*domain.RawEmail, error) {
	all, _ := f.ListByThread(ctx, threadID)
	for _, e := range all {
		if !e.IsResponse {
			return e, nil
		}
	}
	return nil, nil
}

// ListNeedingProcessing mirrors the store query: pending and classified
// rows, oldest received first. An explicit needing slice overrides the
// status scan for tests that only care about the plumbing.
func (f *fakeMailStore) ListNeedingProcessing(ctx context.Context, limit int) ([]int64, error) {
	f.listLimit = limit
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.needing != nil {
		return f.needing, nil
	}

	var ids []int64
	for id, e := range f.emails {
		if e.ProcessingStatus == domain.ProcessingStatusPending ||
			e.ProcessingStatus == domain.ProcessingStatusClassified {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := f.emails[ids[i]], f.emails[ids[j]]
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		return a.ID < b.ID
	})
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (f *fakeMailStore) List(ctx context.Context, filter *domain.EmailFilter) ([]*domain.RawEmail, error) {
	return nil, nil
}

func (f *fakeMailStore) UpdateFlags(ctx context.Context, email *domain.RawEmail) error {
	f.flagWrites++
	f.emails[email.ID] = email
	return nil
}

func (f *fakeMailStore) SetBusinessAttachmentCount(ctx context.Context, emailID int64, count int) error {
	if e, ok := f.emails[emailID]; ok {
		e.BusinessAttachmentCount = count
	}
	return nil
}

func (f *fakeMailStore) UpdateProcessingStatus(ctx context.Context, emailID int64, status domain.ProcessingStatus, procErr *string) error {
	f.statusLog[emailID] = append(f.statusLog[emailID], statusWrite{status: status, cause: procErr})
	if e, ok := f.emails[emailID]; ok {
		e.ProcessingStatus = status
		e.ProcessingError = procErr
	}
	return nil
}

func (f *fakeMailStore) lastStatus(emailID int64) domain.ProcessingStatus {
	writes := f.statusLog[emailID]
	if len(writes) == 0 {
		return ""
	}
	return writes[len(writes)-1].status
}

// fakeAttachmentStore satisfies the attachment write-back port. Flagging
// mutates the rows held by the mail store in place, so the write-back
// itself has nothing to record.
type fakeAttachmentStore struct{}

func (f *fakeAttachmentStore) GetByID(ctx context.Context, id int64) (*domain.RawAttachment, error) {
	return nil, nil
}

func (f *fakeAttachmentStore) UpdateFlags(ctx context.Context, att *domain.RawAttachment) error {
	return nil
}

func (f *fakeAttachmentStore) UpdateFlagsBatch(ctx context.Context, atts []*domain.RawAttachment) error {
	return nil
}

type fakeClassificationStore struct {
	rows          map[int64]*domain.DocumentClassification
	panicOnUpsert bool
}

func (f *fakeClassificationStore) GetByEmailID(ctx context.Context, emailID int64) (*domain.DocumentClassification, error) {
	return f.rows[emailID], nil
}

func (f *fakeClassificationStore) Upsert(ctx context.Context, classification *domain.DocumentClassification) error {
	if f.panicOnUpsert {
		panic("upsert on closed pool")
	}
	f.rows[classification.EmailID] = classification
	return nil
}

func (f *fakeClassificationStore) GetThreadAuthority(ctx context.Context, threadID string) (*domain.DocumentClassification, error) {
	return nil, nil
}

type fakeExtractionStore struct {
	rows       map[int64][]*domain.ExtractedEntity
	replaceErr error
}

func (f *fakeExtractionStore) ReplaceEntities(ctx context.Context, emailID int64, entities []*domain.ExtractedEntity) error {
	if f.replaceErr != nil {
		return f.replaceErr
	}
	incoming := make(map[domain.EntityType]bool, len(entities))
	for _, e := range entities {
		incoming[e.EntityType] = true
	}
	var kept []*domain.ExtractedEntity
	for _, e := range f.rows[emailID] {
		if !incoming[e.EntityType] {
			kept = append(kept, e)
		}
	}
	f.rows[emailID] = append(kept, entities...)
	return nil
}

func (f *fakeExtractionStore) ListByEmail(ctx context.Context, emailID int64) ([]*domain.ExtractedEntity, error) {
	return f.rows[emailID], nil
}

func (f *fakeExtractionStore) ListByEmailAndTypes(ctx context.Context, emailID int64, types []domain.EntityType) ([]*domain.ExtractedEntity, error) {
	want := make(map[domain.EntityType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []*domain.ExtractedEntity
	for _, e := range f.rows[emailID] {
		if want[e.EntityType] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeExtractionStore) FindEmailIDsByValues(ctx context.Context, types []domain.EntityType, values []string) ([]int64, error) {
	wantType := make(map[domain.EntityType]bool, len(types))
	for _, t := range types {
		wantType[t] = true
	}
	wantValue := make(map[string]bool, len(values))
	for _, v := range values {
		wantValue[v] = true
	}
	seen := make(map[int64]bool)
	for emailID, rows := range f.rows {
		for _, e := range rows {
			if wantType[e.EntityType] && wantValue[e.Value] {
				seen[emailID] = true
				break
			}
		}
	}
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

type fakeShipmentStore struct {
	nextID    int64
	rows      map[int64]*domain.Shipment
	revisions map[int64][]*domain.ShipmentRevision
}

func newFakeShipmentStore() *fakeShipmentStore {
	return &fakeShipmentStore{
		rows:      make(map[int64]*domain.Shipment),
		revisions: make(map[int64][]*domain.ShipmentRevision),
	}
}

// seed inserts a pre-existing shipment row, bypassing the unique check.
func (f *fakeShipmentStore) seed(sh *domain.Shipment) *domain.Shipment {
	f.nextID++
	sh.ID = f.nextID
	if sh.Status == "" {
		sh.Status = domain.ShipmentStatusBooked
	}
	f.rows[sh.ID] = sh
	return sh
}

func (f *fakeShipmentStore) Create(ctx context.Context, shipment *domain.Shipment) error {
	for _, existing := range f.rows {
		if existing.BookingNumber == shipment.BookingNumber {
			return apperr.BookingConflict(shipment.BookingNumber, nil)
		}
	}
	f.nextID++
	shipment.ID = f.nextID
	f.rows[shipment.ID] = shipment
	return nil
}

func (f *fakeShipmentStore) Update(ctx context.Context, shipment *domain.Shipment) error {
	f.rows[shipment.ID] = shipment
	return nil
}

func (f *fakeShipmentStore) GetByID(ctx context.Context, id int64) (*domain.Shipment, error) {
	sh, ok := f.rows[id]
	if !ok {
		return nil, apperr.ErrShipmentNotFound
	}
	return sh, nil
}

func (f *fakeShipmentStore) GetByBookingNumber(ctx context.Context, bookingNumber string) (*domain.Shipment, error) {
	for _, sh := range f.rows {
		if sh.BookingNumber == bookingNumber {
			return sh, nil
		}
	}
	return nil, nil
}

func (f *fakeShipmentStore) GetByMBLNumber(ctx context.Context, mblNumber string) (*domain.Shipment, error) {
	for _, sh := range f.rows {
		if sh.MBLNumber != nil && *sh.MBLNumber == mblNumber {
			return sh, nil
		}
	}
	return nil, nil
}

func (f *fakeShipmentStore) GetByHBLNumber(ctx context.Context, hblNumber string) (*domain.Shipment, error) {
	for _, sh := range f.rows {
		if sh.HBLNumber != nil && *sh.HBLNumber == hblNumber {
			return sh, nil
		}
	}
	return nil, nil
}

func (f *fakeShipmentStore) GetByContainerPrimary(ctx context.Context, containerNumber string) (*domain.Shipment, error) {
	for _, sh := range f.rows {
		if sh.ContainerNumberPrimary != nil && *sh.ContainerNumberPrimary == containerNumber {
			return sh, nil
		}
	}
	return nil, nil
}

func (f *fakeShipmentStore) GetByContainerMember(ctx context.Context, containerNumber string) (*domain.Shipment, error) {
	for _, sh := range f.rows {
		if sh.HasContainer(containerNumber) {
			return sh, nil
		}
	}
	return nil, nil
}

func (f *fakeShipmentStore) List(ctx context.Context, filter *domain.ShipmentFilter) ([]*domain.ShipmentListItem, error) {
	return nil, nil
}

func (f *fakeShipmentStore) CountActiveByParty(ctx context.Context, shipperName, consigneeName *string) (int, error) {
	return 0, nil
}

func (f *fakeShipmentStore) CountArrivalsBetween(ctx context.Context, from, to time.Time, excludeID int64) (int, error) {
	return 0, nil
}

func (f *fakeShipmentStore) SaveRevision(ctx context.Context, revision *domain.ShipmentRevision) error {
	f.revisions[revision.ShipmentID] = append(f.revisions[revision.ShipmentID], revision)
	return nil
}

func (f *fakeShipmentStore) ListRevisions(ctx context.Context, shipmentID int64) ([]*domain.ShipmentRevision, error) {
	return f.revisions[shipmentID], nil
}

func (f *fakeShipmentStore) CountRevisionsSince(ctx context.Context, shipmentID int64, since time.Time) (int, error) {
	n := 0
	for _, rev := range f.revisions[shipmentID] {
		if !rev.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (f *fakeShipmentStore) byBooking(bookingNumber string) *domain.Shipment {
	for _, sh := range f.rows {
		if sh.BookingNumber == bookingNumber {
			return sh
		}
	}
	return nil
}

type fakeLinkStore struct {
	nextID int64
	links  []*domain.ShipmentDocumentLink
}

// seed inserts a pre-existing link row.
func (f *fakeLinkStore) seed(link *domain.ShipmentDocumentLink) *domain.ShipmentDocumentLink {
	f.nextID++
	link.ID = f.nextID
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Date(2025, 12, 19, 9, 0, 0, 0, time.UTC).Add(time.Duration(link.ID) * time.Minute)
	}
	f.links = append(f.links, link)
	return link
}

func (f *fakeLinkStore) Create(ctx context.Context, link *domain.ShipmentDocumentLink) error {
	f.nextID++
	link.ID = f.nextID
	f.links = append(f.links, link)
	return nil
}

func (f *fakeLinkStore) GetByEmailAndShipment(ctx context.Context, emailID, shipmentID int64) (*domain.ShipmentDocumentLink, error) {
	for _, l := range f.links {
		if l.EmailID == emailID && l.ShipmentID != nil && *l.ShipmentID == shipmentID {
			return l, nil
		}
	}
	return nil, nil
}

func (f *fakeLinkStore) ListByEmail(ctx context.Context, emailID int64) ([]*domain.ShipmentDocumentLink, error) {
	var out []*domain.ShipmentDocumentLink
	for _, l := range f.links {
		if l.EmailID == emailID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeLinkStore) ListByShipment(ctx context.Context, shipmentID int64) ([]*domain.ShipmentDocumentLink, error) {
	var out []*domain.ShipmentDocumentLink
	for _, l := range f.links {
		if l.ShipmentID != nil && *l.ShipmentID == shipmentID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeLinkStore) ListOrphans(ctx context.Context, filter *domain.OrphanFilter) ([]*domain.ShipmentDocumentLink, error) {
	var out []*domain.ShipmentDocumentLink
	for _, l := range f.links {
		if !l.IsOrphan() {
			continue
		}
		if filter != nil && len(filter.BookingNumbers) > 0 {
			if l.BookingNumberExtracted == nil {
				continue
			}
			found := false
			for _, v := range filter.BookingNumbers {
				if v == *l.BookingNumberExtracted {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeLinkStore) PromoteOrphan(ctx context.Context, linkID, shipmentID int64, promotedAt time.Time) (bool, error) {
	for _, l := range f.links {
		if l.ID != linkID {
			continue
		}
		if l.ShipmentID != nil {
			return false, nil
		}
		l.ShipmentID = &shipmentID
		l.PromotedAt = &promotedAt
		return true, nil
	}
	return false, nil
}

func (f *fakeLinkStore) Delete(ctx context.Context, linkID int64) error {
	for i, l := range f.links {
		if l.ID == linkID {
			f.links = append(f.links[:i], f.links[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeLinkStore) ListEmailsWithMultipleLinks(ctx context.Context, shipmentID int64) ([]int64, error) {
	counts := make(map[int64]int)
	for _, l := range f.links {
		if !l.IsOrphan() {
			counts[l.EmailID]++
		}
	}
	var out []int64
	seen := make(map[int64]bool)
	for _, l := range f.links {
		if l.ShipmentID == nil || *l.ShipmentID != shipmentID {
			continue
		}
		if counts[l.EmailID] > 1 && !seen[l.EmailID] {
			seen[l.EmailID] = true
			out = append(out, l.EmailID)
		}
	}
	return out, nil
}

func (f *fakeLinkStore) byEmail(emailID int64) []*domain.ShipmentDocumentLink {
	out, _ := f.ListByEmail(context.Background(), emailID)
	return out
}

type fakeWorkflowStore struct {
	transitions []*domain.WorkflowTransition
}

func (f *fakeWorkflowStore) RecordTransition(ctx context.Context, transition *domain.WorkflowTransition, phase domain.WorkflowPhase, status domain.ShipmentStatus) error {
	transition.ID = int64(len(f.transitions) + 1)
	f.transitions = append(f.transitions, transition)
	return nil
}

func (f *fakeWorkflowStore) ListTransitions(ctx context.Context, shipmentID int64) ([]*domain.WorkflowTransition, error) {
	return f.byShipment(shipmentID), nil
}

func (f *fakeWorkflowStore) GetLatestTransition(ctx context.Context, shipmentID int64) (*domain.WorkflowTransition, error) {
	history := f.byShipment(shipmentID)
	if len(history) == 0 {
		return nil, nil
	}
	return history[len(history)-1], nil
}

func (f *fakeWorkflowStore) byShipment(shipmentID int64) []*domain.WorkflowTransition {
	var out []*domain.WorkflowTransition
	for _, tr := range f.transitions {
		if tr.ShipmentID == shipmentID {
			out = append(out, tr)
		}
	}
	return out
}

type fakeEventSink struct {
	events []*domain.PipelineEvent
}

func (f *fakeEventSink) Publish(ctx context.Context, event *domain.PipelineEvent) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeEventSink) Close() error { return nil }

func (f *fakeEventSink) count(t domain.EventType) int {
	n := 0
	for _, e := range f.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fakeTextStore struct {
	texts   map[int64]string
	batches int
}

func (f *fakeTextStore) SaveText(ctx context.Context, attachmentID int64, text string) error {
	f.texts[attachmentID] = text
	return nil
}

func (f *fakeTextStore) GetText(ctx context.Context, attachmentID int64) (string, error) {
	return f.texts[attachmentID], nil
}

func (f *fakeTextStore) GetTexts(ctx context.Context, attachmentIDs []int64) (map[int64]string, error) {
	f.batches++
	out := make(map[int64]string, len(attachmentIDs))
	for _, id := range attachmentIDs {
		if text, ok := f.texts[id]; ok {
			out[id] = text
		}
	}
	return out, nil
}

func (f *fakeTextStore) DeleteText(ctx context.Context, attachmentID int64) error {
	delete(f.texts, attachmentID)
	return nil
}

// =============================================================================
// Fixture
// =============================================================================

// pipelineFixture wires the orchestrator over real stage services and
// in-memory stores, so a test drives the same code path the worker does.
type pipelineFixture struct {
	mail     *fakeMailStore
	cls      *fakeClassificationStore
	ext      *fakeExtractionStore
	ships    *fakeShipmentStore
	links    *fakeLinkStore
	wf       *fakeWorkflowStore
	events   *fakeEventSink
	texts    *fakeTextStore
	counters *metrics.PipelineCounters
	svc      *Service
}

func newPipelineFixture() *pipelineFixture {
	return newPipelineFixtureWithDelay(time.Millisecond)
}

func newPipelineFixtureWithDelay(delay time.Duration) *pipelineFixture {
	fx := &pipelineFixture{
		mail:     newFakeMailStore(),
		cls:      &fakeClassificationStore{rows: make(map[int64]*domain.DocumentClassification)},
		ext:      &fakeExtractionStore{rows: make(map[int64][]*domain.ExtractedEntity)},
		ships:    newFakeShipmentStore(),
		links:    &fakeLinkStore{},
		wf:       &fakeWorkflowStore{},
		events:   &fakeEventSink{},
		texts:    &fakeTextStore{texts: make(map[int64]string)},
		counters: &metrics.PipelineCounters{},
	}

	ownDomains := []string{"intoglo.com"}
	fx.svc = NewService(Deps{
		Emails:      fx.mail,
		Links:       fx.links,
		Extractions: fx.ext,
		DocTexts:    fx.texts,
		Events:      fx.events,
		Flagging: flagging.NewService(flagging.Deps{
			Emails:      fx.mail,
			Attachments: &fakeAttachmentStore{},
			OwnDomains:  ownDomains,
		}),
		Classification: classification.NewService(classification.Deps{
			Classifications: fx.cls,
			OwnDomains:      ownDomains,
			Pipeline: &classification.PipelineConfig{
				AIFallbackThreshold: domain.ConfidenceShipmentCreate,
				AIEnabled:           false,
			},
		}),
		Extraction: extraction.NewService(extraction.Deps{
			Extractions:      fx.ext,
			ForwarderCompany: "Intoglo",
		}),
		Linking: linking.NewService(linking.Deps{
			Links:           fx.links,
			Shipments:       fx.ships,
			Emails:          fx.mail,
			Extractions:     fx.ext,
			Classifications: fx.cls,
		}),
		Booking: booking.NewService(booking.Deps{
			Shipments:        fx.ships,
			ForwarderCompany: "Intoglo",
		}),
		Workflow:        workflow.NewService(workflow.Deps{Workflow: fx.wf}),
		Counters:        fx.counters,
		EmailDeadline:   5 * time.Second,
		InterEmailDelay: delay,
	})
	return fx
}

func str(s string) *string { return &s }

func pdfAttachment(id int64, filename, text string) *domain.RawAttachment {
	att := &domain.RawAttachment{
		ID:        id,
		Filename:  filename,
		MimeType:  "application/pdf",
		SizeBytes: int64(len(text)) + 1024,
	}
	if text != "" {
		att.ExtractedText = &text
	}
	return att
}

// =============================================================================
// Shipment materialization
// =============================================================================

func TestProcessDirectCarrierConfirmation(t *testing.T) {
	fx := newPipelineFixture()
	fx.mail.add(&domain.RawEmail{
		ID:          101,
		ThreadID:    "thread-101",
		Subject:     "HL-22970937 USSAV RESILIENT",
		SenderEmail: "digital-business@hlag.com",
		BodyText: "We are pleased to confirm your booking.\n" +
			"SI closing: 25-Dec-2025 10:00\n" +
			"VGM cut-off: 26-Dec-2025\n" +
			"FCL delivery cut-off: 27-Dec-2025\n",
	})

	result := fx.svc.ProcessEmail(context.Background(), 101)

	if !result.Success {
		t.Fatalf("ProcessEmail failed at %s: %s", result.Stage, result.Error)
	}
	if result.Status != domain.ProcessingStatusProcessed {
		t.Fatalf("status = %q, want %q", result.Status, domain.ProcessingStatusProcessed)
	}
	if result.ShipmentID == nil {
		t.Fatal("expected a shipment to be created")
	}

	sh := fx.ships.rows[*result.ShipmentID]
	if sh == nil {
		t.Fatal("shipment row not stored")
	}
	if sh.BookingNumber != "22970937" {
		t.Errorf("booking number = %q, want 22970937", sh.BookingNumber)
	}
	if sh.CarrierCode == nil || *sh.CarrierCode != "HLCU" {
		t.Errorf("carrier code = %v, want HLCU", sh.CarrierCode)
	}
	if sh.PortOfDischargeCode == nil || *sh.PortOfDischargeCode != "USSAV" {
		t.Errorf("pod code = %v, want USSAV", sh.PortOfDischargeCode)
	}
	if sh.VesselName == nil || *sh.VesselName != "RESILIENT" {
		t.Errorf("vessel = %v, want RESILIENT", sh.VesselName)
	}
	wantSI := time.Date(2025, 12, 25, 10, 0, 0, 0, time.UTC)
	if sh.SICutoff == nil || !sh.SICutoff.Equal(wantSI) {
		t.Errorf("si cutoff = %v, want %v", sh.SICutoff, wantSI)
	}
	wantVGM := time.Date(2025, 12, 26, 0, 0, 0, 0, time.UTC)
	if sh.VGMCutoff == nil || !sh.VGMCutoff.Equal(wantVGM) {
		t.Errorf("vgm cutoff = %v, want %v", sh.VGMCutoff, wantVGM)
	}
	wantCargo := time.Date(2025, 12, 27, 0, 0, 0, 0, time.UTC)
	if sh.CargoCutoff == nil || !sh.CargoCutoff.Equal(wantCargo) {
		t.Errorf("cargo cutoff = %v, want %v", sh.CargoCutoff, wantCargo)
	}
	if sh.Status != domain.ShipmentStatusBooked {
		t.Errorf("status = %q, want booked", sh.Status)
	}
	if sh.WorkflowState != domain.WorkflowStateBookingConfirmed {
		t.Errorf("workflow state = %q, want %q", sh.WorkflowState, domain.WorkflowStateBookingConfirmed)
	}
	if !sh.IsDirectCarrierConfirmed {
		t.Error("expected direct carrier confirmation")
	}
	if sh.CreatedFromEmailID == nil || *sh.CreatedFromEmailID != 101 {
		t.Errorf("created from = %v, want 101", sh.CreatedFromEmailID)
	}

	links := fx.links.byEmail(101)
	if len(links) != 1 {
		t.Fatalf("links = %d, want 1", len(links))
	}
	if !links[0].IsPrimary || links[0].LinkMethod != domain.LinkMethodCreation {
		t.Errorf("link = {primary: %v, method: %q}, want primary creation link", links[0].IsPrimary, links[0].LinkMethod)
	}

	transitions := fx.wf.byShipment(sh.ID)
	if len(transitions) != 1 {
		t.Fatalf("transitions = %d, want 1", len(transitions))
	}
	if transitions[0].FromState != nil {
		t.Errorf("first transition FromState = %v, want nil", *transitions[0].FromState)
	}
	if transitions[0].ToState != domain.WorkflowStateBookingConfirmed {
		t.Errorf("ToState = %q, want %q", transitions[0].ToState, domain.WorkflowStateBookingConfirmed)
	}
	if transitions[0].TriggeringEmailID == nil || *transitions[0].TriggeringEmailID != 101 {
		t.Errorf("triggering email = %v, want 101", transitions[0].TriggeringEmailID)
	}

	if got := fx.mail.lastStatus(101); got != domain.ProcessingStatusProcessed {
		t.Errorf("persisted status = %q, want processed", got)
	}
	if n := fx.events.count(domain.EventShipmentCreated); n != 1 {
		t.Errorf("shipment_created events = %d, want 1", n)
	}
	if n := fx.events.count(domain.EventEmailProcessed); n != 1 {
		t.Errorf("email_processed events = %d, want 1", n)
	}
	snap := fx.counters.Snapshot()
	if snap["emails_processed"] != 1 || snap["shipments_created"] != 1 {
		t.Errorf("counters = %v, want 1 processed / 1 created", snap)
	}
}

func TestProcessForwardedConfirmationKeepsCarrierOrigin(t *testing.T) {
	fx := newPipelineFixture()
	fx.mail.add(&domain.RawEmail{
		ID:          102,
		ThreadID:    "thread-102",
		Subject:     "FW: Booking Confirmation : 263815227",
		SenderEmail: "ops@intoglo.com",
		BodyText: "Please find the confirmation below.\n" +
			"\n" +
			"From: Hapag-Lloyd <digital-business@hlag.com>\n" +
			"Sent: Monday, December 22, 2025\n" +
			"\n" +
			"Your booking has been registered.\n",
	}, pdfAttachment(1021, "booking_confirmation_263815227.pdf",
		"Booking Confirmation\nBooking No: 263815227\n"))

	result := fx.svc.ProcessEmail(context.Background(), 102)

	if !result.Success {
		t.Fatalf("ProcessEmail failed at %s: %s", result.Stage, result.Error)
	}
	if result.Status != domain.ProcessingStatusProcessed {
		t.Fatalf("status = %q, want processed", result.Status)
	}

	email := fx.mail.emails[102]
	if email.TrueSenderEmail == nil || *email.TrueSenderEmail != "digital-business@hlag.com" {
		t.Errorf("true sender = %v, want digital-business@hlag.com", email.TrueSenderEmail)
	}
	if email.Direction != domain.DirectionInbound {
		t.Errorf("direction = %q, want inbound (the document travels inbound)", email.Direction)
	}

	sh := fx.ships.byBooking("263815227")
	if sh == nil {
		t.Fatal("expected the forwarded confirmation to create a shipment")
	}
	if !sh.IsDirectCarrierConfirmed {
		t.Error("forwarded carrier mail should keep its carrier origin")
	}
	if sh.CarrierCode == nil || *sh.CarrierCode != "HLCU" {
		t.Errorf("carrier code = %v, want HLCU", sh.CarrierCode)
	}
}

func TestProcessBodyOnlyForwardedConfirmationCreatesShipment(t *testing.T) {
	// The quoted From: block alone marks the mail as a response. With no
	// earlier email in the thread there is no authority to disagree with,
	// so the confirmation keeps its type and the booking path runs.
	fx := newPipelineFixture()
	fx.mail.add(&domain.RawEmail{
		ID:          103,
		ThreadID:    "thread-103",
		Subject:     "Booking Confirmation : 263815227",
		SenderEmail: "ops@intoglo.com",
		BodyText: "From: Hapag-Lloyd <digital-business@hlag.com>\n" +
			"Sent: Monday, December 22, 2025\n" +
			"\n" +
			"Your booking has been registered.\n" +
			"Booking No: 263815227\n",
	})

	result := fx.svc.ProcessEmail(context.Background(), 103)

	if !result.Success {
		t.Fatalf("ProcessEmail failed at %s: %s", result.Stage, result.Error)
	}

	email := fx.mail.emails[103]
	if !email.IsResponse {
		t.Fatal("quoted header block should mark the mail as a response")
	}
	if email.Direction != domain.DirectionInbound {
		t.Errorf("direction = %q, want inbound via the true sender", email.Direction)
	}

	cls := fx.cls.rows[103]
	if cls == nil || cls.DocumentType != domain.DocTypeBookingConfirmation {
		t.Fatalf("classification = %+v, want booking_confirmation (no authority to disagree with)", cls)
	}

	if sh := fx.ships.byBooking("263815227"); sh == nil {
		t.Fatal("expected the body-only forward to create a shipment")
	}
}

// =============================================================================
// Amendments and cancellation
// =============================================================================

func TestProcessAmendmentRevisesShipment(t *testing.T) {
	fx := newPipelineFixture()
	fx.mail.add(&domain.RawEmail{
		ID:          31,
		ThreadID:    "thread-31",
		Subject:     "Booking Confirmation : 263815227",
		SenderEmail: "digital-business@hlag.com",
		BodyText:    "We are pleased to confirm your booking.\nETD: 30-Dec-2025\n",
	})
	fx.mail.add(&domain.RawEmail{
		ID:          32,
		ThreadID:    "thread-32",
		Subject:     "Booking Amendment : 263815227",
		SenderEmail: "digital-business@hlag.com",
		BodyText:    "Please note the revised schedule.\nETD: 05-Jan-2026\n",
	})

	first := fx.svc.ProcessEmail(context.Background(), 31)
	if !first.Success {
		t.Fatalf("confirmation failed at %s: %s", first.Stage, first.Error)
	}
	second := fx.svc.ProcessEmail(context.Background(), 32)
	if !second.Success {
		t.Fatalf("amendment failed at %s: %s", second.Stage, second.Error)
	}

	sh := fx.ships.byBooking("263815227")
	if sh == nil {
		t.Fatal("shipment missing")
	}
	wantETD := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	if sh.ETD == nil || !sh.ETD.Equal(wantETD) {
		t.Errorf("ETD = %v, want %v", sh.ETD, wantETD)
	}
	if sh.BookingRevisionCount != 1 {
		t.Errorf("revision count = %d, want 1", sh.BookingRevisionCount)
	}

	revisions := fx.ships.revisions[sh.ID]
	if len(revisions) != 1 {
		t.Fatalf("revisions = %d, want 1", len(revisions))
	}
	var etdChange *domain.FieldChange
	for i := range revisions[0].Changes {
		if revisions[0].Changes[i].Field == "etd" {
			etdChange = &revisions[0].Changes[i]
		}
	}
	if etdChange == nil {
		t.Fatalf("no etd change recorded: %+v", revisions[0].Changes)
	}
	if etdChange.Old == nil || *etdChange.Old != "2025-12-30" {
		t.Errorf("old etd = %v, want 2025-12-30", etdChange.Old)
	}
	if etdChange.New == nil || *etdChange.New != "2026-01-05" {
		t.Errorf("new etd = %v, want 2026-01-05", etdChange.New)
	}

	// Amendments carry no workflow trigger; the state set by the
	// confirmation stays put.
	if sh.WorkflowState != domain.WorkflowStateBookingConfirmed {
		t.Errorf("workflow state = %q, want %q", sh.WorkflowState, domain.WorkflowStateBookingConfirmed)
	}
	if n := len(fx.wf.byShipment(sh.ID)); n != 1 {
		t.Errorf("transitions = %d, want 1", n)
	}

	links := fx.links.byEmail(32)
	if len(links) != 1 {
		t.Fatalf("amendment links = %d, want 1", len(links))
	}
	if links[0].IsPrimary || links[0].LinkMethod != domain.LinkMethodBooking {
		t.Errorf("amendment link = {primary: %v, method: %q}, want secondary booking link", links[0].IsPrimary, links[0].LinkMethod)
	}
}

func TestProcessCancellationClosesShipment(t *testing.T) {
	fx := newPipelineFixture()
	fx.mail.add(&domain.RawEmail{
		ID:          41,
		ThreadID:    "thread-41",
		Subject:     "Booking Confirmation : 880440011",
		SenderEmail: "digital-business@hlag.com",
		BodyText:    "We are pleased to confirm your booking.\n",
	})
	fx.mail.add(&domain.RawEmail{
		ID:          42,
		ThreadID:    "thread-42",
		Subject:     "Booking Cancellation : 880440011",
		SenderEmail: "digital-business@hlag.com",
		BodyText:    "The above booking has been cancelled at shipper request.\n",
	})

	if result := fx.svc.ProcessEmail(context.Background(), 41); !result.Success {
		t.Fatalf("confirmation failed at %s: %s", result.Stage, result.Error)
	}
	result := fx.svc.ProcessEmail(context.Background(), 42)
	if !result.Success {
		t.Fatalf("cancellation failed at %s: %s", result.Stage, result.Error)
	}

	sh := fx.ships.byBooking("880440011")
	if sh == nil {
		t.Fatal("shipment missing")
	}
	if sh.Status != domain.ShipmentStatusCancelled {
		t.Errorf("status = %q, want cancelled", sh.Status)
	}
	if sh.WorkflowState != domain.WorkflowStateCancelled {
		t.Errorf("workflow state = %q, want %q", sh.WorkflowState, domain.WorkflowStateCancelled)
	}

	transitions := fx.wf.byShipment(sh.ID)
	if len(transitions) != 2 {
		t.Fatalf("transitions = %d, want 2", len(transitions))
	}
	last := transitions[1]
	if last.FromState == nil || *last.FromState != domain.WorkflowStateBookingConfirmed {
		t.Errorf("FromState = %v, want %q", last.FromState, domain.WorkflowStateBookingConfirmed)
	}
	if last.ToState != domain.WorkflowStateCancelled {
		t.Errorf("ToState = %q, want %q", last.ToState, domain.WorkflowStateCancelled)
	}

	revisions := fx.ships.revisions[sh.ID]
	if len(revisions) != 1 {
		t.Fatalf("revisions = %d, want 1 (the status change)", len(revisions))
	}
	var statusChange *domain.FieldChange
	for i := range revisions[0].Changes {
		if revisions[0].Changes[i].Field == "status" {
			statusChange = &revisions[0].Changes[i]
		}
	}
	if statusChange == nil {
		t.Fatalf("no status change recorded: %+v", revisions[0].Changes)
	}
	if statusChange.New == nil || *statusChange.New != string(domain.ShipmentStatusCancelled) {
		t.Errorf("new status = %v, want cancelled", statusChange.New)
	}
}

// =============================================================================
// Orphans and backfill
// =============================================================================

func TestHBLBeforeConfirmationIsPromotedWithParties(t *testing.T) {
	fx := newPipelineFixture()
	fx.mail.add(&domain.RawEmail{
		ID:          51,
		ThreadID:    "thread-51",
		Subject:     "House bill for your reference",
		SenderEmail: "docs@transglobal-logistics.com",
		BodyText:    "Attached is the house bill for the upcoming sailing.\n",
	}, pdfAttachment(511, "HBL_SE1025002852.pdf",
		"HOUSE BILL OF LADING\n"+
			"HBL No: SE1025002852\n"+
			"\n"+
			"SHIPPER\n"+
			"ACME EXPORTS PVT LTD\n"+
			"PLOT 12, MIDC INDUSTRIAL AREA\n"+
			"MUMBAI 400093, INDIA\n"+
			"\n"+
			"CONSIGNEE\n"+
			"GLOBO IMPORTS LLC\n"+
			"180 HARBOR BLVD\n"+
			"SAVANNAH GA 31401, USA\n"))
	fx.mail.add(&domain.RawEmail{
		ID:          52,
		ThreadID:    "thread-52",
		Subject:     "Booking Confirmation : 263815228",
		SenderEmail: "digital-business@hlag.com",
		BodyText: "We are pleased to confirm your booking.\n" +
			"Booking No: 263815228\n" +
			"House B/L No: SE1025002852\n",
	})

	hblRun := fx.svc.ProcessEmail(context.Background(), 51)
	if !hblRun.Success {
		t.Fatalf("house bill run failed at %s: %s", hblRun.Stage, hblRun.Error)
	}
	if hblRun.ShipmentID != nil {
		t.Fatal("house bill must not create a shipment")
	}

	orphans := fx.links.byEmail(51)
	if len(orphans) != 1 {
		t.Fatalf("links for the house bill = %d, want 1 orphan", len(orphans))
	}
	if !orphans[0].IsOrphan() {
		t.Fatal("expected an orphan link before the confirmation arrives")
	}
	if orphans[0].BookingNumberExtracted == nil || *orphans[0].BookingNumberExtracted != "SE1025002852" {
		t.Errorf("orphan parked under %v, want SE1025002852", orphans[0].BookingNumberExtracted)
	}

	confirmRun := fx.svc.ProcessEmail(context.Background(), 52)
	if !confirmRun.Success {
		t.Fatalf("confirmation run failed at %s: %s", confirmRun.Stage, confirmRun.Error)
	}

	sh := fx.ships.byBooking("263815228")
	if sh == nil {
		t.Fatal("shipment missing")
	}
	if sh.HBLNumber == nil || *sh.HBLNumber != "SE1025002852" {
		t.Errorf("hbl = %v, want SE1025002852", sh.HBLNumber)
	}

	promoted := fx.links.byEmail(51)
	if len(promoted) != 1 {
		t.Fatalf("links for the house bill after backfill = %d, want 1", len(promoted))
	}
	if promoted[0].ShipmentID == nil || *promoted[0].ShipmentID != sh.ID {
		t.Errorf("orphan shipment = %v, want %d", promoted[0].ShipmentID, sh.ID)
	}
	if promoted[0].PromotedAt == nil {
		t.Error("expected PromotedAt to be set on promotion")
	}

	// The confirmation carried no party blocks; the backfill replays them
	// from the house bill's stored extraction rows.
	if sh.ShipperName == nil || *sh.ShipperName != "ACME EXPORTS PVT LTD" {
		t.Errorf("shipper = %v, want ACME EXPORTS PVT LTD", sh.ShipperName)
	}
	if sh.ConsigneeName == nil || *sh.ConsigneeName != "GLOBO IMPORTS LLC" {
		t.Errorf("consignee = %v, want GLOBO IMPORTS LLC", sh.ConsigneeName)
	}
	if len(fx.ships.revisions[sh.ID]) != 1 {
		t.Errorf("revisions = %d, want 1 (the party backfill)", len(fx.ships.revisions[sh.ID]))
	}
}

// =============================================================================
// Review routing
// =============================================================================

func TestUnclassifiableEmailRoutesToManualReview(t *testing.T) {
	fx := newPipelineFixture()
	fx.mail.add(&domain.RawEmail{
		ID:          71,
		ThreadID:    "thread-71",
		Subject:     "Delivery Status Notification (Failure)",
		SenderEmail: "MAILER-DAEMON",
		BodyText:    "The following message could not be handed off to the next hop.\n",
	})

	result := fx.svc.ProcessEmail(context.Background(), 71)

	if !result.Success {
		t.Fatalf("review routing is a successful outcome, got failure at %s: %s", result.Stage, result.Error)
	}
	if result.Status != domain.ProcessingStatusManualReview {
		t.Fatalf("status = %q, want manual_review", result.Status)
	}
	if result.Stage != domain.StageClassification {
		t.Errorf("stage = %q, want classification", result.Stage)
	}

	row := fx.cls.rows[71]
	if row == nil {
		t.Fatal("classification row must be stored before the stop")
	}
	if row.DocumentType != domain.DocTypeUnknown || row.DocumentConfidence != 0 {
		t.Errorf("classification = %q@%v, want unknown@0", row.DocumentType, row.DocumentConfidence)
	}

	if len(fx.ext.rows[71]) != 0 {
		t.Error("manual review must stop before extraction")
	}
	if len(fx.links.byEmail(71)) != 0 {
		t.Error("manual review must not link")
	}
	if len(fx.ships.rows) != 0 {
		t.Error("manual review must not create shipments")
	}
	if got := fx.mail.lastStatus(71); got != domain.ProcessingStatusManualReview {
		t.Errorf("persisted status = %q, want manual_review", got)
	}
	if snap := fx.counters.Snapshot(); snap["manual_review"] != 1 {
		t.Errorf("manual_review counter = %d, want 1", snap["manual_review"])
	}
}

func TestDownRankedConfirmationRoutesToNeedsReview(t *testing.T) {
	fx := newPipelineFixture()
	fx.mail.add(&domain.RawEmail{
		ID:          81,
		ThreadID:    "thread-81",
		Subject:     "Booking Confirmation : 263815444",
		SenderEmail: "imports@acme-trading.com",
		BodyText:    "We are pleased to confirm your booking.\n",
	})

	result := fx.svc.ProcessEmail(context.Background(), 81)

	if !result.Success {
		t.Fatalf("ProcessEmail failed at %s: %s", result.Stage, result.Error)
	}
	if result.Status != domain.ProcessingStatusNeedsReview {
		t.Fatalf("status = %q, want needs_review (customer claiming a carrier document)", result.Status)
	}
	if result.Stage != domain.StageExtraction {
		t.Errorf("stage = %q, want extraction", result.Stage)
	}

	// The extractions are kept so a reviewer promoting the email does not
	// re-run the parse.
	if len(fx.ext.rows[81]) == 0 {
		t.Error("needs_review must store its extraction rows")
	}
	if len(fx.ships.rows) != 0 {
		t.Error("needs_review must not materialize a shipment")
	}
	if len(fx.links.byEmail(81)) != 0 {
		t.Error("needs_review must not link")
	}
	if snap := fx.counters.Snapshot(); snap["needs_review"] != 1 {
		t.Errorf("needs_review counter = %d, want 1", snap["needs_review"])
	}
}

// =============================================================================
// Idempotence
// =============================================================================

func TestReprocessingIsIdempotent(t *testing.T) {
	fx := newPipelineFixture()
	fx.mail.add(&domain.RawEmail{
		ID:          91,
		ThreadID:    "thread-91",
		Subject:     "HL-30112233 USSAV RESILIENT",
		SenderEmail: "digital-business@hlag.com",
		BodyText:    "We are pleased to confirm your booking.\n",
	})

	first := fx.svc.ProcessEmail(context.Background(), 91)
	second := fx.svc.ProcessEmail(context.Background(), 91)

	if !first.Success || !second.Success {
		t.Fatalf("runs = %v / %v, want both successful", first.Success, second.Success)
	}
	if len(fx.ships.rows) != 1 {
		t.Fatalf("shipments = %d, want 1", len(fx.ships.rows))
	}

	sh := fx.ships.byBooking("30112233")
	if sh == nil {
		t.Fatal("shipment missing")
	}
	if sh.BookingRevisionCount != 0 {
		t.Errorf("revision count = %d, want 0 (identical reapply records nothing)", sh.BookingRevisionCount)
	}
	if n := len(fx.links.byEmail(91)); n != 1 {
		t.Errorf("links = %d, want 1", n)
	}
	if n := len(fx.wf.byShipment(sh.ID)); n != 1 {
		t.Errorf("transitions = %d, want 1", n)
	}
	if fx.mail.flagWrites != 1 {
		t.Errorf("flag writes = %d, want 1 (flags are computed once)", fx.mail.flagWrites)
	}
	if n := fx.events.count(domain.EventShipmentCreated); n != 1 {
		t.Errorf("shipment_created events = %d, want 1", n)
	}
	if n := fx.events.count(domain.EventShipmentUpdated); n != 1 {
		t.Errorf("shipment_updated events = %d, want 1 (the reapply)", n)
	}
	snap := fx.counters.Snapshot()
	if snap["emails_processed"] != 2 || snap["shipments_created"] != 1 {
		t.Errorf("counters = %v, want 2 processed / 1 created", snap)
	}
}

// =============================================================================
// Link hygiene
// =============================================================================

func TestDuplicateLinksSweptDuringProcessing(t *testing.T) {
	fx := newPipelineFixture()
	shipA := fx.ships.seed(&domain.Shipment{
		BookingNumber: "263815230",
		WorkflowState: domain.WorkflowStateBookingConfirmed,
	})
	shipB := fx.ships.seed(&domain.Shipment{
		BookingNumber: "998877665",
		WorkflowState: domain.WorkflowStateBookingConfirmed,
	})
	fx.links.seed(&domain.ShipmentDocumentLink{
		EmailID:        61,
		ShipmentID:     &shipA.ID,
		DocumentType:   domain.DocTypeGeneralCorrespondence,
		LinkMethod:     domain.LinkMethodBooking,
		LinkConfidence: 98,
	})
	fx.links.seed(&domain.ShipmentDocumentLink{
		EmailID:        61,
		ShipmentID:     &shipB.ID,
		DocumentType:   domain.DocTypeGeneralCorrespondence,
		LinkMethod:     domain.LinkMethodContainerMember,
		LinkConfidence: 80,
	})
	fx.mail.add(&domain.RawEmail{
		ID:          61,
		ThreadID:    "thread-61",
		Subject:     "RE: 263815230 container update",
		SenderEmail: "ops@acme-trading.com",
		BodyText:    "Noted, thank you.\n",
	})

	result := fx.svc.ProcessEmail(context.Background(), 61)

	if !result.Success {
		t.Fatalf("ProcessEmail failed at %s: %s", result.Stage, result.Error)
	}
	links := fx.links.byEmail(61)
	if len(links) != 1 {
		t.Fatalf("links after sweep = %d, want 1", len(links))
	}
	if links[0].ShipmentID == nil || *links[0].ShipmentID != shipA.ID {
		t.Errorf("surviving link points at %v, want shipment %d (its booking is in the subject)", links[0].ShipmentID, shipA.ID)
	}
}

// =============================================================================
// Failure handling
// =============================================================================

func TestRetryableFailureParksEmailAtPending(t *testing.T) {
	fx := newPipelineFixture()
	fx.mail.add(&domain.RawEmail{
		ID:          95,
		ThreadID:    "thread-95",
		Subject:     "Booking Confirmation : 777000111",
		SenderEmail: "digital-business@hlag.com",
		BodyText:    "We are pleased to confirm your booking.\n",
	})
	fx.ext.replaceErr = errors.New("write conn refused")

	result := fx.svc.ProcessEmail(context.Background(), 95)

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Status != domain.ProcessingStatusPending {
		t.Fatalf("status = %q, want pending (retryable failures go back to the sweep)", result.Status)
	}
	if result.Stage != domain.StageExtraction {
		t.Errorf("stage = %q, want extraction", result.Stage)
	}
	writes := fx.mail.statusLog[95]
	if len(writes) == 0 {
		t.Fatal("status write missing")
	}
	last := writes[len(writes)-1]
	if last.status != domain.ProcessingStatusPending || last.cause == nil {
		t.Errorf("persisted = {%q, %v}, want pending with a cause", last.status, last.cause)
	}
	// Pending is not an outcome; nothing is counted.
	snap := fx.counters.Snapshot()
	if snap["emails_failed"] != 0 || snap["emails_processed"] != 0 {
		t.Errorf("counters = %v, want no outcome recorded", snap)
	}
}

func TestPanicIsFoldedIntoResult(t *testing.T) {
	fx := newPipelineFixture()
	fx.mail.add(&domain.RawEmail{
		ID:          96,
		ThreadID:    "thread-96",
		Subject:     "Booking Confirmation : 777000222",
		SenderEmail: "digital-business@hlag.com",
		BodyText:    "We are pleased to confirm your booking.\n",
	})
	fx.cls.panicOnUpsert = true

	result := fx.svc.ProcessEmail(context.Background(), 96)

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Status != domain.ProcessingStatusFailed {
		t.Errorf("status = %q, want failed", result.Status)
	}
	if result.Stage != domain.StageClassification {
		t.Errorf("stage = %q, want classification", result.Stage)
	}
	if !strings.Contains(result.Error, "panic") {
		t.Errorf("error = %q, want the recovered panic", result.Error)
	}
	if got := fx.mail.lastStatus(96); got != domain.ProcessingStatusFailed {
		t.Errorf("persisted status = %q, want failed", got)
	}
	if snap := fx.counters.Snapshot(); snap["emails_failed"] != 1 {
		t.Errorf("emails_failed = %d, want 1", snap["emails_failed"])
	}
}

func TestMissingEmailFailsAtFlagging(t *testing.T) {
	fx := newPipelineFixture()

	result := fx.svc.ProcessEmail(context.Background(), 4040)

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Stage != domain.StageFlagging {
		t.Errorf("stage = %q, want flagging", result.Stage)
	}
	if result.Status != domain.ProcessingStatusFailed {
		t.Errorf("status = %q, want failed", result.Status)
	}
	if result.Error == "" {
		t.Error("expected the lookup error in the result")
	}
}

// =============================================================================
// Attachment text resolution
// =============================================================================

func TestAttachmentTextFetchedFromDocumentStore(t *testing.T) {
	fx := newPipelineFixture()
	att := &domain.RawAttachment{
		ID:         971,
		Filename:   "document_8841.pdf",
		MimeType:   "application/pdf",
		SizeBytes:  204800,
		StorageRef: str("doc-texts/8841"),
	}
	fx.texts.texts[971] = "ARRIVAL NOTICE\nVessel: RESILIENT V.25W\n"
	fx.mail.add(&domain.RawEmail{
		ID:          97,
		ThreadID:    "thread-97",
		Subject:     "FYI",
		SenderEmail: "arrivals@unifeeder-agency.com",
		BodyText:    "Please see attached.\n",
	}, att)

	result := fx.svc.ProcessEmail(context.Background(), 97)

	if !result.Success {
		t.Fatalf("ProcessEmail failed at %s: %s", result.Stage, result.Error)
	}
	if fx.texts.batches != 1 {
		t.Errorf("text store batch fetches = %d, want 1", fx.texts.batches)
	}
	row := fx.cls.rows[97]
	if row == nil {
		t.Fatal("classification row missing")
	}
	if row.DocumentType != domain.DocTypeArrivalNotice {
		t.Errorf("document type = %q, want arrival_notice (classified off the fetched text)", row.DocumentType)
	}
	if row.DocumentConfidence != 90 {
		t.Errorf("confidence = %v, want 90", row.DocumentConfidence)
	}
}

// =============================================================================
// Batch driver
// =============================================================================

func batchEmail(id int64) *domain.RawEmail {
	return &domain.RawEmail{
		ID:          id,
		ThreadID:    "thread-batch",
		Subject:     "Weekly ops sync",
		SenderEmail: "ops@acme-trading.com",
		BodyText:    "Minutes attached next week.\n",
	}
}

func TestProcessBatchPacesAndReportsProgress(t *testing.T) {
	fx := newPipelineFixtureWithDelay(30 * time.Millisecond)
	fx.mail.add(batchEmail(1))
	fx.mail.add(batchEmail(2))
	fx.mail.add(batchEmail(3))

	var progress [][2]int
	started := time.Now()
	results := fx.svc.ProcessBatch(context.Background(), []int64{1, 2, 3}, func(done, total int, last *domain.ProcessingResult) {
		progress = append(progress, [2]int{done, total})
	})
	elapsed := time.Since(started)

	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for i, r := range results {
		if !r.Success {
			t.Errorf("result %d failed at %s: %s", i, r.Stage, r.Error)
		}
	}
	want := [][2]int{{1, 3}, {2, 3}, {3, 3}}
	if len(progress) != len(want) {
		t.Fatalf("progress calls = %d, want %d", len(progress), len(want))
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Errorf("progress[%d] = %v, want %v", i, progress[i], want[i])
		}
	}
	// Two inter-email pauses of 30ms each.
	if elapsed < 55*time.Millisecond {
		t.Errorf("batch took %v, want at least ~60ms of pacing", elapsed)
	}
}

func TestProcessBatchStopsBetweenEmailsWhenCancelled(t *testing.T) {
	fx := newPipelineFixtureWithDelay(20 * time.Millisecond)
	fx.mail.add(batchEmail(1))
	fx.mail.add(batchEmail(2))
	fx.mail.add(batchEmail(3))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	results := fx.svc.ProcessBatch(ctx, []int64{1, 2, 3}, func(done, total int, last *domain.ProcessingResult) {
		if done == 1 {
			cancel()
		}
	})

	if len(results) != 1 {
		t.Fatalf("results = %d, want 1 (cancellation stops between emails)", len(results))
	}
	if !results[0].Success {
		t.Errorf("the completed email should have succeeded: %s", results[0].Error)
	}
}

func TestProcessBatchContinuesPastFailures(t *testing.T) {
	fx := newPipelineFixture()
	fx.mail.add(batchEmail(6))

	results := fx.svc.ProcessBatch(context.Background(), []int64{4040, 6}, nil)

	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Success {
		t.Error("missing email should fail")
	}
	if !results[1].Success {
		t.Errorf("second email should still process: %s", results[1].Error)
	}
}

func TestGetEmailsNeedingProcessing(t *testing.T) {
	fx := newPipelineFixture()
	fx.mail.needing = []int64{7, 8}

	ids, err := fx.svc.GetEmailsNeedingProcessing(context.Background(), 0)
	if err != nil {
		t.Fatalf("GetEmailsNeedingProcessing: %v", err)
	}
	if len(ids) != 2 || ids[0] != 7 || ids[1] != 8 {
		t.Errorf("ids = %v, want [7 8]", ids)
	}
	if fx.mail.listLimit != DefaultBatchLimit {
		t.Errorf("limit = %d, want the default %d", fx.mail.listLimit, DefaultBatchLimit)
	}

	fx.mail.listErr = errors.New("conn reset")
	if _, err := fx.svc.GetEmailsNeedingProcessing(context.Background(), 10); err == nil {
		t.Fatal("expected the repository error to surface")
	}
	if fx.mail.listLimit != 10 {
		t.Errorf("limit = %d, want 10", fx.mail.listLimit)
	}
}

func TestGetEmailsNeedingProcessingIncludesClassified(t *testing.T) {
	fx := newPipelineFixture()
	fx.mail.add(batchEmail(21)) // pending

	stranded := batchEmail(22) // classified, downstream stages never ran
	stranded.ProcessingStatus = domain.ProcessingStatusClassified
	fx.mail.add(stranded)

	done := batchEmail(23)
	done.ProcessingStatus = domain.ProcessingStatusProcessed
	fx.mail.add(done)

	ids, err := fx.svc.GetEmailsNeedingProcessing(context.Background(), 10)
	if err != nil {
		t.Fatalf("GetEmailsNeedingProcessing: %v", err)
	}
	if len(ids) != 2 || ids[0] != 21 || ids[1] != 22 {
		t.Errorf("ids = %v, want [21 22] (classified rows are still owed downstream stages)", ids)
	}
}
