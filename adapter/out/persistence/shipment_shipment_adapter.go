package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
	"shipment_worker/pkg/apperr"
	"shipment_worker/pkg/snowflake"
)

// =============================================================================
// Shipment Adapter (PostgreSQL)
// =============================================================================

// ShipmentAdapter implements out.ShipmentRepository over shipments and
// shipment_revisions. booking_number carries a unique constraint; Create
// maps its violation onto a conflicting-write error so the booking service
// can fold the lost race into an amendment.
type ShipmentAdapter struct {
	db *sqlx.DB
}

// NewShipmentAdapter creates a new ShipmentAdapter.
func NewShipmentAdapter(db *sqlx.DB) *ShipmentAdapter {
	return &ShipmentAdapter{db: db}
}

const shipmentSelectColumns = `
	id, booking_number, carrier_code, carrier_reference, mbl_number, hbl_number,
	vessel_name, voyage_number, port_of_loading, port_of_loading_code,
	port_of_discharge, port_of_discharge_code, etd, eta,
	si_cutoff, vgm_cutoff, cargo_cutoff, gate_cutoff, doc_cutoff,
	shipper_name, shipper_address, consignee_name, consignee_address,
	notify_party_name, notify_party_address,
	container_number_primary, container_numbers,
	workflow_state, workflow_phase, status,
	is_direct_carrier_confirmed, created_from_email_id, booking_revision_count,
	created_at, updated_at`

type shipmentRow struct {
	ID            int64  `db:"id"`
	BookingNumber string `db:"booking_number"`

	CarrierCode      sql.NullString `db:"carrier_code"`
	CarrierReference sql.NullString `db:"carrier_reference"`

	MBLNumber sql.NullString `db:"mbl_number"`
	HBLNumber sql.NullString `db:"hbl_number"`

	VesselName          sql.NullString `db:"vessel_name"`
	VoyageNumber        sql.NullString `db:"voyage_number"`
	PortOfLoading       sql.NullString `db:"port_of_loading"`
	PortOfLoadingCode   sql.NullString `db:"port_of_loading_code"`
	PortOfDischarge     sql.NullString `db:"port_of_discharge"`
	PortOfDischargeCode sql.NullString `db:"port_of_discharge_code"`
	ETD                 sql.NullTime   `db:"etd"`
	ETA                 sql.NullTime   `db:"eta"`

	SICutoff    sql.NullTime `db:"si_cutoff"`
	VGMCutoff   sql.NullTime `db:"vgm_cutoff"`
	CargoCutoff sql.NullTime `db:"cargo_cutoff"`
	GateCutoff  sql.NullTime `db:"gate_cutoff"`
	DocCutoff   sql.NullTime `db:"doc_cutoff"`

	ShipperName        sql.NullString `db:"shipper_name"`
	ShipperAddress     sql.NullString `db:"shipper_address"`
	ConsigneeName      sql.NullString `db:"consignee_name"`
	ConsigneeAddress   sql.NullString `db:"consignee_address"`
	NotifyPartyName    sql.NullString `db:"notify_party_name"`
	NotifyPartyAddress sql.NullString `db:"notify_party_address"`

	ContainerNumberPrimary sql.NullString `db:"container_number_primary"`
	ContainerNumbers       pq.StringArray `db:"container_numbers"`

	WorkflowState string `db:"workflow_state"`
	WorkflowPhase string `db:"workflow_phase"`
	Status        string `db:"status"`

	IsDirectCarrierConfirmed bool          `db:"is_direct_carrier_confirmed"`
	CreatedFromEmailID       sql.NullInt64 `db:"created_from_email_id"`
	BookingRevisionCount     int           `db:"booking_revision_count"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *shipmentRow) toEntity() *domain.Shipment {
	return &domain.Shipment{
		ID:                       r.ID,
		BookingNumber:            r.BookingNumber,
		CarrierCode:              strPtr(r.CarrierCode),
		CarrierReference:         strPtr(r.CarrierReference),
		MBLNumber:                strPtr(r.MBLNumber),
		HBLNumber:                strPtr(r.HBLNumber),
		VesselName:               strPtr(r.VesselName),
		VoyageNumber:             strPtr(r.VoyageNumber),
		PortOfLoading:            strPtr(r.PortOfLoading),
		PortOfLoadingCode:        strPtr(r.PortOfLoadingCode),
		PortOfDischarge:          strPtr(r.PortOfDischarge),
		PortOfDischargeCode:      strPtr(r.PortOfDischargeCode),
		ETD:                      timePtr(r.ETD),
		ETA:                      timePtr(r.ETA),
		SICutoff:                 timePtr(r.SICutoff),
		VGMCutoff:                timePtr(r.VGMCutoff),
		CargoCutoff:              timePtr(r.CargoCutoff),
		GateCutoff:               timePtr(r.GateCutoff),
		DocCutoff:                timePtr(r.DocCutoff),
		ShipperName:              strPtr(r.ShipperName),
		ShipperAddress:           strPtr(r.ShipperAddress),
		ConsigneeName:            strPtr(r.ConsigneeName),
		ConsigneeAddress:         strPtr(r.ConsigneeAddress),
		NotifyPartyName:          strPtr(r.NotifyPartyName),
		NotifyPartyAddress:       strPtr(r.NotifyPartyAddress),
		ContainerNumberPrimary:   strPtr(r.ContainerNumberPrimary),
		ContainerNumbers:         r.ContainerNumbers,
		WorkflowState:            r.WorkflowState,
		WorkflowPhase:            domain.WorkflowPhase(r.WorkflowPhase),
		Status:                   domain.ShipmentStatus(r.Status),
		IsDirectCarrierConfirmed: r.IsDirectCarrierConfirmed,
		CreatedFromEmailID:       int64Ptr(r.CreatedFromEmailID),
		BookingRevisionCount:     r.BookingRevisionCount,
		CreatedAt:                r.CreatedAt,
		UpdatedAt:                r.UpdatedAt,
	}
}

// Create inserts the aggregate. A unique violation on booking_number is
// returned as a conflicting write carrying the booking number.
func (a *ShipmentAdapter) Create(ctx context.Context, shipment *domain.Shipment) error {
	query := `
		INSERT INTO shipments (
			booking_number, carrier_code, carrier_reference, mbl_number, hbl_number,
			vessel_name, voyage_number, port_of_loading, port_of_loading_code,
			port_of_discharge, port_of_discharge_code, etd, eta,
			si_cutoff, vgm_cutoff, cargo_cutoff, gate_cutoff, doc_cutoff,
			shipper_name, shipper_address, consignee_name, consignee_address,
			notify_party_name, notify_party_address,
			container_number_primary, container_numbers,
			workflow_state, workflow_phase, status,
			is_direct_carrier_confirmed, created_from_email_id, booking_revision_count
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32
		)
		RETURNING id, created_at, updated_at`

	err := a.db.QueryRowxContext(ctx, query,
		shipment.BookingNumber,
		nullStr(shipment.CarrierCode), nullStr(shipment.CarrierReference),
		nullStr(shipment.MBLNumber), nullStr(shipment.HBLNumber),
		nullStr(shipment.VesselName), nullStr(shipment.VoyageNumber),
		nullStr(shipment.PortOfLoading), nullStr(shipment.PortOfLoadingCode),
		nullStr(shipment.PortOfDischarge), nullStr(shipment.PortOfDischargeCode),
		nullTime(shipment.ETD), nullTime(shipment.ETA),
		nullTime(shipment.SICutoff), nullTime(shipment.VGMCutoff),
		nullTime(shipment.CargoCutoff), nullTime(shipment.GateCutoff), nullTime(shipment.DocCutoff),
		nullStr(shipment.ShipperName), nullStr(shipment.ShipperAddress),
		nullStr(shipment.ConsigneeName), nullStr(shipment.ConsigneeAddress),
		nullStr(shipment.NotifyPartyName), nullStr(shipment.NotifyPartyAddress),
		nullStr(shipment.ContainerNumberPrimary), pq.Array(shipment.ContainerNumbers),
		shipment.WorkflowState, string(shipment.WorkflowPhase), string(shipment.Status),
		shipment.IsDirectCarrierConfirmed, nullInt64(shipment.CreatedFromEmailID),
		shipment.BookingRevisionCount,
	).Scan(&shipment.ID, &shipment.CreatedAt, &shipment.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.BookingConflict(shipment.BookingNumber, err)
		}
		return err
	}
	return nil
}

// Update writes the full aggregate back.
func (a *ShipmentAdapter) Update(ctx context.Context, shipment *domain.Shipment) error {
	query := `
		UPDATE shipments SET
			carrier_code = $2, carrier_reference = $3, mbl_number = $4, hbl_number = $5,
			vessel_name = $6, voyage_number = $7,
			port_of_loading = $8, port_of_loading_code = $9,
			port_of_discharge = $10, port_of_discharge_code = $11,
			etd = $12, eta = $13,
			si_cutoff = $14, vgm_cutoff = $15, cargo_cutoff = $16,
			gate_cutoff = $17, doc_cutoff = $18,
			shipper_name = $19, shipper_address = $20,
			consignee_name = $21, consignee_address = $22,
			notify_party_name = $23, notify_party_address = $24,
			container_number_primary = $25, container_numbers = $26,
			workflow_state = $27, workflow_phase = $28, status = $29,
			is_direct_carrier_confirmed = $30, booking_revision_count = $31,
			updated_at = NOW()
		WHERE id = $1`

	result, err := a.db.ExecContext(ctx, query,
		shipment.ID,
		nullStr(shipment.CarrierCode), nullStr(shipment.CarrierReference),
		nullStr(shipment.MBLNumber), nullStr(shipment.HBLNumber),
		nullStr(shipment.VesselName), nullStr(shipment.VoyageNumber),
		nullStr(shipment.PortOfLoading), nullStr(shipment.PortOfLoadingCode),
		nullStr(shipment.PortOfDischarge), nullStr(shipment.PortOfDischargeCode),
		nullTime(shipment.ETD), nullTime(shipment.ETA),
		nullTime(shipment.SICutoff), nullTime(shipment.VGMCutoff),
		nullTime(shipment.CargoCutoff), nullTime(shipment.GateCutoff), nullTime(shipment.DocCutoff),
		nullStr(shipment.ShipperName), nullStr(shipment.ShipperAddress),
		nullStr(shipment.ConsigneeName), nullStr(shipment.ConsigneeAddress),
		nullStr(shipment.NotifyPartyName), nullStr(shipment.NotifyPartyAddress),
		nullStr(shipment.ContainerNumberPrimary), pq.Array(shipment.ContainerNumbers),
		shipment.WorkflowState, string(shipment.WorkflowPhase), string(shipment.Status),
		shipment.IsDirectCarrierConfirmed, shipment.BookingRevisionCount,
	)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.ShipmentNotFound(shipment.ID)
	}
	return nil
}

// GetByID loads the aggregate; missing rows are a not-found error.
func (a *ShipmentAdapter) GetByID(ctx context.Context, id int64) (*domain.Shipment, error) {
	query := fmt.Sprintf(`SELECT %s FROM shipments WHERE id = $1`, shipmentSelectColumns)

	var row shipmentRow
	if err := a.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.ShipmentNotFound(id)
		}
		return nil, err
	}

	return row.toEntity(), nil
}

// Natural-key lookups return (nil, nil) on absence: the linking walk treats
// a miss as "try the next identifier", not as a failure.

func (a *ShipmentAdapter) GetByBookingNumber(ctx context.Context, bookingNumber string) (*domain.Shipment, error) {
	return a.getByKey(ctx, `booking_number = $1`, bookingNumber)
}

func (a *ShipmentAdapter) GetByMBLNumber(ctx context.Context, mblNumber string) (*domain.Shipment, error) {
	return a.getByKey(ctx, `mbl_number = $1`, mblNumber)
}

func (a *ShipmentAdapter) GetByHBLNumber(ctx context.Context, hblNumber string) (*domain.Shipment, error) {
	return a.getByKey(ctx, `hbl_number = $1`, hblNumber)
}

func (a *ShipmentAdapter) GetByContainerPrimary(ctx context.Context, containerNumber string) (*domain.Shipment, error) {
	return a.getByKey(ctx, `container_number_primary = $1`, containerNumber)
}

func (a *ShipmentAdapter) GetByContainerMember(ctx context.Context, containerNumber string) (*domain.Shipment, error) {
	return a.getByKey(ctx, `$1 = ANY(container_numbers)`, containerNumber)
}

func (a *ShipmentAdapter) getByKey(ctx context.Context, where string, arg any) (*domain.Shipment, error) {
	query := fmt.Sprintf(`SELECT %s FROM shipments WHERE %s ORDER BY id LIMIT 1`, shipmentSelectColumns, where)

	var row shipmentRow
	if err := a.db.GetContext(ctx, &row, query, arg); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return row.toEntity(), nil
}

// List queries shipments by filter into the lightweight list form.
func (a *ShipmentAdapter) List(ctx context.Context, filter *domain.ShipmentFilter) ([]*domain.ShipmentListItem, error) {
	query := `
		SELECT id, booking_number, carrier_code, vessel_name,
			port_of_loading_code, port_of_discharge_code, etd, eta,
			workflow_state, status, created_at
		FROM shipments WHERE 1=1`
	args := []any{}
	idx := 1

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		query += fmt.Sprintf(` AND status = ANY($%d)`, idx)
		args = append(args, pq.Array(statuses))
		idx++
	}
	if len(filter.WorkflowStates) > 0 {
		query += fmt.Sprintf(` AND workflow_state = ANY($%d)`, idx)
		args = append(args, pq.Array(filter.WorkflowStates))
		idx++
	}
	if filter.CarrierCode != nil {
		query += fmt.Sprintf(` AND carrier_code = $%d`, idx)
		args = append(args, *filter.CarrierCode)
		idx++
	}
	if filter.ShipperName != nil {
		query += fmt.Sprintf(` AND shipper_name = $%d`, idx)
		args = append(args, *filter.ShipperName)
		idx++
	}
	if filter.ConsigneeName != nil {
		query += fmt.Sprintf(` AND consignee_name = $%d`, idx)
		args = append(args, *filter.ConsigneeName)
		idx++
	}
	if filter.ActiveOnly {
		query += fmt.Sprintf(` AND status <> ALL($%d)`, idx)
		args = append(args, pq.Array(terminalStatuses()))
		idx++
	}
	if filter.ETAFrom != nil {
		query += fmt.Sprintf(` AND eta >= $%d`, idx)
		args = append(args, *filter.ETAFrom)
		idx++
	}
	if filter.ETATo != nil {
		query += fmt.Sprintf(` AND eta < $%d`, idx)
		args = append(args, *filter.ETATo)
		idx++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, filter.Offset)

	type listRow struct {
		ID                  int64          `db:"id"`
		BookingNumber       string         `db:"booking_number"`
		CarrierCode         sql.NullString `db:"carrier_code"`
		VesselName          sql.NullString `db:"vessel_name"`
		PortOfLoadingCode   sql.NullString `db:"port_of_loading_code"`
		PortOfDischargeCode sql.NullString `db:"port_of_discharge_code"`
		ETD                 sql.NullTime   `db:"etd"`
		ETA                 sql.NullTime   `db:"eta"`
		WorkflowState       string         `db:"workflow_state"`
		Status              string         `db:"status"`
		CreatedAt           time.Time      `db:"created_at"`
	}

	var rows []listRow
	if err := a.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	items := make([]*domain.ShipmentListItem, len(rows))
	for i, r := range rows {
		items[i] = &domain.ShipmentListItem{
			ID:                  r.ID,
			BookingNumber:       r.BookingNumber,
			CarrierCode:         strPtr(r.CarrierCode),
			VesselName:          strPtr(r.VesselName),
			PortOfLoadingCode:   strPtr(r.PortOfLoadingCode),
			PortOfDischargeCode: strPtr(r.PortOfDischargeCode),
			ETD:                 timePtr(r.ETD),
			ETA:                 timePtr(r.ETA),
			WorkflowState:       r.WorkflowState,
			Status:              domain.ShipmentStatus(r.Status),
			CreatedAt:           r.CreatedAt,
		}
	}
	return items, nil
}

// CountActiveByParty counts non-terminal shipments sharing the shipper or
// the consignee.
func (a *ShipmentAdapter) CountActiveByParty(ctx context.Context, shipperName, consigneeName *string) (int, error) {
	if shipperName == nil && consigneeName == nil {
		return 0, nil
	}

	query := `SELECT COUNT(*) FROM shipments WHERE status <> ALL($1) AND (`
	args := []any{pq.Array(terminalStatuses())}
	idx := 2

	if shipperName != nil {
		query += fmt.Sprintf(`shipper_name = $%d`, idx)
		args = append(args, *shipperName)
		idx++
	}
	if consigneeName != nil {
		if shipperName != nil {
			query += ` OR `
		}
		query += fmt.Sprintf(`consignee_name = $%d`, idx)
		args = append(args, *consigneeName)
		idx++
	}
	query += `)`

	var count int
	err := a.db.GetContext(ctx, &count, query, args...)
	return count, err
}

// CountArrivalsBetween counts non-cancelled shipments with an ETA inside
// [from, to), excluding the given shipment.
func (a *ShipmentAdapter) CountArrivalsBetween(ctx context.Context, from, to time.Time, excludeID int64) (int, error) {
	var count int
	err := a.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM shipments
		WHERE eta >= $1 AND eta < $2 AND id <> $3 AND status <> $4`,
		from, to, excludeID, string(domain.ShipmentStatusCancelled))
	return count, err
}

func terminalStatuses() []string {
	return []string{
		string(domain.ShipmentStatusDelivered),
		string(domain.ShipmentStatusCancelled),
	}
}

// =============================================================================
// Revisions
// =============================================================================

type revisionRow struct {
	ID             int64         `db:"id"`
	ShipmentID     int64         `db:"shipment_id"`
	EmailID        sql.NullInt64 `db:"email_id"`
	RevisionNumber int           `db:"revision_number"`
	Changes        []byte        `db:"changes"`
	CreatedAt      time.Time     `db:"created_at"`
}

func (r *revisionRow) toEntity() *domain.ShipmentRevision {
	rev := &domain.ShipmentRevision{
		ID:             r.ID,
		ShipmentID:     r.ShipmentID,
		EmailID:        int64Ptr(r.EmailID),
		RevisionNumber: r.RevisionNumber,
		CreatedAt:      r.CreatedAt,
	}
	if len(r.Changes) > 0 {
		json.Unmarshal(r.Changes, &rev.Changes)
	}
	return rev
}

// SaveRevision appends one audit row; the field deltas land in a JSONB blob.
func (a *ShipmentAdapter) SaveRevision(ctx context.Context, revision *domain.ShipmentRevision) error {
	if revision.ID == 0 {
		revision.ID = snowflake.ID()
	}
	if revision.CreatedAt.IsZero() {
		revision.CreatedAt = time.Now().UTC()
	}

	changes, err := json.Marshal(revision.Changes)
	if err != nil {
		return err
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO shipment_revisions (id, shipment_id, email_id, revision_number, changes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		revision.ID, revision.ShipmentID, nullInt64(revision.EmailID),
		revision.RevisionNumber, changes, revision.CreatedAt)
	return err
}

// ListRevisions returns the shipment's audit trail in revision order.
func (a *ShipmentAdapter) ListRevisions(ctx context.Context, shipmentID int64) ([]*domain.ShipmentRevision, error) {
	var rows []revisionRow
	err := a.db.SelectContext(ctx, &rows, `
		SELECT id, shipment_id, email_id, revision_number, changes, created_at
		FROM shipment_revisions
		WHERE shipment_id = $1
		ORDER BY revision_number, id`, shipmentID)
	if err != nil {
		return nil, err
	}

	revisions := make([]*domain.ShipmentRevision, len(rows))
	for i := range rows {
		revisions[i] = rows[i].toEntity()
	}
	return revisions, nil
}

// CountRevisionsSince counts audit rows written at or after the given time.
func (a *ShipmentAdapter) CountRevisionsSince(ctx context.Context, shipmentID int64, since time.Time) (int, error) {
	var count int
	err := a.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM shipment_revisions WHERE shipment_id = $1 AND created_at >= $2`,
		shipmentID, since)
	return count, err
}

var _ out.ShipmentRepository = (*ShipmentAdapter)(nil)
