// internal/repository/shipment_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/omica1992/whatsapp-dispatch/internal/errors"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
)

type ShipmentRepositoryInterface interface {
	FindOrCreate(ctx context.Context, key model.ShipmentKey) (*model.CampaignShipment, bool, error)
	GetByID(ctx context.Context, id int) (*model.CampaignShipment, error)
	SetContent(ctx context.Context, id int, body string, payload model.Payload, confirmation bool) error
	Stats(ctx context.Context, campaignID, execution int) (model.CampaignStats, error)
	CancelPending(ctx context.Context, campaignID, execution int) ([]string, error)
	ReopenCancelled(ctx context.Context, campaignID, execution int) (int, error)

	MarkEnqueued(ctx context.Context, id int) (bool, error)
	RevertEnqueued(ctx context.Context, id int) error
	SetJobID(ctx context.Context, id int, jobID *string) error
	MarkSent(ctx context.Context, id int, externalID string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id int, reason string, at time.Time) (bool, error)
	RecordAttemptError(ctx context.Context, id int, reason string) error
	AdvanceByExternalID(ctx context.Context, companyID int, externalID string, to model.ItemState, reason string, at time.Time) (bool, error)
}

type ShipmentRepository struct {
	DB *sql.DB
}

func (r *ShipmentRepository) items() itemTable {
	return itemTable{db: r.DB, table: "campaign_shipments"}
}

const shipmentColumns = itemColumns + `, campaign_id, execution, number, body, confirmation_requested_at`

func scanShipment(row interface{ Scan(...any) error }) (*model.CampaignShipment, error) {
	var s model.CampaignShipment
	targets := append(itemTargets(&s.OutboundItem), &s.CampaignID, &s.Execution, &s.Number, &s.Body, &s.ConfirmationRequestedAt)
	if err := row.Scan(targets...); err != nil {
		return nil, err
	}
	return &s, nil
}

// FindOrCreate returns the shipment for key, inserting it when missing.
// Contact-list audiences match on contact id and tag audiences on number.
// An existing row comes back unmodified.
func (r *ShipmentRepository) FindOrCreate(ctx context.Context, key model.ShipmentKey) (*model.CampaignShipment, bool, error) {
	existing, err := r.find(ctx, key)
	if err != nil || existing != nil {
		return existing, false, err
	}

	query := `
        INSERT INTO campaign_shipments (campaign_id, execution, company_id, contact_id, number, status)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT DO NOTHING
        RETURNING ` + shipmentColumns
	s, err := scanShipment(r.DB.QueryRowContext(ctx, query,
		key.CampaignID, key.Execution, key.CompanyID, key.ContactID, key.Number, model.StatePending))
	if err == nil {
		return s, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	// Lost the insert race; the winner's row is there now.
	existing, err = r.find(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, appErrors.NewNotFound("campaign shipment", key)
	}
	return existing, false, nil
}

func (r *ShipmentRepository) find(ctx context.Context, key model.ShipmentKey) (*model.CampaignShipment, error) {
	query := `SELECT ` + shipmentColumns + ` FROM campaign_shipments WHERE campaign_id=$1 AND execution=$2 AND contact_id=$3`
	arg := any(key.ContactID)
	if key.ByNumber {
		query = `SELECT ` + shipmentColumns + ` FROM campaign_shipments WHERE campaign_id=$1 AND execution=$2 AND number=$3`
		arg = key.Number
	}
	s, err := scanShipment(r.DB.QueryRowContext(ctx, query, key.CampaignID, key.Execution, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (r *ShipmentRepository) GetByID(ctx context.Context, id int) (*model.CampaignShipment, error) {
	s, err := scanShipment(r.DB.QueryRowContext(ctx, `SELECT `+shipmentColumns+` FROM campaign_shipments WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewNotFound("campaign shipment", id)
	}
	return s, err
}

// SetContent stores the rendered variant before dispatch.
func (r *ShipmentRepository) SetContent(ctx context.Context, id int, body string, payload model.Payload, confirmation bool) error {
	query := `
        UPDATE campaign_shipments
        SET body=$1, payload=$2,
            confirmation_requested_at = CASE WHEN $3::boolean THEN COALESCE(confirmation_requested_at, NOW()) ELSE confirmation_requested_at END,
            updated_at=NOW()
        WHERE id=$4 AND delivered_at IS NULL AND failed_at IS NULL
    `
	_, err := r.DB.ExecContext(ctx, query, body, payload, confirmation, id)
	return err
}

// Stats counts the shipments of one execution. delivered_at and failed_at
// are exclusive, so their sum is the processed count.
func (r *ShipmentRepository) Stats(ctx context.Context, campaignID, execution int) (model.CampaignStats, error) {
	stats := model.CampaignStats{ByStatus: map[string]int{}}
	rows, err := r.DB.QueryContext(ctx, `
        SELECT status, COUNT(*), COUNT(delivered_at), COUNT(failed_at)
        FROM campaign_shipments
        WHERE campaign_id=$1 AND execution=$2
        GROUP BY status
    `, campaignID, execution)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var total, delivered, failed int
		if err := rows.Scan(&status, &total, &delivered, &failed); err != nil {
			return stats, err
		}
		stats.ByStatus[status] = total
		stats.Delivered += delivered
		stats.Failed += failed
	}
	return stats, rows.Err()
}

// CancelPending cancels the shipments of an execution that were not sent
// yet and returns the job ids they held.
func (r *ShipmentRepository) CancelPending(ctx context.Context, campaignID, execution int) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `
        UPDATE campaign_shipments SET status=$1, updated_at=NOW()
        WHERE campaign_id=$2 AND execution=$3 AND status = ANY($4)
        RETURNING job_id
    `, model.StateCancelled, campaignID, execution, pq.Array(model.StateStrings([]model.ItemState{model.StatePending, model.StateEnqueued})))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id *string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if id != nil {
			ids = append(ids, *id)
		}
	}
	return ids, rows.Err()
}

// ReopenCancelled puts the shipments cancelled with their campaign back to
// PENDING when the campaign is restarted.
func (r *ShipmentRepository) ReopenCancelled(ctx context.Context, campaignID, execution int) (int, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE campaign_shipments SET status=$1, job_id=NULL, updated_at=NOW()
        WHERE campaign_id=$2 AND execution=$3 AND status=$4
    `, model.StatePending, campaignID, execution, model.StateCancelled)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *ShipmentRepository) MarkEnqueued(ctx context.Context, id int) (bool, error) {
	return r.items().MarkEnqueued(ctx, id)
}

func (r *ShipmentRepository) RevertEnqueued(ctx context.Context, id int) error {
	return r.items().RevertEnqueued(ctx, id)
}

func (r *ShipmentRepository) SetJobID(ctx context.Context, id int, jobID *string) error {
	return r.items().SetJobID(ctx, id, jobID)
}

// MarkSent also stamps delivered_at: for campaign accounting a shipment is
// processed once the channel accepted it.
func (r *ShipmentRepository) MarkSent(ctx context.Context, id int, externalID string, at time.Time) (bool, error) {
	ok, err := r.items().cas(ctx, id, []model.ItemState{model.StateEnqueued}, model.StateSent,
		", external_message_id=$4, sent_at=$5, delivered_at=$5, last_error='', job_id=NULL", externalID, at)
	if isUniqueViolation(err) {
		return false, appErrors.ErrDuplicate
	}
	return ok, err
}

// MarkFailed only applies before the send; a shipment with delivered_at
// cannot also carry failed_at.
func (r *ShipmentRepository) MarkFailed(ctx context.Context, id int, reason string, at time.Time) (bool, error) {
	return r.items().cas(ctx, id, []model.ItemState{model.StatePending, model.StateEnqueued}, model.StateFailed,
		", last_error=$4, failed_at=$5, job_id=NULL", Truncate(reason, MaxErrorLength), at)
}

func (r *ShipmentRepository) RecordAttemptError(ctx context.Context, id int, reason string) error {
	return r.items().RecordAttemptError(ctx, id, reason)
}

func (r *ShipmentRepository) AdvanceByExternalID(ctx context.Context, companyID int, externalID string, to model.ItemState, reason string, at time.Time) (bool, error) {
	return r.items().AdvanceByExternalID(ctx, companyID, externalID, to, reason, at)
}

var _ ShipmentRepositoryInterface = (*ShipmentRepository)(nil)
