// internal/repository/schedule_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	appErrors "github.com/omica1992/whatsapp-dispatch/internal/errors"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
)

type ScheduleRepositoryInterface interface {
	Create(ctx context.Context, s *model.Schedule, r *model.Reminder) error
	GetByID(ctx context.Context, id int) (*model.Schedule, error)
	ListDue(ctx context.Context, from, to time.Time, limit int) ([]*model.Schedule, error)
	CreateSuccessor(ctx context.Context, next *model.Schedule) (*model.Schedule, bool, error)
	MarkFinal(ctx context.Context, id int) error
	Retry(ctx context.Context, id int, at time.Time) (bool, error)

	MarkEnqueued(ctx context.Context, id int) (bool, error)
	RevertEnqueued(ctx context.Context, id int) error
	SetJobID(ctx context.Context, id int, jobID *string) error
	MarkSent(ctx context.Context, id int, externalID string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id int, reason string, at time.Time) (bool, error)
	RecordAttemptError(ctx context.Context, id int, reason string) error
	Cancel(ctx context.Context, id int) (*string, bool, error)
	AdvanceByExternalID(ctx context.Context, companyID int, externalID string, to model.ItemState, reason string, at time.Time) (bool, error)
}

type ScheduleRepository struct {
	DB *sql.DB
}

func (r *ScheduleRepository) items() itemTable { return itemTable{db: r.DB, table: "schedules"} }

const scheduleColumns = itemColumns + `, interval_unit, interval_value, max_occurrences, occurrence_count,
	business_day_policy, parent_id, final_occurrence, open_ticket, ticket_status, user_id, queue_id`

func scanSchedule(row interface{ Scan(...any) error }) (*model.Schedule, error) {
	var s model.Schedule
	targets := append(itemTargets(&s.OutboundItem),
		&s.IntervalUnit, &s.IntervalValue, &s.MaxOccurrences, &s.OccurrenceCount,
		&s.BusinessDayPolicy, &s.ParentID, &s.FinalOccurrence, &s.OpenTicket, &s.TicketStatus, &s.UserID, &s.QueueID)
	if err := row.Scan(targets...); err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a schedule and its optional reminder in one transaction.
func (r *ScheduleRepository) Create(ctx context.Context, s *model.Schedule, rem *model.Reminder) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if s.Status == "" {
		s.Status = model.StatePending
	}
	if s.OccurrenceCount == 0 {
		s.OccurrenceCount = 1
	}
	query := `
        INSERT INTO schedules
        (company_id, contact_id, connection_id, payload, status, scheduled_at, interval_unit, interval_value,
         max_occurrences, occurrence_count, business_day_policy, parent_id, open_ticket, ticket_status, user_id, queue_id)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
        RETURNING id, created_at, updated_at
    `
	err = tx.QueryRowContext(ctx, query,
		s.CompanyID, s.ContactID, s.ConnectionID, s.Payload, s.Status, s.ScheduledAt, s.IntervalUnit, s.IntervalValue,
		s.MaxOccurrences, s.OccurrenceCount, s.BusinessDayPolicy, s.ParentID, s.OpenTicket, s.TicketStatus, s.UserID, s.QueueID,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return err
	}

	if rem != nil {
		rem.ScheduleID = s.ID
		rem.CompanyID = s.CompanyID
		rem.ContactID = s.ContactID
		rem.ConnectionID = s.ConnectionID
		if rem.Status == "" {
			rem.Status = model.StatePending
		}
		err = tx.QueryRowContext(ctx, `
            INSERT INTO reminders (schedule_id, company_id, contact_id, connection_id, payload, status, scheduled_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7)
            RETURNING id, created_at, updated_at
        `, rem.ScheduleID, rem.CompanyID, rem.ContactID, rem.ConnectionID, rem.Payload, rem.Status, rem.ScheduledAt,
		).Scan(&rem.ID, &rem.CreatedAt, &rem.UpdatedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *ScheduleRepository) GetByID(ctx context.Context, id int) (*model.Schedule, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=$1`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewNotFound("schedule", id)
	}
	return s, err
}

// ListDue returns PENDING schedules due between from and to.
func (r *ScheduleRepository) ListDue(ctx context.Context, from, to time.Time, limit int) ([]*model.Schedule, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+scheduleColumns+`
        FROM schedules
        WHERE status=$1 AND scheduled_at >= $2 AND scheduled_at <= $3
        ORDER BY scheduled_at
        LIMIT $4
    `, model.StatePending, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CreateSuccessor inserts the next occurrence. parent_id is unique, so a
// replayed job gets the existing successor back instead of a second row.
func (r *ScheduleRepository) CreateSuccessor(ctx context.Context, next *model.Schedule) (*model.Schedule, bool, error) {
	if next.ParentID == nil {
		return nil, false, appErrors.NewValidation("parent_id", "successor needs a parent")
	}
	query := `
        INSERT INTO schedules
        (company_id, contact_id, connection_id, payload, status, scheduled_at, interval_unit, interval_value,
         max_occurrences, occurrence_count, business_day_policy, parent_id, open_ticket, ticket_status, user_id, queue_id)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
        ON CONFLICT (parent_id) DO NOTHING
        RETURNING id, created_at, updated_at
    `
	err := r.DB.QueryRowContext(ctx, query,
		next.CompanyID, next.ContactID, next.ConnectionID, next.Payload, model.StatePending, next.ScheduledAt,
		next.IntervalUnit, next.IntervalValue, next.MaxOccurrences, next.OccurrenceCount, next.BusinessDayPolicy,
		next.ParentID, next.OpenTicket, next.TicketStatus, next.UserID, next.QueueID,
	).Scan(&next.ID, &next.CreatedAt, &next.UpdatedAt)
	if err == nil {
		next.Status = model.StatePending
		return next, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	row := r.DB.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE parent_id=$1`, *next.ParentID)
	existing, err := scanSchedule(row)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// MarkFinal flags the last occurrence of a series.
func (r *ScheduleRepository) MarkFinal(ctx context.Context, id int) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE schedules SET final_occurrence=TRUE, updated_at=NOW() WHERE id=$1`, id)
	return err
}

// Retry puts a FAILED schedule back to PENDING, due at "at" so the
// verifier window sees it however long ago it failed.
func (r *ScheduleRepository) Retry(ctx context.Context, id int, at time.Time) (bool, error) {
	return r.items().cas(ctx, id, []model.ItemState{model.StateFailed}, model.StatePending,
		", last_error='', attempts=0, failed_at=NULL, job_id=NULL, scheduled_at=$4", at)
}

func (r *ScheduleRepository) MarkEnqueued(ctx context.Context, id int) (bool, error) {
	return r.items().MarkEnqueued(ctx, id)
}

func (r *ScheduleRepository) RevertEnqueued(ctx context.Context, id int) error {
	return r.items().RevertEnqueued(ctx, id)
}

func (r *ScheduleRepository) SetJobID(ctx context.Context, id int, jobID *string) error {
	return r.items().SetJobID(ctx, id, jobID)
}

func (r *ScheduleRepository) MarkSent(ctx context.Context, id int, externalID string, at time.Time) (bool, error) {
	return r.items().MarkSent(ctx, id, externalID, at)
}

func (r *ScheduleRepository) MarkFailed(ctx context.Context, id int, reason string, at time.Time) (bool, error) {
	return r.items().MarkFailed(ctx, id, reason, at)
}

func (r *ScheduleRepository) RecordAttemptError(ctx context.Context, id int, reason string) error {
	return r.items().RecordAttemptError(ctx, id, reason)
}

func (r *ScheduleRepository) Cancel(ctx context.Context, id int) (*string, bool, error) {
	return r.items().Cancel(ctx, id)
}

func (r *ScheduleRepository) AdvanceByExternalID(ctx context.Context, companyID int, externalID string, to model.ItemState, reason string, at time.Time) (bool, error) {
	return r.items().AdvanceByExternalID(ctx, companyID, externalID, to, reason, at)
}

var _ ScheduleRepositoryInterface = (*ScheduleRepository)(nil)
