// internal/repository/reminder_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	appErrors "github.com/omica1992/whatsapp-dispatch/internal/errors"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
)

type ReminderRepositoryInterface interface {
	GetByID(ctx context.Context, id int) (*model.Reminder, error)
	GetBySchedule(ctx context.Context, scheduleID int) (*model.Reminder, error)
	ListDue(ctx context.Context, from, to time.Time, limit int) ([]*model.Reminder, error)

	MarkEnqueued(ctx context.Context, id int) (bool, error)
	RevertEnqueued(ctx context.Context, id int) error
	SetJobID(ctx context.Context, id int, jobID *string) error
	MarkSent(ctx context.Context, id int, externalID string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id int, reason string, at time.Time) (bool, error)
	RecordAttemptError(ctx context.Context, id int, reason string) error
	Cancel(ctx context.Context, id int) (*string, bool, error)
	AdvanceByExternalID(ctx context.Context, companyID int, externalID string, to model.ItemState, reason string, at time.Time) (bool, error)
}

type ReminderRepository struct {
	DB *sql.DB
}

func (r *ReminderRepository) items() itemTable { return itemTable{db: r.DB, table: "reminders"} }

const reminderColumns = itemColumns + `, schedule_id`

func scanReminder(row interface{ Scan(...any) error }) (*model.Reminder, error) {
	var rem model.Reminder
	if err := row.Scan(append(itemTargets(&rem.OutboundItem), &rem.ScheduleID)...); err != nil {
		return nil, err
	}
	return &rem, nil
}

func (r *ReminderRepository) GetByID(ctx context.Context, id int) (*model.Reminder, error) {
	rem, err := scanReminder(r.DB.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewNotFound("reminder", id)
	}
	return rem, err
}

// GetBySchedule returns nil when the schedule has no reminder.
func (r *ReminderRepository) GetBySchedule(ctx context.Context, scheduleID int) (*model.Reminder, error) {
	rem, err := scanReminder(r.DB.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE schedule_id=$1`, scheduleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rem, err
}

func (r *ReminderRepository) ListDue(ctx context.Context, from, to time.Time, limit int) ([]*model.Reminder, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+reminderColumns+`
        FROM reminders
        WHERE status=$1 AND scheduled_at >= $2 AND scheduled_at <= $3
        ORDER BY scheduled_at
        LIMIT $4
    `, model.StatePending, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Reminder
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rem)
	}
	return out, rows.Err()
}

func (r *ReminderRepository) MarkEnqueued(ctx context.Context, id int) (bool, error) {
	return r.items().MarkEnqueued(ctx, id)
}

func (r *ReminderRepository) RevertEnqueued(ctx context.Context, id int) error {
	return r.items().RevertEnqueued(ctx, id)
}

func (r *ReminderRepository) SetJobID(ctx context.Context, id int, jobID *string) error {
	return r.items().SetJobID(ctx, id, jobID)
}

func (r *ReminderRepository) MarkSent(ctx context.Context, id int, externalID string, at time.Time) (bool, error) {
	return r.items().MarkSent(ctx, id, externalID, at)
}

func (r *ReminderRepository) MarkFailed(ctx context.Context, id int, reason string, at time.Time) (bool, error) {
	return r.items().MarkFailed(ctx, id, reason, at)
}

func (r *ReminderRepository) RecordAttemptError(ctx context.Context, id int, reason string) error {
	return r.items().RecordAttemptError(ctx, id, reason)
}

func (r *ReminderRepository) Cancel(ctx context.Context, id int) (*string, bool, error) {
	return r.items().Cancel(ctx, id)
}

func (r *ReminderRepository) AdvanceByExternalID(ctx context.Context, companyID int, externalID string, to model.ItemState, reason string, at time.Time) (bool, error) {
	return r.items().AdvanceByExternalID(ctx, companyID, externalID, to, reason, at)
}

var _ ReminderRepositoryInterface = (*ReminderRepository)(nil)
