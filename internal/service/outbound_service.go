// internal/service/outbound_service.go
package service

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	appErrors "github.com/omica1992/whatsapp-dispatch/internal/errors"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
	"github.com/omica1992/whatsapp-dispatch/internal/repository"
)

// OutboundService is the API the CRUD layer uses to create, cancel and
// retry schedules.
type OutboundService struct {
	Schedules repository.ScheduleRepositoryInterface
	Reminders repository.ReminderRepositoryInterface
	Queue     Enqueuer
	Now       func() time.Time
}

func validateNewSchedule(in model.NewSchedule) error {
	if in.CompanyID <= 0 {
		return appErrors.NewValidation("company_id", "required")
	}
	if in.ContactID <= 0 {
		return appErrors.NewValidation("contact_id", "required")
	}
	if in.ScheduledAt.IsZero() {
		return appErrors.NewValidation("scheduled_at", "required")
	}
	if err := in.Payload.Validate(); err != nil {
		return err
	}
	if !validInterval(in.IntervalUnit) {
		return appErrors.NewValidation("interval_unit", "unknown unit")
	}
	if !validPolicy(in.BusinessDayPolicy) {
		return appErrors.NewValidation("business_day_policy", "unknown policy")
	}
	if in.IntervalValue < 0 {
		return appErrors.NewValidation("interval_value", "must not be negative")
	}
	if in.IntervalValue > 0 && in.MaxOccurrences < 1 {
		return appErrors.NewValidation("max_occurrences", "recurring schedules need at least one occurrence")
	}
	switch model.TicketStatus(strings.ToLower(in.TicketStatus)) {
	case "", model.TicketOpen, model.TicketPending, model.TicketClosed:
	default:
		return appErrors.NewValidation("ticket_status", "unknown status")
	}
	if in.ReminderAt != nil {
		if in.ReminderPayload == nil {
			return appErrors.NewValidation("reminder_payload", "required with reminder_at")
		}
		if !in.ReminderAt.Before(in.ScheduledAt) {
			return appErrors.NewValidation("reminder_at", "must be before scheduled_at")
		}
		if err := in.ReminderPayload.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleOutboundItem validates and stores a schedule. The verifier picks
// it up when it is due.
func (s *OutboundService) ScheduleOutboundItem(ctx context.Context, in model.NewSchedule) (int, error) {
	if err := validateNewSchedule(in); err != nil {
		return 0, err
	}
	unit, policy := in.IntervalUnit, in.BusinessDayPolicy
	if unit == "" {
		unit = model.IntervalDays
	}
	if policy == "" {
		policy = model.BusinessDayAsIs
	}
	// Past dates are sent right away instead of falling behind the
	// verifier window.
	now := clock(s.Now)
	scheduledAt := in.ScheduledAt
	if scheduledAt.Before(now) {
		scheduledAt = now
	}

	sched := &model.Schedule{
		OutboundItem: model.OutboundItem{
			CompanyID:    in.CompanyID,
			ContactID:    in.ContactID,
			ConnectionID: in.ConnectionID,
			Payload:      in.Payload,
			Status:       model.StatePending,
			ScheduledAt:  scheduledAt,
		},
		IntervalUnit:      unit,
		IntervalValue:     in.IntervalValue,
		MaxOccurrences:    in.MaxOccurrences,
		OccurrenceCount:   1,
		BusinessDayPolicy: policy,
		OpenTicket:        in.OpenTicket,
		TicketStatus:      strings.ToLower(in.TicketStatus),
		UserID:            in.UserID,
		QueueID:           in.QueueID,
	}
	var rem *model.Reminder
	if in.ReminderAt != nil {
		remindAt := *in.ReminderAt
		if remindAt.Before(now) {
			remindAt = now
		}
		rem = &model.Reminder{OutboundItem: model.OutboundItem{
			Payload:     *in.ReminderPayload,
			Status:      model.StatePending,
			ScheduledAt: remindAt,
		}}
	}
	if err := s.Schedules.Create(ctx, sched, rem); err != nil {
		return 0, err
	}
	log.Info().Int("schedule_id", sched.ID).Int("company_id", sched.CompanyID).Time("scheduled_at", sched.ScheduledAt).
		Bool("reminder", rem != nil).Msg("schedule created")
	return sched.ID, nil
}

type cancelStore interface {
	Cancel(ctx context.Context, id int) (*string, bool, error)
	SetJobID(ctx context.Context, id int, jobID *string) error
}

// CancelOutboundItem cancels a schedule and its reminder. Jobs that are
// already running cannot be stopped; they find the item CANCELLED and
// neither mark it sent nor create a successor.
func (s *OutboundService) CancelOutboundItem(ctx context.Context, id int) (CancelReport, error) {
	var report CancelReport
	sched, err := s.Schedules.GetByID(ctx, id)
	if err != nil {
		return report, err
	}

	cancelled, err := s.cancel(ctx, s.Schedules, id, &report)
	if err != nil {
		return report, err
	}

	rem, err := s.Reminders.GetBySchedule(ctx, id)
	if err != nil {
		return report, err
	}
	if rem != nil {
		if _, err := s.cancel(ctx, s.Reminders, rem.ID, &report); err != nil {
			return report, err
		}
	}

	if !cancelled && (rem == nil || rem.Status.IsTerminal()) {
		return report, appErrors.NewValidation("status", "schedule in status "+string(sched.Status)+" cannot be cancelled")
	}
	log.Info().Int("schedule_id", id).Int("removed", report.Removed).Int("active", report.Active).Int("failed", report.Failed).Msg("schedule cancelled")
	return report, nil
}

func (s *OutboundService) cancel(ctx context.Context, store cancelStore, id int, report *CancelReport) (bool, error) {
	jobID, ok, err := store.Cancel(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	if jobID == nil {
		return true, nil
	}
	res, err := s.Queue.Remove(ctx, *jobID)
	if err != nil {
		log.Warn().Err(err).Str("job_id", *jobID).Int("item_id", id).Msg("failed to remove job")
	}
	report.add(res, err)
	if err := store.SetJobID(ctx, id, nil); err != nil {
		log.Warn().Err(err).Int("item_id", id).Msg("failed to clear job id")
	}
	return true, nil
}

// RetryOutboundItem sends a FAILED schedule through the pipeline again.
func (s *OutboundService) RetryOutboundItem(ctx context.Context, id int) error {
	ok, err := s.Schedules.Retry(ctx, id, clock(s.Now))
	if err != nil {
		return err
	}
	if !ok {
		if _, err := s.Schedules.GetByID(ctx, id); err != nil {
			return err
		}
		return appErrors.NewValidation("status", "only failed schedules can be retried")
	}
	log.Info().Int("schedule_id", id).Msg("schedule queued for retry")
	return nil
}
