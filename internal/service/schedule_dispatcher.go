// internal/service/schedule_dispatcher.go
package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	appErrors "github.com/omica1992/whatsapp-dispatch/internal/errors"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
	"github.com/omica1992/whatsapp-dispatch/internal/queue"
	"github.com/omica1992/whatsapp-dispatch/internal/repository"
)

// ReminderWait is how long a schedule waits for its reminder to go out.
const ReminderWait = 5 * time.Second

// ScheduleDispatcher sends schedules and reminders.
type ScheduleDispatcher struct {
	Schedules repository.ScheduleRepositoryInterface
	Reminders repository.ReminderRepositoryInterface
	Sender    *Sender
	Calendar  BusinessCalendar
	Now       func() time.Time
}

// Register wires the send jobs and the dead-letter hook into q.
func (d *ScheduleDispatcher) Register(q *queue.Queue) {
	q.Process(JobSendSchedule, d.HandleSchedule)
	q.Process(JobSendReminder, d.HandleReminder)
	q.OnFailed(d.OnFailed)
}

func (d *ScheduleDispatcher) HandleSchedule(ctx context.Context, job *queue.Job) error {
	var p ItemJob
	if err := job.Decode(&p); err != nil {
		return queue.Permanent(err)
	}

	s, err := d.Schedules.GetByID(ctx, p.ID)
	if appErrors.IsNotFound(err) {
		log.Warn().Int("schedule_id", p.ID).Msg("schedule gone, dropping job")
		return nil
	}
	if err != nil {
		return err
	}
	logger := log.With().Int("schedule_id", s.ID).Int("company_id", s.CompanyID).Str("job_id", job.ID).Logger()
	switch {
	case s.Status == model.StateEnqueued:
	case s.Status.WasSent() && !s.FinalOccurrence:
		// Sent on an earlier attempt; the next occurrence is still owed.
		return d.recur(ctx, s)
	default:
		logger.Info().Str("status", string(s.Status)).Msg("schedule not enqueued, skipping")
		return nil
	}

	delivery, err := d.Sender.resume(ctx, job)
	if err != nil {
		return err
	}
	if delivery == nil {
		rem, err := d.Reminders.GetBySchedule(ctx, s.ID)
		if err != nil {
			return err
		}
		if rem != nil && rem.Status == model.StateEnqueued && !rem.ScheduledAt.After(s.ScheduledAt) {
			return queue.RetryAfter(ReminderWait, "reminder still in flight")
		}

		out := Outbound{
			CompanyID:    s.CompanyID,
			ContactID:    s.ContactID,
			ConnectionID: s.ConnectionID,
			Payload:      s.Payload,
		}
		if s.OpenTicket {
			out.Ticket = &model.Ticket{Status: model.TicketStatus(s.TicketStatus), UserID: s.UserID, QueueID: s.QueueID}
		}
		delivery, err = d.Sender.Send(ctx, out)
		if err != nil {
			_, err = handleSendError(ctx, d.Schedules, "schedule", s.ID, s.CompanyID, job.Attempts+1, clock(d.Now), err)
			return err
		}
	}

	sent, err := d.Schedules.MarkSent(ctx, s.ID, delivery.ExternalID, delivery.SentAt)
	if errors.Is(err, appErrors.ErrDuplicate) {
		logger.Warn().Str("external_id", delivery.ExternalID).Msg("external id already recorded")
		return nil
	}
	if err != nil {
		logger.Error().Err(err).Str("external_id", delivery.ExternalID).Msg("failed to mark schedule sent")
		return d.Sender.hold(job, delivery, err)
	}
	d.Sender.Record(ctx, s.CompanyID, delivery)
	if !sent {
		logger.Warn().Msg("schedule changed during send, no recurrence")
		return nil
	}
	logger.Info().Str("external_id", delivery.ExternalID).Msg("schedule sent")

	return d.recur(ctx, s)
}

// recur creates the next occurrence, or flags s as the final one.
func (d *ScheduleDispatcher) recur(ctx context.Context, s *model.Schedule) error {
	if !s.Recurs() {
		return d.Schedules.MarkFinal(ctx, s.ID)
	}
	next, err := NextOccurrence(s.ScheduledAt, s.IntervalUnit, s.IntervalValue, s.BusinessDayPolicy, d.Calendar)
	if err != nil {
		log.Error().Err(err).Int("schedule_id", s.ID).Msg("cannot compute next occurrence")
		return d.Schedules.MarkFinal(ctx, s.ID)
	}

	successor := &model.Schedule{
		OutboundItem: model.OutboundItem{
			CompanyID:    s.CompanyID,
			ContactID:    s.ContactID,
			ConnectionID: s.ConnectionID,
			Payload:      s.Payload,
			ScheduledAt:  next,
		},
		IntervalUnit:      s.IntervalUnit,
		IntervalValue:     s.IntervalValue,
		MaxOccurrences:    s.MaxOccurrences,
		OccurrenceCount:   s.OccurrenceCount + 1,
		BusinessDayPolicy: s.BusinessDayPolicy,
		ParentID:          &s.ID,
		OpenTicket:        s.OpenTicket,
		TicketStatus:      s.TicketStatus,
		UserID:            s.UserID,
		QueueID:           s.QueueID,
	}
	created, isNew, err := d.Schedules.CreateSuccessor(ctx, successor)
	if err != nil {
		// The retry finds the schedule sent and comes back here; the
		// insert is keyed on the parent.
		return err
	}
	if isNew {
		log.Info().Int("schedule_id", s.ID).Int("next_id", created.ID).Time("next_at", next).
			Int("occurrence", created.OccurrenceCount).Msg("next occurrence scheduled")
	}
	return nil
}

func (d *ScheduleDispatcher) HandleReminder(ctx context.Context, job *queue.Job) error {
	var p ItemJob
	if err := job.Decode(&p); err != nil {
		return queue.Permanent(err)
	}

	r, err := d.Reminders.GetByID(ctx, p.ID)
	if appErrors.IsNotFound(err) {
		log.Warn().Int("reminder_id", p.ID).Msg("reminder gone, dropping job")
		return nil
	}
	if err != nil {
		return err
	}
	if r.Status != model.StateEnqueued {
		log.Info().Int("reminder_id", r.ID).Str("status", string(r.Status)).Msg("reminder not enqueued, skipping")
		return nil
	}

	delivery, err := d.Sender.resume(ctx, job)
	if err != nil {
		return err
	}
	if delivery == nil {
		delivery, err = d.Sender.Send(ctx, Outbound{
			CompanyID:    r.CompanyID,
			ContactID:    r.ContactID,
			ConnectionID: r.ConnectionID,
			Payload:      r.Payload,
		})
		if err != nil {
			_, err = handleSendError(ctx, d.Reminders, "reminder", r.ID, r.CompanyID, job.Attempts+1, clock(d.Now), err)
			return err
		}
	}

	if _, err := d.Reminders.MarkSent(ctx, r.ID, delivery.ExternalID, delivery.SentAt); err != nil {
		if errors.Is(err, appErrors.ErrDuplicate) {
			return nil
		}
		log.Error().Err(err).Int("reminder_id", r.ID).Str("external_id", delivery.ExternalID).Msg("failed to mark reminder sent")
		return d.Sender.hold(job, delivery, err)
	}
	d.Sender.Record(ctx, r.CompanyID, delivery)
	log.Info().Int("reminder_id", r.ID).Int("schedule_id", r.ScheduleID).Str("external_id", delivery.ExternalID).Msg("reminder sent")
	return nil
}

// OnFailed marks items FAILED once the queue gave up on their job.
func (d *ScheduleDispatcher) OnFailed(ctx context.Context, job *queue.Job, cause error) {
	var store interface {
		failureStore
		sentStore
	}
	switch job.Type {
	case JobSendSchedule:
		store = d.Schedules
	case JobSendReminder:
		store = d.Reminders
	default:
		return
	}
	var p ItemJob
	if err := job.Decode(&p); err != nil {
		return
	}
	held := d.Sender.settleHeld(ctx, job, store, p.ID, p.CompanyID)
	if sent := d.resumeRecurrence(ctx, job, p.ID); sent || held {
		return
	}
	ok, err := store.MarkFailed(ctx, p.ID, cause.Error(), clock(d.Now))
	if err != nil {
		log.Error().Err(err).Str("type", job.Type).Int("item_id", p.ID).Msg("failed to mark item failed")
		return
	}
	if ok {
		log.Error().Err(cause).Str("type", job.Type).Int("item_id", p.ID).Int("company_id", p.CompanyID).
			Int("attempts", job.Attempts).Msg("item failed after retries")
		publish(ctx, d.Sender.Notifier, CompanyTopic(p.CompanyID, "schedule"), "failed", map[string]any{"type": job.Type, "id": p.ID})
	}
}

// resumeRecurrence gives a sent schedule one more chance at its next
// occurrence after the queue gave up on the job. It reports whether the
// schedule was sent, in which case it must not be marked FAILED.
func (d *ScheduleDispatcher) resumeRecurrence(ctx context.Context, job *queue.Job, id int) bool {
	if job.Type != JobSendSchedule {
		return false
	}
	s, err := d.Schedules.GetByID(ctx, id)
	if err != nil || !s.Status.WasSent() {
		return false
	}
	if !s.FinalOccurrence {
		if err := d.recur(ctx, s); err != nil {
			log.Error().Err(err).Int("schedule_id", s.ID).Msg("next occurrence lost")
		}
	}
	return true
}
