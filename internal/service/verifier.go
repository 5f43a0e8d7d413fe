// internal/service/verifier.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omica1992/whatsapp-dispatch/internal/queue"
	"github.com/omica1992/whatsapp-dispatch/internal/repository"
)

const (
	DefaultLookahead = 30 * time.Second
	DefaultCatchUp   = 24 * time.Hour
	DefaultBatchSize = 500
)

// Verifier promotes due items to ENQUEUED and adds their send jobs. It
// never sends anything itself.
type Verifier struct {
	Schedules     repository.ScheduleRepositoryInterface
	Reminders     repository.ReminderRepositoryInterface
	Campaigns     repository.CampaignRepositoryInterface
	Queue         Enqueuer
	CampaignQueue Enqueuer

	// Lookahead is how far ahead of now items are picked up. CatchUp is
	// how far back overdue items are still sent.
	Lookahead time.Duration
	CatchUp   time.Duration
	BatchSize int
	Now       func() time.Time
}

// TickResult counts the items a tick enqueued.
type TickResult struct {
	Schedules int
	Reminders int
	Campaigns int
}

func (v *Verifier) window(now time.Time) (time.Time, time.Time, int) {
	lookahead, catchUp, batch := v.Lookahead, v.CatchUp, v.BatchSize
	if lookahead <= 0 {
		lookahead = DefaultLookahead
	}
	if catchUp <= 0 {
		catchUp = DefaultCatchUp
	}
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return now.Add(-catchUp), now.Add(lookahead), batch
}

// Tick scans every item kind once. Errors on single items are logged and
// the scan goes on; the returned error joins them.
func (v *Verifier) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	var res TickResult
	var errs []error
	from, to, batch := v.window(now)

	if v.Schedules != nil {
		items, err := v.Schedules.ListDue(ctx, from, to, batch)
		if err != nil {
			errs = append(errs, fmt.Errorf("list due schedules: %w", err))
		}
		for _, s := range items {
			ok, err := v.promote(ctx, v.Schedules, v.Queue, JobSendSchedule, s.ID, s.CompanyID, s.ScheduledAt, now)
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				res.Schedules++
			}
		}
	}

	if v.Reminders != nil {
		items, err := v.Reminders.ListDue(ctx, from, to, batch)
		if err != nil {
			errs = append(errs, fmt.Errorf("list due reminders: %w", err))
		}
		for _, r := range items {
			ok, err := v.promote(ctx, v.Reminders, v.Queue, JobSendReminder, r.ID, r.CompanyID, r.ScheduledAt, now)
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				res.Reminders++
			}
		}
	}

	if v.Campaigns != nil && v.CampaignQueue != nil {
		items, err := v.Campaigns.ListDue(ctx, from, to, batch)
		if err != nil {
			errs = append(errs, fmt.Errorf("list due campaigns: %w", err))
		}
		for _, c := range items {
			var at time.Time
			if c.ScheduledAt != nil {
				at = *c.ScheduledAt
			}
			execution := c.ExecutionCount + 1
			// The execution number in the job id keeps concurrent ticks from
			// adding the same execution twice.
			job, err := v.CampaignQueue.Add(ctx, JobProcessCampaign, CampaignJob{CampaignID: c.ID, Execution: execution}, queue.AddOptions{
				Delay: delay(at, now),
				JobID: fmt.Sprintf("campaign:%d:%d", c.ID, execution),
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("enqueue campaign %d: %w", c.ID, err))
				continue
			}
			if c.JobID != nil && *c.JobID == job.ID {
				continue
			}
			if err := v.Campaigns.SetJobID(ctx, c.ID, &job.ID); err != nil {
				log.Warn().Err(err).Int("campaign_id", c.ID).Msg("failed to store campaign job id")
			}
			res.Campaigns++
		}
	}

	if res.Schedules+res.Reminders+res.Campaigns > 0 {
		log.Info().Int("schedules", res.Schedules).Int("reminders", res.Reminders).Int("campaigns", res.Campaigns).Msg("verifier enqueued items")
	}
	return res, errors.Join(errs...)
}

type enqueueStore interface {
	MarkEnqueued(ctx context.Context, id int) (bool, error)
	RevertEnqueued(ctx context.Context, id int) error
	SetJobID(ctx context.Context, id int, jobID *string) error
}

// promote runs the guarded PENDING to ENQUEUED move and adds the job. Only
// the tick that wins the move adds a job; a failed add hands the item back
// to PENDING for the next tick.
func (v *Verifier) promote(ctx context.Context, store enqueueStore, q Enqueuer, jobType string, id, companyID int, at, now time.Time) (bool, error) {
	won, err := store.MarkEnqueued(ctx, id)
	if err != nil {
		return false, fmt.Errorf("enqueue %s %d: %w", jobType, id, err)
	}
	if !won {
		return false, nil
	}

	job, err := q.Add(ctx, jobType, ItemJob{ID: id, CompanyID: companyID}, queue.AddOptions{
		Delay: delay(at, now),
		JobID: itemJobID(jobType, id),
	})
	if err != nil {
		if rerr := store.RevertEnqueued(ctx, id); rerr != nil {
			log.Error().Err(rerr).Str("job_type", jobType).Int("item_id", id).Msg("failed to revert enqueue")
		}
		return false, fmt.Errorf("enqueue %s %d: %w", jobType, id, err)
	}
	if err := store.SetJobID(ctx, id, &job.ID); err != nil {
		log.Warn().Err(err).Str("job_type", jobType).Int("item_id", id).Msg("failed to store job id")
	}
	return true, nil
}

func delay(at, now time.Time) time.Duration {
	if d := at.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Handle runs a tick from the repeating verify job.
func (v *Verifier) Handle(ctx context.Context, job *queue.Job) error {
	_, err := v.Tick(ctx, clock(v.Now))
	return err
}

// Register adds the repeating verify job to q.
func (v *Verifier) Register(ctx context.Context, q *queue.Queue, cronSpec string) error {
	q.Process(JobVerify, v.Handle)
	_, err := q.Add(ctx, JobVerify, struct{}{}, queue.AddOptions{Repeat: cronSpec, RemoveOnFail: true})
	return err
}
