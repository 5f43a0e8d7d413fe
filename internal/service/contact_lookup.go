// internal/service/contact_lookup.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	appErrors "github.com/omica1992/whatsapp-dispatch/internal/errors"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
	"github.com/omica1992/whatsapp-dispatch/internal/queue"
	"github.com/omica1992/whatsapp-dispatch/internal/repository"
	"github.com/omica1992/whatsapp-dispatch/internal/retry"
)

// IdentifierLookup is implemented by channels that can resolve a number to
// its WhatsApp account id.
type IdentifierLookup interface {
	LookupJID(ctx context.Context, number string) (string, bool, error)
}

// ContactLookup resolves the alternate identifier of contacts in the
// background. The retry state travels in the job payload.
type ContactLookup struct {
	Contacts    repository.ContactRepositoryInterface
	Connections repository.ConnectionRepositoryInterface
	Channels    ChannelResolver
	Queue       Enqueuer
	Policy      retry.Policy
	Now         func() time.Time
}

func (l *ContactLookup) policy() retry.Policy {
	if l.Policy.MaxAttempts <= 0 {
		return retry.DefaultPolicy
	}
	return l.Policy
}

func (l *ContactLookup) Register(q *queue.Queue) {
	q.Process(JobResolveAlternateID, l.Handle)
}

func lookupJobID(t *retry.Task) string {
	return fmt.Sprintf("lookup:contact:%d:%d", t.SubjectID, t.Attempt)
}

// Start queues the first lookup attempt for a contact.
func (l *ContactLookup) Start(ctx context.Context, contact *model.Contact) error {
	task := retry.NewTask(contact.ID, contact.CompanyID, l.policy().MaxAttempts, clock(l.Now))
	_, err := l.Queue.Add(ctx, JobResolveAlternateID, task, queue.AddOptions{JobID: lookupJobID(task), Attempts: 1, RemoveOnComplete: true})
	return err
}

// Handle runs one attempt. A failed attempt queues the next one itself, so
// the queue never retries this job.
func (l *ContactLookup) Handle(ctx context.Context, job *queue.Job) error {
	var task retry.Task
	if err := job.Decode(&task); err != nil {
		return queue.Permanent(err)
	}
	contact, err := l.Contacts.GetByID(ctx, task.SubjectID)
	if appErrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if contact.AlternateID != "" {
		return nil
	}
	logger := log.With().Int("contact_id", contact.ID).Int("company_id", contact.CompanyID).Int("attempt", task.Attempt).Logger()

	jid, err := l.lookup(ctx, contact)
	if err == nil {
		if serr := task.Succeed(); serr != nil {
			return queue.Permanent(serr)
		}
		if err := l.Contacts.SetAlternateID(ctx, contact.ID, jid); err != nil {
			return err
		}
		logger.Info().Str("alternate_id", jid).Msg("contact identifier resolved")
		return nil
	}

	now := clock(l.Now)
	again, ferr := task.Fail(err, l.policy(), now)
	if ferr != nil {
		return queue.Permanent(ferr)
	}
	if !again {
		logger.Warn().Err(err).Msg("contact identifier lookup abandoned")
		return l.Contacts.MarkAlternateLookupFailed(ctx, contact.ID)
	}
	logger.Debug().Err(err).Time("next_attempt_at", task.NextAttemptAt).Msg("contact identifier lookup failed, retrying")
	_, aerr := l.Queue.Add(ctx, JobResolveAlternateID, &task, queue.AddOptions{
		Delay:            task.NextAttemptAt.Sub(now),
		JobID:            lookupJobID(&task),
		Attempts:         1,
		RemoveOnComplete: true,
	})
	return aerr
}

func (l *ContactLookup) lookup(ctx context.Context, contact *model.Contact) (string, error) {
	conn, err := l.Connections.Default(ctx, contact.CompanyID)
	if err != nil {
		return "", err
	}
	adapter, err := l.Channels.ForConnection(conn)
	if err != nil {
		return "", err
	}
	lk, ok := adapter.(IdentifierLookup)
	if !ok {
		return "", appErrors.NewChannelUnavailable(conn.ID, "channel cannot resolve identifiers")
	}
	jid, found, err := lk.LookupJID(ctx, contact.Number)
	if err != nil {
		return "", err
	}
	if !found {
		return "", appErrors.NewNotFound("whatsapp account", contact.Number)
	}
	return jid, nil
}
