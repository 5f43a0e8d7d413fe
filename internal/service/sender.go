// internal/service/sender.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/omica1992/whatsapp-dispatch/internal/channel"
	appErrors "github.com/omica1992/whatsapp-dispatch/internal/errors"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
	"github.com/omica1992/whatsapp-dispatch/internal/queue"
	"github.com/omica1992/whatsapp-dispatch/internal/repository"
)

// SessionHandoffWait is how long a job waits before trying again when the
// session it needs is held by another worker.
const SessionHandoffWait = time.Second

// Outbound is one message ready to leave through a channel.
type Outbound struct {
	CompanyID    int
	ContactID    int
	ConnectionID *int
	Payload      model.Payload
	// Ticket, when set, asks for an open ticket before the send. Its
	// status and routing apply if a ticket has to be created.
	Ticket *model.Ticket
}

// Delivery is what a successful send produced.
type Delivery struct {
	ExternalID string
	Contact    *model.Contact
	Connection *model.Connection
	TicketID   *int
	Payload    model.Payload
	SentAt     time.Time
}

// sentRecord is what a job keeps of a delivery whose bookkeeping failed.
type sentRecord struct {
	ExternalID   string        `json:"external_id"`
	ContactID    int           `json:"contact_id"`
	ConnectionID int           `json:"connection_id"`
	TicketID     *int          `json:"ticket_id,omitempty"`
	Payload      model.Payload `json:"payload"`
	SentAt       time.Time     `json:"sent_at"`
}

// sentStore is the part of an item repository that records a send.
type sentStore interface {
	MarkSent(ctx context.Context, id int, externalID string, at time.Time) (bool, error)
}

// Sender runs the channel side of every dispatcher: connection and
// channel resolution, payload building, the ticket flow and the send
// itself.
type Sender struct {
	Contacts    repository.ContactRepositoryInterface
	Connections repository.ConnectionRepositoryInterface
	Tickets     repository.TicketRepositoryInterface
	Messages    repository.MessageRepositoryInterface
	Channels    ChannelResolver
	Notifier    Notifier
	// Lookups, when set, resolves missing contact identifiers after a
	// session send.
	Lookups interface {
		Start(ctx context.Context, contact *model.Contact) error
	}
	Now func() time.Time
}

func (s *Sender) connection(ctx context.Context, companyID int, id *int) (*model.Connection, error) {
	if id != nil {
		conn, err := s.Connections.GetByID(ctx, *id)
		if err == nil {
			return conn, nil
		}
		if !appErrors.IsNotFound(err) {
			return nil, err
		}
		log.Warn().Int("company_id", companyID).Int("connection_id", *id).Msg("connection gone, using tenant default")
	}
	conn, err := s.Connections.Default(ctx, companyID)
	if appErrors.IsNotFound(err) {
		return nil, appErrors.NewChannelUnavailable(0, fmt.Sprintf("company %d has no connection", companyID))
	}
	return conn, err
}

// Send delivers o and returns the provider's message id.
func (s *Sender) Send(ctx context.Context, o Outbound) (*Delivery, error) {
	contact, err := s.Contacts.GetByID(ctx, o.ContactID)
	if err != nil {
		return nil, err
	}
	conn, err := s.connection(ctx, o.CompanyID, o.ConnectionID)
	if err != nil {
		return nil, err
	}
	adapter, err := s.Channels.ForConnection(conn)
	if err != nil {
		return nil, err
	}

	payload := o.Payload
	vars := channel.ContactVariables(contact)
	switch payload.Kind {
	case model.PayloadText:
		payload.Text = channel.ApplyText(payload.Text, vars)
	case model.PayloadTemplate:
		if payload.Template != nil {
			tpl := channel.ApplyVariables(*payload.Template, vars)
			payload.Template = &tpl
		}
	}

	d := &Delivery{Contact: contact, Connection: conn, Payload: payload}
	if o.Ticket != nil {
		req := *o.Ticket
		req.CompanyID = o.CompanyID
		req.ContactID = contact.ID
		req.ConnectionID = conn.ID
		ticket, created, err := s.Tickets.FindOrCreateOpen(ctx, &req)
		if err != nil {
			return nil, fmt.Errorf("open ticket: %w", err)
		}
		if ticket != nil {
			d.TicketID = &ticket.ID
			if created {
				publish(ctx, s.Notifier, CompanyTopic(o.CompanyID, "ticket"), "create", ticket)
			}
		}
	}

	res, err := channel.Send(ctx, adapter, contact.Number, payload)
	if err != nil {
		return nil, err
	}
	d.ExternalID = res.ExternalID
	d.SentAt = clock(s.Now)
	return d, nil
}

// Record stores the CRM message for a delivery and notifies the tenant.
// Failures are logged; the message already left.
func (s *Sender) Record(ctx context.Context, companyID int, d *Delivery) {
	msg := &model.Message{
		CompanyID:         companyID,
		ContactID:         d.Contact.ID,
		TicketID:          d.TicketID,
		ConnectionID:      d.Connection.ID,
		ExternalMessageID: d.ExternalID,
		Body:              messageBody(d.Payload),
		MediaType:         mediaType(d.Payload),
		FromMe:            true,
		Ack:               model.AckSent,
	}
	stored, err := s.Messages.Create(ctx, msg)
	if err != nil {
		log.Error().Err(err).Int("company_id", companyID).Str("external_id", d.ExternalID).Msg("failed to record message")
		return
	}
	publish(ctx, s.Notifier, CompanyTopic(companyID, "appMessage"), "create", stored)

	c := d.Contact
	if s.Lookups != nil && d.Connection.Provider == model.ProviderSession && c.AlternateID == "" && !c.AlternateLookupFailed {
		if err := s.Lookups.Start(ctx, c); err != nil {
			log.Warn().Err(err).Int("contact_id", c.ID).Msg("failed to queue identifier lookup")
		}
	}
}

func messageBody(p model.Payload) string {
	switch p.Kind {
	case model.PayloadMedia:
		if p.Media != nil {
			if p.Media.Caption != "" {
				return p.Media.Caption
			}
			return p.Media.FileName
		}
	case model.PayloadTemplate:
		if p.Template != nil {
			return p.Template.Name
		}
	}
	return p.Text
}

func mediaType(p model.Payload) string {
	switch p.Kind {
	case model.PayloadMedia:
		if p.Media != nil {
			return string(p.Media.Kind)
		}
	case model.PayloadTemplate:
		return "template"
	}
	return "conversation"
}

type failureStore interface {
	MarkFailed(ctx context.Context, id int, reason string, at time.Time) (bool, error)
	RecordAttemptError(ctx context.Context, id int, reason string) error
}

// handleSendError decides what a failed send means for the item. Errors
// that retrying cannot fix mark it FAILED and come back wrapped in
// queue.Permanent. Anything else is counted on the row and handed back
// for a queue retry.
func handleSendError(ctx context.Context, store failureStore, kind string, id, companyID, attempt int, now time.Time, err error) (failed bool, out error) {
	logger := log.With().Str("item", kind).Int("item_id", id).Int("company_id", companyID).Int("attempt", attempt).Logger()
	if errors.Is(ctx.Err(), context.Canceled) {
		logger.Warn().Err(err).Msg("send interrupted")
		return false, err
	}
	if appErrors.IsSessionElsewhere(err) {
		logger.Debug().Err(err).Msg("session held by another worker")
		return false, queue.RetryAfter(SessionHandoffWait, err.Error())
	}
	if !appErrors.IsTransient(err) {
		logger.Error().Err(err).Msg("send failed permanently")
		if _, ferr := store.MarkFailed(ctx, id, err.Error(), now); ferr != nil {
			logger.Error().Err(ferr).Msg("failed to mark item failed")
			return false, ferr
		}
		return true, queue.Permanent(err)
	}
	logger.Warn().Err(err).Msg("send failed, will retry")
	if rerr := store.RecordAttemptError(ctx, id, err.Error()); rerr != nil {
		logger.Error().Err(rerr).Msg("failed to record attempt error")
	}
	return false, err
}

// hold keeps d on the job after the item could not be marked sent and
// returns a retryable error. The next attempt records d instead of
// sending again.
func (s *Sender) hold(job *queue.Job, d *Delivery, cause error) error {
	err := job.SetProgress(sentRecord{
		ExternalID:   d.ExternalID,
		ContactID:    d.Contact.ID,
		ConnectionID: d.Connection.ID,
		TicketID:     d.TicketID,
		Payload:      d.Payload,
		SentAt:       d.SentAt,
	})
	if err != nil {
		return queue.Permanent(errors.Join(cause, err))
	}
	return fmt.Errorf("record send %s: %w", d.ExternalID, cause)
}

// resume returns the delivery an earlier attempt of job held, or nil
// when the job carries none.
func (s *Sender) resume(ctx context.Context, job *queue.Job) (*Delivery, error) {
	if len(job.Progress) == 0 {
		return nil, nil
	}
	var r sentRecord
	if err := json.Unmarshal(job.Progress, &r); err != nil {
		return nil, queue.Permanent(fmt.Errorf("decode held delivery: %w", err))
	}
	contact, err := s.Contacts.GetByID(ctx, r.ContactID)
	if err != nil {
		return nil, err
	}
	conn, err := s.Connections.GetByID(ctx, r.ConnectionID)
	if err != nil {
		return nil, err
	}
	return &Delivery{
		ExternalID: r.ExternalID,
		Contact:    contact,
		Connection: conn,
		TicketID:   r.TicketID,
		Payload:    r.Payload,
		SentAt:     r.SentAt,
	}, nil
}

// settleHeld makes a last attempt to record a held delivery once the
// queue gave up on its job. It reports whether the job held one; an item
// whose message left is never marked FAILED from here.
func (s *Sender) settleHeld(ctx context.Context, job *queue.Job, store sentStore, id, companyID int) bool {
	if len(job.Progress) == 0 {
		return false
	}
	logger := log.With().Str("type", job.Type).Int("item_id", id).Int("company_id", companyID).Logger()
	d, err := s.resume(ctx, job)
	if err != nil {
		logger.Error().Err(err).Msg("item sent but not recorded")
		return true
	}
	if _, err := store.MarkSent(ctx, id, d.ExternalID, d.SentAt); err != nil {
		if !errors.Is(err, appErrors.ErrDuplicate) {
			logger.Error().Err(err).Str("external_id", d.ExternalID).Msg("item sent but not recorded")
		}
		return true
	}
	s.Record(ctx, companyID, d)
	return true
}
