// internal/app/app.go
package app

import (
	"database/sql"
	"time"

	"golang.org/x/time/rate"

	"github.com/omica1992/whatsapp-dispatch/internal/channel"
	"github.com/omica1992/whatsapp-dispatch/internal/config"
	"github.com/omica1992/whatsapp-dispatch/internal/queue"
	"github.com/omica1992/whatsapp-dispatch/internal/repository"
	"github.com/omica1992/whatsapp-dispatch/internal/retry"
	"github.com/omica1992/whatsapp-dispatch/internal/service"
)

// App holds the repositories, queues and services both binaries share.
type App struct {
	Schedules   *repository.ScheduleRepository
	Reminders   *repository.ReminderRepository
	Campaigns   *repository.CampaignRepository
	Shipments   *repository.ShipmentRepository
	Messages    *repository.MessageRepository
	Contacts    *repository.ContactRepository
	Connections *repository.ConnectionRepository
	Tickets     *repository.TicketRepository

	ScheduleQueue *queue.Queue
	CampaignQueue *queue.Queue
	LookupQueue   *queue.Queue
	// VerifyQueue carries the repeating verifier job, clear of the send
	// rate limit.
	VerifyQueue *queue.Queue

	Sender          *service.Sender
	Verifier        *service.Verifier
	Dispatcher      *service.ScheduleDispatcher
	CampaignService *service.CampaignService
	Reconciler      *service.Reconciler
	Outbound        *service.OutboundService
	Lookups         *service.ContactLookup
}

// Policy is the retry policy of the queues.
func Policy(d config.Dispatch) retry.Policy {
	return retry.Policy{Base: d.BackoffBase, Max: d.BackoffMax, MaxAttempts: d.Attempts}
}

func ResolverConfig(w config.WhatsApp) channel.ResolverConfig {
	return channel.ResolverConfig{
		CountryCode:  w.CountryCode,
		Timeout:      w.SendTimeout,
		GraphURL:     w.GraphURL,
		GraphVersion: w.GraphVersion,
		SessionRate:  rate.Limit(w.SessionRate),
		SessionBurst: w.SessionBurst,
	}
}

func queueOptions(d config.Dispatch, limited bool) []queue.Option {
	opts := []queue.Option{
		queue.WithConcurrency(d.Concurrency),
		queue.WithAttempts(d.Attempts),
		queue.WithBackoff(Policy(d)),
		queue.WithJobTimeout(d.JobTimeout),
		queue.WithRetention(24*time.Hour, 7*24*time.Hour),
	}
	if limited && d.RateMax > 0 {
		opts = append(opts, queue.WithRateLimit(d.RateMax, d.RatePer))
	}
	return opts
}

// New wires every service and registers the job handlers on the queues.
// Registering is harmless in processes that never run the queues.
func New(cfg *config.Config, db *sql.DB, backend queue.Backend, channels service.ChannelResolver, notifier service.Notifier) *App {
	a := &App{
		Schedules:   &repository.ScheduleRepository{DB: db},
		Reminders:   &repository.ReminderRepository{DB: db},
		Campaigns:   &repository.CampaignRepository{DB: db},
		Shipments:   &repository.ShipmentRepository{DB: db},
		Messages:    &repository.MessageRepository{DB: db},
		Contacts:    &repository.ContactRepository{DB: db},
		Connections: &repository.ConnectionRepository{DB: db},
		Tickets:     &repository.TicketRepository{DB: db},
	}
	d := cfg.Dispatch
	a.ScheduleQueue = queue.New(service.QueueSchedules, backend, queueOptions(d, true)...)
	a.CampaignQueue = queue.New(service.QueueCampaigns, backend, queueOptions(d, true)...)
	a.LookupQueue = queue.New(service.QueueLookups, backend, queueOptions(d, false)...)
	a.VerifyQueue = queue.New(service.QueueVerify, backend, queueOptions(d, false)...)
	calendar := service.WeekdayCalendar{}

	a.Lookups = &service.ContactLookup{
		Contacts:    a.Contacts,
		Connections: a.Connections,
		Channels:    channels,
		Queue:       a.LookupQueue,
		Policy:      Policy(d),
	}
	a.Lookups.Register(a.LookupQueue)

	a.Sender = &service.Sender{
		Contacts:    a.Contacts,
		Connections: a.Connections,
		Tickets:     a.Tickets,
		Messages:    a.Messages,
		Channels:    channels,
		Notifier:    notifier,
		Lookups:     a.Lookups,
	}
	a.Verifier = &service.Verifier{
		Schedules:     a.Schedules,
		Reminders:     a.Reminders,
		Campaigns:     a.Campaigns,
		Queue:         a.ScheduleQueue,
		CampaignQueue: a.CampaignQueue,
	}
	a.Dispatcher = &service.ScheduleDispatcher{
		Schedules: a.Schedules,
		Reminders: a.Reminders,
		Sender:    a.Sender,
		Calendar:  calendar,
	}
	a.Dispatcher.Register(a.ScheduleQueue)
	a.CampaignService = &service.CampaignService{
		CampaignRepo:   a.Campaigns,
		ShipmentRepo:   a.Shipments,
		ContactRepo:    a.Contacts,
		Sender:         a.Sender,
		Queue:          a.CampaignQueue,
		Calendar:       calendar,
		CountryCode:    cfg.WhatsApp.CountryCode,
		Interval:       d.CampaignDelay,
		LongerInterval: d.CampaignLonger,
		LongerAfter:    d.CampaignLongerN,
	}
	a.CampaignService.Register(a.CampaignQueue)
	a.Reconciler = &service.Reconciler{
		Messages: a.Messages,
		Targets:  []service.StatusTarget{a.Schedules, a.Reminders, a.Shipments},
		Notifier: notifier,
	}
	a.Outbound = &service.OutboundService{
		Schedules: a.Schedules,
		Reminders: a.Reminders,
		Queue:     a.ScheduleQueue,
	}
	return a
}

// Queues lists the queues a worker runs.
func (a *App) Queues() []*queue.Queue {
	return []*queue.Queue{a.ScheduleQueue, a.CampaignQueue, a.LookupQueue, a.VerifyQueue}
}
