// internal/service/jobs.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omica1992/whatsapp-dispatch/internal/channel"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
	"github.com/omica1992/whatsapp-dispatch/internal/queue"
)

// Queue names.
const (
	QueueSchedules = "schedules"
	QueueCampaigns = "campaigns"
	QueueLookups   = "lookups"
	QueueVerify    = "verify"
)

// Job types.
const (
	JobVerify             = "schedules.verify"
	JobSendSchedule       = "schedule.send"
	JobSendReminder       = "reminder.send"
	JobProcessCampaign    = "campaign.process"
	JobPrepareShipment    = "campaign.prepare"
	JobDispatchShipment   = "campaign.dispatch"
	JobResolveAlternateID = "contact.resolve-alternate-id"
)

// ItemJob points a send job at a schedule or reminder row.
type ItemJob struct {
	ID        int `json:"id"`
	CompanyID int `json:"company_id"`
}

type CampaignJob struct {
	CampaignID int `json:"campaign_id"`
	Execution  int `json:"execution"`
}

type PrepareJob struct {
	CampaignID int    `json:"campaign_id"`
	Execution  int    `json:"execution"`
	CompanyID  int    `json:"company_id"`
	ContactID  int    `json:"contact_id"`
	Number     string `json:"number"`
	Index      int    `json:"index"`
	ByNumber   bool   `json:"by_number"`
}

type DispatchJob struct {
	ShipmentID int `json:"shipment_id"`
	CampaignID int `json:"campaign_id"`
	Execution  int `json:"execution"`
}

// Enqueuer is the part of queue.Queue the services use.
type Enqueuer interface {
	Add(ctx context.Context, jobType string, payload any, o queue.AddOptions) (*queue.Job, error)
	Remove(ctx context.Context, id string) (queue.RemoveResult, error)
}

// ChannelResolver picks the adapter for a connection.
type ChannelResolver interface {
	ForConnection(conn *model.Connection) (channel.Adapter, error)
}

// Notifier fans events out to tenant topics.
type Notifier interface {
	Publish(ctx context.Context, topic, event string, payload any) error
}

// CompanyTopic is the notification topic of a tenant.
func CompanyTopic(companyID int, name string) string {
	return fmt.Sprintf("company-%d-%s", companyID, name)
}

// publish never fails the caller.
func publish(ctx context.Context, n Notifier, topic, event string, payload any) {
	if n == nil {
		return
	}
	if err := n.Publish(ctx, topic, event, payload); err != nil {
		log.Warn().Err(err).Str("topic", topic).Str("event", event).Msg("notification failed")
	}
}

func itemJobID(jobType string, id int) string {
	return fmt.Sprintf("%s:%d", jobType, id)
}

func clock(now func() time.Time) time.Time {
	if now != nil {
		return now()
	}
	return time.Now()
}
