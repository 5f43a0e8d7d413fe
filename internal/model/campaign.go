// internal/model/campaign.go
package model

import "time"

type CampaignStatus string

const (
	CampaignInactive   CampaignStatus = "INATIVA"
	CampaignScheduled  CampaignStatus = "PROGRAMADA"
	CampaignInProgress CampaignStatus = "EM_ANDAMENTO"
	CampaignCancelled  CampaignStatus = "CANCELADA"
	CampaignFinished   CampaignStatus = "FINALIZADA"
)

type Campaign struct {
	ID                   int               `db:"id" json:"id"`
	CompanyID            int               `db:"company_id" json:"company_id"`
	Name                 string            `db:"name" json:"name"`
	Status               CampaignStatus    `db:"status" json:"status"`
	ConnectionID         *int              `db:"connection_id" json:"connection_id,omitempty"`
	ContactListID        *int              `db:"contact_list_id" json:"contact_list_id,omitempty"`
	TagID                *int              `db:"tag_id" json:"tag_id,omitempty"`
	Messages             []string          `db:"messages" json:"messages"`
	ConfirmationMessages []string          `db:"confirmation_messages" json:"confirmation_messages,omitempty"`
	Confirmation         bool              `db:"confirmation" json:"confirmation"`
	MediaPath            string            `db:"media_path" json:"media_path,omitempty"`
	MediaName            string            `db:"media_name" json:"media_name,omitempty"`
	Template             *Template         `db:"template" json:"template,omitempty"`
	OpenTicket           bool              `db:"open_ticket" json:"open_ticket"`
	ScheduledAt          *time.Time        `db:"scheduled_at" json:"scheduled_at,omitempty"`
	CompletedAt          *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
	IsRecurring          bool              `db:"is_recurring" json:"is_recurring"`
	IntervalUnit         IntervalUnit      `db:"interval_unit" json:"interval_unit,omitempty"`
	IntervalValue        int               `db:"interval_value" json:"interval_value"`
	MaxExecutions        int               `db:"max_executions" json:"max_executions"`
	ExecutionCount       int               `db:"execution_count" json:"execution_count"`
	BusinessDayPolicy    BusinessDayPolicy `db:"business_day_policy" json:"business_day_policy,omitempty"`
	AudienceSize         int               `db:"audience_size" json:"audience_size"`
	JobID                *string           `db:"job_id" json:"job_id,omitempty"`
	CreatedAt            time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt            *time.Time        `db:"updated_at" json:"updated_at,omitempty"`
}

// HasNextExecution reports whether a recurring campaign should run again
// after the current execution.
func (c *Campaign) HasNextExecution() bool {
	if !c.IsRecurring || c.IntervalValue <= 0 {
		return false
	}
	return c.MaxExecutions == 0 || c.ExecutionCount < c.MaxExecutions
}

// CampaignStats counts shipments of the current execution.
type CampaignStats struct {
	AudienceSize int            `json:"audience_size"`
	Delivered    int            `json:"delivered"`
	Failed       int            `json:"failed"`
	ByStatus     map[string]int `json:"by_status"`
}

func (s CampaignStats) Processed() int {
	return s.Delivered + s.Failed
}
