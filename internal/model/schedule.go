// internal/model/schedule.go
package model

import "time"

type IntervalUnit string

const (
	IntervalDays    IntervalUnit = "days"
	IntervalWeeks   IntervalUnit = "weeks"
	IntervalMonths  IntervalUnit = "months"
	IntervalMinutes IntervalUnit = "minutes"
)

type BusinessDayPolicy string

const (
	BusinessDayAsIs        BusinessDayPolicy = "asIs"
	BusinessDayMoveEarlier BusinessDayPolicy = "moveEarlier"
	BusinessDayMoveLater   BusinessDayPolicy = "moveLater"
)

// Schedule is a one-shot or recurring message. Each occurrence is its own
// row; ParentID links an occurrence to the one that created it.
type Schedule struct {
	OutboundItem
	IntervalUnit      IntervalUnit      `db:"interval_unit" json:"interval_unit"`
	IntervalValue     int               `db:"interval_value" json:"interval_value"`
	MaxOccurrences    int               `db:"max_occurrences" json:"max_occurrences"`
	OccurrenceCount   int               `db:"occurrence_count" json:"occurrence_count"`
	BusinessDayPolicy BusinessDayPolicy `db:"business_day_policy" json:"business_day_policy"`
	ParentID          *int              `db:"parent_id" json:"parent_id,omitempty"`
	FinalOccurrence   bool              `db:"final_occurrence" json:"final_occurrence"`
	OpenTicket        bool              `db:"open_ticket" json:"open_ticket"`
	TicketStatus      string            `db:"ticket_status" json:"ticket_status,omitempty"`
	UserID            *int              `db:"user_id" json:"user_id,omitempty"`
	QueueID           *int              `db:"queue_id" json:"queue_id,omitempty"`
}

// Recurs reports whether a successor occurrence should follow this one.
func (s *Schedule) Recurs() bool {
	return s.IntervalValue > 0 && s.OccurrenceCount < s.MaxOccurrences
}

// Reminder is sent ahead of its schedule's body and has its own due time.
type Reminder struct {
	OutboundItem
	ScheduleID int `db:"schedule_id" json:"schedule_id"`
}

// NewSchedule is the input accepted by the enqueue API.
type NewSchedule struct {
	CompanyID         int               `json:"company_id"`
	ContactID         int               `json:"contact_id"`
	ConnectionID      *int              `json:"connection_id,omitempty"`
	Payload           Payload           `json:"payload"`
	ScheduledAt       time.Time         `json:"scheduled_at"`
	IntervalUnit      IntervalUnit      `json:"interval_unit,omitempty"`
	IntervalValue     int               `json:"interval_value,omitempty"`
	MaxOccurrences    int               `json:"max_occurrences,omitempty"`
	BusinessDayPolicy BusinessDayPolicy `json:"business_day_policy,omitempty"`
	OpenTicket        bool              `json:"open_ticket,omitempty"`
	TicketStatus      string            `json:"ticket_status,omitempty"`
	UserID            *int              `json:"user_id,omitempty"`
	QueueID           *int              `json:"queue_id,omitempty"`
	ReminderAt        *time.Time        `json:"reminder_at,omitempty"`
	ReminderPayload   *Payload          `json:"reminder_payload,omitempty"`
}
