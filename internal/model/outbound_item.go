// internal/model/outbound_item.go
package model

import "time"

// OutboundItem holds the delivery fields shared by schedules, reminders and
// campaign shipments.
type OutboundItem struct {
	ID                int        `db:"id" json:"id"`
	CompanyID         int        `db:"company_id" json:"company_id"`
	ContactID         int        `db:"contact_id" json:"contact_id"`
	ConnectionID      *int       `db:"connection_id" json:"connection_id,omitempty"`
	Payload           Payload    `db:"payload" json:"payload"`
	Status            ItemState  `db:"status" json:"status"`
	ScheduledAt       time.Time  `db:"scheduled_at" json:"scheduled_at"`
	SentAt            *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt       *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	ReadAt            *time.Time `db:"read_at" json:"read_at,omitempty"`
	FailedAt          *time.Time `db:"failed_at" json:"failed_at,omitempty"`
	ExternalMessageID *string    `db:"external_message_id" json:"external_message_id,omitempty"`
	JobID             *string    `db:"job_id" json:"job_id,omitempty"`
	LastError         string     `db:"last_error" json:"last_error,omitempty"`
	Attempts          int        `db:"attempts" json:"attempts"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}
