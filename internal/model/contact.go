// internal/model/contact.go
package model

type Contact struct {
	ID                    int    `db:"id" json:"id"`
	CompanyID             int    `db:"company_id" json:"company_id"`
	Name                  string `db:"name" json:"name"`
	Number                string `db:"number" json:"number"`
	Email                 string `db:"email" json:"email,omitempty"`
	AlternateID           string `db:"alternate_id" json:"alternate_id,omitempty"`
	AlternateLookupFailed bool   `db:"alternate_lookup_failed" json:"alternate_lookup_failed"`
}

type TicketStatus string

const (
	TicketOpen    TicketStatus = "open"
	TicketPending TicketStatus = "pending"
	TicketClosed  TicketStatus = "closed"
)

type Ticket struct {
	ID           int          `db:"id" json:"id"`
	CompanyID    int          `db:"company_id" json:"company_id"`
	ContactID    int          `db:"contact_id" json:"contact_id"`
	ConnectionID int          `db:"connection_id" json:"connection_id"`
	Status       TicketStatus `db:"status" json:"status"`
	UserID       *int         `db:"user_id" json:"user_id,omitempty"`
	QueueID      *int         `db:"queue_id" json:"queue_id,omitempty"`
}
