// internal/model/message.go
package model

import "time"

// Ack levels stored on a message. Higher values never get overwritten by
// lower ones.
const (
	AckPending   = 0
	AckSent      = 1
	AckDelivered = 2
	AckRead      = 3
)

// Message is the CRM record of a sent WhatsApp message.
type Message struct {
	ID                int        `db:"id" json:"id"`
	CompanyID         int        `db:"company_id" json:"company_id"`
	ContactID         int        `db:"contact_id" json:"contact_id"`
	TicketID          *int       `db:"ticket_id" json:"ticket_id,omitempty"`
	ConnectionID      int        `db:"connection_id" json:"connection_id"`
	ExternalMessageID string     `db:"external_message_id" json:"external_message_id"`
	Body              string     `db:"body" json:"body"`
	MediaType         string     `db:"media_type" json:"media_type"`
	FromMe            bool       `db:"from_me" json:"from_me"`
	Ack               int        `db:"ack" json:"ack"`
	DeliveryErrorCode string     `db:"delivery_error_code" json:"delivery_error_code,omitempty"`
	DeliveryError     string     `db:"delivery_error" json:"delivery_error,omitempty"`
	FailedAt          *time.Time `db:"failed_at" json:"failed_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// StatusEvent is a delivery status callback from a channel provider.
type StatusEvent struct {
	CompanyID         int             `json:"company_id"`
	ExternalMessageID string          `json:"external_message_id"`
	Status            string          `json:"status"`
	Timestamp         time.Time       `json:"timestamp"`
	Errors            []ProviderIssue `json:"errors,omitempty"`
	Error             *ProviderIssue  `json:"error,omitempty"`
	ErrorCode         string          `json:"errorCode,omitempty"`
	ErrorMessage      string          `json:"errorMessage,omitempty"`
	Code              any             `json:"code,omitempty"`
	Message           string          `json:"message,omitempty"`
}

// ProviderIssue covers the error objects the Official API and session
// gateways attach to failed statuses.
type ProviderIssue struct {
	Code      any    `json:"code,omitempty"`
	Title     string `json:"title,omitempty"`
	Message   string `json:"message,omitempty"`
	ErrorData *struct {
		Details string `json:"details,omitempty"`
	} `json:"error_data,omitempty"`
}
