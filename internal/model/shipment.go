// internal/model/shipment.go
package model

import "time"

// CampaignShipment is one campaign message to one recipient in one
// execution. (campaign_id, execution, number) is unique.
type CampaignShipment struct {
	OutboundItem
	CampaignID              int        `db:"campaign_id" json:"campaign_id"`
	Execution               int        `db:"execution" json:"execution"`
	Number                  string     `db:"number" json:"number"`
	Body                    string     `db:"body" json:"body"`
	ConfirmationRequestedAt *time.Time `db:"confirmation_requested_at" json:"confirmation_requested_at,omitempty"`
}

// Processed reports whether the shipment reached one of its exclusive
// terminal markers.
func (s *CampaignShipment) Processed() bool {
	return s.DeliveredAt != nil || s.FailedAt != nil
}

// ShipmentKey identifies a shipment for find-or-create. Contact-list
// audiences key on ContactID, tag audiences on Number.
type ShipmentKey struct {
	CampaignID int
	Execution  int
	CompanyID  int
	ContactID  int
	Number     string
	ByNumber   bool
}
