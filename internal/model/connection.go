// internal/model/connection.go
package model

type Provider string

const (
	ProviderSession  Provider = "session"
	ProviderOfficial Provider = "official"
)

type Connection struct {
	ID                int      `db:"id" json:"id"`
	CompanyID         int      `db:"company_id" json:"company_id"`
	Name              string   `db:"name" json:"name"`
	Provider          Provider `db:"provider" json:"provider"`
	Status            string   `db:"status" json:"status"`
	IsDefault         bool     `db:"is_default" json:"is_default"`
	DeviceJID         string   `db:"device_jid" json:"-"`
	PhoneNumberID     string   `db:"phone_number_id" json:"phone_number_id,omitempty"`
	BusinessAccountID string   `db:"business_account_id" json:"business_account_id,omitempty"`
	AccessToken       string   `db:"access_token" json:"-"`
	// CountryCode is prepended to local numbers sent through this
	// connection. Empty means the configured default.
	CountryCode string `db:"country_code" json:"country_code,omitempty"`
}
