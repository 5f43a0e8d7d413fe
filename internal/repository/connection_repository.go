// internal/repository/connection_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"

	appErrors "github.com/omica1992/whatsapp-dispatch/internal/errors"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
)

type ConnectionRepositoryInterface interface {
	GetByID(ctx context.Context, id int) (*model.Connection, error)
	Default(ctx context.Context, companyID int) (*model.Connection, error)
	ListByProvider(ctx context.Context, provider model.Provider) ([]*model.Connection, error)
	GetByPhoneNumberID(ctx context.Context, phoneNumberID string) (*model.Connection, error)
	UpdateStatus(ctx context.Context, id int, status string) error
}

type ConnectionRepository struct {
	DB *sql.DB
}

const connectionColumns = `id, company_id, name, provider, status, is_default, device_jid, phone_number_id,
	business_account_id, access_token, country_code`

func scanConnection(row interface{ Scan(...any) error }) (*model.Connection, error) {
	var c model.Connection
	err := row.Scan(&c.ID, &c.CompanyID, &c.Name, &c.Provider, &c.Status, &c.IsDefault, &c.DeviceJID,
		&c.PhoneNumberID, &c.BusinessAccountID, &c.AccessToken, &c.CountryCode)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ConnectionRepository) GetByID(ctx context.Context, id int) (*model.Connection, error) {
	c, err := scanConnection(r.DB.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewNotFound("connection", id)
	}
	return c, err
}

// Default returns the tenant's default connection, falling back to its
// oldest one.
func (r *ConnectionRepository) Default(ctx context.Context, companyID int) (*model.Connection, error) {
	c, err := scanConnection(r.DB.QueryRowContext(ctx, `
        SELECT `+connectionColumns+` FROM connections
        WHERE company_id=$1
        ORDER BY is_default DESC, id
        LIMIT 1
    `, companyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewNotFound("default connection for company", companyID)
	}
	return c, err
}

func (r *ConnectionRepository) ListByProvider(ctx context.Context, provider model.Provider) ([]*model.Connection, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE provider=$1 ORDER BY id`, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetByPhoneNumberID finds the Official API connection a webhook call
// belongs to.
func (r *ConnectionRepository) GetByPhoneNumberID(ctx context.Context, phoneNumberID string) (*model.Connection, error) {
	c, err := scanConnection(r.DB.QueryRowContext(ctx, `
        SELECT `+connectionColumns+` FROM connections
        WHERE provider='official' AND phone_number_id=$1
        ORDER BY id
        LIMIT 1
    `, phoneNumberID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewNotFound("connection for phone number id", phoneNumberID)
	}
	return c, err
}

func (r *ConnectionRepository) UpdateStatus(ctx context.Context, id int, status string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE connections SET status=$1 WHERE id=$2`, status, id)
	return err
}

var _ ConnectionRepositoryInterface = (*ConnectionRepository)(nil)
