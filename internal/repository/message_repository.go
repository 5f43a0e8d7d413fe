// internal/repository/message_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	appErrors "github.com/omica1992/whatsapp-dispatch/internal/errors"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
)

type MessageRepositoryInterface interface {
	Create(ctx context.Context, m *model.Message) (*model.Message, error)
	FindByExternalID(ctx context.Context, companyID int, externalID string) (*model.Message, error)
	UpdateAck(ctx context.Context, id, ack int) (bool, error)
	MarkFailed(ctx context.Context, id int, code, reason string, at time.Time) (bool, error)
}

type MessageRepository struct {
	DB *sql.DB
}

const messageColumns = `id, company_id, contact_id, ticket_id, connection_id, external_message_id, body,
	media_type, from_me, ack, delivery_error_code, delivery_error, failed_at, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*model.Message, error) {
	var m model.Message
	err := row.Scan(&m.ID, &m.CompanyID, &m.ContactID, &m.TicketID, &m.ConnectionID, &m.ExternalMessageID, &m.Body,
		&m.MediaType, &m.FromMe, &m.Ack, &m.DeliveryErrorCode, &m.DeliveryError, &m.FailedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Create inserts the message record. A second insert with the same
// external id returns the stored row.
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) (*model.Message, error) {
	query := `
        INSERT INTO messages (company_id, contact_id, ticket_id, connection_id, external_message_id, body, media_type, from_me, ack)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (company_id, external_message_id) DO NOTHING
        RETURNING ` + messageColumns
	created, err := scanMessage(r.DB.QueryRowContext(ctx, query,
		m.CompanyID, m.ContactID, m.TicketID, m.ConnectionID, m.ExternalMessageID, m.Body, m.MediaType, m.FromMe, m.Ack))
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return r.FindByExternalID(ctx, m.CompanyID, m.ExternalMessageID)
}

func (r *MessageRepository) FindByExternalID(ctx context.Context, companyID int, externalID string) (*model.Message, error) {
	m, err := scanMessage(r.DB.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE company_id=$1 AND external_message_id=$2`, companyID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewNotFound("message", externalID)
	}
	return m, err
}

// UpdateAck raises the ack level. A lower or equal ack leaves the row alone.
func (r *MessageRepository) UpdateAck(ctx context.Context, id, ack int) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE messages SET ack=$1, updated_at=NOW() WHERE id=$2 AND ack < $1`, ack, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkFailed records the first failure reported for a message that was
// not delivered yet.
func (r *MessageRepository) MarkFailed(ctx context.Context, id int, code, reason string, at time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE messages SET delivery_error_code=$1, delivery_error=$2, failed_at=$3, updated_at=NOW()
        WHERE id=$4 AND failed_at IS NULL AND ack < $5
    `, Truncate(code, 64), Truncate(reason, MaxErrorLength), at, id, model.AckDelivered)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

var _ MessageRepositoryInterface = (*MessageRepository)(nil)
