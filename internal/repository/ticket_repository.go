// internal/repository/ticket_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/omica1992/whatsapp-dispatch/internal/model"
)

type TicketRepositoryInterface interface {
	FindOrCreateOpen(ctx context.Context, t *model.Ticket) (*model.Ticket, bool, error)
}

type TicketRepository struct {
	DB *sql.DB
}

// FindOrCreateOpen returns the open or pending ticket of the contact on the
// connection, creating one with t's status and routing when none exists.
func (r *TicketRepository) FindOrCreateOpen(ctx context.Context, t *model.Ticket) (*model.Ticket, bool, error) {
	active := pq.Array([]string{string(model.TicketOpen), string(model.TicketPending)})
	find := func() (*model.Ticket, error) {
		var out model.Ticket
		err := r.DB.QueryRowContext(ctx, `
            SELECT id, company_id, contact_id, connection_id, status, user_id, queue_id
            FROM tickets
            WHERE contact_id=$1 AND connection_id=$2 AND status = ANY($3)
        `, t.ContactID, t.ConnectionID, active).Scan(
			&out.ID, &out.CompanyID, &out.ContactID, &out.ConnectionID, &out.Status, &out.UserID, &out.QueueID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return &out, err
	}

	existing, err := find()
	if err != nil || existing != nil {
		return existing, false, err
	}

	status := t.Status
	if status == "" || status == model.TicketClosed {
		status = model.TicketPending
	}
	created := *t
	created.Status = status
	err = r.DB.QueryRowContext(ctx, `
        INSERT INTO tickets (company_id, contact_id, connection_id, status, user_id, queue_id)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT DO NOTHING
        RETURNING id
    `, t.CompanyID, t.ContactID, t.ConnectionID, status, t.UserID, t.QueueID).Scan(&created.ID)
	if err == nil {
		return &created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	existing, err = find()
	return existing, false, err
}

var _ TicketRepositoryInterface = (*TicketRepository)(nil)
