// internal/repository/contact_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	appErrors "github.com/omica1992/whatsapp-dispatch/internal/errors"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
)

type ContactRepositoryInterface interface {
	GetByID(ctx context.Context, id int) (*model.Contact, error)
	FindOrCreate(ctx context.Context, companyID int, number, name string) (*model.Contact, error)
	ListByContactList(ctx context.Context, companyID, listID int) ([]*model.Contact, error)
	ListByTag(ctx context.Context, companyID, tagID int) ([]*model.Contact, error)
	SetAlternateID(ctx context.Context, id int, alternateID string) error
	MarkAlternateLookupFailed(ctx context.Context, id int) error
}

type ContactRepository struct {
	DB *sql.DB
}

const contactColumns = `id, company_id, name, number, email, alternate_id, alternate_lookup_failed`

func scanContact(row interface{ Scan(...any) error }) (*model.Contact, error) {
	var c model.Contact
	if err := row.Scan(&c.ID, &c.CompanyID, &c.Name, &c.Number, &c.Email, &c.AlternateID, &c.AlternateLookupFailed); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ContactRepository) GetByID(ctx context.Context, id int) (*model.Contact, error) {
	c, err := scanContact(r.DB.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewNotFound("contact", id)
	}
	return c, err
}

func (r *ContactRepository) FindOrCreate(ctx context.Context, companyID int, number, name string) (*model.Contact, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return nil, appErrors.NewValidation("number", "required")
	}
	if name == "" {
		name = number
	}
	query := `
        INSERT INTO contacts (company_id, number, name) VALUES ($1, $2, $3)
        ON CONFLICT (company_id, number) DO UPDATE SET updated_at=NOW()
        RETURNING ` + contactColumns
	return scanContact(r.DB.QueryRowContext(ctx, query, companyID, number, name))
}

func (r *ContactRepository) list(ctx context.Context, query string, args ...any) ([]*model.Contact, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *ContactRepository) ListByContactList(ctx context.Context, companyID, listID int) ([]*model.Contact, error) {
	return r.list(ctx, `
        SELECT c.id, c.company_id, c.name, c.number, c.email, c.alternate_id, c.alternate_lookup_failed
        FROM contacts c JOIN contact_list_items i ON i.contact_id = c.id
        WHERE c.company_id=$1 AND i.contact_list_id=$2
        ORDER BY c.id
    `, companyID, listID)
}

func (r *ContactRepository) ListByTag(ctx context.Context, companyID, tagID int) ([]*model.Contact, error) {
	return r.list(ctx, `
        SELECT c.id, c.company_id, c.name, c.number, c.email, c.alternate_id, c.alternate_lookup_failed
        FROM contacts c JOIN contact_tags t ON t.contact_id = c.id
        WHERE c.company_id=$1 AND t.tag_id=$2
        ORDER BY c.id
    `, companyID, tagID)
}

func (r *ContactRepository) SetAlternateID(ctx context.Context, id int, alternateID string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE contacts SET alternate_id=$1, alternate_lookup_failed=FALSE, updated_at=NOW() WHERE id=$2`, alternateID, id)
	return err
}

func (r *ContactRepository) MarkAlternateLookupFailed(ctx context.Context, id int) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE contacts SET alternate_lookup_failed=TRUE, updated_at=NOW() WHERE id=$1 AND alternate_id=''`, id)
	return err
}

var _ ContactRepositoryInterface = (*ContactRepository)(nil)
