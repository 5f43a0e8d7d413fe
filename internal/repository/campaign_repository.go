// internal/repository/campaign_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	appErrors "github.com/omica1992/whatsapp-dispatch/internal/errors"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
)

type CampaignRepositoryInterface interface {
	// Campaign CRUD
	ListCampaigns(ctx context.Context, companyID, offset, limit int, status string) ([]*model.Campaign, int, error)
	GetByID(ctx context.Context, id int) (*model.Campaign, error)
	Create(ctx context.Context, c *model.Campaign) error
	ListDue(ctx context.Context, from, to time.Time, limit int) ([]*model.Campaign, error)
	SetJobID(ctx context.Context, id int, jobID *string) error

	// Execution lifecycle
	StartExecution(ctx context.Context, id, execution, audienceSize int) (bool, error)
	Finalize(ctx context.Context, id, execution int, at time.Time) (bool, error)
	ScheduleNext(ctx context.Context, id, execution int, next time.Time) (bool, error)
	Cancel(ctx context.Context, id int) (*model.Campaign, bool, error)
	Restart(ctx context.Context, id int) (*model.Campaign, bool, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, company_id, name, status, connection_id, contact_list_id, tag_id, messages,
	confirmation_messages, confirmation, media_path, media_name, template, open_ticket, scheduled_at,
	completed_at, is_recurring, interval_unit, interval_value, max_executions, execution_count,
	business_day_policy, audience_size, job_id, created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }) (*model.Campaign, error) {
	var c model.Campaign
	var tpl []byte
	err := row.Scan(&c.ID, &c.CompanyID, &c.Name, &c.Status, &c.ConnectionID, &c.ContactListID, &c.TagID,
		pq.Array(&c.Messages), pq.Array(&c.ConfirmationMessages), &c.Confirmation, &c.MediaPath, &c.MediaName,
		&tpl, &c.OpenTicket, &c.ScheduledAt, &c.CompletedAt, &c.IsRecurring, &c.IntervalUnit, &c.IntervalValue,
		&c.MaxExecutions, &c.ExecutionCount, &c.BusinessDayPolicy, &c.AudienceSize, &c.JobID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(tpl) > 0 && string(tpl) != "null" {
		c.Template = &model.Template{}
		if err := json.Unmarshal(tpl, c.Template); err != nil {
			return nil, fmt.Errorf("campaign %d template: %w", c.ID, err)
		}
	}
	return &c, nil
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if c.Status == "" {
		c.Status = model.CampaignInactive
	}
	var tpl []byte
	if c.Template != nil {
		var err error
		if tpl, err = json.Marshal(c.Template); err != nil {
			return err
		}
	}
	query := `
        INSERT INTO campaigns (company_id, name, status, connection_id, contact_list_id, tag_id, messages,
            confirmation_messages, confirmation, media_path, media_name, template, open_ticket, scheduled_at,
            is_recurring, interval_unit, interval_value, max_executions, business_day_policy)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
        RETURNING id, created_at
    `
	return r.DB.QueryRowContext(ctx, query,
		c.CompanyID, c.Name, c.Status, c.ConnectionID, c.ContactListID, c.TagID, pq.Array(c.Messages),
		pq.Array(c.ConfirmationMessages), c.Confirmation, c.MediaPath, c.MediaName, tpl, c.OpenTicket, c.ScheduledAt,
		c.IsRecurring, c.IntervalUnit, c.IntervalValue, c.MaxExecutions, c.BusinessDayPolicy,
	).Scan(&c.ID, &c.CreatedAt)
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, companyID, offset, limit int, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	where := ` WHERE company_id=$1`
	args := []interface{}{companyID}
	argPos := 2

	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	// Count total
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return campaigns, total, nil
}

// ListDue returns PROGRAMADA campaigns whose next execution falls in the window.
func (r *CampaignRepository) ListDue(ctx context.Context, from, to time.Time, limit int) ([]*model.Campaign, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+campaignColumns+`
        FROM campaigns
        WHERE status=$1 AND scheduled_at >= $2 AND scheduled_at <= $3
        ORDER BY scheduled_at
        LIMIT $4
    `, model.CampaignScheduled, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *CampaignRepository) SetJobID(ctx context.Context, id int, jobID *string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE campaigns SET job_id=$1, updated_at=NOW() WHERE id=$2`, jobID, id)
	return err
}

// ====================== Execution lifecycle ======================

func (r *CampaignRepository) exec(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// StartExecution moves a PROGRAMADA campaign into its next execution.
// Only the first caller for a given execution number wins.
func (r *CampaignRepository) StartExecution(ctx context.Context, id, execution, audienceSize int) (bool, error) {
	return r.exec(ctx, `
        UPDATE campaigns
        SET status=$1, execution_count=$2, audience_size=$3, completed_at=NULL, updated_at=NOW()
        WHERE id=$4 AND status=$5 AND execution_count=$2-1
    `, model.CampaignInProgress, execution, audienceSize, id, model.CampaignScheduled)
}

// Finalize closes the given execution. It is a no-op once the campaign left
// EM_ANDAMENTO or moved to another execution.
func (r *CampaignRepository) Finalize(ctx context.Context, id, execution int, at time.Time) (bool, error) {
	return r.exec(ctx, `
        UPDATE campaigns SET status=$1, completed_at=$2, job_id=NULL, updated_at=NOW()
        WHERE id=$3 AND status=$4 AND execution_count=$5
    `, model.CampaignFinished, at, id, model.CampaignInProgress, execution)
}

// ScheduleNext hands a recurring campaign back to the verifier for its next
// execution.
func (r *CampaignRepository) ScheduleNext(ctx context.Context, id, execution int, next time.Time) (bool, error) {
	return r.exec(ctx, `
        UPDATE campaigns SET status=$1, scheduled_at=$2, job_id=NULL, updated_at=NOW()
        WHERE id=$3 AND status=$4 AND execution_count=$5
    `, model.CampaignScheduled, next, id, model.CampaignInProgress, execution)
}

// Cancel stops a campaign that has not finished and returns it as it was
// before the update.
func (r *CampaignRepository) Cancel(ctx context.Context, id int) (*model.Campaign, bool, error) {
	c, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	ok, err := r.exec(ctx, `
        UPDATE campaigns SET status=$1, job_id=NULL, updated_at=NOW()
        WHERE id=$2 AND status = ANY($3)
    `, model.CampaignCancelled, id, pq.Array([]string{
		string(model.CampaignInactive), string(model.CampaignScheduled), string(model.CampaignInProgress),
	}))
	return c, ok, err
}

// Restart resumes the cancelled execution of a campaign. A campaign that
// was cancelled before its first execution goes back to PROGRAMADA.
func (r *CampaignRepository) Restart(ctx context.Context, id int) (*model.Campaign, bool, error) {
	ok, err := r.exec(ctx, `
        UPDATE campaigns
        SET status = CASE WHEN execution_count > 0 THEN $1 ELSE $4 END, completed_at=NULL, updated_at=NOW()
        WHERE id=$2 AND status=$3
    `, model.CampaignInProgress, id, model.CampaignCancelled, model.CampaignScheduled)
	if err != nil || !ok {
		return nil, ok, err
	}
	c, err := r.GetByID(ctx, id)
	return c, err == nil, err
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
