// internal/repository/item.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/omica1992/whatsapp-dispatch/internal/errors"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
)

// MaxErrorLength bounds stored error strings.
const MaxErrorLength = 255

const itemColumns = `id, company_id, contact_id, connection_id, payload, status, scheduled_at,
	sent_at, delivered_at, read_at, failed_at, external_message_id, job_id, last_error, attempts,
	created_at, updated_at`

func itemTargets(it *model.OutboundItem) []any {
	return []any{
		&it.ID, &it.CompanyID, &it.ContactID, &it.ConnectionID, &it.Payload, &it.Status, &it.ScheduledAt,
		&it.SentAt, &it.DeliveredAt, &it.ReadAt, &it.FailedAt, &it.ExternalMessageID, &it.JobID, &it.LastError, &it.Attempts,
		&it.CreatedAt, &it.UpdatedAt,
	}
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// itemTable runs the guarded transitions shared by every outbound item
// table. Every write is conditional on the current status so concurrent
// workers and replayed jobs cannot overwrite each other.
type itemTable struct {
	db    *sql.DB
	table string
}

// cas moves id to "to" if its status is one of from. set holds extra
// assignments whose placeholders start at $4.
func (t itemTable) cas(ctx context.Context, id int, from []model.ItemState, to model.ItemState, set string, args ...any) (bool, error) {
	query := fmt.Sprintf(`UPDATE %s SET status=$1, updated_at=NOW()%s WHERE id=$2 AND status = ANY($3)`, t.table, set)
	all := append([]any{to, id, pq.Array(model.StateStrings(from))}, args...)
	res, err := t.db.ExecContext(ctx, query, all...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t itemTable) MarkEnqueued(ctx context.Context, id int) (bool, error) {
	return t.cas(ctx, id, []model.ItemState{model.StatePending}, model.StateEnqueued, "")
}

// RevertEnqueued hands an item back to the verifier when enqueueing failed.
func (t itemTable) RevertEnqueued(ctx context.Context, id int) error {
	_, err := t.cas(ctx, id, []model.ItemState{model.StateEnqueued}, model.StatePending, ", job_id=NULL")
	return err
}

func (t itemTable) SetJobID(ctx context.Context, id int, jobID *string) error {
	query := fmt.Sprintf(`UPDATE %s SET job_id=$1, updated_at=NOW() WHERE id=$2`, t.table)
	_, err := t.db.ExecContext(ctx, query, jobID, id)
	return err
}

func (t itemTable) MarkSent(ctx context.Context, id int, externalID string, at time.Time) (bool, error) {
	ok, err := t.cas(ctx, id, []model.ItemState{model.StateEnqueued}, model.StateSent,
		", external_message_id=$4, sent_at=$5, last_error='', job_id=NULL", externalID, at)
	if isUniqueViolation(err) {
		return false, fmt.Errorf("%s %d: %w", t.table, id, appErrors.ErrDuplicate)
	}
	return ok, err
}

func (t itemTable) MarkFailed(ctx context.Context, id int, reason string, at time.Time) (bool, error) {
	return t.cas(ctx, id, model.StatesBefore(model.StateFailed), model.StateFailed,
		", last_error=$4, failed_at=$5, job_id=NULL", Truncate(reason, MaxErrorLength), at)
}

// RecordAttemptError keeps an item ENQUEUED while the queue retries it.
func (t itemTable) RecordAttemptError(ctx context.Context, id int, reason string) error {
	query := fmt.Sprintf(`UPDATE %s SET last_error=$1, attempts=attempts+1, updated_at=NOW() WHERE id=$2 AND status=$3`, t.table)
	_, err := t.db.ExecContext(ctx, query, Truncate(reason, MaxErrorLength), id, model.StateEnqueued)
	return err
}

// Cancel moves an unfinished item to CANCELLED and returns the job id it
// was holding.
func (t itemTable) Cancel(ctx context.Context, id int) (*string, bool, error) {
	query := fmt.Sprintf(`UPDATE %s SET status=$1, updated_at=NOW() WHERE id=$2 AND status = ANY($3) RETURNING job_id`, t.table)
	var jobID *string
	err := t.db.QueryRowContext(ctx, query, model.StateCancelled, id, pq.Array(model.StateStrings(model.StatesBefore(model.StateCancelled)))).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return jobID, true, nil
}

// AdvanceByExternalID applies a provider status to the item that carries
// externalID. Only forward moves match.
func (t itemTable) AdvanceByExternalID(ctx context.Context, companyID int, externalID string, to model.ItemState, reason string, at time.Time) (bool, error) {
	var set string
	args := []any{to, companyID, externalID, pq.Array(model.StateStrings(model.StatesBefore(to)))}
	switch to {
	case model.StateDelivered:
		set = ", delivered_at=COALESCE(delivered_at, $5)"
		args = append(args, at)
	case model.StateRead:
		set = ", read_at=COALESCE(read_at, $5), delivered_at=COALESCE(delivered_at, $5)"
		args = append(args, at)
	case model.StateFailed:
		set = ", last_error=$5, failed_at=CASE WHEN delivered_at IS NULL THEN COALESCE(failed_at, $6) ELSE failed_at END"
		args = append(args, Truncate(reason, MaxErrorLength), at)
	}
	query := fmt.Sprintf(`UPDATE %s SET status=$1, updated_at=NOW()%s
		WHERE company_id=$2 AND external_message_id=$3 AND status = ANY($4)`, t.table, set)
	res, err := t.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
