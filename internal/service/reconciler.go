// internal/service/reconciler.go
package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	appErrors "github.com/omica1992/whatsapp-dispatch/internal/errors"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
	"github.com/omica1992/whatsapp-dispatch/internal/repository"
)

// StatusTarget is an outbound item table that follows provider statuses.
type StatusTarget interface {
	AdvanceByExternalID(ctx context.Context, companyID int, externalID string, to model.ItemState, reason string, at time.Time) (bool, error)
}

// Reconciler applies delivery status callbacks. The webhook handler and
// the broker consumer both call ReportDeliveryStatus.
type Reconciler struct {
	Messages repository.MessageRepositoryInterface
	Targets  []StatusTarget
	Notifier Notifier
	Now      func() time.Time
}

// GenericDeliveryError is stored when a failure carries no usable detail.
const GenericDeliveryError = "message could not be delivered"

func ackFor(status string) (int, model.ItemState, bool) {
	switch strings.ToLower(status) {
	case "sent", "server_ack":
		return model.AckSent, model.StateSent, true
	case "delivered", "delivery_ack":
		return model.AckDelivered, model.StateDelivered, true
	case "read", "played":
		return model.AckRead, model.StateRead, true
	}
	return 0, "", false
}

func isFailure(status string) bool {
	switch strings.ToLower(status) {
	case "failed", "undelivered", "error":
		return true
	}
	return false
}

// ReportDeliveryStatus is idempotent: every write only moves state
// forward, so replays and out of order events leave the same result.
func (r *Reconciler) ReportDeliveryStatus(ctx context.Context, ev model.StatusEvent) error {
	if ev.ExternalMessageID == "" {
		return appErrors.NewValidation("external_message_id", "required")
	}
	if ev.CompanyID <= 0 {
		return appErrors.NewValidation("company_id", "required")
	}
	logger := log.With().Int("company_id", ev.CompanyID).Str("external_id", ev.ExternalMessageID).Str("status", ev.Status).Logger()

	at := ev.Timestamp
	if at.IsZero() {
		at = clock(r.Now)
	}

	msg, err := r.Messages.FindByExternalID(ctx, ev.CompanyID, ev.ExternalMessageID)
	if appErrors.IsNotFound(err) {
		logger.Info().Msg("status for unknown message dropped")
		return nil
	}
	if err != nil {
		return err
	}

	if isFailure(ev.Status) {
		code, reason := ExtractError(ev)
		changed, err := r.Messages.MarkFailed(ctx, msg.ID, code, reason, at)
		if err != nil {
			return err
		}
		if err := r.advance(ctx, ev, model.StateFailed, reason, at); err != nil {
			return err
		}
		if changed {
			logger.Warn().Str("code", code).Str("reason", reason).Msg("message delivery failed")
			msg.DeliveryErrorCode, msg.DeliveryError, msg.FailedAt = code, reason, &at
			publish(ctx, r.Notifier, CompanyTopic(ev.CompanyID, "appMessage"), "update", msg)
		}
		return nil
	}

	ack, state, ok := ackFor(ev.Status)
	if !ok {
		logger.Debug().Msg("status ignored")
		return nil
	}
	changed, err := r.Messages.UpdateAck(ctx, msg.ID, ack)
	if err != nil {
		return err
	}
	if err := r.advance(ctx, ev, state, "", at); err != nil {
		return err
	}
	if changed {
		msg.Ack = ack
		publish(ctx, r.Notifier, CompanyTopic(ev.CompanyID, "appMessage"), "update", msg)
	}
	return nil
}

func (r *Reconciler) advance(ctx context.Context, ev model.StatusEvent, to model.ItemState, reason string, at time.Time) error {
	for _, t := range r.Targets {
		ok, err := t.AdvanceByExternalID(ctx, ev.CompanyID, ev.ExternalMessageID, to, reason, at)
		if err != nil {
			return fmt.Errorf("advance to %s: %w", to, err)
		}
		if ok {
			return nil
		}
	}
	return nil
}

// ExtractError pulls a code and message out of the error shapes providers
// attach to failed statuses, most specific first.
func ExtractError(ev model.StatusEvent) (code, message string) {
	if len(ev.Errors) > 0 {
		e := ev.Errors[0]
		code = codeString(e.Code)
		if e.ErrorData != nil && e.ErrorData.Details != "" {
			return code, e.ErrorData.Details
		}
		if e.Message != "" {
			return code, e.Message
		}
		if e.Title != "" {
			return code, e.Title
		}
	}
	if ev.Error != nil && ev.Error.Message != "" {
		return codeString(ev.Error.Code), ev.Error.Message
	}
	if ev.Message != "" {
		return codeString(ev.Code), ev.Message
	}
	if ev.ErrorMessage != "" {
		return ev.ErrorCode, ev.ErrorMessage
	}
	if code == "" {
		code = codeString(ev.Code)
	}
	if code == "" {
		code = ev.ErrorCode
	}
	return code, GenericDeliveryError
}

func codeString(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64)
	case int:
		return strconv.Itoa(c)
	}
	return fmt.Sprint(v)
}
