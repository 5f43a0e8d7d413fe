// internal/handler/webhook_handler.go
package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	appErrors "github.com/omica1992/whatsapp-dispatch/internal/errors"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
)

const maxWebhookBody = 1 << 20

// StatusReporter receives the parsed status callbacks. In the server this
// is the broker publisher, or the reconciler itself when no broker is set.
type StatusReporter interface {
	ReportDeliveryStatus(ctx context.Context, ev model.StatusEvent) error
}

type ConnectionLookup interface {
	GetByPhoneNumberID(ctx context.Context, phoneNumberID string) (*model.Connection, error)
}

// WebhookHandler takes Official API callbacks.
type WebhookHandler struct {
	VerifyToken string
	AppSecret   string
	Connections ConnectionLookup
	Statuses    StatusReporter
}

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Statuses []webhookStatus `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookStatus struct {
	ID          string                `json:"id"`
	Status      string                `json:"status"`
	Timestamp   string                `json:"timestamp"`
	RecipientID string                `json:"recipient_id"`
	Errors      []model.ProviderIssue `json:"errors"`
}

// Verify answers the subscription handshake.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if h.VerifyToken == "" || q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != h.VerifyToken {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, q.Get("hub.challenge"))
}

func verifySignature(secret string, body []byte, headerSig string) bool {
	headerSig = strings.TrimSpace(headerSig)
	if !strings.HasPrefix(headerSig, "sha256=") {
		return false
	}
	got := strings.TrimPrefix(headerSig, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(got), []byte(expected))
}

func parseUnix(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}

// Receive reports every status in the callback. It answers 500 when a
// status could not be stored so the provider delivers the callback again;
// replays are harmless.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if h.AppSecret != "" && !verifySignature(h.AppSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		log.Warn().Str("remote", r.RemoteAddr).Msg("webhook signature mismatch")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	companies := map[string]int{}
	failed := 0
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			phoneID := change.Value.Metadata.PhoneNumberID
			if len(change.Value.Statuses) == 0 {
				continue
			}
			company, ok := companies[phoneID]
			if !ok {
				conn, err := h.Connections.GetByPhoneNumberID(ctx, phoneID)
				if err != nil {
					if !appErrors.IsNotFound(err) {
						failed++
					}
					log.Warn().Err(err).Str("phone_number_id", phoneID).Msg("webhook for unknown connection")
					continue
				}
				company = conn.CompanyID
				companies[phoneID] = company
			}

			for _, st := range change.Value.Statuses {
				ev := model.StatusEvent{
					CompanyID:         company,
					ExternalMessageID: st.ID,
					Status:            st.Status,
					Timestamp:         parseUnix(st.Timestamp),
					Errors:            st.Errors,
				}
				err := h.Statuses.ReportDeliveryStatus(ctx, ev)
				switch {
				case err == nil:
				case appErrors.IsValidation(err), appErrors.IsNotFound(err):
					log.Warn().Err(err).Int("company_id", company).Str("external_message_id", st.ID).Msg("status dropped")
				default:
					failed++
					log.Error().Err(err).Int("company_id", company).Str("external_message_id", st.ID).Msg("status not reconciled")
				}
			}
		}
	}

	if failed > 0 {
		http.Error(w, "retry later", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
