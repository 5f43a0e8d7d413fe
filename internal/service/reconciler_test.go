package service

import (
	"context"
	"testing"

	"github.com/goccy/go-json"

	appErrors "github.com/omica1992/whatsapp-dispatch/internal/errors"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
)

func TestReconcilerOutOfOrderStatuses(t *testing.T) {
	h := newHarness(t)
	id, ext := h.sendSchedule(t, "oi")

	h.status(t, ext, "read")
	h.status(t, ext, "delivered")
	h.status(t, ext, "sent")

	s := h.store.schedule(id)
	if s.Status != model.StateRead {
		t.Fatalf("status = %s, want READ", s.Status)
	}
	if s.ReadAt == nil || s.DeliveredAt == nil {
		t.Error("read implies delivered: both timestamps should be set")
	}
	if msg := h.store.messageByExternal(ext); msg.Ack != model.AckRead {
		t.Errorf("ack = %d, want %d", msg.Ack, model.AckRead)
	}
	if n := h.notifier.count(CompanyTopic(1, "appMessage"), "update"); n != 1 {
		t.Errorf("%d update events, want 1", n)
	}
}

func TestReconcilerReplayIsIdempotent(t *testing.T) {
	h := newHarness(t)
	_, ext := h.sendSchedule(t, "oi")

	h.status(t, ext, "delivered")
	h.status(t, ext, "delivered")
	if n := h.notifier.count(CompanyTopic(1, "appMessage"), "update"); n != 1 {
		t.Errorf("%d update events, want 1", n)
	}
}

func TestReconcilerFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, ext := h.sendSchedule(t, "oi")

	ev := model.StatusEvent{
		CompanyID:         1,
		ExternalMessageID: ext,
		Status:            "failed",
		Errors:            []model.ProviderIssue{{Code: float64(131026), Title: "Message undeliverable"}},
	}
	if err := h.reconciler.ReportDeliveryStatus(ctx, ev); err != nil {
		t.Fatalf("ReportDeliveryStatus: %v", err)
	}

	s := h.store.schedule(id)
	if s.Status != model.StateFailed || s.LastError != "Message undeliverable" || s.FailedAt == nil {
		t.Fatalf("schedule = %s %q", s.Status, s.LastError)
	}
	msg := h.store.messageByExternal(ext)
	if msg.DeliveryErrorCode != "131026" || msg.DeliveryError != "Message undeliverable" || msg.FailedAt == nil {
		t.Fatalf("message = %+v", msg)
	}

	// a late delivered does not resurrect the item
	h.status(t, ext, "delivered")
	if got := h.store.schedule(id).Status; got != model.StateFailed {
		t.Errorf("status = %s after late delivered, want FAILED", got)
	}
}

func TestReconcilerLateFailureKeepsDelivered(t *testing.T) {
	h := newHarness(t)
	id, ext := h.sendSchedule(t, "oi")

	h.status(t, ext, "delivered")
	h.status(t, ext, "failed")

	s := h.store.schedule(id)
	if s.Status != model.StateDelivered || s.FailedAt != nil {
		t.Fatalf("schedule = %s failed_at %v, want DELIVERED", s.Status, s.FailedAt)
	}
	if msg := h.store.messageByExternal(ext); msg.FailedAt != nil || msg.Ack != model.AckDelivered {
		t.Fatalf("message = %+v", msg)
	}
}

func TestReconcilerUnknownMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.reconciler.ReportDeliveryStatus(ctx, model.StatusEvent{CompanyID: 1, ExternalMessageID: "wamid.nope", Status: "delivered"})
	if err != nil {
		t.Fatalf("unknown message should be dropped, got %v", err)
	}
	err = h.reconciler.ReportDeliveryStatus(ctx, model.StatusEvent{CompanyID: 1, Status: "delivered"})
	if !appErrors.IsValidation(err) {
		t.Fatalf("missing external id: got %v, want validation error", err)
	}
}

func TestReconcilerAdvancesShipment(t *testing.T) {
	h := newHarness(t)
	c := h.runCampaign(t, []string{"oi {nome}"}, 1)
	sh := h.store.shipmentList()[0]
	h.status(t, *sh.ExternalMessageID, "read")

	if got := h.store.shipmentList()[0]; got.Status != model.StateRead || got.ReadAt == nil {
		t.Fatalf("shipment = %s, want READ", got.Status)
	}
	if got := h.store.campaign(c.ID).Status; got != model.CampaignFinished {
		t.Errorf("campaign = %s, want FINALIZADA", got)
	}
}

func TestExtractError(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantCode string
		wantMsg  string
	}{
		{
			name:     "error data details first",
			raw:      `{"errors":[{"code":131047,"title":"Re-engagement message","message":"Re-engagement message","error_data":{"details":"Message failed to send because more than 24 hours have passed"}}]}`,
			wantCode: "131047",
			wantMsg:  "Message failed to send because more than 24 hours have passed",
		},
		{
			name:     "errors message",
			raw:      `{"errors":[{"code":131026,"message":"Message undeliverable"}]}`,
			wantCode: "131026",
			wantMsg:  "Message undeliverable",
		},
		{
			name:     "errors title",
			raw:      `{"errors":[{"code":"470","title":"Outside support window"}]}`,
			wantCode: "470",
			wantMsg:  "Outside support window",
		},
		{
			name:     "error object",
			raw:      `{"error":{"code":100,"message":"Invalid parameter"}}`,
			wantCode: "100",
			wantMsg:  "Invalid parameter",
		},
		{
			name:     "flat code and message",
			raw:      `{"code":503,"message":"session offline"}`,
			wantCode: "503",
			wantMsg:  "session offline",
		},
		{
			name:     "gateway fields",
			raw:      `{"errorCode":"E42","errorMessage":"number blocked"}`,
			wantCode: "E42",
			wantMsg:  "number blocked",
		},
		{
			name:     "code without message",
			raw:      `{"errors":[{"code":131000}]}`,
			wantCode: "131000",
			wantMsg:  GenericDeliveryError,
		},
		{
			name:    "nothing usable",
			raw:     `{}`,
			wantMsg: GenericDeliveryError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ev model.StatusEvent
			if err := json.Unmarshal([]byte(tt.raw), &ev); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			code, msg := ExtractError(ev)
			if code != tt.wantCode || msg != tt.wantMsg {
				t.Errorf("ExtractError = (%q, %q), want (%q, %q)", code, msg, tt.wantCode, tt.wantMsg)
			}
		})
	}
}
