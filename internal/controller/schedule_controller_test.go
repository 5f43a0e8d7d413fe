package controller_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/omica1992/whatsapp-dispatch/internal/controller"
	appErrors "github.com/omica1992/whatsapp-dispatch/internal/errors"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
	"github.com/omica1992/whatsapp-dispatch/internal/service"
)

type MockScheduleAPI struct {
	created []model.NewSchedule
	err     error
	report  service.CancelReport
	retried []int
}

func (m *MockScheduleAPI) ScheduleOutboundItem(ctx context.Context, in model.NewSchedule) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.created = append(m.created, in)
	return 41 + len(m.created), nil
}

func (m *MockScheduleAPI) CancelOutboundItem(ctx context.Context, id int) (service.CancelReport, error) {
	return m.report, m.err
}

func (m *MockScheduleAPI) RetryOutboundItem(ctx context.Context, id int) error {
	m.retried = append(m.retried, id)
	return m.err
}

func scheduleRouter(api controller.ScheduleAPI) http.Handler {
	ctrl := &controller.ScheduleController{OutboundService: api}
	r := chi.NewRouter()
	r.Post("/schedules", ctrl.CreateSchedule)
	r.Post("/schedules/{id}/cancel", ctrl.CancelSchedule)
	r.Post("/schedules/{id}/retry", ctrl.RetrySchedule)
	return r
}

func TestCreateSchedule(t *testing.T) {
	api := &MockScheduleAPI{}
	at := time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)
	w := do(scheduleRouter(api), "POST", "/schedules", map[string]any{
		"contact_id":   2,
		"payload":      map[string]any{"kind": "text", "text": "Olá {{name}}"},
		"scheduled_at": at,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var res struct {
		ID     int    `json:"id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.ID != 42 || res.Status != "PENDING" {
		t.Errorf("response = %+v", res)
	}
	in := api.created[0]
	if in.CompanyID != 1 || in.ContactID != 2 || !in.ScheduledAt.Equal(at) || in.Payload.Text != "Olá {{name}}" {
		t.Errorf("schedule = %+v", in)
	}
}

func TestCreateScheduleValidationIs400(t *testing.T) {
	api := &MockScheduleAPI{err: appErrors.NewValidation("scheduled_at", "required")}
	w := do(scheduleRouter(api), "POST", "/schedules", map[string]any{"contact_id": 2})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var res map[string]string
	json.NewDecoder(w.Body).Decode(&res)
	if res["error"] != "invalid scheduled_at: required" {
		t.Errorf("error = %q", res["error"])
	}
}

func TestCancelAndRetrySchedule(t *testing.T) {
	api := &MockScheduleAPI{report: service.CancelReport{Removed: 2}}
	h := scheduleRouter(api)

	w := do(h, "POST", "/schedules/5/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d", w.Code)
	}
	var res struct {
		Jobs service.CancelReport `json:"jobs"`
	}
	json.NewDecoder(w.Body).Decode(&res)
	if res.Jobs.Removed != 2 {
		t.Errorf("jobs = %+v", res.Jobs)
	}

	if w := do(h, "POST", "/schedules/5/retry", nil); w.Code != http.StatusOK {
		t.Fatalf("retry: expected 200, got %d", w.Code)
	}
	if len(api.retried) != 1 || api.retried[0] != 5 {
		t.Errorf("retried = %v", api.retried)
	}

	api.err = appErrors.NewNotFound("schedule", 6)
	if w := do(h, "POST", "/schedules/6/cancel", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing schedule: got %d", w.Code)
	}
}
