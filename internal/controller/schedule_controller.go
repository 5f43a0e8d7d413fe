// internal/controller/schedule_controller.go
package controller

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/omica1992/whatsapp-dispatch/internal/model"
	"github.com/omica1992/whatsapp-dispatch/internal/service"
)

type ScheduleAPI interface {
	ScheduleOutboundItem(ctx context.Context, in model.NewSchedule) (int, error)
	CancelOutboundItem(ctx context.Context, id int) (service.CancelReport, error)
	RetryOutboundItem(ctx context.Context, id int) error
}

type ScheduleController struct {
	OutboundService ScheduleAPI
}

func (c *ScheduleController) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	company, ok := companyID(r)
	if !ok {
		badRequest(w, "missing "+CompanyHeader)
		return
	}
	var body model.NewSchedule
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid body")
		return
	}
	body.CompanyID = company

	id, err := c.OutboundService.ScheduleOutboundItem(r.Context(), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "status": model.StatePending})
}

func (c *ScheduleController) CancelSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid schedule id")
		return
	}
	report, err := c.OutboundService.CancelOutboundItem(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": model.StateCancelled, "jobs": report})
}

func (c *ScheduleController) RetrySchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid schedule id")
		return
	}
	if err := c.OutboundService.RetryOutboundItem(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": model.StatePending})
}
