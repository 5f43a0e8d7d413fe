// internal/handler/router.go
package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omica1992/whatsapp-dispatch/internal/controller"
)

type Routes struct {
	Campaigns *controller.CampaignController
	Schedules *controller.ScheduleController
	Webhook   *WebhookHandler
	Timeout   time.Duration
}

func NewRouter(rt Routes) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(Metrics)
	if rt.Timeout > 0 {
		r.Use(middleware.Timeout(rt.Timeout))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.Handler())

	if c := rt.Schedules; c != nil {
		r.Post("/schedules", c.CreateSchedule)
		r.Post("/schedules/{id}/cancel", c.CancelSchedule)
		r.Post("/schedules/{id}/retry", c.RetrySchedule)
	}

	// Campaign routes
	if c := rt.Campaigns; c != nil {
		r.Post("/campaigns", c.CreateCampaign)
		r.Get("/campaigns", c.ListCampaigns)
		r.Get("/campaigns/{id}", c.GetCampaignDetails)
		r.Post("/campaigns/{id}/cancel", c.CancelCampaign)
		r.Post("/campaigns/{id}/restart", c.RestartCampaign)
		r.Post("/campaigns/{id}/personalized-preview", c.PersonalizedPreview)
	}

	if h := rt.Webhook; h != nil {
		r.Get("/webhooks/whatsapp", h.Verify)
		r.Post("/webhooks/whatsapp", h.Receive)
	}
	return r
}
