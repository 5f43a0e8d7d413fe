// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/omica1992/whatsapp-dispatch/internal/model"
	"github.com/omica1992/whatsapp-dispatch/internal/service"
)

// CampaignAPI is what the campaign routes need from *service.CampaignService.
type CampaignAPI interface {
	CreateCampaign(ctx context.Context, c *model.Campaign) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, companyID, page, pageSize int, status string) ([]model.Campaign, map[string]int, error)
	GetCampaignDetailsWithStats(ctx context.Context, campaignID int) (*service.CampaignDetails, error)
	RenderPreview(ctx context.Context, campaignID, contactID int, override *string) (string, error)
	Cancel(ctx context.Context, campaignID int) (service.CancelReport, error)
	Restart(ctx context.Context, campaignID int) (*model.Campaign, error)
}

type CampaignController struct {
	CampaignService CampaignAPI
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid campaign id")
		return
	}

	var body struct {
		ContactID        int     `json:"contact_id"`
		OverrideTemplate *string `json:"override_template"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid body")
		return
	}

	rendered, err := c.CampaignService.RenderPreview(r.Context(), campaignID, body.ContactID, body.OverrideTemplate)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rendered_message": rendered,
		"used_template":    body.OverrideTemplate,
		"contact_id":       body.ContactID,
	})
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	company, ok := companyID(r)
	if !ok {
		badRequest(w, "missing "+CompanyHeader)
		return
	}
	var body model.Campaign
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid body")
		return
	}
	body.ID = 0
	body.CompanyID = company
	body.ExecutionCount = 0
	body.JobID = nil

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), &body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	company, ok := companyID(r)
	if !ok {
		badRequest(w, "missing "+CompanyHeader)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), company, page, pageSize, status)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":       campaigns,
		"pagination": pagination, // already contains total_count, total_pages, page, page_size
	})
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid campaign id")
		return
	}
	details, err := c.CampaignService.GetCampaignDetailsWithStats(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (c *CampaignController) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid campaign id")
		return
	}
	report, err := c.CampaignService.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"campaign_id": id,
		"status":      model.CampaignCancelled,
		"jobs":        report,
	})
}

func (c *CampaignController) RestartCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid campaign id")
		return
	}
	campaign, err := c.CampaignService.Restart(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}
