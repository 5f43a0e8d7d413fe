package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/omica1992/whatsapp-dispatch/internal/controller"
	appErrors "github.com/omica1992/whatsapp-dispatch/internal/errors"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
	"github.com/omica1992/whatsapp-dispatch/internal/service"
)

// --- Mock services ---

type MockCampaignAPI struct {
	RenderPreviewFunc func(ctx context.Context, campaignID, contactID int, override *string) (string, error)
	CreateFunc        func(ctx context.Context, c *model.Campaign) (*model.Campaign, error)
	DetailsFunc       func(ctx context.Context, id int) (*service.CampaignDetails, error)
	CancelFunc        func(ctx context.Context, id int) (service.CancelReport, error)
	RestartFunc       func(ctx context.Context, id int) (*model.Campaign, error)
}

func (m *MockCampaignAPI) CreateCampaign(ctx context.Context, c *model.Campaign) (*model.Campaign, error) {
	return m.CreateFunc(ctx, c)
}

func (m *MockCampaignAPI) ListCampaigns(ctx context.Context, companyID, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	return nil, map[string]int{}, nil
}

func (m *MockCampaignAPI) GetCampaignDetailsWithStats(ctx context.Context, id int) (*service.CampaignDetails, error) {
	return m.DetailsFunc(ctx, id)
}

func (m *MockCampaignAPI) RenderPreview(ctx context.Context, campaignID, contactID int, override *string) (string, error) {
	return m.RenderPreviewFunc(ctx, campaignID, contactID, override)
}

func (m *MockCampaignAPI) Cancel(ctx context.Context, id int) (service.CancelReport, error) {
	return m.CancelFunc(ctx, id)
}

func (m *MockCampaignAPI) Restart(ctx context.Context, id int) (*model.Campaign, error) {
	return m.RestartFunc(ctx, id)
}

func campaignRouter(api controller.CampaignAPI) http.Handler {
	ctrl := &controller.CampaignController{CampaignService: api}
	r := chi.NewRouter()
	r.Post("/campaigns", ctrl.CreateCampaign)
	r.Get("/campaigns", ctrl.ListCampaigns)
	r.Get("/campaigns/{id}", ctrl.GetCampaignDetails)
	r.Post("/campaigns/{id}/cancel", ctrl.CancelCampaign)
	r.Post("/campaigns/{id}/restart", ctrl.RestartCampaign)
	r.Post("/campaigns/{id}/personalized-preview", ctrl.PersonalizedPreview)
	return r
}

func do(h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(controller.CompanyHeader, "1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// --- Test Function ---

func TestPersonalizedPreviewHandler(t *testing.T) {
	api := &MockCampaignAPI{
		RenderPreviewFunc: func(ctx context.Context, campaignID, contactID int, override *string) (string, error) {
			if campaignID != 7 || contactID != 1 {
				t.Errorf("preview of campaign %d contact %d", campaignID, contactID)
			}
			return "Oi Alice, confira as novidades!", nil
		},
	}

	w := do(campaignRouter(api), "POST", "/campaigns/7/personalized-preview", map[string]any{"contact_id": 1})

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var res map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	msg, ok := res["rendered_message"].(string)
	if !ok {
		t.Fatalf("rendered_message not found or not a string")
	}

	if !strings.Contains(msg, "Alice") {
		t.Errorf("expected 'Alice' in message, got %q", msg)
	}
}

func TestCampaignErrorsMapToStatus(t *testing.T) {
	api := &MockCampaignAPI{
		CancelFunc: func(ctx context.Context, id int) (service.CancelReport, error) {
			return service.CancelReport{}, appErrors.NewValidation("status", "campaign in status FINALIZADA cannot be cancelled")
		},
		DetailsFunc: func(ctx context.Context, id int) (*service.CampaignDetails, error) {
			return nil, appErrors.NewCampaignNotFound(id)
		},
		RestartFunc: func(ctx context.Context, id int) (*model.Campaign, error) {
			return nil, context.DeadlineExceeded
		},
	}
	h := campaignRouter(api)

	tests := []struct {
		method, path string
		want         int
	}{
		{"POST", "/campaigns/3/cancel", http.StatusBadRequest},
		{"GET", "/campaigns/3", http.StatusNotFound},
		{"POST", "/campaigns/3/restart", http.StatusInternalServerError},
		{"GET", "/campaigns/abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		w := do(h, tt.method, tt.path, nil)
		if w.Code != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, w.Code, tt.want)
		}
	}

	// internal errors are not leaked
	w := do(h, "POST", "/campaigns/3/restart", nil)
	if strings.Contains(w.Body.String(), "deadline") {
		t.Errorf("body leaks the cause: %s", w.Body.String())
	}
}

func TestCancelCampaignReportsJobs(t *testing.T) {
	api := &MockCampaignAPI{
		CancelFunc: func(ctx context.Context, id int) (service.CancelReport, error) {
			return service.CancelReport{Removed: 4, Active: 1}, nil
		},
	}
	w := do(campaignRouter(api), "POST", "/campaigns/3/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var res struct {
		Status string               `json:"status"`
		Jobs   service.CancelReport `json:"jobs"`
	}
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Status != "CANCELADA" || res.Jobs.Removed != 4 || res.Jobs.Active != 1 {
		t.Errorf("response = %+v", res)
	}
}

func TestCreateCampaignUsesTenantHeader(t *testing.T) {
	var got *model.Campaign
	api := &MockCampaignAPI{
		CreateFunc: func(ctx context.Context, c *model.Campaign) (*model.Campaign, error) {
			got = c
			c.ID = 10
			return c, nil
		},
	}
	h := campaignRouter(api)
	w := do(h, "POST", "/campaigns", map[string]any{"name": "promo", "company_id": 99, "messages": []string{"oi"}, "contact_list_id": 5})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if got.CompanyID != 1 || got.Name != "promo" || *got.ContactListID != 5 {
		t.Errorf("campaign = %+v", got)
	}

	req := httptest.NewRequest("POST", "/campaigns", strings.NewReader(`{"name":"x"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing tenant header: got %d", rec.Code)
	}
}

// --- Pagination through the real service ---

type MockCampaignRepoForPagination struct {
	campaigns []*model.Campaign
}

func (m *MockCampaignRepoForPagination) ListCampaigns(ctx context.Context, companyID, offset, limit int, status string) ([]*model.Campaign, int, error) {
	var filtered []*model.Campaign
	for _, c := range m.campaigns {
		if c.CompanyID != companyID {
			continue
		}
		if status != "" && string(c.Status) != status {
			continue
		}
		filtered = append(filtered, c)
	}
	total := len(filtered)

	// Simulate pagination
	start := offset
	end := offset + limit
	if start > total {
		return []*model.Campaign{}, total, nil
	}
	if end > total {
		end = total
	}
	return filtered[start:end], total, nil
}

func (m *MockCampaignRepoForPagination) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	for _, c := range m.campaigns {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, appErrors.NewCampaignNotFound(id)
}

func (m *MockCampaignRepoForPagination) Create(ctx context.Context, c *model.Campaign) error {
	// no-op for test
	return nil
}

func (m *MockCampaignRepoForPagination) ListDue(ctx context.Context, from, to time.Time, limit int) ([]*model.Campaign, error) {
	return nil, nil
}

func (m *MockCampaignRepoForPagination) SetJobID(ctx context.Context, id int, jobID *string) error {
	return nil
}

func (m *MockCampaignRepoForPagination) StartExecution(ctx context.Context, id, execution, audienceSize int) (bool, error) {
	return false, nil
}

func (m *MockCampaignRepoForPagination) Finalize(ctx context.Context, id, execution int, at time.Time) (bool, error) {
	return false, nil
}

func (m *MockCampaignRepoForPagination) ScheduleNext(ctx context.Context, id, execution int, next time.Time) (bool, error) {
	return false, nil
}

func (m *MockCampaignRepoForPagination) Cancel(ctx context.Context, id int) (*model.Campaign, bool, error) {
	return nil, false, nil
}

func (m *MockCampaignRepoForPagination) Restart(ctx context.Context, id int) (*model.Campaign, bool, error) {
	return nil, false, nil
}

func TestListCampaignsPagination(t *testing.T) {
	// --- Seed only campaigns that match the filter ---
	totalCampaigns := 25 // total scheduled campaigns of company 1
	campaigns := []*model.Campaign{}
	for i := 1; i <= totalCampaigns; i++ {
		campaigns = append(campaigns, &model.Campaign{
			ID:        i,
			CompanyID: 1,
			Name:      "Campaign " + strconv.Itoa(i),
			Status:    model.CampaignScheduled,
		})
	}
	// another tenant's campaign must never show up
	campaigns = append(campaigns, &model.Campaign{ID: 99, CompanyID: 2, Status: model.CampaignScheduled})

	// Initialize repo, service, controller
	repo := &MockCampaignRepoForPagination{campaigns: campaigns}
	svc := &service.CampaignService{CampaignRepo: repo}
	h := campaignRouter(svc)

	pageSize := 10
	seen := map[int]bool{}

	// Calculate total pages
	totalPages := (totalCampaigns + pageSize - 1) / pageSize

	for page := 1; page <= totalPages; page++ {
		w := do(h, "GET", "/campaigns?page="+strconv.Itoa(page)+
			"&page_size="+strconv.Itoa(pageSize)+
			"&status=PROGRAMADA", nil)
		resp := w.Result()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}

		// Decode response
		var res struct {
			Data       []model.Campaign `json:"data"`
			Pagination struct {
				Page       int `json:"page"`
				PageSize   int `json:"page_size"`
				TotalCount int `json:"total_count"`
			} `json:"pagination"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}

		// --- Check pagination info ---
		if res.Pagination.Page != page {
			t.Errorf("expected page %d, got %d", page, res.Pagination.Page)
		}
		if res.Pagination.PageSize != pageSize {
			t.Errorf("expected page size %d, got %d", pageSize, res.Pagination.PageSize)
		}
		if res.Pagination.TotalCount != totalCampaigns {
			t.Errorf("expected total count %d, got %d", totalCampaigns, res.Pagination.TotalCount)
		}

		// --- Check data ---
		for _, c := range res.Data {
			// No duplicates
			if seen[c.ID] {
				t.Errorf("duplicate campaign ID %d across pages", c.ID)
			}
			seen[c.ID] = true

			if c.CompanyID != 1 {
				t.Errorf("campaign %d belongs to company %d", c.ID, c.CompanyID)
			}
			if c.Status != model.CampaignScheduled {
				t.Errorf("expected status PROGRAMADA, got %s", c.Status)
			}
		}
	}

	// --- Ensure all campaigns are returned ---
	if len(seen) != totalCampaigns {
		t.Errorf("expected %d unique campaigns, got %d", totalCampaigns, len(seen))
	}
}
