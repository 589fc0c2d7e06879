package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/intent-engine/internal/domain"
	"github.com/ignite/intent-engine/internal/pkg/httputil"
	"github.com/ignite/intent-engine/internal/service/campaign"
)

type createCampaignRequest struct {
	Name   string          `json:"name"`
	Rules  json.RawMessage `json:"rules"`
	Paused bool            `json:"paused"`
}

// CreateCampaign adds a campaign to a website.
//
//	POST /api/websites/{websiteID}/campaigns
func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.ownedWebsite(w, r, chi.URLParam(r, "websiteID"))
	if !ok {
		return
	}
	var req createCampaignRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	c, err := h.campaigns.Create(r.Context(), ws.ID, campaign.CreateInput{
		Name:   req.Name,
		Rules:  req.Rules,
		Paused: req.Paused,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Created(w, c)
}

// ListCampaigns lists a website's campaigns, newest first, optionally
// filtered by ?status=.
//
//	GET /api/websites/{websiteID}/campaigns
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.ownedWebsite(w, r, chi.URLParam(r, "websiteID"))
	if !ok {
		return
	}
	status := domain.CampaignStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.CampaignActive, domain.CampaignPaused, domain.CampaignArchived:
	default:
		httputil.BadRequest(w, "invalid_status", "status must be active, paused or archived")
		return
	}
	list, err := h.campaigns.List(r.Context(), ws.ID, status)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []domain.Campaign{}
	}
	httputil.OK(w, map[string]any{"campaigns": list, "total": len(list)})
}

// GetCampaign returns one campaign.
//
//	GET /api/campaigns/{campaignID}
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := h.ownedCampaign(w, r, chi.URLParam(r, "campaignID"))
	if !ok {
		return
	}
	httputil.OK(w, c)
}

// PauseCampaign stops a campaign from matching.
//
//	POST /api/campaigns/{campaignID}/pause
func (h *Handlers) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.campaigns.Pause)
}

// ActivateCampaign resumes a paused campaign.
//
//	POST /api/campaigns/{campaignID}/activate
func (h *Handlers) ActivateCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.campaigns.Activate)
}

// ArchiveCampaign retires a campaign and frees its quota slot.
//
//	POST /api/campaigns/{campaignID}/archive
func (h *Handlers) ArchiveCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.campaigns.Archive)
}

func (h *Handlers) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) (*domain.Campaign, error)) {
	c, ok := h.ownedCampaign(w, r, chi.URLParam(r, "campaignID"))
	if !ok {
		return
	}
	updated, err := fn(r.Context(), c.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, updated)
}
