package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/intent-engine/internal/domain"
	"github.com/ignite/intent-engine/internal/pkg/httputil"
)

type createWebsiteRequest struct {
	Domain string `json:"domain"`
}

// CreateWebsite registers a website for the calling account.
//
//	POST /api/websites
func (h *Handlers) CreateWebsite(w http.ResponseWriter, r *http.Request) {
	var req createWebsiteRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	ws, err := h.websites.Create(r.Context(), AccountFromContext(r.Context()), req.Domain)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Created(w, ws)
}

// GetWebsite returns one website including its script key.
//
//	GET /api/websites/{websiteID}
func (h *Handlers) GetWebsite(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.ownedWebsite(w, r, chi.URLParam(r, "websiteID"))
	if !ok {
		return
	}
	httputil.OK(w, ws)
}

// GetSummary reports visitors for the trailing period (24h, 7d, 30d, 90d;
// default 7d).
//
//	GET /api/websites/{websiteID}/summary?period=7d
func (h *Handlers) GetSummary(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.ownedWebsite(w, r, chi.URLParam(r, "websiteID"))
	if !ok {
		return
	}
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "7d"
	}
	s, err := h.reports.GetVisitorSummary(r.Context(), ws.ID, period)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"summary":    s,
		"topSources": s.TopSources(),
	})
}

type usageEntry struct {
	Used  int `json:"used"`
	Limit int `json:"limit"`
}

// GetUsage reports how much of the plan the website has consumed.
//
//	GET /api/websites/{websiteID}/usage
func (h *Handlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.ownedWebsite(w, r, chi.URLParam(r, "websiteID"))
	if !ok {
		return
	}
	if h.guard == nil {
		httputil.Error(w, http.StatusNotImplemented, "not_configured", "usage tracking not configured")
		return
	}
	out := map[domain.Resource]usageEntry{}
	for _, res := range []domain.Resource{domain.ResourceVisitors, domain.ResourceCampaigns} {
		used, limit, err := h.guard.Usage(r.Context(), ws.Plan, res, ws.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		out[res] = usageEntry{Used: used, Limit: limit}
	}
	httputil.OK(w, map[string]any{"plan": ws.Plan, "usage": out})
}
