package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/ignite/intent-engine/internal/analytics"
	"github.com/ignite/intent-engine/internal/domain"
	"github.com/ignite/intent-engine/internal/engine"
	"github.com/ignite/intent-engine/internal/pkg/httputil"
	"github.com/ignite/intent-engine/internal/quota"
	"github.com/ignite/intent-engine/internal/service/campaign"
	"github.com/ignite/intent-engine/internal/site"
	"github.com/ignite/intent-engine/internal/targeting"
)

// Websites is the website registration surface used by the handlers.
type Websites interface {
	Get(ctx context.Context, id string) (*domain.Website, error)
	Create(ctx context.Context, userID, rawDomain string) (*domain.Website, error)
}

// Campaigns is the campaign management surface used by the handlers.
type Campaigns interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	List(ctx context.Context, websiteID string, status domain.CampaignStatus) ([]domain.Campaign, error)
	Create(ctx context.Context, websiteID string, input campaign.CreateInput) (*domain.Campaign, error)
	Pause(ctx context.Context, id string) (*domain.Campaign, error)
	Activate(ctx context.Context, id string) (*domain.Campaign, error)
	Archive(ctx context.Context, id string) (*domain.Campaign, error)
}

// Reports produces visitor summaries.
type Reports interface {
	GetVisitorSummary(ctx context.Context, websiteID, period string) (*analytics.Summary, error)
}

// Handlers contains the owner-facing HTTP handlers.
type Handlers struct {
	websites  Websites
	campaigns Campaigns
	reports   Reports
	guard     *quota.Guard
}

// NewHandlers creates handlers. guard may be nil, which disables the usage
// endpoint.
func NewHandlers(websites Websites, campaigns Campaigns, reports Reports, guard *quota.Guard) *Handlers {
	return &Handlers{websites: websites, campaigns: campaigns, reports: reports, guard: guard}
}

// ownedWebsite loads the website and checks it belongs to the calling
// account. Foreign websites look exactly like missing ones.
func (h *Handlers) ownedWebsite(w http.ResponseWriter, r *http.Request, id string) (*domain.Website, bool) {
	ws, err := h.websites.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if ws.UserID != AccountFromContext(r.Context()) {
		httputil.NotFound(w, "website_not_found", "website not found")
		return nil, false
	}
	return ws, true
}

// ownedCampaign loads the campaign and checks its website belongs to the
// calling account.
func (h *Handlers) ownedCampaign(w http.ResponseWriter, r *http.Request, id string) (*domain.Campaign, bool) {
	c, err := h.campaigns.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	ws, err := h.websites.Get(r.Context(), c.WebsiteID)
	if err != nil || ws.UserID != AccountFromContext(r.Context()) {
		httputil.NotFound(w, "campaign_not_found", "campaign not found")
		return nil, false
	}
	return c, true
}

// writeError maps domain errors onto status codes. Anything unrecognised
// is logged and hidden behind a generic 500.
func writeError(w http.ResponseWriter, err error) {
	var qe *quota.ExceededError
	switch {
	case errors.As(err, &qe):
		httputil.ErrorWithDetails(w, http.StatusPaymentRequired, "quota_exceeded",
			"plan limit reached", map[string]any{"resource": qe.Resource, "limit": qe.Limit})
	case errors.Is(err, site.ErrNotFound):
		httputil.NotFound(w, "website_not_found", "website not found")
	case errors.Is(err, site.ErrInvalidDomain):
		httputil.BadRequest(w, "invalid_domain", err.Error())
	case errors.Is(err, site.ErrDuplicateDomain):
		httputil.Error(w, http.StatusConflict, "duplicate_domain", "website already registered")
	case errors.Is(err, campaign.ErrNotFound):
		httputil.NotFound(w, "campaign_not_found", "campaign not found")
	case errors.Is(err, campaign.ErrNameRequired):
		httputil.BadRequest(w, "name_required", err.Error())
	case errors.Is(err, campaign.ErrInvalidTransition):
		httputil.Error(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, targeting.ErrInvalidRule):
		httputil.BadRequest(w, "invalid_rule", err.Error())
	case errors.Is(err, analytics.ErrUnsupportedPeriod):
		httputil.BadRequest(w, "unsupported_period", err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, engine.ErrTemporary):
		httputil.Unavailable(w, err)
	default:
		httputil.InternalError(w, err)
	}
}
