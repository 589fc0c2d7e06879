package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/intent-engine/internal/metrics"
)

// RouteOptions carries the optional pieces mounted next to the owner API.
type RouteOptions struct {
	// AllowedOrigins lists the dashboard origins allowed to call /api.
	AllowedOrigins []string
	// Tracking, when set, is mounted at the root for the public script
	// endpoints.
	Tracking http.Handler
	Metrics  *metrics.Metrics
}

// SetupRoutes configures all routes.
func SetupRoutes(h *Handlers, hc *HealthChecker, opts RouteOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Get("/health", hc.HandleHealth)
	r.Get("/health/live", hc.HandleLiveness)
	r.Get("/health/ready", hc.HandleReadiness)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", AccountHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))
		r.Use(RequireAccount)

		instrument := func(route string, fn http.HandlerFunc) http.Handler {
			return opts.Metrics.Instrument(route, fn)
		}

		r.Route("/websites", func(r chi.Router) {
			r.Method(http.MethodPost, "/", instrument("website_create", h.CreateWebsite))
			r.Route("/{websiteID}", func(r chi.Router) {
				r.Method(http.MethodGet, "/", instrument("website_get", h.GetWebsite))
				r.Method(http.MethodGet, "/summary", instrument("summary", h.GetSummary))
				r.Method(http.MethodGet, "/usage", instrument("usage", h.GetUsage))
				r.Method(http.MethodPost, "/campaigns", instrument("campaign_create", h.CreateCampaign))
				r.Method(http.MethodGet, "/campaigns", instrument("campaign_list", h.ListCampaigns))
			})
		})

		r.Route("/campaigns/{campaignID}", func(r chi.Router) {
			r.Method(http.MethodGet, "/", instrument("campaign_get", h.GetCampaign))
			r.Method(http.MethodPost, "/pause", instrument("campaign_pause", h.PauseCampaign))
			r.Method(http.MethodPost, "/activate", instrument("campaign_activate", h.ActivateCampaign))
			r.Method(http.MethodPost, "/archive", instrument("campaign_archive", h.ArchiveCampaign))
		})
	})

	if opts.Tracking != nil {
		r.Mount("/", opts.Tracking)
	}
	return r
}
