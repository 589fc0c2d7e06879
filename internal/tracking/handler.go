package tracking

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/ignite/intent-engine/internal/engine"
	"github.com/ignite/intent-engine/internal/ingest"
	"github.com/ignite/intent-engine/internal/metrics"
	"github.com/ignite/intent-engine/internal/pkg/httputil"
	"github.com/ignite/intent-engine/internal/pkg/logger"
	"github.com/ignite/intent-engine/internal/pkg/ratelimit"
	"github.com/ignite/intent-engine/internal/quota"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Recorder runs one raw event through the pipeline.
type Recorder interface {
	RecordEvent(ctx context.Context, raw ingest.RawEvent) (*engine.Result, error)
}

// Handler serves the public endpoints hit by the embedded tracking script.
// Limiter and Metrics may be nil.
type Handler struct {
	rec     Recorder
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
}

func NewHandler(rec Recorder, limiter *ratelimit.Limiter, m *metrics.Metrics) *Handler {
	return &Handler{rec: rec, limiter: limiter, metrics: m}
}

// Routes mounts the tracking endpoints. Any origin may call them; the
// script key is the only credential.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         600,
	}))
	r.Method(http.MethodPost, "/v1/events", h.metrics.Instrument("events", http.HandlerFunc(h.HandleEvent)))
	r.Method(http.MethodGet, "/v1/pixel.gif", h.metrics.Instrument("pixel", http.HandlerFunc(h.HandlePixel)))
	r.Get("/health", h.HandleHealth)
	return r
}

// HandleEvent accepts one JSON event and answers with the visitor's
// current intent and the campaign to show, if any.
//
//	POST /v1/events
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var raw ingest.RawEvent
	if !httputil.Decode(w, r, &raw) {
		return
	}
	if !h.allow(w, r, raw.ScriptKey) {
		return
	}

	res, err := h.rec.RecordEvent(r.Context(), raw)
	if err != nil {
		h.writeEventError(w, r, raw, res, err)
		return
	}
	httputil.OK(w, res)
}

// HandlePixel is the no-JavaScript fallback. Parameters come from the query
// string; the response is always the pixel so broken images never show up
// on the customer's page. Failures are only logged.
//
//	GET /v1/pixel.gif?k=<scriptKey>&t=<type>&c=<clientToken>&s=<utmSource>
func (h *Handler) HandlePixel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	raw := ingest.RawEvent{
		ScriptKey:   q.Get("k"),
		ClientToken: q.Get("c"),
		Type:        q.Get("t"),
		UTMSource:   q.Get("s"),
	}
	if raw.Type == "" {
		raw.Type = "page_view"
	}
	if h.limiter.Enabled() && raw.ScriptKey != "" {
		if d := h.limiter.Allow(r.Context(), raw.ScriptKey); !d.Allowed {
			h.servePixel(w)
			return
		}
	}
	if _, err := h.rec.RecordEvent(r.Context(), raw); err != nil {
		logger.Debug("pixel event dropped", "script_key", raw.ScriptKey, "ip", realIP(r), "error", err)
	}
	h.servePixel(w)
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

func (h *Handler) allow(w http.ResponseWriter, r *http.Request, scriptKey string) bool {
	if !h.limiter.Enabled() || scriptKey == "" {
		return true
	}
	d := h.limiter.Allow(r.Context(), scriptKey)
	if d.Allowed {
		return true
	}
	h.metrics.EventProcessed("other", "rate_limited")
	httputil.TooManyRequests(w, d.RetryAfter)
	return false
}

func (h *Handler) writeEventError(w http.ResponseWriter, r *http.Request, raw ingest.RawEvent, res *engine.Result, err error) {
	var qe *quota.ExceededError
	switch {
	case errors.Is(err, ingest.ErrUnknownSite):
		httputil.NotFound(w, "unknown_site", "unknown script key")
	case errors.Is(err, ingest.ErrUnsupportedEventType):
		httputil.BadRequest(w, "unsupported_event_type", err.Error())
	case errors.As(err, &qe):
		httputil.ErrorWithDetails(w, http.StatusPaymentRequired, "quota_exceeded",
			"plan limit reached", map[string]any{"resource": qe.Resource, "limit": qe.Limit})
	case errors.Is(err, engine.ErrTemporary):
		logger.Warn("event not recorded", "script_key", raw.ScriptKey, "ip", realIP(r))
		if res != nil && res.ClientToken != "" {
			httputil.UnavailableWithDetails(w, err, map[string]string{"clientToken": res.ClientToken})
			return
		}
		httputil.Unavailable(w, err)
	default:
		httputil.InternalError(w, err)
	}
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
