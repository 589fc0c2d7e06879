// Package metrics exposes Prometheus instruments for the engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector behind one registry so tests can build
// isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	eventsTotal      *prometheus.CounterVec
	visitorsCreated  prometheus.Counter
	campaignMatches  *prometheus.CounterVec
	quotaBlocks      *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	analyticsPending prometheus.GaugeFunc
}

// New creates and registers the collectors. pending, when non-nil, is
// sampled on scrape for the analytics backlog gauge.
func New(pending func() float64) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intent_events_total",
			Help: "Events processed by type and outcome.",
		}, []string{"type", "outcome"}),
		visitorsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intent_visitors_created_total",
			Help: "Visitors created on first event.",
		}),
		campaignMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intent_campaign_matches_total",
			Help: "Targeting decisions by result.",
		}, []string{"result"}),
		quotaBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intent_quota_blocks_total",
			Help: "Creations blocked by a plan ceiling.",
		}, []string{"resource"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intent_site_cache_lookups_total",
			Help: "Script key lookups by cache tier.",
		}, []string{"tier"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	m.registry.MustRegister(
		m.eventsTotal,
		m.visitorsCreated,
		m.campaignMatches,
		m.quotaBlocks,
		m.cacheLookups,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
	)
	if pending != nil {
		m.analyticsPending = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "intent_analytics_undelivered",
			Help: "Analytics records accepted but not yet delivered or failed.",
		}, pending)
		m.registry.MustRegister(m.analyticsPending)
	}
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// EventProcessed counts one ingested event. A nil receiver is a no-op so
// callers can run without metrics.
func (m *Metrics) EventProcessed(eventType, outcome string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) VisitorCreated() {
	if m == nil {
		return
	}
	m.visitorsCreated.Inc()
}

// CampaignDecision counts targeting results ("matched" or "none").
func (m *Metrics) CampaignDecision(matched bool) {
	if m == nil {
		return
	}
	result := "none"
	if matched {
		result = "matched"
	}
	m.campaignMatches.WithLabelValues(result).Inc()
}

func (m *Metrics) QuotaBlocked(resource string) {
	if m == nil {
		return
	}
	m.quotaBlocks.WithLabelValues(resource).Inc()
}

// CacheLookup counts where a script key lookup was answered: "local",
// "redis", "database" or "miss".
func (m *Metrics) CacheLookup(tier string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(tier).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Instrument wraps next, recording count and latency under route.
func (m *Metrics) Instrument(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		m.httpRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}
