package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New(func() float64 { return 3 })
	m.EventProcessed("page_view", "ok")
	m.EventProcessed("page_view", "ok")
	m.CampaignDecision(true)
	m.QuotaBlocked("visitors")
	m.CacheLookup("redis")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsTotal.WithLabelValues("page_view", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.campaignMatches.WithLabelValues("matched")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "intent_quota_blocks_total"))
	assert.True(t, strings.Contains(body, "intent_analytics_undelivered 3"))
}

func TestInstrumentRecordsStatus(t *testing.T) {
	m := New(nil)
	h := m.Instrument("/v1/events", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/events", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("/v1/events", "429")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.EventProcessed("click", "ok")
	m.VisitorCreated()
	h := m.Instrument("/x", http.NotFoundHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
