package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/intent-engine/internal/analytics"
	"github.com/ignite/intent-engine/internal/domain"
	"github.com/ignite/intent-engine/internal/engine"
	"github.com/ignite/intent-engine/internal/metrics"
	"github.com/ignite/intent-engine/internal/pkg/httputil"
	"github.com/ignite/intent-engine/internal/quota"
	"github.com/ignite/intent-engine/internal/service/campaign"
	"github.com/ignite/intent-engine/internal/site"
)

// memSites is an in-memory website repository and plan lookup.
type memSites struct {
	mu    sync.Mutex
	sites map[string]*domain.Website
	plans map[string]domain.PlanTier
}

func (m *memSites) ByScriptKey(_ context.Context, key string) (*domain.Website, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.sites {
		if w.ScriptKey == key {
			cp := *w
			return &cp, nil
		}
	}
	return nil, site.ErrNotFound
}

func (m *memSites) Get(_ context.Context, id string) (*domain.Website, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.sites[id]
	if !ok {
		return nil, site.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *memSites) Create(_ context.Context, w *domain.Website) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.sites {
		if e.UserID == w.UserID && e.Domain == w.Domain {
			return site.ErrDuplicateDomain
		}
	}
	cp := *w
	m.sites[w.ID] = &cp
	return nil
}

func (m *memSites) PlanFor(_ context.Context, userID string) (domain.PlanTier, error) {
	return m.plans[userID], nil
}

// memCampaigns is an in-memory campaign repository.
type memCampaigns struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign
}

func (m *memCampaigns) Get(_ context.Context, id string) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memCampaigns) List(_ context.Context, websiteID string, status domain.CampaignStatus) ([]domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Campaign
	for _, c := range m.campaigns {
		if c.WebsiteID == websiteID && (status == "" || c.Status == status) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memCampaigns) Create(_ context.Context, c *domain.Campaign) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.campaigns[c.ID] = &cp
	return c.ID, nil
}

func (m *memCampaigns) UpdateStatus(_ context.Context, id string, from, to domain.CampaignStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.Status != from {
		return campaign.ErrNotFound
	}
	c.Status = to
	return nil
}

type fakeReports struct {
	err    error
	period string
}

func (f *fakeReports) GetVisitorSummary(_ context.Context, websiteID, period string) (*analytics.Summary, error) {
	f.period = period
	if f.err != nil {
		return nil, f.err
	}
	p, err := analytics.ParsePeriod(period)
	if err != nil {
		return nil, err
	}
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	from, to := p.Window(now)
	s := analytics.Summarize(websiteID, p, from, to, []analytics.Snapshot{
		{VisitorID: "v1", FirstSeenAt: now.Add(-time.Hour), UTMSource: "google", Score: 30},
		{VisitorID: "v2", FirstSeenAt: from.Add(-time.Hour), Score: 2},
	})
	return &s, nil
}

type testAPI struct {
	router  http.Handler
	sites   *memSites
	counter *quota.MemoryCounter
	reports *fakeReports
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	sites := &memSites{
		sites: map[string]*domain.Website{},
		plans: map[string]domain.PlanTier{"acct-1": domain.PlanFree, "acct-2": domain.PlanPro},
	}
	counter := quota.NewMemoryCounter()
	guard := quota.NewGuard(counter, nil)
	siteSvc := site.NewService(sites, sites, guard)
	campSvc := campaign.NewService(&memCampaigns{campaigns: map[string]*domain.Campaign{}}, siteSvc, guard)
	reports := &fakeReports{}

	h := NewHandlers(siteSvc, campSvc, reports, guard)
	hc := NewHealthChecker(nil, nil, nil)
	router := SetupRoutes(h, hc, RouteOptions{
		AllowedOrigins: []string{"http://localhost:5173"},
		Metrics:        metrics.New(nil),
	})
	return &testAPI{router: router, sites: sites, counter: counter, reports: reports}
}

func (a *testAPI) do(t *testing.T, method, path, account string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if account != "" {
		req.Header.Set(AccountHeader, account)
	}
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func (a *testAPI) createWebsite(t *testing.T, account, host string) domain.Website {
	t.Helper()
	rr := a.do(t, http.MethodPost, "/api/websites", account, map[string]string{"domain": host})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeBody[domain.Website](t, rr)
}

func TestRequireAccount(t *testing.T) {
	a := newTestAPI(t)
	rr := a.do(t, http.MethodPost, "/api/websites", "", map[string]string{"domain": "example.com"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCreateWebsite(t *testing.T) {
	a := newTestAPI(t)
	ws := a.createWebsite(t, "acct-1", "https://www.Example.com/pricing")
	assert.Equal(t, "example.com", ws.Domain)
	assert.Equal(t, "acct-1", ws.UserID)
	assert.NotEmpty(t, ws.ScriptKey)

	// Free plan allows one website per account.
	rr := a.do(t, http.MethodPost, "/api/websites", "acct-1", map[string]string{"domain": "other.com"})
	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
	body := decodeBody[httputil.ErrorResponse](t, rr)
	assert.Equal(t, "quota_exceeded", body.Code)
}

func TestCreateWebsiteErrors(t *testing.T) {
	a := newTestAPI(t)

	rr := a.do(t, http.MethodPost, "/api/websites", "acct-2", map[string]string{"domain": "not a domain"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_domain", decodeBody[httputil.ErrorResponse](t, rr).Code)

	a.createWebsite(t, "acct-2", "example.com")
	rr = a.do(t, http.MethodPost, "/api/websites", "acct-2", map[string]string{"domain": "www.example.com"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	// The failed insert gave its slot back.
	n, err := a.counter.Count(context.Background(), "acct-2", domain.ResourceWebsites)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWebsiteIsolation(t *testing.T) {
	a := newTestAPI(t)
	ws := a.createWebsite(t, "acct-1", "example.com")

	rr := a.do(t, http.MethodGet, "/api/websites/"+ws.ID, "acct-1", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = a.do(t, http.MethodGet, "/api/websites/"+ws.ID, "acct-2", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = a.do(t, http.MethodGet, "/api/websites/"+ws.ID+"/summary", "acct-2", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCampaignLifecycle(t *testing.T) {
	a := newTestAPI(t)
	ws := a.createWebsite(t, "acct-2", "example.com")
	base := "/api/websites/" + ws.ID + "/campaigns"

	rr := a.do(t, http.MethodPost, base, "acct-2", map[string]any{
		"name":  "Pricing visitors",
		"rules": []map[string]any{{"type": "intent_at_least", "value": "high"}},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	c := decodeBody[domain.Campaign](t, rr)
	assert.Equal(t, domain.CampaignActive, c.Status)

	rr = a.do(t, http.MethodPost, "/api/campaigns/"+c.ID+"/pause", "acct-2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, domain.CampaignPaused, decodeBody[domain.Campaign](t, rr).Status)

	rr = a.do(t, http.MethodGet, base+"?status=paused", "acct-2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decodeBody[struct {
		Campaigns []domain.Campaign `json:"campaigns"`
		Total     int               `json:"total"`
	}](t, rr)
	assert.Equal(t, 1, list.Total)

	rr = a.do(t, http.MethodPost, "/api/campaigns/"+c.ID+"/archive", "acct-2", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = a.do(t, http.MethodPost, "/api/campaigns/"+c.ID+"/activate", "acct-2", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "invalid_transition", decodeBody[httputil.ErrorResponse](t, rr).Code)

	// Another account cannot see the campaign.
	rr = a.do(t, http.MethodGet, "/api/campaigns/"+c.ID, "acct-1", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCreateCampaignValidation(t *testing.T) {
	a := newTestAPI(t)
	ws := a.createWebsite(t, "acct-1", "example.com")
	base := "/api/websites/" + ws.ID + "/campaigns"

	rr := a.do(t, http.MethodPost, base, "acct-1", map[string]any{"name": " "})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "name_required", decodeBody[httputil.ErrorResponse](t, rr).Code)

	rr = a.do(t, http.MethodPost, base, "acct-1", map[string]any{
		"name":  "Bad",
		"rules": []map[string]any{{"type": "shoe_size", "value": 42}},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_rule", decodeBody[httputil.ErrorResponse](t, rr).Code)

	rr = a.do(t, http.MethodGet, base+"?status=deleted", "acct-1", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// Free plan: one campaign per website.
	rr = a.do(t, http.MethodPost, base, "acct-1", map[string]any{"name": "First"})
	require.Equal(t, http.StatusCreated, rr.Code)
	rr = a.do(t, http.MethodPost, base, "acct-1", map[string]any{"name": "Second"})
	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
}

func TestGetSummary(t *testing.T) {
	a := newTestAPI(t)
	ws := a.createWebsite(t, "acct-1", "example.com")

	rr := a.do(t, http.MethodGet, "/api/websites/"+ws.ID+"/summary", "acct-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "7d", a.reports.period)

	body := decodeBody[struct {
		Summary    analytics.Summary `json:"summary"`
		TopSources []string          `json:"topSources"`
	}](t, rr)
	assert.Equal(t, 1, body.Summary.NewCount)
	assert.Equal(t, 1, body.Summary.ReturningCount)
	assert.Equal(t, 1, body.Summary.IntentDistribution[domain.IntentHigh])
	assert.Equal(t, []string{"(direct)", "google"}, body.TopSources)

	rr = a.do(t, http.MethodGet, "/api/websites/"+ws.ID+"/summary?period=1y", "acct-1", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "unsupported_period", decodeBody[httputil.ErrorResponse](t, rr).Code)

	a.reports.err = fmt.Errorf("%w: summary: timeout", engine.ErrTemporary)
	rr = a.do(t, http.MethodGet, "/api/websites/"+ws.ID+"/summary?period=24h", "acct-1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestGetUsage(t *testing.T) {
	a := newTestAPI(t)
	ws := a.createWebsite(t, "acct-2", "example.com")
	a.counter.Set(ws.ID, domain.ResourceVisitors, 42)

	rr := a.do(t, http.MethodGet, "/api/websites/"+ws.ID+"/usage", "acct-2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody[struct {
		Plan  domain.PlanTier               `json:"plan"`
		Usage map[domain.Resource]usageEntry `json:"usage"`
	}](t, rr)
	assert.Equal(t, domain.PlanPro, body.Plan)
	assert.Equal(t, usageEntry{Used: 42, Limit: 25000}, body.Usage[domain.ResourceVisitors])
	assert.Equal(t, usageEntry{Used: 0, Limit: 10}, body.Usage[domain.ResourceCampaigns])
}

func TestTrackingMountedAtRoot(t *testing.T) {
	h := NewHandlers(nil, nil, nil, nil)
	tracking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	router := SetupRoutes(h, NewHealthChecker(nil, nil, nil), RouteOptions{Tracking: tracking})

	req := httptest.NewRequest(http.MethodPost, "/v1/events", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusTeapot, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestAPI(t)
	a.createWebsite(t, "acct-1", "example.com")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `http_requests_total{route="website_create",status="201"} 1`)
}

// =============================================================================
// Health
// =============================================================================

type statsFunc func() analytics.Stats

func (f statsFunc) Stats() analytics.Stats { return f() }

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestHealthHealthy(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectPing()
	hc := NewHealthChecker(db, nil, statsFunc(func() analytics.Stats {
		return analytics.Stats{Submitted: 10, Delivered: 10}
	}))

	rr := httptest.NewRecorder()
	hc.HandleHealth(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	status := decodeBody[HealthStatus](t, rr)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "up", status.Checks["database"].Status)
	assert.Equal(t, "down", status.Checks["redis"].Status)
	assert.Equal(t, "up", status.Checks["analytics"].Status)
}

func TestReadinessFailsWhenDatabaseDown(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectPing().WillReturnError(fmt.Errorf("connection refused"))
	hc := NewHealthChecker(db, nil, nil)

	rr := httptest.NewRecorder()
	hc.HandleReadiness(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestAnalyticsBacklogDegrades(t *testing.T) {
	hc := NewHealthChecker(nil, nil, statsFunc(func() analytics.Stats {
		return analytics.Stats{Submitted: 9000, Delivered: 100}
	}))
	check := hc.checkAnalytics()
	assert.Equal(t, "degraded", check.Status)
	assert.Equal(t, "degraded", determineOverallStatus(map[string]ComponentCheck{"analytics": check}))
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "5s", formatUptime(5*time.Second))
	assert.Equal(t, "2m 3s", formatUptime(2*time.Minute+3*time.Second))
	assert.Equal(t, "1d 1h 0m 0s", formatUptime(25*time.Hour))
}
