package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/intent-engine/internal/domain"
	"github.com/ignite/intent-engine/internal/engine"
	"github.com/ignite/intent-engine/internal/ingest"
	"github.com/ignite/intent-engine/internal/pkg/httputil"
	"github.com/ignite/intent-engine/internal/pkg/ratelimit"
	"github.com/ignite/intent-engine/internal/quota"
)

type fakeRecorder struct {
	mu   sync.Mutex
	seen []ingest.RawEvent
	res  *engine.Result
	err  error
}

func (f *fakeRecorder) RecordEvent(_ context.Context, raw ingest.RawEvent) (*engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, raw)
	return f.res, f.err
}

func postEvent(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandleEventSuccess(t *testing.T) {
	campaign := "c1"
	rec := &fakeRecorder{res: &engine.Result{
		VisitorID:         "v1",
		ClientToken:       "tok",
		IsNew:             true,
		IntentLevel:       domain.IntentMedium,
		Score:             10,
		MatchedCampaignID: &campaign,
	}}
	h := NewHandler(rec, nil, nil).Routes()

	rr := postEvent(t, h, `{"scriptKey":"sk","type":"pricing_view","utmSource":"google"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "v1", got["visitorId"])
	assert.Equal(t, "medium", got["intentLevel"])
	assert.Equal(t, "c1", got["matchedCampaignId"])

	require.Len(t, rec.seen, 1)
	assert.Equal(t, "google", rec.seen[0].UTMSource)
}

func TestHandleEventErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unknown site", ingest.ErrUnknownSite, http.StatusNotFound, "unknown_site"},
		{"bad type", fmt.Errorf("%w: %q", ingest.ErrUnsupportedEventType, "scroll"), http.StatusBadRequest, "unsupported_event_type"},
		{"quota", &quota.ExceededError{Resource: domain.ResourceVisitors, Limit: 1000}, http.StatusPaymentRequired, "quota_exceeded"},
		{"temporary", fmt.Errorf("%w: resolve visitor: boom", engine.ErrTemporary), http.StatusServiceUnavailable, "temporarily_unavailable"},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(&fakeRecorder{err: tt.err}, nil, nil).Routes()
			rr := postEvent(t, h, `{"scriptKey":"sk","type":"page_view"}`)
			assert.Equal(t, tt.status, rr.Code)

			var body httputil.ErrorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Code)
		})
	}
}

func TestHandleEventTemporaryErrorCarriesToken(t *testing.T) {
	rec := &fakeRecorder{
		res: &engine.Result{VisitorID: "v1", ClientToken: "minted", IsNew: true},
		err: fmt.Errorf("%w: score visitor: deadlock", engine.ErrTemporary),
	}
	rr := postEvent(t, NewHandler(rec, nil, nil).Routes(), `{"scriptKey":"sk","type":"page_view"}`)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))

	var body struct {
		Code    string `json:"code"`
		Details struct {
			ClientToken string `json:"clientToken"`
		} `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "temporarily_unavailable", body.Code)
	assert.Equal(t, "minted", body.Details.ClientToken)
}

func TestHandleEventQuotaDetails(t *testing.T) {
	h := NewHandler(&fakeRecorder{err: &quota.ExceededError{Resource: domain.ResourceVisitors, Limit: 1000}}, nil, nil).Routes()
	rr := postEvent(t, h, `{"scriptKey":"sk","type":"page_view"}`)

	var body struct {
		Details struct {
			Resource string `json:"resource"`
			Limit    int    `json:"limit"`
		} `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "visitors", body.Details.Resource)
	assert.Equal(t, 1000, body.Details.Limit)
}

func TestHandleEventRejectsBadJSON(t *testing.T) {
	rec := &fakeRecorder{}
	h := NewHandler(rec, nil, nil).Routes()
	rr := postEvent(t, h, `{"scriptKey":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, rec.seen)
}

func TestHandleEventRateLimited(t *testing.T) {
	rec := &fakeRecorder{res: &engine.Result{VisitorID: "v1"}}
	limiter := ratelimit.New(nil, ratelimit.Config{PerSecond: 1, PerMinute: 1})
	h := NewHandler(rec, limiter, nil).Routes()

	rr := postEvent(t, h, `{"scriptKey":"sk","type":"page_view"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = postEvent(t, h, `{"scriptKey":"sk","type":"page_view"}`)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
	assert.Len(t, rec.seen, 1)

	// Other sites keep their own budget.
	rr = postEvent(t, h, `{"scriptKey":"other","type":"page_view"}`)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandlePixel(t *testing.T) {
	rec := &fakeRecorder{err: ingest.ErrUnknownSite}
	h := NewHandler(rec, nil, nil).Routes()

	req := httptest.NewRequest(http.MethodGet, "/v1/pixel.gif?k=sk&c=tok&s=newsletter", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "image/gif", rr.Header().Get("Content-Type"))
	assert.Equal(t, pixelGIF, rr.Body.Bytes())
	require.Len(t, rec.seen, 1)
	assert.Equal(t, "page_view", rec.seen[0].Type)
	assert.Equal(t, "tok", rec.seen[0].ClientToken)
	assert.Equal(t, "newsletter", rec.seen[0].UTMSource)
}

func TestEventsAllowAnyOrigin(t *testing.T) {
	h := NewHandler(&fakeRecorder{}, nil, nil).Routes()
	req := httptest.NewRequest(http.MethodOptions, "/v1/events", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestRealIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "10.0.0.1:1234", realIP(req))

	req.Header.Set("X-Real-Ip", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", realIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", realIP(req))
}
