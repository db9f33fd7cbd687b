package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/threatfabric/internal/aggregator"
	"github.com/ocx/threatfabric/internal/config"
	"github.com/ocx/threatfabric/internal/facade"
	"github.com/ocx/threatfabric/internal/fabric"
	"github.com/ocx/threatfabric/internal/middleware"
	"github.com/ocx/threatfabric/internal/model"
	"github.com/ocx/threatfabric/internal/store"
	"github.com/ocx/threatfabric/internal/trust"
)

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	trustCfg := config.TrustConfig{
		InitialTrust: 0.5, MinTrust: 0.1, MaxTrust: 1.0, LearningRate: 0.25,
		ContributionNorm: 50, ResponsivenessTau: 60, ConsistencyWindow: 20,
		Weights: config.TrustWeights{Accuracy: 0.4, Contribution: 0.2, Responsiveness: 0.2, Consistency: 0.2},
		DecayRate: 0.95, DecayIntervalSec: 3600,
	}
	trustMgr := trust.NewManager(st, trustCfg)
	queue := aggregator.NewOutcomeQueue(trustMgr, 64, 3)
	t.Cleanup(queue.Stop)
	agg := aggregator.New(st, trustMgr, queue, config.IOCConfig{TTLDays: 30},
		config.ConsensusConfig{Threshold: 2, TrustAverage: 0.6, CriticalBypass: true, CriticalMinTrust: 0.8})
	fab := fabric.New(agg, trustMgr, config.FabricConfig{OutboundQueueSize: 16, HeartbeatIntervalSec: 30})
	coord := facade.New(trustMgr, agg, fab)

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{MaxCallsPerMinute: 1000, BurstSize: 1000})
	noopWS := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	return NewServer(coord, noopWS, limiter), st
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body["ok"])
}

func TestHandleStatus_ReturnsZeroCountsOnEmptyStore(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(0), body["total_clients"])
}

func TestHandleReportThreat_AcceptsValidSubmission(t *testing.T) {
	s, st := newTestServer(t)
	require.NoError(t, st.PutTrustScore(context.Background(), &model.TrustScore{ClientID: "agent-1", Value: 0.9, LastUpdatedAt: time.Now()}))

	payload := `{"client_id":"agent-1","ioc":{"type":"url","value":"http://bad.example/x","threat_level":"critical"}}`
	req := httptest.NewRequest(http.MethodPost, "/report_threat", bytes.NewBufferString(payload))
	req.Header.Set("X-Client-ID", "agent-1")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "verified", body["status"], "a single highly-trusted reporter on a critical IOC verifies immediately")
	assert.NotEmpty(t, body["ioc_id"])
}

func TestHandleReportThreat_RejectsMalformedBody(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/report_threat", bytes.NewBufferString("not json"))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "bad_request", body["kind"])
}

func TestHandleReportThreat_RejectsUnknownIOCType(t *testing.T) {
	s, _ := newTestServer(t)
	payload := `{"client_id":"agent-1","ioc":{"type":"bogus","value":"x"}}`
	req := httptest.NewRequest(http.MethodPost, "/report_threat", bytes.NewBufferString(payload))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleListIOCs_FiltersByStatusQueryParam(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.PutTrustScore(ctx, &model.TrustScore{ClientID: "a", Value: 0.9, LastUpdatedAt: time.Now()}))

	payload := `{"client_id":"a","ioc":{"type":"domain","value":"evil.example.com","threat_level":"critical"}}`
	req := httptest.NewRequest(http.MethodPost, "/report_threat", bytes.NewBufferString(payload))
	s.Router().ServeHTTP(httptest.NewRecorder(), req)

	req2 := httptest.NewRequest(http.MethodGet, "/iocs?status=verified", nil)
	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, req2)

	require.Equal(t, http.StatusOK, rec2.Code)
	var body struct {
		IOCs []map[string]interface{} `json:"iocs"`
	}
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &body))
	assert.Len(t, body.IOCs, 1)
}

func TestHandleGetIOC_UnknownIDReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/iocs/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSyncIntel_RequiresClientID(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/sync_intel", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSyncIntel_ReturnsVerifiedIOCsAndCursor(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.PutTrustScore(ctx, &model.TrustScore{ClientID: "a", Value: 0.9, LastUpdatedAt: time.Now()}))

	payload := `{"client_id":"a","ioc":{"type":"domain","value":"sync.example.com","threat_level":"critical"}}`
	req := httptest.NewRequest(http.MethodPost, "/report_threat", bytes.NewBufferString(payload))
	s.Router().ServeHTTP(httptest.NewRecorder(), req)

	req2 := httptest.NewRequest(http.MethodGet, "/sync_intel?client_id=c1", nil)
	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, req2)

	require.Equal(t, http.StatusOK, rec2.Code)
	var body struct {
		IOCs   []map[string]interface{} `json:"iocs"`
		Cursor int64                    `json:"cursor"`
	}
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &body))
	assert.Len(t, body.IOCs, 1)
	assert.Greater(t, body.Cursor, int64(0))
}

func TestCorsMiddleware_SetsAllowOriginOnMatchedRoute(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestParseTimeParam_AcceptsUnixAndRFC3339AndEmpty(t *testing.T) {
	assert.True(t, parseTimeParam("").IsZero())

	unix := parseTimeParam("1700000000")
	assert.Equal(t, int64(1700000000), unix.Unix())

	rfc := parseTimeParam("2024-01-01T00:00:00Z")
	assert.Equal(t, 2024, rfc.Year())

	assert.True(t, parseTimeParam("not-a-time").IsZero())
}
