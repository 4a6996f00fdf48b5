// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travsart/spawngate/internal/breaker"
	"github.com/travsart/spawngate/internal/health"
	"github.com/travsart/spawngate/internal/spawn"
)

func newTestServer(t *testing.T) (*Server, *spawn.Service) {
	t.Helper()

	opts := spawn.DefaultOptions()
	opts.Throttle.BaseBatchInterval = 0
	opts.Throttle.EnableBurstPrevention = false

	svc := spawn.New(opts)
	mgr := health.NewManager("test")
	mgr.RegisterChecker(&health.BreakerChecker{Breaker: svc.Breaker()})
	mgr.RegisterChecker(&health.PressureChecker{Monitor: svc.Monitor()})

	return New(svc, mgr, nil), svc
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("{}")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	r := s.Router()

	rec := doJSON(t, r, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	var resp health.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, health.StatusHealthy, resp.Status)
	assert.Nil(t, resp.Checks)

	rec = doJSON(t, r, http.MethodGet, "/healthz?verbose=1", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Checks, 2)
}

func TestReadyzDegradedStaysReady(t *testing.T) {
	s, svc := newTestServer(t)
	r := s.Router()

	svc.Breaker().Reset()
	rec := doJSON(t, r, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Trip the breaker; readiness degrades but stays 200.
	cfg := breaker.DefaultConfig()
	cfg.MinimumSampleSize = 1
	trip := breaker.New(cfg)
	trip.RecordFailure()

	mgr := health.NewManager("test")
	mgr.RegisterChecker(&health.BreakerChecker{Breaker: trip})
	degraded := New(svc, mgr, nil).Router()

	rec = doJSON(t, degraded, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp health.ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Ready)
	assert.Equal(t, health.StatusDegraded, resp.Status)
}

func TestEnqueueAndPoll(t *testing.T) {
	s, _ := newTestServer(t)
	r := s.Router()

	rec := doJSON(t, r, http.MethodPost, "/api/spawn", `{"priority":"critical","reason":"reconnect"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var enq enqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enq))
	assert.NotEmpty(t, enq.ID)
	assert.Equal(t, "critical", enq.Priority)

	rec = doJSON(t, r, http.MethodPost, "/api/spawn/poll", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var poll struct {
		Requests []struct {
			ID string `json:"id"`
		} `json:"requests"`
		Summary string `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &poll))
	require.Len(t, poll.Requests, 1)
	assert.Equal(t, enq.ID, poll.Requests[0].ID)
	assert.NotEmpty(t, poll.Summary)
}

func TestEnqueueRejectsUnknownPriority(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Router(), http.MethodPost, "/api/spawn", `{"priority":"urgent"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancel(t *testing.T) {
	s, svc := newTestServer(t)
	r := s.Router()

	id := svc.EnqueueSpawnRequest(1, "test")
	rec := doJSON(t, r, http.MethodDelete, "/api/spawn/"+id, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, r, http.MethodDelete, "/api/spawn/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOutcomeRoundTrip(t *testing.T) {
	s, svc := newTestServer(t)
	r := s.Router()

	id := svc.EnqueueSpawnRequest(2, "test")
	require.Len(t, svc.PollNextBatch(), 1)

	rec := doJSON(t, r, http.MethodPost, "/api/spawn/"+id+"/outcome", `{"success":true}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/api/spawn/"+id+"/outcome", `{"success":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code, "second resolve is rejected")
}

func TestBreakerReset(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Router(), http.MethodPost, "/api/breaker/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "closed")
}

func TestStatusAndMetricsSummary(t *testing.T) {
	s, svc := newTestServer(t)
	r := s.Router()
	svc.EnqueueSpawnRequest(3, "test")

	rec := doJSON(t, r, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st spawn.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 1, st.QueueDepths["critical"])
	assert.True(t, st.StartupComplete)

	rec = doJSON(t, r, http.MethodGet, "/api/metrics/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "queueDepths")
}

func TestConfigReloadDisabled(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Router(), http.MethodPost, "/api/config/reload", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
