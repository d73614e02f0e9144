package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evoseal/core/infrastructure/logging"
)

type fakeProvider struct{}

func (fakeProvider) Status() map[string]any  { return map[string]any{"state": "running"} }
func (fakeProvider) Metrics() map[string]any { return map[string]any{"evolution_cycles": 3} }
func (fakeProvider) Report() map[string]any  { return map[string]any{"recommendations": []string{}} }

func newTestServer() *Server {
	log := logging.New("evoseal-dashboard-test", "error", "json")
	return New(DefaultConfig(), fakeProvider{}, nil, log)
}

func TestStatusEndpointReturnsProviderSnapshot(t *testing.T) {
	srv := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "running", body["state"])
}

func TestMetricsEndpointReturnsProviderSnapshot(t *testing.T) {
	srv := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(3), body["evolution_cycles"])
}

func TestStreamEndpointRequiresUpgradeOrNDJSONAccept(t *testing.T) {
	srv := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/stream", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)
}

func TestIndexServesHTML(t *testing.T) {
	srv := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "evoseal dashboard")
}
