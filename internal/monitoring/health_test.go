package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func post(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
	return w
}

func TestHealthyByDefault(t *testing.T) {
	hm := NewHealthMonitor()
	w := get(t, hm.Router(), "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)
}

func TestStatusCarriesProgress(t *testing.T) {
	hm := NewHealthMonitor()
	hm.SetProgress(Progress{RunID: "r1", Epoch: 2, Step: 7, Phase: "cosine", LearningRate: 1e-4})

	w := get(t, hm.Router(), "/status")
	require.Equal(t, http.StatusOK, w.Code)

	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "r1", status.Training.RunID)
	assert.Equal(t, 2, status.Training.Epoch)
	assert.Equal(t, "cosine", status.Training.Phase)
	assert.False(t, status.Training.LastUpdatedAt.IsZero())
	assert.NotEmpty(t, status.System.GoVersion)
}

func TestAlertsDegradeHealth(t *testing.T) {
	hm := NewHealthMonitor()
	r := hm.Router()

	hm.AddAlert("error", "loss", "non-finite loss at epoch 0 step 3")
	w := get(t, r, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")

	hm.AddAlert("critical", "loss", "training halted")
	assert.Contains(t, get(t, r, "/health").Body.String(), "critical")

	assert.Equal(t, http.StatusNoContent, post(t, r, "/admin/alerts/1/resolve").Code)
	assert.Contains(t, get(t, r, "/health").Body.String(), "degraded")

	assert.Equal(t, http.StatusNotFound, post(t, r, "/admin/alerts/9/resolve").Code)
	assert.Equal(t, http.StatusBadRequest, post(t, r, "/admin/alerts/x/resolve").Code)

	var alerts []Alert
	require.NoError(t, json.NewDecoder(get(t, r, "/admin/alerts").Body).Decode(&alerts))
	require.Len(t, alerts, 2)
	assert.True(t, alerts[1].Resolved)

	assert.Equal(t, http.StatusOK, post(t, r, "/admin/clear-alerts").Code)
	assert.Equal(t, http.StatusOK, get(t, r, "/health").Code)
}

func TestClearAlertsRequiresPost(t *testing.T) {
	hm := NewHealthMonitor()
	assert.Equal(t, http.StatusMethodNotAllowed, get(t, hm.Router(), "/admin/clear-alerts").Code)
}

func TestAlertHistoryIsBounded(t *testing.T) {
	hm := NewHealthMonitor()
	for i := 0; i < maxAlerts+10; i++ {
		hm.AddAlert("info", "data", "x")
	}
	assert.Len(t, hm.snapshotAlerts(), maxAlerts)
}

func TestMetricsEndpoint(t *testing.T) {
	hm := NewHealthMonitor()
	w := get(t, hm.Router(), "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "go_goroutines"))
}
