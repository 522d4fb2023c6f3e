package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stepsyncd/internal/api"
	"stepsyncd/internal/biometrics"
	"stepsyncd/internal/cloudledger"
	"stepsyncd/internal/engine"
	"stepsyncd/internal/health"
	"stepsyncd/internal/healthbridge"
	"stepsyncd/internal/logging"
	"stepsyncd/internal/metrics"
	"stepsyncd/internal/model"
	"stepsyncd/internal/retry"
	"stepsyncd/internal/sensor"
	"stepsyncd/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *sensor.Simulated, *healthbridge.Memory) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sim := sensor.NewSimulated(0)
	bridge := healthbridge.NewMemory()

	log, err := logging.New(&logging.Config{Level: logging.LevelError, Output: "stderr"})
	require.NoError(t, err)

	registry := metrics.NewRegistry()
	eng, err := engine.New(engine.Config{
		UserID:       "user-1",
		Profile:      biometrics.Guest,
		SyncInterval: time.Hour,
		SensorRetry:  retry.Policy{Attempts: 1, Backoff: time.Millisecond},
	}, engine.Deps{
		Sensor:  sim,
		Store:   st,
		Health:  bridge,
		Cloud:   cloudledger.NewMemory(),
		Log:     log,
		Metrics: metrics.NewEngine(registry),
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { eng.Stop() })

	checker := health.NewChecker()
	checker.Register(&health.Component{
		Name:  "sensor",
		Check: func(ctx context.Context) health.CheckResult { return health.CheckResult{Status: health.StatusHealthy} },
	})

	srv := httptest.NewServer(api.NewServer(eng, checker, registry, log).Routes())
	t.Cleanup(srv.Close)
	return srv, sim, bridge
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	code, err := tryGetJSON(url, out)
	require.NoError(t, err)
	return code
}

// tryGetJSON never fails the test; Eventually conditions run on their
// own goroutine where require must not be used.
func tryGetJSON(url string, out any) (int, error) {
	resp, err := http.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, err
	}
	return resp.StatusCode, nil
}

func TestTodayEndpoint(t *testing.T) {
	srv, sim, _ := newTestServer(t)

	sim.Advance(1234)
	require.Eventually(t, func() bool {
		var resp api.TodayResponse
		_, err := tryGetJSON(srv.URL+"/v1/today", &resp)
		return err == nil && resp.Today.Steps == 1234
	}, 2*time.Second, 5*time.Millisecond)

	var resp api.TodayResponse
	code := getJSON(t, srv.URL+"/v1/today", &resp)
	require.Equal(t, http.StatusOK, code)
	require.False(t, resp.Degraded)
	require.Equal(t, model.DayOf(time.Now()), resp.Today.Date)
}

func TestSyncEndpoint(t *testing.T) {
	srv, sim, bridge := newTestServer(t)

	sim.Advance(400)
	require.Eventually(t, func() bool {
		var resp api.TodayResponse
		_, err := tryGetJSON(srv.URL+"/v1/today", &resp)
		return err == nil && resp.Today.Steps == 400
	}, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Post(srv.URL+"/v1/sync", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body api.TodayResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, uint32(400), body.Today.Steps)
	require.Equal(t, uint32(400), bridge.Total(body.Today.Date))
}

func TestSyncEndpointRejectsGet(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/sync")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestOverallEndpoint(t *testing.T) {
	srv, sim, _ := newTestServer(t)

	sim.Advance(50)
	require.Eventually(t, func() bool {
		var resp api.OverallResponse
		_, err := tryGetJSON(srv.URL+"/v1/overall", &resp)
		return err == nil && resp.OverallSteps == 50
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHistoryEndpointValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var ok api.HistoryResponse
	code := getJSON(t, srv.URL+"/v1/history?days=3", &ok)
	require.Equal(t, http.StatusOK, code)

	var bad map[string]string
	code = getJSON(t, srv.URL+"/v1/history?days=0", &bad)
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, bad["error"], "days")
}

func TestDayEndpoint(t *testing.T) {
	srv, sim, _ := newTestServer(t)

	sim.Advance(77)
	today := model.DayOf(time.Now())
	require.Eventually(t, func() bool {
		var snap model.StepSnapshot
		code, err := tryGetJSON(srv.URL+"/v1/days/"+today.String(), &snap)
		return err == nil && code == http.StatusOK && snap.Steps == 77
	}, 2*time.Second, 5*time.Millisecond)

	var bad map[string]string
	code := getJSON(t, srv.URL+"/v1/days/not-a-date", &bad)
	require.Equal(t, http.StatusBadRequest, code)

	code = getJSON(t, srv.URL+"/v1/days/1999-01-01", &bad)
	require.Equal(t, http.StatusNotFound, code)
}

func TestConflictsEndpointEmpty(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var resp api.ConflictsResponse
	code := getJSON(t, srv.URL+"/v1/conflicts", &resp)
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, resp.Conflicts)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var report struct {
		Status string `json:"status"`
	}
	code := getJSON(t, srv.URL+"/healthz", &report)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "healthy", report.Status)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}
