package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatflow-io/chatflow/internal/database"
	"github.com/chatflow-io/chatflow/internal/stats"
	"github.com/chatflow-io/chatflow/internal/testutil"
)

func newTestOpsServer(t *testing.T, repo database.MessageRepository, components map[string]Pinger) (*OpsServer, *stats.MockStatsProvider) {
	sp := stats.NewMockStatsProvider()
	mux := http.NewServeMux()
	s := NewOpsServer(mux, ":0", repo, components, testutil.TestLogger(t), sp)
	return s, sp
}

func TestHealthzAllComponentsUp(t *testing.T) {
	s, _ := newTestOpsServer(t, nil, map[string]Pinger{
		"broker": func() error { return nil },
		"bus":    func() error { return nil },
	})

	rr := httptest.NewRecorder()
	s.healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rr.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Components["broker"])
	assert.Equal(t, "ok", resp.Components["bus"])
}

func TestHealthzDegradedComponent(t *testing.T) {
	s, _ := newTestOpsServer(t, nil, map[string]Pinger{
		"broker": func() error { return nil },
		"db":     func() error { return errors.New("connection refused") },
	})

	rr := httptest.NewRecorder()
	s.healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "ok", resp.Components["broker"])
	assert.Equal(t, "connection refused", resp.Components["db"])
}

func TestMetricsCountersOnly(t *testing.T) {
	s, sp := newTestOpsServer(t, nil, nil)
	sp.Add(stats.MessagesProcessed, 42)

	rr := httptest.NewRecorder()
	s.metrics(rr, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)

	var resp MetricsResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, int64(42), resp.Counters[stats.MessagesProcessed])
	assert.Contains(t, resp.Counters, stats.DBDropped)
	assert.Empty(t, resp.TopUsers, "no storage attached means no analytics")
}

func TestMetricsIncludesAnalytics(t *testing.T) {
	repo := &database.MockMessageRepository{}
	s, _ := newTestOpsServer(t, repo, nil)

	rr := httptest.NewRecorder()
	s.metrics(rr, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)

	var resp MetricsResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Zero(t, resp.ActiveUsersLastHour)
}

func TestMetricsSurfacesStorageFailure(t *testing.T) {
	repo := &failingRepo{}
	s, _ := newTestOpsServer(t, repo, nil)

	rr := httptest.NewRecorder()
	s.metrics(rr, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

// failingRepo fails every analytics query.
type failingRepo struct {
	database.MockMessageRepository
}

func (f *failingRepo) CountActiveUsers(from, to time.Time) (int64, error) {
	return 0, errors.New("query timeout")
}
