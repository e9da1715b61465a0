package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sortbot/internal/db"
	"github.com/banshee-data/sortbot/internal/geom"
	"github.com/banshee-data/sortbot/internal/monitoring"
	"github.com/banshee-data/sortbot/internal/orchestrator"
	"github.com/banshee-data/sortbot/internal/perception"
	"github.com/banshee-data/sortbot/internal/tracking"
	"github.com/banshee-data/sortbot/internal/zones"
)

func init() {
	monitoring.SetLogger(nil)
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeController struct {
	stats   orchestrator.Stats
	resets  int
	current *orchestrator.TaskReport
	aborts  int
}

func (f *fakeController) Stats() orchestrator.Stats { return f.stats }
func (f *fakeController) ResetStats() {
	f.resets++
	f.stats = orchestrator.Stats{Since: t0.Add(time.Hour)}
}
func (f *fakeController) RunID() string { return "run-1" }

func (f *fakeController) Current() (orchestrator.TaskReport, bool) {
	if f.current == nil {
		return orchestrator.TaskReport{}, false
	}
	return *f.current, true
}

func (f *fakeController) Abort() bool {
	if f.current == nil {
		return false
	}
	f.aborts++
	return true
}

type testServer struct {
	srv   *Server
	orch  *fakeController
	zones *zones.Registry
	track *tracking.Tracker
	db    *db.DB
}

func setupTestServer(t *testing.T, withDB bool) *testServer {
	t.Helper()

	reg, err := zones.NewRegistry([]zones.Zone{
		{ID: "zone_a", Position: geom.Point{X: 2}, Capacity: 3},
		{ID: "zone_b", Position: geom.Point{X: 2, Y: 1}, Capacity: 1},
	})
	require.NoError(t, err)

	tr := tracking.NewTracker(tracking.TrackerConfig{
		MatchDistance:      0.3,
		HitsToConfirm:      3,
		MaxMisses:          4,
		MaxMissesCandidate: 2,
		SmoothingAlpha:     0.5,
		LabelWindow:        10,
		LabelMajority:      0.5,
		AmbiguityBudget:    5,
		MaxTracks:          16,
		RetiredGracePeriod: time.Second,
	})

	ts := &testServer{
		orch:  &fakeController{stats: orchestrator.Stats{Since: t0, Attempted: 2, Succeeded: 1, Failed: 1}},
		zones: reg,
		track: tr,
	}
	var outcomes OutcomeStore
	if withDB {
		ts.db, err = db.NewDB(filepath.Join(t.TempDir(), "api.db"))
		require.NoError(t, err)
		t.Cleanup(func() { ts.db.Close() })
		outcomes = ts.db
	}
	ts.srv = NewServer(ts.orch, reg, tr, outcomes)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	ts.srv.ServeMux().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestShowStats(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, false)

	w := ts.do(t, http.MethodGet, "/api/stats")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	got := decode[struct {
		RunID  string               `json:"run_id"`
		Stats  orchestrator.Stats   `json:"stats"`
		Tracks tracking.TrackCounts `json:"tracks"`
	}](t, w)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, 2, got.Stats.Attempted)
	assert.Equal(t, 1, got.Stats.Succeeded)
	assert.Equal(t, 0, got.Tracks.Total)

	w = ts.do(t, http.MethodPost, "/api/stats")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestResetStats(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, false)

	w := ts.do(t, http.MethodGet, "/api/stats/reset")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, 0, ts.orch.resets)

	w = ts.do(t, http.MethodPost, "/api/stats/reset")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, ts.orch.resets)
	got := decode[orchestrator.Stats](t, w)
	assert.Equal(t, 0, got.Attempted)
	assert.True(t, got.Since.Equal(t0.Add(time.Hour)))
}

func TestListZones(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, false)

	res, err := ts.zones.Reserve("zone_a")
	require.NoError(t, err)
	require.NoError(t, ts.zones.Commit(res))
	_, err = ts.zones.Reserve("zone_a")
	require.NoError(t, err)

	w := ts.do(t, http.MethodGet, "/api/zones")
	require.Equal(t, http.StatusOK, w.Code)

	got := decode[[]zoneView](t, w)
	require.Len(t, got, 2)
	assert.Equal(t, "zone_a", got[0].ID)
	assert.Equal(t, 1, got[0].Occupancy)
	assert.Equal(t, 1, got[0].Reserved)
	assert.Equal(t, 1, got[0].Free)
	assert.InDelta(t, 2.0/3.0, got[0].Load, 1e-9)
	assert.Equal(t, "zone_b", got[1].ID)
	assert.Equal(t, 1, got[1].Free)
}

func TestEmptyZone(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, false)

	res, err := ts.zones.Reserve("zone_b")
	require.NoError(t, err)
	require.NoError(t, ts.zones.Commit(res))
	held, err := ts.zones.Reserve("zone_a")
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"wrong method", http.MethodGet, "/api/zones/zone_b/empty", http.StatusMethodNotAllowed},
		{"unknown zone", http.MethodPost, "/api/zones/zone_z/empty", http.StatusNotFound},
		{"outstanding reservation", http.MethodPost, "/api/zones/zone_a/empty", http.StatusConflict},
		{"full zone", http.MethodPost, "/api/zones/zone_b/empty", http.StatusOK},
	}
	for _, tc := range tests {
		w := ts.do(t, tc.method, tc.path)
		assert.Equal(t, tc.want, w.Code, "%s: %s", tc.name, w.Body.String())
	}

	z, ok := ts.zones.Get("zone_b")
	require.True(t, ok)
	assert.Equal(t, 0, z.Occupancy)

	require.NoError(t, ts.zones.Release(held))
	w := ts.do(t, http.MethodPost, "/api/zones/zone_a/empty")
	assert.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, ts.zones.Check())
}

func TestListTracks(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, false)

	bottle := perception.Detection{
		Label:      "bottle",
		Confidence: 0.9,
		Box:        perception.BBox{X2: 40, Y2: 80},
		Position:   geom.Point{X: 1, Y: 0.5},
	}
	for i := 0; i < 3; i++ {
		ts.track.Update([]perception.Detection{bottle}, t0.Add(time.Duration(i)*100*time.Millisecond))
	}

	w := ts.do(t, http.MethodGet, "/api/tracks")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[[]tracking.TrackedObject](t, w)
	require.Len(t, got, 1)
	assert.Equal(t, "bottle", got[0].Label)
	assert.Equal(t, tracking.TrackConfirmed, got[0].State)

	require.NoError(t, ts.track.Retire(got[0].TrackID, tracking.RetirePlaced))
	w = ts.do(t, http.MethodGet, "/api/tracks?active=true")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestShowTask(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, false)

	w := ts.do(t, http.MethodGet, "/api/task")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"active":false}`, w.Body.String())

	ts.orch.current = &orchestrator.TaskReport{TaskID: "task-1", TrackID: "trk_00000001", State: orchestrator.TaskGrasping}
	w = ts.do(t, http.MethodGet, "/api/task")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[struct {
		Active bool                     `json:"active"`
		Task   *orchestrator.TaskReport `json:"task"`
	}](t, w)
	assert.True(t, got.Active)
	require.NotNil(t, got.Task)
	assert.Equal(t, "task-1", got.Task.TaskID)
	assert.Equal(t, orchestrator.TaskGrasping, got.Task.State)
}

func TestStop(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, false)

	w := ts.do(t, http.MethodGet, "/api/stop")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = ts.do(t, http.MethodPost, "/api/stop")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"aborted":false}`, w.Body.String())

	ts.orch.current = &orchestrator.TaskReport{TaskID: "task-1"}
	w = ts.do(t, http.MethodPost, "/api/stop")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"aborted":true}`, w.Body.String())
	assert.Equal(t, 1, ts.orch.aborts)
}

func TestListOutcomes_NoStore(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, false)

	w := ts.do(t, http.MethodGet, "/api/outcomes")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "not configured")
}

func TestListOutcomes(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, true)
	ctx := context.Background()

	for i, state := range []orchestrator.TaskState{orchestrator.TaskCompleted, orchestrator.TaskFailed, orchestrator.TaskCompleted} {
		start := t0.Add(time.Duration(i) * time.Minute)
		require.NoError(t, ts.db.RecordOutcome(ctx, orchestrator.TaskReport{
			TaskID:    "task-" + string(rune('a'+i)),
			RunID:     "run-1",
			TrackID:   "trk_00000001",
			Label:     "bottle",
			ZoneID:    "zone_a",
			State:     state,
			StartedAt: start,
			EndedAt:   start.Add(time.Second),
			Duration:  time.Second,
		}))
	}

	w := ts.do(t, http.MethodGet, "/api/outcomes?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[struct {
		Outcomes []orchestrator.TaskReport `json:"outcomes"`
		Zones    []db.ZoneSummary          `json:"zones"`
	}](t, w)
	require.Len(t, got.Outcomes, 2)
	assert.Equal(t, "task-c", got.Outcomes[0].TaskID)
	assert.Equal(t, []db.ZoneSummary{{ZoneID: "zone_a", Succeeded: 2, Failed: 1}}, got.Zones)

	for _, bad := range []string{"0", "-1", "abc", "5000"} {
		w := ts.do(t, http.MethodGet, "/api/outcomes?limit="+bad)
		assert.Equal(t, http.StatusBadRequest, w.Code, "limit=%s", bad)
	}

	w = ts.do(t, http.MethodGet, "/api/outcomes?run_id=run-2")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"zones":[]`)
}

func TestZoneChart(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, false)

	w := ts.do(t, http.MethodGet, "/api/charts/zones")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "Zone Occupancy")
	assert.Contains(t, body, "zone_a")
	assert.Contains(t, body, "zone_b")

	w = ts.do(t, http.MethodPost, "/api/charts/zones")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestZoneChart_NoZones(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, false)
	ts.srv.zones = emptyZones{}

	w := ts.do(t, http.MethodGet, "/api/charts/zones")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type emptyZones struct{}

func (emptyZones) Snapshot() []zones.Zone    { return nil }
func (emptyZones) Empty(zoneID string) error { return zones.ErrUnknownZone }

func TestLoggingMiddleware(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	wrapped := LoggingMiddleware(handler)

	req := httptest.NewRequest(http.MethodGet, "/api/stats?x=1", nil)
	w := httptest.NewRecorder()
	wrapped.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestStatusCodeColor(t *testing.T) {
	t.Parallel()

	assert.True(t, strings.HasPrefix(statusCodeColor(200), colorBoldGreen))
	assert.True(t, strings.HasPrefix(statusCodeColor(302), colorYellow))
	assert.True(t, strings.HasPrefix(statusCodeColor(404), colorBoldRed))
	assert.True(t, strings.HasPrefix(statusCodeColor(503), colorBoldRed))
	assert.Equal(t, "101", statusCodeColor(101))
}

func TestWriteJSONError(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, false)

	w := httptest.NewRecorder()
	ts.srv.writeJSONError(w, http.StatusBadRequest, "Test error message")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"Test error message"}`, w.Body.String())
}
