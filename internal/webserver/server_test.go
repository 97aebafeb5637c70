package webserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proctorhq/proctor/internal/models"
)

func newTestServer(t *testing.T, dir string) http.Handler {
	t.Helper()
	srv, err := New(Config{
		Port:       0,
		ResultsDir: dir,
		NoBrowser:  true,
	})
	require.NoError(t, err)
	return srv.Handler()
}

func saveTestArtifact(t *testing.T, dir string) *models.RunArtifact {
	t.Helper()
	a := &models.RunArtifact{
		RunID:           "abc123",
		PlanName:        "nightly",
		StartedAt:       time.Date(2026, 2, 18, 10, 0, 0, 0, time.UTC),
		DurationSeconds: 42,
		Totals:          models.RunTotals{Tasks: 1, Completed: 1, Succeeded: 1, SuccessRate: 1.0},
		Tasks: []*models.TaskEntry{
			{TaskID: "miniwob.click-test", Benchmark: "miniwob",
				Status: models.StatusCompleted, Success: true, FinalReward: 1.0},
		},
	}
	_, err := a.Save(dir)
	require.NoError(t, err)
	return a
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestServer(t, t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	err := json.Unmarshal(rec.Body.Bytes(), &body)
	require.NoError(t, err)
	assert.Equal(t, "ok", body["status"])
}

func TestAPISummaryReturnsJSON(t *testing.T) {
	handler := newTestServer(t, t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/api/summary", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	err := json.Unmarshal(rec.Body.Bytes(), &body)
	require.NoError(t, err)
	assert.Contains(t, body, "totalRuns")
}

func TestAPIRunsListsArtifacts(t *testing.T) {
	dir := t.TempDir()
	saveTestArtifact(t, dir)
	handler := newTestServer(t, dir)

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var runs []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "abc123", runs[0]["id"])
}

func TestIndexListsRuns(t *testing.T) {
	dir := t.TempDir()
	saveTestArtifact(t, dir)
	handler := newTestServer(t, dir)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<!doctype html>")
	assert.Contains(t, rec.Body.String(), "/report/abc123")
}

func TestIndexEmpty(t *testing.T) {
	handler := newTestServer(t, t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No runs recorded yet")
}

func TestReportPage(t *testing.T) {
	dir := t.TempDir()
	saveTestArtifact(t, dir)
	handler := newTestServer(t, dir)

	req := httptest.NewRequest(http.MethodGet, "/report/abc123", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "miniwob.click-test")
	assert.Contains(t, rec.Body.String(), "<table>")
}

func TestReportPageNotFound(t *testing.T) {
	handler := newTestServer(t, t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/report/missing", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
