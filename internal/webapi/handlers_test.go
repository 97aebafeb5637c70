package webapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// mockStore implements RunStore for testing.
type mockStore struct {
	runs     map[string]*RunDetail
	progress map[string]*ProgressResponse
	listErr  error
	getErr   error
	sumErr   error
}

func newMockStore() *mockStore {
	return &mockStore{
		runs:     make(map[string]*RunDetail),
		progress: make(map[string]*ProgressResponse),
	}
}

func (m *mockStore) addRun(detail *RunDetail) {
	m.runs[detail.ID] = detail
}

func (m *mockStore) ListRuns(sortField, order string) ([]RunSummary, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	runs := make([]RunSummary, 0, len(m.runs))
	for _, d := range m.runs {
		runs = append(runs, d.RunSummary)
	}
	sortRuns(runs, sortField, order)
	return runs, nil
}

func (m *mockStore) GetRun(id string) (*RunDetail, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	d, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return d, nil
}

func (m *mockStore) Progress(id string) (*ProgressResponse, error) {
	p, ok := m.progress[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return p, nil
}

func (m *mockStore) Summary() (*SummaryResponse, error) {
	if m.sumErr != nil {
		return nil, m.sumErr
	}
	resp := &SummaryResponse{}
	totalReward := 0.0
	totalDuration := 0.0
	totalPassed := 0
	totalTasks := 0

	for _, d := range m.runs {
		resp.TotalRuns++
		totalTasks += d.TaskCount
		totalPassed += d.PassCount
		totalReward += d.RewardSum
		totalDuration += d.Duration
	}

	resp.TotalTasks = totalTasks
	if totalTasks > 0 {
		resp.PassRate = float64(totalPassed) / float64(totalTasks) * 100.0
		resp.AvgReward = totalReward / float64(totalTasks)
	}
	if resp.TotalRuns > 0 {
		resp.AvgDuration = totalDuration / float64(resp.TotalRuns)
	}

	return resp, nil
}

func sampleRun(id, plan string, passed, total int, duration float64, ts time.Time) *RunDetail {
	outcome := "passed"
	if passed < total {
		outcome = "failed"
	}
	return &RunDetail{
		RunSummary: RunSummary{
			ID:          id,
			Plan:        plan,
			Outcome:     outcome,
			PassCount:   passed,
			TaskCount:   total,
			SuccessRate: float64(passed) / float64(total),
			RewardSum:   float64(passed),
			Duration:    duration,
			Timestamp:   ts,
		},
		Benchmarks: []BenchmarkResult{
			{Name: "miniwob", Tasks: total, Succeeded: passed},
		},
		Tasks: []TaskResult{
			{
				Name:      "miniwob.click-test",
				Benchmark: "miniwob",
				Outcome:   "completed",
				Success:   true,
				Reward:    1.0,
				Duration:  12.5,
				ToolCalls: 4,
			},
		},
	}
}

func TestHandleHealth(t *testing.T) {
	store := newMockStore()
	h := NewHandlers(store)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()

	h.HandleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status ok, got %q", resp.Status)
	}
	if resp.Version == "" {
		t.Error("expected non-empty version")
	}
}

func TestHandleSummaryEmpty(t *testing.T) {
	store := newMockStore()
	h := NewHandlers(store)

	req := httptest.NewRequest(http.MethodGet, "/api/summary", nil)
	rec := httptest.NewRecorder()

	h.HandleSummary(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp SummaryResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.TotalRuns != 0 {
		t.Errorf("expected 0 runs, got %d", resp.TotalRuns)
	}
}

func TestHandleSummaryWithRuns(t *testing.T) {
	store := newMockStore()
	ts := time.Date(2026, 2, 18, 15, 30, 0, 0, time.UTC)
	store.addRun(sampleRun("r1", "nightly", 4, 5, 120, ts))
	store.addRun(sampleRun("r2", "nightly", 5, 5, 90, ts.Add(time.Hour)))
	h := NewHandlers(store)

	req := httptest.NewRequest(http.MethodGet, "/api/summary", nil)
	rec := httptest.NewRecorder()

	h.HandleSummary(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp SummaryResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.TotalRuns != 2 {
		t.Errorf("expected 2 runs, got %d", resp.TotalRuns)
	}
	if resp.TotalTasks != 10 {
		t.Errorf("expected 10 tasks, got %d", resp.TotalTasks)
	}
	if resp.PassRate != 90.0 {
		t.Errorf("expected 90%% pass rate, got %.1f", resp.PassRate)
	}
}

func TestHandleRunsEmpty(t *testing.T) {
	store := newMockStore()
	h := NewHandlers(store)

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	rec := httptest.NewRecorder()

	h.HandleRuns(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var runs []RunSummary
	if err := json.NewDecoder(rec.Body).Decode(&runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("expected 0 runs, got %d", len(runs))
	}
}

func TestHandleRunsWithSort(t *testing.T) {
	store := newMockStore()
	ts := time.Date(2026, 2, 18, 15, 30, 0, 0, time.UTC)
	store.addRun(sampleRun("r1", "nightly", 4, 5, 120, ts))
	store.addRun(sampleRun("r2", "smoke", 5, 5, 90, ts.Add(time.Hour)))
	h := NewHandlers(store)

	tests := []struct {
		name    string
		sort    string
		order   string
		firstID string
	}{
		{"default desc", "", "", "r2"},
		{"timestamp asc", "timestamp", "asc", "r1"},
		{"duration desc", "duration", "desc", "r1"},
		{"duration asc", "duration", "asc", "r2"},
		{"plan asc", "plan", "asc", "r1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "/api/runs"
			if tt.sort != "" || tt.order != "" {
				url += "?"
				if tt.sort != "" {
					url += "sort=" + tt.sort
				}
				if tt.order != "" {
					if tt.sort != "" {
						url += "&"
					}
					url += "order=" + tt.order
				}
			}
			req := httptest.NewRequest(http.MethodGet, url, nil)
			rec := httptest.NewRecorder()

			h.HandleRuns(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}

			var runs []RunSummary
			if err := json.NewDecoder(rec.Body).Decode(&runs); err != nil {
				t.Fatal(err)
			}
			if len(runs) != 2 {
				t.Fatalf("expected 2 runs, got %d", len(runs))
			}
			if runs[0].ID != tt.firstID {
				t.Errorf("expected first run %q, got %q", tt.firstID, runs[0].ID)
			}
		})
	}
}

func TestHandleRunDetail(t *testing.T) {
	store := newMockStore()
	ts := time.Date(2026, 2, 18, 15, 30, 0, 0, time.UTC)
	store.addRun(sampleRun("a3f2b1", "nightly", 4, 5, 120, ts))

	mux := http.NewServeMux()
	RegisterRoutes(mux, store)

	req := httptest.NewRequest(http.MethodGet, "/api/runs/a3f2b1", nil)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var detail RunDetail
	if err := json.NewDecoder(rec.Body).Decode(&detail); err != nil {
		t.Fatal(err)
	}
	if detail.ID != "a3f2b1" {
		t.Errorf("expected id a3f2b1, got %q", detail.ID)
	}
	if len(detail.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(detail.Tasks))
	}
	if detail.Tasks[0].Name != "miniwob.click-test" {
		t.Errorf("expected task name miniwob.click-test, got %q", detail.Tasks[0].Name)
	}
	if len(detail.Benchmarks) != 1 {
		t.Fatalf("expected 1 benchmark, got %d", len(detail.Benchmarks))
	}
}

func TestHandleRunDetailNotFound(t *testing.T) {
	store := newMockStore()

	mux := http.NewServeMux()
	RegisterRoutes(mux, store)

	req := httptest.NewRequest(http.MethodGet, "/api/runs/nonexistent", nil)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	var errResp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
		t.Fatal(err)
	}
	if errResp.Code != 404 {
		t.Errorf("expected error code 404, got %d", errResp.Code)
	}
}

func TestHandleRunProgress(t *testing.T) {
	store := newMockStore()
	store.progress["live-1"] = &ProgressResponse{
		RunID:         "live-1",
		CurrentIndex:  2,
		CurrentTaskID: "webarena.login",
		TotalTasks:    5,
		Completed:     2,
		Passed:        1,
		Failed:        1,
	}

	mux := http.NewServeMux()
	RegisterRoutes(mux, store)

	req := httptest.NewRequest(http.MethodGet, "/api/runs/live-1/progress", nil)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp ProgressResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.CurrentTaskID != "webarena.login" {
		t.Errorf("expected current task webarena.login, got %q", resp.CurrentTaskID)
	}
	if resp.Completed != 2 {
		t.Errorf("expected 2 completed, got %d", resp.Completed)
	}
}

func TestHandleRunProgressNotFound(t *testing.T) {
	store := newMockStore()

	mux := http.NewServeMux()
	RegisterRoutes(mux, store)

	req := httptest.NewRequest(http.MethodGet, "/api/runs/finished/progress", nil)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for finished run, got %d", rec.Code)
	}
}

func TestHandleRunsStoreError(t *testing.T) {
	store := newMockStore()
	store.listErr = fmt.Errorf("list failed")
	h := NewHandlers(store)

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	rec := httptest.NewRecorder()
	h.HandleRuns(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	var errResp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(errResp.Error, "list failed") {
		t.Errorf("expected error message to contain list failed, got %q", errResp.Error)
	}
}

func TestHandleRunDetailMissingID(t *testing.T) {
	h := NewHandlers(newMockStore())

	req := httptest.NewRequest(http.MethodGet, "/api/runs/", nil)
	rec := httptest.NewRecorder()
	h.HandleRunDetail(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("no origins configured means no CORS header", func(t *testing.T) {
		handler := CORSMiddleware(inner)
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.Header.Set("Origin", "http://evil.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Error("expected no CORS header when no origins configured")
		}
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("allowed origin gets CORS header", func(t *testing.T) {
		handler := CORSMiddleware(inner, "http://localhost:5173")
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
			t.Error("expected CORS header for allowed origin")
		}
	})

	t.Run("disallowed origin gets no CORS header", func(t *testing.T) {
		handler := CORSMiddleware(inner, "http://localhost:5173")
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.Header.Set("Origin", "http://evil.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Error("expected no CORS header for disallowed origin")
		}
	})

	t.Run("OPTIONS preflight", func(t *testing.T) {
		handler := CORSMiddleware(inner, "http://localhost:5173")
		req := httptest.NewRequest(http.MethodOptions, "/api/health", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Errorf("expected 204 for OPTIONS, got %d", rec.Code)
		}
	})
}

func TestRegisterRoutes(t *testing.T) {
	store := newMockStore()
	mux := http.NewServeMux()
	RegisterRoutes(mux, store)

	for _, path := range []string{"/api/health", "/api/summary", "/api/runs"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 from %s, got %d", path, rec.Code)
		}
	}
}

func TestSummaryError(t *testing.T) {
	store := newMockStore()
	store.sumErr = fmt.Errorf("boom")
	h := NewHandlers(store)

	req := httptest.NewRequest(http.MethodGet, "/api/summary", nil)
	rec := httptest.NewRecorder()

	h.HandleSummary(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestHandleRunDetailStoreError(t *testing.T) {
	store := newMockStore()
	store.getErr = fmt.Errorf("disk I/O error")

	mux := http.NewServeMux()
	RegisterRoutes(mux, store)

	req := httptest.NewRequest(http.MethodGet, "/api/runs/any-id", nil)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for store error, got %d", rec.Code)
	}
}
