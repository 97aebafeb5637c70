// Package webapi exposes run artifacts and live run progress over a small
// JSON HTTP API for the dashboard.
package webapi

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/proctorhq/proctor/internal/assessment"
	"github.com/proctorhq/proctor/internal/models"
)

// ErrRunNotFound is returned when a run ID does not match any stored run.
var ErrRunNotFound = errors.New("run not found")

// RunStore provides access to assessment run data.
type RunStore interface {
	// ListRuns returns all runs, sorted by the given field and order.
	ListRuns(sortField, order string) ([]RunSummary, error)
	// GetRun returns a single run with full task details.
	GetRun(id string) (*RunDetail, error)
	// Progress returns live progress for an in-flight run.
	Progress(id string) (*ProgressResponse, error)
	// Summary returns aggregate metrics across all runs.
	Summary() (*SummaryResponse, error)
}

// FileStore reads run artifact JSON files from a results directory.
type FileStore struct {
	dir string

	mu      sync.RWMutex
	runs    map[string]*models.RunArtifact
	loaded  bool
	loadErr error
}

// NewFileStore creates a FileStore that reads results from dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{
		dir:  dir,
		runs: make(map[string]*models.RunArtifact),
	}
}

// load reads all run-*.json artifacts from the configured directory.
func (fs *FileStore) load() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.runs = make(map[string]*models.RunArtifact)

	if fs.dir == "" {
		fs.loaded = true
		return nil
	}

	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		if os.IsNotExist(err) {
			fs.loaded = true
			return nil
		}
		fs.loadErr = err
		return err
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "run-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		art, err := models.LoadRunArtifact(filepath.Join(fs.dir, name))
		if err != nil {
			continue
		}
		if art.RunID == "" {
			art.RunID = strings.TrimSuffix(strings.TrimPrefix(name, "run-"), ".json")
		}
		fs.runs[art.RunID] = art
	}

	fs.loaded = true
	fs.loadErr = nil
	return nil
}

// ensureLoaded loads data if not already loaded.
func (fs *FileStore) ensureLoaded() error {
	fs.mu.RLock()
	if fs.loaded {
		fs.mu.RUnlock()
		return nil
	}
	fs.mu.RUnlock()
	return fs.load()
}

// Reload forces a fresh reload of all artifact files from disk.
func (fs *FileStore) Reload() error {
	return fs.load()
}

func artifactToSummary(a *models.RunArtifact) RunSummary {
	outcome := "passed"
	if a.Totals.Failed > 0 {
		outcome = "failed"
	}
	if a.Partial {
		outcome = "partial"
	}

	return RunSummary{
		ID:          a.RunID,
		Plan:        a.PlanName,
		Outcome:     outcome,
		PassCount:   a.Totals.Succeeded,
		TaskCount:   a.Totals.Tasks,
		SuccessRate: a.Totals.SuccessRate,
		RewardSum:   a.Totals.RewardSum,
		Duration:    a.DurationSeconds,
		Timestamp:   a.StartedAt,
	}
}

func artifactToDetail(a *models.RunArtifact) *RunDetail {
	detail := &RunDetail{RunSummary: artifactToSummary(a)}

	for _, b := range a.Benchmarks {
		detail.Benchmarks = append(detail.Benchmarks, BenchmarkResult{
			Name:        b.Name,
			Tasks:       b.Tasks,
			Succeeded:   b.Succeeded,
			SuccessRate: b.SuccessRate,
			RewardSum:   b.RewardSum,
		})
	}
	if detail.Benchmarks == nil {
		detail.Benchmarks = []BenchmarkResult{}
	}

	for _, t := range a.Tasks {
		detail.Tasks = append(detail.Tasks, TaskResult{
			Name:         t.TaskID,
			Benchmark:    t.Benchmark,
			Outcome:      string(t.Status),
			Success:      t.Success,
			Reward:       t.FinalReward,
			Duration:     t.ElapsedSeconds,
			ToolCalls:    t.Metrics.ToolCalls,
			Tokens:       t.Metrics.Tokens,
			Actions:      t.Metrics.Actions,
			Observations: t.Metrics.Observations,
			Error:        t.ErrorMessage,
		})
	}
	if detail.Tasks == nil {
		detail.Tasks = []TaskResult{}
	}

	return detail
}

// ListRuns returns all runs sorted by the given field and order.
func (fs *FileStore) ListRuns(sortField, order string) ([]RunSummary, error) {
	if err := fs.ensureLoaded(); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	runs := make([]RunSummary, 0, len(fs.runs))
	for _, a := range fs.runs {
		runs = append(runs, artifactToSummary(a))
	}

	sortRuns(runs, sortField, order)
	return runs, nil
}

// GetRun returns a single run with full task details.
func (fs *FileStore) GetRun(id string) (*RunDetail, error) {
	if err := fs.ensureLoaded(); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	a, ok := fs.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}

	return artifactToDetail(a), nil
}

// Progress is only meaningful for live runs; a finished artifact has none.
func (fs *FileStore) Progress(id string) (*ProgressResponse, error) {
	return nil, ErrRunNotFound
}

// Summary returns aggregate metrics across all runs.
func (fs *FileStore) Summary() (*SummaryResponse, error) {
	if err := fs.ensureLoaded(); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	resp := &SummaryResponse{}
	if len(fs.runs) == 0 {
		return resp, nil
	}

	totalReward := 0.0
	totalDuration := 0.0
	totalPassed := 0
	totalTasks := 0

	for _, a := range fs.runs {
		resp.TotalRuns++
		totalTasks += a.Totals.Tasks
		totalPassed += a.Totals.Succeeded
		totalReward += a.Totals.RewardSum
		totalDuration += a.DurationSeconds
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

func sortRuns(runs []RunSummary, field, order string) {
	less := func(i, j int) bool {
		switch field {
		case "duration":
			return runs[i].Duration < runs[j].Duration
		case "successRate":
			return runs[i].SuccessRate < runs[j].SuccessRate
		case "plan":
			return runs[i].Plan < runs[j].Plan
		default: // "timestamp" or empty
			return runs[i].Timestamp.Before(runs[j].Timestamp)
		}
	}

	if order == "asc" {
		sort.Slice(runs, less)
	} else {
		sort.Slice(runs, func(i, j int) bool { return less(j, i) })
	}
}

// Ensure FileStore satisfies RunStore.
var _ RunStore = (*FileStore)(nil)

// LiveRegistry tracks in-flight runs so the dashboard can show progress
// before the artifact lands on disk.
type LiveRegistry struct {
	mu   sync.RWMutex
	runs map[string]liveRun
}

type liveRun struct {
	tracker  *assessment.Tracker
	planName string
	started  time.Time
}

// NewLiveRegistry creates an empty registry.
func NewLiveRegistry() *LiveRegistry {
	return &LiveRegistry{runs: make(map[string]liveRun)}
}

// Register adds a running tracker under its run ID. Deregister when the run
// finishes so the disk artifact takes over.
func (lr *LiveRegistry) Register(tracker *assessment.Tracker, planName string) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.runs[tracker.RunID()] = liveRun{
		tracker:  tracker,
		planName: planName,
		started:  time.Now(),
	}
}

// Deregister removes a finished run.
func (lr *LiveRegistry) Deregister(runID string) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	delete(lr.runs, runID)
}

func (lr *LiveRegistry) get(id string) (liveRun, bool) {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	run, ok := lr.runs[id]
	return run, ok
}

func (lr *LiveRegistry) summaries() []RunSummary {
	lr.mu.RLock()
	defer lr.mu.RUnlock()

	out := make([]RunSummary, 0, len(lr.runs))
	for _, run := range lr.runs {
		p := run.tracker.Snapshot()
		out = append(out, RunSummary{
			ID:          p.RunID,
			Plan:        run.planName,
			Outcome:     "running",
			Live:        true,
			PassCount:   p.Passed,
			TaskCount:   p.TotalTasks,
			SuccessRate: p.SuccessRate,
			Duration:    time.Since(run.started).Seconds(),
			Timestamp:   run.started,
		})
	}
	return out
}

// Store merges live runs with finished artifacts on disk. A live run shadows
// a disk artifact with the same ID until it is deregistered.
type Store struct {
	disk *FileStore
	live *LiveRegistry
}

// NewStore creates a merged store over the results directory and registry.
func NewStore(disk *FileStore, live *LiveRegistry) *Store {
	return &Store{disk: disk, live: live}
}

// ListRuns returns live runs followed by finished runs, sorted together.
func (s *Store) ListRuns(sortField, order string) ([]RunSummary, error) {
	finished, err := s.disk.ListRuns(sortField, order)
	if err != nil {
		return nil, err
	}

	live := s.live.summaries()
	if len(live) == 0 {
		return finished, nil
	}

	shadowed := make(map[string]bool, len(live))
	for _, r := range live {
		shadowed[r.ID] = true
	}

	merged := live
	for _, r := range finished {
		if !shadowed[r.ID] {
			merged = append(merged, r)
		}
	}
	sortRuns(merged, sortField, order)
	return merged, nil
}

// GetRun prefers the live view when the run is still in flight.
func (s *Store) GetRun(id string) (*RunDetail, error) {
	if run, ok := s.live.get(id); ok {
		return liveDetail(run), nil
	}
	return s.disk.GetRun(id)
}

// Progress returns live progress for an in-flight run.
func (s *Store) Progress(id string) (*ProgressResponse, error) {
	run, ok := s.live.get(id)
	if !ok {
		return nil, ErrRunNotFound
	}
	p := run.tracker.Snapshot()
	return &ProgressResponse{
		RunID:         p.RunID,
		CurrentIndex:  p.CurrentIndex,
		CurrentTaskID: p.CurrentTaskID,
		TotalTasks:    p.TotalTasks,
		Completed:     p.Completed,
		Passed:        p.Passed,
		Failed:        p.Failed,
		SuccessRate:   p.SuccessRate,
	}, nil
}

// Summary aggregates finished runs and counts live ones.
func (s *Store) Summary() (*SummaryResponse, error) {
	resp, err := s.disk.Summary()
	if err != nil {
		return nil, err
	}
	s.live.mu.RLock()
	resp.LiveRuns = len(s.live.runs)
	s.live.mu.RUnlock()
	return resp, nil
}

func liveDetail(run liveRun) *RunDetail {
	art := run.tracker.BuildArtifact(run.planName)
	detail := artifactToDetail(art)
	detail.Outcome = "running"
	detail.Live = true
	return detail
}

// Ensure Store satisfies RunStore.
var _ RunStore = (*Store)(nil)
