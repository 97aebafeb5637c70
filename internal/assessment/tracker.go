// Package assessment owns the task plan: which task is current, which were
// dispatched, and what each one scored. It is the single source of truth the
// orchestrator advances and the status API reads concurrently.
package assessment

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/proctorhq/proctor/internal/models"
	"github.com/proctorhq/proctor/internal/sharedstate"
)

// StateReader supplies the live evaluation state for snapshot accounting.
// *sharedstate.Channel satisfies it.
type StateReader interface {
	Read() sharedstate.EvaluationState
}

// Outcome carries the result fields for a terminal transition.
type Outcome struct {
	Success   bool
	Reward    float64
	Done      bool
	Truncated bool
	// Status overrides the derived status (Completed when Success, Failed
	// otherwise).
	Status  models.TaskStatus
	Metrics *models.TaskMetrics
	Err     string
	Elapsed time.Duration
}

// Tracker is safe for concurrent use; the web API reads it while the
// orchestrator mutates it. All public methods take the single mutex, and
// internal helpers with the Locked suffix assume it is held, so lock
// acquisition never nests.
type Tracker struct {
	mu sync.Mutex

	runID     string
	plan      []*models.TaskEntry
	current   int
	startTime time.Time

	states StateReader
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStateReader attaches the live state source for metric snapshots.
func WithStateReader(r StateReader) Option {
	return func(t *Tracker) { t.states = r }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New builds the task plan from the plan's flattened task list.
func New(runID string, planned []models.PlannedTask, opts ...Option) *Tracker {
	t := &Tracker{
		runID:  runID,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.startTime = t.now()

	for i, pt := range planned {
		t.plan = append(t.plan, models.NewTaskEntry(pt.TaskID, pt.Benchmark, i))
	}

	t.logger.Info("assessment initialized", "run_id", runID, "tasks", len(t.plan))
	return t
}

// RunID returns the run identifier.
func (t *Tracker) RunID() string {
	return t.runID
}

// SetStateReader attaches the live state source after construction.
func (t *Tracker) SetStateReader(r StateReader) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states = r
}

// TotalTasks returns the plan length.
func (t *Tracker) TotalTasks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.plan)
}

// CurrentIndex returns the zero-based cursor.
func (t *Tracker) CurrentIndex() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// CurrentTask returns a copy of the entry under the cursor, or false when
// the cursor has run off the plan.
func (t *Tracker) CurrentTask() (models.TaskEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current >= len(t.plan) {
		return models.TaskEntry{}, false
	}
	return *t.plan[t.current], true
}

// Task returns a copy of the entry at index.
func (t *Tracker) Task(index int) (models.TaskEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.plan) {
		return models.TaskEntry{}, false
	}
	return *t.plan[index], true
}

// TaskByID finds an entry by task id.
func (t *Tracker) TaskByID(taskID string) (models.TaskEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.plan {
		if e.TaskID == taskID {
			return *e, true
		}
	}
	return models.TaskEntry{}, false
}

// Plan returns a copy of every entry.
func (t *Tracker) Plan() []models.TaskEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.TaskEntry, len(t.plan))
	for i, e := range t.plan {
		out[i] = *e
	}
	return out
}

// IsTaskSent reports whether the entry has left PENDING.
func (t *Tracker) IsTaskSent(index int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.plan) {
		return false
	}
	return t.plan[index].Status != models.StatusPending
}

// MarkTaskSent transitions PENDING -> SENT and stamps the dispatch time.
// Returns false for an invalid index or any non-PENDING entry, so a task can
// never be dispatched twice.
func (t *Tracker) MarkTaskSent(index int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.plan) {
		t.logger.Warn("invalid task index", "index", index)
		return false
	}

	e := t.plan[index]
	if e.Status != models.StatusPending {
		t.logger.Debug("task already dispatched", "index", index, "status", e.Status)
		return false
	}

	e.Status = models.StatusSent
	e.SentAt = t.now()
	t.logger.Info("task dispatched", "task", e.TaskID, "index", index+1, "total", len(t.plan))
	return true
}

// MarkTaskRunning transitions a non-terminal entry to RUNNING.
func (t *Tracker) MarkTaskRunning(index int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.plan) {
		return false
	}
	e := t.plan[index]
	if e.Status.IsTerminal() {
		return false
	}
	e.Status = models.StatusRunning
	return true
}

// MarkTaskCompleted applies a terminal outcome. Terminal entries are never
// overwritten; a repeated completion returns false and changes nothing.
func (t *Tracker) MarkTaskCompleted(index int, out Outcome) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.plan) {
		t.logger.Warn("invalid task index for completion", "index", index)
		return false
	}

	e := t.plan[index]
	if e.Status.IsTerminal() {
		t.logger.Debug("task already terminal", "index", index, "status", e.Status)
		return false
	}

	switch {
	case out.Status != "":
		e.Status = out.Status
	case out.Success:
		e.Status = models.StatusCompleted
	default:
		e.Status = models.StatusFailed
	}

	e.Success = out.Success
	e.FinalReward = out.Reward
	e.Done = out.Done
	e.Truncated = out.Truncated
	e.CompletedAt = t.now()
	e.ElapsedSeconds = out.Elapsed.Seconds()
	e.ErrorMessage = out.Err
	if out.Metrics != nil {
		e.Metrics = *out.Metrics
	}

	t.logger.Info("task finished",
		"task", e.TaskID, "index", index+1, "total", len(t.plan),
		"status", e.Status, "success", e.Success, "reward", fmt.Sprintf("%.2f", e.FinalReward))
	return true
}

// AdvanceToNextTask moves the cursor forward. Returns false at the end of
// the plan.
func (t *Tracker) AdvanceToNextTask() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current+1 < len(t.plan) {
		t.current++
		t.logger.Info("advanced to next task", "task", t.plan[t.current].TaskID, "index", t.current+1, "total", len(t.plan))
		return true
	}
	t.logger.Info("no more tasks to advance to")
	return false
}

// SetCurrentIndex moves the cursor explicitly; index may equal the plan
// length to mark the run finished.
func (t *Tracker) SetCurrentIndex(index int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index > len(t.plan) {
		return false
	}
	t.current = index
	return true
}

// IsAllComplete is the sole loop-exit condition: either the cursor ran off
// the plan or every entry reached a terminal state.
func (t *Tracker) IsAllComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current >= len(t.plan) {
		return true
	}
	for _, e := range t.plan {
		if !e.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// SnapshotTaskStart captures the cumulative counters at dispatch time so
// the terminal transition can compute per-task deltas.
func (t *Tracker) SnapshotTaskStart(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.states == nil || index < 0 || index >= len(t.plan) {
		return
	}
	t.plan[index].StartSnapshot = t.states.Read().MetricSnapshot()
}

// CalculateTaskMetrics returns the metric deltas for an entry since its
// start snapshot, clamped at zero. Without a live state source it falls
// back to the entry's stored metrics.
func (t *Tracker) CalculateTaskMetrics(index int) models.TaskMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.plan) {
		return models.TaskMetrics{}
	}
	e := t.plan[index]
	if t.states == nil {
		return e.Metrics
	}
	return t.states.Read().MetricSnapshot().DeltaFrom(e.StartSnapshot)
}

// PassedCount counts successful tasks.
func (t *Tracker) PassedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.passedCountLocked()
}

func (t *Tracker) passedCountLocked() int {
	n := 0
	for _, e := range t.plan {
		if e.Success {
			n++
		}
	}
	return n
}

// FailedCount counts terminal tasks that did not succeed.
func (t *Tracker) FailedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failedCountLocked()
}

func (t *Tracker) failedCountLocked() int {
	n := 0
	for _, e := range t.plan {
		if e.Status.IsTerminal() && !e.Success {
			n++
		}
	}
	return n
}

// CompletedCount counts tasks in any terminal state.
func (t *Tracker) CompletedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completedCountLocked()
}

func (t *Tracker) completedCountLocked() int {
	n := 0
	for _, e := range t.plan {
		if e.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// SuccessRate returns passed/completed, or 0 with nothing completed.
func (t *Tracker) SuccessRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.successRateLocked()
}

func (t *Tracker) successRateLocked() float64 {
	completed := t.completedCountLocked()
	if completed == 0 {
		return 0
	}
	return float64(t.passedCountLocked()) / float64(completed)
}

// AggregateMetrics sums the per-task metrics across the plan.
func (t *Tracker) AggregateMetrics() models.TaskMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aggregateMetricsLocked()
}

func (t *Tracker) aggregateMetricsLocked() models.TaskMetrics {
	var agg models.TaskMetrics
	for _, e := range t.plan {
		agg.Tokens += e.Metrics.Tokens
		agg.LatencyMS += e.Metrics.LatencyMS
		agg.Actions += e.Metrics.Actions
		agg.Observations += e.Metrics.Observations
		agg.ToolCalls += e.Metrics.ToolCalls
	}
	return agg
}

// Progress is a lightweight status view for the web API.
type Progress struct {
	RunID         string  `json:"run_id"`
	CurrentIndex  int     `json:"current_index"`
	CurrentTaskID string  `json:"current_task_id,omitempty"`
	TotalTasks    int     `json:"total_tasks"`
	Completed     int     `json:"completed"`
	Passed        int     `json:"passed"`
	Failed        int     `json:"failed"`
	SuccessRate   float64 `json:"success_rate"`
}

// Snapshot returns the current progress.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := Progress{
		RunID:        t.runID,
		CurrentIndex: t.current,
		TotalTasks:   len(t.plan),
		Completed:    t.completedCountLocked(),
		Passed:       t.passedCountLocked(),
		Failed:       t.failedCountLocked(),
		SuccessRate:  t.successRateLocked(),
	}
	if t.current < len(t.plan) {
		p.CurrentTaskID = t.plan[t.current].TaskID
	}
	return p
}

// BuildArtifact assembles the durable run result, including partial results
// when the run was cut short.
func (t *Tracker) BuildArtifact(planName string) *models.RunArtifact {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	art := &models.RunArtifact{
		RunID:           t.runID,
		PlanName:        planName,
		StartedAt:       t.startTime,
		FinishedAt:      now,
		DurationSeconds: now.Sub(t.startTime).Seconds(),
	}

	var rewardSum float64
	for _, e := range t.plan {
		entry := *e
		art.Tasks = append(art.Tasks, &entry)
		rewardSum += e.FinalReward

		switch e.Status {
		case models.StatusTimeout, models.StatusSendTimeout:
			art.Totals.TimedOut++
		case models.StatusToolLimit:
			art.Totals.ToolLimited++
		}
		if !e.Status.IsTerminal() {
			art.Partial = true
		}
	}

	art.Totals.Tasks = len(t.plan)
	art.Totals.Completed = t.completedCountLocked()
	art.Totals.Succeeded = t.passedCountLocked()
	art.Totals.Failed = t.failedCountLocked()
	art.Totals.SuccessRate = t.successRateLocked()
	art.Totals.RewardSum = rewardSum
	art.Totals.Metrics = t.aggregateMetricsLocked()
	art.Benchmarks = t.benchmarkSummariesLocked()
	return art
}

func (t *Tracker) benchmarkSummariesLocked() []models.BenchmarkSummary {
	order := []string{}
	byName := map[string]*models.BenchmarkSummary{}

	for _, e := range t.plan {
		s, ok := byName[e.Benchmark]
		if !ok {
			s = &models.BenchmarkSummary{Name: e.Benchmark}
			byName[e.Benchmark] = s
			order = append(order, e.Benchmark)
		}
		s.Tasks++
		if e.Success {
			s.Succeeded++
		}
		s.RewardSum += e.FinalReward
	}

	out := make([]models.BenchmarkSummary, 0, len(order))
	for _, name := range order {
		s := byName[name]
		if s.Tasks > 0 {
			s.SuccessRate = float64(s.Succeeded) / float64(s.Tasks)
		}
		out = append(out, *s)
	}
	return out
}
