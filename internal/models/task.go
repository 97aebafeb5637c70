package models

import "time"

// TaskMetrics holds the per-task deltas computed against the counters
// captured when the task was dispatched.
type TaskMetrics struct {
	Tokens       int `json:"tokens"`
	LatencyMS    int `json:"latency_ms"`
	Actions      int `json:"actions"`
	Observations int `json:"observations"`
	ToolCalls    int `json:"tool_calls"`
}

// MetricSnapshot captures the cumulative run-level counters at a point in
// time. Deltas between two snapshots yield per-task metrics.
type MetricSnapshot struct {
	TotalTokens      int `json:"total_tokens"`
	TotalLatencyMS   int `json:"total_latency_ms"`
	ActionCount      int `json:"action_count"`
	ObservationCount int `json:"observation_count"`
	ToolInvocations  int `json:"tool_invocations"`
}

// DeltaFrom returns the per-task metrics between start and s, clamping each
// component at zero. Counters only grow during a run, so a negative delta
// means the state file was reset out from under us and must not poison the
// task record.
func (s MetricSnapshot) DeltaFrom(start MetricSnapshot) TaskMetrics {
	return TaskMetrics{
		Tokens:       clampNonNegative(s.TotalTokens - start.TotalTokens),
		LatencyMS:    clampNonNegative(s.TotalLatencyMS - start.TotalLatencyMS),
		Actions:      clampNonNegative(s.ActionCount - start.ActionCount),
		Observations: clampNonNegative(s.ObservationCount - start.ObservationCount),
		ToolCalls:    clampNonNegative(s.ToolInvocations - start.ToolInvocations),
	}
}

func clampNonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

// TaskEntry is one row of the assessment plan.
type TaskEntry struct {
	TaskID      string      `json:"task_id"`
	Benchmark   string      `json:"benchmark"`
	Index       int         `json:"index"`
	Status      TaskStatus  `json:"status"`
	Success     bool        `json:"success"`
	FinalReward float64     `json:"final_reward"`
	Done        bool        `json:"done"`
	Truncated   bool        `json:"truncated"`
	Metrics     TaskMetrics `json:"metrics"`

	SentAt      time.Time `json:"sent_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`

	// ElapsedSeconds is wall time from dispatch to terminal state.
	ElapsedSeconds float64 `json:"elapsed_seconds"`

	ErrorMessage string `json:"error,omitempty"`

	// StartSnapshot holds the cumulative counters at dispatch time so the
	// terminal transition can compute deltas.
	StartSnapshot MetricSnapshot `json:"-"`
}

// NewTaskEntry returns a pending entry for the given task.
func NewTaskEntry(taskID, benchmark string, index int) *TaskEntry {
	return &TaskEntry{
		TaskID:    taskID,
		Benchmark: benchmark,
		Index:     index,
		Status:    StatusPending,
	}
}
