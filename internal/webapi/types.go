package webapi

import "time"

// RunSummary is the API response for a single run in the list.
type RunSummary struct {
	ID          string    `json:"id"`
	Plan        string    `json:"plan"`
	Outcome     string    `json:"outcome"`
	Live        bool      `json:"live"`
	PassCount   int       `json:"passCount"`
	TaskCount   int       `json:"taskCount"`
	SuccessRate float64   `json:"successRate"`
	RewardSum   float64   `json:"rewardSum"`
	Duration    float64   `json:"duration"`
	Timestamp   time.Time `json:"timestamp"`
}

// RunDetail is the API response for a single run with per-task results.
type RunDetail struct {
	RunSummary
	Benchmarks []BenchmarkResult `json:"benchmarks"`
	Tasks      []TaskResult      `json:"tasks"`
}

// BenchmarkResult is a per-benchmark rollup within a run.
type BenchmarkResult struct {
	Name        string  `json:"name"`
	Tasks       int     `json:"tasks"`
	Succeeded   int     `json:"succeeded"`
	SuccessRate float64 `json:"successRate"`
	RewardSum   float64 `json:"rewardSum"`
}

// TaskResult is a per-task result within a run.
type TaskResult struct {
	Name         string  `json:"name"`
	Benchmark    string  `json:"benchmark"`
	Outcome      string  `json:"outcome"`
	Success      bool    `json:"success"`
	Reward       float64 `json:"reward"`
	Duration     float64 `json:"duration"`
	ToolCalls    int     `json:"toolCalls"`
	Tokens       int     `json:"tokens"`
	Actions      int     `json:"actions"`
	Observations int     `json:"observations"`
	Error        string  `json:"error,omitempty"`
}

// ProgressResponse is the live progress view for an in-flight run.
type ProgressResponse struct {
	RunID         string  `json:"runId"`
	CurrentIndex  int     `json:"currentIndex"`
	CurrentTaskID string  `json:"currentTaskId,omitempty"`
	TotalTasks    int     `json:"totalTasks"`
	Completed     int     `json:"completed"`
	Passed        int     `json:"passed"`
	Failed        int     `json:"failed"`
	SuccessRate   float64 `json:"successRate"`
}

// SummaryResponse is the aggregate KPI response.
type SummaryResponse struct {
	TotalRuns   int     `json:"totalRuns"`
	TotalTasks  int     `json:"totalTasks"`
	PassRate    float64 `json:"passRate"`
	AvgReward   float64 `json:"avgReward"`
	AvgDuration float64 `json:"avgDuration"`
	LiveRuns    int     `json:"liveRuns"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ErrorResponse is returned for errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
