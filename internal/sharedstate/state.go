// Package sharedstate carries evaluation progress between the orchestrator
// and the tool server through a JSON file. The tool server writes on every
// invocation; the orchestrator polls. Last writer wins.
package sharedstate

import (
	"github.com/proctorhq/proctor/internal/models"
)

// DefaultMaxToolCalls is the per-task tool budget when the plan does not set
// one.
const DefaultMaxToolCalls = 6

// EvaluationState is the record exchanged through the state file.
type EvaluationState struct {
	SessionID   string `json:"session_id"`
	BenchmarkID string `json:"benchmark_id"`
	TaskID      string `json:"task_id"`

	// Completion state reported by the sandbox environment.
	TaskCompleted bool    `json:"task_completed"`
	TaskSuccess   bool    `json:"task_success"`
	FinalReward   float64 `json:"final_reward"`
	Done          bool    `json:"done"`
	Truncated     bool    `json:"truncated"`

	// Cumulative metrics.
	TotalTokens      int `json:"total_tokens"`
	TotalLatencyMS   int `json:"total_latency_ms"`
	ActionCount      int `json:"action_count"`
	ObservationCount int `json:"observation_count"`
	ToolInvocations  int `json:"tool_invocations"`

	// Per-task tool budget.
	MaxToolCalls      int  `json:"max_tool_calls"`
	ToolCallsExceeded bool `json:"tool_calls_exceeded"`

	// Invocation trail for streaming status.
	LastTool          string `json:"last_tool"`
	LastToolTimestamp string `json:"last_tool_timestamp"`

	Error string `json:"error,omitempty"`

	Initialized   bool `json:"initialized"`
	CleanupCalled bool `json:"cleanup_called"`
}

// MetricSnapshot captures the cumulative counters for delta accounting.
func (s EvaluationState) MetricSnapshot() models.MetricSnapshot {
	return models.MetricSnapshot{
		TotalTokens:      s.TotalTokens,
		TotalLatencyMS:   s.TotalLatencyMS,
		ActionCount:      s.ActionCount,
		ObservationCount: s.ObservationCount,
		ToolInvocations:  s.ToolInvocations,
	}
}
