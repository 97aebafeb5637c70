package models

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RunTotals aggregates the plan-level counters.
type RunTotals struct {
	Tasks       int     `json:"tasks"`
	Completed   int     `json:"completed"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	TimedOut    int     `json:"timed_out"`
	ToolLimited int     `json:"tool_limited"`
	SuccessRate float64 `json:"success_rate"`
	RewardSum   float64 `json:"reward_sum"`
	Metrics     TaskMetrics `json:"metrics"`
}

// BenchmarkSummary aggregates results for one benchmark group.
type BenchmarkSummary struct {
	Name        string  `json:"name"`
	Tasks       int     `json:"tasks"`
	Succeeded   int     `json:"succeeded"`
	SuccessRate float64 `json:"success_rate"`
	RewardSum   float64 `json:"reward_sum"`
}

// RunArtifact is the durable result of one assessment run.
type RunArtifact struct {
	RunID           string             `json:"run_id"`
	PlanName        string             `json:"plan_name"`
	StartedAt       time.Time          `json:"started_at"`
	FinishedAt      time.Time          `json:"finished_at"`
	DurationSeconds float64            `json:"duration_seconds"`
	Partial         bool               `json:"partial,omitempty"`
	Totals          RunTotals          `json:"totals"`
	Benchmarks      []BenchmarkSummary `json:"benchmarks"`
	Tasks           []*TaskEntry       `json:"tasks"`
}

// Save writes the artifact as run-<id>.json under dir, creating dir if
// needed, and returns the file path.
func (a *RunArtifact) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating results directory: %w", err)
	}

	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding run artifact: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("run-%s.json", a.RunID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing run artifact: %w", err)
	}
	return path, nil
}

// LoadRunArtifact reads a previously saved artifact.
func LoadRunArtifact(path string) (*RunArtifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var a RunArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decoding run artifact %s: %w", path, err)
	}
	return &a, nil
}
