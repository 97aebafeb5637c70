package models

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/proctorhq/proctor/internal/hooks"
	"gopkg.in/yaml.v3"
)

// AssessmentSpec represents a complete assessment plan.
type AssessmentSpec struct {
	SpecIdentity `yaml:",inline"`
	Version      string            `yaml:"version"`
	RunID        string            `yaml:"run_id,omitempty"`
	Config       Config            `yaml:"config"`
	Worker       WorkerConfig      `yaml:"worker"`
	Hooks        hooks.HooksConfig `yaml:"hooks,omitempty"`
	Benchmarks   []BenchmarkGroup  `yaml:"benchmarks,omitempty"`
	Tasks        []string          `yaml:"tasks,omitempty"`
}

type SpecIdentity struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// BenchmarkGroup is an ordered set of tasks sharing one sandbox benchmark.
type BenchmarkGroup struct {
	Name  string   `yaml:"name"`
	Tasks []string `yaml:"tasks"`
}

// Config controls run behavior.
type Config struct {
	MaxToolCalls         int    `yaml:"max_tool_calls" json:"max_tool_calls"`
	TaskTimeoutSec       int    `yaml:"task_timeout_seconds" json:"task_timeout_sec"`
	SteadyTimeoutSec     int    `yaml:"steady_timeout_seconds,omitempty" json:"steady_timeout_sec,omitempty"`
	FirstContactSec      int    `yaml:"first_interaction_timeout_seconds,omitempty" json:"first_contact_sec,omitempty"`
	PollIntervalMS       int    `yaml:"poll_interval_ms,omitempty" json:"poll_interval_ms,omitempty"`
	DispatchTimeoutSec   int    `yaml:"dispatch_timeout_seconds,omitempty" json:"dispatch_timeout_sec,omitempty"`
	StopOnError          bool   `yaml:"fail_fast,omitempty" json:"stop_on_error,omitempty"`
	StateDir             string `yaml:"state_directory,omitempty" json:"state_dir,omitempty"`
	ResultsDir           string `yaml:"results_directory,omitempty" json:"results_dir,omitempty"`
	ToolServerPort       int    `yaml:"tool_server_port,omitempty" json:"tool_server_port,omitempty"`
	VerifyOrphanCleanup  bool   `yaml:"verify_orphan_cleanup,omitempty" json:"verify_orphan_cleanup,omitempty"`
}

// WorkerConfig identifies the remote worker agent and the sandbox it runs in.
type WorkerConfig struct {
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// Command launches the sandbox environment for a task; the task id is
	// appended as the final argument.
	Command []string `yaml:"command,omitempty" json:"command,omitempty"`
	// ProcessPattern matches sandbox-owned processes when scanning for
	// orphans (substring match against the command line).
	ProcessPattern string `yaml:"process_pattern,omitempty" json:"process_pattern,omitempty"`
}

// PlannedTask pairs a task id with its benchmark, in plan order.
type PlannedTask struct {
	TaskID    string
	Benchmark string
}

// LoadAssessmentSpec loads a plan from a YAML file.
func LoadAssessmentSpec(path string) (*AssessmentSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var spec AssessmentSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, err
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}

	return &spec, nil
}

// Validate checks that the plan is runnable.
func (s *AssessmentSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("plan name is required")
	}
	if s.Config.TaskTimeoutSec < 1 {
		return fmt.Errorf("task_timeout_seconds must be at least 1, got %d", s.Config.TaskTimeoutSec)
	}
	if s.Config.MaxToolCalls < 0 {
		return fmt.Errorf("max_tool_calls must not be negative, got %d", s.Config.MaxToolCalls)
	}
	if len(s.PlannedTasks()) == 0 {
		return fmt.Errorf("plan contains no tasks")
	}
	for _, pt := range s.PlannedTasks() {
		if strings.TrimSpace(pt.TaskID) == "" {
			return fmt.Errorf("plan contains an empty task id")
		}
	}
	return nil
}

// PlannedTasks flattens the plan into dispatch order. Grouped benchmarks come
// first; bare tasks follow, with the benchmark inferred from the task id
// prefix before the first dot.
func (s *AssessmentSpec) PlannedTasks() []PlannedTask {
	var out []PlannedTask
	for _, g := range s.Benchmarks {
		for _, id := range g.Tasks {
			out = append(out, PlannedTask{TaskID: id, Benchmark: g.Name})
		}
	}
	for _, id := range s.Tasks {
		out = append(out, PlannedTask{TaskID: id, Benchmark: BenchmarkOf(id)})
	}
	return out
}

// BenchmarkOf infers the benchmark from a dotted task id, e.g.
// "miniwob.click-test" belongs to "miniwob".
func BenchmarkOf(taskID string) string {
	if i := strings.Index(taskID, "."); i > 0 {
		return taskID[:i]
	}
	return taskID
}

// TaskTimeout returns the per-task wall clock budget.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSec) * time.Second
}

// SteadyTimeout returns the inactivity budget after first contact.
func (c Config) SteadyTimeout() time.Duration {
	if c.SteadyTimeoutSec <= 0 {
		return 8 * time.Second
	}
	return time.Duration(c.SteadyTimeoutSec) * time.Second
}

// FirstContactTimeout returns the inactivity budget before first contact.
func (c Config) FirstContactTimeout() time.Duration {
	if c.FirstContactSec <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.FirstContactSec) * time.Second
}

// PollInterval returns the completion poll cadence.
func (c Config) PollInterval() time.Duration {
	if c.PollIntervalMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// DispatchTimeout returns the budget for the dispatch HTTP exchange.
func (c Config) DispatchTimeout() time.Duration {
	if c.DispatchTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.DispatchTimeoutSec) * time.Second
}
