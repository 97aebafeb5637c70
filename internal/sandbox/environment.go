// Package sandbox manages the lifecycle of task environments: creation with
// owned-process tracking, in-place task switching, and guaranteed cleanup.
package sandbox

import (
	"context"
	"fmt"
	"regexp"
)

// Observation is what the environment shows the worker after a reset or
// step.
type Observation struct {
	Goal   string         `json:"goal,omitempty"`
	URL    string         `json:"url,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
	Tokens int            `json:"tokens,omitempty"`
}

// StepResult is the outcome of applying one action batch.
type StepResult struct {
	Observation Observation `json:"observation"`
	Reward      float64     `json:"reward"`
	Done        bool        `json:"done"`
	Truncated   bool        `json:"truncated"`
	LatencyMS   int         `json:"latency_ms"`
}

// Action is one worker-issued environment action.
type Action interface {
	Kind() string
}

type ClickAction struct {
	Selector string `json:"selector" mapstructure:"selector"`
}

func (ClickAction) Kind() string { return "click" }

type TypeAction struct {
	Selector string `json:"selector" mapstructure:"selector"`
	Text     string `json:"text" mapstructure:"text"`
}

func (TypeAction) Kind() string { return "type" }

type NavigateAction struct {
	URL string `json:"url" mapstructure:"url"`
}

func (NavigateAction) Kind() string { return "navigate" }

type KeyPressAction struct {
	Keys string `json:"keys" mapstructure:"keys"`
}

func (KeyPressAction) Kind() string { return "keypress" }

type ScrollAction struct {
	DeltaX int `json:"delta_x" mapstructure:"delta_x"`
	DeltaY int `json:"delta_y" mapstructure:"delta_y"`
}

func (ScrollAction) Kind() string { return "scroll" }

// NoopAction lets the worker burn a step while it thinks.
type NoopAction struct{}

func (NoopAction) Kind() string { return "noop" }

// Environment is a live sandbox handle. Implementations are not required to
// be goroutine safe; the session manager funnels all calls through one
// serialized executor.
type Environment interface {
	Reset(ctx context.Context) (Observation, error)
	Step(ctx context.Context, actions []Action) (StepResult, error)
	Close() error
}

// TaskConfig parameterizes environment creation for one task.
type TaskConfig struct {
	TaskID    string
	Benchmark string
	Seed      int
	MaxSteps  int
}

// Factory creates an environment for a task. The default implementation
// launches a worker subprocess; tests substitute fakes.
type Factory func(ctx context.Context, cfg TaskConfig) (Environment, error)

var taskIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*\.[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateTaskID enforces the benchmark.task-name format before any
// expensive environment work starts.
func ValidateTaskID(taskID string) error {
	if taskID == "" {
		return fmt.Errorf("task id is empty")
	}
	if !taskIDPattern.MatchString(taskID) {
		return fmt.Errorf("task id %q must match benchmark.task-name", taskID)
	}
	return nil
}
