package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAssessmentSpec(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	content := `name: miniwob-smoke
description: quick sweep
version: "1"
config:
  max_tool_calls: 6
  task_timeout_seconds: 300
  steady_timeout_seconds: 8
worker:
  endpoint: http://127.0.0.1:9010/task
benchmarks:
  - name: miniwob
    tasks:
      - miniwob.click-test
      - miniwob.click-button
tasks:
  - webarena.login
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	spec, err := LoadAssessmentSpec(path)
	require.NoError(t, err)

	assert.Equal(t, "miniwob-smoke", spec.Name)
	assert.Equal(t, 6, spec.Config.MaxToolCalls)
	assert.Equal(t, "http://127.0.0.1:9010/task", spec.Worker.Endpoint)

	tasks := spec.PlannedTasks()
	require.Len(t, tasks, 3)
	assert.Equal(t, PlannedTask{TaskID: "miniwob.click-test", Benchmark: "miniwob"}, tasks[0])
	assert.Equal(t, PlannedTask{TaskID: "webarena.login", Benchmark: "webarena"}, tasks[2])
}

func TestValidateRejectsBadPlans(t *testing.T) {
	base := func() *AssessmentSpec {
		return &AssessmentSpec{
			SpecIdentity: SpecIdentity{Name: "ok"},
			Config:       Config{TaskTimeoutSec: 60},
			Tasks:        []string{"miniwob.click-test"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*AssessmentSpec)
		want   string
	}{
		{"missing name", func(s *AssessmentSpec) { s.Name = " " }, "plan name"},
		{"zero timeout", func(s *AssessmentSpec) { s.Config.TaskTimeoutSec = 0 }, "task_timeout_seconds"},
		{"negative budget", func(s *AssessmentSpec) { s.Config.MaxToolCalls = -1 }, "max_tool_calls"},
		{"no tasks", func(s *AssessmentSpec) { s.Tasks = nil }, "no tasks"},
		{"blank task id", func(s *AssessmentSpec) { s.Tasks = []string{"  "} }, "empty task id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := base()
			tt.mutate(spec)
			err := spec.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	assert.Equal(t, "8s", c.SteadyTimeout().String())
	assert.Equal(t, "20s", c.FirstContactTimeout().String())
	assert.Equal(t, "500ms", c.PollInterval().String())
	assert.Equal(t, "30s", c.DispatchTimeout().String())
}

func TestBenchmarkOf(t *testing.T) {
	assert.Equal(t, "miniwob", BenchmarkOf("miniwob.click-test"))
	assert.Equal(t, "solo", BenchmarkOf("solo"))
	assert.Equal(t, ".hidden", BenchmarkOf(".hidden"))
}
