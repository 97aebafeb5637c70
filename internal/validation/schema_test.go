package validation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const validPlanYAML = `name: nightly-web-suite
description: Nightly browser benchmark sweep
version: "1.0"
config:
  max_tool_calls: 6
  task_timeout_seconds: 600
  steady_timeout_seconds: 8
  first_interaction_timeout_seconds: 20
worker:
  endpoint: http://127.0.0.1:9000/tasks
  command: ["python", "-m", "sandbox_worker"]
benchmarks:
  - name: miniwob
    tasks:
      - miniwob.click-test
      - miniwob.click-button
tasks:
  - webarena.login
`

const invalidPlanYAML = `name: broken-plan
version: "1.0"
config:
  task_timeout_seconds: 0
  tool_server_port: 99999
benchmarks:
  - name: miniwob
    tasks: []
`

func TestValidatePlanBytes_Valid(t *testing.T) {
	errs := ValidatePlanBytes([]byte(validPlanYAML))
	require.Empty(t, errs, "valid plan should have no errors")
}

func TestValidatePlanBytes_Invalid(t *testing.T) {
	errs := ValidatePlanBytes([]byte(invalidPlanYAML))
	require.NotEmpty(t, errs, "invalid plan should have errors")

	joined := joinErrs(errs)
	require.Contains(t, joined, "task_timeout_seconds")
	require.Contains(t, joined, "tool_server_port")
	require.Contains(t, joined, "tasks")
}

func TestValidatePlanBytes_MissingRequired(t *testing.T) {
	errs := ValidatePlanBytes([]byte("description: no name or config\n"))
	require.NotEmpty(t, errs)
}

func TestValidatePlanBytes_UnknownKey(t *testing.T) {
	errs := ValidatePlanBytes([]byte(`name: typo-plan
config:
  task_timeout_seconds: 60
  task_timout_seconds: 60
`))
	require.NotEmpty(t, errs, "misspelled config keys must be rejected")
}

func TestValidatePlanBytes_BadYAML(t *testing.T) {
	errs := ValidatePlanBytes([]byte("{not: [valid"))
	require.NotEmpty(t, errs)
	require.Contains(t, errs[0], "YAML parse error")
}

func TestValidatePlanFile_Valid(t *testing.T) {
	dir := t.TempDir()
	planPath := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(planPath, []byte(validPlanYAML), 0644))

	errs, err := ValidatePlanFile(planPath)
	require.NoError(t, err)
	require.Empty(t, errs)
}

func TestValidatePlanFile_NotFound(t *testing.T) {
	_, err := ValidatePlanFile("/nonexistent/plan.yaml")
	require.Error(t, err)
}

func joinErrs(errs []string) string {
	result := ""
	for _, e := range errs {
		result += e + "\n"
	}
	return result
}
