package wizard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestGeneratePlanYAML(t *testing.T) {
	spec := &PlanSpec{
		Name:           "nightly",
		Description:    "Nightly sweep",
		WorkerEndpoint: "http://127.0.0.1:9000/tasks",
		TaskIDs:        []string{"miniwob.click-test", "miniwob.click-button", "webarena.login"},
		MaxToolCalls:   10,
		TaskTimeoutSec: 300,
	}

	out, err := GeneratePlanYAML(spec)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "nightly", doc["name"])

	cfg := doc["config"].(map[string]any)
	assert.Equal(t, 10, cfg["max_tool_calls"])
	assert.Equal(t, 300, cfg["task_timeout_seconds"])

	benches, ok := doc["benchmarks"].([]any)
	require.True(t, ok)
	require.Len(t, benches, 2)
}

func TestGeneratePlanYAML_InvalidName(t *testing.T) {
	_, err := GeneratePlanYAML(&PlanSpec{Name: "bad/name"})
	require.Error(t, err)
}

func TestSplitAndTrim(t *testing.T) {
	assert.Nil(t, splitAndTrim(""))
	assert.Equal(t, []string{"a", "b"}, splitAndTrim(" a , b ,"))
}

func TestValidators(t *testing.T) {
	assert.NoError(t, validateNonNegativeInt("0"))
	assert.Error(t, validateNonNegativeInt("-1"))
	assert.Error(t, validateNonNegativeInt("abc"))
	assert.NoError(t, validatePositiveInt("1"))
	assert.Error(t, validatePositiveInt("0"))
}
