package sharedstate

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	return NewChannel("sess-1", "miniwob", "miniwob.click-test", t.TempDir(), nil)
}

func TestReadMissingFileReturnsZeroState(t *testing.T) {
	ch := newTestChannel(t)

	st := ch.Read()
	assert.Equal(t, "sess-1", st.SessionID)
	assert.False(t, st.Initialized)
	assert.Equal(t, 0, st.ToolInvocations)
}

func TestReadCorruptFileReturnsZeroState(t *testing.T) {
	ch := newTestChannel(t)
	require.NoError(t, os.WriteFile(ch.Path(), []byte("{not json"), 0o644))

	st := ch.Read()
	assert.Equal(t, "sess-1", st.SessionID)
	assert.False(t, st.Initialized)
}

func TestInitialize(t *testing.T) {
	ch := newTestChannel(t)
	require.NoError(t, ch.Initialize(10))

	st := ch.Read()
	assert.True(t, st.Initialized)
	assert.Equal(t, "miniwob", st.BenchmarkID)
	assert.Equal(t, "miniwob.click-test", st.TaskID)
	assert.Equal(t, 10, st.MaxToolCalls)
}

func TestInitializeDefaultsToolBudget(t *testing.T) {
	ch := newTestChannel(t)
	require.NoError(t, ch.Initialize(0))
	assert.Equal(t, DefaultMaxToolCalls, ch.Read().MaxToolCalls)
}

func TestRecordToolInvocation(t *testing.T) {
	ch := newTestChannel(t)
	require.NoError(t, ch.Initialize(6))

	n, err := ch.RecordToolInvocation("execute_actions")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = ch.RecordToolInvocation("get_observation")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	st := ch.Read()
	assert.Equal(t, "get_observation", st.LastTool)
	assert.NotEmpty(t, st.LastToolTimestamp)
}

func TestCheckAndMarkToolLimit(t *testing.T) {
	ch := newTestChannel(t)
	require.NoError(t, ch.Initialize(2))

	exceeded, err := ch.CheckAndMarkToolLimit()
	require.NoError(t, err)
	assert.False(t, exceeded)

	_, err = ch.RecordToolInvocation("a")
	require.NoError(t, err)
	_, err = ch.RecordToolInvocation("b")
	require.NoError(t, err)

	exceeded, err = ch.CheckAndMarkToolLimit()
	require.NoError(t, err)
	assert.True(t, exceeded)

	// The terminal write flips all three flags together.
	st := ch.Read()
	assert.True(t, st.ToolCallsExceeded)
	assert.True(t, st.Truncated)
	assert.True(t, st.TaskCompleted)
}

func TestAddCountersAccumulate(t *testing.T) {
	ch := newTestChannel(t)
	require.NoError(t, ch.Initialize(6))

	require.NoError(t, ch.AddTokens(100))
	require.NoError(t, ch.AddTokens(50))
	require.NoError(t, ch.AddLatency(40))
	require.NoError(t, ch.AddActions(3))

	st := ch.Read()
	assert.Equal(t, 150, st.TotalTokens)
	assert.Equal(t, 2, st.ObservationCount)
	assert.Equal(t, 40, st.TotalLatencyMS)
	assert.Equal(t, 3, st.ActionCount)
}

func TestUpdateTaskStateRewardIsRunningMax(t *testing.T) {
	ch := newTestChannel(t)
	require.NoError(t, ch.Initialize(6))

	require.NoError(t, ch.UpdateTaskState(0.8, false, false))
	require.NoError(t, ch.UpdateTaskState(0.2, false, false))

	st := ch.Read()
	assert.Equal(t, 0.8, st.FinalReward)
	assert.False(t, st.TaskCompleted)
}

func TestUpdateTaskStateDoneZeroRewardSucceeds(t *testing.T) {
	ch := newTestChannel(t)
	require.NoError(t, ch.Initialize(6))

	// Some benchmarks signal success with done=true and reward 0.
	require.NoError(t, ch.UpdateTaskState(0, true, false))

	st := ch.Read()
	assert.True(t, st.TaskCompleted)
	assert.True(t, st.TaskSuccess)
}

func TestUpdateTaskStateTruncatedWithRewardSucceeds(t *testing.T) {
	ch := newTestChannel(t)
	require.NoError(t, ch.Initialize(6))

	require.NoError(t, ch.UpdateTaskState(1.0, false, false))
	require.NoError(t, ch.UpdateTaskState(0, false, true))

	st := ch.Read()
	assert.True(t, st.TaskCompleted)
	assert.True(t, st.TaskSuccess)
	assert.Equal(t, 1.0, st.FinalReward)
}

func TestResetForNewTaskPreservesCumulativeCounters(t *testing.T) {
	ch := newTestChannel(t)
	require.NoError(t, ch.Initialize(6))

	require.NoError(t, ch.AddTokens(100))
	require.NoError(t, ch.AddLatency(25))
	require.NoError(t, ch.AddActions(2))
	_, err := ch.RecordToolInvocation("execute_actions")
	require.NoError(t, err)
	require.NoError(t, ch.UpdateTaskState(1.0, true, false))
	require.NoError(t, ch.SetError("boom"))

	require.NoError(t, ch.ResetForNewTask("miniwob.click-button", ""))

	st := ch.Read()
	assert.Equal(t, "miniwob.click-button", st.TaskID)
	assert.Equal(t, "miniwob", st.BenchmarkID)

	// Completion and error state cleared.
	assert.False(t, st.TaskCompleted)
	assert.False(t, st.TaskSuccess)
	assert.Zero(t, st.FinalReward)
	assert.Empty(t, st.Error)
	assert.Equal(t, 0, st.ToolInvocations)
	assert.False(t, st.ToolCallsExceeded)
	assert.Empty(t, st.LastTool)

	// Run-level counters survive.
	assert.Equal(t, 100, st.TotalTokens)
	assert.Equal(t, 25, st.TotalLatencyMS)
	assert.Equal(t, 2, st.ActionCount)
	assert.Equal(t, 1, st.ObservationCount)
}

func TestMarkTaskCompletedTimeout(t *testing.T) {
	ch := newTestChannel(t)
	require.NoError(t, ch.Initialize(6))

	require.NoError(t, ch.MarkTaskCompleted(false, "timeout"))

	st := ch.Read()
	assert.True(t, st.TaskCompleted)
	assert.False(t, st.TaskSuccess)
	assert.True(t, st.Truncated)
	assert.Equal(t, "task ended: timeout", st.Error)
}

func TestMarkTaskCompletedKeepsExistingError(t *testing.T) {
	ch := newTestChannel(t)
	require.NoError(t, ch.Initialize(6))

	require.NoError(t, ch.SetError("environment crashed"))
	require.NoError(t, ch.MarkTaskCompleted(false, "error"))

	assert.Equal(t, "environment crashed", ch.Read().Error)
}

func TestMarkCleanupCalled(t *testing.T) {
	ch := newTestChannel(t)
	require.NoError(t, ch.Initialize(6))
	require.NoError(t, ch.UpdateTaskState(0.5, false, false))

	require.NoError(t, ch.MarkCleanupCalled())

	st := ch.Read()
	assert.True(t, st.CleanupCalled)
	assert.True(t, st.TaskCompleted)
	assert.True(t, st.TaskSuccess)
}

func TestCleanupIdempotent(t *testing.T) {
	ch := newTestChannel(t)
	require.NoError(t, ch.Initialize(6))

	require.NoError(t, ch.Cleanup())
	require.NoError(t, ch.Cleanup())

	_, err := os.Stat(ch.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestTwoChannelsShareOneFile(t *testing.T) {
	dir := t.TempDir()
	writer := NewChannel("sess-9", "miniwob", "miniwob.click-test", dir, nil)
	reader := NewChannel("sess-9", "", "", dir, nil)

	require.NoError(t, writer.Initialize(6))
	_, err := writer.RecordToolInvocation("execute_actions")
	require.NoError(t, err)

	st := reader.Read()
	assert.True(t, st.Initialized)
	assert.Equal(t, 1, st.ToolInvocations)
	assert.Equal(t, "execute_actions", st.LastTool)
}

func TestDistinctSessionsAreIsolated(t *testing.T) {
	dir := t.TempDir()
	first := NewChannel("sess-a", "miniwob", "miniwob.click-test", dir, nil)
	second := NewChannel("sess-b", "miniwob", "miniwob.click-button", dir, nil)

	require.NoError(t, first.Initialize(6))
	require.NoError(t, second.Initialize(6))

	_, err := first.RecordToolInvocation("execute_actions")
	require.NoError(t, err)
	require.NoError(t, first.AddTokens(120))

	assert.NotEqual(t, first.Path(), second.Path())

	st := second.Read()
	assert.Equal(t, 0, st.ToolInvocations)
	assert.Equal(t, 0, st.TotalTokens)
	assert.Empty(t, st.LastTool)
}

func TestMetricSnapshot(t *testing.T) {
	st := EvaluationState{TotalTokens: 10, TotalLatencyMS: 20, ActionCount: 3, ObservationCount: 4, ToolInvocations: 5}
	snap := st.MetricSnapshot()
	assert.Equal(t, 10, snap.TotalTokens)
	assert.Equal(t, 5, snap.ToolInvocations)
}
