package orchestration

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proctorhq/proctor/internal/hooks"
	"github.com/proctorhq/proctor/internal/messaging"
	"github.com/proctorhq/proctor/internal/models"
	"github.com/proctorhq/proctor/internal/sandbox"
	"github.com/proctorhq/proctor/internal/sharedstate"
)

type scriptedEnv struct{}

func (scriptedEnv) Reset(ctx context.Context) (sandbox.Observation, error) {
	return sandbox.Observation{Goal: "a goal"}, nil
}

func (scriptedEnv) Step(ctx context.Context, actions []sandbox.Action) (sandbox.StepResult, error) {
	return sandbox.StepResult{}, nil
}

func (scriptedEnv) Close() error { return nil }

// workerScript simulates the remote worker: on each dispatch it writes the
// scripted completion into the shared state file, the way the real worker
// does through the tool server.
type workerScript func(taskID string, worker *sharedstate.Channel) error

type fakeDispatcher struct {
	mu         sync.Mutex
	runID      string
	stateDir   string
	script     workerScript
	dispatched []messaging.TaskDispatch
}

func (f *fakeDispatcher) DispatchTask(ctx context.Context, d messaging.TaskDispatch) error {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, d)
	script := f.script
	f.mu.Unlock()

	if script == nil {
		return nil
	}
	worker := sharedstate.NewChannel(f.runID, d.Benchmark, d.TaskID, f.stateDir, nil)
	return script(d.TaskID, worker)
}

func (f *fakeDispatcher) envActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.dispatched))
	for i, d := range f.dispatched {
		out[i] = d.EnvironmentAction
	}
	return out
}

func testSpec(stateDir string) *models.AssessmentSpec {
	spec := &models.AssessmentSpec{
		Version: "1",
		Config: models.Config{
			MaxToolCalls:       6,
			TaskTimeoutSec:     30,
			SteadyTimeoutSec:   1,
			FirstContactSec:    1,
			PollIntervalMS:     20,
			DispatchTimeoutSec: 5,
			StateDir:           stateDir,
		},
		Worker: models.WorkerConfig{Endpoint: "http://127.0.0.1:1/tasks"},
		Benchmarks: []models.BenchmarkGroup{
			{Name: "miniwob", Tasks: []string{"miniwob.click-test", "miniwob.click-button"}},
			{Name: "webarena", Tasks: []string{"webarena.login"}},
		},
	}
	spec.Name = "nightly"
	return spec
}

func newTestOrchestrator(t *testing.T, spec *models.AssessmentSpec, runID string, script workerScript) (*Orchestrator, *fakeDispatcher) {
	t.Helper()

	factory := func(ctx context.Context, cfg sandbox.TaskConfig) (sandbox.Environment, error) {
		return scriptedEnv{}, nil
	}
	manager := sandbox.NewManager(factory)

	dispatcher := &fakeDispatcher{runID: runID, stateDir: spec.Config.StateDir, script: script}

	o, err := New(spec, runID,
		WithDispatcher(dispatcher),
		WithSessionManager(manager))
	require.NoError(t, err)
	return o, dispatcher
}

func succeedImmediately(taskID string, worker *sharedstate.Channel) error {
	return worker.UpdateTaskState(1.0, true, false)
}

func TestRunCompletesFullPlan(t *testing.T) {
	spec := testSpec(t.TempDir())
	o, dispatcher := newTestOrchestrator(t, spec, "run-full", succeedImmediately)

	art, err := o.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, art)

	assert.Equal(t, 3, art.Totals.Tasks)
	assert.Equal(t, 3, art.Totals.Completed)
	assert.Equal(t, 3, art.Totals.Succeeded)
	assert.Equal(t, 0, art.Totals.Failed)
	assert.Equal(t, 1.0, art.Totals.SuccessRate)
	assert.False(t, art.Partial)

	for _, task := range art.Tasks {
		assert.Equal(t, models.StatusCompleted, task.Status)
		assert.True(t, task.Success)
		assert.Equal(t, 1.0, task.FinalReward)
	}

	// Same-benchmark neighbor switches in place; the benchmark change
	// recreates the environment.
	assert.Equal(t, []string{"created", "switched", "recreated"}, dispatcher.envActions())

	require.Len(t, art.Benchmarks, 2)
	assert.Equal(t, "miniwob", art.Benchmarks[0].Name)
	assert.Equal(t, 2, art.Benchmarks[0].Tasks)
	assert.Equal(t, "webarena", art.Benchmarks[1].Name)
}

func TestInactivityTimeoutDoesNotAbortRun(t *testing.T) {
	spec := testSpec(t.TempDir())
	silentFirst := func(taskID string, worker *sharedstate.Channel) error {
		if taskID == "miniwob.click-test" {
			return nil // worker vanishes
		}
		return succeedImmediately(taskID, worker)
	}
	o, _ := newTestOrchestrator(t, spec, "run-stall", silentFirst)

	art, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.StatusTimeout, art.Tasks[0].Status)
	assert.False(t, art.Tasks[0].Success)
	assert.Contains(t, art.Tasks[0].ErrorMessage, "activity")

	assert.Equal(t, models.StatusCompleted, art.Tasks[1].Status)
	assert.Equal(t, models.StatusCompleted, art.Tasks[2].Status)
	assert.Equal(t, 1, art.Totals.TimedOut)
}

func TestToolLimitRecordedAsToolLimit(t *testing.T) {
	spec := testSpec(t.TempDir())
	budgetBlower := func(taskID string, worker *sharedstate.Channel) error {
		if taskID != "miniwob.click-test" {
			return succeedImmediately(taskID, worker)
		}
		if err := worker.SetMaxToolCalls(1); err != nil {
			return err
		}
		if _, err := worker.RecordToolInvocation("execute_actions"); err != nil {
			return err
		}
		exceeded, err := worker.CheckAndMarkToolLimit()
		if err != nil {
			return err
		}
		if !exceeded {
			return fmt.Errorf("expected budget to be exhausted")
		}
		return nil
	}
	o, _ := newTestOrchestrator(t, spec, "run-budget", budgetBlower)

	art, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.StatusToolLimit, art.Tasks[0].Status)
	assert.True(t, art.Tasks[0].Truncated)
	assert.Equal(t, 1, art.Totals.ToolLimited)
	assert.Equal(t, models.StatusCompleted, art.Tasks[1].Status)
}

func TestDispatchFailureMarksSendTimeoutAndContinues(t *testing.T) {
	spec := testSpec(t.TempDir())
	o, dispatcher := newTestOrchestrator(t, spec, "run-sendfail", succeedImmediately)
	dispatcher.script = func(taskID string, worker *sharedstate.Channel) error {
		if taskID == "miniwob.click-test" {
			return fmt.Errorf("connection refused")
		}
		return succeedImmediately(taskID, worker)
	}

	art, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.StatusSendTimeout, art.Tasks[0].Status)
	assert.Contains(t, art.Tasks[0].ErrorMessage, "connection refused")
	assert.Equal(t, models.StatusCompleted, art.Tasks[1].Status)
	assert.Equal(t, models.StatusCompleted, art.Tasks[2].Status)
}

func TestFailFastStopsAfterFailedTask(t *testing.T) {
	spec := testSpec(t.TempDir())
	spec.Config.StopOnError = true
	failFirst := func(taskID string, worker *sharedstate.Channel) error {
		if taskID == "miniwob.click-test" {
			return worker.UpdateTaskState(0, false, true) // truncated, no reward
		}
		return succeedImmediately(taskID, worker)
	}
	o, dispatcher := newTestOrchestrator(t, spec, "run-failfast", failFirst)

	art, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, art.Tasks[0].Status)
	assert.Equal(t, models.StatusPending, art.Tasks[1].Status)
	assert.True(t, art.Partial)
	assert.Len(t, dispatcher.dispatched, 1)
}

func TestTeardownRemovesSharedStateFile(t *testing.T) {
	stateDir := t.TempDir()
	spec := testSpec(stateDir)
	o, _ := newTestOrchestrator(t, spec, "run-teardown", succeedImmediately)

	probe := sharedstate.NewChannel("run-teardown", "", "", stateDir, nil)

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	_, statErr := os.Stat(probe.Path())
	assert.True(t, os.IsNotExist(statErr), "state file should be removed on teardown")
	assert.Equal(t, "", o.ToolServerAddr(), "tool server should be stopped")
}

func TestHooksRunAroundTasks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell hook fixture requires sh")
	}
	dir := t.TempDir()
	script := dir + "/mark.sh"
	require.NoError(t, os.WriteFile(script,
		[]byte("#!/bin/sh\necho \"$1\" >> "+dir+"/order.txt\n"), 0755))

	spec := testSpec(t.TempDir())
	spec.Hooks = hooks.HooksConfig{
		BeforeRun: []hooks.HookConfig{{Command: script + " run"}},
		AfterRun:  []hooks.HookConfig{{Command: script + " done"}},
	}
	o, _ := newTestOrchestrator(t, spec, "run-hooks", succeedImmediately)

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(dir + "/order.txt")
	require.NoError(t, err)
	assert.Equal(t, "run\ndone\n", string(data))
}

func TestCancellationStillTearsDown(t *testing.T) {
	stateDir := t.TempDir()
	spec := testSpec(stateDir)
	ctx, cancel := context.WithCancel(context.Background())

	silent := func(taskID string, worker *sharedstate.Channel) error {
		cancel() // cancel mid-run, while task A is in flight
		return nil
	}
	o, _ := newTestOrchestrator(t, spec, "run-cancel", silent)

	art, err := o.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, art, "partial artifact is still produced")
	assert.True(t, art.Partial)

	probe := sharedstate.NewChannel("run-cancel", "", "", stateDir, nil)
	_, statErr := os.Stat(probe.Path())
	assert.True(t, os.IsNotExist(statErr), "teardown must run on cancellation")
}

func TestProgressEventsEmitted(t *testing.T) {
	spec := testSpec(t.TempDir())
	o, _ := newTestOrchestrator(t, spec, "run-progress", succeedImmediately)

	var mu sync.Mutex
	var types []EventType
	o.OnProgress(func(ev ProgressEvent) {
		mu.Lock()
		types = append(types, ev.EventType)
		mu.Unlock()
	})

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventRunStart, types[0])
	assert.Equal(t, EventRunComplete, types[len(types)-1])

	sent, completed := 0, 0
	for _, ty := range types {
		switch ty {
		case EventTaskSent:
			sent++
		case EventTaskComplete:
			completed++
		}
	}
	assert.Equal(t, 3, sent)
	assert.Equal(t, 3, completed)
}

func TestWaitElapsedIsPositive(t *testing.T) {
	spec := testSpec(t.TempDir())
	slowSuccess := func(taskID string, worker *sharedstate.Channel) error {
		time.Sleep(30 * time.Millisecond)
		return succeedImmediately(taskID, worker)
	}
	o, _ := newTestOrchestrator(t, spec, "run-elapsed", slowSuccess)

	art, err := o.Run(context.Background())
	require.NoError(t, err)
	for _, task := range art.Tasks {
		assert.GreaterOrEqual(t, task.ElapsedSeconds, 0.0)
	}
}
