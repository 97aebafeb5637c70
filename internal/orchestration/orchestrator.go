// Package orchestration drives an assessment run end to end: it starts the
// tool server, hands tasks to the worker one at a time, polls the shared
// state channel for completion, and guarantees sandbox teardown on every
// exit path.
package orchestration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/proctorhq/proctor/internal/assessment"
	"github.com/proctorhq/proctor/internal/hooks"
	"github.com/proctorhq/proctor/internal/messaging"
	"github.com/proctorhq/proctor/internal/models"
	"github.com/proctorhq/proctor/internal/sandbox"
	"github.com/proctorhq/proctor/internal/session"
	"github.com/proctorhq/proctor/internal/sharedstate"
	"github.com/proctorhq/proctor/internal/toolserver"
	"github.com/proctorhq/proctor/internal/watchdog"
)

// Orchestrator owns the run control loop. One task is in flight at a time;
// completion is only ever observed through the shared state channel.
type Orchestrator struct {
	spec    *models.AssessmentSpec
	runID   string
	planned []models.PlannedTask

	tracker    *assessment.Tracker
	channel    *sharedstate.Channel
	sessions   *sandbox.Manager
	dog        *watchdog.Watchdog
	dispatcher messaging.Dispatcher
	tools      *toolserver.Server
	events     session.Logger
	hookRunner *hooks.Runner
	logger     *slog.Logger
	progress   progressNotifier

	verbose bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDispatcher overrides the worker messaging client.
func WithDispatcher(d messaging.Dispatcher) Option {
	return func(o *Orchestrator) { o.dispatcher = d }
}

// WithSessionManager overrides the sandbox session manager.
func WithSessionManager(m *sandbox.Manager) Option {
	return func(o *Orchestrator) { o.sessions = m }
}

// WithEventLogger overrides the run event log (default: discard).
func WithEventLogger(l session.Logger) Option {
	return func(o *Orchestrator) { o.events = l }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithVerbose enables verbose hook output.
func WithVerbose(v bool) Option {
	return func(o *Orchestrator) { o.verbose = v }
}

// New assembles an orchestrator for the given plan. runID must be unique per
// run; it keys the shared state file and the results artifact.
func New(spec *models.AssessmentSpec, runID string, opts ...Option) (*Orchestrator, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	planned := spec.PlannedTasks()

	o := &Orchestrator{
		spec:    spec,
		runID:   runID,
		planned: planned,
		logger:  slog.Default(),
		events:  session.NopLogger{},
	}
	for _, opt := range opts {
		opt(o)
	}

	o.dog = watchdog.New(spec.Config.SteadyTimeout(), spec.Config.FirstContactTimeout(),
		watchdog.WithLogger(o.logger))
	o.channel = sharedstate.NewChannel(runID, planned[0].Benchmark, planned[0].TaskID,
		spec.Config.StateDir, o.logger)

	if o.sessions == nil {
		factory := sandbox.NewSubprocessFactory(spec.Worker.Command)
		o.sessions = sandbox.NewManager(factory,
			sandbox.WithManagerLogger(o.logger),
			sandbox.WithPulser(o.dog),
			sandbox.WithProcessScanner(sandbox.NewProcessScanner(spec.Worker.ProcessPattern)),
			sandbox.WithOrphanVerification(spec.Config.VerifyOrphanCleanup))
	}
	if o.dispatcher == nil {
		o.dispatcher = messaging.NewHTTPDispatcher(spec.Worker.Endpoint, spec.Config.DispatchTimeout(), o.logger)
	}

	o.tracker = assessment.New(runID, planned,
		assessment.WithStateReader(o.channel),
		assessment.WithLogger(o.logger))
	o.tools = toolserver.New(o.channel, o.sessions,
		toolserver.WithPulser(o.dog),
		toolserver.WithLogger(o.logger))
	o.hookRunner = &hooks.Runner{Verbose: o.verbose, Logger: o.logger}

	return o, nil
}

// OnProgress registers a progress listener
func (o *Orchestrator) OnProgress(listener ProgressListener) {
	o.progress.add(listener)
}

// Tracker exposes the live plan for concurrent status readers.
func (o *Orchestrator) Tracker() *assessment.Tracker {
	return o.tracker
}

// ToolServerAddr returns the tool server's bound address once started.
func (o *Orchestrator) ToolServerAddr() string {
	return o.tools.Addr()
}

// Run executes the whole plan and returns the results artifact. Task-level
// failures are absorbed into the artifact; the returned error is non-nil
// only for run-fatal conditions (tool server start, before_run hook,
// cancellation). Even then the artifact carries the partial results, and
// teardown has already run.
func (o *Orchestrator) Run(ctx context.Context) (art *models.RunArtifact, err error) {
	startTime := time.Now()

	if startErr := o.tools.Start(ctx, o.spec.Config.ToolServerPort); startErr != nil {
		return o.tracker.BuildArtifact(o.spec.Name), fmt.Errorf("tool server failed to start: %w", startErr)
	}

	logEvent := func(ev session.Event) {
		if logErr := o.events.Log(ev); logErr != nil {
			o.logger.Warn("writing run event", "error", logErr)
		}
	}

	// Teardown always runs: normal exit, hook failure, cancellation.
	defer func() {
		if len(o.spec.Hooks.AfterRun) > 0 {
			if hookErr := o.hookRunner.Execute(context.WithoutCancel(ctx), "after_run", "", o.spec.Hooks.AfterRun); hookErr != nil {
				o.logger.Warn("after_run hook failed", "error", hookErr)
			}
		}
		o.teardown(logEvent)

		art = o.tracker.BuildArtifact(o.spec.Name)
		logEvent(session.NewEvent(session.EventRunEnd, session.RunEndData(
			art.Totals.Tasks, art.Totals.Succeeded, art.Totals.Failed,
			time.Since(startTime).Milliseconds())))
		if closeErr := o.events.Close(); closeErr != nil {
			o.logger.Warn("closing run event log", "error", closeErr)
		}
		o.progress.notify(ProgressEvent{
			EventType:  EventRunComplete,
			TotalTasks: art.Totals.Tasks,
			DurationMs: time.Since(startTime).Milliseconds(),
		})
	}()

	if len(o.spec.Hooks.BeforeRun) > 0 {
		if hookErr := o.hookRunner.Execute(ctx, "before_run", "", o.spec.Hooks.BeforeRun); hookErr != nil {
			return nil, fmt.Errorf("before_run hook failed: %w", hookErr)
		}
	}

	maxCalls := o.spec.Config.MaxToolCalls
	if maxCalls == 0 {
		maxCalls = sharedstate.DefaultMaxToolCalls
	}
	if initErr := o.channel.Initialize(maxCalls); initErr != nil {
		return nil, fmt.Errorf("initializing shared state: %w", initErr)
	}

	logEvent(session.NewEvent(session.EventRunStart,
		session.RunStartData(o.runID, o.spec.Name, len(o.planned))))
	o.progress.notify(ProgressEvent{EventType: EventRunStart, TotalTasks: len(o.planned)})

	o.dispatchTask(ctx, o.tracker.CurrentIndex(), "created", logEvent)

	for !o.tracker.IsAllComplete() {
		if ctx.Err() != nil {
			o.logger.Warn("run canceled", "error", ctx.Err())
			return nil, ctx.Err()
		}

		index := o.tracker.CurrentIndex()
		entry, ok := o.tracker.Task(index)
		if !ok {
			break
		}

		// A task that never left PENDING (dispatch or before_task failure)
		// was already recorded terminal by dispatchTask.
		if entry.Status == models.StatusSent || entry.Status == models.StatusRunning {
			out := o.waitForCompletion(ctx, index, entry)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			o.recordOutcome(ctx, index, out, logEvent)
			entry, _ = o.tracker.Task(index)
		}

		if o.spec.Config.StopOnError && !entry.Success {
			o.logger.Warn("stopping run after failed task", "task", entry.TaskID, "status", entry.Status)
			o.progress.notify(ProgressEvent{EventType: EventRunStopped, TaskID: entry.TaskID})
			break
		}

		if !o.tracker.AdvanceToNextTask() {
			break
		}
		next := o.tracker.CurrentIndex()
		action := o.swapSession(ctx, entry.Benchmark, next)
		o.dispatchTask(ctx, next, action, logEvent)
	}

	return nil, nil
}

// dispatchTask prepares the environment-side state and hands the task to the
// worker. Failures mark only this task terminal; the run continues.
func (o *Orchestrator) dispatchTask(ctx context.Context, index int, envAction string, logEvent func(session.Event)) {
	entry, ok := o.tracker.Task(index)
	if !ok {
		return
	}

	fail := func(status models.TaskStatus, err error) {
		o.logger.Error("task dispatch failed", "task", entry.TaskID, "status", status, "error", err)
		o.tracker.MarkTaskCompleted(index, assessment.Outcome{
			Status: status,
			Err:    err.Error(),
		})
		logEvent(session.NewEvent(session.EventError,
			session.ErrorData(err.Error(), map[string]any{"task_id": entry.TaskID})))
	}

	if len(o.spec.Hooks.BeforeTask) > 0 {
		if err := o.hookRunner.Execute(ctx, "before_task", entry.TaskID, o.spec.Hooks.BeforeTask); err != nil {
			fail(models.StatusFailed, fmt.Errorf("before_task hook: %w", err))
			return
		}
	}

	if envAction == "created" {
		if _, err := o.sessions.CreateSession(ctx, sandbox.TaskConfig{
			TaskID:    entry.TaskID,
			Benchmark: entry.Benchmark,
		}); err != nil {
			fail(models.StatusFailed, err)
			return
		}
	}

	if err := o.channel.ResetForNewTask(entry.TaskID, entry.Benchmark); err != nil {
		fail(models.StatusFailed, fmt.Errorf("resetting shared state: %w", err))
		return
	}

	o.tracker.SnapshotTaskStart(index)
	o.dog.Reset()
	o.dog.Pulse(watchdog.KindOrchestrator, "dispatching_"+entry.TaskID)

	var goal string
	if obs, err := o.sessions.Observation(); err == nil {
		goal = obs.Goal
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, o.spec.Config.DispatchTimeout())
	defer cancel()

	done := o.dog.TrackScope("dispatch_" + entry.TaskID)
	err := o.dispatcher.DispatchTask(dispatchCtx, messaging.TaskDispatch{
		RunID:             o.runID,
		SessionID:         o.runID,
		TaskID:            entry.TaskID,
		Benchmark:         entry.Benchmark,
		Index:             index,
		Total:             len(o.planned),
		Goal:              goal,
		MaxToolCalls:      o.readMaxToolCalls(),
		EnvironmentAction: envAction,
		ToolServerAddr:    o.tools.Addr(),
	})
	done()
	if err != nil {
		fail(models.StatusSendTimeout, err)
		return
	}

	if !o.tracker.MarkTaskSent(index) {
		o.logger.Warn("task was not pending at dispatch", "task", entry.TaskID, "index", index)
		return
	}

	logEvent(session.NewEvent(session.EventTaskDispatched,
		session.TaskDispatchedData(entry.TaskID, index+1, len(o.planned), envAction)))
	o.progress.notify(ProgressEvent{
		EventType:  EventTaskSent,
		TaskID:     entry.TaskID,
		TaskNum:    index + 1,
		TotalTasks: len(o.planned),
		Details:    map[string]any{"env_action": envAction},
	})
}

func (o *Orchestrator) readMaxToolCalls() int {
	if st := o.channel.Read(); st.MaxToolCalls > 0 {
		return st.MaxToolCalls
	}
	return sharedstate.DefaultMaxToolCalls
}

// waitForCompletion polls the channel until the task reaches a terminal
// signal. Check order is fixed: inactivity, reported error, tool limit,
// completion, total timeout. Inactivity therefore wins when it and the
// total timeout fire in the same cycle.
func (o *Orchestrator) waitForCompletion(ctx context.Context, index int, entry models.TaskEntry) assessment.Outcome {
	deadline := time.Now().Add(o.spec.Config.TaskTimeout())
	ticker := time.NewTicker(o.spec.Config.PollInterval())
	defer ticker.Stop()

	elapsed := func() time.Duration {
		if entry.SentAt.IsZero() {
			return 0
		}
		return time.Since(entry.SentAt)
	}
	metrics := func() *models.TaskMetrics {
		m := o.tracker.CalculateTaskMetrics(index)
		return &m
	}

	for {
		select {
		case <-ctx.Done():
			return assessment.Outcome{Status: models.StatusFailed, Err: ctx.Err().Error()}
		case <-ticker.C:
		}

		if o.dog.IsTimedOut() {
			silent := o.dog.SinceActivity()
			o.logger.Warn("inactivity timeout",
				"task", entry.TaskID, "silent", silent.Round(time.Millisecond))
			if err := o.channel.MarkTaskCompleted(false, "timeout"); err != nil {
				o.logger.Warn("marking shared state timed out", "error", err)
			}
			return assessment.Outcome{
				Status:    models.StatusTimeout,
				Truncated: true,
				Err:       fmt.Sprintf("no worker activity for %.1fs", silent.Seconds()),
				Metrics:   metrics(),
				Elapsed:   elapsed(),
			}
		}

		st := o.channel.Read()

		if st.Error != "" && !st.TaskCompleted {
			return assessment.Outcome{
				Status:  models.StatusFailed,
				Err:     st.Error,
				Metrics: metrics(),
				Elapsed: elapsed(),
			}
		}

		if st.ToolCallsExceeded {
			return assessment.Outcome{
				Success:   st.TaskSuccess,
				Reward:    st.FinalReward,
				Done:      st.Done,
				Truncated: true,
				Status:    models.StatusToolLimit,
				Err:       st.Error,
				Metrics:   metrics(),
				Elapsed:   elapsed(),
			}
		}

		if st.TaskCompleted {
			return assessment.Outcome{
				Success:   st.TaskSuccess,
				Reward:    st.FinalReward,
				Done:      st.Done,
				Truncated: st.Truncated,
				Err:       st.Error,
				Metrics:   metrics(),
				Elapsed:   elapsed(),
			}
		}

		if time.Now().After(deadline) {
			o.logger.Warn("task timed out", "task", entry.TaskID, "timeout", o.spec.Config.TaskTimeout())
			if err := o.channel.MarkTaskCompleted(false, "timeout"); err != nil {
				o.logger.Warn("marking shared state timed out", "error", err)
			}
			return assessment.Outcome{
				Status:    models.StatusTimeout,
				Truncated: true,
				Err:       fmt.Sprintf("task exceeded %.0fs total budget", o.spec.Config.TaskTimeout().Seconds()),
				Metrics:   metrics(),
				Elapsed:   elapsed(),
			}
		}
	}
}

func (o *Orchestrator) recordOutcome(ctx context.Context, index int, out assessment.Outcome, logEvent func(session.Event)) {
	entry, ok := o.tracker.Task(index)
	if !ok {
		return
	}

	o.tracker.MarkTaskCompleted(index, out)

	if out.Status == models.StatusTimeout {
		logEvent(session.NewEvent(session.EventWatchdogTimeout,
			session.WatchdogTimeoutData(entry.TaskID, o.dog.SinceActivity().Seconds())))
	}

	status := out.Status
	if status == "" {
		if out.Success {
			status = models.StatusCompleted
		} else {
			status = models.StatusFailed
		}
	}
	logEvent(session.NewEvent(session.EventTaskComplete,
		session.TaskCompleteData(entry.TaskID, string(status), out.Reward, out.Elapsed.Milliseconds())))
	o.progress.notify(ProgressEvent{
		EventType:  EventTaskComplete,
		TaskID:     entry.TaskID,
		TaskNum:    index + 1,
		TotalTasks: len(o.planned),
		Status:     status,
		Reward:     out.Reward,
		DurationMs: out.Elapsed.Milliseconds(),
	})

	if len(o.spec.Hooks.AfterTask) > 0 {
		if err := o.hookRunner.Execute(ctx, "after_task", entry.TaskID, o.spec.Hooks.AfterTask); err != nil {
			o.logger.Warn("after_task hook failed", "task", entry.TaskID, "error", err)
		}
	}
}

// swapSession prepares the environment for the task at index. Same-benchmark
// neighbors switch the handle in place; a benchmark change tears the session
// down and starts fresh. Swap failures are absorbed here and surface later
// as a dispatch failure on a dead session.
func (o *Orchestrator) swapSession(ctx context.Context, prevBenchmark string, index int) string {
	entry, ok := o.tracker.Task(index)
	if !ok {
		return "switched"
	}

	cfg := sandbox.TaskConfig{TaskID: entry.TaskID, Benchmark: entry.Benchmark}

	if entry.Benchmark == prevBenchmark {
		if _, err := o.sessions.SwitchToTask(ctx, cfg, ""); err != nil {
			o.logger.Error("task switch failed", "task", entry.TaskID, "error", err)
		}
		o.progress.notify(ProgressEvent{EventType: EventEnvSwap, TaskID: entry.TaskID,
			Details: map[string]any{"action": "switched"}})
		return "switched"
	}

	if cur, ok := o.sessions.CurrentSession(); ok {
		if res := o.sessions.CleanupSession(ctx, cur.ID); res.Status != "success" {
			o.logger.Warn("cleanup before benchmark change reported errors", "session", cur.ID, "error", res.Err)
		}
	}
	if _, err := o.sessions.CreateSession(ctx, cfg); err != nil {
		o.logger.Error("environment recreation failed", "task", entry.TaskID, "error", err)
	}
	o.progress.notify(ProgressEvent{EventType: EventEnvSwap, TaskID: entry.TaskID,
		Details: map[string]any{"action": "recreated"}})
	return "recreated"
}

// teardown shuts the sandbox and tool server down exactly once per run.
// Every step runs regardless of earlier failures.
func (o *Orchestrator) teardown(logEvent func(session.Event)) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	succeeded, failed := o.sessions.CleanupAllSessions(ctx)
	logEvent(session.NewEvent(session.EventCleanup, session.CleanupData(succeeded, failed)))

	o.sessions.Close()
	o.tools.Stop()

	if err := o.channel.Cleanup(); err != nil {
		o.logger.Warn("removing shared state file", "error", err)
	}
}
