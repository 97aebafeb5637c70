package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/proctorhq/proctor/internal/models"
	"github.com/proctorhq/proctor/internal/orchestration"
	"github.com/proctorhq/proctor/internal/reporting"
	"github.com/proctorhq/proctor/internal/session"
	"github.com/proctorhq/proctor/internal/utils"
	"github.com/proctorhq/proctor/internal/validation"
	"github.com/proctorhq/proctor/internal/webapi"
	"github.com/proctorhq/proctor/internal/webserver"
)

var (
	runVerbose   bool
	runResults   string
	runJUnitPath string
	interpret    bool
	noRunLog     bool
	compactLog   bool
	watchPort    int
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <plan.yaml>",
		Short: "Run an assessment plan",
		Long: `Run an assessment plan against the configured worker.

The plan file defines the task list, timeouts, tool budget, and worker
configuration. Results are written as a JSON artifact to the results
directory, alongside a run event log.`,
		Args: cobra.ExactArgs(1),
		RunE: runCommandE,
	}

	cmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Verbose output with detailed progress")
	cmd.Flags().StringVar(&runResults, "results-dir", "", "Results directory (overrides plan config)")
	cmd.Flags().StringVar(&runJUnitPath, "junit", "", "Also write results as JUnit XML to this path")
	cmd.Flags().BoolVar(&interpret, "interpret", false, "Print a plain-language interpretation of the results")
	cmd.Flags().BoolVar(&noRunLog, "no-log", false, "Skip writing the run event log")
	cmd.Flags().BoolVar(&compactLog, "compact-log", false, "Compress the run event log on completion")
	cmd.Flags().IntVar(&watchPort, "watch", 0, "Serve the live dashboard on this port for the duration of the run (0 disables)")

	return cmd
}

func runCommandE(cmd *cobra.Command, args []string) error {
	planPath := args[0]

	// Schema validation catches misspelled keys before the run starts.
	schemaErrs, err := validation.ValidatePlanFile(planPath)
	if err != nil {
		return fmt.Errorf("failed to read plan: %w", err)
	}
	if len(schemaErrs) > 0 {
		for _, e := range schemaErrs {
			fmt.Fprintf(cmd.ErrOrStderr(), "  ❌ %s\n", e) //nolint:errcheck
		}
		return fmt.Errorf("plan %s has %d schema error(s)", planPath, len(schemaErrs))
	}

	spec, err := models.LoadAssessmentSpec(planPath)
	if err != nil {
		return fmt.Errorf("failed to load plan: %w", err)
	}

	resolvePlanDirs(spec, planPath)
	if runResults != "" {
		spec.Config.ResultsDir = runResults
	}
	resultsDir := spec.Config.ResultsDir
	if resultsDir == "" {
		resultsDir = "."
	}

	runID := spec.RunID
	if runID == "" {
		runID = newRunID()
	}

	opts := []orchestration.Option{orchestration.WithVerbose(runVerbose)}

	var eventLog *session.JSONLogger
	if !noRunLog {
		if err := os.MkdirAll(resultsDir, 0o755); err != nil {
			return fmt.Errorf("creating results directory: %w", err)
		}
		logOpts := []session.LoggerOption{}
		if compactLog {
			logOpts = append(logOpts, session.WithCompaction())
		}
		eventLog, err = session.NewJSONLogger(session.DefaultLogPath(resultsDir, runID), logOpts...)
		if err != nil {
			return fmt.Errorf("creating run event log: %w", err)
		}
		opts = append(opts, orchestration.WithEventLogger(eventLog))
	}

	orch, err := orchestration.New(spec, runID, opts...)
	if err != nil {
		return fmt.Errorf("failed to set up run: %w", err)
	}

	out := cmd.OutOrStdout()
	rep := newRunReporter(out, runVerbose)
	orch.OnProgress(rep.listen)

	fmt.Fprintf(out, "Running plan: %s\n", spec.Name)                //nolint:errcheck
	fmt.Fprintf(out, "Run ID: %s\n", runID)                          //nolint:errcheck
	fmt.Fprintf(out, "Worker: %s\n", spec.Worker.Endpoint)           //nolint:errcheck
	fmt.Fprintf(out, "Tasks: %d\n\n", len(spec.PlannedTasks()))      //nolint:errcheck

	// Ctrl-C cancels the run; teardown still produces a partial artifact.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watchPort > 0 {
		live := webapi.NewLiveRegistry()
		live.Register(orch.Tracker(), spec.Name)
		defer live.Deregister(runID)

		dash, dashErr := webserver.New(webserver.Config{
			Port:       watchPort,
			ResultsDir: resultsDir,
			NoBrowser:  true,
			Live:       live,
		})
		if dashErr != nil {
			return fmt.Errorf("starting live dashboard: %w", dashErr)
		}
		go func() {
			if serveErr := dash.ListenAndServe(ctx); serveErr != nil {
				slog.Warn("live dashboard stopped", "error", serveErr)
			}
		}()
	}

	art, runErr := orch.Run(ctx)

	if art != nil {
		if path, saveErr := art.Save(resultsDir); saveErr != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: could not save results: %v\n", saveErr) //nolint:errcheck
		} else {
			fmt.Fprintf(out, "\nResults saved to: %s\n", path) //nolint:errcheck
		}

		if runJUnitPath != "" {
			if junitErr := reporting.WriteJUnitXML(art, runJUnitPath); junitErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: could not write JUnit XML: %v\n", junitErr) //nolint:errcheck
			} else {
				fmt.Fprintf(out, "JUnit XML saved to: %s\n", runJUnitPath) //nolint:errcheck
			}
		}

		printRunSummary(out, art)
		if interpret {
			fmt.Fprintln(out)                                 //nolint:errcheck
			fmt.Fprint(out, reporting.FormatSummaryReport(art)) //nolint:errcheck
		}
	}

	if runErr != nil {
		return fmt.Errorf("run failed: %w", runErr)
	}
	if art != nil && art.Totals.Failed > 0 {
		return &TaskFailureError{
			Message: fmt.Sprintf("run completed with %d failed task(s) out of %d", art.Totals.Failed, art.Totals.Tasks),
		}
	}
	return nil
}

// resolvePlanDirs makes state and results directories relative to the plan
// file so runs behave the same from any working directory.
func resolvePlanDirs(spec *models.AssessmentSpec, planPath string) {
	planDir := filepath.Dir(planPath)
	if abs, err := filepath.Abs(planDir); err == nil {
		planDir = abs
	}

	spec.Config.StateDir = utils.ResolvePath(spec.Config.StateDir, planDir)
	spec.Config.ResultsDir = utils.ResolvePath(spec.Config.ResultsDir, planDir)
}

func newRunID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return time.Now().Format("20060102-150405")
	}
	return fmt.Sprintf("%s-%s", time.Now().Format("20060102-150405"), hex.EncodeToString(b[:]))
}

func printRunSummary(w io.Writer, art *models.RunArtifact) {
	fmt.Fprintln(w)                                  //nolint:errcheck
	fmt.Fprintln(w, "="+strings.Repeat("=", 50))     //nolint:errcheck
	fmt.Fprintln(w, " RUN RESULTS")                  //nolint:errcheck
	fmt.Fprintln(w, "="+strings.Repeat("=", 50))     //nolint:errcheck
	fmt.Fprintln(w)                                  //nolint:errcheck

	fmt.Fprintf(w, "Total Tasks:    %d\n", art.Totals.Tasks)                 //nolint:errcheck
	fmt.Fprintf(w, "Succeeded:      %d\n", art.Totals.Succeeded)             //nolint:errcheck
	fmt.Fprintf(w, "Failed:         %d\n", art.Totals.Failed)                //nolint:errcheck
	fmt.Fprintf(w, "Timed Out:      %d\n", art.Totals.TimedOut)              //nolint:errcheck
	fmt.Fprintf(w, "Tool Limited:   %d\n", art.Totals.ToolLimited)           //nolint:errcheck
	fmt.Fprintf(w, "Success Rate:   %.1f%%\n", art.Totals.SuccessRate*100)   //nolint:errcheck
	fmt.Fprintf(w, "Tool Calls:     %d\n", art.Totals.Metrics.ToolCalls)     //nolint:errcheck
	fmt.Fprintf(w, "Tokens:         %d\n", art.Totals.Metrics.Tokens)        //nolint:errcheck

	duration := time.Duration(art.DurationSeconds * float64(time.Second)).Round(time.Millisecond)
	fmt.Fprintf(w, "Duration:       %v\n", duration) //nolint:errcheck
	if art.Partial {
		fmt.Fprintln(w, "Partial:        run ended before all tasks completed") //nolint:errcheck
	}
	fmt.Fprintln(w) //nolint:errcheck

	if len(art.Benchmarks) > 1 {
		fmt.Fprintln(w, "-"+strings.Repeat("-", 50)) //nolint:errcheck
		fmt.Fprintln(w, " PER-BENCHMARK BREAKDOWN")   //nolint:errcheck
		fmt.Fprintln(w, "-"+strings.Repeat("-", 50)) //nolint:errcheck
		for _, b := range art.Benchmarks {
			fmt.Fprintf(w, "  %-20s %d/%d passed (%.0f%%)\n", //nolint:errcheck
				b.Name, b.Succeeded, b.Tasks, b.SuccessRate*100)
		}
		fmt.Fprintln(w) //nolint:errcheck
	}

	// Show failed tasks
	var failed []*models.TaskEntry
	for _, t := range art.Tasks {
		if t.Status.IsTerminal() && !t.Success {
			failed = append(failed, t)
		}
	}
	if len(failed) > 0 {
		fmt.Fprintln(w, "Failed Tasks:") //nolint:errcheck
		for _, t := range failed {
			fmt.Fprintf(w, "  - %s (%s)\n", t.TaskID, t.Status) //nolint:errcheck
			if t.ErrorMessage != "" {
				fmt.Fprintf(w, "    • %s\n", t.ErrorMessage) //nolint:errcheck
			}
		}
		fmt.Fprintln(w) //nolint:errcheck
	}
}
