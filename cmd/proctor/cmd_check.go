package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/proctorhq/proctor/internal/models"
	"github.com/proctorhq/proctor/internal/validation"
)

func newCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [plan.yaml ...]",
		Short: "Check if a plan is ready to run",
		Long: `Check if an assessment plan is ready to run.

Performs the following checks:
  1. Schema validation - plan structure against the plan schema
  2. Semantic validation - names, timeouts, non-empty task list
  3. Configuration review - worker endpoint, tool budget, watchdog timing

With no arguments, checks every *.yaml / *.yml file in the current
directory. Multiple plans get a summary table.`,
		Args:          cobra.ArbitraryArgs,
		RunE:          runCheck,
		SilenceErrors: true,
	}
	cmd.Flags().String("format", "text", "Output format: text | json")
	return cmd
}

// --- JSON output structs ---

type checkJSONReport struct {
	Timestamp string           `json:"timestamp"`
	Plans     []planJSONReport `json:"plans"`
}

type planJSONReport struct {
	Name       string          `json:"name"`
	Path       string          `json:"path"`
	Ready      bool            `json:"ready"`
	Tasks      int             `json:"tasks"`
	Benchmarks []string        `json:"benchmarks"`
	Schema     schemaJSON      `json:"schema"`
	Semantic   semanticJSON    `json:"semantic"`
	Config     *configJSON     `json:"config,omitempty"`
	Warnings   []string        `json:"warnings,omitempty"`
}

type schemaJSON struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

type semanticJSON struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

type configJSON struct {
	WorkerEndpoint    string `json:"workerEndpoint"`
	MaxToolCalls      int    `json:"maxToolCalls"`
	TaskTimeoutSec    int    `json:"taskTimeoutSec"`
	SteadyTimeoutSec  int    `json:"steadyTimeoutSec"`
	FirstContactSec   int    `json:"firstContactSec"`
	FailFast          bool   `json:"failFast"`
}

// planReport collects check results for one plan file.
type planReport struct {
	path        string
	planName    string
	schemaErrs  []string
	semanticErr string
	spec        *models.AssessmentSpec
	warnings    []string
}

func (r *planReport) ready() bool {
	return len(r.schemaErrs) == 0 && r.semanticErr == ""
}

func runCheck(cmd *cobra.Command, args []string) error {
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return err
	}
	if format != "text" && format != "json" {
		return fmt.Errorf("invalid format %q: expected text or json", format)
	}

	paths := args
	if len(paths) == 0 {
		paths, err = findPlanFiles(".")
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			return fmt.Errorf("no plan files found in current directory")
		}
	}

	w := cmd.OutOrStdout()
	var reports []*planReport
	for i, path := range paths {
		report := checkPlan(path)
		reports = append(reports, report)

		if format == "text" {
			if i > 0 {
				fmt.Fprintln(w) //nolint:errcheck
			}
			displayPlanReport(w, report)
		}
	}

	if format == "text" && len(reports) > 1 {
		printCheckSummaryTable(w, reports)
	}
	if format == "json" {
		if err := outputCheckJSON(cmd, reports); err != nil {
			return err
		}
	}

	for _, r := range reports {
		if !r.ready() {
			return fmt.Errorf("%d of %d plan(s) not ready", countNotReady(reports), len(reports))
		}
	}
	return nil
}

func countNotReady(reports []*planReport) int {
	n := 0
	for _, r := range reports {
		if !r.ready() {
			n++
		}
	}
	return n
}

func findPlanFiles(dir string) ([]string, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		paths = append(paths, matches...)
	}
	// Project config is not a plan.
	filtered := paths[:0]
	for _, p := range paths {
		if filepath.Base(p) == ".proctor.yaml" {
			continue
		}
		filtered = append(filtered, p)
	}
	sort.Strings(filtered)
	return filtered, nil
}

func checkPlan(path string) *planReport {
	report := &planReport{path: path}

	schemaErrs, err := validation.ValidatePlanFile(path)
	if err != nil {
		report.schemaErrs = []string{err.Error()}
		return report
	}
	report.schemaErrs = schemaErrs

	spec, err := models.LoadAssessmentSpec(path)
	if err != nil {
		report.semanticErr = err.Error()
		return report
	}
	report.spec = spec
	report.planName = spec.Name

	report.warnings = reviewConfig(spec)
	return report
}

// reviewConfig flags settings that are valid but likely unintended.
func reviewConfig(spec *models.AssessmentSpec) []string {
	var warnings []string

	if spec.Worker.Endpoint == "" {
		warnings = append(warnings, "worker endpoint is empty; dispatch will fail")
	}
	if len(spec.Worker.Command) == 0 {
		warnings = append(warnings, "no worker command configured; sandbox sessions will be external")
	}
	if spec.Config.MaxToolCalls == 0 {
		warnings = append(warnings, "max_tool_calls is 0; the default budget applies")
	}
	if spec.Config.SteadyTimeoutSec > 0 && spec.Config.FirstContactSec > 0 &&
		spec.Config.SteadyTimeoutSec > spec.Config.FirstContactSec {
		warnings = append(warnings, "steady_timeout_seconds exceeds first_interaction_timeout_seconds; the watchdog loosens after first contact")
	}
	if spec.Config.TaskTimeoutSec > 0 && spec.Config.TaskTimeout() < spec.Config.FirstContactTimeout() {
		warnings = append(warnings, "task_timeout_seconds is shorter than the first-contact window; tasks may time out before the worker responds")
	}
	if spec.Worker.ProcessPattern == "" && spec.Config.VerifyOrphanCleanup {
		warnings = append(warnings, "verify_orphan_cleanup is set but worker.process_pattern is empty; the orphan scan has nothing to match")
	}

	seen := map[string]bool{}
	for _, pt := range spec.PlannedTasks() {
		if seen[pt.TaskID] {
			warnings = append(warnings, fmt.Sprintf("duplicate task id %q", pt.TaskID))
		}
		seen[pt.TaskID] = true
	}
	return warnings
}

func benchmarkNames(spec *models.AssessmentSpec) []string {
	var names []string
	seen := map[string]bool{}
	for _, pt := range spec.PlannedTasks() {
		if !seen[pt.Benchmark] {
			seen[pt.Benchmark] = true
			names = append(names, pt.Benchmark)
		}
	}
	return names
}

// ---------------------------------------------------------------------------
// Shared display helpers.
//
// Convention:
//   Section header:  "emoji Title: summary\n"
//   Status line:     "   emoji  message\n"   (3-space indent, emoji, 2-space gap)
//
// 3-state icons:  ✅ = ok/passed   ⚠️ = warning   ❌ = error/failed
// ---------------------------------------------------------------------------

//nolint:errcheck
func writeSection(w io.Writer, emoji, title, summary string) {
	if summary != "" {
		fmt.Fprintf(w, "%s %s: %s\n", emoji, title, summary)
	} else {
		fmt.Fprintf(w, "%s %s\n", emoji, title)
	}
}

//nolint:errcheck
func writeStatus(w io.Writer, icon, message string) {
	fmt.Fprintf(w, "   %s  %s\n", icon, message)
}

func statusIcon(state string) string {
	switch state {
	case "ok":
		return "✅"
	case "warning":
		return "⚠️"
	case "error":
		return "❌"
	default:
		return "—"
	}
}

//nolint:errcheck // display function; fmt.Fprintf errors to stdout are not actionable
func displayPlanReport(w io.Writer, report *planReport) {
	fmt.Fprintf(w, "\n🔍 Plan Readiness Check\n")
	fmt.Fprintf(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

	name := report.planName
	if name == "" {
		name = filepath.Base(report.path)
	}
	fmt.Fprintf(w, "Plan: %s (%s)\n\n", name, report.path)

	// 1. Schema
	if len(report.schemaErrs) == 0 {
		writeSection(w, "📐", "Schema", "Valid")
		writeStatus(w, statusIcon("ok"), "Plan structure matches the schema.")
	} else {
		writeSection(w, "📐", "Schema", fmt.Sprintf("%d error(s)", len(report.schemaErrs)))
		for _, e := range report.schemaErrs {
			writeStatus(w, statusIcon("error"), e)
		}
	}
	fmt.Fprintf(w, "\n")

	// 2. Semantics
	if report.semanticErr != "" {
		writeSection(w, "🧩", "Semantics", "Failed")
		writeStatus(w, statusIcon("error"), report.semanticErr)
		fmt.Fprintf(w, "\n")
	} else if report.spec != nil {
		tasks := report.spec.PlannedTasks()
		benches := benchmarkNames(report.spec)
		writeSection(w, "🧩", "Semantics", "Valid")
		writeStatus(w, statusIcon("ok"),
			fmt.Sprintf("%d task(s) across %d benchmark(s): %s", len(tasks), len(benches), strings.Join(benches, ", ")))
		fmt.Fprintf(w, "\n")

		// 3. Configuration
		cfg := report.spec.Config
		writeSection(w, "⚙️", "Configuration", "")
		writeStatus(w, statusIcon("ok"), fmt.Sprintf("worker endpoint: %s", orUnset(report.spec.Worker.Endpoint)))
		writeStatus(w, statusIcon("ok"), fmt.Sprintf("tool budget: %d, task timeout: %s", cfg.MaxToolCalls, cfg.TaskTimeout()))
		writeStatus(w, statusIcon("ok"), fmt.Sprintf("watchdog: %s steady / %s first contact",
			cfg.SteadyTimeout(), cfg.FirstContactTimeout()))
		if cfg.StopOnError {
			writeStatus(w, statusIcon("ok"), "fail_fast: the run stops on the first failed task")
		}
		for _, warning := range report.warnings {
			writeStatus(w, statusIcon("warning"), warning)
		}
		fmt.Fprintf(w, "\n")
	}

	// Overall
	fmt.Fprintf(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	if report.ready() {
		fmt.Fprintf(w, "✅ Plan is ready to run.\n")
	} else {
		fmt.Fprintf(w, "⚠️  Plan needs fixes before it can run.\n")
	}
}

//nolint:errcheck
func printCheckSummaryTable(w io.Writer, reports []*planReport) {
	const colName = 24
	const colTasks = 7
	const colWarnings = 9
	totalWidth := colName + colTasks + colWarnings + 6 + 4

	fmt.Fprintf(w, "\n%s\n", strings.Repeat("═", totalWidth))
	fmt.Fprintf(w, " CHECK SUMMARY\n")
	fmt.Fprintf(w, "%s\n\n", strings.Repeat("═", totalWidth))

	fmt.Fprintf(w, "%s  %s  %s  %s\n",
		padRight("Plan", colName),
		padRight("Tasks", colTasks),
		padRight("Warnings", colWarnings),
		"Ready")
	fmt.Fprintf(w, "%s\n", strings.Repeat("─", totalWidth))

	for _, r := range reports {
		name := r.planName
		if name == "" {
			name = filepath.Base(r.path)
		}
		tasks := 0
		if r.spec != nil {
			tasks = len(r.spec.PlannedTasks())
		}
		ready := "✅"
		if !r.ready() {
			ready = "❌"
		}
		fmt.Fprintf(w, "%s  %s  %s  %s\n",
			padRight(name, colName),
			padRight(fmt.Sprintf("%d", tasks), colTasks),
			padRight(fmt.Sprintf("%d", len(r.warnings)), colWarnings),
			ready)
	}
	fmt.Fprintf(w, "\n")
}

func orUnset(s string) string {
	if s == "" {
		return "(unset)"
	}
	return s
}

func outputCheckJSON(cmd *cobra.Command, reports []*planReport) error {
	jsonReport := checkJSONReport{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Plans:     make([]planJSONReport, 0, len(reports)),
	}
	for _, r := range reports {
		jsonReport.Plans = append(jsonReport.Plans, buildPlanJSON(r))
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(jsonReport); err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}
	_, err := fmt.Fprint(cmd.OutOrStdout(), buf.String())
	return err
}

func buildPlanJSON(r *planReport) planJSONReport {
	jr := planJSONReport{
		Name:  r.planName,
		Path:  r.path,
		Ready: r.ready(),
		Schema: schemaJSON{
			Valid:  len(r.schemaErrs) == 0,
			Errors: r.schemaErrs,
		},
		Semantic: semanticJSON{
			Valid: r.semanticErr == "",
			Error: r.semanticErr,
		},
		Warnings: r.warnings,
	}
	if jr.Name == "" {
		jr.Name = filepath.Base(r.path)
	}
	if r.spec != nil {
		jr.Tasks = len(r.spec.PlannedTasks())
		jr.Benchmarks = benchmarkNames(r.spec)
		jr.Config = &configJSON{
			WorkerEndpoint:   r.spec.Worker.Endpoint,
			MaxToolCalls:     r.spec.Config.MaxToolCalls,
			TaskTimeoutSec:   r.spec.Config.TaskTimeoutSec,
			SteadyTimeoutSec: r.spec.Config.SteadyTimeoutSec,
			FirstContactSec:  r.spec.Config.FirstContactSec,
			FailFast:         r.spec.Config.StopOnError,
		}
	}
	return jr
}
