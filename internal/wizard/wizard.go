// Package wizard collects assessment plan metadata interactively.
package wizard

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/proctorhq/proctor/internal/scaffold"
)

// PlanSpec holds all fields collected during the interactive wizard.
type PlanSpec struct {
	Name           string
	Description    string
	WorkerEndpoint string
	TaskIDs        []string
	MaxToolCalls   int
	TaskTimeoutSec int
}

// RunPlanWizard runs an interactive huh form to collect plan metadata.
// If initialName is non-empty, it pre-populates the name field.
func RunPlanWizard(in io.Reader, out io.Writer, initialName string) (*PlanSpec, error) {
	defaults := scaffold.ReadProjectDefaults()

	var (
		name        = initialName
		description string
		endpoint    = defaults.WorkerEndpoint
		tasksRaw    string
		maxCalls    = "30"
		timeout     = "600"
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Plan name").
				Description("A kebab-case name for your assessment plan").
				Placeholder("nightly-web-suite").
				Value(&name).
				Validate(func(s string) error {
					return scaffold.ValidateName(strings.TrimSpace(s))
				}),
			huh.NewInput().
				Title("Description").
				Description("What does this plan assess?").
				Placeholder("Nightly browser benchmark sweep").
				Value(&description),
			huh.NewInput().
				Title("Worker endpoint").
				Description("HTTP endpoint the orchestrator dispatches tasks to").
				Value(&endpoint).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("worker endpoint is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Tasks").
				Description("Comma-separated task ids (benchmark.task), e.g. miniwob.click-test").
				Placeholder("miniwob.click-test, webarena.login").
				Value(&tasksRaw),
			huh.NewInput().
				Title("Tool call budget").
				Description("Maximum tool invocations per task (0 for unlimited)").
				Value(&maxCalls).
				Validate(validateNonNegativeInt),
			huh.NewInput().
				Title("Task timeout (seconds)").
				Value(&timeout).
				Validate(validatePositiveInt),
		),
	).
		WithInput(in).
		WithOutput(out)

	// Use accessible mode for non-TTY input (e.g., tests, piped input).
	if f, ok := in.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		form = form.WithAccessible(true)
	}

	if err := form.Run(); err != nil {
		return nil, fmt.Errorf("wizard failed: %w", err)
	}

	calls, _ := strconv.Atoi(strings.TrimSpace(maxCalls))
	timeoutSec, _ := strconv.Atoi(strings.TrimSpace(timeout))

	return &PlanSpec{
		Name:           strings.TrimSpace(name),
		Description:    strings.TrimSpace(description),
		WorkerEndpoint: strings.TrimSpace(endpoint),
		TaskIDs:        splitAndTrim(tasksRaw),
		MaxToolCalls:   calls,
		TaskTimeoutSec: timeoutSec,
	}, nil
}

// GeneratePlanYAML renders a plan file from the collected spec.
func GeneratePlanYAML(spec *PlanSpec) (string, error) {
	groups, order, bare := scaffold.GroupTasks(spec.TaskIDs)
	return scaffold.GeneratePlanYAML(scaffold.PlanParams{
		Name:           spec.Name,
		Description:    spec.Description,
		WorkerEndpoint: spec.WorkerEndpoint,
		MaxToolCalls:   spec.MaxToolCalls,
		TaskTimeoutSec: spec.TaskTimeoutSec,
		Benchmarks:     groups,
		BenchmarkOrder: order,
		Tasks:          bare,
	})
}

func validateNonNegativeInt(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return fmt.Errorf("must be a non-negative integer")
	}
	return nil
}

func validatePositiveInt(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return fmt.Errorf("must be a positive integer")
	}
	return nil
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
