// Package scaffold provides shared template functions for generating
// starter assessment plans, used by both proctor new and the plan wizard.
package scaffold

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// ValidateName rejects names with path-traversal characters or empty names.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("plan name must not be empty")
	}
	cleaned := filepath.Clean(name)
	if cleaned == ".." || strings.Contains(cleaned, "/") || strings.Contains(cleaned, "\\") {
		return fmt.Errorf("plan name %q contains invalid path characters", name)
	}
	return nil
}

// TitleCase converts a kebab-case name to Title Case.
func TitleCase(s string) string {
	words := strings.Split(s, "-")
	for i, w := range words {
		if len(w) > 0 {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// ProjectDefaults are plan defaults read from a .proctor.yaml in or above
// the working directory.
type ProjectDefaults struct {
	WorkerEndpoint string
	ResultsDir     string
}

// ReadProjectDefaults reads defaults from .proctor.yaml if one exists.
// Falls back to a loopback worker endpoint and ./results.
func ReadProjectDefaults() ProjectDefaults {
	d := ProjectDefaults{
		WorkerEndpoint: "http://127.0.0.1:9000/tasks",
		ResultsDir:     "results",
	}

	dir, err := os.Getwd()
	if err != nil {
		return d
	}
	for i := 0; i < 10; i++ {
		data, err := os.ReadFile(filepath.Join(dir, ".proctor.yaml"))
		if err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				line = strings.TrimSpace(line)
				if strings.HasPrefix(line, "worker_endpoint:") {
					if v := strings.TrimSpace(strings.TrimPrefix(line, "worker_endpoint:")); v != "" {
						d.WorkerEndpoint = v
					}
				}
				if strings.HasPrefix(line, "results_directory:") {
					if v := strings.TrimSpace(strings.TrimPrefix(line, "results_directory:")); v != "" {
						d.ResultsDir = v
					}
				}
			}
			return d
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return d
}

// PlanParams feeds the starter plan template.
type PlanParams struct {
	Name            string
	Description     string
	WorkerEndpoint  string
	WorkerCommand   []string
	ResultsDir      string
	MaxToolCalls    int
	TaskTimeoutSec  int
	SteadyTimeout   int
	FirstContactSec int
	Benchmarks      map[string][]string
	BenchmarkOrder  []string
	Tasks           []string
}

const planTemplate = `name: {{ .Name }}
{{- if .Description }}
description: {{ .Description }}
{{- end }}
version: "1.0"
config:
  max_tool_calls: {{ .MaxToolCalls }}
  task_timeout_seconds: {{ .TaskTimeoutSec }}
  steady_timeout_seconds: {{ .SteadyTimeout }}
  first_interaction_timeout_seconds: {{ .FirstContactSec }}
  results_directory: {{ .ResultsDir }}
worker:
  endpoint: {{ .WorkerEndpoint }}
{{- if .WorkerCommand }}
  command:
{{- range .WorkerCommand }}
    - {{ . }}
{{- end }}
{{- end }}
{{- if .BenchmarkOrder }}
benchmarks:
{{- range $name := .BenchmarkOrder }}
  - name: {{ $name }}
    tasks:
{{- range index $.Benchmarks $name }}
      - {{ . }}
{{- end }}
{{- end }}
{{- end }}
{{- if .Tasks }}
tasks:
{{- range .Tasks }}
  - {{ . }}
{{- end }}
{{- end }}
`

// GeneratePlanYAML renders a starter plan from the given parameters.
func GeneratePlanYAML(p PlanParams) (string, error) {
	if err := ValidateName(p.Name); err != nil {
		return "", err
	}
	applyPlanDefaults(&p)

	tmpl, err := template.New("plan").Parse(planTemplate)
	if err != nil {
		return "", fmt.Errorf("parsing plan template: %w", err)
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, p); err != nil {
		return "", fmt.Errorf("rendering plan template: %w", err)
	}
	return buf.String(), nil
}

func applyPlanDefaults(p *PlanParams) {
	defaults := ReadProjectDefaults()
	if p.WorkerEndpoint == "" {
		p.WorkerEndpoint = defaults.WorkerEndpoint
	}
	if p.ResultsDir == "" {
		p.ResultsDir = defaults.ResultsDir
	}
	if p.MaxToolCalls == 0 {
		p.MaxToolCalls = 30
	}
	if p.TaskTimeoutSec == 0 {
		p.TaskTimeoutSec = 600
	}
	if p.SteadyTimeout == 0 {
		p.SteadyTimeout = 8
	}
	if p.FirstContactSec == 0 {
		p.FirstContactSec = 20
	}
	if len(p.Benchmarks) == 0 && len(p.Tasks) == 0 {
		p.Benchmarks = map[string][]string{
			"miniwob": {"miniwob.click-test", "miniwob.click-button"},
		}
		p.BenchmarkOrder = []string{"miniwob"}
	}
}

// GroupTasks splits dotted task ids into benchmark groups, preserving first-
// seen benchmark order. Ids without a dot become bare tasks.
func GroupTasks(taskIDs []string) (groups map[string][]string, order []string, bare []string) {
	groups = map[string][]string{}
	for _, id := range taskIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		i := strings.Index(id, ".")
		if i <= 0 {
			bare = append(bare, id)
			continue
		}
		bench := id[:i]
		if _, ok := groups[bench]; !ok {
			order = append(order, bench)
		}
		groups[bench] = append(groups[bench], id)
	}
	return groups, order, bare
}
