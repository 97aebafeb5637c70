// Package reporting renders run artifacts for humans: a plain-language
// terminal summary, a markdown report, and its HTML form for the dashboard.
package reporting

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/proctorhq/proctor/internal/models"
	"github.com/proctorhq/proctor/internal/statistics"
)

// ciSeed keeps report output stable across renders of the same artifact.
const ciSeed = 1

// rewardInterval bootstraps a 95% confidence interval over the rewards of
// terminal tasks. Returns false when fewer than 2 tasks finished.
func rewardInterval(a *models.RunArtifact) (statistics.ConfidenceInterval, bool) {
	var rewards []float64
	for _, t := range a.Tasks {
		if t.Status.IsTerminal() {
			rewards = append(rewards, t.FinalReward)
		}
	}
	if len(rewards) < 2 {
		return statistics.ConfidenceInterval{}, false
	}
	return statistics.BootstrapCIWithSeed(rewards, 0.95, ciSeed), true
}

// InterpretSuccessRate returns a human-readable explanation of a success
// rate (0–1).
func InterpretSuccessRate(rate float64) string {
	pct := rate * 100
	switch {
	case pct >= 100:
		return fmt.Sprintf("All tasks succeeded (%.0f%%)", pct)
	case pct >= 80:
		return fmt.Sprintf("Most tasks succeeded (%.0f%%)", pct)
	case pct >= 50:
		return fmt.Sprintf("About half the tasks succeeded (%.0f%%)", pct)
	default:
		return fmt.Sprintf("Few tasks succeeded (%.0f%%)", pct)
	}
}

// InterpretReward returns a plain-language label for an average reward (0–1).
func InterpretReward(reward float64) string {
	pct := reward * 100
	switch {
	case pct > 90:
		return "Excellent (>90%)"
	case pct >= 70:
		return "Good (70-90%)"
	case pct >= 50:
		return "Needs Work (50-70%)"
	default:
		return "Poor (<50%)"
	}
}

func averageReward(a *models.RunArtifact) float64 {
	if a.Totals.Tasks == 0 {
		return 0
	}
	return a.Totals.RewardSum / float64(a.Totals.Tasks)
}

// FormatSummaryReport produces a plain-language report from a run artifact.
func FormatSummaryReport(a *models.RunArtifact) string {
	var b strings.Builder

	duration := time.Duration(a.DurationSeconds * float64(time.Second)).Round(time.Millisecond)

	b.WriteString("=== Interpretation ===\n\n")
	b.WriteString(fmt.Sprintf("Average Reward: %.2f (%s)\n", averageReward(a), InterpretReward(averageReward(a))))
	b.WriteString(fmt.Sprintf("Success Rate:   %s\n", InterpretSuccessRate(a.Totals.SuccessRate)))
	b.WriteString(fmt.Sprintf("Duration:       %v\n", duration))
	if ci, ok := rewardInterval(a); ok {
		b.WriteString(fmt.Sprintf("Reward 95%% CI:  [%.2f, %.2f]\n", ci.Lower, ci.Upper))
	}

	if a.Totals.Tasks > 0 {
		b.WriteString(fmt.Sprintf("Tasks:          %d succeeded, %d failed, %d timed out, %d hit the tool budget out of %d total\n",
			a.Totals.Succeeded, a.Totals.Failed-a.Totals.TimedOut-a.Totals.ToolLimited,
			a.Totals.TimedOut, a.Totals.ToolLimited, a.Totals.Tasks))
	}
	if a.Partial {
		b.WriteString("Note:           the run ended before every task reached a terminal state.\n")
	}

	if len(a.Tasks) > 0 {
		b.WriteString("\nPer-Task Results:\n")
		for _, t := range a.Tasks {
			icon := "✓"
			if !t.Success {
				icon = "✗"
			}
			b.WriteString(fmt.Sprintf("  %s %s: %s (reward %.2f)\n", icon, t.TaskID, t.Status, t.FinalReward))
			if t.ErrorMessage != "" {
				b.WriteString(fmt.Sprintf("    %s\n", t.ErrorMessage))
			}
		}
	}

	return b.String()
}

// MarkdownReport renders the artifact as a markdown document.
func MarkdownReport(a *models.RunArtifact) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Assessment run %s\n\n", a.RunID)
	fmt.Fprintf(&b, "Plan: **%s**  \n", a.PlanName)
	fmt.Fprintf(&b, "Started: %s  \n", a.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Duration: %.1fs\n\n", a.DurationSeconds)

	fmt.Fprintf(&b, "## Totals\n\n")
	fmt.Fprintf(&b, "| Tasks | Succeeded | Failed | Timed out | Tool limited | Success rate |\n")
	fmt.Fprintf(&b, "| --- | --- | --- | --- | --- | --- |\n")
	fmt.Fprintf(&b, "| %d | %d | %d | %d | %d | %.0f%% |\n\n",
		a.Totals.Tasks, a.Totals.Succeeded, a.Totals.Failed,
		a.Totals.TimedOut, a.Totals.ToolLimited, a.Totals.SuccessRate*100)

	if ci, ok := rewardInterval(a); ok {
		fmt.Fprintf(&b, "Mean reward %.2f, 95%% bootstrap CI [%.2f, %.2f].\n\n", ci.Mean, ci.Lower, ci.Upper)
	}

	if len(a.Benchmarks) > 0 {
		fmt.Fprintf(&b, "## Benchmarks\n\n")
		fmt.Fprintf(&b, "| Benchmark | Tasks | Succeeded | Success rate | Reward sum |\n")
		fmt.Fprintf(&b, "| --- | --- | --- | --- | --- |\n")
		for _, bench := range a.Benchmarks {
			fmt.Fprintf(&b, "| %s | %d | %d | %.0f%% | %.2f |\n",
				bench.Name, bench.Tasks, bench.Succeeded, bench.SuccessRate*100, bench.RewardSum)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Tasks\n\n")
	fmt.Fprintf(&b, "| # | Task | Status | Reward | Tool calls | Tokens | Elapsed |\n")
	fmt.Fprintf(&b, "| --- | --- | --- | --- | --- | --- | --- |\n")
	for _, t := range a.Tasks {
		fmt.Fprintf(&b, "| %d | %s | %s | %.2f | %d | %d | %.1fs |\n",
			t.Index+1, t.TaskID, t.Status, t.FinalReward,
			t.Metrics.ToolCalls, t.Metrics.Tokens, t.ElapsedSeconds)
	}

	var errored []*models.TaskEntry
	for _, t := range a.Tasks {
		if t.ErrorMessage != "" {
			errored = append(errored, t)
		}
	}
	if len(errored) > 0 {
		fmt.Fprintf(&b, "\n## Errors\n\n")
		for _, t := range errored {
			fmt.Fprintf(&b, "- `%s`: %s\n", t.TaskID, t.ErrorMessage)
		}
	}

	if a.Partial {
		b.WriteString("\n> Partial results: the run ended before every task completed.\n")
	}

	return b.String()
}

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// RenderHTML converts a markdown report to HTML for the dashboard.
func RenderHTML(markdown string) ([]byte, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return nil, fmt.Errorf("rendering markdown report: %w", err)
	}
	return buf.Bytes(), nil
}

// HTMLReport renders the artifact straight to HTML.
func HTMLReport(a *models.RunArtifact) ([]byte, error) {
	return RenderHTML(MarkdownReport(a))
}
