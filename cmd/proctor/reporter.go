package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/proctorhq/proctor/internal/models"
	"github.com/proctorhq/proctor/internal/orchestration"
	"github.com/proctorhq/proctor/internal/spinner"
)

// runReporter turns orchestration progress events into console output.
// Simple mode prints one aligned line per completed task; verbose mode
// narrates dispatches and environment swaps as well.
type runReporter struct {
	w        io.Writer
	verbose  bool
	spinners bool
	stopSpin func()
}

func newRunReporter(w io.Writer, verbose bool) *runReporter {
	return &runReporter{
		w:        w,
		verbose:  verbose,
		spinners: isTerminal(w) && !verbose,
	}
}

func (r *runReporter) listen(ev orchestration.ProgressEvent) {
	switch ev.EventType {
	case orchestration.EventRunStart:
		fmt.Fprintf(r.w, "Dispatching %d task(s)...\n", ev.TotalTasks) //nolint:errcheck

	case orchestration.EventTaskSent:
		if r.spinners {
			r.stopSpin = spinner.Start(r.w, fmt.Sprintf("[%d/%d] %s", ev.TaskNum, ev.TotalTasks, ev.TaskID))
		} else if r.verbose {
			action := "sent"
			if a, ok := ev.Details["env_action"].(string); ok && a != "" {
				action = "sent (env " + a + ")"
			}
			fmt.Fprintf(r.w, "→ [%d/%d] %s %s\n", ev.TaskNum, ev.TotalTasks, ev.TaskID, action) //nolint:errcheck
		}

	case orchestration.EventTaskComplete:
		r.clearSpinner()
		r.printTaskLine(ev)

	case orchestration.EventEnvSwap:
		if r.verbose {
			if action, ok := ev.Details["action"].(string); ok {
				fmt.Fprintf(r.w, "  environment %s for %s\n", action, ev.TaskID) //nolint:errcheck
			}
		}

	case orchestration.EventRunStopped:
		r.clearSpinner()
		fmt.Fprintf(r.w, "⏹ stopping after failed task %s (fail_fast)\n", ev.TaskID) //nolint:errcheck

	case orchestration.EventRunComplete:
		r.clearSpinner()
	}
}

func (r *runReporter) printTaskLine(ev orchestration.ProgressEvent) {
	icon := "✓"
	if !ev.Status.IsSuccess() {
		icon = "✗"
	}

	label := padRight(ev.TaskID, 32)
	dur := time.Duration(ev.DurationMs) * time.Millisecond

	if ev.Status == models.StatusCompleted {
		fmt.Fprintf(r.w, "%s [%d/%d] %s reward=%.2f (%s)\n", //nolint:errcheck
			icon, ev.TaskNum, ev.TotalTasks, label, ev.Reward, formatElapsed(dur))
		return
	}
	fmt.Fprintf(r.w, "%s [%d/%d] %s %s (%s)\n", //nolint:errcheck
		icon, ev.TaskNum, ev.TotalTasks, label, ev.Status, formatElapsed(dur))
}

func (r *runReporter) clearSpinner() {
	if r.stopSpin != nil {
		r.stopSpin()
		r.stopSpin = nil
	}
}

func formatElapsed(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}

// padRight pads using display width so emoji and CJK ids stay aligned.
func padRight(s string, width int) string {
	w := runewidth.StringWidth(s)
	if w >= width {
		return s
	}
	padding := width - w
	result := make([]byte, 0, len(s)+padding)
	result = append(result, s...)
	for range padding {
		result = append(result, ' ')
	}
	return string(result)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
