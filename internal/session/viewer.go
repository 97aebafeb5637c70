package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// LogFile represents a run log file on disk.
type LogFile struct {
	Path      string
	Name      string
	Size      int64
	ModTime   time.Time
	NumEvents int
}

// ListLogs finds run log files (plain or compacted) in dir.
func ListLogs(dir string) ([]LogFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading run log directory: %w", err)
	}

	var files []LogFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !strings.HasSuffix(e.Name(), "-run.jsonl") && !strings.HasSuffix(e.Name(), "-run.jsonl.zst") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}

		path := filepath.Join(dir, e.Name())
		events, _ := ReadEvents(path) //nolint:errcheck
		files = append(files, LogFile{
			Path:      path,
			Name:      e.Name(),
			Size:      info.Size(),
			ModTime:   info.ModTime(),
			NumEvents: len(events),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime.After(files[j].ModTime)
	})

	return files, nil
}

// ReadEvents parses all events from a run log file, decompressing .zst logs
// transparently.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening run log: %w", err)
	}
	defer f.Close() //nolint:errcheck

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("opening compacted run log: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	var events []Event
	scanner := bufio.NewScanner(r)
	// Increase buffer for large lines.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue // skip malformed lines
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading run log: %w", err)
	}
	return events, nil
}

// RenderTimeline writes a human-readable run timeline to w.
//
//nolint:errcheck // display-only writes; errors are not actionable
func RenderTimeline(w io.Writer, events []Event) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events found.")
		return
	}

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════")
	fmt.Fprintln(w, " RUN TIMELINE")
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════")
	fmt.Fprintln(w)

	start := events[0].Timestamp
	for _, ev := range events {
		elapsed := ev.Timestamp.Sub(start)
		ts := formatDuration(elapsed)

		switch ev.Type {
		case EventRunStart:
			plan, _ := ev.Data["plan_name"].(string) //nolint:errcheck
			runID, _ := ev.Data["run_id"].(string)   //nolint:errcheck
			taskCount := jsonNumber(ev.Data["task_count"])
			fmt.Fprintf(w, "[%s] 🚀 Run started  plan=%s  run=%s  tasks=%d\n", ts, plan, runID, taskCount)

		case EventTaskDispatched:
			id, _ := ev.Data["task_id"].(string)       //nolint:errcheck
			action, _ := ev.Data["env_action"].(string) //nolint:errcheck
			num := jsonNumber(ev.Data["task_num"])
			total := jsonNumber(ev.Data["total_tasks"])
			fmt.Fprintf(w, "[%s] ▶  Task %d/%d: %s (env %s)\n", ts, num, total, id, action)

		case EventTaskComplete:
			id, _ := ev.Data["task_id"].(string)    //nolint:errcheck
			status, _ := ev.Data["status"].(string) //nolint:errcheck
			reward := jsonFloat(ev.Data["reward"])
			dur := jsonNumber(ev.Data["duration_ms"])
			icon := "✓"
			if status != "completed" {
				icon = "✗"
			}
			fmt.Fprintf(w, "[%s] %s  Task complete: %s [%s] reward=%.2f (%dms)\n", ts, icon, id, status, reward, dur)

		case EventWatchdogTimeout:
			id, _ := ev.Data["task_id"].(string) //nolint:errcheck
			silent := jsonFloat(ev.Data["seconds_silent"])
			fmt.Fprintf(w, "[%s] ⏱  Watchdog timeout: %s after %.1fs of silence\n", ts, id, silent)

		case EventCleanup:
			ok := jsonNumber(ev.Data["succeeded"])
			failed := jsonNumber(ev.Data["failed"])
			fmt.Fprintf(w, "[%s] 🧹 Cleanup: %d sessions cleaned, %d failed\n", ts, ok, failed)

		case EventError:
			msg, _ := ev.Data["message"].(string) //nolint:errcheck
			fmt.Fprintf(w, "[%s] ❌ Error: %s\n", ts, msg)

		case EventRunEnd:
			total := jsonNumber(ev.Data["total_tasks"])
			passed := jsonNumber(ev.Data["passed"])
			failed := jsonNumber(ev.Data["failed"])
			dur := jsonNumber(ev.Data["duration_ms"])
			fmt.Fprintf(w, "[%s] 🏁 Run complete  %d/%d passed  %d failed  (%dms)\n",
				ts, passed, total, failed, dur)

		default:
			fmt.Fprintf(w, "[%s] %s %v\n", ts, ev.Type, ev.Data)
		}
	}
	fmt.Fprintln(w)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%6dms", d.Milliseconds())
	}
	return fmt.Sprintf("%6.1fs", d.Seconds())
}

// jsonNumber extracts a number from a JSON-decoded interface{} (float64 or json.Number).
func jsonNumber(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		i, _ := n.Int64() //nolint:errcheck
		return int(i)
	}
	return 0
}

func jsonFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64() //nolint:errcheck
		return f
	}
	return 0
}
