// Package session records the run's event stream as newline-delimited JSON,
// optionally compacted with zstd when the run closes.
package session

import "time"

// EventType identifies the kind of run event.
type EventType string

const (
	EventRunStart        EventType = "run_start"
	EventRunEnd          EventType = "run_complete"
	EventTaskDispatched  EventType = "task_dispatched"
	EventTaskComplete    EventType = "task_complete"
	EventWatchdogTimeout EventType = "watchdog_timeout"
	EventCleanup         EventType = "cleanup"
	EventError           EventType = "error"
)

// Event is a single timestamped entry in a run log.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event with the current timestamp.
func NewEvent(t EventType, data map[string]any) Event {
	return Event{
		Timestamp: time.Now().UTC(),
		Type:      t,
		Data:      data,
	}
}

// RunStartData returns event data for a run start.
func RunStartData(runID, planName string, taskCount int) map[string]any {
	return map[string]any{
		"run_id":     runID,
		"plan_name":  planName,
		"task_count": taskCount,
	}
}

// RunEndData returns event data for a run end.
func RunEndData(totalTasks, passed, failed int, durationMs int64) map[string]any {
	return map[string]any{
		"total_tasks": totalTasks,
		"passed":      passed,
		"failed":      failed,
		"duration_ms": durationMs,
	}
}

// TaskDispatchedData returns event data for a task handoff to the worker.
func TaskDispatchedData(taskID string, taskNum, totalTasks int, envAction string) map[string]any {
	return map[string]any{
		"task_id":     taskID,
		"task_num":    taskNum,
		"total_tasks": totalTasks,
		"env_action":  envAction,
	}
}

// TaskCompleteData returns event data for a task completion.
func TaskCompleteData(taskID, status string, reward float64, durationMs int64) map[string]any {
	return map[string]any{
		"task_id":     taskID,
		"status":      status,
		"reward":      reward,
		"duration_ms": durationMs,
	}
}

// WatchdogTimeoutData returns event data for an inactivity timeout.
func WatchdogTimeoutData(taskID string, secondsSilent float64) map[string]any {
	return map[string]any{
		"task_id":        taskID,
		"seconds_silent": secondsSilent,
	}
}

// CleanupData returns event data for a session cleanup sweep.
func CleanupData(succeeded, failed int) map[string]any {
	return map[string]any{
		"succeeded": succeeded,
		"failed":    failed,
	}
}

// ErrorData returns event data for an error.
func ErrorData(message string, details map[string]any) map[string]any {
	d := map[string]any{
		"message": message,
	}
	for k, v := range details {
		d[k] = v
	}
	return d
}
