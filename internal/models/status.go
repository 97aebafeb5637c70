package models

// TaskStatus tracks a task through the dispatch lifecycle.
type TaskStatus string

const (
	StatusPending     TaskStatus = "pending"
	StatusSent        TaskStatus = "sent"
	StatusRunning     TaskStatus = "running"
	StatusCompleted   TaskStatus = "completed"
	StatusFailed      TaskStatus = "failed"
	StatusTimeout     TaskStatus = "timeout"
	StatusToolLimit   TaskStatus = "tool_limit"
	StatusSendTimeout TaskStatus = "send_timeout"
)

// IsTerminal reports whether the status is final. Terminal entries are
// immutable; later completion attempts are ignored.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusToolLimit, StatusSendTimeout:
		return true
	}
	return false
}

// IsSuccess reports whether the status counts toward the pass rate.
// Only completed tasks can succeed; the Success flag on the entry still
// decides whether the completed task actually passed.
func (s TaskStatus) IsSuccess() bool {
	return s == StatusCompleted
}
