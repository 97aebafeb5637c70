package sharedstate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Channel is one end of the state file. Both processes construct a Channel
// over the same session id and directory; every mutation is a
// read-modify-write under an atomic rename, so a reader never observes a
// half-written record.
type Channel struct {
	sessionID   string
	benchmarkID string
	taskID      string
	path        string
	mu          sync.Mutex
	logger      *slog.Logger
}

// NewChannel creates a channel for the given session. stateDir defaults to
// the OS temp directory.
func NewChannel(sessionID, benchmarkID, taskID, stateDir string, logger *slog.Logger) *Channel {
	if stateDir == "" {
		stateDir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		sessionID:   sessionID,
		benchmarkID: benchmarkID,
		taskID:      taskID,
		path:        filepath.Join(stateDir, fmt.Sprintf("proctor_eval_%s.json", sessionID)),
		logger:      logger,
	}
}

// Path returns the state file location.
func (c *Channel) Path() string {
	return c.path
}

// Initialize writes a fresh record for the session, discarding any previous
// contents.
func (c *Channel) Initialize(maxToolCalls int) error {
	if maxToolCalls <= 0 {
		maxToolCalls = DefaultMaxToolCalls
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st := EvaluationState{
		SessionID:    c.sessionID,
		BenchmarkID:  c.benchmarkID,
		TaskID:       c.taskID,
		MaxToolCalls: maxToolCalls,
		Initialized:  true,
	}
	return c.writeLocked(st)
}

// Read returns the current state. A missing or unreadable file yields the
// zero value carrying only the session id, never an error; the poll loop
// treats that as "nothing reported yet".
func (c *Channel) Read() EvaluationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readLocked()
}

func (c *Channel) readLocked() EvaluationState {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("failed to read state file", "path", c.path, "error", err)
		}
		return EvaluationState{SessionID: c.sessionID}
	}

	var st EvaluationState
	if err := json.Unmarshal(data, &st); err != nil {
		c.logger.Warn("state file corrupt, treating as empty", "path", c.path, "error", err)
		return EvaluationState{SessionID: c.sessionID}
	}
	return st
}

func (c *Channel) writeLocked(st EvaluationState) error {
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".proctor-state-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		os.Remove(tmpName)
		return fmt.Errorf("writing state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

func (c *Channel) mutate(fn func(*EvaluationState)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.readLocked()
	fn(&st)
	return c.writeLocked(st)
}

// RecordToolInvocation increments the invocation counter and stamps the
// trail. Returns the new count.
func (c *Channel) RecordToolInvocation(tool string) (int, error) {
	var count int
	err := c.mutate(func(st *EvaluationState) {
		st.ToolInvocations++
		st.LastTool = tool
		st.LastToolTimestamp = time.Now().UTC().Format(time.RFC3339Nano)
		count = st.ToolInvocations
	})
	return count, err
}

// CheckAndMarkToolLimit reports whether the task's tool budget is spent. On
// the first exceeding call it marks exceeded, truncated and completed in a
// single write so a poller never sees the flags disagree.
func (c *Channel) CheckAndMarkToolLimit() (bool, error) {
	var exceeded bool
	err := c.mutate(func(st *EvaluationState) {
		if st.MaxToolCalls > 0 && st.ToolInvocations >= st.MaxToolCalls {
			st.ToolCallsExceeded = true
			st.Truncated = true
			st.TaskCompleted = true
			exceeded = true
		}
	})
	return exceeded, err
}

// SetMaxToolCalls updates the per-task tool budget.
func (c *Channel) SetMaxToolCalls(limit int) error {
	return c.mutate(func(st *EvaluationState) {
		st.MaxToolCalls = limit
	})
}

// AddTokens adds to the cumulative token count. Each batch of tokens
// corresponds to one observation served to the worker.
func (c *Channel) AddTokens(tokens int) error {
	return c.mutate(func(st *EvaluationState) {
		st.TotalTokens += tokens
		st.ObservationCount++
	})
}

// AddLatency adds to the cumulative environment latency.
func (c *Channel) AddLatency(ms int) error {
	return c.mutate(func(st *EvaluationState) {
		st.TotalLatencyMS += ms
	})
}

// AddActions adds to the cumulative action count.
func (c *Channel) AddActions(count int) error {
	return c.mutate(func(st *EvaluationState) {
		st.ActionCount += count
	})
}

// UpdateTaskState folds one environment step result into the record. The
// reward is combined with a running max so a late zero-reward step cannot
// erase an earlier success signal. done or truncated marks the task
// completed; success means the goal was reached (done) or a positive reward
// was ever seen.
func (c *Channel) UpdateTaskState(reward float64, done, truncated bool) error {
	return c.mutate(func(st *EvaluationState) {
		if reward > st.FinalReward {
			st.FinalReward = reward
		}
		st.Done = done
		st.Truncated = truncated

		if done || truncated {
			st.TaskCompleted = true
			st.TaskSuccess = done || st.FinalReward > 0
		}
	})
}

// ResetForNewTask clears completion, reward, error and per-task tool
// tracking so the next task can be monitored independently. Cumulative
// token, latency, action and observation counters survive the reset.
func (c *Channel) ResetForNewTask(taskID, benchmarkID string) error {
	c.mu.Lock()
	c.taskID = taskID
	if benchmarkID != "" {
		c.benchmarkID = benchmarkID
	}
	c.mu.Unlock()

	return c.mutate(func(st *EvaluationState) {
		st.TaskID = taskID
		if benchmarkID != "" {
			st.BenchmarkID = benchmarkID
		}

		st.TaskCompleted = false
		st.TaskSuccess = false
		st.FinalReward = 0
		st.Done = false
		st.Truncated = false
		st.Error = ""

		st.ToolInvocations = 0
		st.ToolCallsExceeded = false

		st.LastTool = ""
		st.LastToolTimestamp = ""
	})
}

// MarkTaskCompleted force-completes the current task, used when the task
// ends by timeout, error or explicit signal rather than an environment flag.
func (c *Channel) MarkTaskCompleted(success bool, reason string) error {
	return c.mutate(func(st *EvaluationState) {
		st.TaskCompleted = true
		st.TaskSuccess = success
		if reason == "timeout" {
			st.Truncated = true
		}
		if reason != "" && st.Error == "" {
			st.Error = "task ended: " + reason
		}
	})
}

// MarkCleanupCalled records environment teardown and settles final success
// from the reward.
func (c *Channel) MarkCleanupCalled() error {
	return c.mutate(func(st *EvaluationState) {
		st.CleanupCalled = true
		st.TaskCompleted = true
		st.TaskSuccess = st.FinalReward > 0
	})
}

// SetError records an error message.
func (c *Channel) SetError(msg string) error {
	return c.mutate(func(st *EvaluationState) {
		st.Error = msg
	})
}

// Cleanup removes the state file. Safe to call more than once.
func (c *Channel) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing state file: %w", err)
	}
	return nil
}
