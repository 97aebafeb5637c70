// Package messaging sends task assignments to the remote worker agent. The
// exchange is fire-and-forget: a 2xx acknowledgment means the worker took
// the task, and completion is only ever observed through the shared state
// channel, never through the response body.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// TaskDispatch is the assignment payload sent to the worker.
type TaskDispatch struct {
	RunID        string `json:"run_id"`
	SessionID    string `json:"session_id"`
	TaskID       string `json:"task_id"`
	Benchmark    string `json:"benchmark"`
	Index        int    `json:"task_index"`
	Total        int    `json:"total_tasks"`
	Goal         string `json:"goal,omitempty"`
	MaxToolCalls int    `json:"max_tool_calls"`
	// EnvironmentAction tells the worker what happened to the sandbox
	// between tasks: "created", "switched" or "recreated".
	EnvironmentAction string `json:"environment_action"`
	ToolServerAddr    string `json:"tool_server_addr,omitempty"`
}

// Dispatcher delivers task assignments.
type Dispatcher interface {
	DispatchTask(ctx context.Context, d TaskDispatch) error
}

// HTTPDispatcher posts assignments to the worker's endpoint.
type HTTPDispatcher struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPDispatcher creates a dispatcher for the given endpoint. The timeout
// bounds the whole exchange; it should be generous because some workers ack
// only after loading the task.
func NewHTTPDispatcher(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPDispatcher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// DispatchTask posts the assignment and returns once the worker
// acknowledges it.
func (h *HTTPDispatcher) DispatchTask(ctx context.Context, d TaskDispatch) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding dispatch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	h.logger.Info("dispatching task", "task", d.TaskID, "index", d.Index+1, "total", d.Total, "endpoint", h.endpoint)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatching task %s: %w", d.TaskID, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	// The body is drained for connection reuse and otherwise ignored.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("worker rejected task %s: %s", d.TaskID, resp.Status)
	}
	return nil
}
