package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// SubprocessEnvironment drives a worker-side sandbox process over
// newline-delimited JSON on stdin/stdout. The task id is appended to the
// configured command line.
type SubprocessEnvironment struct {
	cmd    *exec.Cmd
	stdin  *json.Encoder
	closer interface{ Close() error }
	out    *bufio.Scanner
	taskID string
	seed   int
}

type envelope struct {
	Op      string       `json:"op"`
	TaskID  string       `json:"task_id,omitempty"`
	Seed    int          `json:"seed,omitempty"`
	Actions []wireAction `json:"actions,omitempty"`
}

type wireAction struct {
	Kind   string `json:"kind"`
	Params Action `json:"params"`
}

type reply struct {
	Observation Observation `json:"observation"`
	Reward      float64     `json:"reward"`
	Done        bool        `json:"done"`
	Truncated   bool        `json:"truncated"`
	LatencyMS   int         `json:"latency_ms"`
	Error       string      `json:"error,omitempty"`
}

// NewSubprocessFactory returns a Factory launching command with the task id
// appended as the final argument. The process gets its own process group so
// cleanup can take down everything it spawned.
func NewSubprocessFactory(command []string) Factory {
	return func(ctx context.Context, cfg TaskConfig) (Environment, error) {
		if len(command) == 0 {
			return nil, errors.New("sandbox: worker command not configured")
		}

		args := append(append([]string{}, command[1:]...), cfg.TaskID)
		//nolint:gosec // the command comes from the operator's plan file
		cmd := exec.Command(command[0], args...)
		cmd.Stderr = os.Stderr
		configureSysProc(cmd)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("sandbox: stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("sandbox: stdout pipe: %w", err)
		}

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("sandbox: starting worker environment: %w", err)
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

		return &SubprocessEnvironment{
			cmd:    cmd,
			stdin:  json.NewEncoder(stdin),
			closer: stdin,
			out:    scanner,
			taskID: cfg.TaskID,
			seed:   cfg.Seed,
		}, nil
	}
}

func (e *SubprocessEnvironment) roundTrip(ctx context.Context, msg envelope) (reply, error) {
	if err := ctx.Err(); err != nil {
		return reply{}, err
	}
	if err := e.stdin.Encode(msg); err != nil {
		return reply{}, fmt.Errorf("sandbox: writing %s: %w", msg.Op, err)
	}
	if !e.out.Scan() {
		if err := e.out.Err(); err != nil {
			return reply{}, fmt.Errorf("sandbox: reading %s reply: %w", msg.Op, err)
		}
		return reply{}, fmt.Errorf("sandbox: environment closed its pipe during %s", msg.Op)
	}

	var r reply
	if err := json.Unmarshal(e.out.Bytes(), &r); err != nil {
		return reply{}, fmt.Errorf("sandbox: decoding %s reply: %w", msg.Op, err)
	}
	if r.Error != "" {
		return reply{}, fmt.Errorf("sandbox: environment error: %s", r.Error)
	}
	return r, nil
}

// Reset initializes the task and returns the first observation.
func (e *SubprocessEnvironment) Reset(ctx context.Context) (Observation, error) {
	r, err := e.roundTrip(ctx, envelope{Op: "reset", TaskID: e.taskID, Seed: e.seed})
	if err != nil {
		return Observation{}, err
	}
	return r.Observation, nil
}

// Step applies an action batch and returns the step result. Latency is
// measured locally when the environment does not report it.
func (e *SubprocessEnvironment) Step(ctx context.Context, actions []Action) (StepResult, error) {
	wire := make([]wireAction, len(actions))
	for i, a := range actions {
		wire[i] = wireAction{Kind: a.Kind(), Params: a}
	}

	start := time.Now()
	r, err := e.roundTrip(ctx, envelope{Op: "step", Actions: wire})
	if err != nil {
		return StepResult{}, err
	}

	res := StepResult{
		Observation: r.Observation,
		Reward:      r.Reward,
		Done:        r.Done,
		Truncated:   r.Truncated,
		LatencyMS:   r.LatencyMS,
	}
	if res.LatencyMS == 0 {
		res.LatencyMS = int(time.Since(start).Milliseconds())
	}
	return res, nil
}

// Close shuts the worker process down, hard-killing its process group if it
// does not exit promptly.
func (e *SubprocessEnvironment) Close() error {
	_ = e.closer.Close()

	waited := make(chan error, 1)
	go func() { waited <- e.cmd.Wait() }()

	select {
	case err := <-waited:
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			return fmt.Errorf("sandbox: waiting for environment exit: %w", err)
		}
		return nil
	case <-time.After(5 * time.Second):
		terminateSysProc(e.cmd)
		<-waited
		return nil
	}
}
