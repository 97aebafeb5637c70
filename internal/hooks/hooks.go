package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// HookConfig defines a single hook command.
type HookConfig struct {
	Command          string `yaml:"command" json:"command"`
	WorkingDirectory string `yaml:"working_directory,omitempty" json:"working_directory,omitempty"`
	ExitCodes        []int  `yaml:"exit_codes,omitempty" json:"exit_codes,omitempty"`
	ErrorOnFail      bool   `yaml:"error_on_fail,omitempty" json:"error_on_fail,omitempty"`
}

// HooksConfig holds all lifecycle hooks of an assessment plan.
type HooksConfig struct {
	BeforeRun  []HookConfig `yaml:"before_run,omitempty" json:"before_run,omitempty"`
	AfterRun   []HookConfig `yaml:"after_run,omitempty" json:"after_run,omitempty"`
	BeforeTask []HookConfig `yaml:"before_task,omitempty" json:"before_task,omitempty"`
	AfterTask  []HookConfig `yaml:"after_task,omitempty" json:"after_task,omitempty"`
}

// Runner executes hook commands at lifecycle points.
type Runner struct {
	Verbose bool
	Logger  *slog.Logger
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Execute runs all hooks for a lifecycle point. name identifies the point
// (e.g. "before_run") for logging and error context. taskID is empty for
// run-level hooks and is exported as PROCTOR_TASK_ID for task-level ones.
func (r *Runner) Execute(ctx context.Context, name, taskID string, hooks []HookConfig) error {
	for i, h := range hooks {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("hook %s: context canceled: %w", name, err)
		}

		if err := r.runHook(ctx, name, taskID, i, h); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runHook(ctx context.Context, name, taskID string, index int, h HookConfig) error {
	if strings.TrimSpace(h.Command) == "" {
		return fmt.Errorf("hook %s[%d]: empty command", name, index)
	}

	parts := strings.Fields(h.Command)
	//nolint:gosec // hook commands come from the operator's plan file, not untrusted input
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)

	if h.WorkingDirectory != "" {
		cmd.Dir = h.WorkingDirectory
	}
	cmd.Env = os.Environ()
	if taskID != "" {
		cmd.Env = append(cmd.Env, "PROCTOR_TASK_ID="+taskID)
	}

	output, err := cmd.CombinedOutput()

	if r.Verbose && len(output) > 0 {
		fmt.Printf("[hook:%s] %s\n", name, string(output))
	}

	if err != nil {
		var exitErr *exec.ExitError
		if ok := errors.As(err, &exitErr); ok {
			exitCode := exitErr.ExitCode()

			if !isAcceptableExit(exitCode, h.ExitCodes) {
				if h.ErrorOnFail {
					return fmt.Errorf("hook %s[%d]: command exited with code %d", name, index, exitCode)
				}
				r.logger().Warn("hook exited nonzero, continuing", "hook", name, "index", index, "code", exitCode)
			}
		} else {
			// Non-exit error (e.g. command not found)
			if h.ErrorOnFail {
				return fmt.Errorf("hook %s[%d]: %w", name, index, err)
			}
			r.logger().Warn("hook failed, continuing", "hook", name, "index", index, "error", err)
		}
		return nil
	}

	// err == nil means exit code 0; verify 0 is acceptable
	if !isAcceptableExit(0, h.ExitCodes) {
		if h.ErrorOnFail {
			return fmt.Errorf("hook %s[%d]: command exited with code 0 but expected %v", name, index, h.ExitCodes)
		}
		r.logger().Warn("hook exited 0 but another code was expected, continuing", "hook", name, "index", index, "expected", h.ExitCodes)
	}

	return nil
}

// isAcceptableExit checks whether exitCode is in the allowed list.
// An empty allowedCodes list defaults to allowing only exit code 0.
func isAcceptableExit(exitCode int, allowedCodes []int) bool {
	if len(allowedCodes) == 0 {
		return exitCode == 0
	}
	for _, code := range allowedCodes {
		if exitCode == code {
			return true
		}
	}
	return false
}
