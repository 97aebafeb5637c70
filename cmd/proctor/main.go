package main

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes for different failure modes
const (
	ExitSuccess    = 0 // All tasks passed
	ExitTaskFailed = 1 // One or more tasks failed
	ExitError      = 2 // Configuration or runtime error
)

// TaskFailureError indicates that the run itself finished, but one or more
// tasks did not pass.
type TaskFailureError struct {
	Message string
}

func (e *TaskFailureError) Error() string {
	return e.Message
}

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)

		// Check error type to determine exit code
		var taskErr *TaskFailureError
		if errors.As(err, &taskErr) {
			os.Exit(ExitTaskFailed)
		}

		// All other errors are configuration/runtime errors
		os.Exit(ExitError)
	}
}
