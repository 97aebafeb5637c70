package sandbox

import (
	"context"
	"errors"
	"sync"
)

// ErrExecutorClosed is returned for jobs submitted after Close.
var ErrExecutorClosed = errors.New("sandbox: executor closed")

// SerialExecutor runs jobs one at a time on a single goroutine. Environment
// handles bind to the goroutine that created them, so every handle call in
// the manager goes through here.
type SerialExecutor struct {
	jobs chan func()

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// NewSerialExecutor starts the worker goroutine.
func NewSerialExecutor() *SerialExecutor {
	e := &SerialExecutor{
		jobs:   make(chan func()),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *SerialExecutor) loop() {
	defer close(e.done)
	for {
		select {
		case job := <-e.jobs:
			job()
		case <-e.closed:
			return
		}
	}
}

// Do runs fn on the executor goroutine and returns its error. Waiting for a
// slot respects ctx, but a job that started always runs to completion.
func (e *SerialExecutor) Do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	job := func() { result <- fn() }

	select {
	case e.jobs <- job:
	case <-e.closed:
		return ErrExecutorClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		// The job is already running; drain it in the background so the
		// worker goroutine is not blocked forever.
		go func() { <-result }()
		return ctx.Err()
	}
}

// Close stops the worker after the current job finishes.
func (e *SerialExecutor) Close() {
	e.closeOnce.Do(func() { close(e.closed) })
	<-e.done
}
