package orchestration

import (
	"sync"

	"github.com/proctorhq/proctor/internal/models"
)

// ProgressListener receives progress updates
type ProgressListener func(event ProgressEvent)

// EventType represents the type of progress event
type EventType string

// EventType constants
const (
	EventRunStart     EventType = "run_start"
	EventRunComplete  EventType = "run_complete"
	EventTaskSent     EventType = "task_sent"
	EventTaskComplete EventType = "task_complete"
	EventEnvSwap      EventType = "env_swap"
	EventRunStopped   EventType = "run_stopped"
)

// ProgressEvent represents a progress update
type ProgressEvent struct {
	EventType  EventType
	TaskID     string
	TaskNum    int
	TotalTasks int
	Status     models.TaskStatus
	Reward     float64
	DurationMs int64
	Details    map[string]any
}

type progressNotifier struct {
	mu        sync.Mutex
	listeners []ProgressListener
}

func (p *progressNotifier) add(listener ProgressListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, listener)
}

func (p *progressNotifier) notify(event ProgressEvent) {
	p.mu.Lock()
	listeners := make([]ProgressListener, len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()

	for _, listener := range listeners {
		listener(event)
	}
}
