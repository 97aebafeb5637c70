// Package watchdog tracks activity across the run and raises an inactivity
// timeout when the worker goes quiet. Before the first real interaction a
// longer grace timeout applies; the first qualifying pulse switches to the
// steady timeout for the rest of the run.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ActivityKind classifies what reset the timer.
type ActivityKind string

const (
	KindToolCall     ActivityKind = "tool_call"
	KindMessage      ActivityKind = "message"
	KindOrchestrator ActivityKind = "orchestrator"
	KindEnvStep      ActivityKind = "env_step"
	KindHeartbeat    ActivityKind = "heartbeat"
)

// qualifies reports whether the kind counts as a real worker interaction.
// Orchestrator bookkeeping and heartbeats keep the timer fresh but do not
// end the first-contact grace period.
func (k ActivityKind) qualifies() bool {
	switch k {
	case KindToolCall, KindMessage, KindEnvStep:
		return true
	}
	return false
}

// ActivityRecord is one entry in the bounded history.
type ActivityRecord struct {
	Kind    ActivityKind `json:"kind"`
	At      time.Time    `json:"at"`
	Details string       `json:"details,omitempty"`
}

// Status is a point-in-time snapshot for logging and the status API.
type Status struct {
	EffectiveTimeout     time.Duration `json:"effective_timeout"`
	SinceActivity        time.Duration `json:"since_activity"`
	Remaining            time.Duration `json:"remaining"`
	LastKind             ActivityKind  `json:"last_kind"`
	LastDetails          string        `json:"last_details,omitempty"`
	ActivityCount        int           `json:"activity_count"`
	Paused               bool          `json:"paused"`
	AwaitingFirstContact bool          `json:"awaiting_first_contact"`
}

// TimeoutError reports an inactivity timeout from Await.
type TimeoutError struct {
	Inactivity time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("activity watchdog timeout: %.1fs inactivity", e.Inactivity.Seconds())
}

const maxHistory = 100

// Watchdog is safe for concurrent use.
type Watchdog struct {
	mu sync.Mutex

	steadyTimeout       time.Duration
	firstContactTimeout time.Duration
	onTimeout           func()
	now                 func() time.Time
	logger              *slog.Logger

	lastActivity         time.Time
	lastKind             ActivityKind
	lastDetails          string
	count                int
	paused               bool
	awaitingFirstContact bool

	history []ActivityRecord
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithOnTimeout installs a callback invoked when a timeout check fires.
func WithOnTimeout(fn func()) Option {
	return func(w *Watchdog) { w.onTimeout = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) { w.now = now }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watchdog) { w.logger = logger }
}

// New creates a watchdog. The timer starts immediately: with no activity at
// all, the first-contact timeout eventually fires.
func New(steadyTimeout, firstContactTimeout time.Duration, opts ...Option) *Watchdog {
	w := &Watchdog{
		steadyTimeout:        steadyTimeout,
		firstContactTimeout:  firstContactTimeout,
		now:                  time.Now,
		logger:               slog.Default(),
		awaitingFirstContact: true,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.lastActivity = w.now()
	w.lastKind = KindHeartbeat
	w.lastDetails = "watchdog_initialized"
	return w
}

// Pulse records activity and resets the timer. The first qualifying pulse
// ends the first-contact grace period; the switch is one way.
func (w *Watchdog) Pulse(kind ActivityKind, details string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.lastActivity = now
	w.lastKind = kind
	w.lastDetails = details
	w.count++

	if w.awaitingFirstContact && kind.qualifies() {
		w.awaitingFirstContact = false
		w.logger.Info("first interaction detected, switching to steady timeout",
			"kind", kind, "steady", w.steadyTimeout, "initial", w.firstContactTimeout)
	}

	w.history = append(w.history, ActivityRecord{Kind: kind, At: now, Details: details})
	if len(w.history) > maxHistory {
		w.history = w.history[len(w.history)-maxHistory:]
	}
}

// Reset is an explicit heartbeat pulse.
func (w *Watchdog) Reset() {
	w.Pulse(KindHeartbeat, "manual_reset")
}

// TrackScope pulses on entry and returns a func to pulse on exit; defer it
// so error paths are covered too.
func (w *Watchdog) TrackScope(operation string) func() {
	w.Pulse(KindOrchestrator, operation+":start")
	return func() {
		w.Pulse(KindOrchestrator, operation+":end")
	}
}

// MarkFirstContact ends the grace period without a worker pulse.
func (w *Watchdog) MarkFirstContact() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.awaitingFirstContact {
		w.awaitingFirstContact = false
		w.logger.Info("initial phase completed", "steady", w.steadyTimeout)
	}
}

// Pause suspends timeout checks during expected dead time.
func (w *Watchdog) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = true
}

// Resume re-enables checks and resets the timer.
func (w *Watchdog) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = false
	w.lastActivity = w.now()
}

// SetSteadyTimeout updates the post-first-contact timeout, floored at one
// second.
func (w *Watchdog) SetSteadyTimeout(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if d < time.Second {
		d = time.Second
	}
	w.steadyTimeout = d
}

// EffectiveTimeout returns the timeout currently in force.
func (w *Watchdog) EffectiveTimeout() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.effectiveTimeoutLocked()
}

func (w *Watchdog) effectiveTimeoutLocked() time.Duration {
	if w.awaitingFirstContact {
		return w.firstContactTimeout
	}
	return w.steadyTimeout
}

// SinceActivity returns the elapsed time since the last pulse.
func (w *Watchdog) SinceActivity() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now().Sub(w.lastActivity)
}

// IsTimedOut reports whether inactivity has exceeded the effective timeout.
// A paused watchdog never times out.
func (w *Watchdog) IsTimedOut() bool {
	w.mu.Lock()
	if w.paused {
		w.mu.Unlock()
		return false
	}

	elapsed := w.now().Sub(w.lastActivity)
	timeout := w.effectiveTimeoutLocked()
	timedOut := elapsed > timeout
	kind := w.lastKind
	awaiting := w.awaitingFirstContact
	onTimeout := w.onTimeout
	w.mu.Unlock()

	if timedOut {
		phase := "steady"
		if awaiting {
			phase = "first-contact"
		}
		w.logger.Warn("inactivity timeout",
			"phase", phase, "elapsed", elapsed, "timeout", timeout, "last", kind)
		if onTimeout != nil {
			onTimeout()
		}
	}
	return timedOut
}

// Snapshot returns the current status.
func (w *Watchdog) Snapshot() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	since := w.now().Sub(w.lastActivity)
	timeout := w.effectiveTimeoutLocked()
	return Status{
		EffectiveTimeout:     timeout,
		SinceActivity:        since,
		Remaining:            timeout - since,
		LastKind:             w.lastKind,
		LastDetails:          w.lastDetails,
		ActivityCount:        w.count,
		Paused:               w.paused,
		AwaitingFirstContact: w.awaitingFirstContact,
	}
}

// RecentActivity returns up to n most recent records, oldest first.
func (w *Watchdog) RecentActivity(n int) []ActivityRecord {
	w.mu.Lock()
	defer w.mu.Unlock()

	if n <= 0 || n > len(w.history) {
		n = len(w.history)
	}
	out := make([]ActivityRecord, n)
	copy(out, w.history[len(w.history)-n:])
	return out
}

// Await runs op and returns its result unless the watchdog times out first.
// Unlike a fixed deadline, the check interval re-reads the watchdog so any
// concurrent activity keeps the operation alive. On timeout the op's context
// is canceled and its completion is awaited before returning.
func (w *Watchdog) Await(ctx context.Context, checkInterval time.Duration, op func(context.Context) error) error {
	if checkInterval <= 0 {
		checkInterval = 500 * time.Millisecond
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(opCtx)
	}()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			cancel()
			<-done
			return ctx.Err()
		case <-ticker.C:
			if w.IsTimedOut() {
				cancel()
				<-done
				return &TimeoutError{Inactivity: w.SinceActivity()}
			}
		}
	}
}
