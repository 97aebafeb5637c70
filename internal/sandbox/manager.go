package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/proctorhq/proctor/internal/models"
	"github.com/proctorhq/proctor/internal/watchdog"
)

// Session is one live environment with its owned processes. Fields are
// guarded by the manager's mutex.
type Session struct {
	ID        string
	TaskID    string
	Benchmark string
	OwnedPIDs []int
	CreatedAt time.Time

	active           bool
	cleanupRequested bool
	env              Environment
	obs              Observation
}

// Active reports whether the session still holds a live environment.
func (s *Session) Active() bool { return s.active }

// SwitchResult describes what a task switch did.
type SwitchResult struct {
	SessionID    string `json:"session_id"`
	TaskID       string `json:"task_id"`
	Benchmark    string `json:"benchmark"`
	Action       string `json:"action"`
	ReusedHandle bool   `json:"reused_handle"`
}

// CleanupResult summarizes one session teardown.
type CleanupResult struct {
	Status            string `json:"status"`
	Err               string `json:"error,omitempty"`
	KilledPIDs        []int  `json:"killed_pids,omitempty"`
	OrphanedProcesses int    `json:"orphaned_processes"`
	Verified          bool   `json:"verified"`
}

// Pulser receives activity pulses; *watchdog.Watchdog satisfies it.
type Pulser interface {
	Pulse(kind watchdog.ActivityKind, details string)
}

// Manager owns all environment sessions. Handle operations are funneled
// through one serialized executor because the native handle must not be
// called from arbitrary goroutines.
type Manager struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	currentID string
	seq       int

	factory       Factory
	procs         ProcessScanner
	exec          *SerialExecutor
	logger        *slog.Logger
	pulser        Pulser
	verifyOrphans bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithProcessScanner overrides the platform process scanner.
func WithProcessScanner(s ProcessScanner) ManagerOption {
	return func(m *Manager) { m.procs = s }
}

// WithManagerLogger overrides the default logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithPulser wires environment lifecycle heartbeats into the watchdog.
func WithPulser(p Pulser) ManagerOption {
	return func(m *Manager) { m.pulser = p }
}

// WithOrphanVerification enables a post-cleanup orphan re-scan.
func WithOrphanVerification(enabled bool) ManagerOption {
	return func(m *Manager) { m.verifyOrphans = enabled }
}

// NewManager creates a session manager around the given factory.
func NewManager(factory Factory, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions: map[string]*Session{},
		factory:  factory,
		procs:    NewProcessScanner(""),
		exec:     NewSerialExecutor(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Close stops the serialized executor. Call after cleanup.
func (m *Manager) Close() {
	m.exec.Close()
}

func (m *Manager) pulse(details string) {
	if m.pulser != nil {
		m.pulser.Pulse(watchdog.KindHeartbeat, details)
	}
}

// CreateSession validates the task id, then creates an environment for it.
// If a live session for the same task already exists it becomes current and
// is returned as is. Owned PIDs are the difference between process scans
// taken before and after environment creation.
func (m *Manager) CreateSession(ctx context.Context, cfg TaskConfig) (*Session, error) {
	if err := ValidateTaskID(cfg.TaskID); err != nil {
		return nil, err
	}
	if cfg.Benchmark == "" {
		cfg.Benchmark = models.BenchmarkOf(cfg.TaskID)
	}

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.TaskID == cfg.TaskID && s.active {
			m.logger.Warn("session already exists for task, returning existing",
				"session", id, "task", cfg.TaskID)
			m.currentID = id
			m.mu.Unlock()
			return s, nil
		}
	}
	m.mu.Unlock()

	pidsBefore := m.scanPIDs()

	m.pulse("creating_env_" + cfg.TaskID)
	var env Environment
	err := m.exec.Do(ctx, func() error {
		e, err := m.factory(ctx, cfg)
		env = e
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("environment creation failed for %s: %w", cfg.TaskID, err)
	}

	m.pulse("env_reset_" + cfg.TaskID)
	var obs Observation
	err = m.exec.Do(ctx, func() error {
		o, err := env.Reset(ctx)
		obs = o
		return err
	})
	if err != nil {
		closeErr := m.exec.Do(context.Background(), env.Close)
		if closeErr != nil {
			m.logger.Error("closing environment after failed reset", "task", cfg.TaskID, "error", closeErr)
		}
		return nil, fmt.Errorf("environment reset failed for %s: %w", cfg.TaskID, err)
	}
	m.pulse("env_ready_" + cfg.TaskID)

	owned := diffPIDs(pidsBefore, m.scanPIDs())

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	s := &Session{
		ID:        fmt.Sprintf("env-%d", m.seq),
		TaskID:    cfg.TaskID,
		Benchmark: cfg.Benchmark,
		OwnedPIDs: owned,
		CreatedAt: time.Now(),
		active:    true,
		env:       env,
		obs:       obs,
	}
	m.sessions[s.ID] = s
	m.currentID = s.ID

	m.logger.Info("environment initialized",
		"session", s.ID, "task", s.TaskID, "benchmark", s.Benchmark, "owned_pids", len(owned))
	return s, nil
}

func (m *Manager) scanPIDs() []int {
	pids, err := m.procs.Scan()
	if err != nil {
		m.logger.Warn("process scan failed", "error", err)
		return nil
	}
	return pids
}

func diffPIDs(before, after []int) []int {
	seen := make(map[int]bool, len(before))
	for _, pid := range before {
		seen[pid] = true
	}
	var out []int
	for _, pid := range after {
		if !seen[pid] {
			out = append(out, pid)
		}
	}
	return out
}

func (m *Manager) resolve(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sessionID == "" {
		sessionID = m.currentID
	}
	return m.sessions[sessionID]
}

// CurrentSession returns the active session, if any.
func (m *Manager) CurrentSession() (*Session, bool) {
	s := m.resolve("")
	return s, s != nil
}

// Session returns the session with the given id.
func (m *Manager) Session(sessionID string) (*Session, bool) {
	s := m.resolve(sessionID)
	return s, s != nil
}

// SwitchToTask closes the session's environment and creates a new one in
// place. The session keeps its id; PIDs owned by the new environment are
// appended to the session's owned set.
func (m *Manager) SwitchToTask(ctx context.Context, cfg TaskConfig, sessionID string) (*SwitchResult, error) {
	s := m.resolve(sessionID)
	if s == nil {
		return nil, fmt.Errorf("session not found")
	}

	m.logger.Info("switching task",
		"session", s.ID, "from", s.TaskID, "to", cfg.TaskID)

	m.mu.Lock()
	oldEnv := s.env
	s.env = nil
	m.mu.Unlock()

	if oldEnv != nil {
		if err := m.exec.Do(ctx, oldEnv.Close); err != nil {
			return nil, fmt.Errorf("closing environment before switch: %w", err)
		}
	}

	tmp, err := m.CreateSession(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Fold the fresh environment into the original session and drop the
	// temporary registration, so callers keep one stable session id.
	s.TaskID = tmp.TaskID
	s.Benchmark = tmp.Benchmark
	s.env = tmp.env
	s.obs = tmp.obs
	s.active = true
	s.OwnedPIDs = append(s.OwnedPIDs, tmp.OwnedPIDs...)
	delete(m.sessions, tmp.ID)
	m.currentID = s.ID

	m.logger.Info("switched to task", "session", s.ID, "task", s.TaskID, "benchmark", s.Benchmark)
	return &SwitchResult{
		SessionID:    s.ID,
		TaskID:       s.TaskID,
		Benchmark:    s.Benchmark,
		Action:       "recreate",
		ReusedHandle: false,
	}, nil
}

// Step applies actions on the current session's environment and stores the
// resulting observation.
func (m *Manager) Step(ctx context.Context, actions []Action) (StepResult, error) {
	m.mu.Lock()
	s := m.sessions[m.currentID]
	var env Environment
	if s != nil {
		env = s.env
	}
	m.mu.Unlock()

	if s == nil || env == nil {
		return StepResult{}, fmt.Errorf("no active session")
	}

	var res StepResult
	err := m.exec.Do(ctx, func() error {
		r, err := env.Step(ctx, actions)
		res = r
		return err
	})
	if err != nil {
		return StepResult{}, err
	}

	m.mu.Lock()
	s.obs = res.Observation
	m.mu.Unlock()
	return res, nil
}

// Observation returns the last observation of the current session.
func (m *Manager) Observation() (Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[m.currentID]
	if s == nil {
		return Observation{}, fmt.Errorf("no active session")
	}
	return s.obs, nil
}

// CleanupSession tears one session down. The environment close runs first;
// the deferred kill step always runs, even when close fails, and kills only
// the PIDs this session owns. With orphan verification enabled a re-scan is
// reported as a count, never as an error.
func (m *Manager) CleanupSession(ctx context.Context, sessionID string) (res CleanupResult) {
	s := m.resolve(sessionID)
	if s == nil {
		m.logger.Warn("cleanup requested for unknown session", "session", sessionID)
		return CleanupResult{Status: "error", Err: "session not found"}
	}

	m.mu.Lock()
	s.cleanupRequested = true
	env := s.env
	owned := append([]int{}, s.OwnedPIDs...)
	m.mu.Unlock()

	res = CleanupResult{Status: "success", Verified: m.verifyOrphans}

	defer func() {
		for _, pid := range owned {
			if err := m.procs.Kill(pid); err != nil {
				m.logger.Warn("failed to kill owned process", "session", s.ID, "pid", pid, "error", err)
				continue
			}
			res.KilledPIDs = append(res.KilledPIDs, pid)
		}

		if m.verifyOrphans {
			if leftover, err := m.procs.Scan(); err == nil {
				res.OrphanedProcesses = len(leftover)
				if len(leftover) > 0 {
					m.logger.Warn("processes remain after cleanup",
						"session", s.ID, "count", len(leftover))
				}
			}
		}

		m.mu.Lock()
		s.active = false
		s.env = nil
		if m.currentID == s.ID {
			m.currentID = ""
		}
		m.mu.Unlock()

		m.logger.Info("session cleanup completed",
			"session", s.ID, "status", res.Status, "killed", len(res.KilledPIDs), "orphans", res.OrphanedProcesses)
	}()

	if env != nil {
		if err := m.exec.Do(ctx, env.Close); err != nil {
			m.logger.Error("environment close failed", "session", s.ID, "error", err)
			res.Status = "error"
			res.Err = err.Error()
		}
	}
	return res
}

// CleanupAllSessions sweeps every registered session independently; one
// failure never stops the others. Returns success and error counts.
func (m *Manager) CleanupAllSessions(ctx context.Context) (int, int) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	m.logger.Info("cleaning up all sessions", "count", len(ids))

	var succeeded, failed atomic.Int32
	g := new(errgroup.Group)
	for _, id := range ids {
		g.Go(func() error {
			if res := m.CleanupSession(ctx, id); res.Status == "success" {
				succeeded.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("cleanup sweep complete", "succeeded", succeeded.Load(), "failed", failed.Load())
	return int(succeeded.Load()), int(failed.Load())
}
