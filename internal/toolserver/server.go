// Package toolserver exposes the sandbox to the worker agent as a small
// JSON-RPC tool surface. Every tool call is metered against the shared
// state channel's budget and pulsed into the inactivity watchdog.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"

	"github.com/proctorhq/proctor/internal/jsonrpc"
	"github.com/proctorhq/proctor/internal/sandbox"
	"github.com/proctorhq/proctor/internal/sharedstate"
	"github.com/proctorhq/proctor/internal/watchdog"
)

// Server serves the worker-facing tool methods over TCP.
type Server struct {
	channel  *sharedstate.Channel
	sessions *sandbox.Manager
	pulser   sandbox.Pulser
	logger   *slog.Logger

	mu       sync.Mutex
	listener *jsonrpc.TCPListener
	cancel   context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithPulser wires tool-call activity into the watchdog.
func WithPulser(p sandbox.Pulser) Option {
	return func(s *Server) { s.pulser = p }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates a tool server over the given state channel and session manager.
func New(channel *sharedstate.Channel, sessions *sandbox.Manager, opts ...Option) *Server {
	s := &Server{
		channel:  channel,
		sessions: sessions,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins listening on 127.0.0.1:port. Port 0 picks a free port; Addr
// reports the bound address. Calling Start on a running server is a no-op.
func (s *Server) Start(ctx context.Context, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.logger.Debug("tool server already running", "addr", s.listener.Addr())
		return nil
	}

	registry := jsonrpc.NewMethodRegistry()
	registry.Register("execute_actions", s.handleExecuteActions)
	registry.Register("get_observation", s.handleGetObservation)
	registry.Register("cleanup_environment", s.handleCleanupEnvironment)

	srv := jsonrpc.NewServer(registry, s.logger)
	ln, err := jsonrpc.NewTCPListener(fmt.Sprintf("127.0.0.1:%d", port), srv)
	if err != nil {
		return fmt.Errorf("starting tool server: %w", err)
	}

	serveCtx, cancel := context.WithCancel(ctx)
	s.listener = ln
	s.cancel = cancel

	go func() {
		if err := ln.Serve(serveCtx); err != nil && serveCtx.Err() == nil {
			s.logger.Debug("tool server stopped", "error", err)
		}
	}()

	s.logger.Info("tool server listening", "addr", ln.Addr())
	return nil
}

// Addr returns the listening address, or "" when the server is not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener. Safe to call more than once.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return
	}
	s.cancel()
	if err := s.listener.Close(); err != nil {
		s.logger.Debug("closing tool server listener", "error", err)
	}
	s.listener = nil
	s.cancel = nil
}

func (s *Server) pulse(kind watchdog.ActivityKind, details string) {
	if s.pulser != nil {
		s.pulser.Pulse(kind, details)
	}
}

// meter records one tool invocation and enforces the budget. A non-nil error
// means the call must not proceed.
func (s *Server) meter(tool string) *jsonrpc.Error {
	count, err := s.channel.RecordToolInvocation(tool)
	if err != nil {
		s.logger.Warn("recording tool invocation", "tool", tool, "error", err)
	}

	exceeded, err := s.channel.CheckAndMarkToolLimit()
	if err != nil {
		s.logger.Warn("checking tool limit", "tool", tool, "error", err)
	}
	if exceeded {
		st := s.channel.Read()
		s.logger.Warn("tool budget exhausted",
			"tool", tool, "invocations", count, "max", st.MaxToolCalls)
		return jsonrpc.ErrToolBudgetExhausted(map[string]any{
			"tool_invocations": st.ToolInvocations,
			"max_tool_calls":   st.MaxToolCalls,
		})
	}
	return nil
}

type executeActionsParams struct {
	Actions []map[string]any `json:"actions"`
}

type executeActionsResult struct {
	Observation sandbox.Observation `json:"observation"`
	Reward      float64             `json:"reward"`
	Done        bool                `json:"done"`
	Truncated   bool                `json:"truncated"`
	LatencyMS   int                 `json:"latency_ms"`
	ToolsUsed   int                 `json:"tool_invocations"`
}

func (s *Server) handleExecuteActions(ctx context.Context, params json.RawMessage) (any, *jsonrpc.Error) {
	s.pulse(watchdog.KindToolCall, "execute_actions")

	if rpcErr := s.meter("execute_actions"); rpcErr != nil {
		return nil, rpcErr
	}

	var p executeActionsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.ErrInvalidParams(err.Error())
	}
	if len(p.Actions) == 0 {
		return nil, jsonrpc.ErrInvalidParams("actions must not be empty")
	}

	actions, err := decodeActions(p.Actions)
	if err != nil {
		return nil, jsonrpc.ErrInvalidParams(err.Error())
	}

	res, err := s.sessions.Step(ctx, actions)
	if err != nil {
		if strings.Contains(err.Error(), "no active session") {
			return nil, jsonrpc.ErrNoActiveSession(err.Error())
		}
		if setErr := s.channel.SetError(err.Error()); setErr != nil {
			s.logger.Warn("recording step error", "error", setErr)
		}
		return nil, jsonrpc.ErrEnvironmentFailure(err.Error())
	}

	if err := s.channel.AddActions(len(actions)); err != nil {
		s.logger.Warn("recording action count", "error", err)
	}
	if err := s.channel.AddLatency(res.LatencyMS); err != nil {
		s.logger.Warn("recording latency", "error", err)
	}
	if err := s.channel.UpdateTaskState(res.Reward, res.Done, res.Truncated); err != nil {
		s.logger.Warn("recording task state", "error", err)
	}

	s.pulse(watchdog.KindEnvStep, fmt.Sprintf("stepped_%d_actions", len(actions)))

	st := s.channel.Read()
	return executeActionsResult{
		Observation: res.Observation,
		Reward:      res.Reward,
		Done:        res.Done,
		Truncated:   res.Truncated,
		LatencyMS:   res.LatencyMS,
		ToolsUsed:   st.ToolInvocations,
	}, nil
}

func (s *Server) handleGetObservation(ctx context.Context, params json.RawMessage) (any, *jsonrpc.Error) {
	s.pulse(watchdog.KindToolCall, "get_observation")

	if rpcErr := s.meter("get_observation"); rpcErr != nil {
		return nil, rpcErr
	}

	obs, err := s.sessions.Observation()
	if err != nil {
		return nil, jsonrpc.ErrNoActiveSession(err.Error())
	}

	tokens := obs.Tokens
	if tokens == 0 {
		tokens = estimateTokens(obs)
	}
	if err := s.channel.AddTokens(tokens); err != nil {
		s.logger.Warn("recording observation tokens", "error", err)
	}

	return obs, nil
}

func (s *Server) handleCleanupEnvironment(ctx context.Context, params json.RawMessage) (any, *jsonrpc.Error) {
	s.pulse(watchdog.KindToolCall, "cleanup_environment")

	if err := s.channel.MarkCleanupCalled(); err != nil {
		s.logger.Warn("recording cleanup call", "error", err)
	}

	res := s.sessions.CleanupSession(ctx, "")
	return res, nil
}

// decodeActions turns loosely typed wire maps into sandbox actions. Unknown
// kinds are rejected so a worker typo fails loudly instead of as a noop.
func decodeActions(raw []map[string]any) ([]sandbox.Action, error) {
	actions := make([]sandbox.Action, 0, len(raw))
	for i, m := range raw {
		kind, _ := m["kind"].(string)
		var (
			action sandbox.Action
			err    error
		)
		switch kind {
		case "click":
			var a sandbox.ClickAction
			err = mapstructure.Decode(m, &a)
			action = a
		case "type":
			var a sandbox.TypeAction
			err = mapstructure.Decode(m, &a)
			action = a
		case "navigate":
			var a sandbox.NavigateAction
			err = mapstructure.Decode(m, &a)
			action = a
		case "keypress":
			var a sandbox.KeyPressAction
			err = mapstructure.Decode(m, &a)
			action = a
		case "scroll":
			var a sandbox.ScrollAction
			err = mapstructure.Decode(m, &a)
			action = a
		case "noop":
			action = sandbox.NoopAction{}
		case "":
			return nil, fmt.Errorf("action %d is missing a kind", i)
		default:
			return nil, fmt.Errorf("action %d has unknown kind %q", i, kind)
		}
		if err != nil {
			return nil, fmt.Errorf("decoding action %d (%s): %w", i, kind, err)
		}
		actions = append(actions, action)
	}
	return actions, nil
}

// estimateTokens approximates the token cost of an observation the worker
// is about to read, for budgets on environments that do not report one.
func estimateTokens(obs sandbox.Observation) int {
	data, err := json.Marshal(obs)
	if err != nil {
		return 0
	}
	return len(data) / 4
}
