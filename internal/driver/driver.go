// Package driver implements the flow engine's agent and connector
// collaborators on top of HTTP, local processes and Kubernetes Jobs.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/flow"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/registry"
)

// ErrRuntimeUnavailable is returned when an agent uses a runtime the
// router has no runner for.
var ErrRuntimeUnavailable = errors.New("agent runtime not available")

// Runner invokes an agent of one runtime.
type Runner interface {
	Run(ctx context.Context, agent *registry.Agent, prompt string) (*flow.AgentResponse, error)
}

// AgentRouter resolves agents in the registry and hands each invocation
// to the runner for the agent's runtime.
type AgentRouter struct {
	registry registry.AgentRegistry
	runners  map[registry.Runtime]Runner
	logger   *slog.Logger
}

// NewAgentRouter creates a router with no runners registered.
func NewAgentRouter(reg registry.AgentRegistry, logger *slog.Logger) *AgentRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentRouter{
		registry: reg,
		runners:  make(map[registry.Runtime]Runner),
		logger:   logger,
	}
}

// Register sets the runner for a runtime. Call before the router is used.
func (r *AgentRouter) Register(rt registry.Runtime, runner Runner) {
	r.runners[rt] = runner
}

// Invoke runs agentID with prompt, bounded by the agent's own timeout.
func (r *AgentRouter) Invoke(ctx context.Context, agentID, prompt string) (*flow.AgentResponse, error) {
	agent, err := r.registry.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	runner, ok := r.runners[agent.Runtime]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuntimeUnavailable, agent.Runtime)
	}

	if d := agent.TimeoutDuration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	start := time.Now()
	resp, err := runner.Run(ctx, agent, prompt)
	if err != nil {
		return nil, err
	}
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now().UTC()
	}

	executionID, nodeID := flow.NodeScope(ctx)
	r.logger.Debug("agent invoked",
		"agent_id", agent.ID,
		"runtime", agent.Runtime,
		"execution_id", executionID,
		"node_id", nodeID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

var _ flow.AgentExecutor = (*AgentRouter)(nil)
