package driver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/flow"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/registry"
	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

// SubprocessAgent runs an agent's command locally. The prompt is written to
// stdin and stdout becomes the response. Stderr lines are emitted as events:
// NDJSON lines keep their own type, anything else is an error log.
type SubprocessAgent struct {
	sink           flow.EventSink
	envPassthrough map[string]string
	cwd            string
	logger         *slog.Logger
}

// SubprocessConfig holds configuration for subprocess agents.
type SubprocessConfig struct {
	// EnvPassthrough contains environment variables to pass to all agents
	EnvPassthrough map[string]string

	// CWD is the working directory for agents (empty = inherit)
	CWD string
}

// NewSubprocessAgent creates a subprocess runner. sink may be nil.
func NewSubprocessAgent(sink flow.EventSink, cfg *SubprocessConfig, logger *slog.Logger) *SubprocessAgent {
	if cfg == nil {
		cfg = &SubprocessConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubprocessAgent{
		sink:           sink,
		envPassthrough: cfg.EnvPassthrough,
		cwd:            cfg.CWD,
		logger:         logger,
	}
}

// Run executes the agent command and waits for it to exit.
func (a *SubprocessAgent) Run(ctx context.Context, agent *registry.Agent, prompt string) (*flow.AgentResponse, error) {
	if len(agent.Command) == 0 {
		return nil, fmt.Errorf("agent %s has no command", agent.ID)
	}
	executionID, nodeID := flow.NodeScope(ctx)

	env := os.Environ()
	for k, v := range a.envPassthrough {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range agent.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env,
		fmt.Sprintf("EXECUTION_ID=%s", executionID),
		fmt.Sprintf("NODE_ID=%s", nodeID),
		fmt.Sprintf("AGENT_ID=%s", agent.ID),
	)

	c := exec.CommandContext(ctx, agent.Command[0], agent.Command[1:]...)
	c.Env = env
	c.Dir = a.cwd
	c.Stdin = strings.NewReader(prompt)
	c.WaitDelay = 2 * time.Second

	var stdout bytes.Buffer
	c.Stdout = &stdout
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("start agent %s: %w", agent.ID, err)
	}

	var lastErrLine string
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lastErrLine = line
		a.processStderrLine(ctx, line)
	}

	err = c.Wait()
	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, fmt.Errorf("agent %s timed out", agent.ID)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if lastErrLine != "" {
				return nil, fmt.Errorf("agent %s exited with code %d: %s", agent.ID, exitErr.ExitCode(), lastErrLine)
			}
			return nil, fmt.Errorf("agent %s exited with code %d", agent.ID, exitErr.ExitCode())
		}
		return nil, fmt.Errorf("agent %s: %w", agent.ID, err)
	}

	return &flow.AgentResponse{
		Response:  strings.TrimRight(stdout.String(), "\r\n"),
		Timestamp: time.Now().UTC(),
	}, nil
}

func (a *SubprocessAgent) processStderrLine(ctx context.Context, line string) {
	if a.sink == nil {
		return
	}
	executionID, nodeID := flow.NodeScope(ctx)
	if executionID == "" {
		a.logger.Debug("agent stderr", "line", line)
		return
	}

	if strings.HasPrefix(line, "{") {
		if ev, err := types.ParseNDJSON([]byte(line)); err == nil {
			ev.NodeID = nodeID
			a.sink.Emit(ctx, executionID, ev)
			return
		}
	}
	emitLog(ctx, a.sink, types.LogLevelError, line, nil)
}

var _ Runner = (*SubprocessAgent)(nil)
