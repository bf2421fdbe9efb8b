package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/flow"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/registry"
)

// maxResponseBytes bounds how much of a remote response is read.
const maxResponseBytes = 10 << 20

// newHTTPClient returns a client whose requests carry trace context.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// HTTPAgent invokes agents that expose an HTTP endpoint.
type HTTPAgent struct {
	client *http.Client
}

// NewHTTPAgent creates an HTTP runner. timeout bounds each request
// (0 = rely on the caller's context).
func NewHTTPAgent(timeout time.Duration) *HTTPAgent {
	return &HTTPAgent{client: newHTTPClient(timeout)}
}

type agentRequest struct {
	AgentID     string `json:"agentId"`
	Prompt      string `json:"prompt"`
	ExecutionID string `json:"executionId,omitempty"`
	NodeID      string `json:"nodeId,omitempty"`
}

// Run POSTs the prompt to the agent's endpoint. A JSON body with a
// "response" field is unwrapped; any other body is the response verbatim.
func (a *HTTPAgent) Run(ctx context.Context, agent *registry.Agent, prompt string) (*flow.AgentResponse, error) {
	if agent.Endpoint == "" {
		return nil, fmt.Errorf("agent %s has no endpoint", agent.ID)
	}
	executionID, nodeID := flow.NodeScope(ctx)

	body, err := json.Marshal(agentRequest{
		AgentID:     agent.ID,
		Prompt:      prompt,
		ExecutionID: executionID,
		NodeID:      nodeID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call agent %s: %w", agent.ID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read agent %s response: %w", agent.ID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("agent %s returned status %d: %s", agent.ID, resp.StatusCode, truncate(string(data), 200))
	}

	var decoded struct {
		Response  *string   `json:"response"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &decoded); err == nil && decoded.Response != nil {
		return &flow.AgentResponse{Response: *decoded.Response, Timestamp: decoded.Timestamp}, nil
	}
	return &flow.AgentResponse{Response: strings.TrimSpace(string(data))}, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Runner = (*HTTPAgent)(nil)
