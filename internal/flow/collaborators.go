package flow

import (
	"context"
	"time"

	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

// AgentResponse is what an agent returns for a prompt.
type AgentResponse struct {
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentExecutor invokes a registered agent.
type AgentExecutor interface {
	Invoke(ctx context.Context, agentID, prompt string) (*AgentResponse, error)
}

// ConnectorResult is the outcome of a connector call. A call that reached
// the connector but was rejected reports Success=false with Error set.
type ConnectorResult struct {
	Success  bool          `json:"success"`
	Data     interface{}   `json:"data,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ConnectorExecutor calls an external integration.
type ConnectorExecutor interface {
	Execute(ctx context.Context, connectorID, endpoint string, params map[string]interface{}) (*ConnectorResult, error)
}

// MemoryStore stores and searches agent memories.
type MemoryStore interface {
	Store(ctx context.Context, item *types.MemoryItem) (string, error)
	Search(ctx context.Context, agentID, query string, threshold float64, limit int) ([]types.MemoryMatch, error)
}

// EventSink receives execution events. Implementations must not block for long.
type EventSink interface {
	Emit(ctx context.Context, executionID string, ev *types.EventInput)
}

type scopeKey struct{}

type nodeScope struct {
	executionID string
	nodeID      string
}

// WithNodeScope attaches the running execution and node to ctx so
// collaborators can attribute their own events.
func WithNodeScope(ctx context.Context, executionID, nodeID string) context.Context {
	return context.WithValue(ctx, scopeKey{}, nodeScope{executionID: executionID, nodeID: nodeID})
}

// NodeScope returns the ids set by WithNodeScope, or empty strings.
func NodeScope(ctx context.Context) (executionID, nodeID string) {
	s, _ := ctx.Value(scopeKey{}).(nodeScope)
	return s.executionID, s.nodeID
}
