package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/resolver"
	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

func (e *Engine) executeAgent(ctx context.Context, node *types.FlowNode, ec *ExecutionContext) (interface{}, []string, error) {
	if e.agents == nil {
		return nil, nil, fmt.Errorf("agent executor: %w", ErrMissingCollaborator)
	}
	agentID := node.ConfigString("agentId")
	if agentID == "" {
		return nil, nil, errors.New("agent node requires config.agentId")
	}
	prompt := resolver.Interpolate(node.ConfigString("prompt"), ec)

	resp, err := e.agents.Invoke(ctx, agentID, prompt)
	if err != nil {
		return nil, nil, fmt.Errorf("invoke agent %s: %w", agentID, err)
	}

	ts := resp.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	output := map[string]interface{}{
		"response":  resp.Response,
		"timestamp": ts.Format(time.RFC3339Nano),
		"agentId":   agentID,
	}
	return output, node.Outputs, nil
}

func (e *Engine) executeConnector(ctx context.Context, node *types.FlowNode, ec *ExecutionContext) (interface{}, []string, error) {
	if e.connectors == nil {
		return nil, nil, fmt.Errorf("connector executor: %w", ErrMissingCollaborator)
	}
	connectorID := node.ConfigString("connectorId")
	if connectorID == "" {
		return nil, nil, errors.New("connector node requires config.connectorId")
	}
	endpoint := resolver.Interpolate(node.ConfigString("endpoint"), ec)

	params := map[string]interface{}{}
	if raw, ok := node.Config["parameters"].(map[string]interface{}); ok {
		params, _ = resolver.InterpolateValue(raw, ec).(map[string]interface{})
	}

	res, err := e.connectors.Execute(ctx, connectorID, endpoint, params)
	if err != nil {
		return nil, nil, fmt.Errorf("connector %s: %w", connectorID, err)
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "connector reported failure"
		}
		return nil, nil, fmt.Errorf("connector %s: %s", connectorID, msg)
	}
	return res.Data, node.Outputs, nil
}

func (e *Engine) executeMemory(ctx context.Context, node *types.FlowNode, ec *ExecutionContext) (interface{}, []string, error) {
	if e.memory == nil {
		return nil, nil, fmt.Errorf("memory store: %w", ErrMissingCollaborator)
	}
	agentID := node.ConfigString("agentId")
	if agentID == "" {
		agentID = "default"
	}

	switch op := node.ConfigString("operation"); op {
	case "store":
		item := &types.MemoryItem{
			AgentID:    agentID,
			Content:    resolver.Interpolate(node.ConfigString("content"), ec),
			MemoryType: node.ConfigString("memoryType"),
			Importance: configFloat(node, "importance", 0.5),
			Tags:       configStrings(node, "tags"),
		}
		if item.MemoryType == "" {
			item.MemoryType = "conversation"
		}
		id, err := e.memory.Store(ctx, item)
		if err != nil {
			return nil, nil, fmt.Errorf("store memory: %w", err)
		}
		return map[string]interface{}{"stored": true, "memoryId": id}, node.Outputs, nil

	case "retrieve":
		query := resolver.Interpolate(node.ConfigString("query"), ec)
		threshold := configFloat(node, "threshold", 0.7)
		limit := int(configFloat(node, "limit", 5))
		matches, err := e.memory.Search(ctx, agentID, query, threshold, limit)
		if err != nil {
			return nil, nil, fmt.Errorf("search memory: %w", err)
		}
		if matches == nil {
			matches = []types.MemoryMatch{}
		}
		return toPlain(matches), node.Outputs, nil

	default:
		return nil, nil, fmt.Errorf("%w: memory operation %q", ErrUnknownOperation, op)
	}
}

func configFloat(node *types.FlowNode, key string, def float64) float64 {
	if node.Config == nil {
		return def
	}
	if f, ok := toFloat(node.Config[key]); ok {
		return f
	}
	return def
}

func configStrings(node *types.FlowNode, key string) []string {
	if node.Config == nil {
		return nil
	}
	items, ok := toSlice(node.Config[key])
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, resolver.Stringify(it))
	}
	return out
}
