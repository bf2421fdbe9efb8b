// Package flow executes agent app flow definitions.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

// Errors returned by the engine.
var (
	ErrNoStartNode         = errors.New("flow has no start node")
	ErrUnknownNodeType     = errors.New("unknown node type")
	ErrUnknownOperation    = errors.New("unknown operation")
	ErrMissingCollaborator = errors.New("collaborator not configured")
)

// Config holds engine defaults for I/O nodes.
type Config struct {
	// DefaultNodeTimeout bounds each attempt of an I/O node (0 = none).
	DefaultNodeTimeout time.Duration

	// DefaultMaxRetries applies to I/O nodes without a retry policy.
	DefaultMaxRetries int

	// DefaultBackoff is the initial retry delay.
	DefaultBackoff time.Duration

	// MaxBackoff caps the exponential retry delay.
	MaxBackoff time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultNodeTimeout: 0,
		DefaultMaxRetries:  0,
		DefaultBackoff:     time.Second,
		MaxBackoff:         60 * time.Second,
	}
}

// Engine runs flows. It holds no per-execution state and is safe for
// concurrent use.
type Engine struct {
	agents     AgentExecutor
	connectors ConnectorExecutor
	memory     MemoryStore
	events     EventSink
	exprEval   *ExprEvaluator
	cfg        Config
	logger     *slog.Logger
	tracer     trace.Tracer
}

// New creates an engine. Any collaborator may be nil; nodes that need a
// missing collaborator fail.
func New(agents AgentExecutor, connectors ConnectorExecutor, memory MemoryStore, cfg *Config, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := *cfg
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	return &Engine{
		agents:     agents,
		connectors: connectors,
		memory:     memory,
		exprEval:   NewExprEvaluator(),
		cfg:        c,
		logger:     logger,
		tracer:     otel.Tracer("github.com/flexinfer/mentatlab/services/appflow-go/internal/flow"),
	}
}

// SetEventSink wires node lifecycle events to a sink.
func (e *Engine) SetEventSink(sink EventSink) {
	e.events = sink
}

// FindStart returns the first node with no inputs or of type start.
func FindStart(flow []types.FlowNode) (*types.FlowNode, error) {
	for i := range flow {
		if flow[i].IsStart() {
			return &flow[i], nil
		}
	}
	return nil, ErrNoStartNode
}

// RunFlow executes flow from its start node and returns the final value.
// Node failures are recorded in ec and do not surface as errors; an error
// means the traversal itself could not finish (for example ctx ended).
func (e *Engine) RunFlow(ctx context.Context, flow []types.FlowNode, ec *ExecutionContext) (interface{}, error) {
	start, err := FindStart(flow)
	if err != nil {
		return nil, err
	}

	index := make(map[string]*types.FlowNode, len(flow))
	for i := range flow {
		if _, dup := index[flow[i].ID]; !dup {
			index[flow[i].ID] = &flow[i]
		}
	}

	ctx, span := e.tracer.Start(ctx, "flow.run", trace.WithAttributes(
		attribute.String("execution.id", ec.ExecutionID),
		attribute.Int("flow.nodes", len(flow)),
	))
	defer span.End()

	out, err := e.traverse(ctx, index, start.ID, ec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// visit is one node occurrence in the traversal tree. Revisiting a node
// links to the existing visit instead of creating a new one.
type visit struct {
	nodeID   string
	output   interface{}
	children []int
}

type traversal struct {
	engine *Engine
	index  map[string]*types.FlowNode
	ec     *ExecutionContext

	visits  []*visit
	visited map[string]int
	stack   []int
}

// traverse walks the graph depth-first from rootID using an explicit
// worklist. Merge nodes wait until their inputs have results or nothing
// else is runnable.
func (e *Engine) traverse(ctx context.Context, index map[string]*types.FlowNode, rootID string, ec *ExecutionContext) (interface{}, error) {
	t := &traversal{
		engine:  e,
		index:   index,
		ec:      ec,
		visited: make(map[string]int),
	}
	root := t.enqueue(rootID)

	var deferred []int
	forced := make(map[int]bool)

	for len(t.stack) > 0 || len(deferred) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(t.stack) == 0 {
			for i := len(deferred) - 1; i >= 0; i-- {
				forced[deferred[i]] = true
				t.stack = append(t.stack, deferred[i])
			}
			deferred = nil
		}

		idx := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
		v := t.visits[idx]

		node, ok := index[v.nodeID]
		if !ok {
			failure := types.NodeFailure{NodeID: v.nodeID, Error: "node not found in flow"}
			v.output = failure
			ec.record(v.nodeID, failure)
			ec.recordFailure(failure)
			continue
		}
		if node.Type == types.NodeTypeMerge && !forced[idx] && !t.inputsReady(node) {
			deferred = append(deferred, idx)
			continue
		}

		ec.CurrentNode = node.ID
		res := e.executeNode(ctx, t, node)
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if res.Success {
			v.output = res.Output
		} else {
			failure := types.NodeFailure{NodeID: node.ID, Error: res.Error}
			v.output = failure
			ec.recordFailure(failure)
		}
		ec.record(node.ID, v.output)

		v.children = make([]int, len(res.NextNodes))
		for i := len(res.NextNodes) - 1; i >= 0; i-- {
			v.children[i] = t.enqueue(res.NextNodes[i])
		}
	}

	return t.value(root), nil
}

// enqueue returns the visit for nodeID, pushing a new one onto the
// worklist the first time the node is seen.
func (t *traversal) enqueue(nodeID string) int {
	if idx, ok := t.visited[nodeID]; ok {
		return idx
	}
	idx := len(t.visits)
	t.visits = append(t.visits, &visit{nodeID: nodeID})
	t.visited[nodeID] = idx
	t.stack = append(t.stack, idx)
	return idx
}

func (t *traversal) inputsReady(node *types.FlowNode) bool {
	for _, in := range node.Inputs {
		if _, ok := t.ec.NodeResult(in); !ok {
			return false
		}
	}
	return true
}

// value folds the visit tree into the final result: a leaf yields its
// output, a single successor passes its value through, several successors
// yield an array. Links back to a visit still being folded use that
// visit's raw output.
func (t *traversal) value(root int) interface{} {
	const (
		unseen = iota
		open
		closed
	)
	state := make([]uint8, len(t.visits))
	vals := make([]interface{}, len(t.visits))

	valueOf := func(idx int) interface{} {
		if state[idx] == closed {
			return vals[idx]
		}
		return t.visits[idx].output
	}

	stack := []int{root}
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		v := t.visits[idx]

		if state[idx] == unseen {
			state[idx] = open
			for i := len(v.children) - 1; i >= 0; i-- {
				if state[v.children[i]] == unseen {
					stack = append(stack, v.children[i])
				}
			}
			continue
		}

		stack = stack[:len(stack)-1]
		if state[idx] == closed {
			continue
		}

		switch len(v.children) {
		case 0:
			vals[idx] = v.output
		case 1:
			vals[idx] = valueOf(v.children[0])
		default:
			arr := make([]interface{}, len(v.children))
			for i, c := range v.children {
				arr[i] = valueOf(c)
			}
			vals[idx] = arr
		}
		state[idx] = closed
	}
	return vals[root]
}

// NodeResult is the outcome of executing one node.
type NodeResult struct {
	Success   bool
	Output    interface{}
	Error     string
	Duration  time.Duration
	NextNodes []string
	Attempts  int
}

// executeNode runs a node with tracing, events, metrics and, for I/O
// nodes, the timeout and retry policy.
func (e *Engine) executeNode(ctx context.Context, t *traversal, node *types.FlowNode) NodeResult {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "flow.node", trace.WithAttributes(
		attribute.String("node.id", node.ID),
		attribute.String("node.type", string(node.Type)),
	))
	defer span.End()
	ctx = WithNodeScope(ctx, t.ec.ExecutionID, node.ID)

	e.emit(ctx, t.ec.ExecutionID, &types.EventInput{
		Type:   types.EventTypeNodeStarted,
		NodeID: node.ID,
		Data:   types.NodeEvent{NodeType: node.Type},
	})

	var res NodeResult
	if node.Type.IsIO() {
		res = e.runWithPolicy(ctx, t, node)
	} else {
		res = e.attempt(ctx, t, node)
		res.Attempts = 1
	}
	res.Duration = time.Since(start)

	status := "succeeded"
	evType := types.EventTypeNodeCompleted
	if !res.Success {
		status = "failed"
		evType = types.EventTypeNodeFailed
		span.SetStatus(codes.Error, res.Error)
		e.logger.Warn("node failed",
			"execution_id", t.ec.ExecutionID,
			"node_id", node.ID,
			"node_type", node.Type,
			"error", res.Error,
		)
	}
	metrics.NodesTotal.WithLabelValues(string(node.Type), status).Inc()
	metrics.NodeDuration.WithLabelValues(string(node.Type)).Observe(res.Duration.Seconds())

	e.emit(ctx, t.ec.ExecutionID, &types.EventInput{
		Type:   evType,
		NodeID: node.ID,
		Data: types.NodeEvent{
			NodeType:   node.Type,
			DurationMs: res.Duration.Milliseconds(),
			Attempt:    res.Attempts,
			Error:      res.Error,
		},
	})
	return res
}

// attempt dispatches once, turning panics into failures.
func (e *Engine) attempt(ctx context.Context, t *traversal, node *types.FlowNode) (res NodeResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("node panic", "node_id", node.ID, "panic", r)
			res = NodeResult{Success: false, Error: fmt.Sprintf("panic in node %q: %v", node.ID, r)}
		}
	}()

	output, next, err := e.dispatch(ctx, t, node)
	if err != nil {
		return NodeResult{Success: false, Error: err.Error()}
	}
	return NodeResult{Success: true, Output: output, NextNodes: next}
}

// dispatch selects the executor for the node type.
func (e *Engine) dispatch(ctx context.Context, t *traversal, node *types.FlowNode) (interface{}, []string, error) {
	ec := t.ec
	switch node.Type {
	case types.NodeTypeStart:
		return ec.Input, node.Outputs, nil
	case types.NodeTypeAgent:
		return e.executeAgent(ctx, node, ec)
	case types.NodeTypeConnector:
		return e.executeConnector(ctx, node, ec)
	case types.NodeTypeCondition:
		return e.executeCondition(ctx, node, ec)
	case types.NodeTypeParallel:
		return e.executeParallel(ctx, t, node)
	case types.NodeTypeMerge:
		return e.executeMerge(node, ec)
	case types.NodeTypeMemory:
		return e.executeMemory(ctx, node, ec)
	case types.NodeTypeTransform:
		return e.executeTransform(node, ec)
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownNodeType, node.Type)
	}
}

func (e *Engine) emit(ctx context.Context, executionID string, ev *types.EventInput) {
	if e.events == nil || executionID == "" {
		return
	}
	e.events.Emit(ctx, executionID, ev)
}
