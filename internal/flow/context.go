package flow

import (
	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

// ExecutionContext is the state threaded through one traversal. Node
// results form an append-only arena: once a node's result is recorded it
// is never replaced. A context is owned by a single goroutine; parallel
// branches work on snapshots.
type ExecutionContext struct {
	ExecutionID string
	Input       interface{}
	Variables   map[string]interface{}
	GeoContext  map[string]interface{}
	UserProfile map[string]interface{}
	CurrentNode string

	nodeResults map[string]interface{}
	path        []string
	failures    []types.NodeFailure
}

// NewExecutionContext builds the context for a new execution.
func NewExecutionContext(executionID string, input interface{}, in types.ExecutionInput) *ExecutionContext {
	vars := in.Variables
	if vars == nil {
		vars = make(map[string]interface{})
	}
	return &ExecutionContext{
		ExecutionID: executionID,
		Input:       input,
		Variables:   vars,
		GeoContext:  in.GeoContext,
		UserProfile: in.UserProfile,
		nodeResults: make(map[string]interface{}),
	}
}

// InputValue implements resolver.Scope.
func (c *ExecutionContext) InputValue() interface{} { return c.Input }

// Variable implements resolver.Scope.
func (c *ExecutionContext) Variable(name string) (interface{}, bool) {
	v, ok := c.Variables[name]
	return v, ok
}

// NodeResult returns the recorded output of a node.
func (c *ExecutionContext) NodeResult(id string) (interface{}, bool) {
	v, ok := c.nodeResults[id]
	return v, ok
}

// Geo implements resolver.Scope.
func (c *ExecutionContext) Geo() map[string]interface{} { return c.GeoContext }

// User implements resolver.Scope.
func (c *ExecutionContext) User() map[string]interface{} { return c.UserProfile }

// NodeResults returns a copy of every recorded node output.
func (c *ExecutionContext) NodeResults() map[string]interface{} {
	out := make(map[string]interface{}, len(c.nodeResults))
	for k, v := range c.nodeResults {
		out[k] = v
	}
	return out
}

// ExecutionPath returns the node ids in the order they ran.
func (c *ExecutionContext) ExecutionPath() []string {
	return append([]string(nil), c.path...)
}

// Failures returns every node failure recorded so far.
func (c *ExecutionContext) Failures() []types.NodeFailure {
	return append([]types.NodeFailure(nil), c.failures...)
}

// record stores a node's output. It returns false if the node already has one.
func (c *ExecutionContext) record(nodeID string, output interface{}) bool {
	if _, exists := c.nodeResults[nodeID]; exists {
		return false
	}
	c.nodeResults[nodeID] = output
	c.path = append(c.path, nodeID)
	return true
}

func (c *ExecutionContext) recordFailure(f types.NodeFailure) {
	c.failures = append(c.failures, f)
}

// snapshot copies the context for a parallel branch. Input, variables and
// profile maps are shared read-only; results and path are private.
func (c *ExecutionContext) snapshot() *ExecutionContext {
	return &ExecutionContext{
		ExecutionID: c.ExecutionID,
		Input:       c.Input,
		Variables:   c.Variables,
		GeoContext:  c.GeoContext,
		UserProfile: c.UserProfile,
		CurrentNode: c.CurrentNode,
		nodeResults: c.NodeResults(),
	}
}

// absorb folds a finished branch back in: path and failures are appended,
// results the parent does not already hold are added.
func (c *ExecutionContext) absorb(branch *ExecutionContext) {
	for _, id := range branch.path {
		if _, exists := c.nodeResults[id]; !exists {
			c.nodeResults[id] = branch.nodeResults[id]
		}
		c.path = append(c.path, id)
	}
	c.failures = append(c.failures, branch.failures...)
}

// exprEnv is the environment seen by condition expressions.
func (c *ExecutionContext) exprEnv() map[string]interface{} {
	orEmpty := func(m map[string]interface{}) map[string]interface{} {
		if m == nil {
			return map[string]interface{}{}
		}
		return m
	}
	return map[string]interface{}{
		"input":     c.Input,
		"variables": orEmpty(c.Variables),
		"node":      c.NodeResults(),
		"geo":       orEmpty(c.GeoContext),
		"user":      orEmpty(c.UserProfile),
	}
}
