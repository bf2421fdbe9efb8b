// Package types provides shared types for the appflow service.
package types

import (
	"time"
)

// NodeType identifies which executor handles a flow node.
type NodeType string

const (
	NodeTypeStart     NodeType = "start"
	NodeTypeAgent     NodeType = "agent"
	NodeTypeConnector NodeType = "connector"
	NodeTypeCondition NodeType = "condition"
	NodeTypeParallel  NodeType = "parallel"
	NodeTypeMerge     NodeType = "merge"
	NodeTypeMemory    NodeType = "memory"
	NodeTypeTransform NodeType = "transform"
)

// NodeTypes lists every supported node type.
var NodeTypes = []NodeType{
	NodeTypeStart,
	NodeTypeAgent,
	NodeTypeConnector,
	NodeTypeCondition,
	NodeTypeParallel,
	NodeTypeMerge,
	NodeTypeMemory,
	NodeTypeTransform,
}

// IsKnown reports whether t is one of the supported node types.
func (t NodeType) IsKnown() bool {
	for _, known := range NodeTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsIO reports whether nodes of this type call an external collaborator.
// Only these nodes honor timeout and retry policies.
func (t NodeType) IsIO() bool {
	switch t {
	case NodeTypeAgent, NodeTypeConnector, NodeTypeMemory:
		return true
	default:
		return false
	}
}

// Operator is a comparison used by condition nodes.
type Operator string

const (
	OpEquals    Operator = "=="
	OpNotEquals Operator = "!="
	OpGreater   Operator = ">"
	OpLess      Operator = "<"
	OpContains  Operator = "contains"
	OpExists    Operator = "exists"
)

// FlowNode is a single step in an app's flow definition.
type FlowNode struct {
	ID         string                 `json:"id" yaml:"id"`
	Type       NodeType               `json:"type" yaml:"type"`
	Name       string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Config     map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	Inputs     []string               `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs    []string               `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Conditions []Condition            `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	// Timeout bounds a single attempt of an I/O node, as a Go duration string.
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Retry overrides the default retry policy for I/O nodes.
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// IsStart reports whether the node can begin a traversal.
func (n *FlowNode) IsStart() bool {
	return n.Type == NodeTypeStart || len(n.Inputs) == 0
}

// TimeoutDuration parses Timeout. Unparseable or empty values yield zero.
func (n *FlowNode) TimeoutDuration() time.Duration {
	if n.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(n.Timeout)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// ConfigString returns a string config value or "".
func (n *FlowNode) ConfigString(key string) string {
	if n.Config == nil {
		return ""
	}
	s, _ := n.Config[key].(string)
	return s
}

// Condition is a branch predicate on a condition node. When Expression is
// set it is evaluated as a boolean expression and Field/Operator are ignored.
type Condition struct {
	Field      string      `json:"field,omitempty" yaml:"field,omitempty"`
	Operator   Operator    `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value      interface{} `json:"value,omitempty" yaml:"value,omitempty"`
	NextNode   string      `json:"nextNode,omitempty" yaml:"nextNode,omitempty"`
	Expression string      `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// RetryPolicy controls how failed I/O node attempts are retried.
type RetryPolicy struct {
	MaxRetries   int `json:"maxRetries" yaml:"maxRetries"`
	BackoffMs    int `json:"backoffMs,omitempty" yaml:"backoffMs,omitempty"`
	MaxBackoffMs int `json:"maxBackoffMs,omitempty" yaml:"maxBackoffMs,omitempty"`
}
