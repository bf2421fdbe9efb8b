package types

import (
	"time"
)

// GuardrailType identifies a pre-execution check.
type GuardrailType string

const (
	GuardrailInputValidation GuardrailType = "input_validation"
	GuardrailRateLimit       GuardrailType = "rate_limit"
	GuardrailContentSafety   GuardrailType = "content_safety"
	GuardrailDataPrivacy     GuardrailType = "data_privacy"
)

// Guardrail is a declarative pre-flight check attached to an app.
type Guardrail struct {
	Type    GuardrailType          `json:"type" yaml:"type"`
	Config  map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	Enabled bool                   `json:"enabled" yaml:"enabled"`
}

// AgentApp is a stored, executable flow definition.
type AgentApp struct {
	ID             string      `json:"id" yaml:"id"`
	Name           string      `json:"name" yaml:"name"`
	Description    string      `json:"description,omitempty" yaml:"description,omitempty"`
	Version        string      `json:"version,omitempty" yaml:"version,omitempty"`
	FlowDefinition []FlowNode  `json:"flowDefinition" yaml:"flowDefinition"`
	Guardrails     []Guardrail `json:"guardrails,omitempty" yaml:"guardrails,omitempty"`

	// Statistics, updated once per finished execution.
	ExecutionCount   int64 `json:"executionCount" yaml:"executionCount"`
	AvgExecutionTime int64 `json:"avgExecutionTime" yaml:"avgExecutionTime"`

	CreatedBy string    `json:"createdBy,omitempty" yaml:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// Node returns the node with the given id, or nil.
func (a *AgentApp) Node(id string) *FlowNode {
	for i := range a.FlowDefinition {
		if a.FlowDefinition[i].ID == id {
			return &a.FlowDefinition[i]
		}
	}
	return nil
}

// NextAverage folds a new duration into a running mean, rounding to the
// nearest millisecond.
func NextAverage(avg, count, durationMs int64) int64 {
	if count <= 0 {
		return durationMs
	}
	total := avg*count + durationMs
	n := count + 1
	q := total / n
	if (total%n)*2 >= n {
		q++
	}
	return q
}
