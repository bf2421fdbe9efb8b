package types

import (
	"time"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// CanTransition reports whether moving from s to next is a forward step.
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	switch s {
	case ExecutionPending:
		return next == ExecutionRunning || next.IsTerminal()
	case ExecutionRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// ExecutionInput is the caller-supplied context for an execution.
type ExecutionInput struct {
	Variables   map[string]interface{} `json:"variables,omitempty"`
	GeoContext  map[string]interface{} `json:"geoContext,omitempty"`
	UserProfile map[string]interface{} `json:"userProfile,omitempty"`

	// Caller identifies who started the execution, used for rate limiting.
	Caller string `json:"caller,omitempty"`
}

// NodeFailure is recorded as a node's result when its executor fails.
type NodeFailure struct {
	NodeID  string `json:"nodeId"`
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// AgentAppExecution is the persisted record of one run of an app.
type AgentAppExecution struct {
	ID            string          `json:"id"`
	AppID         string          `json:"appId"`
	Status        ExecutionStatus `json:"status"`
	Input         interface{}     `json:"input,omitempty"`
	Context       ExecutionInput  `json:"context"`
	Output        interface{}     `json:"output,omitempty"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`
	ExecutionPath []string        `json:"executionPath,omitempty"`
	NodeFailures  []NodeFailure   `json:"nodeFailures,omitempty"`
	StartedAt     time.Time       `json:"startedAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	Duration      *int64          `json:"duration,omitempty"`
}

// ExecutionResult carries the terminal fields written when an execution ends.
type ExecutionResult struct {
	Status        ExecutionStatus
	Output        interface{}
	ErrorMessage  string
	ExecutionPath []string
	NodeFailures  []NodeFailure
	CompletedAt   time.Time
	DurationMs    int64
}

// Apply copies the terminal fields onto the execution.
func (r *ExecutionResult) Apply(e *AgentAppExecution) {
	completed := r.CompletedAt
	duration := r.DurationMs
	e.Status = r.Status
	e.Output = r.Output
	e.ErrorMessage = r.ErrorMessage
	e.ExecutionPath = r.ExecutionPath
	e.NodeFailures = r.NodeFailures
	e.CompletedAt = &completed
	e.Duration = &duration
}
