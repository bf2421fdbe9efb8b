package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType categorizes the kind of event.
type EventType string

const (
	EventTypeExecutionStatus    EventType = "execution_status"
	EventTypeNodeStarted        EventType = "node_started"
	EventTypeNodeCompleted      EventType = "node_completed"
	EventTypeNodeFailed         EventType = "node_failed"
	EventTypeNodeRetry          EventType = "node_retry"
	EventTypeBranchSelected     EventType = "branch_selected"
	EventTypeGuardrailViolation EventType = "guardrail_violation"
	EventTypeLog                EventType = "log"
	EventTypeStreamEnd          EventType = "stream_end"
)

// LogLevel represents the severity of a log event.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// Event represents a single event in an execution's event stream.
type Event struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"executionId"`
	Type        EventType       `json:"type"`
	NodeID      string          `json:"nodeId,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// EventInput is used when appending new events.
type EventInput struct {
	Type   EventType   `json:"type"`
	NodeID string      `json:"nodeId,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// LogEvent represents the data payload for log events.
type LogEvent struct {
	Level   LogLevel          `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// ExecutionStatusEvent is the payload of execution_status events.
type ExecutionStatusEvent struct {
	Status ExecutionStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
}

// NodeEvent is the payload of node lifecycle events.
type NodeEvent struct {
	NodeType   NodeType `json:"nodeType"`
	DurationMs int64    `json:"durationMs,omitempty"`
	Attempt    int      `json:"attempt,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// BranchSelectedEvent is the payload of branch_selected events.
type BranchSelectedEvent struct {
	Matched []string `json:"matched"`
}

// ToSSE formats the event for Server-Sent Events protocol.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}

// ParseNDJSON parses a line of NDJSON written by an agent process.
// Lines without a "type" field are treated as log events.
func ParseNDJSON(line []byte) (*EventInput, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	eventType := EventTypeLog
	if t, ok := raw["type"].(string); ok {
		eventType = EventType(t)
	}

	return &EventInput{
		Type: eventType,
		Data: raw,
	}, nil
}
