// Package runstore provides execution record persistence and event streaming.
package runstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

// Common errors returned by RunStore implementations.
var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrExecutionExists   = errors.New("execution already exists")

	// ErrTerminal is returned when a finished execution would transition again.
	ErrTerminal = errors.New("execution already finished")

	ErrInvalidTransition = errors.New("invalid status transition")
)

// RunStore persists execution records and their event streams.
// Implementations must be safe for concurrent use.
type RunStore interface {
	// Execution lifecycle
	CreateExecution(ctx context.Context, exec *types.AgentAppExecution) error
	GetExecution(ctx context.Context, id string) (*types.AgentAppExecution, error)

	// ListExecutions returns an app's executions, newest first. limit <= 0
	// returns all of them.
	ListExecutions(ctx context.Context, appID string, limit int) ([]*types.AgentAppExecution, error)

	// UpdateStatus moves a non-terminal execution forward.
	UpdateStatus(ctx context.Context, id string, status types.ExecutionStatus) error

	// Complete writes the terminal fields exactly once. A second call
	// returns ErrTerminal and leaves the record unchanged.
	Complete(ctx context.Context, id string, result *types.ExecutionResult) (*types.AgentAppExecution, error)

	// Event streaming
	// AppendEvent adds an event to the execution's stream and returns it.
	AppendEvent(ctx context.Context, id string, input *types.EventInput) (*types.Event, error)

	// GetEventsSince returns events after the given event ID (exclusive).
	// If lastEventID is empty, returns all retained events.
	GetEventsSince(ctx context.Context, id string, lastEventID string) ([]*types.Event, error)

	// Subscribe returns a channel that receives new events. The channel is
	// closed after a stream_end event or once cleanup is called.
	Subscribe(ctx context.Context, id string) (<-chan *types.Event, func(), error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	Close() error
}

// Config holds configuration for RunStore implementations.
type Config struct {
	// Maximum number of events to keep per execution (ring buffer).
	EventMaxLen int64

	// TTL for finished executions (0 = no expiry).
	TTL time.Duration
}

// DefaultConfig returns sensible defaults for RunStore configuration.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen: 5000,
		TTL:         7 * 24 * time.Hour,
	}
}

func cloneExecution(e *types.AgentAppExecution) *types.AgentAppExecution {
	c := *e
	c.ExecutionPath = append([]string(nil), e.ExecutionPath...)
	c.NodeFailures = append([]types.NodeFailure(nil), e.NodeFailures...)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	if e.Duration != nil {
		d := *e.Duration
		c.Duration = &d
	}
	return &c
}

func checkTransition(from, to types.ExecutionStatus) error {
	if from.IsTerminal() {
		return ErrTerminal
	}
	if !from.CanTransition(to) {
		return ErrInvalidTransition
	}
	return nil
}

func checkComplete(from types.ExecutionStatus, result *types.ExecutionResult) error {
	if from.IsTerminal() {
		return ErrTerminal
	}
	if !result.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, result.Status)
	}
	return nil
}
