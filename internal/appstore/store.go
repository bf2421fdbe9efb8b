// Package appstore provides agent app persistence.
package appstore

import (
	"context"
	"errors"
	"sort"

	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

// Common errors returned by AppStore implementations.
var (
	ErrAppNotFound = errors.New("app not found")
	ErrAppExists   = errors.New("app already exists")
)

// CreateAppRequest is the input for creating a new app.
type CreateAppRequest struct {
	ID             string            `json:"id,omitempty" yaml:"id,omitempty"` // auto-generated if empty
	Name           string            `json:"name" yaml:"name"`
	Description    string            `json:"description,omitempty" yaml:"description,omitempty"`
	Version        string            `json:"version,omitempty" yaml:"version,omitempty"`
	FlowDefinition []types.FlowNode  `json:"flowDefinition" yaml:"flowDefinition"`
	Guardrails     []types.Guardrail `json:"guardrails,omitempty" yaml:"guardrails,omitempty"`
	CreatedBy      string            `json:"createdBy,omitempty" yaml:"createdBy,omitempty"`
}

// UpdateAppRequest is the input for updating an app. Nil fields are left
// unchanged. Statistics are never updated through this path.
type UpdateAppRequest struct {
	Name           *string           `json:"name,omitempty"`
	Description    *string           `json:"description,omitempty"`
	Version        *string           `json:"version,omitempty"`
	FlowDefinition []types.FlowNode  `json:"flowDefinition,omitempty"`
	Guardrails     []types.Guardrail `json:"guardrails,omitempty"`
}

// ListOptions configures list queries.
type ListOptions struct {
	Limit     int
	Offset    int
	CreatedBy string
}

// AppStore persists agent apps.
// Implementations must be safe for concurrent use.
type AppStore interface {
	// Create saves a new app. Returns ErrAppExists if the ID is taken.
	Create(ctx context.Context, req *CreateAppRequest) (*types.AgentApp, error)

	// Get returns an app by ID. Returns ErrAppNotFound if missing.
	Get(ctx context.Context, id string) (*types.AgentApp, error)

	// Update modifies an app definition. Returns ErrAppNotFound if missing.
	Update(ctx context.Context, id string, req *UpdateAppRequest) (*types.AgentApp, error)

	// Delete removes an app. Returns ErrAppNotFound if missing.
	Delete(ctx context.Context, id string) error

	// List returns apps ordered by creation time.
	List(ctx context.Context, opts *ListOptions) ([]*types.AgentApp, error)

	// RecordExecution atomically folds one execution duration into the
	// app's running average and increments its execution count.
	RecordExecution(ctx context.Context, id string, durationMs int64) (*types.AgentApp, error)

	// Close releases any resources.
	Close() error
}

// Validate checks the fields every app needs before flow validation.
func (r *CreateAppRequest) Validate() error {
	if r.Name == "" {
		return errors.New("app name is required")
	}
	if len(r.FlowDefinition) == 0 {
		return errors.New("app flowDefinition is required")
	}
	return nil
}

func applyUpdate(app *types.AgentApp, req *UpdateAppRequest) {
	if req.Name != nil {
		app.Name = *req.Name
	}
	if req.Description != nil {
		app.Description = *req.Description
	}
	if req.Version != nil {
		app.Version = *req.Version
	}
	if req.FlowDefinition != nil {
		app.FlowDefinition = req.FlowDefinition
	}
	if req.Guardrails != nil {
		app.Guardrails = req.Guardrails
	}
}

func paginate(apps []*types.AgentApp, opts *ListOptions) []*types.AgentApp {
	sort.Slice(apps, func(i, j int) bool {
		if apps[i].CreatedAt.Equal(apps[j].CreatedAt) {
			return apps[i].ID < apps[j].ID
		}
		return apps[i].CreatedAt.Before(apps[j].CreatedAt)
	})
	if opts.Offset > 0 {
		if opts.Offset >= len(apps) {
			return []*types.AgentApp{}
		}
		apps = apps[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(apps) {
		apps = apps[:opts.Limit]
	}
	return apps
}
