package appstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

// MemoryStore implements AppStore in memory.
// Suitable for testing and local development.
type MemoryStore struct {
	mu   sync.RWMutex
	apps map[string]*types.AgentApp

	// statsMu serializes statistics updates per app.
	statsMu sync.Map // app id -> *sync.Mutex
}

// NewMemoryStore creates a new in-memory app store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		apps: make(map[string]*types.AgentApp),
	}
}

// Create saves a new app.
func (s *MemoryStore) Create(ctx context.Context, req *CreateAppRequest) (*types.AgentApp, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	if _, exists := s.apps[id]; exists {
		return nil, ErrAppExists
	}

	app := newApp(id, req)
	s.apps[id] = app
	return clone(app), nil
}

// Get returns an app by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*types.AgentApp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.apps[id]
	if !ok {
		return nil, ErrAppNotFound
	}
	return clone(app), nil
}

// Update modifies an app definition.
func (s *MemoryStore) Update(ctx context.Context, id string, req *UpdateAppRequest) (*types.AgentApp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.apps[id]
	if !ok {
		return nil, ErrAppNotFound
	}
	applyUpdate(app, req)
	app.UpdatedAt = time.Now().UTC()
	return clone(app), nil
}

// Delete removes an app.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.apps[id]; !ok {
		return ErrAppNotFound
	}
	delete(s.apps, id)
	s.statsMu.Delete(id)
	return nil
}

// List returns apps matching the options.
func (s *MemoryStore) List(ctx context.Context, opts *ListOptions) ([]*types.AgentApp, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	s.mu.RLock()
	apps := make([]*types.AgentApp, 0, len(s.apps))
	for _, app := range s.apps {
		if opts.CreatedBy != "" && app.CreatedBy != opts.CreatedBy {
			continue
		}
		apps = append(apps, clone(app))
	}
	s.mu.RUnlock()

	return paginate(apps, opts), nil
}

// RecordExecution updates the app's execution statistics.
func (s *MemoryStore) RecordExecution(ctx context.Context, id string, durationMs int64) (*types.AgentApp, error) {
	lock, _ := s.statsMu.LoadOrStore(id, &sync.Mutex{})
	appMu := lock.(*sync.Mutex)
	appMu.Lock()
	defer appMu.Unlock()

	s.mu.RLock()
	app, ok := s.apps[id]
	var avg, count int64
	if ok {
		avg, count = app.AvgExecutionTime, app.ExecutionCount
	}
	s.mu.RUnlock()
	if !ok {
		return nil, ErrAppNotFound
	}

	avg = types.NextAverage(avg, count, durationMs)

	s.mu.Lock()
	defer s.mu.Unlock()
	if app, ok = s.apps[id]; !ok {
		return nil, ErrAppNotFound
	}
	app.AvgExecutionTime = avg
	app.ExecutionCount = count + 1
	return clone(app), nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func newApp(id string, req *CreateAppRequest) *types.AgentApp {
	now := time.Now().UTC()
	version := req.Version
	if version == "" {
		version = "1.0.0"
	}
	return &types.AgentApp{
		ID:             id,
		Name:           req.Name,
		Description:    req.Description,
		Version:        version,
		FlowDefinition: req.FlowDefinition,
		Guardrails:     req.Guardrails,
		CreatedBy:      req.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// clone returns a copy whose slices can be modified without touching the
// stored app. Node configs are shared and treated as read-only.
func clone(app *types.AgentApp) *types.AgentApp {
	c := *app
	c.FlowDefinition = append([]types.FlowNode(nil), app.FlowDefinition...)
	c.Guardrails = append([]types.Guardrail(nil), app.Guardrails...)
	return &c
}
