package registry

import (
	"context"
	"sync"
)

// MemoryRegistry implements AgentRegistry using in-memory storage.
// Suitable for testing and local development.
type MemoryRegistry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewMemoryRegistry creates a new in-memory agent registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		agents: make(map[string]*Agent),
	}
}

// NewMemoryRegistryWithDefaults creates a registry with the built-in
// development agents.
func NewMemoryRegistryWithDefaults() *MemoryRegistry {
	r := NewMemoryRegistry()
	for _, req := range DefaultAgents() {
		r.agents[req.ID] = newAgent(req)
	}
	return r
}

// DefaultAgents returns the agents registered for local development.
func DefaultAgents() []*CreateAgentRequest {
	return []*CreateAgentRequest{
		{
			ID:           "echo",
			Name:         "Echo Agent",
			Version:      "1.0.0",
			Runtime:      RuntimeSubprocess,
			Command:      []string{"cat"},
			Description:  "Returns the prompt unchanged",
			Capabilities: []string{"echo", "test"},
		},
		{
			ID:           "default",
			Name:         "Default Agent",
			Version:      "1.0.0",
			Runtime:      RuntimeHTTP,
			Endpoint:     "http://localhost:8090/invoke",
			Description:  "Agent used when a node does not name one",
			Capabilities: []string{"chat"},
		},
	}
}

// Create registers a new agent.
func (r *MemoryRegistry) Create(ctx context.Context, req *CreateAgentRequest) (*Agent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[req.ID]; exists {
		return nil, ErrAgentExists
	}

	agent := newAgent(req)
	r.agents[req.ID] = agent
	copy := *agent
	return &copy, nil
}

// Get retrieves an agent by ID.
func (r *MemoryRegistry) Get(ctx context.Context, id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	copy := *agent
	return &copy, nil
}

// Update modifies an existing agent.
func (r *MemoryRegistry) Update(ctx context.Context, id string, req *UpdateAgentRequest) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	updated, err := applyUpdate(agent, req)
	if err != nil {
		return nil, err
	}
	r.agents[id] = updated
	copy := *updated
	return &copy, nil
}

// Delete removes an agent.
func (r *MemoryRegistry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return ErrAgentNotFound
	}
	delete(r.agents, id)
	return nil
}

// List returns all agents matching the options.
func (r *MemoryRegistry) List(ctx context.Context, opts *ListOptions) ([]*Agent, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	r.mu.RLock()
	agents := make([]*Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		copy := *agent
		agents = append(agents, &copy)
	}
	r.mu.RUnlock()

	return filterAndPage(agents, opts), nil
}

// Close is a no-op for the memory registry.
func (r *MemoryRegistry) Close() error {
	return nil
}
