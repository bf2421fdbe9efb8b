// Package registry provides agent registration and discovery.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Common errors returned by AgentRegistry implementations.
var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentExists   = errors.New("agent already exists")

	// ErrInvalidAgent wraps update errors that would leave an agent
	// without what its runtime needs.
	ErrInvalidAgent = errors.New("invalid agent")
)

// Runtime selects how an agent is invoked.
type Runtime string

const (
	// RuntimeHTTP posts the prompt to Endpoint.
	RuntimeHTTP Runtime = "http"
	// RuntimeSubprocess runs Command with the prompt on stdin.
	RuntimeSubprocess Runtime = "subprocess"
	// RuntimeK8s runs Image as a Kubernetes Job.
	RuntimeK8s Runtime = "k8s"
)

// Valid reports whether r is a known runtime.
func (r Runtime) Valid() bool {
	switch r {
	case RuntimeHTTP, RuntimeSubprocess, RuntimeK8s:
		return true
	}
	return false
}

// Agent is a registered agent that agent nodes can call by ID.
type Agent struct {
	// ID is the unique identifier referenced by agent node config
	ID string `json:"id" yaml:"id"`

	Name    string  `json:"name" yaml:"name"`
	Version string  `json:"version" yaml:"version"`
	Runtime Runtime `json:"runtime" yaml:"runtime"`

	// Endpoint is the URL for http agents
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// Image is the container image for k8s agents
	Image string `json:"image,omitempty" yaml:"image,omitempty"`

	// Command is the process for subprocess agents, or the container
	// command override for k8s agents
	Command []string `json:"command,omitempty" yaml:"command,omitempty"`

	// Env is passed to subprocess and k8s agents
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Timeout bounds one invocation (Go duration, empty = engine default)
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	Capabilities []string          `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// TimeoutDuration parses Timeout, returning 0 when unset or invalid.
func (a *Agent) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(a.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// CreateAgentRequest is the input for registering a new agent.
type CreateAgentRequest struct {
	ID           string            `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	Version      string            `json:"version" yaml:"version"`
	Runtime      Runtime           `json:"runtime" yaml:"runtime"`
	Endpoint     string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Image        string            `json:"image,omitempty" yaml:"image,omitempty"`
	Command      []string          `json:"command,omitempty" yaml:"command,omitempty"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Timeout      string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// UpdateAgentRequest is the input for updating an existing agent.
type UpdateAgentRequest struct {
	Name         *string           `json:"name,omitempty"`
	Version      *string           `json:"version,omitempty"`
	Runtime      *Runtime          `json:"runtime,omitempty"`
	Endpoint     *string           `json:"endpoint,omitempty"`
	Image        *string           `json:"image,omitempty"`
	Command      []string          `json:"command,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Timeout      *string           `json:"timeout,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Description  *string           `json:"description,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ListOptions configures list queries.
type ListOptions struct {
	// Capabilities filters agents that have ALL specified capabilities
	Capabilities []string

	// Runtime filters by runtime when set
	Runtime Runtime

	Limit  int
	Offset int
}

// AgentRegistry defines the interface for agent registration and discovery.
// Implementations must be safe for concurrent use.
type AgentRegistry interface {
	// Create registers a new agent. Returns ErrAgentExists if ID is taken.
	Create(ctx context.Context, req *CreateAgentRequest) (*Agent, error)

	// Get retrieves an agent by ID. Returns ErrAgentNotFound if not found.
	Get(ctx context.Context, id string) (*Agent, error)

	// Update modifies an existing agent. Returns ErrAgentNotFound if not found.
	Update(ctx context.Context, id string, req *UpdateAgentRequest) (*Agent, error)

	// Delete removes an agent. Returns ErrAgentNotFound if not found.
	Delete(ctx context.Context, id string) error

	// List returns all agents matching the options, ordered by ID.
	List(ctx context.Context, opts *ListOptions) ([]*Agent, error)

	// Close releases any resources.
	Close() error
}

// Validate checks if a CreateAgentRequest is valid, including the fields
// its runtime needs.
func (r *CreateAgentRequest) Validate() error {
	if r.ID == "" {
		return errors.New("agent ID is required")
	}
	if r.Name == "" {
		return errors.New("agent name is required")
	}
	if r.Version == "" {
		return errors.New("agent version is required")
	}
	if r.Runtime == "" {
		r.Runtime = RuntimeHTTP
	}
	return validateRuntime(r.Runtime, r.Endpoint, r.Image, r.Command, r.Timeout)
}

func validateRuntime(rt Runtime, endpoint, image string, command []string, timeout string) error {
	switch rt {
	case RuntimeHTTP:
		if endpoint == "" {
			return errors.New("http agents require an endpoint")
		}
	case RuntimeSubprocess:
		if len(command) == 0 {
			return errors.New("subprocess agents require a command")
		}
	case RuntimeK8s:
		if image == "" {
			return errors.New("k8s agents require an image")
		}
	default:
		return fmt.Errorf("unknown agent runtime %q", rt)
	}
	if timeout != "" {
		if _, err := time.ParseDuration(timeout); err != nil {
			return fmt.Errorf("invalid agent timeout: %w", err)
		}
	}
	return nil
}

func newAgent(req *CreateAgentRequest) *Agent {
	now := time.Now().UTC()
	return &Agent{
		ID:           req.ID,
		Name:         req.Name,
		Version:      req.Version,
		Runtime:      req.Runtime,
		Endpoint:     req.Endpoint,
		Image:        req.Image,
		Command:      req.Command,
		Env:          req.Env,
		Timeout:      req.Timeout,
		Capabilities: req.Capabilities,
		Description:  req.Description,
		Metadata:     req.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// applyUpdate applies req to a copy of agent and revalidates the result.
func applyUpdate(agent *Agent, req *UpdateAgentRequest) (*Agent, error) {
	a := *agent
	if req.Name != nil {
		a.Name = *req.Name
	}
	if req.Version != nil {
		a.Version = *req.Version
	}
	if req.Runtime != nil {
		a.Runtime = *req.Runtime
	}
	if req.Endpoint != nil {
		a.Endpoint = *req.Endpoint
	}
	if req.Image != nil {
		a.Image = *req.Image
	}
	if req.Command != nil {
		a.Command = req.Command
	}
	if req.Env != nil {
		a.Env = req.Env
	}
	if req.Timeout != nil {
		a.Timeout = *req.Timeout
	}
	if req.Capabilities != nil {
		a.Capabilities = req.Capabilities
	}
	if req.Description != nil {
		a.Description = *req.Description
	}
	if req.Metadata != nil {
		a.Metadata = req.Metadata
	}
	if err := validateRuntime(a.Runtime, a.Endpoint, a.Image, a.Command, a.Timeout); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAgent, err)
	}
	a.UpdatedAt = time.Now().UTC()
	return &a, nil
}

func filterAndPage(agents []*Agent, opts *ListOptions) []*Agent {
	out := agents[:0]
	for _, agent := range agents {
		if opts.Runtime != "" && agent.Runtime != opts.Runtime {
			continue
		}
		if len(opts.Capabilities) > 0 && !hasAllCapabilities(agent.Capabilities, opts.Capabilities) {
			continue
		}
		out = append(out, agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []*Agent{}
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out
}

// hasAllCapabilities checks if agent has all required capabilities.
func hasAllCapabilities(agentCaps, required []string) bool {
	capSet := make(map[string]bool, len(agentCaps))
	for _, c := range agentCaps {
		capSet[c] = true
	}
	for _, req := range required {
		if !capSet[req] {
			return false
		}
	}
	return true
}
