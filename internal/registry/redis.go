package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	// Key patterns for Redis storage
	agentKeyPrefix = "agent:"
	agentIndexKey  = "agents:all"
)

// RedisRegistry implements AgentRegistry using Redis for persistence.
type RedisRegistry struct {
	client *redis.Client
}

// NewRedisRegistry creates a registry from an existing Redis client.
func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

// agentKey returns the Redis key for an agent.
func agentKey(id string) string {
	return agentKeyPrefix + id
}

// Seed registers the given agents, skipping IDs that already exist.
func (r *RedisRegistry) Seed(ctx context.Context, reqs []*CreateAgentRequest) error {
	for _, req := range reqs {
		if _, err := r.Create(ctx, req); err != nil && !errors.Is(err, ErrAgentExists) {
			return fmt.Errorf("seed agent %s: %w", req.ID, err)
		}
	}
	return nil
}

// Create registers a new agent.
func (r *RedisRegistry) Create(ctx context.Context, req *CreateAgentRequest) (*Agent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	agent := newAgent(req)
	data, err := json.Marshal(agent)
	if err != nil {
		return nil, fmt.Errorf("marshal agent: %w", err)
	}

	created, err := r.client.SetNX(ctx, agentKey(req.ID), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	if !created {
		return nil, ErrAgentExists
	}
	if err := r.client.SAdd(ctx, agentIndexKey, req.ID).Err(); err != nil {
		return nil, fmt.Errorf("index agent: %w", err)
	}
	return agent, nil
}

// Get retrieves an agent by ID.
func (r *RedisRegistry) Get(ctx context.Context, id string) (*Agent, error) {
	data, err := r.client.Get(ctx, agentKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}

	var agent Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("unmarshal agent: %w", err)
	}
	return &agent, nil
}

// Update modifies an existing agent.
func (r *RedisRegistry) Update(ctx context.Context, id string, req *UpdateAgentRequest) (*Agent, error) {
	agent, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := applyUpdate(agent, req)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(updated)
	if err != nil {
		return nil, fmt.Errorf("marshal agent: %w", err)
	}
	if err := r.client.Set(ctx, agentKey(id), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}
	return updated, nil
}

// Delete removes an agent.
func (r *RedisRegistry) Delete(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, agentKey(id))
	pipe.SRem(ctx, agentIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if del.Val() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// List returns all agents matching the options.
func (r *RedisRegistry) List(ctx context.Context, opts *ListOptions) ([]*Agent, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	ids, err := r.client.SMembers(ctx, agentIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list agent ids: %w", err)
	}

	agents := make([]*Agent, 0, len(ids))
	for _, id := range ids {
		agent, err := r.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrAgentNotFound) {
				// Clean up stale index entry
				r.client.SRem(ctx, agentIndexKey, id)
				continue
			}
			return nil, err
		}
		agents = append(agents, agent)
	}
	return filterAndPage(agents, opts), nil
}

// Close releases Redis connection resources.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

var (
	_ AgentRegistry = (*MemoryRegistry)(nil)
	_ AgentRegistry = (*RedisRegistry)(nil)
)
