package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

const memoryKeyPrefix = "memory:"

// RedisStore keeps each agent's memories in a hash keyed by memory ID.
type RedisStore struct {
	client   *redis.Client
	maxItems int
}

// NewRedisStore creates a Redis-backed memory store.
func NewRedisStore(client *redis.Client, maxItems int) *RedisStore {
	if maxItems <= 0 {
		maxItems = DefaultMaxItemsPerAgent
	}
	return &RedisStore{client: client, maxItems: maxItems}
}

func memoryKey(agentID string) string {
	return memoryKeyPrefix + agentID
}

// Store saves item and returns its ID.
func (s *RedisStore) Store(ctx context.Context, item *types.MemoryItem) (string, error) {
	if strings.TrimSpace(item.Content) == "" {
		return "", ErrEmptyContent
	}
	stored := prepare(item)

	data, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("marshal memory: %w", err)
	}
	key := memoryKey(stored.AgentID)
	if err := s.client.HSet(ctx, key, stored.ID, data).Err(); err != nil {
		return "", fmt.Errorf("store memory: %w", err)
	}

	n, err := s.client.HLen(ctx, key).Result()
	if err == nil && n > int64(s.maxItems) {
		if err := s.trim(ctx, stored.AgentID, int(n)-s.maxItems); err != nil {
			return "", err
		}
	}
	return stored.ID, nil
}

func (s *RedisStore) trim(ctx context.Context, agentID string, excess int) error {
	items, err := s.load(ctx, agentID)
	if err != nil {
		return err
	}
	evictionOrder(items)
	if excess > len(items) {
		excess = len(items)
	}
	ids := make([]string, excess)
	for i := 0; i < excess; i++ {
		ids[i] = items[i].ID
	}
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, memoryKey(agentID), ids...).Err(); err != nil {
		return fmt.Errorf("trim memories: %w", err)
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, agentID string) ([]*types.MemoryItem, error) {
	raw, err := s.client.HGetAll(ctx, memoryKey(agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}
	items := make([]*types.MemoryItem, 0, len(raw))
	for _, v := range raw {
		var item types.MemoryItem
		if err := json.Unmarshal([]byte(v), &item); err != nil {
			continue
		}
		items = append(items, &item)
	}
	return items, nil
}

// Search returns the agent's memories most similar to query.
func (s *RedisStore) Search(ctx context.Context, agentID, query string, threshold float64, limit int) ([]types.MemoryMatch, error) {
	items, err := s.load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return rank(items, query, threshold, limit), nil
}
