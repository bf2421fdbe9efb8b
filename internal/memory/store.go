package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

// Store keeps memories in process.
type Store struct {
	mu       sync.RWMutex
	items    map[string][]*types.MemoryItem // agent id -> items
	maxItems int
}

// NewStore creates an in-memory store keeping at most maxItems memories per
// agent (<= 0 uses DefaultMaxItemsPerAgent).
func NewStore(maxItems int) *Store {
	if maxItems <= 0 {
		maxItems = DefaultMaxItemsPerAgent
	}
	return &Store{
		items:    make(map[string][]*types.MemoryItem),
		maxItems: maxItems,
	}
}

// Store saves item and returns its ID.
func (s *Store) Store(ctx context.Context, item *types.MemoryItem) (string, error) {
	if strings.TrimSpace(item.Content) == "" {
		return "", ErrEmptyContent
	}
	stored := prepare(item)

	s.mu.Lock()
	defer s.mu.Unlock()

	items := append(s.items[stored.AgentID], stored)
	if len(items) > s.maxItems {
		evictionOrder(items)
		items = items[len(items)-s.maxItems:]
	}
	s.items[stored.AgentID] = items
	return stored.ID, nil
}

// Search returns the agent's memories most similar to query.
func (s *Store) Search(ctx context.Context, agentID, query string, threshold float64, limit int) ([]types.MemoryMatch, error) {
	s.mu.RLock()
	items := append([]*types.MemoryItem(nil), s.items[agentID]...)
	s.mu.RUnlock()

	return rank(items, query, threshold, limit), nil
}

func prepare(item *types.MemoryItem) *types.MemoryItem {
	stored := *item
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.Tags = append([]string(nil), item.Tags...)
	return &stored
}
