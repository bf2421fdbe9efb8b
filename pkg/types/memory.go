package types

import "time"

// MemoryItem is a piece of content remembered on behalf of an agent.
type MemoryItem struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agentId"`
	Content    string    `json:"content"`
	MemoryType string    `json:"memoryType,omitempty"`
	Importance float64   `json:"importance"`
	Tags       []string  `json:"tags,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// MemoryMatch is a search hit with its similarity score in [0,1].
type MemoryMatch struct {
	Item  MemoryItem `json:"item"`
	Score float64    `json:"score"`
}
