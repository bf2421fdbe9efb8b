package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

// memoryRun holds all state for a single execution in memory.
type memoryRun struct {
	mu          sync.Mutex
	exec        *types.AgentAppExecution
	events      []*types.Event
	nextSeq     int64
	ended       bool
	subscribers map[chan *types.Event]struct{}
}

// MemoryStore is an in-memory implementation of RunStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*memoryRun
	config *Config
}

// NewMemoryStore creates a new in-memory RunStore.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		runs:   make(map[string]*memoryRun),
		config: cfg,
	}
}

func (s *MemoryStore) run(id string) (*memoryRun, error) {
	s.mu.RLock()
	run, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return run, nil
}

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *types.AgentAppExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[exec.ID]; exists {
		return ErrExecutionExists
	}
	s.expire(time.Now().UTC())

	s.runs[exec.ID] = &memoryRun{
		exec:        cloneExecution(exec),
		nextSeq:     1,
		subscribers: make(map[chan *types.Event]struct{}),
	}
	return nil
}

// expire drops finished executions older than the TTL. Callers hold s.mu.
func (s *MemoryStore) expire(now time.Time) {
	if s.config.TTL <= 0 {
		return
	}
	for id, run := range s.runs {
		run.mu.Lock()
		done := run.exec.CompletedAt
		stale := done != nil && now.Sub(*done) > s.config.TTL && len(run.subscribers) == 0
		run.mu.Unlock()
		if stale {
			delete(s.runs, id)
		}
	}
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*types.AgentAppExecution, error) {
	run, err := s.run(id)
	if err != nil {
		return nil, err
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return cloneExecution(run.exec), nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, appID string, limit int) ([]*types.AgentAppExecution, error) {
	s.mu.RLock()
	var out []*types.AgentAppExecution
	for _, run := range s.runs {
		run.mu.Lock()
		if run.exec.AppID == appID {
			out = append(out, cloneExecution(run.exec))
		}
		run.mu.Unlock()
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status types.ExecutionStatus) error {
	run, err := s.run(id)
	if err != nil {
		return err
	}
	run.mu.Lock()
	defer run.mu.Unlock()

	if status.IsTerminal() {
		return fmt.Errorf("%w: use Complete for %s", ErrInvalidTransition, status)
	}
	if err := checkTransition(run.exec.Status, status); err != nil {
		return err
	}
	run.exec.Status = status
	return nil
}

func (s *MemoryStore) Complete(ctx context.Context, id string, result *types.ExecutionResult) (*types.AgentAppExecution, error) {
	run, err := s.run(id)
	if err != nil {
		return nil, err
	}
	run.mu.Lock()
	defer run.mu.Unlock()

	if err := checkComplete(run.exec.Status, result); err != nil {
		return nil, err
	}
	result.Apply(run.exec)
	return cloneExecution(run.exec), nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, id string, input *types.EventInput) (*types.Event, error) {
	run, err := s.run(id)
	if err != nil {
		return nil, err
	}

	dataJSON, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	event := &types.Event{
		ID:          strconv.FormatInt(run.nextSeq, 10),
		ExecutionID: id,
		Type:        input.Type,
		NodeID:      input.NodeID,
		Timestamp:   time.Now().UTC(),
		Data:        dataJSON,
	}
	run.nextSeq++

	if s.config.EventMaxLen > 0 && int64(len(run.events)) >= s.config.EventMaxLen {
		run.events = run.events[1:]
	}
	run.events = append(run.events, event)

	// Sends happen under the lock so a subscriber is never sent to after
	// its channel is closed.
	for ch := range run.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber too slow, skip
		}
	}
	if input.Type == types.EventTypeStreamEnd {
		run.ended = true
		for ch := range run.subscribers {
			close(ch)
		}
		run.subscribers = make(map[chan *types.Event]struct{})
	}
	return event, nil
}

func (s *MemoryStore) GetEventsSince(ctx context.Context, id string, lastEventID string) ([]*types.Event, error) {
	run, err := s.run(id)
	if err != nil {
		return nil, err
	}
	run.mu.Lock()
	defer run.mu.Unlock()

	lastSeq, _ := strconv.ParseInt(lastEventID, 10, 64)
	result := make([]*types.Event, 0, len(run.events))
	for _, evt := range run.events {
		seq, _ := strconv.ParseInt(evt.ID, 10, 64)
		if seq > lastSeq {
			result = append(result, evt)
		}
	}
	return result, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, id string) (<-chan *types.Event, func(), error) {
	run, err := s.run(id)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *types.Event, 100)

	run.mu.Lock()
	if run.ended {
		close(ch)
	} else {
		run.subscribers[ch] = struct{}{}
	}
	run.mu.Unlock()

	cleanup := func() {
		run.mu.Lock()
		defer run.mu.Unlock()
		if _, ok := run.subscribers[ch]; ok {
			delete(run.subscribers, ch)
			close(ch)
		}
	}
	return ch, cleanup, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	count := len(s.runs)
	s.mu.RUnlock()

	return map[string]interface{}{
		"adapter":         "memory",
		"execution_count": count,
		"max_events":      s.config.EventMaxLen,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, run := range s.runs {
		run.mu.Lock()
		for ch := range run.subscribers {
			close(ch)
		}
		run.subscribers = make(map[chan *types.Event]struct{})
		run.mu.Unlock()
	}
	return nil
}

// Verify interface compliance
var _ RunStore = (*MemoryStore)(nil)
