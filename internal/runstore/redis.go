package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

const maxTxRetries = 10

// RedisStore implements RunStore backed by Redis.
// Execution records are JSON strings, per-app indexes are sorted sets
// scored by start time, and events live in a Redis Stream per execution.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	maxEvents int64
	mu        sync.Mutex
	closed    bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "executions")
	Prefix string

	// TTL for execution data (default: 7 days)
	TTL time.Duration

	// EventMaxLen caps each event stream (approximate trimming).
	EventMaxLen int64

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "executions",
		TTL:          7 * 24 * time.Hour,
		EventMaxLen:  5000,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Options converts the config into go-redis client options.
func (cfg *RedisConfig) Options() (*redis.Options, error) {
	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}
	return opts, nil
}

// NewRedisStore creates a new Redis-backed RunStore and verifies the
// connection.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg), nil
}

// NewRedisStoreWithClient creates a store using an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, cfg *RedisConfig) *RedisStore {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "executions"
	}
	maxEvents := cfg.EventMaxLen
	if maxEvents <= 0 {
		maxEvents = 5000
	}
	return &RedisStore{
		client:    client,
		prefix:    prefix,
		ttl:       cfg.TTL,
		maxEvents: maxEvents,
	}
}

// Key helpers
func (s *RedisStore) keyExec(id string) string   { return fmt.Sprintf("%s:%s:record", s.prefix, id) }
func (s *RedisStore) keyEvents(id string) string { return fmt.Sprintf("%s:%s:events", s.prefix, id) }
func (s *RedisStore) keySeq(id string) string    { return fmt.Sprintf("%s:%s:seq", s.prefix, id) }
func (s *RedisStore) keyApp(appID string) string { return fmt.Sprintf("%s:app:%s", s.prefix, appID) }

// setTTL refreshes TTL on all keys for an execution.
func (s *RedisStore) setTTL(ctx context.Context, id string) {
	if s.ttl <= 0 {
		return
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.keyExec(id), s.ttl)
	pipe.Expire(ctx, s.keyEvents(id), s.ttl)
	pipe.Expire(ctx, s.keySeq(id), s.ttl)
	pipe.Exec(ctx)
}

func (s *RedisStore) CreateExecution(ctx context.Context, exec *types.AgentAppExecution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.keyExec(exec.ID), data, s.ttl).Result()
	if err != nil {
		observe("create", err)
		return fmt.Errorf("create execution: %w", err)
	}
	if !created {
		return ErrExecutionExists
	}

	if err := s.client.ZAdd(ctx, s.keyApp(exec.AppID), redis.Z{
		Score:  float64(exec.StartedAt.UnixNano()),
		Member: exec.ID,
	}).Err(); err != nil {
		observe("create", err)
		return fmt.Errorf("index execution: %w", err)
	}
	observe("create", nil)
	return nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c getter, id string) (*types.AgentAppExecution, error) {
	data, err := c.Get(ctx, s.keyExec(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	var exec types.AgentAppExecution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return &exec, nil
}

func (s *RedisStore) GetExecution(ctx context.Context, id string) (*types.AgentAppExecution, error) {
	exec, err := s.get(ctx, s.client, id)
	observe("get", err)
	return exec, err
}

func (s *RedisStore) ListExecutions(ctx context.Context, appID string, limit int) ([]*types.AgentAppExecution, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, s.keyApp(appID), 0, stop).Result()
	if err != nil {
		observe("list", err)
		return nil, fmt.Errorf("list executions: %w", err)
	}

	out := make([]*types.AgentAppExecution, 0, len(ids))
	for _, id := range ids {
		exec, err := s.get(ctx, s.client, id)
		if errors.Is(err, ErrExecutionNotFound) {
			// Expired record, drop the index entry.
			s.client.ZRem(ctx, s.keyApp(appID), id)
			continue
		}
		if err != nil {
			continue
		}
		out = append(out, exec)
	}
	observe("list", nil)
	return out, nil
}

// update runs a WATCH/MULTI read-modify-write on the execution record.
func (s *RedisStore) update(ctx context.Context, id string, fn func(exec *types.AgentAppExecution) error) (*types.AgentAppExecution, error) {
	key := s.keyExec(id)
	var updated *types.AgentAppExecution

	txf := func(tx *redis.Tx) error {
		exec, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(exec); err != nil {
			return err
		}
		data, err := json.Marshal(exec)
		if err != nil {
			return fmt.Errorf("marshal execution: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err == nil {
			updated = exec
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update execution %s: too many concurrent writers", id)
}

func (s *RedisStore) UpdateStatus(ctx context.Context, id string, status types.ExecutionStatus) error {
	if status.IsTerminal() {
		return fmt.Errorf("%w: use Complete for %s", ErrInvalidTransition, status)
	}
	_, err := s.update(ctx, id, func(exec *types.AgentAppExecution) error {
		if err := checkTransition(exec.Status, status); err != nil {
			return err
		}
		exec.Status = status
		return nil
	})
	observe("update_status", err)
	return err
}

func (s *RedisStore) Complete(ctx context.Context, id string, result *types.ExecutionResult) (*types.AgentAppExecution, error) {
	exec, err := s.update(ctx, id, func(exec *types.AgentAppExecution) error {
		if err := checkComplete(exec.Status, result); err != nil {
			return err
		}
		result.Apply(exec)
		return nil
	})
	observe("complete", err)
	if err != nil {
		return nil, err
	}
	s.setTTL(ctx, id)
	return exec, nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, id string, input *types.EventInput) (*types.Event, error) {
	seq, err := s.client.Incr(ctx, s.keySeq(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("incr seq: %w", err)
	}

	dataBytes, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}

	event := &types.Event{
		ID:          strconv.FormatInt(seq, 10),
		ExecutionID: id,
		Type:        input.Type,
		NodeID:      input.NodeID,
		Timestamp:   time.Now().UTC(),
		Data:        dataBytes,
	}

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keyEvents(id),
		MaxLen: s.maxEvents,
		Approx: true,
		Values: map[string]interface{}{
			"seq":    event.ID,
			"ts":     event.Timestamp.Format(time.RFC3339Nano),
			"type":   string(input.Type),
			"data":   string(dataBytes),
			"nodeId": input.NodeID,
		},
	}).Err(); err != nil {
		observe("append_event", err)
		return nil, fmt.Errorf("xadd: %w", err)
	}

	s.setTTL(ctx, id)
	return event, nil
}

func (s *RedisStore) eventFromEntry(id string, entry redis.XMessage) *types.Event {
	seqStr, _ := entry.Values["seq"].(string)
	ts, _ := entry.Values["ts"].(string)
	timestamp, _ := time.Parse(time.RFC3339Nano, ts)
	eventType, _ := entry.Values["type"].(string)
	data, _ := entry.Values["data"].(string)
	nodeID, _ := entry.Values["nodeId"].(string)

	return &types.Event{
		ID:          seqStr,
		ExecutionID: id,
		Type:        types.EventType(eventType),
		NodeID:      nodeID,
		Timestamp:   timestamp,
		Data:        json.RawMessage(data),
	}
}

func (s *RedisStore) GetEventsSince(ctx context.Context, id string, lastEventID string) ([]*types.Event, error) {
	entries, err := s.client.XRange(ctx, s.keyEvents(id), "-", "+").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xrange: %w", err)
	}

	lastSeq, _ := strconv.ParseInt(lastEventID, 10, 64)
	events := make([]*types.Event, 0, len(entries))
	for _, entry := range entries {
		event := s.eventFromEntry(id, entry)
		seq, _ := strconv.ParseInt(event.ID, 10, 64)
		if seq <= lastSeq {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// Subscribe tails the execution's stream with XREAD starting after the
// current last entry, so it sees events appended by any replica.
func (s *RedisStore) Subscribe(ctx context.Context, id string) (<-chan *types.Event, func(), error) {
	exists, err := s.client.Exists(ctx, s.keyExec(id)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("check execution exists: %w", err)
	}
	if exists == 0 {
		return nil, nil, ErrExecutionNotFound
	}

	lastID := "0-0"
	last, err := s.client.XRevRangeN(ctx, s.keyEvents(id), "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, fmt.Errorf("xrevrange: %w", err)
	}
	if len(last) > 0 {
		if s.eventFromEntry(id, last[0]).Type == types.EventTypeStreamEnd {
			ch := make(chan *types.Event)
			close(ch)
			return ch, func() {}, nil
		}
		lastID = last[0].ID
	}

	readCtx, cancel := context.WithCancel(ctx)
	ch := make(chan *types.Event, 100)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(ch)
		s.streamReader(readCtx, id, lastID, ch)
	}()

	cleanup := func() {
		cancel()
		<-done
	}
	return ch, cleanup, nil
}

// streamReader reads from the Redis Stream and pushes to ch until a
// stream_end event arrives or ctx ends.
func (s *RedisStore) streamReader(ctx context.Context, id, lastID string, ch chan<- *types.Event) {
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.keyEvents(id), lastID},
			Count:   10,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			// On error, wait briefly then retry
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				event := s.eventFromEntry(id, entry)

				select {
				case ch <- event:
				case <-ctx.Done():
					return
				}
				if event.Type == types.EventTypeStreamEnd {
					return
				}
			}
		}
	}
}

func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	pingStart := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return map[string]interface{}{
			"adapter": "redis",
			"healthy": false,
			"error":   err.Error(),
		}, nil
	}
	pingLatency := time.Since(pingStart)

	poolStats := s.client.PoolStats()

	return map[string]interface{}{
		"adapter": "redis",
		"healthy": true,
		"details": map[string]interface{}{
			"prefix":       s.prefix,
			"ttl_hours":    s.ttl.Hours(),
			"max_events":   s.maxEvents,
			"ping_latency": pingLatency.String(),
			"pool": map[string]interface{}{
				"hits":       poolStats.Hits,
				"misses":     poolStats.Misses,
				"timeouts":   poolStats.Timeouts,
				"total_conn": poolStats.TotalConns,
				"idle_conn":  poolStats.IdleConns,
				"stale_conn": poolStats.StaleConns,
			},
		},
	}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

func observe(op string, err error) {
	result := "success"
	if err != nil && !errors.Is(err, ErrExecutionNotFound) {
		result = "error"
	}
	metrics.StoreOperations.WithLabelValues("run", op, result).Inc()
}

// Ensure RedisStore implements RunStore
var _ RunStore = (*RedisStore)(nil)
