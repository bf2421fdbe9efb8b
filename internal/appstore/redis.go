package appstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

const (
	appKeyPrefix = "app:"
	appListKey   = "apps"

	// maxStatsRetries bounds optimistic retries of RecordExecution.
	maxStatsRetries = 10
)

// RedisStore implements AppStore using Redis. Each app is a JSON string
// under app:<id>; the apps set indexes ids.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed app store using an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) appKey(id string) string {
	return appKeyPrefix + id
}

// Create saves a new app.
func (s *RedisStore) Create(ctx context.Context, req *CreateAppRequest) (*types.AgentApp, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	app := newApp(id, req)
	data, err := json.Marshal(app)
	if err != nil {
		return nil, fmt.Errorf("marshal app: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.appKey(id), data, 0).Result()
	if err != nil {
		observe("create", err)
		return nil, fmt.Errorf("save app: %w", err)
	}
	if !created {
		return nil, ErrAppExists
	}
	if err := s.client.SAdd(ctx, appListKey, id).Err(); err != nil {
		observe("create", err)
		return nil, fmt.Errorf("index app: %w", err)
	}
	observe("create", nil)
	return app, nil
}

// Get returns an app by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*types.AgentApp, error) {
	return s.get(ctx, s.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c getter, id string) (*types.AgentApp, error) {
	data, err := c.Get(ctx, s.appKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrAppNotFound
	}
	if err != nil {
		observe("get", err)
		return nil, fmt.Errorf("get app: %w", err)
	}

	var app types.AgentApp
	if err := json.Unmarshal(data, &app); err != nil {
		return nil, fmt.Errorf("unmarshal app: %w", err)
	}
	return &app, nil
}

// Update modifies an app definition. The read-modify-write runs in a WATCH
// transaction so a concurrent statistics update is not overwritten.
func (s *RedisStore) Update(ctx context.Context, id string, req *UpdateAppRequest) (*types.AgentApp, error) {
	var updated *types.AgentApp
	err := s.withRetry(ctx, id, func(tx *redis.Tx) error {
		app, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		applyUpdate(app, req)
		app.UpdatedAt = time.Now().UTC()
		if err := s.put(ctx, tx, app); err != nil {
			return err
		}
		updated = app
		return nil
	})
	observe("update", err)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes an app.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.appKey(id))
	pipe.SRem(ctx, appListKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		observe("delete", err)
		return fmt.Errorf("delete app: %w", err)
	}
	if del.Val() == 0 {
		return ErrAppNotFound
	}
	observe("delete", nil)
	return nil
}

// List returns apps matching the options.
func (s *RedisStore) List(ctx context.Context, opts *ListOptions) ([]*types.AgentApp, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	ids, err := s.client.SMembers(ctx, appListKey).Result()
	if err != nil {
		observe("list", err)
		return nil, fmt.Errorf("list app ids: %w", err)
	}

	apps := make([]*types.AgentApp, 0, len(ids))
	for _, id := range ids {
		app, err := s.Get(ctx, id)
		if errors.Is(err, ErrAppNotFound) {
			// Stale index entry.
			s.client.SRem(ctx, appListKey, id)
			continue
		}
		if err != nil {
			continue
		}
		if opts.CreatedBy != "" && app.CreatedBy != opts.CreatedBy {
			continue
		}
		apps = append(apps, app)
	}
	observe("list", nil)
	return paginate(apps, opts), nil
}

// RecordExecution updates the app's statistics with WATCH/MULTI, retrying
// when another writer changes the app between read and commit.
func (s *RedisStore) RecordExecution(ctx context.Context, id string, durationMs int64) (*types.AgentApp, error) {
	var updated *types.AgentApp
	err := s.withRetry(ctx, id, func(tx *redis.Tx) error {
		app, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		app.AvgExecutionTime = types.NextAverage(app.AvgExecutionTime, app.ExecutionCount, durationMs)
		app.ExecutionCount++
		if err := s.put(ctx, tx, app); err != nil {
			return err
		}
		updated = app
		return nil
	})
	observe("record_execution", err)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// withRetry runs fn in a WATCH transaction on the app key.
func (s *RedisStore) withRetry(ctx context.Context, id string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxStatsRetries; i++ {
		err := s.client.Watch(ctx, fn, s.appKey(id))
		if errors.Is(err, redis.TxFailedErr) {
			metrics.StatsConflicts.Inc()
			continue
		}
		return err
	}
	return fmt.Errorf("update app %s: too many concurrent writers", id)
}

func (s *RedisStore) put(ctx context.Context, tx *redis.Tx, app *types.AgentApp) error {
	data, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("marshal app: %w", err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.appKey(app.ID), data, 0)
		return nil
	})
	return err
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func observe(op string, err error) {
	result := "success"
	if err != nil && !errors.Is(err, ErrAppNotFound) {
		result = "error"
	}
	metrics.StoreOperations.WithLabelValues("app", op, result).Inc()
}

var (
	_ AppStore = (*MemoryStore)(nil)
	_ AppStore = (*RedisStore)(nil)
)
