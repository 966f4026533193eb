package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/objectql/objectos-sub008/types"
)

const (
	definitionPrefix      = "definition:"
	definitionVersionsKey = "definition-versions:"
	definitionNamesKey    = "definitions"
	instancePrefix        = "instance:"
	instanceIndexKey      = "instances"
	taskPrefix            = "task:"
	instanceTasksPrefix   = "instance-tasks:"
	taskIndexKey          = "tasks"

	maxWatchRetries = 50
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Documents are stored as JSON; index sets back the query operations.
type RedisStorage struct {
	client    *redis.Client
	namespace string
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	// Namespace prefixes every key written by the store.
	Namespace string
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ns := opts.Namespace
	if ns != "" {
		ns += ":"
	}
	return &RedisStorage{client: client, namespace: ns}, nil
}

func (s *RedisStorage) key(parts ...string) string {
	k := s.namespace
	for _, p := range parts {
		k += p
	}
	return k
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getFromRedis retrieves and unmarshals a value stored under key.
func getFromRedis[T any](ctx context.Context, cmd getter, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := cmd.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// mgetFromRedis loads every key and skips entries that vanished meanwhile.
func mgetFromRedis[T any](ctx context.Context, client *redis.Client, keys []string) ([]T, error) {
	result := make([]T, 0, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	values, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load %d keys from Redis: %w", len(keys), err)
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
		}
		result = append(result, item)
	}
	return result, nil
}

// SaveDefinition stores a definition version and appends it to the name's
// version list.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("failed to marshal definition %s: %w", def.Name, err)
		}
		key := s.key(definitionPrefix, def.Name, ":", def.Version)
		created, err := s.client.SetNX(ctx, key, data, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		if !created {
			return fmt.Errorf("%w: %s@%s", ErrDefinitionExists, def.Name, def.Version)
		}
		pipe := s.client.TxPipeline()
		pipe.RPush(ctx, s.key(definitionVersionsKey, def.Name), def.Version)
		pipe.SAdd(ctx, s.key(definitionNamesKey), def.Name)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to index definition %s: %w", def.Name, err)
		}
		return nil
	})
}

// GetDefinition retrieves a definition version; an empty version selects the
// latest one.
func (s *RedisStorage) GetDefinition(ctx context.Context, name, version string) (types.WorkflowDefinition, error) {
	if version == "" {
		latest, err := s.client.LIndex(ctx, s.key(definitionVersionsKey, name), -1).Result()
		if errors.Is(err, redis.Nil) {
			return types.WorkflowDefinition{}, fmt.Errorf("%w: name=%s", ErrDefinitionNotFound, name)
		} else if err != nil {
			return types.WorkflowDefinition{}, fmt.Errorf("failed to resolve latest version of %s: %w", name, err)
		}
		version = latest
	}
	return getFromRedis[types.WorkflowDefinition](ctx, s.client, s.key(definitionPrefix, name, ":", version), ErrDefinitionNotFound)
}

// ListDefinitions returns the latest version of every stored definition.
func (s *RedisStorage) ListDefinitions(ctx context.Context) ([]types.WorkflowDefinition, error) {
	names, err := s.client.SMembers(ctx, s.key(definitionNamesKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	defs := make([]types.WorkflowDefinition, 0, len(names))
	for _, name := range names {
		def, err := s.GetDefinition(ctx, name, "")
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// SaveInstance stores a new workflow instance; SETNX refuses an id that is
// already taken.
func (s *RedisStorage) SaveInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %s: %w", inst.ID, err)
		}
		key := s.key(instancePrefix, inst.ID)
		created, err := s.client.SetNX(ctx, key, data, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		if !created {
			return fmt.Errorf("%w: id=%s", ErrInstanceExists, inst.ID)
		}
		pipe := s.client.TxPipeline()
		pipe.SAdd(ctx, s.key(instanceIndexKey), inst.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to save instance %s: %w", inst.ID, err)
		}
		return nil
	})
}

// GetInstance retrieves a workflow instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id string) (types.WorkflowInstance, error) {
	return getFromRedis[types.WorkflowInstance](ctx, s.client, s.key(instancePrefix, id), ErrInstanceNotFound)
}

// UpdateInstance applies patch using WATCH/MULTI so concurrent writers of the
// same key retry instead of overwriting each other.
func (s *RedisStorage) UpdateInstance(ctx context.Context, id string, patch types.InstancePatch) (types.WorkflowInstance, error) {
	key := s.key(instancePrefix, id)
	var updated types.WorkflowInstance
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		inst, err := getFromRedis[types.WorkflowInstance](ctx, tx, key, ErrInstanceNotFound)
		if err != nil {
			return err
		}
		patch.Apply(&inst)
		data, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		updated = inst
		return err
	})
	if err != nil {
		return types.WorkflowInstance{}, err
	}
	return updated, nil
}

// QueryInstances loads the instance index and filters, sorts and pages it.
func (s *RedisStorage) QueryInstances(ctx context.Context, filter types.InstanceFilter) ([]types.WorkflowInstance, error) {
	ids, err := s.client.SMembers(ctx, s.key(instanceIndexKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read instance index: %w", err)
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(instancePrefix, id)
	}
	all, err := mgetFromRedis[types.WorkflowInstance](ctx, s.client, keys)
	if err != nil {
		return nil, err
	}
	result := make([]types.WorkflowInstance, 0, len(all))
	for i := range all {
		if filter.Matches(&all[i]) {
			result = append(result, all[i])
		}
	}
	sortInstances(result, filter)
	return page(result, filter.Skip, filter.Limit), nil
}

// SaveTask stores a new task and indexes it by instance.
func (s *RedisStorage) SaveTask(ctx context.Context, task types.WorkflowTask) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
		}
		key := s.key(taskPrefix, task.ID)
		created, err := s.client.SetNX(ctx, key, data, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		if !created {
			return fmt.Errorf("%w: id=%s", ErrTaskExists, task.ID)
		}
		pipe := s.client.TxPipeline()
		pipe.SAdd(ctx, s.key(taskIndexKey), task.ID)
		pipe.SAdd(ctx, s.key(instanceTasksPrefix, task.InstanceID), task.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to save task %s: %w", task.ID, err)
		}
		return nil
	})
}

// GetTask retrieves a task from Redis.
func (s *RedisStorage) GetTask(ctx context.Context, id string) (types.WorkflowTask, error) {
	return getFromRedis[types.WorkflowTask](ctx, s.client, s.key(taskPrefix, id), ErrTaskNotFound)
}

// UpdateTask applies patch to a stored task.
func (s *RedisStorage) UpdateTask(ctx context.Context, id string, patch types.TaskPatch) (types.WorkflowTask, error) {
	key := s.key(taskPrefix, id)
	var updated types.WorkflowTask
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		task, err := getFromRedis[types.WorkflowTask](ctx, tx, key, ErrTaskNotFound)
		if err != nil {
			return err
		}
		patch.Apply(&task)
		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal task %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		updated = task
		return err
	})
	if err != nil {
		return types.WorkflowTask{}, err
	}
	return updated, nil
}

// QueryTasks returns tasks matching filter ordered by creation time.
func (s *RedisStorage) QueryTasks(ctx context.Context, filter types.TaskFilter) ([]types.WorkflowTask, error) {
	indexKey := s.key(taskIndexKey)
	if filter.InstanceID != "" {
		indexKey = s.key(instanceTasksPrefix, filter.InstanceID)
	}
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read task index: %w", err)
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(taskPrefix, id)
	}
	all, err := mgetFromRedis[types.WorkflowTask](ctx, s.client, keys)
	if err != nil {
		return nil, err
	}
	result := make([]types.WorkflowTask, 0, len(all))
	for i := range all {
		if filter.Matches(&all[i]) {
			result = append(result, all[i])
		}
	}
	sortTasks(result)
	return result, nil
}

func (s *RedisStorage) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to update %s: too much contention", key)
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
