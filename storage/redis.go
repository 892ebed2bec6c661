package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stef9github/flowcore/types"
)

const (
	definitionPrefix = "definition:"
	instancePrefix   = "instance:"
	historyPrefix    = "history:" // per-instance list, oldest first
	lockPrefix       = "lock:instance:"
)

// Lock parameters for per-instance mutation serialization.
const (
	lockTTL       = 10 * time.Second
	lockSpinDelay = 20 * time.Millisecond
	lockAttempts  = 50
)

// releaseScript deletes the lock key only if it is still held by owner.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0`)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Instances and definitions are stored as JSON values under key prefixes;
// history is a per-instance list. Mutations take a short-lived NX lock
// keyed by instance ID.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
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
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStorage{client: client}, nil
}

// saveJSON saves a value to Redis with the given key prefix and ID.
func (s *RedisStorage) saveJSON(ctx context.Context, prefix string, id uint64, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s%d: %v", prefix, id, err)
		}
		key := fmt.Sprintf("%s%d", prefix, id)
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("%w: failed to set %s: %v", ErrTransient, key, err)
		}
		return nil
	})
}

// getJSON retrieves and unmarshals a value from Redis with the given key prefix and ID.
func getJSON[T any](ctx context.Context, client *redis.Client, prefix string, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		key := fmt.Sprintf("%s%d", prefix, id)
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: id=%d", errNotFound, id)
		} else if err != nil {
			return zero, fmt.Errorf("%w: failed to get %s: %v", ErrTransient, key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// SaveDefinition saves a definition to Redis.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return s.saveJSON(ctx, definitionPrefix, def.ID, def)
}

// GetDefinition retrieves a definition from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	return getJSON[types.Definition](ctx, s.client, definitionPrefix, id, ErrDefinitionNotFound)
}

// CreateInstance stores the instance, its creation entry and the usage
// count bump in one pipeline, guarded by the definition's existence.
func (s *RedisStorage) CreateInstance(ctx context.Context, inst types.Instance, entry types.HistoryEntry) error {
	return withContextError(ctx, func() error {
		def, err := s.GetDefinition(ctx, inst.DefinitionID)
		if err != nil {
			return err
		}
		def.UsageCount++

		defData, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("failed to marshal definition %d: %v", def.ID, err)
		}
		instData, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %d: %v", inst.ID, err)
		}
		entryData, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal history entry %d: %v", entry.ID, err)
		}

		pipe := s.client.TxPipeline()
		pipe.Set(ctx, fmt.Sprintf("%s%d", definitionPrefix, def.ID), defData, 0)
		pipe.Set(ctx, fmt.Sprintf("%s%d", instancePrefix, inst.ID), instData, 0)
		pipe.RPush(ctx, fmt.Sprintf("%s%d", historyPrefix, inst.ID), entryData)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("%w: failed to create instance %d: %v", ErrTransient, inst.ID, err)
		}
		return nil
	})
}

// GetInstance retrieves an instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	return getJSON[types.Instance](ctx, s.client, instancePrefix, id, ErrInstanceNotFound)
}

// acquireLock takes the per-instance mutation lock, spinning briefly on
// contention. Returns the owner token needed to release it.
func (s *RedisStorage) acquireLock(ctx context.Context, instanceID uint64) (string, error) {
	key := fmt.Sprintf("%s%d", lockPrefix, instanceID)
	owner := uuid.NewString()

	for i := 0; i < lockAttempts; i++ {
		ok, err := s.client.SetNX(ctx, key, owner, lockTTL).Result()
		if err != nil {
			return "", fmt.Errorf("%w: failed to lock instance %d: %v", ErrTransient, instanceID, err)
		}
		if ok {
			return owner, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(lockSpinDelay):
		}
	}
	return "", fmt.Errorf("%w: lock on instance %d still held", ErrTransient, instanceID)
}

func (s *RedisStorage) releaseLock(ctx context.Context, instanceID uint64, owner string) {
	key := fmt.Sprintf("%s%d", lockPrefix, instanceID)
	releaseScript.Run(ctx, s.client, []string{key}, owner)
}

// Mutate applies fn to the instance while holding its mutation lock, then
// writes the instance and history entry in one transactional pipeline.
func (s *RedisStorage) Mutate(ctx context.Context, instanceID uint64, fn MutateFunc) error {
	owner, err := s.acquireLock(ctx, instanceID)
	if err != nil {
		return err
	}
	defer s.releaseLock(ctx, instanceID, owner)

	inst, err := s.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}

	entry, fnErr := fn(&inst)
	if entry == nil {
		return fnErr
	}

	instData, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance %d: %v", inst.ID, err)
	}
	entryData, err := json.Marshal(*entry)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry %d: %v", entry.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf("%s%d", instancePrefix, inst.ID), instData, 0)
	pipe.RPush(ctx, fmt.Sprintf("%s%d", historyPrefix, inst.ID), entryData)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: failed to persist instance %d: %v", ErrTransient, inst.ID, err)
	}
	return fnErr
}

// ListInstances scans instance keys and filters client-side, newest first.
func (s *RedisStorage) ListInstances(ctx context.Context, filter InstanceFilter) ([]types.Instance, error) {
	return withContext(ctx, func() ([]types.Instance, error) {
		keys, err := s.client.Keys(ctx, instancePrefix+"*").Result()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan instance keys: %v", ErrTransient, err)
		}

		var out []types.Instance
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return nil, fmt.Errorf("%w: failed to get %s: %v", ErrTransient, key, err)
			}

			var inst types.Instance
			if err := json.Unmarshal(data, &inst); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %v", key, err)
			}

			if filter.AssignedTo != "" && inst.AssignedTo != filter.AssignedTo {
				continue
			}
			if filter.OrganizationID != 0 && inst.OrganizationID != filter.OrganizationID {
				continue
			}
			if filter.Status != "" && inst.Status != filter.Status {
				continue
			}
			out = append(out, inst)
		}

		sort.Slice(out, func(i, j int) bool {
			if out[i].CreatedAt != out[j].CreatedAt {
				return out[i].CreatedAt > out[j].CreatedAt
			}
			return out[i].ID > out[j].ID
		})

		if filter.Offset > 0 {
			if filter.Offset >= len(out) {
				return nil, nil
			}
			out = out[filter.Offset:]
		}
		if filter.Limit > 0 && filter.Limit < len(out) {
			out = out[:filter.Limit]
		}
		return out, nil
	})
}

// ListHistory returns up to limit entries for an instance, newest first.
func (s *RedisStorage) ListHistory(ctx context.Context, instanceID uint64, limit int) ([]types.HistoryEntry, error) {
	return withContext(ctx, func() ([]types.HistoryEntry, error) {
		key := fmt.Sprintf("%s%d", historyPrefix, instanceID)
		items, err := s.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read %s: %v", ErrTransient, key, err)
		}

		entries := make([]types.HistoryEntry, 0, len(items))
		// Stored oldest-first; walk backwards for newest-first.
		for i := len(items) - 1; i >= 0; i-- {
			var entry types.HistoryEntry
			if err := json.Unmarshal([]byte(items[i]), &entry); err != nil {
				return nil, fmt.Errorf("failed to unmarshal history entry in %s: %v", key, err)
			}
			entries = append(entries, entry)
			if limit > 0 && len(entries) == limit {
				break
			}
		}
		return entries, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// Ensure RedisStorage implements Storage.
var _ Storage = (*RedisStorage)(nil)
