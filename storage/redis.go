package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/stepflow/types"
)

const defaultRedisPrefix = "stepflow:run:"

// RedisStore is a Redis-backed RunStore. Each run is one key holding the
// encoded snapshot; compare-and-swap uses WATCH/MULTI on that key.
type RedisStore struct {
	client      *redis.Client
	codec       Codec
	prefix      string
	terminalTTL time.Duration
}

// RedisOptions extends redis.Options with store configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	// KeyPrefix defaults to "stepflow:run:".
	KeyPrefix string
	// TerminalTTL expires terminal runs after the given duration; zero keeps them.
	TerminalTTL time.Duration
	Codec       Codec
}

// NewRedisStore creates a RedisStore and verifies the connection.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
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

	return NewRedisStoreWithClient(client, opts), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, opts RedisOptions) *RedisStore {
	codec := opts.Codec
	if codec == nil {
		codec = JSONCodec{}
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{
		client:      client,
		codec:       codec,
		prefix:      prefix,
		terminalTTL: opts.TerminalTTL,
	}
}

func (s *RedisStore) key(runID string) string {
	return s.prefix + runID
}

func (s *RedisStore) ttl(run types.RunState) time.Duration {
	if run.Status.Terminal() {
		return s.terminalTTL
	}
	return 0
}

// Save writes the run to Redis.
func (s *RedisStore) Save(ctx context.Context, run types.RunState) error {
	return withContextError(ctx, func() error {
		data, err := s.codec.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to marshal run %s: %w", run.RunID, err)
		}
		key := s.key(run.RunID)
		if err := s.client.Set(ctx, key, data, s.ttl(run)).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		return nil
	})
}

// Load reads the run from Redis.
func (s *RedisStore) Load(ctx context.Context, runID string) (types.RunState, error) {
	return withContext(ctx, func() (types.RunState, error) {
		key := s.key(runID)
		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return types.RunState{}, fmt.Errorf("%w: key=%s", ErrRunNotFound, key)
		} else if err != nil {
			return types.RunState{}, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}
		run, err := s.codec.Unmarshal(data)
		if err != nil {
			return types.RunState{}, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return run, nil
	})
}

// Delete removes the run key.
func (s *RedisStore) Delete(ctx context.Context, runID string) error {
	return withContextError(ctx, func() error {
		if err := s.client.Del(ctx, s.key(runID)).Err(); err != nil {
			return fmt.Errorf("failed to delete run %s: %w", runID, err)
		}
		return nil
	})
}

// CompareAndSwap writes the run inside a WATCH transaction on its key.
func (s *RedisStore) CompareAndSwap(ctx context.Context, run types.RunState, expectedVersion int64) error {
	return withContextError(ctx, func() error {
		data, err := s.codec.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to marshal run %s: %w", run.RunID, err)
		}
		key := s.key(run.RunID)

		txf := func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, key).Bytes()
			exists := true
			if errors.Is(err, redis.Nil) {
				exists = false
			} else if err != nil {
				return fmt.Errorf("failed to get %s from Redis: %w", key, err)
			}

			switch {
			case expectedVersion == 0 && exists:
				return fmt.Errorf("%w: run %s already exists", ErrConflict, run.RunID)
			case expectedVersion != 0 && !exists:
				return fmt.Errorf("%w: key=%s", ErrRunNotFound, key)
			case exists:
				stored, err := s.codec.Unmarshal(current)
				if err != nil {
					return fmt.Errorf("failed to unmarshal %s: %w", key, err)
				}
				if stored.Version != expectedVersion {
					return fmt.Errorf("%w: run %s at version %d, expected %d", ErrConflict, run.RunID, stored.Version, expectedVersion)
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, s.ttl(run))
				return nil
			})
			return err
		}

		err = s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: run %s modified concurrently", ErrConflict, run.RunID)
		}
		return err
	})
}

// ClearTerminal removes terminal runs under the key prefix.
func (s *RedisStore) ClearTerminal(ctx context.Context) (int, error) {
	return withContext(ctx, func() (int, error) {
		pipe := s.client.Pipeline()
		removed := 0
		iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			data, err := s.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return 0, fmt.Errorf("failed to get %s: %w", key, err)
			}
			run, err := s.codec.Unmarshal(data)
			if err != nil {
				return 0, fmt.Errorf("failed to unmarshal %s: %w", key, err)
			}
			if run.Status.Terminal() {
				pipe.Del(ctx, key)
				removed++
			}
		}
		if err := iter.Err(); err != nil {
			return 0, fmt.Errorf("failed to scan run keys: %w", err)
		}
		if removed == 0 {
			return 0, nil
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("failed to execute pipeline for deletion: %w", err)
		}
		return removed, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
