package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis. Optimistic locking is enforced
// with a WATCH transaction on the session key, so concurrent writers from
// any process race safely: first write wins, the rest get a ConflictError.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all session keys (default: "agentcore:session:").
	Prefix string
	// RecordTTL is the Redis key expiry (0 = never expire). The logical
	// session TTL is enforced by the manager; this is a safety net so
	// abandoned records don't accumulate.
	RecordTTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, &StorageError{Backend: "redis", Op: "ping", Err: err}
	}

	return newRedisStore(client, cfg.Prefix, cfg.RecordTTL), nil
}

// NewRedisStoreFromClient creates a Redis store from an existing client.
// This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return newRedisStore(client, prefix, ttl)
}

func newRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "agentcore:session:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) recordKey(id string) string { return r.prefix + id }
func (r *RedisStore) indexKey() string           { return r.prefix + "index" }

func (r *RedisStore) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStoreClosed
	}
	return nil
}

// Save persists a session record under the version CAS contract.
func (r *RedisStore) Save(ctx context.Context, s *Session, expectedVersion int64) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	data, err := Encode(s)
	if err != nil {
		return err
	}

	key := r.recordKey(s.ID)
	txn := func(tx *redis.Tx) error {
		stored, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if expectedVersion != 0 {
				return ErrNotFound
			}
		case err != nil:
			return &StorageError{Backend: "redis", Op: "get record", Err: err}
		default:
			existing, err := Decode(stored)
			if err != nil {
				return err
			}
			if existing.Version != expectedVersion {
				return &ConflictError{ID: s.ID, Expected: expectedVersion, Actual: existing.Version}
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttl)
			pipe.SAdd(ctx, r.indexKey(), s.ID)
			return nil
		})
		return err
	}

	err = r.client.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		// The key changed between read and write: a concurrent writer won.
		actual := expectedVersion
		if current, gerr := r.Get(ctx, s.ID); gerr == nil {
			actual = current.Version
		}
		return &ConflictError{ID: s.ID, Expected: expectedVersion, Actual: actual}
	}
	return err
}

// Get retrieves a session by ID.
func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	data, err := r.client.Get(ctx, r.recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, &StorageError{Backend: "redis", Op: "get record", Err: err}
	}
	return Decode(data)
}

// Delete removes a session record. Missing IDs are ignored.
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	pipe.Del(ctx, r.recordKey(id))
	pipe.SRem(ctx, r.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return &StorageError{Backend: "redis", Op: "delete record", Err: err}
	}
	return nil
}

// List returns all stored session IDs.
func (r *RedisStore) List(ctx context.Context) ([]string, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, &StorageError{Backend: "redis", Op: "list index", Err: err}
	}

	// Prune index entries whose record expired out from under us.
	live := ids[:0]
	for _, id := range ids {
		n, err := r.client.Exists(ctx, r.recordKey(id)).Result()
		if err != nil {
			return nil, &StorageError{Backend: "redis", Op: "check record", Err: err}
		}
		if n == 0 {
			r.client.SRem(ctx, r.indexKey(), id)
			continue
		}
		live = append(live, id)
	}
	return live, nil
}

// Stats returns the session count.
func (r *RedisStore) Stats(ctx context.Context) (StoreStats, error) {
	ids, err := r.List(ctx)
	if err != nil {
		return StoreStats{}, err
	}
	return StoreStats{Backend: "redis", Sessions: len(ids)}, nil
}

// HealthCheck pings the server.
func (r *RedisStore) HealthCheck(ctx context.Context) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return &StorageError{Backend: "redis", Op: "ping", Err: err}
	}
	return nil
}

// Close releases the client connection pool. Idempotent.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
