package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed Store with TTL.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Claim implements Store using SET NX so concurrent claims on one key
// resolve to a single owner.
func (s *RedisStore) Claim(ctx context.Context, key, inputHash string, ttl time.Duration) (Record, bool, error) {
	data, err := json.Marshal(Record{InputHash: inputHash})
	if err != nil {
		return Record{}, false, fmt.Errorf("marshal idempotency record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	if ok {
		return Record{}, true, nil
	}

	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; claim again.
		return s.Claim(ctx, key, inputHash, ttl)
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("unmarshal idempotency record %q: %w", key, err)
	}
	if rec.InputHash != inputHash {
		return Record{}, false, conflict(key)
	}
	return rec, false, nil
}

// Complete implements Store.
func (s *RedisStore) Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// HealthCheck implements Store.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
