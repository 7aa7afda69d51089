package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore is the shared atomic counter store behind the token buckets.
// Consume adds points to the counter for key and returns the new total for
// the current window. The store must be atomic per key so that concurrent
// server instances share quota correctly.
type CounterStore interface {
	Consume(ctx context.Context, key string, points int, ttl time.Duration) (int64, error)
}

// RedisStore implements CounterStore on Redis. INCRBY is atomic; the TTL is
// set only when the increment created the key, so the expiry never slides.
type RedisStore struct {
	Client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{Client: client}
}

func (s *RedisStore) Consume(ctx context.Context, key string, points int, ttl time.Duration) (int64, error) {
	total, err := s.Client.IncrBy(ctx, key, int64(points)).Result()
	if err != nil {
		return 0, err
	}
	if total == int64(points) {
		// First increment in this window created the key.
		if err := s.Client.Expire(ctx, key, ttl).Err(); err != nil {
			return total, err
		}
	}
	return total, nil
}

// MemStore is an in-process CounterStore for tests and single-node
// deployments. It does not share quota across processes.
type MemStore struct {
	mu       sync.Mutex
	counters map[string]int64
}

func NewMemStore() *MemStore {
	return &MemStore{counters: make(map[string]int64)}
}

func (s *MemStore) Consume(_ context.Context, key string, points int, _ time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key] += int64(points)
	return s.counters[key], nil
}
