package queue

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPayloadStore persists job payloads in Redis with a TTL.
type RedisPayloadStore struct {
	client *redis.Client
}

// Verify interface implementation at compile time.
var _ PayloadStore = (*RedisPayloadStore)(nil)

// NewRedisPayloadStore creates a Redis-backed payload store.
func NewRedisPayloadStore(client *redis.Client) *RedisPayloadStore {
	return &RedisPayloadStore{client: client}
}

// Set stores value under key with the given TTL.
func (s *RedisPayloadStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Get returns the value for key, reporting a miss for absent keys.
func (s *RedisPayloadStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// MemoryPayloadStore is an in-process payload store with TTL expiry,
// used by tests and the memory database driver.
type MemoryPayloadStore struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// Verify interface implementation at compile time.
var _ PayloadStore = (*MemoryPayloadStore)(nil)

// NewMemoryPayloadStore creates an in-memory payload store.
func NewMemoryPayloadStore() *MemoryPayloadStore {
	return &MemoryPayloadStore{
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

// SetClock injects a clock, for TTL tests.
func (s *MemoryPayloadStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Set stores value under key with the given TTL.
func (s *MemoryPayloadStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dup := make([]byte, len(value))
	copy(dup, value)
	s.entries[key] = memoryEntry{data: dup, expires: s.now().Add(ttl)}
	return nil
}

// Get returns the value for key; expired entries are removed and reported
// as misses.
func (s *MemoryPayloadStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if s.now().After(entry.expires) {
		delete(s.entries, key)
		return nil, false, nil
	}
	return entry.data, true, nil
}

// Delete removes a key. Used by tests to simulate payload expiry.
func (s *MemoryPayloadStore) Delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}
