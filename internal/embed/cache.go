package embed

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces embedding cache entries in the shared Redis.
const redisKeyPrefix = "embed:cache:"

// RedisCache is the distributed cache tier backed by Redis. Vectors are
// packed as little-endian float32 so entries are readable across processes
// regardless of host byte order.
type RedisCache struct {
	client *redis.Client
}

// Verify interface implementation at compile time.
var _ RemoteCache = (*RedisCache)(nil)

// NewRedisCache creates a Redis-backed embedding cache tier.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get returns the cached vector for key, reporting a miss for absent or
// corrupt entries.
func (c *RedisCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	vec, ok := unpackVector(data)
	if !ok {
		// Corrupt entry; treat as a miss rather than an error.
		return nil, false, nil
	}
	return vec, true, nil
}

// Set stores the vector under key with the given TTL.
func (c *RedisCache) Set(ctx context.Context, key string, vec []float32, ttl time.Duration) error {
	return c.client.Set(ctx, redisKeyPrefix+key, packVector(vec), ttl).Err()
}

// packVector encodes a float32 slice as little-endian bytes.
func packVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// unpackVector decodes little-endian bytes into a float32 slice.
func unpackVector(data []byte) ([]float32, bool) {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, false
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return vec, true
}
