// Package embed generates vector embeddings through an ordered chain of
// providers with two cache tiers and failover between candidate models.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Common embedding constants.
const (
	// DefaultTimeout is the default timeout for a single provider call.
	DefaultTimeout = 60 * time.Second

	// DefaultDimensions is the embedding dimension assumed when a provider
	// has not reported one yet.
	DefaultDimensions = 768

	// DefaultCacheSize is the default number of embeddings kept in the
	// local LRU tier. At 768 dims * 4 bytes * 1000 entries ≈ 3MB.
	DefaultCacheSize = 1000

	// DefaultCacheTTL is the distributed cache entry lifetime.
	DefaultCacheTTL = 24 * time.Hour

	// DefaultMaxRetries is the per-provider retry budget before the chain
	// falls through to the next candidate.
	DefaultMaxRetries = 2
)

// Provider generates embeddings for a single model.
type Provider interface {
	// Embed generates an embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// ModelName returns the model identifier.
	ModelName() string

	// Dimensions returns the embedding dimension, or 0 if unknown.
	Dimensions() int
}

// RemoteCache is the distributed second cache tier. Implementations must be
// safe for concurrent use. Writes are best-effort: a failed Set never fails
// the surrounding embed call.
type RemoteCache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, vec []float32, ttl time.Duration) error
}

// cacheKey derives the cache key for a text/model pair. SHA256 keeps key
// length constant regardless of input size.
func cacheKey(text, model string) string {
	hash := sha256.Sum256([]byte(text + "\x00" + model))
	return hex.EncodeToString(hash[:])
}
