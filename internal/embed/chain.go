package embed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/casevault/lexrag/internal/errors"
)

// ProviderFactory builds a Provider for a model name. The chain uses it to
// materialize providers for preferred models it has not seen before.
type ProviderFactory func(model string) Provider

// ChainConfig configures the embedding provider chain.
type ChainConfig struct {
	// DefaultModel is the model used when a caller supplies none.
	DefaultModel string

	// FallbackModels are appended after the preferred model, in order.
	FallbackModels []string

	// CacheSize is the local LRU tier capacity in entries.
	CacheSize int

	// CacheTTL is the distributed tier entry lifetime.
	CacheTTL time.Duration

	// Retry configures per-provider retries before falling through.
	Retry RetryConfig
}

// Chain is the ordered embedding provider chain with cache-first lookup.
//
// For each candidate model, in order: the local LRU tier is checked, then the
// distributed tier, then the remote provider is called (with bounded retry).
// Any provider failure logs a warning and moves on to the next candidate.
// A successful embedding is written through both tiers best-effort before
// being returned. If every candidate fails, Embed returns an aggregated
// provider error naming all attempted models.
type Chain struct {
	config  ChainConfig
	factory ProviderFactory
	logger  *slog.Logger

	local  *lru.Cache[string, []float32]
	remote RemoteCache // may be nil when no distributed tier is configured

	mu        sync.RWMutex
	providers map[string]Provider
	flight    singleflight.Group
}

// NewChain creates a provider chain. remote may be nil to run with only the
// local cache tier.
func NewChain(cfg ChainConfig, factory ProviderFactory, remote RemoteCache, logger *slog.Logger) *Chain {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	local, _ := lru.New[string, []float32](cfg.CacheSize)
	c := &Chain{
		config:    cfg,
		factory:   factory,
		logger:    logger,
		local:     local,
		remote:    remote,
		providers: make(map[string]Provider),
	}

	// Materialize fallback providers up front so Dimensions and model
	// listing work before the first call.
	for _, m := range c.candidates("") {
		c.provider(m)
	}
	return c
}

// Embed produces an embedding for text, preferring preferredModel (falling
// back to the configured default when empty) and failing over through the
// configured fallback models. Concurrent calls for the same text and model
// are collapsed into a single provider request.
func (c *Chain) Embed(ctx context.Context, text, preferredModel string) ([]float32, string, error) {
	models := c.candidates(preferredModel)
	attempted := make([]string, 0, len(models))
	var lastErr error

	for _, model := range models {
		attempted = append(attempted, model)

		vec, err := c.embedOne(ctx, text, model)
		if err == nil {
			return vec, model, nil
		}
		lastErr = err

		// Caller cancellation is not a provider failure; stop here.
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}

		c.logger.Warn("embedding candidate failed, trying next",
			slog.String("model", model),
			slog.String("error", err.Error()))
	}

	return nil, "", errors.ProviderError(attempted, lastErr)
}

// embedOne runs the cache-first lookup and provider call for one model.
func (c *Chain) embedOne(ctx context.Context, text, model string) ([]float32, error) {
	key := cacheKey(text, model)

	if vec, ok := c.local.Get(key); ok {
		return vec, nil
	}

	if c.remote != nil {
		vec, ok, err := c.remote.Get(ctx, key)
		if err != nil {
			c.logger.Warn("distributed cache read failed",
				slog.String("model", model),
				slog.String("error", err.Error()))
		} else if ok {
			c.local.Add(key, vec)
			return vec, nil
		}
	}

	v, err, _ := c.flight.Do(key, func() (any, error) {
		provider := c.provider(model)

		var vec []float32
		err := withRetry(ctx, c.config.Retry, func() error {
			var embedErr error
			vec, embedErr = provider.Embed(ctx, text)
			return embedErr
		})
		if err != nil {
			return nil, err
		}

		c.writeThrough(ctx, key, model, vec)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// writeThrough populates both cache tiers. Best-effort: failures are logged
// and never fail the embed call.
func (c *Chain) writeThrough(ctx context.Context, key, model string, vec []float32) {
	c.local.Add(key, vec)

	if c.remote == nil {
		return
	}
	if err := c.remote.Set(ctx, key, vec, c.config.CacheTTL); err != nil {
		c.logger.Warn("distributed cache write failed",
			slog.String("model", model),
			slog.String("error", err.Error()))
	}
}

// candidates returns the ordered, deduplicated model list for one call.
func (c *Chain) candidates(preferred string) []string {
	if preferred == "" {
		preferred = c.config.DefaultModel
	}

	ordered := make([]string, 0, 1+len(c.config.FallbackModels))
	seen := make(map[string]bool, 1+len(c.config.FallbackModels))

	for _, m := range append([]string{preferred}, c.config.FallbackModels...) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		ordered = append(ordered, m)
	}
	return ordered
}

// provider returns (creating if needed) the provider for model.
func (c *Chain) provider(model string) Provider {
	c.mu.RLock()
	p, ok := c.providers[model]
	c.mu.RUnlock()
	if ok {
		return p
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.providers[model]; ok {
		return p
	}
	p = c.factory(model)
	c.providers[model] = p
	return p
}

// Dimensions returns the first known embedding dimension across the chain's
// providers, or DefaultDimensions if none has reported one yet.
func (c *Chain) Dimensions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.candidates("") {
		if p, ok := c.providers[m]; ok && p.Dimensions() > 0 {
			return p.Dimensions()
		}
	}
	return DefaultDimensions
}
