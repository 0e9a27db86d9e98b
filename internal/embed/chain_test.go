package embed

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casevault/lexrag/internal/errors"
)

// mockProvider is a test double that counts calls and can be made to fail.
type mockProvider struct {
	model string
	dims  int
	vec   []float32
	fail  error
	calls atomic.Int64
}

func newMockProvider(model string, dims int) *mockProvider {
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = float32(i) * 0.001
	}
	return &mockProvider{model: model, dims: dims, vec: vec}
}

func (m *mockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	m.calls.Add(1)
	if m.fail != nil {
		return nil, m.fail
	}
	return m.vec, nil
}

func (m *mockProvider) ModelName() string { return m.model }
func (m *mockProvider) Dimensions() int   { return m.dims }

// mockRemoteCache is an in-memory RemoteCache with injectable failures.
type mockRemoteCache struct {
	data    map[string][]float32
	getErr  error
	setErr  error
	setHits atomic.Int64
}

func newMockRemoteCache() *mockRemoteCache {
	return &mockRemoteCache{data: map[string][]float32{}}
}

func (m *mockRemoteCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	vec, ok := m.data[key]
	return vec, ok, nil
}

func (m *mockRemoteCache) Set(ctx context.Context, key string, vec []float32, ttl time.Duration) error {
	m.setHits.Add(1)
	if m.setErr != nil {
		return m.setErr
	}
	m.data[key] = vec
	return nil
}

// noRetry keeps tests fast: a single attempt per provider.
func noRetry() RetryConfig {
	return RetryConfig{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func chainWith(providers map[string]*mockProvider, remote RemoteCache, fallbacks ...string) *Chain {
	factory := func(model string) Provider {
		if p, ok := providers[model]; ok {
			return p
		}
		p := newMockProvider(model, 4)
		providers[model] = p
		return p
	}
	return NewChain(ChainConfig{
		DefaultModel:   "default-model",
		FallbackModels: fallbacks,
		Retry:          noRetry(),
	}, factory, remote, nil)
}

func TestChain_PreferredModelSucceeds(t *testing.T) {
	providers := map[string]*mockProvider{}
	c := chainWith(providers, nil, "fallback-model")

	vec, model, err := c.Embed(context.Background(), "some clause", "good-model")
	require.NoError(t, err)

	assert.Equal(t, "good-model", model)
	assert.Len(t, vec, 4)
	assert.EqualValues(t, 1, providers["good-model"].calls.Load())
	assert.EqualValues(t, 0, providers["fallback-model"].calls.Load())
}

func TestChain_FallbackOnFailure(t *testing.T) {
	providers := map[string]*mockProvider{}
	c := chainWith(providers, nil, "good-model")
	providers["bad-model"] = newMockProvider("bad-model", 4)
	providers["bad-model"].fail = errors.New(errors.ErrCodeProviderUnavailable, "down", nil)

	vec, model, err := c.Embed(context.Background(), "indemnification", "bad-model")
	require.NoError(t, err)

	assert.Equal(t, "good-model", model)
	assert.NotEmpty(t, vec)
	assert.EqualValues(t, 1, providers["bad-model"].calls.Load())
}

func TestChain_AllCandidatesFail(t *testing.T) {
	providers := map[string]*mockProvider{}
	c := chainWith(providers, nil, "second-model")
	providers["first-model"] = newMockProvider("first-model", 4)
	providers["first-model"].fail = errors.New(errors.ErrCodeProviderUnavailable, "down", nil)
	// second-model was materialized by NewChain; fail the live instance.
	providers["second-model"].fail = errors.New(errors.ErrCodeProviderUnavailable, "down", nil)

	_, _, err := c.Embed(context.Background(), "text", "first-model")
	require.Error(t, err)

	assert.True(t, errors.HasCode(err, errors.ErrCodeProviderExhausted))
	assert.Contains(t, err.Error(), "first-model")
	assert.Contains(t, err.Error(), "second-model")
}

func TestChain_LocalCacheHitSkipsProvider(t *testing.T) {
	providers := map[string]*mockProvider{}
	c := chainWith(providers, nil)

	_, _, err := c.Embed(context.Background(), "same text", "m")
	require.NoError(t, err)
	_, _, err = c.Embed(context.Background(), "same text", "m")
	require.NoError(t, err)

	assert.EqualValues(t, 1, providers["m"].calls.Load())
}

func TestChain_CacheKeyIncludesModel(t *testing.T) {
	providers := map[string]*mockProvider{}
	c := chainWith(providers, nil)

	_, _, err := c.Embed(context.Background(), "same text", "model-a")
	require.NoError(t, err)
	_, _, err = c.Embed(context.Background(), "same text", "model-b")
	require.NoError(t, err)

	assert.EqualValues(t, 1, providers["model-a"].calls.Load())
	assert.EqualValues(t, 1, providers["model-b"].calls.Load())
}

func TestChain_RemoteCacheHit(t *testing.T) {
	providers := map[string]*mockProvider{}
	providers["m"] = newMockProvider("m", 4)
	remote := newMockRemoteCache()
	remote.data[cacheKey("warm text", "m")] = []float32{1, 2, 3}

	c := chainWith(providers, remote)

	vec, model, err := c.Embed(context.Background(), "warm text", "m")
	require.NoError(t, err)

	assert.Equal(t, "m", model)
	assert.Equal(t, []float32{1, 2, 3}, vec)
	assert.EqualValues(t, 0, providers["m"].calls.Load())
}

func TestChain_WriteThroughBothTiers(t *testing.T) {
	providers := map[string]*mockProvider{}
	remote := newMockRemoteCache()
	c := chainWith(providers, remote)

	_, _, err := c.Embed(context.Background(), "cold text", "m")
	require.NoError(t, err)

	_, ok := remote.data[cacheKey("cold text", "m")]
	assert.True(t, ok, "remote tier should be populated")
}

func TestChain_CacheWriteFailureDoesNotFailEmbed(t *testing.T) {
	providers := map[string]*mockProvider{}
	remote := newMockRemoteCache()
	remote.setErr = errors.StorageError("redis down", nil)

	c := chainWith(providers, remote)

	vec, _, err := c.Embed(context.Background(), "text", "m")
	require.NoError(t, err)
	assert.NotEmpty(t, vec)
}

func TestChain_CacheReadFailureFallsThroughToProvider(t *testing.T) {
	providers := map[string]*mockProvider{}
	remote := newMockRemoteCache()
	remote.getErr = errors.StorageError("redis down", nil)

	c := chainWith(providers, remote)

	_, _, err := c.Embed(context.Background(), "text", "m")
	require.NoError(t, err)
	assert.EqualValues(t, 1, providers["m"].calls.Load())
}

func TestChain_DeduplicatesCandidates(t *testing.T) {
	providers := map[string]*mockProvider{}
	c := chainWith(providers, nil, "dup-model", "dup-model")
	providers["dup-model"].fail = errors.New(errors.ErrCodeProviderUnavailable, "down", nil)

	_, _, err := c.Embed(context.Background(), "text", "dup-model")
	require.Error(t, err)
	assert.EqualValues(t, 1, providers["dup-model"].calls.Load())
}

func TestChain_EmptyPreferredUsesDefault(t *testing.T) {
	providers := map[string]*mockProvider{}
	c := chainWith(providers, nil)

	_, model, err := c.Embed(context.Background(), "text", "")
	require.NoError(t, err)
	assert.Equal(t, "default-model", model)
}

func TestChain_ContextCancellationStopsChain(t *testing.T) {
	providers := map[string]*mockProvider{}
	c := chainWith(providers, nil, "never-tried")
	providers["slow-model"] = newMockProvider("slow-model", 4)
	providers["slow-model"].fail = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := c.Embed(ctx, "text", "slow-model")
	require.Error(t, err)
	assert.EqualValues(t, 0, providers["never-tried"].calls.Load())
}
