package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/casevault/lexrag/internal/errors"
)

// HTTP client pool sizing.
const (
	httpPoolSize = 4
)

// HTTPConfig configures an HTTPProvider.
type HTTPConfig struct {
	// Endpoint is the embedding API base URL (e.g. http://localhost:11434).
	Endpoint string

	// Model is the model identifier sent with each request.
	Model string

	// Timeout bounds a single embedding call.
	Timeout time.Duration
}

// HTTPProvider generates embeddings via an Ollama-compatible HTTP API:
// POST {model, prompt} to /api/embeddings, expecting {embedding: [...]}.
// A non-2xx status or an empty vector is reported as a provider failure so
// the chain can fall through to the next candidate.
type HTTPProvider struct {
	client *http.Client
	config HTTPConfig

	mu   sync.RWMutex
	dims int
}

// Verify interface implementation at compile time.
var _ Provider = (*HTTPProvider)(nil)

// embedRequest is the provider wire request.
type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// embedResponse is the provider wire response.
type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewHTTPProvider creates a provider for one model.
// The request timeout is enforced per call via context, not on the client,
// so callers can tighten deadlines without rebuilding the provider.
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:        httpPoolSize,
		MaxIdleConnsPerHost: httpPoolSize,
		IdleConnTimeout:     30 * time.Second,
	}

	return &HTTPProvider{
		client: &http.Client{Transport: transport},
		config: cfg,
	}
}

// Embed generates an embedding for a single text.
func (p *HTTPProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	payload, err := json.Marshal(embedRequest{Model: p.config.Model, Prompt: text})
	if err != nil {
		return nil, errors.InternalError("failed to encode embed request", err)
	}

	url := p.config.Endpoint + "/api/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.InternalError("failed to create embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.New(errors.ErrCodeProviderUnavailable,
			fmt.Sprintf("embedding call to %s failed", p.config.Model), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.New(errors.ErrCodeProviderResponse,
			fmt.Sprintf("embedding call to %s returned status %d: %s",
				p.config.Model, resp.StatusCode, string(body)), nil)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.New(errors.ErrCodeProviderResponse,
			fmt.Sprintf("malformed embedding response from %s", p.config.Model), err)
	}
	if len(out.Embedding) == 0 {
		return nil, errors.New(errors.ErrCodeProviderResponse,
			fmt.Sprintf("empty embedding from %s", p.config.Model), nil)
	}

	p.recordDims(len(out.Embedding))
	return out.Embedding, nil
}

// ModelName returns the model identifier.
func (p *HTTPProvider) ModelName() string {
	return p.config.Model
}

// Dimensions returns the last observed embedding dimension, or 0 before the
// first successful call.
func (p *HTTPProvider) Dimensions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dims
}

func (p *HTTPProvider) recordDims(d int) {
	p.mu.Lock()
	p.dims = d
	p.mu.Unlock()
}
