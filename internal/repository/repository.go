// Package repository orchestrates the ingestion and retrieval pipeline:
// chunking, embedding through the provider chain, lock-guarded storage, and
// the async job queue. Callers interact with this package only; the
// components beneath it never call each other directly.
package repository

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/casevault/lexrag/internal/chunk"
	"github.com/casevault/lexrag/internal/errors"
	"github.com/casevault/lexrag/internal/queue"
	"github.com/casevault/lexrag/internal/store"
)

// DefaultQueryLimit caps similarity results when the caller does not ask for
// a specific count.
const DefaultQueryLimit = 8

// metadataDocumentType is the job metadata key carrying the document type
// persisted on each chunk.
const metadataDocumentType = "document_type"

// Embedder resolves text to a vector through the provider fallback chain.
// Implemented by embed.Chain.
type Embedder interface {
	Embed(ctx context.Context, text, preferredModel string) ([]float32, string, error)
}

// SimilarityResult is one retrieval hit. Score is a similarity in [0,1]
// where 1 means an exact match.
type SimilarityResult struct {
	ID         string            `json:"id"`
	DocumentID string            `json:"document_id"`
	ChunkIndex int               `json:"chunk_index"`
	Content    string            `json:"content"`
	Score      float64           `json:"score"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// QueryOptions bounds a similarity query. Zero values fall back to the
// repository's configured defaults.
type QueryOptions struct {
	Limit        int
	Threshold    float64
	Model        string
	DocumentType string
}

// Config carries the repository's tunables.
type Config struct {
	// Chunking is applied to every job unless the job overrides it.
	Chunking chunk.Options

	// QueryLimit and QueryThreshold are the retrieval defaults.
	QueryLimit     int
	QueryThreshold float64
}

// Repository wires the queue, embedding chain, and chunk store into the
// ingestion and retrieval operations the CLI exposes.
type Repository struct {
	queue    *queue.Queue
	embedder Embedder
	store    store.ChunkStore
	logger   *slog.Logger
	config   Config
}

// New builds a Repository. All collaborators are required except the logger.
func New(q *queue.Queue, embedder Embedder, chunks store.ChunkStore, cfg Config, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueryLimit <= 0 {
		cfg.QueryLimit = DefaultQueryLimit
	}
	return &Repository{
		queue:    q,
		embedder: embedder,
		store:    chunks,
		logger:   logger,
		config:   cfg,
	}
}

// EnqueueIngestion accepts an ingestion request, persists its payload, and
// returns the queued job status. Content problems surface later during
// processing; only structurally unusable requests are rejected here.
func (r *Repository) EnqueueIngestion(ctx context.Context, req *queue.JobRequest) (*queue.JobStatus, error) {
	if req == nil {
		return nil, errors.ValidationError("ingestion request is required", nil)
	}
	if req.SourceID == "" {
		return nil, errors.ValidationError("ingestion request missing source_id", nil)
	}
	return r.queue.Enqueue(ctx, req)
}

// GetJobStatus returns a copy of the job's current status, or nil when the
// job is unknown.
func (r *Repository) GetJobStatus(jobID string) *queue.JobStatus {
	return r.queue.Status(jobID)
}

// ProcessNextJob pops and runs the oldest queued job. Returns (nil, nil)
// when the queue is empty; job-level failures land in the returned status,
// not the error.
func (r *Repository) ProcessNextJob(ctx context.Context) (*queue.JobStatus, error) {
	return r.queue.ProcessNext(ctx, r.processIngestion)
}

// processIngestion chunks the job's text, embeds each chunk through the
// fallback chain, and writes chunks to the store in index order. The first
// failing chunk aborts the remaining chunks and fails the job.
func (r *Repository) processIngestion(ctx context.Context, job *queue.JobRequest, update queue.UpdateFunc) error {
	if job.TextContent == "" {
		return errors.ValidationError("job has no text content", nil)
	}

	opts := r.config.Chunking
	if job.ChunkSize > 0 {
		opts.Size = job.ChunkSize
	}
	if job.ChunkOverlap > 0 {
		opts.Overlap = job.ChunkOverlap
	}

	chunks, err := chunk.Split(job.TextContent, opts)
	if err != nil {
		return err
	}
	update(queue.Progress{TotalChunks: len(chunks), ProcessedChunks: 0})

	// Content shorter than the minimum chunk size completes with nothing
	// to persist.
	if len(chunks) == 0 {
		return nil
	}

	for i, c := range chunks {
		vec, model, err := r.embedder.Embed(ctx, c.Text, job.Model)
		if err != nil {
			return err
		}

		doc := &store.DocumentChunk{
			ID:           uuid.NewString(),
			DocumentID:   job.SourceID,
			DocumentType: job.Metadata[metadataDocumentType],
			ChunkIndex:   c.Index,
			Content:      c.Text,
			Embedding:    vec,
			Metadata:     chunkMetadata(job),
		}
		if err := r.store.InsertChunk(ctx, doc); err != nil {
			return err
		}

		update(queue.Progress{TotalChunks: -1, ProcessedChunks: i + 1, Model: model})
	}
	return nil
}

// QuerySimilar embeds the query text and returns the nearest chunks as
// similarity results ordered by descending score. An empty store yields an
// empty slice.
func (r *Repository) QuerySimilar(ctx context.Context, text string, opts QueryOptions) ([]SimilarityResult, error) {
	if text == "" {
		return nil, errors.ValidationError("query text is required", nil)
	}
	opts = r.normalizeQuery(opts)

	vec, _, err := r.embedder.Embed(ctx, text, opts.Model)
	if err != nil {
		return nil, err
	}

	matches, err := r.store.QueryNearest(ctx, vec, store.SearchOptions{
		Limit:        opts.Limit,
		Threshold:    opts.Threshold,
		DocumentType: opts.DocumentType,
	})
	if err != nil {
		return nil, err
	}
	return toResults(matches, true), nil
}

// QueryHybrid combines lexical and vector rankings for the query text.
func (r *Repository) QueryHybrid(ctx context.Context, text string, opts QueryOptions) ([]SimilarityResult, error) {
	if text == "" {
		return nil, errors.ValidationError("query text is required", nil)
	}
	opts = r.normalizeQuery(opts)

	vec, _, err := r.embedder.Embed(ctx, text, opts.Model)
	if err != nil {
		return nil, err
	}

	matches, err := r.store.HybridSearch(ctx, text, vec, store.SearchOptions{
		Limit:        opts.Limit,
		DocumentType: opts.DocumentType,
	})
	if err != nil {
		return nil, err
	}
	return toResults(matches, false), nil
}

// PendingJobs reports how many jobs are waiting in the queue.
func (r *Repository) PendingJobs() int {
	return r.queue.Len()
}

// normalizeQuery applies the configured retrieval defaults.
func (r *Repository) normalizeQuery(opts QueryOptions) QueryOptions {
	if opts.Limit <= 0 {
		opts.Limit = r.config.QueryLimit
	}
	if opts.Threshold == 0 {
		opts.Threshold = r.config.QueryThreshold
	}
	return opts
}

// toResults converts store matches to similarity results. KNN matches derive
// their score from distance; hybrid matches carry the combined score, which
// ts_rank can push past 1. Both are clamped to [0,1].
func toResults(matches []store.Match, fromDistance bool) []SimilarityResult {
	results := make([]SimilarityResult, 0, len(matches))
	for _, m := range matches {
		score := m.Score
		if fromDistance {
			score = 1 - m.Distance
		}
		score = clamp01(score)
		results = append(results, SimilarityResult{
			ID:         m.ID,
			DocumentID: m.DocumentID,
			ChunkIndex: m.ChunkIndex,
			Content:    m.Content,
			Score:      score,
			Metadata:   m.Metadata,
		})
	}
	return results
}

// chunkMetadata builds the metadata persisted on each chunk from the job.
func chunkMetadata(job *queue.JobRequest) map[string]string {
	meta := make(map[string]string, len(job.Metadata)+2)
	for k, v := range job.Metadata {
		meta[k] = v
	}
	if job.Filename != "" {
		meta["filename"] = job.Filename
	}
	if job.CollectionID != "" {
		meta["collection_id"] = job.CollectionID
	}
	return meta
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
