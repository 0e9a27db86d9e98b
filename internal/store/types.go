// Package store is the lock-guarded persistence layer for document chunks
// and their embeddings. Two drivers implement ChunkStore: PGStore (Postgres
// with pgvector) for production and MemoryStore (HNSW + bleve) for
// development and tests. All access is serialized through a cooperative
// QueryLocks manager; orchestration code never touches the backing store
// directly.
package store

import (
	"context"
	"time"
)

// Metric selects the vector distance operator for KNN queries.
type Metric string

const (
	// MetricCosine orders by cosine distance (pgvector <=>).
	MetricCosine Metric = "cosine"
	// MetricL2 orders by Euclidean distance (pgvector <->).
	MetricL2 Metric = "l2"
	// MetricInnerProduct orders by negative inner product (pgvector <#>).
	MetricInnerProduct Metric = "ip"
)

// operator returns the pgvector distance operator for the metric.
func (m Metric) operator() string {
	switch m {
	case MetricL2:
		return "<->"
	case MetricInnerProduct:
		return "<#>"
	default:
		return "<=>"
	}
}

// Hybrid ranking weights applied by HybridSearch.
const (
	// LexicalWeight is the weight of the full-text rank signal.
	LexicalWeight = 0.3
	// VectorWeight is the weight of the vector similarity signal.
	VectorWeight = 0.7
)

// ANNIndexName is the naming convention for the approximate nearest-neighbor
// index on the embedding column. HasANNIndex checks for it; its absence is a
// performance signal, not an error.
const ANNIndexName = "idx_document_chunks_embedding"

// DocumentChunk is the persisted unit of retrieval. All chunks embedded with
// one model share the same vector dimensionality, and ChunkIndex is unique
// and ordered within a DocumentID.
type DocumentChunk struct {
	ID           string
	DocumentID   string
	DocumentType string
	ChunkIndex   int
	Content      string
	Embedding    []float32
	Metadata     map[string]string
	CreatedAt    time.Time
}

// Match is one row returned by a store query. Distance is the raw metric
// distance for KNN results; Score is the similarity or combined hybrid score.
type Match struct {
	ID         string
	DocumentID string
	ChunkIndex int
	Content    string
	Metadata   map[string]string
	Distance   float64
	Score      float64
}

// SearchOptions bounds and filters a store query.
type SearchOptions struct {
	// Limit caps the number of rows returned. Required, > 0.
	Limit int

	// Threshold filters out rows whose similarity (1 - normalized
	// distance) falls below this value. Zero disables the filter.
	Threshold float64

	// Metric selects the distance operator. Defaults to cosine.
	Metric Metric

	// DocumentType restricts results to one document type when non-empty.
	DocumentType string
}

// BatchOp is the kind of one batch entry.
type BatchOp string

const (
	BatchInsert BatchOp = "insert"
	BatchUpdate BatchOp = "update"
	BatchDelete BatchOp = "delete"
)

// BatchEntry is one operation in a batch. Delete entries only need
// Chunk.ID set.
type BatchEntry struct {
	Op    BatchOp
	Chunk *DocumentChunk
}

// ChunkStore persists and queries document chunks with their embeddings.
type ChunkStore interface {
	// InsertChunk persists one chunk atomically, guarded by the
	// document's lock key.
	InsertChunk(ctx context.Context, chunk *DocumentChunk) error

	// ExecuteBatch runs a list of operations. When atomic, all entries
	// execute in one transaction rolled back wholly on any failure;
	// otherwise entries commit independently and a failure aborts only
	// the remaining entries.
	ExecuteBatch(ctx context.Context, entries []BatchEntry, atomic bool) error

	// QueryNearest runs a KNN query ordered by ascending distance.
	// An empty store yields an empty slice, never an error.
	QueryNearest(ctx context.Context, embedding []float32, opts SearchOptions) ([]Match, error)

	// HybridSearch combines a lexical rank and a vector similarity rank
	// with fixed weights via a full outer join over the candidate sets.
	HybridSearch(ctx context.Context, queryText string, embedding []float32, opts SearchOptions) ([]Match, error)

	// HasANNIndex reports whether the approximate index backing
	// latency-sensitive KNN paths exists.
	HasANNIndex(ctx context.Context) (bool, error)

	// Close releases the store's resources.
	Close() error
}

// normalizeOptions applies defaults shared by both drivers.
func normalizeOptions(opts SearchOptions) SearchOptions {
	if opts.Limit <= 0 {
		opts.Limit = 8
	}
	if opts.Metric == "" {
		opts.Metric = MetricCosine
	}
	return opts
}
