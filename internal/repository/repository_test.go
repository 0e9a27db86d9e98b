package repository

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casevault/lexrag/internal/chunk"
	"github.com/casevault/lexrag/internal/errors"
	"github.com/casevault/lexrag/internal/queue"
	"github.com/casevault/lexrag/internal/store"
)

// stubEmbedder returns deterministic vectors and can be told to fail from a
// given call onward.
type stubEmbedder struct {
	mu        sync.Mutex
	calls     int
	failAfter int // fail when calls exceeds this; 0 means never
	vectorFor func(text string) []float32
}

func (e *stubEmbedder) Embed(ctx context.Context, text, preferredModel string) ([]float32, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.failAfter > 0 && e.calls > e.failAfter {
		return nil, "", errors.ProviderError([]string{"stub-model"}, nil)
	}
	if e.vectorFor != nil {
		return e.vectorFor(text), "stub-model", nil
	}
	// Default: a crude but deterministic projection of the text.
	v := []float32{0, 0, 0}
	for i, r := range text {
		v[i%3] += float32(r%13) / 13
	}
	return v, "stub-model", nil
}

func newTestRepository(t *testing.T, embedder Embedder, cfg Config) (*Repository, *store.MemoryStore) {
	t.Helper()
	chunks, err := store.NewMemoryStore(3, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = chunks.Close() })

	q := queue.New(queue.NewMemoryPayloadStore(), nil)
	return New(q, embedder, chunks, cfg, nil), chunks
}

// wordText builds a document of n distinct words.
func wordText(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("word%d", i)
	}
	return strings.Join(words, " ")
}

func defaultTestConfig() Config {
	return Config{
		Chunking:   chunk.Options{Size: 100, Overlap: 10, MinSize: 25},
		QueryLimit: 8,
	}
}

func TestRepository_IngestLifecycle(t *testing.T) {
	repo, _ := newTestRepository(t, &stubEmbedder{}, defaultTestConfig())
	ctx := context.Background()

	queued, err := repo.EnqueueIngestion(ctx, &queue.JobRequest{
		SourceID:    "doc-400",
		TextContent: wordText(400),
	})
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, queued.Status)
	assert.Equal(t, 1, repo.PendingJobs())

	done, err := repo.ProcessNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, queue.StatusCompleted, done.Status)
	assert.Equal(t, 5, done.TotalChunks)
	assert.Equal(t, 5, done.ProcessedChunks)
	assert.Equal(t, "stub-model", done.Model)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)

	// The terminal status is queryable afterward.
	latest := repo.GetJobStatus(done.JobID)
	require.NotNil(t, latest)
	assert.Equal(t, queue.StatusCompleted, latest.Status)
}

func TestRepository_ShortContentCompletesWithNoChunks(t *testing.T) {
	repo, _ := newTestRepository(t, &stubEmbedder{}, defaultTestConfig())
	ctx := context.Background()

	queued, err := repo.EnqueueIngestion(ctx, &queue.JobRequest{
		SourceID:    "doc-short",
		TextContent: "two words",
	})
	require.NoError(t, err)

	done, err := repo.ProcessNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, queued.JobID, done.JobID)
	assert.Equal(t, queue.StatusCompleted, done.Status)
	assert.Equal(t, 0, done.TotalChunks)
	assert.Equal(t, 0, done.ProcessedChunks)

	results, err := repo.QuerySimilar(ctx, "two words", QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRepository_EmptyTextFailsJob(t *testing.T) {
	repo, _ := newTestRepository(t, &stubEmbedder{}, defaultTestConfig())
	ctx := context.Background()

	_, err := repo.EnqueueIngestion(ctx, &queue.JobRequest{SourceID: "doc-empty"})
	require.NoError(t, err)

	done, err := repo.ProcessNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, queue.StatusFailed, done.Status)
	assert.Contains(t, done.Error, "no text content")
}

func TestRepository_EmbedFailureAbortsRemainingChunks(t *testing.T) {
	// Fail on the third embedding: two chunks persist, the rest abort.
	embedder := &stubEmbedder{failAfter: 2}
	repo, chunks := newTestRepository(t, embedder, defaultTestConfig())
	ctx := context.Background()

	_, err := repo.EnqueueIngestion(ctx, &queue.JobRequest{
		SourceID:    "doc-fail",
		TextContent: wordText(400),
	})
	require.NoError(t, err)

	done, err := repo.ProcessNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, queue.StatusFailed, done.Status)
	assert.Equal(t, 5, done.TotalChunks)
	assert.Equal(t, 2, done.ProcessedChunks)
	assert.Contains(t, done.Error, errors.ErrCodeProviderExhausted)

	matches, err := chunks.QueryNearest(ctx, []float32{1, 1, 1}, store.SearchOptions{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestRepository_ProcessNextJobEmptyQueue(t *testing.T) {
	repo, _ := newTestRepository(t, &stubEmbedder{}, defaultTestConfig())

	status, err := repo.ProcessNextJob(context.Background())
	require.NoError(t, err)
	assert.Nil(t, status)
}

func TestRepository_EnqueueValidation(t *testing.T) {
	repo, _ := newTestRepository(t, &stubEmbedder{}, defaultTestConfig())
	ctx := context.Background()

	_, err := repo.EnqueueIngestion(ctx, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidPayload, errors.CodeOf(err))

	_, err = repo.EnqueueIngestion(ctx, &queue.JobRequest{TextContent: "text"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidPayload, errors.CodeOf(err))
}

func TestRepository_GetJobStatusUnknown(t *testing.T) {
	repo, _ := newTestRepository(t, &stubEmbedder{}, defaultTestConfig())
	assert.Nil(t, repo.GetJobStatus("no-such-job"))
}

func TestRepository_QuerySimilarScoresAndOrdering(t *testing.T) {
	vectors := map[string][]float32{
		"alpha clause": {1, 0, 0},
		"beta clause":  {0, 1, 0},
		"query text":   {0.95, 0.05, 0},
	}
	embedder := &stubEmbedder{vectorFor: func(text string) []float32 {
		if v, ok := vectors[text]; ok {
			return v
		}
		return []float32{0, 0, 1}
	}}
	repo, chunks := newTestRepository(t, embedder, defaultTestConfig())
	ctx := context.Background()

	require.NoError(t, chunks.InsertChunk(ctx, &store.DocumentChunk{
		ID: "a", DocumentID: "doc-1", ChunkIndex: 0, Content: "alpha clause", Embedding: []float32{1, 0, 0},
	}))
	require.NoError(t, chunks.InsertChunk(ctx, &store.DocumentChunk{
		ID: "b", DocumentID: "doc-1", ChunkIndex: 1, Content: "beta clause", Embedding: []float32{0, 1, 0},
	}))

	results, err := repo.QuerySimilar(ctx, "query text", QueryOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Greater(t, results[0].Score, results[1].Score)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
	}

	// Threshold drops the weak hit.
	results, err = repo.QuerySimilar(ctx, "query text", QueryOptions{Threshold: 0.9})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
}

func TestRepository_QuerySimilarEmptyStore(t *testing.T) {
	repo, _ := newTestRepository(t, &stubEmbedder{}, defaultTestConfig())

	results, err := repo.QuerySimilar(context.Background(), "anything", QueryOptions{})
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestRepository_QuerySimilarRequiresText(t *testing.T) {
	repo, _ := newTestRepository(t, &stubEmbedder{}, defaultTestConfig())

	_, err := repo.QuerySimilar(context.Background(), "", QueryOptions{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidPayload, errors.CodeOf(err))
}

func TestRepository_JobChunkingOverrides(t *testing.T) {
	repo, _ := newTestRepository(t, &stubEmbedder{}, defaultTestConfig())
	ctx := context.Background()

	// 200 words at the overridden size 50 (overlap stays 10, stride 40)
	// chunk into windows starting at 0, 40, 80, 120, 160.
	_, err := repo.EnqueueIngestion(ctx, &queue.JobRequest{
		SourceID:    "doc-override",
		TextContent: wordText(200),
		ChunkSize:   50,
	})
	require.NoError(t, err)

	done, err := repo.ProcessNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, queue.StatusCompleted, done.Status)
	assert.Equal(t, 5, done.TotalChunks)
}

func TestRepository_ChunkMetadataCarriesJobContext(t *testing.T) {
	repo, chunks := newTestRepository(t, &stubEmbedder{}, defaultTestConfig())
	ctx := context.Background()

	_, err := repo.EnqueueIngestion(ctx, &queue.JobRequest{
		SourceID:     "doc-meta",
		TextContent:  wordText(100),
		Filename:     "brief.txt",
		CollectionID: "matter-7",
		Metadata:     map[string]string{"document_type": "brief", "author": "associate"},
	})
	require.NoError(t, err)

	done, err := repo.ProcessNextJob(ctx)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, done.Status)

	matches, err := chunks.QueryNearest(ctx, []float32{1, 1, 1}, store.SearchOptions{Limit: 5, DocumentType: "brief"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "doc-meta", matches[0].DocumentID)
	assert.Equal(t, "brief.txt", matches[0].Metadata["filename"])
	assert.Equal(t, "matter-7", matches[0].Metadata["collection_id"])
	assert.Equal(t, "associate", matches[0].Metadata["author"])
}

func TestRepository_QueryHybrid(t *testing.T) {
	embedder := &stubEmbedder{vectorFor: func(text string) []float32 {
		if strings.Contains(text, "severability") {
			return []float32{1, 0, 0}
		}
		return []float32{0, 1, 0}
	}}
	repo, chunks := newTestRepository(t, embedder, defaultTestConfig())
	ctx := context.Background()

	require.NoError(t, chunks.InsertChunk(ctx, &store.DocumentChunk{
		ID: "sev", DocumentID: "doc-1", ChunkIndex: 0,
		Content: "the severability provision controls", Embedding: []float32{1, 0, 0},
	}))
	require.NoError(t, chunks.InsertChunk(ctx, &store.DocumentChunk{
		ID: "other", DocumentID: "doc-1", ChunkIndex: 1,
		Content: "payment schedule appendix", Embedding: []float32{0, 0, 1},
	}))

	results, err := repo.QueryHybrid(ctx, "severability provision", QueryOptions{Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "sev", results[0].ID)
}

func TestToResults_ClampsScores(t *testing.T) {
	// ts_rank can push a hybrid score past 1, and floating point drift can
	// nudge a distance below 0; results always stay within [0, 1].
	hybrid := toResults([]store.Match{
		{ID: "hot", Score: 1.37},
		{ID: "cold", Score: -0.02},
		{ID: "mid", Score: 0.6},
	}, false)
	require.Len(t, hybrid, 3)
	assert.Equal(t, 1.0, hybrid[0].Score)
	assert.Equal(t, 0.0, hybrid[1].Score)
	assert.Equal(t, 0.6, hybrid[2].Score)

	knn := toResults([]store.Match{{ID: "exact", Distance: -1e-9}}, true)
	require.Len(t, knn, 1)
	assert.Equal(t, 1.0, knn[0].Score)
}
