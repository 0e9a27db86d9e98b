package store

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/coder/hnsw"

	"github.com/casevault/lexrag/internal/errors"
	"github.com/casevault/lexrag/internal/vector"
)

// memoryCandidateFloor is the minimum ANN candidate set fetched before exact
// re-ranking, so that type and threshold filters still have rows to work on.
const memoryCandidateFloor = 32

// bleveChunk is the shape indexed for lexical search.
type bleveChunk struct {
	Content string `json:"content"`
}

// MemoryStore implements ChunkStore entirely in process: an HNSW graph for
// approximate KNN with exact re-ranking, and a memory-only bleve index for
// the lexical half of hybrid search. It backs the "memory" database driver
// used in development and tests.
type MemoryStore struct {
	locks  *QueryLocks
	logger *slog.Logger
	dims   int

	mu      sync.RWMutex
	chunks  map[string]*DocumentChunk
	graph   *hnsw.Graph[uint64]
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64
	lexical bleve.Index
	closed  bool
}

var _ ChunkStore = (*MemoryStore)(nil)

// NewMemoryStore builds an empty in-process store for vectors of the given
// dimensionality.
func NewMemoryStore(dims int, locks *QueryLocks, logger *slog.Logger) (*MemoryStore, error) {
	if dims <= 0 {
		return nil, errors.ValidationError("vector dimensions must be positive", nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = NewQueryLocks(logger)
	}

	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, errors.StorageError("cannot create lexical index", err)
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance

	return &MemoryStore{
		locks:   locks,
		logger:  logger,
		dims:    dims,
		chunks:  make(map[string]*DocumentChunk),
		graph:   graph,
		idMap:   make(map[string]uint64),
		keyMap:  make(map[uint64]string),
		lexical: idx,
	}, nil
}

// InsertChunk persists one chunk, guarded by the document's lock key.
func (s *MemoryStore) InsertChunk(ctx context.Context, chunk *DocumentChunk) error {
	release, err := s.locks.Acquire(ctx, lockKeyDocPrefix+chunk.DocumentID)
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.StorageError("store is closed", nil)
	}
	return s.insertLocked(chunk)
}

// insertLocked upserts one chunk: lexical index first (the only step that
// can fail), then the graph and lookup maps.
func (s *MemoryStore) insertLocked(chunk *DocumentChunk) error {
	if err := s.validateChunk(chunk); err != nil {
		return err
	}
	if err := s.lexical.Index(chunk.ID, bleveChunk{Content: chunk.Content}); err != nil {
		return errors.StorageError("cannot index chunk content", err)
	}
	s.insertVectorLocked(chunk)
	return nil
}

// validateChunk checks identity and dimensionality without mutating state.
func (s *MemoryStore) validateChunk(chunk *DocumentChunk) error {
	if chunk == nil || chunk.ID == "" {
		return errors.ValidationError("chunk requires an id", nil)
	}
	if len(chunk.Embedding) != s.dims {
		return errors.DimensionMismatch(s.dims, len(chunk.Embedding))
	}
	return nil
}

// insertVectorLocked adds an already-validated chunk to the graph and lookup
// maps. Existing graph nodes are removed lazily: the old key is orphaned
// rather than deleted from the graph, which avoids coder/hnsw instability
// when removing nodes.
func (s *MemoryStore) insertVectorLocked(chunk *DocumentChunk) {
	if oldKey, exists := s.idMap[chunk.ID]; exists {
		delete(s.keyMap, oldKey)
		delete(s.idMap, chunk.ID)
	}

	key := s.nextKey
	s.nextKey++

	// The graph distance is cosine, so nodes store normalized copies; the
	// chunk keeps the original vector for exact re-ranking.
	s.graph.Add(hnsw.MakeNode(key, vector.Normalize(chunk.Embedding)))
	s.idMap[chunk.ID] = key
	s.keyMap[key] = chunk.ID

	stored := *chunk
	s.chunks[chunk.ID] = &stored
}

// removeVectorLocked lazily drops a chunk from the graph mappings.
func (s *MemoryStore) removeVectorLocked(id string) {
	if key, exists := s.idMap[id]; exists {
		delete(s.keyMap, key)
		delete(s.idMap, id)
	}
	delete(s.chunks, id)
}

// ExecuteBatch runs entries under the batch lock key. Atomic batches are
// validated in full, then every lexical change is staged in one bleve batch
// before the infallible graph mutations run, so a failure anywhere applies
// nothing. Non-atomic entries apply one at a time and a failure aborts the
// remaining entries.
func (s *MemoryStore) ExecuteBatch(ctx context.Context, entries []BatchEntry, atomic bool) error {
	if len(entries) == 0 {
		return nil
	}

	release, err := s.locks.Acquire(ctx, lockKeyBatch)
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.StorageError("store is closed", nil)
	}

	if atomic {
		return s.executeAtomicLocked(entries)
	}

	for i, entry := range entries {
		if err := s.applyEntry(entry); err != nil {
			return errors.StorageError("batch entry "+strconv.Itoa(i)+" failed, remaining entries aborted", err)
		}
	}
	return nil
}

// executeAtomicLocked runs an all-or-nothing batch.
func (s *MemoryStore) executeAtomicLocked(entries []BatchEntry) error {
	for i, entry := range entries {
		if err := s.validateEntry(entry); err != nil {
			return errors.New(errors.ErrCodeTxRollback,
				"atomic batch rejected at entry "+strconv.Itoa(i), err)
		}
	}

	batch := s.lexical.NewBatch()
	for i, entry := range entries {
		if entry.Op == BatchDelete {
			batch.Delete(entry.Chunk.ID)
			continue
		}
		if err := batch.Index(entry.Chunk.ID, bleveChunk{Content: entry.Chunk.Content}); err != nil {
			return errors.New(errors.ErrCodeTxRollback,
				"atomic batch rejected at entry "+strconv.Itoa(i), err)
		}
	}
	if err := s.lexical.Batch(batch); err != nil {
		return errors.New(errors.ErrCodeTxRollback, "atomic batch rolled back", err)
	}

	for _, entry := range entries {
		if entry.Op == BatchDelete {
			s.removeVectorLocked(entry.Chunk.ID)
		} else {
			s.insertVectorLocked(entry.Chunk)
		}
	}
	return nil
}

// validateEntry checks an entry without mutating state.
func (s *MemoryStore) validateEntry(entry BatchEntry) error {
	if entry.Chunk == nil {
		return errors.ValidationError("batch entry has no chunk", nil)
	}
	switch entry.Op {
	case BatchInsert, BatchUpdate:
		return s.validateChunk(entry.Chunk)
	case BatchDelete:
		if entry.Chunk.ID == "" {
			return errors.ValidationError("delete entry requires an id", nil)
		}
		return nil
	default:
		return errors.ValidationError("unknown batch op "+string(entry.Op), nil)
	}
}

// applyEntry mutates store state for one entry on the non-atomic path.
func (s *MemoryStore) applyEntry(entry BatchEntry) error {
	if err := s.validateEntry(entry); err != nil {
		return err
	}
	switch entry.Op {
	case BatchInsert, BatchUpdate:
		return s.insertLocked(entry.Chunk)
	default: // BatchDelete
		if err := s.lexical.Delete(entry.Chunk.ID); err != nil {
			return errors.StorageError("cannot delete chunk from lexical index", err)
		}
		s.removeVectorLocked(entry.Chunk.ID)
		return nil
	}
}

// QueryNearest fetches ANN candidates from the graph, re-ranks them with
// exact distances against the stored vectors, applies filters, and returns
// the top rows ordered by ascending distance.
func (s *MemoryStore) QueryNearest(ctx context.Context, embedding []float32, opts SearchOptions) ([]Match, error) {
	opts = normalizeOptions(opts)

	release, err := s.locks.Acquire(ctx, lockKeyQuery)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.StorageError("store is closed", nil)
	}
	if len(embedding) != s.dims {
		return nil, errors.DimensionMismatch(s.dims, len(embedding))
	}
	if s.graph.Len() == 0 {
		return []Match{}, nil
	}

	matches := []Match{}
	for _, chunk := range s.candidates(embedding, opts.Limit) {
		if opts.DocumentType != "" && chunk.DocumentType != opts.DocumentType {
			continue
		}
		dist, err := s.exactDistance(embedding, chunk.Embedding, opts.Metric)
		if err != nil {
			return nil, err
		}
		score := 1 - dist
		if opts.Threshold > 0 && score < opts.Threshold {
			continue
		}
		matches = append(matches, Match{
			ID:         chunk.ID,
			DocumentID: chunk.DocumentID,
			ChunkIndex: chunk.ChunkIndex,
			Content:    chunk.Content,
			Metadata:   chunk.Metadata,
			Distance:   dist,
			Score:      score,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
	if len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	return matches, nil
}

// HybridSearch merges a bleve lexical ranking with the vector ranking via a
// full outer join over the candidate sets, mirroring the SQL hybrid query.
func (s *MemoryStore) HybridSearch(ctx context.Context, queryText string, embedding []float32, opts SearchOptions) ([]Match, error) {
	opts = normalizeOptions(opts)

	release, err := s.locks.Acquire(ctx, lockKeyQuery)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.StorageError("store is closed", nil)
	}
	if len(embedding) != s.dims {
		return nil, errors.DimensionMismatch(s.dims, len(embedding))
	}

	lexical, err := s.lexicalScores(ctx, queryText, opts.Limit, opts.DocumentType)
	if err != nil {
		return nil, err
	}

	var semantic []vector.Scored
	if s.graph.Len() > 0 {
		for _, chunk := range s.candidates(embedding, opts.Limit) {
			if opts.DocumentType != "" && chunk.DocumentType != opts.DocumentType {
				continue
			}
			sim, err := vector.CosineSimilarity(embedding, chunk.Embedding)
			if err != nil {
				return nil, err
			}
			semantic = append(semantic, vector.Scored{ID: chunk.ID, Score: sim})
		}
		sort.SliceStable(semantic, func(i, j int) bool {
			return semantic[i].Score > semantic[j].Score
		})
		if len(semantic) > opts.Limit {
			semantic = semantic[:opts.Limit]
		}
	}

	combined := vector.CombineRanks(lexical, semantic, LexicalWeight, VectorWeight)

	matches := make([]Match, 0, opts.Limit)
	for _, sc := range combined {
		chunk, ok := s.chunks[sc.ID]
		if !ok {
			continue
		}
		matches = append(matches, Match{
			ID:         chunk.ID,
			DocumentID: chunk.DocumentID,
			ChunkIndex: chunk.ChunkIndex,
			Content:    chunk.Content,
			Metadata:   chunk.Metadata,
			Score:      sc.Score,
		})
		if len(matches) == opts.Limit {
			break
		}
	}
	return matches, nil
}

// HasANNIndex always reports true: the graph is the approximate index.
func (s *MemoryStore) HasANNIndex(ctx context.Context) (bool, error) {
	return true, nil
}

// Close releases the lexical index.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.lexical.Close()
}

// candidates returns live chunks for an oversampled ANN search. The graph
// may return orphaned keys from lazy deletion; those are skipped.
func (s *MemoryStore) candidates(embedding []float32, limit int) []*DocumentChunk {
	k := limit * 4
	if k < memoryCandidateFloor {
		k = memoryCandidateFloor
	}
	nodes := s.graph.Search(vector.Normalize(embedding), k)

	out := make([]*DocumentChunk, 0, len(nodes))
	for _, node := range nodes {
		id, live := s.keyMap[node.Key]
		if !live {
			continue
		}
		if chunk, ok := s.chunks[id]; ok {
			out = append(out, chunk)
		}
	}
	return out
}

// exactDistance computes the re-ranking distance for one candidate. The
// memory driver only distinguishes cosine from l2; inner product falls back
// to cosine since the graph is cosine-ordered.
func (s *MemoryStore) exactDistance(query, candidate []float32, metric Metric) (float64, error) {
	if metric == MetricL2 {
		return vector.EuclideanDistance(query, candidate)
	}
	sim, err := vector.CosineSimilarity(query, candidate)
	if err != nil {
		return 0, err
	}
	return 1 - sim, nil
}

// lexicalScores runs the bleve half of hybrid search. Raw BM25 scores are
// normalized by the best retained hit so they combine on the same [0,1]
// scale as cosine similarity. The lexical index does not know document
// types, so a type filter oversamples and checks the stored chunks.
func (s *MemoryStore) lexicalScores(ctx context.Context, queryText string, limit int, docType string) ([]vector.Scored, error) {
	if queryText == "" {
		return nil, nil
	}

	size := limit
	if docType != "" {
		size = limit * 4
		if size < memoryCandidateFloor {
			size = memoryCandidateFloor
		}
	}

	matchQuery := bleve.NewMatchQuery(queryText)
	matchQuery.SetField("content")
	req := bleve.NewSearchRequest(matchQuery)
	req.Size = size

	res, err := s.lexical.SearchInContext(ctx, req)
	if err != nil {
		return nil, errors.StorageError("lexical search failed", err)
	}

	var best float64
	scored := make([]vector.Scored, 0, limit)
	for _, hit := range res.Hits {
		if docType != "" {
			chunk, ok := s.chunks[hit.ID]
			if !ok || chunk.DocumentType != docType {
				continue
			}
		}
		if best == 0 {
			// Hits arrive in descending score order; the first
			// retained hit anchors the normalization.
			best = hit.Score
			if best <= 0 {
				best = 1
			}
		}
		scored = append(scored, vector.Scored{ID: hit.ID, Score: hit.Score / best})
		if len(scored) == limit {
			break
		}
	}
	return scored, nil
}
