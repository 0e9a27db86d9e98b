package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/casevault/lexrag/internal/errors"
)

// Postgres driver defaults.
const (
	// DefaultStatementTimeout bounds server-side execution of any single
	// statement or query.
	DefaultStatementTimeout = 30 * time.Second

	// DefaultTxDeadline is how long a transaction may remain open before
	// housekeeping force-rolls it back.
	DefaultTxDeadline = 30 * time.Second
)

// Lock key conventions. Single-chunk writes serialize on the document key so
// chunk commits within one ingestion job happen in index order; batches and
// queries serialize on coarser keys.
const (
	lockKeyDocPrefix = "doc:"
	lockKeyBatch     = "table:document_chunks"
	lockKeyQuery     = "query:document_chunks"
)

// PGConfig configures the Postgres store.
type PGConfig struct {
	// URL is the Postgres connection string.
	URL string

	// Dimensions is the embedding dimensionality of the vector column.
	Dimensions int

	// StatementTimeout bounds server-side query execution.
	StatementTimeout time.Duration

	// TxDeadline bounds how long a transaction may stay open.
	TxDeadline time.Duration
}

// PGStore implements ChunkStore on Postgres with the pgvector extension.
// Every operation is wrapped in a QueryLocks acquire/release pair.
type PGStore struct {
	pool   *pgxpool.Pool
	locks  *QueryLocks
	logger *slog.Logger
	config PGConfig

	mu       sync.Mutex
	openTxs  map[int64]*openTx
	nextTxID int64
}

// openTx tracks a live transaction for the housekeeping deadline.
type openTx struct {
	tx      pgx.Tx
	started time.Time
}

// Verify interface implementation at compile time.
var _ ChunkStore = (*PGStore)(nil)

// NewPGStore connects to Postgres and registers the pgvector codecs.
func NewPGStore(ctx context.Context, cfg PGConfig, locks *QueryLocks, logger *slog.Logger) (*PGStore, error) {
	if cfg.StatementTimeout <= 0 {
		cfg.StatementTimeout = DefaultStatementTimeout
	}
	if cfg.TxDeadline <= 0 {
		cfg.TxDeadline = DefaultTxDeadline
	}
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = NewQueryLocks(logger)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, errors.StorageError("invalid postgres url", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.StorageError("cannot connect to postgres", err)
	}

	return &PGStore{
		pool:    pool,
		locks:   locks,
		logger:  logger,
		config:  cfg,
		openTxs: make(map[int64]*openTx),
	}, nil
}

// EnsureSchema creates the pgvector extension, the chunk table, and its
// indexes (including the ANN index by naming convention).
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	// One statement per Exec: pgx's extended protocol rejects
	// multi-statement strings.
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_chunks (
			id            TEXT PRIMARY KEY,
			document_id   TEXT NOT NULL,
			document_type TEXT NOT NULL DEFAULT 'document',
			chunk_index   INTEGER NOT NULL,
			content       TEXT NOT NULL,
			embedding     vector(%d),
			metadata      JSONB NOT NULL DEFAULT '{}',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (document_id, chunk_index)
		)`, s.config.Dimensions),
		`CREATE INDEX IF NOT EXISTS idx_document_chunks_document_id
			ON document_chunks (document_id)`,
		`CREATE INDEX IF NOT EXISTS idx_document_chunks_content_fts
			ON document_chunks USING gin (to_tsvector('english', content))`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s
			ON document_chunks USING ivfflat (embedding vector_cosine_ops)
			WITH (lists = 100)`, ANNIndexName),
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.StatementTimeout)
	defer cancel()

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return errors.StorageError("failed to create schema", err)
		}
	}
	return nil
}

// InsertChunk persists one chunk, guarded by the document's lock key so that
// chunk writes within one document commit in issue order.
func (s *PGStore) InsertChunk(ctx context.Context, chunk *DocumentChunk) error {
	release, err := s.locks.Acquire(ctx, lockKeyDocPrefix+chunk.DocumentID)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, s.config.StatementTimeout)
	defer cancel()

	if err := s.execInsert(ctx, s.pool, chunk); err != nil {
		return err
	}
	return nil
}

const insertChunkSQL = `
	INSERT INTO document_chunks
		(id, document_id, document_type, chunk_index, content, embedding, metadata)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (document_id, chunk_index) DO UPDATE SET
		content   = EXCLUDED.content,
		embedding = EXCLUDED.embedding,
		metadata  = EXCLUDED.metadata`

// pgxExecer covers both pool and transaction execution paths.
type pgxExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// execInsert runs one chunk upsert against the pool or an open transaction.
func (s *PGStore) execInsert(ctx context.Context, db pgxExecer, chunk *DocumentChunk) error {
	meta, err := json.Marshal(orEmpty(chunk.Metadata))
	if err != nil {
		return errors.StorageError("cannot encode chunk metadata", err)
	}

	docType := chunk.DocumentType
	if docType == "" {
		docType = "document"
	}

	_, err = db.Exec(ctx, insertChunkSQL,
		chunk.ID, chunk.DocumentID, docType, chunk.ChunkIndex,
		chunk.Content, pgvector.NewVector(chunk.Embedding), meta)
	if err != nil {
		return errors.StorageError(
			fmt.Sprintf("failed to insert chunk %d of document %s", chunk.ChunkIndex, chunk.DocumentID), err)
	}
	return nil
}

// ExecuteBatch runs entries under the batch lock key. Atomic batches execute
// in one transaction rolled back wholly on any failure; non-atomic entries
// commit independently and a failure aborts only the remaining entries.
func (s *PGStore) ExecuteBatch(ctx context.Context, entries []BatchEntry, atomic bool) error {
	if len(entries) == 0 {
		return nil
	}

	release, err := s.locks.Acquire(ctx, lockKeyBatch)
	if err != nil {
		return err
	}
	defer release()

	if atomic {
		return s.executeAtomic(ctx, entries)
	}

	for i, entry := range entries {
		opCtx, cancel := context.WithTimeout(ctx, s.config.StatementTimeout)
		err := s.executeEntry(opCtx, s.pool, entry)
		cancel()
		if err != nil {
			return errors.StorageError(
				fmt.Sprintf("batch entry %d failed, %d remaining entries aborted", i, len(entries)-i-1), err)
		}
	}
	return nil
}

// executeAtomic runs all entries in one registered transaction.
func (s *PGStore) executeAtomic(ctx context.Context, entries []BatchEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.StorageError("cannot begin batch transaction", err)
	}

	txID := s.trackTx(tx)
	defer s.untrackTx(txID)

	for i, entry := range entries {
		opCtx, cancel := context.WithTimeout(ctx, s.config.StatementTimeout)
		err := s.executeEntry(opCtx, tx, entry)
		cancel()
		if err != nil {
			_ = tx.Rollback(ctx)
			return errors.New(errors.ErrCodeTxRollback,
				fmt.Sprintf("atomic batch rolled back at entry %d", i), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.StorageError("cannot commit batch transaction", err)
	}
	return nil
}

// executeEntry dispatches one batch entry.
func (s *PGStore) executeEntry(ctx context.Context, db pgxExecer, entry BatchEntry) error {
	if entry.Chunk == nil {
		return errors.ValidationError("batch entry has no chunk", nil)
	}

	switch entry.Op {
	case BatchInsert:
		return s.execInsert(ctx, db, entry.Chunk)
	case BatchUpdate:
		meta, err := json.Marshal(orEmpty(entry.Chunk.Metadata))
		if err != nil {
			return errors.StorageError("cannot encode chunk metadata", err)
		}
		_, err = db.Exec(ctx, `
			UPDATE document_chunks
			SET content = $2, embedding = $3, metadata = $4
			WHERE id = $1`,
			entry.Chunk.ID, entry.Chunk.Content,
			pgvector.NewVector(entry.Chunk.Embedding), meta)
		if err != nil {
			return errors.StorageError("failed to update chunk "+entry.Chunk.ID, err)
		}
		return nil
	case BatchDelete:
		_, err := db.Exec(ctx, `DELETE FROM document_chunks WHERE id = $1`, entry.Chunk.ID)
		if err != nil {
			return errors.StorageError("failed to delete chunk "+entry.Chunk.ID, err)
		}
		return nil
	default:
		return errors.ValidationError(fmt.Sprintf("unknown batch op %q", entry.Op), nil)
	}
}

// QueryNearest runs a store-pushed KNN query ordered by ascending distance.
func (s *PGStore) QueryNearest(ctx context.Context, embedding []float32, opts SearchOptions) ([]Match, error) {
	opts = normalizeOptions(opts)

	release, err := s.locks.Acquire(ctx, lockKeyQuery)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, s.config.StatementTimeout)
	defer cancel()

	op := opts.Metric.operator()
	var sb strings.Builder
	fmt.Fprintf(&sb, `
		SELECT id, document_id, chunk_index, content, metadata,
		       embedding %s $1 AS distance
		FROM document_chunks
		WHERE embedding IS NOT NULL`, op)

	args := []any{pgvector.NewVector(embedding)}
	if opts.DocumentType != "" {
		args = append(args, opts.DocumentType)
		fmt.Fprintf(&sb, " AND document_type = $%d", len(args))
	}
	if opts.Threshold > 0 {
		args = append(args, opts.Threshold)
		fmt.Fprintf(&sb, " AND 1 - (embedding %s $1) >= $%d", op, len(args))
	}
	args = append(args, opts.Limit)
	fmt.Fprintf(&sb, " ORDER BY embedding %s $1 LIMIT $%d", op, len(args))

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, errors.StorageError("knn query failed", err)
	}
	defer rows.Close()

	return scanMatches(rows, func(m *Match) { m.Score = 1 - m.Distance })
}

// HybridSearch joins a ts_rank lexical CTE against a KNN CTE with a full
// outer join, so a chunk matching only one signal is still returned.
func (s *PGStore) HybridSearch(ctx context.Context, queryText string, embedding []float32, opts SearchOptions) ([]Match, error) {
	opts = normalizeOptions(opts)

	release, err := s.locks.Acquire(ctx, lockKeyQuery)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, s.config.StatementTimeout)
	defer cancel()

	args := []any{queryText, pgvector.NewVector(embedding), opts.Limit}
	typePred := ""
	if opts.DocumentType != "" {
		args = append(args, opts.DocumentType)
		typePred = fmt.Sprintf(" AND document_type = $%d", len(args))
	}

	sql := fmt.Sprintf(`
		WITH lexical AS (
			SELECT id,
			       ts_rank(to_tsvector('english', content),
			               plainto_tsquery('english', $1)) AS lex_score
			FROM document_chunks
			WHERE to_tsvector('english', content) @@ plainto_tsquery('english', $1)%[1]s
			ORDER BY lex_score DESC
			LIMIT $3
		), semantic AS (
			SELECT id, 1 - (embedding <=> $2) AS vec_score
			FROM document_chunks
			WHERE embedding IS NOT NULL%[1]s
			ORDER BY embedding <=> $2
			LIMIT $3
		)
		SELECT c.id, c.document_id, c.chunk_index, c.content, c.metadata,
		       COALESCE(l.lex_score, 0) * %[2]g + COALESCE(sem.vec_score, 0) * %[3]g AS score
		FROM lexical l
		FULL OUTER JOIN semantic sem USING (id)
		JOIN document_chunks c ON c.id = COALESCE(l.id, sem.id)
		ORDER BY score DESC
		LIMIT $3`, typePred, LexicalWeight, VectorWeight)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.StorageError("hybrid query failed", err)
	}
	defer rows.Close()

	return scanHybridMatches(rows)
}

// HasANNIndex checks pg_indexes for the approximate index by its naming
// convention. Absence is a performance signal, not an error.
func (s *PGStore) HasANNIndex(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.StatementTimeout)
	defer cancel()

	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_indexes
			WHERE tablename = 'document_chunks' AND indexname = $1
		)`, ANNIndexName).Scan(&exists)
	if err != nil {
		return false, errors.StorageError("cannot check ANN index", err)
	}
	return exists, nil
}

// RunHousekeeping periodically collects idle locks and force-rolls-back
// transactions left open beyond the deadline. Blocks until ctx is done.
func (s *PGStore) RunHousekeeping(ctx context.Context, interval, lockIdleWindow time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.locks.Housekeep(lockIdleWindow)
			s.rollbackStaleTxs(ctx)
		}
	}
}

// rollbackStaleTxs force-rolls-back transactions open past TxDeadline.
// A stale transaction is an anomaly worth logging: some batch is stuck or
// its goroutine died without commit or rollback.
func (s *PGStore) rollbackStaleTxs(ctx context.Context) {
	cutoff := time.Now().Add(-s.config.TxDeadline)

	s.mu.Lock()
	var stale []*openTx
	for id, t := range s.openTxs {
		if t.started.Before(cutoff) {
			stale = append(stale, t)
			delete(s.openTxs, id)
		}
	}
	s.mu.Unlock()

	for _, t := range stale {
		s.logger.Warn("force-rolling-back stale transaction",
			slog.Duration("open_for", time.Since(t.started)))
		if err := t.tx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
			s.logger.Error("stale transaction rollback failed",
				slog.String("error", err.Error()))
		}
	}
}

// trackTx registers a live transaction for the housekeeping deadline.
func (s *PGStore) trackTx(tx pgx.Tx) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTxID++
	id := s.nextTxID
	s.openTxs[id] = &openTx{tx: tx, started: time.Now()}
	return id
}

// untrackTx removes a transaction after commit or rollback.
func (s *PGStore) untrackTx(id int64) {
	s.mu.Lock()
	delete(s.openTxs, id)
	s.mu.Unlock()
}

// Close releases the connection pool.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

// scanMatches reads KNN rows; finish derives Score from Distance.
func scanMatches(rows pgx.Rows, finish func(*Match)) ([]Match, error) {
	matches := []Match{}
	for rows.Next() {
		var m Match
		var meta []byte
		if err := rows.Scan(&m.ID, &m.DocumentID, &m.ChunkIndex, &m.Content, &meta, &m.Distance); err != nil {
			return nil, errors.StorageError("cannot scan knn row", err)
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &m.Metadata)
		}
		finish(&m)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError("knn row iteration failed", err)
	}
	return matches, nil
}

// scanHybridMatches reads hybrid rows where the last column is the combined score.
func scanHybridMatches(rows pgx.Rows) ([]Match, error) {
	matches := []Match{}
	for rows.Next() {
		var m Match
		var meta []byte
		if err := rows.Scan(&m.ID, &m.DocumentID, &m.ChunkIndex, &m.Content, &meta, &m.Score); err != nil {
			return nil, errors.StorageError("cannot scan hybrid row", err)
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &m.Metadata)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError("hybrid row iteration failed", err)
	}
	return matches, nil
}

// orEmpty substitutes an empty map so metadata marshals as {} not null.
func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
