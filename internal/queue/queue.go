package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casevault/lexrag/internal/errors"
)

// Queue is the ingestion job queue. The FIFO and status map are process-local
// while payloads live in the external PayloadStore, so exactly one process
// may consume from a Queue: a second consumer process would race on its own
// FIFO against the shared payload TTL. Horizontal scaling requires replacing
// the FIFO with a shared, atomically-poppable backing.
type Queue struct {
	payloads PayloadStore
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	fifo     []string
	statuses map[string]*JobStatus
}

// Option customizes Queue construction.
type Option func(*Queue)

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithPayloadTTL overrides the payload retention window.
func WithPayloadTTL(ttl time.Duration) Option {
	return func(q *Queue) { q.ttl = ttl }
}

// New creates an ingestion queue over the given payload store.
func New(payloads PayloadStore, logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		payloads: payloads,
		ttl:      DefaultPayloadTTL,
		logger:   logger,
		now:      time.Now,
		statuses: make(map[string]*JobStatus),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue generates a job id, persists the request payload to the external
// store with the configured TTL, pushes the id onto the FIFO, and returns the
// initial queued status.
func (q *Queue) Enqueue(ctx context.Context, req *JobRequest) (*JobStatus, error) {
	if req == nil {
		return nil, errors.ValidationError("nil ingestion request", nil)
	}

	jobID := uuid.NewString()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.ValidationError("cannot encode ingestion request", err)
	}
	if err := q.payloads.Set(ctx, PayloadKeyPrefix+jobID, data, q.ttl); err != nil {
		return nil, errors.StorageError("cannot persist job payload", err)
	}

	status := &JobStatus{
		JobID:    jobID,
		SourceID: req.SourceID,
		Status:   StatusQueued,
		Model:    req.Model,
	}

	q.mu.Lock()
	q.fifo = append(q.fifo, jobID)
	q.statuses[jobID] = status
	snap := snapshot(status)
	q.mu.Unlock()

	q.logger.Info("ingestion job enqueued",
		slog.String("job_id", jobID),
		slog.String("source_id", req.SourceID))

	return snap, nil
}

// Status returns a copy of the job's current status, or nil if unknown.
func (q *Queue) Status(jobID string) *JobStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	status, ok := q.statuses[jobID]
	if !ok {
		return nil
	}
	return snapshot(status)
}

// Len returns the number of jobs waiting in the FIFO.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}

// ProcessNext pops the head job and runs it through processor. Returns
// (nil, nil) when the queue is empty. A missing or invalid payload marks the
// job failed with a validation error and returns the failed status without
// invoking the processor. Jobs are attempted exactly once: failures are
// terminal and never re-enqueued.
func (q *Queue) ProcessNext(ctx context.Context, processor Processor) (*JobStatus, error) {
	q.mu.Lock()
	if len(q.fifo) == 0 {
		q.mu.Unlock()
		return nil, nil
	}
	jobID := q.fifo[0]
	q.fifo = q.fifo[1:]
	status, ok := q.statuses[jobID]
	q.mu.Unlock()

	if !ok {
		// FIFO entry without a status record: internal invariant broken.
		return nil, errors.InternalError("job in FIFO has no status record", nil).
			WithDetail("job_id", jobID)
	}

	req, err := q.loadPayload(ctx, jobID)
	if err != nil {
		q.fail(status, err.Error())
		return q.Status(jobID), nil
	}

	q.start(status, req)
	q.logger.Info("ingestion job started",
		slog.String("job_id", jobID),
		slog.String("source_id", req.SourceID))

	update := func(p Progress) { q.update(status, p) }

	if err := processor(ctx, req, update); err != nil {
		q.fail(status, err.Error())
		q.logger.Warn("ingestion job failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
		return q.Status(jobID), nil
	}

	q.complete(status)
	q.logger.Info("ingestion job completed", slog.String("job_id", jobID))
	return q.Status(jobID), nil
}

// loadPayload fetches and validates the job payload from the external store.
func (q *Queue) loadPayload(ctx context.Context, jobID string) (*JobRequest, error) {
	data, ok, err := q.payloads.Get(ctx, PayloadKeyPrefix+jobID)
	if err != nil {
		return nil, errors.StorageError("cannot load job payload", err)
	}
	if !ok {
		return nil, errors.ValidationError("job payload missing or expired", nil)
	}

	var req JobRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errors.ValidationError("job payload is not valid JSON", err)
	}
	if req.SourceID == "" {
		return nil, errors.ValidationError("job payload missing source_id", nil)
	}
	return &req, nil
}

// start transitions the job to processing with a start timestamp.
func (q *Queue) start(status *JobStatus, req *JobRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	status.Status = StatusProcessing
	status.StartedAt = &now
	status.SourceID = req.SourceID
	if status.Model == "" {
		status.Model = req.Model
	}
}

// update applies a partial progress report from the processor.
func (q *Queue) update(status *JobStatus, p Progress) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if status.Status.Terminal() {
		return
	}
	if p.TotalChunks >= 0 {
		status.TotalChunks = p.TotalChunks
	}
	if p.ProcessedChunks >= 0 {
		status.ProcessedChunks = p.ProcessedChunks
	}
	if p.Model != "" {
		status.Model = p.Model
	}
}

// complete marks the job completed with an end timestamp.
func (q *Queue) complete(status *JobStatus) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	status.Status = StatusCompleted
	status.CompletedAt = &now
}

// fail marks the job failed with the error message captured.
func (q *Queue) fail(status *JobStatus, msg string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	status.Status = StatusFailed
	status.Error = msg
	status.CompletedAt = &now
}

// snapshot copies a status so callers never alias queue-owned state.
// Callers must hold q.mu or own the status exclusively.
func snapshot(s *JobStatus) *JobStatus {
	dup := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		dup.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		dup.CompletedAt = &t
	}
	return &dup
}
