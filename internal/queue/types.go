// Package queue provides the asynchronous ingestion job queue: job lifecycle
// tracking around an in-process FIFO with externally persisted payloads.
package queue

import (
	"context"
	"time"
)

// Status represents the lifecycle state of an ingestion job.
// Transitions are monotonic: queued → processing → {completed | failed}.
// A job never re-enters queued once it leaves that state.
type Status string

const (
	// StatusQueued indicates the job is waiting in the FIFO.
	StatusQueued Status = "queued"
	// StatusProcessing indicates a worker is executing the job.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates the job finished successfully. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the job failed. Terminal; jobs are attempted
	// exactly once and never re-enqueued automatically.
	StatusFailed Status = "failed"
)

// Payload store key layout and retention.
const (
	// PayloadKeyPrefix prefixes job payload keys in the external store.
	PayloadKeyPrefix = "ingest:payload:"

	// DefaultPayloadTTL comfortably outlives expected queue residency.
	DefaultPayloadTTL = time.Hour
)

// JobRequest is the immutable input envelope for an ingestion job.
type JobRequest struct {
	// SourceID references the source record being ingested.
	SourceID string `json:"source_id"`

	// CollectionID optionally links the document to a collection.
	CollectionID string `json:"collection_id,omitempty"`

	// Filename and MimeType are informational only.
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`

	// TextContent is the already-extracted plain text to ingest.
	TextContent string `json:"text_content"`

	// Model optionally overrides the preferred embedding model.
	Model string `json:"model,omitempty"`

	// ChunkSize and ChunkOverlap optionally override chunking defaults.
	ChunkSize    int `json:"chunk_size,omitempty"`
	ChunkOverlap int `json:"chunk_overlap,omitempty"`

	// Metadata is an open map persisted alongside each chunk.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// JobStatus tracks one job through its lifecycle. Owned exclusively by the
// Queue; processors report progress through the update callback, never by
// writing fields directly.
type JobStatus struct {
	JobID           string     `json:"job_id"`
	SourceID        string     `json:"source_id"`
	Status          Status     `json:"status"`
	TotalChunks     int        `json:"total_chunks"`
	ProcessedChunks int        `json:"processed_chunks"`
	Error           string     `json:"error,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Model           string     `json:"model,omitempty"`
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Progress is a partial status update reported by a processor.
// Negative fields mean "unchanged".
type Progress struct {
	TotalChunks     int
	ProcessedChunks int
	Model           string
}

// UpdateFunc is the hook a processor uses to report incremental progress.
type UpdateFunc func(Progress)

// Processor executes one ingestion job. It receives the job payload and an
// update hook; a returned error marks the job failed.
type Processor func(ctx context.Context, job *JobRequest, update UpdateFunc) error

// PayloadStore is the externally addressable keyed store holding job
// payloads with a bounded TTL.
type PayloadStore interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
}
