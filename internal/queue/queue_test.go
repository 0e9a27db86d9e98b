package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casevault/lexrag/internal/errors"
)

func testQueue(t *testing.T) (*Queue, *MemoryPayloadStore) {
	t.Helper()
	payloads := NewMemoryPayloadStore()
	return New(payloads, nil), payloads
}

func TestEnqueue_ReturnsQueuedStatus(t *testing.T) {
	q, _ := testQueue(t)

	status, err := q.Enqueue(context.Background(), &JobRequest{
		SourceID:    "e1",
		TextContent: "some legal text",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, status.JobID)
	assert.Equal(t, StatusQueued, status.Status)
	assert.Equal(t, "e1", status.SourceID)
	assert.Nil(t, status.StartedAt)
	assert.Equal(t, 1, q.Len())
}

func TestEnqueue_PersistsPayloadUnderKeyConvention(t *testing.T) {
	q, payloads := testQueue(t)

	status, err := q.Enqueue(context.Background(), &JobRequest{SourceID: "e1", TextContent: "t"})
	require.NoError(t, err)

	data, ok, err := payloads.Get(context.Background(), PayloadKeyPrefix+status.JobID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, string(data), `"source_id":"e1"`)
}

func TestEnqueue_NilRequest(t *testing.T) {
	q, _ := testQueue(t)
	_, err := q.Enqueue(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidPayload))
}

func TestProcessNext_EmptyQueueReturnsNil(t *testing.T) {
	q, _ := testQueue(t)

	status, err := q.ProcessNext(context.Background(), func(ctx context.Context, job *JobRequest, update UpdateFunc) error {
		t.Fatal("processor must not run on empty queue")
		return nil
	})
	require.NoError(t, err)
	assert.Nil(t, status)
}

func TestProcessNext_SuccessfulJob(t *testing.T) {
	q, _ := testQueue(t)

	_, err := q.Enqueue(context.Background(), &JobRequest{SourceID: "e1", TextContent: "words"})
	require.NoError(t, err)

	status, err := q.ProcessNext(context.Background(), func(ctx context.Context, job *JobRequest, update UpdateFunc) error {
		assert.Equal(t, "e1", job.SourceID)
		update(Progress{TotalChunks: 3, ProcessedChunks: 0})
		for i := 1; i <= 3; i++ {
			update(Progress{TotalChunks: 3, ProcessedChunks: i})
		}
		return nil
	})
	require.NoError(t, err)

	require.NotNil(t, status)
	assert.Equal(t, StatusCompleted, status.Status)
	assert.Equal(t, 3, status.TotalChunks)
	assert.Equal(t, 3, status.ProcessedChunks)
	assert.NotNil(t, status.StartedAt)
	assert.NotNil(t, status.CompletedAt)
	assert.Empty(t, status.Error)
	assert.Equal(t, 0, q.Len())
}

func TestProcessNext_ProcessorErrorFailsJob(t *testing.T) {
	q, _ := testQueue(t)

	enq, err := q.Enqueue(context.Background(), &JobRequest{SourceID: "e1", TextContent: "words"})
	require.NoError(t, err)

	status, err := q.ProcessNext(context.Background(), func(ctx context.Context, job *JobRequest, update UpdateFunc) error {
		update(Progress{TotalChunks: 5, ProcessedChunks: 2})
		return errors.StorageError("chunk write failed", nil)
	})
	require.NoError(t, err)

	require.NotNil(t, status)
	assert.Equal(t, StatusFailed, status.Status)
	assert.Contains(t, status.Error, "chunk write failed")
	// Partial ingestion is recorded, not rolled back.
	assert.Equal(t, 5, status.TotalChunks)
	assert.Equal(t, 2, status.ProcessedChunks)

	// Failed jobs are not re-enqueued.
	assert.Equal(t, 0, q.Len())
	next, err := q.ProcessNext(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, next)

	// Status is queryable after the fact.
	after := q.Status(enq.JobID)
	require.NotNil(t, after)
	assert.Equal(t, StatusFailed, after.Status)
}

func TestProcessNext_MissingPayloadFailsWithValidationError(t *testing.T) {
	q, payloads := testQueue(t)

	enq, err := q.Enqueue(context.Background(), &JobRequest{SourceID: "e1", TextContent: "t"})
	require.NoError(t, err)

	// Simulate TTL expiry of the external payload.
	payloads.Delete(PayloadKeyPrefix + enq.JobID)

	called := false
	status, err := q.ProcessNext(context.Background(), func(ctx context.Context, job *JobRequest, update UpdateFunc) error {
		called = true
		return nil
	})
	require.NoError(t, err)

	assert.False(t, called, "processor must not run without a payload")
	require.NotNil(t, status)
	assert.Equal(t, StatusFailed, status.Status)
	assert.Contains(t, status.Error, "payload missing")
}

func TestProcessNext_PayloadMissingSourceIDFails(t *testing.T) {
	q, payloads := testQueue(t)

	enq, err := q.Enqueue(context.Background(), &JobRequest{SourceID: "e1", TextContent: "t"})
	require.NoError(t, err)

	require.NoError(t, payloads.Set(context.Background(),
		PayloadKeyPrefix+enq.JobID, []byte(`{"text_content":"orphan"}`), time.Hour))

	status, err := q.ProcessNext(context.Background(), nil)
	require.NoError(t, err)

	require.NotNil(t, status)
	assert.Equal(t, StatusFailed, status.Status)
	assert.Contains(t, status.Error, "source_id")
}

func TestProcessNext_FIFOOrder(t *testing.T) {
	q, _ := testQueue(t)

	var ids []string
	for _, src := range []string{"a", "b", "c"} {
		s, err := q.Enqueue(context.Background(), &JobRequest{SourceID: src, TextContent: "t"})
		require.NoError(t, err)
		ids = append(ids, s.JobID)
	}

	for i := 0; i < 3; i++ {
		status, err := q.ProcessNext(context.Background(), func(ctx context.Context, job *JobRequest, update UpdateFunc) error {
			return nil
		})
		require.NoError(t, err)
		require.NotNil(t, status)
		assert.Equal(t, ids[i], status.JobID)
	}
}

func TestStatus_UnknownJobReturnsNil(t *testing.T) {
	q, _ := testQueue(t)
	assert.Nil(t, q.Status("no-such-job"))
}

func TestStatus_ReturnsCopy(t *testing.T) {
	q, _ := testQueue(t)

	enq, err := q.Enqueue(context.Background(), &JobRequest{SourceID: "e1", TextContent: "t"})
	require.NoError(t, err)

	copy1 := q.Status(enq.JobID)
	copy1.Status = StatusFailed
	copy1.Error = "mutated by caller"

	copy2 := q.Status(enq.JobID)
	assert.Equal(t, StatusQueued, copy2.Status)
	assert.Empty(t, copy2.Error)
}

func TestMemoryPayloadStore_TTLExpiry(t *testing.T) {
	store := NewMemoryPayloadStore()
	current := time.Now()
	store.SetClock(func() time.Time { return current })

	require.NoError(t, store.Set(context.Background(), "k", []byte("v"), time.Hour))

	_, ok, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)

	current = current.Add(2 * time.Hour)
	_, ok, err = store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
