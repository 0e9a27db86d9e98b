package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casevault/lexrag/internal/errors"
)

func TestQueryLocks_AcquireAndRelease(t *testing.T) {
	m := NewQueryLocks(nil)

	release, err := m.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)
	release()

	// Reacquire after release succeeds immediately.
	release2, err := m.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)
	release2()
}

func TestQueryLocks_MutualExclusion(t *testing.T) {
	m := NewQueryLocks(nil)

	var mu sync.Mutex
	holders := 0
	maxHolders := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(context.Background(), "doc-1")
			require.NoError(t, err)

			mu.Lock()
			holders++
			if holders > maxHolders {
				maxHolders = holders
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()

			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxHolders, "two callers held the lock simultaneously")
}

func TestQueryLocks_SecondCallerRunsAfterFirstRelease(t *testing.T) {
	m := NewQueryLocks(nil)

	releaseA, err := m.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)

	acquired := make(chan struct{})

	go func() {
		releaseB, err := m.Acquire(context.Background(), "doc-1")
		require.NoError(t, err)
		close(acquired)
		releaseB()
	}()

	select {
	case <-acquired:
		t.Fatal("task B acquired the lock before task A released it")
	case <-time.After(50 * time.Millisecond):
	}

	releaseA()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("task B never acquired after release")
	}
}

func TestQueryLocks_FIFOOrder(t *testing.T) {
	m := NewQueryLocks(nil)

	release, err := m.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	// Queue waiters one at a time so their FIFO position is deterministic.
	for i := 0; i < 4; i++ {
		wg.Add(1)
		ready := make(chan struct{})
		go func(n int) {
			defer wg.Done()
			close(ready)
			r, err := m.Acquire(context.Background(), "doc-1")
			require.NoError(t, err)
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			r()
		}(i)
		<-ready
		// Give the goroutine time to enqueue itself before the next one.
		time.Sleep(20 * time.Millisecond)
	}

	release()
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestQueryLocks_Timeout(t *testing.T) {
	m := NewQueryLocks(nil, WithAcquireTimeout(30*time.Millisecond))

	release, err := m.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)
	defer release()

	_, err = m.Acquire(context.Background(), "doc-1")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeLockTimeout))
	assert.True(t, errors.IsRetryable(err))
}

func TestQueryLocks_TimedOutWaiterDoesNotStealLock(t *testing.T) {
	m := NewQueryLocks(nil, WithAcquireTimeout(30*time.Millisecond))

	release, err := m.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), "doc-1")
	require.Error(t, err)

	// After the waiter timed out and the holder releases, the lock must be
	// acquirable again.
	release()

	release2, err := m.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)
	release2()
}

func TestQueryLocks_ContextCancellation(t *testing.T) {
	m := NewQueryLocks(nil, WithAcquireTimeout(time.Minute))

	release, err := m.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = m.Acquire(ctx, "doc-1")
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueryLocks_IndependentKeys(t *testing.T) {
	m := NewQueryLocks(nil, WithAcquireTimeout(50*time.Millisecond))

	releaseA, err := m.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)
	defer releaseA()

	// A different key is not blocked.
	releaseB, err := m.Acquire(context.Background(), "doc-2")
	require.NoError(t, err)
	releaseB()
}

func TestQueryLocks_ReleaseIsIdempotent(t *testing.T) {
	m := NewQueryLocks(nil)

	release, err := m.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)
	release()
	release() // second call is a no-op

	release2, err := m.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)
	release2()
}

func TestQueryLocks_Housekeep(t *testing.T) {
	current := time.Now()
	m := NewQueryLocks(nil, WithLockClock(func() time.Time { return current }))

	release, err := m.Acquire(context.Background(), "idle-key")
	require.NoError(t, err)
	release()

	held, err := m.Acquire(context.Background(), "held-key")
	require.NoError(t, err)
	defer held()

	assert.Equal(t, 2, m.Len())

	current = current.Add(2 * time.Minute)
	collected := m.Housekeep(time.Minute)

	assert.Equal(t, 1, collected)
	assert.Equal(t, 1, m.Len(), "held lock must survive housekeeping")
}
