package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/casevault/lexrag/internal/errors"
)

// Lock manager defaults.
const (
	// DefaultAcquireTimeout bounds how long a caller waits on a
	// contended lock before failing with a lock timeout error.
	DefaultAcquireTimeout = 5 * time.Second

	// DefaultIdleWindow is how long an unheld, uncontended lock survives
	// before housekeeping garbage-collects it.
	DefaultIdleWindow = time.Minute
)

// queryLock is the per-resource lock record. Created lazily on first use and
// garbage-collected after an idle window. Waiters are served strictly FIFO.
type queryLock struct {
	held         bool
	waiters      []chan struct{}
	lastAccessed time.Time
}

// QueryLocks serializes concurrent asynchronous access to logical storage
// resources within one process. Keys are caller-defined (document id for
// writes, query signature for reads). This is cooperative scheduling, not
// cross-process mutual exclusion.
type QueryLocks struct {
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*queryLock
}

// LockOption customizes QueryLocks construction.
type LockOption func(*QueryLocks)

// WithAcquireTimeout overrides the acquisition timeout.
func WithAcquireTimeout(d time.Duration) LockOption {
	return func(m *QueryLocks) { m.timeout = d }
}

// WithLockClock injects a clock, for tests.
func WithLockClock(now func() time.Time) LockOption {
	return func(m *QueryLocks) { m.now = now }
}

// NewQueryLocks creates a lock manager.
func NewQueryLocks(logger *slog.Logger, opts ...LockOption) *QueryLocks {
	if logger == nil {
		logger = slog.Default()
	}
	m := &QueryLocks{
		timeout: DefaultAcquireTimeout,
		logger:  logger,
		now:     time.Now,
		locks:   make(map[string]*queryLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire takes the lock for key, returning a release function. If the lock
// is held, the caller queues FIFO behind earlier waiters and resumes in
// order on release. Acquisition not satisfied within the timeout fails with
// a lock timeout error; the caller may retry. Context cancellation also
// abandons the wait.
func (m *QueryLocks) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &queryLock{}
		m.locks[key] = l
	}
	l.lastAccessed = m.now()

	if !l.held {
		l.held = true
		m.mu.Unlock()
		return m.releaser(key), nil
	}

	grant := make(chan struct{})
	l.waiters = append(l.waiters, grant)
	m.mu.Unlock()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case <-grant:
		return m.releaser(key), nil
	case <-timer.C:
		m.abandon(key, grant)
		return nil, errors.LockTimeoutError(key)
	case <-ctx.Done():
		m.abandon(key, grant)
		return nil, ctx.Err()
	}
}

// releaser builds the one-shot release function for a granted acquisition.
func (m *QueryLocks) releaser(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { m.release(key) })
	}
}

// release hands the lock to the next FIFO waiter, or clears the held flag
// when nobody is waiting.
func (m *QueryLocks) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok {
		return
	}
	l.lastAccessed = m.now()

	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		close(next) // hands over; held stays true
		return
	}
	l.held = false
}

// abandon removes a waiter that timed out or was cancelled. If the grant
// raced with a release and the waiter already owns the lock, the lock is
// passed on so it is not leaked.
func (m *QueryLocks) abandon(key string, grant chan struct{}) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if ok {
		for i, w := range l.waiters {
			if w == grant {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				m.mu.Unlock()
				return
			}
		}
	}
	m.mu.Unlock()

	// Not in the waiter list: the grant already fired. Release what we
	// were just handed.
	select {
	case <-grant:
		m.release(key)
	default:
	}
}

// Housekeep garbage-collects locks that are unheld, uncontended, and idle
// for longer than idleWindow. Returns the number of locks collected.
func (m *QueryLocks) Housekeep(idleWindow time.Duration) int {
	if idleWindow <= 0 {
		idleWindow = DefaultIdleWindow
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-idleWindow)
	collected := 0
	for key, l := range m.locks {
		if !l.held && len(l.waiters) == 0 && l.lastAccessed.Before(cutoff) {
			delete(m.locks, key)
			collected++
		}
	}

	if collected > 0 {
		m.logger.Debug("collected idle query locks", slog.Int("count", collected))
	}
	return collected
}

// Len returns the number of live lock records.
func (m *QueryLocks) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
