// Package shutdown coordinates graceful process shutdown: signal handling,
// an ordered registry of cleanup steps and tracking of background work
// (Discord notifier polls, admission handlers) that must finish first.
package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrTrackerClosed is returned when work is started after shutdown began.
var ErrTrackerClosed = errors.New("shutdown in progress")

// OperationTracker counts in-flight operations and lets shutdown wait for
// them. Once closed it rejects new operations.
type OperationTracker struct {
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active atomic.Int64
	closed bool
}

// NewOperationTracker creates an open tracker.
func NewOperationTracker() *OperationTracker {
	return &OperationTracker{}
}

// Start registers one operation. It returns false once the tracker is
// closed. A true result must be paired with exactly one Done.
func (t *OperationTracker) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.wg.Add(1)
	t.active.Add(1)
	return true
}

// Done marks an operation as complete.
func (t *OperationTracker) Done() {
	t.active.Add(-1)
	t.wg.Done()
}

// Wait blocks until every tracked operation is done or ctx ends.
func (t *OperationTracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects further operations. Running operations are unaffected.
func (t *OperationTracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// ActiveCount returns the number of running operations.
func (t *OperationTracker) ActiveCount() int64 {
	return t.active.Load()
}

// IsClosed reports whether Close was called.
func (t *OperationTracker) IsClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}
