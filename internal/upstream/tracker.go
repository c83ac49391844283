package upstream

import (
	"context"
	"sync"
	"sync/atomic"
)

// Tracker runs background work bound to the process lifetime. Work started
// on it is cancelled only by Stop, never by later rounds.
type Tracker struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
	active  atomic.Int64
}

// NewTracker creates a tracker whose tasks end when parent is done or Stop is called
func NewTracker(parent context.Context) *Tracker {
	ctx, cancel := context.WithCancel(parent)
	return &Tracker{ctx: ctx, cancel: cancel}
}

// Go starts fn in its own goroutine. It returns false once the tracker is stopped.
func (t *Tracker) Go(fn func(ctx context.Context)) bool {
	t.mu.Lock()
	if t.stopped || t.ctx.Err() != nil {
		t.mu.Unlock()
		return false
	}
	t.wg.Add(1)
	t.active.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer t.active.Add(-1)
		fn(t.ctx)
	}()
	return true
}

// Active returns the number of tasks still running
func (t *Tracker) Active() int {
	return int(t.active.Load())
}

// Stop cancels every task without waiting for them
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.cancel()
}

// Wait blocks until every started task has returned
func (t *Tracker) Wait() {
	t.wg.Wait()
}
