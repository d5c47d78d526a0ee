package strategy

import (
	"context"
	"sync"
)

// Tasks runs detached work that must outlive the request that spawned it.
// Close cancels the shared context and waits; in-flight fetches are abandoned.
type Tasks struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewTasks() *Tasks {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tasks{ctx: ctx, cancel: cancel}
}

// Go runs fn on its own goroutine. After Close it does nothing and returns
// false.
func (t *Tasks) Go(fn func(ctx context.Context)) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		fn(t.ctx)
	}()
	return true
}

func (t *Tasks) Wait() {
	t.wg.Wait()
}

func (t *Tasks) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cancel()
	t.wg.Wait()
}
