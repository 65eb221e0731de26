package scheduler

import (
	"context"
	"sync"
)

// WorkerGroup owns the goroutines executing dispatched pipeline runs.
// Sweeps keep dispatching while Stop is in flight, so starting and stopping
// are serialised through one mutex: once shutdown begins, Go refuses new
// runs rather than racing WaitGroup.Add against Wait.
type WorkerGroup struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopping bool
}

// Go runs fn on its own goroutine. It reports false when shutdown has begun
// or fn is nil, in which case the caller unwinds its dispatch bookkeeping.
func (g *WorkerGroup) Go(fn func()) bool {
	if fn == nil {
		return false
	}

	g.mu.Lock()
	if g.stopping {
		g.mu.Unlock()
		return false
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		fn()
	}()
	return true
}

// StopAndWait rejects further dispatches and blocks until the running
// workers exit or ctx expires. An expired wait returns ctx.Err() and leaves
// the stragglers to finish on their own; they hold no locks the process
// needs for shutdown.
func (g *WorkerGroup) StopAndWait(ctx context.Context) error {
	g.mu.Lock()
	g.stopping = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
