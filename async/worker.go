// Package async provides the concurrency primitives the engine's
// background-asynchronous and fenced completion modes need: a single-shot
// worker for the background mode (spec.md §5, "one worker thread that owns
// the loop end-to-end") and a fence-wait abstraction for the fenced mode.
//
// The teacher's async package (tsawler-go-metal) hand-rolls pools of
// reusable goroutine-adjacent resources (CommandBufferPool, StagingBufferPool)
// guarded by a mutex and a buffered channel. Handle below applies the same
// "one resource, one lifecycle" shape to a single in-flight job instead of
// a pool (it has no Cleanup method), and delegates the actual goroutine
// bookkeeping to errgroup rather than hand-rolling it a second time.
package async

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Handle observes a single background job's completion, matching the
// "wait, status, timing" surface spec.md §4.5 asks the background
// completion mode to expose (status/timing themselves live on the value T
// the caller's fn produces).
type Handle[T any] struct {
	g      *errgroup.Group
	mu     sync.Mutex
	result T
	done   bool
}

// Start launches fn. When inline is true (the runtime is configured for
// no-thread execution, per spec.md §4.5) fn runs synchronously on the
// caller's goroutine before Start returns; otherwise it runs on a new
// goroutine and Start returns immediately.
func Start[T any](ctx context.Context, inline bool, fn func(context.Context) T) *Handle[T] {
	h := &Handle[T]{}
	g, gctx := errgroup.WithContext(ctx)
	h.g = g

	run := func() error {
		r := fn(gctx)
		h.mu.Lock()
		h.result = r
		h.done = true
		h.mu.Unlock()
		return nil
	}

	if inline {
		_ = run()
	} else {
		g.Go(run)
	}
	return h
}

// Wait blocks until the job completes and returns its result. Safe to call
// more than once; every call after the first returns instantly.
func (h *Handle[T]) Wait() T {
	_ = h.g.Wait()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Done reports whether the job has completed, without blocking. It is the
// non-fence realization of spec.md §4.5's is-finished for the background
// completion mode.
func (h *Handle[T]) Done() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// Peek returns the current result and whether it is final, without
// blocking. Before completion it returns the zero value of T.
func (h *Handle[T]) Peek() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.done
}
