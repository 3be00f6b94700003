package engine

import (
	"context"
	"time"

	"github.com/tsawler/inferexec/async"
	"github.com/tsawler/inferexec/binding"
	"github.com/tsawler/inferexec/errs"
)

// Compute implements the blocking-synchronous completion mode (spec.md
// §4.5): the step loop runs on the caller's goroutine and the terminal
// record is published before this call returns.
func (e *Engine) Compute(ctx context.Context) Completion {
	if code := e.start(false); code != errs.NoError {
		return Completion{Status: code, CompletedMode: WithoutFence}
	}
	begin := time.Now()
	runCtx, cancel := e.deadlineContext(ctx)
	defer cancel()

	completion := e.runNonFenced(runCtx)
	completion = e.finishWithoutFence(completion)
	e.publish(completion, nil)

	if e.metrics != nil {
		e.metrics.ObserveDuration("blocking", time.Since(begin).Seconds())
	}
	return completion
}

// Handle is what a background-asynchronous execution hands the caller
// (spec.md §4.5: "a handle that supports wait, status, and timing").
type Handle = async.Handle[Completion]

// ComputeAsync implements the background-asynchronous completion mode. If
// inline is true — "the runtime is configured for no-thread execution"
// (spec.md §4.5) — the step loop runs synchronously on the caller's
// goroutine before ComputeAsync returns, but the returned Handle's shape is
// unchanged, so callers don't need to branch on how the runtime is
// configured.
func (e *Engine) ComputeAsync(ctx context.Context, inline bool) *Handle {
	if code := e.start(false); code != errs.NoError {
		return async.Start(ctx, true, func(context.Context) Completion {
			return Completion{Status: code, CompletedMode: WithoutFence}
		})
	}
	begin := time.Now()
	runCtx, cancel := e.deadlineContext(ctx)

	return async.Start(runCtx, inline, func(loopCtx context.Context) Completion {
		defer cancel()
		completion := e.runNonFenced(loopCtx)
		completion = e.finishWithoutFence(completion)
		e.publish(completion, nil)
		if e.metrics != nil {
			e.metrics.ObserveDuration("background", time.Since(begin).Seconds())
		}
		return completion
	})
}

// finishWithoutFence implements the SPEC_FULL.md §12 supplement to spec.md
// §7's "Output-memory validators are marked initialized(true) only on
// terminal NO_ERROR": it also syncs every MEMORY output's logical-shape
// metadata before flipping the initialized flag, in the original's order
// (metadata first, then SetInitialized), downgrading the terminal status to
// OpFailed if a metadata update itself fails.
func (e *Engine) finishWithoutFence(c Completion) Completion {
	ok := c.Status == errs.NoError
	for i, b := range e.outputs {
		if b.State() != binding.Memory || !ok {
			continue
		}
		if i >= len(c.OutputShapes) {
			continue
		}
		if !b.Pool().UpdateMetadata(c.OutputShapes[i].Dimensions) {
			c.Status = errs.OpFailed
			ok = false
		}
	}
	for _, b := range e.outputs {
		if b.State() == binding.Memory {
			b.Pool().SetInitialized(ok)
		}
	}
	c.CompletedMode = WithoutFence
	return c
}
