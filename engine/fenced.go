package engine

import (
	"context"
	"time"

	"github.com/tsawler/inferexec/async"
	"github.com/tsawler/inferexec/driver"
	"github.com/tsawler/inferexec/errs"
	"github.com/tsawler/inferexec/metrics"
)

// SetFenceWaiter installs the collaborator ComputeFenced uses to block on
// caller-supplied and chained sync fds before invoking CPU fallback
// (spec.md §4.5: "the engine must first wait on all caller-supplied
// fences"). Optional; a nil waiter makes that wait a no-op, which is only
// safe for tests that don't exercise the fenced-fallback path.
func (e *Engine) SetFenceWaiter(w driver.FenceWaiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fenceWaiter = w
}

// driverFence adapts a raw sync fd plus the engine's FenceWaiter to the
// async.Fence interface the terminal-query methods poll.
type driverFence struct {
	fd     int
	waiter driver.FenceWaiter
}

func (f *driverFence) Wait(ctx context.Context) error {
	if f.waiter == nil || f.fd < 0 {
		return nil
	}
	return f.waiter.Wait(ctx, f.fd)
}

func (f *driverFence) Signaled() bool {
	if f.waiter == nil || f.fd < 0 {
		return true
	}
	return f.waiter.Poll(f.fd)
}

// ComputeFenced implements the fenced completion mode (spec.md §4.5): the
// step loop runs on the caller's goroutine, dispatching each step's driver
// work without blocking on it, and publishes a terminal sync fd plus a
// callback the caller resolves later via CompletionStatus/Duration.
func (e *Engine) ComputeFenced(ctx context.Context, waitFDs []int, afterFenceTimeout time.Duration) Completion {
	if code := e.start(true); code != errs.NoError {
		return Completion{Status: code, CompletedMode: WithFence}
	}
	runCtx, cancel := e.deadlineContext(ctx)
	defer cancel()

	completion, termFence := e.runFenced(runCtx, waitFDs, afterFenceTimeout)
	e.publish(completion, termFence)
	return completion
}

func (e *Engine) waitOnFences(ctx context.Context, fds []int) {
	if e.fenceWaiter == nil {
		return
	}
	for _, fd := range fds {
		if fd < 0 {
			continue
		}
		if err := e.fenceWaiter.Wait(ctx, fd); err != nil {
			e.logger.Warn("fence wait before cpu fallback failed", "execution_id", e.id, "fd", fd, "err", err)
		}
	}
}

// runFenced implements spec.md §4.5's fenced step loop: structurally the
// same as the non-fenced loop, but with no insufficient-size recovery (the
// precondition already forbids dynamic temporaries) and a CPU fallback that
// first drains every in-flight fence before running synchronously. Both the
// CPU-fallback branch and the no-real-fence-produced branch finish the same
// way the original's finishWithoutSyncFence does (syncFence == -1): they run
// synchronously to completion on this goroutine, so they route through
// finishWithoutFence and report CompletedMode WithoutFence rather than
// WithFence.
func (e *Engine) runFenced(ctx context.Context, waitFDs []int, afterFenceTimeout time.Duration) (Completion, async.Fence) {
	outputShapes := e.initialOutputShapes()
	controller := e.p.MakeController(e.GlobalBindings())
	cpuFallbackAllowed := !e.p.IsSimpleCPU()

	carried := waitFDs
	lastSyncFD := -1
	var lastCallback driver.FencedCallback
	lastTiming := driver.Unmeasured

	for {
		executor, code, err := controller.Next(ctx, lastSyncFD)
		if err != nil && code == errs.NoError {
			code = errs.OpFailed
		}
		if code.IsMissedDeadline() {
			return Completion{Status: code, OutputShapes: outputShapes, Timing: driver.Unmeasured, CompletedMode: WithFence}, nil
		}
		if code != errs.NoError {
			if !cpuFallbackAllowed {
				return Completion{Status: code, OutputShapes: outputShapes, Timing: lastTiming, CompletedMode: WithFence}, nil
			}
			e.waitOnFences(ctx, carried)
			if e.metrics != nil {
				e.metrics.ObserveFallback(metrics.TierFullCPU)
			}
			return e.finishWithoutFence(e.runFullFallback(ctx, outputShapes)), nil
		}
		if executor == nil {
			if lastCallback == nil {
				return e.finishWithoutFence(Completion{
					Status:       errs.NoError,
					OutputShapes: outputShapes,
					Timing:       lastTiming,
				}), async.AlreadySignaled(nil)
			}
			return Completion{
				Status:         errs.NoError,
				OutputShapes:   outputShapes,
				Timing:         lastTiming,
				CompletedMode:  WithFence,
				FencedSyncFD:   lastSyncFD,
				FencedCallback: lastCallback,
			}, &driverFence{fd: lastSyncFD, waiter: e.fenceWaiter}
		}

		stepCode, syncFD, callback, timing, computeErr := executor.ComputeFenced(
			ctx, carried, afterFenceTimeout, e.opts.MeasureTiming, e.opts.LoopTimeout)
		if computeErr != nil && stepCode == errs.NoError {
			stepCode = errs.OpFailed
		}
		if stepCode.IsMissedDeadline() {
			return Completion{Status: stepCode, OutputShapes: outputShapes, Timing: lastTiming, CompletedMode: WithFence}, nil
		}
		if stepCode != errs.NoError {
			if !cpuFallbackAllowed {
				return Completion{Status: stepCode, OutputShapes: outputShapes, Timing: lastTiming, CompletedMode: WithFence}, nil
			}
			e.waitOnFences(ctx, carried)
			if e.metrics != nil {
				e.metrics.ObserveFallback(metrics.TierFullCPU)
			}
			return e.finishWithoutFence(e.runFullFallback(ctx, outputShapes)), nil
		}

		lastTiming = timing
		if syncFD < 0 && callback == nil {
			carried = nil
			lastSyncFD = -1
			lastCallback = nil
		} else {
			carried = []int{syncFD}
			lastSyncFD = syncFD
			lastCallback = callback
		}
	}
}

// resolveFencedOutcome lazily queries the terminal step's FencedCallback
// once its fence has signaled, folding the driver's true status and timing
// into the published Completion (spec.md §4.5: "duration... via the
// callback"). It is idempotent: once resolved, FencedCallback is cleared so
// later calls are no-ops.
func (e *Engine) resolveFencedOutcome(ctx context.Context) {
	e.mu.Lock()
	if e.state != finished || e.completion == nil || e.completion.CompletedMode != WithFence {
		e.mu.Unlock()
		return
	}
	cb := e.completion.FencedCallback
	fence := e.termFence
	e.mu.Unlock()

	if cb == nil {
		return
	}
	if fence != nil && !fence.Signaled() {
		return
	}

	status, launched, fenced, err := cb.GetExecutionInfo(ctx)
	if err != nil && status == errs.NoError {
		status = errs.OpFailed
	}

	e.mu.Lock()
	e.completion.Status = status
	e.completion.Timing = launched
	e.completion.FencedTiming = fenced
	e.completion.FencedCallback = nil
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.ObserveCompletion(status.String())
	}
}
