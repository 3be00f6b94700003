// Package plan defines the engine's view of a compiled, partitioned Plan
// (spec.md §3, §4.4): an opaque cursor the engine advances one step at a
// time. Plan construction and device assignment are out of scope for this
// module (spec.md §1); this package only describes and, for tests, provides
// a reference in-memory implementation of the consumer-side contract.
package plan

import (
	"context"

	"github.com/tsawler/inferexec/errs"
	"github.com/tsawler/inferexec/stepexec"
)

// Plan is the frozen, compiled execution graph the engine consumes
// (spec.md §3).
type Plan interface {
	// IsSimple reports whether the plan is a single, unpartitioned step —
	// a simple plan permits at most one partial-fallback attempt
	// (spec.md §4.5 step 4).
	IsSimple() bool
	// IsSimpleCPU reports whether the plan is the trivial single-step CPU
	// plan, which disables CPU fallback entirely (spec.md §4.5 step 2).
	IsSimpleCPU() bool
	// HasDynamicTemporaries reports whether any step produces an
	// inter-step temporary of runtime-learned size. Fenced execution
	// requires this to be false (spec.md §4.5).
	HasDynamicTemporaries() bool
	// SourceModelCount returns the number of source models the plan spans.
	SourceModelCount() int
	// MakeController returns a fresh cursor over the plan, bound to the
	// given global bindings snapshot.
	MakeController(globals stepexec.GlobalBindings) Controller
}

// Controller is a cursor over a Plan (spec.md §4.4).
type Controller interface {
	// Next yields the next StepExecutor, or (nil, NoError, nil) at
	// end-of-plan. carriedSyncFD is the previous step's sync fd in fenced
	// mode, or -1 outside fenced mode / for the first step.
	Next(ctx context.Context, carriedSyncFD int) (*stepexec.Executor, errs.Code, error)

	// Fallback re-emits the previously yielded step after the temporary
	// table has been widened, re-materializing the step's bindings against
	// the updated table (spec.md §4.4).
	Fallback(ctx context.Context) (*stepexec.Executor, errs.Code, error)
}
