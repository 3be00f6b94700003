package engine

import (
	"github.com/tsawler/inferexec/driver"
	"github.com/tsawler/inferexec/errs"
)

// CompletionMode records which of the two publish paths produced a
// Completion (spec.md §3: "completed-mode ∈ {without-fence, with-fence}").
type CompletionMode int

const (
	WithoutFence CompletionMode = iota
	WithFence
)

func (m CompletionMode) String() string {
	if m == WithFence {
		return "with_fence"
	}
	return "without_fence"
}

// Completion is the terminal record an execution publishes exactly once
// (spec.md §3, EngineCompletion). For a WithFence completion, Status and
// Timing are provisional until the terminal fence signals — Engine.Duration
// and Engine.CompletionStatus resolve them lazily via FencedCallback.
type Completion struct {
	Status        errs.Code
	OutputShapes  []driver.OutputShape
	Timing        driver.Timing
	FencedTiming  driver.Timing
	CompletedMode CompletionMode

	// FencedSyncFD and FencedCallback are set only when CompletedMode is
	// WithFence: the terminal sync fd the caller can wait on, and the
	// handle to query the fenced step's driver-measured timing.
	FencedSyncFD   int
	FencedCallback driver.FencedCallback
}
