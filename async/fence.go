package async

import (
	"context"
	"sync"
)

// Fence is the engine-side abstraction of a driver sync fd (spec.md §4.5,
// fenced completion mode): something a caller can wait on, once, with a
// deadline. Real fences are backed by platform sync-file descriptors,
// which are out of scope for this module; ManualFence below is the
// in-memory implementation.
type Fence interface {
	// Wait blocks until the fence signals, ctx is done, or the fence's own
	// deadline elapses, whichever comes first.
	Wait(ctx context.Context) error
	// Signaled reports whether the fence has already fired, without
	// blocking.
	Signaled() bool
}

// ManualFence is a Fence a producer signals explicitly, without depending
// on a real platform sync fd. The engine uses it, through AlreadySignaled,
// as the terminal fence of a fenced execution that produced no driver fence;
// the fenced step loop itself chains raw sync fds, not ManualFences.
type ManualFence struct {
	once sync.Once
	ch   chan struct{}
	err  error
}

// NewManualFence returns a fence in the unsignaled state.
func NewManualFence() *ManualFence {
	return &ManualFence{ch: make(chan struct{})}
}

// Signal fires the fence with the given terminal error (nil for success).
// Only the first call has an effect.
func (f *ManualFence) Signal(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.ch)
	})
}

func (f *ManualFence) Wait(ctx context.Context) error {
	select {
	case <-f.ch:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *ManualFence) Signaled() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// AlreadySignaled returns a Fence that is signaled from the start, used
// when a step executed synchronously and produced no real fence (spec.md
// §4.5, "a negative syncFD... means the driver already completed").
func AlreadySignaled(err error) Fence {
	f := NewManualFence()
	f.Signal(err)
	return f
}
