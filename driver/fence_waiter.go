package driver

import "context"

// FenceWaiter is the platform sync-fd primitive the fenced completion mode
// consumes (spec.md §6, "Sync fence" in the glossary). Real fences are
// backed by platform sync file descriptors; implementing that transport is
// out of scope for this module (spec.md §1, "the outer C-style API surface
// ... referenced only by the interfaces the core consumes from them").
type FenceWaiter interface {
	// Wait blocks until fd signals, ctx is done, or the fd's own deadline
	// elapses.
	Wait(ctx context.Context, fd int) error
	// Poll reports, without blocking, whether fd has already signaled.
	Poll(fd int) bool
}
