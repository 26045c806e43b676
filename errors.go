package sizedpool

import "errors"

// Sentinel errors surfaced by the pool. Use errors.Is to test for them;
// HandlerFailure errors are not sentinels here, they propagate from the
// caller-supplied Handler unchanged (see Pool.Acquire).
var (
	// ErrInvalidArgument is returned for negative sizes/indexes, a
	// requested size above TotalCapacity, an AdjustAllocationSize hook
	// that shrinks its input, or a size that exceeds its bucket's
	// entry capacity.
	ErrInvalidArgument = errors.New("sizedpool: invalid argument")

	// ErrClosed is returned by Acquire on (or racing with) a closed pool.
	ErrClosed = errors.New("sizedpool: pool is closed")

	// ErrTimeout is returned when a Bounded wait policy elapses before
	// enough capacity could be reserved.
	ErrTimeout = errors.New("sizedpool: timed out waiting for capacity")

	// ErrInterrupted is returned when the context passed to Acquire is
	// canceled while the caller is blocked.
	ErrInterrupted = errors.New("sizedpool: acquire interrupted")
)
