package sizedpool

// Handler is the pool's only extension point: it owns the lifecycle
// of the pooled resource type R. A Pool owns exactly one Handler for
// its lifetime and never re-enters the pool from within a Handler
// call.
type Handler[R any] interface {
	// Create produces a resource whose CapacityOf is exactly capacity.
	// May fail; on failure the pool has already reverted any
	// accounting it tentatively made (see Pool.Acquire).
	Create(capacity uint64) (R, error)

	// Destroy releases the resource's underlying storage. Irreversible.
	Destroy(r R)

	// CapacityOf is pure and stable for a given resource.
	CapacityOf(r R) uint64

	// Setup prepares r for a client requesting size bytes. Called once
	// per Acquire. afterCreate is true when r was just created rather
	// than reused from a bucket's free-list.
	Setup(r R, size uint64, afterCreate bool)

	// Cleanup is called once per Release. beforeDestroy is true when
	// the pool will destroy r immediately afterwards.
	Cleanup(r R, beforeDestroy bool)
}

// DefaultAdjustAllocationSize is the identity hook: requested size is
// used unchanged. Any replacement must return a value >= its input.
func DefaultAdjustAllocationSize(requested uint64) uint64 {
	return requested
}

// DefaultMayPool implements "respect the poolable ceiling": a resource
// of capacity may be retained only if doing so would not push
// pooledBytes above poolableCapacity.
func DefaultMayPool(poolableCapacity uint64) func(capacity, pooledBytes uint64) bool {
	return func(capacity, pooledBytes uint64) bool {
		return pooledBytes+capacity <= poolableCapacity
	}
}
