package sizedpool

// bucket is a free-list of idle resources that all share one canonical
// capacity. All mutations happen under the owning Pool's lock.
//
// Slice-backed and strictly LIFO, for cache warmth: the most recently
// released entry is handed back first.
type bucket[R any] struct {
	entryCapacity uint64
	free          []R
	handler       Handler[R]

	// onPooledBytesChange feeds pooled_bytes deltas back to the owning
	// Pool; delta is positive on release-to-pool, negative on
	// acquire-hit or destroy-from-pool.
	onPooledBytesChange func(delta int64)
}

func newBucket[R any](entryCapacity uint64, handler Handler[R], onPooledBytesChange func(delta int64)) *bucket[R] {
	return &bucket[R]{
		entryCapacity:       entryCapacity,
		handler:             handler,
		onPooledBytesChange: onPooledBytesChange,
	}
}

// acquire pops the most recently released resource, or creates one if
// mayCreate and the free-list is empty. requestedSize must be <=
// entryCapacity. With a nil err, ok is false only when the free-list
// was empty and mayCreate is false; every error return has ok false.
func (b *bucket[R]) acquire(requestedSize uint64, mayCreate bool) (r R, ok bool, err error) {
	if requestedSize > b.entryCapacity {
		var zero R
		return zero, false, ErrInvalidArgument
	}

	if n := len(b.free); n > 0 {
		r = b.free[n-1]
		b.free = b.free[:n-1]
		b.onPooledBytesChange(-int64(b.entryCapacity))
		b.handler.Setup(r, requestedSize, false)
		return r, true, nil
	}

	if !mayCreate {
		var zero R
		return zero, false, nil
	}

	r, err = b.handler.Create(b.entryCapacity)
	if err != nil {
		var zero R
		return zero, false, err
	}
	b.handler.Setup(r, requestedSize, true)
	return r, true, nil
}

// release either pools r (mayPool true) or destroys it immediately.
// Returns whether r was pooled.
func (b *bucket[R]) release(r R, mayPool bool) bool {
	if !mayPool {
		b.handler.Cleanup(r, true)
		b.handler.Destroy(r)
		return false
	}
	b.handler.Cleanup(r, false)
	b.free = append(b.free, r)
	b.onPooledBytesChange(int64(b.entryCapacity))
	return true
}

// clear destroys entries from this bucket's free-list until at least
// minBytesToRelease bytes have been released (or the bucket is empty),
// returning bytes actually released. pooled_bytes is decremented
// per-entry via a deferred scoped release so a panic from Destroy
// partway through still leaves accounting consistent for everything
// destroyed before the panic.
func (b *bucket[R]) clear(minBytesToRelease uint64) (released uint64) {
	for released < minBytesToRelease && len(b.free) > 0 {
		n := len(b.free)
		r := b.free[n-1]
		b.free = b.free[:n-1]
		func() {
			defer func() {
				b.onPooledBytesChange(-int64(b.entryCapacity))
				released += b.entryCapacity
			}()
			b.handler.Cleanup(r, true)
			b.handler.Destroy(r)
		}()
	}
	return released
}

// len reports the number of idle resources currently in this bucket.
func (b *bucket[R]) len() int {
	return len(b.free)
}
