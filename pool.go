// Package sizedpool implements a bounded, size-classed object pool for
// fixed-capacity resources (typically off-heap byte buffers). Clients
// request a resource of at least some size; the pool returns a
// previously retired resource of a matching size class when one is
// idle, or allocates a new one subject to a global capacity ceiling,
// blocking the caller until enough capacity can be reclaimed.
//
// Descended from github.com/posidoni/resource-pool's single-size
// generic Pool[T]: same mutex-guarded free-list idea, generalized to
// size classes, capacity accounting, and FIFO-fair blocking.
package sizedpool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// WidenStrategy governs whether an acquire widens its reservation from
// the requested size up to its bucket's entry capacity only when spare
// capacity is already available (UseAvailableCapacity, the default) or
// always (EnforcePoolableCapacity).
type WidenStrategy int

const (
	// UseAvailableCapacity widens size to the bucket's entry capacity
	// only when not_pooled_capacity + pooled_bytes already covers it.
	UseAvailableCapacity WidenStrategy = iota
	// EnforcePoolableCapacity always widens to the bucket's entry
	// capacity, even when the extra bytes must be borrowed from
	// non-pooled space.
	EnforcePoolableCapacity
)

// Pool is the lock-protected heart of the allocator: capacity
// accounting, size-class routing, the blocking acquire loop, release,
// reclaim and close.
//
// Pool contains a mutex and must only be used via a pointer.
type Pool[R any] struct {
	mu   sync.Mutex
	cond *sync.Cond

	totalCapacity    uint64
	poolableCapacity uint64
	sizer            BucketSizer
	handler          Handler[R]

	buckets      map[uint64]*bucket[R] // keyed by bucket index
	bucketsByCap []uint64              // cached capacity-descending bucket indices
	bucketsStale bool
	notPooled    uint64
	pooledBytes  uint64
	waiters      waiterQueue
	closed       bool

	adjustAllocationSize func(uint64) uint64
	mayPool              func(capacity, pooledBytes uint64) bool
	widenStrategy        WidenStrategy

	log zerolog.Logger
}

// Option configures a Pool at construction time.
type Option[R any] func(*Pool[R])

// WithPoolableCapacity sets the ceiling on resident pooled bytes.
// Defaults to totalCapacity.
func WithPoolableCapacity[R any](poolable uint64) Option[R] {
	return func(p *Pool[R]) { p.poolableCapacity = poolable }
}

// WithBucketSizer overrides the default bucket sizing strategy.
func WithBucketSizer[R any](sizer BucketSizer) Option[R] {
	return func(p *Pool[R]) { p.sizer = sizer }
}

// WithAdjustAllocationSize overrides the size-normalization hook.
// Replacements must return a value >= their input.
func WithAdjustAllocationSize[R any](f func(uint64) uint64) Option[R] {
	return func(p *Pool[R]) { p.adjustAllocationSize = f }
}

// WithMayPool overrides the retain-on-release predicate.
func WithMayPool[R any](f func(capacity, pooledBytes uint64) bool) Option[R] {
	return func(p *Pool[R]) { p.mayPool = f }
}

// WithWidenStrategy selects the edge-widening policy.
func WithWidenStrategy[R any](s WidenStrategy) Option[R] {
	return func(p *Pool[R]) { p.widenStrategy = s }
}

// New constructs a Pool. totalCapacity must be > 0.
func New[R any](totalCapacity uint64, handler Handler[R], opts ...Option[R]) (*Pool[R], error) {
	if totalCapacity == 0 {
		return nil, fmt.Errorf("%w: total capacity must be > 0", ErrInvalidArgument)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: handler must not be nil", ErrInvalidArgument)
	}

	p := &Pool[R]{
		totalCapacity:    totalCapacity,
		poolableCapacity: totalCapacity,
		handler:          handler,
		buckets:          make(map[uint64]*bucket[R]),
		notPooled:        totalCapacity,
		log:              Logger(),
	}
	p.cond = sync.NewCond(&p.mu)

	for _, opt := range opts {
		opt(p)
	}

	if p.poolableCapacity > p.totalCapacity {
		return nil, fmt.Errorf("%w: poolable capacity exceeds total capacity", ErrInvalidArgument)
	}
	if p.adjustAllocationSize == nil {
		p.adjustAllocationSize = DefaultAdjustAllocationSize
	}
	if p.mayPool == nil {
		p.mayPool = DefaultMayPool(p.poolableCapacity)
	}
	if p.sizer == nil {
		sizer, err := defaultBucketSizer(p.poolableCapacity)
		if err != nil {
			return nil, err
		}
		p.sizer = sizer
	}

	return p, nil
}

// bucketFor returns the bucket for index, constructing it lazily.
// Must be called with the lock held.
func (p *Pool[R]) bucketFor(index uint64) (*bucket[R], error) {
	if b, ok := p.buckets[index]; ok {
		return b, nil
	}
	entryCap, err := p.sizer.IndexToCapacity(index)
	if err != nil {
		return nil, err
	}
	b := newBucket[R](entryCap, p.handler, func(delta int64) {
		if delta >= 0 {
			p.pooledBytes += uint64(delta)
		} else {
			p.pooledBytes -= uint64(-delta)
		}
	})
	p.buckets[index] = b
	p.bucketsStale = true
	return b, nil
}

// bucketsLargestFirst returns buckets ordered by decreasing entry
// capacity, so reclaim always evicts from the largest size class
// first. Must be called with the lock held.
func (p *Pool[R]) bucketsLargestFirst() []*bucket[R] {
	if p.bucketsStale || p.bucketsByCap == nil {
		indices := make([]uint64, 0, len(p.buckets))
		for idx := range p.buckets {
			indices = append(indices, idx)
		}
		sort.Slice(indices, func(i, j int) bool {
			return p.buckets[indices[i]].entryCapacity > p.buckets[indices[j]].entryCapacity
		})
		p.bucketsByCap = indices
		p.bucketsStale = false
	}
	out := make([]*bucket[R], len(p.bucketsByCap))
	for i, idx := range p.bucketsByCap {
		out[i] = p.buckets[idx]
	}
	return out
}

// reclaim destroys pooled entries, largest bucket first, until
// notPooled >= required or there is nothing left to reclaim. Must be
// called with the lock held.
func (p *Pool[R]) reclaim(required uint64) {
	for _, b := range p.bucketsLargestFirst() {
		if p.notPooled >= required {
			return
		}
		shortage := required - p.notPooled
		released := b.clear(shortage)
		if released > 0 {
			p.notPooled += released
			p.log.Debug().Uint64("bucket_capacity", b.entryCapacity).Uint64("released", released).Msg("reclaimed pooled bytes")
		}
	}
}

// Acquire returns a resource able to serve requested bytes, blocking
// per policy until enough capacity can be reserved, or until ctx is
// canceled.
func (p *Pool[R]) Acquire(ctx context.Context, requested uint64, policy WaitPolicy) (R, error) {
	var zero R
	original := requested

	if requested > p.totalCapacity {
		return zero, fmt.Errorf("%w: requested size exceeds total capacity", ErrInvalidArgument)
	}
	size := p.adjustAllocationSize(requested)
	if size < requested {
		return zero, fmt.Errorf("%w: adjust_allocation_size returned a value smaller than its input", ErrInvalidArgument)
	}
	if size > p.totalCapacity {
		return zero, fmt.Errorf("%w: adjusted size exceeds total capacity", ErrInvalidArgument)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrClosed
	}

	index, err := p.sizer.SizeToIndex(size)
	if err != nil {
		p.mu.Unlock()
		return zero, err
	}
	b, err := p.bucketFor(index)
	if err != nil {
		p.mu.Unlock()
		return zero, err
	}
	bucketCap := b.entryCapacity
	if size > bucketCap {
		p.mu.Unlock()
		return zero, fmt.Errorf("%w: bucket sizer produced a capacity smaller than the requested size", ErrInvalidArgument)
	}

	// Fast path: free-list hit.
	if r, ok, ferr := b.acquire(original, false); ferr != nil {
		p.mu.Unlock()
		return zero, ferr
	} else if ok {
		p.signalNext()
		p.mu.Unlock()
		return r, nil
	}

	resource, gotResource, sizeToCreate, err := p.reserveOrBlock(ctx, policy, b, bucketCap, original, size)
	p.signalNext()
	p.mu.Unlock()

	if err != nil {
		return zero, err
	}
	if gotResource {
		return resource, nil
	}
	return p.createOutsideLock(sizeToCreate, original)
}

// reserveOrBlock ensures capacity for size (possibly widened to
// bucketCap) is reserved, reclaiming and blocking as necessary. Must
// be called with the lock held.
//
// On success, either gotResource is true and resource is a ready
// resource obtained from the free-list mid-wait, or gotResource is
// false and sizeToCreate bytes have been reserved in notPooled for the
// caller to Create outside the lock.
func (p *Pool[R]) reserveOrBlock(ctx context.Context, policy WaitPolicy, b *bucket[R], bucketCap, original, size uint64) (resource R, gotResource bool, sizeToCreate uint64, err error) {
	available := p.notPooled + p.pooledBytes
	widen := p.widenStrategy == EnforcePoolableCapacity || available >= bucketCap
	if widen {
		size = bucketCap
	}

	if available >= size {
		p.reclaim(size)
		p.notPooled -= size
		return resource, false, size, nil
	}

	ticket := p.waiters.enqueue()
	defer p.waiters.remove(ticket)

	stopWatch := p.watchContext(ctx)
	defer stopWatch()

	var accumulated uint64
	for accumulated < size {
		policy.awaitNext(p.cond)

		if p.closed {
			p.notPooled += accumulated
			return resource, false, 0, ErrClosed
		}
		if ctx.Err() != nil {
			p.notPooled += accumulated
			return resource, false, 0, ErrInterrupted
		}
		if werr := policy.checkTimeElapsed(); werr != nil {
			p.notPooled += accumulated
			return resource, false, 0, werr
		}

		// Only the FIFO head may attempt to make progress; everyone
		// else goes back to sleep on the next broadcast. A non-head
		// waiter never competes for bytes at all.
		if !p.waiters.isHead(ticket) {
			continue
		}

		if accumulated == 0 {
			if r, ok, ferr := b.acquire(original, false); ferr != nil {
				return resource, false, 0, ferr
			} else if ok {
				return r, true, 0, nil
			}
		}

		available = p.notPooled + p.pooledBytes
		if available == 0 {
			continue
		}
		need := size - accumulated
		p.reclaim(need)
		take := need
		if take > p.notPooled {
			take = p.notPooled
		}
		p.notPooled -= take
		accumulated += take
	}

	return resource, false, size, nil
}

// watchContext arranges for p.cond to be broadcast when ctx is
// canceled, so a blocked awaitNext wakes promptly. Returns a func the
// caller must invoke to stop the watcher goroutine.
func (p *Pool[R]) watchContext(ctx context.Context) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// signalNext wakes all waiters if there is a chance one of them can
// now make progress; only the head of the FIFO queue acts on the
// wake-up, the rest recheck and go back to sleep.
func (p *Pool[R]) signalNext() {
	if p.waiters.len() == 0 {
		return
	}
	if p.notPooled > 0 || p.pooledBytes > 0 {
		p.cond.Broadcast()
	}
}

// forceSignal always wakes waiters; used on release and on
// handler.Create failure.
func (p *Pool[R]) forceSignal() {
	if p.waiters.len() > 0 {
		p.cond.Broadcast()
	}
}

func (p *Pool[R]) createOutsideLock(size, original uint64) (R, error) {
	var zero R
	r, err := p.handler.Create(size)
	if err != nil {
		p.mu.Lock()
		p.notPooled += size
		p.forceSignal()
		p.mu.Unlock()
		p.log.Warn().Err(err).Uint64("size", size).Msg("handler.Create failed")
		return zero, err
	}
	p.handler.Setup(r, original, true)
	return r, nil
}

// Release returns resource r to the pool. If its capacity matches a
// bucket's entry capacity and the pool's MayPool predicate allows it,
// it is retained; otherwise it is destroyed and its capacity rejoins
// notPooled.
func (p *Pool[R]) Release(r R) {
	p.mu.Lock()
	defer p.mu.Unlock()

	capacity := p.handler.CapacityOf(r)
	index, err := p.sizer.SizeToIndex(capacity)
	if err != nil {
		p.log.Warn().Err(err).Msg("release: could not route resource to a bucket, destroying")
		p.handler.Cleanup(r, true)
		p.handler.Destroy(r)
		p.notPooled += capacity
		p.forceSignal()
		return
	}
	b, err := p.bucketFor(index)
	if err != nil {
		p.handler.Cleanup(r, true)
		p.handler.Destroy(r)
		p.notPooled += capacity
		p.forceSignal()
		return
	}

	if !p.closed && capacity == b.entryCapacity && p.mayPool(capacity, p.pooledBytes) {
		b.release(r, true)
	} else {
		b.release(r, false)
		p.notPooled += capacity
	}
	p.forceSignal()
}

// Close marks the pool closed, destroys every pooled entry, and wakes
// every waiting Acquire so they fail with ErrClosed. Subsequent
// Acquire calls fail immediately. In-flight Release calls remain valid
// and return storage to the handler rather than re-pooling it.
func (p *Pool[R]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, b := range p.buckets {
		released := b.clear(p.totalCapacity)
		p.notPooled += released
	}
	p.log.Debug().Msg("pool closed")
	p.cond.Broadcast()
}

// AvailableCapacity returns notPooled + pooledBytes: the bytes
// reclaimable by a new allocation without blocking on a client.
func (p *Pool[R]) AvailableCapacity() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notPooled + p.pooledBytes
}

// UnusedCapacity returns bytes currently neither held by a client nor
// sitting in a bucket.
func (p *Pool[R]) UnusedCapacity() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notPooled
}

// Queued returns the number of Acquire calls currently blocked.
func (p *Pool[R]) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiters.len()
}

// TotalCapacity returns the pool's immutable capacity ceiling.
func (p *Pool[R]) TotalCapacity() uint64 { return p.totalCapacity }

// PoolableCapacity returns the pool's immutable pooled-bytes ceiling.
func (p *Pool[R]) PoolableCapacity() uint64 { return p.poolableCapacity }
