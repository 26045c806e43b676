package sizedpool_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/posidoni/sizedpool"
)

// fakeResource is the simplest possible pooled resource: just a
// capacity.
type fakeResource struct {
	capacity uint64
	id       int64
}

var fakeResourceIDs int64

// fakeHandler counts calls so tests can assert on create/destroy
// traffic using atomic counters.
type fakeHandler struct {
	createCalls  int64
	destroyCalls int64
	failCreate   atomic.Bool

	// destroyedCaps records the capacity of each destroyed resource in
	// order; Destroy is only called under the pool's lock.
	destroyedCaps []uint64
}

func (h *fakeHandler) Create(capacity uint64) (*fakeResource, error) {
	atomic.AddInt64(&h.createCalls, 1)
	if h.failCreate.Load() {
		return nil, errCreateFailed
	}
	return &fakeResource{capacity: capacity, id: atomic.AddInt64(&fakeResourceIDs, 1)}, nil
}

func (h *fakeHandler) Destroy(r *fakeResource) {
	atomic.AddInt64(&h.destroyCalls, 1)
	h.destroyedCaps = append(h.destroyedCaps, r.capacity)
}

func (h *fakeHandler) CapacityOf(r *fakeResource) uint64 { return r.capacity }
func (h *fakeHandler) Setup(r *fakeResource, size uint64, afterCreate bool) {}
func (h *fakeHandler) Cleanup(r *fakeResource, beforeDestroy bool)          {}

type createFailedError struct{}

func (*createFailedError) Error() string { return "fake handler: create failed" }

var errCreateFailed = &createFailedError{}

func mustLinear(t *testing.T, m uint64) sizedpool.BucketSizer {
	t.Helper()
	s, err := sizedpool.Linear(m)
	require.NoError(t, err)
	return s
}

// TestPool_LinearSizerBasicAcquireRelease covers a linear bucket sizer
// under ordinary acquire/release traffic.
func TestPool_LinearSizerBasicAcquireRelease(t *testing.T) {
	t.Parallel()
	h := &fakeHandler{}
	p, err := sizedpool.New[*fakeResource](6, h,
		sizedpool.WithPoolableCapacity[*fakeResource](6),
		sizedpool.WithBucketSizer[*fakeResource](mustLinear(t, 4)),
	)
	require.NoError(t, err)

	ctx := context.Background()
	r1, err := p.Acquire(ctx, 4, sizedpool.NewUnlimitedWaitPolicy())
	require.NoError(t, err)
	r2, err := p.Acquire(ctx, 2, sizedpool.NewUnlimitedWaitPolicy())
	require.NoError(t, err)

	require.Equal(t, uint64(0), p.AvailableCapacity())

	p.Release(r1)
	p.Release(r2)
	require.Equal(t, uint64(6), p.AvailableCapacity())

	p.Close()
}

// TestPool_ExponentialAlignedMinCapacity covers an exponential sizer
// composed with a capacity floor and byte alignment.
func TestPool_ExponentialAlignedMinCapacity(t *testing.T) {
	t.Parallel()
	base, err := sizedpool.Exponential(2)
	require.NoError(t, err)
	aligned, err := sizedpool.WithAlignment(base, 64)
	require.NoError(t, err)
	sizer, err := sizedpool.WithMinCapacity(aligned, 512)
	require.NoError(t, err)

	idx, err := sizer.SizeToIndex(17)
	require.NoError(t, err)
	require.Equal(t, uint64(0), idx)

	cap0, err := sizer.IndexToCapacity(0)
	require.NoError(t, err)
	require.Equal(t, uint64(512), cap0)

	idx, err = sizer.SizeToIndex(1024)
	require.NoError(t, err)
	require.Equal(t, uint64(1), idx)

	cap1, err := sizer.IndexToCapacity(1)
	require.NoError(t, err)
	require.Equal(t, uint64(1024), cap1)

	idx, err = sizer.SizeToIndex(513)
	require.NoError(t, err)
	require.Equal(t, uint64(1), idx)
}

// TestPool_BlockingHandsOffSameResource checks that a blocked acquirer
// receives the exact resource instance a concurrent release frees up.
func TestPool_BlockingHandsOffSameResource(t *testing.T) {
	t.Parallel()
	h := &fakeHandler{}
	p, err := sizedpool.New[*fakeResource](1024, h,
		sizedpool.WithBucketSizer[*fakeResource](mustLinear(t, 1024)),
	)
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	r1, err := p.Acquire(ctx, 1024, sizedpool.NewUnlimitedWaitPolicy())
	require.NoError(t, err)

	type result struct {
		r   *fakeResource
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		r2, err := p.Acquire(ctx, 1024, sizedpool.NewUnlimitedWaitPolicy())
		resultCh <- result{r2, err}
	}()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, p.Queued())

	p.Release(r1)

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		require.Same(t, r1, res.r)
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire never unblocked")
	}
}

// TestPool_BlockedAcquireAccumulatesAcrossMultiplePartialReleases checks
// that a single blocked acquire can be satisfied by several smaller
// releases arriving one at a time, each contributing a partial
// reclaim/take cycle, rather than needing one release large enough to
// cover the whole request.
func TestPool_BlockedAcquireAccumulatesAcrossMultiplePartialReleases(t *testing.T) {
	t.Parallel()
	h := &fakeHandler{}
	p, err := sizedpool.New[*fakeResource](700, h,
		sizedpool.WithBucketSizer[*fakeResource](mustLinear(t, 100)),
		sizedpool.WithMayPool[*fakeResource](func(capacity, pooledBytes uint64) bool { return false }),
	)
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	h1, err := p.Acquire(ctx, 100, sizedpool.NewUnlimitedWaitPolicy())
	require.NoError(t, err)
	h2, err := p.Acquire(ctx, 200, sizedpool.NewUnlimitedWaitPolicy())
	require.NoError(t, err)
	h3, err := p.Acquire(ctx, 400, sizedpool.NewUnlimitedWaitPolicy())
	require.NoError(t, err)
	require.Equal(t, uint64(0), p.AvailableCapacity())

	type result struct {
		r   *fakeResource
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		r, err := p.Acquire(ctx, 700, sizedpool.NewUnlimitedWaitPolicy())
		resultCh <- result{r, err}
	}()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, p.Queued())

	// Three releases, each too small to satisfy the blocked request on
	// its own and each strictly larger than the bytes already
	// accumulated, force three separate reclaim/partial-take cycles
	// before the acquire above can complete.
	p.Release(h1)
	time.Sleep(30 * time.Millisecond)
	p.Release(h2)
	time.Sleep(30 * time.Millisecond)
	p.Release(h3)

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		require.Equal(t, uint64(700), h.CapacityOf(res.r))
	case <-time.After(2 * time.Second):
		t.Fatal("blocked acquire never accumulated enough capacity across partial releases")
	}
}

// TestPool_TimeoutLeavesCapacityUnchanged checks that a bounded wait
// that times out leaves pool accounting exactly as it found it.
func TestPool_TimeoutLeavesCapacityUnchanged(t *testing.T) {
	t.Parallel()
	h := &fakeHandler{}
	p, err := sizedpool.New[*fakeResource](1024, h,
		sizedpool.WithBucketSizer[*fakeResource](mustLinear(t, 1024)),
	)
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	r1, err := p.Acquire(ctx, 1024, sizedpool.NewUnlimitedWaitPolicy())
	require.NoError(t, err)

	before := p.AvailableCapacity()

	start := time.Now()
	_, err = p.Acquire(ctx, 1024, sizedpool.NewBoundedWaitPolicy(50*time.Millisecond))
	require.ErrorIs(t, err, sizedpool.ErrTimeout)
	require.Less(t, time.Since(start), 500*time.Millisecond)

	require.Equal(t, before, p.AvailableCapacity())

	p.Release(r1)
}

// TestPool_ReclaimEvictsLargestFirst checks that reclaiming capacity
// destroys pooled entries from the largest bucket down.
func TestPool_ReclaimEvictsLargestFirst(t *testing.T) {
	t.Parallel()
	h := &fakeHandler{}
	base, err := sizedpool.Exponential(2)
	require.NoError(t, err)
	sizer, err := sizedpool.WithMinCapacity(base, 512)
	require.NoError(t, err)

	p, err := sizedpool.New[*fakeResource](4096, h,
		sizedpool.WithPoolableCapacity[*fakeResource](4096),
		sizedpool.WithBucketSizer[*fakeResource](sizer),
	)
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	for _, size := range []uint64{512, 1024, 2048} {
		r, err := p.Acquire(ctx, size, sizedpool.NewUnlimitedWaitPolicy())
		require.NoError(t, err)
		p.Release(r)
	}

	destroyedBefore := atomic.LoadInt64(&h.destroyCalls)

	r, err := p.Acquire(ctx, 2049, sizedpool.NewUnlimitedWaitPolicy())
	require.NoError(t, err)
	require.Equal(t, uint64(4096), h.CapacityOf(r))

	require.Greater(t, atomic.LoadInt64(&h.destroyCalls), destroyedBefore)
	require.Equal(t, []uint64{2048, 1024, 512}, h.destroyedCaps, "pooled entries must be destroyed largest bucket first")
}

// TestPool_CreateFailurePropagatesAndRestoresCapacity checks that a
// handler.Create failure surfaces to the caller and restores the
// capacity it had tentatively reserved.
func TestPool_CreateFailurePropagatesAndRestoresCapacity(t *testing.T) {
	t.Parallel()
	h := &fakeHandler{}
	h.failCreate.Store(true)

	p, err := sizedpool.New[*fakeResource](1024, h,
		sizedpool.WithBucketSizer[*fakeResource](mustLinear(t, 1024)),
	)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Acquire(context.Background(), 1024, sizedpool.NewUnlimitedWaitPolicy())
	require.ErrorIs(t, err, errCreateFailed)
	require.Equal(t, uint64(1024), p.AvailableCapacity())
}

func TestPool_ClosedPoolRejectsAcquire(t *testing.T) {
	t.Parallel()
	h := &fakeHandler{}
	p, err := sizedpool.New[*fakeResource](1024, h)
	require.NoError(t, err)
	p.Close()

	_, err = p.Acquire(context.Background(), 128, sizedpool.NewUnlimitedWaitPolicy())
	require.ErrorIs(t, err, sizedpool.ErrClosed)
}

func TestPool_ClosedPoolWakesWaiters(t *testing.T) {
	t.Parallel()
	h := &fakeHandler{}
	p, err := sizedpool.New[*fakeResource](1024, h,
		sizedpool.WithBucketSizer[*fakeResource](mustLinear(t, 1024)),
	)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = p.Acquire(ctx, 1024, sizedpool.NewUnlimitedWaitPolicy())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, 1024, sizedpool.NewUnlimitedWaitPolicy())
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	p.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, sizedpool.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by Close")
	}
}

func TestPool_ContextCancellationInterruptsAcquire(t *testing.T) {
	t.Parallel()
	h := &fakeHandler{}
	p, err := sizedpool.New[*fakeResource](1024, h,
		sizedpool.WithBucketSizer[*fakeResource](mustLinear(t, 1024)),
	)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Acquire(context.Background(), 1024, sizedpool.NewUnlimitedWaitPolicy())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, 1024, sizedpool.NewUnlimitedWaitPolicy())
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, sizedpool.ErrInterrupted)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire was not interrupted by context cancellation")
	}
}

// TestPool_FIFOFairness checks that A, enqueued
// strictly before B, both requests satisfiable one-at-a-time, A
// completes first.
func TestPool_FIFOFairness(t *testing.T) {
	t.Parallel()
	h := &fakeHandler{}
	p, err := sizedpool.New[*fakeResource](1024, h,
		sizedpool.WithBucketSizer[*fakeResource](mustLinear(t, 1024)),
	)
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	holder, err := p.Acquire(ctx, 1024, sizedpool.NewUnlimitedWaitPolicy())
	require.NoError(t, err)

	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r, err := p.Acquire(ctx, 1024, sizedpool.NewUnlimitedWaitPolicy())
		require.NoError(t, err)
		record("A")
		p.Release(r)
	}()
	time.Sleep(30 * time.Millisecond) // ensure A enqueues strictly before B
	go func() {
		defer wg.Done()
		r, err := p.Acquire(ctx, 1024, sizedpool.NewUnlimitedWaitPolicy())
		require.NoError(t, err)
		record("B")
		p.Release(r)
	}()
	time.Sleep(30 * time.Millisecond)

	p.Release(holder)
	wg.Wait()

	require.Equal(t, []string{"A", "B"}, order)
}

func TestPool_RejectsRequestAboveTotalCapacity(t *testing.T) {
	t.Parallel()
	h := &fakeHandler{}
	p, err := sizedpool.New[*fakeResource](128, h)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Acquire(context.Background(), 256, sizedpool.NewUnlimitedWaitPolicy())
	require.ErrorIs(t, err, sizedpool.ErrInvalidArgument)
}

func TestPool_AdjustAllocationSizeMustNotShrink(t *testing.T) {
	t.Parallel()
	h := &fakeHandler{}
	p, err := sizedpool.New[*fakeResource](128, h,
		sizedpool.WithAdjustAllocationSize[*fakeResource](func(size uint64) uint64 { return size - 1 }),
	)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Acquire(context.Background(), 64, sizedpool.NewUnlimitedWaitPolicy())
	require.ErrorIs(t, err, sizedpool.ErrInvalidArgument)
}
