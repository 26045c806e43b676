// Package offheap provides a concrete sizedpool.Handler for byte
// buffers meant to stand in for off-heap memory. It allocates plain Go
// byte slices — a real off-heap allocator (mmap, a C allocator via
// cgo) is outside this module's scope; this adapter exists only to
// satisfy the Handler contract with something concrete to plug into
// the pool.
package offheap

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/google/uuid"
)

// Buffer is a pooled resource: a byte slice with an independent cursor
// and limit, reset on every acquire.
type Buffer struct {
	data   []byte
	cursor int
	limit  int

	cleanerID uuid.UUID
}

// Bytes returns the full backing slice, sized to the capacity the
// buffer was created with (not the last-requested size — see Limit).
func (b *Buffer) Bytes() []byte { return b.data }

// Limit returns the usable prefix length set by the last Setup call.
func (b *Buffer) Limit() int { return b.limit }

// Handler pools *Buffer resources. The zero value is not usable; use
// New.
type Handler struct {
	cleaners *cleanerCache
}

// New constructs an offheap.Handler. trackLeaks enables a
// finalizer-based cleaner so a Buffer whose owner forgets to Release
// it is still freed when garbage collected; runtime.SetFinalizer is
// the idiomatic Go stand-in for a runtime-level native-memory cleaner.
func New(trackLeaks bool) *Handler {
	h := &Handler{}
	if trackLeaks {
		h.cleaners = newCleanerCache()
	}
	return h
}

// Create allocates a Buffer of exactly capacity bytes.
func (h *Handler) Create(capacity uint64) (*Buffer, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("offheap: capacity must be > 0")
	}
	b := &Buffer{data: make([]byte, capacity)}
	if h.cleaners != nil {
		b.cleanerID = uuid.New()
		h.cleaners.track(b, b.cleanerID)
		runtime.SetFinalizer(b, func(leaked *Buffer) {
			h.cleaners.reclaimLeaked(leaked)
		})
	}
	return b, nil
}

// Destroy drops the buffer's backing storage and, if leak tracking is
// enabled, removes it from the cleaner cache and clears its finalizer.
func (h *Handler) Destroy(b *Buffer) {
	if h.cleaners != nil {
		runtime.SetFinalizer(b, nil)
		h.cleaners.untrack(b.cleanerID)
	}
	b.data = nil
}

// CapacityOf returns the buffer's fixed allocation size.
func (h *Handler) CapacityOf(b *Buffer) uint64 {
	return uint64(len(b.data))
}

// Setup resets the buffer's cursor and bounds its usable prefix to
// size bytes.
func (h *Handler) Setup(b *Buffer, size uint64, afterCreate bool) {
	b.cursor = 0
	b.limit = int(size)
}

// Cleanup zeroes the buffer's usable prefix so stale data never leaks
// across clients reusing the same pooled allocation.
func (h *Handler) Cleanup(b *Buffer, beforeDestroy bool) {
	if beforeDestroy {
		return
	}
	clear(b.data[:b.limit])
}

// cleanerCache tracks live buffers by UUID. When a finalizer fires on
// a leaked Buffer that is still tracked, reclaimLeaked drops its entry
// and its backing slice; nothing is logged or reported.
type cleanerCache struct {
	mu   sync.Mutex
	live map[uuid.UUID]struct{}
}

func newCleanerCache() *cleanerCache {
	return &cleanerCache{live: make(map[uuid.UUID]struct{})}
}

func (c *cleanerCache) track(b *Buffer, id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live[id] = struct{}{}
}

func (c *cleanerCache) untrack(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.live, id)
}

func (c *cleanerCache) reclaimLeaked(b *Buffer) {
	c.mu.Lock()
	_, wasLive := c.live[b.cleanerID]
	delete(c.live, b.cleanerID)
	c.mu.Unlock()
	if wasLive {
		b.data = nil
	}
}
