// Package smr implements epoch-based safe memory reclamation for the
// lock-free skip list in package skiplist.
//
// A Domain is the process-wide (or, in this implementation, per-Set)
// reclamation authority: it hands out Handles to calling goroutines,
// tracks which of them are inside a critical section, and defers
// freeing a retired node until no registered Handle can still be
// holding a stale reference to it.
//
// The algorithm is standard epoch reclamation with per-thread bucketed
// retirement lists, rotated two deep: a node retired while the global
// epoch is E goes into bucket E%2; once every registered Handle has
// been observed either idle or caught up to the current epoch, the
// epoch advances and the bucket two ticks behind becomes safe to hand
// back to the per-class free list.
package smr

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/facebookgo/stackerr"
)

// Class identifies a fixed-size allocation class. The skip list uses one
// class per level, so that low-level (hot) nodes come from a
// cache-friendlier, more frequently recycled pool than tall towers.
type Class int

type retireBucket struct {
	mu    sync.Mutex
	items []retiredItem
}

type retiredItem struct {
	class Class
	ptr   unsafe.Pointer
}

// Handle is a per-goroutine descriptor obtained via Domain.Register.
// Handles are not safe for concurrent use by more than one goroutine at
// a time: a goroutine that hands its Handle to another must stop using
// it itself first.
type Handle struct {
	domain *Domain
	id     int

	active     atomic.Bool
	localEpoch atomic.Uint64

	buckets     [2]retireBucket
	localFree   [][]unsafe.Pointer // per-class local free cache
	localFreeMu sync.Mutex
}

// Domain owns the shared reclamation state and the per-class allocators
// for one skip list instance. Construct exactly one Domain per Set; do
// not share a Domain between independently-lived sets, since
// thread-registration order and epoch bookkeeping are not designed to
// be multiplexed across unrelated structures.
type Domain struct {
	epoch atomic.Uint64

	threadsMu sync.Mutex
	threads   []*Handle
	maxThreads int

	classes []classPool

	// refillBatch controls how many items Alloc pulls from the domain
	// free list into a Handle's local cache at once.
	refillBatch int
}

type classPool struct {
	newFn func() unsafe.Pointer

	mu   sync.Mutex
	free []unsafe.Pointer

	allocated atomic.Int64
	freed     atomic.Int64
}

// DomainOption configures a Domain at construction time.
type DomainOption func(*Domain)

// WithMaxThreads bounds the number of Handles a Domain will register
// before Register starts returning an error. The default is
// effectively unbounded (a very large constant); tests that want to
// exercise the "ran out of handle slots" failure mode should pass a
// small explicit value.
func WithMaxThreads(n int) DomainOption {
	return func(d *Domain) { d.maxThreads = n }
}

// WithRefillBatch sets how many nodes Alloc pulls from the shared
// per-class free list into a Handle's local cache at a time. Larger
// batches reduce contention on the shared free list at the cost of
// more nodes parked in a single Handle's cache.
func WithRefillBatch(n int) DomainOption {
	return func(d *Domain) {
		if n > 0 {
			d.refillBatch = n
		}
	}
}

const defaultMaxThreads = 1 << 20
const defaultRefillBatch = 8

// NewDomain creates a reclamation domain with one allocation class per
// entry in newFns. newFns[c] must return a freshly allocated, zeroed
// object suitable for class Class(c); Alloc never calls newFns[c] with
// arguments, so any class-specific sizing must be closed over.
func NewDomain(newFns []func() unsafe.Pointer, opts ...DomainOption) *Domain {
	d := &Domain{
		maxThreads:  defaultMaxThreads,
		refillBatch: defaultRefillBatch,
	}
	d.classes = make([]classPool, len(newFns))
	for i, fn := range newFns {
		d.classes[i].newFn = fn
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register obtains a Handle for the calling goroutine. Each call
// allocates a fresh descriptor; the caller owns its Handle's lifetime
// explicitly for as long as the goroutine interacts with the set, which
// is the idiomatic Go analog of the source algorithm's thread-local
// handle slots.
func (d *Domain) Register() (*Handle, error) {
	d.threadsMu.Lock()
	defer d.threadsMu.Unlock()

	if len(d.threads) >= d.maxThreads {
		return nil, stackerr.Newf("smr: ran out of handle slots (max %d)", d.maxThreads)
	}

	h := &Handle{domain: d, id: len(d.threads)}
	h.localFree = make([][]unsafe.Pointer, len(d.classes))
	d.threads = append(d.threads, h)
	return h, nil
}

// CriticalEnter marks h as inside a critical section and publishes the
// current global epoch. It never blocks and never fails.
func (h *Handle) CriticalEnter() {
	h.localEpoch.Store(h.domain.epoch.Load())
	h.active.Store(true)
}

// CriticalExit marks h as outside its critical section and
// opportunistically attempts to advance the domain's epoch. Advancing
// the epoch frees the oldest retirement bucket once every other
// registered Handle has been observed idle or on the current epoch.
func (h *Handle) CriticalExit() {
	h.active.Store(false)
	h.domain.tryAdvance()
}

// tryAdvance attempts a single epoch bump. It is always safe to call
// and always cheap to skip: if any other Handle is actively mid-critical
// -section on a stale epoch, tryAdvance gives up immediately.
func (d *Domain) tryAdvance() {
	cur := d.epoch.Load()

	d.threadsMu.Lock()
	threads := d.threads
	d.threadsMu.Unlock()

	for _, t := range threads {
		if t.active.Load() && t.localEpoch.Load() != cur {
			return
		}
	}

	if !d.epoch.CompareAndSwap(cur, cur+1) {
		return
	}

	// The bucket at parity (cur+1)%2 was last written during epoch
	// cur-1 (the same parity two ticks back); every thread has now been
	// observed at epoch cur or later, so nothing can still reference
	// what's in it.
	coldIdx := int((cur + 1) % 2)
	for _, t := range threads {
		t.drainBucket(coldIdx)
	}
}

func (h *Handle) drainBucket(idx int) {
	b := &h.buckets[idx]
	b.mu.Lock()
	items := b.items
	b.items = nil
	b.mu.Unlock()

	for _, it := range items {
		cp := &h.domain.classes[it.class]
		cp.mu.Lock()
		cp.free = append(cp.free, it.ptr)
		cp.mu.Unlock()
		cp.freed.Add(1)
	}
}

// Alloc returns a node for the given class, reusing a previously
// retired-and-reclaimed node when one is available and otherwise
// constructing a fresh one. Alloc must be called from within a critical
// section (between CriticalEnter and CriticalExit); calling it outside
// one is a precondition violation per the package's contract and is not
// checked (package skiplist only calls Alloc between its own
// CriticalEnter and CriticalExit).
func (h *Handle) Alloc(class Class) (unsafe.Pointer, error) {
	if int(class) < 0 || int(class) >= len(h.domain.classes) {
		return nil, stackerr.Newf("smr: invalid class %d", class)
	}

	if cached := h.popLocal(class); cached != nil {
		return cached, nil
	}

	cp := &h.domain.classes[class]
	cp.mu.Lock()
	n := len(cp.free)
	take := h.domain.refillBatch
	if take > n {
		take = n
	}
	var batch []unsafe.Pointer
	if take > 0 {
		batch = append(batch, cp.free[n-take:]...)
		cp.free = cp.free[:n-take]
	}
	cp.mu.Unlock()

	if len(batch) > 0 {
		h.pushLocal(class, batch[1:])
		return batch[0], nil
	}

	ptr := cp.newFn()
	cp.allocated.Add(1)
	return ptr, nil
}

// Release returns ptr directly to this Handle's local free cache for
// class. Unlike Retire, Release is for objects that were never
// published (made reachable to any other goroutine) — for example a
// node allocated for an insert that lost a race before being linked in —
// so there is no concurrent reader to wait out and no need to go through
// epoch-gated reclamation before the slot is reused.
func (h *Handle) Release(class Class, ptr unsafe.Pointer) {
	h.pushLocal(class, []unsafe.Pointer{ptr})
}

func (h *Handle) popLocal(class Class) unsafe.Pointer {
	h.localFreeMu.Lock()
	defer h.localFreeMu.Unlock()
	lst := h.localFree[class]
	if len(lst) == 0 {
		return nil
	}
	n := len(lst) - 1
	ptr := lst[n]
	h.localFree[class] = lst[:n]
	return ptr
}

func (h *Handle) pushLocal(class Class, items []unsafe.Pointer) {
	if len(items) == 0 {
		return
	}
	h.localFreeMu.Lock()
	h.localFree[class] = append(h.localFree[class], items...)
	h.localFreeMu.Unlock()
}

// Retire hands ptr to the calling Handle's current retirement bucket.
// It never fails; the node becomes eligible for reuse only once a
// subsequent CriticalExit (on any Handle) observes full quiescence
// past the epoch during which Retire was called.
func (h *Handle) Retire(class Class, ptr unsafe.Pointer) {
	idx := int(h.domain.epoch.Load() % 2)
	b := &h.buckets[idx]
	b.mu.Lock()
	b.items = append(b.items, retiredItem{class: class, ptr: ptr})
	b.mu.Unlock()
}

// DomainStats reports allocator occupancy, primarily for tests asserting
// bounded peak live-node counts (spec scenario: stress memory reclamation).
type DomainStats struct {
	Allocated int64
	Freed     int64
}

// Stats returns the aggregate allocation/free counts across all classes.
func (d *Domain) Stats() DomainStats {
	var s DomainStats
	for i := range d.classes {
		s.Allocated += d.classes[i].allocated.Load()
		s.Freed += d.classes[i].freed.Load()
	}
	return s
}

// Close releases every Handle's and the Domain's free lists. Calling
// Close while any Handle may still be in a critical section is a
// precondition violation (undefined beyond a debug assertion, per the
// package's error-handling contract); Close itself performs no such
// check, mirroring spec.md's treatment of misuse outside the hot path.
func (d *Domain) Close() {
	d.threadsMu.Lock()
	threads := d.threads
	d.threads = nil
	d.threadsMu.Unlock()

	for _, t := range threads {
		t.buckets[0] = retireBucket{}
		t.buckets[1] = retireBucket{}
		t.localFree = nil
	}
	for i := range d.classes {
		d.classes[i].mu.Lock()
		d.classes[i].free = nil
		d.classes[i].mu.Unlock()
	}
}
