// Package skiplist implements a lock-free, linearizable ordered set
// keyed by 64-bit integers with opaque pointer-sized values, backed by
// the epoch-based reclamation scheme in internal/smr.
//
// The algorithm — weak/strong search, mark-then-splice logical deletion,
// and the full-delete cooperative cleanup helper — follows K. Fraser's
// CAS-based skip list (as preserved in the synchrobench benchmark suite)
// translated into Go's memory model and concurrency idioms rather than
// transliterated from C.
package skiplist

import (
	"math/rand"
	"sync"
	"time"
	"unsafe"

	"github.com/tomercory/lfskiplist/internal/smr"
)

// Key is the ordering key type. Keys are unique: at most one unmarked
// node for a given key is ever reachable from head.
type Key = uint64

// Value is an opaque, pointer-sized payload. The nil Value is the
// tombstone token and must never be supplied by a caller as a real
// payload (see PreconditionError).
type Value = unsafe.Pointer

const (
	sentinelMin uint64 = 0
	sentinelMax uint64 = ^uint64(0)
	// maxValidKey is the smallest caller-facing key rejected by this
	// package: it and sentinelMax, the top two uint64 values, are
	// reserved because callerToInternalKey would map them onto the
	// tail and head sentinels. The largest accepted key is
	// maxValidKey-1.
	maxValidKey uint64 = sentinelMax - 1
)

func isReservedKey(k uint64) bool { return k >= maxValidKey }

// callerToInternalKey shifts the caller-facing key domain up by one so
// that 0 and MaxUint64 remain free for the head/tail sentinels, per
// spec.md §6's reversible caller_to_internal_key mapping.
func callerToInternalKey(k uint64) uint64 { return k + 1 }

// InsertResult is the outcome of a Set.Insert call.
type InsertResult int

const (
	Created InsertResult = iota
	Updated
	InsertFailed
)

func (r InsertResult) String() string {
	switch r {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case InsertFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RemoveResult is the outcome of a Set.Remove call.
type RemoveResult int

const (
	Removed RemoveResult = iota
	Absent
)

func (r RemoveResult) String() string {
	switch r {
	case Removed:
		return "removed"
	case Absent:
		return "absent"
	default:
		return "unknown"
	}
}

// Set is a concurrent ordered set/map. The zero value is not usable;
// construct one with NewSet.
type Set struct {
	cfg    config
	domain *smr.Domain
	head   *node
	tail   *node

	rngMu sync.Mutex
	rng   *rand.Rand

	handles sync.Pool
}

// NewSet allocates the head/tail sentinels and pre-registers one SMR
// allocation class per level, per spec.md §6's set_new().
func NewSet(opts ...Option) *Set {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	newFns := make([]func() unsafe.Pointer, cfg.maxLevel)
	for lvl := 1; lvl <= cfg.maxLevel; lvl++ {
		newFns[lvl-1] = newNodeFactory(lvl)
	}

	domainOpts := []smr.DomainOption{smr.WithRefillBatch(cfg.refillBatch)}
	if cfg.maxHandles > 0 {
		domainOpts = append(domainOpts, smr.WithMaxThreads(cfg.maxHandles))
	}

	s := &Set{
		cfg:    cfg,
		domain: smr.NewDomain(newFns, domainOpts...),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.handles.New = func() any {
		h, err := s.domain.Register()
		if err != nil {
			return nil
		}
		return h
	}

	s.head = &node{next: make([]link, cfg.maxLevel)}
	s.tail = &node{next: make([]link, cfg.maxLevel)}
	s.head.key = sentinelMin
	s.tail.key = sentinelMax
	s.head.level.Store(uint32(cfg.maxLevel))
	s.tail.level.Store(uint32(cfg.maxLevel))

	for i := 0; i < cfg.maxLevel; i++ {
		s.head.next[i].init(s.tail, sentinelMax, false)
		// tail never has a "next"; a self-loop is a harmless standin
		// (the source uses a non-null placeholder pointer for the same
		// reason: avoid a nil check on every read) since no valid
		// internal key ever reaches or exceeds sentinelMax.
		s.tail.next[i].init(s.tail, sentinelMax, false)
	}
	return s
}

// Close releases the set's retained SMR free lists. Calling Close
// concurrently with any in-flight Insert/Remove/Lookup/Count is a
// precondition violation (spec.md §7.4): undefined beyond a debug
// assertion, not separately guarded here.
func (s *Set) Close() {
	s.domain.Close()
}

func (s *Set) randomLevel() int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	lvl := 1
	for lvl < s.cfg.maxLevel && s.rng.Float64() < s.cfg.levelRate {
		lvl++
	}
	return lvl
}

func (s *Set) enter() *smr.Handle {
	v := s.handles.Get()
	h, _ := v.(*smr.Handle)
	if h == nil {
		panicPrecondition("skiplist: exhausted SMR handle slots")
	}
	h.CriticalEnter()
	return h
}

func (s *Set) exit(h *smr.Handle) {
	h.CriticalExit()
	s.handles.Put(h)
}

func (s *Set) retire(x *node, h *smr.Handle) {
	h.Retire(classFor(x.levelOf()), unsafe.Pointer(x))
}

// checkFullDelete arranges for exactly one caller to run the full-delete
// helper for x: markReadyForFree is a single CAS gate, so of however
// many concurrent callers observe x as logically deleted, only the one
// that flips the bit proceeds to re-search and retire it.
func (s *Set) checkFullDelete(x *node, h *smr.Handle) {
	if x.markReadyForFree() {
		s.fullDelete(x, h)
	}
}

// fullDelete re-runs a strong search for x's key, which cooperatively
// splices x out of every level it is still (marked-but-linked) reachable
// from, then retires it. A strong search is the correctness baseline per
// spec.md §4.6 / §9; Go's memory model is at least as strong as the TSO
// assumption that makes a single pass sufficient, so no additional
// weak-memory re-walk is performed.
func (s *Set) fullDelete(x *node, h *smr.Handle) {
	s.strongSearch(x.key)
	s.retire(x, h)
}

// weakSearch is the optimistic, read-only search primitive: it never
// helps unlink marked nodes, and the caller must tolerate returned
// endpoints that are already marked or stale (spec.md §4.3.1).
func (s *Set) weakSearch(k uint64) (preds, succs []*node) {
	preds = make([]*node, s.cfg.maxLevel)
	succs = make([]*node, s.cfg.maxLevel)

	x := s.head
	for i := s.cfg.maxLevel - 1; i >= 0; i-- {
		xn, _, xk := x.next[i].load()
		for xk < k {
			x = xn
			xn, _, xk = x.next[i].load()
		}
		preds[i] = x
		succs[i] = xn
	}
	return preds, succs
}

// strongSearch additionally restarts when it finds itself walking off a
// marked predecessor, and cooperatively splices out any run of marked
// nodes it skips over (spec.md §4.3.2).
func (s *Set) strongSearch(k uint64) (preds, succs []*node) {
	for {
		preds = make([]*node, s.cfg.maxLevel)
		succs = make([]*node, s.cfg.maxLevel)

		x := s.head
		restart := false
		for i := s.cfg.maxLevel - 1; i >= 0; i-- {
			xNext, xNextMarked, xNextKey := x.next[i].load()
			if xNextMarked {
				restart = true
				break
			}

			y, yKey := xNext, xNextKey
			for {
				yNext, yNextMarked, yNextKey := y.next[i].load()
				for yNextMarked {
					y, yKey = yNext, yNextKey
					yNext, yNextMarked, yNextKey = y.next[i].load()
				}
				if yKey >= k {
					break
				}
				x, xNext, xNextKey = y, yNext, yNextKey
				y, yKey = yNext, yNextKey
			}

			if xNext != y {
				if !x.next[i].cas(xNext, false, xNextKey, y, false, yKey) {
					restart = true
					break
				}
			}
			preds[i] = x
			succs[i] = y
		}
		if !restart {
			return preds, succs
		}
	}
}

// markDeleted flips the mark bit on every outbound link of x from
// level-1 down to 0. It is idempotent and safe to call more than once
// for the same node (link.mark already tolerates that).
func markDeleted(x *node, level int) {
	for i := level - 1; i >= 0; i-- {
		x.next[i].mark()
	}
}

// Insert implements spec.md §4.4. overwrite controls whether an
// existing live mapping for k is replaced.
func (s *Set) Insert(k Key, v Value, overwrite bool) InsertResult {
	if v == nil {
		panicPrecondition("skiplist: value must not be the tombstone token (nil)")
	}
	if isReservedKey(k) {
		panicPrecondition("skiplist: key %d is reserved for a sentinel", k)
	}
	ik := callerToInternalKey(k)

	h := s.enter()
	defer s.exit(h)

	preds, succs := s.weakSearch(ik)

	var newNode *node
	var lvl int
	var class smr.Class
	haveNew := false

	for {
		succ := succs[0]

		if succ.key == ik {
			if haveNew {
				// newNode lost the race to a concurrent insert of the
				// same key; it was never published, so it can go straight
				// back to the local free cache instead of being retired.
				h.Release(class, unsafe.Pointer(newNode))
				haveNew = false
			}

			ov := loadValue(&succ.value)
			if ov == nil {
				markDeleted(succ, succ.levelOf())
				preds, succs = s.strongSearch(ik)
				continue
			}
			if !overwrite {
				return InsertFailed
			}
			if casValue(&succ.value, ov, v) {
				return Updated
			}
			preds, succs = s.weakSearch(ik)
			continue
		}

		if !haveNew {
			lvl = s.randomLevel()
			class = classFor(lvl)
			ptr, err := h.Alloc(class)
			if err != nil {
				return InsertFailed
			}
			newNode = (*node)(ptr)
			haveNew = true
		}
		newNode.reset(lvl, ik, v)
		for i := 0; i < lvl; i++ {
			newNode.next[i].init(succs[i], succs[i].key, false)
		}

		if !preds[0].next[0].cas(succ, false, succ.key, newNode, false, ik) {
			preds, succs = s.strongSearch(ik)
			continue
		}
		break
	}

climb:
	for i := 1; i < lvl; {
		pred := preds[i]
		succ := succs[i]

		newNext, newNextMarked, newNextKey := newNode.next[i].load()
		if newNextMarked {
			break climb
		}
		if newNext != succ {
			newNode.next[i].cas(newNext, false, newNextKey, succ, false, succ.key)
			if _, marked, _ := newNode.next[i].load(); marked {
				break climb
			}
		}
		if succ.key == ik {
			preds, succs = s.strongSearch(ik)
			continue climb
		}
		if !pred.next[i].cas(succ, false, succ.key, newNode, false, ik) {
			preds, succs = s.strongSearch(ik)
			continue climb
		}
		i++
	}

	if newNode.isTombstone() {
		s.checkFullDelete(newNode, h)
	}
	return Created
}

// Remove implements spec.md §4.5.
func (s *Set) Remove(k Key) RemoveResult {
	if isReservedKey(k) {
		panicPrecondition("skiplist: key %d is reserved for a sentinel", k)
	}
	ik := callerToInternalKey(k)

	h := s.enter()
	defer s.exit(h)

	preds, succs := s.weakSearch(ik)
	x := succs[0]
	if x.key != ik {
		return Absent
	}

	level := x.levelOf()

	for {
		ov := loadValue(&x.value)
		if ov == nil {
			return Absent
		}
		if casValue(&x.value, ov, nil) {
			break
		}
	}

	markDeleted(x, level)

	for i := level - 1; i >= 0; i-- {
		target, _, targetKey := x.next[i].load()
		if !preds[i].next[i].cas(x, false, ik, target, false, targetKey) {
			s.checkFullDelete(x, h)
			return Removed
		}
	}

	s.retire(x, h)
	return Removed
}

// Lookup implements spec.md §4.7. It never mutates and never retries.
func (s *Set) Lookup(k Key) (Value, bool) {
	if isReservedKey(k) {
		panicPrecondition("skiplist: key %d is reserved for a sentinel", k)
	}
	ik := callerToInternalKey(k)

	h := s.enter()
	defer s.exit(h)

	_, succs := s.weakSearch(ik)
	x := succs[0]
	if x.key != ik {
		return nil, false
	}
	v := loadValue(&x.value)
	if v == nil {
		return nil, false
	}
	return v, true
}

// Count performs a weakly-consistent sequential traversal of level 0 and
// reports the number of live (non-tombstone) nodes. It is not
// linearizable with concurrent mutation, per spec.md §6.
func (s *Set) Count() int {
	n := 0
	x, _, _ := s.head.next[0].load()
	for x != s.tail {
		if !x.isTombstone() {
			n++
		}
		x, _, _ = x.next[0].load()
	}
	return n
}
