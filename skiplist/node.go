package skiplist

import (
	"sync/atomic"
	"unsafe"

	"github.com/tomercory/lfskiplist/internal/smr"
)

// levelMask and readyForFree mirror the source's packing of a node's
// level and its "safe to hand to the reclaimer" flag into one field, so
// that flipping the flag is a single CAS that cannot race with nothing
// else writing that word (the level itself is immutable after
// allocation).
const (
	levelMask    uint32 = 0x0ff
	readyForFree uint32 = 0x100
)

// node is one element of the skip list. key is immutable after
// publication; value may be replaced by an overwriting Insert and
// transitions at most once to tombstone (nil), after which it is never
// set again. next holds one link per level the node was
// allocated with; it never grows or shrinks after construction.
type node struct {
	key   uint64
	value atomic.Pointer[byte]
	level atomic.Uint32 // low byte: level in [1,maxLevel]; bit 8: readyForFree
	next  []link
}

func loadValue(v *atomic.Pointer[byte]) Value {
	return Value(v.Load())
}

func storeValue(v *atomic.Pointer[byte], val Value) {
	v.Store((*byte)(val))
}

func casValue(v *atomic.Pointer[byte], old, new Value) bool {
	return v.CompareAndSwap((*byte)(old), (*byte)(new))
}

func (n *node) levelOf() int {
	return int(n.level.Load() & levelMask)
}

func (n *node) isReadyForFree() bool {
	return n.level.Load()&readyForFree != 0
}

// markReadyForFree sets the readyForFree bit and reports whether this
// call was the one that set it — only the winner may retire the node;
// callers that find the flag already set get false.
func (n *node) markReadyForFree() (won bool) {
	for {
		old := n.level.Load()
		if old&readyForFree != 0 {
			return false
		}
		if n.level.CompareAndSwap(old, old|readyForFree) {
			return true
		}
	}
}

// isTombstone reports whether n is logically deleted.
func (n *node) isTombstone() bool {
	return loadValue(&n.value) == nil
}

// reset reinitializes a node (freshly allocated or recycled from the
// free list) for use at the given level, key and value. The skip list,
// not package smr, owns node content, so every Alloc result — new or
// reused — passes through here before publication.
func (n *node) reset(lvl int, key uint64, val Value) {
	n.key = key
	n.level.Store(uint32(lvl))
	storeValue(&n.value, val)
	for i := range n.next {
		n.next[i] = link{}
	}
}

// newNodeFactory returns the smr.NewDomain constructor for allocation
// class representing level lvl (1-indexed).
func newNodeFactory(lvl int) func() unsafe.Pointer {
	return func() unsafe.Pointer {
		n := &node{next: make([]link, lvl)}
		return unsafe.Pointer(n)
	}
}

func classFor(lvl int) smr.Class {
	return smr.Class(lvl - 1)
}
