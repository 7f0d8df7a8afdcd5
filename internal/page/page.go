// Package page implements the physical page frame allocator (spec.md §4.1):
// a buddy-style block allocator over simulated RAM, with reference-counted
// frames. Pages are represented as arena indices rather than raw pointers
// (spec.md §9, "Manual pointer graphs → arena + index"), which is also how
// the teacher's mem.Physmem_t threads its free lists (mem/mem.go's
// Pgs []Physpg_t with a nexti index instead of a pointer).
package page

import (
	"sync"
	"unsafe"

	"github.com/aglotoff/osdev-pbx-a9/internal/defs"
)

// Size is the frame size in bytes (spec.md §4.1 / §6 PageSize).
const Size = defs.PageSize

// MaxOrder bounds the largest block order the allocator will hand out.
const MaxOrder = 10

// AllocFlags controls AllocBlock/AllocOne behavior.
type AllocFlags uint

const (
	// Zero requests that returned frames be cleared to zero.
	Zero AllocFlags = 1 << iota
)

type frame struct {
	refcount int32
	order    int8 // order of the free or allocated block this frame heads; stale if it heads none
	free     bool
	next     int32 // index of next free block at this order, or -1
}

// Handle identifies a physical frame by arena index; frame index 0 is an
// ordinary allocatable frame, not a sentinel. The invalid handle is -1.
type Handle int32

const invalid Handle = -1

// Allocator models all physical RAM as one arena of frames and the
// buddy free lists over it.
type Allocator struct {
	mu     sync.Mutex
	arena  []byte
	frames []frame
	// freeList[o] is the index of one free block of order o, or -1.
	freeList [MaxOrder + 1]int32
}

// NewAllocator creates an allocator over a simulated RAM region of the
// given size in bytes, rounded down to a whole number of frames.
func NewAllocator(ramBytes int) *Allocator {
	n := ramBytes / Size
	if n <= 0 {
		panic("page: ram too small")
	}
	a := &Allocator{
		arena:  make([]byte, n*Size),
		frames: make([]frame, n),
	}
	for i := range a.freeList {
		a.freeList[i] = -1
	}
	a.buildFreeLists(n)
	return a
}

// buildFreeLists seeds the free lists by greedily carving the arena into
// the largest aligned power-of-two blocks that fit, biggest order first.
func (a *Allocator) buildFreeLists(n int) {
	i := 0
	for i < n {
		order := MaxOrder
		for order > 0 {
			sz := 1 << uint(order)
			if i%sz == 0 && i+sz <= n {
				break
			}
			order--
		}
		a.frames[i].order = int8(order)
		a.frames[i].free = true
		a.frames[i].next = a.freeList[order]
		a.freeList[order] = int32(i)
		i += 1 << uint(order)
	}
}

func buddyOf(i, order int) int {
	return i ^ (1 << uint(order))
}

// AllocBlock allocates 2^order contiguous frames. Returns (handle, true)
// on success, or (-1, false) on out of memory, matching the teacher's
// (*Page, bool) idiom (mem.Refpg_new's third return value).
func (a *Allocator) AllocBlock(order int, flags AllocFlags) (Handle, bool) {
	if order < 0 || order > MaxOrder {
		panic("page: bad order")
	}
	a.mu.Lock()
	idx, ok := a.takeBlock(order)
	a.mu.Unlock()
	if !ok {
		return invalid, false
	}
	a.frames[idx].refcount = 1
	a.frames[idx].free = false
	if flags&Zero != 0 {
		clear(a.frameBytes(Handle(idx)))
	}
	return Handle(idx), true
}

// AllocOne is AllocBlock(0, flags).
func (a *Allocator) AllocOne(flags AllocFlags) (Handle, bool) {
	return a.AllocBlock(0, flags)
}

// takeBlock finds a free block of the requested order, splitting a larger
// one if necessary. Caller holds a.mu.
func (a *Allocator) takeBlock(order int) (int, bool) {
	o := order
	for o <= MaxOrder && a.freeList[o] == -1 {
		o++
	}
	if o > MaxOrder {
		return -1, false
	}
	idx := int(a.freeList[o])
	a.freeList[o] = a.frames[idx].next

	// split down to the requested order
	for o > order {
		o--
		buddy := idx + (1 << uint(o))
		a.frames[buddy].order = int8(o)
		a.frames[buddy].free = true
		a.frames[buddy].next = a.freeList[o]
		a.freeList[o] = int32(buddy)
	}
	a.frames[idx].order = int8(order)
	return idx, true
}

// FreeOne releases a single frame. The caller must hold no other
// reference (spec.md §4.1: "caller must hold no references").
func (a *Allocator) FreeOne(h Handle) {
	a.FreeBlock(h, 0)
}

// FreeBlock releases a 2^order block and merges with its buddy when free,
// the standard buddy-coalescing step.
func (a *Allocator) FreeBlock(h Handle, order int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := int(h)
	if a.frames[idx].refcount != 0 {
		panic("page: free of referenced frame")
	}
	for o := order; o < MaxOrder; o++ {
		buddy := buddyOf(idx, o)
		if buddy >= len(a.frames) || !a.frames[buddy].free || int(a.frames[buddy].order) != o {
			break
		}
		a.removeFree(buddy, o)
		if buddy < idx {
			idx = buddy
		}
	}
	fo := order
	for fo < MaxOrder {
		buddy := buddyOf(idx, fo)
		if buddy >= len(a.frames) || !a.frames[buddy].free || int(a.frames[buddy].order) != fo {
			break
		}
		fo++
	}
	a.frames[idx].order = int8(fo)
	a.frames[idx].free = true
	a.frames[idx].next = a.freeList[fo]
	a.freeList[fo] = int32(idx)
}

func (a *Allocator) removeFree(idx, order int) {
	prev := int32(-1)
	cur := a.freeList[order]
	for cur != -1 {
		if int(cur) == idx {
			if prev == -1 {
				a.freeList[order] = a.frames[cur].next
			} else {
				a.frames[prev].next = a.frames[cur].next
			}
			return
		}
		prev = cur
		cur = a.frames[cur].next
	}
	panic("page: free block not found in free list")
}

// Refup increments a frame's reference count.
func (a *Allocator) Refup(h Handle) {
	a.mu.Lock()
	a.frames[h].refcount++
	a.mu.Unlock()
}

// Refdown decrements a frame's reference count, freeing it at zero. It
// returns true if the frame was freed.
func (a *Allocator) Refdown(h Handle) bool {
	a.mu.Lock()
	a.frames[h].refcount--
	c := a.frames[h].refcount
	if c < 0 {
		a.mu.Unlock()
		panic("page: refcount underflow")
	}
	a.mu.Unlock()
	if c == 0 {
		a.FreeOne(h)
		return true
	}
	return false
}

// Refcount reports a frame's current reference count.
func (a *Allocator) Refcount(h Handle) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.frames[h].refcount)
}

// frameBytes returns the direct-mapped byte slice backing a frame,
// modeling the teacher's Dmap/page2kva direct map as a slice view into
// the same arena (no separate virtual mapping is needed off real
// hardware).
func (a *Allocator) frameBytes(h Handle) []byte {
	off := int(h) * Size
	return a.arena[off : off+Size]
}

// Page2KVA returns the kernel-accessible byte slice for a frame.
func (a *Allocator) Page2KVA(h Handle) []byte {
	return a.frameBytes(h)
}

// Page2PA returns the simulated physical address of a frame (its byte
// offset into the RAM arena).
func (a *Allocator) Page2PA(h Handle) uintptr {
	return uintptr(int(h) * Size)
}

// PA2Page converts a simulated physical address back to a frame handle.
func (a *Allocator) PA2Page(pa uintptr) Handle {
	if int(pa)%Size != 0 {
		panic("page: unaligned physical address")
	}
	return Handle(int(pa) / Size)
}

// KVA2Page is the inverse of Page2KVA, recovering the handle that backs a
// byte slice previously returned by it. b must be a sub-slice of this
// allocator's arena, exactly like the teacher's kva2page direct-map
// inversion (mem/dmap.go's Vdirect arithmetic), reexpressed here over a
// plain byte arena instead of a recursive page-table mapping.
func (a *Allocator) KVA2Page(b []byte) Handle {
	base := uintptr(unsafe.Pointer(&a.arena[0]))
	p := uintptr(unsafe.Pointer(&b[0]))
	off := int(p - base)
	if off%Size != 0 {
		panic("page: unaligned kva")
	}
	return Handle(off / Size)
}

// NumFrames reports how many frames the arena holds, for tests.
func (a *Allocator) NumFrames() int {
	return len(a.frames)
}

// RawSlice returns a byte-range view starting at physical address pa,
// spanning possibly past a single frame's boundary into whichever frame
// happens to sit next to it in the arena. This models a linear direct
// map of physical memory rather than a per-frame bounds-checked view, and
// exists only so vm.UserCopyInLegacy can faithfully reproduce the
// source's latent over-read bug instead of panicking on it.
func (a *Allocator) RawSlice(pa uintptr, n int) []byte {
	return a.arena[pa : pa+uintptr(n)]
}
