// Package vm implements the per-process address space (spec.md §3/§4.2):
// an ARMv7 two-level page table (one L1 section/table descriptor array
// plus the L2 tables it references) with a sibling software permission
// array riding alongside each hardware-shaped descriptor (spec.md §9,
// "COW state as an extra metadata word"). Pages are page.Handle arena
// indices throughout, never raw pointers, matching the arena+index
// redesign spec.md §9 calls for and grounded on the teacher's own
// mem.Physmem_t free-list threading (teacher_copy/mem/mem.go).
//
// Unlike the teacher's x86 vm/as.go, which resolves copy-on-write lazily
// from a page fault handler wired into runtime.trap, this core has no
// patched runtime to trap into: UserCheckBuf performs the COW
// resolution eagerly, at the point a syscall validates a user buffer
// (spec.md §4.2), the same place the original ARMv7 C kernel
// (original_source/kernel/mm/vm.c's vm_user_check_buf) does it.
package vm

import (
	"io"
	"sync"

	"github.com/aglotoff/osdev-pbx-a9/internal/defs"
	"github.com/aglotoff/osdev-pbx-a9/internal/kobj"
	"github.com/aglotoff/osdev-pbx-a9/internal/page"
)

// ARMv7 two-level translation table geometry. The L1 table has one
// 4-byte descriptor per 1 MB section (4096 entries = 16 KB); each L2 table has one 4-byte descriptor per 4 KB page
// (256 entries = 1 KB).
const (
	L1Entries = 4096
	L2Entries = 256

	l1Shift = 20 // 1 MB per L1 entry
	l2Shift = 12 // 4 KB per L2 entry (== page.Size)
	l2Mask  = L2Entries - 1
)

// apBits mirrors the ARM "access permission" encoding derived from the
// software perm bits via the table in spec.md §4.2. It is carried on the
// hardware descriptor purely for fidelity with a real page-table dump;
// permission enforcement itself reads the sibling perm array.
type apBits uint8

const (
	apKernelRO apBits = iota
	apKernelRW
	apUserRO
	apUserRW
)

func deriveAP(perm defs.Perm) apBits {
	user := perm&defs.User != 0
	write := perm&defs.Write != 0
	switch {
	case user && write:
		return apUserRW
	case user:
		return apUserRO
	case write:
		return apKernelRW
	default:
		return apKernelRO
	}
}

// hwDesc is the hardware-shaped half of an L2 entry: everything a real
// ARMv7 small-page descriptor would encode (frame, AP, XN, cacheability),
// minus the software-only bits which live in the parallel perm array.
type hwDesc struct {
	present bool
	frame   page.Handle
	ap      apBits
	xn      bool // execute-never
	nocache bool // cacheable/bufferable bits cleared
}

func deriveDesc(frame page.Handle, perm defs.Perm) hwDesc {
	return hwDesc{
		present: true,
		frame:   frame,
		ap:      deriveAP(perm),
		xn:      perm&defs.User != 0 && perm&defs.Exec == 0,
		nocache: perm&defs.NoCache != 0,
	}
}

// l2Table is one logical ARMv7 L2 page table plus its sibling software
// permission metadata (spec.md §3, "Page-table entry metadata").
type l2Table struct {
	desc  [L2Entries]hwDesc
	perms [L2Entries]defs.Perm
}

// l2Pair models the real hardware layout spec.md §4.2 calls out
// explicitly: "allocating a fresh L2 table... stores two logical page
// tables plus sibling metadata in one physical page". One physical
// frame backs the pair of L2 tables serving L1 entries 2k and 2k+1; its
// ref count on the page allocator accounts for that single frame.
type l2Pair struct {
	frame page.Handle
	table [2]l2Table
}

// entryRef bundles pointers to the hardware and software halves of one
// L2 entry so callers can read or mutate both without a second lookup.
type entryRef struct {
	desc *hwDesc
	perm *defs.Perm
}

func (e entryRef) valid() bool { return e.desc != nil }

// AddressSpace is one process's page tables (Vm_t in the teacher). The
// mutex serializes every walk/insert/remove the same way Vm_t's
// embedded sync.Mutex does in teacher_copy/vm/as.go.
type AddressSpace struct {
	mu     sync.Mutex
	pages  *page.Allocator
	l2pool *kobj.Pool[l2Pair]
	pairs  map[int]*l2Pair // keyed by l1idx/2
}

// Create allocates a fresh, empty address space backed by the given
// physical page allocator and L2-pair pool (vm_create).
func Create(pages *page.Allocator, l2pool *kobj.Pool[l2Pair]) *AddressSpace {
	return &AddressSpace{
		pages:  pages,
		l2pool: l2pool,
		pairs:  make(map[int]*l2Pair),
	}
}

// L2Pool is the pool type NewL2Pool hands back, named so a kernel can
// hold one in a field (e.g. proc.Table) without needing l2Pair's shape.
type L2Pool = kobj.Pool[l2Pair]

// NewL2Pool builds the shared kobj pool AddressSpaces draw their L2
// table pairs from. Separated out so a kernel wires exactly one pool
// across every process the way it wires one page.Allocator.
func NewL2Pool(capacity int) *L2Pool {
	return kobj.NewPool[l2Pair](capacity)
}

func l1Index(va uintptr) int { return int(va >> l1Shift) }
func l2Index(va uintptr) int { return int(va>>l2Shift) & l2Mask }

// Walk returns the L2 entry for va, allocating a fresh L2 table pair
// (incrementing its backing frame's ref_count) when absent and alloc is
// true (vm_walk_trtab). Addresses at or above KernelBase are always
// rejected with EFAULT: this layer is reached only through user-facing
// operations, so a bad address is the caller's problem, not a kernel bug.
func (as *AddressSpace) Walk(va uintptr, alloc bool) (entryRef, defs.Err_t) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.walkLocked(va, alloc)
}

func (as *AddressSpace) walkLocked(va uintptr, alloc bool) (entryRef, defs.Err_t) {
	if va >= defs.KernelBase {
		return entryRef{}, -defs.EFAULT
	}
	l1idx := l1Index(va)
	pairIdx := l1idx / 2
	pair, ok := as.pairs[pairIdx]
	if !ok {
		if !alloc {
			return entryRef{}, 0
		}
		frame, ok := as.pages.AllocOne(page.Zero)
		if !ok {
			return entryRef{}, -defs.ENOMEM
		}
		p := as.l2pool.Alloc()
		if p == nil {
			as.pages.Refdown(frame)
			return entryRef{}, -defs.ENOMEM
		}
		p.frame = frame
		as.pairs[pairIdx] = p
		pair = p
	}
	slot := l1idx % 2
	l2idx := l2Index(va)
	tbl := &pair.table[slot]
	return entryRef{desc: &tbl.desc[l2idx], perm: &tbl.perms[l2idx]}, 0
}

// Insert maps page at va with perm, bumping its ref_count and dropping
// (and dec-ref'ing) any prior mapping there (vm_insert). Mirroring the
// teacher's Page_insert, the ref_count bump is unconditional: a caller
// that just allocated frame itself should Refdown its own temporary
// handle afterward, leaving the new mapping as sole owner.
func (as *AddressSpace) Insert(va uintptr, frame page.Handle, perm defs.Perm) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.insertLocked(va, frame, perm)
}

func (as *AddressSpace) insertLocked(va uintptr, frame page.Handle, perm defs.Perm) defs.Err_t {
	e, err := as.walkLocked(va, true)
	if err != 0 {
		return err
	}
	as.pages.Refup(frame)
	if e.desc.present {
		as.pages.Refdown(e.desc.frame)
	}
	*e.desc = deriveDesc(frame, perm)
	*e.perm = perm
	return 0
}

// Remove unmaps va, dec-ref'ing the page it held, and reports whether a
// mapping was present (vm_remove).
func (as *AddressSpace) Remove(va uintptr) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.removeLocked(va)
}

func (as *AddressSpace) removeLocked(va uintptr) bool {
	e, err := as.walkLocked(va, false)
	if err != 0 || !e.valid() || !e.desc.present {
		return false
	}
	as.pages.Refdown(e.desc.frame)
	*e.desc = hwDesc{}
	*e.perm = 0
	return true
}

// Lookup returns the page mapped at va without allocating anything
// (vm_lookup).
func (as *AddressSpace) Lookup(va uintptr) (page.Handle, defs.Perm, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.lookupLocked(va)
}

func (as *AddressSpace) lookupLocked(va uintptr) (page.Handle, defs.Perm, bool) {
	e, err := as.walkLocked(va, false)
	if err != 0 || !e.valid() || !e.desc.present {
		return 0, 0, false
	}
	return e.desc.frame, *e.perm, true
}

// UserAlloc allocates and maps n bytes (rounded up to whole pages)
// starting at va with perm, zeroing every frame. On any failure it
// unwinds every frame it had already mapped (vm_user_alloc).
func (as *AddressSpace) UserAlloc(va uintptr, n int, perm defs.Perm) defs.Err_t {
	if va%page.Size != 0 {
		panic("vm: UserAlloc va not page-aligned")
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	npages := (n + int(page.Size) - 1) / int(page.Size)
	mapped := make([]uintptr, 0, npages)
	for i := 0; i < npages; i++ {
		cur := va + uintptr(i)*page.Size
		frame, ok := as.pages.AllocOne(page.Zero)
		if !ok {
			as.unwindLocked(mapped)
			return -defs.ENOMEM
		}
		if err := as.insertLocked(cur, frame, perm); err != 0 {
			as.pages.Refdown(frame)
			as.unwindLocked(mapped)
			return err
		}
		// insertLocked took its own reference; give up the temporary one
		// AllocOne handed us so the mapping ends up the frame's sole owner.
		as.pages.Refdown(frame)
		mapped = append(mapped, cur)
	}
	return 0
}

func (as *AddressSpace) unwindLocked(mapped []uintptr) {
	for _, va := range mapped {
		as.removeLocked(va)
	}
}

// UserDealloc removes every mapping covering n bytes from va, skipping
// whole L1 sections that have no L2 pair at all rather than walking them
// page by page (vm_user_dealloc).
func (as *AddressSpace) UserDealloc(va uintptr, n int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	end := va + uintptr(n)
	for cur := va; cur < end; {
		pairIdx := l1Index(cur) / 2
		if _, ok := as.pairs[pairIdx]; !ok {
			cur = uintptr(l1Index(cur)+1) << l1Shift
			continue
		}
		as.removeLocked(cur)
		cur += page.Size
	}
}

// UserCopyOut copies src into user memory starting at va, failing on any
// unmapped page (vm_user_copy_out).
func (as *AddressSpace) UserCopyOut(va uintptr, src []byte) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	n := len(src)
	off := 0
	for off < n {
		cur := va + uintptr(off)
		pageOff := int(cur % page.Size)
		chunk := int(page.Size) - pageOff
		if chunk > n-off {
			chunk = n - off
		}
		frame, perm, ok := as.lookupLocked(cur)
		if !ok || perm&defs.Write == 0 {
			return -defs.EFAULT
		}
		dst := as.pages.Page2KVA(frame)
		copy(dst[pageOff:pageOff+chunk], src[off:off+chunk])
		off += chunk
	}
	return 0
}

// UserCopyIn copies n=len(dst) bytes from user memory at va into dst,
// failing on any unmapped page (vm_user_copy_in). This is the corrected
// version spec.md §9 asks for: each chunk is sized off src's (va's) page
// offset, so a chunk never crosses a physical frame boundary regardless
// of where dst's own bytes happen to land.
func (as *AddressSpace) UserCopyIn(dst []byte, va uintptr) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	n := len(dst)
	off := 0
	for off < n {
		cur := va + uintptr(off)
		srcOff := int(cur % page.Size)
		chunk := int(page.Size) - srcOff
		if chunk > n-off {
			chunk = n - off
		}
		frame, perm, ok := as.lookupLocked(cur)
		if !ok || perm&defs.Read == 0 {
			return -defs.EFAULT
		}
		src := as.pages.Page2KVA(frame)
		copy(dst[off:off+chunk], src[srcOff:srcOff+chunk])
		off += chunk
	}
	return 0
}

// UserCopyInLegacy reproduces the source's latent bug (spec.md §9):
// chunks are sized off dst's accumulated offset (here, off itself,
// modeling a dst buffer that starts at a page boundary) rather than
// src's page offset. When va isn't page-aligned the computed chunk
// overruns the current frame; RawSlice lets that overrun silently read
// into whatever frame the allocator happened to place next rather than
// panicking, exactly like the original direct-mapped kernel would.
// Kept only for comparison against UserCopyIn — see the package tests.
func (as *AddressSpace) UserCopyInLegacy(dst []byte, va uintptr) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	n := len(dst)
	off := 0
	for off < n {
		cur := va + uintptr(off)
		dstOff := off % int(page.Size)
		chunk := int(page.Size) - dstOff
		if chunk > n-off {
			chunk = n - off
		}
		frame, perm, ok := as.lookupLocked(cur)
		if !ok || perm&defs.Read == 0 {
			return -defs.EFAULT
		}
		srcOff := int(cur % page.Size)
		pa := as.pages.Page2PA(frame) + uintptr(srcOff)
		src := as.pages.RawSlice(pa, chunk)
		copy(dst[off:off+chunk], src)
		off += chunk
	}
	return 0
}

// UserCheckBuf verifies every page covering [va, va+n) is mapped with
// every bit in perm set (vm_user_check_buf). A write check against a
// page marked COW triggers an eager copy: allocate a fresh frame, copy
// the old contents, and re-map with Write set and COW cleared, rather
// than waiting for a page fault that this core has no trap path to
// deliver.
func (as *AddressSpace) UserCheckBuf(va uintptr, n int, perm defs.Perm) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	start := va - va%page.Size
	end := va + uintptr(n)
	for p := start; p < end; p += page.Size {
		e, err := as.walkLocked(p, false)
		if err != 0 {
			return err
		}
		if !e.valid() || !e.desc.present {
			return -defs.EFAULT
		}
		if perm&defs.Write != 0 && *e.perm&defs.COW != 0 {
			if err := as.cowCopyLocked(e); err != 0 {
				return err
			}
			continue
		}
		if *e.perm&perm != perm {
			return -defs.EFAULT
		}
	}
	return 0
}

func (as *AddressSpace) cowCopyLocked(e entryRef) defs.Err_t {
	old := e.desc.frame
	fresh, ok := as.pages.AllocOne(0)
	if !ok {
		return -defs.ENOMEM
	}
	copy(as.pages.Page2KVA(fresh), as.pages.Page2KVA(old))
	as.pages.Refdown(old)
	newPerm := (*e.perm &^ defs.COW) | defs.Write
	*e.desc = deriveDesc(fresh, newPerm)
	*e.perm = newPerm
	return 0
}

// UserCheckStr walks user memory from va until it finds a NUL byte
// inside a mapped, perm-permitted page, returning the string length
// (excluding the NUL) or faulting on the first unmapped/unpermitted byte
// or once maxlen is exceeded (vm_user_check_str).
func (as *AddressSpace) UserCheckStr(va uintptr, perm defs.Perm, maxlen int) (int, defs.Err_t) {
	as.mu.Lock()
	defer as.mu.Unlock()
	n := 0
	for {
		cur := va + uintptr(n)
		e, err := as.walkLocked(cur, false)
		if err != 0 {
			return 0, err
		}
		if !e.valid() || !e.desc.present || *e.perm&perm != perm {
			return 0, -defs.EFAULT
		}
		kva := as.pages.Page2KVA(e.desc.frame)
		off := int(cur % page.Size)
		for ; off < len(kva); off++ {
			if kva[off] == 0 {
				return n, 0
			}
			n++
			if n > maxlen {
				return 0, -defs.ENAMETOOLONG
			}
		}
	}
}

// UserLoad copies n bytes starting at off from src into the already
// mapped user pages at va, faulting if any covered page is unmapped
// (vm_user_load). src stands in for the inode+offset pair the source
// reads from; internal/proc supplies a *debug/elf section or an inode
// reader satisfying io.ReaderAt.
func (as *AddressSpace) UserLoad(va uintptr, src io.ReaderAt, off int64, n int) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	read := 0
	for read < n {
		cur := va + uintptr(read)
		e, err := as.walkLocked(cur, false)
		if err != 0 {
			return err
		}
		if !e.valid() || !e.desc.present {
			return -defs.EFAULT
		}
		pageOff := int(cur % page.Size)
		chunk := int(page.Size) - pageOff
		if chunk > n-read {
			chunk = n - read
		}
		kva := as.pages.Page2KVA(e.desc.frame)
		if _, rerr := src.ReadAt(kva[pageOff:pageOff+chunk], off+int64(read)); rerr != nil && rerr != io.EOF {
			return -defs.EFAULT
		}
		read += chunk
	}
	return 0
}

// Clone creates a new address space sharing every user page with as: a
// page that was writable or already COW has Write cleared and COW set
// in both as's mapping and the clone's, and its frame's ref_count is
// bumped once for the clone's new mapping; a read-only page is deep-copied into a fresh frame
// (vm_clone). Used by fork.
func (as *AddressSpace) Clone() (*AddressSpace, defs.Err_t) {
	as.mu.Lock()
	defer as.mu.Unlock()
	child := Create(as.pages, as.l2pool)
	for pairIdx, pair := range as.pairs {
		for slot := 0; slot < 2; slot++ {
			l1idx := pairIdx*2 + slot
			tbl := &pair.table[slot]
			for l2idx := range tbl.desc {
				if !tbl.desc[l2idx].present {
					continue
				}
				va := uintptr(l1idx)<<l1Shift | uintptr(l2idx)<<l2Shift
				perm := tbl.perms[l2idx]
				writable := perm&defs.Write != 0 || perm&defs.COW != 0
				if writable {
					// Child.Insert takes its own reference to the shared
					// frame (Insert's unconditional Refup); the parent's
					// existing reference is left untouched, so the frame
					// ends up owned by both mappings exactly once each.
					newPerm := (perm &^ defs.Write) | defs.COW
					frame := tbl.desc[l2idx].frame
					tbl.perms[l2idx] = newPerm
					tbl.desc[l2idx] = deriveDesc(frame, newPerm)
					if err := child.Insert(va, frame, newPerm); err != 0 {
						child.Destroy()
						return nil, err
					}
				} else {
					frame := tbl.desc[l2idx].frame
					fresh, ok := as.pages.AllocOne(0)
					if !ok {
						child.Destroy()
						return nil, -defs.ENOMEM
					}
					copy(as.pages.Page2KVA(fresh), as.pages.Page2KVA(frame))
					if err := child.Insert(va, fresh, perm); err != 0 {
						as.pages.Refdown(fresh)
						child.Destroy()
						return nil, err
					}
					// give up our temporary allocation handle; child's
					// mapping is now the fresh frame's sole owner.
					as.pages.Refdown(fresh)
				}
			}
		}
	}
	return child, 0
}

// Destroy releases every user page this address space owns (dec-ref,
// freeing at zero) and every L2 table pair it allocated (vm_destroy).
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for pairIdx, pair := range as.pairs {
		for slot := range pair.table {
			tbl := &pair.table[slot]
			for l2idx := range tbl.desc {
				if tbl.desc[l2idx].present {
					as.pages.Refdown(tbl.desc[l2idx].frame)
					tbl.desc[l2idx] = hwDesc{}
					tbl.perms[l2idx] = 0
				}
			}
		}
		as.pages.Refdown(pair.frame)
		as.l2pool.Free(pair)
		delete(as.pairs, pairIdx)
	}
}
