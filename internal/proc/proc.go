// Package proc implements the process model (spec.md §3/§4.6): one
// task per process, an address space, an OPEN_MAX fd table, a working
// directory, a parent/children forest rooted at init, and the
// fork/exec/wait/exit quartet.
//
// Grounded on original_source/kernel/syscall.c's sys_fork/sys_exec/
// sys_wait/sys_exit (which simply forward to process_copy/process_exec/
// process_wait/process_destroy — the C original keeps the real logic in
// a process.c this retrieval pack didn't keep) and on the teacher's
// fd/fd.go Cwd_t (working-directory tracking with its own serializing
// mutex) and fd.Copyfd (dup-on-fork semantics, reimplemented here as
// file.File.Dup since this port shares one heap File rather than
// reopening by value). The process table itself, including the
// parent/children forest and the single table-wide lock every mutating
// operation serializes through, follows spec.md §5's "process table...
// protected by a single global spinlock" directly; sleeplock.Lock
// stands in for that spinlock so Wait can block a goroutine on it via
// sleeplock.Chan exactly like a contended sleep-lock would (spec.md §5's
// suspension point list explicitly includes "waiting on a child in
// wait()").
package proc

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/aglotoff/osdev-pbx-a9/internal/defs"
	"github.com/aglotoff/osdev-pbx-a9/internal/file"
	"github.com/aglotoff/osdev-pbx-a9/internal/icache"
	"github.com/aglotoff/osdev-pbx-a9/internal/kobj"
	"github.com/aglotoff/osdev-pbx-a9/internal/page"
	"github.com/aglotoff/osdev-pbx-a9/internal/sleeplock"
	"github.com/aglotoff/osdev-pbx-a9/internal/ustr"
	"github.com/aglotoff/osdev-pbx-a9/internal/util"
	"github.com/aglotoff/osdev-pbx-a9/internal/vm"
)

// State is a process's scheduling state (spec.md §3).
type State int

const (
	UNUSED State = iota
	RUNNABLE
	RUNNING
	SLEEPING
	ZOMBIE
)

// TrapFrame holds the saved user-mode register file an SVC or IRQ
// delivers to the kernel and restores from on return (internal/trap's
// dispatcher reads args from R0..R3 and rewrites R0 with a syscall's
// result; Exec rewrites PC/SP/R0-R2 to start the new image).
type TrapFrame struct {
	R0, R1, R2, R3, R4, R5, R6, R7, R8, R9, R10, R11, R12 uint32
	SP, LR, PC, CPSR                                      uint32
}

// userModeCPSR is the ARM USR-mode bits (mode field 0x10, IRQs enabled)
// a freshly exec'd image starts in.
const userModeCPSR uint32 = 0x10

// Cwd tracks a process's current working directory: a referenced inode
// plus the canonical path string (teacher's fd.Cwd_t). The mutex
// serializes concurrent chdirs the same way the teacher's does.
type Cwd struct {
	mu    sleeplock.Lock
	Inode *icache.Inode
	Path  ustr.Ustr
}

// Process is one schedulable unit (spec.md §3's Process). Every field
// below State, Children, ExitStatus, and the fd table is mutated only
// while the owning Table's lock is held (except that Exit clears the
// exiting process's own fd table without it); AS, Trap, and Cwd are read
// freely by the process's own goroutine outside the lock since only
// that one task ever runs them.
type Process struct {
	Pid    defs.Pid_t
	State  State
	AS     *vm.AddressSpace
	Files  [defs.OpenMax]*file.File
	Cwd    *Cwd
	Parent *Process
	// Children lists this process's live or zombie children.
	Children []*Process
	Trap     *TrapFrame
	// ExitStatus is valid once State == ZOMBIE.
	ExitStatus int

	// Uid/Gid are the process's credentials (spec.md §3's Process data
	// model: "credentials (uid, gid, umask)"). Nothing in spec.md §6's
	// syscall table reads or sets them, so they stay at the root
	// default this port boots with; they exist so Process matches the
	// data model exactly rather than omitting fields no operation uses yet.
	Uid, Gid uint32
	// Cmask is the file creation mask UMASK reads and replaces
	// (original_source/kernel/syscall.c's sys_umask).
	Cmask uint32

	// Brk is the current program break (internal/trap's SBRK);
	// brkBase is where it started right after Exec loaded the image,
	// the floor Sbrk refuses to shrink below.
	Brk, brkBase uintptr

	// waitChan is what a goroutine in Wait blocks on; Exit wakes it on
	// the process's own parent, mirroring the source's "sleep on the
	// address of my_process()" / wakeup(parent) pattern (spec.md §4.6).
	waitChan sleeplock.Chan
}

// Table is the process table: pid allocation, the parent/children
// forest, and the slab pool processes are drawn from (spec.md §4,
// "Kernel object pool", applied here the same way internal/vm applies
// it to L2 table pairs).
type Table struct {
	lock sleeplock.Lock

	pages  *page.Allocator
	l2pool *vm.L2Pool
	ic     *icache.Cache

	pool    *kobj.Pool[Process]
	procs   map[defs.Pid_t]*Process
	nextPid defs.Pid_t

	// Init is the root of the parent/children forest; Exit reparents a
	// dying process's children to it.
	Init *Process
}

// NewTable wires a process table to the physical allocator, L2-pair
// pool, and inode cache a kernel assembles once at boot.
func NewTable(pages *page.Allocator, l2pool *vm.L2Pool, ic *icache.Cache, maxProcs int) *Table {
	return &Table{
		pages:   pages,
		l2pool:  l2pool,
		ic:      ic,
		pool:    kobj.NewPool[Process](maxProcs),
		procs:   make(map[defs.Pid_t]*Process),
		nextPid: 1,
	}
}

// allocLocked draws a fresh Process from the pool and assigns it the
// next pid. Caller holds t.lock.
func (t *Table) allocLocked() (*Process, defs.Err_t) {
	p := t.pool.Alloc()
	if p == nil {
		return nil, -defs.ENOMEM
	}
	p.Pid = t.nextPid
	t.nextPid++
	p.State = RUNNABLE
	t.procs[p.Pid] = p
	return p, 0
}

// CreateInit builds the first process: a fresh address space, a cwd
// rooted at root, then an immediate Exec of path (conventionally
// "/init"). It becomes t.Init, the reparenting target for every
// orphaned process.
func (t *Table) CreateInit(root *icache.Inode, path ustr.Ustr, argv []string) (*Process, defs.Err_t) {
	t.lock.Acquire()
	p, err := t.allocLocked()
	if err != 0 {
		t.lock.Release()
		return nil, err
	}
	p.AS = vm.Create(t.pages, t.l2pool)
	p.Trap = &TrapFrame{}
	rootRef, gerr := t.ic.Get(root.Inum)
	if gerr != 0 {
		delete(t.procs, p.Pid)
		t.pool.Free(p)
		t.lock.Release()
		return nil, gerr
	}
	p.Cwd = &Cwd{Inode: rootRef, Path: ustr.Root}
	p.Cmask = 0022 // conventional POSIX default
	t.Init = p
	t.lock.Release()

	if eerr := t.Exec(p, root, path, argv, nil); eerr != 0 {
		return nil, eerr
	}
	return p, 0
}

// Fork implements process_copy (spec.md §4.6): clone the address space
// COW, duplicate the fd table by bumping each File's reference, share
// the cwd inode under a second reference, and link the child into the
// parent's Children list.
func (t *Table) Fork(parent *Process) (*Process, defs.Err_t) {
	childAS, err := parent.AS.Clone()
	if err != 0 {
		return nil, err
	}

	t.lock.Acquire()
	child, err := t.allocLocked()
	if err != 0 {
		t.lock.Release()
		childAS.Destroy()
		return nil, err
	}
	child.AS = childAS
	child.Parent = parent

	cwdInode, gerr := t.ic.Get(parent.Cwd.Inode.Inum)
	if gerr != 0 {
		delete(t.procs, child.Pid)
		t.pool.Free(child)
		t.lock.Release()
		childAS.Destroy()
		return nil, gerr
	}
	child.Cwd = &Cwd{Inode: cwdInode, Path: append(ustr.Ustr(nil), parent.Cwd.Path...)}
	child.Uid, child.Gid, child.Cmask = parent.Uid, parent.Gid, parent.Cmask
	child.Brk, child.brkBase = parent.Brk, parent.brkBase

	trap := *parent.Trap
	trap.R0 = 0 // fork() returns 0 in the child
	child.Trap = &trap

	for i, f := range parent.Files {
		if f != nil {
			child.Files[i] = f.Dup()
		}
	}

	parent.Children = append(parent.Children, child)
	t.lock.Release()
	return child, 0
}

// AllocFd installs f in the first free slot of p's fd table, returning
// -EMFILE when the table (sized OPEN_MAX per spec.md §3) is full.
func (t *Table) AllocFd(p *Process, f *file.File) (int, defs.Err_t) {
	t.lock.Acquire()
	defer t.lock.Release()
	for i := range p.Files {
		if p.Files[i] == nil {
			p.Files[i] = f
			return i, 0
		}
	}
	return 0, -defs.EMFILE
}

// CloseFd drops and clears fd, closing the underlying File if this was
// its last reference.
func (t *Table) CloseFd(p *Process, fd int) defs.Err_t {
	t.lock.Acquire()
	if fd < 0 || fd >= len(p.Files) || p.Files[fd] == nil {
		t.lock.Release()
		return -defs.EBADF
	}
	f := p.Files[fd]
	p.Files[fd] = nil
	t.lock.Release()
	return f.Close()
}

// Count reports how many live processes the table currently holds, for
// a host driver's statistics device (internal/trap has no syscall that
// exposes this; it's for external monitoring only).
func (t *Table) Count() int {
	t.lock.Acquire()
	defer t.lock.Release()
	return len(t.procs)
}

// inodeReaderAt lets debug/elf read an ELF image straight out of the
// inode cache via the icache.Cache.InodeRead the file layer already
// uses, without materializing the whole file in memory first.
type inodeReaderAt struct {
	ic *icache.Cache
	ip *icache.Inode
}

func (r *inodeReaderAt) ReadAt(p []byte, off int64) (int, error) {
	r.ic.Lock(r.ip)
	n, err := r.ic.InodeRead(r.ip, p, int(off))
	r.ic.Unlock(r.ip)
	if err != 0 {
		return n, fmt.Errorf("proc: inode read at %d: %v", off, err)
	}
	if n < len(p) {
		return n, fmt.Errorf("proc: short read at %d: got %d want %d", off, n, len(p))
	}
	return n, nil
}

// checkELFHeader validates the header the way original_source's
// kernel/chentry.go's chkELF does for its own architecture, adapted to
// the 32-bit little-endian ARM target this core runs (spec.md §6).
func checkELFHeader(h *elf.FileHeader) defs.Err_t {
	if h.Class != elf.ELFCLASS32 || h.Data != elf.ELFDATA2LSB {
		return -defs.EINVAL
	}
	if h.Type != elf.ET_EXEC {
		return -defs.EINVAL
	}
	if h.Machine != elf.EM_ARM {
		return -defs.EINVAL
	}
	return 0
}

func permFromELFFlags(flags elf.ProgFlag) defs.Perm {
	perm := defs.User | defs.Read
	if flags&elf.PF_W != 0 {
		perm |= defs.Write
	}
	if flags&elf.PF_X != 0 {
		perm |= defs.Exec
	}
	return perm
}

// userStackTop is the one page reserved for the initial user stack,
// placed directly below the kernel/user split (spec.md §6's memory map).
const userStackTop = uintptr(defs.KernelBase) - uintptr(page.Size)

// buildUserStack lays out argv and envp C strings plus their NUL-
// terminated pointer arrays at the top of a freshly mapped stack page,
// the way process_exec's stack setup is described in spec.md §4.6: argc/
// argv/envp are materialised into the new image's own page before the
// process ever runs in it. This core passes them to the new image in
// R0/R1/R2 (ARM's calling convention for a process entered directly at
// e_entry, with no C runtime startup stub to unpack a stack-only argv).
func buildUserStack(as *vm.AddressSpace, argv, envp []string) (sp, argvAddr, envpAddr uintptr, argc int, err defs.Err_t) {
	if aerr := as.UserAlloc(userStackTop, int(page.Size), defs.User|defs.Read|defs.Write); aerr != 0 {
		return 0, 0, 0, 0, aerr
	}

	buf := make([]byte, page.Size)
	cursor := int(page.Size)

	writeStr := func(s string) uintptr {
		b := append([]byte(s), 0)
		cursor -= len(b)
		copy(buf[cursor:], b)
		return userStackTop + uintptr(cursor)
	}
	argvAddrs := make([]uintptr, len(argv))
	for i, s := range argv {
		argvAddrs[i] = writeStr(s)
	}
	envpAddrs := make([]uintptr, len(envp))
	for i, s := range envp {
		envpAddrs[i] = writeStr(s)
	}

	cursor &^= 3 // word-align before the pointer arrays
	writePtrArray := func(addrs []uintptr) (uintptr, defs.Err_t) {
		n := (len(addrs) + 1) * 4
		cursor -= n
		if cursor < 0 {
			return 0, -defs.ENOMEM
		}
		base := cursor
		for i, a := range addrs {
			binary.LittleEndian.PutUint32(buf[base+i*4:], uint32(a))
		}
		binary.LittleEndian.PutUint32(buf[base+len(addrs)*4:], 0)
		return userStackTop + uintptr(base), 0
	}

	envpArr, eerr := writePtrArray(envpAddrs)
	if eerr != 0 {
		return 0, 0, 0, 0, eerr
	}
	argvArr, aerr := writePtrArray(argvAddrs)
	if aerr != 0 {
		return 0, 0, 0, 0, aerr
	}

	cursor &^= 7 // AAPCS requires the stack pointer 8-byte aligned
	if cursor < 0 {
		return 0, 0, 0, 0, -defs.ENOMEM
	}

	if cerr := as.UserCopyOut(userStackTop, buf); cerr != 0 {
		return 0, 0, 0, 0, cerr
	}
	return userStackTop + uintptr(cursor), argvArr, envpArr, len(argv), 0
}

// Exec implements process_exec (spec.md §4.6): open the ELF inode,
// validate its header, build a fresh address space from its PT_LOAD
// segments, set up the user stack, then swap the new address space in
// and restart the process at e_entry — destroying the old address space
// only after the swap succeeds, exactly as spec.md requires ("swap the
// old VM out, destroy it; restart at e_entry").
func (t *Table) Exec(p *Process, root *icache.Inode, path ustr.Ustr, argv, envp []string) defs.Err_t {
	ip, err := t.ic.NameLookup(root, p.Cwd.Inode, path)
	if err != 0 {
		return err
	}
	defer t.ic.Put(ip)

	t.ic.Lock(ip)
	isDir := ip.IsDir()
	t.ic.Unlock(ip)
	if isDir {
		return -defs.EISDIR
	}

	ra := &inodeReaderAt{ic: t.ic, ip: ip}
	ef, ferr := elf.NewFile(ra)
	if ferr != nil {
		return -defs.EINVAL
	}
	defer ef.Close()
	if eerr := checkELFHeader(&ef.FileHeader); eerr != 0 {
		return eerr
	}

	newAS := vm.Create(t.pages, t.l2pool)
	var brkBase uintptr
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		perm := permFromELFFlags(prog.Flags)
		vaStart := util.Rounddown(uintptr(prog.Vaddr), uintptr(page.Size))
		pad := uintptr(prog.Vaddr) - vaStart
		size := int(pad) + int(prog.Memsz)
		if aerr := newAS.UserAlloc(vaStart, size, perm); aerr != 0 {
			newAS.Destroy()
			return aerr
		}
		if prog.Filesz > 0 {
			if lerr := newAS.UserLoad(uintptr(prog.Vaddr), ra, int64(prog.Off), int(prog.Filesz)); lerr != 0 {
				newAS.Destroy()
				return lerr
			}
		}
		end := util.Roundup(vaStart+uintptr(size), uintptr(page.Size))
		if end > brkBase {
			brkBase = end
		}
	}

	sp, argvAddr, envpAddr, argc, serr := buildUserStack(newAS, argv, envp)
	if serr != 0 {
		newAS.Destroy()
		return serr
	}

	p.Brk = brkBase
	p.brkBase = brkBase

	oldAS := p.AS
	p.AS = newAS
	if p.Trap == nil {
		p.Trap = &TrapFrame{}
	}
	*p.Trap = TrapFrame{
		PC:   uint32(ef.Entry),
		SP:   uint32(sp),
		R0:   uint32(argc),
		R1:   uint32(argvAddr),
		R2:   uint32(envpAddr),
		CPSR: userModeCPSR,
	}
	if oldAS != nil {
		oldAS.Destroy()
	}
	return 0
}

// Wait implements process_wait (spec.md §4.6): harvest the first ZOMBIE
// child found, or sleep on the parent's own wait channel until Exit
// wakes it. pid/opts are accepted for the syscall's ABI but this core
// only supports waiting for any child (pid == -1 semantics), matching
// the single process_wait(pid, stat_loc, 0) call site in
// original_source/kernel/syscall.c's sys_wait.
func (t *Table) Wait(parent *Process) (defs.Pid_t, int, defs.Err_t) {
	t.lock.Acquire()
	for {
		if len(parent.Children) == 0 {
			t.lock.Release()
			// spec.md §7's errno set has no ECHILD; EINVAL stands in for
			// "wait() called with no children", the same substitution
			// pattern used for this core's other errno-set gaps.
			return 0, 0, -defs.EINVAL
		}
		for i, c := range parent.Children {
			if c.State != ZOMBIE {
				continue
			}
			pid, status := c.Pid, c.ExitStatus
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			c.AS.Destroy()
			delete(t.procs, c.Pid)
			t.pool.Free(c)
			t.lock.Release()
			return pid, status, 0
		}
		parent.waitChan.Wait(&t.lock)
	}
}

// Exit implements process_destroy (spec.md §4.6): close every open fd,
// release the cwd reference, reparent children to init, move to ZOMBIE,
// and wake the parent. The caller's goroutine is expected to block
// forever afterward (the scheduler never reschedules a ZOMBIE task);
// Exit itself just returns, leaving that "yield forever" step to
// internal/sched's caller.
func (t *Table) Exit(p *Process, status int) {
	for i, f := range p.Files {
		if f != nil {
			f.Close()
			p.Files[i] = nil
		}
	}
	t.ic.Put(p.Cwd.Inode)

	t.lock.Acquire()
	reparented := len(p.Children) > 0
	for _, c := range p.Children {
		c.Parent = t.Init
		t.Init.Children = append(t.Init.Children, c)
	}
	p.Children = nil
	p.ExitStatus = status
	p.State = ZOMBIE
	parent := p.Parent
	t.lock.Release()

	if reparented {
		// A reparented child might already be a zombie (its own parent
		// exited and reaped nothing yet); wake init in case one is.
		t.Init.waitChan.WakeupAll()
	}
	if parent != nil {
		parent.waitChan.WakeupAll()
	}
}

// Chdir implements fs_chdir (no surviving body in original_source; this
// port synthesizes it from the sys_chdir/sys_fchdir call sites in
// original_source/kernel/syscall.c, which only show fs_name_lookup
// feeding a path into it). ip must be a fresh reference the caller
// owns; Chdir takes ownership of it, releasing p's previous cwd.
func (t *Table) Chdir(p *Process, ip *icache.Inode, newPath ustr.Ustr) defs.Err_t {
	t.ic.Lock(ip)
	isDir := ip.IsDir()
	t.ic.Unlock(ip)
	if !isDir {
		t.ic.Put(ip)
		return -defs.ENOTDIR
	}
	p.Cwd.mu.Acquire()
	old := p.Cwd.Inode
	p.Cwd.Inode = ip
	p.Cwd.Path = newPath
	p.Cwd.mu.Release()
	t.ic.Put(old)
	return 0
}

// Umask implements sys_umask's proc->cmask swap: replaces p's file
// creation mask and returns the previous one, masked to the
// S_IRWXU|S_IRWXG|S_IRWXO bits exactly as the source does.
func (t *Table) Umask(p *Process, newMask uint32) uint32 {
	t.lock.Acquire()
	old := p.Cmask & (defs.S_IRWXU | defs.S_IRWXG | defs.S_IRWXO)
	p.Cmask = newMask
	t.lock.Release()
	return old
}

// Sbrk implements process_grow (no surviving body in original_source;
// synthesized per spec.md §6's "SBRK(delta) | expand/shrink heap via
// user_alloc"): grows or shrinks p's heap by n bytes, mapping or
// unmapping whole pages as the break crosses a page boundary, and
// returns the break's value before the change (the real sbrk(2)
// contract). Shrinking below the break Exec started the heap at fails
// with EINVAL.
func (t *Table) Sbrk(p *Process, n int) (uintptr, defs.Err_t) {
	old := p.Brk
	if n == 0 {
		return old, 0
	}
	newBrk := int64(old) + int64(n)
	if newBrk < int64(p.brkBase) {
		return 0, -defs.EINVAL
	}
	oldPage := util.Roundup(old, uintptr(page.Size))
	newPage := util.Roundup(uintptr(newBrk), uintptr(page.Size))
	if n > 0 {
		if newPage > oldPage {
			if err := p.AS.UserAlloc(oldPage, int(newPage-oldPage), defs.User|defs.Read|defs.Write); err != 0 {
				return 0, err
			}
		}
	} else if newPage < oldPage {
		p.AS.UserDealloc(newPage, int(oldPage-newPage))
	}
	p.Brk = uintptr(newBrk)
	return old, 0
}
