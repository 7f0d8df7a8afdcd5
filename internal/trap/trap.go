// Package trap implements the SVC syscall dispatcher (spec.md §4.7/§6):
// decode the syscall number out of the SVC instruction the current
// process trapped on, marshal its arguments out of the trap frame with
// permission checks against the process's own address space, and
// invoke the matching service routine.
//
// Grounded line-for-line on original_source/kernel/syscall.c:
// sys_dispatch, sys_get_num, sys_get_arg, sys_arg_int/_short/_long/_buf/
// _str/_fd/_args, and all 23 sys_* handlers. The one structural
// departure is sys_get_num's instruction decode: the source masks the
// raw opcode word with "& 0xFFFFFF" by hand; this port decodes the
// preceding word as a real ARM instruction via golang.org/x/arch/arm/
// armasm and reads the immediate out of its SVC operand, the idiomatic
// Go substitute for reaching into a C union by hand.
package trap

import (
	"encoding/binary"

	"golang.org/x/arch/arm/armasm"

	"github.com/aglotoff/osdev-pbx-a9/internal/defs"
	"github.com/aglotoff/osdev-pbx-a9/internal/file"
	"github.com/aglotoff/osdev-pbx-a9/internal/icache"
	"github.com/aglotoff/osdev-pbx-a9/internal/proc"
	"github.com/aglotoff/osdev-pbx-a9/internal/stat"
	"github.com/aglotoff/osdev-pbx-a9/internal/ustr"
)

// Syscall numbers, assigned in the same order as the source's
// syscalls[] dispatch table (original_source/kernel/syscall.c).
const (
	SYS_FORK = 1 + iota
	SYS_EXEC
	SYS_WAIT
	SYS_EXIT
	SYS_GETPID
	SYS_GETPPID
	SYS_TIME
	SYS_GETDENTS
	SYS_CHDIR
	SYS_FCHDIR
	SYS_OPEN
	SYS_UMASK
	SYS_MKNOD
	SYS_LINK
	SYS_UNLINK
	SYS_RMDIR
	SYS_STAT
	SYS_CLOSE
	SYS_READ
	SYS_WRITE
	SYS_SBRK
	SYS_UNAME
	SYS_CHMOD
)

// Clock is the RTC collaborator spec.md §1 treats as an external
// device driver out of this core's scope; TIME is serviced through it
// rather than reading real hardware (spec.md §6, "seconds since epoch
// from RTC").
type Clock interface {
	Now() int64
}

// Utsname mirrors POSIX's struct utsname (spec.md §6's "UNAME(*buf) |
// copy out static uname"), encoded as five NUL-padded fixed fields the
// same way stat.Stat_t flattens to the wire.
type Utsname struct {
	Sysname, Nodename, Release, Version, Machine string
}

// utsFieldLen matches glibc's _UTSNAME_LENGTH; the source doesn't carry
// its own <sys/utsname.h> so this port uses the POSIX-standard width.
const utsFieldLen = 65

// UtsnameSize is Utsname's encoded length: five fixed-width fields.
const UtsnameSize = 5 * utsFieldLen

// Bytes encodes u as UtsnameSize bytes, each field NUL-padded/truncated
// to utsFieldLen.
func (u Utsname) Bytes() []byte {
	buf := make([]byte, UtsnameSize)
	fields := []string{u.Sysname, u.Nodename, u.Release, u.Version, u.Machine}
	for i, s := range fields {
		copy(buf[i*utsFieldLen:(i+1)*utsFieldLen-1], s)
	}
	return buf
}

// DefaultUtsname is this kernel's static identity, the value sys_uname
// copies out in the source's "extern struct utsname utsname; // defined
// in main.c" — main.c wasn't retrieved, so this port defines its own.
var DefaultUtsname = Utsname{
	Sysname:  "osdev-pbx-a9",
	Nodename: "karmsim",
	Release:  "0.1",
	Version:  "#1",
	Machine:  "armv7a",
}

// System bundles everything a syscall handler needs beyond the
// trapping process itself: the process table, the mounted filesystem,
// the device table OPEN dispatches special files through, and the
// RTC/uname collaborators spec.md §1 keeps out of this core's scope.
type System struct {
	Table   *proc.Table
	Ic      *icache.Cache
	Root    *icache.Inode
	Devices file.Devices
	Clock   Clock
	Uname   Utsname
}

// maxStrLen bounds ArgStr/ArgArgs string lengths; the source's
// vm_user_check_str has no such bound and simply runs until it faults
// on an unmapped page, but since every user address space here is a
// handful of pages, an unbounded scan risks reading across unrelated
// mapped regions (e.g. heap) into something that never hits a NUL.
const maxStrLen = 4096

// maxIoLen caps a single READ/WRITE/GETDENTS transfer so a user-
// supplied n can't make the dispatcher allocate unbounded kernel
// memory on its caller's behalf; the source gets the equivalent bound
// for free from a fixed-size kernel stack buffer it doesn't have here.
const maxIoLen = 1 << 20

// ---------------------------------------------------------------------
// Argument fetch helpers (sys_arg_int/_short/_long/_buf/_str/_fd/_args)
// ---------------------------------------------------------------------

// rawArg is sys_get_arg: trap-frame registers r0..r3 hold the first
// four syscall arguments: the source's "grab additional parameters from
// the user's stack" path was never implemented, so this core supports
// at most four, same as the original.
func rawArg(p *proc.Process, n int) int32 {
	switch n {
	case 0:
		return int32(p.Trap.R0)
	case 1:
		return int32(p.Trap.R1)
	case 2:
		return int32(p.Trap.R2)
	case 3:
		return int32(p.Trap.R3)
	default:
		panic("trap: invalid argument number")
	}
}

// ArgInt is sys_arg_int.
func ArgInt(p *proc.Process, n int) int32 {
	return rawArg(p, n)
}

// ArgShort is sys_arg_short: truncates to 16 bits. The source reads
// this same truncated width for both MKNOD's dev_t and every mode_t
// argument (OPEN, MKNOD, CHMOD, UMASK); whether a 16-bit dev_t was
// deliberate or a bug is unclear (spec.md §9), so the truncation is
// preserved as-is rather than widened.
func ArgShort(p *proc.Process, n int) int16 {
	return int16(rawArg(p, n))
}

// ArgLong is sys_arg_long; ptrdiff_t is 32 bits on this target same as
// int, so it's just a named alias for clarity at SBRK's call site.
func ArgLong(p *proc.Process, n int) int32 {
	return rawArg(p, n)
}

// ArgBuf is sys_arg_buf: fetches the nth argument as a user pointer and
// validates [ptr, ptr+length) against perm, returning the pointer as a
// user virtual address the caller copies in/out of.
func ArgBuf(p *proc.Process, n int, length int, perm defs.Perm) (uintptr, defs.Err_t) {
	va := uintptr(uint32(rawArg(p, n)))
	if err := p.AS.UserCheckBuf(va, length, perm); err != 0 {
		return 0, err
	}
	return va, 0
}

// ArgStr is sys_arg_str: fetches the nth argument as a user pointer,
// validates it as a NUL-terminated, perm-permitted string, and copies
// it into a fresh Ustr (ustr.FromNulTerminated's doc comment already
// names this call site).
func ArgStr(p *proc.Process, n int, perm defs.Perm) (ustr.Ustr, defs.Err_t) {
	va := uintptr(uint32(rawArg(p, n)))
	strlen, err := p.AS.UserCheckStr(va, perm, maxStrLen)
	if err != 0 {
		return nil, err
	}
	buf := make([]byte, strlen)
	if len(buf) > 0 {
		if cerr := p.AS.UserCopyIn(buf, va); cerr != 0 {
			return nil, cerr
		}
	}
	return ustr.Ustr(buf), 0
}

// ArgFD is sys_arg_fd: fetches the nth argument as a file descriptor,
// validating it against p's own fd table.
func ArgFD(p *proc.Process, n int) (int, *file.File, defs.Err_t) {
	fd := int(rawArg(p, n))
	if fd < 0 || fd >= len(p.Files) || p.Files[fd] == nil {
		return 0, nil, -defs.EBADF
	}
	return fd, p.Files[fd], 0
}

// ArgArgs is sys_arg_args: fetches the nth argument as a NULL-
// terminated array of C string pointers (argv/envp), validating every
// pointer slot and every string it points to, and materializes the
// whole array as a Go []string.
func ArgArgs(p *proc.Process, n int) ([]string, defs.Err_t) {
	arr := uintptr(uint32(rawArg(p, n)))
	var out []string
	for i := 0; ; i++ {
		slot := arr + uintptr(i)*4
		if err := p.AS.UserCheckBuf(slot, 4, defs.Read); err != 0 {
			return nil, err
		}
		var word [4]byte
		if cerr := p.AS.UserCopyIn(word[:], slot); cerr != 0 {
			return nil, cerr
		}
		ptr := uintptr(binary.LittleEndian.Uint32(word[:]))
		if ptr == 0 {
			return out, 0
		}
		strlen, err := p.AS.UserCheckStr(ptr, defs.Read, maxStrLen)
		if err != 0 {
			return nil, err
		}
		buf := make([]byte, strlen)
		if strlen > 0 {
			if cerr := p.AS.UserCopyIn(buf, ptr); cerr != 0 {
				return nil, cerr
			}
		}
		out = append(out, string(buf))
	}
}

// ---------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------

type handler func(sys *System, p *proc.Process) int32

// table stands in for the source's "static int32_t (*syscalls[])(void)"
// array; a map reads just as well here and sidesteps keeping a
// contiguous array in sync with the const block above.
var table = map[int]handler{
	SYS_FORK:     sysFork,
	SYS_EXEC:     sysExec,
	SYS_WAIT:     sysWait,
	SYS_EXIT:     sysExit,
	SYS_GETPID:   sysGetpid,
	SYS_GETPPID:  sysGetppid,
	SYS_TIME:     sysTime,
	SYS_GETDENTS: sysGetdents,
	SYS_CHDIR:    sysChdir,
	SYS_FCHDIR:   sysFchdir,
	SYS_OPEN:     sysOpen,
	SYS_UMASK:    sysUmask,
	SYS_MKNOD:    sysMknod,
	SYS_LINK:     sysLink,
	SYS_UNLINK:   sysUnlink,
	SYS_RMDIR:    sysRmdir,
	SYS_STAT:     sysStat,
	SYS_CLOSE:    sysClose,
	SYS_READ:     sysRead,
	SYS_WRITE:    sysWrite,
	SYS_SBRK:     sysSbrk,
	SYS_UNAME:    sysUname,
	SYS_CHMOD:    sysChmod,
}

// decodeSVCNumber is sys_get_num: reads the 4 bytes preceding the
// trapping PC (ARM leaves tf->pc pointing just past the SVC that
// trapped) and decodes them as an ARM instruction, extracting the
// 24-bit immediate the SVC carries.
func decodeSVCNumber(p *proc.Process) (int, defs.Err_t) {
	pc := uintptr(p.Trap.PC) - 4
	if err := p.AS.UserCheckBuf(pc, 4, defs.Read); err != 0 {
		return 0, err
	}
	var word [4]byte
	if err := p.AS.UserCopyIn(word[:], pc); err != 0 {
		return 0, err
	}
	inst, derr := armasm.Decode(word[:], armasm.ModeARM)
	if derr != nil {
		return 0, -defs.EINVAL
	}
	imm, ok := inst.Args[0].(armasm.Imm)
	if inst.Op.String()[:3] != "SVC" || !ok {
		return 0, -defs.EINVAL
	}
	return int(imm), 0
}

// Dispatch is sys_dispatch: decode the syscall number, look it up, run
// it, and land its result in the trap frame's r0 the way a real SVC
// return path restores registers.
//
// EXEC is special-cased: on success it has already rewritten p.Trap
// wholesale (new PC/SP/r0=argc/r1=argv/r2=envp) to start the new image,
// and the source's own sys_exec just forwards process_exec's return
// value — there's no surviving trampoline in original_source showing
// how a successful exec's "return value" and a fresh trap frame's r0
// were reconciled, so this port takes the only consistent reading:
// overwriting r0 again here would stomp the new image's argc.
func Dispatch(sys *System, p *proc.Process) {
	num, err := decodeSVCNumber(p)
	if err != 0 {
		p.Trap.R0 = uint32(int32(err))
		return
	}
	h, ok := table[num]
	if !ok {
		p.Trap.R0 = uint32(int32(-defs.ENOSYS))
		return
	}
	result := h(sys, p)
	if num == SYS_EXEC && result == 0 {
		return
	}
	p.Trap.R0 = uint32(result)
}

// ---------------------------------------------------------------------
// Syscall implementations
// ---------------------------------------------------------------------

func sysFork(sys *System, p *proc.Process) int32 {
	child, err := sys.Table.Fork(p)
	if err != 0 {
		return int32(err)
	}
	return int32(child.Pid)
}

func sysExec(sys *System, p *proc.Process) int32 {
	path, err := ArgStr(p, 0, defs.Read)
	if err != 0 {
		return int32(err)
	}
	argv, err := ArgArgs(p, 1)
	if err != 0 {
		return int32(err)
	}
	envp, err := ArgArgs(p, 2)
	if err != 0 {
		return int32(err)
	}
	eerr := sys.Table.Exec(p, sys.Root, path, argv, envp)
	return int32(eerr)
}

func sysWait(sys *System, p *proc.Process) int32 {
	// pid/options are accepted for ABI compatibility but unused: this
	// core only supports waiting for any child, matching the single
	// process_wait(pid, stat_loc, 0) call in the source.
	_ = ArgInt(p, 0)
	statVA, err := ArgBuf(p, 1, 4, defs.Write)
	if err != 0 {
		return int32(err)
	}
	pid, status, werr := sys.Table.Wait(p)
	if werr != 0 {
		return int32(werr)
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(int32(status)))
	if cerr := p.AS.UserCopyOut(statVA, buf[:]); cerr != 0 {
		return int32(cerr)
	}
	return int32(pid)
}

func sysExit(sys *System, p *proc.Process) int32 {
	status := ArgInt(p, 0)
	sys.Table.Exit(p, int(status))
	return 0
}

func sysGetpid(sys *System, p *proc.Process) int32 {
	return int32(p.Pid)
}

func sysGetppid(sys *System, p *proc.Process) int32 {
	if p.Parent != nil {
		return int32(p.Parent.Pid)
	}
	return int32(p.Pid)
}

func sysTime(sys *System, p *proc.Process) int32 {
	return int32(sys.Clock.Now())
}

func sysGetdents(sys *System, p *proc.Process) int32 {
	_, f, err := ArgFD(p, 0)
	if err != 0 {
		return int32(err)
	}
	n := ArgInt(p, 2)
	if n < 0 || int(n) > maxIoLen {
		return int32(-defs.EINVAL)
	}
	// The source checks this buffer with VM_READ even though
	// file_getdents writes into it (original_source/kernel/syscall.c's
	// sys_getdents); that's the same kind of inverted check as
	// sys_read, but only sys_read's fix is called out by spec.md §9, so
	// this one is preserved unfixed.
	va, err := ArgBuf(p, 1, int(n), defs.Read)
	if err != 0 {
		return int32(err)
	}
	buf := make([]byte, n)
	cnt, rerr := f.ReadDir(buf)
	if rerr != 0 {
		return int32(rerr)
	}
	if cerr := p.AS.UserCopyOut(va, buf[:cnt]); cerr != 0 {
		return int32(cerr)
	}
	return int32(cnt)
}

func sysChdir(sys *System, p *proc.Process) int32 {
	path, err := ArgStr(p, 0, defs.Read)
	if err != 0 {
		return int32(err)
	}
	ip, lerr := sys.Ic.NameLookup(sys.Root, p.Cwd.Inode, path)
	if lerr != 0 {
		return int32(lerr)
	}
	return int32(sys.Table.Chdir(p, ip, path))
}

func sysFchdir(sys *System, p *proc.Process) int32 {
	_, f, err := ArgFD(p, 0)
	if err != 0 {
		return int32(err)
	}
	ip, ok := f.Inode()
	if !ok {
		return int32(-defs.ENOTDIR)
	}
	ref, gerr := sys.Ic.Get(ip.Inum)
	if gerr != 0 {
		return int32(gerr)
	}
	// fchdir doesn't carry a path string to reconstruct the cwd's
	// canonical form; this port leaves Cwd.Path unset rather than
	// synthesize a plausible-looking but wrong one.
	return int32(sys.Table.Chdir(p, ref, nil))
}

func sysOpen(sys *System, p *proc.Process) int32 {
	path, err := ArgStr(p, 0, defs.Read)
	if err != 0 {
		return int32(err)
	}
	oflag := int(ArgInt(p, 1))
	mode := uint32(uint16(ArgShort(p, 2)))
	f, operr := file.Open(sys.Ic, sys.Root, p.Cwd.Inode, path, oflag, mode, sys.Devices)
	if operr != 0 {
		return int32(operr)
	}
	fd, aerr := sys.Table.AllocFd(p, f)
	if aerr != 0 {
		f.Close()
		return int32(aerr)
	}
	return int32(fd)
}

func sysUmask(sys *System, p *proc.Process) int32 {
	cmask := uint32(uint16(ArgShort(p, 0)))
	return int32(sys.Table.Umask(p, cmask))
}

func sysLink(sys *System, p *proc.Process) int32 {
	path1, err := ArgStr(p, 0, defs.Read)
	if err != 0 {
		return int32(err)
	}
	path2, err := ArgStr(p, 1, defs.Read)
	if err != 0 {
		return int32(err)
	}
	target, lerr := sys.Ic.NameLookup(sys.Root, p.Cwd.Inode, path1)
	if lerr != 0 {
		return int32(lerr)
	}
	dir, name, perr := sys.Ic.LookupParent(sys.Root, p.Cwd.Inode, path2)
	if perr != 0 {
		sys.Ic.Put(target)
		return int32(perr)
	}
	lkerr := sys.Ic.Link(dir, name, target)
	sys.Ic.Put(dir)
	sys.Ic.Put(target)
	return int32(lkerr)
}

func sysMknod(sys *System, p *proc.Process) int32 {
	path, err := ArgStr(p, 0, defs.Read)
	if err != 0 {
		return int32(err)
	}
	mode := uint32(uint16(ArgShort(p, 1)))
	// 16-bit dev_t: the source's sys_arg_short(2, &dev) reads the same
	// truncated width as every mode_t argument; spec.md §9 leaves it
	// open whether that was deliberate, so it's preserved as-is here.
	dev := uint32(uint16(ArgShort(p, 2)))
	dir, name, perr := sys.Ic.LookupParent(sys.Root, p.Cwd.Inode, path)
	if perr != 0 {
		return int32(perr)
	}
	sys.Ic.Lock(dir)
	ip, cerr := sys.Ic.Create(dir, name, mode, dev)
	sys.Ic.Unlock(dir)
	sys.Ic.Put(dir)
	if cerr != 0 {
		return int32(cerr)
	}
	sys.Ic.Put(ip)
	return 0
}

func sysUnlink(sys *System, p *proc.Process) int32 {
	path, err := ArgStr(p, 0, defs.Read)
	if err != 0 {
		return int32(err)
	}
	dir, name, perr := sys.Ic.LookupParent(sys.Root, p.Cwd.Inode, path)
	if perr != 0 {
		return int32(perr)
	}
	uerr := sys.Ic.Unlink(dir, name)
	sys.Ic.Put(dir)
	return int32(uerr)
}

func sysRmdir(sys *System, p *proc.Process) int32 {
	path, err := ArgStr(p, 0, defs.Read)
	if err != 0 {
		return int32(err)
	}
	dir, name, perr := sys.Ic.LookupParent(sys.Root, p.Cwd.Inode, path)
	if perr != 0 {
		return int32(perr)
	}
	rerr := sys.Ic.Rmdir(dir, name)
	sys.Ic.Put(dir)
	return int32(rerr)
}

func sysStat(sys *System, p *proc.Process) int32 {
	_, f, err := ArgFD(p, 0)
	if err != 0 {
		return int32(err)
	}
	va, err := ArgBuf(p, 1, stat.Size, defs.Write)
	if err != 0 {
		return int32(err)
	}
	var st stat.Stat_t
	if serr := f.Stat(&st); serr != 0 {
		return int32(serr)
	}
	if cerr := p.AS.UserCopyOut(va, st.Bytes()); cerr != 0 {
		return int32(cerr)
	}
	return 0
}

func sysClose(sys *System, p *proc.Process) int32 {
	fd, _, err := ArgFD(p, 0)
	if err != 0 {
		return int32(err)
	}
	return int32(sys.Table.CloseFd(p, fd))
}

func sysRead(sys *System, p *proc.Process) int32 {
	_, f, err := ArgFD(p, 0)
	if err != 0 {
		return int32(err)
	}
	n := ArgInt(p, 2)
	if n < 0 || int(n) > maxIoLen {
		return int32(-defs.EINVAL)
	}
	// Corrected per spec.md §9: the kernel writes INTO this buffer, so
	// the check must be against Write, not the source's VM_READ
	// (original_source/kernel/syscall.c's sys_read checks VM_READ,
	// which is backwards for a destination buffer).
	va, err := ArgBuf(p, 1, int(n), defs.Write)
	if err != 0 {
		return int32(err)
	}
	buf := make([]byte, n)
	cnt, rerr := f.Read(buf)
	if rerr != 0 {
		return int32(rerr)
	}
	if cerr := p.AS.UserCopyOut(va, buf[:cnt]); cerr != 0 {
		return int32(cerr)
	}
	return int32(cnt)
}

func sysWrite(sys *System, p *proc.Process) int32 {
	_, f, err := ArgFD(p, 0)
	if err != 0 {
		return int32(err)
	}
	n := ArgInt(p, 2)
	if n < 0 || int(n) > maxIoLen {
		return int32(-defs.EINVAL)
	}
	// Preserved as the source has it: sys_write checks VM_WRITE even
	// though the kernel only reads from this buffer. Arguably backward
	// the same way sys_read's check was, but spec.md §9 only calls out
	// the read side as a probable bug, so the write side is left alone.
	va, err := ArgBuf(p, 1, int(n), defs.Write)
	if err != 0 {
		return int32(err)
	}
	buf := make([]byte, n)
	if cerr := p.AS.UserCopyIn(buf, va); cerr != 0 {
		return int32(cerr)
	}
	cnt, werr := f.Write(buf)
	if werr != 0 {
		return int32(werr)
	}
	return int32(cnt)
}

func sysSbrk(sys *System, p *proc.Process) int32 {
	n := ArgLong(p, 0)
	old, err := sys.Table.Sbrk(p, int(n))
	if err != 0 {
		return int32(err)
	}
	return int32(uint32(old))
}

func sysUname(sys *System, p *proc.Process) int32 {
	va, err := ArgBuf(p, 0, UtsnameSize, defs.Write)
	if err != 0 {
		return int32(err)
	}
	if cerr := p.AS.UserCopyOut(va, sys.Uname.Bytes()); cerr != 0 {
		return int32(cerr)
	}
	return 0
}

func sysChmod(sys *System, p *proc.Process) int32 {
	path, err := ArgStr(p, 0, defs.Read)
	if err != 0 {
		return int32(err)
	}
	mode := uint32(uint16(ArgShort(p, 1)))
	ip, lerr := sys.Ic.NameLookup(sys.Root, p.Cwd.Inode, path)
	if lerr != 0 {
		return int32(lerr)
	}
	sys.Ic.Lock(ip)
	cerr := sys.Ic.Chmod(ip, mode)
	sys.Ic.Unlock(ip)
	sys.Ic.Put(ip)
	return int32(cerr)
}
