package trap

import (
	"encoding/binary"
	"strconv"
	"testing"

	"github.com/aglotoff/osdev-pbx-a9/internal/bcache"
	"github.com/aglotoff/osdev-pbx-a9/internal/defs"
	"github.com/aglotoff/osdev-pbx-a9/internal/file"
	"github.com/aglotoff/osdev-pbx-a9/internal/icache"
	"github.com/aglotoff/osdev-pbx-a9/internal/limits"
	"github.com/aglotoff/osdev-pbx-a9/internal/page"
	"github.com/aglotoff/osdev-pbx-a9/internal/proc"
	"github.com/aglotoff/osdev-pbx-a9/internal/vm"
)

type memDisk struct {
	blocks map[int][bcache.BlockSize]byte
}

func (d *memDisk) ReadBlock(dev, blockno int, buf []byte) {
	b := d.blocks[blockno]
	copy(buf, b[:])
}

func (d *memDisk) WriteBlock(dev, blockno int, buf []byte) {
	var b [bcache.BlockSize]byte
	copy(b[:], buf)
	d.blocks[blockno] = b
}

// buildMinimalELF assembles a 32-bit little-endian ARM ET_EXEC image with
// a single PT_LOAD segment, the same hand-rolled encoder internal/proc's
// own tests use (debug/elf only reads, and the retrieval pack carries no
// ELF-writing library).
func buildMinimalELF(entry, vaddr uint32, text []byte) []byte {
	const ehsize = 52
	const phsize = 32
	phoff := uint32(ehsize)
	dataOff := phoff + phsize
	buf := make([]byte, int(dataOff)+len(text))

	buf[0] = 0x7f
	copy(buf[1:4], "ELF")
	buf[4] = 1
	buf[5] = 1
	buf[6] = 1

	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)
	le.PutUint16(buf[18:], 40)
	le.PutUint32(buf[20:], 1)
	le.PutUint32(buf[24:], entry)
	le.PutUint32(buf[28:], phoff)
	le.PutUint32(buf[36:], 0)
	le.PutUint16(buf[40:], ehsize)
	le.PutUint16(buf[42:], phsize)
	le.PutUint16(buf[44:], 1)

	ph := buf[phoff:]
	le.PutUint32(ph[0:], 1)
	le.PutUint32(ph[4:], dataOff)
	le.PutUint32(ph[8:], vaddr)
	le.PutUint32(ph[12:], vaddr)
	le.PutUint32(ph[16:], uint32(len(text)))
	le.PutUint32(ph[20:], uint32(len(text)))
	le.PutUint32(ph[24:], 5)
	le.PutUint32(ph[28:], 4096)

	copy(buf[dataOff:], text)
	return buf
}

type fakeClock struct{ t int64 }

func (c *fakeClock) Now() int64 { return c.t }

type testHarness struct {
	sys   *System
	tbl   *proc.Table
	ic    *icache.Cache
	root  *icache.Inode
	clock *fakeClock
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	disk := &memDisk{blocks: make(map[int][bcache.BlockSize]byte)}
	bc := bcache.NewCache(disk, 64)
	icache.Format(bc, 0, 128, 256)
	ic := icache.Mount(bc, 0, limits.NewAtomic(1000))
	root, err := ic.Root()
	if err != 0 {
		t.Fatalf("Root: %v", err)
	}

	pages := page.NewAllocator(2 * 1024 * 1024)
	l2pool := vm.NewL2Pool(16)
	tbl := proc.NewTable(pages, l2pool, ic, 16)

	clock := &fakeClock{t: 1000}
	sys := &System{Table: tbl, Ic: ic, Root: root, Devices: file.Devices{}, Clock: clock, Uname: DefaultUtsname}
	return &testHarness{sys: sys, tbl: tbl, ic: ic, root: root, clock: clock}
}

func (h *testHarness) writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	f, err := file.Open(h.ic, h.root, h.root, []byte(path), defs.O_WRONLY|defs.O_CREAT, 0755, nil)
	if err != 0 {
		t.Fatalf("Open %s: %v", path, err)
	}
	if _, werr := f.Write(data); werr != 0 {
		t.Fatalf("Write %s: %v", path, werr)
	}
	f.Close()
}

// svcWord encodes an unconditional (AL) ARM SVC instruction carrying imm
// as its 24-bit immediate, matching how original_source/kernel/syscall.c's
// sys_get_num reaches into the trapping instruction for its syscall number.
func svcWord(imm uint32) []byte {
	word := 0xEF000000 | (imm & 0x00FFFFFF)
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], word)
	return b[:]
}

// primeSVC starts a process off a minimal ELF, maps a scratch page at
// 0x9000, writes an SVC instruction carrying num into it, and points
// Trap.PC just past it so Dispatch's decodeSVCNumber reads it back.
func primeSVC(t *testing.T, h *testHarness, num uint32) *proc.Process {
	t.Helper()
	img := buildMinimalELF(0x8000, 0x8000, []byte{0, 0, 0, 0})
	path := "/init-" + strconv.Itoa(int(num))
	h.writeFile(t, path, img)
	p, err := h.tbl.CreateInit(h.root, []byte(path), []string{"init"})
	if err != 0 {
		t.Fatalf("CreateInit: %v", err)
	}
	const codeVA = uintptr(0x20000)
	if aerr := p.AS.UserAlloc(codeVA, int(page.Size), defs.User|defs.Read|defs.Write|defs.Exec); aerr != 0 {
		t.Fatalf("UserAlloc scratch: %v", aerr)
	}
	if cerr := p.AS.UserCopyOut(codeVA, svcWord(num)); cerr != 0 {
		t.Fatalf("UserCopyOut svc word: %v", cerr)
	}
	p.Trap.PC = uint32(codeVA) + 4
	return p
}

func TestDispatchGetpidGetppid(t *testing.T) {
	h := newHarness(t)
	p := primeSVC(t, h, SYS_GETPID)
	Dispatch(h.sys, p)
	if int32(p.Trap.R0) != int32(p.Pid) {
		t.Fatalf("GETPID r0 = %d, want %d", int32(p.Trap.R0), p.Pid)
	}

	p2 := primeSVC(t, h, SYS_GETPPID)
	Dispatch(h.sys, p2)
	if int32(p2.Trap.R0) != int32(p2.Pid) {
		t.Fatalf("GETPPID with no parent r0 = %d, want own pid %d", int32(p2.Trap.R0), p2.Pid)
	}
}

func TestDispatchUnknownSyscallReturnsENOSYS(t *testing.T) {
	h := newHarness(t)
	p := primeSVC(t, h, 200)
	Dispatch(h.sys, p)
	if int32(p.Trap.R0) != int32(-defs.ENOSYS) {
		t.Fatalf("unknown syscall r0 = %d, want %d", int32(p.Trap.R0), int32(-defs.ENOSYS))
	}
}

func TestDispatchForkThenWaitThenExit(t *testing.T) {
	h := newHarness(t)
	parent := primeSVC(t, h, SYS_FORK)
	Dispatch(h.sys, parent)
	childPid := int32(parent.Trap.R0)
	if childPid <= 0 {
		t.Fatalf("FORK r0 = %d, want a positive child pid", childPid)
	}
	if len(parent.Children) != 1 {
		t.Fatalf("parent has %d children, want 1", len(parent.Children))
	}
	child := parent.Children[0]
	if int32(child.Pid) != childPid {
		t.Fatalf("child.Pid = %d, want %d", child.Pid, childPid)
	}

	// EXIT the child directly through Dispatch.
	child.Trap.R0 = 7 // exit status argument
	primeSVCOn(t, child, SYS_EXIT)
	Dispatch(h.sys, child)

	// WAIT from the parent should reap it and report status 7.
	var statBuf uintptr = 0x21000
	if aerr := parent.AS.UserAlloc(statBuf, int(page.Size), defs.User|defs.Read|defs.Write); aerr != 0 {
		t.Fatalf("UserAlloc statBuf: %v", aerr)
	}
	primeSVCOn(t, parent, SYS_WAIT)
	parent.Trap.R1 = uint32(statBuf)
	Dispatch(h.sys, parent)
	if int32(parent.Trap.R0) != childPid {
		t.Fatalf("WAIT r0 = %d, want child pid %d", int32(parent.Trap.R0), childPid)
	}
	var got [4]byte
	if cerr := parent.AS.UserCopyIn(got[:], statBuf); cerr != 0 {
		t.Fatalf("UserCopyIn status: %v", cerr)
	}
	if int32(binary.LittleEndian.Uint32(got[:])) != 7 {
		t.Fatalf("wait status = %d, want 7", int32(binary.LittleEndian.Uint32(got[:])))
	}
}

// primeSVCOn writes an SVC(num) word into a process's already-mapped
// scratch page at 0x20000 and repoints Trap.PC at it, for a process
// primeSVC already set up once (SYS_EXIT and SYS_WAIT run in sequence on
// the same processes, so the original scratch page is reused here rather
// than mapped twice).
func primeSVCOn(t *testing.T, p *proc.Process, num uint32) {
	t.Helper()
	const codeVA = uintptr(0x20000)
	if cerr := p.AS.UserCopyOut(codeVA, svcWord(num)); cerr != 0 {
		t.Fatalf("UserCopyOut svc word: %v", cerr)
	}
	p.Trap.PC = uint32(codeVA) + 4
}

func TestDispatchOpenWriteReadClose(t *testing.T) {
	h := newHarness(t)
	p := primeSVC(t, h, SYS_OPEN)

	const pathVA = uintptr(0x22000)
	if aerr := p.AS.UserAlloc(pathVA, int(page.Size), defs.User|defs.Read|defs.Write); aerr != 0 {
		t.Fatalf("UserAlloc pathVA: %v", aerr)
	}
	pathStr := append([]byte("/greeting"), 0)
	if cerr := p.AS.UserCopyOut(pathVA, pathStr); cerr != 0 {
		t.Fatalf("UserCopyOut path: %v", cerr)
	}
	p.Trap.R0 = uint32(pathVA)
	p.Trap.R1 = defs.O_RDWR | defs.O_CREAT
	p.Trap.R2 = 0644
	Dispatch(h.sys, p)
	fd := int32(p.Trap.R0)
	if fd < 0 {
		t.Fatalf("OPEN r0 = %d, want a non-negative fd", fd)
	}

	const bufVA = uintptr(0x23000)
	if aerr := p.AS.UserAlloc(bufVA, int(page.Size), defs.User|defs.Read|defs.Write); aerr != 0 {
		t.Fatalf("UserAlloc bufVA: %v", aerr)
	}
	msg := []byte("hello")
	if cerr := p.AS.UserCopyOut(bufVA, msg); cerr != 0 {
		t.Fatalf("UserCopyOut msg: %v", cerr)
	}

	primeSVCOn(t, p, SYS_WRITE)
	p.Trap.R0 = uint32(fd)
	p.Trap.R1 = uint32(bufVA)
	p.Trap.R2 = uint32(len(msg))
	Dispatch(h.sys, p)
	if int32(p.Trap.R0) != int32(len(msg)) {
		t.Fatalf("WRITE r0 = %d, want %d", int32(p.Trap.R0), len(msg))
	}

	primeSVCOn(t, p, SYS_CLOSE)
	p.Trap.R0 = uint32(fd)
	Dispatch(h.sys, p)
	if int32(p.Trap.R0) != 0 {
		t.Fatalf("CLOSE r0 = %d, want 0", int32(p.Trap.R0))
	}

	// Reopen read-only and READ the bytes back.
	primeSVCOn(t, p, SYS_OPEN)
	p.Trap.R0 = uint32(pathVA)
	p.Trap.R1 = defs.O_RDONLY
	p.Trap.R2 = 0
	Dispatch(h.sys, p)
	fd2 := int32(p.Trap.R0)
	if fd2 < 0 {
		t.Fatalf("reopen r0 = %d, want a non-negative fd", fd2)
	}

	primeSVCOn(t, p, SYS_READ)
	p.Trap.R0 = uint32(fd2)
	p.Trap.R1 = uint32(bufVA)
	p.Trap.R2 = uint32(len(msg))
	Dispatch(h.sys, p)
	if int32(p.Trap.R0) != int32(len(msg)) {
		t.Fatalf("READ r0 = %d, want %d", int32(p.Trap.R0), len(msg))
	}
	got := make([]byte, len(msg))
	if cerr := p.AS.UserCopyIn(got, bufVA); cerr != 0 {
		t.Fatalf("UserCopyIn: %v", cerr)
	}
	if string(got) != "hello" {
		t.Fatalf("read back %q, want %q", got, "hello")
	}
}

func TestDispatchUnameFillsStaticIdentity(t *testing.T) {
	h := newHarness(t)
	p := primeSVC(t, h, SYS_UNAME)
	const bufVA = uintptr(0x24000)
	if aerr := p.AS.UserAlloc(bufVA, int(page.Size), defs.User|defs.Read|defs.Write); aerr != 0 {
		t.Fatalf("UserAlloc: %v", aerr)
	}
	p.Trap.R0 = uint32(bufVA)
	Dispatch(h.sys, p)
	if int32(p.Trap.R0) != 0 {
		t.Fatalf("UNAME r0 = %d, want 0", int32(p.Trap.R0))
	}
	got := make([]byte, UtsnameSize)
	if cerr := p.AS.UserCopyIn(got, bufVA); cerr != 0 {
		t.Fatalf("UserCopyIn: %v", cerr)
	}
	if string(got[:len(DefaultUtsname.Sysname)]) != DefaultUtsname.Sysname {
		t.Fatalf("uname sysname = %q, want prefix %q", got[:utsFieldLen], DefaultUtsname.Sysname)
	}
}

func TestDispatchSbrkGrowsThenRejectsShrinkBelowBase(t *testing.T) {
	h := newHarness(t)
	p := primeSVC(t, h, SYS_SBRK)
	p.Trap.R0 = uint32(int32(int(page.Size)))
	Dispatch(h.sys, p)
	oldBrk := int32(p.Trap.R0)
	if oldBrk <= 0 {
		t.Fatalf("SBRK growth r0 = %d, want the prior positive break", oldBrk)
	}

	primeSVCOn(t, p, SYS_SBRK)
	p.Trap.R0 = uint32(int32(-(oldBrk + int32(page.Size) + 1)))
	Dispatch(h.sys, p)
	if int32(p.Trap.R0) != int32(-defs.EINVAL) {
		t.Fatalf("SBRK shrink below base r0 = %d, want %d", int32(p.Trap.R0), int32(-defs.EINVAL))
	}
}

func TestDispatchSbrkSecondGrowPreservesEarlierHeapWrite(t *testing.T) {
	h := newHarness(t)
	p := primeSVC(t, h, SYS_SBRK)
	p.Trap.R0 = uint32(int32(10))
	Dispatch(h.sys, p)
	base := uintptr(int32(p.Trap.R0))
	if int32(base) <= 0 {
		t.Fatalf("first SBRK(10) r0 = %d, want the prior positive break", int32(base))
	}

	if cerr := p.AS.UserCopyOut(base, []byte{0xAB}); cerr != 0 {
		t.Fatalf("writing heap byte: %v", cerr)
	}

	primeSVCOn(t, p, SYS_SBRK)
	p.Trap.R0 = uint32(int32(10))
	Dispatch(h.sys, p)
	if int32(p.Trap.R0) != int32(base)+10 {
		t.Fatalf("second SBRK(10) r0 = %d, want %d", int32(p.Trap.R0), int32(base)+10)
	}

	var got [1]byte
	if cerr := p.AS.UserCopyIn(got[:], base); cerr != 0 {
		t.Fatalf("reading heap byte back: %v", cerr)
	}
	if got[0] != 0xAB {
		t.Fatalf("heap byte after second sbrk = %#x, want 0xAB (second grow must not re-zero the shared partial page)", got[0])
	}
}

func TestDispatchTimeReadsClock(t *testing.T) {
	h := newHarness(t)
	p := primeSVC(t, h, SYS_TIME)
	Dispatch(h.sys, p)
	if int32(p.Trap.R0) != int32(h.clock.t) {
		t.Fatalf("TIME r0 = %d, want %d", int32(p.Trap.R0), h.clock.t)
	}
}

func TestDispatchBadSVCInstructionFaults(t *testing.T) {
	h := newHarness(t)
	img := buildMinimalELF(0x8000, 0x8000, []byte{0, 0, 0, 0})
	h.writeFile(t, "/bad-svc", img)
	p, err := h.tbl.CreateInit(h.root, []byte("/bad-svc"), []string{"init"})
	if err != 0 {
		t.Fatalf("CreateInit: %v", err)
	}
	const codeVA = uintptr(0x20000)
	if aerr := p.AS.UserAlloc(codeVA, int(page.Size), defs.User|defs.Read|defs.Write|defs.Exec); aerr != 0 {
		t.Fatalf("UserAlloc: %v", aerr)
	}
	// A plain MOV r0, r0 (0xE1A00000), not an SVC: decode should reject it.
	var notSVC [4]byte
	binary.LittleEndian.PutUint32(notSVC[:], 0xE1A00000)
	if cerr := p.AS.UserCopyOut(codeVA, notSVC[:]); cerr != 0 {
		t.Fatalf("UserCopyOut: %v", cerr)
	}
	p.Trap.PC = uint32(codeVA) + 4
	Dispatch(h.sys, p)
	if int32(p.Trap.R0) != int32(-defs.EINVAL) {
		t.Fatalf("bad SVC word r0 = %d, want %d", int32(p.Trap.R0), int32(-defs.EINVAL))
	}
}
