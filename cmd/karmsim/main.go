// Command karmsim is the host-side machine driver: it wires
// internal/page, internal/vm, internal/bcache, internal/icache,
// internal/file, internal/proc, internal/trap, and internal/sched into
// a runnable simulated machine and drives spec.md §8's end-to-end
// scenarios (fork/COW, open/read/write, EFAULT, exec, EMFILE,
// rmdir-non-empty) as an executable demonstration, printing a pass/fail
// line per scenario through internal/klog and exiting non-zero if any
// scenario fails.
//
// Grounded on the teacher's own pattern of a small package main driver
// per concern (teacher_copy/kernel/chentry.go): this one assembles the
// kernel core instead of patching an ELF header, but it's the same
// shape — a standalone tool living in cmd/, built from the library
// packages proper.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/aglotoff/osdev-pbx-a9/internal/bcache"
	"github.com/aglotoff/osdev-pbx-a9/internal/defs"
	"github.com/aglotoff/osdev-pbx-a9/internal/file"
	"github.com/aglotoff/osdev-pbx-a9/internal/icache"
	"github.com/aglotoff/osdev-pbx-a9/internal/klog"
	"github.com/aglotoff/osdev-pbx-a9/internal/limits"
	"github.com/aglotoff/osdev-pbx-a9/internal/page"
	"github.com/aglotoff/osdev-pbx-a9/internal/proc"
	"github.com/aglotoff/osdev-pbx-a9/internal/profdev"
	"github.com/aglotoff/osdev-pbx-a9/internal/sched"
	"github.com/aglotoff/osdev-pbx-a9/internal/trap"
	"github.com/aglotoff/osdev-pbx-a9/internal/ustr"
	"github.com/aglotoff/osdev-pbx-a9/internal/vm"
)

// ramDisk is the in-memory Disk every scenario mounts its filesystem
// on; a real board would drive this off MMC/SD, which spec.md §1 lists
// as an external collaborator this core only consumes through
// internal/bcache.Disk.
type ramDisk struct {
	blocks map[int][bcache.BlockSize]byte
}

func newRAMDisk() *ramDisk { return &ramDisk{blocks: make(map[int][bcache.BlockSize]byte)} }

func (d *ramDisk) ReadBlock(dev, blockno int, buf []byte) {
	b := d.blocks[blockno]
	copy(buf, b[:])
}

func (d *ramDisk) WriteBlock(dev, blockno int, buf []byte) {
	var b [bcache.BlockSize]byte
	copy(b[:], buf)
	d.blocks[blockno] = b
}

// wallClock implements internal/trap.Clock off the host's own clock;
// spec.md §1 lists the RTC as an external collaborator, and a running
// process on a real build would read an actual battery-backed RTC
// instead.
type wallClock struct{}

func (wallClock) Now() int64 { return time.Now().Unix() }

// machine bundles one complete, freshly booted simulated system: every
// scenario gets its own so that one scenario's state never leaks into
// the next.
type machine struct {
	disk  *ramDisk
	bc    *bcache.Cache
	ic    *icache.Cache
	root  *icache.Inode
	pages *page.Allocator
	tbl   *proc.Table
	sys   *trap.System
	sched *sched.Scheduler
	prof  *profdev.Device
}

func bootMachine() *machine {
	disk := newRAMDisk()
	bc := bcache.NewCache(disk, 256)
	icache.Format(bc, 0, 256, 1024)
	ic := icache.Mount(bc, 0, limits.NewAtomic(4096))
	root, err := ic.Root()
	if err != 0 {
		klog.Panicf("mounting root: %v", err)
	}

	pages := page.NewAllocator(8 * 1024 * 1024)
	l2pool := vm.NewL2Pool(64)
	tbl := proc.NewTable(pages, l2pool, ic, 64)

	prof := profdev.New()
	devices := file.Devices{
		defs.D_CONSOLE: &consoleDevice{out: os.Stdout},
		defs.D_DEVNULL: devnullDevice{},
		defs.D_RAWDISK: &rawdiskDevice{disk: disk, dev: 0, blockno: 0},
		defs.D_STAT:    &statDevice{snapshot: func() string { return formatProcCount(tbl.Count()) }},
		defs.D_PROF:    prof,
	}

	sys := &trap.System{
		Table:   tbl,
		Ic:      ic,
		Root:    root,
		Devices: devices,
		Clock:   wallClock{},
		Uname:   trap.DefaultUtsname,
	}

	return &machine{
		disk: disk, bc: bc, ic: ic, root: root, pages: pages,
		tbl: tbl, sys: sys, sched: sched.New(1), prof: prof,
	}
}

// writeFile creates path directly through internal/file, bypassing
// syscalls, to seed a scenario's filesystem (spec.md §8's scenarios
// start from an ELF image or data file already present).
func (m *machine) writeFile(path string, data []byte) {
	f, err := file.Open(m.ic, m.root, m.root, ustr.Ustr(path), defs.O_WRONLY|defs.O_CREAT, 0755, nil)
	if err != 0 {
		klog.Panicf("seeding %s: %v", path, err)
	}
	if _, werr := f.Write(data); werr != 0 {
		klog.Panicf("writing %s: %v", path, werr)
	}
	f.Close()
}

// svcWord encodes an unconditional ARM SVC instruction carrying num as
// its 24-bit immediate.
func svcWord(num uint32) []byte {
	word := 0xEF000000 | (num & 0x00FFFFFF)
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], word)
	return b[:]
}

// scratchVA is the fixed scratch address every process in this
// demonstration maps one page at, to hold the next SVC instruction to
// dispatch; each process has its own address space, so reusing the
// same VA across processes is safe.
const scratchVA = uintptr(0x20000)

// runSyscall primes p's trap frame with an SVC(num) instruction at
// scratchVA (mapping the page on first use) and runs it through
// internal/trap.Dispatch on cpu's scheduler context, returning the
// signed result left in R0.
func (m *machine) runSyscall(cpu *sched.CPU, p *proc.Process, num uint32) int32 {
	if _, _, ok := p.AS.Lookup(scratchVA); !ok {
		if aerr := p.AS.UserAlloc(scratchVA, int(page.Size), defs.User|defs.Read|defs.Write|defs.Exec); aerr != 0 {
			klog.Panicf("mapping scratch page: %v", aerr)
		}
	}
	if cerr := p.AS.UserCopyOut(scratchVA, svcWord(num)); cerr != 0 {
		klog.Panicf("writing svc word: %v", cerr)
	}
	p.Trap.PC = uint32(scratchVA) + 4
	sched.Run(cpu, p, func() {
		trap.Dispatch(m.sys, p)
	})
	return int32(p.Trap.R0)
}

// buildMinimalELF assembles a 32-bit little-endian ARM ET_EXEC image
// with a single PT_LOAD segment, the same hand-rolled encoder
// internal/proc's and internal/trap's own tests use.
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

type scenario struct {
	name string
	run  func(m *machine, cpu *sched.CPU) error
}

var scenarios = []scenario{
	{"fork-cow", scenarioForkCOW},
	{"open-read-write", scenarioOpenReadWrite},
	{"efault", scenarioEFAULT},
	{"exec-replaces-image", scenarioExec},
	{"emfile", scenarioEMFILE},
	{"rmdir-non-empty", scenarioRmdirNonEmpty},
}

func main() {
	klog.Printf("%s booting (%s %s)", trap.DefaultUtsname.Nodename, trap.DefaultUtsname.Sysname, trap.DefaultUtsname.Release)

	failed := false
	for _, s := range scenarios {
		m := bootMachine()
		cpu := m.sched.CPU(0)
		if err := s.run(m, cpu); err != nil {
			klog.Printf("FAIL %-20s %v", s.name, err)
			failed = true
			continue
		}
		klog.Printf("PASS %-20s", s.name)
	}
	if failed {
		os.Exit(1)
	}
}

func errf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
