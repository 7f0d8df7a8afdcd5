// spec.md §8's end-to-end scenarios, each built straight from the raw
// syscall sequence the property names: a process is seeded with a
// trivial ELF image via internal/proc.Table.CreateInit, then driven one
// SVC at a time through runSyscall exactly like a real user-mode task
// would trap into the kernel.
package main

import (
	"encoding/binary"

	"github.com/aglotoff/osdev-pbx-a9/internal/defs"
	"github.com/aglotoff/osdev-pbx-a9/internal/page"
	"github.com/aglotoff/osdev-pbx-a9/internal/proc"
	"github.com/aglotoff/osdev-pbx-a9/internal/sched"
	"github.com/aglotoff/osdev-pbx-a9/internal/trap"
)

// bootProcess seeds path with a minimal ELF image and creates the init
// process running it, the common first step of every scenario.
func (m *machine) bootProcess(path string) (*proc.Process, error) {
	img := buildMinimalELF(0x8000, 0x8000, []byte{0, 0, 0, 0})
	m.writeFile(path, img)
	p, err := m.tbl.CreateInit(m.root, []byte(path), []string{"init"})
	if err != 0 {
		return nil, errf("CreateInit(%s): %v", path, err)
	}
	return p, nil
}

// mapPage maps one page at va with perm in p's address space.
func mapPage(p *proc.Process, va uintptr, perm defs.Perm) error {
	if err := p.AS.UserAlloc(va, int(page.Size), perm); err != 0 {
		return errf("UserAlloc(%#x): %v", va, err)
	}
	return nil
}

// scenarioForkCOW is spec.md §8's "Fork/COW": parent allocates one
// writable user page, writes 0xAA; forks; child reads the page (sees
// 0xAA, no physical copy yet — observed via the frame's ref_count==2);
// child writes 0x55; child reads 0x55, parent still reads 0xAA;
// ref_count on the original frame returns to 1 once a second frame is
// live under the child.
func scenarioForkCOW(m *machine, cpu *sched.CPU) error {
	p, err := m.bootProcess("/cow-init")
	if err != nil {
		return err
	}
	const dataVA = uintptr(0x30000)
	if err := mapPage(p, dataVA, defs.User|defs.Read|defs.Write); err != nil {
		return err
	}
	if cerr := p.AS.UserCopyOut(dataVA, []byte{0xAA}); cerr != 0 {
		return errf("writing 0xAA: %v", cerr)
	}
	origFrame, _, ok := p.AS.Lookup(dataVA)
	if !ok {
		return errf("parent page vanished before fork")
	}
	if rc := m.pages.Refcount(origFrame); rc != 1 {
		return errf("refcount before fork = %d, want 1", rc)
	}

	childPid := m.runSyscall(cpu, p, trap.SYS_FORK)
	if childPid <= 0 {
		return errf("FORK returned %d", childPid)
	}
	if len(p.Children) != 1 {
		return errf("parent has %d children, want 1", len(p.Children))
	}
	child := p.Children[0]

	sharedFrame, _, ok := child.AS.Lookup(dataVA)
	if !ok || sharedFrame != origFrame {
		return errf("child's page (handle %v) isn't the parent's shared frame %v", sharedFrame, origFrame)
	}
	if rc := m.pages.Refcount(origFrame); rc != 2 {
		return errf("refcount after fork = %d, want 2 (shared COW)", rc)
	}

	var got [1]byte
	if cerr := child.AS.UserCopyIn(got[:], dataVA); cerr != 0 {
		return errf("child read before write: %v", cerr)
	}
	if got[0] != 0xAA {
		return errf("child read %#x before writing, want 0xAA", got[0])
	}

	// A store instruction to a COW page would fault on real hardware;
	// this software model has no trap path to deliver that fault (see
	// internal/vm's UserCheckBuf doc comment), so the write syscall's
	// own UserCheckBuf(..., Write) call is what breaks COW here.
	if cerr := child.AS.UserCheckBuf(dataVA, 1, defs.Write); cerr != 0 {
		return errf("breaking COW: %v", cerr)
	}
	if cerr := child.AS.UserCopyOut(dataVA, []byte{0x55}); cerr != 0 {
		return errf("child write 0x55: %v", cerr)
	}

	if cerr := child.AS.UserCopyIn(got[:], dataVA); cerr != 0 {
		return errf("child read after write: %v", cerr)
	}
	if got[0] != 0x55 {
		return errf("child reads %#x after writing, want 0x55", got[0])
	}
	if cerr := p.AS.UserCopyIn(got[:], dataVA); cerr != 0 {
		return errf("parent read after child's write: %v", cerr)
	}
	if got[0] != 0xAA {
		return errf("parent reads %#x after child's write, want unperturbed 0xAA", got[0])
	}

	if rc := m.pages.Refcount(origFrame); rc != 1 {
		return errf("original frame refcount after COW break = %d, want 1", rc)
	}
	newFrame, _, _ := child.AS.Lookup(dataVA)
	if rc := m.pages.Refcount(newFrame); rc != 1 {
		return errf("child's new frame refcount = %d, want 1", rc)
	}
	return nil
}

// scenarioOpenReadWrite is spec.md §8's "Open/read/write cycle":
// MKNOD a regular file, write 5 bytes, close, reopen read-only, read
// them back, and check STAT's reported size.
func scenarioOpenReadWrite(m *machine, cpu *sched.CPU) error {
	p, err := m.bootProcess("/rw-init")
	if err != nil {
		return err
	}
	const pathVA = uintptr(0x30000)
	const bufVA = uintptr(0x31000)
	if err := mapPage(p, pathVA, defs.User|defs.Read|defs.Write); err != nil {
		return err
	}
	if err := mapPage(p, bufVA, defs.User|defs.Read|defs.Write); err != nil {
		return err
	}
	path := append([]byte("/f"), 0)
	if cerr := p.AS.UserCopyOut(pathVA, path); cerr != 0 {
		return errf("writing path: %v", cerr)
	}

	p.Trap.R0 = uint32(pathVA)
	p.Trap.R1 = defs.S_IFREG | 0644
	p.Trap.R2 = 0
	if r := m.runSyscall(cpu, p, trap.SYS_MKNOD); r != 0 {
		return errf("MKNOD = %d, want 0", r)
	}

	p.Trap.R0 = uint32(pathVA)
	p.Trap.R1 = defs.O_WRONLY
	p.Trap.R2 = 0
	fd := m.runSyscall(cpu, p, trap.SYS_OPEN)
	if fd < 0 {
		return errf("OPEN(O_WRONLY) = %d", fd)
	}

	msg := []byte("hello")
	if cerr := p.AS.UserCopyOut(bufVA, msg); cerr != 0 {
		return errf("writing msg: %v", cerr)
	}
	p.Trap.R0 = uint32(fd)
	p.Trap.R1 = uint32(bufVA)
	p.Trap.R2 = uint32(len(msg))
	if n := m.runSyscall(cpu, p, trap.SYS_WRITE); n != int32(len(msg)) {
		return errf("WRITE = %d, want %d", n, len(msg))
	}

	p.Trap.R0 = uint32(fd)
	if r := m.runSyscall(cpu, p, trap.SYS_CLOSE); r != 0 {
		return errf("CLOSE = %d, want 0", r)
	}

	p.Trap.R0 = uint32(pathVA)
	p.Trap.R1 = defs.O_RDONLY
	p.Trap.R2 = 0
	fd2 := m.runSyscall(cpu, p, trap.SYS_OPEN)
	if fd2 < 0 {
		return errf("reopen O_RDONLY = %d", fd2)
	}

	p.Trap.R0 = uint32(fd2)
	p.Trap.R1 = uint32(bufVA)
	p.Trap.R2 = uint32(len(msg))
	if n := m.runSyscall(cpu, p, trap.SYS_READ); n != int32(len(msg)) {
		return errf("READ = %d, want %d", n, len(msg))
	}
	got := make([]byte, len(msg))
	if cerr := p.AS.UserCopyIn(got, bufVA); cerr != 0 {
		return errf("UserCopyIn: %v", cerr)
	}
	if string(got) != "hello" {
		return errf("read back %q, want %q", got, "hello")
	}

	const statVA = uintptr(0x32000)
	if err := mapPage(p, statVA, defs.User|defs.Read|defs.Write); err != nil {
		return err
	}
	p.Trap.R0 = uint32(fd2)
	p.Trap.R1 = uint32(statVA)
	if r := m.runSyscall(cpu, p, trap.SYS_STAT); r != 0 {
		return errf("STAT = %d, want 0", r)
	}
	var st [36]byte
	if cerr := p.AS.UserCopyIn(st[:], statVA); cerr != 0 {
		return errf("reading stat buf: %v", cerr)
	}
	if size := binary.LittleEndian.Uint32(st[12:16]); size != uint32(len(msg)) {
		return errf("STAT size = %d, want %d", size, len(msg))
	}
	return nil
}

// scenarioEFAULT is spec.md §8's "EFAULT propagation": WRITE(fd,
// KERNEL_BASE-1, 2) returns -EFAULT and consumes no bytes.
func scenarioEFAULT(m *machine, cpu *sched.CPU) error {
	p, err := m.bootProcess("/efault-init")
	if err != nil {
		return err
	}
	const pathVA = uintptr(0x30000)
	if err := mapPage(p, pathVA, defs.User|defs.Read|defs.Write); err != nil {
		return err
	}
	path := append([]byte("/f"), 0)
	if cerr := p.AS.UserCopyOut(pathVA, path); cerr != 0 {
		return errf("writing path: %v", cerr)
	}
	p.Trap.R0 = uint32(pathVA)
	p.Trap.R1 = defs.O_WRONLY | defs.O_CREAT
	p.Trap.R2 = 0644
	fd := m.runSyscall(cpu, p, trap.SYS_OPEN)
	if fd < 0 {
		return errf("OPEN = %d", fd)
	}

	p.Trap.R0 = uint32(fd)
	p.Trap.R1 = uint32(defs.KernelBase - 1)
	p.Trap.R2 = 2
	if r := m.runSyscall(cpu, p, trap.SYS_WRITE); r != int32(-defs.EFAULT) {
		return errf("WRITE(KERNEL_BASE-1) = %d, want %d", r, int32(-defs.EFAULT))
	}
	return nil
}

// scenarioExec is spec.md §8's "Exec replaces image": a child EXECs a
// second image; the parent's WAIT reports that child's pid and exit
// status.
func scenarioExec(m *machine, cpu *sched.CPU) error {
	p, err := m.bootProcess("/exec-parent")
	if err != nil {
		return err
	}
	img := buildMinimalELF(0x8000, 0x8000, []byte{0, 0, 0, 0})
	m.writeFile("/exec-child", img)

	childPid := m.runSyscall(cpu, p, trap.SYS_FORK)
	if childPid <= 0 {
		return errf("FORK = %d", childPid)
	}
	child := p.Children[0]

	const pathVA = uintptr(0x30000)
	const argvVA = uintptr(0x31000) // a freshly zeroed page: one NUL word is a valid empty argv/envp array
	if err := mapPage(child, pathVA, defs.User|defs.Read|defs.Write); err != nil {
		return err
	}
	if err := mapPage(child, argvVA, defs.User|defs.Read); err != nil {
		return err
	}
	path := append([]byte("/exec-child"), 0)
	if cerr := child.AS.UserCopyOut(pathVA, path); cerr != 0 {
		return errf("writing path: %v", cerr)
	}
	child.Trap.R0 = uint32(pathVA)
	child.Trap.R1 = uint32(argvVA)
	child.Trap.R2 = uint32(argvVA)
	m.runSyscall(cpu, child, trap.SYS_EXEC)
	if child.Trap.PC != 0x8000 {
		return errf("EXEC didn't land at the new image's entry point (PC=%#x)", child.Trap.PC)
	}

	child.Trap.R0 = 7
	if r := m.runSyscall(cpu, child, trap.SYS_EXIT); r != 0 {
		return errf("EXIT dispatch returned %d (EXIT itself has no return path)", r)
	}

	const statBufVA = uintptr(0x31000)
	if err := mapPage(p, statBufVA, defs.User|defs.Read|defs.Write); err != nil {
		return err
	}
	p.Trap.R0 = uint32(0)
	p.Trap.R1 = uint32(statBufVA)
	pid := m.runSyscall(cpu, p, trap.SYS_WAIT)
	if pid != childPid {
		return errf("WAIT = %d, want child pid %d", pid, childPid)
	}
	var status [4]byte
	if cerr := p.AS.UserCopyIn(status[:], statBufVA); cerr != 0 {
		return errf("reading status: %v", cerr)
	}
	if st := int32(binary.LittleEndian.Uint32(status[:])); st != 7 {
		return errf("WAIT status = %d, want 7", st)
	}
	return nil
}

// scenarioEMFILE is spec.md §8's "EMFILE": after OPEN_MAX successful
// OPENs, the next OPEN returns -EMFILE; CLOSE of any earlier fd allows
// the next OPEN to succeed.
func scenarioEMFILE(m *machine, cpu *sched.CPU) error {
	p, err := m.bootProcess("/emfile-init")
	if err != nil {
		return err
	}
	const pathVA = uintptr(0x30000)
	if err := mapPage(p, pathVA, defs.User|defs.Read|defs.Write); err != nil {
		return err
	}
	path := append([]byte("/f"), 0)
	if cerr := p.AS.UserCopyOut(pathVA, path); cerr != 0 {
		return errf("writing path: %v", cerr)
	}
	p.Trap.R0 = uint32(pathVA)
	p.Trap.R1 = defs.O_WRONLY | defs.O_CREAT
	p.Trap.R2 = 0644
	// MKNOD creates /f, which the O_RDONLY OPEN loop below (no O_CREAT)
	// needs to exist; its return value is not checked here.
	m.runSyscall(cpu, p, trap.SYS_MKNOD)

	open := func() int32 {
		p.Trap.R0 = uint32(pathVA)
		p.Trap.R1 = defs.O_RDONLY
		p.Trap.R2 = 0
		return m.runSyscall(cpu, p, trap.SYS_OPEN)
	}

	var fds []int32
	for i := 0; i < defs.OpenMax; i++ {
		fd := open()
		if fd < 0 {
			return errf("OPEN #%d = %d, want a non-negative fd", i, fd)
		}
		fds = append(fds, fd)
	}
	if r := open(); r != int32(-defs.EMFILE) {
		return errf("OPEN past OpenMax = %d, want %d", r, int32(-defs.EMFILE))
	}

	p.Trap.R0 = uint32(fds[0])
	if r := m.runSyscall(cpu, p, trap.SYS_CLOSE); r != 0 {
		return errf("CLOSE = %d, want 0", r)
	}
	if fd := open(); fd < 0 {
		return errf("OPEN after CLOSE = %d, want a non-negative fd", fd)
	}
	return nil
}

// scenarioRmdirNonEmpty is spec.md §8's "RMDIR of non-empty directory":
// returns -ENOTEMPTY; after UNLINK of all entries, RMDIR succeeds.
func scenarioRmdirNonEmpty(m *machine, cpu *sched.CPU) error {
	p, err := m.bootProcess("/rmdir-init")
	if err != nil {
		return err
	}
	const dirPathVA = uintptr(0x30000)
	const filePathVA = uintptr(0x31000)
	if err := mapPage(p, dirPathVA, defs.User|defs.Read|defs.Write); err != nil {
		return err
	}
	if err := mapPage(p, filePathVA, defs.User|defs.Read|defs.Write); err != nil {
		return err
	}

	dirPath := append([]byte("/d"), 0)
	if cerr := p.AS.UserCopyOut(dirPathVA, dirPath); cerr != 0 {
		return errf("writing dir path: %v", cerr)
	}
	p.Trap.R0 = uint32(dirPathVA)
	p.Trap.R1 = defs.S_IFDIR | 0755
	p.Trap.R2 = 0
	if r := m.runSyscall(cpu, p, trap.SYS_MKNOD); r != 0 {
		return errf("MKNOD dir = %d, want 0", r)
	}

	filePath := append([]byte("/d/f"), 0)
	if cerr := p.AS.UserCopyOut(filePathVA, filePath); cerr != 0 {
		return errf("writing file path: %v", cerr)
	}
	p.Trap.R0 = uint32(filePathVA)
	p.Trap.R1 = defs.S_IFREG | 0644
	p.Trap.R2 = 0
	if r := m.runSyscall(cpu, p, trap.SYS_MKNOD); r != 0 {
		return errf("MKNOD file = %d, want 0", r)
	}

	p.Trap.R0 = uint32(dirPathVA)
	if r := m.runSyscall(cpu, p, trap.SYS_RMDIR); r != int32(-defs.ENOTEMPTY) {
		return errf("RMDIR non-empty = %d, want %d", r, int32(-defs.ENOTEMPTY))
	}

	p.Trap.R0 = uint32(filePathVA)
	if r := m.runSyscall(cpu, p, trap.SYS_UNLINK); r != 0 {
		return errf("UNLINK = %d, want 0", r)
	}

	p.Trap.R0 = uint32(dirPathVA)
	if r := m.runSyscall(cpu, p, trap.SYS_RMDIR); r != 0 {
		return errf("RMDIR after UNLINK = %d, want 0", r)
	}
	return nil
}
