// Device stand-ins for spec.md §1's "deliberately out of scope (treated
// as external collaborators)" drivers: the UART console, MMC/SD, and a
// statistics pseudo-file. The kernel core only needs the file.Device
// seam (Read/Write over []byte); what sits behind it for a host-side
// demonstration is as simple as a real ARMv7-A board's drivers are
// complex, and none of that complexity belongs in internal/.
package main

import (
	"fmt"
	"io"

	"github.com/aglotoff/osdev-pbx-a9/internal/defs"
)

// consoleDevice is D_CONSOLE: writes go to the host's stdout, reads
// always report EOF (this demonstration never drives a task that reads
// from its controlling terminal).
type consoleDevice struct {
	out io.Writer
}

func (c *consoleDevice) Read(buf []byte) (int, defs.Err_t) {
	return 0, 0
}

func (c *consoleDevice) Write(buf []byte) (int, defs.Err_t) {
	n, err := c.out.Write(buf)
	if err != nil {
		return n, -defs.EINVAL
	}
	return n, 0
}

// devnullDevice is D_DEVNULL: writes vanish, reads report EOF.
type devnullDevice struct{}

func (devnullDevice) Read(buf []byte) (int, defs.Err_t)  { return 0, 0 }
func (devnullDevice) Write(buf []byte) (int, defs.Err_t) { return len(buf), 0 }

// rawdiskDevice is D_RAWDISK: a thin pass-through to the same Disk the
// buffer cache reads through, for tools that want to bypass the
// buffer/inode caches entirely. Every read and write goes to the fixed
// block blockno, and the caller's buffer length is reported as the
// count transferred; file offsets play no part — this demonstration
// never exercises it directly, but it's wired so a future scenario could.
type rawdiskDevice struct {
	disk    diskBlockRW
	dev     int
	blockno int
}

type diskBlockRW interface {
	ReadBlock(dev, blockno int, buf []byte)
	WriteBlock(dev, blockno int, buf []byte)
}

func (r *rawdiskDevice) Read(buf []byte) (int, defs.Err_t) {
	r.disk.ReadBlock(r.dev, r.blockno, buf)
	return len(buf), 0
}

func (r *rawdiskDevice) Write(buf []byte) (int, defs.Err_t) {
	r.disk.WriteBlock(r.dev, r.blockno, buf)
	return len(buf), 0
}

// statDevice is D_STAT: a read-only snapshot of a few machine counters,
// formatted as text the way /proc-style pseudo-files on a real UNIX do.
type statDevice struct {
	snapshot func() string
}

func (s *statDevice) Read(buf []byte) (int, defs.Err_t) {
	text := []byte(s.snapshot())
	n := copy(buf, text)
	return n, 0
}

func (s *statDevice) Write(buf []byte) (int, defs.Err_t) {
	return 0, -defs.EINVAL
}

func formatProcCount(n int) string {
	return fmt.Sprintf("procs=%d\n", n)
}
