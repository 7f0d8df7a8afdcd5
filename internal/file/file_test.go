package file

import (
	"bytes"
	"testing"

	"github.com/aglotoff/osdev-pbx-a9/internal/bcache"
	"github.com/aglotoff/osdev-pbx-a9/internal/circbuf"
	"github.com/aglotoff/osdev-pbx-a9/internal/defs"
	"github.com/aglotoff/osdev-pbx-a9/internal/icache"
	"github.com/aglotoff/osdev-pbx-a9/internal/limits"
	"github.com/aglotoff/osdev-pbx-a9/internal/page"
	"github.com/aglotoff/osdev-pbx-a9/internal/stat"
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

func newTestFS(t *testing.T) (*icache.Cache, *icache.Inode) {
	t.Helper()
	disk := &memDisk{blocks: make(map[int][bcache.BlockSize]byte)}
	bc := bcache.NewCache(disk, 32)
	icache.Format(bc, 0, 64, 64)
	ic := icache.Mount(bc, 0, limits.NewAtomic(1000))
	root, err := ic.Root()
	if err != 0 {
		t.Fatalf("Root: %v", err)
	}
	return ic, root
}

func TestOpenCreateWriteReadStat(t *testing.T) {
	ic, root := newTestFS(t)
	defer ic.Put(root)

	f, err := Open(ic, root, root, []byte("/greeting"), defs.O_WRONLY|defs.O_CREAT, 0644, nil)
	if err != 0 {
		t.Fatalf("Open O_CREAT: %v", err)
	}
	n, err := f.Write([]byte("hello"))
	if err != 0 || n != 5 {
		t.Fatalf("Write = (%d, %v)", n, err)
	}
	if err := f.Close(); err != 0 {
		t.Fatalf("Close: %v", err)
	}

	f2, err := Open(ic, root, root, []byte("/greeting"), defs.O_RDONLY, 0, nil)
	if err != 0 {
		t.Fatalf("Open O_RDONLY: %v", err)
	}
	defer f2.Close()
	buf := make([]byte, 5)
	n, err = f2.Read(buf)
	if err != 0 || n != 5 || !bytes.Equal(buf, []byte("hello")) {
		t.Fatalf("Read = (%q, %d, %v)", buf, n, err)
	}

	var st stat.Stat_t
	if err := f2.Stat(&st); err != 0 {
		t.Fatalf("Stat: %v", err)
	}
	if st.Size_ != 5 {
		t.Fatalf("Stat.Size_ = %d, want 5", st.Size_)
	}
}

func TestOpenExclFailsIfExists(t *testing.T) {
	ic, root := newTestFS(t)
	defer ic.Put(root)

	f, err := Open(ic, root, root, []byte("/x"), defs.O_WRONLY|defs.O_CREAT, 0644, nil)
	if err != 0 {
		t.Fatalf("first Open: %v", err)
	}
	f.Close()

	_, err = Open(ic, root, root, []byte("/x"), defs.O_WRONLY|defs.O_CREAT|defs.O_EXCL, 0644, nil)
	if err != -defs.EEXIST {
		t.Fatalf("O_CREAT|O_EXCL on existing file = %v, want -EEXIST", err)
	}
}

func TestOpenNoCreateMissingFileFails(t *testing.T) {
	ic, root := newTestFS(t)
	defer ic.Put(root)

	_, err := Open(ic, root, root, []byte("/missing"), defs.O_RDONLY, 0, nil)
	if err != -defs.ENOENT {
		t.Fatalf("Open of missing file without O_CREAT = %v, want -ENOENT", err)
	}
}

func TestAppendWritesAtEnd(t *testing.T) {
	ic, root := newTestFS(t)
	defer ic.Put(root)

	f, _ := Open(ic, root, root, []byte("/log"), defs.O_WRONLY|defs.O_CREAT, 0644, nil)
	f.Write([]byte("first;"))
	f.Close()

	f2, _ := Open(ic, root, root, []byte("/log"), defs.O_WRONLY|defs.O_APPEND, 0, nil)
	f2.Write([]byte("second;"))
	f2.Close()

	f3, _ := Open(ic, root, root, []byte("/log"), defs.O_RDONLY, 0, nil)
	defer f3.Close()
	buf := make([]byte, 32)
	n, _ := f3.Read(buf)
	if got := string(buf[:n]); got != "first;second;" {
		t.Fatalf("append result = %q, want %q", got, "first;second;")
	}
}

func TestWriteToReadOnlyFdFails(t *testing.T) {
	ic, root := newTestFS(t)
	defer ic.Put(root)

	f, _ := Open(ic, root, root, []byte("/ro"), defs.O_WRONLY|defs.O_CREAT, 0644, nil)
	f.Close()

	f2, _ := Open(ic, root, root, []byte("/ro"), defs.O_RDONLY, 0, nil)
	defer f2.Close()
	if _, err := f2.Write([]byte("nope")); err != -defs.EBADF {
		t.Fatalf("Write on an O_RDONLY fd = %v, want -EBADF", err)
	}
}

func TestPipeFileEnds(t *testing.T) {
	pages := page.NewAllocator(4 * page.Size)
	p, err := circbuf.New(pages)
	if err != 0 {
		t.Fatalf("circbuf.New: %v", err)
	}
	rf := OpenPipeEnd(p, true)
	wf := OpenPipeEnd(p, false)

	n, err := wf.Write([]byte("pipe!"))
	if err != 0 || n != 5 {
		t.Fatalf("pipe Write = (%d, %v)", n, err)
	}
	buf := make([]byte, 5)
	n, err = rf.Read(buf)
	if err != 0 || n != 5 || !bytes.Equal(buf, []byte("pipe!")) {
		t.Fatalf("pipe Read = (%q, %d, %v)", buf, n, err)
	}

	if _, err := rf.Write([]byte("x")); err != -defs.EBADF {
		t.Fatalf("Write on the read end = %v, want -EBADF", err)
	}
	if _, err := wf.Read(buf); err != -defs.EBADF {
		t.Fatalf("Read on the write end = %v, want -EBADF", err)
	}

	wf.Close()
	n, err = rf.Read(buf)
	if n != 0 || err != 0 {
		t.Fatalf("Read after writer closed = (%d, %v), want EOF (0, 0)", n, err)
	}
	rf.Close()
}
