package icache

import (
	"bytes"
	"testing"

	"github.com/aglotoff/osdev-pbx-a9/internal/bcache"
	"github.com/aglotoff/osdev-pbx-a9/internal/defs"
	"github.com/aglotoff/osdev-pbx-a9/internal/limits"
	"github.com/aglotoff/osdev-pbx-a9/internal/ustr"
)

type memDisk struct {
	blocks map[int][bcache.BlockSize]byte
}

func newMemDisk() *memDisk {
	return &memDisk{blocks: make(map[int][bcache.BlockSize]byte)}
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

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	disk := newMemDisk()
	bc := bcache.NewCache(disk, 32)
	Format(bc, 0, 64, 64)
	return Mount(bc, 0, limits.NewAtomic(1000))
}

func TestRootIsDirectory(t *testing.T) {
	c := newTestCache(t)
	root, err := c.Root()
	if err != 0 {
		t.Fatalf("Root: %v", err)
	}
	defer c.Put(root)
	c.Lock(root)
	defer c.Unlock(root)
	if !root.IsDir() {
		t.Fatal("expected root to be a directory")
	}
}

func TestCreateLookupReadWrite(t *testing.T) {
	c := newTestCache(t)
	root, _ := c.Root()
	defer c.Put(root)
	c.Lock(root)
	f, err := c.Create(root, ustr.Ustr("hello"), defs.S_IFREG|0644, 0)
	c.Unlock(root)
	if err != 0 {
		t.Fatalf("Create: %v", err)
	}
	defer c.Put(f)

	c.Lock(f)
	n, err := c.InodeWrite(f, []byte("hello world"), 0)
	c.Unlock(f)
	if err != 0 || n != 11 {
		t.Fatalf("InodeWrite = (%d, %v)", n, err)
	}

	looked, err := c.NameLookup(root, root, ustr.Ustr("hello"))
	if err != 0 {
		t.Fatalf("NameLookup: %v", err)
	}
	defer c.Put(looked)
	if looked.Inum != f.Inum {
		t.Fatalf("NameLookup found inum %d, want %d", looked.Inum, f.Inum)
	}

	c.Lock(looked)
	buf := make([]byte, 11)
	n, err = c.InodeRead(looked, buf, 0)
	c.Unlock(looked)
	if err != 0 || n != 11 || !bytes.Equal(buf, []byte("hello world")) {
		t.Fatalf("InodeRead = (%q, %d, %v)", buf, n, err)
	}
}

func TestCreateExistingNameFails(t *testing.T) {
	c := newTestCache(t)
	root, _ := c.Root()
	defer c.Put(root)
	c.Lock(root)
	f, err := c.Create(root, ustr.Ustr("dup"), defs.S_IFREG|0644, 0)
	if err != 0 {
		t.Fatalf("first Create: %v", err)
	}
	c.Put(f)
	_, err = c.Create(root, ustr.Ustr("dup"), defs.S_IFREG|0644, 0)
	c.Unlock(root)
	if err != -defs.EEXIST {
		t.Fatalf("second Create = %v, want -EEXIST", err)
	}
}

func TestUnlinkRemovesEntry(t *testing.T) {
	c := newTestCache(t)
	root, _ := c.Root()
	defer c.Put(root)
	c.Lock(root)
	f, _ := c.Create(root, ustr.Ustr("gone"), defs.S_IFREG|0644, 0)
	c.Put(f)
	err := c.Unlink(root, ustr.Ustr("gone"))
	c.Unlock(root)
	if err != 0 {
		t.Fatalf("Unlink: %v", err)
	}

	if _, err := c.NameLookup(root, root, ustr.Ustr("gone")); err != -defs.ENOENT {
		t.Fatalf("NameLookup after Unlink = %v, want -ENOENT", err)
	}
}

func TestLinkRefusesDirectory(t *testing.T) {
	c := newTestCache(t)
	root, _ := c.Root()
	defer c.Put(root)
	c.Lock(root)
	dir, err := c.Create(root, ustr.Ustr("sub"), defs.S_IFDIR|0755, 0)
	if err != 0 {
		t.Fatalf("Create dir: %v", err)
	}
	err = c.Link(root, ustr.Ustr("sublink"), dir)
	c.Unlock(root)
	c.Put(dir)
	if err != -defs.EISDIR {
		t.Fatalf("Link of a directory = %v, want -EISDIR", err)
	}
}

func TestRmdirNonEmptyFails(t *testing.T) {
	c := newTestCache(t)
	root, _ := c.Root()
	defer c.Put(root)
	c.Lock(root)
	dir, _ := c.Create(root, ustr.Ustr("sub"), defs.S_IFDIR|0755, 0)
	c.Lock(dir)
	leaf, _ := c.Create(dir, ustr.Ustr("leaf"), defs.S_IFREG|0644, 0)
	c.Put(leaf)
	c.Unlock(dir)
	c.Put(dir)

	err := c.Rmdir(root, ustr.Ustr("sub"))
	if err != -defs.ENOTEMPTY {
		c.Unlock(root)
		t.Fatalf("Rmdir of dir holding one file = %v, want -ENOTEMPTY", err)
	}
	c.Unlock(root)
}

func TestRmdirEmptySucceedsAfterUnlinkingEntries(t *testing.T) {
	c := newTestCache(t)
	root, _ := c.Root()
	defer c.Put(root)
	c.Lock(root)
	dir, err := c.Create(root, ustr.Ustr("sub"), defs.S_IFDIR|0755, 0)
	if err != 0 {
		t.Fatalf("Create: %v", err)
	}
	c.Unlock(root)

	c.Lock(dir)
	file, err := c.Create(dir, ustr.Ustr("leaf"), defs.S_IFREG|0644, 0)
	if err != 0 {
		t.Fatalf("Create leaf: %v", err)
	}
	c.Put(file)
	c.Unlock(dir)
	c.Put(dir)

	c.Lock(root)
	if err := c.Rmdir(root, ustr.Ustr("sub")); err != -defs.ENOTEMPTY {
		c.Unlock(root)
		t.Fatalf("Rmdir with one remaining entry = %v, want -ENOTEMPTY", err)
	}
	c.Unlock(root)

	dir2, _ := c.NameLookup(root, root, ustr.Ustr("sub"))
	c.Lock(dir2)
	if err := c.Unlink(dir2, ustr.Ustr("leaf")); err != 0 {
		c.Unlock(dir2)
		t.Fatalf("Unlink leaf: %v", err)
	}
	c.Unlock(dir2)
	c.Put(dir2)

	c.Lock(root)
	err = c.Rmdir(root, ustr.Ustr("sub"))
	c.Unlock(root)
	if err != 0 {
		t.Fatalf("Rmdir of now-empty dir: %v", err)
	}
}

func TestNameLookupDotAndDotDot(t *testing.T) {
	c := newTestCache(t)
	root, _ := c.Root()
	defer c.Put(root)

	self, err := c.NameLookup(root, root, ustr.Ustr("."))
	if err != 0 {
		t.Fatalf("NameLookup(.): %v", err)
	}
	if self.Inum != root.Inum {
		t.Fatalf("NameLookup(.) = inum %d, want %d", self.Inum, root.Inum)
	}
	c.Put(self)

	parent, err := c.NameLookup(root, root, ustr.Ustr(".."))
	if err != 0 {
		t.Fatalf("NameLookup(..): %v", err)
	}
	if parent.Inum != root.Inum {
		t.Fatalf("root's .. should resolve to itself, got inum %d", parent.Inum)
	}
	c.Put(parent)
}

func TestLookupParentSplitsDirAndBase(t *testing.T) {
	c := newTestCache(t)
	root, _ := c.Root()
	defer c.Put(root)
	c.Lock(root)
	sub, err := c.Create(root, ustr.Ustr("sub"), defs.S_IFDIR|0755, 0)
	c.Unlock(root)
	if err != 0 {
		t.Fatalf("Create: %v", err)
	}
	c.Put(sub)

	dir, base, err := c.LookupParent(root, root, ustr.Ustr("/sub/newfile"))
	if err != 0 {
		t.Fatalf("LookupParent: %v", err)
	}
	defer c.Put(dir)
	if base.String() != "newfile" {
		t.Fatalf("base = %q, want %q", base, "newfile")
	}
	c.Lock(dir)
	isDir := dir.IsDir()
	c.Unlock(dir)
	if !isDir {
		t.Fatal("expected LookupParent's dir to resolve to the sub directory")
	}

	dir2, base2, err := c.LookupParent(root, root, ustr.Ustr("top"))
	if err != 0 {
		t.Fatalf("LookupParent(top): %v", err)
	}
	defer c.Put(dir2)
	if dir2.Inum != root.Inum || base2.String() != "top" {
		t.Fatalf("LookupParent(top) = (inum %d, %q), want (root, \"top\")", dir2.Inum, base2)
	}
}

func TestInodeWriteAcrossManyBlocksUsesIndirect(t *testing.T) {
	c := newTestCache(t)
	root, _ := c.Root()
	defer c.Put(root)
	c.Lock(root)
	f, err := c.Create(root, ustr.Ustr("big"), defs.S_IFREG|0644, 0)
	c.Unlock(root)
	if err != 0 {
		t.Fatalf("Create: %v", err)
	}
	defer c.Put(f)

	// NDirect=12 direct blocks of 1024 bytes each = 12288 bytes; write
	// past that to force allocation through the first indirect block.
	data := bytes.Repeat([]byte{0x7A}, 20*bcache.BlockSize)
	c.Lock(f)
	n, err := c.InodeWrite(f, data, 0)
	c.Unlock(f)
	if err != 0 || n != len(data) {
		t.Fatalf("InodeWrite = (%d, %v)", n, err)
	}

	c.Lock(f)
	got := make([]byte, len(data))
	n, err = c.InodeRead(f, got, 0)
	c.Unlock(f)
	if err != 0 || n != len(data) || !bytes.Equal(got, data) {
		t.Fatalf("InodeRead across indirect blocks mismatched")
	}
}
