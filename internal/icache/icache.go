// Package icache implements the inode cache and pathwalk (spec.md
// §3/§4.4): inode_get returns a referenced handle whose contents are
// lazily loaded on first Lock, and fs_name_lookup/fs_create/fs_link/
// fs_unlink/fs_rmdir/fs_chmod/fs_inode_read/fs_inode_write implement
// standard POSIX semantics on top of it.
//
// There is no dedicated inode-cache file in the teacher repo to port
// directly (its fs/ package only carries blk.go and super.go); this
// package is grounded on the teacher's fs/super.go field-accessor
// style (Superblock_t's fieldr/fieldw over a raw block) for the
// on-disk layout, internal/hashtable (itself a direct port of the
// teacher's hashtable/hashtable.go) for the (dev, inum) index, and
// original_source/kernel/fs.h's direct + single/double/triple
// indirect block addressing scheme (spec.md §6's "EXT2 rev 0" note)
// for InodeRead/InodeWrite's block mapping.
//
// Unlike real EXT2, inodes here are not packed multiple-per-block:
// each inode occupies one whole on-disk block, addressed directly by
// inode number. This core has no existing on-disk image to stay
// byte-compatible with (the disk is entirely synthesized by Format),
// so the packing complexity buys nothing and is dropped as an
// intentional simplification, the same way internal/page drops the
// teacher's per-CPU freelist sharding.
package icache

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/aglotoff/osdev-pbx-a9/internal/bcache"
	"github.com/aglotoff/osdev-pbx-a9/internal/defs"
	"github.com/aglotoff/osdev-pbx-a9/internal/hashtable"
	"github.com/aglotoff/osdev-pbx-a9/internal/kobj"
	"github.com/aglotoff/osdev-pbx-a9/internal/limits"
	"github.com/aglotoff/osdev-pbx-a9/internal/sleeplock"
	"github.com/aglotoff/osdev-pbx-a9/internal/ustr"
	"github.com/aglotoff/osdev-pbx-a9/internal/util"
)

const (
	// NDirect is the number of direct block pointers per inode.
	NDirect = 12
	// PointersPerBlock is how many block-number pointers fit in one
	// BLOCK_SIZE-byte indirect block.
	PointersPerBlock = bcache.BlockSize / 4

	direntSize  = 32
	maxNameLen  = direntSize - 4 - 1
	rootInumber = 1
)

// Inode is one cached on-disk inode (spec.md §3's Inode data model).
// Fields below Mode are only valid once Loaded, which Lock guarantees.
type Inode struct {
	Dev  int
	Inum uint32

	lock sleeplock.Lock
	ref  int32

	Loaded bool
	Mode   uint32
	Nlink  uint16
	Uid    uint32
	Size   uint32
	Mtime  uint32
	Rdev   uint32
	Direct [NDirect]uint32
	Indir1 uint32
	Indir2 uint32
	Indir3 uint32
}

// IsDir reports whether the inode is a directory.
func (ip *Inode) IsDir() bool { return ip.Mode&defs.S_IFMT == defs.S_IFDIR }

// IsDev reports whether the inode is a device special file.
func (ip *Inode) IsDev() bool { return ip.Mode&defs.S_IFMT == defs.S_IFCHR || ip.Mode&defs.S_IFMT == defs.S_IFBLK }

type key struct {
	dev  int
	inum uint32
}

func hashKey(k key) uint32 {
	return uint32(k.dev)*2654435761 + k.inum
}

// Superblock records the on-disk layout Format lays out and Mount
// reads back.
type Superblock struct {
	InodeCount     uint32
	DataBlockCount uint32
	IMapBlock      uint32
	BMapBlock      uint32
	InodeTableBase uint32
	DataBase       uint32
}

const superblockBlock = 0

func (sb *Superblock) encode() []byte {
	buf := make([]byte, bcache.BlockSize)
	binary.LittleEndian.PutUint32(buf[0:4], sb.InodeCount)
	binary.LittleEndian.PutUint32(buf[4:8], sb.DataBlockCount)
	binary.LittleEndian.PutUint32(buf[8:12], sb.IMapBlock)
	binary.LittleEndian.PutUint32(buf[12:16], sb.BMapBlock)
	binary.LittleEndian.PutUint32(buf[16:20], sb.InodeTableBase)
	binary.LittleEndian.PutUint32(buf[20:24], sb.DataBase)
	return buf
}

func decodeSuperblock(buf []byte) Superblock {
	return Superblock{
		InodeCount:     binary.LittleEndian.Uint32(buf[0:4]),
		DataBlockCount: binary.LittleEndian.Uint32(buf[4:8]),
		IMapBlock:      binary.LittleEndian.Uint32(buf[8:12]),
		BMapBlock:      binary.LittleEndian.Uint32(buf[12:16]),
		InodeTableBase: binary.LittleEndian.Uint32(buf[16:20]),
		DataBase:       binary.LittleEndian.Uint32(buf[20:24]),
	}
}

// Cache is the inode cache for one mounted filesystem.
type Cache struct {
	bc     *bcache.Cache
	dev    int
	sb     Superblock
	vnodes *limits.Atomic

	mu    sync.Mutex
	index *hashtable.Table[key, *Inode]
	pool  *kobj.Pool[Inode]

	now func() uint32
}

// Format initializes a fresh filesystem image of inodeCount inodes and
// dataBlockCount data blocks on dev, creating the root directory.
func Format(bc *bcache.Cache, dev int, inodeCount, dataBlockCount int) {
	sb := Superblock{
		InodeCount:     uint32(inodeCount),
		DataBlockCount: uint32(dataBlockCount),
		IMapBlock:      1,
		BMapBlock:      2,
		InodeTableBase: 3,
		DataBase:       uint32(3 + inodeCount),
	}

	b, _ := bc.Read(dev, superblockBlock)
	copy(b.Data[:], sb.encode())
	bc.Write(b)
	bc.Release(b)

	imap, _ := bc.Read(dev, int(sb.IMapBlock))
	clear(imap.Data[:])
	setBit(imap.Data[:], 0)
	setBit(imap.Data[:], rootInumber)
	bc.Write(imap)
	bc.Release(imap)

	bmap, _ := bc.Read(dev, int(sb.BMapBlock))
	clear(bmap.Data[:])
	bc.Write(bmap)
	bc.Release(bmap)

	c := &Cache{bc: bc, dev: dev, sb: sb, now: defaultNow}
	root := &Inode{Dev: dev, Inum: rootInumber, Mode: defs.S_IFDIR | 0755, Nlink: 2, Loaded: true}
	blk, err := c.allocBlock()
	if err != 0 {
		panic("icache: Format: out of data blocks for root directory")
	}
	root.Direct[0] = blk
	root.Size = bcache.BlockSize
	c.writeDirent(root, 0, ".", rootInumber)
	c.writeDirent(root, 1, "..", rootInumber)
	c.writeInodeLocked(root)
}

func defaultNow() uint32 { return uint32(time.Now().Unix()) }

// Mount opens the filesystem image already laid down by Format.
func Mount(bc *bcache.Cache, dev int, budget *limits.Atomic) *Cache {
	b, _ := bc.Read(dev, superblockBlock)
	sb := decodeSuperblock(b.Data[:])
	bc.Release(b)
	return &Cache{
		bc:     bc,
		dev:    dev,
		sb:     sb,
		vnodes: budget,
		index:  hashtable.New[key, *Inode](64, hashKey),
		pool:   kobj.NewPool[Inode](int(sb.InodeCount)),
		now:    defaultNow,
	}
}

// Root returns a referenced handle to the root directory inode.
func (c *Cache) Root() (*Inode, defs.Err_t) {
	return c.Get(rootInumber)
}

// Get returns a referenced handle for inum, inserting a fresh
// not-yet-loaded cache entry if none exists.
func (c *Cache) Get(inum uint32) (*Inode, defs.Err_t) {
	k := key{c.dev, inum}

	c.mu.Lock()
	if ip, ok := c.index.Get(k); ok {
		ip.ref++
		c.mu.Unlock()
		return ip, 0
	}
	c.mu.Unlock()

	if c.vnodes != nil && !c.vnodes.Take(1) {
		return nil, -defs.ENOHEAP
	}
	ip := c.pool.Alloc()
	if ip == nil {
		if c.vnodes != nil {
			c.vnodes.Give(1)
		}
		return nil, -defs.ENOHEAP
	}
	ip.Dev = c.dev
	ip.Inum = inum
	ip.ref = 1

	c.mu.Lock()
	if existing, ok := c.index.Get(k); ok {
		// Lost a race with a concurrent Get; use the winner's entry.
		existing.ref++
		c.mu.Unlock()
		c.pool.Free(ip)
		if c.vnodes != nil {
			c.vnodes.Give(1)
		}
		return existing, 0
	}
	c.index.Set(k, ip)
	c.mu.Unlock()
	return ip, 0
}

// Put drops a reference. At zero, the entry is evicted immediately:
// spec.md mandates retention-until-eviction for the buffer cache but
// says nothing equivalent for inodes, so this cache trades
// across-close caching for a simpler "no refs, no cache slot" policy.
func (c *Cache) Put(ip *Inode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ip.ref--
	if ip.ref < 0 {
		panic("icache: Put of an unreferenced inode")
	}
	if ip.ref == 0 {
		c.index.Del(key{ip.Dev, ip.Inum})
		c.pool.Free(ip)
		if c.vnodes != nil {
			c.vnodes.Give(1)
		}
	}
}

// bumpRef adds a reference to an inode the caller already holds one
// for, used when a second independent owner (e.g. a pathwalk) needs to
// Put it separately from the caller's own handle.
func (c *Cache) bumpRef(ip *Inode) {
	c.mu.Lock()
	ip.ref++
	c.mu.Unlock()
}

// Lock acquires ip's sleep-lock, lazily loading its on-disk contents
// on first acquisition.
func (c *Cache) Lock(ip *Inode) {
	ip.lock.Acquire()
	if !ip.Loaded {
		c.readInodeLocked(ip)
		ip.Loaded = true
	}
}

// Unlock releases ip's sleep-lock.
func (c *Cache) Unlock(ip *Inode) {
	ip.lock.Release()
}

func (c *Cache) inodeBlock(inum uint32) int {
	return int(c.sb.InodeTableBase + inum)
}

func (c *Cache) readInodeLocked(ip *Inode) {
	b, _ := c.bc.Read(ip.Dev, c.inodeBlock(ip.Inum))
	defer c.bc.Release(b)
	d := b.Data[:]
	ip.Mode = binary.LittleEndian.Uint32(d[0:4])
	ip.Nlink = binary.LittleEndian.Uint16(d[4:6])
	ip.Uid = binary.LittleEndian.Uint32(d[8:12])
	ip.Size = binary.LittleEndian.Uint32(d[12:16])
	ip.Mtime = binary.LittleEndian.Uint32(d[16:20])
	ip.Rdev = binary.LittleEndian.Uint32(d[20:24])
	for i := 0; i < NDirect; i++ {
		ip.Direct[i] = binary.LittleEndian.Uint32(d[24+4*i : 28+4*i])
	}
	off := 24 + 4*NDirect
	ip.Indir1 = binary.LittleEndian.Uint32(d[off : off+4])
	ip.Indir2 = binary.LittleEndian.Uint32(d[off+4 : off+8])
	ip.Indir3 = binary.LittleEndian.Uint32(d[off+8 : off+12])
}

// writeInodeLocked persists ip's in-memory fields. Caller must hold
// ip's sleep-lock (or, for Format's bootstrap inode, be the sole
// owner of a not-yet-published Inode).
func (c *Cache) writeInodeLocked(ip *Inode) {
	b, _ := c.bc.Read(ip.Dev, c.inodeBlock(ip.Inum))
	defer c.bc.Release(b)
	d := b.Data[:]
	binary.LittleEndian.PutUint32(d[0:4], ip.Mode)
	binary.LittleEndian.PutUint16(d[4:6], ip.Nlink)
	binary.LittleEndian.PutUint32(d[8:12], ip.Uid)
	binary.LittleEndian.PutUint32(d[12:16], ip.Size)
	binary.LittleEndian.PutUint32(d[16:20], ip.Mtime)
	binary.LittleEndian.PutUint32(d[20:24], ip.Rdev)
	for i := 0; i < NDirect; i++ {
		binary.LittleEndian.PutUint32(d[24+4*i:28+4*i], ip.Direct[i])
	}
	off := 24 + 4*NDirect
	binary.LittleEndian.PutUint32(d[off:off+4], ip.Indir1)
	binary.LittleEndian.PutUint32(d[off+4:off+8], ip.Indir2)
	binary.LittleEndian.PutUint32(d[off+8:off+12], ip.Indir3)
	c.bc.Write(b)
}

func clear(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func testBit(bitmap []byte, n int) bool {
	return bitmap[n/8]&(1<<uint(n%8)) != 0
}

func setBit(bitmap []byte, n int) {
	bitmap[n/8] |= 1 << uint(n%8)
}

func clearBit(bitmap []byte, n int) {
	bitmap[n/8] &^= 1 << uint(n%8)
}

// allocBlock finds and marks the first free data block, returning its
// absolute block number.
func (c *Cache) allocBlock() (uint32, defs.Err_t) {
	b, _ := c.bc.Read(c.dev, int(c.sb.BMapBlock))
	defer c.bc.Release(b)
	for i := 0; i < int(c.sb.DataBlockCount); i++ {
		if !testBit(b.Data[:], i) {
			setBit(b.Data[:], i)
			c.bc.Write(b)
			return c.sb.DataBase + uint32(i), 0
		}
	}
	return 0, -defs.ENOMEM
}

func (c *Cache) freeBlock(blockno uint32) {
	b, _ := c.bc.Read(c.dev, int(c.sb.BMapBlock))
	defer c.bc.Release(b)
	clearBit(b.Data[:], int(blockno-c.sb.DataBase))
	c.bc.Write(b)
}

func (c *Cache) allocInode() (uint32, defs.Err_t) {
	b, _ := c.bc.Read(c.dev, int(c.sb.IMapBlock))
	defer c.bc.Release(b)
	for i := 2; i < int(c.sb.InodeCount); i++ { // 0 reserved, 1 is root
		if !testBit(b.Data[:], i) {
			setBit(b.Data[:], i)
			c.bc.Write(b)
			return uint32(i), 0
		}
	}
	return 0, -defs.ENOMEM
}

func (c *Cache) freeInode(inum uint32) {
	b, _ := c.bc.Read(c.dev, int(c.sb.IMapBlock))
	defer c.bc.Release(b)
	clearBit(b.Data[:], int(inum))
	c.bc.Write(b)
}

// blockForOffset resolves the file block index into an absolute device
// block number, allocating intermediate and leaf blocks as needed when
// alloc is true.
func (c *Cache) blockForOffset(ip *Inode, fileBlock int, alloc bool) (uint32, defs.Err_t) {
	if fileBlock < NDirect {
		if ip.Direct[fileBlock] == 0 {
			if !alloc {
				return 0, 0
			}
			blk, err := c.allocBlock()
			if err != 0 {
				return 0, err
			}
			ip.Direct[fileBlock] = blk
		}
		return ip.Direct[fileBlock], 0
	}
	fileBlock -= NDirect

	tiers := []struct {
		ptr   *uint32
		depth int
	}{
		{&ip.Indir1, 1},
		{&ip.Indir2, 2},
		{&ip.Indir3, 3},
	}
	for _, tier := range tiers {
		span := 1
		for i := 0; i < tier.depth; i++ {
			span *= PointersPerBlock
		}
		if fileBlock < span {
			return c.walkIndirect(ip, tier.ptr, fileBlock, tier.depth, alloc)
		}
		fileBlock -= span
	}
	return 0, -defs.EINVAL
}

// walkIndirect descends depth levels of indirect blocks rooted at
// *root to find the block number for index, allocating blocks that
// don't exist yet when alloc is true.
func (c *Cache) walkIndirect(ip *Inode, root *uint32, index, depth int, alloc bool) (uint32, defs.Err_t) {
	blockno := *root
	if blockno == 0 {
		if !alloc {
			return 0, 0
		}
		blk, err := c.allocBlock()
		if err != 0 {
			return 0, err
		}
		*root = blk
		blockno = blk
		b, _ := c.bc.Read(ip.Dev, int(blk))
		clear(b.Data[:])
		c.bc.Write(b)
		c.bc.Release(b)
	}

	for d := depth; d > 0; d-- {
		span := 1
		for i := 0; i < d-1; i++ {
			span *= PointersPerBlock
		}
		slot := index / span
		index -= slot * span

		b, _ := c.bc.Read(ip.Dev, int(blockno))
		next := binary.LittleEndian.Uint32(b.Data[4*slot : 4*slot+4])
		if next == 0 {
			if !alloc {
				c.bc.Release(b)
				return 0, 0
			}
			blk, err := c.allocBlock()
			if err != 0 {
				c.bc.Release(b)
				return 0, err
			}
			next = blk
			binary.LittleEndian.PutUint32(b.Data[4*slot:4*slot+4], next)
			c.bc.Write(b)
			if d > 1 {
				zb, _ := c.bc.Read(ip.Dev, int(next))
				clear(zb.Data[:])
				c.bc.Write(zb)
				c.bc.Release(zb)
			}
		}
		c.bc.Release(b)
		blockno = next
	}
	return blockno, 0
}

// InodeRead reads up to len(dst) bytes starting at off through the
// buffer cache (spec.md §4.4's fs_inode_read). ip must be locked.
func (c *Cache) InodeRead(ip *Inode, dst []byte, off int) (int, defs.Err_t) {
	if off >= int(ip.Size) {
		return 0, 0
	}
	n := len(dst)
	if off+n > int(ip.Size) {
		n = int(ip.Size) - off
	}
	total := 0
	for total < n {
		fileBlock := (off + total) / bcache.BlockSize
		blockOff := (off + total) % bcache.BlockSize
		blockno, err := c.blockForOffset(ip, fileBlock, false)
		if err != 0 {
			return total, err
		}
		chunk := util.Min(bcache.BlockSize-blockOff, n-total)
		if blockno == 0 {
			clear(dst[total : total+chunk])
		} else {
			b, _ := c.bc.Read(ip.Dev, int(blockno))
			copy(dst[total:total+chunk], b.Data[blockOff:blockOff+chunk])
			c.bc.Release(b)
		}
		total += chunk
	}
	return total, 0
}

// InodeWrite writes len(src) bytes at off, growing the file and
// allocating blocks as needed, and updates size/mtime (spec.md
// §4.4's fs_inode_write). ip must be locked.
func (c *Cache) InodeWrite(ip *Inode, src []byte, off int) (int, defs.Err_t) {
	total := 0
	n := len(src)
	for total < n {
		fileBlock := (off + total) / bcache.BlockSize
		blockOff := (off + total) % bcache.BlockSize
		blockno, err := c.blockForOffset(ip, fileBlock, true)
		if err != 0 {
			return total, err
		}
		chunk := util.Min(bcache.BlockSize-blockOff, n-total)
		b, _ := c.bc.Read(ip.Dev, int(blockno))
		copy(b.Data[blockOff:blockOff+chunk], src[total:total+chunk])
		c.bc.Write(b)
		c.bc.Release(b)
		total += chunk
	}
	if off+total > int(ip.Size) {
		ip.Size = uint32(off + total)
	}
	ip.Mtime = c.now()
	c.writeInodeLocked(ip)
	return total, 0
}

func encodeDirent(name string, inum uint32) []byte {
	buf := make([]byte, direntSize)
	binary.LittleEndian.PutUint32(buf[0:4], inum)
	n := len(name)
	if n > maxNameLen {
		n = maxNameLen
	}
	buf[4] = byte(n)
	copy(buf[5:5+n], name)
	return buf
}

func decodeDirent(buf []byte) (inum uint32, name string) {
	inum = binary.LittleEndian.Uint32(buf[0:4])
	n := int(buf[4])
	if n > maxNameLen {
		n = maxNameLen
	}
	return inum, string(buf[5 : 5+n])
}

// writeDirent writes one directory entry at slot index (used by
// Format to bootstrap the root directory before it is cache-managed).
func (c *Cache) writeDirent(ip *Inode, index int, name string, inum uint32) {
	blockno := ip.Direct[index*direntSize/bcache.BlockSize]
	off := (index * direntSize) % bcache.BlockSize
	b, _ := c.bc.Read(ip.Dev, int(blockno))
	copy(b.Data[off:off+direntSize], encodeDirent(name, inum))
	c.bc.Write(b)
	c.bc.Release(b)
}

// dirLookup scans dir's entries for name, which must already be
// locked and loaded.
func (c *Cache) dirLookup(dir *Inode, name ustr.Ustr) (uint32, bool) {
	buf := make([]byte, direntSize)
	nentries := int(dir.Size) / direntSize
	for i := 0; i < nentries; i++ {
		if _, err := c.InodeRead(dir, buf, i*direntSize); err != 0 {
			return 0, false
		}
		inum, n := decodeDirent(buf)
		if inum != 0 && ustr.Ustr(n).Eq(name) {
			return inum, true
		}
	}
	return 0, false
}

// dirAdd appends a new entry, reusing a deleted (inum==0) slot if one
// exists.
func (c *Cache) dirAdd(dir *Inode, name ustr.Ustr, inum uint32) defs.Err_t {
	buf := make([]byte, direntSize)
	nentries := int(dir.Size) / direntSize
	slot := nentries
	for i := 0; i < nentries; i++ {
		if _, err := c.InodeRead(dir, buf, i*direntSize); err != 0 {
			return err
		}
		existingInum, _ := decodeDirent(buf)
		if existingInum == 0 {
			slot = i
			break
		}
	}
	rec := encodeDirent(name.String(), inum)
	_, err := c.InodeWrite(dir, rec, slot*direntSize)
	return err
}

// dirRemove clears the entry for name, reporting ENOENT if absent.
func (c *Cache) dirRemove(dir *Inode, name ustr.Ustr) defs.Err_t {
	buf := make([]byte, direntSize)
	nentries := int(dir.Size) / direntSize
	for i := 0; i < nentries; i++ {
		if _, err := c.InodeRead(dir, buf, i*direntSize); err != 0 {
			return err
		}
		inum, n := decodeDirent(buf)
		if inum != 0 && ustr.Ustr(n).Eq(name) {
			zero := make([]byte, direntSize)
			_, err := c.InodeWrite(dir, zero, i*direntSize)
			return err
		}
	}
	return -defs.ENOENT
}

func (c *Cache) dirIsEmpty(dir *Inode) bool {
	buf := make([]byte, direntSize)
	nentries := int(dir.Size) / direntSize
	for i := 0; i < nentries; i++ {
		if _, err := c.InodeRead(dir, buf, i*direntSize); err != 0 {
			return false
		}
		inum, n := decodeDirent(buf)
		if inum == 0 {
			continue
		}
		if !(ustr.Ustr(n).IsDot() || ustr.Ustr(n).IsDotDot()) {
			return false
		}
	}
	return true
}

// NameLookup resolves path (spec.md §4.4's fs_name_lookup), relative to
// cwd unless path is absolute, in which case it resolves relative to
// root. Neither cwd nor root is consumed; the returned inode is a
// fresh reference the caller must Put.
func (c *Cache) NameLookup(root, cwd *Inode, path ustr.Ustr) (*Inode, defs.Err_t) {
	cur := cwd
	if path.IsAbsolute() {
		cur = root
	}
	c.bumpRef(cur) // local walk owns its own reference, released below
	rest := path
	for {
		var comp ustr.Ustr
		var ok bool
		comp, rest, ok = rest.Split()
		if !ok {
			return cur, 0
		}
		if len(comp) > maxNameLen {
			c.Put(cur)
			return nil, -defs.ENAMETOOLONG
		}
		c.Lock(cur)
		if !cur.IsDir() {
			c.Unlock(cur)
			c.Put(cur)
			return nil, -defs.ENOTDIR
		}
		inum, found := c.dirLookup(cur, comp)
		c.Unlock(cur)
		if !found {
			c.Put(cur)
			return nil, -defs.ENOENT
		}
		next, err := c.Get(inum)
		c.Put(cur)
		if err != 0 {
			return nil, err
		}
		cur = next
	}
}

// LookupParent resolves every path component but the last, returning
// the containing directory (locked by the caller's own subsequent
// Lock) and the final component name. Used by the file layer's Open
// to implement O_CREAT: it needs the parent directory to create into
// even when the final component doesn't exist yet.
func (c *Cache) LookupParent(root, cwd *Inode, path ustr.Ustr) (*Inode, ustr.Ustr, defs.Err_t) {
	dir, file := splitPath(path)
	if len(dir) == 0 {
		if path.IsAbsolute() {
			c.bumpRef(root)
			return root, file, 0
		}
		c.bumpRef(cwd)
		return cwd, file, 0
	}
	parent, err := c.NameLookup(root, cwd, dir)
	if err != 0 {
		return nil, nil, err
	}
	return parent, file, 0
}

// splitPath splits path into its containing directory and final
// component, e.g. "/a/b/c" -> ("/a/b", "c"), "c" -> ("", "c").
func splitPath(path ustr.Ustr) (dir, base ustr.Ustr) {
	i := len(path)
	for i > 0 && path[i-1] == '/' {
		i--
	}
	path = path[:i]
	slash := -1
	for j := len(path) - 1; j >= 0; j-- {
		if path[j] == '/' {
			slash = j
			break
		}
	}
	if slash < 0 {
		return nil, path
	}
	if slash == 0 {
		return ustr.Root, path[slash+1:]
	}
	return path[:slash], path[slash+1:]
}

// Create implements fs_create: allocates a fresh inode of the given
// mode/rdev and links it into dir under name, failing with EEXIST if
// name is already present. dir must be locked by the caller.
func (c *Cache) Create(dir *Inode, name ustr.Ustr, mode uint32, rdev uint32) (*Inode, defs.Err_t) {
	if len(name) > maxNameLen {
		return nil, -defs.ENAMETOOLONG
	}
	if _, found := c.dirLookup(dir, name); found {
		return nil, -defs.EEXIST
	}

	inum, err := c.allocInode()
	if err != 0 {
		return nil, err
	}
	ip, err := c.Get(inum)
	if err != 0 {
		c.freeInode(inum)
		return nil, err
	}
	c.Lock(ip)
	ip.Mode = mode
	ip.Nlink = 1
	ip.Rdev = rdev
	ip.Mtime = c.now()
	if ip.IsDir() {
		ip.Nlink = 2
		c.writeInodeLocked(ip)
		c.dirAdd(ip, ustr.Ustr("."), inum)
		c.dirAdd(ip, ustr.Ustr(".."), dir.Inum)
		dir.Nlink++
		c.writeInodeLocked(dir)
	} else {
		c.writeInodeLocked(ip)
	}
	c.Unlock(ip)

	if err := c.dirAdd(dir, name, inum); err != 0 {
		c.Put(ip)
		return nil, err
	}
	return ip, 0
}

// Link implements fs_link: adds name in dir pointing at target,
// refusing directories. Both dir and target must be unlocked on entry
// (Link takes target's lock itself to bump Nlink).
func (c *Cache) Link(dir *Inode, name ustr.Ustr, target *Inode) defs.Err_t {
	c.Lock(target)
	isDir := target.IsDir()
	if isDir {
		c.Unlock(target)
		// No EPERM in this core's errno set (spec.md §7); EISDIR is
		// the closest stand-in for "operation not permitted on a
		// directory" and is what a caller inspecting errno would see.
		return -defs.EISDIR
	}
	target.Nlink++
	c.writeInodeLocked(target)
	c.Unlock(target)

	if err := c.dirAdd(dir, name, target.Inum); err != 0 {
		c.Lock(target)
		target.Nlink--
		c.writeInodeLocked(target)
		c.Unlock(target)
		return err
	}
	return 0
}

// Unlink implements fs_unlink: removes name from dir and drops the
// target's link count, freeing it once both Nlink and ref reach zero.
func (c *Cache) Unlink(dir *Inode, name ustr.Ustr) defs.Err_t {
	inum, found := c.dirLookup(dir, name)
	if !found {
		return -defs.ENOENT
	}
	target, err := c.Get(inum)
	if err != 0 {
		return err
	}
	c.Lock(target)
	if target.IsDir() {
		c.Unlock(target)
		c.Put(target)
		return -defs.EISDIR
	}
	if err := c.dirRemove(dir, name); err != 0 {
		c.Unlock(target)
		c.Put(target)
		return err
	}
	target.Nlink--
	freed := target.Nlink == 0
	c.writeInodeLocked(target)
	c.Unlock(target)
	if freed {
		c.truncate(target)
		c.freeInode(target.Inum)
	}
	c.Put(target)
	return 0
}

// Rmdir implements fs_rmdir: removes an empty subdirectory, refusing
// non-empty ones with ENOTEMPTY.
func (c *Cache) Rmdir(dir *Inode, name ustr.Ustr) defs.Err_t {
	if name.IsDot() || name.IsDotDot() {
		return -defs.EINVAL
	}
	inum, found := c.dirLookup(dir, name)
	if !found {
		return -defs.ENOENT
	}
	target, err := c.Get(inum)
	if err != 0 {
		return err
	}
	c.Lock(target)
	if !target.IsDir() {
		c.Unlock(target)
		c.Put(target)
		return -defs.ENOTDIR
	}
	if !c.dirIsEmpty(target) {
		c.Unlock(target)
		c.Put(target)
		return -defs.ENOTEMPTY
	}
	if err := c.dirRemove(dir, name); err != 0 {
		c.Unlock(target)
		c.Put(target)
		return err
	}
	target.Nlink = 0
	c.writeInodeLocked(target)
	c.Unlock(target)
	dir.Nlink--
	c.writeInodeLocked(dir)

	c.truncate(target)
	c.freeInode(target.Inum)
	c.Put(target)
	return 0
}

// Chmod implements fs_chmod: replaces the permission bits, preserving
// the file-type bits in S_IFMT. ip must be locked by the caller.
func (c *Cache) Chmod(ip *Inode, mode uint32) defs.Err_t {
	ip.Mode = (ip.Mode & defs.S_IFMT) | (mode &^ defs.S_IFMT)
	c.writeInodeLocked(ip)
	return 0
}

// Truncate frees every data block owned by ip and resets its size to
// zero (the O_TRUNC half of spec.md §4.5's file_open). ip must be
// locked by the caller.
func (c *Cache) Truncate(ip *Inode) {
	c.truncate(ip)
	c.writeInodeLocked(ip)
}

// truncate frees every data block owned by ip (direct and indirect),
// used once Nlink and ref both reach zero.
func (c *Cache) truncate(ip *Inode) {
	for i := 0; i < NDirect; i++ {
		if ip.Direct[i] != 0 {
			c.freeBlock(ip.Direct[i])
			ip.Direct[i] = 0
		}
	}
	c.freeIndirectChain(ip.Indir1, 1)
	c.freeIndirectChain(ip.Indir2, 2)
	c.freeIndirectChain(ip.Indir3, 3)
	ip.Indir1, ip.Indir2, ip.Indir3 = 0, 0, 0
	ip.Size = 0
}

func (c *Cache) freeIndirectChain(blockno uint32, depth int) {
	if blockno == 0 {
		return
	}
	if depth > 1 {
		b, _ := c.bc.Read(c.dev, int(blockno))
		var ptrs [PointersPerBlock]uint32
		for i := range ptrs {
			ptrs[i] = binary.LittleEndian.Uint32(b.Data[4*i : 4*i+4])
		}
		c.bc.Release(b)
		for _, p := range ptrs {
			c.freeIndirectChain(p, depth-1)
		}
	}
	c.freeBlock(blockno)
}
