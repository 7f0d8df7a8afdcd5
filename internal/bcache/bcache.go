// Package bcache implements the block-level buffer cache (spec.md
// §3/§4.3): a fixed-capacity LRU cache of BLOCK_SIZE-byte buffers keyed
// by (dev, blockno), each buffer protected by its own sleep-lock.
//
// Grounded on the teacher's fs/blk.go (Bdev_block_t embedding
// sync.Mutex, BlkList_t wrapping container/list for the LRU chain,
// Disk_i as the driver seam) and fs/driver.go, whose ahci_disk_t
// simulates a disk with a plain *os.File for the same reason this core
// has no real AHCI controller to drive off real hardware.
package bcache

import (
	"container/list"
	"sync"

	"github.com/aglotoff/osdev-pbx-a9/internal/defs"
	"github.com/aglotoff/osdev-pbx-a9/internal/sleeplock"
)

// BlockSize is the on-disk block size, per spec.md §4.3 and
// original_source/kernel/include/fs/buf.h's BLOCK_SIZE 1024.
const BlockSize = 1024

// Disk is the block device seam buffered I/O goes through. Calls block
// until the transfer completes, mirroring the teacher's Bdev_block_t.Read/
// Write rather than returning a Go error: a failed block read/write in
// this software model is a fatal condition (no ambient EIO errno exists
// in spec.md §7's set), not one syscalls are expected to recover from.
type Disk interface {
	ReadBlock(dev, blockno int, buf []byte)
	WriteBlock(dev, blockno int, buf []byte)
}

type key struct {
	dev, blockno int
}

// Buffer is one cached disk block (spec.md §3, "Buffer"). Data, valid,
// and dirty are only safe to read once lock is held.
type Buffer struct {
	lock sleeplock.Lock

	Dev     int
	BlockNo int
	Data    [BlockSize]byte

	valid bool
	dirty bool

	ref  int
	elem *list.Element // position in the cache's LRU list, nil while ref > 0
}

// Cache is the fixed-capacity buffer cache. mu guards the index and LRU
// list only; once a Read has located a buffer it drops mu before
// touching the buffer's own sleep-lock, so disk I/O never holds the
// global cache lock (spec.md §4.3's "drop global cache lock").
type Cache struct {
	mu   sync.Mutex
	disk Disk
	cap  int
	bufs map[key]*Buffer
	lru  *list.List // front = most recently released, back = next eviction candidate
}

// NewCache creates a cache of the given buffer capacity over disk.
func NewCache(disk Disk, capacity int) *Cache {
	if capacity <= 0 {
		panic("bcache: capacity must be positive")
	}
	return &Cache{
		disk: disk,
		cap:  capacity,
		bufs: make(map[key]*Buffer),
		lru:  list.New(),
	}
}

// Read returns a referenced, locked buffer for (dev, blockno) whose
// content is guaranteed VALID on return (buf_read): find-or-evict, mark
// in-use, drop the cache lock, then issue a blocking read if the buffer
// wasn't already VALID.
func (c *Cache) Read(dev, blockno int) (*Buffer, defs.Err_t) {
	c.mu.Lock()
	k := key{dev, blockno}
	b, ok := c.bufs[k]
	if !ok {
		var err defs.Err_t
		b, err = c.findOrEvictLocked(k)
		if err != 0 {
			c.mu.Unlock()
			return nil, err
		}
	}
	b.ref++
	if b.elem != nil {
		c.lru.Remove(b.elem)
		b.elem = nil
	}
	c.mu.Unlock()

	b.lock.Acquire()
	if !b.valid {
		c.disk.ReadBlock(dev, blockno, b.Data[:])
		b.valid = true
	}
	return b, 0
}

// findOrEvictLocked returns the buffer for k, reusing an evictable slot
// (ref == 0, not dirty) if the cache is at capacity. Caller holds c.mu.
func (c *Cache) findOrEvictLocked(k key) (*Buffer, defs.Err_t) {
	if len(c.bufs) < c.cap {
		b := &Buffer{Dev: k.dev, BlockNo: k.blockno}
		c.bufs[k] = b
		return b, 0
	}
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		cand := e.Value.(*Buffer)
		if cand.ref == 0 && !cand.dirty {
			delete(c.bufs, key{cand.Dev, cand.BlockNo})
			c.lru.Remove(e)
			cand.Dev, cand.BlockNo = k.dev, k.blockno
			cand.valid = false
			cand.elem = nil
			c.bufs[k] = cand
			return cand, 0
		}
	}
	return nil, -defs.ENOMEM
}

// Write marks buf DIRTY, issues a blocking write, and clears DIRTY on
// completion (buf_write). buf must already be locked by the calling
// task.
func (c *Cache) Write(b *Buffer) {
	if !b.lock.Holding() {
		panic("bcache: Write of an unlocked buffer")
	}
	b.dirty = true
	c.disk.WriteBlock(b.Dev, b.BlockNo, b.Data[:])
	b.dirty = false
}

// Release releases buf's sleep-lock and decrements its reference count;
// at zero the buffer becomes an eviction candidate, moved to the LRU
// list's head (buf_release).
func (c *Cache) Release(b *Buffer) {
	b.lock.Release()

	c.mu.Lock()
	defer c.mu.Unlock()
	b.ref--
	if b.ref < 0 {
		panic("bcache: release of a buffer with no outstanding reference")
	}
	if b.ref == 0 {
		b.elem = c.lru.PushFront(b)
	}
}
