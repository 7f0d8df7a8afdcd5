// Package circbuf implements the pipe ring buffer spec.md §4.5
// describes: a fixed-capacity byte ring with backpressure (writer
// sleeps when full, reader sleeps when empty; EOF once every writer
// end has closed).
//
// Adapted from the teacher's circbuf/circbuf.go, whose Circbuf_t is
// explicitly "not safe for concurrent use" and lazily pins a physical
// page via its own mem.Page_i allocator interface. This port drops the
// lazy-allocation dance (Cb_ensure/Cb_init/Cb_init_phys) since a pipe's
// backing page is needed immediately at pipe creation, generalizes the
// backing store from the teacher's Pa_t/mem.Page_i pair to
// internal/page.Allocator/page.Handle, and adds the concurrency the
// teacher's version explicitly does not provide: a sleeplock.Lock
// guarding head/tail plus two sleeplock.Chan wait queues standing in
// for "block on the pipe's wait queue" (spec.md §4.5).
package circbuf

import (
	"github.com/aglotoff/osdev-pbx-a9/internal/defs"
	"github.com/aglotoff/osdev-pbx-a9/internal/page"
	"github.com/aglotoff/osdev-pbx-a9/internal/sleeplock"
)

// Pipe is a fixed-capacity byte ring shared between reader(s) and
// writer(s) of one pipe(2) pair.
type Pipe struct {
	pages *page.Allocator
	frame page.Handle
	buf   []byte

	lock     sleeplock.Lock
	notFull  sleeplock.Chan
	notEmpty sleeplock.Chan

	head, tail, count int

	readers, writers int
}

// New creates a pipe backed by one physical page, with one reader end
// and one writer end already open (the pair pipe(2) hands back).
func New(pages *page.Allocator) (*Pipe, defs.Err_t) {
	frame, ok := pages.AllocOne(0)
	if !ok {
		return nil, -defs.ENOMEM
	}
	p := &Pipe{
		pages:   pages,
		frame:   frame,
		buf:     pages.Page2KVA(frame),
		readers: 1,
		writers: 1,
	}
	return p, 0
}

// AddReader/AddWriter register another open end (dup/fork), bumping
// the count Close* decrements.
func (p *Pipe) AddReader() {
	p.lock.Acquire()
	p.readers++
	p.lock.Release()
}

func (p *Pipe) AddWriter() {
	p.lock.Acquire()
	p.writers++
	p.lock.Release()
}

// CloseReader drops a reader end. Once none remain, blocked writers
// are woken to observe the broken-pipe condition.
func (p *Pipe) CloseReader() {
	p.lock.Acquire()
	p.readers--
	if p.readers < 0 {
		panic("circbuf: close of an already-closed reader end")
	}
	last := p.readers == 0
	p.lock.Release()
	if last {
		p.notFull.WakeupAll()
	}
}

// CloseWriter drops a writer end. Once none remain, blocked readers
// are woken to observe EOF.
func (p *Pipe) CloseWriter() {
	p.lock.Acquire()
	p.writers--
	if p.writers < 0 {
		panic("circbuf: close of an already-closed writer end")
	}
	last := p.writers == 0
	p.lock.Release()
	if last {
		p.notEmpty.WakeupAll()
	}
}

// Destroy releases the pipe's backing page. Both ends must already be
// closed.
func (p *Pipe) Destroy() {
	p.pages.Refdown(p.frame)
}

// Read copies up to len(dst) bytes out of the ring, blocking while the
// ring is empty and at least one writer remains open. Returns (0, 0)
// at EOF (empty ring, no writers left).
func (p *Pipe) Read(dst []byte) (int, defs.Err_t) {
	p.lock.Acquire()
	for p.count == 0 && p.writers > 0 {
		p.notEmpty.Wait(&p.lock)
	}
	if p.count == 0 {
		p.lock.Release()
		return 0, 0
	}
	n := len(dst)
	if n > p.count {
		n = p.count
	}
	for i := 0; i < n; i++ {
		dst[i] = p.buf[(p.tail+i)%len(p.buf)]
	}
	p.tail = (p.tail + n) % len(p.buf)
	p.count -= n
	p.lock.Release()
	p.notFull.WakeupAll()
	return n, 0
}

// Write copies len(src) bytes into the ring, blocking in chunks while
// the ring is full. Returns -EINVAL if no reader end remains open:
// this core's errno set (spec.md §7) has no EPIPE, and EINVAL is the
// closest stand-in for "write target is gone".
func (p *Pipe) Write(src []byte) (int, defs.Err_t) {
	total := 0
	for total < len(src) {
		p.lock.Acquire()
		for p.count == len(p.buf) && p.readers > 0 {
			p.notFull.Wait(&p.lock)
		}
		if p.readers == 0 {
			p.lock.Release()
			return total, -defs.EINVAL
		}
		n := len(p.buf) - p.count
		if n > len(src)-total {
			n = len(src) - total
		}
		for i := 0; i < n; i++ {
			p.buf[(p.head+i)%len(p.buf)] = src[total+i]
		}
		p.head = (p.head + n) % len(p.buf)
		p.count += n
		total += n
		p.lock.Release()
		p.notEmpty.WakeupAll()
	}
	return total, 0
}
