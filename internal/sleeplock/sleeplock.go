// Package sleeplock implements the blocking mutex and wait-queue
// primitive spec.md §4.3/§5 and §9 describe: a lock whose waiter blocks
// by "yielding to the scheduler" rather than spinning, and a channel
// abstraction standing in for the teacher's "sleep on address X" /
// wakeup(X) pattern. In this goroutine-per-task model a blocked
// goroutine is the idiomatic Go substitute for a yielded task (spec.md
// §9's redesign note for this exact component).
package sleeplock

import "sync"

// Lock is a mutex whose Acquire blocks the calling goroutine until the
// lock is free, exactly the spec.md §5 contract ("acquiring a contended
// sleep-lock" is a suspension point). It must never be held across an
// interrupt-disabled region (spec.md §5).
type Lock struct {
	mu   sync.Mutex
	held bool
	cond *sync.Cond
}

func (l *Lock) init() {
	if l.cond == nil {
		l.cond = sync.NewCond(&l.mu)
	}
}

// Acquire blocks until the lock is held by no one else, then takes it.
func (l *Lock) Acquire() {
	l.mu.Lock()
	l.init()
	for l.held {
		l.cond.Wait()
	}
	l.held = true
	l.mu.Unlock()
}

// TryAcquire takes the lock without blocking, reporting success.
func (l *Lock) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.init()
	if l.held {
		return false
	}
	l.held = true
	return true
}

// Release gives up the lock and wakes one waiter.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		panic("sleeplock: release of unheld lock")
	}
	l.held = false
	l.cond.Signal()
}

// Holding reports whether the lock is currently held by anyone. Used only
// for invariant assertions ("Fields are only safe to read after
// locking" in spec.md §3), not for synchronization decisions.
func (l *Lock) Holding() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Chan is a wait channel: an opaque rendezvous point tasks block on and
// are woken from, the direct analogue of the teacher's "sleep(chan,
// lock)" / "wakeup(chan)" pair.
type Chan struct {
	mu   sync.Mutex
	cond *sync.Cond
}

func (c *Chan) init() {
	if c.cond == nil {
		c.cond = sync.NewCond(&c.mu)
	}
}

// Wait releases guard, blocks until Wakeup/WakeupAll is called, then
// reacquires guard before returning — the same contract as condition
// variables guarding a predicate the caller rechecks in a loop.
func (c *Chan) Wait(guard *Lock) {
	c.mu.Lock()
	c.init()
	// Release the caller's sleeplock only after we're registered to be
	// woken, matching the source pattern's atomic "add self to wait
	// queue, then drop the lock" sequencing.
	guard.Release()
	c.cond.Wait()
	c.mu.Unlock()
	guard.Acquire()
}

// Wakeup wakes one task blocked in Wait.
func (c *Chan) Wakeup() {
	c.mu.Lock()
	c.init()
	c.cond.Signal()
	c.mu.Unlock()
}

// WakeupAll wakes every task blocked in Wait, used when a predicate
// multiple waiters could satisfy changes (e.g. a pipe drained to empty
// wakes every blocked writer to recheck space).
func (c *Chan) WakeupAll() {
	c.mu.Lock()
	c.init()
	c.cond.Broadcast()
	c.mu.Unlock()
}
