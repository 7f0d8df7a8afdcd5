// Package limits implements the system-wide resource budgets spec.md
// §3/§9 gesture at ("kernel resource budget exhausted" -> ENOHEAP) so a
// runaway workload fails a syscall instead of growing the cache
// packages without bound.
//
// Ported from the teacher's limits/limits.go Syslimit_t/Sysatomic_t
// pattern, trimmed to the budgets this core's subsystems actually draw
// against: cached inodes (internal/icache) and open pipes
// (internal/circbuf). The teacher's networking-era fields (Arpents,
// Routes, Tcpsegs, Socks) have no component in this core to draw
// against and are dropped rather than carried as dead budget knobs.
package limits

import "sync/atomic"

// Atomic is a budget that can be taken from and given back atomically.
type Atomic struct {
	remaining int64
}

// NewAtomic creates a budget starting at n.
func NewAtomic(n int64) *Atomic {
	return &Atomic{remaining: n}
}

// Take decrements the budget by n, reporting false (and leaving the
// budget unchanged) if that would drive it negative.
func (a *Atomic) Take(n int64) bool {
	if n < 0 {
		panic("limits: negative take")
	}
	if atomic.AddInt64(&a.remaining, -n) >= 0 {
		return true
	}
	atomic.AddInt64(&a.remaining, n)
	return false
}

// Give returns n units to the budget.
func (a *Atomic) Give(n int64) {
	if n < 0 {
		panic("limits: negative give")
	}
	atomic.AddInt64(&a.remaining, n)
}

// Sys holds the system-wide resource budgets this core enforces.
type Sys struct {
	// Vnodes bounds the number of inodes internal/icache may hold
	// cached simultaneously.
	Vnodes *Atomic
	// Pipes bounds the number of concurrently open pipes.
	Pipes *Atomic
}

// Default constructs the default system-wide budget set.
func Default() *Sys {
	return &Sys{
		Vnodes: NewAtomic(20000),
		Pipes:  NewAtomic(1024),
	}
}
