// Package sched implements the scheduler glue spec.md §4/§5 describes:
// one task per process, a per-CPU "current task" pointer, and the
// suspension points a task blocks and resumes through (a contended
// sleep-lock, block I/O, a full/empty pipe, wait(), or a voluntary
// yield).
//
// Grounded on the teacher's per-CPU array pattern (mem/mem.go's
// "percpu [runtime.MAXCPUS]pcpuphys_t" indexed by runtime.CPUHint(), and
// vm/as.go's Cpumap converting CPU ids to APIC ids), reexpressed per
// spec.md §9's redesign note for "global current-task pointer": there is
// no patched runtime here to read a CPU id off MPIDR or supply
// CPUHint/Cpumap, so a *CPU is instead threaded explicitly through the
// call stack from wherever a simulated CPU's run loop picked it up
// (cmd/karmsim's driver loop, which drives a single CPU from its main
// goroutine), standing
// in for "CPU id read from MPIDR" without needing real hardware
// affinity. A task blocking is a goroutine blocking; internal/sleeplock
// already supplies the Lock/Chan primitives a suspension point parks on.
package sched

import (
	"runtime"
	"sync"

	"github.com/aglotoff/osdev-pbx-a9/internal/proc"
	"github.com/aglotoff/osdev-pbx-a9/internal/sleeplock"
)

// CPU is one logical CPU's scheduler context (spec.md §5's "Each CPU has
// a private scheduler context and a current task pointer"). The zero
// value is ready to use.
type CPU struct {
	mu       sync.Mutex
	current  *proc.Process
	irqDepth int
	irqWasOn bool
}

// Current returns the task this CPU is running right now, or nil if
// it's idle. The returned pointer is a snapshot (spec.md §9's "return a
// reference with bounded lifetime"): the caller must not assume it stays
// current once another task is scheduled onto this CPU.
func (c *CPU) Current() *proc.Process {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *CPU) setCurrent(p *proc.Process) {
	c.mu.Lock()
	c.current = p
	c.mu.Unlock()
}

// Scheduler owns one CPU context per logical CPU, up to NCPU (spec.md
// §5's "preemptively multitasked across up to NCPU logical CPUs").
type Scheduler struct {
	cpus []*CPU
}

// New builds a Scheduler with ncpu independent CPU contexts.
func New(ncpu int) *Scheduler {
	s := &Scheduler{cpus: make([]*CPU, ncpu)}
	for i := range s.cpus {
		s.cpus[i] = &CPU{}
	}
	return s
}

// NCPU reports how many logical CPUs this Scheduler manages.
func (s *Scheduler) NCPU() int {
	return len(s.cpus)
}

// CPU returns the id'th logical CPU's context. The caller (typically a
// simulated CPU's own run loop in cmd/karmsim) holds onto this value for
// as long as it "is" that CPU, threading it into every Run/Sleep/
// IRQGuard call the way real ARM code would re-derive it from MPIDR.
func (s *Scheduler) CPU(id int) *CPU {
	return s.cpus[id]
}

// Run installs p as cpu's current task for the duration of body, the
// goroutine-per-task substitute for a context switch landing on p's
// saved registers. body typically runs p until it blocks or exits;
// Run clears Current again once body returns, mirroring the scheduler
// context returning to "no task running" between switches.
func Run(cpu *CPU, p *proc.Process, body func()) {
	cpu.setCurrent(p)
	defer cpu.setCurrent(nil)
	body()
}

// Yield gives up the current goroutine's turn without blocking on
// anything, the voluntary-yield suspension point spec.md §5 lists.
func Yield() {
	runtime.Gosched()
}

// Sleep blocks the calling task on ch, releasing guard first and
// reacquiring it before returning — spec.md §5's "waiting on a child in
// wait()"/"sleep-lock contention"/"pipe full or empty" suspension
// points, all expressed through the same Chan/Lock pair.
func Sleep(ch *sleeplock.Chan, guard *sleeplock.Lock) {
	ch.Wait(guard)
}

// Wakeup resumes one task parked in Sleep on ch.
func Wakeup(ch *sleeplock.Chan) {
	ch.Wakeup()
}

// WakeupAll resumes every task parked in Sleep on ch, for predicates
// more than one waiter could satisfy (spec.md §4.5's pipe backpressure).
func WakeupAll(ch *sleeplock.Chan) {
	ch.WakeupAll()
}

// IRQGuard is a scoped interrupt-disable region (spec.md §5's
// "irq_save/irq_restore nest per-CPU; the first save records prior
// enable state, the last restore reapplies it"). There's no real CPSR.I
// bit to flip in this software model; the nesting discipline itself —
// the part a sleep-lock held across one of these would violate — is
// what's reproduced here.
type IRQGuard struct {
	cpu *CPU
}

// EnterIRQGuard disables (conceptually) interrupt delivery on cpu,
// nesting correctly with any guard already held by this goroutine's
// call stack.
func EnterIRQGuard(cpu *CPU) IRQGuard {
	cpu.mu.Lock()
	if cpu.irqDepth == 0 {
		cpu.irqWasOn = true // this model never actually disables anything
	}
	cpu.irqDepth++
	cpu.mu.Unlock()
	return IRQGuard{cpu: cpu}
}

// Release ends this guard's scope by decrementing the nesting depth;
// no enable state is reapplied, since the model never disables anything.
func (g IRQGuard) Release() {
	g.cpu.mu.Lock()
	if g.cpu.irqDepth == 0 {
		g.cpu.mu.Unlock()
		panic("sched: IRQGuard released more times than entered")
	}
	g.cpu.irqDepth--
	g.cpu.mu.Unlock()
}
