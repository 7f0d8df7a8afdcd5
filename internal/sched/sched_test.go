package sched

import (
	"testing"
	"time"

	"github.com/aglotoff/osdev-pbx-a9/internal/proc"
	"github.com/aglotoff/osdev-pbx-a9/internal/sleeplock"
)

func TestRunSetsAndClearsCurrent(t *testing.T) {
	s := New(2)
	cpu := s.CPU(0)
	if cpu.Current() != nil {
		t.Fatal("fresh CPU should be idle")
	}

	p := &proc.Process{Pid: 7}
	var sawCurrent *proc.Process
	Run(cpu, p, func() {
		sawCurrent = cpu.Current()
	})
	if sawCurrent != p {
		t.Fatalf("Current() during Run = %v, want %v", sawCurrent, p)
	}
	if cpu.Current() != nil {
		t.Fatal("Current() after Run should be nil again")
	}
}

func TestSchedulerCPUsAreIndependent(t *testing.T) {
	s := New(2)
	p0 := &proc.Process{Pid: 1}
	p1 := &proc.Process{Pid: 2}
	s.CPU(0).setCurrent(p0)
	s.CPU(1).setCurrent(p1)
	if s.CPU(0).Current() != p0 || s.CPU(1).Current() != p1 {
		t.Fatal("CPU contexts must not share state")
	}
}

func TestSleepWakeup(t *testing.T) {
	var guard sleeplock.Lock
	var ch sleeplock.Chan

	woke := make(chan struct{})
	go func() {
		guard.Acquire()
		Sleep(&ch, &guard)
		close(woke)
		guard.Release()
	}()

	time.Sleep(20 * time.Millisecond)
	guard.Acquire()
	Wakeup(&ch)
	guard.Release()

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("Sleep never woke on Wakeup")
	}
}

func TestIRQGuardNesting(t *testing.T) {
	s := New(1)
	cpu := s.CPU(0)
	outer := EnterIRQGuard(cpu)
	inner := EnterIRQGuard(cpu)
	if cpu.irqDepth != 2 {
		t.Fatalf("irqDepth = %d, want 2", cpu.irqDepth)
	}
	inner.Release()
	if cpu.irqDepth != 1 {
		t.Fatalf("irqDepth after inner release = %d, want 1", cpu.irqDepth)
	}
	outer.Release()
	if cpu.irqDepth != 0 {
		t.Fatalf("irqDepth after outer release = %d, want 0", cpu.irqDepth)
	}
}

func TestIRQGuardOverReleasePanics(t *testing.T) {
	s := New(1)
	cpu := s.CPU(0)
	g := EnterIRQGuard(cpu)
	g.Release()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on over-release")
		}
	}()
	g.Release()
}
