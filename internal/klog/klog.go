// Package klog is the kernel's one throat to choke for operator-facing
// diagnostics: the boot banner, the uname-equivalent identity line, and
// panics. Hot-path trace prints (the buffer cache, the page allocator)
// keep the teacher's bare fmt.Printf texture in their own packages;
// klog exists for the messages a test wants to capture or a human
// operator is meant to read.
//
// Grounded on the teacher's fmt.Printf-based diagnostics (mem/mem.go's
// "Reserved %v pages (%vMB)", fs/blk.go's bdev_debug prints),
// generalized to route through golang.org/x/text/message's Printer
// instead of fmt directly.
package klog

import (
	"io"
	"os"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var (
	mu  sync.Mutex
	out io.Writer = os.Stdout
	p             = message.NewPrinter(language.English)
)

// SetOutput redirects where diagnostics are written. Tests call this
// to capture kernel output instead of letting it reach stdout.
func SetOutput(w io.Writer) {
	mu.Lock()
	out = w
	mu.Unlock()
}

// Printf formats and writes one diagnostic line, appending the
// trailing newline the teacher's scattered Printf calls each supply
// by hand.
func Printf(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	p.Fprintf(out, format+"\n", args...)
}

// Panicf logs the formatted message through the same printer, then
// panics with it — the kernel-panic path, kept distinct from Printf so
// callers can see at the call site that this message is fatal.
func Panicf(format string, args ...interface{}) {
	mu.Lock()
	msg := p.Sprintf(format, args...)
	p.Fprintln(out, msg)
	mu.Unlock()
	panic(msg)
}
