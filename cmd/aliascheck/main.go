// Command aliascheck is a pointer-analysis dev tool for spec.md §8
// property 3 (fork/COW correctness): it loads this module, builds an
// SSA representation, and runs go/pointer over a small harness that
// exercises AddressSpace.Clone and the copy-on-write fault path,
// reporting whether the page.Handle the parent ends up with and the
// one the child ends up with, after the child's write has gone through
// cowCopyLocked, are ever resolved to the same points-to set — the
// static signature of COW failing to give the writer its own frame.
//
// This is a static approximation, not a proof: go/pointer's points-to
// sets are conservative, so a reported alias is a lead to check by
// hand, not a confirmed bug, and a clean report is not a guarantee.
//
// Grounded on the teacher's misc/depgraph/main.go pattern (a small dev
// tool living outside the kernel proper, invoked by hand rather than
// during boot); this one trades depgraph's os/exec-and-parse shape for
// golang.org/x/tools' program-analysis stack since the question it
// answers needs real points-to information, not text munging.
package main

import (
	"fmt"
	"log"
	"os"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/pointer"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/aglotoff/osdev-pbx-a9/internal/defs"
	"github.com/aglotoff/osdev-pbx-a9/internal/page"
	"github.com/aglotoff/osdev-pbx-a9/internal/vm"
)

// scratchVA is an arbitrary user-range address used only to give the
// harness a page to allocate, write to, and clone; it is never run,
// only analyzed.
const scratchVA = 0x40000000

// harness exercises exactly the call sequence spec.md §8's "Round-trip"
// property describes: allocate, fork via Clone, have the child fault in
// its own frame by writing. Its two return values are what the pointer
// queries below resolve against; harness itself is never invoked — it
// exists only to give the SSA builder a reachable function body to
// analyze, the way a fuzz harness exists only to drive the fuzzer.
func harness() (parentFrame, childFrame page.Handle) {
	pages := page.NewAllocator(64 * page.Size)
	l2pool := vm.NewL2Pool(4)

	parent := vm.Create(pages, l2pool)
	frame, ok := pages.AllocOne(0)
	if !ok {
		return 0, 0
	}
	if err := parent.Insert(scratchVA, frame, defs.Read|defs.Write); err != 0 {
		return 0, 0
	}

	child, err := parent.Clone()
	if err != 0 {
		return 0, 0
	}

	// UserCheckBuf with Write perm is the public entry point that
	// drives cowCopyLocked when a writer finds a shared, read-only
	// mapped frame underneath it.
	_ = child.UserCheckBuf(scratchVA, 1, defs.Write)

	parentFrame, _, _ = parent.Lookup(scratchVA)
	childFrame, _, _ = child.Lookup(scratchVA)
	return parentFrame, childFrame
}

func main() {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedCompiledGoFiles |
			packages.NeedImports | packages.NeedDeps | packages.NeedTypes |
			packages.NeedSyntax | packages.NeedTypesInfo,
	}
	pkgs, err := packages.Load(cfg, "github.com/aglotoff/osdev-pbx-a9/cmd/aliascheck")
	if err != nil {
		log.Fatalf("loading package: %v", err)
	}
	if packages.PrintErrors(pkgs) > 0 {
		os.Exit(1)
	}

	prog, ssaPkgs := ssautil.Packages(pkgs, ssa.SanityCheckFunctions)
	prog.Build()

	mainPkg := ssaPkgs[0]
	if mainPkg == nil {
		log.Fatal("cmd/aliascheck did not produce an SSA package")
	}

	harnessFn := mainPkg.Func("harness")
	if harnessFn == nil {
		log.Fatal("harness function not found in SSA program")
	}

	var parentVal, childVal ssa.Value
	for _, b := range harnessFn.Blocks {
		for _, instr := range b.Instrs {
			ret, ok := instr.(*ssa.Return)
			if !ok || len(ret.Results) != 2 {
				continue
			}
			parentVal, childVal = ret.Results[0], ret.Results[1]
		}
	}
	if parentVal == nil || childVal == nil {
		log.Fatal("could not locate harness's return values in SSA form")
	}

	pcfg := &pointer.Config{
		Mains:          []*ssa.Package{mainPkg},
		BuildCallGraph: false,
	}
	pcfg.AddQuery(parentVal)
	pcfg.AddQuery(childVal)

	result, err := pointer.Analyze(pcfg)
	if err != nil {
		log.Fatalf("pointer analysis failed: %v", err)
	}

	parentSet := result.Queries[parentVal].PointsTo()
	childSet := result.Queries[childVal].PointsTo()
	if !childSet.Intersects(parentSet) {
		fmt.Println("OK: parent and child frames are disjoint after a COW-triggering write")
		return
	}

	fmt.Println("ALIAS: parent and child resolve to a shared frame after a write")
	fmt.Println("labels shared:")
	for _, l := range parentSet.Labels() {
		fmt.Printf("  %s\n", l)
	}
	os.Exit(1)
}
