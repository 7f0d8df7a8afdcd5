package page

import "testing"

func TestAllocFreeRoundTrip(t *testing.T) {
	a := NewAllocator(1 << 20) // 1MB -> 256 frames
	h, ok := a.AllocOne(Zero)
	if !ok {
		t.Fatal("alloc failed")
	}
	if a.Refcount(h) != 1 {
		t.Fatalf("refcount = %d, want 1", a.Refcount(h))
	}
	b := a.Page2KVA(h)
	for _, v := range b {
		if v != 0 {
			t.Fatal("zero flag not honored")
		}
	}
	b[0] = 0xAA
	if a.Refdown(h) != true {
		t.Fatal("expected frame to be freed at refcount 0")
	}
}

func TestRefcounting(t *testing.T) {
	a := NewAllocator(1 << 20)
	h, _ := a.AllocOne(0)
	a.Refup(h)
	if a.Refcount(h) != 2 {
		t.Fatalf("refcount = %d, want 2", a.Refcount(h))
	}
	if a.Refdown(h) {
		t.Fatal("should not free with refcount still 1")
	}
	if !a.Refdown(h) {
		t.Fatal("should free at refcount 0")
	}
}

func TestBuddySplitAndMerge(t *testing.T) {
	a := NewAllocator(1 << 20)
	h, ok := a.AllocBlock(3, 0) // 8 contiguous frames
	if !ok {
		t.Fatal("block alloc failed")
	}
	pa := a.Page2PA(h)
	if pa%uintptr(8*Size) != 0 {
		t.Fatalf("block not aligned: pa=%x", pa)
	}
	a.frames[h].refcount = 0
	a.FreeBlock(h, 3)

	// After freeing, a fresh alloc of the whole arena (256 frames == order 8)
	// should succeed, proving the buddies coalesced all the way back up.
	big, ok := a.AllocBlock(8, 0)
	if !ok {
		t.Fatal("expected full coalesce back to order 8")
	}
	_ = big
}

func TestPA2KVARoundTrip(t *testing.T) {
	a := NewAllocator(1 << 20)
	h, _ := a.AllocOne(0)
	pa := a.Page2PA(h)
	h2 := a.PA2Page(pa)
	if h2 != h {
		t.Fatalf("PA2Page(%x) = %v, want %v", pa, h2, h)
	}
	kva := a.Page2KVA(h)
	h3 := a.KVA2Page(kva)
	if h3 != h {
		t.Fatalf("KVA2Page round trip = %v, want %v", h3, h)
	}
}

func TestOutOfMemory(t *testing.T) {
	a := NewAllocator(2 * Size) // only 2 frames, 1 block of order 1
	if _, ok := a.AllocBlock(MaxOrder, 0); ok {
		t.Fatal("expected OOM for an order larger than RAM")
	}
}
