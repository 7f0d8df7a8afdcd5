package circbuf

import (
	"bytes"
	"testing"
	"time"

	"github.com/aglotoff/osdev-pbx-a9/internal/defs"
	"github.com/aglotoff/osdev-pbx-a9/internal/page"
)

func newTestPipe(t *testing.T) *Pipe {
	t.Helper()
	pages := page.NewAllocator(4 * page.Size)
	p, err := New(pages)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	p := newTestPipe(t)
	n, err := p.Write([]byte("hello"))
	if err != 0 || n != 5 {
		t.Fatalf("Write = (%d, %v)", n, err)
	}
	buf := make([]byte, 5)
	n, err = p.Read(buf)
	if err != 0 || n != 5 || !bytes.Equal(buf, []byte("hello")) {
		t.Fatalf("Read = (%q, %d, %v)", buf, n, err)
	}
}

func TestReadBlocksUntilWrite(t *testing.T) {
	p := newTestPipe(t)
	done := make(chan []byte)
	go func() {
		buf := make([]byte, 3)
		n, _ := p.Read(buf)
		done <- buf[:n]
	}()

	select {
	case <-done:
		t.Fatal("Read should have blocked with nothing written yet")
	case <-time.After(20 * time.Millisecond):
	}
	p.Write([]byte("abc"))
	select {
	case got := <-done:
		if !bytes.Equal(got, []byte("abc")) {
			t.Fatalf("got %q, want %q", got, "abc")
		}
	case <-time.After(time.Second):
		t.Fatal("Read never unblocked")
	}
}

func TestWriteBlocksUntilReaderDrains(t *testing.T) {
	p := newTestPipe(t)
	big := bytes.Repeat([]byte{0x42}, page.Size)
	if _, err := p.Write(big); err != 0 {
		t.Fatalf("fill Write: %v", err)
	}

	done := make(chan struct{})
	go func() {
		p.Write([]byte{0xFF})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Write into a full pipe should have blocked")
	case <-time.After(20 * time.Millisecond):
	}

	drain := make([]byte, page.Size)
	p.Read(drain)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked Write never unblocked after drain")
	}
}

func TestReadReturnsEOFAfterWriterCloses(t *testing.T) {
	p := newTestPipe(t)
	p.CloseWriter()
	buf := make([]byte, 1)
	n, err := p.Read(buf)
	if n != 0 || err != 0 {
		t.Fatalf("Read after writer close = (%d, %v), want (0, 0) for EOF", n, err)
	}
}

func TestWriteFailsAfterReaderCloses(t *testing.T) {
	p := newTestPipe(t)
	p.CloseReader()
	_, err := p.Write([]byte("x"))
	if err != -defs.EINVAL {
		t.Fatalf("Write after reader close = %v, want -EINVAL", err)
	}
}
