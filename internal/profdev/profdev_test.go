package profdev

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/aglotoff/osdev-pbx-a9/internal/defs"
	"github.com/google/pprof/profile"
)

func encodeAddrs(addrs ...uint64) []byte {
	buf := make([]byte, len(addrs)*addrSize)
	for i, a := range addrs {
		binary.LittleEndian.PutUint64(buf[i*addrSize:], a)
	}
	return buf
}

func TestWriteRejectsMisalignedBuffer(t *testing.T) {
	d := New()
	if _, err := d.Write([]byte{1, 2, 3}); err != -defs.EINVAL {
		t.Fatalf("Write(misaligned) err = %d, want EINVAL", err)
	}
}

func TestWriteThenReadRoundTripsSample(t *testing.T) {
	d := New()
	n, err := d.Write(encodeAddrs(0x1000, 0x2000, 0x3000))
	if err != 0 {
		t.Fatalf("Write err = %d", err)
	}
	if n != 3*addrSize {
		t.Fatalf("Write n = %d, want %d", n, 3*addrSize)
	}

	var out bytes.Buffer
	for {
		buf := make([]byte, 64)
		rn, rerr := d.Read(buf)
		if rerr != 0 {
			t.Fatalf("Read err = %d", rerr)
		}
		if rn == 0 {
			break
		}
		out.Write(buf[:rn])
	}

	got, err := profile.Parse(bytes.NewReader(out.Bytes()))
	if err != nil {
		t.Fatalf("profile.Parse failed: %v", err)
	}
	if len(got.Sample) != 1 {
		t.Fatalf("len(Sample) = %d, want 1", len(got.Sample))
	}
	if len(got.Sample[0].Location) != 3 {
		t.Fatalf("len(Location) = %d, want 3", len(got.Sample[0].Location))
	}
	if got.Sample[0].Location[0].Address != 0x1000 {
		t.Fatalf("innermost frame address = %#x, want 0x1000", got.Sample[0].Location[0].Address)
	}
}

func TestWriteZeroLengthIsNoop(t *testing.T) {
	d := New()
	n, err := d.Write(nil)
	if n != 0 || err != 0 {
		t.Fatalf("Write(nil) = (%d, %d), want (0, 0)", n, err)
	}
}

func TestReadAccumulatesAcrossMultipleWrites(t *testing.T) {
	d := New()
	if _, err := d.Write(encodeAddrs(0x10)); err != 0 {
		t.Fatalf("first Write err = %d", err)
	}
	if _, err := d.Write(encodeAddrs(0x20, 0x30)); err != 0 {
		t.Fatalf("second Write err = %d", err)
	}

	var out bytes.Buffer
	buf := make([]byte, 4096)
	for {
		n, err := d.Read(buf)
		if err != 0 {
			t.Fatalf("Read err = %d", err)
		}
		if n == 0 {
			break
		}
		out.Write(buf[:n])
	}

	got, err := profile.Parse(bytes.NewReader(out.Bytes()))
	if err != nil {
		t.Fatalf("profile.Parse failed: %v", err)
	}
	if len(got.Sample) != 2 {
		t.Fatalf("len(Sample) = %d, want 2", len(got.Sample))
	}
}
