package stat

import (
	"encoding/binary"
	"testing"
)

func TestBytesRoundTrip(t *testing.T) {
	st := &Stat_t{
		Dev: 1, Ino: 42, Mode: 0100644, Size_: 4096,
		Rdev: 0, Uid: 0, Blocks: 8, Mtime: 1000, MtimeN: 7,
	}
	b := st.Bytes()
	if len(b) != Size {
		t.Fatalf("len = %d, want %d", len(b), Size)
	}
	if got := binary.LittleEndian.Uint32(b[4:8]); got != st.Ino {
		t.Fatalf("Ino field = %d, want %d", got, st.Ino)
	}
	if got := binary.LittleEndian.Uint32(b[12:16]); got != st.Size_ {
		t.Fatalf("Size field = %d, want %d", got, st.Size_)
	}
}
