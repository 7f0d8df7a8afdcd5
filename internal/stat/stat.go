// Package stat implements the STAT syscall's wire struct (spec.md §6,
// "STAT(fd,*buf) | POSIX").
//
// Ported from the teacher's stat/stat.go, which backs Stat_t with
// unsafe.Pointer casts over a fixed field layout so Bytes() can be
// copied straight into user memory. This port keeps the same "flatten
// to the wire, then user_copy_out" shape but serializes with
// encoding/binary (used the same way elsewhere in the retrieval pack,
// e.g. SeleniaProject-Orizon's debug writers) instead of unsafe: the
// struct is tiny and stat(2) is not a hot path, so there's no reason
// to take on unsafe's aliasing risk for it.
package stat

import "encoding/binary"

// Size is the encoded length of Stat_t in bytes: nine little-endian
// uint32 fields.
const Size = 9 * 4

// Stat_t mirrors a file's stat(2) information.
type Stat_t struct {
	Dev    uint32
	Ino    uint32
	Mode   uint32
	Size_  uint32
	Rdev   uint32
	Uid    uint32
	Blocks uint32
	Mtime  uint32
	MtimeN uint32
}

// Bytes encodes st as Size little-endian bytes, ready for
// vm.AddressSpace.UserCopyOut.
func (st *Stat_t) Bytes() []byte {
	buf := make([]byte, Size)
	binary.LittleEndian.PutUint32(buf[0:4], st.Dev)
	binary.LittleEndian.PutUint32(buf[4:8], st.Ino)
	binary.LittleEndian.PutUint32(buf[8:12], st.Mode)
	binary.LittleEndian.PutUint32(buf[12:16], st.Size_)
	binary.LittleEndian.PutUint32(buf[16:20], st.Rdev)
	binary.LittleEndian.PutUint32(buf[20:24], st.Uid)
	binary.LittleEndian.PutUint32(buf[24:28], st.Blocks)
	binary.LittleEndian.PutUint32(buf[28:32], st.Mtime)
	binary.LittleEndian.PutUint32(buf[32:36], st.MtimeN)
	return buf
}
