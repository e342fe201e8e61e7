package format

import "encoding/binary"

// Binary encoding utilities for allocator metadata stored inside managed memory.
//
// Header fields are little-endian words read and written at byte offsets of the
// arena slice. Benchmarking on the hive cell allocator showed binary.LittleEndian
// is as fast as unsafe pointer casts once inlined, and it keeps all metadata
// access bounds-checked.

// PutU32 writes a uint32 value to the buffer at the specified offset.
func PutU32(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:off+4], v)
}

// PutU64 writes a uint64 value to the buffer at the specified offset.
func PutU64(b []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(b[off:off+8], v)
}

// ReadU32 reads a uint32 value from the buffer at the specified offset.
func ReadU32(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}

// ReadU64 reads a uint64 value from the buffer at the specified offset.
func ReadU64(b []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(b[off : off+8])
}

// PutLink stores an optional offset as offset+1 so that zeroed memory reads as "none".
// A negative off stores none.
func PutLink(b []byte, at, off int) {
	PutU64(b, at, uint64(off+1))
}

// ReadLink is the inverse of PutLink; it returns -1 for none.
func ReadLink(b []byte, at int) int {
	return int(ReadU64(b, at)) - 1
}
