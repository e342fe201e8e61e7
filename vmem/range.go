package vmem

import (
	"fmt"
	"unsafe"
)

// Range is a [Base, Top) address interval. It is a value type and never owns
// the memory it describes.
type Range struct {
	Base uintptr
	Top  uintptr
}

// NewRange returns the range of size bytes starting at base.
func NewRange(base uintptr, size int) Range {
	return Range{Base: base, Top: base + uintptr(size)}
}

// RangeOf returns the range covered by the elements of b.
func RangeOf(b []byte) Range {
	return NewRange(Addr(b), len(b))
}

// Size returns the length of the range in bytes.
func (r Range) Size() int { return int(r.Top - r.Base) }

// Empty reports whether the range covers no bytes.
func (r Range) Empty() bool { return r.Top <= r.Base }

// Contains reports whether addr lies in [Base, Top).
func (r Range) Contains(addr uintptr) bool {
	return addr >= r.Base && addr < r.Top
}

// ContainsRange reports whether o lies entirely within r.
func (r Range) ContainsRange(o Range) bool {
	return o.Base >= r.Base && o.Top <= r.Top
}

// Overlaps reports whether r and o share at least one byte.
func (r Range) Overlaps(o Range) bool {
	return r.Base < o.Top && o.Base < r.Top
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Base, r.Top)
}

// Addr returns the address of the first element of b's backing array, or 0
// for a nil slice.
func Addr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
