package alloc

import (
	"math/bits"

	"github.com/joshuapare/tieralloc/internal/format"
)

// tlsfIndex is the two-level segregated free-list index.
//
// A block of size s belongs to first level fl = FloorLog2(s) and second level
// sl = the sli bits following the leading one. Inserts and removals map the
// exact size (rounding down); searches map s + 2^(fl-sli) - 1 so that every
// block in the found list is at least s bytes. A bit in flBitmap or
// slBitmap[fl] is set iff the corresponding list is non-empty.
type tlsfIndex struct {
	sli      int
	flCount  int
	flBitmap uint64
	slBitmap []uint64
	heads    []int // first free block of each list, -1 when empty
}

func newTLSFIndex(capacity, sli int) tlsfIndex {
	flCount := format.FloorLog2(capacity) + 1
	heads := make([]int, flCount<<sli)
	for i := range heads {
		heads[i] = -1
	}
	return tlsfIndex{
		sli:      sli,
		flCount:  flCount,
		slBitmap: make([]uint64, flCount),
		heads:    heads,
	}
}

// mapping returns the (fl, sl) pair of a block of exactly size bytes.
func (x *tlsfIndex) mapping(size int) (fl, sl int) {
	fl = format.FloorLog2(size)
	mask := 1<<x.sli - 1
	if fl < x.sli {
		sl = (size << (x.sli - fl)) & mask
	} else {
		sl = (size >> (fl - x.sli)) & mask
	}
	return fl, sl
}

// searchMapping rounds size up to the next list boundary before mapping it.
func (x *tlsfIndex) searchMapping(size int) (fl, sl int) {
	if fl := format.FloorLog2(size); fl > x.sli {
		size += 1<<(fl-x.sli) - 1
	}
	return x.mapping(size)
}

func (x *tlsfIndex) list(fl, sl int) int { return fl<<x.sli | sl }

// find returns the first non-empty list at or above (fl, sl).
func (x *tlsfIndex) find(fl, sl int) (int, int, bool) {
	if fl >= x.flCount {
		return 0, 0, false
	}
	slMap := x.slBitmap[fl] & (^uint64(0) << sl)
	if slMap == 0 {
		if fl+1 >= 64 {
			return 0, 0, false
		}
		flMap := x.flBitmap & (^uint64(0) << (fl + 1))
		if flMap == 0 {
			return 0, 0, false
		}
		fl = bits.TrailingZeros64(flMap)
		slMap = x.slBitmap[fl]
	}
	return fl, bits.TrailingZeros64(slMap), true
}

func (x *tlsfIndex) markNonEmpty(fl, sl int) {
	x.slBitmap[fl] |= 1 << sl
	x.flBitmap |= 1 << fl
}

func (x *tlsfIndex) markEmpty(fl, sl int) {
	x.slBitmap[fl] &^= 1 << sl
	if x.slBitmap[fl] == 0 {
		x.flBitmap &^= 1 << fl
	}
}
