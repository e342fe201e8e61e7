package alloc

import (
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/tieralloc/internal/format"
)

// Validate walks the physical block chain and the free-list index and
// reports the first inconsistency found:
//   - every block is at least the minimum size and granularity aligned
//   - previous links match the physical order and only the final block is last
//   - no two free blocks are adjacent
//   - a bitmap bit is set iff its list is non-empty
//   - every listed block is free and filed under the mapping of its size
//   - the free lists hold exactly the free blocks of the chain
func (t *TLSFAllocator) Validate() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	mem := t.a.mem
	head := t.lin.head

	chainFree := make(map[int]struct{})
	prev, prevFree := -1, false
	for o := 0; o < head; {
		size, flags := t.header(o)
		if size < tlsfMinBlockSize || size%format.Granularity != 0 || o+size > head {
			return errors.Newf("tlsf: block %d has invalid size %d", o, size)
		}
		if got := format.ReadLink(mem, o+tlsfPrevPhysOffset); got != prev {
			return errors.Newf("tlsf: block %d previous link %d, want %d", o, got, prev)
		}
		if isLast := flags&tlsfFlagLast != 0; isLast != (o+size == head) {
			return errors.Newf("tlsf: block %d last flag %v at end %d of %d", o, isLast, o+size, head)
		}
		free := flags&tlsfFlagBusy == 0
		if free {
			if prevFree {
				return errors.Newf("tlsf: adjacent free blocks %d and %d", prev, o)
			}
			chainFree[o] = struct{}{}
		}
		prev, prevFree = o, free
		o += size
	}
	if prev != t.last {
		return errors.Newf("tlsf: last block %d, chain ends at %d", t.last, prev)
	}

	listed := 0
	x := &t.idx
	for fl := 0; fl < x.flCount; fl++ {
		if (x.flBitmap>>fl&1 != 0) != (x.slBitmap[fl] != 0) {
			return errors.Newf("tlsf: first level bit %d disagrees with second level bitmap %#x", fl, x.slBitmap[fl])
		}
		for sl := 0; sl < 1<<x.sli; sl++ {
			o := x.heads[x.list(fl, sl)]
			if (x.slBitmap[fl]>>sl&1 != 0) != (o >= 0) {
				return errors.Newf("tlsf: bitmap bit (%d, %d) disagrees with list head %d", fl, sl, o)
			}
			for back := -1; o >= 0; back, o = o, format.ReadLink(mem, o+tlsfNextFreeOffset) {
				if _, ok := chainFree[o]; !ok {
					return errors.Newf("tlsf: list (%d, %d) holds %d which is not a free block", fl, sl, o)
				}
				size, _ := t.header(o)
				if f, s := x.mapping(size); f != fl || s != sl {
					return errors.Newf("tlsf: block %d of size %d filed under (%d, %d), maps to (%d, %d)",
						o, size, fl, sl, f, s)
				}
				if got := format.ReadLink(mem, o+tlsfPrevFreeOffset); got != back {
					return errors.Newf("tlsf: block %d prevFree %d, want %d", o, got, back)
				}
				listed++
				if listed > len(chainFree) {
					return errors.Newf("tlsf: free lists hold more blocks than the chain (%d)", len(chainFree))
				}
			}
		}
	}
	if listed != len(chainFree) {
		return errors.Newf("tlsf: free lists hold %d blocks, chain has %d", listed, len(chainFree))
	}
	return nil
}
