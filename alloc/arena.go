package alloc

import (
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/tieralloc/internal/format"
	"github.com/joshuapare/tieralloc/vmem"
)

// arena is the managed range of one allocator: either a reservation it owns
// or a region borrowed from its caller.
type arena struct {
	res    *vmem.Reservation // nil when the region is borrowed
	region *vmem.Region
	mem    []byte
	base   uintptr
}

// newArena reserves capacity bytes aligned to align, or adopts opts.Region.
func newArena(capacity, align int, opts Options) (*arena, error) {
	if g := opts.Region; g != nil {
		if align > 0 && !format.IsAlignedPtr(g.Base(), align) {
			return nil, errors.Wrapf(ErrBadAlignment, "region %s is not aligned to %d", g.Range(), align)
		}
		return &arena{region: g, mem: g.Bytes(), base: g.Base()}, nil
	}
	if capacity <= 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "capacity %d", capacity)
	}

	res, err := vmem.ReserveAligned(capacity, align)
	if err != nil {
		return nil, err
	}
	g, err := res.Whole()
	if err != nil {
		_ = res.Release()
		return nil, err
	}
	return &arena{res: res, region: g, mem: g.Bytes(), base: g.Base()}, nil
}

func (a *arena) size() int     { return len(a.mem) }
func (a *arena) pageSize() int { return a.region.PageSize() }

// offset returns the arena offset of b's first byte.
func (a *arena) offset(b []byte) (int, bool) {
	if cap(b) == 0 {
		return 0, false
	}
	return a.region.Offset(vmem.Addr(b))
}

func (a *arena) owns(b []byte) bool {
	_, ok := a.offset(b)
	return ok
}

// slice returns the allocation [off, off+n) with its capacity clipped.
func (a *arena) slice(off, n int) []byte {
	return a.mem[off : off+n : off+n]
}

func (a *arena) commit(off, n int) error   { return a.region.Commit(off, n) }
func (a *arena) decommit(off, n int) error { return a.region.Decommit(off, n) }

func (a *arena) close() error {
	if a.res == nil {
		return nil
	}
	return a.res.Release()
}

func addrOf(b []byte) uintptr { return vmem.Addr(b) }

// PageSize returns the OS page size that allocators commit in.
func PageSize() int { return vmem.PageSize() }
