package vmem

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/tieralloc/internal/check"
	"github.com/joshuapare/tieralloc/internal/format"
)

// Region is a borrowed, page-aligned window onto a Reservation.
//
// Offsets passed to Region methods are relative to the region start. Commits
// made through a region, or through any region split from it, are counted in
// its CommitSize. Sibling regions may be driven from different goroutines.
type Region struct {
	res       *Reservation
	parent    *Region
	off       int // offset within the reservation
	size      int
	committed atomic.Int64
}

// Reservation returns the reservation backing the region.
func (g *Region) Reservation() *Reservation { return g.res }

// Size returns the region length in bytes.
func (g *Region) Size() int { return g.size }

// PageSize returns the commit granularity.
func (g *Region) PageSize() int { return g.res.pageSize }

// Base returns the first address of the region.
func (g *Region) Base() uintptr { return g.res.Base() + uintptr(g.off) }

// Range returns the address range of the region.
func (g *Region) Range() Range { return NewRange(g.Base(), g.size) }

// Bytes returns the region's memory. Only committed pages may be accessed.
func (g *Region) Bytes() []byte {
	return g.res.mem[g.off : g.off+g.size : g.off+g.size]
}

// CommitSize returns the committed bytes attributed to this region.
func (g *Region) CommitSize() int { return int(g.committed.Load()) }

// Offset converts an absolute address to a region offset.
func (g *Region) Offset(addr uintptr) (int, bool) {
	base := g.Base()
	if addr < base || addr >= base+uintptr(g.size) {
		return 0, false
	}
	return int(addr - base), true
}

// Commit commits [off, off+n) of the region, widened to whole pages.
func (g *Region) Commit(off, n int) error {
	check.Invariant(off >= 0 && off+n <= g.size, "vmem: commit [%d, %d) outside region of %d bytes", off, off+n, g.size)
	added, err := g.res.Commit(g.off+off, n)
	if err != nil {
		return err
	}
	g.account(added)
	return nil
}

// Decommit returns the pages lying entirely inside [off, off+n) to the OS.
func (g *Region) Decommit(off, n int) error {
	check.Invariant(off >= 0 && off+n <= g.size, "vmem: decommit [%d, %d) outside region of %d bytes", off, off+n, g.size)
	removed, err := g.res.Decommit(g.off+off, n)
	if err != nil {
		return err
	}
	g.account(-removed)
	return nil
}

// Split returns the sub-region [off, off+size). Sub-regions are not checked
// for overlap with each other; callers lay them out side by side.
func (g *Region) Split(off, size int) (*Region, error) {
	ps := g.res.pageSize
	if off < 0 || size <= 0 || off+size > g.size || !format.IsAligned(off, ps) || !format.IsAligned(size, ps) {
		return nil, errors.Wrapf(ErrOverlap, "sub-region [%d, %d) invalid for region of %d bytes", off, off+size, g.size)
	}
	return &Region{res: g.res, parent: g, off: g.off + off, size: size}, nil
}

func (g *Region) account(delta int) {
	for r := g; r != nil; r = r.parent {
		r.committed.Add(int64(delta))
	}
}
