package vmem

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/tieralloc/internal/check"
	"github.com/joshuapare/tieralloc/internal/format"
)

// Page protection hooks, replaced in tests to inject OS failures.
var (
	commitPages   = osCommit
	decommitPages = osDecommit
)

// PageSize returns the OS page size, the granularity of commit and decommit.
func PageSize() int {
	return osPageSize()
}

// Reservation owns a contiguous span of reserved virtual address space.
//
// The span is fixed for the lifetime of the reservation. Size reports the
// reserved size; CommitSize reports how much of it is currently backed.
type Reservation struct {
	mu       sync.Mutex
	raw      []byte // mapping as returned by the OS, released as a whole
	mem      []byte // usable span, aligned within raw
	pageSize int
	pages    pageSet
	regions  []Span // carved regions, for overlap checks
	released bool
}

// Reserve reserves size bytes (rounded up to the page size) of address space.
func Reserve(size int) (*Reservation, error) {
	return ReserveAligned(size, 0)
}

// ReserveAligned reserves size bytes whose first address is a multiple of
// align. align must be zero or a power of two; values below the page size
// are raised to the page size.
func ReserveAligned(size, align int) (*Reservation, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrReserve, "invalid size %d", size)
	}
	if align != 0 && !format.IsPow2(align) {
		return nil, errors.Wrapf(ErrReserve, "alignment %d is not a power of two", align)
	}

	ps := PageSize()
	size = format.AlignUp(size, ps)
	if align < ps {
		align = ps
	}

	// Over-reserve so the usable span can start on the requested boundary.
	extra := 0
	if align > ps {
		extra = align
	}

	raw, err := osReserve(size + extra)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "reserve %d bytes", size+extra), ErrReserve)
	}

	base := Addr(raw)
	pad := int(format.AlignUpPtr(base, align) - base)

	return &Reservation{
		raw:      raw,
		mem:      raw[pad : pad+size : pad+size],
		pageSize: ps,
		pages:    newPageSet(size / ps),
	}, nil
}

// Size returns the reserved size in bytes.
func (r *Reservation) Size() int { return len(r.mem) }

// PageSize returns the commit granularity of this reservation.
func (r *Reservation) PageSize() int { return r.pageSize }

// Base returns the first address of the reservation.
func (r *Reservation) Base() uintptr { return Addr(r.mem) }

// Range returns the address range of the reservation.
func (r *Reservation) Range() Range { return RangeOf(r.mem) }

// CommitSize returns the number of committed bytes.
func (r *Reservation) CommitSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pages.count * r.pageSize
}

// IsCommitted reports whether the page containing off is committed.
func (r *Reservation) IsCommitted(off int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pages.has(off / r.pageSize)
}

// CommittedRanges returns the committed pages merged into sorted spans.
func (r *Reservation) CommittedRanges() []Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pages.spans(r.pageSize)
}

// Commit makes [off, off+n), widened to whole pages, readable and writable.
// Committing an already committed page is a no-op. It returns the number of
// newly committed bytes.
func (r *Reservation) Commit(off, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	check.Invariant(!r.released, "vmem: commit on released reservation")
	start := format.AlignDown(off, r.pageSize)
	end := format.AlignUp(off+n, r.pageSize)
	check.Invariant(start >= 0 && end <= len(r.mem),
		"vmem: commit [%d, %d) outside reservation of %d bytes", start, end, len(r.mem))

	if err := commitPages(r.mem[start:end]); err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "commit [%d, %d)", start, end), ErrCommit)
	}
	added := r.pages.set(start/r.pageSize, (end-start)/r.pageSize)
	return added * r.pageSize, nil
}

// Decommit returns the pages lying entirely inside [off, off+n) to the OS.
// Partially covered pages stay committed. It returns the number of bytes
// that were committed before the call.
func (r *Reservation) Decommit(off, n int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	check.Invariant(!r.released, "vmem: decommit on released reservation")
	start := format.AlignUp(off, r.pageSize)
	end := format.AlignDown(off+n, r.pageSize)
	if end <= start {
		return 0, nil
	}
	check.Invariant(start >= 0 && end <= len(r.mem),
		"vmem: decommit [%d, %d) outside reservation of %d bytes", start, end, len(r.mem))

	if err := decommitPages(r.mem[start:end]); err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "decommit [%d, %d)", start, end), ErrCommit)
	}
	removed := r.pages.clear(start/r.pageSize, (end-start)/r.pageSize)
	return removed * r.pageSize, nil
}

// Carve returns the region [off, off+size) of the reservation. Both bounds
// must be page aligned and the region must not overlap a previously carved one.
func (r *Reservation) Carve(off, size int) (*Region, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if off < 0 || size <= 0 || off+size > len(r.mem) {
		return nil, errors.Wrapf(ErrOverlap, "region [%d, %d) outside reservation of %d bytes",
			off, off+size, len(r.mem))
	}
	if !format.IsAligned(off, r.pageSize) || !format.IsAligned(size, r.pageSize) {
		return nil, errors.Wrapf(ErrOverlap, "region [%d, %d) is not page aligned", off, off+size)
	}
	for _, s := range r.regions {
		if off < s.Off+s.Len && s.Off < off+size {
			return nil, errors.Wrapf(ErrOverlap, "region [%d, %d) overlaps [%d, %d)",
				off, off+size, s.Off, s.Off+s.Len)
		}
	}
	r.regions = append(r.regions, Span{Off: off, Len: size})

	return &Region{res: r, off: off, size: size}, nil
}

// Whole carves a region covering the entire reservation.
func (r *Reservation) Whole() (*Region, error) {
	return r.Carve(0, len(r.mem))
}

// Release unmaps the reservation. Any slice into it becomes invalid.
// Calling Release more than once is a no-op.
func (r *Reservation) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released {
		return nil
	}
	r.released = true
	r.pages = pageSet{}
	r.mem = nil
	raw := r.raw
	r.raw = nil
	return osRelease(raw)
}
