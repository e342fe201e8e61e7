package alloc

import (
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/tieralloc/internal/check"
	"github.com/joshuapare/tieralloc/internal/format"
)

// LinearAllocator is a bump-pointer allocator over a reserved range.
//
// Allocation advances the head and commits the pages it spans. Memory is
// returned only in LIFO order, either by passing the most recent allocation
// to Free or by retracting the head with Retract. Pages wholly above the head
// are decommitted as it moves back.
//
// It is the growth primitive of BlockAllocator and TLSFAllocator, which carve
// fresh memory from its head.
type LinearAllocator struct {
	a    *arena
	name string
	log  *slog.Logger

	// head is the arena offset of the next allocation.
	head int

	// top is the page-aligned end of the committed prefix.
	top int

	stats Stats
}

// NewLinear creates a LinearAllocator managing capacity bytes, rounded up to
// the page size, or opts.Region when set.
func NewLinear(capacity int, opts Options) (*LinearAllocator, error) {
	a, err := newArena(capacity, 0, opts)
	if err != nil {
		return nil, err
	}
	name := opts.name("linear")
	la := &LinearAllocator{a: a, name: name, log: opts.logger(name)}
	la.log.Debug("created", "capacity", a.size())
	return la, nil
}

// Allocate returns the next size bytes at the head.
func (la *LinearAllocator) Allocate(size int) ([]byte, error) {
	if err := validateRequest(size, la.MaxAllocationSize()); err != nil {
		la.stats.Failures++
		return nil, err
	}
	off, err := la.bump(0, size)
	if err != nil {
		la.stats.Failures++
		return nil, err
	}
	la.stats.recordAlloc(size)
	return la.a.slice(off, size), nil
}

// AllocateAligned pads the head up to alignment before allocating. The
// padding is only reclaimed when the head retracts below it.
func (la *LinearAllocator) AllocateAligned(size, alignment int) ([]byte, error) {
	if err := validateAlignment(alignment); err != nil {
		la.stats.Failures++
		return nil, err
	}
	if err := validateRequest(size, la.MaxAllocationSize()); err != nil {
		la.stats.Failures++
		return nil, err
	}
	pad := int(format.AlignUpPtr(la.a.base+uintptr(la.head), alignment) - (la.a.base + uintptr(la.head)))
	off, err := la.bump(pad, size)
	if err != nil {
		la.stats.Failures++
		return nil, err
	}
	la.stats.recordAlloc(size)
	return la.a.slice(off, size), nil
}

// bump advances the head by pad+size and returns the offset of the
// allocation, committing any newly spanned pages.
func (la *LinearAllocator) bump(pad, size int) (int, error) {
	off := la.head + pad
	end := off + size
	if end > la.a.size() || end < off {
		la.log.Debug("exhausted", "head", la.head, "request", size)
		return 0, errors.Wrapf(ErrOutOfMemory, "%s: %d bytes at head %d, capacity %d",
			la.name, size, la.head, la.a.size())
	}

	if end > la.top {
		newTop := format.AlignUp(end, la.a.pageSize())
		if newTop > la.a.size() {
			newTop = la.a.size()
		}
		if err := la.a.commit(la.top, newTop-la.top); err != nil {
			return 0, err
		}
		la.stats.GrowCalls++
		la.log.Debug("commit", "from", la.top, "to", newTop)
		la.top = newTop
	}

	la.head = end
	return off, nil
}

// Free releases b, which must be the most recent allocation still live.
func (la *LinearAllocator) Free(b []byte) {
	off, ok := la.a.offset(b)
	check.Invariant(ok, "%s: free of foreign pointer %#x", la.name, addrOf(b))
	check.Invariant(off+cap(b) == la.head,
		"%s: free out of LIFO order: block [%d, %d) does not end at head %d",
		la.name, off, off+cap(b), la.head)

	la.stats.recordFree(cap(b))
	la.retractTo(off)
}

// Retract moves the head back by size bytes. Retracting more than was
// allocated panics.
func (la *LinearAllocator) Retract(size int) {
	check.Invariant(size >= 0 && size <= la.head,
		"%s: retract %d bytes with only %d allocated", la.name, size, la.head)
	la.stats.FreeCalls++
	la.stats.BytesFreed += int64(size)
	la.retractTo(la.head - size)
}

// Reset retracts the head to the start of the arena.
func (la *LinearAllocator) Reset() {
	la.stats.LiveAllocations = 0
	la.retractTo(0)
}

// Head returns the current head offset, the number of bytes handed out.
func (la *LinearAllocator) Head() int { return la.head }

// retractTo sets the head and decommits the pages wholly above it.
func (la *LinearAllocator) retractTo(head int) {
	la.head = head
	newTop := format.AlignUp(head, la.a.pageSize())
	if newTop >= la.top {
		return
	}
	if err := la.a.decommit(newTop, la.top-newTop); err != nil {
		// The pages stay committed; they are reused as the head advances.
		la.log.Warn("decommit failed", "from", newTop, "to", la.top, "error", err)
		return
	}
	la.top = newTop
}

// Owns reports whether b lies in the arena.
func (la *LinearAllocator) Owns(b []byte) bool { return la.a.owns(b) }

// MaxAllocationSize returns the arena size.
func (la *LinearAllocator) MaxAllocationSize() int { return la.a.size() }

// Name returns the allocator name.
func (la *LinearAllocator) Name() string { return la.name }

// CommitSize returns the committed bytes of the arena.
func (la *LinearAllocator) CommitSize() int { return la.a.region.CommitSize() }

// Stats returns a snapshot of the counters.
func (la *LinearAllocator) Stats() Stats {
	s := la.stats
	s.Name = la.name
	s.ReservedBytes = la.a.size()
	s.CommittedBytes = la.CommitSize()
	return s
}

// Close releases the reservation if the allocator owns it.
func (la *LinearAllocator) Close() error {
	la.log.Debug("closed", "head", la.head)
	return la.a.close()
}
