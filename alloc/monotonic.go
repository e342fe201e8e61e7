package alloc

import (
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/tieralloc/internal/check"
	"github.com/joshuapare/tieralloc/internal/format"
)

// MonotonicBlockAllocator hands out fixed-size blocks and never gives pages
// back to the OS. Its commit size only grows, which makes repeated
// allocate/free cycles free of syscalls.
//
// Free blocks form a singly linked list threaded through their first word.
type MonotonicBlockAllocator struct {
	lin       *LinearAllocator
	a         *arena
	name      string
	log       *slog.Logger
	blockSize int

	// head is the first free block, or -1.
	head int
	free bitset

	stats Stats
}

// NewMonotonicBlock creates a MonotonicBlockAllocator over capacity bytes.
// blockSize is rounded up to format.Granularity.
func NewMonotonicBlock(capacity, blockSize int, opts Options) (*MonotonicBlockAllocator, error) {
	if blockSize < 1 {
		return nil, errors.Wrapf(ErrInvalidSize, "block size %d", blockSize)
	}
	name := opts.name("monotonic")
	lin, err := NewLinear(capacity, opts.child(name+".linear", opts.Region))
	if err != nil {
		return nil, err
	}

	blockSize = format.AlignUp(blockSize, format.Granularity)
	if blockSize > lin.a.size() {
		_ = lin.Close()
		return nil, errors.Wrapf(ErrInvalidSize, "block size %d exceeds capacity %d", blockSize, lin.a.size())
	}

	ma := &MonotonicBlockAllocator{
		lin:       lin,
		a:         lin.a,
		name:      name,
		log:       opts.logger(name),
		blockSize: blockSize,
		head:      -1,
		free:      newBitset(lin.a.size() / blockSize),
	}
	ma.log.Debug("created", "capacity", lin.a.size(), "block_size", blockSize)
	return ma, nil
}

// BlockSize returns the size of every block.
func (ma *MonotonicBlockAllocator) BlockSize() int { return ma.blockSize }

// Allocate returns one block; size may be anything up to BlockSize.
func (ma *MonotonicBlockAllocator) Allocate(size int) ([]byte, error) {
	if err := validateRequest(size, ma.blockSize); err != nil {
		ma.stats.Failures++
		return nil, err
	}

	var off int
	if ma.head >= 0 {
		off = ma.head
		ma.head = format.ReadLink(ma.a.mem, off)
		ma.free.clear(off / ma.blockSize)
	} else {
		var err error
		if off, err = ma.lin.bump(0, ma.blockSize); err != nil {
			ma.stats.Failures++
			return nil, err
		}
		ma.stats.GrowCalls++
	}

	ma.stats.recordAlloc(ma.blockSize)
	return ma.a.slice(off, size), nil
}

// AllocateAligned supports alignments up to the natural block alignment.
func (ma *MonotonicBlockAllocator) AllocateAligned(size, alignment int) ([]byte, error) {
	if err := validateAlignment(alignment); err != nil {
		ma.stats.Failures++
		return nil, err
	}
	if limit := min(format.AddrAlignment(ma.a.base), format.AddrAlignment(uintptr(ma.blockSize))); alignment > limit {
		ma.stats.Failures++
		return nil, errors.Wrapf(ErrBadAlignment, "%s: alignment %d above block alignment %d",
			ma.name, alignment, limit)
	}
	return ma.Allocate(size)
}

// Free pushes the block on the free list. Its pages stay committed.
func (ma *MonotonicBlockAllocator) Free(b []byte) {
	off, ok := ma.a.offset(b)
	check.Invariant(ok, "%s: free of foreign pointer %#x", ma.name, addrOf(b))
	check.Invariant(off%ma.blockSize == 0 && off < ma.lin.head,
		"%s: free of %#x which is not a block start", ma.name, addrOf(b))
	idx := off / ma.blockSize
	check.Invariant(!ma.free.has(idx), "%s: double free of block at offset %d", ma.name, off)

	ma.free.set(idx)
	format.PutLink(ma.a.mem, off, ma.head)
	ma.head = off
	ma.stats.recordFree(ma.blockSize)
}

// Owns reports whether b lies in the arena.
func (ma *MonotonicBlockAllocator) Owns(b []byte) bool { return ma.a.owns(b) }

// MaxAllocationSize returns the block size.
func (ma *MonotonicBlockAllocator) MaxAllocationSize() int { return ma.blockSize }

// Name returns the allocator name.
func (ma *MonotonicBlockAllocator) Name() string { return ma.name }

// CommitSize returns the committed bytes of the arena.
func (ma *MonotonicBlockAllocator) CommitSize() int { return ma.a.region.CommitSize() }

// Stats returns a snapshot of the counters.
func (ma *MonotonicBlockAllocator) Stats() Stats {
	s := ma.stats
	s.Name = ma.name
	s.ReservedBytes = ma.a.size()
	s.CommittedBytes = ma.CommitSize()
	return s
}

// Close releases the reservation if the allocator owns it.
func (ma *MonotonicBlockAllocator) Close() error { return ma.lin.Close() }
