package alloc

import (
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/tieralloc/internal/check"
	"github.com/joshuapare/tieralloc/internal/format"
)

// ExponentialAllocator is an array of BlockAllocators whose block sizes
// double: class i serves blocks of baseSize<<i. Dispatch is O(1) at the cost
// of up to half of each block being wasted, which suits large, infrequent
// allocations.
//
// The arena is aligned to the largest block size and split into equal
// per-class shares, each a multiple of the largest block, so every block is
// aligned to its own size.
type ExponentialAllocator struct {
	a        *arena
	name     string
	log      *slog.Logger
	baseSize int
	perClass int
	classes  []*BlockAllocator
	failures int // requests rejected before reaching a class
}

// NewExponential creates an ExponentialAllocator with order classes starting
// at baseSize, which must be a power of two no smaller than the page size.
func NewExponential(capacity, baseSize, order int, opts Options) (*ExponentialAllocator, error) {
	if order < 1 || order > 32 {
		return nil, errors.Wrapf(ErrInvalidSize, "order %d", order)
	}
	if !format.IsPow2(baseSize) || baseSize < PageSize() {
		return nil, errors.Wrapf(ErrInvalidSize, "base size %d must be a power of two of at least %d",
			baseSize, PageSize())
	}
	maxBlock := baseSize << (order - 1)

	a, err := newArena(format.AlignUp(capacity, maxBlock), maxBlock, opts)
	if err != nil {
		return nil, err
	}
	perClass := format.AlignDown(a.size()/order, maxBlock)
	if perClass == 0 {
		_ = a.close()
		return nil, errors.Wrapf(ErrInvalidSize, "capacity %d too small for %d classes of up to %d bytes",
			a.size(), order, maxBlock)
	}

	name := opts.name("exponential")
	ea := &ExponentialAllocator{
		a:        a,
		name:     name,
		log:      opts.logger(name),
		baseSize: baseSize,
		perClass: perClass,
		classes:  make([]*BlockAllocator, order),
	}
	for i := range ea.classes {
		sub, err := a.region.Split(i*perClass, perClass)
		if err != nil {
			_ = a.close()
			return nil, err
		}
		ba, err := NewBlock(0, baseSize<<i, opts.child(fmt.Sprintf("%s.class%d", name, i), sub))
		if err != nil {
			_ = a.close()
			return nil, err
		}
		ea.classes[i] = ba
	}

	ea.log.Debug("created", "capacity", a.size(), "base_size", baseSize, "order", order, "per_class", perClass)
	return ea, nil
}

// classIndex returns CeilLog2(size) - FloorLog2(baseSize), clamped to 0.
// It may return len(classes) or more for sizes above the largest class.
func (ea *ExponentialAllocator) classIndex(size int) int {
	return max(format.CeilLog2(size)-format.FloorLog2(ea.baseSize), 0)
}

// AllocatorFor returns the class that serves size, or nil above the largest class.
func (ea *ExponentialAllocator) AllocatorFor(size int) *BlockAllocator {
	if i := ea.classIndex(size); i < len(ea.classes) {
		return ea.classes[i]
	}
	return nil
}

// Allocate forwards to the class that serves size.
func (ea *ExponentialAllocator) Allocate(size int) ([]byte, error) {
	if err := validateRequest(size, ea.MaxAllocationSize()); err != nil {
		ea.failures++
		return nil, err
	}
	return ea.classes[ea.classIndex(size)].Allocate(size)
}

// AllocateAligned forwards to the class serving max(size, alignment); blocks
// of that class are aligned to their own size.
func (ea *ExponentialAllocator) AllocateAligned(size, alignment int) ([]byte, error) {
	if err := validateAlignment(alignment); err != nil {
		ea.failures++
		return nil, err
	}
	if err := validateRequest(size, ea.MaxAllocationSize()); err != nil {
		ea.failures++
		return nil, err
	}
	if alignment > ea.MaxAllocationSize() {
		ea.failures++
		return nil, errors.Wrapf(ErrBadAlignment, "%s: alignment %d above largest block", ea.name, alignment)
	}
	return ea.classes[ea.classIndex(max(size, alignment))].AllocateAligned(size, alignment)
}

// Free forwards to the class whose share of the arena holds b.
func (ea *ExponentialAllocator) Free(b []byte) {
	off, ok := ea.a.offset(b)
	check.Invariant(ok, "%s: free of foreign pointer %#x", ea.name, addrOf(b))
	i := off / ea.perClass
	check.Invariant(i < len(ea.classes), "%s: free of %#x beyond the last class", ea.name, addrOf(b))
	ea.classes[i].Free(b)
}

// Owns reports whether b lies in the arena.
func (ea *ExponentialAllocator) Owns(b []byte) bool { return ea.a.owns(b) }

// MaxAllocationSize returns the block size of the largest class.
func (ea *ExponentialAllocator) MaxAllocationSize() int {
	return ea.baseSize << (len(ea.classes) - 1)
}

// Name returns the allocator name.
func (ea *ExponentialAllocator) Name() string { return ea.name }

// CommitSize returns the committed bytes of the arena.
func (ea *ExponentialAllocator) CommitSize() int { return ea.a.region.CommitSize() }

// Classes returns the per-class allocators, smallest first.
func (ea *ExponentialAllocator) Classes() []*BlockAllocator { return ea.classes }

// Stats sums the class counters.
func (ea *ExponentialAllocator) Stats() Stats {
	s := Stats{}
	for _, c := range ea.classes {
		s.Add(c.Stats())
	}
	s.Failures += ea.failures
	s.Name = ea.name
	s.ReservedBytes = ea.a.size()
	s.CommittedBytes = ea.CommitSize()
	return s
}

// Close releases the reservation if the allocator owns it.
func (ea *ExponentialAllocator) Close() error { return ea.a.close() }
