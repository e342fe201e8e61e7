package alloc

// Allocator is the contract shared by every tier and by MasterAllocator.
//
// Implementations:
//   - LinearAllocator: bump pointer with LIFO release
//   - BlockAllocator, MonotonicBlockAllocator: fixed-size blocks
//   - SegregatedPoolAllocator, ClusteredPoolAllocator: page pools per size class
//   - ExponentialAllocator: doubling block classes for large objects
//   - TLSFAllocator: two-level segregated fit for general sizes
//   - MasterAllocator: routes by size across small, medium and large tiers
//
// Slices returned by Allocate have len == cap == size and stay valid until
// they are passed to Free or the allocator is closed.
type Allocator interface {
	// Allocate returns size bytes. It fails with ErrInvalidSize for size < 1,
	// ErrTooLarge above MaxAllocationSize and ErrOutOfMemory when the arena
	// cannot satisfy the request.
	Allocate(size int) ([]byte, error)

	// AllocateAligned is Allocate with the first byte aligned to alignment,
	// which must be a power of two.
	AllocateAligned(size, alignment int) ([]byte, error)

	// Free returns a slice obtained from this allocator. Passing a slice the
	// allocator does not own, or one that is already free, panics.
	Free(b []byte)

	// Owns reports whether b's first byte lies in the managed range.
	Owns(b []byte) bool

	// MaxAllocationSize is the largest size Allocate can ever satisfy.
	MaxAllocationSize() int
}

// Instrumented is implemented by every allocator in this package.
type Instrumented interface {
	Allocator

	// Name returns the symbolic name given at construction.
	Name() string

	// Stats returns a snapshot of the allocator counters.
	Stats() Stats

	// CommitSize returns the bytes of the managed range backed by physical memory.
	CommitSize() int

	// Close releases the reservation if the allocator owns one.
	Close() error
}

var (
	_ Instrumented = (*LinearAllocator)(nil)
	_ Instrumented = (*BlockAllocator)(nil)
	_ Instrumented = (*MonotonicBlockAllocator)(nil)
	_ Instrumented = (*SegregatedPoolAllocator)(nil)
	_ Instrumented = (*ClusteredPoolAllocator)(nil)
	_ Instrumented = (*ExponentialAllocator)(nil)
	_ Instrumented = (*TLSFAllocator)(nil)
	_ Instrumented = (*MasterAllocator)(nil)
)
