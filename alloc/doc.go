// Package alloc provides composable allocators over reserved virtual memory.
//
// # Overview
//
// Every allocator manages one contiguous range of address space obtained from
// package vmem, either a reservation of its own or a region borrowed from its
// caller. Physical pages are committed only as the allocator touches them, and
// all bookkeeping for free memory lives inside that memory: free blocks double
// as list nodes and chunk headers, so an idle allocator costs no Go heap.
//
// # Allocator Interface
//
// All allocators implement Allocator:
//
//   - Allocate(size): return a slice of size bytes
//   - AllocateAligned(size, alignment): as Allocate, aligned to a power of two
//   - Free(b): return a slice; foreign or double frees panic
//   - Owns(b): report whether b belongs to the allocator
//   - MaxAllocationSize(): the largest request the allocator accepts
//
// and Instrumented, which adds Name, Stats, CommitSize and Close.
//
// # Implementations
//
// LinearAllocator: bump pointer, LIFO release only
//
//   - O(1) allocation and release
//   - Decommits pages as the head retracts
//
// BlockAllocator and MonotonicBlockAllocator: fixed-size blocks
//
//   - BlockAllocator decommits freed blocks and tracks them in chunks stored
//     inside freed blocks
//   - MonotonicBlockAllocator never decommits; its free list is threaded
//     through the blocks
//
// SegregatedPoolAllocator and ClusteredPoolAllocator: small objects
//
//   - Pages hold blocks of one size class with a trailer at the page end
//   - Segregated classes grow linearly, clustered classes double
//
// ExponentialAllocator: large objects
//
//   - One BlockAllocator per doubling class, blocks aligned to their size
//
// TLSFAllocator: general purpose
//
//   - Two-level bitmap index over segregated free lists
//   - O(1) find-fit, immediate coalescing with both physical neighbours
//   - Guarded by a mutex
//
// MasterAllocator: routes by size to a small, medium and large tier.
//
// # Usage Example
//
//	m, err := alloc.NewMaster(alloc.DefaultMasterConfig(), alloc.Options{})
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
//
//	buf, err := m.Allocate(300)
//	if err != nil {
//	    return err
//	}
//	copy(buf, payload)
//	m.Free(buf)
//
// # Errors
//
// Requests fail with ErrInvalidSize, ErrTooLarge, ErrBadAlignment or
// ErrOutOfMemory, possibly wrapping vmem.ErrCommit. Misuse of Free is not an
// error but a panic carrying an assertion failure, since the allocator's
// in-memory metadata can no longer be trusted.
//
// # Thread Safety
//
// Only TLSFAllocator is safe for concurrent use. All other allocators,
// including MasterAllocator, require external synchronization.
package alloc
