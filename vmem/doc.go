// Package vmem manages reserved virtual address space.
//
// # Overview
//
// A Reservation asks the OS for a contiguous span of address space without
// access rights or physical backing. Pages inside the span are committed
// (made readable and writable) and decommitted (returned to the OS) on demand,
// and the whole span is released at once.
//
// A Region is a borrowed, page-aligned slice of a Reservation. Several
// allocators can share one Reservation by each taking a non-overlapping
// Region, which is how the master allocator lays out its tiers.
//
// A Range is a plain [Base, Top) value used for ownership queries; it never
// owns memory.
//
// # Platform support
//
// On Linux and Darwin the span is reserved with mmap(PROT_NONE,
// MAP_NORESERVE), committed with mprotect and decommitted with
// madvise(MADV_DONTNEED) followed by mprotect(PROT_NONE). Other platforms fall
// back to a Go heap slice where commit and decommit only update bookkeeping.
//
// # Thread Safety
//
// The committed-page bookkeeping of a Reservation is guarded by a mutex, so
// different Regions of one Reservation may be driven from different
// goroutines. A single Region is not safe for concurrent use.
package vmem
