// Package format holds the low-level arithmetic shared by the allocators:
// alignment, power-of-two and log2 helpers, and the little-endian codec used
// to read and write metadata words that live inside managed memory.
//
// The package is allocation-free and independent from the public API so the
// allocator tiers can share one audited implementation of every mask and shift.
package format
