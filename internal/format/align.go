package format

// Alignment utilities for allocator arithmetic.
// All helpers take power-of-two alignments; callers validate with IsPow2 first.

// Granularity is the payload alignment every allocator guarantees by default.
const Granularity = 16

// AlignUp returns n rounded up to the next multiple of align.
//
// Example:
//
//	AlignUp(1, 16)  = 16
//	AlignUp(16, 16) = 16
//	AlignUp(17, 16) = 32
func AlignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// AlignDown returns n rounded down to a multiple of align.
//
// Example:
//
//	AlignDown(4095, 4096) = 0
//	AlignDown(4097, 4096) = 4096
func AlignDown(n, align int) int {
	return n &^ (align - 1)
}

// AlignUpPtr is the uintptr version of AlignUp, used for absolute addresses.
func AlignUpPtr(p uintptr, align int) uintptr {
	a := uintptr(align)
	return (p + a - 1) &^ (a - 1)
}

// IsAligned reports whether n is a multiple of align.
func IsAligned(n, align int) bool {
	return n&(align-1) == 0
}

// IsAlignedPtr reports whether p is a multiple of align.
func IsAlignedPtr(p uintptr, align int) bool {
	return p&uintptr(align-1) == 0
}

// RoundUp returns n rounded up to a multiple of m, where m need not be a power of two.
// Used for block sizes that are rounded to the OS page size.
func RoundUp(n, m int) int {
	if r := n % m; r != 0 {
		return n + m - r
	}
	return n
}
