package format

import "math/bits"

// IsPow2 reports whether n is a positive power of two.
func IsPow2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// FloorLog2 returns the index of the most significant set bit of n.
// n must be positive.
func FloorLog2(n int) int {
	return bits.Len64(uint64(n)) - 1
}

// CeilLog2 returns the smallest k such that 1<<k >= n.
// CeilLog2(1) = 0.
func CeilLog2(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len64(uint64(n - 1))
}

// NextPow2 returns the smallest power of two >= n.
func NextPow2(n int) int {
	return 1 << CeilLog2(n)
}

// LowestSetBit returns the index of the least significant set bit of m.
// m must be non-zero.
func LowestSetBit(m uint64) int {
	return bits.TrailingZeros64(m)
}

// AddrAlignment returns the largest power of two dividing p, capped at 1<<62.
func AddrAlignment(p uintptr) int {
	if p == 0 {
		return 1 << 62
	}
	return 1 << bits.TrailingZeros64(uint64(p))
}
