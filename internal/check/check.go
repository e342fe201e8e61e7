// Package check provides the fatal-invariant primitive used by the allocators.
//
// Allocator metadata lives inside the memory it manages, so a violated
// precondition (double free, foreign pointer, broken LIFO order) is never
// recoverable: Invariant panics with an assertion failure that carries a stack
// trace, and callers are not expected to recover from it.
package check

import "github.com/cockroachdb/errors"

// Invariant panics with an assertion failure when cond is false.
func Invariant(cond bool, format string, args ...any) {
	if !cond {
		panic(errors.AssertionFailedf(format, args...))
	}
}

// Failf panics unconditionally with an assertion failure.
func Failf(format string, args ...any) {
	panic(errors.AssertionFailedf(format, args...))
}
