package alloc

import (
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/tieralloc/internal/format"
)

var (
	// ErrInvalidSize indicates a request for fewer than one byte, or an
	// invalid construction parameter.
	ErrInvalidSize = errors.New("alloc: invalid size")

	// ErrTooLarge indicates a request above MaxAllocationSize.
	ErrTooLarge = errors.New("alloc: size exceeds maximum allocation size")

	// ErrBadAlignment indicates an alignment that is not a power of two or
	// that the allocator cannot honor.
	ErrBadAlignment = errors.New("alloc: bad alignment")

	// ErrOutOfMemory indicates the arena has no room left for the request.
	ErrOutOfMemory = errors.New("alloc: out of memory")
)

// validateRequest applies the checks every Allocate shares.
func validateRequest(size, maxSize int) error {
	if size < 1 {
		return errors.Wrapf(ErrInvalidSize, "size %d", size)
	}
	if size > maxSize {
		return errors.Wrapf(ErrTooLarge, "size %d > %d", size, maxSize)
	}
	return nil
}

func validateAlignment(alignment int) error {
	if !format.IsPow2(alignment) {
		return errors.Wrapf(ErrBadAlignment, "alignment %d is not a power of two", alignment)
	}
	return nil
}
