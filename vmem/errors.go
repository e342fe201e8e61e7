package vmem

import "github.com/cockroachdb/errors"

var (
	// ErrReserve indicates the OS refused to reserve address space.
	ErrReserve = errors.New("vmem: reserve failed")

	// ErrCommit indicates the OS refused to commit or decommit pages.
	ErrCommit = errors.New("vmem: commit failed")

	// ErrOverlap indicates a requested region overlaps an existing one or
	// falls outside the reservation.
	ErrOverlap = errors.New("vmem: region overlaps or exceeds reservation")
)
