package alloc

import (
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/tieralloc/internal/format"
)

// SegregatedPoolAllocator serves small requests from per-class page pools.
//
// Class n holds blocks of (n+1)*minAllocSize bytes, so a request of size s
// lands in class (s-1)/minAllocSize. All classes draw pages from a single
// BlockAllocator spanning the arena.
type SegregatedPoolAllocator struct {
	*pagePool
}

// NewSegregatedPool creates a pool of numClasses linear classes over capacity
// bytes. pageSize is rounded up to the OS page size and must leave room for
// the trailer after one block of the largest class.
func NewSegregatedPool(capacity, pageSize, minAllocSize, numClasses int, opts Options) (*SegregatedPoolAllocator, error) {
	if err := validatePoolParams(pageSize, minAllocSize); err != nil {
		return nil, err
	}
	if numClasses < 1 {
		return nil, errors.Wrapf(ErrInvalidSize, "class count %d", numClasses)
	}

	a, err := newArena(capacity, 0, opts)
	if err != nil {
		return nil, err
	}
	pageSize = format.RoundUp(pageSize, a.pageSize())
	if largest := numClasses * minAllocSize; largest > pageSize-pageTrailerSize {
		_ = a.close()
		return nil, errors.Wrapf(ErrInvalidSize, "largest class %d does not fit a %d byte page", largest, pageSize)
	}

	name := opts.name("segregated")
	blocks, err := NewBlock(0, pageSize, opts.child(name+".pages", a.region))
	if err != nil {
		_ = a.close()
		return nil, err
	}

	p := &pagePool{
		a:        a,
		name:     name,
		log:      opts.logger(name),
		pageSize: pageSize,
		classes:  make([]poolClass, numClasses),
		classFor: func(size int) int { return (size - 1) / minAllocSize },
		blocksAt: func(int) *BlockAllocator { return blocks },
	}
	for n := range p.classes {
		p.classes[n] = poolClass{size: (n + 1) * minAllocSize, blocks: blocks, active: -1}
	}

	p.log.Debug("created", "capacity", a.size(), "page_size", pageSize,
		"min_alloc", minAllocSize, "classes", numClasses)
	return &SegregatedPoolAllocator{pagePool: p}, nil
}
