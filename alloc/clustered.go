package alloc

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/tieralloc/internal/format"
)

// ClusteredPoolAllocator is a page pool with doubling classes: class i holds
// blocks of minAllocSize<<i bytes. Each class owns a BlockAllocator over its
// own equal share of the arena, so classes never compete for pages.
type ClusteredPoolAllocator struct {
	*pagePool
	blocks []*BlockAllocator
}

// NewClusteredPool creates a pool of order doubling classes over capacity bytes.
func NewClusteredPool(capacity, pageSize, minAllocSize, order int, opts Options) (*ClusteredPoolAllocator, error) {
	if err := validatePoolParams(pageSize, minAllocSize); err != nil {
		return nil, err
	}
	if order < 1 || order > 32 {
		return nil, errors.Wrapf(ErrInvalidSize, "order %d", order)
	}

	a, err := newArena(capacity, 0, opts)
	if err != nil {
		return nil, err
	}
	pageSize = format.RoundUp(pageSize, a.pageSize())
	if largest := minAllocSize << (order - 1); largest > pageSize-pageTrailerSize {
		_ = a.close()
		return nil, errors.Wrapf(ErrInvalidSize, "largest class %d does not fit a %d byte page", largest, pageSize)
	}
	perClass := a.size() / order / pageSize * pageSize
	if perClass == 0 {
		_ = a.close()
		return nil, errors.Wrapf(ErrInvalidSize, "capacity %d too small for %d classes of %d byte pages",
			a.size(), order, pageSize)
	}

	name := opts.name("clustered")
	ca := &ClusteredPoolAllocator{blocks: make([]*BlockAllocator, order)}
	p := &pagePool{
		a:        a,
		name:     name,
		log:      opts.logger(name),
		pageSize: pageSize,
		classes:  make([]poolClass, order),
		classFor: func(size int) int {
			return format.CeilLog2((size + minAllocSize - 1) / minAllocSize)
		},
		blocksAt: func(page int) *BlockAllocator { return ca.blocks[min(page/perClass, order-1)] },
	}
	for i := range p.classes {
		sub, err := a.region.Split(i*perClass, perClass)
		if err != nil {
			_ = a.close()
			return nil, err
		}
		blocks, err := NewBlock(0, pageSize, opts.child(fmt.Sprintf("%s.class%d", name, i), sub))
		if err != nil {
			_ = a.close()
			return nil, err
		}
		ca.blocks[i] = blocks
		p.classes[i] = poolClass{size: minAllocSize << i, blocks: blocks, active: -1}
	}
	ca.pagePool = p

	p.log.Debug("created", "capacity", a.size(), "page_size", pageSize,
		"min_alloc", minAllocSize, "order", order, "per_class", perClass)
	return ca, nil
}
