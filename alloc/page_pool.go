package alloc

import (
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/tieralloc/internal/check"
	"github.com/joshuapare/tieralloc/internal/format"
)

// Pool page layout. Blocks of one class are laid out from the page start;
// the trailer occupies the last 32 bytes:
//
//	0x00  class     u32
//	0x04  used      u32  live blocks
//	0x08  freeHead  u32  in-page offset+1 of the first free block, 0 = none
//	0x0C  bump      u32  in-page offset of the first never-used block
//	0x10  next      u64  next active page (offset+1)
//	0x18  prev      u64  previous active page (offset+1)
//
// A free block stores the next free block (in-page offset+1) in its first
// word and freeBlockMarker in its second.
const (
	pageTrailerSize     = 32
	trailerClassOffset  = 0x00
	trailerUsedOffset   = 0x04
	trailerFreeOffset   = 0x08
	trailerBumpOffset   = 0x0C
	trailerNextOffset   = 0x10
	trailerPrevOffset   = 0x18
	freeBlockMarker     = 0xF4EEB10C
	minPoolAllocSize    = 8
	poolAllocSizeFactor = 8
)

// poolClass is one size class of a page pool.
type poolClass struct {
	size   int
	blocks *BlockAllocator // source of pages for this class

	// active is the first page with free blocks, or -1. Full pages are
	// unlinked ("discarded") and relinked ("restored") on their next free.
	active int
	pages  int // pages on the active list
}

// pagePool is the engine shared by SegregatedPoolAllocator and
// ClusteredPoolAllocator. Offsets are relative to the pool arena.
type pagePool struct {
	a        *arena
	name     string
	log      *slog.Logger
	pageSize int
	classes  []poolClass

	// classFor maps a request size to the smallest class that fits it.
	classFor func(size int) int

	// blocksAt returns the BlockAllocator whose range holds page.
	blocksAt func(page int) *BlockAllocator

	stats Stats
}

func validatePoolParams(pageSize, minAllocSize int) error {
	if minAllocSize < minPoolAllocSize || minAllocSize%poolAllocSizeFactor != 0 {
		return errors.Wrapf(ErrInvalidSize, "minimum allocation size %d must be a positive multiple of %d",
			minAllocSize, poolAllocSizeFactor)
	}
	if pageSize <= pageTrailerSize {
		return errors.Wrapf(ErrInvalidSize, "page size %d", pageSize)
	}
	return nil
}

func (p *pagePool) limit() int { return p.pageSize - pageTrailerSize }

func (p *pagePool) trailer(page int) int { return page + p.limit() }

func (p *pagePool) full(page int, size int) bool {
	t := p.trailer(page)
	return format.ReadU32(p.a.mem, t+trailerFreeOffset) == 0 &&
		int(format.ReadU32(p.a.mem, t+trailerBumpOffset))+size > p.limit()
}

// pageAlignment is the alignment every page address is guaranteed to have.
func (p *pagePool) pageAlignment() int {
	return min(format.AddrAlignment(p.a.base), format.AddrAlignment(uintptr(p.pageSize)))
}

// MaxAllocationSize returns the size of the largest class.
func (p *pagePool) MaxAllocationSize() int { return p.classes[len(p.classes)-1].size }

// Allocate returns a block from the smallest class that fits size.
func (p *pagePool) Allocate(size int) ([]byte, error) {
	if err := validateRequest(size, p.MaxAllocationSize()); err != nil {
		p.stats.Failures++
		return nil, err
	}
	return p.allocateFrom(p.classFor(size), size)
}

// AllocateAligned picks the smallest class at least size bytes whose block
// size is a multiple of alignment. Alignments above the page alignment fail.
func (p *pagePool) AllocateAligned(size, alignment int) ([]byte, error) {
	if err := validateAlignment(alignment); err != nil {
		p.stats.Failures++
		return nil, err
	}
	if err := validateRequest(size, p.MaxAllocationSize()); err != nil {
		p.stats.Failures++
		return nil, err
	}
	if alignment > p.pageAlignment() {
		p.stats.Failures++
		return nil, errors.Wrapf(ErrBadAlignment, "%s: alignment %d above page alignment %d",
			p.name, alignment, p.pageAlignment())
	}
	for c := p.classFor(size); c < len(p.classes); c++ {
		if p.classes[c].size%alignment == 0 {
			return p.allocateFrom(c, size)
		}
	}
	p.stats.Failures++
	return nil, errors.Wrapf(ErrTooLarge, "%s: no class holds %d bytes aligned to %d", p.name, size, alignment)
}

func (p *pagePool) allocateFrom(c, size int) ([]byte, error) {
	cl := &p.classes[c]
	page := cl.active
	if page < 0 {
		var err error
		if page, err = p.newPage(c); err != nil {
			p.stats.Failures++
			return nil, err
		}
	}

	mem := p.a.mem
	t := p.trailer(page)
	var blk int
	if head := int(format.ReadU32(mem, t+trailerFreeOffset)); head != 0 {
		blk = page + head - 1
		format.PutU32(mem, t+trailerFreeOffset, format.ReadU32(mem, blk))
		format.PutU32(mem, blk+4, 0)
	} else {
		bump := int(format.ReadU32(mem, t+trailerBumpOffset))
		blk = page + bump
		format.PutU32(mem, t+trailerBumpOffset, uint32(bump+cl.size))
	}
	format.PutU32(mem, t+trailerUsedOffset, format.ReadU32(mem, t+trailerUsedOffset)+1)

	if p.full(page, cl.size) {
		p.unlink(c, page)
	}

	p.stats.recordAlloc(cl.size)
	return p.a.slice(blk, size), nil
}

// newPage takes a page from the class's BlockAllocator and makes it the
// head of the active list.
func (p *pagePool) newPage(c int) (int, error) {
	b, err := p.classes[c].blocks.Allocate(p.pageSize)
	if err != nil {
		p.log.Debug("exhausted", "class", c, "size", p.classes[c].size)
		return 0, err
	}
	page := int(addrOf(b) - p.a.base)

	t := p.trailer(page)
	mem := p.a.mem
	format.PutU32(mem, t+trailerClassOffset, uint32(c))
	format.PutU32(mem, t+trailerUsedOffset, 0)
	format.PutU32(mem, t+trailerFreeOffset, 0)
	format.PutU32(mem, t+trailerBumpOffset, 0)
	p.link(c, page)

	p.stats.GrowCalls++
	p.log.Debug("page", "class", c, "offset", page)
	return page, nil
}

// Free returns a block to its page. A full page is restored to the active
// list; an empty page that is not its class's only active page is returned
// to the BlockAllocator.
func (p *pagePool) Free(b []byte) {
	off, ok := p.a.offset(b)
	check.Invariant(ok, "%s: free of foreign pointer %#x", p.name, addrOf(b))
	page := off - off%p.pageSize
	blocks := p.blocksAt(page)
	check.Invariant(blocks.liveBlock(p.a.base+uintptr(page)),
		"%s: free of %#x in a page that is not allocated", p.name, addrOf(b))

	mem := p.a.mem
	t := p.trailer(page)
	c := int(format.ReadU32(mem, t+trailerClassOffset))
	check.Invariant(c < len(p.classes), "%s: corrupt page trailer at %d", p.name, page)
	cl := &p.classes[c]
	rel := off - page
	check.Invariant(rel%cl.size == 0 && rel < int(format.ReadU32(mem, t+trailerBumpOffset)),
		"%s: free of %#x which is not a block start", p.name, addrOf(b))
	check.Invariant(!p.isFree(page, rel), "%s: double free of block at offset %d", p.name, off)

	wasFull := p.full(page, cl.size)
	format.PutU32(mem, off, format.ReadU32(mem, t+trailerFreeOffset))
	format.PutU32(mem, off+4, freeBlockMarker)
	format.PutU32(mem, t+trailerFreeOffset, uint32(rel+1))
	used := format.ReadU32(mem, t+trailerUsedOffset) - 1
	format.PutU32(mem, t+trailerUsedOffset, used)
	p.stats.recordFree(cl.size)

	if wasFull {
		p.link(c, page)
	}
	if used == 0 && cl.pages > 1 {
		p.unlink(c, page)
		blocks.Free(p.a.slice(page, p.pageSize))
		p.log.Debug("page released", "class", c, "offset", page)
	}
}

// isFree reports whether the block at rel is on its page's free list. The
// marker makes the common case a single load; the list walk confirms it.
func (p *pagePool) isFree(page, rel int) bool {
	mem := p.a.mem
	if format.ReadU32(mem, page+rel+4) != freeBlockMarker {
		return false
	}
	for f := int(format.ReadU32(mem, p.trailer(page)+trailerFreeOffset)); f != 0; {
		if f-1 == rel {
			return true
		}
		f = int(format.ReadU32(mem, page+f-1))
	}
	return false
}

func (p *pagePool) link(c, page int) {
	cl := &p.classes[c]
	mem := p.a.mem
	t := p.trailer(page)
	format.PutLink(mem, t+trailerNextOffset, cl.active)
	format.PutLink(mem, t+trailerPrevOffset, -1)
	if cl.active >= 0 {
		format.PutLink(mem, p.trailer(cl.active)+trailerPrevOffset, page)
	}
	cl.active = page
	cl.pages++
}

func (p *pagePool) unlink(c, page int) {
	cl := &p.classes[c]
	mem := p.a.mem
	t := p.trailer(page)
	next := format.ReadLink(mem, t+trailerNextOffset)
	prev := format.ReadLink(mem, t+trailerPrevOffset)
	if prev >= 0 {
		format.PutLink(mem, p.trailer(prev)+trailerNextOffset, next)
	} else {
		cl.active = next
	}
	if next >= 0 {
		format.PutLink(mem, p.trailer(next)+trailerPrevOffset, prev)
	}
	cl.pages--
}

// Owns reports whether b lies in the pool arena.
func (p *pagePool) Owns(b []byte) bool { return p.a.owns(b) }

// Name returns the allocator name.
func (p *pagePool) Name() string { return p.name }

// CommitSize returns the committed bytes of the pool arena.
func (p *pagePool) CommitSize() int { return p.a.region.CommitSize() }

// Stats returns a snapshot of the counters.
func (p *pagePool) Stats() Stats {
	s := p.stats
	s.Name = p.name
	s.ReservedBytes = p.a.size()
	s.CommittedBytes = p.CommitSize()
	return s
}

// ClassSizes returns the block size of every class.
func (p *pagePool) ClassSizes() []int {
	sizes := make([]int, len(p.classes))
	for i, cl := range p.classes {
		sizes[i] = cl.size
	}
	return sizes
}

// Close releases the reservation if the pool owns it.
func (p *pagePool) Close() error { return p.a.close() }
