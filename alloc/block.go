package alloc

import (
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/tieralloc/internal/check"
	"github.com/joshuapare/tieralloc/internal/format"
)

// Free chunk layout. A freed block becomes a chunk header holding a stack of
// other free block offsets:
//
//	0x00  next      link to the previous chunk (offset+1, 0 = none)
//	0x08  count     entries in use
//	0x10  capacity  entries that fit in the block
//	0x18  entries   count little-endian offsets
const (
	chunkNextOffset     = 0x00
	chunkCountOffset    = 0x08
	chunkCapacityOffset = 0x10
	chunkEntriesOffset  = 0x18
	chunkEntrySize      = 8
)

// BlockAllocator hands out fixed-size, page-multiple blocks.
//
// Free blocks are tracked in chunks stored inside freed blocks themselves.
// Every other freed block is decommitted, so a BlockAllocator returns memory
// to the OS as it drains. Fresh blocks are carved from a LinearAllocator.
type BlockAllocator struct {
	lin       *LinearAllocator
	a         *arena
	name      string
	log       *slog.Logger
	blockSize int

	// chunk is the offset of the current free chunk header, or -1.
	chunk int

	// free has one bit per block, set while the block is free.
	free bitset

	stats Stats
}

// NewBlock creates a BlockAllocator over capacity bytes. blockSize is rounded
// up to the page size.
func NewBlock(capacity, blockSize int, opts Options) (*BlockAllocator, error) {
	if blockSize < 1 {
		return nil, errors.Wrapf(ErrInvalidSize, "block size %d", blockSize)
	}
	name := opts.name("block")
	lin, err := NewLinear(capacity, opts.child(name+".linear", opts.Region))
	if err != nil {
		return nil, err
	}

	blockSize = format.RoundUp(blockSize, lin.a.pageSize())
	if blockSize > lin.a.size() {
		_ = lin.Close()
		return nil, errors.Wrapf(ErrInvalidSize, "block size %d exceeds capacity %d", blockSize, lin.a.size())
	}

	ba := &BlockAllocator{
		lin:       lin,
		a:         lin.a,
		name:      name,
		log:       opts.logger(name),
		blockSize: blockSize,
		chunk:     -1,
		free:      newBitset(lin.a.size() / blockSize),
	}
	ba.log.Debug("created", "capacity", lin.a.size(), "block_size", blockSize)
	return ba, nil
}

// BlockSize returns the size of every block.
func (ba *BlockAllocator) BlockSize() int { return ba.blockSize }

// Allocate returns one block; size may be anything up to BlockSize.
func (ba *BlockAllocator) Allocate(size int) ([]byte, error) {
	if err := validateRequest(size, ba.blockSize); err != nil {
		ba.stats.Failures++
		return nil, err
	}
	off, err := ba.allocBlock()
	if err != nil {
		ba.stats.Failures++
		return nil, err
	}
	ba.stats.recordAlloc(ba.blockSize)
	return ba.a.slice(off, size), nil
}

// AllocateAligned returns a block whose address is a multiple of alignment.
// Blocks are aligned to the largest power of two dividing both the arena
// base and the block size; larger alignments fail with ErrBadAlignment.
func (ba *BlockAllocator) AllocateAligned(size, alignment int) ([]byte, error) {
	if err := validateAlignment(alignment); err != nil {
		ba.stats.Failures++
		return nil, err
	}
	if alignment > ba.blockAlignment() {
		ba.stats.Failures++
		return nil, errors.Wrapf(ErrBadAlignment, "%s: alignment %d above block alignment %d",
			ba.name, alignment, ba.blockAlignment())
	}
	return ba.Allocate(size)
}

// blockAlignment is the alignment every block address is guaranteed to have.
func (ba *BlockAllocator) blockAlignment() int {
	return min(format.AddrAlignment(ba.a.base), format.AddrAlignment(uintptr(ba.blockSize)))
}

// allocBlock pops a free block, recycles an exhausted chunk header, or carves
// a fresh block from the linear allocator.
func (ba *BlockAllocator) allocBlock() (int, error) {
	if c := ba.chunk; c >= 0 {
		mem := ba.a.mem
		count := int(format.ReadU64(mem, c+chunkCountOffset))
		if count > 0 {
			count--
			off := int(format.ReadU64(mem, c+chunkEntriesOffset+count*chunkEntrySize))
			format.PutU64(mem, c+chunkCountOffset, uint64(count))
			if err := ba.a.commit(off, ba.blockSize); err != nil {
				format.PutU64(mem, c+chunkCountOffset, uint64(count+1))
				return 0, err
			}
			ba.free.clear(off / ba.blockSize)
			return off, nil
		}

		// The chunk is empty; the header block itself is handed out.
		ba.chunk = format.ReadLink(mem, c+chunkNextOffset)
		ba.free.clear(c / ba.blockSize)
		return c, nil
	}

	off, err := ba.lin.bump(0, ba.blockSize)
	if err != nil {
		return 0, err
	}
	ba.stats.GrowCalls++
	return off, nil
}

// Free returns a block. Unless the block becomes the new chunk header its
// pages are decommitted.
func (ba *BlockAllocator) Free(b []byte) {
	off, ok := ba.a.offset(b)
	check.Invariant(ok, "%s: free of foreign pointer %#x", ba.name, addrOf(b))
	check.Invariant(off%ba.blockSize == 0 && off < ba.lin.head,
		"%s: free of %#x which is not a block start", ba.name, addrOf(b))
	idx := off / ba.blockSize
	check.Invariant(!ba.free.has(idx), "%s: double free of block at offset %d", ba.name, off)

	ba.freeBlock(off)
	ba.stats.recordFree(ba.blockSize)
}

func (ba *BlockAllocator) freeBlock(off int) {
	mem := ba.a.mem
	ba.free.set(off / ba.blockSize)

	if c := ba.chunk; c >= 0 {
		count := int(format.ReadU64(mem, c+chunkCountOffset))
		if count < int(format.ReadU64(mem, c+chunkCapacityOffset)) {
			format.PutU64(mem, c+chunkEntriesOffset+count*chunkEntrySize, uint64(off))
			format.PutU64(mem, c+chunkCountOffset, uint64(count+1))
			if err := ba.a.decommit(off, ba.blockSize); err != nil {
				ba.log.Warn("decommit failed", "offset", off, "error", err)
			}
			return
		}
	}

	// No chunk or the current one is full: the block becomes the new header.
	format.PutLink(mem, off+chunkNextOffset, ba.chunk)
	format.PutU64(mem, off+chunkCountOffset, 0)
	format.PutU64(mem, off+chunkCapacityOffset, uint64((ba.blockSize-chunkEntriesOffset)/chunkEntrySize))
	ba.chunk = off
}

// liveBlock reports whether addr is the start of a block currently handed out.
func (ba *BlockAllocator) liveBlock(addr uintptr) bool {
	off, ok := ba.a.region.Offset(addr)
	return ok && off%ba.blockSize == 0 && off < ba.lin.head && !ba.free.has(off/ba.blockSize)
}

// Owns reports whether b lies in the arena.
func (ba *BlockAllocator) Owns(b []byte) bool { return ba.a.owns(b) }

// MaxAllocationSize returns the block size.
func (ba *BlockAllocator) MaxAllocationSize() int { return ba.blockSize }

// Name returns the allocator name.
func (ba *BlockAllocator) Name() string { return ba.name }

// CommitSize returns the committed bytes of the arena.
func (ba *BlockAllocator) CommitSize() int { return ba.a.region.CommitSize() }

// Stats returns a snapshot of the counters.
func (ba *BlockAllocator) Stats() Stats {
	s := ba.stats
	s.Name = ba.name
	s.ReservedBytes = ba.a.size()
	s.CommittedBytes = ba.CommitSize()
	return s
}

// Close releases the reservation if the allocator owns it.
func (ba *BlockAllocator) Close() error { return ba.lin.Close() }
