package alloc

import (
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/tieralloc/internal/check"
	"github.com/joshuapare/tieralloc/internal/format"
)

// TLSF block header, little-endian words at the block offset:
//
//	0x00  size | flags   block size including the header; bit0 busy, bit1 last
//	0x08  previous      physically preceding block (offset+1, 0 = none)
//	0x10  nextFree      next block in the same free list (free blocks only)
//	0x18  prevFree      previous block in the same free list (free blocks only)
//
// A busy block stores its own offset (offset+1) in the word just before the
// payload. For unaligned allocations that word is prevFree.
const (
	tlsfSizeOffset     = 0x00
	tlsfPrevPhysOffset = 0x08
	tlsfNextFreeOffset = 0x10
	tlsfPrevFreeOffset = 0x18
	tlsfHeaderSize     = 32
	tlsfMinBlockSize   = 48

	tlsfFlagBusy = 1 << 0
	tlsfFlagLast = 1 << 1
	tlsfFlagMask = format.Granularity - 1

	// MaxSecondLevelIndex bounds the second-level index to one uint64 bitmap.
	MaxSecondLevelIndex = 6

	// DefaultSecondLevelIndex splits every power-of-two range into 16 lists.
	DefaultSecondLevelIndex = 4

	// tlsfSlowPathScan caps the exact-fit scan of the round-down list.
	tlsfSlowPathScan = 32
)

// TLSFAllocator is a two-level segregated fit allocator.
//
// Free blocks are indexed by a two-level bitmap so that a fitting block is
// found in constant time. Allocation splits the found block when the
// remainder can hold a block of its own; Free coalesces with both physical
// neighbours immediately. New blocks are carved from a LinearAllocator, and
// the arena only shrinks when Trim is called.
//
// All methods are safe for concurrent use.
type TLSFAllocator struct {
	mu   sync.Mutex
	lin  *LinearAllocator
	a    *arena
	name string
	log  *slog.Logger
	idx  tlsfIndex

	// last is the physically last block, or -1 before the first carve.
	last      int
	freeBytes int

	stats Stats
}

// NewTLSF creates a TLSFAllocator over capacity bytes. secondLevelIndex is
// the log2 of the number of lists per power-of-two range, from 1 to
// MaxSecondLevelIndex; 0 selects DefaultSecondLevelIndex.
func NewTLSF(capacity, secondLevelIndex int, opts Options) (*TLSFAllocator, error) {
	if secondLevelIndex == 0 {
		secondLevelIndex = DefaultSecondLevelIndex
	}
	if secondLevelIndex < 1 || secondLevelIndex > MaxSecondLevelIndex {
		return nil, errors.Wrapf(ErrInvalidSize, "second level index %d not in [1, %d]",
			secondLevelIndex, MaxSecondLevelIndex)
	}

	name := opts.name("tlsf")
	lin, err := NewLinear(capacity, opts.child(name+".linear", opts.Region))
	if err != nil {
		return nil, err
	}
	if lin.a.size() < tlsfMinBlockSize {
		_ = lin.Close()
		return nil, errors.Wrapf(ErrInvalidSize, "capacity %d below minimum block", lin.a.size())
	}

	t := &TLSFAllocator{
		lin:  lin,
		a:    lin.a,
		name: name,
		log:  opts.logger(name),
		idx:  newTLSFIndex(lin.a.size(), secondLevelIndex),
		last: -1,
	}
	t.log.Debug("created", "capacity", lin.a.size(), "sli", secondLevelIndex, "fl_count", t.idx.flCount)
	return t, nil
}

// blockSizeFor returns the block size needed for a payload of size bytes.
func blockSizeFor(size int) int {
	return max(format.AlignUp(size+tlsfHeaderSize, format.Granularity), tlsfMinBlockSize)
}

func (t *TLSFAllocator) header(o int) (int, uint64) {
	w := format.ReadU64(t.a.mem, o+tlsfSizeOffset)
	return int(w &^ tlsfFlagMask), w & tlsfFlagMask
}

func (t *TLSFAllocator) setHeader(o, size int, flags uint64) {
	format.PutU64(t.a.mem, o+tlsfSizeOffset, uint64(size)|flags)
}

// Allocate returns a block of at least size bytes aligned to format.Granularity.
func (t *TLSFAllocator) Allocate(size int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := validateRequest(size, t.MaxAllocationSize()); err != nil {
		t.stats.Failures++
		return nil, err
	}
	o, err := t.acquire(blockSizeFor(size))
	if err != nil {
		t.stats.Failures++
		return nil, err
	}

	p := o + tlsfHeaderSize
	format.PutLink(t.a.mem, p-8, o)
	bs, _ := t.header(o)
	t.stats.recordAlloc(bs)
	return t.a.slice(p, size), nil
}

// AllocateAligned over-allocates by alignment-Granularity bytes and places the
// payload on the first aligned address inside the block. The base slot just
// before the payload lets Free find the header again.
func (t *TLSFAllocator) AllocateAligned(size, alignment int) ([]byte, error) {
	if err := validateAlignment(alignment); err != nil {
		t.mu.Lock()
		t.stats.Failures++
		t.mu.Unlock()
		return nil, err
	}
	if alignment <= format.Granularity {
		return t.Allocate(size)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := validateRequest(size, t.MaxAllocationSize()); err != nil {
		t.stats.Failures++
		return nil, err
	}
	need := blockSizeFor(size + alignment - format.Granularity)
	if need > t.a.size() {
		t.stats.Failures++
		return nil, errors.Wrapf(ErrTooLarge, "%s: %d bytes aligned to %d", t.name, size, alignment)
	}
	o, err := t.acquire(need)
	if err != nil {
		t.stats.Failures++
		return nil, err
	}

	base := t.a.base
	p := int(format.AlignUpPtr(base+uintptr(o+tlsfHeaderSize), alignment) - base)
	format.PutLink(t.a.mem, p-8, o)
	bs, _ := t.header(o)
	t.stats.recordAlloc(bs)
	return t.a.slice(p, size), nil
}

// acquire returns a busy block of at least need bytes.
func (t *TLSFAllocator) acquire(need int) (int, error) {
	if o := t.findFree(need); o >= 0 {
		t.remove(o)
		t.split(o, need)
		size, flags := t.header(o)
		t.setHeader(o, size, flags|tlsfFlagBusy)
		return o, nil
	}
	return t.carve(need)
}

// findFree returns a free block of at least need bytes, or -1.
func (t *TLSFAllocator) findFree(need int) int {
	fl, sl := t.idx.searchMapping(need)
	if fl, sl, ok := t.idx.find(fl, sl); ok {
		return t.idx.heads[t.idx.list(fl, sl)]
	}

	// Slow path: the round-down list may still hold a block that fits.
	fl, sl = t.idx.mapping(need)
	if fl >= t.idx.flCount {
		return -1
	}
	o := t.idx.heads[t.idx.list(fl, sl)]
	for n := 0; o >= 0 && n < tlsfSlowPathScan; n++ {
		if size, _ := t.header(o); size >= need {
			return o
		}
		o = format.ReadLink(t.a.mem, o+tlsfNextFreeOffset)
	}
	return -1
}

// carve takes need bytes from the linear allocator, extending the last block
// when it is free.
func (t *TLSFAllocator) carve(need int) (int, error) {
	if o := t.last; o >= 0 {
		if size, flags := t.header(o); flags&tlsfFlagBusy == 0 {
			t.remove(o)
			if size < need {
				if _, err := t.lin.bump(0, need-size); err != nil {
					t.insert(o)
					return -1, t.exhausted(need, err)
				}
				t.stats.GrowCalls++
				size = need
			}
			t.setHeader(o, size, flags)
			t.split(o, need)
			size, flags = t.header(o)
			t.setHeader(o, size, flags|tlsfFlagBusy)
			return o, nil
		}
	}

	o, err := t.lin.bump(0, need)
	if err != nil {
		return -1, t.exhausted(need, err)
	}
	t.stats.GrowCalls++

	if prev := t.last; prev >= 0 {
		size, flags := t.header(prev)
		t.setHeader(prev, size, flags&^tlsfFlagLast)
	}
	t.setHeader(o, need, tlsfFlagBusy|tlsfFlagLast)
	format.PutLink(t.a.mem, o+tlsfPrevPhysOffset, t.last)
	t.last = o
	return o, nil
}

func (t *TLSFAllocator) exhausted(need int, err error) error {
	t.log.Debug("exhausted", "need", need, "head", t.lin.head, "free_bytes", t.freeBytes)
	return err
}

// split shrinks block o to need bytes when the remainder can stand alone,
// and files the remainder as a free block.
func (t *TLSFAllocator) split(o, need int) {
	size, flags := t.header(o)
	rem := size - need
	if rem < tlsfMinBlockSize {
		return
	}

	n := o + need
	t.setHeader(n, rem, flags&tlsfFlagLast)
	format.PutLink(t.a.mem, n+tlsfPrevPhysOffset, o)
	if flags&tlsfFlagLast != 0 {
		t.last = n
	} else {
		format.PutLink(t.a.mem, n+rem+tlsfPrevPhysOffset, n)
	}
	t.setHeader(o, need, flags&^tlsfFlagLast)
	t.insert(n)
	t.stats.SplitCount++
}

// Free returns a block and merges it with free physical neighbours.
func (t *TLSFAllocator) Free(b []byte) {
	p, ok := t.a.offset(b)
	check.Invariant(ok, "%s: free of foreign pointer %#x", t.name, addrOf(b))

	t.mu.Lock()
	defer t.mu.Unlock()

	check.Invariant(p%format.Granularity == 0 && p >= tlsfHeaderSize && p < t.lin.head,
		"%s: free of %#x which is not a payload address", t.name, addrOf(b))
	o := format.ReadLink(t.a.mem, p-8)
	check.Invariant(o >= 0 && o+tlsfHeaderSize <= p && o%format.Granularity == 0,
		"%s: free of %#x with corrupt base slot", t.name, addrOf(b))
	size, flags := t.header(o)
	check.Invariant(flags&tlsfFlagBusy != 0, "%s: double free of block at offset %d", t.name, o)
	check.Invariant(size >= tlsfMinBlockSize && p+cap(b) <= o+size && o+size <= t.lin.head,
		"%s: free of %#x does not match block [%d, %d)", t.name, addrOf(b), o, o+size)

	t.stats.recordFree(size)
	t.setHeader(o, size, flags&^tlsfFlagBusy)
	t.insert(t.coalesce(o))
}

// coalesce merges free block o with its free neighbours and returns the
// offset of the merged block, which is not yet in the index.
func (t *TLSFAllocator) coalesce(o int) int {
	mem := t.a.mem
	size, flags := t.header(o)

	if flags&tlsfFlagLast == 0 {
		n := o + size
		if ns, nf := t.header(n); nf&tlsfFlagBusy == 0 {
			t.remove(n)
			size += ns
			flags |= nf & tlsfFlagLast
			t.stats.CoalesceForward++
		}
	}

	if prev := format.ReadLink(mem, o+tlsfPrevPhysOffset); prev >= 0 {
		if ps, pf := t.header(prev); pf&tlsfFlagBusy == 0 {
			t.remove(prev)
			size += ps
			o = prev
			t.stats.CoalesceBackward++
		}
	}

	t.setHeader(o, size, flags&tlsfFlagLast)
	if flags&tlsfFlagLast != 0 {
		t.last = o
	} else {
		format.PutLink(mem, o+size+tlsfPrevPhysOffset, o)
	}
	return o
}

// insert pushes free block o on the list for its exact size.
func (t *TLSFAllocator) insert(o int) {
	mem := t.a.mem
	size, _ := t.header(o)
	fl, sl := t.idx.mapping(size)
	l := t.idx.list(fl, sl)

	head := t.idx.heads[l]
	format.PutLink(mem, o+tlsfNextFreeOffset, head)
	format.PutLink(mem, o+tlsfPrevFreeOffset, -1)
	if head >= 0 {
		format.PutLink(mem, head+tlsfPrevFreeOffset, o)
	}
	t.idx.heads[l] = o
	t.idx.markNonEmpty(fl, sl)
	t.freeBytes += size
}

// remove unlinks free block o from the list for its exact size.
func (t *TLSFAllocator) remove(o int) {
	mem := t.a.mem
	size, _ := t.header(o)
	fl, sl := t.idx.mapping(size)
	l := t.idx.list(fl, sl)

	next := format.ReadLink(mem, o+tlsfNextFreeOffset)
	prev := format.ReadLink(mem, o+tlsfPrevFreeOffset)
	if prev >= 0 {
		format.PutLink(mem, prev+tlsfNextFreeOffset, next)
	} else {
		check.Invariant(t.idx.heads[l] == o, "%s: free block %d missing from list (%d, %d)", t.name, o, fl, sl)
		t.idx.heads[l] = next
	}
	if next >= 0 {
		format.PutLink(mem, next+tlsfPrevFreeOffset, prev)
	}
	if t.idx.heads[l] < 0 {
		t.idx.markEmpty(fl, sl)
	}
	t.freeBytes -= size
}

// Trim returns a free last block to the linear allocator, decommitting its
// whole pages, and reports how many bytes were released.
func (t *TLSFAllocator) Trim() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	o := t.last
	if o < 0 {
		return 0
	}
	size, flags := t.header(o)
	if flags&tlsfFlagBusy != 0 {
		return 0
	}

	t.remove(o)
	prev := format.ReadLink(t.a.mem, o+tlsfPrevPhysOffset)
	if prev >= 0 {
		ps, pf := t.header(prev)
		t.setHeader(prev, ps, pf|tlsfFlagLast)
	}
	t.last = prev
	t.lin.retractTo(o)

	t.log.Debug("trim", "offset", o, "size", size)
	return size
}

// Owns reports whether b lies in the arena.
func (t *TLSFAllocator) Owns(b []byte) bool { return t.a.owns(b) }

// MaxAllocationSize returns the largest payload a single block can hold.
func (t *TLSFAllocator) MaxAllocationSize() int {
	return format.AlignDown(t.a.size(), format.Granularity) - tlsfHeaderSize
}

// FreeBytes returns the total size of the blocks in the free lists.
func (t *TLSFAllocator) FreeBytes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.freeBytes
}

// Name returns the allocator name.
func (t *TLSFAllocator) Name() string { return t.name }

// CommitSize returns the committed bytes of the arena.
func (t *TLSFAllocator) CommitSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.a.region.CommitSize()
}

// Stats returns a snapshot of the counters.
func (t *TLSFAllocator) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.Name = t.name
	s.ReservedBytes = t.a.size()
	s.CommittedBytes = t.a.region.CommitSize()
	return s
}

// Close releases the reservation if the allocator owns it.
func (t *TLSFAllocator) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lin.Close()
}
