package alloc

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/tieralloc/internal/format"
)

// TestTLSF_ReuseFreedBlock tests that a freed block is handed out again for an
// equal request without growing the arena.
func TestTLSF_ReuseFreedBlock(t *testing.T) {
	ta := newTestTLSF(t, 1<<20)

	p1, err := ta.Allocate(100)
	require.NoError(t, err)
	p2, err := ta.Allocate(100)
	require.NoError(t, err)
	p3, err := ta.Allocate(100)
	require.NoError(t, err)
	grows := ta.Stats().GrowCalls

	ta.Free(p2)
	require.NoError(t, ta.Validate())

	p4, err := ta.Allocate(100)
	require.NoError(t, err)
	assert.Equal(t, addrOf(p2), addrOf(p4))
	assert.Equal(t, grows, ta.Stats().GrowCalls)

	requireNoOverlap(t, [][]byte{p1, p3, p4})
	require.NoError(t, ta.Validate())
}

// TestTLSF_HeaderLayout tests the in-memory block header.
func TestTLSF_HeaderLayout(t *testing.T) {
	ta := newTestTLSF(t, 1<<20)

	a, err := ta.Allocate(100)
	require.NoError(t, err)
	b, err := ta.Allocate(1)
	require.NoError(t, err)

	pa, _ := ta.a.offset(a)
	pb, _ := ta.a.offset(b)
	assert.Equal(t, tlsfHeaderSize, pa)
	assert.Equal(t, 144+tlsfHeaderSize, pb)

	size, flags := ta.header(0)
	assert.Equal(t, 144, size)
	assert.Equal(t, uint64(tlsfFlagBusy), flags)

	size, flags = ta.header(144)
	assert.Equal(t, tlsfMinBlockSize, size)
	assert.Equal(t, uint64(tlsfFlagBusy|tlsfFlagLast), flags)
	assert.Equal(t, 0, format.ReadLink(ta.a.mem, 144+tlsfPrevPhysOffset))
	assert.Equal(t, 144, format.ReadLink(ta.a.mem, pb-8), "base slot holds the block offset")
}

// TestTLSF_Coalesce tests merging with both neighbours.
func TestTLSF_Coalesce(t *testing.T) {
	ta := newTestTLSF(t, 1<<20)

	blocks := make([][]byte, 5)
	for i := range blocks {
		b, err := ta.Allocate(200)
		require.NoError(t, err)
		blocks[i] = b
	}
	bs := blockSizeFor(200)

	ta.Free(blocks[1])
	ta.Free(blocks[3])
	assert.Equal(t, 2*bs, ta.FreeBytes())

	// Freeing the middle block merges forward and backward
	ta.Free(blocks[2])
	s := ta.Stats()
	assert.Equal(t, 1, s.CoalesceForward)
	assert.Equal(t, 1, s.CoalesceBackward)
	assert.Equal(t, 3*bs, ta.FreeBytes())
	require.NoError(t, ta.Validate())

	// The merged block serves a request three times the size in place
	big, err := ta.Allocate(3*bs - tlsfHeaderSize)
	require.NoError(t, err)
	assert.Equal(t, addrOf(blocks[1]), addrOf(big))
	assert.Zero(t, ta.FreeBytes())
	require.NoError(t, ta.Validate())
}

// TestTLSF_Split tests that a large free block is split and the remainder filed.
func TestTLSF_Split(t *testing.T) {
	ta := newTestTLSF(t, 1<<20)

	a, err := ta.Allocate(4000)
	require.NoError(t, err)
	guard, err := ta.Allocate(16)
	require.NoError(t, err)
	ta.Free(a)

	b, err := ta.Allocate(100)
	require.NoError(t, err)
	assert.Equal(t, addrOf(a), addrOf(b))
	assert.Equal(t, 1, ta.Stats().SplitCount)
	assert.Equal(t, blockSizeFor(4000)-blockSizeFor(100), ta.FreeBytes())
	require.NoError(t, ta.Validate())

	// A remainder below the minimum block stays attached
	ta.Free(b)
	c, err := ta.Allocate(blockSizeFor(4000) - tlsfHeaderSize - 32)
	require.NoError(t, err)
	assert.Equal(t, addrOf(a), addrOf(c))
	assert.Equal(t, 1, ta.Stats().SplitCount)
	assert.Zero(t, ta.FreeBytes())

	ta.Free(guard)
	ta.Free(c)
	require.NoError(t, ta.Validate())
}

// TestTLSF_ExtendsFreeLastBlock tests that carving grows a free last block.
func TestTLSF_ExtendsFreeLastBlock(t *testing.T) {
	ta := newTestTLSF(t, 1<<20)

	a, err := ta.Allocate(100)
	require.NoError(t, err)
	b, err := ta.Allocate(100)
	require.NoError(t, err)
	ta.Free(b)

	c, err := ta.Allocate(1000)
	require.NoError(t, err)
	assert.Equal(t, addrOf(b), addrOf(c))
	assert.Equal(t, blockSizeFor(100)+blockSizeFor(1000), ta.lin.Head())
	require.NoError(t, ta.Validate())
	ta.Free(a)
	ta.Free(c)
	require.NoError(t, ta.Validate())
}

// TestTLSF_Aligned tests aligned allocation through the base slot.
func TestTLSF_Aligned(t *testing.T) {
	ta := newTestTLSF(t, 4<<20)

	var live [][]byte
	for _, align := range []int{1, 8, 16, 32, 64, 256, 4096, 65536} {
		for range 4 {
			_, err := ta.Allocate(24) // perturb the head
			require.NoError(t, err)
			b, err := ta.AllocateAligned(100, align)
			require.NoError(t, err)
			requireAligned(t, b, align)
			fill(b, byte(align))
			live = append(live, b)
		}
	}
	requireNoOverlap(t, live)
	require.NoError(t, ta.Validate())

	for _, b := range live {
		requireFilled(t, b, b[0])
		ta.Free(b)
	}
	require.NoError(t, ta.Validate())

	_, err := ta.AllocateAligned(100, 24)
	require.ErrorIs(t, err, ErrBadAlignment)
}

// TestTLSF_Trim tests returning the free tail to the OS.
func TestTLSF_Trim(t *testing.T) {
	ps := PageSize()
	ta := newTestTLSF(t, 1<<20)

	a, err := ta.Allocate(100)
	require.NoError(t, err)
	b, err := ta.Allocate(8 * ps)
	require.NoError(t, err)
	before := ta.CommitSize()

	assert.Zero(t, ta.Trim(), "busy last block is kept")

	ta.Free(b)
	released := ta.Trim()
	assert.Equal(t, blockSizeFor(8*ps), released)
	assert.Less(t, ta.CommitSize(), before)
	assert.Equal(t, blockSizeFor(100), ta.lin.Head())
	require.NoError(t, ta.Validate())

	// Allocation continues after the trimmed tail
	c, err := ta.Allocate(100)
	require.NoError(t, err)
	ta.Free(a)
	ta.Free(c)
	require.NoError(t, ta.Validate())
	assert.Equal(t, 2*blockSizeFor(100), ta.Trim())
	assert.Zero(t, ta.lin.Head())
}

// TestTLSF_FreePreconditions tests that invalid frees are fatal.
func TestTLSF_FreePreconditions(t *testing.T) {
	ta := newTestTLSF(t, 1<<20)

	a, err := ta.Allocate(100)
	require.NoError(t, err)
	_, err = ta.Allocate(100)
	require.NoError(t, err)

	requireAssertionPanic(t, func() { ta.Free(a[16:]) })
	requireAssertionPanic(t, func() { ta.Free(make([]byte, 16)) })

	ta.Free(a)
	requireAssertionPanic(t, func() { ta.Free(a) })
	require.NoError(t, ta.Validate())
}

// TestTLSF_Errors tests request validation and exhaustion.
func TestTLSF_Errors(t *testing.T) {
	ta := newTestTLSF(t, 64<<10)

	_, err := ta.Allocate(0)
	require.ErrorIs(t, err, ErrInvalidSize)
	_, err = ta.Allocate(ta.MaxAllocationSize() + 1)
	require.ErrorIs(t, err, ErrTooLarge)

	a, err := ta.Allocate(ta.MaxAllocationSize())
	require.NoError(t, err)
	_, err = ta.Allocate(1)
	require.ErrorIs(t, err, ErrOutOfMemory)
	ta.Free(a)

	_, err = NewTLSF(1<<20, MaxSecondLevelIndex+1, Options{})
	require.ErrorIs(t, err, ErrInvalidSize)
}

// TestTLSF_Randomized tests round-trip, no-overlap and index consistency under
// a random mix of sizes, alignments and frees.
func TestTLSF_Randomized(t *testing.T) {
	for _, sli := range []int{1, 4, 6} {
		ta, err := NewTLSF(16<<20, sli, Options{})
		require.NoError(t, err)

		rng := rand.New(rand.NewSource(int64(sli)))
		type entry struct {
			b   []byte
			tag byte
		}
		var live []entry
		for i := range 4000 {
			if len(live) > 0 && rng.Intn(5) < 2 {
				j := rng.Intn(len(live))
				requireFilled(t, live[j].b, live[j].tag)
				ta.Free(live[j].b)
				live[j] = live[len(live)-1]
				live = live[:len(live)-1]
			} else {
				size := 1 + rng.Intn(8192)
				var b []byte
				if rng.Intn(4) == 0 {
					align := 1 << rng.Intn(12)
					b, err = ta.AllocateAligned(size, align)
					require.NoError(t, err)
					requireAligned(t, b, align)
				} else {
					b, err = ta.Allocate(size)
					require.NoError(t, err)
				}
				fill(b, byte(i))
				live = append(live, entry{b, byte(i)})
			}
			if i%500 == 0 {
				require.NoError(t, ta.Validate(), "sli %d step %d", sli, i)
			}
		}

		all := make([][]byte, len(live))
		for i, e := range live {
			requireFilled(t, e.b, e.tag)
			all[i] = e.b
		}
		requireNoOverlap(t, all)

		for _, e := range live {
			ta.Free(e.b)
		}
		require.NoError(t, ta.Validate())
		assert.Zero(t, ta.Stats().LiveAllocations)
		ta.Trim()
		assert.Zero(t, ta.lin.Head(), "everything coalesces into one trimmable block")
		require.NoError(t, ta.Close())
	}
}

// TestTLSF_Concurrent tests that the mutex keeps the index consistent.
func TestTLSF_Concurrent(t *testing.T) {
	ta := newTestTLSF(t, 16<<20)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(g)))
			var live [][]byte
			for range 500 {
				b, err := ta.Allocate(1 + rng.Intn(2048))
				if err != nil {
					t.Error(err)
					return
				}
				live = append(live, b)
				if len(live) > 16 {
					ta.Free(live[0])
					live = live[1:]
				}
			}
			for _, b := range live {
				ta.Free(b)
			}
		}()
	}
	wg.Wait()

	require.NoError(t, ta.Validate())
	assert.Zero(t, ta.Stats().LiveAllocations)
}
