package alloc

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPoolPage = 64 << 10

func newTestSegregated(t testing.TB) *SegregatedPoolAllocator {
	t.Helper()
	sp, err := NewSegregatedPool(4<<20, testPoolPage, 16, 32, Options{Name: "small"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sp.Close() })
	return sp
}

// TestSegregatedPool_ClassSelection tests that size s lands in class (s-1)/min.
func TestSegregatedPool_ClassSelection(t *testing.T) {
	sp := newTestSegregated(t)

	assert.Equal(t, 512, sp.MaxAllocationSize())
	sizes := sp.ClassSizes()
	assert.Equal(t, 16, sizes[0])
	assert.Equal(t, 512, sizes[31])

	tests := []struct {
		size  int
		class int
	}{
		{1, 0}, {16, 0}, {17, 1}, {32, 1}, {33, 2}, {512, 31},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.class, sp.classFor(tt.size), "size %d", tt.size)
	}

	_, err := sp.Allocate(513)
	require.ErrorIs(t, err, ErrTooLarge)
}

// TestSegregatedPool_SameClassSharesPage tests that blocks of one class are
// carved from one page at class-size strides.
func TestSegregatedPool_SameClassSharesPage(t *testing.T) {
	sp := newTestSegregated(t)

	a, err := sp.Allocate(20)
	require.NoError(t, err)
	b, err := sp.Allocate(30)
	require.NoError(t, err)
	c, err := sp.Allocate(100)
	require.NoError(t, err)

	assert.Equal(t, addrOf(a)+32, addrOf(b))
	assert.NotEqual(t, addrOf(a)/testPoolPage, addrOf(c)/testPoolPage, "different classes use different pages")
	assert.Equal(t, 2, sp.Stats().GrowCalls)
}

// TestSegregatedPool_DiscardRestore tests that full pages leave the active list
// and return on the next free.
func TestSegregatedPool_DiscardRestore(t *testing.T) {
	sp := newTestSegregated(t)
	const size = 512
	perPage := (testPoolPage - pageTrailerSize) / size
	c := sp.classFor(size)

	first := make([][]byte, perPage)
	for i := range first {
		b, err := sp.Allocate(size)
		require.NoError(t, err)
		first[i] = b
	}
	assert.Equal(t, -1, sp.classes[c].active, "full page is discarded")
	assert.Zero(t, sp.classes[c].pages)

	// The next allocation needs a second page
	extra, err := sp.Allocate(size)
	require.NoError(t, err)
	assert.Equal(t, 1, sp.classes[c].pages)

	// Freeing into the full page restores it as the active head
	sp.Free(first[10])
	assert.Equal(t, 2, sp.classes[c].pages)
	b, err := sp.Allocate(size)
	require.NoError(t, err)
	assert.Equal(t, addrOf(first[10]), addrOf(b))

	sp.Free(extra)
	sp.Free(b)
}

// TestSegregatedPool_ReleasesEmptyPages tests that an empty page is handed back
// unless it is the class's only active page.
func TestSegregatedPool_ReleasesEmptyPages(t *testing.T) {
	sp := newTestSegregated(t)
	const size = 512
	perPage := (testPoolPage - pageTrailerSize) / size
	c := sp.classFor(size)
	pages := sp.classes[c].blocks

	var live [][]byte
	for range perPage + 1 {
		b, err := sp.Allocate(size)
		require.NoError(t, err)
		live = append(live, b)
	}
	assert.Equal(t, 2, pages.Stats().LiveAllocations)

	for _, b := range live[:perPage] {
		sp.Free(b)
	}
	assert.Equal(t, 1, pages.Stats().LiveAllocations, "the emptied page is returned")
	assert.Equal(t, 1, sp.classes[c].pages)

	sp.Free(live[perPage])
	assert.Equal(t, 1, sp.classes[c].pages, "the last page stays active")
	assert.Equal(t, 1, pages.Stats().LiveAllocations)
	assert.Zero(t, sp.Stats().LiveAllocations)

	// Another class reuses the returned page instead of growing
	grows := pages.Stats().GrowCalls
	_, err := sp.Allocate(16)
	require.NoError(t, err)
	assert.Equal(t, grows, pages.Stats().GrowCalls)
}

// TestSegregatedPool_FreePreconditions tests that invalid frees are fatal.
func TestSegregatedPool_FreePreconditions(t *testing.T) {
	sp := newTestSegregated(t)

	a, err := sp.Allocate(48)
	require.NoError(t, err)
	_, err = sp.Allocate(48)
	require.NoError(t, err)

	requireAssertionPanic(t, func() { sp.Free(a[8:]) })
	requireAssertionPanic(t, func() { sp.Free(make([]byte, 8)) })

	sp.Free(a)
	requireAssertionPanic(t, func() { sp.Free(a) })
}

// TestSegregatedPool_Aligned tests class promotion for aligned requests.
func TestSegregatedPool_Aligned(t *testing.T) {
	sp := newTestSegregated(t)

	for _, align := range []int{16, 32, 64, 128, 256} {
		for range 5 {
			b, err := sp.AllocateAligned(24, align)
			require.NoError(t, err)
			requireAligned(t, b, align)
			assert.Len(t, b, 24)
		}
	}

	_, err := sp.AllocateAligned(24, 1024)
	require.ErrorIs(t, err, ErrTooLarge)
}

// TestSegregatedPool_Randomized tests round-trip and no-overlap under a random workload.
func TestSegregatedPool_Randomized(t *testing.T) {
	sp := newTestSegregated(t)
	rng := rand.New(rand.NewSource(42))

	type entry struct {
		b   []byte
		tag byte
	}
	var live []entry
	for i := range 5000 {
		if len(live) > 0 && rng.Intn(3) == 0 {
			j := rng.Intn(len(live))
			requireFilled(t, live[j].b, live[j].tag)
			sp.Free(live[j].b)
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
			continue
		}
		b, err := sp.Allocate(1 + rng.Intn(sp.MaxAllocationSize()))
		require.NoError(t, err)
		fill(b, byte(i))
		live = append(live, entry{b, byte(i)})
	}

	all := make([][]byte, len(live))
	for i, e := range live {
		requireFilled(t, e.b, e.tag)
		all[i] = e.b
	}
	requireNoOverlap(t, all)
}

// TestClusteredPool_DoublingClasses tests class sizes and per-class sub-regions.
func TestClusteredPool_DoublingClasses(t *testing.T) {
	cp, err := NewClusteredPool(8<<20, testPoolPage, 16, 8, Options{Name: "clustered"})
	require.NoError(t, err)
	defer cp.Close()

	assert.Equal(t, []int{16, 32, 64, 128, 256, 512, 1024, 2048}, cp.ClassSizes())
	assert.Equal(t, 2048, cp.MaxAllocationSize())

	tests := []struct {
		size  int
		class int
	}{
		{1, 0}, {16, 0}, {17, 1}, {33, 2}, {100, 3}, {2048, 7},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.class, cp.classFor(tt.size), "size %d", tt.size)
	}

	var live [][]byte
	for _, size := range []int{10, 20, 40, 80, 160, 320, 640, 1280, 2000} {
		b, err := cp.Allocate(size)
		require.NoError(t, err)
		live = append(live, b)
		assert.True(t, cp.blocks[cp.classFor(size)].Owns(b), "size %d served by its class region", size)
	}
	requireNoOverlap(t, live)

	for _, b := range live {
		cp.Free(b)
	}
	assert.Zero(t, cp.Stats().LiveAllocations)
	requireAssertionPanic(t, func() { cp.Free(live[0]) })
}

func TestClusteredPool_InvalidParams(t *testing.T) {
	_, err := NewClusteredPool(8<<20, testPoolPage, 12, 4, Options{})
	require.ErrorIs(t, err, ErrInvalidSize)

	_, err = NewClusteredPool(8<<20, 4096, 16, 12, Options{})
	require.ErrorIs(t, err, ErrInvalidSize)

	_, err = NewSegregatedPool(8<<20, testPoolPage, 16, 0, Options{})
	require.ErrorIs(t, err, ErrInvalidSize)
}
