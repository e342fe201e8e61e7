package alloc

import (
	"sort"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Construction helpers
// ============================================================================

func newTestLinear(t testing.TB, capacity int) *LinearAllocator {
	t.Helper()
	la, err := NewLinear(capacity, Options{Name: t.Name()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = la.Close() })
	return la
}

func newTestTLSF(t testing.TB, capacity int) *TLSFAllocator {
	t.Helper()
	ta, err := NewTLSF(capacity, 0, Options{Name: t.Name()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ta.Close() })
	return ta
}

func newTestMaster(t testing.TB, cfg MasterConfig) *MasterAllocator {
	t.Helper()
	m, err := NewMaster(cfg, Options{Name: "master"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// smallMasterConfig keeps reservations modest for tests.
func smallMasterConfig() MasterConfig {
	return MasterConfig{
		Small:  SmallConfig{Capacity: 4 << 20, PageSize: 64 << 10, MinAllocationSize: 16, Classes: 16},
		Medium: MediumConfig{Capacity: 8 << 20, SecondLevelIndex: 4, MaxSize: 64 << 10},
		Large:  LargeConfig{Capacity: 32 << 20, BaseSize: 128 << 10, Order: 4},
	}
}

// ============================================================================
// Assertions
// ============================================================================

// fill writes a pattern derived from tag so later checks can detect overlap.
func fill(b []byte, tag byte) {
	for i := range b {
		b[i] = tag + byte(i)
	}
}

// requireFilled checks that b still holds the pattern written by fill.
func requireFilled(t testing.TB, b []byte, tag byte) {
	t.Helper()
	for i := range b {
		if b[i] != tag+byte(i) {
			require.Failf(t, "corrupted allocation", "byte %d = %#x, want %#x", i, b[i], tag+byte(i))
		}
	}
}

// requireNoOverlap checks that no two live slices share an address.
func requireNoOverlap(t testing.TB, live [][]byte) {
	t.Helper()
	type span struct{ lo, hi uintptr }
	spans := make([]span, 0, len(live))
	for _, b := range live {
		spans = append(spans, span{addrOf(b), addrOf(b) + uintptr(len(b))})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].lo < spans[j].lo })
	for i := 1; i < len(spans); i++ {
		require.LessOrEqual(t, spans[i-1].hi, spans[i].lo, "allocations %d and %d overlap", i-1, i)
	}
}

// requireAligned checks the address of b against alignment.
func requireAligned(t testing.TB, b []byte, alignment int) {
	t.Helper()
	require.Zero(t, addrOf(b)%uintptr(alignment), "address %#x not aligned to %d", addrOf(b), alignment)
}

// requireAssertionPanic checks that fn panics with an assertion failure.
func requireAssertionPanic(t testing.TB, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		require.True(t, errors.HasAssertionFailure(err), "panic %v is not an assertion failure", err)
	}()
	fn()
}
