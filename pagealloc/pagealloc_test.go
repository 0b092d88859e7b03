package pagealloc

import (
	"context"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesArgs(t *testing.T) {
	require.Panics(t, func() { New(0, 4096, 64) })
	require.Panics(t, func() { New(2, 0, 64) })
	require.Panics(t, func() { New(2, 4096, 0) })
}

func TestAllocOnDrainsLocalArenaFirst(t *testing.T) {
	a := New(2, 64, 8)
	a.Seed(0, 3)
	require.Equal(t, 3, a.FreeCount(0))

	for i := 0; i < 3; i++ {
		addr, err := a.AllocOn(context.Background(), 0)
		require.NoError(t, err)
		require.Len(t, addr.Bytes(), 64)
	}
	assert.Equal(t, 0, a.FreeCount(0))
	assert.Equal(t, 0, a.FreeCount(1))
	assert.Equal(t, uint64(3), a.Stats().Allocs)
}

func TestAllocFillsAllocJunk(t *testing.T) {
	a := New(1, 16, 8)
	a.Seed(0, 1)
	addr, err := a.AllocOn(context.Background(), 0)
	require.NoError(t, err)
	for _, b := range addr.Bytes() {
		assert.Equal(t, allocJunk, b)
	}
}

// scenario 5: a CPU with an empty local arena steals a bounded batch
// from another CPU's arena rather than failing.
func TestAllocOnStealsWhenLocalArenaEmpty(t *testing.T) {
	a := New(2, 32, 64)
	a.Seed(1, 1000)

	addr, err := a.AllocOn(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, addr.Bytes(), 32)

	stats := a.Stats()
	assert.Equal(t, uint64(1), stats.Steals)
	assert.Equal(t, uint64(64), stats.StolenPages)
	// 64 pages stolen to CPU 0, one consumed by the alloc itself.
	assert.Equal(t, 63, a.FreeCount(0))
	assert.Equal(t, 1000-64, a.FreeCount(1))
}

func TestStealNeverTakesFromSelf(t *testing.T) {
	a := New(1, 16, 8)
	_, err := a.AllocOn(context.Background(), 0)
	require.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, uint64(1), a.Stats().Exhausted)
}

func TestAllocWhenAllArenasExhausted(t *testing.T) {
	a := New(3, 16, 4)
	_, err := a.AllocOn(context.Background(), 0)
	require.ErrorIs(t, err, ErrExhausted)
}

// scenario 6: a page allocated, freed, then reallocated round-trips
// through the junk byte fill without losing its identity.
func TestFreeThenAllocRoundTrip(t *testing.T) {
	a := New(1, 8, 8)
	a.Seed(0, 1)

	addr, err := a.AllocOn(context.Background(), 0)
	require.NoError(t, err)
	firstID := addr.ID()
	copy(addr.Bytes(), []byte{9, 9, 9, 9, 9, 9, 9, 9})

	a.Free(context.Background(), addr)
	for _, b := range addr.Bytes() {
		assert.Equal(t, freeJunk, b)
	}

	addr2, err := a.AllocOn(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, firstID, addr2.ID())
	for _, b := range addr2.Bytes() {
		assert.Equal(t, allocJunk, b)
	}

	want := Stats{Allocs: 2, Frees: 1}
	if diff := cmp.Diff(want, a.Stats()); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
}

func TestFreeRejectsWrongSizedPage(t *testing.T) {
	a := New(1, 16, 8)
	require.Panics(t, func() {
		a.Free(context.Background(), Addr{id: 1, bytes: make([]byte, 4)})
	})
}

// invariant 5: the sum of every arena's free-list length plus the
// number of outstanding (unfreed) allocations never changes.
func TestConservationUnderConcurrentAllocFree(t *testing.T) {
	const ncpu = 4
	const seedPerCPU = 200
	a := New(ncpu, 32, 16)
	for c := 0; c < ncpu; c++ {
		a.Seed(c, seedPerCPU)
	}
	total := ncpu * seedPerCPU

	var wg sync.WaitGroup
	var mu sync.Mutex
	var outstanding []Addr

	const workers = 8
	const iterations = 50
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				addr, err := a.Alloc(context.Background())
				if err != nil {
					continue
				}
				mu.Lock()
				outstanding = append(outstanding, addr)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	free := 0
	for c := 0; c < ncpu; c++ {
		free += a.FreeCount(c)
	}
	assert.Equal(t, total, free+len(outstanding))

	for _, addr := range outstanding {
		a.Free(context.Background(), addr)
	}
	free = 0
	for c := 0; c < ncpu; c++ {
		free += a.FreeCount(c)
	}
	assert.Equal(t, total, free)
}

func TestNCPU(t *testing.T) {
	a := New(5, 16, 4)
	assert.Equal(t, 5, a.NCPU())
}
