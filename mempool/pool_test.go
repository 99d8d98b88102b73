package mempool

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"github.com/joeycumines/reactorkit/reactorkiterrors"
	"github.com/stretchr/testify/require"
)

func blockAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// TestPool_LIFOReuse exercises S5 from spec.md §8: allocate 4, free in
// order [a,b,c,d], allocate 4 again, expect addresses back in [d,c,b,a].
func TestPool_LIFOReuse(t *testing.T) {
	p := New(64, 4)

	blocks := make([][]byte, 4)
	for i := range blocks {
		b, err := p.Allocate()
		require.NoError(t, err)
		require.Len(t, b, p.BlockSize())
		blocks[i] = b
	}

	for _, b := range blocks {
		p.Free(b)
	}

	for i := 3; i >= 0; i-- {
		got, err := p.Allocate()
		require.NoError(t, err)
		require.Equal(t, blockAddr(blocks[i]), blockAddr(got), "expected LIFO reuse order")
	}
}

func TestPool_EffectiveBlockSizeIsAtLeastPointerSized(t *testing.T) {
	p := New(1, 8)
	require.GreaterOrEqual(t, p.BlockSize(), int(unsafe.Sizeof(uintptr(0))))
}

func TestPool_GrowsNewChunkWhenFreeListExhausted(t *testing.T) {
	p := New(32, 2)

	first, err := p.Allocate()
	require.NoError(t, err)
	second, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, int64(1), p.Stats().Chunks)

	// Free-list is now empty; this Allocate must grow a second chunk.
	third, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, int64(2), p.Stats().Chunks)

	require.NotEqual(t, blockAddr(first), blockAddr(third))
	require.NotEqual(t, blockAddr(second), blockAddr(third))
}

func TestPool_StatsTracksAllocAndFree(t *testing.T) {
	p := New(16, 4)

	b, err := p.Allocate()
	require.NoError(t, err)
	stats := p.Stats()
	require.Equal(t, int64(1), stats.Allocated)
	require.Equal(t, int64(0), stats.Freed)
	require.Equal(t, int64(p.BlockSize()), stats.InUseBytes)

	p.Free(b)
	stats = p.Stats()
	require.Equal(t, int64(1), stats.Freed)
	require.Equal(t, int64(0), stats.InUseBytes)
}

// TestPool_StatsSnapshotAfterAllocAndChunkGrowth pins down the whole Stats
// struct at once, rather than field by field, so a regression in any one
// counter (including ones a change might add) shows up as a single diff.
func TestPool_StatsSnapshotAfterAllocAndChunkGrowth(t *testing.T) {
	p := New(16, 2)

	blocks := make([][]byte, 5)
	for i := range blocks {
		b, err := p.Allocate()
		require.NoError(t, err)
		blocks[i] = b
	}

	want := Stats{
		Chunks:     3, // 5 blocks at 2 per chunk needs a 3rd chunk
		Allocated:  5,
		Freed:      0,
		OutOfMem:   0,
		InUseBytes: int64(p.BlockSize()) * 5,
	}
	if diff := cmp.Diff(want, p.Stats()); diff != "" {
		t.Fatalf("Stats() mismatch (-want +got):\n%s", diff)
	}
}

func TestPool_ChunkGrowthFailureReturnsErrOOM(t *testing.T) {
	boom := errors.New("boom")
	p := New(32, 2, WithChunkAllocator(func(int) ([]byte, error) {
		return nil, boom
	}))

	_, err := p.Allocate()
	require.ErrorIs(t, err, reactorkiterrors.ErrOOM)
	require.ErrorIs(t, err, boom)
	require.Equal(t, int64(1), p.Stats().OutOfMem)
}

func TestPool_ConcurrentAllocateFree(t *testing.T) {
	p := New(64, 16)
	const n = 200

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < n; j++ {
				b, err := p.Allocate()
				require.NoError(t, err)
				p.Free(b)
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
