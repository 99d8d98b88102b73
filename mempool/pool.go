// Package mempool implements a fixed-size block allocator backed by coarse
// chunks carved from the Go heap, with a LIFO free-list threaded through the
// freed blocks themselves.
//
// It's the Go expression of [MODULE A] (memory pool) of the reactor I/O
// engine: grounded on the teacher's cache-line-aware allocator texture in
// go-eventloop (betteralign-annotated structs, atomic stat counters) and
// directly on original_source's memory_pool.cpp for the chunk/free-list
// algorithm.
package mempool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/joeycumines/reactorkit/reactorkiterrors"
)

const minBlockSize = int(unsafe.Sizeof(uintptr(0)))

// Stats is a point-in-time snapshot of pool usage counters.
type Stats struct {
	Chunks     int64
	Allocated  int64
	Freed      int64
	OutOfMem   int64
	InUseBytes int64
}

// Pool is a fixed-block allocator. The zero value is not usable; construct
// with New.
type Pool struct {
	mu        sync.Mutex
	blockSize int
	perChunk  int
	chunks    [][]byte
	free      unsafe.Pointer // head of the LIFO free-list, or nil

	chunkCount atomic.Int64
	allocCount atomic.Int64
	freeCount  atomic.Int64
	oomCount   atomic.Int64

	chunkAlloc func(size int) ([]byte, error)
}

// Option configures a Pool at construction.
type Option interface{ apply(*Pool) }

type optionFunc func(*Pool)

func (f optionFunc) apply(p *Pool) { f(p) }

// WithChunkAllocator overrides the function used to carve a new chunk from
// the system allocator. The default simply calls make([]byte, size). This
// exists so tests can force reactorkiterrors.ErrOOM deterministically;
// production callers should not need it.
func WithChunkAllocator(alloc func(size int) ([]byte, error)) Option {
	return optionFunc(func(p *Pool) { p.chunkAlloc = alloc })
}

// New constructs a Pool with the given nominal block size and number of
// blocks per chunk. The effective block size is max(blockSize,
// sizeof(uintptr)) so a freed block can always hold its own free-list link,
// per [MODULE A]'s contract. blocksPerChunk must be positive.
func New(blockSize, blocksPerChunk int, opts ...Option) *Pool {
	if blockSize < minBlockSize {
		blockSize = minBlockSize
	}
	if blocksPerChunk <= 0 {
		blocksPerChunk = 1
	}
	p := &Pool{
		blockSize: blockSize,
		perChunk:  blocksPerChunk,
	}
	for _, o := range opts {
		o.apply(p)
	}
	return p
}

// Allocate returns a block-sized byte slice in O(1) amortised time. It's
// safe for concurrent use. Growth of a new chunk on an empty free-list
// fails with reactorkiterrors.ErrOOM if the underlying allocator cannot
// satisfy the request (this can only happen via WithChunkAllocator in
// tests; the Go heap allocator itself doesn't return errors).
func (p *Pool) Allocate() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.free == nil {
		if err := p.growLocked(); err != nil {
			p.oomCount.Add(1)
			return nil, reactorkiterrors.Wrap(reactorkiterrors.ErrOOM, err)
		}
	}

	block := p.free
	p.free = *(*unsafe.Pointer)(block)
	p.allocCount.Add(1)
	return unsafe.Slice((*byte)(block), p.blockSize), nil
}

// Free returns a block previously returned by Allocate to the free-list.
// b must point into a chunk owned by this pool and must not already be
// free; passing any other slice is undefined behavior (matching the
// spec's "deallocate does not validate provenance" contract).
func (p *Pool) Free(b []byte) {
	if len(b) == 0 {
		return
	}
	ptr := unsafe.Pointer(&b[0])

	p.mu.Lock()
	defer p.mu.Unlock()

	*(*unsafe.Pointer)(ptr) = p.free
	p.free = ptr
	p.freeCount.Add(1)
}

// growLocked allocates one new chunk of p.perChunk blocks and links every
// block into the free-list. Must be called with p.mu held. Link order is
// arbitrary per spec; this implementation links front-to-back, so the most
// recently carved block (the last one in the chunk) becomes the new head.
func (p *Pool) growLocked() error {
	size := p.blockSize * p.perChunk
	var chunk []byte
	if p.chunkAlloc != nil {
		var err error
		chunk, err = p.chunkAlloc(size)
		if err != nil {
			return err
		}
	} else {
		chunk = make([]byte, size)
	}
	p.chunks = append(p.chunks, chunk)
	p.chunkCount.Add(1)

	for i := 0; i < p.perChunk; i++ {
		off := i * p.blockSize
		block := unsafe.Pointer(&chunk[off])
		*(*unsafe.Pointer)(block) = p.free
		p.free = block
	}
	return nil
}

// Stats returns a snapshot of allocator counters. It's an ambient
// telemetry addition (see SPEC_FULL.md §6.A), not required by the
// invariants in spec.md §3/§8.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	inUse := (p.allocCount.Load() - p.freeCount.Load()) * int64(p.blockSize)
	p.mu.Unlock()
	return Stats{
		Chunks:     p.chunkCount.Load(),
		Allocated:  p.allocCount.Load(),
		Freed:      p.freeCount.Load(),
		OutOfMem:   p.oomCount.Load(),
		InUseBytes: inUse,
	}
}

// BlockSize returns the effective (post max-with-pointer-size) block size.
func (p *Pool) BlockSize() int { return p.blockSize }

func (s Stats) String() string {
	return fmt.Sprintf("mempool.Stats{chunks:%d allocated:%d freed:%d oom:%d inUseBytes:%d}",
		s.Chunks, s.Allocated, s.Freed, s.OutOfMem, s.InUseBytes)
}
