// Package connpool implements a bounded, blocking multi-producer/multi-
// consumer pool of reusable resources — [MODULE B] of the reactor I/O
// engine.
//
// Resources are conceptually loaned, not transferred: the pool's internal
// "all" set owns every constructed resource for its whole lifetime;
// borrowers receive it via Get and must call Put to release it. The pool
// itself destroys resources only when Close is called, which destroys
// every resource, including any still checked out; before that, a
// checked-out resource is never destroyed, per spec.md §3's
// connection-pool invariants.
//
// Grounded on original_source's connection_pool.{h,cpp} for the
// acquire/release protocol, generalized to a generic resource type in the
// Go idiom seen across the pack's connection-pool implementations (e.g.
// hashicorp/nomad's helper/pool).
package connpool

import (
	"context"
	"io"
	"sync"

	"github.com/joeycumines/reactorkit/reactorkiterrors"
	"github.com/joeycumines/reactorkit/rklog"
)

// Factory constructs a new pooled resource. It's invoked with the pool
// lock held (spec.md §4.B: "a deliberate simplification — factory must be
// quick or pool capacity must be low"); see DESIGN.md for why this
// implementation keeps that simplification rather than hoisting
// construction out of the lock.
type Factory[T io.Closer] func() (T, error)

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Capacity   int
	All        int
	Idle       int
	CheckedOut int
}

// Pool is a bounded pool of reusable, io.Closer resources.
type Pool[T io.Closer] struct {
	mu      sync.Mutex
	cond    sync.Cond
	cap     int
	factory Factory[T]
	log     rklog.Logger

	all    []T
	idle   []T
	closed bool
}

// Option configures a Pool at construction.
type Option[T io.Closer] interface{ apply(*Pool[T]) }

type optionFunc[T io.Closer] func(*Pool[T])

func (f optionFunc[T]) apply(p *Pool[T]) { f(p) }

// WithLogger injects a logger for diagnostic messages. Defaults to
// rklog.Discard{}.
func WithLogger[T io.Closer](l rklog.Logger) Option[T] {
	return optionFunc[T](func(p *Pool[T]) { p.log = l })
}

// New constructs a Pool with the given capacity and factory. capacity must
// be positive.
func New[T io.Closer](capacity int, factory Factory[T], opts ...Option[T]) *Pool[T] {
	if capacity < 1 {
		capacity = 1
	}
	p := &Pool[T]{
		cap:     capacity,
		factory: factory,
		log:     rklog.Discard{},
		all:     make([]T, 0, capacity),
		idle:    make([]T, 0, capacity),
	}
	p.cond.L = &p.mu
	return p
}

// Get implements the three-step acquisition protocol of spec.md §4.B:
// pop an idle resource if one exists; otherwise grow via the factory if
// under capacity; otherwise block until a release. ctx provides the
// caller's own cancellation signal, since the pool itself has no timeout
// (spec.md: "callers that need one must wrap the call with their own
// cancellation signal").
func (p *Pool[T]) Get(ctx context.Context) (T, error) {
	var zero T

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return zero, reactorkiterrors.ErrClosed
		}

		if n := len(p.idle); n > 0 {
			c := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			return c, nil
		}

		if len(p.all) < p.cap {
			c, err := p.factory()
			if err != nil {
				p.mu.Unlock()
				return zero, reactorkiterrors.Wrap(reactorkiterrors.ErrConnCreate, err)
			}
			p.all = append(p.all, c)
			p.mu.Unlock()
			return c, nil
		}

		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return zero, err
		}

		// Wake this goroutine's Wait either on a release/close (via
		// cond.Broadcast/Signal) or on ctx cancellation, by having a
		// helper goroutine translate ctx.Done() into a broadcast.
		done := ctx.Done()
		if done != nil {
			stop := p.waitOnContext(done)
			p.cond.Wait()
			stop()
		} else {
			p.cond.Wait()
		}
	}
}

// waitOnContext spins a goroutine that wakes every waiter (via
// Broadcast) once ctx is done, so a blocked Get can observe cancellation.
// The returned stop func must be called after the next Wait returns to
// avoid leaking the goroutine.
func (p *Pool[T]) waitOnContext(done <-chan struct{}) (stop func()) {
	stopCh := make(chan struct{})
	go func() {
		select {
		case <-done:
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-stopCh:
		}
	}()
	return func() { close(stopCh) }
}

// Put returns c to the idle queue and wakes one waiter, per spec.md
// §4.B's release protocol.
func (p *Pool[T]) Put(c T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = c.Close()
		return
	}
	p.idle = append(p.idle, c)
	p.cond.Signal()
}

// Close destroys every resource the pool ever constructed — idle or still
// checked out — and marks the pool closed. Per spec.md §3, the pool never
// destroys a live checked-out resource during normal operation; it's only
// at pool teardown that all connections, checked out or not, are
// destroyed. A Put arriving for an already-closed pool closes the
// resource immediately instead of re-adding it to the idle queue.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var firstErr error
	for _, c := range p.all {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.all = nil
	p.idle = nil
	p.cond.Broadcast()
	return firstErr
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity:   p.cap,
		All:        len(p.all),
		Idle:       len(p.idle),
		CheckedOut: len(p.all) - len(p.idle),
	}
}
