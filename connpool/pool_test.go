package connpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     int
	closed atomic.Bool
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// TestPool_ExhaustionBlocksThenResumes exercises S4 from spec.md §8:
// capacity 2, acquire twice without blocking, a third acquirer blocks,
// releasing one unblocks it, and |all| never exceeds capacity.
func TestPool_ExhaustionBlocksThenResumes(t *testing.T) {
	var nextID atomic.Int32
	p := New(2, func() (*fakeConn, error) {
		return &fakeConn{id: int(nextID.Add(1))}, nil
	})

	c1, err := p.Get(context.Background())
	require.NoError(t, err)
	c2, err := p.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, p.Stats().All)
	require.Equal(t, 2, p.Stats().CheckedOut)

	blocked := make(chan *fakeConn, 1)
	go func() {
		c, err := p.Get(context.Background())
		require.NoError(t, err)
		blocked <- c
	}()

	// Give the third acquirer a chance to actually block.
	time.Sleep(20 * time.Millisecond)
	select {
	case <-blocked:
		t.Fatal("third acquirer should have blocked")
	default:
	}

	p.Put(c1)

	select {
	case got := <-blocked:
		require.Equal(t, c1, got)
	case <-time.After(time.Second):
		t.Fatal("third acquirer never resumed after release")
	}

	require.Equal(t, 2, p.Stats().All)
	_ = c2
}

func TestPool_FactoryErrorLeavesPoolUnchanged(t *testing.T) {
	boom := errors.New("factory boom")
	calls := 0
	p := New(2, func() (*fakeConn, error) {
		calls++
		if calls == 1 {
			return nil, boom
		}
		return &fakeConn{id: calls}, nil
	})

	_, err := p.Get(context.Background())
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, p.Stats().All)

	c, err := p.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, p.Stats().All)
	p.Put(c)
}

func TestPool_ContextCancelUnblocksWaiter(t *testing.T) {
	p := New(1, func() (*fakeConn, error) { return &fakeConn{}, nil })

	c1, err := p.Get(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = p.Get(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	p.Put(c1)
}

func TestPool_CloseClosesAllIncludingIdle(t *testing.T) {
	p := New(3, func() (*fakeConn, error) { return &fakeConn{}, nil })

	c1, err := p.Get(context.Background())
	require.NoError(t, err)
	c2, err := p.Get(context.Background())
	require.NoError(t, err)
	p.Put(c2)

	require.NoError(t, p.Close())
	require.True(t, c2.closed.Load(), "idle connection must be closed")
	require.True(t, c1.closed.Load(), "checked-out connection must be closed at pool teardown")

	_, err = p.Get(context.Background())
	require.Error(t, err)
}

// TestPool_NeverCheckedOutAndIdleSimultaneously asserts invariant (iii) of
// spec.md §3 under concurrent acquire/release churn.
func TestPool_NeverCheckedOutAndIdleSimultaneously(t *testing.T) {
	p := New(4, func() (*fakeConn, error) { return &fakeConn{}, nil })

	var held sync.Map
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c, err := p.Get(context.Background())
				require.NoError(t, err)
				_, dup := held.LoadOrStore(c, struct{}{})
				require.False(t, dup, "a connection was handed out while already checked out")
				s := p.Stats()
				require.LessOrEqual(t, s.All, 4)
				require.Equal(t, s.All, s.Idle+s.CheckedOut)
				held.Delete(c)
				p.Put(c)
			}
		}()
	}
	wg.Wait()
}
