//go:build linux || darwin

package tcpserver

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/reactorkit/reactor"
)

func startReactor(t *testing.T) (*reactor.Reactor, func()) {
	t.Helper()
	r, err := reactor.New()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Run() }()

	return r, func() {
		r.Stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("reactor did not stop in time")
		}
		require.NoError(t, r.Close())
	}
}

// TestServer_EchoSingleClient exercises S1 from spec.md §8: a single
// client sends "ping" and expects to read exactly "ping" back, followed
// by an on-close firing after the client closes.
func TestServer_EchoSingleClient(t *testing.T) {
	r, stopReactor := startReactor(t)
	defer stopReactor()

	srv, err := New(r, "127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Close()

	var closed atomic.Int32
	srv.OnReceive(func(fd int, b []byte) {
		_, _ = srv.Send(fd, b)
	})
	srv.OnClose(func(fd int) { closed.Add(1) })
	require.NoError(t, srv.Start())

	addr, err := srv.Addr()
	require.NoError(t, err)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return closed.Load() == 1 }, time.Second, 10*time.Millisecond)
}

// TestServer_HundredConcurrentClients exercises S2 from spec.md §8: 100
// clients each send a single byte then close; total delivered bytes
// equals 100 and on-close fires exactly 100 times.
func TestServer_HundredConcurrentClients(t *testing.T) {
	r, stopReactor := startReactor(t)
	defer stopReactor()

	srv, err := New(r, "127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Close()

	var totalBytes atomic.Int64
	var closes atomic.Int32
	srv.OnReceive(func(fd int, b []byte) { totalBytes.Add(int64(len(b))) })
	srv.OnClose(func(fd int) { closes.Add(1) })
	require.NoError(t, srv.Start())

	addr, err := srv.Addr()
	require.NoError(t, err)

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", addr)
			require.NoError(t, err)
			_, err = conn.Write([]byte("X"))
			require.NoError(t, err)
			require.NoError(t, conn.Close())
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return closes.Load() == n }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(n), totalBytes.Load())
}

// TestServer_LargeWriteSplitAcrossReceives covers the boundary behavior of
// spec.md §8: a client sending more than BufferSize bytes in one segment
// is delivered across multiple OnReceive invocations, in order.
func TestServer_LargeWriteSplitAcrossReceives(t *testing.T) {
	r, stopReactor := startReactor(t)
	defer stopReactor()

	srv, err := New(r, "127.0.0.1:0", WithBufferSize(16))
	require.NoError(t, err)
	defer srv.Close()

	var mu sync.Mutex
	var received []byte
	var calls int
	srv.OnReceive(func(fd int, b []byte) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		received = append(received, b...)
	})
	require.NoError(t, srv.Start())

	addr, err := srv.Addr()
	require.NoError(t, err)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	payload := make([]byte, 16*5)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err = conn.Write(payload)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == len(payload)
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, payload, received, "byte stream must arrive in order, unmodified")
	require.Greater(t, calls, 1, "a payload larger than BufferSize must split across multiple OnReceive calls")
}

// TestServer_OnCloseFiresExactlyOnce covers invariant 5 of spec.md §8.
func TestServer_OnCloseFiresExactlyOnce(t *testing.T) {
	r, stopReactor := startReactor(t)
	defer stopReactor()

	srv, err := New(r, "127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Close()

	var closes atomic.Int32
	srv.OnClose(func(fd int) { closes.Add(1) })
	require.NoError(t, srv.Start())

	addr, err := srv.Addr()
	require.NoError(t, err)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return closes.Load() >= 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), closes.Load())
}
