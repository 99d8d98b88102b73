// Package tcpserver implements a non-blocking, single-reactor TCP
// acceptor — [MODULE E] of the reactor I/O engine (spec.md §4.E).
//
// Grounded directly on original_source's network/tcp_server.{h,cpp}: the
// accept/read/close lifecycle, the non-blocking listener construction
// (socket/SO_REUSEADDR/bind/listen/O_NONBLOCK) are carried over unchanged
// in meaning. Client descriptors are registered with Readable |
// PeerHangup, the counterpart of the original's EPOLLIN | EPOLLRDHUP; the
// underlying poller does not request EPOLLRDHUP, so a half-close is not
// told apart from a full hangup (see DESIGN.md). Two things are
// deliberately NOT carried over: the original calls its own connection
// handler with a negated fd to signal disconnect (a double-duty encoding
// DESIGN.md discusses); this package uses a distinct OnClose callback
// instead. And this package never touches the epoll/kqueue poller
// directly — every registration goes through a *reactor.Reactor, same as
// the original drives everything through its Reactor&.
package tcpserver

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/reactorkit/reactor"
	"github.com/joeycumines/reactorkit/reactorkiterrors"
	"github.com/joeycumines/reactorkit/rklog"
)

const defaultBufferSize = 4096

// Server is a non-blocking TCP acceptor driven by a single reactor.Reactor.
// The zero value is not usable; construct with New.
type Server struct {
	r          *reactor.Reactor
	log        rklog.Logger
	bufferSize int

	listenFD int

	onConnect func(fd int)
	onReceive func(fd int, b []byte)
	onClose   func(fd int)

	mu      sync.Mutex
	started bool
	closed  map[int]bool // guards against double on_close per client connection; reset on accept
}

// Option configures a Server at construction.
type Option interface{ apply(*Server) }

type optionFunc func(*Server)

func (f optionFunc) apply(s *Server) { f(s) }

// WithBufferSize overrides the per-read buffer size (default 4096). Fixed
// at construction, per the dynamic-reconfiguration non-goal.
func WithBufferSize(n int) Option {
	return optionFunc(func(s *Server) {
		if n > 0 {
			s.bufferSize = n
		}
	})
}

// WithLogger injects a logger for diagnostic messages. Defaults to
// rklog.Discard{}.
func WithLogger(l rklog.Logger) Option {
	return optionFunc(func(s *Server) { s.log = l })
}

// New opens, binds, and listens on addr (host:port), sets the listening
// socket non-blocking, and prepares a Server driven by r. The listener is
// not registered with r until Start is called.
func New(r *reactor.Reactor, addr string, opts ...Option) (*Server, error) {
	s := &Server{
		r:          r,
		log:        rklog.Discard{},
		bufferSize: defaultBufferSize,
		listenFD:   -1,
		closed:     make(map[int]bool),
	}
	for _, o := range opts {
		o.apply(s)
	}

	sa, err := resolveSockaddr(addr)
	if err != nil {
		return nil, reactorkiterrors.Wrap(reactorkiterrors.ErrServerBind, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, reactorkiterrors.Wrap(reactorkiterrors.ErrServerBind, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, reactorkiterrors.Wrap(reactorkiterrors.ErrServerBind, err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, reactorkiterrors.Wrap(reactorkiterrors.ErrServerBind, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return nil, reactorkiterrors.Wrap(reactorkiterrors.ErrServerListen, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, reactorkiterrors.Wrap(reactorkiterrors.ErrServerListen, err)
	}

	s.listenFD = fd
	return s, nil
}

// Addr returns the address the listening socket is actually bound to,
// which matters when New was called with an ephemeral port ("host:0").
func (s *Server) Addr() (string, error) {
	sa, err := unix.Getsockname(s.listenFD)
	if err != nil {
		return "", reactorkiterrors.Wrap(reactorkiterrors.ErrOSTransient, err)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return "", fmt.Errorf("tcpserver: unexpected sockaddr type %T", sa)
	}
	ip := net.IP(in4.Addr[:])
	return net.JoinHostPort(ip.String(), strconv.Itoa(in4.Port)), nil
}

// OnConnect sets the callback invoked once a client connection is
// accepted, with its file descriptor.
func (s *Server) OnConnect(cb func(fd int)) { s.onConnect = cb }

// OnReceive sets the callback invoked with each chunk of bytes read from
// a client. A single logical write by the peer may be split across
// multiple OnReceive calls if it exceeds the server's buffer size.
func (s *Server) OnReceive(cb func(fd int, b []byte)) { s.onReceive = cb }

// OnClose sets the callback invoked exactly once per client fd, when the
// peer disconnects or the connection errors out.
func (s *Server) OnClose(cb func(fd int)) { s.onClose = cb }

// Start registers the listening socket with the reactor. Connections are
// accepted and dispatched only while the reactor's Run loop is executing.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if err := s.r.AddHandler(s.listenFD, reactor.Readable, func(reactor.InterestMask) {
		s.acceptConnection()
	}); err != nil {
		return err
	}
	s.started = true
	return nil
}

// Stop deregisters the listening socket. Already-accepted client
// connections are unaffected; it does not close them.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	return s.r.RemoveHandler(s.listenFD)
}

// Send writes b to the client identified by fd on a best-effort basis: a
// short write is reported via the returned byte count, not retried or
// buffered, per §4.E/§9 — the sender is responsible for handling partial
// writes, since this module does no application-level framing.
func (s *Server) Send(fd int, b []byte) (int, error) {
	n, err := unix.Write(fd, b)
	if err != nil {
		if err == unix.EPIPE || err == unix.ECONNRESET {
			return n, reactorkiterrors.Wrap(reactorkiterrors.ErrOSPeer, err)
		}
		return n, reactorkiterrors.Wrap(reactorkiterrors.ErrOSTransient, err)
	}
	return n, nil
}

// acceptConnection handles one READABLE notification on the listening
// socket by accepting exactly one connection, per spec.md §4.E — it does
// not drain the full accept backlog in a loop. A busy listener simply
// gets re-notified by the reactor on its next pass through the dispatch
// loop, which is what keeps this handler from stalling every other
// connection per spec.md §5.
func (s *Server) acceptConnection() {
	fd, _, err := unix.Accept(s.listenFD)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		s.log.WithError(err).Warn("tcpserver: accept failed")
		return
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		s.log.WithError(err).Warn("tcpserver: failed to set client non-blocking")
		_ = unix.Close(fd)
		return
	}

	clientFD := fd
	// The OS may hand out the number of an earlier, already closed
	// connection; clear its close guard so this connection gets its own
	// OnClose.
	s.mu.Lock()
	delete(s.closed, clientFD)
	s.mu.Unlock()

	mask := reactor.Readable | reactor.PeerHangup
	if err := s.r.AddHandler(clientFD, mask, func(events reactor.InterestMask) {
		if events&reactor.Readable != 0 {
			s.handleRead(clientFD)
		}
		if events&reactor.PeerHangup != 0 {
			s.handleClose(clientFD)
		}
	}); err != nil {
		s.log.WithError(err).Warn("tcpserver: failed to register client fd")
		_ = unix.Close(clientFD)
		return
	}

	if s.onConnect != nil {
		s.onConnect(clientFD)
	}
}

func (s *Server) handleRead(fd int) {
	buf := make([]byte, s.bufferSize)
	n, err := unix.Read(fd, buf)
	switch {
	case n > 0:
		if s.onReceive != nil {
			s.onReceive(fd, buf[:n])
		}
	case n == 0:
		s.handleClose(fd)
	case err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK:
		s.handleClose(fd)
	}
}

func (s *Server) handleClose(fd int) {
	s.mu.Lock()
	if s.closed[fd] {
		s.mu.Unlock()
		return
	}
	s.closed[fd] = true
	s.mu.Unlock()

	_ = s.r.RemoveHandler(fd)
	_ = unix.Close(fd)
	if s.onClose != nil {
		s.onClose(fd)
	}
}

// Close releases the listening socket. It does not close any accepted
// client connections still registered with the reactor.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listenFD < 0 {
		return nil
	}
	fd := s.listenFD
	s.listenFD = -1
	return unix.Close(fd)
}
