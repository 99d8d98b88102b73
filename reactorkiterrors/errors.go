// Package reactorkiterrors declares the error taxonomy shared by the
// reactor, tcpserver, connpool, and mempool packages.
//
// Errors are sentinels, matched with [errors.Is]; callers that need the
// wrapped cause should use [errors.As] or [errors.Unwrap].
package reactorkiterrors

import "errors"

var (
	// ErrOSTransient marks an OS error that should be retried or ignored
	// silently (EAGAIN/EWOULDBLOCK on accept/read, EINTR on wait).
	ErrOSTransient = errors.New("reactorkit: transient OS error")

	// ErrOSPeer marks an OS error caused by the remote peer (connection
	// reset, EPIPE on send, orderly shutdown). Not fatal to the server.
	ErrOSPeer = errors.New("reactorkit: peer error")

	// ErrReactorIO marks a register/deregister failure other than the two
	// specifically-swallowed cases (bad descriptor, not-found).
	ErrReactorIO = errors.New("reactorkit: reactor I/O error")

	// ErrServerBind is returned when socket construction fails to bind.
	ErrServerBind = errors.New("reactorkit: server bind failed")

	// ErrServerListen is returned when socket construction fails to listen.
	ErrServerListen = errors.New("reactorkit: server listen failed")

	// ErrConnCreate is returned when a connection pool's factory fails
	// during lazy growth. The pool's state is left unchanged.
	ErrConnCreate = errors.New("reactorkit: connection factory failed")

	// ErrOOM is returned when the memory pool fails to grow a new chunk.
	ErrOOM = errors.New("reactorkit: out of memory")

	// ErrClosed is returned by connpool's Get once the pool has been
	// closed.
	ErrClosed = errors.New("reactorkit: closed")
)

// Wrap attaches a sentinel kind to cause, preserving both kind and cause
// for [errors.Is] and [errors.As] via a multi-error Unwrap, in the
// teacher's WrapError convention.
func Wrap(kind error, cause error) error {
	if cause == nil {
		return kind
	}
	return &wrapped{kind: kind, cause: cause}
}

type wrapped struct {
	kind  error
	cause error
}

func (w *wrapped) Error() string {
	return w.kind.Error() + ": " + w.cause.Error()
}

func (w *wrapped) Unwrap() []error {
	return []error{w.kind, w.cause}
}
