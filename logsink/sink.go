// Package logsink implements a process-wide, double-buffered asynchronous
// log sink — [MODULE C] of the reactor I/O engine (spec.md §4.C).
//
// Grounded directly on original_source's http/async_log.{h,cpp}: the
// current/next/queue buffer-rotation scheme, the 3-second-or-signaled
// writer wakeup, the >25-buffers overflow shed (keep first 2), and the
// 64 MiB size-based rotation are all carried over unchanged in meaning.
// The rename-then-reopen rotation strategy is this package's own: the
// original only closes and reopens the same filename, so renaming the
// old file aside is not drawn from it.
package logsink

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/reactorkit/rklog"
)

const (
	defaultBufferCapacity = 4096
	defaultRotateSize     = 64 * 1024 * 1024
	defaultTickInterval   = 3 * time.Second
	defaultPath           = "reactorkit.log"
	overflowThreshold     = 25
	overflowKeep          = 2
)

// buffer holds records accumulated before being handed to the writer.
type buffer struct {
	records [][]byte
}

func newBuffer(capacity int) *buffer {
	return &buffer{records: make([][]byte, 0, capacity)}
}

func (b *buffer) full(capacity int) bool { return len(b.records) >= capacity }

// Sink is an asynchronous, double-buffered log writer with a single
// background writer goroutine. The zero value is not usable; construct
// with New.
type Sink struct {
	path           string
	bufferCapacity int
	rotateSize     int64
	tickInterval   time.Duration
	log            rklog.Logger
	diagLog        *logiface.Logger[*diagEvent]

	mu      sync.Mutex
	cond    *sync.Cond
	current *buffer
	next    *buffer
	queue   []*buffer
	running bool

	stopOnce sync.Once
	doneCh   chan struct{}

	file        *os.File
	writeOffset int64
}

// Option configures a Sink at construction.
type Option interface{ apply(*Sink) }

type optionFunc func(*Sink)

func (f optionFunc) apply(s *Sink) { f(s) }

// WithBufferCapacity overrides the number of records held per buffer
// before the front-end rolls to a fresh one. Default 4096.
func WithBufferCapacity(n int) Option {
	return optionFunc(func(s *Sink) {
		if n > 0 {
			s.bufferCapacity = n
		}
	})
}

// WithRotateSize overrides the write-offset threshold, in bytes, past
// which the file is rotated. Default 64 MiB.
func WithRotateSize(n int64) Option {
	return optionFunc(func(s *Sink) {
		if n > 0 {
			s.rotateSize = n
		}
	})
}

// WithTickInterval overrides the writer's periodic wakeup interval.
// Default 3s.
func WithTickInterval(d time.Duration) Option {
	return optionFunc(func(s *Sink) {
		if d > 0 {
			s.tickInterval = d
		}
	})
}

// WithLogger injects a logger for the sink's own diagnostics (rotation
// and open failures). Defaults to rklog.Discard{}.
func WithLogger(l rklog.Logger) Option {
	return optionFunc(func(s *Sink) { s.log = l })
}

// New opens path in append mode and starts the writer goroutine. Per
// spec.md §4.C, New is intended to be called at most once per process via
// Default; direct use is for tests and callers that want an isolated
// instance.
func New(path string, opts ...Option) (*Sink, error) {
	s := &Sink{
		path:           path,
		bufferCapacity: defaultBufferCapacity,
		rotateSize:     defaultRotateSize,
		tickInterval:   defaultTickInterval,
		log:            rklog.Discard{},
		current:        newBuffer(defaultBufferCapacity),
		next:           newBuffer(defaultBufferCapacity),
		running:        true,
		doneCh:         make(chan struct{}),
	}
	for _, o := range opts {
		o.apply(s)
	}
	s.diagLog = newDiagLogger(s.log)
	s.cond = sync.NewCond(&s.mu)

	f, off, err := openForAppend(s.path)
	if err != nil {
		return nil, fmt.Errorf("logsink: open %q: %w", s.path, err)
	}
	s.file = f
	s.writeOffset = off

	go s.writeLoop()
	return s, nil
}

func openForAppend(path string) (*os.File, int64, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// defaultSink is the process-wide singleton, lazily created on first call
// to Default, concurrent-first-use safe per spec.md §4.C.
var defaultSink = sync.OnceValues(func() (*Sink, error) {
	return New(defaultPath)
})

// Default returns the process-wide log sink, constructing it on first
// call. All calls, concurrent or not, observe the same instance (or the
// same construction error).
func Default() (*Sink, error) { return defaultSink() }

// Append enqueues record for asynchronous writing. record is written
// verbatim with no added delimiter; callers that want newline-delimited
// output must include the trailing newline themselves. Append never
// blocks on file I/O.
func (s *Sink) Append(record []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.current.full(s.bufferCapacity) {
		s.current.records = append(s.current.records, record)
		return
	}

	s.queue = append(s.queue, s.current)
	if s.next != nil {
		s.current, s.next = s.next, nil
	} else {
		s.current = newBuffer(s.bufferCapacity)
	}
	s.current.records = append(s.current.records, record)
	s.cond.Signal()
}

// waitWithTimeout waits on cond, which must be held by the caller, for at
// most d before returning regardless of whether it was signaled. sync.Cond
// has no native timeout, so this spins a timer that broadcasts on expiry —
// the same broadcast-via-timer glue connpool.waitOnContext uses for
// ctx-cancellation, here driving the writer's periodic wakeup instead.
func waitWithTimeout(cond *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	cond.Wait()
	timer.Stop()
}

func (s *Sink) writeLoop() {
	defer close(s.doneCh)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 && s.running {
			waitWithTimeout(s.cond, s.tickInterval)
		}
		if !s.running && len(s.queue) == 0 && len(s.current.records) == 0 {
			s.mu.Unlock()
			return
		}

		// Unconditionally roll: current goes to the queue, a spare
		// (next, if replenished) takes over as current, and next is
		// topped back up so the following roll always has one ready.
		s.queue = append(s.queue, s.current)
		if s.next != nil {
			s.current, s.next = s.next, nil
		} else {
			s.current = newBuffer(s.bufferCapacity)
		}
		if s.next == nil {
			s.next = newBuffer(s.bufferCapacity)
		}
		toWrite := s.queue
		s.queue = nil
		running := s.running
		s.mu.Unlock()

		toWrite = shedOverflow(toWrite, s.diagLog)
		s.writeBuffers(toWrite)
		s.rotateIfNeeded()

		if !running {
			return
		}
	}
}

// shedOverflow implements spec.md §4.C step 3: a sustained backlog of
// more than 25 buffers keeps only the first 2 and discards the rest.
func shedOverflow(bufs []*buffer, diagLog *logiface.Logger[*diagEvent]) []*buffer {
	if len(bufs) <= overflowThreshold {
		return bufs
	}
	dropped := len(bufs) - overflowKeep
	diagLog.Warning().Int("dropped_buffers", dropped).Log("logsink: shedding backlog")
	return bufs[:overflowKeep]
}

func (s *Sink) writeBuffers(bufs []*buffer) {
	for _, b := range bufs {
		for _, rec := range b.records {
			n, err := s.file.Write(rec)
			if err != nil {
				s.diagLog.Warning().Err(err).Log("logsink: write failed")
				continue
			}
			s.writeOffset += int64(n)
		}
	}
}

// rotateIfNeeded implements spec.md §4.C step 5. It renames the current
// file aside (timestamped) before reopening a fresh one in append mode.
// This never loses
// buffered data because rotation only happens after writeBuffers has
// already flushed every pending record to the old file.
func (s *Sink) rotateIfNeeded() {
	if s.writeOffset <= s.rotateSize {
		return
	}
	if err := s.file.Sync(); err != nil {
		s.diagLog.Warning().Err(err).Log("logsink: sync before rotate failed")
	}
	if err := s.file.Close(); err != nil {
		s.diagLog.Warning().Err(err).Log("logsink: close before rotate failed")
	}

	rotated := fmt.Sprintf("%s.%d", s.path, time.Now().UnixNano())
	if err := os.Rename(s.path, rotated); err != nil {
		s.diagLog.Warning().Err(err).Log("logsink: rename during rotation failed")
	}

	f, off, err := openForAppend(s.path)
	if err != nil {
		s.diagLog.Err().Err(err).Log("logsink: reopen after rotation failed")
		return
	}
	s.file = f
	s.writeOffset = off
}

// Stop drains and writes any remaining buffered records, flushes, and
// closes the file. Idempotent; safe to call more than once.
func (s *Sink) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.running = false
		s.cond.Signal()
		s.mu.Unlock()

		<-s.doneCh

		_ = s.file.Sync()
		_ = s.file.Close()
	})
}
