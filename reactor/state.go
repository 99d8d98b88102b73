package reactor

import "sync/atomic"

// runState is the reactor's lifecycle, per spec.md §4.D:
//
//	IDLE -> RUNNING (Run())      -> STOPPING (Stop())    -> IDLE (loop exits)
//
// Modeled on go-eventloop's FastState, trimmed from its 5-value
// sleeping/fast-path-aware machine down to the 3 states spec.md names —
// this reactor always blocks in the OS poll wait, it has no fast path.
type runState uint32

const (
	stateIdle runState = iota
	stateRunning
	stateStopping
)

func (s runState) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case stateRunning:
		return "Running"
	case stateStopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state holder for runState.
type fastState struct {
	v atomic.Uint32
}

func (s *fastState) load() runState { return runState(s.v.Load()) }

func (s *fastState) store(v runState) { s.v.Store(uint32(v)) }

func (s *fastState) compareAndSwap(old, new_ runState) bool {
	return s.v.CompareAndSwap(uint32(old), uint32(new_))
}
