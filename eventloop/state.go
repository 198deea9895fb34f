package eventloop

import (
	"sync/atomic"
)

// LoopState represents the current state of the event loop.
//
//	StateAwake       → StateRunning      [Run]
//	StateRunning     → StateSleeping     [poll, CAS]
//	StateSleeping    → StateRunning      [poll, CAS]
//	StateRunning     → StateTerminating  [Shutdown, Close, ctx]
//	StateSleeping    → StateTerminating  [Shutdown, Close, ctx]
//	StateAwake       → StateTerminated   [Shutdown, Close before Run]
//	StateTerminating → StateTerminated   [shutdown complete]
//
// Running and Sleeping are only ever entered via CAS, the terminal states
// may be stored directly.
type LoopState uint32

const (
	// StateAwake indicates the loop has been created but not started.
	StateAwake LoopState = iota
	// StateRunning indicates the loop is processing work.
	StateRunning
	// StateSleeping indicates the loop is blocked, waiting to be woken.
	StateSleeping
	// StateTerminating indicates shutdown has been requested.
	StateTerminating
	// StateTerminated indicates the loop has fully stopped.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// loopState is a lock-free state machine.
type loopState struct {
	v atomic.Uint32
}

func (s *loopState) Load() LoopState {
	return LoopState(s.v.Load())
}

func (s *loopState) Store(state LoopState) {
	s.v.Store(uint32(state))
}

// TryTransition attempts to atomically transition from one state to another.
func (s *loopState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// IsTerminal reports whether the loop is terminating or terminated.
func (s *loopState) IsTerminal() bool {
	state := s.Load()
	return state == StateTerminating || state == StateTerminated
}
