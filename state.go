// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberd

import "sync/atomic"

// FiberState is the lifecycle state of a Fiber.
//
//	INIT -> EXEC -> {HOLD, READY, TERM, EXCEPT}
//	READY -> EXEC (next resume)
//	HOLD  -> EXEC (next resume, only if something re-schedules it)
//	{TERM, EXCEPT, INIT} -> INIT (via Reset)
type FiberState uint32

const (
	// StateInit is the state of a freshly constructed or reset Fiber.
	StateInit FiberState = iota
	// StateReady is the state of a Fiber that yielded and re-enqueued itself.
	StateReady
	// StateExec is the state of a Fiber that is currently running.
	StateExec
	// StateHold is the state of a Fiber that yielded without re-enqueuing.
	StateHold
	// StateTerm is the terminal state of a Fiber whose callable returned normally.
	StateTerm
	// StateExcept is the terminal state of a Fiber whose callable panicked.
	StateExcept
)

// String returns a human-readable representation of the state.
func (s FiberState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateExec:
		return "EXEC"
	case StateHold:
		return "HOLD"
	case StateTerm:
		return "TERM"
	case StateExcept:
		return "EXCEPT"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether the state permits Reset.
func (s FiberState) IsTerminal() bool {
	return s == StateInit || s == StateTerm || s == StateExcept
}

// atomicFiberState is a lock-free holder for FiberState, mirroring the
// teacher's FastState: pure CAS, no transition validation. The caller is
// responsible for only attempting valid transitions; anything else is a
// programmer error and the caller panics rather than the state machine.
type atomicFiberState struct {
	v atomic.Uint32
}

func newAtomicFiberState(initial FiberState) *atomicFiberState {
	s := &atomicFiberState{}
	s.v.Store(uint32(initial))
	return s
}

func (s *atomicFiberState) Load() FiberState {
	return FiberState(s.v.Load())
}

func (s *atomicFiberState) Store(state FiberState) {
	s.v.Store(uint32(state))
}

func (s *atomicFiberState) CompareAndSwap(from, to FiberState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// schedState is the lifecycle state of a Scheduler.
type schedState uint32

const (
	schedAwake schedState = iota
	schedRunning
	schedStopping
	schedStopped
)

// atomicSchedState is a lock-free holder for schedState, same discipline
// as atomicFiberState above.
type atomicSchedState struct {
	v atomic.Uint32
}

func newAtomicSchedState() *atomicSchedState {
	s := &atomicSchedState{}
	s.v.Store(uint32(schedAwake))
	return s
}

func (s *atomicSchedState) Load() schedState {
	return schedState(s.v.Load())
}

func (s *atomicSchedState) Store(state schedState) {
	s.v.Store(uint32(state))
}

func (s *atomicSchedState) CompareAndSwap(from, to schedState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
