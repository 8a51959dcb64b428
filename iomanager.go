// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux || darwin

package fiberd

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// maxPollTimeout bounds how long a single Wait call blocks even when no
// timer is due sooner, so the idle loop periodically revisits Stopping().
const maxPollTimeout = 3 * time.Second

// eventContext is what fires when an fd's registered event becomes ready:
// either a plain callback, or a suspended fiber to resume, dispatched back
// onto the owning Scheduler.
type eventContext struct {
	scheduler *Scheduler
	fiber     *Fiber
	cb        func()
}

func (c *eventContext) reset() {
	c.scheduler = nil
	c.fiber = nil
	c.cb = nil
}

// fdEventState is the per-descriptor registration table entry: which
// events are armed, and what fires for each.
type fdEventState struct {
	mu     sync.Mutex
	fd     int
	events IOEvent
	read   eventContext
	write  eventContext
}

func (s *fdEventState) context(ev IOEvent) *eventContext {
	switch ev {
	case EventRead:
		return &s.read
	case EventWrite:
		return &s.write
	default:
		panic("fiberd: invalid IOEvent")
	}
}

// IOManager is a Scheduler plus a TimerManager with an epoll/kqueue
// reactor: its idle workers block in the poller's Wait call, honoring the
// next timer deadline, and wake on I/O readiness, a tickle, or a due
// timer.
type IOManager struct {
	*Scheduler
	*TimerManager

	poller ioPoller

	fdMu  sync.RWMutex
	fds   []*fdEventState
	fdGen int64

	pendingEvents atomic.Int64

	wakeR, wakeW   int
	closeOnce      sync.Once
	pollTimeoutCap time.Duration
}

// NewIOManager constructs and starts an IOManager with the given worker
// pool size, exactly like sylar's IOManager constructor starting its
// Scheduler immediately.
func NewIOManager(workers int, useCaller bool, name string, opts ...IOManagerOption) (*IOManager, error) {
	cfg, err := resolveIOManagerOptions(opts)
	if err != nil {
		return nil, err
	}

	poller, err := newPoller()
	if err != nil {
		return nil, err
	}
	if err := poller.Init(); err != nil {
		return nil, err
	}

	r, w, err := createWakePipe()
	if err != nil {
		_ = poller.Close()
		return nil, err
	}

	m := &IOManager{
		Scheduler:      NewScheduler(workers, useCaller, name),
		TimerManager:   NewTimerManager(),
		poller:         poller,
		fds:            make([]*fdEventState, cfg.initialFDTable),
		wakeR:          r,
		wakeW:          w,
		pollTimeoutCap: cfg.pollTimeoutCap,
	}

	if err := m.poller.SetEvents(m.wakeR, EventNone, EventRead); err != nil {
		_ = poller.Close()
		closeWakePipe(r, w)
		return nil, err
	}

	m.Scheduler.Tickle = m.tickle
	m.Scheduler.Idle = m.idle
	m.TimerManager.SetOnFrontInserted(m.tickle)
	m.registerSelf()

	if err := m.Start(); err != nil {
		_ = m.Stop()
		return nil, err
	}
	return m, nil
}

// CurrentIOManager returns the IOManager whose worker loop is running on
// the calling goroutine, or nil if the current scheduler is a plain
// Scheduler (or there is none).
func CurrentIOManager() *IOManager {
	s := CurrentScheduler()
	if s == nil {
		return nil
	}
	currentIOManagerMu.RLock()
	defer currentIOManagerMu.RUnlock()
	return currentIOManagers[s]
}

var (
	currentIOManagerMu sync.RWMutex
	currentIOManagers  = map[*Scheduler]*IOManager{}
)

func (m *IOManager) registerSelf() {
	currentIOManagerMu.Lock()
	currentIOManagers[m.Scheduler] = m
	currentIOManagerMu.Unlock()
}

func (m *IOManager) fdState(fd int, autoCreate bool) *fdEventState {
	m.fdMu.RLock()
	if fd < len(m.fds) {
		st := m.fds[fd]
		m.fdMu.RUnlock()
		if st != nil || !autoCreate {
			return st
		}
	} else {
		m.fdMu.RUnlock()
		if !autoCreate {
			return nil
		}
	}

	m.fdMu.Lock()
	defer m.fdMu.Unlock()
	if fd < len(m.fds) && m.fds[fd] != nil {
		return m.fds[fd]
	}
	if fd >= len(m.fds) {
		grown := make([]*fdEventState, int(float64(fd+1)*1.5)+1)
		copy(grown, m.fds)
		m.fds = grown
	}
	st := &fdEventState{fd: fd}
	m.fds[fd] = st
	return st
}

// AddEvent arms ev on fd. If cb is nil, the calling fiber itself is
// captured as the thing to resume when the event fires — the caller is
// expected to suspend (YieldHold) immediately after AddEvent returns.
func (m *IOManager) AddEvent(fd int, ev IOEvent, cb func()) error {
	st := m.fdState(fd, true)

	st.mu.Lock()
	old := st.events
	if st.events&ev != 0 {
		st.mu.Unlock()
		return fmt.Errorf("fiberd: AddEvent: %s already registered on fd %d", ev, fd)
	}
	newEvents := st.events | ev
	if err := m.poller.SetEvents(fd, old, newEvents); err != nil {
		st.mu.Unlock()
		return err
	}
	st.events = newEvents

	ctx := st.context(ev)
	ctx.scheduler = CurrentScheduler()
	if ctx.scheduler == nil {
		ctx.scheduler = m.Scheduler
	}
	if cb != nil {
		ctx.cb = cb
	} else {
		ctx.fiber = CurrentFiber()
	}
	st.mu.Unlock()

	m.pendingEvents.Add(1)
	return nil
}

// DelEvent disarms ev on fd without firing it.
func (m *IOManager) DelEvent(fd int, ev IOEvent) bool {
	st := m.fdState(fd, false)
	if st == nil {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.events&ev == 0 {
		return false
	}
	newEvents := st.events &^ ev
	if err := m.poller.SetEvents(fd, st.events, newEvents); err != nil {
		return false
	}
	st.events = newEvents
	st.context(ev).reset()
	m.pendingEvents.Add(-1)
	return true
}

// CancelEvent disarms ev on fd and fires it immediately, as if it had
// become ready.
func (m *IOManager) CancelEvent(fd int, ev IOEvent) bool {
	st := m.fdState(fd, false)
	if st == nil {
		return false
	}

	st.mu.Lock()
	if st.events&ev == 0 {
		st.mu.Unlock()
		return false
	}
	newEvents := st.events &^ ev
	if err := m.poller.SetEvents(fd, st.events, newEvents); err != nil {
		st.mu.Unlock()
		return false
	}
	st.events = newEvents
	_ = m.triggerLocked(st, ev)
	st.mu.Unlock()

	m.pendingEvents.Add(-1)
	return true
}

// CancelAll disarms and fires every event registered on fd. If rescheduling
// a fired callback/fiber fails (e.g. the owning Scheduler already stopped),
// the failures are collected and logged as a single AggregateError rather
// than silently dropped.
func (m *IOManager) CancelAll(fd int) bool {
	st := m.fdState(fd, false)
	if st == nil {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.events == EventNone {
		return false
	}

	if err := m.poller.SetEvents(fd, st.events, EventNone); err != nil {
		return false
	}

	var errs []error
	if st.events&EventRead != 0 {
		if err := m.triggerLocked(st, EventRead); err != nil {
			errs = append(errs, err)
		}
		m.pendingEvents.Add(-1)
	}
	if st.events&EventWrite != 0 {
		if err := m.triggerLocked(st, EventWrite); err != nil {
			errs = append(errs, err)
		}
		m.pendingEvents.Add(-1)
	}
	st.events = EventNone
	if len(errs) > 0 {
		SError("io", "cancelAll: some waiters failed to reschedule", &AggregateError{Errors: errs}, map[string]interface{}{"fd": fd})
	}
	return true
}

// triggerLocked dispatches ev's callback/fiber back onto its scheduler and
// resets ev's eventContext. It must be called with st.mu held; it leaves
// st.events alone, which its callers update themselves. Returns the Scheduler.Schedule
// error, if any, so callers that fire several events at once (CancelAll)
// can aggregate failures instead of discarding them.
func (m *IOManager) triggerLocked(st *fdEventState, ev IOEvent) error {
	ctx := st.context(ev)
	sched := ctx.scheduler
	if sched == nil {
		ctx.reset()
		return nil
	}

	var err error
	if ctx.cb != nil {
		cb := ctx.cb
		err = sched.Schedule(TaskFromFunc(cb))
	} else if ctx.fiber != nil {
		err = sched.Schedule(TaskFromFiber(ctx.fiber))
	}
	ctx.reset()
	return err
}

// PendingEvents returns the number of armed (fd, event) registrations that
// have not yet fired.
func (m *IOManager) PendingEvents() int64 { return m.pendingEvents.Load() }

func (m *IOManager) tickle() {
	if m.IdleCount() == 0 {
		return
	}
	_, _ = writeFD(m.wakeW, []byte{'T'})
}

// Stopping reports whether the IOManager's idle loop has nothing left to
// wait for: the embedded Scheduler has drained its queue and active
// workers, there are no pending I/O registrations, and no timer remains
// scheduled. Only idle consults it; the worker loop exits on the embedded
// Scheduler's Stopping, so Stop does not wait for pending timers or armed
// events, and those never fire once the workers have exited.
func (m *IOManager) Stopping() bool {
	return !m.TimerManager.HasTimer() && m.pendingEvents.Load() == 0 && m.Scheduler.Stopping()
}

// idle is installed as the Scheduler's Idle hook: it blocks in the
// poller's Wait call for up to the next timer deadline (capped at
// maxPollTimeout), then fires due timers and ready I/O callbacks.
func (m *IOManager) idle(int) {
	if m.Stopping() {
		return
	}

	timeoutMs := int(m.pollTimeoutCap / time.Millisecond)
	if d, ok := m.TimerManager.NextTimeout(); ok {
		if d <= 0 {
			timeoutMs = 0
		} else if d < m.pollTimeoutCap {
			timeoutMs = int(d / time.Millisecond)
			if timeoutMs == 0 {
				timeoutMs = 1
			}
		}
	}

	events, err := m.poller.Wait(timeoutMs)
	if err != nil {
		SError("io", "poll error", err, nil)
		return
	}

	if cbs := m.TimerManager.Expired(); len(cbs) > 0 {
		tasks := make([]*Task, len(cbs))
		for i, cb := range cbs {
			tasks[i] = TaskFromFunc(cb)
		}
		_ = m.Scheduler.ScheduleBatch(tasks)
	}

	for _, pe := range events {
		if pe.fd == m.wakeR {
			drainWakePipe(m.wakeR)
			continue
		}

		st := m.fdState(pe.fd, false)
		if st == nil {
			continue
		}

		st.mu.Lock()
		real := EventNone
		if pe.errorHup {
			real |= (EventRead | EventWrite) & st.events
		}
		if pe.readable {
			real |= EventRead
		}
		if pe.writable {
			real |= EventWrite
		}
		real &= st.events
		if real == EventNone {
			st.mu.Unlock()
			continue
		}

		// Disarm the fired bits before triggering: armed_mask must track
		// only the events still being waited on, and the stale epoll
		// registration must go with it or a later AddEvent on this fd sees
		// the bit still set and rejects re-arming (iomanager.go AddEvent).
		old := st.events
		newEvents := st.events &^ real
		if err := m.poller.SetEvents(pe.fd, old, newEvents); err != nil {
			SError("io", "re-arm after fire failed", err, map[string]interface{}{"fd": pe.fd})
		} else {
			st.events = newEvents
		}

		if real&EventRead != 0 {
			m.triggerLocked(st, EventRead)
			m.pendingEvents.Add(-1)
		}
		if real&EventWrite != 0 {
			m.triggerLocked(st, EventWrite)
			m.pendingEvents.Add(-1)
		}
		st.mu.Unlock()
	}
}

// Stop shuts down the worker pool, then releases the poller and self-pipe.
func (m *IOManager) Stop() error {
	err := m.Scheduler.Stop()
	m.closeOnce.Do(func() {
		_ = m.poller.Close()
		closeWakePipe(m.wakeR, m.wakeW)
		currentIOManagerMu.Lock()
		delete(currentIOManagers, m.Scheduler)
		currentIOManagerMu.Unlock()
	})
	return err
}

// StopWithTimeout behaves like Stop, but gives up waiting for the worker
// pool to drain after d and returns an error wrapping ErrTimeout (check
// with errors.Is), leaving the poller and self-pipe open rather than
// blocking a caller indefinitely on a stuck fiber. Built on
// AbortController/AbortSignal; the deadline runs on a runtime timer, not
// on m's own TimerManager, whose expired callbacks can no longer be
// scheduled once Stop has begun.
func (m *IOManager) StopWithTimeout(d time.Duration) error {
	controller := NewAbortController()
	deadline := time.AfterFunc(d, func() { controller.Abort(ErrTimeout) })
	defer deadline.Stop()
	signal := controller.Signal()

	aborted := make(chan struct{})
	signal.OnAbort(func(any) { close(aborted) })

	done := make(chan error, 1)
	go func() { done <- m.Stop() }()

	select {
	case err := <-done:
		return err
	case <-aborted:
		return signal.ThrowIfAborted()
	}
}
