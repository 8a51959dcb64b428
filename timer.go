// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberd

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

var timerIDCounter atomic.Int64

// Timer is a single scheduled callback managed by a TimerManager.
type Timer struct {
	id        int64
	next      time.Time
	period    time.Duration
	recurring bool
	cb        func()
	index     int // heap index, maintained by container/heap
	mgr       *TimerManager
}

// ID returns the timer's id, stable across Refresh/Reset.
func (t *Timer) ID() int64 { return t.id }

// Cancel removes the timer. Safe to call more than once, and safe to call
// after the timer has already fired (a no-op in that case).
func (t *Timer) Cancel() {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.index < 0 {
		return
	}
	heap.Remove(&t.mgr.heap, t.index)
	t.cb = nil
}

// Refresh reschedules the timer's next firing to now+period, using its
// existing period. Refresh on a timer already removed from its manager
// (e.g. a one-shot timer that has fired) is a no-op.
func (t *Timer) Refresh() {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.index < 0 {
		return
	}
	t.next = t.mgr.now().Add(t.period)
	heap.Fix(&t.mgr.heap, t.index)
	t.mgr.checkFrontInserted(t)
}

// Reset reschedules the timer to fire after d, optionally measured fromNow
// (true) or from the start of the timer's current period (false, matching sylar's
// reset(ms, from_now) semantics: preserves phase for periodic timers being
// retuned rather than restarted).
func (t *Timer) Reset(d time.Duration, fromNow bool) {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.index < 0 {
		return
	}
	start := t.next.Add(-t.period)
	if fromNow {
		start = t.mgr.now()
	}
	t.period = d
	t.next = start.Add(d)
	heap.Fix(&t.mgr.heap, t.index)
	t.mgr.checkFrontInserted(t)
}

// timerHeap is a container/heap of *Timer ordered by next deadline, with
// ties broken by id for a stable, deterministic order (mirrors sylar's
// Comparator, which breaks ties on pointer identity).
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].next.Equal(h[j].next) {
		return h[i].id < h[j].id
	}
	return h[i].next.Before(h[j].next)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x interface{}) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// TimerManager is an ordered set of deadline callbacks, the Go counterpart
// of sylar's TimerManager: a min-heap on next-fire-time plus clock-rollover
// detection, decoupled from any particular execution strategy (a Scheduler
// or IOManager drives it by calling NextTimeout/Expired in its idle loop).
type TimerManager struct {
	mu   sync.Mutex
	heap timerHeap

	tickled      bool
	previousTime time.Time

	// onFrontInserted, when set, is invoked (outside the lock) whenever a
	// newly added or refreshed timer becomes the new earliest deadline, at
	// most once per notification window: while a notification is pending
	// (tickled set, until delivered or cleared by NextTimeout), further
	// front insertions are not reported. An IOManager uses this to interrupt a
	// blocked epoll_wait that may be waiting on a stale timeout.
	onFrontInserted func()

	// nowFunc overrides time.Now, for deterministic tests.
	nowFunc func() time.Time
}

// NewTimerManager constructs an empty TimerManager.
func NewTimerManager() *TimerManager {
	return &TimerManager{nowFunc: time.Now}
}

func (m *TimerManager) now() time.Time {
	if m.nowFunc != nil {
		return m.nowFunc()
	}
	return time.Now()
}

// SetOnFrontInserted installs the front-insertion callback. Must be called
// before the manager is shared across goroutines, or while holding an
// external lock that also guards readers.
func (m *TimerManager) SetOnFrontInserted(fn func()) {
	m.mu.Lock()
	m.onFrontInserted = fn
	m.mu.Unlock()
}

// AddTimer schedules cb to run once after d elapses.
func (m *TimerManager) AddTimer(d time.Duration, cb func()) (*Timer, error) {
	return m.addTimer(d, cb, false)
}

// AddRecurringTimer schedules cb to run every d, starting after the first d.
func (m *TimerManager) AddRecurringTimer(d time.Duration, cb func()) (*Timer, error) {
	return m.addTimer(d, cb, true)
}

func (m *TimerManager) addTimer(d time.Duration, cb func(), recurring bool) (*Timer, error) {
	if cb == nil {
		panic("fiberd: timer callback must not be nil")
	}
	t := &Timer{
		id:        timerIDCounter.Add(1),
		period:    d,
		recurring: recurring,
		cb:        cb,
		mgr:       m,
	}

	m.mu.Lock()
	t.next = m.now().Add(d)
	heap.Push(&m.heap, t)
	m.checkFrontInserted(t)
	m.mu.Unlock()

	return t, nil
}

// AddConditionalTimer schedules cb to run after d, but only if signal has
// not been aborted by the time the deadline elapses. This is the Go
// equivalent of sylar's weak_ptr-guarded condition timer: instead of a weak
// reference silently expiring, the caller explicitly controls liveness via
// an AbortSignal (see abort.go).
func (m *TimerManager) AddConditionalTimer(d time.Duration, signal *AbortSignal, cb func()) (*Timer, error) {
	return m.addTimer(d, func() {
		if signal != nil && signal.Aborted() {
			return
		}
		cb()
	}, false)
}

// checkFrontInserted invokes onFrontInserted (outside the lock) when t
// became the new heap front and tickled is not already set, mirroring sylar's
// at_front/m_tickled bookkeeping in addTimer/refresh/reset.
func (m *TimerManager) checkFrontInserted(t *Timer) {
	if t.index != 0 {
		return
	}
	if m.tickled {
		return
	}
	m.tickled = true
	cb := m.onFrontInserted
	if cb == nil {
		return
	}
	// Invoke after releasing the lock to avoid re-entrant deadlocks if cb
	// ends up calling back into the manager.
	go func() {
		m.mu.Lock()
		m.tickled = false
		m.mu.Unlock()
		cb()
	}()
}

// NextTimeout returns the duration until the next timer fires, true, or
// (0, false) if there is no timer scheduled. A non-positive duration means
// a timer is already due.
func (m *TimerManager) NextTimeout() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.heap) == 0 {
		return 0, false
	}
	m.tickled = false
	return m.heap[0].next.Sub(m.now()), true
}

// HasTimer reports whether any timer is currently scheduled.
func (m *TimerManager) HasTimer() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.heap) > 0
}

// Expired pops and returns the callbacks of every timer whose deadline has
// elapsed, re-arming recurring timers for their next period. It detects
// wall-clock rollback (now more than an hour behind the last observed
// time) and, in that case, treats every scheduled timer as expired —
// mirroring sylar's detectClockRollover safeguard against a stalled
// idle-loop wakeup when the system clock jumps backward.
func (m *TimerManager) Expired() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rollover := false
	if !m.previousTime.IsZero() && now.Before(m.previousTime.Add(-time.Hour)) {
		rollover = true
	}
	m.previousTime = now

	var cbs []func()
	for len(m.heap) > 0 {
		t := m.heap[0]
		if !rollover && t.next.After(now) {
			break
		}
		heap.Pop(&m.heap)
		if t.cb == nil {
			continue
		}
		cbs = append(cbs, t.cb)
		if t.recurring {
			t.next = now.Add(t.period)
			heap.Push(&m.heap, t)
		} else {
			t.index = -1
			t.cb = nil
		}
	}
	return cbs
}
