// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberd

import (
	"fmt"
	"sync"
	"sync/atomic"
)

var schedulerIDCounter atomic.Int64

// AnyWorker is the pin value meaning "any worker goroutine may run this
// task", the Go counterpart of sylar's threadId == -1.
const AnyWorker = -1

// Task is a unit of schedulable work: either a pre-built Fiber (its state
// must be one of INIT, READY, HOLD when scheduled) or a plain callable that
// the Scheduler wraps in a Fiber on first run.
type Task struct {
	fiber  *Fiber
	fn     func()
	worker int
}

// TaskOption configures a Task at construction.
type TaskOption func(*Task)

// PinWorker pins the task to a specific worker slot (0..N-1); AnyWorker
// (the default) lets any idle worker take it.
func PinWorker(id int) TaskOption {
	return func(t *Task) { t.worker = id }
}

// TaskFromFiber wraps an existing fiber as a schedulable task.
func TaskFromFiber(f *Fiber, opts ...TaskOption) *Task {
	t := &Task{fiber: f, worker: AnyWorker}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TaskFromFunc wraps fn in a new fiber, created lazily the first time the
// task is run.
func TaskFromFunc(fn func(), opts ...TaskOption) *Task {
	t := &Task{fn: fn, worker: AnyWorker}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Task) resolveFiber() *Fiber {
	if t.fiber == nil {
		t.fiber = NewFiber(t.fn)
	}
	return t.fiber
}

// Scheduler is an N:M cooperative dispatcher: a shared task queue drained
// by a pool of worker goroutines, each of which runs fibers to completion
// or suspension. It is the Go analogue of sylar's Scheduler, minus the
// OS-thread pinning sylar needs and Go doesn't: "thread" here means
// "worker slot", an index into the pool, not an OS thread id.
type Scheduler struct {
	id   int64
	name string

	mu     sync.Mutex
	tasks  chunkedTaskQueue          // AnyWorker tasks, FIFO
	pinned map[int]*chunkedTaskQueue // worker id -> its pinned FIFO, created lazily

	workerCount int
	useCaller   bool

	state   *atomicSchedState
	active  atomic.Int32
	idling  atomic.Int32
	started atomic.Bool

	wakeCh chan struct{}
	wg     sync.WaitGroup

	// Tickle is invoked (possibly many times) whenever work becomes
	// available that an idle worker should wake up for. The default
	// implementation does a best-effort non-blocking broadcast over
	// wakeCh. IOManager replaces it with one that instead interrupts a
	// blocked epoll_wait via the self-pipe.
	Tickle func()

	// Idle is invoked by a worker with nothing to run. The default parks
	// on wakeCh until a Tickle arrives; Stop tickles every worker, so none
	// stays parked. IOManager overrides this to run its epoll_wait loop.
	Idle func(workerID int)
}

// SchedulerOption configures a Scheduler at construction.
type SchedulerOption func(*Scheduler)

// NewScheduler creates a Scheduler with the given worker pool size. If
// useCaller is true, the goroutine that later calls Run participates in
// the pool as worker 0 instead of Start launching a dedicated goroutine
// for it — mirroring sylar's use_caller constructor argument.
func NewScheduler(workers int, useCaller bool, name string, opts ...SchedulerOption) *Scheduler {
	if workers <= 0 {
		panic("fiberd: NewScheduler requires at least one worker")
	}
	if name == "" {
		name = fmt.Sprintf("scheduler-%d", schedulerIDCounter.Add(1))
	}
	s := &Scheduler{
		id:          schedulerIDCounter.Add(1),
		name:        name,
		workerCount: workers,
		useCaller:   useCaller,
		state:       newAtomicSchedState(),
		wakeCh:      make(chan struct{}, workers),
	}
	s.Tickle = s.defaultTickle
	s.Idle = s.defaultIdle
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the scheduler's name, as set at construction or generated.
func (s *Scheduler) Name() string { return s.name }

// Schedule enqueues a single task.
func (s *Scheduler) Schedule(t *Task) error {
	return s.ScheduleBatch([]*Task{t})
}

// ScheduleBatch enqueues multiple tasks under a single lock acquisition,
// tickling exactly once if the queue was non-empty afterward.
func (s *Scheduler) ScheduleBatch(ts []*Task) error {
	if s.state.Load() == schedStopping || s.state.Load() == schedStopped {
		return ErrClosed
	}
	s.mu.Lock()
	for _, t := range ts {
		if t.worker == AnyWorker {
			s.tasks.Push(t)
			continue
		}
		q := s.pinned[t.worker]
		if q == nil {
			if s.pinned == nil {
				s.pinned = make(map[int]*chunkedTaskQueue)
			}
			q = &chunkedTaskQueue{}
			s.pinned[t.worker] = q
		}
		q.Push(t)
	}
	s.mu.Unlock()
	if len(ts) > 0 {
		s.Tickle()
	}
	return nil
}

// Start launches the scheduler's worker pool. If the scheduler was created
// with useCaller=true, Start spawns workerCount-1 background workers and
// the caller must separately call Run to supply worker 0; otherwise it
// spawns all workerCount workers in the background and returns
// immediately.
func (s *Scheduler) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	s.state.Store(schedRunning)

	n := s.workerCount
	first := 0
	if s.useCaller {
		first = 1
	}
	for i := first; i < n; i++ {
		id := i
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runWorker(id)
		}()
	}
	return nil
}

// Run supplies worker 0 on the calling goroutine. Only valid when the
// scheduler was constructed with useCaller=true; blocks until Stop.
func (s *Scheduler) Run() {
	if !s.useCaller {
		panic("fiberd: Run called on a Scheduler not constructed with useCaller=true")
	}
	s.runWorker(0)
}

// Stop requests shutdown, tickles every worker so none is left blocked in
// Idle, and waits for all background workers (everything but a
// useCaller-supplied worker 0, which the caller's own Run call drains) to
// exit.
func (s *Scheduler) Stop() error {
	if s.Stopping() {
		return nil
	}
	s.state.Store(schedStopping)
	for i := 0; i < s.workerCount; i++ {
		s.Tickle()
	}
	s.wg.Wait()
	s.state.Store(schedStopped)
	return nil
}

// Stopping reports whether the scheduler has been asked to stop and has
// drained its queue and active workers — the condition under which an idle
// worker's loop should return instead of parking again.
func (s *Scheduler) Stopping() bool {
	if s.state.Load() != schedStopping && s.state.Load() != schedStopped {
		return false
	}
	s.mu.Lock()
	empty := s.totalLenLocked() == 0
	s.mu.Unlock()
	return empty && s.active.Load() == 0
}

// totalLenLocked returns the combined length of the AnyWorker queue and
// every pinned per-worker queue. Must be called with s.mu held.
func (s *Scheduler) totalLenLocked() int {
	n := s.tasks.Len()
	for _, q := range s.pinned {
		n += q.Len()
	}
	return n
}

// ActiveCount returns the number of workers currently executing a task.
func (s *Scheduler) ActiveCount() int32 { return s.active.Load() }

// IdleCount returns the number of workers currently parked in Idle.
func (s *Scheduler) IdleCount() int32 { return s.idling.Load() }

// popTask dequeues the next task this worker may run: its own pinned queue
// takes priority over the shared AnyWorker queue, so a worker with pending
// pinned work doesn't starve behind unrelated general traffic.
func (s *Scheduler) popTask(workerID int) *Task {
	s.mu.Lock()
	var found *Task
	if q := s.pinned[workerID]; q != nil {
		found, _ = q.Pop()
	}
	if found == nil {
		found, _ = s.tasks.Pop()
	}
	moreWork := s.totalLenLocked() > 0
	s.mu.Unlock()

	if moreWork {
		s.Tickle()
	}
	return found
}

func (s *Scheduler) runWorker(workerID int) {
	setCurrentScheduler(s)
	defer setCurrentScheduler(nil)

	for {
		task := s.popTask(workerID)
		if task == nil {
			if s.Stopping() {
				return
			}
			s.idling.Add(1)
			s.Idle(workerID)
			s.idling.Add(-1)
			continue
		}

		s.active.Add(1)
		f := task.resolveFiber()
		newState := f.Resume()
		s.active.Add(-1)

		switch newState {
		case StateReady:
			_ = s.Schedule(TaskFromFiber(f))
		case StateTerm:
			// done; nothing to reschedule.
		case StateExcept:
			if pe := f.PanicValue(); pe != nil {
				SError("scheduler", "fiber panicked", pe, map[string]interface{}{"fiber_id": f.ID(), "scheduler": s.name})
			}
		default:
			// StateHold: something else (timer, I/O event, another
			// goroutine) is responsible for rescheduling this fiber.
		}
	}
}

func (s *Scheduler) defaultTickle() {
	for i := 0; i < s.workerCount; i++ {
		select {
		case s.wakeCh <- struct{}{}:
		default:
		}
	}
}

func (s *Scheduler) defaultIdle(int) {
	<-s.wakeCh
}

// --- goroutine-affine current-scheduler lookup -----------------------------

var (
	currentSchedulerMu sync.RWMutex
	currentSchedulers  = map[uint64]*Scheduler{}
)

func setCurrentScheduler(s *Scheduler) {
	gid := getGoroutineID()
	currentSchedulerMu.Lock()
	if s == nil {
		delete(currentSchedulers, gid)
	} else {
		currentSchedulers[gid] = s
	}
	currentSchedulerMu.Unlock()
}

// CurrentScheduler returns the Scheduler whose worker loop is running on
// the calling goroutine, or nil if none.
//
// A fiber's own body runs on a dedicated trampoline goroutine rather than
// the worker goroutine that resumed it, so the direct goroutine-keyed lookup
// above only serves code running straight in a worker's runWorker loop. Code
// running inside a fiber (including everything in hook.go) falls back to the
// activeScheduler the fiber's most recent Resume recorded.
func CurrentScheduler() *Scheduler {
	gid := getGoroutineID()
	currentSchedulerMu.RLock()
	s := currentSchedulers[gid]
	currentSchedulerMu.RUnlock()
	if s != nil {
		return s
	}
	if f := currentFiber(); f != nil {
		return f.activeScheduler
	}
	return nil
}
