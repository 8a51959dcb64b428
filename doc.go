// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package fiberd is a cooperative N:M fiber scheduling core: a user-space
// task scheduler, an epoll-based I/O reactor integrated with a hierarchical
// timer, and a cooperative I/O hook layer that lets ordinary synchronous
// looking code run over a small pool of OS threads.
//
// # Architecture
//
// Four subsystems, tightly coupled:
//
//   - [Fiber]: a goroutine-backed cooperative coroutine with its own
//     resume/yield lifecycle.
//   - [TimerManager] / [Timer]: an ordered set of deadline callbacks.
//   - [Scheduler]: the N:M dispatcher — a task queue drained by a pool of
//     worker goroutines, each running fibers to completion or suspension.
//   - [IOManager]: a [Scheduler] plus [TimerManager] with an epoll reactor;
//     its idle fiber blocks in epoll_wait honoring the next timer deadline.
//
// A hooked I/O call (see the hook-layer functions such as [Read], [Write],
// [Accept] and [ConnectWithTimeout]) suspends the calling fiber, registers
// an event or timer with the [IOManager], and is resumed transparently when
// the event fires or the deadline elapses.
//
// # Platform support
//
// The reactor uses epoll on Linux and kqueue on Darwin. Windows is not a
// target (spec assumes POSIX/Linux epoll); the Windows build files exist
// only so the module cross-compiles, returning [ErrUnsupportedPlatform].
//
// # Usage
//
//	iom, err := fiberd.NewIOManager(4, true, "io")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer iom.Stop()
//
//	iom.Schedule(fiberd.TaskFromFunc(func() {
//	    fiberd.Sleep(2 * time.Second)
//	    fmt.Println("done")
//	}))
package fiberd
