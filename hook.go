// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux || darwin

package fiberd

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// defaultConnectTimeoutNanos backs DefaultConnectTimeout/SetDefaultConnectTimeout,
// the Go analogue of sylar's tcp.connect.timeout config var: a single
// process-wide knob Connect falls back to when no explicit timeout is given.
var defaultConnectTimeoutNanos atomic.Int64

func init() {
	defaultConnectTimeoutNanos.Store(int64(5 * time.Second))
}

// DefaultConnectTimeout returns the timeout Connect uses when the caller
// doesn't supply an explicit deadline.
func DefaultConnectTimeout() time.Duration {
	return time.Duration(defaultConnectTimeoutNanos.Load())
}

// SetDefaultConnectTimeout updates the process-wide default connect
// timeout used by Connect.
func SetDefaultConnectTimeout(d time.Duration) {
	if d > 0 {
		defaultConnectTimeoutNanos.Store(int64(d))
	}
}

var (
	hookEnabledMu sync.RWMutex
	hookEnabled   = map[uint64]bool{}
)

// HookEnabled reports whether the calling goroutine has opted into
// cooperative I/O: when disabled, Read/Write/Accept/... behave like their
// raw unix.* counterparts and never suspend a fiber.
func HookEnabled() bool {
	id := getGoroutineID()
	hookEnabledMu.RLock()
	defer hookEnabledMu.RUnlock()
	return hookEnabled[id]
}

// SetHookEnabled turns cooperative I/O on or off for the calling goroutine.
func SetHookEnabled(v bool) {
	id := getGoroutineID()
	hookEnabledMu.Lock()
	defer hookEnabledMu.Unlock()
	if v {
		hookEnabled[id] = true
	} else {
		delete(hookEnabled, id)
	}
}

// doIO is the cooperative-I/O engine every hooked syscall funnels through:
// attempt op, retry transparently on EINTR, and on EAGAIN suspend the
// calling fiber until either fd becomes ready for event or the fd's
// configured timeout (if any) elapses.
//
// The wait uses an AbortController/AbortSignal as the weak handle tying the
// timer to the event wait: the timer is registered via AddConditionalTimer
// so that if it has already been popped off the TimerManager's heap (and is
// queued to run) by the time the fd event fires and aborts the signal, its
// body becomes a no-op instead of cancelling an event or fd that doIO has
// already moved past.
func doIO(fd int, event IOEvent, dir Direction, op func() (int, error)) (int, error) {
	if !HookEnabled() {
		return op()
	}
	ctx := GlobalFdManager.Get(fd, false)
	if ctx == nil {
		return op()
	}
	if ctx.Closed() {
		return -1, unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return op()
	}
	iom := CurrentIOManager()
	if iom == nil {
		return op()
	}
	timeout := ctx.Timeout(dir)

	for {
		n, err := op()
		for err == unix.EINTR {
			n, err = op()
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return n, err
		}

		controller := NewAbortController()
		signal := controller.Signal()

		var timer *Timer
		if timeout > 0 {
			t, terr := iom.AddConditionalTimer(timeout, signal, func() {
				controller.Abort(ErrTimeout)
				iom.CancelEvent(fd, event)
			})
			if terr == nil {
				timer = t
			}
		}

		if err := iom.AddEvent(fd, event, nil); err != nil {
			if timer != nil {
				timer.Cancel()
			}
			SError("hook", "addEvent failed", err, map[string]interface{}{"fd": fd, "event": event.String()})
			return -1, err
		}

		YieldHold()

		if timer != nil {
			timer.Cancel()
		}
		// Abort with a nil reason if the event path won the race, so a
		// timer callback already queued to run sees the signal aborted
		// and skips its side effects; idempotent if the timer got there
		// first and already aborted with ErrTimeout.
		controller.Abort(nil)
		if signal.Reason() == ErrTimeout {
			return -1, ErrTimeout
		}
		// fd is ready; loop back and retry the syscall.
	}
}

// Read cooperatively reads from fd, suspending the calling fiber instead of
// blocking the underlying goroutine while fd is not yet readable.
func Read(fd int, buf []byte) (int, error) {
	return doIO(fd, EventRead, DirRecv, func() (int, error) {
		return unix.Read(fd, buf)
	})
}

// Write cooperatively writes buf to fd.
func Write(fd int, buf []byte) (int, error) {
	return doIO(fd, EventWrite, DirSend, func() (int, error) {
		return unix.Write(fd, buf)
	})
}

// Recv is Read with recv(2) flags.
func Recv(fd int, buf []byte, flags int) (int, error) {
	return doIO(fd, EventRead, DirRecv, func() (int, error) {
		n, _, rerr := unix.Recvfrom(fd, buf, flags)
		return n, rerr
	})
}

// Send is Write with send(2) flags.
func Send(fd int, buf []byte, flags int) (int, error) {
	return doIO(fd, EventWrite, DirSend, func() (int, error) {
		return unix.Send(fd, buf, flags)
	})
}

// Accept cooperatively accepts a connection on the listening socket fd,
// registering the new connection's fd with the global FdManager and
// forcing it nonblocking before handing it back, the same way sylar's
// hooked accept() seeds FdMgr for the accepted socket immediately.
func Accept(fd int) (int, unix.Sockaddr, error) {
	var newfd int
	var sa unix.Sockaddr
	_, err := doIO(fd, EventRead, DirRecv, func() (int, error) {
		nfd, s, aerr := unix.Accept(fd)
		if aerr != nil {
			return -1, aerr
		}
		newfd, sa = nfd, s
		return nfd, nil
	})
	if err != nil {
		return -1, nil, err
	}
	_ = unix.SetNonblock(newfd, true)
	GlobalFdManager.Get(newfd, true)
	return newfd, sa, nil
}

// ConnectWithTimeout cooperatively connects fd to addr, waiting up to
// timeout for the connection to complete. It mirrors sylar's
// connect_with_timeout: a nonblocking connect() either finishes
// immediately, fails outright, or returns EINPROGRESS, in which case the
// fiber waits on fd's write-readiness (the socket becomes writable once
// the handshake resolves either way, successfully or not) and then uses
// getsockopt(SO_ERROR) to discover which.
func ConnectWithTimeout(fd int, addr unix.Sockaddr, timeout time.Duration) error {
	if !HookEnabled() {
		return unix.Connect(fd, addr)
	}
	ctx := GlobalFdManager.Get(fd, false)
	if ctx == nil {
		return unix.Connect(fd, addr)
	}
	if ctx.Closed() {
		return unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return unix.Connect(fd, addr)
	}

	err := unix.Connect(fd, addr)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}

	iom := CurrentIOManager()
	if iom == nil {
		return err
	}

	controller := NewAbortController()
	signal := controller.Signal()

	var timer *Timer
	if timeout > 0 {
		t, terr := iom.AddConditionalTimer(timeout, signal, func() {
			controller.Abort(ErrTimeout)
			iom.CancelEvent(fd, EventWrite)
		})
		if terr == nil {
			timer = t
		}
	}

	if aerr := iom.AddEvent(fd, EventWrite, nil); aerr != nil {
		if timer != nil {
			timer.Cancel()
		}
		return aerr
	}

	YieldHold()

	if timer != nil {
		timer.Cancel()
	}
	controller.Abort(nil)
	if signal.Reason() == ErrTimeout {
		return ErrTimeout
	}

	errno, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// Connect uses the process-wide DefaultConnectTimeout.
func Connect(fd int, addr unix.Sockaddr) error {
	return ConnectWithTimeout(fd, addr, DefaultConnectTimeout())
}

// Sleep suspends the calling fiber for d without blocking the underlying
// goroutine, rescheduling it back onto the current IOManager's scheduler
// when the timer fires.
func Sleep(d time.Duration) error {
	iom := CurrentIOManager()
	if iom == nil {
		time.Sleep(d)
		return nil
	}
	f := CurrentFiber()
	_, err := iom.AddTimer(d, func() {
		_ = iom.Schedule(TaskFromFiber(f))
	})
	if err != nil {
		return err
	}
	YieldHold()
	return nil
}

// Close cancels every pending event on fd (waking any fiber parked on it
// with an immediate, spurious-looking readiness) and drops fd's FdCtx
// before closing the descriptor, matching sylar's hooked close().
func Close(fd int) error {
	ctx := GlobalFdManager.Get(fd, false)
	if ctx != nil {
		if iom := CurrentIOManager(); iom != nil {
			iom.CancelAll(fd)
		}
		GlobalFdManager.Delete(fd)
	}
	return unix.Close(fd)
}

// SetNonblock records the application's own nonblocking preference for fd,
// the Go analogue of hooked fcntl(F_SETFL)/ioctl(FIONBIO): the kernel flag
// stays forced nonblocking underneath, but doIO now treats fd as opted out
// of cooperative suspension.
func SetNonblock(fd int, nonblocking bool) error {
	ctx := GlobalFdManager.Get(fd, false)
	if ctx != nil && ctx.IsSocket() {
		ctx.SetUserNonblock(nonblocking)
	}
	return unix.SetNonblock(fd, true)
}

// SetTimeout is the Go analogue of hooked setsockopt(SO_RCVTIMEO/SO_SNDTIMEO):
// it records the timeout on fd's FdCtx for doIO to honor, rather than
// asking the kernel to enforce it.
func SetTimeout(fd int, dir Direction, d time.Duration) {
	ctx := GlobalFdManager.Get(fd, true)
	ctx.SetTimeout(dir, d)
}
