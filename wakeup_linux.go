// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

package fiberd

import (
	"golang.org/x/sys/unix"
)

// createWakePipe opens the self-pipe an IOManager registers with its
// poller for tickle notifications: writing a byte to w makes r readable,
// interrupting a blocked epoll_wait/kevent call. Both ends are opened
// non-blocking, required for edge-triggered epoll registration.
func createWakePipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

func closeWakePipe(r, w int) {
	_ = unix.Close(r)
	_ = unix.Close(w)
}

// drainWakePipe reads until EAGAIN, required before re-arming an
// edge-triggered read event on r.
func drainWakePipe(r int) {
	var buf [256]byte
	for {
		_, err := unix.Read(r, buf[:])
		if err != nil {
			return
		}
	}
}
