// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build darwin

package fiberd

import (
	"syscall"
)

// createWakePipe opens the self-pipe an IOManager registers with its
// poller for tickle notifications. Darwin has no pipe2, so the
// nonblocking/cloexec flags are applied after the fact.
func createWakePipe() (r, w int, err error) {
	var fds [2]int
	if err := syscall.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}

	cleanup := func() {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
	}

	syscall.CloseOnExec(fds[0])
	syscall.CloseOnExec(fds[1])

	if err := syscall.SetNonblock(fds[0], true); err != nil {
		cleanup()
		return -1, -1, err
	}
	if err := syscall.SetNonblock(fds[1], true); err != nil {
		cleanup()
		return -1, -1, err
	}

	return fds[0], fds[1], nil
}

func closeWakePipe(r, w int) {
	_ = syscall.Close(r)
	_ = syscall.Close(w)
}

func drainWakePipe(r int) {
	var buf [256]byte
	for {
		_, err := syscall.Read(r, buf[:])
		if err != nil {
			return
		}
	}
}
