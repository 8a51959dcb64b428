// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build windows

package fiberd

// createWakePipe has no implementation on Windows: the reactor is not
// supported on this platform (see poller_windows.go). It exists only so
// the package cross-compiles.
func createWakePipe() (r, w int, err error) {
	return -1, -1, ErrUnsupportedPlatform
}

func closeWakePipe(r, w int) {}

func drainWakePipe(r int) {}
