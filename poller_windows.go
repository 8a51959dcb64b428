// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build windows

package fiberd

// windowsPoller is a stub: the reactor targets POSIX epoll/kqueue only.
// It exists so the module still cross-compiles on Windows; every method
// fails with ErrUnsupportedPlatform.
type windowsPoller struct{}

func newPoller() (ioPoller, error) {
	return nil, ErrUnsupportedPlatform
}

func (windowsPoller) Init() error { return ErrUnsupportedPlatform }
func (windowsPoller) Close() error { return ErrUnsupportedPlatform }
func (windowsPoller) SetEvents(fd int, oldEvents, newEvents IOEvent) error {
	return ErrUnsupportedPlatform
}
func (windowsPoller) Wait(timeoutMs int) ([]polledEvent, error) {
	return nil, ErrUnsupportedPlatform
}
