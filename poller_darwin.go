// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build darwin

package fiberd

import (
	"golang.org/x/sys/unix"
)

// kqueuePoller implements ioPoller on top of kqueue. Unlike epoll, kqueue
// tracks read and write readiness as two independent filters rather than
// one fd-level registration, so SetEvents diffs oldEvents/newEvents into
// individual EV_ADD/EV_DELETE changes instead of a single MOD call.
type kqueuePoller struct {
	kq int
}

func newPoller() (ioPoller, error) {
	return &kqueuePoller{kq: -1}, nil
}

func (p *kqueuePoller) Init() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = kq
	return nil
}

func (p *kqueuePoller) Close() error {
	if p.kq < 0 {
		return nil
	}
	return unix.Close(p.kq)
}

func (p *kqueuePoller) SetEvents(fd int, oldEvents, newEvents IOEvent) error {
	var changes []unix.Kevent_t

	if oldEvents&EventRead != 0 && newEvents&EventRead == 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
	}
	if newEvents&EventRead != 0 && oldEvents&EventRead == 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_CLEAR})
	}
	if oldEvents&EventWrite != 0 && newEvents&EventWrite == 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
	}
	if newEvents&EventWrite != 0 && oldEvents&EventWrite == 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_CLEAR})
	}

	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) Wait(timeoutMs int) ([]polledEvent, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * int64(1000000))
		ts = &t
	}

	var buf [256]unix.Kevent_t
	n, err := unix.Kevent(p.kq, nil, buf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	byFd := make(map[int]*polledEvent, n)
	out := make([]polledEvent, 0, n)
	get := func(fd int) *polledEvent {
		if pe, ok := byFd[fd]; ok {
			return pe
		}
		out = append(out, polledEvent{fd: fd})
		pe := &out[len(out)-1]
		byFd[fd] = pe
		return pe
	}

	for i := 0; i < n; i++ {
		ev := buf[i]
		fd := int(ev.Ident)
		pe := get(fd)
		if ev.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0 {
			pe.errorHup = true
		}
		switch ev.Filter {
		case unix.EVFILT_READ:
			pe.readable = true
		case unix.EVFILT_WRITE:
			pe.writable = true
		}
	}
	return out, nil
}
