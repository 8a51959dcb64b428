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

// epollPoller implements ioPoller using epoll in edge-triggered mode,
// matching the original framework's choice (level-triggered epoll would
// re-deliver ready events every Wait call even with nothing new to read).
type epollPoller struct {
	epfd int
}

func newPoller() (ioPoller, error) {
	return &epollPoller{epfd: -1}, nil
}

func (p *epollPoller) Init() error {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = fd
	return nil
}

func (p *epollPoller) Close() error {
	if p.epfd < 0 {
		return nil
	}
	return unix.Close(p.epfd)
}

func eventsToEpoll(events IOEvent) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func (p *epollPoller) SetEvents(fd int, oldEvents, newEvents IOEvent) error {
	ev := unix.EpollEvent{
		Events: eventsToEpoll(newEvents) | unix.EPOLLET,
		Fd:     int32(fd),
	}
	switch {
	case oldEvents == EventNone && newEvents != EventNone:
		return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	case newEvents == EventNone:
		return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, &ev)
	default:
		return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	}
}

func (p *epollPoller) Wait(timeoutMs int) ([]polledEvent, error) {
	var buf [256]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, buf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	out := make([]polledEvent, 0, n)
	for i := 0; i < n; i++ {
		e := buf[i]
		pe := polledEvent{fd: int(e.Fd)}
		if e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			pe.errorHup = true
		}
		if e.Events&unix.EPOLLIN != 0 {
			pe.readable = true
		}
		if e.Events&unix.EPOLLOUT != 0 {
			pe.writable = true
		}
		out = append(out, pe)
	}
	return out, nil
}
