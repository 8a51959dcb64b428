// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux || darwin

package fiberd

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Direction selects which half of a socket a timeout or nonblocking flag
// applies to.
type Direction int

const (
	DirRecv Direction = iota
	DirSend
)

// FdCtx tracks per-descriptor bookkeeping the hook layer needs: whether fd
// is a socket at all (the hook layer only suspends on sockets), whether
// the kernel has been forced nonblocking beneath a caller who still thinks
// they asked for blocking I/O, and per-direction timeouts.
type FdCtx struct {
	mu sync.RWMutex

	fd int

	isInit    bool
	isSocket  bool
	isClosed  bool

	userNonblock   bool
	systemNonblock bool

	recvTimeout time.Duration
	sendTimeout time.Duration
}

func newFdCtx(fd int) *FdCtx {
	c := &FdCtx{fd: fd, recvTimeout: -1, sendTimeout: -1}
	c.init()
	return c
}

// init classifies fd (socket or not) and, for sockets, forces O_NONBLOCK
// at the kernel level so the hook layer can always use the EAGAIN/EWOULDBLOCK
// retry-and-suspend protocol regardless of what the caller originally
// requested.
func (c *FdCtx) init() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isInit {
		return true
	}

	var stat unix.Stat_t
	if err := unix.Fstat(c.fd, &stat); err != nil {
		c.isInit = false
		c.isSocket = false
		return false
	}
	c.isInit = true
	c.isSocket = stat.Mode&unix.S_IFMT == unix.S_IFSOCK

	if c.isSocket {
		flags, err := unix.FcntlInt(uintptr(c.fd), unix.F_GETFL, 0)
		if err == nil && flags&unix.O_NONBLOCK == 0 {
			_, _ = unix.FcntlInt(uintptr(c.fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
		}
		c.systemNonblock = true
	}

	c.userNonblock = false
	c.isClosed = false
	return c.isInit
}

// IsSocket reports whether fd was a socket at the time it was first seen.
func (c *FdCtx) IsSocket() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isSocket
}

// SetUserNonblock records whether the application itself asked for
// nonblocking semantics via SetNonblock — the hook layer still forces the
// kernel flag, but passes the raw call (and its EAGAIN) straight through
// instead of suspending the fiber when the application wanted nonblocking
// behavior.
func (c *FdCtx) SetUserNonblock(v bool) {
	c.mu.Lock()
	c.userNonblock = v
	c.mu.Unlock()
}

func (c *FdCtx) UserNonblock() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userNonblock
}

func (c *FdCtx) SystemNonblock() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.systemNonblock
}

// SetTimeout sets the per-direction I/O timeout; d <= 0 means no timeout.
func (c *FdCtx) SetTimeout(dir Direction, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch dir {
	case DirRecv:
		c.recvTimeout = d
	case DirSend:
		c.sendTimeout = d
	}
}

// Timeout returns the configured timeout for dir, or a non-positive
// duration if none was set.
func (c *FdCtx) Timeout(dir Direction) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch dir {
	case DirRecv:
		return c.recvTimeout
	case DirSend:
		return c.sendTimeout
	default:
		return -1
	}
}

func (c *FdCtx) markClosed() {
	c.mu.Lock()
	c.isClosed = true
	c.mu.Unlock()
}

func (c *FdCtx) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isClosed
}

// FdManager maps raw file descriptors to their FdCtx, growing its backing
// slice by 1.5x like the fd-indexed tables elsewhere in this package.
type FdManager struct {
	mu   sync.RWMutex
	data []*FdCtx
}

// NewFdManager constructs an FdManager with a small initial table.
func NewFdManager() *FdManager {
	return &FdManager{data: make([]*FdCtx, 64)}
}

// GlobalFdManager is the process-wide FdManager the hook layer uses by
// default.
var GlobalFdManager = NewFdManager()

// Get returns fd's FdCtx, creating one (and classifying the descriptor) if
// autoCreate is true and none exists yet.
func (m *FdManager) Get(fd int, autoCreate bool) *FdCtx {
	if fd < 0 {
		return nil
	}

	m.mu.RLock()
	if fd < len(m.data) {
		ctx := m.data[fd]
		m.mu.RUnlock()
		if ctx != nil || !autoCreate {
			return ctx
		}
	} else {
		m.mu.RUnlock()
		if !autoCreate {
			return nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if fd < len(m.data) && m.data[fd] != nil {
		return m.data[fd]
	}
	if fd >= len(m.data) {
		grown := make([]*FdCtx, int(float64(fd+1)*1.5)+1)
		copy(grown, m.data)
		m.data = grown
	}
	ctx := newFdCtx(fd)
	m.data[fd] = ctx
	return ctx
}

// Delete drops fd's FdCtx, marking it closed first so any racing hook call
// that already captured the pointer backs off.
func (m *FdManager) Delete(fd int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fd < 0 || fd >= len(m.data) {
		return
	}
	if ctx := m.data[fd]; ctx != nil {
		ctx.markClosed()
	}
	m.data[fd] = nil
}
