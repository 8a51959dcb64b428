// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Command fiberd-echo is a minimal TCP echo server exercising Fiber,
// Scheduler, IOManager and the cooperative hook layer end to end: a
// listening socket accepted in a loop fiber, each connection handled by
// its own fiber via the cooperative Read/Write calls, all multiplexed over
// a small IOManager worker pool instead of one goroutine per connection.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"

	"golang.org/x/sys/unix"

	"github.com/corewind/fiberd"
)

func main() {
	addr := flag.String("addr", "0.0.0.0:8020", "address to listen on")
	workers := flag.Int("workers", 4, "IOManager worker pool size")
	flag.Parse()

	fiberd.SetStructuredLogger(fiberd.NewDefaultLogger(fiberd.LevelInfo))

	iom, err := fiberd.NewIOManager(*workers, false, "echo")
	if err != nil {
		log.Fatalf("fiberd-echo: NewIOManager: %v", err)
	}
	defer iom.Stop()

	listenFD, sockaddr, err := resolveAndListen(*addr)
	if err != nil {
		log.Fatalf("fiberd-echo: listen %s: %v", *addr, err)
	}
	defer unix.Close(listenFD)
	fiberd.GlobalFdManager.Get(listenFD, true)
	log.Printf("fiberd-echo: listening on %s", sockaddr)

	done := make(chan struct{})
	if err := iom.Schedule(fiberd.TaskFromFunc(func() {
		acceptLoop(iom, listenFD)
		close(done)
	})); err != nil {
		log.Fatalf("fiberd-echo: schedule accept loop: %v", err)
	}

	<-done
}

func acceptLoop(iom *fiberd.IOManager, listenFD int) {
	fiberd.SetHookEnabled(true)
	defer fiberd.SetHookEnabled(false)

	for {
		connFD, peer, err := fiberd.Accept(listenFD)
		if err != nil {
			fiberd.SError("echo", "accept failed", err, nil)
			return
		}
		log.Printf("fiberd-echo: accepted %v (fd=%d)", peer, connFD)

		if err := iom.Schedule(fiberd.TaskFromFunc(func() {
			handleConn(connFD)
		})); err != nil {
			_ = fiberd.Close(connFD)
		}
	}
}

func handleConn(fd int) {
	fiberd.SetHookEnabled(true)
	defer fiberd.SetHookEnabled(false)
	defer fiberd.Close(fd)

	buf := make([]byte, 1024)
	for {
		n, err := fiberd.Read(fd, buf)
		if err != nil {
			if err != unix.EBADF {
				fiberd.SError("echo", "read failed", err, map[string]interface{}{"fd": fd})
			}
			return
		}
		if n == 0 {
			log.Printf("fiberd-echo: fd=%d closed by peer", fd)
			return
		}

		written := 0
		for written < n {
			w, err := fiberd.Write(fd, buf[written:n])
			if err != nil {
				fiberd.SError("echo", "write failed", err, map[string]interface{}{"fd": fd})
				return
			}
			written += w
		}
	}
}

func resolveAndListen(addr string) (int, string, error) {
	sa, host, err := parseTCPAddr(addr)
	if err != nil {
		return -1, "", err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, "", err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, "", err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, "", err
	}
	if err := unix.Listen(fd, 128); err != nil {
		_ = unix.Close(fd)
		return -1, "", err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, "", err
	}
	return fd, host, nil
}

// parseTCPAddr resolves a host:port string into a unix.Sockaddr, using the
// standard library only to resolve the name/address text — the listening
// socket itself is created and driven entirely through raw unix syscalls
// and the cooperative hook layer, never net.Listen.
func parseTCPAddr(addr string) (unix.Sockaddr, string, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, "", err
	}
	ip := tcpAddr.IP.To4()
	if ip == nil {
		return nil, "", fmt.Errorf("fiberd-echo: %s did not resolve to an IPv4 address", addr)
	}
	var sa unix.SockaddrInet4
	copy(sa.Addr[:], ip)
	sa.Port = tcpAddr.Port
	return &sa, tcpAddr.String(), nil
}
