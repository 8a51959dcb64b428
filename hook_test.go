//go:build linux || darwin

package fiberd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestSocketPair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
		// GlobalFdManager is process-wide; without this an fd number the
		// kernel recycles for a later test's socket could inherit this
		// test's stale FdCtx (timeout, user-nonblock flag).
		GlobalFdManager.Delete(fds[0])
		GlobalFdManager.Delete(fds[1])
	})
	return fds[0], fds[1]
}

func TestHook_PassthroughWhenDisabled(t *testing.T) {
	SetHookEnabled(false)
	a, b := newTestSocketPair(t)

	_, err := unix.Write(b, []byte("hi"))
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := Read(a, buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf[:n]))
}

func TestHook_DefaultConnectTimeoutRoundTrip(t *testing.T) {
	orig := DefaultConnectTimeout()
	defer SetDefaultConnectTimeout(orig)

	SetDefaultConnectTimeout(7 * time.Second)
	require.Equal(t, 7*time.Second, DefaultConnectTimeout())

	// non-positive durations are rejected, not silently zeroed.
	SetDefaultConnectTimeout(0)
	require.Equal(t, 7*time.Second, DefaultConnectTimeout())
}

func TestHook_SetHookEnabledIsPerGoroutine(t *testing.T) {
	SetHookEnabled(false)
	require.False(t, HookEnabled())

	done := make(chan bool, 1)
	go func() {
		SetHookEnabled(true)
		done <- HookEnabled()
	}()
	require.True(t, <-done)
	require.False(t, HookEnabled())
}

func TestHook_ReadWriteBlockThenUnblockViaEvent(t *testing.T) {
	iom, err := NewIOManager(2, false, "test")
	require.NoError(t, err)
	defer iom.Stop()

	a, b := newTestSocketPair(t)
	GlobalFdManager.Get(a, true)

	readDone := make(chan string, 1)
	require.NoError(t, iom.Schedule(TaskFromFunc(func() {
		SetHookEnabled(true)
		defer SetHookEnabled(false)
		buf := make([]byte, 16)
		n, rerr := Read(a, buf)
		require.NoError(t, rerr)
		readDone <- string(buf[:n])
	})))

	time.Sleep(20 * time.Millisecond) // give the fiber time to block in doIO
	_, err = unix.Write(b, []byte("payload"))
	require.NoError(t, err)

	select {
	case got := <-readDone:
		require.Equal(t, "payload", got)
	case <-time.After(2 * time.Second):
		t.Fatal("hooked Read never unblocked")
	}
}

func TestHook_ReadTimesOutWhenNoDataArrives(t *testing.T) {
	iom, err := NewIOManager(2, false, "test")
	require.NoError(t, err)
	defer iom.Stop()

	a, _ := newTestSocketPair(t)

	result := make(chan error, 1)
	require.NoError(t, iom.Schedule(TaskFromFunc(func() {
		SetHookEnabled(true)
		defer SetHookEnabled(false)
		SetTimeout(a, DirRecv, 30*time.Millisecond)
		buf := make([]byte, 16)
		_, rerr := Read(a, buf)
		result <- rerr
	})))

	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("hooked Read never returned")
	}
}

func TestHook_AcceptSetsNonblockAndRegistersFd(t *testing.T) {
	iom, err := NewIOManager(2, false, "test")
	require.NoError(t, err)
	defer iom.Stop()

	listenFD, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(listenFD)
	require.NoError(t, unix.Bind(listenFD, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, unix.Listen(listenFD, 1))
	require.NoError(t, unix.SetNonblock(listenFD, true))
	GlobalFdManager.Get(listenFD, true)
	defer GlobalFdManager.Delete(listenFD)

	sa, err := unix.Getsockname(listenFD)
	require.NoError(t, err)
	port := sa.(*unix.SockaddrInet4).Port

	accepted := make(chan int, 1)
	require.NoError(t, iom.Schedule(TaskFromFunc(func() {
		SetHookEnabled(true)
		defer SetHookEnabled(false)
		newfd, _, aerr := Accept(listenFD)
		require.NoError(t, aerr)
		accepted <- newfd
	})))

	clientFD, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(clientFD)
	time.Sleep(20 * time.Millisecond)
	err = unix.Connect(clientFD, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: port})
	require.NoError(t, err)

	select {
	case newfd := <-accepted:
		defer unix.Close(newfd)
		defer GlobalFdManager.Delete(newfd)
		flags, ferr := unix.FcntlInt(uintptr(newfd), unix.F_GETFL, 0)
		require.NoError(t, ferr)
		require.NotZero(t, flags&unix.O_NONBLOCK)
		require.NotNil(t, GlobalFdManager.Get(newfd, false))
	case <-time.After(2 * time.Second):
		t.Fatal("Accept never returned")
	}
}

func TestHook_CloseWakesParkedReader(t *testing.T) {
	iom, err := NewIOManager(2, false, "test")
	require.NoError(t, err)
	defer iom.Stop()

	a, _ := newTestSocketPair(t)

	result := make(chan error, 1)
	require.NoError(t, iom.Schedule(TaskFromFunc(func() {
		SetHookEnabled(true)
		defer SetHookEnabled(false)
		buf := make([]byte, 16)
		_, rerr := Read(a, buf)
		result <- rerr
	})))

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, iom.Schedule(TaskFromFunc(func() {
		SetHookEnabled(true)
		defer SetHookEnabled(false)
		_ = Close(a)
	})))

	select {
	case <-result:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wake the parked reader")
	}
}

func TestHook_SleepSuspendsFiberNotGoroutine(t *testing.T) {
	iom, err := NewIOManager(2, false, "test")
	require.NoError(t, err)
	defer iom.Stop()

	start := make(chan struct{})
	done := make(chan struct{})
	require.NoError(t, iom.Schedule(TaskFromFunc(func() {
		close(start)
		require.NoError(t, Sleep(20*time.Millisecond))
		close(done)
	})))

	<-start
	select {
	case <-done:
		t.Fatal("Sleep returned too early")
	case <-time.After(5 * time.Millisecond):
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Sleep never woke the fiber")
	}
}

func TestHook_SetNonblockOptsFdOutOfCooperativeSuspend(t *testing.T) {
	iom, err := NewIOManager(2, false, "test")
	require.NoError(t, err)
	defer iom.Stop()

	a, _ := newTestSocketPair(t)
	GlobalFdManager.Get(a, true)
	require.NoError(t, SetNonblock(a, true))

	result := make(chan error, 1)
	require.NoError(t, iom.Schedule(TaskFromFunc(func() {
		SetHookEnabled(true)
		defer SetHookEnabled(false)
		buf := make([]byte, 16)
		_, rerr := Read(a, buf)
		result <- rerr
	})))

	select {
	case err := <-result:
		require.ErrorIs(t, err, unix.EAGAIN)
	case <-time.After(2 * time.Second):
		t.Fatal("Read should have returned EAGAIN immediately, not blocked")
	}
}
