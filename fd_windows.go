//go:build windows

package fiberd

import (
	"errors"
)

// closeFD is a stub on Windows, where the reactor is not supported (see
// poller_windows.go) and no wake pipe exists; it rejects any non-negative
// fd and is a no-op otherwise.
func closeFD(fd int) error {
	// createWakePipe returns -1 on Windows, so there is never a valid wake
	// fd to close here.
	if fd >= 0 {
		return errors.New("closeFD not supported on Windows for wake mechanism")
	}
	return nil
}

// readFD is a no-op stub on Windows, where no wake pipe exists; it reads
// nothing and returns (0, nil).
func readFD(fd int, buf []byte) (int, error) {
	return 0, nil
}

// writeFD is a no-op stub on Windows, where no wake pipe exists; it writes
// nothing and returns (0, nil).
func writeFD(fd int, buf []byte) (int, error) {
	return 0, nil
}
