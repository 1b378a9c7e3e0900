// Package activation detects systemd socket activation, so the control
// server can be started on demand by a .socket unit instead of binding its
// own port.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Systemd passes activated sockets starting at fd 3 (0=stdin, 1=stdout,
// 2=stderr).
const firstActivationFD = 3

// Listeners returns the listeners handed over by systemd socket activation,
// or nil when the process was not socket-activated. Activation intended for
// a different process (LISTEN_PID mismatch) is ignored, not an error.
func Listeners() ([]net.Listener, error) {
	numFDs, err := activatedFDs()
	if err != nil || numFDs == 0 {
		return nil, err
	}

	listeners := make([]net.Listener, 0, numFDs)
	for i := 0; i < numFDs; i++ {
		listener, err := fdListener(firstActivationFD + i)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, listener)
	}

	// Drop the activation variables so child processes (git, the update
	// command) do not inherit them.
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

// activatedFDs validates the LISTEN_PID/LISTEN_FDS protocol and returns the
// number of sockets passed to this process.
func activatedFDs() (int, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		// Activation is for a different process.
		return 0, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}

	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 1 {
		return 0, nil
	}
	return numFDs, nil
}

// fdListener wraps an inherited file descriptor as a net.Listener. The
// listener duplicates the descriptor, so the intermediate file is closed.
func fdListener(fd int) (net.Listener, error) {
	file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", fd-firstActivationFD))
	if file == nil {
		return nil, fmt.Errorf("failed to open inherited fd %d", fd)
	}
	defer func() {
		_ = file.Close()
	}()

	listener, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
	}
	return listener, nil
}
