//go:build darwin || linux

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Status labels printed by one-shot mode, one per device state.
const (
	labelUnknown = "DEVICE_STATUS_UNKNOWN"
	labelOffline = "DEVICE_OFFLINE"
	labelOnline  = "DEVICE_ONLINE"
)

// runStatus probes the terminal on standard input once and prints its
// classification. Returns the process exit code: 0 after a successful
// print, 1 when the label could not be written.
func runStatus(replyTimeout time.Duration) int {
	state, _, err := probe(int(os.Stdin.Fd()), replyTimeout)

	label := labelUnknown
	switch state {
	case deviceOffline:
		label = labelOffline
	case deviceOnline:
		label = labelOnline
	default:
		fmt.Fprintf(os.Stderr, "hupmon: probe failed: %v\n", err)
	}

	if _, err := fmt.Fprintln(os.Stdout, label); err != nil {
		fmt.Fprintf(os.Stderr, "hupmon: write status: %v\n", err)
		return 1
	}
	// fsync flushes a redirected stdout; terminals and pipes report that
	// they have nothing to flush, which is not an error here.
	if err := os.Stdout.Sync(); err != nil &&
		!errors.Is(err, unix.EINVAL) && !errors.Is(err, unix.ENOTTY) && !errors.Is(err, unix.ENOTSUP) {
		fmt.Fprintf(os.Stderr, "hupmon: flush status: %v\n", err)
		return 1
	}
	return 0
}
