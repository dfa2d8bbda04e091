//go:build darwin || linux

package main

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// deviceState classifies the outcome of a liveness probe.
type deviceState int

const (
	// deviceUnknown means an I/O error kept the probe from finishing.
	deviceUnknown deviceState = iota
	// deviceOffline means the reply deadline expired before any byte other
	// than a skipped control byte arrived.
	deviceOffline
	// deviceOnline means at least one non-control byte (ESC included)
	// arrived. A malformed
	// cursor report still counts: any unsolicited byte proves something is
	// attached and alive.
	deviceOnline
)

// cprRequest asks an ANSI terminal to report its cursor position.
const cprRequest = "\x1b[6n"

// xoffExtension is how much extra reply time an embedded XOFF buys a slow
// terminal that paused transmission mid-report.
const xoffExtension = 100 * time.Millisecond

// probeBufSize bounds a captured reply. The longest well-formed report,
// ESC [ 9 9 9 ; 9 9 9 R, is exactly ten bytes, and any longer sequence
// mismatches no later than its tenth byte.
const probeBufSize = 10

// byteClass partitions probe input for the validator table.
type byteClass int

const (
	classEsc byteClass = iota
	classBracket
	classDigit
	classSemi
	classR
	classControl
	classOther
)

func classify(b byte) byteClass {
	switch {
	case b == 0x1b:
		return classEsc
	case b < 0x20 || b == 0x7f:
		return classControl
	case b == '[':
		return classBracket
	case b >= '0' && b <= '9':
		return classDigit
	case b == ';':
		return classSemi
	case b == 'R':
		return classR
	}
	return classOther
}

// cprAccept is the validator's terminal state: a complete report.
const cprAccept = 10

// cprReject marks an impossible transition.
const cprReject = -1

// cprNext encodes the acceptor for ESC \[ [0-9]{1,3} ; [0-9]{1,3} R as a
// transition table indexed by (step, class). Steps 0-9 are the positions of
// a maximal report; the row and column fields being 1-3 digits wide is
// expressed by the early ';' transitions out of steps 3-4 and the early 'R'
// transitions out of steps 7-8. Control bytes never reach the table.
var cprNext = [10][7]int8{
	//  ESC   [  0-9   ;    R  ctl  other
	0: {1, -1, -1, -1, -1, -1, -1},
	1: {-1, 2, -1, -1, -1, -1, -1},
	2: {-1, -1, 3, -1, -1, -1, -1},
	3: {-1, -1, 4, 6, -1, -1, -1},
	4: {-1, -1, 5, 6, -1, -1, -1},
	5: {-1, -1, -1, 6, -1, -1, -1},
	6: {-1, -1, 7, -1, -1, -1, -1},
	7: {-1, -1, 8, -1, 10, -1, -1},
	8: {-1, -1, 9, -1, 10, -1, -1},
	9: {-1, -1, -1, -1, 10, -1, -1},
}

// cprValidator tracks a partial cursor-position report.
type cprValidator struct {
	step int8
}

// feed advances the validator by one non-control byte and reports the new
// state: cprAccept, cprReject, or the next expected position.
func (v *cprValidator) feed(b byte) int8 {
	next := cprNext[v.step][classify(b)]
	if next >= 0 && next < cprAccept {
		v.step = next
	}
	return next
}

// probe writes a cursor-position request to the terminal on fd and waits up
// to replyTimeout for a syntactically valid report. The returned bytes are
// stray input captured mid-probe (user typing that raced the request); they
// belong to the wrapped program and must be forwarded. A consumed report
// and a silent or failed probe both return nil bytes. The error is only
// meaningful for deviceUnknown and names the failed call.
func probe(fd int, replyTimeout time.Duration) (deviceState, []byte, error) {
	saved, err := getTermios(fd)
	if err != nil {
		return deviceUnknown, nil, fmt.Errorf("tcgetattr: %w", err)
	}
	raw := saved
	makeRaw(&raw)
	if err := setTermios(fd, &raw); err != nil {
		return deviceUnknown, nil, fmt.Errorf("tcsetattr: %w", err)
	}

	state, reply, err := probeRaw(fd, &saved, replyTimeout)

	// The probe outcome stands even if the restore fails; restoration
	// errors stay silent so the primary diagnostic survives.
	setTermios(fd, &saved)
	return state, reply, err
}

// probeRaw runs the request/reply exchange against an already-raw fd.
func probeRaw(fd int, saved *syscall.Termios, replyTimeout time.Duration) (deviceState, []byte, error) {
	if err := writeAll(fd, []byte(cprRequest)); err != nil {
		return deviceUnknown, nil, fmt.Errorf("write probe: %w", err)
	}
	if err := drainOutput(fd); err != nil {
		return deviceUnknown, nil, fmt.Errorf("tcdrain: %w", err)
	}

	ixoff := saved.Iflag&syscall.IXOFF != 0
	deadline := time.Now().Add(replyTimeout)
	buf := make([]byte, 0, probeBufSize)
	var v cprValidator

	for {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, pollTimeout(deadline))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return deviceUnknown, nil, fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			if len(buf) > 0 {
				// Partial input at the deadline is user typing.
				return deviceOnline, buf, nil
			}
			return deviceOffline, nil, nil
		}

		var b [1]byte
		rn, err := unix.Read(fd, b[:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return deviceUnknown, nil, fmt.Errorf("read: %w", err)
		}
		if rn == 0 {
			return deviceUnknown, nil, errors.New("read: end of file during probe")
		}

		c := b[0]
		if cls := classify(c); cls == classControl {
			// Stray flow control or line noise must not masquerade as
			// a reply. XOFF asks us to wait for a paused terminal.
			if c == xoff && ixoff {
				deadline = deadline.Add(xoffExtension)
			}
			continue
		}

		buf = append(buf, c)
		switch v.feed(c) {
		case cprAccept:
			// A complete report is consumed silently.
			return deviceOnline, nil, nil
		case cprReject:
			return deviceOnline, buf, nil
		}
	}
}
