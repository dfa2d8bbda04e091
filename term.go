//go:build darwin || linux

package main

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

func getTermios(fd int) (syscall.Termios, error) {
	var tio syscall.Termios
	if _, _, errno := syscall.Syscall(
		syscall.SYS_IOCTL,
		uintptr(fd),
		ioctlReadTermios,
		uintptr(ptrOf(&tio)),
	); errno != 0 {
		return tio, errno
	}
	return tio, nil
}

func setTermios(fd int, tio *syscall.Termios) error {
	if _, _, errno := syscall.Syscall(
		syscall.SYS_IOCTL,
		uintptr(fd),
		ioctlWriteTermios,
		uintptr(ptrOf(tio)),
	); errno != 0 {
		return errno
	}
	return nil
}

// makeRaw is the cfmakeraw equivalent:
// no canonical input, no echo, no input/output translation.
func makeRaw(tio *syscall.Termios) {
	// Input flags: disable break, CR-to-NL, parity, strip, output flow
	// control. IXOFF is deliberately left alone: it marks the caller's
	// wish for software flow control on input, which the proxy handles
	// itself once the terminal is raw.
	tio.Iflag &^= syscall.IGNBRK | syscall.BRKINT | syscall.PARMRK |
		syscall.ISTRIP | syscall.INLCR | syscall.IGNCR | syscall.ICRNL | syscall.IXON
	// Output flags: disable post-processing
	tio.Oflag &^= syscall.OPOST
	// Control flags: character size 8, no parity
	tio.Cflag &^= syscall.PARENB | syscall.CSIZE
	tio.Cflag |= syscall.CS8
	// Local flags: disable echo, canonical, signals, extended
	tio.Lflag &^= syscall.ECHO | syscall.ECHONL | syscall.ICANON |
		syscall.ISIG | syscall.IEXTEN
	// Read returns after 1 byte, no timeout
	tio.Cc[syscall.VMIN] = 1
	tio.Cc[syscall.VTIME] = 0
}

// writeAll writes the whole buffer to a raw descriptor, retrying on short
// writes and EINTR.
func writeAll(fd int, p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(fd, p)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		p = p[n:]
	}
	return nil
}
