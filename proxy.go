//go:build darwin || linux

package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// sigwinchPending is the only module-level mutable state: set by the
// signal drainer, read and cleared by the event loop. Resize events are
// idempotent, so coalescing into one flag is correct.
var sigwinchPending atomic.Bool

// wrapper holds the state of one wrap session: a child command on a fresh
// PTY, the controlling terminal in raw mode, and the periodic liveness
// probe between them.
type wrapper struct {
	ttyFd   int
	tty     string        // device path, exported as HUPMON_TTY
	argv    []string
	timeout time.Duration // inactivity threshold; negative disables probing
	reply   time.Duration // probe reply timeout

	cmd    *exec.Cmd
	master *os.File

	origTermios syscall.Termios
	hungUp      bool
}

// runWrap spawns argv on a pseudo-terminal and proxies it against the
// terminal on ttyFd until the child exits or the terminal goes away. The
// return value is the process exit code: the child's own status, 126/127
// for spawn failures, 1 for terminal-configuration failures.
func runWrap(ttyFd int, argv []string, timeout, reply time.Duration, tty string) int {
	w := &wrapper{
		ttyFd:   ttyFd,
		tty:     tty,
		argv:    argv,
		timeout: timeout,
		reply:   reply,
	}
	code, err := w.run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hupmon: %v\n", err)
	}
	if code < 0 {
		code = 1
	}
	return code
}

func (w *wrapper) run() (int, error) {
	// SIGWINCH bridge first: the handler side only sets the flag and pokes
	// the wakeup pipe so an idle poll notices; all real work happens in
	// the event loop.
	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	wakeR, wakeW, err := os.Pipe()
	if err != nil {
		signal.Stop(winchCh)
		return -1, fmt.Errorf("pipe: %w", err)
	}
	defer func() {
		signal.Stop(winchCh)
		close(winchCh)
		wakeR.Close()
		wakeW.Close()
		sigwinchPending.Store(false)
	}()
	go func() {
		for range winchCh {
			sigwinchPending.Store(true)
			wakeW.Write([]byte{0})
		}
	}()

	tio, err := getTermios(w.ttyFd)
	if err != nil {
		return -1, fmt.Errorf("tcgetattr: %w", err)
	}
	w.origTermios = tio
	ws, err := getWinsize(uintptr(w.ttyFd))
	if err != nil {
		return -1, fmt.Errorf("read window size: %w", err)
	}

	raw := tio
	makeRaw(&raw)
	if err := setTermios(w.ttyFd, &raw); err != nil {
		return -1, fmt.Errorf("tcsetattr: %w", err)
	}
	// Restores run before the winch teardown above: termios first, then
	// the signal disposition.
	defer w.restoreTermios()

	code, err := w.spawn(&tio, ws)
	if err != nil {
		return code, err
	}

	w.loop(int(wakeR.Fd()))

	return w.reap(), nil
}

// spawn allocates the PTY pair and starts the child on the slave. The
// slave gets the saved (non-raw) termios and the captured window size, so
// the child sees a normal terminal.
func (w *wrapper) spawn(tio *syscall.Termios, ws *Winsize) (int, error) {
	master, slave, err := openPTY()
	if err != nil {
		return -1, err
	}
	slaveFd := int(slave.Fd())
	if err := setTermios(slaveFd, tio); err != nil {
		master.Close()
		slave.Close()
		return -1, fmt.Errorf("configure pty: %w", err)
	}
	if err := setWinsize(uintptr(slaveFd), ws); err != nil {
		log.Printf("warn: set pty window size: %v", err)
	}

	cmd := exec.Command(w.argv[0], w.argv[1:]...)
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    3, // fd index of slave in child (see ExtraFiles below)
	}
	// Pass slave as fd 3 so Setctty index is predictable
	cmd.ExtraFiles = []*os.File{slave}
	cmd.Env = append(os.Environ(),
		"HUPMON_PID="+strconv.Itoa(os.Getpid()),
		"HUPMON_TTY="+w.tty,
	)

	if err := cmd.Start(); err != nil {
		master.Close()
		slave.Close()
		if errors.Is(err, exec.ErrNotFound) {
			return 127, fmt.Errorf("%s: command not found", w.argv[0])
		}
		return 126, fmt.Errorf("exec %s: %w", w.argv[0], err)
	}

	// We no longer need the slave in the parent
	slave.Close()

	w.cmd = cmd
	w.master = master
	return 0, nil
}

// loop multiplexes the terminal, the PTY master, and the SIGWINCH wakeup
// pipe until either side goes away. Single goroutine, single poll set.
func (w *wrapper) loop(wakeFd int) {
	masterFd := int(w.master.Fd())
	txOK := true
	probing := w.timeout >= 0
	offline := false
	var deadline time.Time
	if probing {
		deadline = time.Now().Add(w.timeout)
	}
	buf := make([]byte, 4096)

	for {
		timeoutMs := -1
		if probing && !offline {
			timeoutMs = pollTimeout(deadline)
		}
		fds := []unix.PollFd{
			{Fd: int32(w.ttyFd), Events: unix.POLLIN},
			{Fd: int32(wakeFd), Events: unix.POLLIN},
		}
		// While the terminal has paused transmission we must not read
		// more child output: the PTY buffer is the backpressure.
		if txOK {
			fds = append(fds, unix.PollFd{Fd: int32(masterFd), Events: unix.POLLIN})
		}

		n, err := unix.Poll(fds, timeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return
		}

		if n == 0 {
			if !probing || offline {
				continue
			}
			state := deviceOffline
			var stray []byte
			if txOK {
				var perr error
				state, stray, perr = probe(w.ttyFd, w.reply)
				if perr != nil {
					log.Printf("warn: probe: %v", perr)
				}
			}
			if len(stray) > 0 {
				// Keystrokes that raced the probe still belong to
				// the child, in order.
				if err := writeAll(masterFd, stray); err != nil {
					return
				}
			}
			if state == deviceOffline {
				// Latch: no further probes, wait out the child.
				offline = true
				w.hangup()
			} else {
				// UNKNOWN is "not offline": the next probe decides.
				deadline = time.Now().Add(w.timeout)
			}
			continue
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			var scratch [16]byte
			unix.Read(wakeFd, scratch[:])
			if sigwinchPending.Swap(false) {
				w.syncWinsize()
			}
		}

		if ev := fds[0].Revents; ev != 0 {
			if ev&unix.POLLIN == 0 {
				return // POLLERR/POLLHUP/POLLNVAL: terminal is gone
			}
			rn, err := unix.Read(w.ttyFd, buf)
			if err != nil && errors.Is(err, unix.EINTR) {
				continue
			}
			if err != nil || rn == 0 {
				return
			}
			data := buf[:rn]
			// The raw-mode terminal still advertises IXOFF when the
			// caller wants software flow control; with the kernel's
			// handling bypassed, the XON/XOFF bytes arrive inline and
			// are ours to strip.
			if cur, err := getTermios(w.ttyFd); err == nil && cur.Iflag&syscall.IXOFF != 0 {
				data, txOK = stripFlowControl(data, txOK)
			}
			if len(data) > 0 {
				if err := writeAll(masterFd, data); err != nil {
					return
				}
			}
			if probing && !offline {
				deadline = time.Now().Add(w.timeout)
			}
		}

		if txOK && len(fds) > 2 && fds[2].Revents != 0 {
			rn, err := unix.Read(masterFd, buf)
			if err != nil && errors.Is(err, unix.EINTR) {
				continue
			}
			if err != nil || rn == 0 {
				return // child side closed
			}
			if err := writeAll(w.ttyFd, buf[:rn]); err != nil {
				return
			}
		}
	}
}

// hangup tells the child its terminal went away. At most one SIGHUP is
// delivered per session; the offline latch stops further probes.
func (w *wrapper) hangup() {
	if w.hungUp || w.cmd.Process == nil {
		return
	}
	w.hungUp = true
	if err := w.cmd.Process.Signal(syscall.SIGHUP); err != nil {
		log.Printf("warn: hangup child: %v", err)
	}
}

// reap closes the master, waits for the child, and decodes its status.
func (w *wrapper) reap() int {
	w.master.Close()
	w.cmd.Wait()
	ps := w.cmd.ProcessState
	if ps == nil {
		return -1
	}
	if status, ok := ps.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return ps.ExitCode()
}

// syncWinsize copies the terminal's current window size to the PTY master
// and nudges the child.
func (w *wrapper) syncWinsize() {
	ws, err := getWinsize(uintptr(w.ttyFd))
	if err != nil {
		log.Printf("warn: syncWinsize: %v", err)
		return
	}
	if err := setWinsize(w.master.Fd(), ws); err != nil {
		log.Printf("warn: syncWinsize: %v", err)
		return
	}
	if w.cmd.Process != nil {
		w.cmd.Process.Signal(syscall.SIGWINCH)
	}
}

func (w *wrapper) restoreTermios() {
	setTermios(w.ttyFd, &w.origTermios)
}
