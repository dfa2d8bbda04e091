//go:build darwin || linux

package main

import (
	"bytes"
	"io"
	"reflect"
	"sync"
	"syscall"
	"testing"
	"time"
)

// peerReader drains the peer side of the harness PTY, collecting
// everything the wrapper writes toward the "terminal".
type peerReader struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (p *peerReader) drain(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.mu.Lock()
			p.buf.Write(buf[:n])
			p.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (p *peerReader) bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.buf.Bytes()...)
}

func (p *peerReader) waitFor(t *testing.T, want []byte, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if bytes.Contains(p.bytes(), want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q in peer output %q", want, p.bytes())
}

func TestWrapPropagatesExitCode(t *testing.T) {
	peer, tty := openTestPTY(t)
	var out peerReader
	go out.drain(peer)

	code := runWrap(int(tty.Fd()), []string{"sh", "-c", "exit 7"}, -1, 50*time.Millisecond, tty.Name())
	if code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}
}

func TestWrapCleanExit(t *testing.T) {
	peer, tty := openTestPTY(t)
	var out peerReader
	go out.drain(peer)

	code := runWrap(int(tty.Fd()), []string{"true"}, time.Second, 50*time.Millisecond, tty.Name())
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
}

func TestWrapCommandNotFound(t *testing.T) {
	peer, tty := openTestPTY(t)
	var out peerReader
	go out.drain(peer)

	code := runWrap(int(tty.Fd()), []string{"hupmon-test-no-such-command"}, -1, 50*time.Millisecond, tty.Name())
	if code != 127 {
		t.Errorf("exit code = %d, want 127", code)
	}
}

func TestWrapForwardsChildOutput(t *testing.T) {
	peer, tty := openTestPTY(t)
	var out peerReader
	go out.drain(peer)

	code := runWrap(int(tty.Fd()), []string{"sh", "-c", "printf hello"}, -1, 50*time.Millisecond, tty.Name())
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	out.waitFor(t, []byte("hello"), time.Second)
}

// A silent terminal costs the child a SIGHUP: the wrap reports 128+SIGHUP.
func TestWrapHangupOnSilentTerminal(t *testing.T) {
	peer, tty := openTestPTY(t)
	var out peerReader
	go out.drain(peer) // swallow probe requests, never answer

	code := runWrap(int(tty.Fd()), []string{"sleep", "30"}, 300*time.Millisecond, 100*time.Millisecond, tty.Name())
	if want := 128 + int(syscall.SIGHUP); code != want {
		t.Errorf("exit code = %d, want %d", code, want)
	}
}

// Scenario: terminal types with embedded XON/XOFF while IXOFF is set. The
// child sees the payload only; the flow-control bytes are stripped.
func TestWrapStripsFlowControl(t *testing.T) {
	peer, tty := openTestPTY(t)
	var out peerReader
	go out.drain(peer)

	tio, err := getTermios(int(tty.Fd()))
	if err != nil {
		t.Fatalf("getTermios: %v", err)
	}
	tio.Iflag |= syscall.IXOFF
	if err := setTermios(int(tty.Fd()), &tio); err != nil {
		t.Fatalf("setTermios: %v", err)
	}

	done := make(chan int, 1)
	go func() {
		done <- runWrap(int(tty.Fd()), []string{"cat"}, -1, 50*time.Millisecond, tty.Name())
	}()

	// Let the wrapper reach raw mode before typing; until then the
	// harness terminal would echo and flow-control these bytes itself.
	time.Sleep(300 * time.Millisecond)

	// Payload with interleaved flow control, then two VEOFs: the first
	// flushes the partial line to cat, the second reads as end-of-file.
	peer.Write([]byte{'A', xoff, 'B', 'C', xon, 'D', 0x04, 0x04})

	// cat's PTY still has echo on, so the payload comes back; stripped
	// flow-control bytes must not (they would echo as ^S/^Q).
	out.waitFor(t, []byte("ABCD"), 2*time.Second)
	if bytes.ContainsAny(out.bytes(), "\x11\x13") {
		t.Errorf("flow-control bytes leaked to the child: %q", out.bytes())
	}

	select {
	case code := <-done:
		if code != 0 {
			t.Errorf("exit code = %d, want 0", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("wrap did not finish")
	}
}

// Stray bytes captured mid-probe are user typing and reach the child in
// order.
func TestWrapForwardsStrayProbeCapture(t *testing.T) {
	peer, tty := openTestPTY(t)
	var out peerReader

	// Single peer reader: accumulate everything, and answer the first
	// probe request with a lone printable byte, nothing CPR-like.
	go func() {
		buf := make([]byte, 64)
		replied := false
		for {
			n, err := peer.Read(buf)
			if n > 0 {
				out.mu.Lock()
				out.buf.Write(buf[:n])
				seen := out.buf.Bytes()
				out.mu.Unlock()
				if !replied && bytes.Contains(seen, []byte(cprRequest)) {
					peer.Write([]byte("x"))
					replied = true
				}
			}
			if err != nil {
				return
			}
		}
	}()

	done := make(chan int, 1)
	go func() {
		done <- runWrap(int(tty.Fd()), []string{"cat"}, time.Second, 150*time.Millisecond, tty.Name())
	}()

	// cat echoes the forwarded stray byte back through the wrapper.
	out.waitFor(t, []byte("x"), 3*time.Second)
	peer.Write([]byte{0x04, 0x04})

	select {
	case code := <-done:
		if code != 0 {
			t.Errorf("exit code = %d, want 0", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("wrap did not finish")
	}
}

func TestWrapRestoresTermios(t *testing.T) {
	peer, tty := openTestPTY(t)
	var out peerReader
	go out.drain(peer)

	before, err := getTermios(int(tty.Fd()))
	if err != nil {
		t.Fatalf("getTermios: %v", err)
	}
	runWrap(int(tty.Fd()), []string{"true"}, -1, 50*time.Millisecond, tty.Name())
	after, err := getTermios(int(tty.Fd()))
	if err != nil {
		t.Fatalf("getTermios: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Errorf("termios changed across wrap:\nbefore %+v\nafter  %+v", before, after)
	}
}
