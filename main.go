//go:build darwin || linux

package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"
)

// version is set at build time via -ldflags "-X main.version=..."
var version string

type options struct {
	oneShot  bool
	flowOnly bool
	detect   bool
	reply    time.Duration
	timeout  time.Duration
	help     bool
	command  []string
}

func main() {
	// Log to file to avoid polluting the terminal (which may be in raw mode)
	if logPath := os.Getenv("HUPMON_LOG"); logPath != "" {
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			log.SetOutput(f)
		}
	} else {
		log.SetOutput(io.Discard)
	}

	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "hupmon: %v\n", err)
		fmt.Fprintln(os.Stderr, "Try 'hupmon --help' for more information.")
		os.Exit(2)
	}
	if opts.help {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	if opts.oneShot {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintln(os.Stderr, "hupmon: standard input is not a terminal")
			os.Exit(2)
		}
		os.Exit(runStatus(opts.reply))
	}

	if err := checkSameTTY(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "hupmon: %v\n", err)
		os.Exit(2)
	}

	ttyFd := int(os.Stdin.Fd())
	timeout := opts.timeout
	if opts.flowOnly {
		timeout = -1
	}
	os.Exit(runWrap(ttyFd, opts.command, timeout, opts.reply, ttyPath(ttyFd)))
}

func parseOptions(args []string) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("hupmon", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SetInterspersed(false) // POSIX: everything after the command belongs to it
	fs.BoolVarP(&opts.oneShot, "one-shot", "1", false, "probe once and print the device status")
	fs.BoolVarP(&opts.flowOnly, "flow-control", "f", false, "bridge flow control only, never probe")
	fs.BoolVarP(&opts.detect, "hangup-detector", "h", false, "detect hangups (default)")
	reply := fs.Float64P("reply-timeout", "r", 0.2, "seconds to wait for a probe reply")
	timeout := fs.Float64P("timeout", "t", 10, "seconds of inactivity between probes")
	fs.BoolVar(&opts.help, "help", false, "show usage and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.command = fs.Args()
	if opts.help {
		return opts, nil
	}

	modes := 0
	for _, set := range []bool{opts.oneShot, opts.flowOnly, opts.detect} {
		if set {
			modes++
		}
	}
	if modes > 1 {
		return nil, errors.New("options -1, -f and -h are mutually exclusive")
	}
	if *reply < 0.01 {
		return nil, errors.New("reply timeout must be at least 0.01 seconds")
	}
	if *timeout < 1 {
		return nil, errors.New("inactivity threshold must be at least 1 second")
	}
	opts.reply = time.Duration(*reply * float64(time.Second))
	opts.timeout = time.Duration(*timeout * float64(time.Second))

	if opts.oneShot {
		if len(opts.command) != 0 {
			return nil, errors.New("one-shot mode does not take a command")
		}
	} else if len(opts.command) == 0 {
		return nil, errors.New("no command specified")
	}
	return opts, nil
}

// checkSameTTY verifies standard input and standard output are the same
// terminal, compared by device and inode. Probe requests leave through the
// descriptor the replies arrive on; split streams would break that.
func checkSameTTY(in, out *os.File) error {
	if !term.IsTerminal(int(in.Fd())) || !term.IsTerminal(int(out.Fd())) {
		return errors.New("standard input and standard output must be a terminal")
	}
	si, err := in.Stat()
	if err != nil {
		return err
	}
	so, err := out.Stat()
	if err != nil {
		return err
	}
	a, aok := si.Sys().(*syscall.Stat_t)
	b, bok := so.Sys().(*syscall.Stat_t)
	if !aok || !bok || a.Dev != b.Dev || a.Ino != b.Ino {
		return errors.New("standard input and standard output must be the same terminal")
	}
	return nil
}

func printUsage(w io.Writer) {
	v := version
	if v == "" {
		v = "dev"
	}
	fmt.Fprintf(w, `hupmon %s - hangup monitor for terminals without carrier detect

Usage: hupmon [-h | -f] [-r SECONDS] [-t SECONDS] command [argument...]
       hupmon -1 [-r SECONDS]

Wraps a command bound to a serial terminal, probes the terminal for
liveness with ANSI cursor position reports, and delivers SIGHUP to the
command when the terminal stops answering. XON/XOFF embedded in the
input is honored on the command's behalf when the terminal requests
software flow control (IXOFF).

Modes (mutually exclusive):
  -1, --one-shot          probe once, print the device status and exit;
                          takes no command
  -f, --flow-control      bridge flow control only; never probe
  -h, --hangup-detector   detect hangups (default)

Options:
  -r, --reply-timeout S   seconds to wait for a probe reply
                          (default 0.2, minimum 0.01)
  -t, --timeout S         seconds of inactivity between probes
                          (default 10, minimum 1)
      --help              show this text and exit

The wrapped command runs on its own pseudo-terminal and finds HUPMON_PID
and HUPMON_TTY in its environment.
`, v)
}
