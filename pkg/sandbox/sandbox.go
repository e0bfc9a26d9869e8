// Package sandbox runs a single shell command line with a hard wall-clock
// cap, combined stdout+stderr capture bounded in size, and a guarantee
// that the child dies if the parent does.
//
// Timeouts use context.WithTimeout. The tethered-child guarantee uses
// PR_SET_PDEATHSIG (via SysProcAttr.Pdeathsig) instead of a socketpair:
// the kernel signals the child directly on parent death, and os/exec
// already supplies non-blocking reap and pipe-based output capture, so
// no separate liveness channel is needed.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Default timeout and output cap.
const (
	DefaultTimeout = 5 * time.Second
	DefaultBufSize = 1 << 20 // 1 MiB
)

// Sandbox runs shell command lines with a bounded lifetime and output size.
type Sandbox struct {
	shell   string
	timeout time.Duration
	bufSize int
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithShell overrides the interpreter (default /bin/sh).
func WithShell(shell string) Option {
	return func(s *Sandbox) { s.shell = shell }
}

// WithTimeout overrides the wall-clock cap.
func WithTimeout(d time.Duration) Option {
	return func(s *Sandbox) { s.timeout = d }
}

// WithBufSize overrides the output capture cap.
func WithBufSize(n int) Option {
	return func(s *Sandbox) { s.bufSize = n }
}

// New creates a Sandbox with its default shell, timeout and buffer size.
func New(opts ...Option) *Sandbox {
	s := &Sandbox{
		shell:   "/bin/sh",
		timeout: DefaultTimeout,
		bufSize: DefaultBufSize,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Timeout returns the configured wall-clock cap.
func (s *Sandbox) Timeout() time.Duration {
	return s.timeout
}

// Run executes cmdline under `<shell> -c <cmdline>`, capturing combined
// stdout+stderr up to bufSize bytes. A timeout produces an error and
// discards any buffered output: a partial read at timeout is not a
// partial result. Zero-byte output on a successful run returns a non-nil
// empty slice.
func (s *Sandbox) Run(ctx context.Context, cmdline string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.shell, "-c", cmdline)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.Signal(unix.SIGKILL), // child dies with the parent
	}

	pipeR, pipeW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: pipe: %w", err)
	}
	cmd.Stdout = pipeW
	cmd.Stderr = pipeW

	if err := cmd.Start(); err != nil {
		pipeR.Close()
		pipeW.Close()
		return nil, fmt.Errorf("sandbox: start: %w", err)
	}
	pipeW.Close() // parent's copy; child holds the real reference now

	buf := &bytes.Buffer{}
	readDone := make(chan error, 1)
	go func() {
		_, copyErr := io.CopyN(buf, pipeR, int64(s.bufSize))
		if copyErr == io.EOF {
			copyErr = nil
		}
		readDone <- copyErr
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case <-runCtx.Done():
		pipeR.Close()
		killGroup(cmd)
		<-waitDone
		return nil, fmt.Errorf("sandbox: command timed out after %s", s.timeout)
	case err := <-readDone:
		pipeR.Close()
		<-waitDone
		if err != nil {
			return nil, fmt.Errorf("sandbox: read output: %w", err)
		}
		return buf.Bytes(), nil
	}
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// Negative pid targets the whole process group created by Setpgid.
	syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
