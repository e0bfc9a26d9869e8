package executor

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/dkrasner/yodi/pkg/codec"
	"github.com/dkrasner/yodi/pkg/sandbox"
)

// Handlers bundles the dependencies the four command handlers need and
// registers them onto a Dispatcher in fixed order: echo, stop, log, shell.
type Handlers struct {
	// LogPath is the agent's own log file, returned verbatim by the "log"
	// handler.
	LogPath string

	// Sandbox runs shell commands under the timeout/capture/tether
	// contract.
	Sandbox *sandbox.Sandbox

	// ParentPID and Kill implement "stop"; Kill defaults to syscall.Kill
	// and is overridable for tests.
	ParentPID int
	Kill      func(pid int, sig syscall.Signal) error
}

// RegisterDefaults registers echo, stop, log, and shell onto d.
func (h *Handlers) RegisterDefaults(d *Dispatcher) {
	d.Register("echo", h.handleEcho)
	d.Register("stop", h.handleStop)
	d.Register("log", h.handleLog)
	d.Register("shell", h.handleShell)
}

// handleEcho copies "data" to "result". Missing data is an error, not a
// silent drop.
func (h *Handlers) handleEcho(cmd Envelope, result Envelope) {
	data, ok := cmd.String("data")
	if !ok {
		setError(result, "no data specified")
		return
	}
	setResult(result, data)
}

// handleStop sends SIGTERM to the parent process. Killing init (pid 1) is
// refused explicitly to avoid taking down the whole system.
func (h *Handlers) handleStop(_ Envelope, result Envelope) {
	if h.ParentPID == 1 {
		setError(result, "cannot kill init")
		return
	}
	kill := h.Kill
	if kill == nil {
		kill = syscall.Kill
	}
	if err := kill(h.ParentPID, syscall.SIGTERM); err != nil {
		setError(result, "%s", err.Error())
		return
	}
}

// handleLog returns the full contents of the agent's log file as result.
func (h *Handlers) handleLog(_ Envelope, result Envelope) {
	data, err := os.ReadFile(h.LogPath)
	if err != nil {
		setError(result, "%s", err.Error())
		return
	}
	setResult(result, string(data))
}

// handleShell runs cmd["cmd"] under the sandbox and stores
// base64(deflate(output)) as result. Missing cmd is an error ("no command
// specified"); a sandbox failure (timeout, fork failure) surfaces its
// message as error.
func (h *Handlers) handleShell(cmd Envelope, result Envelope) {
	cmdline, ok := cmd.String("cmd")
	if !ok {
		setError(result, "no command specified")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.Sandbox.Timeout()+time.Second)
	defer cancel()

	output, err := h.Sandbox.Run(ctx, cmdline)
	if err != nil {
		setError(result, "%s", err.Error())
		return
	}

	encoded, err := codec.CompressAndEncode(output)
	if err != nil {
		setError(result, "%s", err.Error())
		return
	}
	setResult(result, encoded)
}
