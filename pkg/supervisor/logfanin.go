package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/dkrasner/yodi/pkg/store"
)

// LogFanInEnv is the path children use to connect to the supervisor's log
// aggregation socket.
const LogFanInEnv = "YODI_LOG_SOCK"

// logDatagramMax bounds a single fan-in read.
const logDatagramMax = 4096

// LogFanIn is the supervisor's log aggregation endpoint: a Unix datagram
// socket children connect to and write log lines on. Activity is
// delivered as SIGLOG (a distinct realtime signal from any service's
// restart signal), read non-blocking, and the line is stored as a LOG
// item for the client role to publish.
type LogFanIn struct {
	sockPath string
	fd       int
	sig      syscall.Signal
	store    store.Store
	logger   *slog.Logger
}

// NewLogFanIn creates the fan-in socket at sockPath (removed and
// recreated if stale) and arms it to raise SIGLOG on activity.
func NewLogFanIn(sockPath string, st store.Store, logger *slog.Logger) (*LogFanIn, error) {
	os.Remove(sockPath)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("supervisor: log fanin socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: sockPath}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("supervisor: log fanin bind: %w", err)
	}

	sig := syscall.Signal(unix.SIGRTMAX())
	end := os.NewFile(uintptr(fd), "log-fanin")
	if err := armRestartSignal(end, sig); err != nil {
		end.Close()
		return nil, fmt.Errorf("supervisor: arm log fanin: %w", err)
	}

	return &LogFanIn{sockPath: sockPath, fd: fd, sig: sig, store: st, logger: logger}, nil
}

// Path returns the socket path, for passing to children via LogFanInEnv.
func (l *LogFanIn) Path() string { return l.sockPath }

// Run drains datagrams as SIGLOG fires, storing each as a LOG item, until
// ctx is canceled.
func (l *LogFanIn) Run(ctx context.Context) {
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, l.sig)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			l.drain(ctx)
		}
	}
}

func (l *LogFanIn) drain(ctx context.Context) {
	unix.SetNonblock(l.fd, true)
	buf := make([]byte, logDatagramMax)
	for {
		n, _, err := unix.Recvfrom(l.fd, buf, 0)
		if err != nil || n <= 0 {
			return
		}
		line := append([]byte(nil), buf[:n]...)
		if _, err := l.store.Add(ctx, store.KindLog, line); err != nil {
			l.logger.Error("supervisor: store log line", "error", err)
		}
	}
}

// Close closes the socket and removes the backing file.
func (l *LogFanIn) Close() error {
	unix.Close(l.fd)
	os.Remove(l.sockPath)
	return nil
}
