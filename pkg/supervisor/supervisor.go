// Package supervisor implements the process tree at the root of a Yodi
// deployment: it forks the client and worker roles as child processes,
// tethers each via a socketpair so a crash is detected and its backtrace
// salvaged, reaps exits, restarts dead services with backoff, fans log
// lines from children into the durable store, and unlinks the store on
// orderly shutdown.
//
// Each child is tethered through a dedicated socketpair rather than a
// single shared channel: the supervisor end is armed to deliver a
// distinct realtime signal (SIGRESTART+i) when service i's end of the
// pair becomes readable, which only happens when the child exits (EOF)
// or writes a crash trace. A process boundary can't be crossed with a Go
// channel, so each service gets its own numbered signal as an event edge
// instead of a single shared dispatch loop.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dkrasner/yodi/pkg/audit"
	"github.com/dkrasner/yodi/pkg/observability"
	"github.com/dkrasner/yodi/pkg/resilience"
	"github.com/dkrasner/yodi/pkg/store"
)

// BacktraceSize bounds how many bytes are salvaged from a service's
// tether socket on a restart edge.
const BacktraceSize = 4096

// TetherFDEnv communicates the supervisor-assigned tether file descriptor
// to a child. os/exec.Cmd.ExtraFiles only guarantees sequential fd
// numbers starting at 3, so a fixed fd number cannot be promised across
// all children the way a single hardcoded constant could; the child
// instead reads its tether fd number from this environment variable.
const TetherFDEnv = "YODI_TETHER_FD"

// RestartBackoff throttles restart storms: a dead service is relaunched
// no sooner than this long after being reaped.
const RestartBackoff = time.Second

// CrashLoopMaxFailures and CrashLoopResetTimeout bound a service's restart
// rate beyond what RestartBackoff alone can: once a service has exited this
// many times, its circuit opens, and a restart edge that finds the circuit
// open waits an extra CrashLoopResetTimeout before relaunching. Every exit
// counts; a service staying up between exits does not reset the count.
const (
	CrashLoopMaxFailures  = 5
	CrashLoopResetTimeout = 30 * time.Second
)

// ServiceSpec describes one supervised child process.
type ServiceSpec struct {
	Name string
	Argv []string // argv[0] plus arguments; re-execs the Yodi binary with a role subcommand
}

// service tracks the live state of one supervised child.
type service struct {
	spec       ServiceSpec
	index      int
	cmd        *exec.Cmd
	supervisorEnd *os.File
	restartSig syscall.Signal
	restartCh  chan struct{}
	breaker    *resilience.CircuitBreaker
}

// Supervisor owns the lifecycle of a fixed set of services.
type Supervisor struct {
	services []*service
	store    store.Store
	logger   *slog.Logger
	audit    *audit.Logger
	metrics  *observability.AgentMetrics
	logFanIn *LogFanIn

	mu       sync.Mutex
	shutdown bool
}

// SetAudit attaches an audit logger. A nil *audit.Logger (the zero value)
// is valid and makes restart auditing a no-op.
func (s *Supervisor) SetAudit(a *audit.Logger) {
	s.audit = a
}

// SetMetrics attaches a metrics sink and, if addr is non-empty, starts a
// background HTTP server exposing it in Prometheus exposition format. The
// server is best-effort: a bind failure is logged, not fatal, since a
// supervised device agent must keep running even without a scrape target.
func (s *Supervisor) SetMetrics(m *observability.AgentMetrics, addr string) {
	s.metrics = m
	if addr == "" || m == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler(m.Registry))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			s.logger.Error("supervisor: metrics server stopped", "error", err)
		}
	}()
}

// SetLogFanIn creates the log aggregation socket at sockPath (armed to
// raise SIGLOG on activity) and registers it so Run starts draining it and
// every launched child is told its path via LogFanInEnv. Must be called
// before Run.
func (s *Supervisor) SetLogFanIn(sockPath string) error {
	l, err := NewLogFanIn(sockPath, s.store, s.logger)
	if err != nil {
		return fmt.Errorf("supervisor: set log fanin: %w", err)
	}
	s.logFanIn = l
	return nil
}

// New creates a Supervisor for the given service specs. st is used to
// record LOG and BACKTRACE items salvaged from children, and is unlinked
// on shutdown (Run's return path).
func New(specs []ServiceSpec, st store.Store, logger *slog.Logger) (*Supervisor, error) {
	sigrtmin := unix.SIGRTMIN()
	if len(specs) > unix.SIGRTMAX()-sigrtmin {
		return nil, fmt.Errorf("supervisor: too many services for available realtime signal range")
	}

	sup := &Supervisor{store: st, logger: logger}
	for i, spec := range specs {
		sup.services = append(sup.services, &service{
			spec:       spec,
			index:      i,
			restartSig: syscall.Signal(sigrtmin + i),
			restartCh:  make(chan struct{}, 1),
			breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
				Name:         spec.Name,
				MaxFailures:  CrashLoopMaxFailures,
				ResetTimeout: CrashLoopResetTimeout,
			}),
		})
	}
	return sup, nil
}

// Run performs the boot sequence, launches every service, and blocks
// until ctx is canceled (normally by SIGTERM/SIGINT reaching the calling
// process), then tears down every service and unlinks the store.
func (s *Supervisor) Run(ctx context.Context) error {
	Boot(s.logger)

	sigCh := make(chan os.Signal, 1)
	for _, svc := range s.services {
		signal.Notify(sigCh, svc.restartSig)
	}

	for _, svc := range s.services {
		if err := s.launch(svc); err != nil {
			return fmt.Errorf("supervisor: launch %s: %w", svc.spec.Name, err)
		}
	}

	go s.signalLoop(ctx, sigCh)
	if s.logFanIn != nil {
		go s.logFanIn.Run(ctx)
	}

	<-ctx.Done()
	return s.shutdownAll()
}

// signalLoop dispatches realtime restart signals to the owning service's
// restart channel. Duplicate deliveries for a service already pending
// restart are coalesced, matching the kernel's own queued-signal
// coalescing behavior under load.
func (s *Supervisor) signalLoop(ctx context.Context, sigCh chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			for _, svc := range s.services {
				if sig == svc.restartSig {
					select {
					case svc.restartCh <- struct{}{}:
					default:
					}
					go s.handleRestartEdge(ctx, svc)
				}
			}
		}
	}
}

// handleRestartEdge salvages a backtrace, reaps the child, then relaunches
// it after RestartBackoff (plus CrashLoopResetTimeout while the service's
// circuit is open), unless the supervisor is shutting down.
func (s *Supervisor) handleRestartEdge(ctx context.Context, svc *service) {
	select {
	case <-svc.restartCh:
	default:
		return // already being handled by another goroutine
	}

	s.mu.Lock()
	down := s.shutdown
	s.mu.Unlock()
	if down {
		return
	}

	bt := salvageBacktrace(svc.supervisorEnd)
	if len(bt) > 0 {
		if _, err := s.store.Add(ctx, store.KindBacktrace, bt); err != nil {
			s.logger.Error("supervisor: store backtrace", "service", svc.spec.Name, "error", err)
		}
	}

	status := reap(svc.cmd)
	s.logger.Warn("supervisor: service exited", "service", svc.spec.Name, "status", status)
	s.audit.LogRestart(ctx, svc.spec.Name, status)
	if s.metrics != nil {
		s.metrics.ServiceRestarts.Inc()
		s.metrics.ServicesUp.Dec()
		if strings.Contains(status, "SIGXCPU") {
			s.metrics.CPULimitHits.Inc()
		}
	}

	svc.supervisorEnd.Close()

	select {
	case <-ctx.Done():
		return
	case <-time.After(RestartBackoff):
	}

	s.mu.Lock()
	down = s.shutdown
	s.mu.Unlock()
	if down {
		return
	}

	// Snapshot the state before recording this edge: State() resolves an
	// expired open timeout into half-open as a side effect, which is what
	// lets a single relaunch through to test recovery after
	// CrashLoopResetTimeout. Recording the edge via Execute happens after,
	// so this edge's own outcome doesn't mask the snapshot it was judged
	// against.
	allowLaunch := svc.breaker.State() != resilience.CircuitOpen
	svc.breaker.Execute(func() error { return fmt.Errorf("service exited: %s", status) })

	if !allowLaunch {
		s.logger.Error("supervisor: crash loop detected, pausing relaunch", "service", svc.spec.Name, "reset_timeout", CrashLoopResetTimeout)
		select {
		case <-ctx.Done():
			return
		case <-time.After(CrashLoopResetTimeout):
		}
		s.mu.Lock()
		down = s.shutdown
		s.mu.Unlock()
		if down {
			return
		}
	}

	if err := s.launch(svc); err != nil {
		s.logger.Error("supervisor: relaunch failed", "service", svc.spec.Name, "error", err)
	}
}

// launch starts svc.spec.Argv as a child process, with a socketpair
// tether: the child inherits one end via ExtraFiles and is told its fd
// number via TetherFDEnv, and is configured to die if the supervisor does
// (PR_SET_PDEATHSIG), so a child can never outlive a dead supervisor.
func (s *Supervisor) launch(svc *service) error {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("socketpair: %w", err)
	}
	supervisorEnd := os.NewFile(uintptr(fds[0]), fmt.Sprintf("tether-%s-supervisor", svc.spec.Name))
	childEnd := os.NewFile(uintptr(fds[1]), fmt.Sprintf("tether-%s-child", svc.spec.Name))

	if err := armRestartSignal(supervisorEnd, svc.restartSig); err != nil {
		supervisorEnd.Close()
		childEnd.Close()
		return fmt.Errorf("arm tether: %w", err)
	}

	cmd := exec.Command(svc.spec.Argv[0], svc.spec.Argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{childEnd}
	env := append(os.Environ(), fmt.Sprintf("%s=%d", TetherFDEnv, 3))
	if s.logFanIn != nil {
		env = append(env, fmt.Sprintf("%s=%s", LogFanInEnv, s.logFanIn.Path()))
	}
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		supervisorEnd.Close()
		childEnd.Close()
		return fmt.Errorf("start: %w", err)
	}
	childEnd.Close() // parent keeps only the supervisor end open

	svc.cmd = cmd
	svc.supervisorEnd = supervisorEnd
	s.logger.Info("supervisor: launched service", "service", svc.spec.Name, "pid", cmd.Process.Pid)
	if s.metrics != nil {
		s.metrics.ServicesUp.Inc()
	}
	return nil
}

// shutdownAll marks the supervisor as shutting down, terminates every
// live service, and unlinks the store's backing file unconditionally:
// the store is treated as ephemeral per run, preserved only across
// crashes.
func (s *Supervisor) shutdownAll() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, svc := range s.services {
		wg.Add(1)
		go func(svc *service) {
			defer wg.Done()
			s.stopService(svc)
		}(svc)
	}
	wg.Wait()

	if s.logFanIn != nil {
		if err := s.logFanIn.Close(); err != nil {
			s.logger.Error("supervisor: close log fanin", "error", err)
		}
	}

	if unlinker, ok := s.store.(interface{ Unlink() error }); ok {
		if err := unlinker.Unlink(); err != nil {
			s.logger.Error("supervisor: unlink store", "error", err)
		}
	}
	return s.store.Close()
}

// stopService sends SIGTERM, waits up to one second, then reaps.
func (s *Supervisor) stopService(svc *service) {
	if svc.cmd == nil || svc.cmd.Process == nil {
		return
	}
	svc.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		svc.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		svc.cmd.Process.Kill()
		<-done
	}
	if svc.supervisorEnd != nil {
		svc.supervisorEnd.Close()
	}
}

// reap blocks until cmd's process has exited and returns a description of
// its termination (normal exit code, SIGXCPU, or other signal).
func reap(cmd *exec.Cmd) string {
	err := cmd.Wait()
	if err == nil {
		return "exit 0"
	}
	var exitErr *exec.ExitError
	if !asExitError(err, &exitErr) {
		return err.Error()
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		sig := status.Signal()
		if sig == syscall.SIGXCPU {
			return "SIGXCPU (cpu budget exceeded)"
		}
		return fmt.Sprintf("signal %s", sig)
	}
	return exitErr.Error()
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// salvageBacktrace does a best-effort, non-blocking read of up to
// BacktraceSize bytes from end. Returns nil if nothing was available.
func salvageBacktrace(end *os.File) []byte {
	if end == nil {
		return nil
	}
	if err := unix.SetNonblock(int(end.Fd()), true); err != nil {
		return nil
	}
	buf := make([]byte, BacktraceSize)
	n, err := unix.Read(int(end.Fd()), buf)
	if err != nil || n <= 0 {
		return nil
	}
	return buf[:n]
}

// armRestartSignal configures end so the kernel delivers sig to this
// process when end becomes readable (the child closed or wrote to its
// side), via the classic F_SETOWN/F_SETSIG/O_ASYNC signal-driven I/O
// trio.
func armRestartSignal(end *os.File, sig syscall.Signal) error {
	fd := int(end.Fd())
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETOWN, os.Getpid()); err != nil {
		return fmt.Errorf("F_SETOWN: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETSIG, int(sig)); err != nil {
		return fmt.Errorf("F_SETSIG: %w", err)
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return fmt.Errorf("F_GETFL: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_ASYNC); err != nil {
		return fmt.Errorf("F_SETFL O_ASYNC: %w", err)
	}
	return nil
}
