package supervisor

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dkrasner/yodi/pkg/resilience"
	"github.com/dkrasner/yodi/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRejectsTooManyServices(t *testing.T) {
	rangeSize := unix.SIGRTMAX() - unix.SIGRTMIN()
	specs := make([]ServiceSpec, rangeSize+2)
	for i := range specs {
		specs[i] = ServiceSpec{Name: "svc", Argv: []string{"/bin/sh"}}
	}
	_, err := New(specs, store.NewMemoryStore(), testLogger())
	assert.Error(t, err)
}

func TestArmRestartSignalAndSalvageBacktraceRoundTrip(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	supervisorEnd := os.NewFile(uintptr(fds[0]), "supervisor-end")
	childEnd := os.NewFile(uintptr(fds[1]), "child-end")
	defer supervisorEnd.Close()
	defer childEnd.Close()

	require.NoError(t, armRestartSignal(supervisorEnd, syscall.Signal(unix.SIGRTMIN())))

	_, err = childEnd.Write([]byte("panic: something broke\nstack trace here"))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond) // let the write land before a non-blocking read
	bt := salvageBacktrace(supervisorEnd)
	assert.Contains(t, string(bt), "panic: something broke")
}

func TestSalvageBacktraceReturnsNilWhenEmpty(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	supervisorEnd := os.NewFile(uintptr(fds[0]), "supervisor-end")
	childEnd := os.NewFile(uintptr(fds[1]), "child-end")
	defer supervisorEnd.Close()
	defer childEnd.Close()

	assert.Nil(t, salvageBacktrace(supervisorEnd))
}

func TestReapReportsNormalExit(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	require.NoError(t, cmd.Start())
	assert.Equal(t, "exit 0", reap(cmd))
}

func TestReapReportsSignaledExit(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "kill -TERM $$; sleep 1")
	require.NoError(t, cmd.Start())
	got := reap(cmd)
	assert.Contains(t, got, "signal")
}

func TestLaunchTethersAndStopServiceTerminates(t *testing.T) {
	sup, err := New([]ServiceSpec{{Name: "sleepy", Argv: []string{"/bin/sh", "-c", "sleep 30"}}}, store.NewMemoryStore(), testLogger())
	require.NoError(t, err)

	svc := sup.services[0]
	require.NoError(t, sup.launch(svc))
	require.NotNil(t, svc.cmd.Process)

	sup.stopService(svc)

	err = svc.cmd.Process.Signal(syscall.Signal(0))
	assert.Error(t, err, "process should no longer exist after stopService")
}

func TestNewGivesEachServiceItsOwnBreaker(t *testing.T) {
	sup, err := New([]ServiceSpec{
		{Name: "client", Argv: []string{"/bin/sh"}},
		{Name: "worker", Argv: []string{"/bin/sh"}},
	}, store.NewMemoryStore(), testLogger())
	require.NoError(t, err)

	require.NotNil(t, sup.services[0].breaker)
	require.NotNil(t, sup.services[1].breaker)
	assert.NotSame(t, sup.services[0].breaker, sup.services[1].breaker)
	assert.Equal(t, resilience.CircuitClosed, sup.services[0].breaker.State())
}

func TestCrashLoopOpensBreakerAfterRepeatedExits(t *testing.T) {
	sup, err := New([]ServiceSpec{{Name: "flappy", Argv: []string{"/bin/sh"}}}, store.NewMemoryStore(), testLogger())
	require.NoError(t, err)
	svc := sup.services[0]

	for i := 0; i < CrashLoopMaxFailures; i++ {
		svc.breaker.Execute(func() error { return assert.AnError })
	}

	assert.Equal(t, resilience.CircuitOpen, svc.breaker.State())
}

func TestSetLogFanInRegistersSocketAtPath(t *testing.T) {
	sup, err := New([]ServiceSpec{{Name: "client", Argv: []string{"/bin/sh"}}}, store.NewMemoryStore(), testLogger())
	require.NoError(t, err)

	sockPath := filepath.Join(t.TempDir(), "logfanin.sock")
	require.NoError(t, sup.SetLogFanIn(sockPath))
	defer sup.logFanIn.Close()

	require.NotNil(t, sup.logFanIn)
	assert.Equal(t, sockPath, sup.logFanIn.Path())
}

func TestLogFanInRunDrainsDatagramsIntoStore(t *testing.T) {
	sup, err := New([]ServiceSpec{{Name: "client", Argv: []string{"/bin/sh"}}}, store.NewMemoryStore(), testLogger())
	require.NoError(t, err)

	sockPath := filepath.Join(t.TempDir(), "logfanin.sock")
	require.NoError(t, sup.SetLogFanIn(sockPath))
	defer sup.logFanIn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.logFanIn.Run(ctx)

	conn, err := net.Dial("unixgram", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("worker: starting up"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		item, err := sup.store.One(context.Background(), store.KindLog)
		return err == nil && string(item.Payload) == "worker: starting up"
	}, time.Second, 10*time.Millisecond)
}
