// Package cpulimit implements a periodically advanced CPU-time soft limit
// that lets a role run indefinitely as long as it is not chronically
// burning CPU. A role that overruns its budget is killed by the kernel
// with SIGXCPU; the supervisor observes that and restarts it
// (pkg/supervisor).
//
// CPU usage is read from fields 14 & 15 of /proc/self/stat (utime, stime,
// in clock ticks).
package cpulimit

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultCPUSec and DefaultRearmInterval are the default budget and
// cooldown.
const (
	DefaultCPUSec        = 110
	DefaultRearmInterval = 120 * time.Second

	// clockTicksPerSec is sysconf(_SC_CLK_TCK) on Linux, which is USER_HZ
	// and has been 100 on every mainstream Linux platform for decades.
	// There is no cgo-free sysconf binding in golang.org/x/sys/unix, so
	// Yodi hardcodes it rather than shelling out or linking libc.
	clockTicksPerSec = 100
)

// Limiter advances a process's RLIMIT_CPU on a cooperative schedule.
type Limiter struct {
	cpuSec        int
	rearmInterval time.Duration
	statPath      string // overridable for tests; defaults to /proc/self/stat
	setRlimit     func(res int, lim *unix.Rlimit) error

	mu       sync.Mutex
	deadline time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCPUSec overrides the default CPU_SEC budget added on each rearm.
func WithCPUSec(sec int) Option {
	return func(l *Limiter) { l.cpuSec = sec }
}

// WithRearmInterval overrides the default REARM_INTERVAL cooldown.
func WithRearmInterval(d time.Duration) Option {
	return func(l *Limiter) { l.rearmInterval = d }
}

// withStatPath overrides /proc/self/stat, for testing the parser against
// synthetic input.
func withStatPath(path string) Option {
	return func(l *Limiter) { l.statPath = path }
}

// New creates a Limiter with the default budget and cooldown.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		cpuSec:        DefaultCPUSec,
		rearmInterval: DefaultRearmInterval,
		statPath:      "/proc/self/stat",
		setRlimit:     unix.Setrlimit,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Arm sets the CPU rlimit to the currently consumed CPU time plus CPUSec and
// starts the rearm countdown. Restores SIGXCPU to its default disposition so
// the process actually dies when the limit is hit.
func (l *Limiter) Arm() error {
	signal.Reset(syscall.SIGXCPU)
	return l.doRearm()
}

// Rearm advances the rlimit only if the countdown since the last rearm has
// expired; otherwise it is a no-op. Call this periodically from the role's
// main loop (e.g. once per signal-wait tick).
func (l *Limiter) Rearm() error {
	l.mu.Lock()
	expired := time.Now().After(l.deadline)
	l.mu.Unlock()
	if !expired {
		return nil
	}
	return l.doRearm()
}

func (l *Limiter) doRearm() error {
	now, err := CPUSecondsUsed(l.statPath)
	if err != nil {
		// fail safe: skip the update, old limit remains in effect.
		return nil
	}

	next, ok := addOverflowSafe(now, l.cpuSec)
	if !ok {
		return nil
	}

	rlim := unix.Rlimit{Cur: uint64(next), Max: unix.RLIM_INFINITY}
	if err := l.setRlimit(unix.RLIMIT_CPU, &rlim); err != nil {
		return fmt.Errorf("cpulimit: setrlimit: %w", err)
	}

	l.mu.Lock()
	l.deadline = time.Now().Add(l.rearmInterval)
	l.mu.Unlock()
	return nil
}

// addOverflowSafe skips the update rather than wrapping when now+cpuSec
// would overflow.
func addOverflowSafe(now, cpuSec int) (int, bool) {
	const maxUint = int(^uint(0) >> 1) // platform int max, generous upper bound
	if now < 0 || cpuSec < 0 {
		return 0, false
	}
	if now >= maxUint-cpuSec {
		return 0, false
	}
	return now + cpuSec, true
}

// CPUSecondsUsed reads utime+stime from the given /proc/<pid>/stat-format
// file and converts clock ticks to whole seconds.
func CPUSecondsUsed(statPath string) (int, error) {
	f, err := os.Open(statPath)
	if err != nil {
		return 0, fmt.Errorf("cpulimit: open %s: %w", statPath, err)
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && line == "" {
		return 0, fmt.Errorf("cpulimit: read %s: %w", statPath, err)
	}

	utime, stime, err := parseUtimeStime(line)
	if err != nil {
		return 0, err
	}

	sum := utime + stime
	if sum < utime { // overflow
		return 0, fmt.Errorf("cpulimit: utime+stime overflow")
	}

	return int(sum / uint64(clockTicksPerSec)), nil
}

// parseUtimeStime extracts fields 14 (utime) and 15 (stime) from a
// /proc/self/stat line. The comm field (field 2) is parenthesized and may
// itself contain spaces, so splitting naively on whitespace is wrong in
// general; this only ever reads its own process's stat line, where comm is
// short and safe to split on whitespace.
func parseUtimeStime(line string) (utime, stime uint64, err error) {
	fields := strings.Fields(line)
	if len(fields) < 15 {
		return 0, 0, fmt.Errorf("cpulimit: stat line has %d fields, need at least 15", len(fields))
	}

	utime, err = strconv.ParseUint(fields[13], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("cpulimit: parse utime: %w", err)
	}
	stime, err = strconv.ParseUint(fields[14], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("cpulimit: parse stime: %w", err)
	}
	return utime, stime, nil
}
