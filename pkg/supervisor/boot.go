package supervisor

import (
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// schedOther is SCHED_OTHER, the default Linux time-sharing scheduling
// policy (value 0 on every Linux architecture).
const schedOther = 0

// Boot performs the supervisor's startup sequence: lower to the OTHER
// scheduling class at nice 0 so the supervisor cedes CPU readily. Stderr
// redirection is separate (RedirectStderr) and is not done here.
func Boot(logger *slog.Logger) {
	if err := setSchedOther(); err != nil {
		logger.Warn("supervisor: set scheduler class", "error", err)
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, 0); err != nil {
		logger.Warn("supervisor: set niceness", "error", err)
	}
}

// RedirectStderr duplicates logPath onto fd 2, unless stderr is a TTY (a
// debug run with a console attached keeps printing there instead).
func RedirectStderr(logPath string) error {
	if isTTY(os.Stderr.Fd()) {
		return nil
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("supervisor: open log file %s: %w", logPath, err)
	}
	if err := unix.Dup2(int(f.Fd()), int(os.Stderr.Fd())); err != nil {
		f.Close()
		return fmt.Errorf("supervisor: dup2 stderr: %w", err)
	}
	return f.Close()
}

func isTTY(fd uintptr) bool {
	_, err := unix.IoctlGetTermios(int(fd), unix.TCGETS)
	return err == nil
}

// schedParam mirrors struct sched_param: a single int priority field.
type schedParam struct {
	priority int32
}

func setSchedOther() error {
	var param schedParam
	_, _, errno := syscall.Syscall(unix.SYS_SCHED_SETSCHEDULER, 0, schedOther, uintptr(unsafe.Pointer(&param)))
	if errno != 0 {
		return errno
	}
	return nil
}
