//go:build !windows

package supervisor

import (
	"errors"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// detach starts the child in its own session so it has no controlling
// terminal and leads a process group that can be signalled as a whole.
func detach(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// terminateTree sends SIGTERM to the group and to every known descendant,
// then SIGKILL once grace elapses without the leader exiting. Descendants
// are collected up front because they are reparented once the leader dies.
func terminateTree(pid int, grace time.Duration, done <-chan struct{}) error {
	descendants := collectDescendants(int32(pid))

	var errs []error
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		errs = append(errs, err)
	}
	for _, p := range descendants {
		_ = p.SendSignal(unix.SIGTERM)
	}

	select {
	case <-done:
		if !anyRunning(descendants) {
			return errors.Join(errs...)
		}
	case <-time.After(grace):
	}

	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		errs = append(errs, err)
	}
	for _, p := range descendants {
		if running, _ := p.IsRunning(); running {
			_ = p.Kill()
		}
	}
	return errors.Join(errs...)
}
