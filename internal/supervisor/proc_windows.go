//go:build windows

package supervisor

import (
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/windows"
)

func detach(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
	}
}

// terminateTree asks the group to stop with CTRL_BREAK, then kills the
// leader and every descendant once grace elapses.
func terminateTree(pid int, grace time.Duration, done <-chan struct{}) error {
	descendants := collectDescendants(int32(pid))
	_ = windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(pid))

	select {
	case <-done:
		if !anyRunning(descendants) {
			return nil
		}
	case <-time.After(grace):
	}

	var errs []error
	for i := len(descendants) - 1; i >= 0; i-- {
		if running, _ := descendants[i].IsRunning(); running {
			if err := descendants[i].Kill(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if leader, err := process.NewProcess(int32(pid)); err == nil {
		if running, _ := leader.IsRunning(); running {
			if err := leader.Kill(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
