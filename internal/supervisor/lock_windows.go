//go:build windows

package supervisor

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

func lockHeld(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		// Sharing violations mean another process has the file open exclusively.
		if errors.Is(err, windows.ERROR_SHARING_VIOLATION) {
			return true, nil
		}
		return false, err
	}
	defer f.Close()

	h := windows.Handle(f.Fd())
	ol := new(windows.Overlapped)
	flags := uint32(windows.LOCKFILE_EXCLUSIVE_LOCK | windows.LOCKFILE_FAIL_IMMEDIATELY)
	if err := windows.LockFileEx(h, flags, 0, 1, 0, ol); err != nil {
		if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			return true, nil
		}
		return false, err
	}
	_ = windows.UnlockFileEx(h, 0, 1, 0, ol)
	return false, nil
}
