package runstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const (
	dirLockName      = ".state.lock"
	dirLockOwnerFile = "owner.json"
)

// DirLock marks a state directory as owned by one process.
type DirLock struct {
	lockDir string
}

type dirLockOwner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

// AcquireDirLock creates <dir>/.state.lock. A lock left behind by a dead
// process on this host is reclaimed once.
func AcquireDirLock(dir string) (DirLock, error) {
	target := strings.TrimSpace(dir)
	if target == "" {
		return DirLock{}, fmt.Errorf("state directory is required")
	}
	if err := Mkdir(target); err != nil {
		return DirLock{}, err
	}

	lockDir := filepath.Join(target, dirLockName)
	for attempt := 0; ; attempt++ {
		err := os.Mkdir(lockDir, 0o755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return DirLock{}, fmt.Errorf("acquire state lock for %s: %w", target, err)
		}

		ownerPath := filepath.Join(lockDir, dirLockOwnerFile)
		var owner dirLockOwner
		readErr := ReadJSON(ownerPath, &owner)
		if readErr == nil && attempt == 0 && ownerIsStale(owner) {
			_ = os.Remove(ownerPath)
			_ = os.Remove(lockDir)
			continue
		}
		if readErr == nil && owner.PID > 0 && owner.CreatedAt != "" {
			return DirLock{}, fmt.Errorf(
				"state directory is locked: %s (pid=%d created_at=%s host=%s)",
				target, owner.PID, owner.CreatedAt, owner.Hostname,
			)
		}
		return DirLock{}, fmt.Errorf("state directory is locked: %s", target)
	}

	owner := dirLockOwner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	}
	ownerPath := filepath.Join(lockDir, dirLockOwnerFile)
	if err := WriteJSON(ownerPath, owner); err != nil {
		_ = os.Remove(lockDir)
		return DirLock{}, fmt.Errorf("write state lock owner for %s: %w", target, err)
	}

	return DirLock{lockDir: lockDir}, nil
}

func (l DirLock) Release() error {
	if strings.TrimSpace(l.lockDir) == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(l.lockDir, dirLockOwnerFile))
	if err := os.Remove(l.lockDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release state lock %s: %w", l.lockDir, err)
	}
	return nil
}

func ownerIsStale(owner dirLockOwner) bool {
	if owner.PID <= 0 || owner.Hostname != hostnameOrUnknown() {
		return false
	}
	if owner.PID == os.Getpid() {
		return false
	}
	alive, err := process.PidExists(int32(owner.PID))
	if err != nil {
		return false
	}
	return !alive
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}
