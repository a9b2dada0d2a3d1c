// Package supervisor runs an external tool that is known to hang after it has
// finished its work. Completion is inferred from the tool's log output: a log
// that stops growing means the work is done, a run that exceeds the total
// budget is killed and checked by the caller.
package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

type Kind string

const (
	KindExited            Kind = "exited"
	KindExitFailure       Kind = "exit_failure"
	KindIdleKilled        Kind = "idle_killed"
	KindTimeoutVerified   Kind = "timeout_verified"
	KindTimeoutUnverified Kind = "timeout_unverified"
	KindLaunchError       Kind = "launch_error"
)

type Outcome struct {
	Kind     Kind          `json:"kind"`
	ExitCode int           `json:"exit_code"`
	Elapsed  time.Duration `json:"elapsed"`
	LogBytes int64         `json:"log_bytes"`
	Cause    error         `json:"-"`
}

// Success reports whether the caller should treat the run as successful.
// An idle kill counts as success without verification.
func (o Outcome) Success() bool {
	switch o.Kind {
	case KindExited, KindIdleKilled, KindTimeoutVerified:
		return true
	default:
		return false
	}
}

// Err describes a failed outcome; nil on success.
func (o Outcome) Err() error {
	switch o.Kind {
	case KindExitFailure:
		return fmt.Errorf("process exited with code %d", o.ExitCode)
	case KindTimeoutUnverified:
		return fmt.Errorf("process killed after %s total timeout and the last file is missing", o.Elapsed.Round(time.Second))
	case KindLaunchError:
		if o.Cause == nil {
			return errors.New("process could not be started")
		}
		return fmt.Errorf("process could not be started: %w", o.Cause)
	default:
		return nil
	}
}

type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

type Policy struct {
	PollInterval time.Duration
	IdleTimeout  time.Duration
	TotalTimeout time.Duration
	// KillGrace separates the graceful signal from the forced kill.
	KillGrace time.Duration
	// ExitWait bounds the wait for the OS to reap the process after a kill.
	ExitWait time.Duration

	// SessionLockPath is a file the tool holds an exclusive lock on while
	// running. Empty disables the post-run lock wait.
	SessionLockPath  string
	LockWait         time.Duration
	LockPollInterval time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		PollInterval:     time.Second,
		IdleTimeout:      10 * time.Second,
		TotalTimeout:     300 * time.Second,
		KillGrace:        5 * time.Second,
		ExitWait:         10 * time.Second,
		LockWait:         10 * time.Second,
		LockPollInterval: 250 * time.Millisecond,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.PollInterval <= 0 {
		p.PollInterval = d.PollInterval
	}
	if p.IdleTimeout <= 0 {
		p.IdleTimeout = d.IdleTimeout
	}
	if p.TotalTimeout <= 0 {
		p.TotalTimeout = d.TotalTimeout
	}
	if p.KillGrace <= 0 {
		p.KillGrace = d.KillGrace
	}
	if p.ExitWait <= 0 {
		p.ExitWait = d.ExitWait
	}
	if p.LockWait <= 0 {
		p.LockWait = d.LockWait
	}
	if p.LockPollInterval <= 0 {
		p.LockPollInterval = d.LockPollInterval
	}
	return p
}

type Options struct {
	Policy Policy
	Logger *slog.Logger
	// Observe is called with every outcome, e.g. for metrics.
	Observe func(Outcome)
}

type Supervisor struct {
	policy  Policy
	logger  *slog.Logger
	observe func(Outcome)
}

func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		policy:  opts.Policy.withDefaults(),
		logger:  logger.With("component", "supervisor"),
		observe: opts.Observe,
	}
}

func (s *Supervisor) Policy() Policy {
	return s.policy
}

// Run launches cmd detached with stdout and stderr appended to logPath and
// blocks until the process exits, goes idle, or exceeds the total timeout.
// verify is consulted only after a total-timeout kill; nil counts as
// unverified. Run never fails on the child's exit status.
func (s *Supervisor) Run(cmd Command, logPath string, verify func() bool) Outcome {
	out := s.run(cmd, logPath, verify)
	if s.observe != nil {
		s.observe(out)
	}
	return out
}

func (s *Supervisor) run(cmd Command, logPath string, verify func() bool) Outcome {
	p := s.policy
	logger := s.logger.With("command", filepath.Base(cmd.Path), "log", logPath)

	if strings.TrimSpace(cmd.Path) == "" {
		return Outcome{Kind: KindLaunchError, ExitCode: -1, Cause: errors.New("command path is required")}
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return Outcome{Kind: KindLaunchError, ExitCode: -1, Cause: fmt.Errorf("create log directory: %w", err)}
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Outcome{Kind: KindLaunchError, ExitCode: -1, Cause: fmt.Errorf("open log file: %w", err)}
	}
	defer logFile.Close()
	_, _ = io.WriteString(logFile, fmt.Sprintf("[%s] $ %s\n", time.Now().UTC().Format(time.RFC3339), cmd.String()))

	c := exec.Command(cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.Stdout = logFile
	c.Stderr = logFile
	detach(c)

	started := time.Now()
	if err := c.Start(); err != nil {
		logger.Error("launch failed", "error", err)
		return Outcome{Kind: KindLaunchError, ExitCode: -1, Cause: err}
	}
	pid := c.Process.Pid
	logger = logger.With("pid", pid)
	logger.Info("process started", "idle_timeout", p.IdleTimeout, "total_timeout", p.TotalTimeout)

	done := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = c.Wait()
		close(done)
	}()

	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	// Idle and total budgets are counted in polls, never from tick times.
	lastSize := fileSize(logPath)
	idlePolls, polls := 0, 0

	var out Outcome
loop:
	for {
		select {
		case <-done:
			out = exitOutcome(waitErr)
			break loop
		case <-ticker.C:
			polls++
			if size := fileSize(logPath); size > lastSize {
				lastSize = size
				idlePolls = 0
			} else {
				idlePolls++
			}
			idleFor := time.Duration(idlePolls) * p.PollInterval
			switch {
			case idleFor >= p.IdleTimeout:
				logger.Info("log idle, terminating", "idle_for", idleFor)
				s.terminate(pid, done, logger)
				out = Outcome{Kind: KindIdleKilled, ExitCode: -1}
				break loop
			case time.Duration(polls)*p.PollInterval >= p.TotalTimeout:
				logger.Warn("total timeout reached, terminating", "elapsed", time.Since(started).Round(time.Second))
				s.terminate(pid, done, logger)
				out = Outcome{Kind: KindTimeoutUnverified, ExitCode: -1}
				if verify != nil && verify() {
					out.Kind = KindTimeoutVerified
				}
				break loop
			}
		}
	}

	out.Elapsed = time.Since(started)
	out.LogBytes = fileSize(logPath)
	s.waitSessionLock(logger)
	logger.Info("process finished", "outcome", out.Kind, "exit_code", out.ExitCode, "elapsed", out.Elapsed.Round(time.Millisecond))
	return out
}

func (s *Supervisor) terminate(pid int, done <-chan struct{}, logger *slog.Logger) {
	if err := terminateTree(pid, s.policy.KillGrace, done); err != nil {
		logger.Warn("terminate process tree", "error", err)
	}
	select {
	case <-done:
	case <-time.After(s.policy.ExitWait):
		logger.Warn("process not reaped within bound", "wait", s.policy.ExitWait)
	}
}

func (s *Supervisor) waitSessionLock(logger *slog.Logger) {
	path := strings.TrimSpace(s.policy.SessionLockPath)
	if path == "" {
		return
	}
	if !WaitForLock(path, s.policy.LockWait, s.policy.LockPollInterval) {
		logger.Warn("session lock still held", "path", path, "waited", s.policy.LockWait)
	}
}

// WaitForLock polls until no process holds an exclusive lock on path or wait
// elapses. A missing or unprobeable file counts as free.
func WaitForLock(path string, wait, interval time.Duration) bool {
	if _, err := os.Stat(path); err != nil {
		return true
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	deadline := time.Now().Add(wait)
	for {
		held, err := lockHeld(path)
		if err != nil || !held {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(interval)
	}
}

func exitOutcome(err error) Outcome {
	if err == nil {
		return Outcome{Kind: KindExited, ExitCode: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Outcome{Kind: KindExitFailure, ExitCode: exitErr.ExitCode()}
	}
	return Outcome{Kind: KindExitFailure, ExitCode: -1, Cause: err}
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
